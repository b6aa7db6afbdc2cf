package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PreferenceRecord is one row of model_preferences. Seed is kept as the
// text the user typed; an empty string means random.
type PreferenceRecord struct {
	ModelID         string
	Prompt          string
	NegativePrompt  string
	Steps           int
	CFG             float64
	Seed            string
	Size            int
	DenoiseStrength float64
	UpdatedAt       time.Time
}

// History statuses.
const (
	StatusComplete = "complete"
	StatusError    = "error"
)

// HistoryRecord is one row of generation_history.
type HistoryRecord struct {
	ID             string
	ModelID        string
	Prompt         string
	NegativePrompt string
	Steps          int
	CFG            float64
	Seed           *int64
	Size           int
	RunOnCPU       bool
	GenerationTime string
	Status         string
	ErrorMessage   string
	ImagePath      string
	CreatedAt      time.Time

	// imageOnly marks a queued image path update rather than a new row.
	imageOnly bool
}

// Repository wraps a Database with typed queries. History inserts go through
// the optional AsyncWriter so a finished generation never waits on disk.
type Repository struct {
	db    *Database
	async *AsyncWriter[HistoryRecord]
}

// NewRepository returns a Repository. A nil writer makes every insert synchronous.
func NewRepository(db *Database, async *AsyncWriter[HistoryRecord]) *Repository {
	return &Repository{db: db, async: async}
}

// HistoryWriteHandler is the handler an AsyncWriter should use for history rows.
func (r *Repository) HistoryWriteHandler() func(HistoryRecord) error {
	return func(rec HistoryRecord) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if rec.imageOnly {
			return r.setHistoryImagePath(ctx, rec.ID, rec.ImagePath)
		}
		return r.insertHistory(ctx, rec)
	}
}

// GetPreferences returns the stored row and true, or false when the model has
// never been saved.
func (r *Repository) GetPreferences(ctx context.Context, modelID string) (PreferenceRecord, bool, error) {
	var rec PreferenceRecord
	var updatedAt string

	err := r.db.withConn(func(conn *sql.DB) error {
		return conn.QueryRowContext(ctx, `
			SELECT model_id, prompt, negative_prompt, steps, cfg, seed, size,
			       denoise_strength, strftime('%Y-%m-%dT%H:%M:%SZ', updated_at)
			FROM model_preferences
			WHERE model_id = ?`, modelID).Scan(
			&rec.ModelID,
			&rec.Prompt,
			&rec.NegativePrompt,
			&rec.Steps,
			&rec.CFG,
			&rec.Seed,
			&rec.Size,
			&rec.DenoiseStrength,
			&updatedAt,
		)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return PreferenceRecord{}, false, nil
	}
	if err != nil {
		return PreferenceRecord{}, false, fmt.Errorf("failed to load preferences for %s: %w", modelID, err)
	}
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return rec, true, nil
}

// UpsertPreferences writes every field of rec.
func (r *Repository) UpsertPreferences(ctx context.Context, rec PreferenceRecord) error {
	err := r.db.withConn(func(conn *sql.DB) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO model_preferences (
				model_id, prompt, negative_prompt, steps, cfg, seed, size,
				denoise_strength, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(model_id) DO UPDATE SET
				prompt = excluded.prompt,
				negative_prompt = excluded.negative_prompt,
				steps = excluded.steps,
				cfg = excluded.cfg,
				seed = excluded.seed,
				size = excluded.size,
				denoise_strength = excluded.denoise_strength,
				updated_at = CURRENT_TIMESTAMP`,
			rec.ModelID, rec.Prompt, rec.NegativePrompt, rec.Steps, rec.CFG,
			rec.Seed, rec.Size, rec.DenoiseStrength,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save preferences for %s: %w", rec.ModelID, err)
	}
	return nil
}

// UpdatePreferenceColumn sets one text column, inserting a default row first
// when the model has none. Only prompt and negative_prompt are accepted.
func (r *Repository) UpdatePreferenceColumn(ctx context.Context, modelID, column, value string) error {
	if column != "prompt" && column != "negative_prompt" {
		return fmt.Errorf("column %q cannot be updated on its own", column)
	}
	query := fmt.Sprintf(`
		INSERT INTO model_preferences (model_id, %[1]s, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(model_id) DO UPDATE SET
			%[1]s = excluded.%[1]s,
			updated_at = CURRENT_TIMESTAMP`, column)

	err := r.db.withConn(func(conn *sql.DB) error {
		_, err := conn.ExecContext(ctx, query, modelID, value)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save %s for %s: %w", column, modelID, err)
	}
	return nil
}

// DeletePreferences removes a model's row.
func (r *Repository) DeletePreferences(ctx context.Context, modelID string) error {
	err := r.db.withConn(func(conn *sql.DB) error {
		_, err := conn.ExecContext(ctx, `DELETE FROM model_preferences WHERE model_id = ?`, modelID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete preferences for %s: %w", modelID, err)
	}
	return nil
}

// InsertHistory records a generation outcome and returns its id. With an
// async writer the row is queued; if the queue is full it is written inline.
func (r *Repository) InsertHistory(ctx context.Context, rec HistoryRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if r.async != nil && r.async.Write(rec) {
		return rec.ID, nil
	}
	if err := r.insertHistory(ctx, rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (r *Repository) insertHistory(ctx context.Context, rec HistoryRecord) error {
	var seed sql.NullInt64
	if rec.Seed != nil {
		seed = sql.NullInt64{Int64: *rec.Seed, Valid: true}
	}
	runOnCPU := 0
	if rec.RunOnCPU {
		runOnCPU = 1
	}

	err := r.db.withConn(func(conn *sql.DB) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO generation_history (
				id, model_id, prompt, negative_prompt, steps, cfg, seed, size,
				run_on_cpu, generation_time, status, error_message, image_path
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.ModelID, rec.Prompt, rec.NegativePrompt, rec.Steps, rec.CFG,
			seed, rec.Size, runOnCPU, nullString(rec.GenerationTime), rec.Status,
			nullString(rec.ErrorMessage), nullString(rec.ImagePath),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to insert generation history: %w", err)
	}
	return nil
}

// SetHistoryImagePath attaches the gallery path once an image has been saved.
// With an async writer the update is queued behind the row's insert.
func (r *Repository) SetHistoryImagePath(ctx context.Context, id, path string) error {
	if r.async != nil && r.async.Write(HistoryRecord{ID: id, ImagePath: path, imageOnly: true}) {
		return nil
	}
	return r.setHistoryImagePath(ctx, id, path)
}

func (r *Repository) setHistoryImagePath(ctx context.Context, id, path string) error {
	err := r.db.withConn(func(conn *sql.DB) error {
		_, err := conn.ExecContext(ctx,
			`UPDATE generation_history SET image_path = ? WHERE id = ?`, path, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to update history %s: %w", id, err)
	}
	return nil
}

// RecentHistory returns the newest rows first. An empty modelID returns all models.
func (r *Repository) RecentHistory(ctx context.Context, modelID string, limit int) ([]HistoryRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, model_id, prompt, negative_prompt, steps, cfg, seed, size,
		       run_on_cpu, COALESCE(generation_time, ''), status,
		       COALESCE(error_message, ''), COALESCE(image_path, ''),
		       strftime('%Y-%m-%dT%H:%M:%SZ', created_at)
		FROM generation_history`
	args := []interface{}{}
	if modelID != "" {
		query += ` WHERE model_id = ?`
		args = append(args, modelID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	var records []HistoryRecord
	err := r.db.withConn(func(conn *sql.DB) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var rec HistoryRecord
			var seed sql.NullInt64
			var runOnCPU int
			var createdAt string
			if err := rows.Scan(
				&rec.ID, &rec.ModelID, &rec.Prompt, &rec.NegativePrompt,
				&rec.Steps, &rec.CFG, &seed, &rec.Size, &runOnCPU,
				&rec.GenerationTime, &rec.Status, &rec.ErrorMessage,
				&rec.ImagePath, &createdAt,
			); err != nil {
				return err
			}
			if seed.Valid {
				s := seed.Int64
				rec.Seed = &s
			}
			rec.RunOnCPU = runOnCPU != 0
			rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
			records = append(records, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query generation history: %w", err)
	}
	return records, nil
}

// CountHistory returns the number of history rows.
func (r *Repository) CountHistory(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.withConn(func(conn *sql.DB) error {
		return conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM generation_history`).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count generation history: %w", err)
	}
	return count, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return sql.NullString{}
	}
	return s
}
