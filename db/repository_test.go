package db

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "nested", "localdream.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestOpen_AppliesMigrations(t *testing.T) {
	d := openTestDB(t)

	for _, table := range []string{"model_preferences", "generation_history"} {
		var name string
		err := d.DB().QueryRow(
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
	if err := d.Ping(); err != nil {
		t.Errorf("Ping() = %v", err)
	}
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "localdream.db")
	d, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	d.Close()

	d, err = Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer d.Close()

	version, dirty, err := MigrationVersion(path)
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if version != SchemaVersion || dirty {
		t.Errorf("version = %d dirty = %v, want %d clean", version, dirty, SchemaVersion)
	}
}

func TestMigrateDown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "localdream.db")
	if err := MigrateUp(path); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	if err := MigrateDown(path, 1); err != nil {
		t.Fatalf("MigrateDown: %v", err)
	}
	version, _, err := MigrationVersion(path)
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if version != 1 {
		t.Errorf("version = %d, want 1", version)
	}
}

func TestClose_Twice(t *testing.T) {
	d := openTestDB(t)
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := d.Ping(); !errors.Is(err, ErrClosed) {
		t.Errorf("Ping after Close = %v, want ErrClosed", err)
	}
}

func TestPreferences_RoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t), nil)

	if _, ok, err := repo.GetPreferences(ctx, "sd15"); err != nil || ok {
		t.Fatalf("fresh GetPreferences = ok %v err %v, want missing", ok, err)
	}

	rec := PreferenceRecord{
		ModelID:         "sd15",
		Prompt:          "a red fox",
		NegativePrompt:  "blurry",
		Steps:           28,
		CFG:             6.5,
		Seed:            "1234",
		Size:            512,
		DenoiseStrength: 0.45,
	}
	if err := repo.UpsertPreferences(ctx, rec); err != nil {
		t.Fatalf("UpsertPreferences: %v", err)
	}

	got, ok, err := repo.GetPreferences(ctx, "sd15")
	if err != nil || !ok {
		t.Fatalf("GetPreferences = ok %v err %v", ok, err)
	}
	if got.Prompt != rec.Prompt || got.NegativePrompt != rec.NegativePrompt ||
		got.Steps != rec.Steps || got.CFG != rec.CFG || got.Seed != rec.Seed ||
		got.Size != rec.Size || got.DenoiseStrength != rec.DenoiseStrength {
		t.Errorf("GetPreferences = %+v, want %+v", got, rec)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not parsed")
	}

	rec.Steps = 40
	if err := repo.UpsertPreferences(ctx, rec); err != nil {
		t.Fatalf("second UpsertPreferences: %v", err)
	}
	got, _, _ = repo.GetPreferences(ctx, "sd15")
	if got.Steps != 40 {
		t.Errorf("Steps after update = %d, want 40", got.Steps)
	}
}

func TestUpdatePreferenceColumn(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t), nil)

	if err := repo.UpdatePreferenceColumn(ctx, "sdxl", "prompt", "castle"); err != nil {
		t.Fatalf("UpdatePreferenceColumn: %v", err)
	}
	got, ok, err := repo.GetPreferences(ctx, "sdxl")
	if err != nil || !ok {
		t.Fatalf("GetPreferences = ok %v err %v", ok, err)
	}
	if got.Prompt != "castle" || got.Steps != 20 || got.Size != 256 {
		t.Errorf("row = %+v, want prompt castle with column defaults", got)
	}

	if err := repo.UpdatePreferenceColumn(ctx, "sdxl", "negative_prompt", "lowres"); err != nil {
		t.Fatalf("UpdatePreferenceColumn: %v", err)
	}
	got, _, _ = repo.GetPreferences(ctx, "sdxl")
	if got.Prompt != "castle" || got.NegativePrompt != "lowres" {
		t.Errorf("row = %+v", got)
	}

	if err := repo.UpdatePreferenceColumn(ctx, "sdxl", "steps; DROP TABLE x", "1"); err == nil {
		t.Error("expected error for unsupported column")
	}

	if err := repo.DeletePreferences(ctx, "sdxl"); err != nil {
		t.Fatalf("DeletePreferences: %v", err)
	}
	if _, ok, _ := repo.GetPreferences(ctx, "sdxl"); ok {
		t.Error("row still present after delete")
	}
}

func TestHistory_InsertAndQuery(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t), nil)
	seed := int64(99)

	first, err := repo.InsertHistory(ctx, HistoryRecord{
		ModelID: "sd15", Prompt: "one", Steps: 20, CFG: 7, Seed: &seed, Size: 512,
		GenerationTime: "3.2s", Status: StatusComplete,
	})
	if err != nil {
		t.Fatalf("InsertHistory: %v", err)
	}
	if _, err := repo.InsertHistory(ctx, HistoryRecord{
		ModelID: "sd15", Prompt: "two", Steps: 20, CFG: 7, Size: 256, RunOnCPU: true,
		Status: StatusError, ErrorMessage: "out of memory",
	}); err != nil {
		t.Fatalf("InsertHistory: %v", err)
	}
	if _, err := repo.InsertHistory(ctx, HistoryRecord{
		ModelID: "other", Prompt: "three", Steps: 10, CFG: 5, Size: 256, Status: StatusComplete,
	}); err != nil {
		t.Fatalf("InsertHistory: %v", err)
	}

	if err := repo.SetHistoryImagePath(ctx, first, "/pics/a.png"); err != nil {
		t.Fatalf("SetHistoryImagePath: %v", err)
	}

	rows, err := repo.RecentHistory(ctx, "sd15", 10)
	if err != nil {
		t.Fatalf("RecentHistory: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].Prompt != "two" || rows[1].Prompt != "one" {
		t.Errorf("order = %q, %q; want newest first", rows[0].Prompt, rows[1].Prompt)
	}
	if rows[0].Seed != nil || !rows[0].RunOnCPU || rows[0].ErrorMessage != "out of memory" {
		t.Errorf("error row = %+v", rows[0])
	}
	if rows[1].Seed == nil || *rows[1].Seed != 99 || rows[1].ImagePath != "/pics/a.png" {
		t.Errorf("complete row = %+v", rows[1])
	}

	all, _ := repo.RecentHistory(ctx, "", 0)
	if len(all) != 3 {
		t.Errorf("all models = %d rows, want 3", len(all))
	}
	count, err := repo.CountHistory(ctx)
	if err != nil || count != 3 {
		t.Errorf("CountHistory = %d, %v", count, err)
	}
}

func TestHistory_AsyncWriter(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)

	repo := NewRepository(d, nil)
	writer := NewAsyncWriter(8, repo.HistoryWriteHandler(), nil)
	repo = NewRepository(d, writer)
	writer.Start()

	for i := 0; i < 5; i++ {
		if _, err := repo.InsertHistory(ctx, HistoryRecord{
			ModelID: "sd15", Prompt: "queued", Steps: 1, CFG: 1, Size: 128, Status: StatusComplete,
		}); err != nil {
			t.Fatalf("InsertHistory: %v", err)
		}
	}
	if !writer.Close(5 * time.Second) {
		t.Fatal("writer did not drain in time")
	}

	count, _ := repo.CountHistory(ctx)
	if count != 5 {
		t.Errorf("CountHistory = %d, want 5", count)
	}

	// After Close the repository falls back to inline writes.
	if _, err := repo.InsertHistory(ctx, HistoryRecord{
		ModelID: "sd15", Prompt: "inline", Steps: 1, CFG: 1, Size: 128, Status: StatusComplete,
	}); err != nil {
		t.Fatalf("InsertHistory after close: %v", err)
	}
	count, _ = repo.CountHistory(ctx)
	if count != 6 {
		t.Errorf("CountHistory = %d, want 6", count)
	}
}

func TestHistory_AsyncImagePathFollowsInsert(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)

	repo := NewRepository(d, nil)
	writer := NewAsyncWriter(8, repo.HistoryWriteHandler(), nil)
	repo = NewRepository(d, writer)
	writer.Start()

	id, err := repo.InsertHistory(ctx, HistoryRecord{
		ModelID: "sd15", Prompt: "saved", Steps: 1, CFG: 1, Size: 128, Status: StatusComplete,
	})
	if err != nil {
		t.Fatalf("InsertHistory: %v", err)
	}
	if err := repo.SetHistoryImagePath(ctx, id, "/pictures/a.png"); err != nil {
		t.Fatalf("SetHistoryImagePath: %v", err)
	}
	if !writer.Close(5 * time.Second) {
		t.Fatal("writer did not drain in time")
	}

	rows, err := repo.RecentHistory(ctx, "sd15", 1)
	if err != nil || len(rows) != 1 {
		t.Fatalf("RecentHistory = %v, %v", rows, err)
	}
	if rows[0].ImagePath != "/pictures/a.png" {
		t.Errorf("ImagePath = %q", rows[0].ImagePath)
	}
}

func TestAsyncWriter_NotStarted(t *testing.T) {
	w := NewAsyncWriter(1, func(int) error { return nil }, nil)
	if w.Write(1) {
		t.Error("Write before Start should report false")
	}
}

func TestAsyncWriter_ReportsErrors(t *testing.T) {
	var failures atomic.Int32
	w := NewAsyncWriter(4,
		func(int) error { return errors.New("disk full") },
		func(int, error) { failures.Add(1) })
	w.Start()
	w.Write(1)
	w.Write(2)
	w.Close(time.Second)

	if failures.Load() != 2 {
		t.Errorf("onError called %d times, want 2", failures.Load())
	}
}

func TestPruneHistory(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)
	repo := NewRepository(d, nil)

	if _, err := repo.InsertHistory(ctx, HistoryRecord{
		ModelID: "sd15", Prompt: "fresh", Steps: 1, CFG: 1, Size: 128, Status: StatusComplete,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := d.DB().Exec(`
		INSERT INTO generation_history (id, model_id, prompt, steps, cfg, size, status, created_at)
		VALUES ('old', 'sd15', 'stale', 1, 1, 128, 'complete', datetime('now', '-40 days'))`); err != nil {
		t.Fatal(err)
	}

	n, err := d.PruneHistory(ctx, 30)
	if err != nil {
		t.Fatalf("PruneHistory: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d rows, want 1", n)
	}
	if n, _ := d.PruneHistory(ctx, 0); n != 0 {
		t.Errorf("zero retention deleted %d rows", n)
	}
	if _, err := d.PruneHistory(ctx, -1); err == nil {
		t.Error("negative retention should fail")
	}
}
