package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PruneHistory deletes generation_history rows older than retentionDays.
// Zero days keeps everything.
func (d *Database) PruneHistory(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays < 0 {
		return 0, fmt.Errorf("retentionDays must be non-negative, got %d", retentionDays)
	}
	if retentionDays == 0 {
		return 0, nil
	}

	var deleted int64
	err := d.withConn(func(conn *sql.DB) error {
		res, err := conn.ExecContext(ctx,
			`DELETE FROM generation_history WHERE created_at < datetime('now', ?)`,
			fmt.Sprintf("-%d days", retentionDays))
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune generation history: %w", err)
	}
	return deleted, nil
}

// StartRetention prunes once immediately and then every interval until ctx
// is cancelled. report may be nil.
func (d *Database) StartRetention(ctx context.Context, retentionDays int, interval time.Duration, report func(deleted int64, err error)) {
	if retentionDays <= 0 || interval <= 0 {
		return
	}
	go func() {
		run := func() {
			n, err := d.PruneHistory(ctx, retentionDays)
			if report != nil {
				report(n, err)
			}
		}
		run()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}
