package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tapedeck/tapedeck/internal/store"
)

// CleanupStore deletes terminal jobs which started at least maxAge before
// now straight from the store. It is meant for the CLI, where opening a
// registry would fail the jobs of a running daemon during recovery.
func CleanupStore(ctx context.Context, st store.Store, maxAge time.Duration, now time.Time) (int, error) {
	jobs, err := st.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing jobs: %w", err)
	}
	var ids []string
	for _, job := range jobs {
		if job.Status.Terminal() && now.Sub(job.StartTime) >= maxAge {
			ids = append(ids, job.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := st.Delete(ctx, ids...); err != nil {
		return 0, fmt.Errorf("deleting jobs: %w", err)
	}
	slog.InfoContext(ctx, "old capture jobs removed", "jobs", len(ids), "max_age", maxAge.String())
	return len(ids), nil
}
