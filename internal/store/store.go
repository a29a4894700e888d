// Package store is the durable mirror of capture jobs.
//
// The registry owns the authoritative in-memory state; a Store holds a
// lagging copy used to recover after restart. Every implementation keeps the
// capture_jobs table keyed by job id and the capture_job_logs table holding
// the output lines of each job.
//
// A single registry may write to a store at a time. Lock claims the store for
// the calling process until Close.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/tapedeck/tapedeck/internal/model"
)

// Store persists capture jobs.
type Store interface {
	// Insert stores a newly created job.
	Insert(ctx context.Context, job model.CaptureJob) error
	// Update overwrites the mutable columns of a job. Returns
	// model.ErrNotFound if the job has never been inserted.
	Update(ctx context.Context, job model.CaptureJob) error
	// Delete removes every given id and its logs. Unknown ids are ignored.
	Delete(ctx context.Context, ids ...string) error
	// Get returns a single job or model.ErrNotFound.
	Get(ctx context.Context, id string) (model.CaptureJob, error)
	// List returns all jobs ordered by start time.
	List(ctx context.Context) ([]model.CaptureJob, error)
	// AppendLog stores one log line of a job.
	AppendLog(ctx context.Context, log model.JobLog) error
	// Logs returns the log lines of a job in the order they were appended.
	Logs(ctx context.Context, jobID string) ([]model.JobLog, error)
	// Lock claims the store for this process. Returns model.ErrLocked while
	// another process holds it. The claim ends with Close.
	Lock(ctx context.Context) error
	Close() error
}

// Open returns the Store selected by cfg.Driver.
func Open(ctx context.Context, cfg model.Store) (Store, error) {
	switch cfg.Driver {
	case model.StoreSQLite, "":
		return OpenSQLite(ctx, cfg.ExpandedDSN())
	case model.StorePostgres:
		return OpenPostgres(ctx, cfg.ExpandedDSN())
	case model.StoreMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

func nullableTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
