package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tapedeck/tapedeck/internal/model"
)

var postgresSchema = []string{`CREATE TABLE IF NOT EXISTS capture_jobs (
	id TEXT PRIMARY KEY,
	collection_id BIGINT NOT NULL,
	collection_name TEXT NOT NULL,
	status TEXT NOT NULL,
	start_time TIMESTAMPTZ NOT NULL,
	end_time TIMESTAMPTZ,
	progress INTEGER,
	error TEXT,
	output_path TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, `CREATE TABLE IF NOT EXISTS capture_job_logs (
	id BIGSERIAL PRIMARY KEY,
	job_id TEXT NOT NULL,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
)`, `CREATE INDEX IF NOT EXISTS capture_job_logs_job_id ON capture_job_logs (job_id)`,
}

// postgresLockKey identifies the session advisory lock claimed by Lock.
const postgresLockKey int64 = 0x7461706564656b

var _ Store = (*Postgres)(nil)

// Postgres is a Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
	// lock is the connection holding the advisory lock
	lock *pgxpool.Conn
}

// OpenPostgres connects to dsn and makes sure the capture_jobs table exists.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	s, err := NewPostgres(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgres wraps an existing pool. The pool is closed by Close.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("initializing postgres store: %w", err)
		}
	}
	return &Postgres{pool: pool}, nil
}

// Lock claims a session advisory lock on a dedicated pool connection. The
// connection is held until Close.
func (p *Postgres) Lock(ctx context.Context) error {
	if p.lock != nil {
		return nil
	}
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire lock connection: %w", err)
	}
	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, postgresLockKey).Scan(&locked); err != nil {
		conn.Release()
		return fmt.Errorf("failed to take advisory lock: %w", err)
	}
	if !locked {
		conn.Release()
		return model.ErrLocked
	}
	p.lock = conn
	return nil
}

func (p *Postgres) Close() error {
	var err error
	if p.lock != nil {
		// the session lock would otherwise outlive us in a pooled connection
		_, err = p.lock.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, postgresLockKey)
		p.lock.Release()
		p.lock = nil
	}
	p.pool.Close()
	return err
}

func (p *Postgres) Insert(ctx context.Context, job model.CaptureJob) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO capture_jobs (
			id, collection_id, collection_name, status, start_time, end_time,
			progress, error, output_path
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID,
		job.CollectionID,
		job.CollectionName,
		string(job.Status),
		job.StartTime.UTC(),
		nullableTime(job.EndTime),
		job.Progress,
		nullableString(job.Error),
		nullableString(job.OutputPath),
	)
	if err != nil {
		return fmt.Errorf("failed to insert capture job: %w", err)
	}
	return nil
}

func (p *Postgres) Update(ctx context.Context, job model.CaptureJob) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE capture_jobs
		 SET status = $2, end_time = $3, progress = $4, error = $5,
			output_path = $6, updated_at = now()
		 WHERE id = $1`,
		job.ID,
		string(job.Status),
		nullableTime(job.EndTime),
		job.Progress,
		nullableString(job.Error),
		nullableString(job.OutputPath),
	)
	if err != nil {
		return fmt.Errorf("failed to update capture job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM capture_job_logs WHERE job_id = ANY($1)`, ids); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM capture_jobs WHERE id = ANY($1)`, ids)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete capture jobs: %w", err)
	}
	return nil
}

func (p *Postgres) AppendLog(ctx context.Context, log model.JobLog) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO capture_job_logs (job_id, level, message, created_at) VALUES ($1, $2, $3, $4)`,
		log.JobID,
		string(log.Level),
		log.Message,
		log.Time.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert capture job log: %w", err)
	}
	return nil
}

func (p *Postgres) Logs(ctx context.Context, jobID string) ([]model.JobLog, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT level, message, created_at FROM capture_job_logs WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list capture job logs: %w", err)
	}
	logs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.JobLog, error) {
		var (
			log   = model.JobLog{JobID: jobID}
			level string
		)
		if err := row.Scan(&level, &log.Message, &log.Time); err != nil {
			return model.JobLog{}, err
		}
		log.Level = model.LogLevel(level)
		log.Time = log.Time.UTC()
		return log, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan capture job logs: %w", err)
	}
	return logs, nil
}

const postgresColumns = `id, collection_id, collection_name, status, start_time, end_time, progress, error, output_path`

func (p *Postgres) Get(ctx context.Context, id string) (model.CaptureJob, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+postgresColumns+` FROM capture_jobs WHERE id = $1`, id)
	job, err := scanPostgres(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CaptureJob{}, model.ErrNotFound
		}
		return model.CaptureJob{}, fmt.Errorf("failed to get capture job: %w", err)
	}
	return job, nil
}

func (p *Postgres) List(ctx context.Context) ([]model.CaptureJob, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+postgresColumns+` FROM capture_jobs ORDER BY start_time, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list capture jobs: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.CaptureJob, error) {
		return scanPostgres(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan capture jobs: %w", err)
	}
	return jobs, nil
}

func scanPostgres(row pgx.Row) (model.CaptureJob, error) {
	var (
		job        model.CaptureJob
		status     string
		startTime  time.Time
		endTime    *time.Time
		errText    *string
		outputPath *string
	)
	err := row.Scan(
		&job.ID,
		&job.CollectionID,
		&job.CollectionName,
		&status,
		&startTime,
		&endTime,
		&job.Progress,
		&errText,
		&outputPath,
	)
	if err != nil {
		return model.CaptureJob{}, err
	}
	job.Status = model.Status(status)
	job.StartTime = startTime.UTC()
	job.EndTime = nullableTime(endTime)
	job.Error = deref(errText)
	job.OutputPath = deref(outputPath)
	return job, nil
}
