package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/tapedeck/tapedeck/internal/model"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS capture_jobs (
	id TEXT PRIMARY KEY,
	collection_id INTEGER NOT NULL,
	collection_name TEXT NOT NULL,
	status TEXT NOT NULL,
	start_time TEXT NOT NULL,
	end_time TEXT DEFAULT NULL,
	progress INTEGER DEFAULT NULL,
	error TEXT DEFAULT NULL,
	output_path TEXT DEFAULT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

const sqliteLogsSchema = `CREATE TABLE IF NOT EXISTS capture_job_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	created_at TEXT NOT NULL
)`

const sqliteLogsIndex = `CREATE INDEX IF NOT EXISTS capture_job_logs_job_id ON capture_job_logs (job_id)`

// SQLite stores jobs in a single sqlite database file.
type SQLite struct {
	db   *sql.DB
	path string
	lock *flock.Flock
	now  func() time.Time
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (and creates if needed) the database at dbPath.
// Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers anyway, a single connection avoids SQLITE_BUSY
	// and keeps :memory: databases alive
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		sqliteSchema,
		sqliteLogsSchema,
		sqliteLogsIndex,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initializing sqlite store: %w", err)
		}
	}
	return &SQLite{db: db, path: dbPath, now: time.Now}, nil
}

// Lock takes an exclusive flock on <database>.lock. In-memory databases are
// private to the process and need no lock.
func (s *SQLite) Lock(_ context.Context) error {
	file, ok := sqliteFile(s.path)
	if !ok || s.lock != nil {
		return nil
	}
	lock := flock.New(file + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("locking %s: %w", lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", model.ErrLocked, lock.Path())
	}
	s.lock = lock
	return nil
}

func (s *SQLite) Close() error {
	err := s.db.Close()
	if s.lock != nil {
		err = errors.Join(err, s.lock.Unlock())
		s.lock = nil
	}
	return err
}

// sqliteFile returns the database file named by a DSN, without the file:
// scheme and query parameters.
func sqliteFile(dsn string) (string, bool) {
	file := strings.TrimPrefix(dsn, "file:")
	file, _, _ = strings.Cut(file, "?")
	if file == "" || file == ":memory:" {
		return "", false
	}
	return file, true
}

func (s *SQLite) Insert(ctx context.Context, job model.CaptureJob) error {
	now := formatTime(s.now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO capture_jobs (
			id, collection_id, collection_name, status, start_time, end_time,
			progress, error, output_path, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		job.ID,
		job.CollectionID,
		job.CollectionName,
		string(job.Status),
		formatTime(job.StartTime),
		formatNullTime(job.EndTime),
		nullInt(job.Progress),
		nullableString(job.Error),
		nullableString(job.OutputPath),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	return nil
}

func (s *SQLite) Update(ctx context.Context, job model.CaptureJob) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE capture_jobs
		 SET
			status = ?,
			end_time = ?,
			progress = ?,
			error = ?,
			output_path = ?,
			updated_at = ?
		 WHERE id = ?`,
		string(job.Status),
		formatNullTime(job.EndTime),
		nullInt(job.Progress),
		nullableString(job.Error),
		nullableString(job.OutputPath),
		formatTime(s.now()),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.Int("ids", len(ids)))
		}
	}()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	for _, table := range []string{"capture_job_logs WHERE job_id", "capture_jobs WHERE id"} {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM `+table+` IN (`+placeholders+`)`, args...,
		)
		if err != nil {
			return fmt.Errorf("executing sql delete failed: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

const sqliteColumns = `id, collection_id, collection_name, status, start_time, end_time, progress, error, output_path`

func (s *SQLite) Get(ctx context.Context, id string) (model.CaptureJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM capture_jobs WHERE id = ?`, id,
	)
	job, err := scanSQLite(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.CaptureJob{}, model.ErrNotFound
	case err != nil:
		return model.CaptureJob{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return job, nil
}

func (s *SQLite) List(ctx context.Context) ([]model.CaptureJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM capture_jobs ORDER BY start_time, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var jobs []model.CaptureJob
	for rows.Next() {
		job, err := scanSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows failed: %w", err)
	}
	return jobs, nil
}

func (s *SQLite) AppendLog(ctx context.Context, log model.JobLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO capture_job_logs (job_id, level, message, created_at) VALUES (?,?,?,?)`,
		log.JobID,
		string(log.Level),
		log.Message,
		formatTime(log.Time),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	return nil
}

func (s *SQLite) Logs(ctx context.Context, jobID string) ([]model.JobLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT level, message, created_at FROM capture_job_logs WHERE job_id = ? ORDER BY id`, jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var logs []model.JobLog
	for rows.Next() {
		var (
			level   string
			created string
		)
		log := model.JobLog{JobID: jobID}
		if err := rows.Scan(&level, &log.Message, &created); err != nil {
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		log.Level = model.LogLevel(level)
		log.Time, err = time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows failed: %w", err)
	}
	return logs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (model.CaptureJob, error) {
	var (
		job        model.CaptureJob
		status     string
		startTime  string
		endTime    sql.NullString
		progress   sql.NullInt64
		errText    sql.NullString
		outputPath sql.NullString
	)
	err := row.Scan(
		&job.ID,
		&job.CollectionID,
		&job.CollectionName,
		&status,
		&startTime,
		&endTime,
		&progress,
		&errText,
		&outputPath,
	)
	if err != nil {
		return model.CaptureJob{}, err
	}
	job.Status = model.Status(status)
	job.StartTime, err = time.Parse(time.RFC3339Nano, startTime)
	if err != nil {
		return model.CaptureJob{}, fmt.Errorf("parsing start_time: %w", err)
	}
	if endTime.Valid {
		t, err := time.Parse(time.RFC3339Nano, endTime.String)
		if err != nil {
			return model.CaptureJob{}, fmt.Errorf("parsing end_time: %w", err)
		}
		job.EndTime = &t
	}
	if progress.Valid {
		p := int(progress.Int64)
		job.Progress = &p
	}
	job.Error = errText.String
	job.OutputPath = outputPath.String
	return job, nil
}

// fixed width, so that ORDER BY on the text column follows time order
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}
