package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/tapedeck/tapedeck/internal/model"
)

// Reporter receives job snapshots the supervisor wants to surface to the
// user.
type Reporter interface {
	Report(ctx context.Context, job model.CaptureJob)
}

type NopReporter struct{}

func (NopReporter) Report(context.Context, model.CaptureJob) {}

// JSONReporter writes every snapshot as a single JSON line.
type JSONReporter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewJSONReporter(w io.Writer) *JSONReporter {
	if w == nil {
		w = os.Stdout
	}
	return &JSONReporter{enc: json.NewEncoder(w)}
}

func (r *JSONReporter) Report(ctx context.Context, job model.CaptureJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enc.Encode(job); err != nil {
		slog.ErrorContext(ctx, "writing job report failed", "job_id", job.ID, "error", err)
	}
}

// JobWithLogs is a job report carrying the persisted output of the job.
type JobWithLogs struct {
	model.CaptureJob
	Logs []model.JobLog `json:"logs"`
}

// ReportLogs writes job together with its logs as a single JSON line.
func (r *JSONReporter) ReportLogs(ctx context.Context, job model.CaptureJob, logs []model.JobLog) {
	if logs == nil {
		logs = []model.JobLog{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enc.Encode(JobWithLogs{CaptureJob: job, Logs: logs}); err != nil {
		slog.ErrorContext(ctx, "writing job report failed", "job_id", job.ID, "error", err)
	}
}
