package store

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/tapedeck/tapedeck/internal/model"
)

var _ Store = (*Memory)(nil)

// Memory keeps jobs in a map. Nothing survives process exit, so Lock has
// nothing to guard.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]model.CaptureJob
	logs map[string][]model.JobLog
}

func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[string]model.CaptureJob),
		logs: make(map[string][]model.JobLog),
	}
}

func (m *Memory) Insert(_ context.Context, job model.CaptureJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *Memory) Update(_ context.Context, job model.CaptureJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return model.ErrNotFound
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *Memory) Delete(_ context.Context, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.jobs, id)
		delete(m.logs, id)
	}
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (model.CaptureJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return model.CaptureJob{}, model.ErrNotFound
	}
	return job.Clone(), nil
}

func (m *Memory) List(_ context.Context) ([]model.CaptureJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := make([]model.CaptureJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job.Clone())
	}
	slices.SortFunc(jobs, func(a, b model.CaptureJob) int {
		if c := a.StartTime.Compare(b.StartTime); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return jobs, nil
}

func (m *Memory) AppendLog(_ context.Context, log model.JobLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[log.JobID] = append(m.logs[log.JobID], log)
	return nil
}

func (m *Memory) Logs(_ context.Context, jobID string) ([]model.JobLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.logs[jobID]), nil
}

func (m *Memory) Lock(context.Context) error {
	return nil
}

func (m *Memory) Close() error {
	return nil
}
