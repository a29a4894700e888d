package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/tapedeck/tapedeck/internal/capture"
	"github.com/tapedeck/tapedeck/internal/metrics"
	"github.com/tapedeck/tapedeck/internal/model"
)

const (
	// ShutdownTimeout bounds how long active captures get to stop on exit.
	ShutdownTimeout = 15 * time.Second
	pollInterval    = time.Second
)

type Supervisor struct {
	registry    *capture.Registry
	oneshot     bool
	scheduler   gocron.Scheduler
	metrics     *metrics.Metrics
	metricsAddr string
	reporter    Reporter
	follow      bool
	start       chan request
	wg          sync.WaitGroup
}

type request struct {
	collectionID   int64
	collectionName string
}

// NewSupervisor creates a daemon supervisor around registry. The cleanup
// schedule and the metrics endpoint come from cfg.Service; m may be nil.
func NewSupervisor(ctx context.Context, cfg model.Service, registry *capture.Registry, m *metrics.Metrics) (*Supervisor, error) {
	maxAge := cfg.Cleanup.MaxAge.Value()
	scheduler, err := newScheduler(ctx, cfg.Cleanup.Schedule, func() {
		registry.CleanupOldJobs(ctx, maxAge)
	})
	if err != nil {
		return nil, fmt.Errorf("cleanup schedule failed: %w", err)
	}

	return &Supervisor{
		registry:    registry,
		scheduler:   scheduler,
		metrics:     m,
		metricsAddr: cfg.MetricsAddr,
		reporter:    NopReporter{},
		start:       make(chan request, 16),
	}, nil
}

// NewOneshot creates a supervisor which runs the captures requested by
// Start and returns once they are all terminal.
func NewOneshot(registry *capture.Registry, reporter Reporter) *Supervisor {
	if reporter == nil {
		reporter = NopReporter{}
	}
	return &Supervisor{
		registry: registry,
		oneshot:  true,
		reporter: reporter,
		start:    make(chan request, 16),
	}
}

// SetFollow makes the supervisor report every job change, not only the
// terminal one.
func (s *Supervisor) SetFollow(follow bool) *Supervisor {
	s.follow = follow
	return s
}

// Start asks the supervisor to start a capture. It never blocks on the
// capture itself.
func (s *Supervisor) Start(collectionID int64, collectionName string) {
	s.start <- request{collectionID: collectionID, collectionName: collectionName}
}

// Do runs the supervisor event loop.
// It multiplexes four concerns:
//  1. Capture requests received by Start, handed to the registry.
//  2. Job changes broadcast by the registry: logged and reported.
//  3. In oneshot mode, a poll of the watched jobs in case a broadcast was
//     dropped by a slow subscription.
//  4. Context cancellation: terminates the loop and begins shutdown.
//
// Modes:
//   - Oneshot: returns once every started job is terminal; an error unless
//     all of them completed. Cancellation cancels the active captures.
//   - Daemon: errors are only logged; the loop runs until ctx is cancelled.
//
// Startup: starts the scheduler and the metrics endpoint (if configured).
// Shutdown (deferred order): registry shutdown -> metrics server -> scheduler.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor", "oneshot", s.oneshot)

	if s.scheduler != nil {
		s.scheduler.Start()
		defer func() {
			err := s.scheduler.Shutdown()
			if err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	if s.metrics != nil && s.metricsAddr != "" {
		srv := &http.Server{
			Addr:              s.metricsAddr,
			Handler:           s.metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.wg.Go(func() {
			slog.InfoContext(ctx, "serving metrics", "addr", s.metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.ErrorContext(ctx, "metrics server failed", "error", err)
			}
		})
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			s.wg.Wait()
		}()
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
		defer cancel()
		if err := s.registry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(ctx, "registry shutdown", "error", err)
		}
	}()

	jobs := s.registry.Subscribe(ctx)
	watched := make(map[string]bool)
	var failures []error

	var poll <-chan time.Time
	if s.oneshot {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			if s.oneshot && len(watched) > 0 {
				return fmt.Errorf("capture interrupted: %w", context.Cause(ctx))
			}
			return nil
		case req := <-s.start:
			id, err := s.registry.StartCapture(ctx, req.collectionID, req.collectionName)
			if err != nil {
				if s.oneshot {
					s.report(ctx, id)
					return err
				}
				slog.ErrorContext(ctx, "starting capture failed", "collection_id", req.collectionID, "error", err)
				continue
			}
			if s.oneshot {
				watched[id] = true
			}
		case job, ok := <-jobs:
			if !ok {
				// closed by ctx: the Done case decides
				jobs = nil
				continue
			}
			logJob(ctx, job)
			if s.follow {
				s.reporter.Report(ctx, job)
			}
			if watched[job.ID] && job.Status.Terminal() {
				if done, err := s.done(ctx, job, watched, &failures); done {
					return err
				}
			}
		case <-poll:
			for id := range watched {
				job, err := s.registry.Job(id)
				if err != nil || !job.Status.Terminal() {
					continue
				}
				if done, err := s.done(ctx, job, watched, &failures); done {
					return err
				}
			}
		}
	}
}

// done records a terminal watched job and reports whether the oneshot run is over.
func (s *Supervisor) done(ctx context.Context, job model.CaptureJob, watched map[string]bool, failures *[]error) (bool, error) {
	delete(watched, job.ID)
	if !s.follow {
		s.reporter.Report(ctx, job)
	}
	if job.Status != model.StatusCompleted {
		*failures = append(*failures, fmt.Errorf("capture %s %s: %s", job.ID, job.Status, job.Error))
	}
	if len(watched) > 0 || len(s.start) > 0 {
		return false, nil
	}
	return true, errors.Join(*failures...)
}

func (s *Supervisor) report(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if job, err := s.registry.Job(id); err == nil {
		s.reporter.Report(ctx, job)
	}
}

func (s *Supervisor) metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

func logJob(ctx context.Context, job model.CaptureJob) {
	attrs := []any{
		"job_id", job.ID,
		"collection_id", job.CollectionID,
		"status", job.Status,
		"progress", job.ProgressValue(),
	}
	switch {
	case job.Status == model.StatusRunning && job.Progress != nil:
		slog.DebugContext(ctx, "capture progress", attrs...)
	case job.Error != "":
		slog.WarnContext(ctx, "capture job changed", append(attrs, "error", job.Error)...)
	default:
		slog.InfoContext(ctx, "capture job changed", attrs...)
	}
}
