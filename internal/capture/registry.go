// Package capture orchestrates capture jobs.
//
// The Registry is the single owner of every CaptureJob in memory. It spawns a
// capture process per job (real or emulated), follows the process event
// stream, mirrors each transition to a store.Store and broadcasts snapshots
// to subscribers.
//
//	StartCapture --> starting --probe/launch--> running --close--> completed
//	                     |                         |-------------> failed
//	                     |                         `--cancel-----> cancelled
//	                     `--no device / spawn error--------------> failed
//
// Every job has exactly one writer at a time: its entry mutex serializes
// the event goroutine, CancelJob and the watchdog. Persistence failures are
// logged and never change the in-memory state.
//
// Open claims the store for the registry's lifetime, so a second process
// can neither recover nor overwrite jobs it does not own.
package capture

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tapedeck/tapedeck/internal/device"
	"github.com/tapedeck/tapedeck/internal/events"
	"github.com/tapedeck/tapedeck/internal/launcher"
	"github.com/tapedeck/tapedeck/internal/log"
	"github.com/tapedeck/tapedeck/internal/model"
	"github.com/tapedeck/tapedeck/internal/progress"
	"github.com/tapedeck/tapedeck/internal/store"
)

var ErrClosed = errors.New("capture registry is shut down")

const (
	DefaultMaxRunTime = 30 * time.Minute
	DefaultKillGrace  = 5 * time.Second

	stderrTailLines = 20

	reasonUser     = "requested by user"
	reasonShutdown = "service shutting down"

	launcherExec     = "exec"
	launcherEmulator = "emulator"
)

type Config struct {
	CollectionsRoot string
	Extension       string
	MaxRunTime      time.Duration
	KillGrace       time.Duration
	EmulatorEnabled bool
}

// ConfigFrom extracts the registry settings from the application config.
func ConfigFrom(cfg model.Config) Config {
	return Config{
		CollectionsRoot: cfg.Collections.Root,
		Extension:       cfg.Collections.Extension,
		MaxRunTime:      cfg.Capture.MaxRunTime.Value(),
		KillGrace:       cfg.Capture.KillGrace.Value(),
		EmulatorEnabled: cfg.Emulator.Enabled,
	}
}

// Recorder receives lifecycle counters. *metrics.Metrics implements it.
type Recorder interface {
	CaptureStarted(launcher string)
	CaptureFinished(status string, d time.Duration, running bool)
	StoreError(op string)
	DeviceProbed(present bool)
}

type nopRecorder struct{}

func (nopRecorder) CaptureStarted(string)                       {}
func (nopRecorder) CaptureFinished(string, time.Duration, bool) {}
func (nopRecorder) StoreError(string)                           {}
func (nopRecorder) DeviceProbed(bool)                           {}

// Deps are the collaborators of a Registry. Store is required; a nil Probe
// means no device is ever present.
type Deps struct {
	Store    store.Store
	Probe    device.Prober
	Real     launcher.Launcher
	Emulated launcher.Launcher
	Metrics  Recorder
	Now      func() time.Time
}

// NewDeps wires the production collaborators described by cfg.
func NewDeps(cfg model.Config, st store.Store, rec Recorder) Deps {
	return Deps{
		Store:    st,
		Probe:    device.FromConfig(cfg.Device),
		Real:     launcher.NewExec(cfg.Capture),
		Emulated: launcher.NewEmulator(cfg.Emulator),
		Metrics:  rec,
	}
}

type entry struct {
	mu              sync.Mutex
	job             model.CaptureJob
	ctx             context.Context
	proc            launcher.Process
	launcher        string
	cancelRequested bool
	cancelReason    string
	watchdog        *time.Timer
	escalate        *time.Timer
	stderr          []string
}

type Registry struct {
	cfg     Config
	store   store.Store
	probe   device.Prober
	real    launcher.Launcher
	emu     launcher.Launcher
	metrics Recorder
	now     func() time.Time
	bus     *events.Bus[model.CaptureJob]
	// base carries the logging attributes of Open, but is never cancelled
	base context.Context

	mu     sync.RWMutex
	jobs   map[string]*entry
	active map[string]*entry
	closed bool
	wg     sync.WaitGroup
}

// Open locks the store, builds the registry and recovers persisted jobs.
// Jobs left in starting or running by a previous process are failed, as no
// process handle survives a restart. Returns an error wrapping
// model.ErrLocked when another registry owns the store.
func Open(ctx context.Context, cfg Config, deps Deps) (*Registry, error) {
	if deps.Store == nil {
		return nil, errors.New("capture registry requires a store")
	}
	if err := deps.Store.Lock(ctx); err != nil {
		return nil, fmt.Errorf("claiming job store: %w", err)
	}
	if cfg.CollectionsRoot == "" {
		cfg.CollectionsRoot = "collections"
	}
	if cfg.Extension == "" {
		cfg.Extension = "dv"
	}
	if cfg.MaxRunTime <= 0 {
		cfg.MaxRunTime = DefaultMaxRunTime
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}

	r := &Registry{
		cfg:     cfg,
		store:   deps.Store,
		probe:   deps.Probe,
		real:    deps.Real,
		emu:     deps.Emulated,
		metrics: deps.Metrics,
		now:     deps.Now,
		bus:     events.NewBus[model.CaptureJob](events.DefaultBuffer),
		base:    context.WithoutCancel(ctx),
		jobs:    make(map[string]*entry),
		active:  make(map[string]*entry),
	}
	if r.probe == nil {
		r.probe = device.Always(false)
	}
	if r.metrics == nil {
		r.metrics = nopRecorder{}
	}
	if r.now == nil {
		r.now = time.Now
	}

	r.recover(ctx)
	return r, nil
}

func (r *Registry) recover(ctx context.Context) {
	jobs, err := r.store.List(ctx)
	if err != nil {
		r.metrics.StoreError("list")
		slog.ErrorContext(ctx, "loading persisted jobs failed: starting empty", "error", err)
		return
	}

	interrupted := 0
	for _, job := range jobs {
		if !job.Status.Valid() {
			slog.WarnContext(ctx, "ignoring persisted job with unknown status", "job_id", job.ID, "status", job.Status)
			continue
		}
		e := &entry{job: job, ctx: log.JobContext(r.base, job.ID, job.CollectionID)}
		if !job.Status.Terminal() {
			if err := e.job.Transition(model.StatusFailed, r.now(), model.ErrorInterrupted); err != nil {
				slog.ErrorContext(e.ctx, "can't fail interrupted job", "error", err)
				continue
			}
			r.save(e, "update")
			r.appendLog(e, model.LogError, model.ErrorInterrupted)
			interrupted++
		}
		r.jobs[job.ID] = e
	}
	slog.InfoContext(ctx, "capture jobs recovered", "jobs", len(r.jobs), "interrupted", interrupted)
}

// StartCapture creates a job for the collection and starts capturing into a
// fresh timestamped file. The job id is returned as soon as the process has
// been spawned; the outcome is observed via Job or Subscribe.
//
// If the job was created but could not be started, its id is returned
// together with an error wrapping model.ErrDeviceUnavailable or
// model.ErrSpawn, and the job is already failed.
func (r *Registry) StartCapture(ctx context.Context, collectionID int64, collectionName string) (string, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return "", ErrClosed
	}

	now := r.now()
	out := model.OutputPath(r.cfg.CollectionsRoot, collectionName, r.cfg.Extension, now)
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return "", fmt.Errorf("creating collection directory: %w", err)
	}

	job := model.NewCaptureJob(collectionID, collectionName, out, now)
	e := &entry{job: job, ctx: log.JobContext(r.base, job.ID, collectionID)}
	ctx = log.JobContext(ctx, job.ID, collectionID)

	e.mu.Lock()
	r.mu.Lock()
	r.jobs[job.ID] = e
	r.mu.Unlock()
	r.save(e, "insert")
	r.publish(e)
	e.mu.Unlock()
	slog.InfoContext(ctx, "capture job created", "output_path", out)
	r.appendLog(e, model.LogInfo, "capture job created for collection '"+collectionName+"'")

	l, name := r.pick(ctx)
	if l == nil {
		r.fail(e, model.ErrDeviceUnavailable.Error())
		return job.ID, model.ErrDeviceUnavailable
	}

	proc, err := l.Launch(context.WithoutCancel(ctx), out)
	if err != nil {
		r.fail(e, "failed to start capture process: "+err.Error())
		return job.ID, fmt.Errorf("%w: %w", model.ErrSpawn, err)
	}

	e.mu.Lock()
	e.proc = proc
	e.launcher = name
	if err := e.job.Transition(model.StatusRunning, r.now(), ""); err != nil {
		// unreachable: nothing else writes a starting job
		slog.ErrorContext(ctx, "can't mark job running", "error", err)
	}
	r.save(e, "update")
	r.publish(e)
	r.metrics.CaptureStarted(name)

	r.mu.Lock()
	closed = r.closed
	if !closed {
		r.active[job.ID] = e
		r.wg.Add(1)
	}
	r.mu.Unlock()
	if closed {
		e.cancelRequested = true
		e.cancelReason = reasonShutdown
		_ = proc.Kill(launcher.SignalKill)
		e.mu.Unlock()
		r.consume(e, proc)
		return job.ID, nil
	}
	e.watchdog = r.armWatchdog(job.ID)
	e.mu.Unlock()

	slog.InfoContext(ctx, "capture started", "launcher", name)
	go func() {
		defer r.wg.Done()
		r.consume(e, proc)
	}()
	return job.ID, nil
}

func (r *Registry) pick(ctx context.Context) (launcher.Launcher, string) {
	present := r.probe.Present(ctx)
	r.metrics.DeviceProbed(present)
	switch {
	case present && r.real != nil:
		return r.real, launcherExec
	case r.cfg.EmulatorEnabled && r.emu != nil:
		slog.InfoContext(ctx, "no capture device present: using emulator")
		return r.emu, launcherEmulator
	default:
		return nil, ""
	}
}

// fail moves a job which never got a process to failed.
func (r *Registry) fail(e *entry, detail string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.job.Transition(model.StatusFailed, r.now(), detail); err != nil {
		slog.ErrorContext(e.ctx, "can't fail job", "error", err)
		return
	}
	slog.ErrorContext(e.ctx, "capture job failed to start", "reason", detail)
	r.save(e, "update")
	r.appendLog(e, model.LogError, detail)
	r.publish(e)
	r.metrics.CaptureFinished(string(model.StatusFailed), e.job.EndTime.Sub(e.job.StartTime), false)
}

// consume applies the process events to the job in order.
func (r *Registry) consume(e *entry, proc launcher.Process) {
	terminal := false
	for ev := range proc.Events() {
		switch ev.Kind {
		case launcher.EventStdout:
			r.onStdout(e, ev.Line)
		case launcher.EventStderr:
			r.onStderr(e, ev.Line)
		case launcher.EventClose:
			terminal = true
			r.onClose(e, ev)
		case launcher.EventError:
			terminal = true
			r.finish(e, model.StatusFailed, "process error: "+errString(ev.Err))
		}
	}
	if !terminal {
		r.finish(e, model.StatusFailed, "process ended without exit status")
	}
}

func (r *Registry) onStdout(e *entry, line string) {
	slog.DebugContext(e.ctx, "capture output", "line", line)
	r.appendLog(e, model.LogInfo, line)
	v, ok := progress.Parse(line)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job.Status != model.StatusRunning || !e.job.SetProgress(v) {
		return
	}
	r.save(e, "update")
	r.publish(e)
}

func (r *Registry) onStderr(e *entry, line string) {
	slog.WarnContext(e.ctx, "capture stderr", "line", line)
	r.appendLog(e, model.LogError, line)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stderr = append(e.stderr, line)
	if len(e.stderr) > stderrTailLines {
		e.stderr = e.stderr[len(e.stderr)-stderrTailLines:]
	}
}

func (r *Registry) onClose(e *entry, ev launcher.Event) {
	e.mu.Lock()
	cancelled := e.cancelRequested && (ev.Signal != launcher.SignalNone || ev.ExitCode != 0)
	reason := e.cancelReason
	tail := strings.Join(e.stderr, "\n")
	e.mu.Unlock()

	switch {
	case cancelled:
		r.finish(e, model.StatusCancelled, "cancelled: "+reason)
	case ev.ExitCode == 0 && ev.Signal == launcher.SignalNone:
		r.finish(e, model.StatusCompleted, "")
	default:
		detail := fmt.Sprintf("process exited with code %d", ev.ExitCode)
		if ev.Signal != launcher.SignalNone {
			detail = "process terminated by " + string(ev.Signal)
		}
		if tail != "" {
			detail += ": " + tail
		}
		r.finish(e, model.StatusFailed, detail)
	}
}

// finish moves a running job to a terminal status and drops it from the
// active table.
func (r *Registry) finish(e *entry, status model.Status, detail string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.watchdog != nil {
		e.watchdog.Stop()
	}
	if e.escalate != nil {
		e.escalate.Stop()
	}
	r.mu.Lock()
	delete(r.active, e.job.ID)
	r.mu.Unlock()

	if status == model.StatusCompleted {
		e.job.SetProgress(100)
	}
	if err := e.job.Transition(status, r.now(), detail); err != nil {
		slog.ErrorContext(e.ctx, "can't finish job", "status", status, "error", err)
		return
	}
	r.save(e, "update")
	r.publish(e)
	r.metrics.CaptureFinished(string(status), e.job.EndTime.Sub(e.job.StartTime), true)

	attrs := []any{"status", status, "progress", e.job.ProgressValue(), "launcher", e.launcher}
	if status == model.StatusCompleted {
		slog.InfoContext(e.ctx, "capture finished", attrs...)
		r.appendLog(e, model.LogInfo, "capture completed")
		return
	}
	slog.WarnContext(e.ctx, "capture finished", append(attrs, "reason", detail)...)
	r.appendLog(e, model.LogError, detail)
}

// CancelJob asks the job's process to terminate and escalates to a forced
// kill once the grace period passed. Returns false if the job has no active
// process. Repeated calls are harmless.
func (r *Registry) CancelJob(id string) bool {
	return r.cancel(id, reasonUser)
}

func (r *Registry) cancel(id, reason string) bool {
	r.mu.RLock()
	e, ok := r.active[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// an exited process keeps its own outcome, even if its close event is
	// still on the way
	if e.proc == nil || e.job.Status.Terminal() || e.proc.Exited() {
		return false
	}
	first := !e.cancelRequested
	if first {
		e.cancelRequested = true
		e.cancelReason = reason
	}
	err := e.proc.Kill(launcher.SignalTerm)
	if errors.Is(err, launcher.ErrExited) {
		if first {
			e.cancelRequested = false
			e.cancelReason = ""
		}
		return false
	}
	if err != nil {
		slog.ErrorContext(e.ctx, "sending terminate failed", "error", err)
	}
	if first {
		slog.InfoContext(e.ctx, "cancelling capture", "reason", reason)
		r.appendLog(e, model.LogInfo, "capture cancel requested: "+reason)
	}
	if e.escalate == nil {
		proc, ctx := e.proc, e.ctx
		e.escalate = time.AfterFunc(r.cfg.KillGrace, func() {
			if proc.Exited() {
				return
			}
			slog.WarnContext(ctx, "capture ignored terminate: killing", "grace", r.cfg.KillGrace.String())
			if err := proc.Kill(launcher.SignalKill); err != nil && !errors.Is(err, launcher.ErrExited) {
				slog.ErrorContext(ctx, "sending kill failed", "error", err)
			}
		})
	}
	return true
}

// Job returns a snapshot of a single job or model.ErrNotFound.
func (r *Registry) Job(id string) (model.CaptureJob, error) {
	r.mu.RLock()
	e, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return model.CaptureJob{}, model.ErrNotFound
	}
	return e.snapshot(), nil
}

// Jobs returns snapshots of all known jobs ordered by start time.
func (r *Registry) Jobs() []model.CaptureJob {
	return r.filter(func(model.CaptureJob) bool { return true })
}

func (r *Registry) JobsByCollection(collectionID int64) []model.CaptureJob {
	return r.filter(func(j model.CaptureJob) bool { return j.CollectionID == collectionID })
}

func (r *Registry) filter(keep func(model.CaptureJob) bool) []model.CaptureJob {
	entries := r.entries()
	jobs := make([]model.CaptureJob, 0, len(entries))
	for _, e := range entries {
		if j := e.snapshot(); keep(j) {
			jobs = append(jobs, j)
		}
	}
	slices.SortFunc(jobs, func(a, b model.CaptureJob) int {
		if c := a.StartTime.Compare(b.StartTime); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return jobs
}

func (r *Registry) entries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]*entry, 0, len(r.jobs))
	for _, e := range r.jobs {
		entries = append(entries, e)
	}
	return entries
}

// Active reports whether the job has a running process.
func (r *Registry) Active(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.active[id]
	return ok
}

// Logs returns the persisted output lines of a job, oldest first. Returns
// model.ErrNotFound for a job the registry does not know.
func (r *Registry) Logs(ctx context.Context, id string) ([]model.JobLog, error) {
	r.mu.RLock()
	_, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, model.ErrNotFound
	}
	logs, err := r.store.Logs(ctx, id)
	if err != nil {
		r.metrics.StoreError("logs")
		return nil, fmt.Errorf("loading job logs: %w", err)
	}
	return logs, nil
}

// Subscribe returns a channel receiving a snapshot after every job change.
// It is closed when ctx is done or the registry shuts down.
func (r *Registry) Subscribe(ctx context.Context) <-chan model.CaptureJob {
	return r.bus.Subscribe(ctx)
}

// CleanupOldJobs forgets every terminal job which started at least maxAge
// ago and deletes them from the store. Jobs still starting or running are
// kept. Returns the number of removed jobs.
func (r *Registry) CleanupOldJobs(ctx context.Context, maxAge time.Duration) int {
	now := r.now()
	var ids []string
	for _, e := range r.entries() {
		j := e.snapshot()
		if j.Status.Terminal() && now.Sub(j.StartTime) >= maxAge {
			ids = append(ids, j.ID)
		}
	}
	if len(ids) == 0 {
		return 0
	}

	r.mu.Lock()
	for _, id := range ids {
		delete(r.jobs, id)
	}
	r.mu.Unlock()

	if err := r.store.Delete(ctx, ids...); err != nil {
		r.metrics.StoreError("delete")
		slog.ErrorContext(ctx, "deleting old jobs failed", "jobs", len(ids), "error", err)
	}
	slog.InfoContext(ctx, "old capture jobs removed", "jobs", len(ids), "max_age", maxAge.String())
	return len(ids)
}

// Shutdown cancels every active capture and waits for their processes to
// exit. When ctx ends first, the remaining processes are killed.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	if len(ids) > 0 {
		slog.InfoContext(ctx, "cancelling active captures", "jobs", len(ids))
	}
	for _, id := range ids {
		r.cancel(id, reasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		r.killAll()
		<-done
	}
	r.bus.Close()
	return err
}

func (r *Registry) killAll() {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.active))
	for _, e := range r.active {
		entries = append(entries, e)
	}
	r.mu.RUnlock()
	for _, e := range entries {
		e.mu.Lock()
		if e.proc != nil {
			_ = e.proc.Kill(launcher.SignalKill)
		}
		e.mu.Unlock()
	}
}

func (e *entry) snapshot() model.CaptureJob {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone()
}

// save writes the job to the store. The caller holds e.mu or owns e
// exclusively.
func (r *Registry) save(e *entry, op string) {
	var err error
	switch op {
	case "insert":
		err = r.store.Insert(e.ctx, e.job)
	default:
		err = r.store.Update(e.ctx, e.job)
	}
	if err != nil {
		r.metrics.StoreError(op)
		slog.ErrorContext(e.ctx, "persisting capture job failed", "op", op, "status", e.job.Status, "error", err)
	}
}

// appendLog persists one log line of e. Lines of a job are appended by its
// single writer, so their order is the order of the process output.
func (r *Registry) appendLog(e *entry, level model.LogLevel, message string) {
	err := r.store.AppendLog(e.ctx, model.JobLog{
		JobID:   e.job.ID,
		Level:   level,
		Message: message,
		Time:    r.now(),
	})
	if err != nil {
		r.metrics.StoreError("append_log")
		slog.ErrorContext(e.ctx, "persisting capture log failed", "level", level, "error", err)
	}
}

func (r *Registry) publish(e *entry) {
	r.bus.Publish(e.ctx, e.job.Clone())
}

func errString(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}
