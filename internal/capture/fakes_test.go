package capture_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tapedeck/tapedeck/internal/capture"
	"github.com/tapedeck/tapedeck/internal/launcher"
	"github.com/tapedeck/tapedeck/internal/model"
	"github.com/tapedeck/tapedeck/internal/store"
)

// fakeProc is a scripted process. A graceful terminate closes it with code
// 1 unless ignoreTerm is set; SignalKill always closes it.
type fakeProc struct {
	mu         sync.Mutex
	events     chan launcher.Event
	signals    []launcher.Signal
	ignoreTerm bool
	exited     bool
}

func newFakeProc(ignoreTerm bool) *fakeProc {
	return &fakeProc{events: make(chan launcher.Event, 32), ignoreTerm: ignoreTerm}
}

func (p *fakeProc) Events() <-chan launcher.Event { return p.events }

func (p *fakeProc) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

func (p *fakeProc) Kill(sig launcher.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return launcher.ErrExited
	}
	p.signals = append(p.signals, sig)
	switch {
	case sig == launcher.SignalKill:
		p.closeLocked(launcher.Event{Kind: launcher.EventClose, ExitCode: -1, Signal: launcher.SignalKill})
	case !p.ignoreTerm:
		p.closeLocked(launcher.Event{Kind: launcher.EventClose, ExitCode: 1})
	}
	return nil
}

func (p *fakeProc) Signals() []launcher.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]launcher.Signal(nil), p.signals...)
}

func (p *fakeProc) stdout(line string) {
	p.events <- launcher.Event{Kind: launcher.EventStdout, Line: line}
}

func (p *fakeProc) stderr(line string) {
	p.events <- launcher.Event{Kind: launcher.EventStderr, Line: line}
}

func (p *fakeProc) exit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked(launcher.Event{Kind: launcher.EventClose, ExitCode: code})
}

// exitUnseen marks the process exited with code but holds back the close
// event until the returned function is called.
func (p *fakeProc) exitUnseen(code int) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exited = true
	return func() {
		p.events <- launcher.Event{Kind: launcher.EventClose, ExitCode: code}
		close(p.events)
	}
}

func (p *fakeProc) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exited = true
	p.events <- launcher.Event{Kind: launcher.EventError, Err: err}
	close(p.events)
}

func (p *fakeProc) closeLocked(ev launcher.Event) {
	if p.exited {
		return
	}
	p.exited = true
	p.events <- ev
	close(p.events)
}

type fakeLauncher struct {
	mu         sync.Mutex
	ignoreTerm bool
	err        error
	procs      []*fakeProc
	outputs    []string
}

func (l *fakeLauncher) Launch(_ context.Context, outputPath string) (launcher.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	p := newFakeProc(l.ignoreTerm)
	l.procs = append(l.procs, p)
	l.outputs = append(l.outputs, outputPath)
	return p, nil
}

func (l *fakeLauncher) last() *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[len(l.procs)-1]
}

func (l *fakeLauncher) launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

var errBoom = errors.New("boom")

// failingStore fails every operation.
type failingStore struct{}

func (failingStore) Insert(context.Context, model.CaptureJob) error { return errBoom }
func (failingStore) Update(context.Context, model.CaptureJob) error { return errBoom }
func (failingStore) Delete(context.Context, ...string) error        { return errBoom }
func (failingStore) Get(context.Context, string) (model.CaptureJob, error) {
	return model.CaptureJob{}, errBoom
}
func (failingStore) List(context.Context) ([]model.CaptureJob, error) { return nil, errBoom }
func (failingStore) AppendLog(context.Context, model.JobLog) error    { return errBoom }
func (failingStore) Logs(context.Context, string) ([]model.JobLog, error) {
	return nil, errBoom
}
func (failingStore) Lock(context.Context) error { return nil }
func (failingStore) Close() error               { return nil }

// deleteRecorder remembers every Delete call.
type deleteRecorder struct {
	store.Store
	mu    sync.Mutex
	calls [][]string
}

func (s *deleteRecorder) Delete(ctx context.Context, ids ...string) error {
	s.mu.Lock()
	s.calls = append(s.calls, append([]string(nil), ids...))
	s.mu.Unlock()
	return s.Store.Delete(ctx, ids...)
}

type recorder struct {
	mu          sync.Mutex
	started     map[string]int
	finished    map[string]int
	storeErrors map[string]int
	probes      int
}

func newRecorder() *recorder {
	return &recorder{
		started:     map[string]int{},
		finished:    map[string]int{},
		storeErrors: map[string]int{},
	}
}

func (r *recorder) CaptureStarted(l string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started[l]++
}

func (r *recorder) CaptureFinished(status string, _ time.Duration, _ bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[status]++
}

func (r *recorder) StoreError(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storeErrors[op]++
}

func (r *recorder) DeviceProbed(bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes++
}

// open builds a registry rooted in a temporary directory. It must be called
// inside the synctest bubble which runs the test.
func open(t *testing.T, dir string, deps capture.Deps, opts ...func(*capture.Config)) *capture.Registry {
	t.Helper()
	cfg := capture.Config{
		CollectionsRoot: dir,
		Extension:       "dv",
		MaxRunTime:      30 * time.Minute,
		KillGrace:       5 * time.Second,
		EmulatorEnabled: true,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if deps.Store == nil {
		deps.Store = store.NewMemory()
	}
	r, err := capture.Open(t.Context(), cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, r.Shutdown(context.Background()))
	})
	return r
}

// lines renders logs as "<level> <message>".
func lines(logs []model.JobLog) []string {
	out := make([]string, 0, len(logs))
	for _, l := range logs {
		out = append(out, string(l.Level)+" "+l.Message)
	}
	return out
}

// statuses drains ch until a terminal snapshot of id arrives.
func statuses(t *testing.T, ch <-chan model.CaptureJob, id string) []model.Status {
	t.Helper()
	var seen []model.Status
	for job := range ch {
		if job.ID != id {
			continue
		}
		seen = append(seen, job.Status)
		if job.Status.Terminal() {
			return seen
		}
	}
	t.Fatalf("subscription closed before job %s finished: %v", id, seen)
	return nil
}
