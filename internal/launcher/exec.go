package launcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tapedeck/tapedeck/internal/model"
)

// DefaultWaitDelay bounds how long output pipes inherited by children of the
// capture binary are read after the binary itself exited.
const DefaultWaitDelay = 2 * time.Second

// Exec launches the capture binary as
//
//	<Binary> <Args...> --capture <outputPath> --verbose
//
// in its own process group. Signals go to the whole group, so helpers the
// binary spawned stop with it.
type Exec struct {
	Binary    string
	Args      []string
	Env       []string
	WaitDelay time.Duration
}

var _ Launcher = (*Exec)(nil)

func NewExec(cfg model.Capture) *Exec {
	return &Exec{
		Binary: cfg.Binary,
		Args:   append([]string(nil), cfg.Args...),
	}
}

// Launch starts the binary. It does not wait for it to finish. An error is
// returned only if the process could not be started at all.
func (e *Exec) Launch(ctx context.Context, outputPath string) (Process, error) {
	args := append(append([]string(nil), e.Args...), "--capture", outputPath, "--verbose")
	// not CommandContext: the capture outlives the request which started it
	cmd := exec.Command(e.Binary, args...)
	if len(e.Env) > 0 {
		cmd.Env = append(os.Environ(), e.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = e.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}

	// exec copies the output into the pipes, so Wait returns once the binary
	// exited and WaitDelay passed, even if a child still holds the output open
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	if err := cmd.Start(); err != nil {
		_ = stdoutR.Close()
		_ = stderrR.Close()
		return nil, fmt.Errorf("starting %s: %w", e.Binary, err)
	}
	slog.DebugContext(ctx, "capture process started", "path", e.Binary, "args", args, "pid", cmd.Process.Pid)

	p := &execProcess{
		cmd:    cmd,
		pgid:   cmd.Process.Pid,
		events: make(chan Event, eventsBuffer),
	}
	go p.run(ctx, stdoutR, stderrR, stdoutW, stderrW)
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	pgid   int
	events chan Event
	exited atomic.Bool
}

func (p *execProcess) Events() <-chan Event {
	return p.events
}

func (p *execProcess) Exited() bool {
	return p.exited.Load()
}

func (p *execProcess) Kill(sig Signal) error {
	if p.exited.Load() {
		return ErrExited
	}
	s := syscall.SIGTERM
	if sig == SignalKill {
		s = syscall.SIGKILL
	}
	err := syscall.Kill(-p.pgid, s)
	if errors.Is(err, syscall.ESRCH) {
		return ErrExited
	}
	return err
}

func (p *execProcess) run(ctx context.Context, stdout, stderr *io.PipeReader, stdoutW, stderrW *io.PipeWriter) {
	defer close(p.events)

	var g errgroup.Group
	g.Go(func() error { return p.pump(stdout, EventStdout) })
	g.Go(func() error { return p.pump(stderr, EventStderr) })

	err := p.cmd.Wait()
	p.exited.Store(true)
	// Wait is done copying, the pumps see EOF once they drained the rest
	_ = stdoutW.Close()
	_ = stderrW.Close()
	if scanErr := g.Wait(); scanErr != nil {
		slog.WarnContext(ctx, "reading capture output", "error", scanErr)
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		slog.WarnContext(ctx, "capture output left open by a child process", "wait_delay", p.cmd.WaitDelay.String())
		err = nil
	}

	state := p.cmd.ProcessState
	if state == nil {
		p.events <- Event{Kind: EventError, Err: err}
		return
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.events <- Event{Kind: EventError, Err: err}
		return
	}
	p.events <- closeEvent(state)
}

func (p *execProcess) pump(r io.Reader, kind EventKind) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.events <- Event{Kind: kind, Line: scanner.Text()}
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
		// keep draining, a blocked writer would never exit
		_, _ = io.Copy(io.Discard, r)
		return fmt.Errorf("%s: %w", kind, err)
	}
	return nil
}

func closeEvent(state *os.ProcessState) Event {
	ev := Event{Kind: EventClose, ExitCode: state.ExitCode()}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		switch sig := ws.Signal(); sig {
		case syscall.SIGTERM:
			ev.Signal = SignalTerm
		case syscall.SIGKILL:
			ev.Signal = SignalKill
		default:
			ev.Signal = Signal(sig.String())
		}
	}
	return ev
}
