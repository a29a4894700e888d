// Package launcher starts capture processes.
//
// Two implementations share one interface: Exec runs the real capture binary
// and Emulator synthesizes a capture in-process when no hardware is attached.
// Callers consume a Process only through its ordered event stream:
//
//	Stdout/Stderr lines ... then exactly one Close or Error, then the channel is closed
//
// The lifetime of a Process is independent of the context passed to Launch;
// it ends only when the capture finishes or Kill is called.
package launcher

import (
	"context"
	"errors"
)

var ErrExited = errors.New("process already exited")

// Signal is the kind of termination requested from, or reported by, a process.
type Signal string

const (
	SignalNone Signal = ""
	SignalTerm Signal = "SIGTERM"
	SignalKill Signal = "SIGKILL"
)

type EventKind int

const (
	EventStdout EventKind = iota
	EventStderr
	EventClose
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStdout:
		return "stdout"
	case EventStderr:
		return "stderr"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a single observation of a running process. Line is set for
// Stdout and Stderr, ExitCode and Signal for Close, Err for Error.
type Event struct {
	Kind     EventKind
	Line     string
	ExitCode int
	Signal   Signal
	Err      error
}

// Terminal reports whether no further events follow.
func (e Event) Terminal() bool {
	return e.Kind == EventClose || e.Kind == EventError
}

type Process interface {
	// Events returns the ordered event stream. It is closed after the
	// terminal event.
	Events() <-chan Event
	// Kill asks the process to stop. SignalTerm is graceful, SignalKill is
	// not. Returns ErrExited once the process is gone.
	Kill(sig Signal) error
	// Exited reports whether the process has terminated.
	Exited() bool
}

type Launcher interface {
	Launch(ctx context.Context, outputPath string) (Process, error)
}

// LauncherFunc adapts a function to a Launcher.
type LauncherFunc func(ctx context.Context, outputPath string) (Process, error)

func (f LauncherFunc) Launch(ctx context.Context, outputPath string) (Process, error) {
	return f(ctx, outputPath)
}

const eventsBuffer = 64
