// Package device detects whether a capture device is attached.
package device

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/tapedeck/tapedeck/internal/model"
)

// DefaultTimeout bounds a single status check.
const DefaultTimeout = 5 * time.Second

// noDevice are output fragments meaning no device is present, including the
// shell reporting a missing binary.
var noDevice = []string{
	"device not found",
	"No devices",
	"command not found",
	"not recognized",
}

// Prober reports whether a capture device is present. It never returns an
// error: every failure means "no device".
type Prober interface {
	Present(ctx context.Context) bool
}

// ProbeFunc adapts an ordinary function to a Prober.
type ProbeFunc func(ctx context.Context) bool

func (f ProbeFunc) Present(ctx context.Context) bool {
	return f(ctx)
}

// Always returns a Prober with a fixed answer.
func Always(present bool) Prober {
	return ProbeFunc(func(context.Context) bool { return present })
}

// Probe runs a status command and inspects its combined output.
type Probe struct {
	Command string
	Args    []string
	Timeout time.Duration
}

func NewProbe(cfg model.Device) *Probe {
	timeout := cfg.Timeout.Value()
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Probe{
		Command: cfg.Command,
		Args:    append([]string(nil), cfg.Args...),
		Timeout: timeout,
	}
}

// FromConfig returns the Prober selected by device.mode.
func FromConfig(cfg model.Device) Prober {
	switch cfg.Mode {
	case model.DeviceModeReal:
		return Always(true)
	case model.DeviceModeEmulated:
		return Always(false)
	default:
		return NewProbe(cfg)
	}
}

func (p *Probe) Present(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	// a grandchild keeping the pipes open must not hold us past the deadline
	cmd.WaitDelay = 100 * time.Millisecond

	if err := cmd.Run(); err != nil {
		slog.DebugContext(ctx, "device probe failed", "command", p.Command, "error", err)
		return false
	}
	return present(buf.String())
}

func present(output string) bool {
	if strings.TrimSpace(output) == "" {
		return false
	}
	for _, s := range noDevice {
		if strings.Contains(output, s) {
			return false
		}
	}
	return true
}
