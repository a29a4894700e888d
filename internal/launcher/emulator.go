package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync/atomic"
	"time"

	"github.com/tapedeck/tapedeck/internal/model"
)

const (
	minFrames = 1000
	maxFrames = 3000
	// with ticks of 2-5s a run takes 10-30s
	minTicks  = 5
	maxTicks  = 6
)

// Emulator stands in for the capture binary when no device is attached. It
// reports progress the way the real tool does and writes a small
// placeholder file on success.
type Emulator struct {
	StartDelay time.Duration
	TickMin    time.Duration
	TickMax    time.Duration
}

var _ Launcher = (*Emulator)(nil)

func NewEmulator(cfg model.Emulator) *Emulator {
	return &Emulator{
		StartDelay: cfg.StartDelay.Value(),
		TickMin:    cfg.TickMin.Value(),
		TickMax:    cfg.TickMax.Value(),
	}
}

func (e *Emulator) Launch(ctx context.Context, outputPath string) (Process, error) {
	tickMin, tickMax := e.TickMin, e.TickMax
	if tickMin <= 0 {
		tickMin = 2 * time.Second
	}
	if tickMax < tickMin {
		tickMax = tickMin
	}
	p := &emuProcess{
		out:     outputPath,
		delay:   e.StartDelay,
		tickMin: tickMin,
		tickMax: tickMax,
		rng:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		events:  make(chan Event, eventsBuffer),
		kill:    make(chan Signal, 1),
	}
	slog.DebugContext(ctx, "emulated capture started", "path", outputPath)
	go p.run()
	return p, nil
}

type emuProcess struct {
	out              string
	delay            time.Duration
	tickMin, tickMax time.Duration
	rng              *rand.Rand
	events           chan Event
	kill             chan Signal
	exited           atomic.Bool
}

func (p *emuProcess) Events() <-chan Event {
	return p.events
}

func (p *emuProcess) Exited() bool {
	return p.exited.Load()
}

func (p *emuProcess) Kill(sig Signal) error {
	if p.exited.Load() {
		return ErrExited
	}
	if sig == SignalNone {
		sig = SignalTerm
	}
	select {
	case p.kill <- sig:
	default:
		// a signal is pending already, let SignalKill win
		if sig == SignalKill {
			select {
			case <-p.kill:
			default:
			}
			select {
			case p.kill <- sig:
			default:
			}
		}
	}
	return nil
}

func (p *emuProcess) run() {
	defer close(p.events)

	if sig, killed := p.sleep(p.delay); killed {
		p.terminate(sig)
		return
	}

	total := minFrames + p.rng.IntN(maxFrames-minFrames+1)
	ticks := minTicks + p.rng.IntN(maxTicks-minTicks+1)
	p.stdout("DV Emulator: Starting capture to " + p.out)
	p.stdout(fmt.Sprintf("DV Emulator: Estimated %d frames", total))

	frames := 0
	for i := 1; i <= ticks; i++ {
		tick := p.tickMin
		if span := p.tickMax - p.tickMin; span > 0 {
			tick += time.Duration(p.rng.Int64N(int64(span) + 1))
		}
		if sig, killed := p.sleep(tick); killed {
			p.terminate(sig)
			return
		}

		// +-10% of a step around an even share, the last tick ends the run
		next := total
		if i < ticks {
			step := total / ticks
			next = total*i/ticks + p.rng.IntN(step/5+1) - step/10
		}
		frames = min(max(next, frames+1), total)
		p.stdout(fmt.Sprintf("DV Emulator: Progress - %d/%d frames (%d%%)", frames, total, frames*100/total))
	}

	p.stdout(fmt.Sprintf("DV Emulator: Capture completed - %d/%d frames", total, total))
	data := fmt.Sprintf("DUMMY_DV_VIDEO_DATA_%d", time.Now().UnixMilli())
	if err := os.WriteFile(p.out, []byte(data), 0o644); err != nil {
		p.emit(Event{Kind: EventStderr, Line: "DV Emulator: " + err.Error()})
		p.finish(Event{Kind: EventClose, ExitCode: 1})
		return
	}
	p.finish(Event{Kind: EventClose, ExitCode: 0})
}

// sleep waits for d unless a signal arrives first.
func (p *emuProcess) sleep(d time.Duration) (Signal, bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return SignalNone, false
	case sig := <-p.kill:
		return sig, true
	}
}

// terminate mimics the real tool: a graceful request exits with code 1,
// a forced one reports the signal.
func (p *emuProcess) terminate(sig Signal) {
	if sig == SignalKill {
		p.finish(Event{Kind: EventClose, ExitCode: -1, Signal: SignalKill})
		return
	}
	p.stdout("DV Emulator: Capture cancelled")
	p.finish(Event{Kind: EventClose, ExitCode: 1})
}

func (p *emuProcess) stdout(line string) {
	p.emit(Event{Kind: EventStdout, Line: line})
}

func (p *emuProcess) emit(ev Event) {
	p.events <- ev
}

func (p *emuProcess) finish(ev Event) {
	p.exited.Store(true)
	p.events <- ev
}
