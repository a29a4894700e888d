package launcher_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tapedeck/tapedeck/internal/launcher"
	"github.com/tapedeck/tapedeck/internal/model"
	"github.com/tapedeck/tapedeck/internal/progress"
)

func newEmulator() *launcher.Emulator {
	return launcher.NewEmulator(model.Emulator{
		Enabled:    true,
		StartDelay: "PT0.05S",
		TickMin:    "PT2S",
		TickMax:    "PT5S",
	})
}

func TestEmulator(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	synctest.Test(t, func(t *testing.T) {
		out := filepath.Join(dir, "capture.dv")
		start := time.Now()
		p, err := newEmulator().Launch(t.Context(), out)
		require.NoError(t, err)

		var lines []string
		var last launcher.Event
		for ev := range p.Events() {
			switch ev.Kind {
			case launcher.EventStdout:
				lines = append(lines, ev.Line)
			case launcher.EventStderr:
				t.Fatalf("unexpected stderr %q", ev.Line)
			default:
				last = ev
			}
		}
		elapsed := time.Since(start)

		require.Equal(t, launcher.EventClose, last.Kind)
		require.Equal(t, 0, last.ExitCode)
		require.True(t, p.Exited())
		require.GreaterOrEqual(t, elapsed, 10*time.Second)
		require.LessOrEqual(t, elapsed, 30*time.Second+100*time.Millisecond)

		// start, estimate, 5-6 progress lines, completion
		require.GreaterOrEqual(t, len(lines), 8)
		require.LessOrEqual(t, len(lines), 9)
		require.Equal(t, "DV Emulator: Starting capture to "+out, lines[0])
		require.True(t, strings.HasPrefix(lines[1], "DV Emulator: Estimated "))
		require.True(t, strings.HasPrefix(lines[len(lines)-1], "DV Emulator: Capture completed - "))

		prev := -1
		for _, line := range lines[2 : len(lines)-1] {
			require.True(t, strings.HasPrefix(line, "DV Emulator: Progress - "), line)
			v, ok := progress.Parse(line)
			require.True(t, ok, line)
			require.Greater(t, v, prev)
			prev = v
		}
		require.Equal(t, 100, prev)

		data, err := os.ReadFile(out)
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(string(data), "DUMMY_DV_VIDEO_DATA_"))
	})
}

func TestEmulatorKill(t *testing.T) {
	t.Parallel()
	type then struct {
		code   int
		signal launcher.Signal
	}
	var testCases = []struct {
		scenario string
		given    launcher.Signal
		then     then
	}{
		{"graceful", launcher.SignalTerm, then{1, launcher.SignalNone}},
		{"forced", launcher.SignalKill, then{-1, launcher.SignalKill}},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			out := filepath.Join(t.TempDir(), "capture.dv")
			synctest.Test(t, func(t *testing.T) {
				p, err := newEmulator().Launch(t.Context(), out)
				require.NoError(t, err)

				ev := <-p.Events()
				require.Equal(t, launcher.EventStdout, ev.Kind)
				require.NoError(t, p.Kill(tc.given))

				var last launcher.Event
				for ev := range p.Events() {
					last = ev
				}
				require.Equal(t, launcher.EventClose, last.Kind)
				require.Equal(t, tc.then.code, last.ExitCode)
				require.Equal(t, tc.then.signal, last.Signal)
				require.True(t, p.Exited())
				require.ErrorIs(t, p.Kill(launcher.SignalKill), launcher.ErrExited)

				_, err = os.Stat(out)
				require.ErrorIs(t, err, os.ErrNotExist)
			})
		})
	}
}

func TestEmulatorKillBeforeStart(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		p, err := newEmulator().Launch(t.Context(), filepath.Join(t.TempDir(), "never.dv"))
		require.NoError(t, err)
		require.NoError(t, p.Kill(launcher.SignalTerm))

		var kinds []launcher.EventKind
		for ev := range p.Events() {
			kinds = append(kinds, ev.Kind)
		}
		require.Equal(t, []launcher.EventKind{launcher.EventStdout, launcher.EventClose}, kinds)
	})
}
