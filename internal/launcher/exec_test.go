package launcher_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tapedeck/tapedeck/internal/launcher"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// shell returns an Exec running script. The output path is $2.
func shell(t *testing.T, script string) *launcher.Exec {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return &launcher.Exec{Binary: sh, Args: []string{"-c", script, "sh"}}
}

type collected struct {
	stdout []string
	stderr []string
	last   launcher.Event
}

func collect(t *testing.T, p launcher.Process) collected {
	t.Helper()
	var c collected
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-p.Events():
			if !ok {
				return c
			}
			switch ev.Kind {
			case launcher.EventStdout:
				c.stdout = append(c.stdout, ev.Line)
			case launcher.EventStderr:
				c.stderr = append(c.stderr, ev.Line)
			default:
				require.False(t, c.last.Terminal(), "second terminal event %+v", ev)
				c.last = ev
			}
		case <-timeout:
			t.Fatal("process did not finish in time")
		}
	}
}

func TestExec(t *testing.T) {
	t.Parallel()
	out := filepath.Join(t.TempDir(), "capture.dv")
	l := shell(t, `test "$1" = --capture || exit 9; test "$3" = --verbose || exit 9
echo "frames 10/40"; echo "50%"; echo "dropped frame" 1>&2; printf DATA > "$2"`)

	p, err := l.Launch(t.Context(), out)
	require.NoError(t, err)
	c := collect(t, p)

	require.Equal(t, []string{"frames 10/40", "50%"}, c.stdout)
	require.Equal(t, []string{"dropped frame"}, c.stderr)
	require.Equal(t, launcher.EventClose, c.last.Kind)
	require.Equal(t, 0, c.last.ExitCode)
	require.Equal(t, launcher.SignalNone, c.last.Signal)
	require.True(t, p.Exited())
	require.ErrorIs(t, p.Kill(launcher.SignalTerm), launcher.ErrExited)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "DATA", string(data))
}

func TestExecExitCode(t *testing.T) {
	t.Parallel()
	p, err := shell(t, "echo boom 1>&2; exit 3").Launch(t.Context(), "unused")
	require.NoError(t, err)
	c := collect(t, p)
	require.Equal(t, []string{"boom"}, c.stderr)
	require.Equal(t, launcher.EventClose, c.last.Kind)
	require.Equal(t, 3, c.last.ExitCode)
	require.Equal(t, launcher.SignalNone, c.last.Signal)
}

func TestExecKill(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    launcher.Signal
		then     launcher.Signal
	}{
		{"terminate", launcher.SignalTerm, launcher.SignalTerm},
		{"kill", launcher.SignalKill, launcher.SignalKill},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			p, err := shell(t, "echo ready; exec sleep 30").Launch(t.Context(), "unused")
			require.NoError(t, err)

			ev := <-p.Events()
			require.Equal(t, "ready", ev.Line)
			require.False(t, p.Exited())
			require.NoError(t, p.Kill(tc.given))

			c := collect(t, p)
			require.Equal(t, launcher.EventClose, c.last.Kind)
			require.Equal(t, tc.then, c.last.Signal)
			require.Equal(t, -1, c.last.ExitCode)
		})
	}
}

func TestExecChildHoldsOutput(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    bool // kill once the first line arrived
		then     time.Duration
	}{
		{"child outlives the binary", false, 2 * time.Second},
		{"kill reaches the child", true, 2 * time.Second},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			l := shell(t, "sleep 5 & echo 50%; exit 0")
			l.WaitDelay = 200 * time.Millisecond
			if tc.given {
				// only the kill can end the capture early
				l.WaitDelay = time.Minute
			}

			start := time.Now()
			p, err := l.Launch(t.Context(), "unused")
			require.NoError(t, err)
			ev := <-p.Events()
			require.Equal(t, "50%", ev.Line)
			if tc.given {
				require.NoError(t, p.Kill(launcher.SignalKill))
			}

			c := collect(t, p)
			require.Less(t, time.Since(start), tc.then)
			require.Equal(t, launcher.EventClose, c.last.Kind)
			if !tc.given {
				require.Equal(t, 0, c.last.ExitCode)
			}
			require.True(t, p.Exited())
		})
	}
}

func TestExecKillGroup(t *testing.T) {
	t.Parallel()
	p, err := shell(t, "sleep 30 & echo ready; wait").Launch(t.Context(), "unused")
	require.NoError(t, err)

	ev := <-p.Events()
	require.Equal(t, "ready", ev.Line)
	start := time.Now()
	require.NoError(t, p.Kill(launcher.SignalTerm))

	c := collect(t, p)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, launcher.EventClose, c.last.Kind)
	require.Equal(t, launcher.SignalTerm, c.last.Signal)
	require.ErrorIs(t, p.Kill(launcher.SignalKill), launcher.ErrExited)
}

func TestExecSpawnError(t *testing.T) {
	t.Parallel()
	l := &launcher.Exec{Binary: "/does/not/exist/dvrescue"}
	p, err := l.Launch(t.Context(), "unused")
	require.Error(t, err)
	require.Nil(t, p)
}
