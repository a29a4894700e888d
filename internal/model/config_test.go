package model_test

import (
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/tapedeck/tapedeck/internal/model"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
collections:
  root: /srv/tapes
capture:
  binary: /usr/local/bin/dvrescue
  max_run_time: PT45M
device:
  mode: emulated
emulator:
  tick_min: PT0.1S
  tick_max: PT0.2S
store:
  driver: postgres
  dsn: postgres://tapedeck@localhost/tapedeck
service:
  verbose: true
  cleanup:
    max_age: P7D
    schedule:
      cron: "0 3 * * *"
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.Equal(t, "/srv/tapes", cfg.Collections.Root)
	require.Equal(t, "dv", cfg.Collections.Extension)
	require.Equal(t, "/usr/local/bin/dvrescue", cfg.Capture.Binary)
	require.Equal(t, 45*time.Minute, cfg.Capture.MaxRunTime.Value())
	require.Equal(t, 5*time.Second, cfg.Capture.KillGrace.Value())
	require.Equal(t, model.DeviceModeEmulated, cfg.Device.Mode)
	require.Equal(t, []string{"--status"}, cfg.Device.Args)
	require.True(t, cfg.Emulator.Enabled)
	require.Equal(t, 100*time.Millisecond, cfg.Emulator.TickMin.Value())
	require.Equal(t, model.StorePostgres, cfg.Store.Driver)
	require.True(t, cfg.Service.Verbose)
	require.Equal(t, model.LogStderr, cfg.Service.Log)
	require.Equal(t, 7*24*time.Hour, cfg.Service.Cleanup.MaxAge.Value())
	require.Equal(t, "0 3 * * *", cfg.Service.Cleanup.Schedule.Cron)
}

func TestDefaultConfig(t *testing.T) {
	cfg := model.DefaultConfig(t.Context())
	require.Equal(t, 0, cfg.Version)
	require.Equal(t, "collections", cfg.Collections.Root)
	require.Equal(t, "dvrescue", cfg.Capture.Binary)
	require.Empty(t, cfg.Capture.Args)
	require.Equal(t, 30*time.Minute, cfg.Capture.MaxRunTime.Value())
	require.Equal(t, 5*time.Second, cfg.Device.Timeout.Value())
	require.Equal(t, model.DeviceModeAuto, cfg.Device.Mode)
	require.Equal(t, 50*time.Millisecond, cfg.Emulator.StartDelay.Value())
	require.Equal(t, 2*time.Second, cfg.Emulator.TickMin.Value())
	require.Equal(t, 5*time.Second, cfg.Emulator.TickMax.Value())
	require.Equal(t, model.StoreSQLite, cfg.Store.Driver)
	require.Equal(t, "tapedeck.db", cfg.Store.DSN)
	require.Equal(t, 24*time.Hour, cfg.Service.Cleanup.MaxAge.Value())
	require.Equal(t, "PT1H", cfg.Service.Cleanup.Schedule.Duration)
}

func TestLoadConfig_Fail(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     string
	}{
		{
			scenario: "unknown field",
			given:    "version: 0\ncapture:\n  binray: dvrescue\n",
			then:     "binray",
		},
		{
			scenario: "invalid enum",
			given:    "version: 0\ndevice:\n  mode: always\n",
			then:     "device.mode",
		},
		{
			scenario: "not a duration",
			given:    "version: 0\ncapture:\n  max_run_time: 30m\n",
			then:     "max_run_time",
		},
		{
			scenario: "ticks swapped",
			given:    "version: 0\nemulator:\n  tick_min: PT5S\n  tick_max: PT1S\n",
			then:     "tick_min must not exceed",
		},
		{
			scenario: "postgres without dsn",
			given:    "version: 0\nstore:\n  driver: postgres\n  dsn: \"\"\n",
			then:     "store.dsn is required",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := model.LoadConfig(strings.NewReader(tc.given))
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.then)
			details := model.CueErrDetails(err)
			require.NotEmpty(t, details)
		})
	}
}

func TestCueErrDetails(t *testing.T) {
	t.Parallel()
	type then struct {
		path    string
		code    string
		message string
	}
	var testCases = []struct {
		scenario string
		given    string
		then     then
	}{
		{
			scenario: "enum",
			given:    "version: 0\ndevice:\n  mode: floppy\n",
			then:     then{"device.mode", "invalid_enum", "field mode must be one of auto, real, emulated (default auto)"},
		},
		{
			scenario: "unknown field",
			given:    "version: 0\nservice:\n  colour: red\n",
			then:     then{"service.colour", "unknown_field", "field colour is not allowed"},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := model.LoadConfig(strings.NewReader(tc.given))
			require.Error(t, err)
			details := model.CueErrDetails(err)
			idx := slices.IndexFunc(details, func(d model.CueErrorDetail) bool { return d.Path == tc.then.path })
			require.GreaterOrEqual(t, idx, 0, "no detail for %s in %+v", tc.then.path, details)
			d := details[idx]
			require.Equal(t, tc.then.code, d.Code)
			require.Equal(t, tc.then.message, d.Message)
			require.Equal(t, "config.yaml", d.Pos.Filename)
			require.Equal(t, 3, d.Pos.Line)
		})
	}

	t.Run("not a cue error", func(t *testing.T) {
		t.Parallel()
		details := model.CueErrDetails(errors.New("emulator.tick_min must not exceed emulator.tick_max"))
		require.Equal(t, []model.CueErrorDetail{{
			Code:    "validation_error",
			Message: "emulator.tick_min must not exceed emulator.tick_max",
			Raw:     "emulator.tick_min must not exceed emulator.tick_max",
		}}, details)
		require.Nil(t, model.CueErrDetails(nil))
	})
}
