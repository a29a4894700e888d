package service

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tapedeck/tapedeck/internal/metrics"
	"github.com/tapedeck/tapedeck/internal/model"
)

func TestNewScheduler(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    model.TimerSchedule
		then     bool
		err      bool
	}{
		{scenario: "cron", given: model.TimerSchedule{Cron: "*/5 * * * *"}, then: true},
		{scenario: "macro", given: model.TimerSchedule{Cron: "@daily"}, then: true},
		{scenario: "duration", given: model.TimerSchedule{Duration: "PT1H"}, then: true},
		{scenario: "cron wins", given: model.TimerSchedule{Cron: "@hourly", Duration: "nope"}, then: true},
		{scenario: "empty", given: model.TimerSchedule{}},
		{scenario: "invalid cron", given: model.TimerSchedule{Cron: "every day"}, err: true},
		{scenario: "invalid duration", given: model.TimerSchedule{Duration: "1h"}, err: true},
		{scenario: "zero duration", given: model.TimerSchedule{Duration: "PT0S"}, err: true},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			s, err := newScheduler(t.Context(), tc.given, func() {})
			if tc.err {
				require.Error(t, err)
				require.Nil(t, s)
				return
			}
			require.NoError(t, err)
			if !tc.then {
				require.Nil(t, s)
				return
			}
			require.NotNil(t, s)
			require.Len(t, s.Jobs(), 1)
			require.NoError(t, s.Shutdown())
		})
	}
}

func TestMetricsMux(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	m.CaptureStarted("emulator")
	s := &Supervisor{metrics: m}
	srv := httptest.NewServer(s.metricsMux())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/metrics", nil)
	require.NoError(t, err)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp2.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp2.StatusCode)
}
