package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tapedeck/tapedeck/internal/model"
	"github.com/tapedeck/tapedeck/internal/service"
	"github.com/tapedeck/tapedeck/internal/store"
)

func TestCleanupStore(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	st := store.NewMemory()
	old := finished(t, 1, now.Add(-48*time.Hour), model.StatusCompleted)
	edge := finished(t, 2, now.Add(-24*time.Hour), model.StatusCancelled)
	fresh := finished(t, 1, now.Add(-time.Hour), model.StatusFailed)
	running := model.NewCaptureJob(3, "Archive", "/tmp/running.dv", now.Add(-72*time.Hour))
	require.NoError(t, running.Transition(model.StatusRunning, running.StartTime, ""))
	for _, job := range []model.CaptureJob{old, edge, fresh, running} {
		require.NoError(t, st.Insert(t.Context(), job))
	}

	n, err := service.CleanupStore(t.Context(), st, 24*time.Hour, now)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	jobs, err := st.List(t.Context())
	require.NoError(t, err)
	var ids []string
	for _, job := range jobs {
		ids = append(ids, job.ID)
	}
	require.ElementsMatch(t, []string{fresh.ID, running.ID}, ids)

	n, err = service.CleanupStore(t.Context(), st, 24*time.Hour, now)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCleanupStoreZeroAge(t *testing.T) {
	t.Parallel()
	now := time.Now()
	st := store.NewMemory()
	require.NoError(t, st.Insert(t.Context(), finished(t, 1, now.Add(-time.Minute), model.StatusCompleted)))

	n, err := service.CleanupStore(t.Context(), st, 0, now)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
