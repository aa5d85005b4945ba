package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invpredict/ml"
	"invpredict/training"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveAndGetRun(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	submitted := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	job := training.Job{
		ID:          "run-1",
		Status:      training.StatusPending,
		Algorithm:   ml.AlgorithmRandomForest,
		Records:     4,
		SubmittedAt: submitted,
	}
	require.NoError(t, store.SaveRun(ctx, job))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, training.StatusPending, got.Status)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.Metrics)
	assert.True(t, submitted.Equal(got.SubmittedAt))

	started := submitted.Add(time.Second)
	finished := submitted.Add(3 * time.Second)
	job.Status = training.StatusSucceeded
	job.TrainSize, job.TestSize = 3, 1
	job.Metrics = ml.EvaluationMetrics{"mae": 1.5}
	job.ModelVersion = "v-1"
	job.StartedAt, job.FinishedAt = &started, &finished
	store.JobUpdated(job)

	got, err = store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, training.StatusSucceeded, got.Status)
	assert.Equal(t, 3, got.TrainSize)
	assert.Equal(t, ml.EvaluationMetrics{"mae": 1.5}, got.Metrics)
	assert.Equal(t, "v-1", got.ModelVersion)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, finished.Equal(*got.FinishedAt))
}

func TestGetRunNotFound(t *testing.T) {
	_, err := openStore(t).GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestListRunsNewestFirst(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.SaveRun(ctx, training.Job{
			ID:          id,
			Status:      training.StatusFailed,
			Algorithm:   ml.AlgorithmLinear,
			Records:     1,
			Error:       "insufficient data",
			SubmittedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	runs, err := store.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)
	assert.Equal(t, "insufficient data", runs[0].Error)
}
