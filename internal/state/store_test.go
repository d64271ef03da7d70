package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/conveyor/internal/pipeline"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func startedRun(t *testing.T, store *Store, pipelineName string) *pipeline.Run {
	t.Helper()
	run := &pipeline.Run{
		ID:        uuid.NewString(),
		Pipeline:  pipelineName,
		Trigger:   pipeline.TriggerManual,
		StartedAt: time.Now(),
	}
	require.NoError(t, store.RecordStart(context.Background(), run))
	return run
}

func finishRun(t *testing.T, store *Store, run *pipeline.Run, result pipeline.Result) {
	t.Helper()
	now := time.Now()
	run.FinishedAt = &now
	run.Duration = 42 * time.Second
	run.Result = result
	require.NoError(t, store.RecordFinish(context.Background(), run))
}

func TestRecordStartAllocatesSequentialNumbers(t *testing.T) {
	store := newTestStore(t)

	r1 := startedRun(t, store, "a")
	r2 := startedRun(t, store, "a")
	other := startedRun(t, store, "b")

	assert.Equal(t, 1, r1.Number)
	assert.Equal(t, 2, r2.Number)
	assert.Equal(t, 1, other.Number, "numbering is per pipeline")
}

func TestRecordStartKeepsExplicitNumber(t *testing.T) {
	store := newTestStore(t)

	run := &pipeline.Run{
		ID:        uuid.NewString(),
		Pipeline:  "p",
		Number:    7,
		Trigger:   pipeline.TriggerManual,
		StartedAt: time.Now(),
	}
	require.NoError(t, store.RecordStart(context.Background(), run))
	assert.Equal(t, 7, run.Number)

	next := startedRun(t, store, "p")
	assert.Equal(t, 8, next.Number)
}

func TestRecordStartConcurrentRunsGetDistinctNumbers(t *testing.T) {
	store := newTestStore(t)

	const workers = 8
	runs := make([]*pipeline.Run, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run := &pipeline.Run{
				ID:        uuid.NewString(),
				Pipeline:  "p",
				Trigger:   pipeline.TriggerManual,
				StartedAt: time.Now(),
			}
			errs[i] = store.RecordStart(context.Background(), run)
			runs[i] = run
		}(i)
	}
	wg.Wait()

	seen := map[int]bool{}
	for i, run := range runs {
		require.NoError(t, errs[i])
		assert.False(t, seen[run.Number], "number %d allocated twice", run.Number)
		seen[run.Number] = true
	}
}

func TestSetConsolePath(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := startedRun(t, store, "p")
	require.NoError(t, store.SetConsolePath(ctx, run.ID, "/data/runs/p/1/console.log"))

	got, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "/data/runs/p/1/console.log", got.ConsolePath)
}

func TestRecordAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := startedRun(t, store, "tvb-tests")
	run.Agent = "agent-1"
	run.ConsolePath = "/data/runs/tvb-tests/1/console.log"
	run.Tests = pipeline.TestCounts{Tests: 120, Failures: 2, Errors: 1, Skipped: 3}
	run.Stages = []pipeline.StageResult{
		{Name: "build-image", Result: pipeline.ResultSuccess},
		{Name: "run-tests", Result: pipeline.ResultSuccess},
	}
	finishRun(t, store, run, pipeline.ResultUnstable)

	got, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "tvb-tests", got.Pipeline)
	assert.Equal(t, pipeline.ResultUnstable, got.Result)
	assert.Equal(t, pipeline.TriggerManual, got.Trigger)
	assert.Equal(t, 42*time.Second, got.Duration)
	assert.Equal(t, 120, got.Tests.Tests)
	require.Len(t, got.Stages, 2)
	assert.Equal(t, "run-tests", got.Stages[1].Name)
	require.NotNil(t, got.FinishedAt)
}

func TestGetUnknownRun(t *testing.T) {
	store := newTestStore(t)
	got, err := store.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLastCompletedBefore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// No history at all.
	prev, err := store.LastCompletedBefore(ctx, "p", 1)
	require.NoError(t, err)
	assert.Nil(t, prev)

	r1 := startedRun(t, store, "p")
	finishRun(t, store, r1, pipeline.ResultSuccess)

	r2 := startedRun(t, store, "p")
	finishRun(t, store, r2, pipeline.ResultFailure)

	// An in-progress run must not count as "previous result".
	r3 := startedRun(t, store, "p")

	prev, err = store.LastCompletedBefore(ctx, "p", r3.Number)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, pipeline.ResultFailure, prev.Result)
	assert.Equal(t, r2.Number, prev.Number)

	prev, err = store.LastCompletedBefore(ctx, "p", r2.Number)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, pipeline.ResultSuccess, prev.Result)
}

func TestLastCompleted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	last, err := store.LastCompleted(ctx, "p")
	require.NoError(t, err)
	assert.Nil(t, last)

	r1 := startedRun(t, store, "p")
	finishRun(t, store, r1, pipeline.ResultSuccess)
	startedRun(t, store, "p") // still running

	last, err = store.LastCompleted(ctx, "p")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, r1.Number, last.Number)
}

func TestRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		finishRun(t, store, startedRun(t, store, "p"), pipeline.ResultSuccess)
	}
	finishRun(t, store, startedRun(t, store, "q"), pipeline.ResultFailure)

	runs, err := store.Recent(ctx, "p", 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, 5, runs[0].Number, "newest first")

	all, err := store.Recent(ctx, "", 100)
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func TestRecordFinishUnknownRun(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	run := &pipeline.Run{ID: "ghost", Pipeline: "p", Number: 1, Result: pipeline.ResultSuccess, FinishedAt: &now}
	require.ErrorContains(t, store.RecordFinish(context.Background(), run), "not found")
}
