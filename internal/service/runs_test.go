package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/batchgen/internal/fakes"
	"github.com/raphaelgruber/batchgen/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(f *fixture, events *EventBus) *RunManager {
	return NewRunManager(f.gen, f.store, events, time.Minute)
}

func TestRunManagerRunSync(t *testing.T) {
	f := newFixture(t, GeneratorOptions{})
	id := f.create(t, CreateBatchInput{Prompts: []string{"a", "b"}, ImageCountPerPrompt: 3})
	m := newManager(f, nil)

	run, err := m.Run(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, run.Status)
	assert.Equal(t, 6, run.Completed)
	assert.Equal(t, 6, run.Total)
	assert.Equal(t, id, run.BatchID)
	require.NotNil(t, run.CompletedAt)

	stored, err := f.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Equal(t, 6, stored.Completed)
}

func TestRunManagerRunFailure(t *testing.T) {
	f := newFixture(t, GeneratorOptions{})
	id := f.create(t, CreateBatchInput{Prompts: []string{"a"}})
	f.images.FailPrompts = map[string]error{"a": fakes.ErrNoImage}
	m := newManager(f, nil)

	run, err := m.Run(context.Background(), id)
	require.Error(t, err)
	require.NotNil(t, run, "started runs are returned with their error")
	assert.Equal(t, models.StatusFailed, run.Status)
	assert.Contains(t, run.Error, "did not return an image")

	stored, err := f.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Error)
	assert.Equal(t, models.StatusFailed, stored.Status)
}

func TestRunManagerClaimErrors(t *testing.T) {
	f := newFixture(t, GeneratorOptions{})
	m := newManager(f, nil)

	run, err := m.StartAsync(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, run)

	runs, err := m.ListRuns(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, runs, "no run is recorded for a batch that was never claimed")
}

func TestRunManagerStartAsync(t *testing.T) {
	f := newFixture(t, GeneratorOptions{})
	id := f.create(t, CreateBatchInput{Prompts: []string{"a"}, ImageCountPerPrompt: 2})
	events := NewEventBus()
	sub, cancel := events.Subscribe(id)
	defer cancel()
	m := newManager(f, events)

	run, err := m.StartAsync(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, run.Status)

	require.Eventually(t, func() bool {
		got, err := m.GetRun(context.Background(), run.ID)
		return err == nil && got.Status.Terminal()
	}, 2*time.Second, 5*time.Millisecond)

	got, err := m.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, models.StatusCompleted, f.store.Batch(id).Status)

	var statuses []models.Status
	timeout := time.After(time.Second)
	for len(statuses) == 0 || statuses[len(statuses)-1] != models.StatusCompleted {
		select {
		case ev := <-sub:
			assert.Equal(t, id, ev.BatchID)
			assert.Equal(t, run.ID, ev.RunID)
			statuses = append(statuses, ev.Status)
		case <-timeout:
			t.Fatalf("missing completion event, got %v", statuses)
		}
	}
	assert.Equal(t, models.StatusPending, statuses[0])
	assert.Contains(t, statuses, models.StatusRunning)

	require.NoError(t, m.Shutdown(context.Background()))
}

func TestRunManagerShutdownCancelsRuns(t *testing.T) {
	f := newFixture(t, GeneratorOptions{})
	id := f.create(t, CreateBatchInput{Prompts: []string{"a"}})
	f.images.Block = make(chan struct{})
	m := newManager(f, nil)

	run, err := m.StartAsync(context.Background(), id)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.images.CallCount() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	got, err := m.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, models.StatusFailed, f.store.Batch(id).Status)
}

func TestRunManagerGetRunFallsBackToStore(t *testing.T) {
	f := newFixture(t, GeneratorOptions{})
	id := f.create(t, CreateBatchInput{Prompts: []string{"a"}})

	run, err := newManager(f, nil).Run(context.Background(), id)
	require.NoError(t, err)

	fresh := newManager(f, nil)
	got, err := fresh.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, id, got.BatchID)
	assert.Equal(t, models.StatusCompleted, got.Status)

	_, err = fresh.GetRun(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunManagerListRuns(t *testing.T) {
	f := newFixture(t, GeneratorOptions{})
	a := f.create(t, CreateBatchInput{Prompts: []string{"a"}})
	b := f.create(t, CreateBatchInput{Prompts: []string{"b"}})
	m := newManager(f, nil)

	first, err := m.Run(context.Background(), a)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := m.Run(context.Background(), b)
	require.NoError(t, err)

	runs, err := m.ListRuns(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.ID, runs[0].ID, "most recent first")
	assert.Equal(t, first.ID, runs[1].ID)

	runs, err = m.ListRuns(context.Background(), a)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, first.ID, runs[0].ID)
}

func TestRunManagerReconcile(t *testing.T) {
	f := newFixture(t, GeneratorOptions{})
	id := f.create(t, CreateBatchInput{Prompts: []string{"a"}})
	healthy := f.create(t, CreateBatchInput{Prompts: []string{"b"}})

	// Simulate a crash after markRunning: lock held, heartbeat stale.
	ctx := context.Background()
	for _, batchID := range []string{id, healthy} {
		ok, err := f.store.AcquireRunLock(ctx, batchID, "crashed-"+batchID, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, f.store.SetBatchStatus(ctx, batchID, models.StatusRunning))
	}
	f.store.ExpireLock(id, 5*time.Minute)

	events := NewEventBus()
	sub, cancel := events.Subscribe("")
	defer cancel()
	m := newManager(f, events)

	require.NoError(t, m.Reconcile(ctx))
	assert.Equal(t, models.StatusFailed, f.store.Batch(id).Status)
	assert.Nil(t, f.store.Batch(id).RunToken)
	assert.Equal(t, models.StatusRunning, f.store.Batch(healthy).Status)

	select {
	case ev := <-sub:
		assert.Equal(t, id, ev.BatchID)
		assert.Equal(t, models.StatusFailed, ev.Status)
	case <-time.After(time.Second):
		t.Fatal("no reconcile event")
	}
}

func TestRunManagerProgressPersisted(t *testing.T) {
	f := newFixture(t, GeneratorOptions{})
	id := f.create(t, CreateBatchInput{Prompts: []string{"a"}})
	m := newManager(f, nil)

	require.NoError(t, f.store.CreateRun(context.Background(), "r1", id, 7))
	run := &Run{ID: "r1", BatchID: id, Status: models.StatusRunning, Total: 7, lastProgressUpdate: time.Now()}

	m.UpdateProgress(context.Background(), run, 1, 7)
	stored, _ := f.store.GetRun(context.Background(), "r1")
	assert.Equal(t, 0, stored.Completed, "debounced")

	m.UpdateProgress(context.Background(), run, 5, 7)
	stored, _ = f.store.GetRun(context.Background(), "r1")
	assert.Equal(t, 5, stored.Completed)

	m.UpdateProgress(context.Background(), run, 7, 7)
	stored, _ = f.store.GetRun(context.Background(), "r1")
	assert.Equal(t, 7, stored.Completed)
	assert.Equal(t, 7, run.Snapshot().Completed)
}

func TestRunManagerProgressNeverGoesBackwards(t *testing.T) {
	f := newFixture(t, GeneratorOptions{})
	id := f.create(t, CreateBatchInput{Prompts: []string{"a"}})
	m := newManager(f, nil)
	ctx := context.Background()

	require.NoError(t, f.store.CreateRun(ctx, "r1", id, 10))
	run := &Run{ID: "r1", BatchID: id, Status: models.StatusRunning, Total: 10}

	m.UpdateProgress(ctx, run, 10, 10)
	m.UpdateProgress(ctx, run, 5, 10) // a slower worker reporting late

	stored, _ := f.store.GetRun(ctx, "r1")
	assert.Equal(t, 10, stored.Completed)
	assert.Equal(t, 10, run.Snapshot().Completed)
}

func TestRunManagerConcurrentProgress(t *testing.T) {
	f := newFixture(t, GeneratorOptions{})
	id := f.create(t, CreateBatchInput{Prompts: []string{"a"}})
	m := newManager(f, nil)
	ctx := context.Background()

	const total = 50
	require.NoError(t, f.store.CreateRun(ctx, "r1", id, total))
	run := &Run{ID: "r1", BatchID: id, Status: models.StatusRunning, Total: total}

	var wg sync.WaitGroup
	for i := 1; i <= total; i++ {
		wg.Go(func() {
			m.UpdateProgress(ctx, run, i, total)
		})
	}
	wg.Wait()

	stored, _ := f.store.GetRun(ctx, "r1")
	assert.Equal(t, total, stored.Completed)
}
