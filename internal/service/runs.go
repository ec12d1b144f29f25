package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/batchgen/internal/models"
)

const (
	// runsPerPage caps ListRuns.
	runsPerPage = 50

	// finishedRunRetention is how long finished runs stay in memory.
	// Older ones are served from the database.
	finishedRunRetention = time.Hour
)

// Run tracks one execution of a batch.
type Run struct {
	ID          string
	BatchID     string
	Status      models.Status
	Completed   int
	Total       int
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time

	mu                 sync.RWMutex
	lastProgressUpdate time.Time // debounces DB writes

	persistMu sync.Mutex // serializes progress writes
	persisted int        // highest count written to the store
}

// RunSnapshot is a point-in-time copy of a run.
type RunSnapshot struct {
	ID          string
	BatchID     string
	Status      models.Status
	Completed   int
	Total       int
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// Snapshot returns a thread-safe copy of run state.
func (r *Run) Snapshot() RunSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RunSnapshot{
		ID:          r.ID,
		BatchID:     r.BatchID,
		Status:      r.Status,
		Completed:   r.Completed,
		Total:       r.Total,
		Error:       r.Error,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}

func (r *Run) event() Event {
	s := r.Snapshot()
	return Event{
		BatchID:   s.BatchID,
		RunID:     s.ID,
		Status:    s.Status,
		Completed: s.Completed,
		Total:     s.Total,
		Error:     s.Error,
	}
}

// RunManager starts generation runs and tracks their progress in memory and
// in the generation_run table.
type RunManager struct {
	gen        *Generator
	store      RunStore
	events     *EventBus
	staleAfter time.Duration

	runs map[string]*Run
	mu   sync.RWMutex

	// base is the parent context of async runs, cancelled by Shutdown.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunManager creates a run manager. events may be nil.
func NewRunManager(gen *Generator, store RunStore, events *EventBus, staleAfter time.Duration) *RunManager {
	base, cancel := context.WithCancel(context.Background())
	return &RunManager{
		gen:        gen,
		store:      store,
		events:     events,
		staleAfter: staleAfter,
		runs:       make(map[string]*Run),
		base:       base,
		cancel:     cancel,
	}
}

// Run executes batchID synchronously and returns the finished run. A run
// that started and failed is returned together with its error.
func (m *RunManager) Run(ctx context.Context, batchID string) (*RunSnapshot, error) {
	run, exec, err := m.begin(ctx, batchID)
	if err != nil {
		return nil, err
	}
	err = m.execute(ctx, run, exec)
	snap := run.Snapshot()
	return &snap, err
}

// StartAsync claims batchID and executes it in the background. Errors from
// claiming (ErrNotFound, ValidationError, ErrRunInProgress) are returned
// directly; execution errors end up on the run.
func (m *RunManager) StartAsync(ctx context.Context, batchID string) (*RunSnapshot, error) {
	run, exec, err := m.begin(ctx, batchID)
	if err != nil {
		return nil, err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_ = m.execute(m.base, run, exec)
	}()

	snap := run.Snapshot()
	return &snap, nil
}

func (m *RunManager) begin(ctx context.Context, batchID string) (*Run, *Execution, error) {
	token := uuid.NewString()
	exec, err := m.gen.Begin(ctx, batchID, token)
	if err != nil {
		return nil, nil, err
	}

	run := &Run{
		ID:        token,
		BatchID:   batchID,
		Status:    models.StatusPending,
		Total:     exec.Total,
		StartedAt: time.Now(),
	}
	if err := m.store.CreateRun(ctx, token, batchID, exec.Total); err != nil {
		slog.Warn("failed to persist run", "run_id", token, "batch_id", batchID, "error", err)
	}

	m.mu.Lock()
	m.pruneLocked(time.Now())
	m.runs[token] = run
	m.mu.Unlock()

	slog.Info("run created", "run_id", token, "batch_id", batchID, "images", exec.Total)
	m.events.Publish(run.event())
	return run, exec, nil
}

func (m *RunManager) pruneLocked(now time.Time) {
	for id, run := range m.runs {
		snap := run.Snapshot()
		if snap.CompletedAt != nil && now.Sub(*snap.CompletedAt) > finishedRunRetention {
			delete(m.runs, id)
		}
	}
}

// execute drives exec to completion. A panic fails the run and the batch.
func (m *RunManager) execute(ctx context.Context, run *Run, exec *Execution) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("run panicked", "run_id", run.ID, "batch_id", run.BatchID, "panic", r)
			err = fmt.Errorf("internal panic: %v", r)
			m.gen.markFailed(ctx, exec.BatchID)
			m.gen.release(ctx, exec)
			m.Fail(ctx, run, run.Snapshot().Completed, err)
		}
	}()

	m.SetRunning(run)
	done, err := m.gen.Execute(ctx, exec, func(completed, total int) {
		m.UpdateProgress(ctx, run, completed, total)
	})
	if err != nil {
		m.Fail(ctx, run, done, err)
		return err
	}
	m.Complete(ctx, run, done)
	return nil
}

// SetRunning marks the run as running.
func (m *RunManager) SetRunning(run *Run) {
	run.mu.Lock()
	run.Status = models.StatusRunning
	run.mu.Unlock()
	m.events.Publish(run.event())
}

// UpdateProgress updates run progress with debounced DB persistence.
func (m *RunManager) UpdateProgress(ctx context.Context, run *Run, completed, total int) {
	run.mu.Lock()
	if completed > run.Completed {
		run.Completed = completed
	}
	run.Total = total
	// Persist every 2 seconds, every 5 images and on the last one.
	shouldPersist := time.Since(run.lastProgressUpdate) > 2*time.Second ||
		completed%5 == 0 || completed == total
	if shouldPersist {
		run.lastProgressUpdate = time.Now()
	}
	run.mu.Unlock()

	if shouldPersist {
		m.persistProgress(ctx, run)
	}
	m.events.Publish(run.event())
}

// persistProgress writes the run's current count unless a higher one was
// already written. Callback order across fan-out workers is arbitrary.
func (m *RunManager) persistProgress(ctx context.Context, run *Run) {
	run.persistMu.Lock()
	defer run.persistMu.Unlock()

	run.mu.RLock()
	completed := run.Completed
	run.mu.RUnlock()
	if completed <= run.persisted {
		return
	}

	if err := m.store.UpdateRunProgress(ctx, run.ID, completed); err != nil {
		slog.Warn("failed to persist run progress", "run_id", run.ID, "error", err)
		return
	}
	run.persisted = completed
}

// Complete marks the run completed.
func (m *RunManager) Complete(ctx context.Context, run *Run, completed int) {
	m.finish(ctx, run, models.StatusCompleted, completed, "")
	slog.Info("run completed", "run_id", run.ID, "batch_id", run.BatchID, "images", completed)
}

// Fail marks the run failed.
func (m *RunManager) Fail(ctx context.Context, run *Run, completed int, err error) {
	m.finish(ctx, run, models.StatusFailed, completed, err.Error())
	slog.Error("run failed", "run_id", run.ID, "batch_id", run.BatchID, "error", err)
}

func (m *RunManager) finish(ctx context.Context, run *Run, status models.Status, completed int, errMsg string) {
	run.mu.Lock()
	run.Status = status
	run.Completed = completed
	run.Error = errMsg
	now := time.Now()
	run.CompletedAt = &now
	run.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()
	if err := m.store.FinishRun(ctx, run.ID, status, completed, errMsg); err != nil {
		slog.Warn("failed to persist run result", "run_id", run.ID, "error", err)
	}
	m.events.Publish(run.event())
}

// GetRun returns a run by id, in memory first, then from the database.
func (m *RunManager) GetRun(ctx context.Context, id string) (*RunSnapshot, error) {
	m.mu.RLock()
	run := m.runs[id]
	m.mu.RUnlock()
	if run != nil {
		snap := run.Snapshot()
		return &snap, nil
	}

	stored, err := m.store.GetRun(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if stored == nil {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	snap := snapshotFromRecord(*stored)
	return &snap, nil
}

// ListRuns returns recent runs, most recent first, optionally filtered by
// batch. In-memory state wins over persisted rows for the same run.
func (m *RunManager) ListRuns(ctx context.Context, batchID string) ([]RunSnapshot, error) {
	stored, err := m.store.ListRuns(ctx, batchID, runsPerPage)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	byID := make(map[string]RunSnapshot, len(stored))
	for _, r := range stored {
		snap := snapshotFromRecord(r)
		byID[snap.ID] = snap
	}

	m.mu.RLock()
	for id, run := range m.runs {
		snap := run.Snapshot()
		if batchID != "" && snap.BatchID != batchID {
			continue
		}
		byID[id] = snap
	}
	m.mu.RUnlock()

	runs := make([]RunSnapshot, 0, len(byID))
	for _, snap := range byID {
		runs = append(runs, snap)
	}
	slices.SortFunc(runs, func(a, b RunSnapshot) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	if len(runs) > runsPerPage {
		runs = runs[:runsPerPage]
	}
	return runs, nil
}

// Reconcile fails RUNNING batches whose run heartbeat went stale, which is
// what a crashed process leaves behind.
func (m *RunManager) Reconcile(ctx context.Context) error {
	ids, err := m.store.ReconcileStaleRuns(ctx, m.staleAfter)
	if err != nil {
		return fmt.Errorf("reconcile stale runs: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	slog.Warn("failed stale batches", "count", len(ids), "batch_ids", ids)
	for _, id := range ids {
		m.events.Publish(Event{BatchID: id, Status: models.StatusFailed, Error: "run heartbeat went stale"})
	}
	return nil
}

// StartReconciler runs Reconcile every interval until Shutdown.
func (m *RunManager) StartReconciler(interval time.Duration) {
	if interval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.base.Done():
				return
			case <-ticker.C:
				if err := m.Reconcile(m.base); err != nil {
					slog.Warn("reconcile failed", "error", err)
				}
			}
		}
	}()
}

// Shutdown cancels background runs and waits for them to record their
// outcome, or for ctx to expire.
func (m *RunManager) Shutdown(ctx context.Context) error {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func snapshotFromRecord(r models.GenerationRun) RunSnapshot {
	snap := RunSnapshot{
		Status:      r.Status,
		Completed:   r.Completed,
		Total:       r.Total,
		StartedAt:   r.Started,
		CompletedAt: r.Finished,
	}
	snap.ID, _ = models.RecordIDString(r.ID)
	snap.BatchID, _ = models.RecordIDString(r.Batch)
	if r.Error != nil {
		snap.Error = *r.Error
	}
	return snap
}
