package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/raphaelgruber/batchgen/internal/metrics"
	"github.com/raphaelgruber/batchgen/internal/models"
	"github.com/raphaelgruber/batchgen/internal/storage"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// statusWriteTimeout bounds the terminal status write issued after the
// run context was cancelled.
const statusWriteTimeout = 10 * time.Second

// ProgressFunc is called after every persisted image with the number of
// images done so far.
type ProgressFunc func(completed, total int)

// GeneratorOptions tunes the fan-out.
type GeneratorOptions struct {
	Concurrency       int           // parallel generation requests, default 4
	RateInterval      time.Duration // minimum spacing between requests, 0 disables
	HeartbeatInterval time.Duration // run lock refresh, 0 disables
	StaleAfter        time.Duration // lock age after which another run may take over
	Buckets           Buckets
	ReferenceCacheTTL time.Duration
}

// Generator runs the batch generation workflow: load, mark running, fan out
// one request per (prompt, index), record each image, mark the batch
// completed or failed.
type Generator struct {
	batches BatchStore
	locks   RunStore
	objects ObjectStore
	images  ImageGenerator
	metrics *metrics.Collector

	opts    GeneratorOptions
	limiter *rate.Limiter
	refs    *cache.Cache
	now     func() time.Time
}

// NewGenerator creates a generator.
func NewGenerator(store Store, objects ObjectStore, images ImageGenerator, opts GeneratorOptions, collector *metrics.Collector) *Generator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.ReferenceCacheTTL <= 0 {
		opts.ReferenceCacheTTL = 30 * time.Minute
	}

	g := &Generator{
		batches: store,
		locks:   store,
		objects: objects,
		images:  images,
		metrics: collector,
		opts:    opts,
		refs:    cache.New(opts.ReferenceCacheTTL, 2*opts.ReferenceCacheTTL),
		now:     time.Now,
	}
	if opts.RateInterval > 0 {
		g.limiter = rate.NewLimiter(rate.Every(opts.RateInterval), 2)
	}
	return g
}

// Execution is a batch claimed by a run token, ready to execute.
type Execution struct {
	Token   string
	BatchID string
	Batch   *models.Batch
	Total   int
}

// Begin loads the batch and claims its run lock. Failures here leave the
// batch untouched: ErrNotFound for an unknown batch, a ValidationError when
// a required reference image is missing, ErrRunInProgress when another run
// holds the lock.
func (g *Generator) Begin(ctx context.Context, batchID, token string) (*Execution, error) {
	batch, err := g.load(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.RequiresReference && batch.PrimaryReference() == nil {
		return nil, invalid("referenceImage", "batch requires a reference image")
	}

	ok, err := g.locks.AcquireRunLock(ctx, batchID, token, g.opts.StaleAfter)
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return nil, ErrRunInProgress
	}

	return &Execution{
		Token:   token,
		BatchID: batchID,
		Batch:   batch,
		Total:   batch.ImageTotal(),
	}, nil
}

// Execute runs a claimed batch to a terminal status and releases the lock.
// It returns the number of images persisted. progress may be nil.
func (g *Generator) Execute(ctx context.Context, exec *Execution, progress ProgressFunc) (int, error) {
	log := slog.With("batch_id", exec.BatchID, "run_id", exec.Token)
	defer g.release(ctx, exec)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := g.heartbeat(ctx, exec, cancel)
	defer stop()

	if err := g.markRunning(ctx, exec.BatchID); err != nil {
		return 0, err
	}
	log.Info("generation started", "prompts", len(exec.Batch.Prompts), "images", exec.Total)
	start := time.Now()

	done, err := g.fanOut(ctx, exec, progress)
	if err == nil {
		err = g.markCompleted(ctx, exec.BatchID)
	}
	if err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, ErrLockLost) {
			// The lock now belongs to the reconciler or a newer run; it
			// owns the batch status.
			err = fmt.Errorf("%w: %w", ErrLockLost, err)
		} else {
			g.markFailed(ctx, exec.BatchID)
		}
		g.recordRun(false, done)
		log.Error("generation failed", "completed", done, "total", exec.Total, "error", err)
		return done, err
	}

	g.recordRun(true, done)
	log.Info("generation completed", "images", done, "duration_ms", time.Since(start).Milliseconds())
	return done, nil
}

// load is the Batch Loader. Missing batch is ErrNotFound.
func (g *Generator) load(ctx context.Context, batchID string) (*models.Batch, error) {
	batch, err := g.batches.GetBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("load batch: %w", err)
	}
	if batch == nil {
		return nil, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	return batch, nil
}

func (g *Generator) markRunning(ctx context.Context, batchID string) error {
	if err := g.batches.SetBatchStatus(ctx, batchID, models.StatusRunning); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return nil
}

func (g *Generator) markCompleted(ctx context.Context, batchID string) error {
	if err := g.batches.SetBatchStatus(ctx, batchID, models.StatusCompleted); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

// markFailed writes FAILED even when ctx was cancelled. A write failure is
// logged; the reconciler catches the batch once its heartbeat goes stale.
func (g *Generator) markFailed(ctx context.Context, batchID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()
	if err := g.batches.SetBatchStatus(ctx, batchID, models.StatusFailed); err != nil {
		slog.Error("failed to mark batch failed", "batch_id", batchID, "error", err)
	}
}

func (g *Generator) release(ctx context.Context, exec *Execution) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()
	if err := g.locks.ReleaseRunLock(ctx, exec.BatchID, exec.Token); err != nil {
		slog.Warn("failed to release run lock", "batch_id", exec.BatchID, "run_id", exec.Token, "error", err)
	}
}

// heartbeat refreshes the run lock until stop is called. Losing the lock
// cancels the run with ErrLockLost.
func (g *Generator) heartbeat(ctx context.Context, exec *Execution, cancel context.CancelCauseFunc) (stop func()) {
	if g.opts.HeartbeatInterval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(g.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := g.locks.HeartbeatRun(ctx, exec.BatchID, exec.Token)
				if err != nil {
					slog.Warn("run heartbeat failed", "batch_id", exec.BatchID, "run_id", exec.Token, "error", err)
					continue
				}
				if !ok {
					cancel(ErrLockLost)
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		<-finished
	}
}

// fanOut issues one generation request per (prompt, index) with bounded
// concurrency. The first failure cancels requests that have not started.
func (g *Generator) fanOut(ctx context.Context, exec *Execution, progress ProgressFunc) (int, error) {
	ref, err := g.reference(ctx, exec.Batch)
	if err != nil {
		return 0, err
	}

	var done atomic.Int64
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.opts.Concurrency)

	for _, prompt := range exec.Batch.Prompts {
		promptID, err := models.RecordIDString(prompt.ID)
		if err != nil {
			_ = eg.Wait()
			return int(done.Load()), fmt.Errorf("prompt id: %w", err)
		}
		for i := range exec.Batch.ImageCountPerPrompt {
			eg.Go(func() error {
				if err := g.wait(egCtx); err != nil {
					return err
				}
				if err := g.generateOne(egCtx, prompt.Text, promptID, ref); err != nil {
					return fmt.Errorf("prompt %d image %d: %w", prompt.Position+1, i+1, err)
				}
				n := int(done.Add(1))
				if progress != nil {
					progress(n, exec.Total)
				}
				return nil
			})
		}
	}

	err = eg.Wait()
	return int(done.Load()), err
}

func (g *Generator) wait(ctx context.Context) error {
	if g.limiter != nil {
		return g.limiter.Wait(ctx)
	}
	return ctx.Err()
}

// generateOne produces, stores and records one image. A panicking
// collaborator fails the item instead of the process.
func (g *Generator) generateOne(ctx context.Context, text, promptID string, ref *models.ImageData) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal panic: %v", r)
		}
	}()

	img, err := g.images.GenerateImage(ctx, text, ref)
	if err != nil {
		return fmt.Errorf("generate image: %w", err)
	}

	key := storage.GeneratedImageKey(g.now(), img.MIMEType)
	url, err := g.objects.Put(ctx, g.opts.Buckets.Generated, key, img.Data, img.MIMEType)
	if err != nil {
		return fmt.Errorf("store image: %w", err)
	}

	if _, err := g.batches.CreateGeneratedImage(ctx, uuid.NewString(), promptID, key, url); err != nil {
		return fmt.Errorf("record image: %w", err)
	}
	return nil
}

// reference returns the bytes of the batch's first reference image, or nil
// for text-only generation. Storage keys are immutable, so bytes are cached
// by key across runs.
func (g *Generator) reference(ctx context.Context, batch *models.Batch) (*models.ImageData, error) {
	ref := batch.PrimaryReference()
	if ref == nil {
		return nil, nil
	}
	if cached, ok := g.refs.Get(ref.StorageKey); ok {
		return cached.(*models.ImageData), nil
	}

	data, err := g.objects.Get(ctx, g.opts.Buckets.Reference, ref.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("load reference image %s: %w", ref.StorageKey, err)
	}
	if ref.MIMEType != "" {
		data.MIMEType = ref.MIMEType
	}
	g.refs.SetDefault(ref.StorageKey, data)
	return data, nil
}

func (g *Generator) recordRun(completed bool, images int) {
	if g.metrics != nil {
		g.metrics.RecordRun(completed, images)
	}
}
