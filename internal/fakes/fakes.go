// Package fakes provides in-memory collaborators for service and server
// tests.
package fakes

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/batchgen/internal/db"
	"github.com/raphaelgruber/batchgen/internal/expand"
	"github.com/raphaelgruber/batchgen/internal/models"
	"github.com/raphaelgruber/batchgen/internal/storage"
)

// StatusWrite records one SetBatchStatus call.
type StatusWrite struct {
	BatchID string
	Status  models.Status
}

// Store is an in-memory service.Store.
type Store struct {
	mu sync.Mutex

	batches map[string]*models.Batch
	refs    map[string]*models.ReferenceImage
	runs    map[string]*models.GenerationRun

	StatusWrites []StatusWrite
	Calls        int // total store calls

	// Error injection
	FailCreateImage error
	FailStatus      map[models.Status]error
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		batches:    make(map[string]*models.Batch),
		refs:       make(map[string]*models.ReferenceImage),
		runs:       make(map[string]*models.GenerationRun),
		FailStatus: make(map[models.Status]error),
	}
}

func (s *Store) CreateBatch(_ context.Context, id string, in models.BatchInput) (*models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++

	if _, ok := s.batches[id]; ok {
		return nil, db.ErrAlreadyExists
	}
	now := time.Now()
	b := &models.Batch{
		ID:                  models.NewRecordID(models.TableBatch, id),
		Name:                in.Name,
		Status:              models.StatusPending,
		ImageCountPerPrompt: in.ImageCountPerPrompt,
		RequiresReference:   in.RequiresReference,
		Created:             now,
		Updated:             now,
	}
	for i, text := range in.Prompts {
		b.Prompts = append(b.Prompts, models.Prompt{
			ID:       models.NewRecordID(models.TablePrompt, uuid.NewString()),
			Batch:    b.ID,
			Text:     text,
			Position: i,
			Created:  now,
		})
	}
	for _, refID := range in.ReferenceImageIDs {
		ref, ok := s.refs[refID]
		if !ok {
			return nil, fmt.Errorf("reference %s: %w", refID, db.ErrNotFound)
		}
		b.ReferenceImages = append(b.ReferenceImages, *ref)
	}
	s.batches[id] = b
	return clone(b), nil
}

func (s *Store) GetBatch(_ context.Context, id string) (*models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	b, ok := s.batches[id]
	if !ok {
		return nil, nil
	}
	return clone(b), nil
}

func (s *Store) ListBatches(_ context.Context) ([]models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	out := make([]models.Batch, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, *clone(b))
	}
	slices.SortFunc(out, func(a, b models.Batch) int { return b.Created.Compare(a.Created) })
	return out, nil
}

func (s *Store) DeleteBatch(_ context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	b, ok := s.batches[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	var keys []string
	for _, p := range b.Prompts {
		for _, img := range p.GeneratedImages {
			keys = append(keys, img.StorageKey)
		}
	}
	delete(s.batches, id)
	for token, run := range s.runs {
		if models.MustRecordIDString(run.Batch) == id {
			delete(s.runs, token)
		}
	}
	return keys, nil
}

func (s *Store) SetBatchStatus(_ context.Context, id string, status models.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	s.StatusWrites = append(s.StatusWrites, StatusWrite{BatchID: id, Status: status})
	if err := s.FailStatus[status]; err != nil {
		return err
	}
	b, ok := s.batches[id]
	if !ok {
		return db.ErrNotFound
	}
	b.Status = status
	b.Updated = time.Now()
	return nil
}

func (s *Store) CreateGeneratedImage(_ context.Context, id, promptID, storageKey, url string) (*models.GeneratedImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	if s.FailCreateImage != nil {
		return nil, s.FailCreateImage
	}
	for _, b := range s.batches {
		for i := range b.Prompts {
			p := &b.Prompts[i]
			if models.MustRecordIDString(p.ID) != promptID {
				continue
			}
			img := models.GeneratedImage{
				ID:         models.NewRecordID(models.TableGeneratedImage, id),
				Prompt:     p.ID,
				StorageKey: storageKey,
				URL:        url,
				Created:    time.Now(),
			}
			p.GeneratedImages = append(p.GeneratedImages, img)
			return &img, nil
		}
	}
	return nil, fmt.Errorf("prompt %s: %w", promptID, db.ErrNotFound)
}

func (s *Store) CreateReferenceImage(_ context.Context, id, storageKey, url, mimeType string) (*models.ReferenceImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	for _, r := range s.refs {
		if r.StorageKey == storageKey {
			return nil, db.ErrAlreadyExists
		}
	}
	ref := &models.ReferenceImage{
		ID:         models.NewRecordID(models.TableReferenceImage, id),
		StorageKey: storageKey,
		URL:        url,
		MIMEType:   mimeType,
		Created:    time.Now(),
	}
	s.refs[id] = ref
	out := *ref
	return &out, nil
}

func (s *Store) GetReferenceImage(_ context.Context, id string) (*models.ReferenceImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	ref, ok := s.refs[id]
	if !ok {
		return nil, nil
	}
	out := *ref
	return &out, nil
}

func (s *Store) GetReferenceImageByKey(_ context.Context, storageKey string) (*models.ReferenceImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	for _, ref := range s.refs {
		if ref.StorageKey == storageKey {
			out := *ref
			return &out, nil
		}
	}
	return nil, nil
}

func (s *Store) AcquireRunLock(_ context.Context, batchID, token string, staleAfter time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	b, ok := s.batches[batchID]
	if !ok {
		return false, nil
	}
	if b.RunToken != nil && b.RunHeartbeat != nil && time.Since(*b.RunHeartbeat) < staleAfter {
		return false, nil
	}
	now := time.Now()
	b.RunToken = &token
	b.RunHeartbeat = &now
	return true, nil
}

func (s *Store) HeartbeatRun(_ context.Context, batchID, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	b, ok := s.batches[batchID]
	if !ok || b.RunToken == nil || *b.RunToken != token {
		return false, nil
	}
	now := time.Now()
	b.RunHeartbeat = &now
	return true, nil
}

func (s *Store) ReleaseRunLock(_ context.Context, batchID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	if b, ok := s.batches[batchID]; ok && b.RunToken != nil && *b.RunToken == token {
		b.RunToken = nil
		b.RunHeartbeat = nil
	}
	return nil
}

func (s *Store) ReconcileStaleRuns(_ context.Context, staleAfter time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	var ids []string
	for id, b := range s.batches {
		if b.Status != models.StatusRunning {
			continue
		}
		if b.RunHeartbeat != nil && time.Since(*b.RunHeartbeat) < staleAfter {
			continue
		}
		b.Status = models.StatusFailed
		b.RunToken = nil
		b.RunHeartbeat = nil
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *Store) CreateRun(_ context.Context, token, batchID string, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	now := time.Now()
	s.runs[token] = &models.GenerationRun{
		ID:      models.NewRecordID(models.TableGenerationRun, token),
		Batch:   models.NewRecordID(models.TableBatch, batchID),
		Status:  models.StatusPending,
		Total:   total,
		Started: now,
		Updated: now,
	}
	return nil
}

func (s *Store) UpdateRunProgress(_ context.Context, token string, completed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	run, ok := s.runs[token]
	if !ok {
		return db.ErrNotFound
	}
	run.Status = models.StatusRunning
	run.Completed = completed
	run.Updated = time.Now()
	return nil
}

func (s *Store) FinishRun(_ context.Context, token string, status models.Status, completed int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	run, ok := s.runs[token]
	if !ok {
		return db.ErrNotFound
	}
	now := time.Now()
	run.Status = status
	run.Completed = completed
	run.Finished = &now
	run.Updated = now
	if errMsg != "" {
		run.Error = &errMsg
	}
	return nil
}

func (s *Store) GetRun(_ context.Context, token string) (*models.GenerationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	run, ok := s.runs[token]
	if !ok {
		return nil, nil
	}
	out := *run
	return &out, nil
}

func (s *Store) ListRuns(_ context.Context, batchID string, limit int) ([]models.GenerationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	var out []models.GenerationRun
	for _, run := range s.runs {
		if batchID != "" && models.MustRecordIDString(run.Batch) != batchID {
			continue
		}
		out = append(out, *run)
	}
	slices.SortFunc(out, func(a, b models.GenerationRun) int { return b.Started.Compare(a.Started) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Batch returns a copy of the stored batch, or nil.
func (s *Store) Batch(id string) *models.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil
	}
	return clone(b)
}

// StatusWritesFor returns the status writes for batchID in call order.
func (s *Store) StatusWritesFor(batchID string) []models.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Status
	for _, w := range s.StatusWrites {
		if w.BatchID == batchID {
			out = append(out, w.Status)
		}
	}
	return out
}

// ExpireLock backdates the batch heartbeat so the lock reads as stale.
func (s *Store) ExpireLock(batchID string, age time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.batches[batchID]; ok && b.RunHeartbeat != nil {
		old := b.RunHeartbeat.Add(-age)
		b.RunHeartbeat = &old
	}
}

// StealLock replaces the run token, as a newer run taking over would.
func (s *Store) StealLock(batchID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.batches[batchID]; ok {
		now := time.Now()
		b.RunToken = &token
		b.RunHeartbeat = &now
	}
}

func clone(b *models.Batch) *models.Batch {
	out := *b
	out.Prompts = make([]models.Prompt, len(b.Prompts))
	for i, p := range b.Prompts {
		p.GeneratedImages = slices.Clone(p.GeneratedImages)
		out.Prompts[i] = p
	}
	out.ReferenceImages = slices.Clone(b.ReferenceImages)
	return &out
}

// Objects is an in-memory object store.
type Objects struct {
	mu      sync.Mutex
	objects map[string]models.ImageData

	Puts    int
	Gets    int
	Deletes []string

	FailPut    error
	FailDelete error
}

// NewObjects creates an empty object store.
func NewObjects() *Objects {
	return &Objects{objects: make(map[string]models.ImageData)}
}

func (o *Objects) Put(_ context.Context, bucket, key string, data []byte, contentType string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.FailPut != nil {
		return "", o.FailPut
	}
	o.Puts++
	o.objects[storage.ObjectURL(bucket, key)] = models.ImageData{Data: slices.Clone(data), MIMEType: contentType}
	return storage.ObjectURL(bucket, key), nil
}

func (o *Objects) Get(_ context.Context, bucket, key string) (*models.ImageData, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Gets++
	obj, ok := o.objects[storage.ObjectURL(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, storage.ErrNotFound)
	}
	return &models.ImageData{Data: slices.Clone(obj.Data), MIMEType: obj.MIMEType}, nil
}

func (o *Objects) Delete(_ context.Context, bucket, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Deletes = append(o.Deletes, storage.ObjectURL(bucket, key))
	if o.FailDelete != nil {
		return o.FailDelete
	}
	delete(o.objects, storage.ObjectURL(bucket, key))
	return nil
}

// Has reports whether bucket/key is stored.
func (o *Objects) Has(bucket, key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.objects[storage.ObjectURL(bucket, key)]
	return ok
}

// ErrNoImage mimics a model response without an image part.
var ErrNoImage = errors.New("the AI model did not return an image, please try again")

// ImageGenerator returns a fixed PNG for every prompt, failing the prompts
// listed in FailPrompts.
type ImageGenerator struct {
	mu    sync.Mutex
	Calls []ImageCall

	FailPrompts map[string]error
	// Block, when set, is received from before each call returns.
	Block chan struct{}
	// Panic, when set, makes every call panic.
	Panic bool
}

// ImageCall records one GenerateImage call.
type ImageCall struct {
	Prompt    string
	Reference *models.ImageData
}

func (g *ImageGenerator) GenerateImage(ctx context.Context, prompt string, ref *models.ImageData) (*models.ImageData, error) {
	g.mu.Lock()
	g.Calls = append(g.Calls, ImageCall{Prompt: prompt, Reference: ref})
	err := g.FailPrompts[prompt]
	g.mu.Unlock()

	if g.Panic {
		panic("image generator exploded")
	}
	if g.Block != nil {
		select {
		case <-g.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &models.ImageData{Data: []byte("png:" + prompt), MIMEType: "image/png"}, nil
}

// CallCount returns the number of GenerateImage calls.
func (g *ImageGenerator) CallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Calls)
}

// Expander returns a fixed expansion and records requests.
type Expander struct {
	mu       sync.Mutex
	Requests []expand.Request

	Result *expand.Expansion
	Err    error
}

func (e *Expander) Expand(_ context.Context, req expand.Request) (*expand.Expansion, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Requests = append(e.Requests, req)
	if e.Err != nil {
		return nil, e.Err
	}
	if e.Result != nil {
		return e.Result, nil
	}
	prompts := make([]string, req.Count)
	for i := range prompts {
		prompts[i] = fmt.Sprintf("%s #%d", req.MegaPrompt, i+1)
	}
	return &expand.Expansion{Mode: expand.ModeFallback, Prompts: prompts}, nil
}
