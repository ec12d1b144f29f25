package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/raphaelgruber/batchgen/internal/models"
)

// CreateBatchInput is the caller's request for a new batch.
type CreateBatchInput struct {
	Name                *string
	Prompts             []string
	ReferenceImageID    string
	ImageCountPerPrompt int
	RequiresReference   bool
}

// BatchService handles batch CRUD and reruns. It never writes batch status;
// that belongs to the generation workflow.
type BatchService struct {
	batches BatchStore
	refs    ReferenceStore
	objects ObjectStore
	buckets Buckets
}

// NewBatchService creates a batch service. objects may be nil, in which
// case Delete leaves stored images in place.
func NewBatchService(store Store, objects ObjectStore, buckets Buckets) *BatchService {
	return &BatchService{
		batches: store,
		refs:    store,
		objects: objects,
		buckets: buckets,
	}
}

// Create validates in and stores a PENDING batch with its prompts.
func (s *BatchService) Create(ctx context.Context, in CreateBatchInput) (*models.Batch, error) {
	if len(in.Prompts) == 0 {
		return nil, invalid("prompts", "Prompts are required")
	}
	for i, p := range in.Prompts {
		if strings.TrimSpace(p) == "" {
			return nil, invalid("prompts", fmt.Sprintf("prompt %d is empty", i+1))
		}
	}
	if in.RequiresReference && in.ReferenceImageID == "" {
		return nil, invalid("referenceImageId", "a reference image is required for this batch")
	}

	var refIDs []string
	if in.ReferenceImageID != "" {
		ref, err := s.refs.GetReferenceImage(ctx, in.ReferenceImageID)
		if err != nil {
			return nil, fmt.Errorf("check reference image: %w", err)
		}
		if ref == nil {
			return nil, invalid("referenceImageId", "Reference image not found")
		}
		refIDs = []string{in.ReferenceImageID}
	}

	count := in.ImageCountPerPrompt
	if count <= 0 {
		count = 1
	}

	batch, err := s.batches.CreateBatch(ctx, uuid.NewString(), models.BatchInput{
		Name:                in.Name,
		Prompts:             in.Prompts,
		ImageCountPerPrompt: count,
		RequiresReference:   in.RequiresReference,
		ReferenceImageIDs:   refIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}

	slog.Info("batch created", "batch_id", models.MustRecordIDString(batch.ID), "prompts", len(in.Prompts), "per_prompt", count)
	return batch, nil
}

// Get returns a batch with prompts, generated images and reference images.
func (s *BatchService) Get(ctx context.Context, id string) (*models.Batch, error) {
	batch, err := s.batches.GetBatch(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	if batch == nil {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	return batch, nil
}

// List returns all batches, newest first.
func (s *BatchService) List(ctx context.Context) ([]models.Batch, error) {
	batches, err := s.batches.ListBatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	return batches, nil
}

// Delete removes a batch with its prompts and generated image records, then
// removes the generated objects from storage. Storage cleanup is best
// effort. A batch with a live run lock is not deleted.
func (s *BatchService) Delete(ctx context.Context, id string) error {
	batch, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if batch.RunToken != nil {
		return ErrRunInProgress
	}

	keys, err := s.batches.DeleteBatch(ctx, id)
	if err != nil {
		return fmt.Errorf("delete batch: %w", notFound(err))
	}

	if s.objects != nil {
		for _, key := range keys {
			if err := s.objects.Delete(ctx, s.buckets.Generated, key); err != nil {
				slog.Warn("failed to delete generated image", "batch_id", id, "key", key, "error", err)
			}
		}
	}

	slog.Info("batch deleted", "batch_id", id, "images", len(keys))
	return nil
}

// Rerun creates a new PENDING batch with the prompt texts (same order),
// image count, reference requirement and reference links of batch id. The
// original batch is not modified.
func (s *BatchService) Rerun(ctx context.Context, id string) (*models.Batch, error) {
	src, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	prompts := make([]string, len(src.Prompts))
	for i, p := range src.Prompts {
		prompts[i] = p.Text
	}
	refIDs := make([]string, 0, len(src.ReferenceImages))
	for _, ref := range src.ReferenceImages {
		refID, err := models.RecordIDString(ref.ID)
		if err != nil {
			return nil, fmt.Errorf("reference image id: %w", err)
		}
		refIDs = append(refIDs, refID)
	}

	batch, err := s.batches.CreateBatch(ctx, uuid.NewString(), models.BatchInput{
		Name:                src.Name,
		Prompts:             prompts,
		ImageCountPerPrompt: src.ImageCountPerPrompt,
		RequiresReference:   src.RequiresReference,
		ReferenceImageIDs:   refIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("rerun batch: %w", err)
	}

	slog.Info("batch rerun", "source_id", id, "batch_id", models.MustRecordIDString(batch.ID))
	return batch, nil
}
