// Package service provides the batch generation workflow and the batch,
// reference image and prompt operations built around it.
package service

import (
	"context"
	"time"

	"github.com/raphaelgruber/batchgen/internal/models"
)

// BatchStore persists batches, their prompts and generated images.
// GetBatch returns nil, nil for an unknown id.
type BatchStore interface {
	CreateBatch(ctx context.Context, id string, in models.BatchInput) (*models.Batch, error)
	GetBatch(ctx context.Context, id string) (*models.Batch, error)
	ListBatches(ctx context.Context) ([]models.Batch, error)
	DeleteBatch(ctx context.Context, id string) ([]string, error)
	SetBatchStatus(ctx context.Context, id string, status models.Status) error
	CreateGeneratedImage(ctx context.Context, id, promptID, storageKey, url string) (*models.GeneratedImage, error)
}

// ReferenceStore persists uploaded reference images.
// Getters return nil, nil for an unknown id or key.
type ReferenceStore interface {
	CreateReferenceImage(ctx context.Context, id, storageKey, url, mimeType string) (*models.ReferenceImage, error)
	GetReferenceImage(ctx context.Context, id string) (*models.ReferenceImage, error)
	GetReferenceImageByKey(ctx context.Context, storageKey string) (*models.ReferenceImage, error)
}

// RunStore holds the batch run lock and the generation_run history.
type RunStore interface {
	AcquireRunLock(ctx context.Context, batchID, token string, staleAfter time.Duration) (bool, error)
	HeartbeatRun(ctx context.Context, batchID, token string) (bool, error)
	ReleaseRunLock(ctx context.Context, batchID, token string) error
	ReconcileStaleRuns(ctx context.Context, staleAfter time.Duration) ([]string, error)

	CreateRun(ctx context.Context, token, batchID string, total int) error
	UpdateRunProgress(ctx context.Context, token string, completed int) error
	FinishRun(ctx context.Context, token string, status models.Status, completed int, errMsg string) error
	GetRun(ctx context.Context, token string) (*models.GenerationRun, error)
	ListRuns(ctx context.Context, batchID string, limit int) ([]models.GenerationRun, error)
}

// Store is everything the services need from persistence. *db.Client
// implements it.
type Store interface {
	BatchStore
	ReferenceStore
	RunStore
}

// ObjectStore is the object storage collaborator. *storage.S3Store
// implements it.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, bucket, key string) (*models.ImageData, error)
	Delete(ctx context.Context, bucket, key string) error
}

// ImageGenerator produces one image for a prompt, optionally conditioned on
// a reference image. *gemini.ImageGenerator implements it.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string, ref *models.ImageData) (*models.ImageData, error)
}

// Buckets names the object storage buckets.
type Buckets struct {
	Reference string
	Generated string
}
