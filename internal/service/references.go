package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/batchgen/internal/models"
	"github.com/raphaelgruber/batchgen/internal/storage"
)

// ReferenceService stores uploaded reference images.
type ReferenceService struct {
	refs    ReferenceStore
	objects ObjectStore
	bucket  string
	now     func() time.Time
}

// NewReferenceService creates a reference image service writing to bucket.
func NewReferenceService(refs ReferenceStore, objects ObjectStore, bucket string) *ReferenceService {
	return &ReferenceService{refs: refs, objects: objects, bucket: bucket, now: time.Now}
}

// Upload stores data under <unix millis>-<filename> in the reference bucket
// and records it. An empty contentType is sniffed from the data. Anything
// that is not a supported raster image is rejected.
func (s *ReferenceService) Upload(ctx context.Context, filename, contentType string, data []byte) (*models.ReferenceImage, error) {
	if len(data) == 0 {
		return nil, invalid("file", "No file uploaded")
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	contentType, ok := storage.ImageMIMEType(contentType)
	if !ok {
		return nil, invalid("file", "Only PNG, JPEG, GIF, WebP and HEIC images are supported")
	}

	key := storage.ReferenceImageKey(s.now(), filename)
	url, err := s.objects.Put(ctx, s.bucket, key, data, contentType)
	if err != nil {
		return nil, fmt.Errorf("upload reference image: %w", err)
	}

	ref, err := s.refs.CreateReferenceImage(ctx, uuid.NewString(), key, url, contentType)
	if err != nil {
		return nil, fmt.Errorf("record reference image: %w", err)
	}

	slog.Info("reference image uploaded", "key", key, "mime_type", contentType, "bytes", len(data))
	return ref, nil
}

// LoadByKey returns the bytes of the reference image stored under key, with
// the MIME type recorded at upload. Unknown keys are ErrNotFound.
func (s *ReferenceService) LoadByKey(ctx context.Context, key string) (*models.ImageData, error) {
	ref, err := s.refs.GetReferenceImageByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get reference image: %w", err)
	}
	if ref == nil {
		return nil, fmt.Errorf("reference image %s: %w", key, ErrNotFound)
	}

	data, err := s.objects.Get(ctx, s.bucket, key)
	if err != nil {
		return nil, fmt.Errorf("download reference image: %w", notFound(err))
	}
	if ref.MIMEType != "" {
		data.MIMEType = ref.MIMEType
	}
	return data, nil
}
