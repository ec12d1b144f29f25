package db

import (
	"context"
	"fmt"

	"github.com/raphaelgruber/batchgen/internal/models"
)

// CreateReferenceImage records an uploaded reference image.
func (c *Client) CreateReferenceImage(ctx context.Context, id, storageKey, url, mimeType string) (*models.ReferenceImage, error) {
	res, err := query[[]models.ReferenceImage](ctx, c, "create reference image", `
		CREATE type::record("reference_image", $id) CONTENT {
			storage_key: $key,
			url: $url,
			mime_type: $mime
		}
	`, map[string]any{"id": id, "key": storageKey, "url": url, "mime": mimeType})
	if err != nil {
		return nil, err
	}

	rows := firstRows(res)
	if len(rows) == 0 {
		return nil, fmt.Errorf("create reference image: no record returned")
	}
	return &rows[0], nil
}

// GetReferenceImage returns a reference image by ID, or nil if not found.
func (c *Client) GetReferenceImage(ctx context.Context, id string) (*models.ReferenceImage, error) {
	res, err := query[[]models.ReferenceImage](ctx, c, "get reference image",
		`SELECT * FROM type::record("reference_image", $id)`, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}

	rows := firstRows(res)
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// GetReferenceImageByKey returns a reference image by storage key, or nil if not found.
func (c *Client) GetReferenceImageByKey(ctx context.Context, storageKey string) (*models.ReferenceImage, error) {
	res, err := query[[]models.ReferenceImage](ctx, c, "get reference image by key",
		`SELECT * FROM reference_image WHERE storage_key = $key LIMIT 1`, map[string]any{"key": storageKey})
	if err != nil {
		return nil, err
	}

	rows := firstRows(res)
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// CreateGeneratedImage records one generated image under its prompt.
func (c *Client) CreateGeneratedImage(ctx context.Context, id, promptID, storageKey, url string) (*models.GeneratedImage, error) {
	res, err := query[[]models.GeneratedImage](ctx, c, "create generated image", `
		CREATE type::record("generated_image", $id) CONTENT {
			prompt: type::record("prompt", $prompt),
			storage_key: $key,
			url: $url
		}
	`, map[string]any{"id": id, "prompt": promptID, "key": storageKey, "url": url})
	if err != nil {
		return nil, err
	}

	rows := firstRows(res)
	if len(rows) == 0 {
		return nil, fmt.Errorf("create generated image: no record returned")
	}
	return &rows[0], nil
}
