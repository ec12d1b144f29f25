package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/raphaelgruber/batchgen/internal/models"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// batchProjection selects a batch with its prompts (by position) and each
// prompt's generated images. Combine with FETCH reference_images.
const batchProjection = `
	*,
	(SELECT *,
		(SELECT * FROM generated_image WHERE prompt = $parent.id ORDER BY created ASC) AS generated_images
	 FROM prompt WHERE batch = $parent.id ORDER BY position ASC) AS prompts
`

// idRow decodes statements that RETURN id.
type idRow struct {
	ID surrealmodels.RecordID `json:"id"`
}

// CreateBatch inserts a PENDING batch and its prompts in one transaction.
func (c *Client) CreateBatch(ctx context.Context, id string, in models.BatchInput) (*models.Batch, error) {
	prompts := make([]map[string]any, len(in.Prompts))
	for i, text := range in.Prompts {
		prompts[i] = map[string]any{
			"id":       uuid.NewString(),
			"text":     text,
			"position": i,
		}
	}

	refs := make([]surrealmodels.RecordID, len(in.ReferenceImageIDs))
	for i, refID := range in.ReferenceImageIDs {
		refs[i] = models.NewRecordID(models.TableReferenceImage, refID)
	}

	vars := map[string]any{
		"id":                 id,
		"count":              in.ImageCountPerPrompt,
		"requires_reference": in.RequiresReference,
		"refs":               refs,
		"prompts":            prompts,
	}
	// An unset $name evaluates to NONE, which option<string> accepts
	if in.Name != nil {
		vars["name"] = *in.Name
	}

	_, err := query[any](ctx, c, "create batch", `
		BEGIN TRANSACTION;
		LET $batch = type::record("batch", $id);
		CREATE $batch CONTENT {
			name: $name,
			status: "PENDING",
			image_count_per_prompt: $count,
			requires_reference: $requires_reference,
			reference_images: $refs
		};
		FOR $p IN $prompts {
			CREATE type::record("prompt", $p.id) CONTENT {
				batch: $batch,
				text: $p.text,
				position: $p.position
			};
		};
		COMMIT TRANSACTION;
	`, vars)
	if err != nil {
		return nil, err
	}

	batch, err := c.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, fmt.Errorf("create batch: %w: %s not readable after commit", ErrNotFound, id)
	}
	return batch, nil
}

// GetBatch loads a batch with prompts, generated images and reference images.
// Returns nil if not found.
func (c *Client) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	res, err := query[[]models.Batch](ctx, c, "get batch",
		`SELECT `+batchProjection+` FROM type::record("batch", $id) FETCH reference_images`,
		map[string]any{"id": id})
	if err != nil {
		return nil, err
	}

	rows := firstRows(res)
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// ListBatches returns all batches, newest first.
func (c *Client) ListBatches(ctx context.Context) ([]models.Batch, error) {
	res, err := query[[]models.Batch](ctx, c, "list batches",
		`SELECT `+batchProjection+` FROM batch ORDER BY created DESC FETCH reference_images`, nil)
	if err != nil {
		return nil, err
	}

	rows := firstRows(res)
	if rows == nil {
		return []models.Batch{}, nil
	}
	return rows, nil
}

// SetBatchStatus writes status unconditionally.
// Returns ErrNotFound if the batch does not exist.
func (c *Client) SetBatchStatus(ctx context.Context, id string, status models.Status) error {
	res, err := query[[]idRow](ctx, c, "set batch status", `
		UPDATE type::record("batch", $id) SET status = $status, updated = time::now() RETURN id
	`, map[string]any{"id": id, "status": string(status)})
	if err != nil {
		return err
	}
	if len(firstRows(res)) == 0 {
		return fmt.Errorf("set batch status: %w: batch %s", ErrNotFound, id)
	}
	return nil
}

// DeleteBatch removes a batch together with its prompts and generated image
// records. Reference images are shared and stay. Returns the storage keys of
// the deleted generated images so the caller can remove the objects.
func (c *Client) DeleteBatch(ctx context.Context, id string) ([]string, error) {
	exists, err := query[[]idRow](ctx, c, "delete batch",
		`SELECT id FROM type::record("batch", $id)`, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(firstRows(exists)) == 0 {
		return nil, fmt.Errorf("delete batch: %w: batch %s", ErrNotFound, id)
	}

	keys, err := query[[]string](ctx, c, "delete batch", `
		SELECT VALUE storage_key FROM generated_image WHERE prompt.batch = type::record("batch", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}

	_, err = query[any](ctx, c, "delete batch", `
		BEGIN TRANSACTION;
		LET $batch = type::record("batch", $id);
		LET $prompts = (SELECT VALUE id FROM prompt WHERE batch = $batch);
		DELETE generated_image WHERE prompt IN $prompts;
		DELETE prompt WHERE batch = $batch;
		DELETE generation_run WHERE batch = $batch;
		DELETE $batch;
		COMMIT TRANSACTION;
	`, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}

	storageKeys := firstRows(keys)
	if storageKeys == nil {
		storageKeys = []string{}
	}
	return storageKeys, nil
}
