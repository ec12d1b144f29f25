package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raphaelgruber/batchgen/internal/models"
)

// staleParam renders d as a SurrealQL duration literal for <duration> casts.
func staleParam(d time.Duration) string {
	secs := int64(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%ds", secs)
}

// AcquireRunLock claims the batch for the run identified by token.
// The claim succeeds when no run holds the batch or the holder's heartbeat is
// older than staleAfter. Returns false if another run holds it.
func (c *Client) AcquireRunLock(ctx context.Context, batchID, token string, staleAfter time.Duration) (bool, error) {
	res, err := query[[]idRow](ctx, c, "acquire run lock", `
		UPDATE type::record("batch", $id)
		SET run_token = $token, run_heartbeat = time::now()
		WHERE run_token = NONE
			OR run_heartbeat = NONE
			OR run_heartbeat < time::now() - <duration>$stale
		RETURN id
	`, map[string]any{"id": batchID, "token": token, "stale": staleParam(staleAfter)})
	if err != nil {
		if errors.Is(err, ErrTransactionConflict) {
			return false, nil
		}
		return false, err
	}
	return len(firstRows(res)) > 0, nil
}

// HeartbeatRun refreshes the lock heartbeat and the run record.
// Returns false if token no longer owns the batch.
func (c *Client) HeartbeatRun(ctx context.Context, batchID, token string) (bool, error) {
	res, err := query[[]idRow](ctx, c, "heartbeat run", `
		UPDATE type::record("batch", $id) SET run_heartbeat = time::now() WHERE run_token = $token RETURN id;
		UPDATE type::record("generation_run", $token) SET updated = time::now() RETURN id;
	`, map[string]any{"id": batchID, "token": token})
	if err != nil {
		return false, err
	}
	return len(firstRows(res)) > 0, nil
}

// ReleaseRunLock clears the lock if token still owns it.
func (c *Client) ReleaseRunLock(ctx context.Context, batchID, token string) error {
	_, err := query[any](ctx, c, "release run lock", `
		UPDATE type::record("batch", $id) SET run_token = NONE, run_heartbeat = NONE WHERE run_token = $token
	`, map[string]any{"id": batchID, "token": token})
	return err
}

// ReconcileStaleRuns fails RUNNING batches whose run stopped heartbeating,
// along with their unfinished run records. Returns the failed batch IDs.
func (c *Client) ReconcileStaleRuns(ctx context.Context, staleAfter time.Duration) ([]string, error) {
	res, err := query[[]idRow](ctx, c, "reconcile stale runs", `
		UPDATE batch
		SET status = "FAILED", run_token = NONE, run_heartbeat = NONE, updated = time::now()
		WHERE status = "RUNNING"
			AND (run_heartbeat = NONE OR run_heartbeat < time::now() - <duration>$stale)
		RETURN id;
		UPDATE generation_run
		SET status = "FAILED", error = "run stopped heartbeating", finished = time::now(), updated = time::now()
		WHERE status IN ["PENDING", "RUNNING"] AND updated < time::now() - <duration>$stale
		RETURN id;
	`, map[string]any{"stale": staleParam(staleAfter)})
	if err != nil {
		return nil, err
	}

	rows := firstRows(res)
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		id, err := models.RecordIDString(row.ID)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// CreateRun records a new generation run keyed by its token.
func (c *Client) CreateRun(ctx context.Context, token, batchID string, total int) error {
	_, err := query[any](ctx, c, "create run", `
		CREATE type::record("generation_run", $token) CONTENT {
			batch: type::record("batch", $batch),
			status: "RUNNING",
			total: $total,
			completed: 0
		}
	`, map[string]any{"token": token, "batch": batchID, "total": total})
	return err
}

// UpdateRunProgress raises the stored number of completed images. A lower
// count than the stored one is ignored.
func (c *Client) UpdateRunProgress(ctx context.Context, token string, completed int) error {
	_, err := query[any](ctx, c, "update run progress", `
		UPDATE type::record("generation_run", $token) SET completed = math::max([completed, $completed]), updated = time::now()
	`, map[string]any{"token": token, "completed": completed})
	return err
}

// FinishRun stores the terminal status of a run. errMsg is ignored when empty.
func (c *Client) FinishRun(ctx context.Context, token string, status models.Status, completed int, errMsg string) error {
	vars := map[string]any{"token": token, "status": string(status), "completed": completed}
	if errMsg != "" {
		vars["error"] = errMsg
	}
	_, err := query[any](ctx, c, "finish run", `
		UPDATE type::record("generation_run", $token) SET
			status = $status,
			completed = $completed,
			error = $error,
			finished = time::now(),
			updated = time::now()
	`, vars)
	return err
}

// GetRun returns a run by token, or nil if not found.
func (c *Client) GetRun(ctx context.Context, token string) (*models.GenerationRun, error) {
	res, err := query[[]models.GenerationRun](ctx, c, "get run",
		`SELECT * FROM type::record("generation_run", $token)`, map[string]any{"token": token})
	if err != nil {
		return nil, err
	}

	rows := firstRows(res)
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// ListRuns returns runs newest first, optionally for one batch.
func (c *Client) ListRuns(ctx context.Context, batchID string, limit int) ([]models.GenerationRun, error) {
	if limit <= 0 {
		limit = 50
	}
	where := ""
	vars := map[string]any{"limit": limit}
	if batchID != "" {
		where = `WHERE batch = type::record("batch", $batch)`
		vars["batch"] = batchID
	}

	res, err := query[[]models.GenerationRun](ctx, c, "list runs",
		fmt.Sprintf(`SELECT * FROM generation_run %s ORDER BY started DESC LIMIT $limit`, where), vars)
	if err != nil {
		return nil, err
	}

	rows := firstRows(res)
	if rows == nil {
		return []models.GenerationRun{}, nil
	}
	return rows, nil
}
