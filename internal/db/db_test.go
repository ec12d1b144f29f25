//go:build integration

package db

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/batchgen/internal/metrics"
	"github.com/raphaelgruber/batchgen/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testDB *Client
var testContainer testcontainers.Container

// TestMain starts one SurrealDB container for the package.
func TestMain(m *testing.M) {
	// Ryuk misbehaves in some CI sandboxes
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()

	var err error
	testContainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "surrealdb/surrealdb:v3.0.0-beta.1",
			ExposedPorts: []string{"8000/tcp"},
			Cmd:          []string{"start", "--log", "info", "--user", "root", "--pass", "root"},
			WaitingFor:   wait.ForLog("Started web server").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("Failed to start SurrealDB container: %v", err)
	}

	host, err := testContainer.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}
	// testcontainers may report "null" as host in some environments
	if host == "" || host == "null" {
		host = "localhost"
	}
	mappedPort, err := testContainer.MappedPort(ctx, "8000")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}

	testDB, err = NewClient(ctx, Config{
		URL:       fmt.Sprintf("ws://%s:%s/rpc", host, mappedPort.Port()),
		Namespace: "test",
		Database:  "test",
		Username:  "root",
		Password:  "root",
		AuthLevel: "root",
	}, nil, metrics.NewCollector())
	if err != nil {
		log.Fatalf("Failed to connect to test database: %v", err)
	}

	if err := testDB.InitSchema(ctx); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}

	code := m.Run()

	_ = testDB.Close(ctx)
	_ = testContainer.Terminate(ctx)

	os.Exit(code)
}

func createTestReference(t *testing.T, ctx context.Context) *models.ReferenceImage {
	t.Helper()
	key := fmt.Sprintf("%d-cat.png", time.Now().UnixNano())
	ref, err := testDB.CreateReferenceImage(ctx, uuid.NewString(), key, "reference-images/"+key, "image/png")
	require.NoError(t, err, "create reference image")
	return ref
}

func createTestBatch(t *testing.T, ctx context.Context, prompts []string, count int, refIDs ...string) *models.Batch {
	t.Helper()
	batch, err := testDB.CreateBatch(ctx, uuid.NewString(), models.BatchInput{
		Prompts:             prompts,
		ImageCountPerPrompt: count,
		ReferenceImageIDs:   refIDs,
	})
	require.NoError(t, err, "create batch")
	return batch
}

// =============================================================================
// BATCH TESTS
// =============================================================================

func TestCreateAndGetBatch(t *testing.T) {
	ctx := context.Background()
	ref := createTestReference(t, ctx)

	name := "pets"
	id := uuid.NewString()
	batch, err := testDB.CreateBatch(ctx, id, models.BatchInput{
		Name:                &name,
		Prompts:             []string{"a cat", "a dog", "a parrot"},
		ImageCountPerPrompt: 2,
		ReferenceImageIDs:   []string{models.MustRecordIDString(ref.ID)},
	})
	require.NoError(t, err)

	assert.Equal(t, id, models.MustRecordIDString(batch.ID))
	assert.Equal(t, models.StatusPending, batch.Status)
	assert.Equal(t, 2, batch.ImageCountPerPrompt)
	require.NotNil(t, batch.Name)
	assert.Equal(t, "pets", *batch.Name)

	require.Len(t, batch.Prompts, 3)
	for i, want := range []string{"a cat", "a dog", "a parrot"} {
		assert.Equal(t, want, batch.Prompts[i].Text, "prompts keep submission order")
		assert.Equal(t, i, batch.Prompts[i].Position)
	}

	require.Len(t, batch.ReferenceImages, 1)
	assert.Equal(t, ref.StorageKey, batch.ReferenceImages[0].StorageKey)
	assert.Equal(t, "image/png", batch.ReferenceImages[0].MIMEType)
}

func TestGetBatchNotFound(t *testing.T) {
	batch, err := testDB.GetBatch(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, batch)
}

func TestListBatchesNewestFirst(t *testing.T) {
	ctx := context.Background()
	first := createTestBatch(t, ctx, []string{"one"}, 1)
	time.Sleep(10 * time.Millisecond)
	second := createTestBatch(t, ctx, []string{"two"}, 1)

	batches, err := testDB.ListBatches(ctx)
	require.NoError(t, err)

	positions := map[string]int{}
	for i, b := range batches {
		positions[models.MustRecordIDString(b.ID)] = i
	}
	assert.Less(t, positions[models.MustRecordIDString(second.ID)], positions[models.MustRecordIDString(first.ID)])
}

func TestSetBatchStatus(t *testing.T) {
	ctx := context.Background()
	batch := createTestBatch(t, ctx, []string{"status"}, 1)
	id := models.MustRecordIDString(batch.ID)

	require.NoError(t, testDB.SetBatchStatus(ctx, id, models.StatusRunning))
	got, err := testDB.GetBatch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)

	err = testDB.SetBatchStatus(ctx, "missing", models.StatusFailed)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGeneratedImagesAttachToPrompt(t *testing.T) {
	ctx := context.Background()
	batch := createTestBatch(t, ctx, []string{"a cat", "a dog"}, 2)
	id := models.MustRecordIDString(batch.ID)

	for _, p := range batch.Prompts {
		for i := 0; i < 2; i++ {
			key := fmt.Sprintf("%s-%d.png", p.Text, i)
			_, err := testDB.CreateGeneratedImage(ctx, uuid.NewString(), models.MustRecordIDString(p.ID), key, "generated-images/"+key)
			require.NoError(t, err)
		}
	}

	got, err := testDB.GetBatch(ctx, id)
	require.NoError(t, err)
	require.Len(t, got.Prompts, 2)
	for _, p := range got.Prompts {
		assert.Len(t, p.GeneratedImages, 2, "prompt %q", p.Text)
		for _, img := range p.GeneratedImages {
			assert.Equal(t, p.ID, img.Prompt)
		}
	}
}

func TestDeleteBatchCascades(t *testing.T) {
	ctx := context.Background()
	ref := createTestReference(t, ctx)
	refID := models.MustRecordIDString(ref.ID)
	batch := createTestBatch(t, ctx, []string{"doomed"}, 1, refID)
	id := models.MustRecordIDString(batch.ID)

	_, err := testDB.CreateGeneratedImage(ctx, uuid.NewString(), models.MustRecordIDString(batch.Prompts[0].ID), "doomed.png", "generated-images/doomed.png")
	require.NoError(t, err)

	keys, err := testDB.DeleteBatch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"doomed.png"}, keys)

	got, err := testDB.GetBatch(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got)

	prompt, err := testDB.Query(ctx, `SELECT * FROM type::record("prompt", $id)`, map[string]any{"id": models.MustRecordIDString(batch.Prompts[0].ID)})
	require.NoError(t, err)
	require.NotEmpty(t, *prompt)
	assert.Empty(t, (*prompt)[0].Result, "prompts are deleted with the batch")

	stillThere, err := testDB.GetReferenceImage(ctx, refID)
	require.NoError(t, err)
	assert.NotNil(t, stillThere, "reference images are shared and survive batch deletion")

	_, err = testDB.DeleteBatch(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// REFERENCE IMAGE TESTS
// =============================================================================

func TestReferenceImageLookup(t *testing.T) {
	ctx := context.Background()
	ref := createTestReference(t, ctx)

	byID, err := testDB.GetReferenceImage(ctx, models.MustRecordIDString(ref.ID))
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, ref.URL, byID.URL)

	byKey, err := testDB.GetReferenceImageByKey(ctx, ref.StorageKey)
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, ref.ID, byKey.ID)

	missing, err := testDB.GetReferenceImageByKey(ctx, "nope.png")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

// =============================================================================
// RUN LOCK TESTS
// =============================================================================

func TestRunLockExclusive(t *testing.T) {
	ctx := context.Background()
	batch := createTestBatch(t, ctx, []string{"lock"}, 1)
	id := models.MustRecordIDString(batch.ID)

	ok, err := testDB.AcquireRunLock(ctx, id, "token-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "first claim wins")

	ok, err = testDB.AcquireRunLock(ctx, id, "token-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second claim loses while heartbeat is fresh")

	alive, err := testDB.HeartbeatRun(ctx, id, "token-a")
	require.NoError(t, err)
	assert.True(t, alive)

	alive, err = testDB.HeartbeatRun(ctx, id, "token-b")
	require.NoError(t, err)
	assert.False(t, alive, "non-owner heartbeat is a no-op")

	require.NoError(t, testDB.ReleaseRunLock(ctx, id, "token-a"))

	ok, err = testDB.AcquireRunLock(ctx, id, "token-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lock is free after release")
}

func TestReconcileStaleRuns(t *testing.T) {
	ctx := context.Background()
	batch := createTestBatch(t, ctx, []string{"crashed"}, 1)
	id := models.MustRecordIDString(batch.ID)

	ok, err := testDB.AcquireRunLock(ctx, id, "crashed-token", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, testDB.SetBatchStatus(ctx, id, models.StatusRunning))

	_, err = testDB.Query(ctx, `UPDATE type::record("batch", $id) SET run_heartbeat = time::now() - 1h`, map[string]any{"id": id})
	require.NoError(t, err)

	failed, err := testDB.ReconcileStaleRuns(ctx, time.Minute)
	require.NoError(t, err)
	assert.Contains(t, failed, id)

	got, err := testDB.GetBatch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Nil(t, got.RunToken)
}

func TestRunRecords(t *testing.T) {
	ctx := context.Background()
	batch := createTestBatch(t, ctx, []string{"tracked"}, 3)
	id := models.MustRecordIDString(batch.ID)
	token := uuid.NewString()

	require.NoError(t, testDB.CreateRun(ctx, token, id, 3))
	require.NoError(t, testDB.UpdateRunProgress(ctx, token, 2))
	require.NoError(t, testDB.UpdateRunProgress(ctx, token, 1))

	run, err := testDB.GetRun(ctx, token)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, 2, run.Completed, "a late lower count is ignored")

	require.NoError(t, testDB.FinishRun(ctx, token, models.StatusFailed, 2, "model refused"))

	run, err = testDB.GetRun(ctx, token)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, models.StatusFailed, run.Status)
	assert.Equal(t, 2, run.Completed)
	require.NotNil(t, run.Error)
	assert.Equal(t, "model refused", *run.Error)
	assert.NotNil(t, run.Finished)

	runs, err := testDB.ListRuns(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
}
