//go:build integration

package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/raphaelgruber/batchgen/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startMinIO runs a throwaway MinIO server and returns a store pointed at it.
func startMinIO(t *testing.T) (*S3Store, *metrics.Collector) {
	t.Helper()
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Cmd:          []string{"server", "/data"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     "minioadmin",
				"MINIO_ROOT_PASSWORD": "minioadmin",
			},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "start minio")
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	collector := metrics.NewCollector()
	store, err := NewS3Store(ctx, Config{
		Endpoint:  fmt.Sprintf("http://%s:%s", host, port.Port()),
		Region:    "us-east-1",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		PathStyle: true,
	}, collector)
	require.NoError(t, err)
	return store, collector
}

func TestS3StoreRoundTrip(t *testing.T) {
	store, collector := startMinIO(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureBuckets(ctx, "reference-images", "generated-images"))
	require.NoError(t, store.EnsureBuckets(ctx, "reference-images"), "ensure is idempotent")

	key := GeneratedImageKey(time.Now(), "image/png")
	url, err := store.Put(ctx, "generated-images", key, []byte("png-bytes"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "generated-images/"+key, url)

	obj, err := store.Get(ctx, "generated-images", key)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), obj.Data)
	assert.Equal(t, "image/png", obj.MIMEType)

	require.NoError(t, store.Delete(ctx, "generated-images", key))
	_, err = store.Get(ctx, "generated-images", key)
	assert.ErrorIs(t, err, ErrNotFound)

	snap := collector.Snapshot()
	assert.Equal(t, int64(1), snap.Operations[metrics.OpStoragePut].Count)
	assert.Equal(t, int64(1), snap.Operations[metrics.OpStorageGet].Failures)
}
