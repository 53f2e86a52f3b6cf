//go:build integration

package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/askmesh/askmesh/internal/storage"
)

func TestStoreDatasetRoundTripAgainstMinIO(t *testing.T) {
	endpoint := envOr("ASKMESH_TEST_S3_ENDPOINT", "")
	if endpoint == "" {
		t.Skip("ASKMESH_TEST_S3_ENDPOINT is not set")
	}

	cfg := Config{
		Endpoint:         endpoint,
		Region:           envOr("ASKMESH_TEST_S3_REGION", "us-east-1"),
		Bucket:           envOr("ASKMESH_TEST_S3_BUCKET", "askmesh-it"),
		AccessKeyID:      envOr("ASKMESH_TEST_S3_ACCESS_KEY", "minio"),
		SecretAccessKey:  envOr("ASKMESH_TEST_S3_SECRET_KEY", "miniostorage"),
		UseSSL:           false,
		Prefix:           "integration-tests",
		AutoCreateBucket: true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	store, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	key, err := storage.BuildDatasetFilePath("tenant-1", "books", "roundtrip")
	if err != nil {
		t.Fatalf("BuildDatasetFilePath() error = %v", err)
	}
	payload := []byte("askmesh-integration")

	if err := store.Ready(ctx); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}

	if _, err := store.Put(ctx, key, bytes.NewReader(payload), int64(len(payload)), storage.PutOptions{
		ContentType: storage.ParquetContentType,
		Metadata:    map[string]string{storage.MetadataChecksum: "abc123"},
	}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	stat, err := store.Stat(ctx, key)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if stat.Size != int64(len(payload)) {
		t.Fatalf("Stat().Size = %d, want %d", stat.Size, len(payload))
	}
	if stat.Key != key || stat.Metadata[storage.MetadataChecksum] != "abc123" {
		t.Fatalf("Stat() = %+v", stat)
	}

	reader, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	readPayload, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("io.ReadAll() error = %v", err)
	}
	if err := reader.Close(); err != nil {
		t.Fatalf("reader.Close() error = %v", err)
	}
	if !bytes.Equal(readPayload, payload) {
		t.Fatalf("Get() payload = %q, want %q", string(readPayload), string(payload))
	}

	if _, err := store.Stat(ctx, "tenant-1/datasets/books/missing.parquet"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("Stat(missing) error = %v, want ErrObjectNotFound", err)
	}
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
