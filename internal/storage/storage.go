package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrObjectNotFound = errors.New("object not found")

const (
	ParquetContentType = "application/vnd.apache.parquet"

	// Metadata keys written next to every dataset file.
	MetadataRecordCount = "askmesh-record-count"
	MetadataChecksum    = "askmesh-sha256"
)

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
	// Metadata holds user metadata with lower-cased keys.
	Metadata map[string]string
}

type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// DatasetReader is what SQL validation needs: fetch parquet files and their
// ETags for cache keys.
type DatasetReader interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
}

type DatasetWriter interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
}

// ObjectStore holds tenant parquet datasets.
type ObjectStore interface {
	DatasetReader
	DatasetWriter
}
