package duckdb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/askmesh/askmesh/internal/storage"
)

// fileCache keeps local copies of dataset objects. Entries are keyed by
// object path and ETag, so a rewritten object gets a fresh entry.
type fileCache struct {
	store        storage.DatasetReader
	dir          string
	fetchTimeout time.Duration
	group        singleflight.Group
}

func newFileCache(store storage.DatasetReader, dir string, fetchTimeout time.Duration) *fileCache {
	if fetchTimeout <= 0 {
		fetchTimeout = 2 * time.Minute
	}
	return &fileCache{store: store, dir: dir, fetchTimeout: fetchTimeout}
}

// Fetch returns the local path of key, downloading it when missing.
func (c *fileCache) Fetch(ctx context.Context, key string) (string, error) {
	info, err := c.store.Stat(ctx, key)
	if err != nil {
		return "", fmt.Errorf("stat object %q: %w", key, err)
	}
	localPath := filepath.Join(c.dir, cacheKey(key, info.ETag)+".parquet")
	if _, err := os.Stat(localPath); err == nil {
		return localPath, nil
	}

	// The shared download outlives any single caller; each caller only
	// stops waiting when its own context ends.
	fill := c.group.DoChan(localPath, func() (any, error) {
		if _, err := os.Stat(localPath); err == nil {
			return localPath, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		if err := c.download(fetchCtx, key, localPath); err != nil {
			return "", err
		}
		return localPath, nil
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case result := <-fill:
		if result.Err != nil {
			return "", result.Err
		}
		return result.Val.(string), nil
	}
}

func (c *fileCache) download(ctx context.Context, key, localPath string) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	reader, err := c.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("get object %q: %w", key, err)
	}
	defer func() { _ = reader.Close() }()

	tmp, err := os.CreateTemp(c.dir, "fetch-*.tmp")
	if err != nil {
		return fmt.Errorf("create cache file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := io.Copy(tmp, reader); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write cache file for %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close cache file: %w", err)
	}
	if err := os.Rename(tmpPath, localPath); err != nil {
		return fmt.Errorf("publish cache file: %w", err)
	}
	return nil
}

func cacheKey(key, etag string) string {
	sum := sha256.Sum256([]byte(key + "\x00" + etag))
	return hex.EncodeToString(sum[:16])
}
