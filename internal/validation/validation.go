package validation

import (
	"context"
	"fmt"
	"strings"

	"github.com/askmesh/askmesh/internal/catalog"
)

// DatasetFile is one parquet object backing a tenant table.
type DatasetFile struct {
	TableName string
	Path      string
	SizeBytes int64
}

// DatasetSource lists the files a tenant's SQL may read.
type DatasetSource interface {
	DatasetFiles(ctx context.Context, tenantID string) ([]DatasetFile, error)
}

type catalogLister interface {
	ListDatasetFiles(ctx context.Context, tenantID string) ([]catalog.DatasetFile, error)
}

// CatalogDatasets reads the dataset registry from the catalog.
type CatalogDatasets struct {
	Catalog catalogLister
}

func NewCatalogDatasets(lister catalogLister) *CatalogDatasets {
	return &CatalogDatasets{Catalog: lister}
}

func (c *CatalogDatasets) DatasetFiles(ctx context.Context, tenantID string) ([]DatasetFile, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	files, err := c.Catalog.ListDatasetFiles(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list dataset files: %w", err)
	}
	out := make([]DatasetFile, 0, len(files))
	for _, file := range files {
		out = append(out, DatasetFile{
			TableName: file.TableName,
			Path:      file.Path,
			SizeBytes: file.FileSizeBytes,
		})
	}
	return out, nil
}
