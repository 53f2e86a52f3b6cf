package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/askmesh/askmesh/internal/catalog"
)

// PublishDatasetInput registers a dataset file together with the snippets
// that describe it, so retrieval never sees a table validation cannot load.
type PublishDatasetInput struct {
	File     catalog.RegisterDatasetFileInput
	Snippets []catalog.UpsertSnippetInput
}

type PublishDatasetResult struct {
	File     catalog.DatasetFile
	Snippets []catalog.Snippet
}

func (r *Repository) PublishDataset(ctx context.Context, in PublishDatasetInput) (PublishDatasetResult, error) {
	if strings.TrimSpace(in.File.TenantID) == "" {
		return PublishDatasetResult{}, fmt.Errorf("tenant id is required")
	}
	if strings.TrimSpace(in.File.TableName) == "" || strings.TrimSpace(in.File.Path) == "" {
		return PublishDatasetResult{}, fmt.Errorf("table name and path are required")
	}
	for i, snippet := range in.Snippets {
		if snippet.TenantID != in.File.TenantID {
			return PublishDatasetResult{}, fmt.Errorf("snippet %d belongs to tenant %q, want %q", i, snippet.TenantID, in.File.TenantID)
		}
	}

	var result PublishDatasetResult
	err := r.WithTx(ctx, func(tx *TxRepository) error {
		file, err := tx.RegisterDatasetFile(ctx, in.File)
		if err != nil {
			return err
		}
		result.File = file
		for _, input := range in.Snippets {
			snippet, err := tx.UpsertSnippet(ctx, input)
			if err != nil {
				return err
			}
			result.Snippets = append(result.Snippets, snippet)
		}
		return nil
	})
	if err != nil {
		return PublishDatasetResult{}, fmt.Errorf("publish dataset: %w", err)
	}
	return result, nil
}
