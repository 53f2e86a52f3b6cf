package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/askmesh/askmesh/internal/ask"
	"github.com/askmesh/askmesh/internal/catalog"
)

type SnippetWriter interface {
	UpsertSnippet(ctx context.Context, in catalog.UpsertSnippetInput) (catalog.Snippet, error)
}

// PairRecorder stores answered questions as sql_pair snippets so later asks
// can retrieve them as examples.
type PairRecorder struct {
	Catalog SnippetWriter
}

func NewPairRecorder(writer SnippetWriter) *PairRecorder {
	return &PairRecorder{Catalog: writer}
}

func (r *PairRecorder) Record(ctx context.Context, q ask.Question, candidate ask.Candidate) error {
	question := strings.TrimSpace(q.Text)
	sql := strings.TrimSpace(candidate.SQL)
	if question == "" || sql == "" {
		return fmt.Errorf("question and sql are required")
	}
	if _, err := r.Catalog.UpsertSnippet(ctx, catalog.UpsertSnippetInput{
		TenantID: q.TenantID,
		Kind:     catalog.SnippetKindSQLPair,
		Title:    question,
		Content:  sql,
	}); err != nil {
		return fmt.Errorf("record sql pair: %w", err)
	}
	return nil
}
