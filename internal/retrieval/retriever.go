package retrieval

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/askmesh/askmesh/internal/ask"
	"github.com/askmesh/askmesh/internal/catalog"
)

const defaultLimit = 50

// Searcher is the catalog search the retriever reads from.
type Searcher interface {
	SearchSnippets(ctx context.Context, in catalog.SearchSnippetsInput) ([]catalog.SnippetHit, error)
}

// CatalogRetriever answers ask.Retriever from the tenant's catalog snippets.
// It fetches a generous page; filtering by score and topK happens in the
// orchestrator.
type CatalogRetriever struct {
	Catalog Searcher
	Limit   int
}

func NewCatalogRetriever(searcher Searcher, limit int) *CatalogRetriever {
	if limit <= 0 {
		limit = defaultLimit
	}
	return &CatalogRetriever{Catalog: searcher, Limit: limit}
}

func (r *CatalogRetriever) Retrieve(ctx context.Context, q ask.Question) ([]ask.Snippet, error) {
	if r.Catalog == nil {
		return nil, fmt.Errorf("catalog searcher is not configured")
	}
	text := strings.TrimSpace(q.Text)
	if extra := strings.TrimSpace(q.Context); extra != "" {
		text = text + " " + extra
	}
	limit := r.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	hits, err := r.Catalog.SearchSnippets(ctx, catalog.SearchSnippetsInput{
		TenantID: q.TenantID,
		Query:    text,
		Limit:    limit,
	})
	if err != nil {
		return nil, fmt.Errorf("search catalog snippets: %w", err)
	}

	snippets := make([]ask.Snippet, 0, len(hits))
	for _, hit := range hits {
		snippets = append(snippets, ask.Snippet{
			ID:      strconv.FormatInt(hit.SnippetID, 10),
			Kind:    snippetKind(hit.Kind),
			Title:   hit.Title,
			Content: hit.Content,
			Score:   clampScore(hit.Score),
		})
	}
	return snippets, nil
}

func snippetKind(kind catalog.SnippetKind) ask.SnippetKind {
	switch kind {
	case catalog.SnippetKindSchema:
		return ask.SnippetSchema
	case catalog.SnippetKindSQLPair:
		return ask.SnippetSQLPair
	default:
		return ask.SnippetInstruction
	}
}

func clampScore(score float64) float64 {
	switch {
	case score != score, score < 0:
		return 0
	case score > 1:
		return 1
	default:
		return score
	}
}
