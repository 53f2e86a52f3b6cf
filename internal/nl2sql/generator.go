package nl2sql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/askmesh/askmesh/internal/ask"
	"github.com/askmesh/askmesh/internal/observability"
)

// Generator produces SQL candidates through the chat client.
type Generator struct {
	client     *Client
	candidates int
	schema     *jsonschema.Schema
	logger     *slog.Logger
}

func NewGenerator(client *Client, candidates int, logger *slog.Logger) (*Generator, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if candidates <= 0 {
		candidates = 3
	}
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	schema, err := compileSchema("candidates.json", candidatesSchema)
	if err != nil {
		return nil, err
	}
	return &Generator{client: client, candidates: candidates, schema: schema, logger: logger}, nil
}

// Generate returns the model's candidates in the order it produced them.
// A malformed completion or output that does not match the expected shape
// yields no candidates.
func (g *Generator) Generate(ctx context.Context, q ask.Question, snippets []ask.Snippet, feedback []ask.CorrectionFeedback) ([]ask.Candidate, error) {
	content, err := g.client.complete(ctx, buildGenerationMessages(q, snippets, feedback, g.candidates))
	if errors.Is(err, ErrMalformedResponse) {
		g.logger.WarnContext(ctx, "discarding malformed chat completion",
			slog.String("model", g.client.Model()),
			slog.Any("error", err),
		)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Candidates []struct {
			SQL     string `json:"sql"`
			Summary string `json:"summary"`
		} `json:"candidates"`
	}
	if err := decodeValidated(g.schema, []byte(stripMarkdownJSON(content)), &parsed); err != nil {
		g.logger.WarnContext(ctx, "discarding malformed generation output",
			slog.String("model", g.client.Model()),
			slog.Any("error", err),
		)
		return nil, nil
	}

	out := make([]ask.Candidate, 0, len(parsed.Candidates))
	for _, candidate := range parsed.Candidates {
		if len(out) == g.candidates {
			break
		}
		out = append(out, ask.Candidate{SQL: candidate.SQL, Summary: candidate.Summary})
	}
	return out, nil
}
