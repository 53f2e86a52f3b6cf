package nl2sql

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/askmesh/askmesh/internal/ask"
)

// Classifier decides whether a question is a data question.
type Classifier struct {
	client    *Client
	retriever ask.Retriever
	schema    *jsonschema.Schema
}

// NewClassifier builds a classifier. retriever is optional and gives the
// model a view of the tenant's schema.
func NewClassifier(client *Client, retriever ask.Retriever) (*Classifier, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	schema, err := compileSchema("classification.json", classificationSchema)
	if err != nil {
		return nil, err
	}
	return &Classifier{client: client, retriever: retriever, schema: schema}, nil
}

func (c *Classifier) Classify(ctx context.Context, q ask.Question) (ask.Classification, error) {
	if !hasWordCharacters(q.Text) {
		return ask.Classification{Intent: ask.IntentMisleading, Reasoning: "question contains no words"}, nil
	}

	var snippets []ask.Snippet
	if c.retriever != nil {
		found, err := c.retriever.Retrieve(ctx, q)
		if err != nil {
			return ask.Classification{}, fmt.Errorf("retrieve schema context: %w", err)
		}
		for _, snippet := range found {
			if snippet.Kind == ask.SnippetSchema {
				snippets = append(snippets, snippet)
			}
		}
	}

	content, err := c.client.complete(ctx, buildClassificationMessages(q, snippets))
	if err != nil {
		return ask.Classification{}, err
	}
	var parsed struct {
		Intent    string `json:"intent"`
		Reasoning string `json:"reasoning"`
	}
	if err := decodeValidated(c.schema, []byte(stripMarkdownJSON(content)), &parsed); err != nil {
		return ask.Classification{}, fmt.Errorf("malformed classification: %w", err)
	}
	return ask.Classification{
		Intent:    ask.Intent(parsed.Intent),
		Reasoning: strings.TrimSpace(parsed.Reasoning),
	}, nil
}

func hasWordCharacters(text string) bool {
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
