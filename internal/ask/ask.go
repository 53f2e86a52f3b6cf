package ask

import (
	"context"
	"errors"
)

var (
	ErrNotFound          = errors.New("ask: job not found")
	ErrAlreadyExists     = errors.New("ask: job already exists")
	ErrTerminal          = errors.New("ask: job is in a terminal state")
	ErrInvalidTransition = errors.New("ask: invalid status transition")
	ErrInvalidJob        = errors.New("ask: invalid job state")
)

// Question is the caller's request as seen by every collaborator.
type Question struct {
	TenantID string
	Text     string
	Context  string
}

type SnippetKind string

const (
	SnippetSchema      SnippetKind = "schema"
	SnippetSQLPair     SnippetKind = "sql_pair"
	SnippetInstruction SnippetKind = "instruction"
)

type Snippet struct {
	ID      string
	Kind    SnippetKind
	Title   string
	Content string
	Score   float64
}

// CorrectionFeedback describes one invalid candidate handed back to generation.
type CorrectionFeedback struct {
	Attempt     int
	SQL         string
	Summary     string
	EngineError string
}

type Intent string

const (
	IntentTextToSQL  Intent = "TEXT_TO_SQL"
	IntentMisleading Intent = "MISLEADING_QUERY"
)

type Classification struct {
	Intent    Intent
	Reasoning string
}

type Classifier interface {
	Classify(ctx context.Context, q Question) (Classification, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, q Question) ([]Snippet, error)
}

// Generator returns SQL candidates. A response that cannot be parsed yields
// zero candidates and a nil error; err is reserved for transport failures.
type Generator interface {
	Generate(ctx context.Context, q Question, snippets []Snippet, feedback []CorrectionFeedback) ([]Candidate, error)
}

// Validator dry-runs sql for a tenant. ok=false with engineError is a semantic
// rejection; a non-nil err is a transport failure and may be retried.
type Validator interface {
	Validate(ctx context.Context, tenantID, sql string) (ok bool, engineError string, err error)
}
