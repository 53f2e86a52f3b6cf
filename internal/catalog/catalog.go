package catalog

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("catalog: not found")

type Repository interface {
	HealthCheck(ctx context.Context) error
	UpsertSnippet(ctx context.Context, in UpsertSnippetInput) (Snippet, error)
	SearchSnippets(ctx context.Context, in SearchSnippetsInput) ([]SnippetHit, error)
	RegisterDatasetFile(ctx context.Context, in RegisterDatasetFileInput) (DatasetFile, error)
	ListDatasetFiles(ctx context.Context, tenantID string) ([]DatasetFile, error)
}

type SnippetKind string

const (
	SnippetKindSchema      SnippetKind = "schema"
	SnippetKindSQLPair     SnippetKind = "sql_pair"
	SnippetKindInstruction SnippetKind = "instruction"
)

// Snippet is one piece of retrievable context: a table schema, a prior
// question with its SQL, or a free-form instruction.
type Snippet struct {
	SnippetID int64
	TenantID  string
	Kind      SnippetKind
	Title     string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SnippetHit is a search result. Score is normalized to [0,1).
type SnippetHit struct {
	Snippet
	Score float64
}

// DatasetFile is a parquet object backing one queryable table.
type DatasetFile struct {
	FileID        int64
	TenantID      string
	TableName     string
	Path          string
	FileSizeBytes int64
	RecordCount   int64
	CreatedAt     time.Time
}

type UpsertSnippetInput struct {
	TenantID string
	Kind     SnippetKind
	Title    string
	Content  string
}

type SearchSnippetsInput struct {
	TenantID string
	Query    string
	Limit    int
}

type RegisterDatasetFileInput struct {
	TenantID      string
	TableName     string
	Path          string
	FileSizeBytes int64
	RecordCount   int64
}
