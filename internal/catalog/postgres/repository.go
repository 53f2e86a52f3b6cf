package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/askmesh/askmesh/internal/catalog"
)

const (
	defaultSearchLimit = 20
	maxSearchTerms     = 32
)

type dbTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping catalog db: %w", err)
	}
	return nil
}

func (r *Repository) UpsertSnippet(ctx context.Context, in catalog.UpsertSnippetInput) (catalog.Snippet, error) {
	return upsertSnippet(ctx, r.db, in)
}

// SearchSnippets ranks the tenant's snippets against the words of in.Query.
// Any word may match; snippets matching more words rank higher.
func (r *Repository) SearchSnippets(ctx context.Context, in catalog.SearchSnippetsInput) ([]catalog.SnippetHit, error) {
	tsQuery := buildTSQuery(in.Query)
	if tsQuery == "" {
		return []catalog.SnippetHit{}, nil
	}
	limit := in.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	query := `
SELECT snippet_id, tenant_id, kind, title, content, created_at, updated_at,
       ts_rank_cd(search_vector, to_tsquery('english', $2), 32) AS score
FROM context_snippet
WHERE tenant_id = $1
  AND search_vector @@ to_tsquery('english', $2)
ORDER BY score DESC, snippet_id ASC
LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, in.TenantID, tsQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("search snippets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	hits := make([]catalog.SnippetHit, 0)
	for rows.Next() {
		var (
			hit  catalog.SnippetHit
			kind string
		)
		if err := rows.Scan(
			&hit.SnippetID,
			&hit.TenantID,
			&kind,
			&hit.Title,
			&hit.Content,
			&hit.CreatedAt,
			&hit.UpdatedAt,
			&hit.Score,
		); err != nil {
			return nil, fmt.Errorf("scan snippet row: %w", err)
		}
		hit.Kind = catalog.SnippetKind(kind)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snippet rows: %w", err)
	}
	return hits, nil
}

func (r *Repository) RegisterDatasetFile(ctx context.Context, in catalog.RegisterDatasetFileInput) (catalog.DatasetFile, error) {
	return registerDatasetFile(ctx, r.db, in)
}

func (r *Repository) ListDatasetFiles(ctx context.Context, tenantID string) ([]catalog.DatasetFile, error) {
	query := `
SELECT file_id, tenant_id, table_name, path, file_size_bytes, record_count, created_at
FROM dataset_file
WHERE tenant_id = $1
ORDER BY table_name ASC, file_id ASC`
	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list dataset files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	files := make([]catalog.DatasetFile, 0)
	for rows.Next() {
		var file catalog.DatasetFile
		if err := rows.Scan(
			&file.FileID,
			&file.TenantID,
			&file.TableName,
			&file.Path,
			&file.FileSizeBytes,
			&file.RecordCount,
			&file.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan dataset file row: %w", err)
		}
		files = append(files, file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dataset file rows: %w", err)
	}
	return files, nil
}

func (r *Repository) WithTx(ctx context.Context, fn func(tx *TxRepository) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	txRepo := &TxRepository{q: tx}
	if err := fn(txRepo); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type TxRepository struct {
	q dbTX
}

func (r *TxRepository) UpsertSnippet(ctx context.Context, in catalog.UpsertSnippetInput) (catalog.Snippet, error) {
	snippet, err := upsertSnippet(ctx, r.q, in)
	if err != nil {
		return catalog.Snippet{}, fmt.Errorf("in tx: %w", err)
	}
	return snippet, nil
}

func (r *TxRepository) RegisterDatasetFile(ctx context.Context, in catalog.RegisterDatasetFileInput) (catalog.DatasetFile, error) {
	file, err := registerDatasetFile(ctx, r.q, in)
	if err != nil {
		return catalog.DatasetFile{}, fmt.Errorf("in tx: %w", err)
	}
	return file, nil
}

func upsertSnippet(ctx context.Context, q dbTX, in catalog.UpsertSnippetInput) (catalog.Snippet, error) {
	if strings.TrimSpace(in.Title) == "" {
		return catalog.Snippet{}, fmt.Errorf("upsert snippet: title is required")
	}
	query := `
INSERT INTO context_snippet (tenant_id, kind, title, content)
VALUES ($1, $2::askmesh_snippet_kind, $3, $4)
ON CONFLICT (tenant_id, kind, title)
DO UPDATE SET content = EXCLUDED.content, updated_at = NOW()
RETURNING snippet_id, tenant_id, kind, title, content, created_at, updated_at`
	snippet, err := scanSnippet(q.QueryRowContext(ctx, query, in.TenantID, string(in.Kind), in.Title, in.Content))
	if err != nil {
		return catalog.Snippet{}, fmt.Errorf("upsert snippet: %w", err)
	}
	return snippet, nil
}

func registerDatasetFile(ctx context.Context, q dbTX, in catalog.RegisterDatasetFileInput) (catalog.DatasetFile, error) {
	query := `
INSERT INTO dataset_file (tenant_id, table_name, path, file_size_bytes, record_count)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (tenant_id, path)
DO UPDATE SET table_name = EXCLUDED.table_name,
              file_size_bytes = EXCLUDED.file_size_bytes,
              record_count = EXCLUDED.record_count
RETURNING file_id, created_at`
	file := catalog.DatasetFile{
		TenantID:      in.TenantID,
		TableName:     in.TableName,
		Path:          in.Path,
		FileSizeBytes: in.FileSizeBytes,
		RecordCount:   in.RecordCount,
	}
	if err := q.QueryRowContext(ctx, query, in.TenantID, in.TableName, in.Path, in.FileSizeBytes, in.RecordCount).Scan(&file.FileID, &file.CreatedAt); err != nil {
		return catalog.DatasetFile{}, fmt.Errorf("register dataset file: %w", err)
	}
	return file, nil
}

func scanSnippet(row *sql.Row) (catalog.Snippet, error) {
	var (
		snippet catalog.Snippet
		kind    string
	)
	if err := row.Scan(
		&snippet.SnippetID,
		&snippet.TenantID,
		&kind,
		&snippet.Title,
		&snippet.Content,
		&snippet.CreatedAt,
		&snippet.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Snippet{}, catalog.ErrNotFound
		}
		return catalog.Snippet{}, fmt.Errorf("scan snippet: %w", err)
	}
	snippet.Kind = catalog.SnippetKind(kind)
	return snippet, nil
}

// buildTSQuery turns free text into an OR query of its lowercase words.
// Only [a-z0-9_] survive so the result is always valid to_tsquery input.
func buildTSQuery(text string) string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_')
	})
	seen := make(map[string]struct{}, len(fields))
	terms := make([]string, 0, len(fields))
	for _, field := range fields {
		if _, ok := seen[field]; ok {
			continue
		}
		seen[field] = struct{}{}
		terms = append(terms, field)
		if len(terms) == maxSearchTerms {
			break
		}
	}
	return strings.Join(terms, " | ")
}
