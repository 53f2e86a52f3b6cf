package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	goduckdb "github.com/marcboeker/go-duckdb/v2"

	"github.com/askmesh/askmesh/internal/observability"
	"github.com/askmesh/askmesh/internal/storage"
	"github.com/askmesh/askmesh/internal/validation"
)

type Config struct {
	CacheDir string
	// FetchTimeout bounds one shared dataset download.
	FetchTimeout time.Duration
}

// Validator dry-runs SQL against a tenant's parquet datasets with an
// in-memory DuckDB and EXPLAIN. Nothing is executed.
type Validator struct {
	datasets validation.DatasetSource
	cache    *fileCache
	logger   *slog.Logger
}

func NewValidator(store storage.DatasetReader, datasets validation.DatasetSource, cfg Config, logger *slog.Logger) (*Validator, error) {
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if datasets == nil {
		return nil, fmt.Errorf("dataset source is required")
	}
	dir := strings.TrimSpace(cfg.CacheDir)
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "askmesh-parquet-cache")
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve cache dir: %w", err)
	}
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Validator{
		datasets: datasets,
		cache:    newFileCache(store, dir, cfg.FetchTimeout),
		logger:   logger,
	}, nil
}

func (v *Validator) Validate(ctx context.Context, tenantID, sqlText string) (bool, string, error) {
	if reason := validation.CheckReadOnly(sqlText); reason != "" {
		return false, reason, nil
	}
	body := validation.StripTrailingSemicolons(sqlText)

	files, err := v.datasets.DatasetFiles(ctx, tenantID)
	if err != nil {
		return false, "", err
	}
	tables, err := v.localTables(ctx, files)
	if err != nil {
		return false, "", err
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return false, "", fmt.Errorf("open duckdb: %w", err)
	}
	defer func() { _ = db.Close() }()
	conn, err := db.Conn(ctx)
	if err != nil {
		return false, "", fmt.Errorf("connect duckdb: %w", err)
	}
	defer func() { _ = conn.Close() }()

	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet(%s)`, quoteIdent(name), quoteStringArray(tables[name]))
		if _, err := conn.ExecContext(ctx, viewSQL); err != nil {
			return false, "", fmt.Errorf("create view for table %q: %w", name, err)
		}
	}
	if err := v.sandbox(ctx, conn); err != nil {
		return false, "", err
	}

	rows, err := conn.QueryContext(ctx, "EXPLAIN "+body)
	if err == nil {
		err = rows.Close()
	}
	if err == nil {
		return true, "", nil
	}
	if ctx.Err() != nil {
		return false, "", ctx.Err()
	}
	if message, semantic := classifyEngineError(err, v.cache.dir); semantic {
		v.logger.DebugContext(ctx, "sql rejected by engine", slog.String("tenant_id", tenantID), slog.String("engine_error", message))
		return false, message, nil
	}
	return false, "", fmt.Errorf("explain: %w", err)
}

// sandbox confines the connection to the parquet cache. Statements can no
// longer touch other files, load extensions or reach the network, and the
// settings cannot be changed back afterwards.
func (v *Validator) sandbox(ctx context.Context, conn *sql.Conn) error {
	statements := []string{
		fmt.Sprintf("SET allowed_directories = [%s]", quoteString(v.cache.dir)),
		"SET autoinstall_known_extensions = false",
		"SET autoload_known_extensions = false",
		"SET enable_external_access = false",
		"SET lock_configuration = true",
	}
	for _, statement := range statements {
		if _, err := conn.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("restrict duckdb session: %w", err)
		}
	}
	return nil
}

// localTables downloads every file and groups local paths by table.
func (v *Validator) localTables(ctx context.Context, files []validation.DatasetFile) (map[string][]string, error) {
	tables := make(map[string][]string)
	for _, file := range files {
		if !storage.ValidTableName(file.TableName) {
			v.logger.WarnContext(ctx, "skipping dataset with invalid table name", slog.String("table", file.TableName), slog.String("path", file.Path))
			continue
		}
		localPath, err := v.cache.Fetch(ctx, file.Path)
		if err != nil {
			return nil, fmt.Errorf("fetch dataset for table %q: %w", file.TableName, err)
		}
		tables[file.TableName] = append(tables[file.TableName], localPath)
	}
	return tables, nil
}

// semanticPrefixes are DuckDB error classes caused by the statement itself.
var semanticPrefixes = []string{
	"Parser Error",
	"Binder Error",
	"Catalog Error",
	"Conversion Error",
	"Not implemented Error",
	"Syntax Error",
	"Invalid Input Error",
	"Mismatch Type Error",
	"Out of Range Error",
}

// fileAccessPrefixes are raised both for broken dataset files and for
// statements reaching for files they may not read.
var fileAccessPrefixes = []string{
	"IO Error",
	"Permission Error",
}

// classifyEngineError reports whether err is a problem with the SQL, as
// opposed to the environment it ran in. File access errors count as the
// statement's fault unless they name a file under cacheDir.
func classifyEngineError(err error, cacheDir string) (string, bool) {
	var engineErr *goduckdb.Error
	if errors.As(err, &engineErr) {
		switch engineErr.Type {
		case goduckdb.ErrorTypeIO, goduckdb.ErrorTypePermission:
			return engineErr.Msg, !mentionsCache(engineErr.Msg, cacheDir)
		case goduckdb.ErrorTypeConnection,
			goduckdb.ErrorTypeNetwork,
			goduckdb.ErrorTypeHTTP,
			goduckdb.ErrorTypeOutOfMemory,
			goduckdb.ErrorTypeInterrupt,
			goduckdb.ErrorTypeFatal,
			goduckdb.ErrorTypeInternal:
			return engineErr.Msg, false
		default:
			return engineErr.Msg, true
		}
	}
	message := err.Error()
	for _, prefix := range fileAccessPrefixes {
		if strings.HasPrefix(message, prefix) {
			return message, !mentionsCache(message, cacheDir)
		}
	}
	for _, prefix := range semanticPrefixes {
		if strings.HasPrefix(message, prefix) {
			return message, true
		}
	}
	return message, false
}

func mentionsCache(message, cacheDir string) bool {
	return cacheDir != "" && strings.Contains(message, cacheDir)
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteString(value string) string {
	return `'` + strings.ReplaceAll(value, `'`, `''`) + `'`
}

func quoteStringArray(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, quoteString(value))
	}
	return "[" + strings.Join(quoted, ",") + "]"
}
