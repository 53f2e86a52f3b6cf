//go:build integration

package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/askmesh/askmesh/internal/ask"
	catalogpostgres "github.com/askmesh/askmesh/internal/catalog/postgres"
	"github.com/askmesh/askmesh/internal/demo/seed"
	"github.com/askmesh/askmesh/internal/jobstore"
	"github.com/askmesh/askmesh/internal/migrations"
	"github.com/askmesh/askmesh/internal/orchestrator"
	"github.com/askmesh/askmesh/internal/retrieval"
	s3store "github.com/askmesh/askmesh/internal/storage/s3"
	"github.com/askmesh/askmesh/internal/validation"
	duckdbvalidation "github.com/askmesh/askmesh/internal/validation/duckdb"
)

func TestAskAgainstSeededDataset(t *testing.T) {
	adminDSN := strings.TrimSpace(os.Getenv("ASKMESH_TEST_CATALOG_DSN"))
	if adminDSN == "" {
		t.Skip("ASKMESH_TEST_CATALOG_DSN is not set")
	}

	testDSN, cleanup := createTemporaryDatabase(t, adminDSN)
	defer cleanup()

	db, err := sql.Open("pgx", testDSN)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if _, err := migrations.NewRunner().Up(ctx, db, 0); err != nil {
		t.Fatalf("runner.Up() error = %v", err)
	}

	store, err := s3store.New(ctx, s3store.Config{
		Endpoint:         envOr("ASKMESH_TEST_S3_ENDPOINT", "localhost:9000"),
		Region:           envOr("ASKMESH_TEST_S3_REGION", "us-east-1"),
		Bucket:           envOr("ASKMESH_TEST_S3_BUCKET", "askmesh-it"),
		AccessKeyID:      envOr("ASKMESH_TEST_S3_ACCESS_KEY", "minio"),
		SecretAccessKey:  envOr("ASKMESH_TEST_S3_SECRET_KEY", "miniostorage"),
		Prefix:           fmt.Sprintf("api-ask-tests-%d", time.Now().UnixNano()),
		AutoCreateBucket: true,
	})
	if err != nil {
		t.Fatalf("s3store.New() error = %v", err)
	}

	repo := catalogpostgres.NewRepository(db)
	seedCfg := seed.DefaultConfig()
	seedCfg.TenantID = "tenant-api"
	seedCfg.Rows = 50
	seeder, err := seed.NewService(seedCfg, store, repo, nil)
	if err != nil {
		t.Fatalf("seed.NewService() error = %v", err)
	}
	if _, err := seeder.Run(ctx); err != nil {
		t.Fatalf("seed Run() error = %v", err)
	}

	validator, err := duckdbvalidation.NewValidator(store, validation.NewCatalogDatasets(repo), duckdbvalidation.Config{CacheDir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}
	jobs := jobstore.New(jobstore.Config{TTL: time.Minute})
	orch, err := orchestrator.New(orchestrator.Config{MaxCorrectionAttempts: 2}, orchestrator.Dependencies{
		Store:     jobs,
		Retriever: retrieval.NewCatalogRetriever(repo, 0),
		Generator: schemaAwareGenerator{},
		Validator: validator,
		Recorder:  retrieval.NewPairRecorder(repo),
	})
	if err != nil {
		t.Fatalf("orchestrator.New() error = %v", err)
	}
	dispatcher := orchestrator.NewDispatcher(orch, nil, orchestrator.WithWorkers(2))
	defer func() { _ = dispatcher.Shutdown(context.Background()) }()

	h := NewHandler(loadConfig(t, map[string]string{}), Dependencies{
		Asks: orchestrator.NewService(jobs, dispatcher, nil),
	})

	req := httptest.NewRequest(http.MethodPost, "/asks", strings.NewReader(`{"query":"What is the average rating per genre?"}`))
	req.Header.Set("X-Tenant-ID", "tenant-api")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d body=%s", rr.Code, rr.Body.String())
	}
	queryID := decodeBody(t, rr)["query_id"].(string)

	var body map[string]any
	for deadline := time.Now().Add(30 * time.Second); time.Now().Before(deadline); time.Sleep(50 * time.Millisecond) {
		req := httptest.NewRequest(http.MethodGet, "/asks/"+queryID+"/result", nil)
		req.Header.Set("X-Tenant-ID", "tenant-api")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		body = decodeBody(t, rr)
		if body["status"] == "finished" || body["status"] == "failed" {
			break
		}
	}
	if body["status"] != "finished" {
		t.Fatalf("final body = %v", body)
	}
	if body["correction_attempts"] != float64(1) {
		t.Fatalf("correction_attempts = %v, want 1", body["correction_attempts"])
	}
}

// schemaAwareGenerator guesses a wrong column until the engine error tells
// it otherwise, and requires the seeded schema snippet to be retrieved.
type schemaAwareGenerator struct{}

func (schemaAwareGenerator) Generate(_ context.Context, _ ask.Question, snippets []ask.Snippet, feedback []ask.CorrectionFeedback) ([]ask.Candidate, error) {
	found := false
	for _, snippet := range snippets {
		if snippet.Kind == ask.SnippetSchema && strings.Contains(snippet.Content, "rating") {
			found = true
		}
	}
	if !found {
		return nil, nil
	}
	if len(feedback) == 0 {
		return []ask.Candidate{{SQL: "SELECT genre, AVG(score) FROM books GROUP BY genre", Summary: "average score per genre"}}, nil
	}
	return []ask.Candidate{{SQL: "SELECT genre, AVG(rating) FROM books GROUP BY genre", Summary: "average rating per genre"}}, nil
}

func createTemporaryDatabase(t *testing.T, adminDSN string) (string, func()) {
	t.Helper()

	parsed, err := url.Parse(adminDSN)
	if err != nil {
		t.Fatalf("url.Parse(adminDSN) error = %v", err)
	}
	if strings.TrimPrefix(parsed.Path, "/") == "" {
		t.Fatal("admin DSN must include a database name")
	}

	adminDB, err := sql.Open("pgx", adminDSN)
	if err != nil {
		t.Fatalf("sql.Open(adminDSN) error = %v", err)
	}

	name := fmt.Sprintf("askmesh_it_api_%d", time.Now().UnixNano())
	if _, err := adminDB.Exec(`CREATE DATABASE ` + name); err != nil {
		t.Fatalf("CREATE DATABASE failed: %v", err)
	}

	testURL := *parsed
	testURL.Path = "/" + name

	cleanup := func() {
		defer func() { _ = adminDB.Close() }()
		if _, err := adminDB.Exec(`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1`, name); err != nil {
			t.Fatalf("terminate test db sessions: %v", err)
		}
		if _, err := adminDB.Exec(`DROP DATABASE ` + name); err != nil {
			t.Fatalf("DROP DATABASE failed: %v", err)
		}
	}
	return testURL.String(), cleanup
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
