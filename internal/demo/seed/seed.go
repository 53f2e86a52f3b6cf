package seed

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/askmesh/askmesh/internal/catalog"
	"github.com/askmesh/askmesh/internal/catalog/postgres"
	"github.com/askmesh/askmesh/internal/observability"
	"github.com/askmesh/askmesh/internal/storage"
)

// Publisher registers a dataset file and its snippets in one step.
type Publisher interface {
	PublishDataset(ctx context.Context, in postgres.PublishDatasetInput) (postgres.PublishDatasetResult, error)
}

// ExamplePair is a known-good question and SQL indexed for retrieval.
type ExamplePair struct {
	Question string
	SQL      string
}

// ExamplePairs returns the demo question/SQL pairs for a books table.
func ExamplePairs(table string) []ExamplePair {
	return []ExamplePair{
		{Question: "Which author has written the most books?", SQL: fmt.Sprintf("SELECT author, COUNT(*) AS books FROM %s GROUP BY author ORDER BY books DESC LIMIT 1", table)},
		{Question: "How many books were published after 2000?", SQL: fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE published_year > 2000", table)},
		{Question: "What is the average rating per genre?", SQL: fmt.Sprintf("SELECT genre, AVG(rating) AS avg_rating FROM %s GROUP BY genre ORDER BY avg_rating DESC", table)},
	}
}

type Result struct {
	Path        string
	RecordCount int64
	Snippets    int
	// Uploaded is false when the stored object already had the same bytes.
	Uploaded bool
}

type Service struct {
	cfg       Config
	store     storage.ObjectStore
	publisher Publisher
	log       *slog.Logger
}

func NewService(cfg Config, store storage.ObjectStore, publisher Publisher, logger *slog.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if !storage.ValidTableName(cfg.TableName) {
		return nil, fmt.Errorf("invalid table name %q", cfg.TableName)
	}
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Service{cfg: cfg, store: store, publisher: publisher, log: logger}, nil
}

// Run writes the demo dataset and indexes it. Running it again with the same
// seed leaves the object untouched and updates the snippets in place.
func (s *Service) Run(ctx context.Context) (Result, error) {
	books := NewGenerator(s.cfg.Seed).Books(s.cfg.Rows)
	encoded, err := EncodeParquet(books)
	if err != nil {
		return Result{}, err
	}
	schema, rows, err := DescribeParquetSchema(s.cfg.TableName, encoded.Data)
	if err != nil {
		return Result{}, err
	}

	path, err := storage.BuildDatasetFilePath(s.cfg.TenantID, s.cfg.TableName, s.cfg.FileName)
	if err != nil {
		return Result{}, err
	}
	uploaded, err := s.upload(ctx, path, encoded)
	if err != nil {
		return Result{}, err
	}

	snippets := []catalog.UpsertSnippetInput{{
		TenantID: s.cfg.TenantID,
		Kind:     catalog.SnippetKindSchema,
		Title:    s.cfg.TableName,
		Content:  fmt.Sprintf("-- table %s: one row per book (%d rows)\n%s", s.cfg.TableName, rows, schema),
	}, {
		TenantID: s.cfg.TenantID,
		Kind:     catalog.SnippetKindInstruction,
		Title:    s.cfg.TableName + " conventions",
		Content:  fmt.Sprintf("Questions about books, authors, genres, ratings or prices refer to the %s table. Years are stored in published_year.", s.cfg.TableName),
	}}
	if s.cfg.WithExamples {
		for _, pair := range ExamplePairs(s.cfg.TableName) {
			snippets = append(snippets, catalog.UpsertSnippetInput{
				TenantID: s.cfg.TenantID,
				Kind:     catalog.SnippetKindSQLPair,
				Title:    pair.Question,
				Content:  pair.SQL,
			})
		}
	}

	published, err := s.publisher.PublishDataset(ctx, postgres.PublishDatasetInput{
		File: catalog.RegisterDatasetFileInput{
			TenantID:      s.cfg.TenantID,
			TableName:     s.cfg.TableName,
			Path:          path,
			FileSizeBytes: int64(len(encoded.Data)),
			RecordCount:   encoded.RecordCount,
		},
		Snippets: snippets,
	})
	if err != nil {
		return Result{}, err
	}

	s.log.Info("seeded demo dataset",
		slog.String("tenant_id", s.cfg.TenantID),
		slog.String("table", s.cfg.TableName),
		slog.String("path", path),
		slog.Int64("records", encoded.RecordCount),
		slog.Int("snippets", len(published.Snippets)),
		slog.Bool("uploaded", uploaded),
	)
	return Result{Path: path, RecordCount: encoded.RecordCount, Snippets: len(published.Snippets), Uploaded: uploaded}, nil
}

func (s *Service) upload(ctx context.Context, path string, encoded ParquetEncodeResult) (bool, error) {
	sum := sha256.Sum256(encoded.Data)
	checksum := hex.EncodeToString(sum[:])

	existing, err := s.store.Stat(ctx, path)
	switch {
	case err == nil && existing.Metadata[storage.MetadataChecksum] == checksum:
		return false, nil
	case err != nil && !errors.Is(err, storage.ErrObjectNotFound):
		return false, fmt.Errorf("stat dataset: %w", err)
	}

	_, err = s.store.Put(ctx, path, bytes.NewReader(encoded.Data), int64(len(encoded.Data)), storage.PutOptions{
		ContentType: storage.ParquetContentType,
		Metadata: map[string]string{
			storage.MetadataChecksum:    checksum,
			storage.MetadataRecordCount: strconv.FormatInt(encoded.RecordCount, 10),
		},
	})
	if err != nil {
		return false, fmt.Errorf("upload dataset: %w", err)
	}
	return true, nil
}

// Summary renders a Result for the seed binary.
func (r Result) Summary() string {
	return strings.Join([]string{
		"path=" + r.Path,
		fmt.Sprintf("records=%d", r.RecordCount),
		fmt.Sprintf("snippets=%d", r.Snippets),
		fmt.Sprintf("uploaded=%t", r.Uploaded),
	}, " ")
}
