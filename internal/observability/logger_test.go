package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/askmesh/askmesh/internal/config"
)

func TestNewLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Config{Profile: config.ProfileDev}
	cfg.Service.Name = "askmesh-api"
	cfg.Observability.LogJSON = true
	cfg.Observability.LogLevel = slog.LevelInfo

	NewLogger(cfg, &buf).Info("model call",
		slog.String("api_key", "sk-live"),
		slog.String("catalog_dsn", "postgres://u:p@db/askmesh"),
		slog.String("model", "gpt-4o-mini"),
	)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if entry["api_key"] != redacted || entry["catalog_dsn"] != redacted {
		t.Fatalf("secrets leaked: %v", entry)
	}
	if entry["model"] != "gpt-4o-mini" || entry["service"] != "askmesh-api" || entry["profile"] != "dev" {
		t.Fatalf("log entry = %v", entry)
	}
	if _, ok := entry["source"]; ok {
		t.Fatal("source should only be added at debug level")
	}
}

func TestNewLoggerAddsSourceAtDebug(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Config{}
	cfg.Observability.LogJSON = true
	cfg.Observability.LogLevel = slog.LevelDebug

	NewLogger(cfg, &buf).Debug("detail")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if _, ok := entry["source"]; !ok {
		t.Fatalf("log entry = %v, want source", entry)
	}
}
