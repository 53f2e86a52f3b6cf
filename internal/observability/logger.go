package observability

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/askmesh/askmesh/internal/config"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

const redacted = "[redacted]"

// secretAttrKeys never reach the log sink verbatim. Matching is by suffix so
// nested groups like "ai.api_key" are covered.
var secretAttrKeys = []string{"api_key", "authorization", "secret_access_key", "password", "dsn"}

// NewLogger builds the service logger. Debug level adds source locations.
func NewLogger(cfg config.Config, writer io.Writer) *slog.Logger {
	if writer == nil {
		writer = io.Discard
	}
	opts := &slog.HandlerOptions{
		Level:       cfg.Observability.LogLevel,
		AddSource:   cfg.Observability.LogLevel <= slog.LevelDebug,
		ReplaceAttr: redactSecrets,
	}
	var handler slog.Handler
	if cfg.Observability.LogJSON {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}
	return slog.New(handler).With(
		slog.String("service", cfg.Service.Name),
		slog.String("profile", string(cfg.Profile)),
	)
}

func redactSecrets(_ []string, attr slog.Attr) slog.Attr {
	key := strings.ToLower(attr.Key)
	for _, secret := range secretAttrKeys {
		if key == secret || strings.HasSuffix(key, "_"+secret) {
			return slog.String(attr.Key, redacted)
		}
	}
	return attr
}

// DiscardLogger is used where a component was built without a logger.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// AskLogger scopes base to one ask so every line carries its identifiers.
func AskLogger(base *slog.Logger, queryID, tenantID, traceID string) *slog.Logger {
	if base == nil {
		base = DiscardLogger()
	}
	attrs := []any{slog.String("query_id", queryID)}
	if tenantID != "" {
		attrs = append(attrs, slog.String("tenant_id", tenantID))
	}
	if traceID != "" {
		attrs = append(attrs, slog.String("trace_id", traceID))
	}
	return base.With(attrs...)
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func TraceIDFromContext(ctx context.Context) string {
	value, ok := ctx.Value(traceIDKey).(string)
	if !ok {
		return ""
	}
	return value
}
