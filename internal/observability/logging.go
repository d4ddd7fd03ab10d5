// Package observability provides repository and batch logging, prometheus
// metrics and otel tracing.
package observability

import (
	"context"
	"log/slog"
	"os"

	"github.com/google/uuid"
)

// logger is the sink for repository and batch logs. SetLogger points it at
// the application logger.
var logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

// SetLogger replaces the logger used by repository and batch logging.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

type correlationKey struct{}

// GenerateCorrelationID returns a new id tying together the log lines of one
// batch run.
func GenerateCorrelationID() string {
	return uuid.NewString()
}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// RepoLogger logs repository reads and failures for one resource. Reads log
// at debug level.
type RepoLogger struct {
	resource string
}

func NewRepoLogger(resource string) *RepoLogger {
	return &RepoLogger{resource: resource}
}

// LogList records a page read.
func (l *RepoLogger) LogList(ctx context.Context, page, size int, count int64) {
	logger.DebugContext(ctx, "repository list",
		slog.String("resource", l.resource),
		slog.Int("page", page),
		slog.Int("page_size", size),
		slog.Int64("count", count),
	)
}

// LogWrite records a create or update.
func (l *RepoLogger) LogWrite(ctx context.Context, operation string, id uint) {
	logger.InfoContext(ctx, "repository "+operation,
		slog.String("resource", l.resource),
		slog.Uint64("id", uint64(id)),
	)
}

func (l *RepoLogger) LogError(ctx context.Context, operation string, err error) {
	logger.ErrorContext(ctx, "repository error",
		slog.String("resource", l.resource),
		slog.String("operation", operation),
		slog.String("error", err.Error()),
	)
}

// LogBatchStart logs the start of a batch command.
func LogBatchStart(ctx context.Context, command string, fields map[string]interface{}) {
	logBatch(ctx, slog.LevelInfo, "batch command started", command, fields)
}

// LogBatchEnd logs the statistics of a finished batch command.
func LogBatchEnd(ctx context.Context, command string, fields map[string]interface{}) {
	logBatch(ctx, slog.LevelInfo, "batch command completed", command, fields)
}

// LogBatchItemError logs a failure on one item of a batch command. The
// command keeps going.
func LogBatchItemError(ctx context.Context, command string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["error"] = err.Error()
	logBatch(ctx, slog.LevelError, "batch item failed", command, fields)
}

func logBatch(ctx context.Context, level slog.Level, msg, command string, fields map[string]interface{}) {
	attrs := []any{
		slog.String("command", command),
		slog.String("correlation_id", CorrelationID(ctx)),
	}
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	logger.Log(ctx, level, msg, attrs...)
}
