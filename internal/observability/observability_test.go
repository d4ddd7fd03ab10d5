package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const runnerMetric = "coldfront_runner_duration_seconds"

func TestStartRunner_RecordsOutcome(t *testing.T) {
	before := testutil.CollectAndCount(RunnerDuration, runnerMetric)

	_, end := StartRunner(context.Background(), "test_runner_ok")
	end(nil)
	_, end = StartRunner(context.Background(), "test_runner_ok")
	end(errors.New("boom"))

	assert.Equal(t, before+2, testutil.CollectAndCount(RunnerDuration, runnerMetric))
}

type sample struct {
	ID   uint
	Name string
}

func (sample) TableName() string { return "observability_samples" }

func TestQueryMetrics_ObservesStatements(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.Use(QueryMetrics{}))
	require.NoError(t, db.AutoMigrate(&sample{}))

	before := testutil.CollectAndCount(DatabaseQueryLatency)
	require.NoError(t, db.Create(&sample{Name: "a"}).Error)
	var got []sample
	require.NoError(t, db.Find(&got).Error)
	require.Len(t, got, 1)

	assert.Greater(t, testutil.CollectAndCount(DatabaseQueryLatency), before)
}

func TestBatchLogging_CarriesCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	prev := logger
	SetLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { logger = prev })

	id := GenerateCorrelationID()
	ctx := WithCorrelationID(context.Background(), id)
	assert.Equal(t, id, CorrelationID(ctx))
	assert.Empty(t, CorrelationID(context.Background()))

	LogBatchItemError(ctx, "audit_data", errors.New("bad row"), map[string]interface{}{"project": "fc_lab"})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "batch item failed", line["msg"])
	assert.Equal(t, "ERROR", line["level"])
	assert.Equal(t, id, line["correlation_id"])
	assert.Equal(t, "bad row", line["error"])
	assert.Equal(t, "fc_lab", line["project"])
}

func TestRepoLogger_ListIsDebugOnly(t *testing.T) {
	var buf bytes.Buffer
	prev := logger
	SetLogger(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { logger = prev })

	l := NewRepoLogger("projects")
	l.LogList(context.Background(), 1, 20, 3)
	assert.Empty(t, buf.String())

	l.LogError(context.Background(), "list", errors.New("connection reset"))
	assert.Contains(t, buf.String(), `"resource":"projects"`)
	assert.Contains(t, buf.String(), "connection reset")
}

func TestInitTracing(t *testing.T) {
	prev := Tracer
	t.Cleanup(func() { Tracer = prev })
	ctx := context.Background()

	shutdown, err := InitTracing(ctx, TracingConfig{ServiceName: "coldfront-test", Exporter: "none"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(ctx))

	_, err = InitTracing(ctx, TracingConfig{ServiceName: "coldfront-test", Exporter: "zipkin"})
	assert.ErrorContains(t, err, "unknown trace exporter")

	shutdown, err = InitTracing(ctx, TracingConfig{ServiceName: "coldfront-test", Exporter: "stdout", SamplerRatio: 0.5})
	require.NoError(t, err)
	_, span := Tracer.Start(ctx, "sample")
	span.End()
	assert.NoError(t, shutdown(ctx))
}
