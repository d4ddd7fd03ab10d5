package main

import (
	"bytes"
	"context"
	"testing"

	"coldfront/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func run(t *testing.T, cfg *config.Config, db *gorm.DB, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&out, func() (*config.Config, *gorm.DB, error) { return cfg, db, nil })
	root.SetArgs(args)
	root.SetErr(&bytes.Buffer{})
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func newDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func TestStatus_ListsPendingMigrations(t *testing.T) {
	cfg := config.ForTests()
	cfg.SchemaMode = "sql"

	out, err := run(t, cfg, newDB(t), "status")
	require.NoError(t, err)
	assert.Contains(t, out, "mode=sql env=test run_sql=true run_auto=false applied=0")
	assert.Contains(t, out, "pending: 000001_init_schema")
	assert.Contains(t, out, "pending: 000002_request_workflows")
}

func TestAuto_CreatesTables(t *testing.T) {
	db := newDB(t)
	out, err := run(t, config.ForTests(), db, "auto")
	require.NoError(t, err)
	assert.Contains(t, out, "automigrations applied")
	assert.True(t, db.Migrator().HasTable("allocation_renewal_requests"))
}

func TestDown_Errors(t *testing.T) {
	cfg := config.ForTests()
	_, err := run(t, cfg, newDB(t), "down", "abc")
	assert.ErrorContains(t, err, "invalid version")

	_, err = run(t, cfg, newDB(t), "down", "1")
	assert.ErrorContains(t, err, "has not been applied")

	_, err = run(t, cfg, newDB(t), "down")
	assert.Error(t, err)
}
