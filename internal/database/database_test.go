package database

import (
	"bytes"
	"log/slog"
	"testing"

	"coldfront/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestConfigurePool(t *testing.T) {
	for want, cfg := range map[int]*config.Config{
		10: {DBMaxOpenConns: 10, DBMaxIdleConns: 5, DBConnMaxLifetimeMinutes: 15},
		25: {},
	} {
		db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
		require.NoError(t, err)
		require.NoError(t, configurePool(db, cfg))

		sqlDB, err := db.DB()
		require.NoError(t, err)
		assert.Equal(t, want, sqlDB.Stats().MaxOpenConnections)
	}
}

func TestQueryLogger(t *testing.T) {
	var buf bytes.Buffer
	ql := &queryLogger{log: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), level: logger.Warn}
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: ql})
	require.NoError(t, err)

	var n int
	require.NoError(t, db.Raw("SELECT 1").Scan(&n).Error)
	assert.Empty(t, buf.String())

	require.Error(t, db.Exec("SELECT * FROM missing_table").Error)
	assert.Contains(t, buf.String(), "query failed")
	assert.Contains(t, buf.String(), "missing_table")

	buf.Reset()
	require.NoError(t, db.Session(&gorm.Session{Logger: ql.LogMode(logger.Info)}).Raw("SELECT 2").Scan(&n).Error)
	assert.Contains(t, buf.String(), "SELECT 2")
}

func TestDSN_DefaultsSSLMode(t *testing.T) {
	cfg := &config.Config{DBHost: "db", DBPort: "5432", DBUser: "u", DBPassword: "p", DBName: "coldfront"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=coldfront sslmode=disable", DSN(cfg))

	cfg.DBSSLMode = "require"
	assert.Contains(t, DSN(cfg), "sslmode=require")
}

func TestPlanSchema(t *testing.T) {
	tests := []struct {
		name     string
		mode     string
		env      string
		allow    bool
		wantSQL  bool
		wantAuto bool
		wantErr  bool
	}{
		{name: "hybrid dev", mode: "", env: "development", wantSQL: true, wantAuto: true},
		{name: "hybrid prod", mode: "hybrid", env: "production", wantSQL: true, wantAuto: false},
		{name: "sql", mode: "SQL", env: "development", wantSQL: true},
		{name: "auto dev", mode: "auto", env: "development", wantAuto: true},
		{name: "auto prod refused", mode: "auto", env: "production", wantErr: true},
		{name: "auto staging refused", mode: "auto", env: "stage", wantErr: true},
		{name: "auto prod allowed", mode: "auto", env: "prod", allow: true, wantAuto: true},
		{name: "unknown", mode: "yolo", env: "development", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{SchemaMode: tt.mode, Env: tt.env, AutoMigrateAllowDestructive: tt.allow}
			plan, err := PlanSchema(cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, plan.RunSQL)
			assert.Equal(t, tt.wantAuto, plan.RunAuto)
		})
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	ms, err := Migrations()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(ms), 3)
	assert.Equal(t, "000001_init_schema", ms[0].String())
	assert.Equal(t, "000002_request_workflows", ms[1].String())
	assert.Equal(t, "000003_allocation_additions", ms[2].String())
	for i := 1; i < len(ms); i++ {
		assert.Less(t, ms[i-1].Version, ms[i].Version)
	}
	for _, m := range ms {
		assert.NotEmpty(t, m.Up, m.String())
		assert.NotEmpty(t, m.Down, m.String())
	}
}

func TestGormLevel(t *testing.T) {
	assert.Equal(t, logger.Info, gormLevel("DEBUG"))
	assert.Equal(t, logger.Warn, gormLevel("info"))
	assert.Equal(t, logger.Error, gormLevel("error"))
}

func TestAutoMigrate_SQLite(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, runAutoMigrate(db))
	assert.True(t, db.Migrator().HasTable("savio_project_allocation_requests"))
	assert.True(t, db.Migrator().HasTable("cluster_account_deactivation_requests"))
}
