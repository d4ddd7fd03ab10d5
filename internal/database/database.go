// Package database handles database connections and migrations.
package database

import (
	"cmp"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"coldfront/internal/config"
	"coldfront/internal/middleware"
	"coldfront/internal/observability"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// DSN builds the PostgreSQL keyword/value connection string for cfg.
func DSN(cfg *config.Config) string {
	pairs := [][2]string{
		{"host", cfg.DBHost},
		{"port", cfg.DBPort},
		{"user", cfg.DBUser},
		{"password", cfg.DBPassword},
		{"dbname", cfg.DBName},
		{"sslmode", cmp.Or(cfg.DBSSLMode, "disable")},
	}
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p[0] + "=" + p[1]
	}
	return strings.Join(parts, " ")
}

// Connect opens the PostgreSQL pool and installs the query metrics plugin.
// Schema changes are applied separately by ApplySchema.
func Connect(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(DSN(cfg)), &gorm.Config{
		Logger: &queryLogger{log: middleware.Logger, level: gormLevel(cfg.LogLevel)},
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := db.Use(observability.QueryMetrics{}); err != nil {
		return nil, fmt.Errorf("install query metrics: %w", err)
	}

	if err := configurePool(db, cfg); err != nil {
		return nil, err
	}

	middleware.Logger.Info("database connected",
		slog.String("host", cfg.DBHost),
		slog.String("name", cfg.DBName),
	)
	return db, nil
}

// configurePool applies the pool limits, falling back to 25 open, 5 idle and
// a five minute lifetime.
func configurePool(db *gorm.DB, cfg *config.Config) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cmp.Or(max(cfg.DBMaxOpenConns, 0), 25))
	sqlDB.SetMaxIdleConns(cmp.Or(max(cfg.DBMaxIdleConns, 0), 5))
	sqlDB.SetConnMaxLifetime(time.Duration(cmp.Or(max(cfg.DBConnMaxLifetimeMinutes, 0), 5)) * time.Minute)
	return nil
}
