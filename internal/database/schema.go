package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"coldfront/internal/config"
	"coldfront/internal/middleware"

	"gorm.io/gorm"
)

// Schema modes select between embedded SQL migrations and GORM AutoMigrate.
const (
	SchemaModeHybrid = "hybrid"
	SchemaModeSQL    = "sql"
	SchemaModeAuto   = "auto"
)

// SchemaPlan is what ApplySchema does for a configuration.
type SchemaPlan struct {
	Mode    string
	Env     string
	RunSQL  bool
	RunAuto bool
}

// SchemaStatus is a SchemaPlan with the state of the SQL migrations.
type SchemaStatus struct {
	SchemaPlan
	Applied []int
	Pending []Migration
}

func isProdLikeEnv(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "production", "prod", "staging", "stage":
		return true
	}
	return false
}

// PlanSchema resolves SCHEMA_MODE for the environment. AutoMigrate is never
// run in a production-like environment unless explicitly allowed.
func PlanSchema(cfg *config.Config) (SchemaPlan, error) {
	plan := SchemaPlan{Mode: strings.ToLower(strings.TrimSpace(cfg.SchemaMode)), Env: cfg.Env}
	if plan.Mode == "" {
		plan.Mode = SchemaModeHybrid
	}
	prodLike := isProdLikeEnv(cfg.Env)

	switch plan.Mode {
	case SchemaModeSQL:
		plan.RunSQL = true
	case SchemaModeAuto:
		if prodLike && !cfg.AutoMigrateAllowDestructive {
			return plan, fmt.Errorf("refusing SCHEMA_MODE=auto in %q without DB_AUTOMIGRATE_ALLOW_DESTRUCTIVE=true", cfg.Env)
		}
		plan.RunAuto = true
	case SchemaModeHybrid:
		plan.RunSQL = true
		plan.RunAuto = !prodLike
	default:
		return plan, fmt.Errorf("unsupported SCHEMA_MODE %q", plan.Mode)
	}
	return plan, nil
}

func runAutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(PersistentModels()...)
}

func embeddedMigrator(db *gorm.DB) (*Migrator, error) {
	migrations, err := Migrations()
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	return NewMigrator(db, migrations), nil
}

// MigrateUp applies the pending embedded SQL migrations.
func MigrateUp(ctx context.Context, db *gorm.DB) (int, error) {
	m, err := embeddedMigrator(db)
	if err != nil {
		return 0, err
	}
	return m.Up(ctx)
}

// MigrateDown rolls back one embedded SQL migration.
func MigrateDown(ctx context.Context, db *gorm.DB, version int) error {
	m, err := embeddedMigrator(db)
	if err != nil {
		return err
	}
	return m.Down(ctx, version)
}

// ApplySchema brings the schema up to date according to SCHEMA_MODE.
func ApplySchema(ctx context.Context, db *gorm.DB, cfg *config.Config) error {
	plan, err := PlanSchema(cfg)
	if err != nil {
		return err
	}

	if plan.RunSQL {
		n, err := MigrateUp(ctx, db)
		if err != nil {
			return fmt.Errorf("run sql migrations: %w", err)
		}
		middleware.Logger.InfoContext(ctx, "SQL migrations applied", slog.Int("count", n))
	}

	if plan.RunAuto {
		if plan.Mode == SchemaModeAuto && cfg.AutoMigrateAllowDestructive {
			middleware.Logger.Warn("DB_AUTOMIGRATE_ALLOW_DESTRUCTIVE=true set for SCHEMA_MODE=auto")
		}
		middleware.Logger.InfoContext(ctx, "Running GORM AutoMigrate", slog.String("mode", plan.Mode), slog.String("env", plan.Env))
		if err := runAutoMigrate(db); err != nil {
			return fmt.Errorf("auto-migrate: %w", err)
		}
	}
	return nil
}

// GetSchemaStatus reports the plan for cfg and, when SQL migrations are in
// play, which are applied and pending.
func GetSchemaStatus(ctx context.Context, db *gorm.DB, cfg *config.Config) (*SchemaStatus, error) {
	plan, err := PlanSchema(cfg)
	if err != nil {
		return nil, err
	}
	status := &SchemaStatus{SchemaPlan: plan}
	if !plan.RunSQL {
		return status, nil
	}

	m, err := embeddedMigrator(db)
	if err != nil {
		return nil, err
	}
	if status.Applied, err = m.Applied(ctx); err != nil {
		return nil, err
	}
	if status.Pending, err = m.Pending(ctx); err != nil {
		return nil, err
	}
	return status, nil
}
