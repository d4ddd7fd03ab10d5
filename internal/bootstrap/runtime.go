// Package bootstrap initializes the shared runtime of the server and the
// command line tools.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"coldfront/internal/cache"
	"coldfront/internal/config"
	"coldfront/internal/database"
	"coldfront/internal/mail"
	"coldfront/internal/middleware"
	"coldfront/internal/models"
	"coldfront/internal/notifications"
	"coldfront/internal/observability"
	"coldfront/internal/service"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Options control runtime initialization behavior.
type Options struct {
	// ApplySchema brings the schema up to date according to SCHEMA_MODE.
	ApplySchema bool
	// EnsureDefaults creates the default resources and the current
	// allocation periods.
	EnsureDefaults bool
}

// Runtime holds the connections every entry point needs.
type Runtime struct {
	Config *config.Config
	DB     *gorm.DB
	Redis  *redis.Client
	Mailer mail.Sender
	Events notifications.Publisher

	closers []io.Closer
}

// Deps returns the collaborators the services are built from.
func (r *Runtime) Deps() service.Deps {
	return service.Deps{
		DB:     r.DB,
		Config: r.Config,
		Mailer: r.Mailer,
		Events: r.Events,
		Now:    time.Now,
	}
}

// Close releases the event writers, Redis and the database pool.
func (r *Runtime) Close() error {
	var result *multierror.Error
	for _, c := range r.closers {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if r.Redis != nil {
		if err := r.Redis.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if r.DB != nil {
		if sqlDB, err := r.DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}

// InitRuntime connects to the database and Redis, builds the mailer and the
// event publishers, and runs the requested initialization.
func InitRuntime(ctx context.Context, cfg *config.Config, opts Options) (*Runtime, error) {
	middleware.ConfigureLogger(cfg.Env, cfg.LogLevel)
	observability.SetLogger(middleware.Logger)
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if opts.ApplySchema {
		if err := database.ApplySchema(ctx, db, cfg); err != nil {
			return nil, fmt.Errorf("schema apply failed: %w", err)
		}
	}

	// Init Redis (may result in nil client if unreachable)
	cache.InitRedis(cfg.RedisURL)
	rt := &Runtime{Config: cfg, DB: db, Redis: cache.GetClient()}

	mailer, err := mail.New(cfg)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.Mailer = mailer

	publishers, closers, err := Publishers(cfg, rt.Redis)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.Events = publishers
	rt.closers = closers

	if err := ensureDevRootUser(cfg, db); err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("failed to bootstrap development root user: %w", err)
	}

	if opts.EnsureDefaults {
		if _, err := service.NewBatchService(rt.Deps()).AddAccountingDefaults(ctx, io.Discard); err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("failed to create accounting defaults: %w", err)
		}
	}

	return rt, nil
}

// Publishers fans events out to the Redis activity feed and, when brokers
// are configured, to Kafka.
func Publishers(cfg *config.Config, rdb *redis.Client) (notifications.Publisher, []io.Closer, error) {
	var fanout notifications.Fanout
	var closers []io.Closer
	if rdb != nil {
		fanout = append(fanout, notifications.NewFeed(rdb))
	}
	if brokers := cfg.KafkaBrokerList(); len(brokers) > 0 {
		kp, err := notifications.NewKafkaPublisher(brokers, cfg.KafkaTopicPrefix)
		if err != nil {
			return nil, nil, err
		}
		fanout = append(fanout, kp)
		closers = append(closers, kp)
	}
	if len(fanout) == 0 {
		return notifications.Discard{}, nil, nil
	}
	return fanout, closers, nil
}

func ensureDevRootUser(cfg *config.Config, db *gorm.DB) error {
	if cfg == nil || db == nil {
		return nil
	}
	if !strings.EqualFold(cfg.Env, "development") || !cfg.DevBootstrapRoot {
		return nil
	}

	username := strings.TrimSpace(cfg.DevRootUsername)
	if username == "" {
		username = "coldfront_root"
	}
	email := strings.TrimSpace(strings.ToLower(cfg.DevRootEmail))
	if email == "" {
		email = "root@coldfront.local"
	}
	password := cfg.DevRootPassword
	if password == "" {
		return fmt.Errorf("DEV_ROOT_PASSWORD must be set when DEV_BOOTSTRAP_ROOT is enabled")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash root password: %w", err)
	}

	if err := db.Transaction(func(tx *gorm.DB) error {
		var root models.User
		findErr := tx.Where("username = ?", username).First(&root).Error
		switch {
		case errors.Is(findErr, gorm.ErrRecordNotFound):
			root = models.User{
				Username:    username,
				Email:       email,
				Password:    string(hashedPassword),
				IsActive:    true,
				IsStaff:     true,
				IsSuperuser: true,
			}
			return tx.Create(&root).Error
		case findErr != nil:
			return findErr
		default:
			updates := map[string]any{"is_staff": true, "is_superuser": true, "is_active": true}
			if cfg.DevRootForceCredentials {
				updates["email"] = email
				updates["password"] = string(hashedPassword)
			}
			return tx.Model(&models.User{}).Where("id = ?", root.ID).Updates(updates).Error
		}
	}); err != nil {
		return err
	}

	middleware.Logger.Info("development root user ensured", "username", username)
	return nil
}
