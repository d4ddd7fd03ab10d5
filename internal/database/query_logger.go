package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const slowQuery = 200 * time.Millisecond

// queryLogger sends GORM's output to slog. Missing records are not errors.
type queryLogger struct {
	log   *slog.Logger
	level logger.LogLevel
}

// gormLevel maps LOG_LEVEL onto GORM's levels. Statements are only logged
// at debug.
func gormLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return logger.Info
	case "error":
		return logger.Error
	}
	return logger.Warn
}

func (q *queryLogger) LogMode(level logger.LogLevel) logger.Interface {
	return &queryLogger{log: q.log, level: level}
}

func (q *queryLogger) emit(ctx context.Context, at logger.LogLevel, msg string, attrs ...any) {
	if q.level < at {
		return
	}
	lvl := slog.LevelInfo
	switch at {
	case logger.Error:
		lvl = slog.LevelError
	case logger.Warn:
		lvl = slog.LevelWarn
	}
	q.log.Log(ctx, lvl, msg, attrs...)
}

func (q *queryLogger) Info(ctx context.Context, msg string, data ...any) {
	q.emit(ctx, logger.Info, fmt.Sprintf(msg, data...))
}

func (q *queryLogger) Warn(ctx context.Context, msg string, data ...any) {
	q.emit(ctx, logger.Warn, fmt.Sprintf(msg, data...))
}

func (q *queryLogger) Error(ctx context.Context, msg string, data ...any) {
	q.emit(ctx, logger.Error, fmt.Sprintf(msg, data...))
}

func (q *queryLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if q.level == logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	attrs := []any{slog.String("sql", sql), slog.Int64("rows", rows), slog.Duration("elapsed", elapsed)}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		q.emit(ctx, logger.Error, "query failed", append(attrs, slog.String("error", err.Error()))...)
	case elapsed > slowQuery:
		q.emit(ctx, logger.Warn, "slow query", attrs...)
	default:
		q.emit(ctx, logger.Info, "query", attrs...)
	}
}
