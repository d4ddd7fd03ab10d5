// Package repository implements the data access layer for the application.
package repository

import (
	"errors"
	"fmt"
	"strings"

	"coldfront/internal/models"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

type dbErrKind int

const (
	dbErrOther dbErrKind = iota
	dbErrMissing
	dbErrDuplicate
)

// kindOf classifies a driver error. sqlite reports unique violations only
// through the message text.
func kindOf(err error) dbErrKind {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return dbErrMissing
	case errors.As(err, &pgErr):
		if pgErr.Code == "23505" {
			return dbErrDuplicate
		}
		return dbErrOther
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return dbErrDuplicate
	}
	if msg := strings.ToLower(err.Error()); strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key") {
		return dbErrDuplicate
	}
	return dbErrOther
}

func isUniqueConstraintError(err error) bool {
	return err != nil && kindOf(err) == dbErrDuplicate
}

// mapError turns a gorm error on resource into an AppError. AppErrors pass
// through unchanged.
func mapError(err error, resource string, key any) error {
	if err == nil {
		return nil
	}
	if appErr := (*models.AppError)(nil); errors.As(err, &appErr) {
		return appErr
	}
	switch kindOf(err) {
	case dbErrMissing:
		return models.NewNotFoundError(resource, key)
	case dbErrDuplicate:
		return models.NewConflictError(fmt.Sprintf("%s %v already exists", resource, key))
	}
	return models.NewInternalError(err)
}
