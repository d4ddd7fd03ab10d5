package repository

import (
	"context"
	"strings"

	"coldfront/internal/models"
	"coldfront/internal/observability"

	"gorm.io/gorm"
)

const (
	DefaultPageSize = 25
	MaxPageSize     = 100
)

// ListParams selects one page of an ordered listing.
type ListParams struct {
	Page      int
	PageSize  int
	OrderBy   string
	Direction string
}

// Normalize clamps the page to valid bounds.
func (p ListParams) Normalize() ListParams {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize <= 0 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	p.Direction = strings.ToLower(p.Direction)
	if p.Direction != "desc" {
		p.Direction = "asc"
	}
	return p
}

// Offset returns the row offset of the page.
func (p ListParams) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// Page is one page of results and the total number of matching rows.
type Page[T any] struct {
	Count   int64
	Results []T
	Params  ListParams
}

// HasNext reports whether rows remain after this page.
func (p *Page[T]) HasNext() bool {
	return int64(p.Params.Page*p.Params.PageSize) < p.Count
}

// HasPrevious reports whether this is not the first page.
func (p *Page[T]) HasPrevious() bool {
	return p.Params.Page > 1
}

// paginate counts the rows selected by scope, then loads the requested page
// ordered by the column named in params when it is in orderable, else by id.
// Preloads apply to the page query only.
func paginate[T any](ctx context.Context, db *gorm.DB, scope func(*gorm.DB) *gorm.DB, params ListParams, orderable map[string]string, resource string, preloads ...string) (*Page[T], error) {
	params = params.Normalize()
	log := observability.NewRepoLogger(resource)
	var zero T
	var count int64
	if err := db.WithContext(ctx).Model(&zero).Scopes(scope).Count(&count).Error; err != nil {
		log.LogError(ctx, "count", err)
		return nil, models.NewInternalError(err)
	}

	q := db.WithContext(ctx).Model(&zero).Scopes(scope)
	for _, p := range preloads {
		q = q.Preload(p)
	}
	if col, ok := orderable[params.OrderBy]; ok && col != "id" {
		q = q.Order(col + " " + params.Direction)
	}
	results := make([]T, 0, params.PageSize)
	if err := q.Order("id " + params.Direction).
		Limit(params.PageSize).
		Offset(params.Offset()).
		Find(&results).Error; err != nil {
		log.LogError(ctx, "list", err)
		return nil, mapError(err, resource, nil)
	}
	log.LogList(ctx, params.Page, params.PageSize, count)
	return &Page[T]{Count: count, Results: results, Params: params}, nil
}
