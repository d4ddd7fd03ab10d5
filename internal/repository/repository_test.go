package repository

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"

	"coldfront/internal/cache"
	"coldfront/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	cache.SetClient(nil)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gormDB, mock
}

const selectUserByID = `SELECT * FROM "users" WHERE "users"."id" = $1 ORDER BY "users"."id" LIMIT $2`

func TestUserRepository_GetByID(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta(selectUserByID)).WithArgs(1, 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email"}).AddRow(1, "testuser", "test@example.com"))
	user, err := repo.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "testuser", user.Username)

	failures := map[uint]struct {
		err  error
		code string
	}{
		99: {gorm.ErrRecordNotFound, models.CodeNotFound},
		5:  {errors.New("connection reset"), models.CodeInternal},
	}
	for id, f := range failures {
		mock.ExpectQuery(regexp.QuoteMeta(selectUserByID)).WithArgs(id, 1).WillReturnError(f.err)
		_, err := repo.GetByID(ctx, id)
		assert.Equal(t, f.code, models.ErrorCode(err), "user %d", id)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_GetByUsername_Missing(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewUserRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "users" WHERE username = $1 LIMIT $2`)).
		WithArgs("ghost", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	user, err := repo.GetByUsername(context.Background(), "ghost")
	assert.NoError(t, err)
	assert.Nil(t, user)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_Create_Conflict(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewUserRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "users"`).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	err := repo.Create(context.Background(), &models.User{Username: "dup", Email: "dup@example.edu"})
	require.Error(t, err)
	assert.Equal(t, models.CodeConflict, models.ErrorCode(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_List_Paginates(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewUserRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "users"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "users" ORDER BY username desc,id desc LIMIT $1 OFFSET $2`)).
		WithArgs(2, 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "username"}).AddRow(1, "alice"))

	page, err := repo.List(context.Background(), ListParams{Page: 2, PageSize: 2, OrderBy: "username", Direction: "DESC"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Count)
	require.Len(t, page.Results, 1)
	assert.Equal(t, "alice", page.Results[0].Username)
	assert.False(t, page.HasNext())
	assert.True(t, page.HasPrevious())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestRepository_ListDeactivations_Filters(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewRequestRepository(db)

	where := `WHERE status IN ($1,$2) AND reason IN ($3)`
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "cluster_account_deactivation_requests" ` + where)).
		WithArgs("Queued", "Ready", "NO_VALID_USER_ACCOUNT_FEE_BILLING_ID").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "cluster_account_deactivation_requests" ` + where + ` ORDER BY id asc LIMIT $4`)).
		WithArgs("Queued", "Ready", "NO_VALID_USER_ACCOUNT_FEE_BILLING_ID", DefaultPageSize).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	page, err := repo.ListDeactivations(context.Background(), RequestFilter{
		Statuses: []string{"Queued", "Ready"},
		Reasons:  []string{"NO_VALID_USER_ACCOUNT_FEE_BILLING_ID"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), page.Count)
	assert.Empty(t, page.Results)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestRepository_ListSavio_OwnerScope(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewRequestRepository(db)
	owner := uint(12)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "savio_project_allocation_requests" WHERE (requester_id = $1 OR pi_id = $2)`)).
		WithArgs(owner, owner).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "savio_project_allocation_requests" WHERE (requester_id = $1 OR pi_id = $2)`)).
		WithArgs(owner, owner, DefaultPageSize).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.ListSavio(context.Background(), RequestFilter{OwnerID: &owner})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestRepository_ListAdditions_LeaderScope(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewRequestRepository(db)
	leader := uint(7)

	led := `WHERE project_id IN (SELECT project_id FROM "project_users" WHERE user_id = $1 AND role IN ($2,$3) AND status = $4)`
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "allocation_addition_requests" ` + led)).
		WithArgs(leader, "Principal Investigator", "Manager", "Active").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "allocation_addition_requests" ` + led)).
		WithArgs(leader, "Principal Investigator", "Manager", "Active", DefaultPageSize).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.ListAdditions(context.Background(), RequestFilter{LeaderID: &leader})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListParams_Normalize(t *testing.T) {
	tests := []struct {
		in   ListParams
		want ListParams
	}{
		{ListParams{}, ListParams{Page: 1, PageSize: DefaultPageSize, Direction: "asc"}},
		{ListParams{Page: 3, PageSize: 500, Direction: "DESC"}, ListParams{Page: 3, PageSize: MaxPageSize, Direction: "desc"}},
		{ListParams{Page: -1, PageSize: 10, Direction: "sideways"}, ListParams{Page: 1, PageSize: 10, Direction: "asc"}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%+v", tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Normalize())
		})
	}
}

func TestMapError(t *testing.T) {
	assert.NoError(t, mapError(nil, "User", 1))
	assert.Equal(t, models.CodeNotFound, models.ErrorCode(mapError(gorm.ErrRecordNotFound, "User", 1)))
	assert.Equal(t, models.CodeInternal, models.ErrorCode(mapError(&pgconn.PgError{Code: "23503"}, "User", 1)))

	dup := mapError(errors.New("UNIQUE constraint failed: users.username"), "User", "alice")
	assert.Equal(t, models.CodeConflict, models.ErrorCode(dup))
	assert.Contains(t, dup.Error(), "User alice already exists")

	for _, err := range []error{
		&pgconn.PgError{Code: "23505"},
		fmt.Errorf("wrapped: %w", gorm.ErrDuplicatedKey),
	} {
		assert.True(t, isUniqueConstraintError(err), err.Error())
	}
	assert.False(t, isUniqueConstraintError(nil))

	forbidden := models.NewForbiddenError("no")
	assert.Same(t, forbidden, mapError(fmt.Errorf("ctx: %w", forbidden), "User", 1))
}
