package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"coldfront/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// setupMockDB creates a GORM *gorm.DB backed by sqlmock for unit tests.
func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)
	return gormDB, mock
}

func getJSON(t *testing.T, app *fiber.App, path string) (int, map[string]any) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil), -1)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestHumanizeParam(t *testing.T) {
	tests := []struct {
		param    string
		expected string
	}{
		{"id", "ID"},
		{"userId", "user ID"},
		{"projectId", "project ID"},
		{"allocationId", "allocation ID"},
		{"secureDirRequestId", "secure dir request ID"},
		{"something", "something"},
	}
	for _, tt := range tests {
		t.Run(tt.param, func(t *testing.T) {
			assert.Equal(t, tt.expected, humanizeParam(tt.param))
		})
	}
}

func TestParseID(t *testing.T) {
	s := &Server{}
	app := fiber.New()
	app.Get("/projects/:projectId", func(c *fiber.Ctx) error {
		id, err := s.parseID(c, "projectId")
		if err != nil {
			return nil
		}
		return c.JSON(fiber.Map{"id": id})
	})

	status, body := getJSON(t, app, "/projects/42")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(42), body["id"])

	for _, bad := range []string{"/projects/abc", "/projects/0", "/projects/-3"} {
		status, body = getJSON(t, app, bad)
		assert.Equal(t, fiber.StatusBadRequest, status, bad)
		assert.Equal(t, "Invalid project ID", body["error"], bad)
		assert.Equal(t, string(models.CodeValidation), body["code"], bad)
	}
}

func TestParseListParams(t *testing.T) {
	app := fiber.New()
	app.Get("/items", func(c *fiber.Ctx) error {
		return c.JSON(parseListParams(c))
	})

	tests := []struct {
		name  string
		query string
		want  map[string]any
	}{
		{"Defaults", "", map[string]any{"Page": 1.0, "PageSize": 25.0, "OrderBy": "", "Direction": "asc"}},
		{"Custom", "?page=3&page_size=10&order_by=created&direction=DESC", map[string]any{"Page": 3.0, "PageSize": 10.0, "OrderBy": "created", "Direction": "desc"}},
		{"Clamped", "?page=-1&page_size=1000&direction=sideways", map[string]any{"Page": 1.0, "PageSize": 100.0, "OrderBy": "", "Direction": "asc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, body := getJSON(t, app, "/items"+tt.query)
			assert.Equal(t, tt.want, body)
		})
	}
}

func TestQueryList(t *testing.T) {
	app := fiber.New()
	app.Get("/items", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": queryList(c, "status")})
	})

	_, body := getJSON(t, app, "/items?status=Queued&status=Ready,Processing&status=")
	assert.Equal(t, []any{"Queued", "Ready", "Processing"}, body["status"])

	_, body = getJSON(t, app, "/items")
	assert.Nil(t, body["status"])
}

func TestRespondError_MapsCodes(t *testing.T) {
	app := fiber.New()
	errs := map[string]error{
		"/notfound":   models.NewNotFoundError("Project", 7),
		"/conflict":   models.NewConflictError("already pending"),
		"/forbidden":  models.NewForbiddenError("no"),
		"/validation": models.NewValidationError("bad"),
		"/internal":   errors.New("boom"),
	}
	for path, err := range errs {
		err := err
		app.Get(path, func(c *fiber.Ctx) error { return respondError(c, err) })
	}

	want := map[string]int{
		"/notfound":   fiber.StatusNotFound,
		"/conflict":   fiber.StatusConflict,
		"/forbidden":  fiber.StatusForbidden,
		"/validation": fiber.StatusBadRequest,
		"/internal":   fiber.StatusInternalServerError,
	}
	for path, status := range want {
		got, body := getJSON(t, app, path)
		assert.Equal(t, status, got, path)
		assert.NotEmpty(t, body["error"], path)
	}
}

func TestReadinessCheck_DatabaseDown(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	s := &Server{db: gormDB}
	app := fiber.New()
	app.Get("/health/ready", s.ReadinessCheck)

	status, body := getJSON(t, app, "/health/ready")
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.Equal(t, "unhealthy", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "unhealthy", checks["database"])
	assert.NoError(t, mock.ExpectationsWereMet())
}
