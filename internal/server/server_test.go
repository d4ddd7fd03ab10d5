package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"coldfront/internal/config"
	"coldfront/internal/middleware"
	"coldfront/internal/models"
	"coldfront/internal/service"
	"coldfront/internal/testutil"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// The handler tests share the middleware package globals, so none of them
// run in parallel.

type testEnv struct {
	srv    *Server
	app    *fiber.App
	db     *gorm.DB
	cfg    *config.Config
	mailer *testutil.RecordingMailer
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.ForTests()
	for _, m := range mutate {
		m(cfg)
	}
	db := testutil.NewDB(t)
	mailer := &testutil.RecordingMailer{}
	srv := NewServerWithDeps(cfg, service.Deps{
		DB:     db,
		Mailer: mailer,
		Events: &testutil.RecordingPublisher{},
		Now:    time.Now,
	}, nil)
	return &testEnv{srv: srv, app: srv.App(), db: db, cfg: cfg, mailer: mailer}
}

func (e *testEnv) token(t *testing.T, u *models.User) string {
	t.Helper()
	signed, _, err := middleware.IssueToken(e.cfg.JWTSecret, u.ID, u.Username, time.Now(), time.Hour)
	require.NoError(t, err)
	return signed
}

// do sends a request as user (anonymous when nil) with an optional JSON body.
func (e *testEnv) do(t *testing.T, method, path string, user *models.User, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != nil {
		req.Header.Set("Authorization", "Token "+e.token(t, user))
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func createSuperuser(t *testing.T, db *gorm.DB, username string) *models.User {
	t.Helper()
	u := testutil.CreateUser(t, db, username)
	u.IsSuperuser = true
	u.IsStaff = true
	require.NoError(t, db.Save(u).Error)
	return u
}

type roles struct {
	user, staff, superuser *models.User
}

func createRoles(t *testing.T, db *gorm.DB) roles {
	t.Helper()
	return roles{
		user:      testutil.CreateUser(t, db, "plain"),
		staff:     testutil.CreateStaff(t, db, "staff"),
		superuser: createSuperuser(t, db, "admin"),
	}
}

func TestHealthChecks(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "degraded", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "healthy", checks["database"])
	assert.Equal(t, "unavailable", checks["redis"])
}

func TestStaffEndpoints_PermissionMatrix(t *testing.T) {
	env := newTestEnv(t)
	r := createRoles(t, env.db)

	for _, path := range []string{
		"/api/identity_linking_requests",
		"/api/account_deactivation_requests",
		"/api/project_user_removal_requests",
	} {
		t.Run(path, func(t *testing.T) {
			assert.Equal(t, fiber.StatusUnauthorized, env.do(t, http.MethodGet, path, nil, nil).StatusCode)
			assert.Equal(t, fiber.StatusForbidden, env.do(t, http.MethodGet, path, r.user, nil).StatusCode)
			assert.Equal(t, fiber.StatusOK, env.do(t, http.MethodGet, path, r.staff, nil).StatusCode)
			assert.Equal(t, fiber.StatusOK, env.do(t, http.MethodGet, path, r.superuser, nil).StatusCode)
		})
	}
}

func TestStaffEndpoints_StaffAreReadOnly(t *testing.T) {
	env := newTestEnv(t)
	r := createRoles(t, env.db)
	link := &models.IdentityLinkingRequest{RequesterID: r.user.ID, Status: models.IdentityLinkingPending}
	require.NoError(t, env.db.Create(link).Error)
	path := "/api/identity_linking_requests/" + strconv.Itoa(int(link.ID))

	assert.Equal(t, fiber.StatusOK, env.do(t, http.MethodGet, path, r.staff, nil).StatusCode)
	resp := env.do(t, http.MethodPatch, path, r.staff, map[string]string{"status": "Complete"})
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp = env.do(t, http.MethodPatch, path, r.superuser, map[string]string{"status": "Complete"})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	got := decode[models.IdentityLinkingRequest](t, resp)
	assert.Equal(t, models.IdentityLinkingComplete, got.Status)
	assert.NotNil(t, got.CompletionTime)
}

func TestInactiveUserTokenRejected(t *testing.T) {
	env := newTestEnv(t)
	u := testutil.CreateUser(t, env.db, "gone")
	require.NoError(t, env.db.Model(u).Update("is_active", false).Error)

	resp := env.do(t, http.MethodGet, "/api/users", u, nil)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestWorkflowToggleHidesRoutes(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.FeatureFlags = "savio_project_requests=off"
	})
	r := createRoles(t, env.db)

	assert.Equal(t, fiber.StatusNotFound, env.do(t, http.MethodGet, "/api/savio_project_requests", r.superuser, nil).StatusCode)
	assert.Equal(t, fiber.StatusOK, env.do(t, http.MethodGet, "/api/vector_project_requests", r.superuser, nil).StatusCode)
}

func TestGetFeatureFlags(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.FeatureFlags = "secure_dir_requests=off"
	})
	u := testutil.CreateUser(t, env.db, "flags")

	resp := env.do(t, http.MethodGet, "/api/feature_flags", u, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	body := decode[FeatureFlags](t, resp)
	assert.Equal(t, map[string]string{"secure_dir_requests": "off"}, body.Configured)
	assert.False(t, body.Enabled["secure_dir_requests"])
	assert.True(t, body.Enabled["savio_project_requests"])
}
