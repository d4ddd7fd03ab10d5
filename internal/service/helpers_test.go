package service

import (
	"errors"
	"testing"
	"time"

	"coldfront/internal/config"
	"coldfront/internal/models"
	"coldfront/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// julyNoon is 2026-07-15 at noon in Los Angeles.
var julyNoon = time.Date(2026, time.July, 15, 19, 0, 0, 0, time.UTC)

type fixture struct {
	db     *gorm.DB
	cfg    *config.Config
	mailer *testutil.RecordingMailer
	events *testutil.RecordingPublisher
	now    time.Time
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	cfg := config.ForTests()
	cfg.EmailAdminList = "admin@example.edu"
	return &fixture{
		db:     testutil.NewDB(t),
		cfg:    cfg,
		mailer: &testutil.RecordingMailer{},
		events: &testutil.RecordingPublisher{},
		now:    now,
	}
}

func (f *fixture) deps() Deps {
	return f.depsAt(f.now)
}

func (f *fixture) depsAt(now time.Time) Deps {
	return Deps{DB: f.db, Config: f.cfg, Mailer: f.mailer, Events: f.events, Now: testutil.FixedClock(now)}
}

func assertAppError(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var appErr *models.AppError
	require.True(t, errors.As(err, &appErr), "expected AppError, got %T: %v", err, err)
	assert.Equal(t, code, appErr.Code, appErr.Message)
}

func (f *fixture) allocation(t *testing.T, projectID uint, resource string) *models.Allocation {
	t.Helper()
	alloc, err := findProjectAllocation(f.db, projectID, resource)
	require.NoError(t, err)
	require.NotNil(t, alloc, "no %s allocation for project %d", resource, projectID)
	return alloc
}

func (f *fixture) project(t *testing.T, id uint) *models.Project {
	t.Helper()
	var p models.Project
	require.NoError(t, f.db.First(&p, id).Error)
	return &p
}

func (f *fixture) membership(t *testing.T, projectID, userID uint) *models.ProjectUser {
	t.Helper()
	var pu models.ProjectUser
	require.NoError(t, f.db.Where("project_id = ? AND user_id = ?", projectID, userID).First(&pu).Error)
	return &pu
}

func (f *fixture) userAttribute(t *testing.T, allocID, userID uint, attrType string) string {
	t.Helper()
	var attr models.AllocationUserAttribute
	err := f.db.Joins("JOIN allocation_users ON allocation_users.id = allocation_user_attributes.allocation_user_id").
		Where("allocation_users.allocation_id = ? AND allocation_users.user_id = ? AND allocation_user_attributes.type = ?", allocID, userID, attrType).
		First(&attr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ""
	}
	require.NoError(t, err)
	return attr.Value
}

func (f *fixture) count(t *testing.T, model interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	q := f.db.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}
