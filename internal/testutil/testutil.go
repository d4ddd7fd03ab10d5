// Package testutil provides shared test doubles and fixtures for backend tests.
package testutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"coldfront/internal/database"
	"coldfront/internal/mail"
	"coldfront/internal/models"
	"coldfront/internal/notifications"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB opens an in-memory SQLite database with every persistent model
// migrated. The pool is pinned to one connection so the whole test sees the
// same database.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(database.PersistentModels()...))
	return db
}

// RecordingMailer keeps every message instead of sending it.
type RecordingMailer struct {
	mu       sync.Mutex
	Messages []mail.Message
	Err      error
}

// Send implements mail.Sender.
func (m *RecordingMailer) Send(_ context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Messages = append(m.Messages, msg)
	return nil
}

// ByTemplate returns the recorded messages rendered from tmpl.
func (m *RecordingMailer) ByTemplate(tmpl string) []mail.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mail.Message
	for _, msg := range m.Messages {
		if msg.Template == tmpl {
			out = append(out, msg)
		}
	}
	return out
}

// RecordingPublisher keeps every published event.
type RecordingPublisher struct {
	mu     sync.Mutex
	Events []notifications.Event
}

// Publish implements notifications.Publisher.
func (p *RecordingPublisher) Publish(_ context.Context, evt notifications.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Events = append(p.Events, evt)
	return nil
}

// ByType returns the recorded events of the given type.
func (p *RecordingPublisher) ByType(eventType string) []notifications.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []notifications.Event
	for _, evt := range p.Events {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

// FixedClock returns a clock that always reports t.
func FixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// CreateUser inserts an active user named username.
func CreateUser(t *testing.T, db *gorm.DB, username string) *models.User {
	t.Helper()
	u := &models.User{
		Username:  username,
		Email:     username + "@example.edu",
		FirstName: "First " + username,
		LastName:  "Last",
		Password:  "x",
		IsActive:  true,
	}
	require.NoError(t, db.Create(u).Error)
	return u
}

// CreateStaff inserts a staff user.
func CreateStaff(t *testing.T, db *gorm.DB, username string) *models.User {
	t.Helper()
	u := CreateUser(t, db, username)
	u.IsStaff = true
	require.NoError(t, db.Save(u).Error)
	return u
}

// CreateProject inserts a project with the given status.
func CreateProject(t *testing.T, db *gorm.DB, name string, status models.ProjectStatus) *models.Project {
	t.Helper()
	p := &models.Project{Name: name, Title: "Title of " + name, Status: status}
	require.NoError(t, db.Create(p).Error)
	return p
}

// AddMember inserts a project membership.
func AddMember(t *testing.T, db *gorm.DB, project *models.Project, user *models.User, role models.ProjectUserRole, status models.ProjectUserStatus) *models.ProjectUser {
	t.Helper()
	pu := &models.ProjectUser{ProjectID: project.ID, UserID: user.ID, Role: role, Status: status, EnableNotifications: true}
	require.NoError(t, db.Create(pu).Error)
	pu.User = user
	pu.Project = project
	return pu
}

// SeedResources inserts the compute and directory resources and returns
// them by name.
func SeedResources(t *testing.T, db *gorm.DB) map[string]*models.Resource {
	t.Helper()
	out := make(map[string]*models.Resource)
	for _, r := range []*models.Resource{
		{Name: models.ResourceSavioCompute},
		{Name: models.ResourceVectorCompute},
		{Name: models.ResourceGroupsDirectory, Path: "/global/home/groups/pl1data"},
		{Name: models.ResourceScratch2Directory, Path: "/global/scratch/p2p3/pl1_data"},
	} {
		require.NoError(t, db.Create(r).Error)
		out[r.Name] = r
	}
	return out
}

// CreatePeriod inserts an allocation period.
func CreatePeriod(t *testing.T, db *gorm.DB, name string, start, end time.Time) *models.AllocationPeriod {
	t.Helper()
	p := &models.AllocationPeriod{Name: name, StartDate: start, EndDate: end}
	require.NoError(t, db.Create(p).Error)
	return p
}

// CreateAllocation inserts an allocation of resource to project.
func CreateAllocation(t *testing.T, db *gorm.DB, project *models.Project, resource *models.Resource, status models.AllocationStatus) *models.Allocation {
	t.Helper()
	a := &models.Allocation{ProjectID: project.ID, ResourceID: resource.ID, Status: status}
	require.NoError(t, db.Create(a).Error)
	return a
}

// SetAttribute inserts an allocation attribute.
func SetAttribute(t *testing.T, db *gorm.DB, alloc *models.Allocation, attrType, value string) {
	t.Helper()
	require.NoError(t, db.Create(&models.AllocationAttribute{AllocationID: alloc.ID, Type: attrType, Value: value}).Error)
}

// Attribute returns the value of an allocation attribute, or "" if unset.
func Attribute(t *testing.T, db *gorm.DB, allocID uint, attrType string) string {
	t.Helper()
	var attr models.AllocationAttribute
	err := db.Where("allocation_id = ? AND type = ?", allocID, attrType).Order("id DESC").First(&attr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ""
	}
	require.NoError(t, err)
	return attr.Value
}

// Date returns midnight UTC of the given day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

