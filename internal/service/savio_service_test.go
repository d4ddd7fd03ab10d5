package service

import (
	"context"
	"testing"
	"time"

	"coldfront/internal/mail"
	"coldfront/internal/models"
	"coldfront/internal/notifications"
	"coldfront/internal/testutil"
	"coldfront/internal/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type savioSetup struct {
	f         *fixture
	svc       *SavioService
	requester *models.User
	pi        *models.User
	period    *models.AllocationPeriod
}

func newSavioSetup(t *testing.T) *savioSetup {
	t.Helper()
	f := newFixture(t, julyNoon)
	testutil.SeedResources(t, f.db)
	return &savioSetup{
		f:         f,
		svc:       NewSavioService(f.deps()),
		requester: testutil.CreateUser(t, f.db, "requester"),
		pi:        testutil.CreateUser(t, f.db, "pi"),
		period:    testutil.CreatePeriod(t, f.db, "Allowance Year 2026 - 2027", testutil.Date(2026, time.June, 1), testutil.Date(2027, time.May, 31)),
	}
}

func (s *savioSetup) create(t *testing.T, name string, period *models.AllocationPeriod) *models.SavioProjectAllocationRequest {
	t.Helper()
	req, err := s.svc.Create(context.Background(), CreateSavioRequest{
		RequesterID:        s.requester.ID,
		PIID:               s.pi.ID,
		AllocationType:     models.AllowanceFCA,
		ProjectName:        name,
		Title:              "Physics",
		AllocationPeriodID: &period.ID,
	})
	require.NoError(t, err)
	return req
}

func (s *savioSetup) readyForApproval(t *testing.T, id uint) {
	t.Helper()
	ctx := context.Background()
	_, err := s.svc.ReviewEligibility(ctx, id, models.StepApproved, "")
	require.NoError(t, err)
	_, err = s.svc.ReviewReadiness(ctx, id, models.StepApproved, "")
	require.NoError(t, err)
	_, err = s.svc.ReviewSetup(ctx, id, models.StepComplete, "", "")
	require.NoError(t, err)
}

func TestSavioService_Create(t *testing.T) {
	s := newSavioSetup(t)
	req := s.create(t, "FC_Physics", s.period)

	assert.Equal(t, models.ProjectRequestUnderReview, req.Status)
	require.NotNil(t, req.Project)
	assert.Equal(t, "fc_physics", req.Project.Name)
	assert.Equal(t, models.ProjectStatusNew, req.Project.Status)
	assert.Equal(t, "fc_physics", req.State.Data().Setup.NameChange.RequestedName)
	assert.NotNil(t, req.RequestTime)

	admins := s.f.mailer.ByTemplate(mail.TmplNewProjectRequestAdmins)
	require.Len(t, admins, 1)
	assert.Equal(t, []string{"admin@example.edu"}, admins[0].To)
	assert.Len(t, s.f.events.ByType(notifications.EventRequestCreated), 1)
}

func TestSavioService_Create_Validation(t *testing.T) {
	s := newSavioSetup(t)
	ctx := context.Background()

	t.Run("name without allowance prefix", func(t *testing.T) {
		_, err := s.svc.Create(ctx, CreateSavioRequest{
			RequesterID: s.requester.ID, PIID: s.pi.ID, AllocationType: models.AllowanceFCA,
			ProjectName: "physics", AllocationPeriodID: &s.period.ID,
		})
		assertAppError(t, err, models.CodeValidation)
	})

	t.Run("FCA without period", func(t *testing.T) {
		_, err := s.svc.Create(ctx, CreateSavioRequest{
			RequesterID: s.requester.ID, PIID: s.pi.ID, AllocationType: models.AllowanceFCA, ProjectName: "fc_noperiod",
		})
		assertAppError(t, err, models.CodeValidation)
	})

	t.Run("recharge units not a decimal", func(t *testing.T) {
		_, err := s.svc.Create(ctx, CreateSavioRequest{
			RequesterID: s.requester.ID, PIID: s.pi.ID, AllocationType: models.AllowanceRecharge,
			ProjectName: "ac_lab", NumServiceUnits: "lots",
		})
		assertAppError(t, err, models.CodeValidation)
	})

	t.Run("pool into missing project", func(t *testing.T) {
		_, err := s.svc.Create(ctx, CreateSavioRequest{
			RequesterID: s.requester.ID, PIID: s.pi.ID, AllocationType: models.AllowanceFCA,
			ProjectName: "fc_missing", Pool: true, AllocationPeriodID: &s.period.ID,
		})
		assertAppError(t, err, models.CodeValidation)
	})

	t.Run("duplicate project name", func(t *testing.T) {
		s.create(t, "fc_taken", s.period)
		_, err := s.svc.Create(ctx, CreateSavioRequest{
			RequesterID: s.requester.ID, PIID: s.pi.ID, AllocationType: models.AllowanceFCA,
			ProjectName: "fc_taken", AllocationPeriodID: &s.period.ID,
		})
		assertAppError(t, err, models.CodeConflict)
	})
}

func TestSavioService_StatusFollowsChecklist(t *testing.T) {
	s := newSavioSetup(t)
	ctx := context.Background()
	req := s.create(t, "fc_physics", s.period)

	got, err := s.svc.ReviewEligibility(ctx, req.ID, models.StepApproved, "")
	require.NoError(t, err)
	assert.Equal(t, models.ProjectRequestUnderReview, got.Status)

	got, err = s.svc.ReviewReadiness(ctx, req.ID, models.StepApproved, "")
	require.NoError(t, err)
	assert.Equal(t, models.ProjectRequestApprovedProcessing, got.Status)

	_, _, err = s.svc.Approve(ctx, req.ID)
	assertAppError(t, err, models.CodeValidation)

	_, err = s.svc.ReviewAllocationDates(ctx, req.ID, models.StepComplete, "2026-08-16", "2026-12-31")
	assertAppError(t, err, models.CodeValidation)

	_, err = s.svc.ReviewEligibility(ctx, req.ID, "Maybe", "")
	assertAppError(t, err, models.CodeValidation)
}

func TestSavioService_ApproveFCA(t *testing.T) {
	s := newSavioSetup(t)
	ctx := context.Background()
	req := s.create(t, "fc_physics", s.period)
	s.readyForApproval(t, req.ID)

	got, notes, err := s.svc.Approve(ctx, req.ID)
	require.NoError(t, err)
	assert.Empty(t, notes)
	assert.Equal(t, models.ProjectRequestApprovedComplete, got.Status)
	assert.NotNil(t, got.CompletionTime)
	assert.NotNil(t, got.ApprovalTime)

	project := s.f.project(t, req.ProjectID)
	assert.Equal(t, models.ProjectStatusActive, project.Status)

	var pi models.User
	require.NoError(t, s.f.db.First(&pi, s.pi.ID).Error)
	assert.True(t, pi.IsPI)

	alloc := s.f.allocation(t, project.ID, models.ResourceSavioCompute)
	assert.Equal(t, models.AllocationStatusActive, alloc.Status)
	require.NotNil(t, alloc.EndDate)
	assert.Equal(t, "2027-05-31", workflow.FormatDate(workflow.LocalDate(*alloc.EndDate, s.f.cfg.Location)))
	// July start: eleven of twelve months of 300000.
	assert.Equal(t, "275000.00", testutil.Attribute(t, s.f.db, alloc.ID, models.AttrServiceUnits))
	assert.Equal(t, "FCA", testutil.Attribute(t, s.f.db, alloc.ID, models.AttrSavioAllocationType))

	assert.Equal(t, models.ProjectUserRoleManager, s.f.membership(t, project.ID, s.requester.ID).Role)
	assert.Equal(t, models.ProjectUserRolePI, s.f.membership(t, project.ID, s.pi.ID).Role)
	// Only the requester asks for cluster access, and nobody holds units
	// until access is granted.
	assert.Equal(t, models.ClusterAccessPendingAdd, s.f.userAttribute(t, alloc.ID, s.requester.ID, models.AttrClusterAccountStatus))
	assert.Empty(t, s.f.userAttribute(t, alloc.ID, s.pi.ID, models.AttrClusterAccountStatus))
	for _, u := range []*models.User{s.requester, s.pi} {
		assert.Empty(t, s.f.userAttribute(t, alloc.ID, u.ID, models.AttrServiceUnits))
	}

	assert.EqualValues(t, 1, s.f.count(t, &models.ProjectTransaction{}, "project_id = ?", project.ID))
	assert.Zero(t, s.f.count(t, &models.ProjectUserTransaction{}, ""))
	assert.Len(t, s.f.mailer.ByTemplate(mail.TmplNewProjectRequestApproved), 2)
	require.Len(t, s.f.events.ByType(notifications.EventClusterAccessRequested), 1)
	assert.Equal(t, s.requester.ID, s.f.events.ByType(notifications.EventClusterAccessRequested)[0].UserID)

	var au models.AllocationUser
	require.NoError(t, s.f.db.Where("allocation_id = ? AND user_id = ?", alloc.ID, s.requester.ID).First(&au).Error)
	access := NewClusterAccessService(s.f.deps())
	_, err = access.Complete(ctx, au.ID, CompleteClusterAccess{Username: "requester", ClusterUID: "40001"})
	require.NoError(t, err)
	assert.Equal(t, "275000.00", s.f.userAttribute(t, alloc.ID, s.requester.ID, models.AttrServiceUnits))
	assert.Empty(t, s.f.userAttribute(t, alloc.ID, s.pi.ID, models.AttrServiceUnits))
	assert.EqualValues(t, 1, s.f.count(t, &models.ProjectUserTransaction{}, ""))
}

func TestSavioService_ApproveRequestsAccessForPIWhenSelfRequested(t *testing.T) {
	s := newSavioSetup(t)
	ctx := context.Background()
	req, err := s.svc.Create(ctx, CreateSavioRequest{
		RequesterID: s.pi.ID, PIID: s.pi.ID, AllocationType: models.AllowanceFCA,
		ProjectName: "fc_solo", AllocationPeriodID: &s.period.ID,
	})
	require.NoError(t, err)
	s.readyForApproval(t, req.ID)

	_, _, err = s.svc.Approve(ctx, req.ID)
	require.NoError(t, err)
	alloc := s.f.allocation(t, req.ProjectID, models.ResourceSavioCompute)
	assert.Equal(t, models.ClusterAccessPendingAdd, s.f.userAttribute(t, alloc.ID, s.pi.ID, models.AttrClusterAccountStatus))
	assert.Empty(t, s.f.userAttribute(t, alloc.ID, s.pi.ID, models.AttrServiceUnits))
	require.Len(t, s.f.events.ByType(notifications.EventClusterAccessRequested), 1)
	assert.Equal(t, s.pi.ID, s.f.events.ByType(notifications.EventClusterAccessRequested)[0].UserID)
}

func TestSavioService_ApproveSchedulesFuturePeriod(t *testing.T) {
	s := newSavioSetup(t)
	ctx := context.Background()
	next := testutil.CreatePeriod(t, s.f.db, "Allowance Year 2027 - 2028", testutil.Date(2027, time.June, 1), testutil.Date(2028, time.May, 31))
	req := s.create(t, "fc_future", next)
	s.readyForApproval(t, req.ID)

	got, notes, err := s.svc.Approve(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectRequestApprovedScheduled, got.Status)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0], "2027-06-01")
	assert.Equal(t, models.ProjectStatusNew, s.f.project(t, req.ProjectID).Status)

	err = s.svc.ProcessScheduled(ctx, req.ID)
	assertAppError(t, err, models.CodeValidation)

	later := NewSavioService(s.f.depsAt(time.Date(2027, time.June, 2, 19, 0, 0, 0, time.UTC)))
	require.NoError(t, later.ProcessScheduled(ctx, req.ID))

	got, err = later.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectRequestApprovedComplete, got.Status)
	alloc := s.f.allocation(t, req.ProjectID, models.ResourceSavioCompute)
	assert.Equal(t, "300000.00", testutil.Attribute(t, s.f.db, alloc.ID, models.AttrServiceUnits))
}

func TestSavioService_PooledApprovalAddsUnits(t *testing.T) {
	s := newSavioSetup(t)
	ctx := context.Background()
	var compute models.Resource
	require.NoError(t, s.f.db.Where("name = ?", models.ResourceSavioCompute).First(&compute).Error)

	existing := testutil.CreateProject(t, s.f.db, "fc_shared", models.ProjectStatusActive)
	otherPI := testutil.CreateUser(t, s.f.db, "other_pi")
	testutil.AddMember(t, s.f.db, existing, otherPI, models.ProjectUserRolePI, models.ProjectUserStatusActive)
	alloc := testutil.CreateAllocation(t, s.f.db, existing, &compute, models.AllocationStatusActive)
	testutil.SetAttribute(t, s.f.db, alloc, models.AttrServiceUnits, "1000.00")
	au := &models.AllocationUser{AllocationID: alloc.ID, UserID: otherPI.ID, Status: models.AllocationUserStatusActive}
	require.NoError(t, s.f.db.Create(au).Error)

	req, err := s.svc.Create(ctx, CreateSavioRequest{
		RequesterID: s.requester.ID, PIID: s.pi.ID, AllocationType: models.AllowanceFCA,
		ProjectName: "fc_shared", Pool: true, AllocationPeriodID: &s.period.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, existing.ID, req.ProjectID)

	_, err = s.svc.ReviewEligibility(ctx, req.ID, models.StepApproved, "")
	require.NoError(t, err)
	_, err = s.svc.ReviewReadiness(ctx, req.ID, models.StepApproved, "")
	require.NoError(t, err)
	readiness := s.f.mailer.ByTemplate(mail.TmplPooledProjectReadiness)
	require.Len(t, readiness, 1)
	assert.Equal(t, []string{otherPI.Email}, readiness[0].To)

	_, err = s.svc.ReviewSetup(ctx, req.ID, models.StepComplete, "fc_renamed", "")
	require.NoError(t, err)
	assert.Equal(t, "fc_shared", s.f.project(t, existing.ID).Name)

	_, _, err = s.svc.Approve(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "276000.00", testutil.Attribute(t, s.f.db, alloc.ID, models.AttrServiceUnits))
	assert.Equal(t, "276000.00", s.f.userAttribute(t, alloc.ID, otherPI.ID, models.AttrServiceUnits))
	assert.Equal(t, models.ProjectUserRolePI, s.f.membership(t, existing.ID, otherPI.ID).Role)
}

func TestSavioService_DenyAndUndeny(t *testing.T) {
	s := newSavioSetup(t)
	ctx := context.Background()
	req := s.create(t, "fc_physics", s.period)

	_, err := s.svc.Deny(ctx, req.ID, "  ")
	assertAppError(t, err, models.CodeValidation)

	got, err := s.svc.Deny(ctx, req.ID, "Duplicate of another request.")
	require.NoError(t, err)
	assert.Equal(t, models.ProjectRequestDenied, got.Status)
	assert.Equal(t, models.ProjectStatusDenied, s.f.project(t, req.ProjectID).Status)

	denied := s.f.mailer.ByTemplate(mail.TmplNewProjectRequestDenied)
	require.Len(t, denied, 2)
	assert.Equal(t, models.DenialCategoryOther, denied[0].Data["ReasonCategory"])
	assert.Equal(t, "Duplicate of another request.", denied[0].Data["ReasonJustification"])

	_, err = s.svc.ReviewEligibility(ctx, req.ID, models.StepApproved, "")
	assertAppError(t, err, models.CodeValidation)

	got, err = s.svc.Undeny(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectRequestUnderReview, got.Status)
	assert.False(t, got.State.Data().Other.IsSet())
	assert.Equal(t, models.ProjectStatusNew, s.f.project(t, req.ProjectID).Status)

	_, err = s.svc.Undeny(ctx, req.ID)
	assertAppError(t, err, models.CodeValidation)
}

func TestSavioService_DenialDeniesDependentRenewals(t *testing.T) {
	s := newSavioSetup(t)
	ctx := context.Background()
	req := s.create(t, "fc_new", s.period)

	renewals := NewRenewalService(s.f.deps())
	renewal, err := renewals.Create(ctx, CreateRenewalRequest{
		RequesterID:         s.pi.ID,
		PIID:                s.pi.ID,
		AllocationPeriodID:  s.period.ID,
		NewProjectRequestID: &req.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, req.ProjectID, renewal.PostProjectID)

	_, err = s.svc.ReviewEligibility(ctx, req.ID, models.StepDenied, "Not faculty.")
	require.NoError(t, err)

	got, err := renewals.Get(ctx, renewal.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RenewalDenied, got.Status)
	assert.Len(t, s.f.mailer.ByTemplate(mail.TmplRenewalRequestDenied), 1)
}
