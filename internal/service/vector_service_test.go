package service

import (
	"context"
	"testing"

	"coldfront/internal/mail"
	"coldfront/internal/models"
	"coldfront/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type vectorSetup struct {
	f         *fixture
	svc       *VectorService
	requester *models.User
	pi        *models.User
}

func newVectorSetup(t *testing.T) *vectorSetup {
	t.Helper()
	f := newFixture(t, julyNoon)
	testutil.SeedResources(t, f.db)
	return &vectorSetup{
		f:         f,
		svc:       NewVectorService(f.deps()),
		requester: testutil.CreateUser(t, f.db, "student"),
		pi:        testutil.CreateUser(t, f.db, "pi"),
	}
}

func (s *vectorSetup) create(t *testing.T, name string) *models.VectorProjectAllocationRequest {
	t.Helper()
	req, err := s.svc.Create(context.Background(), CreateVectorRequest{
		RequesterID: s.requester.ID, PIID: s.pi.ID, ProjectName: name, Title: "Robotics",
	})
	require.NoError(t, err)
	return req
}

func TestVectorService_Create(t *testing.T) {
	s := newVectorSetup(t)
	ctx := context.Background()

	_, err := s.svc.Create(ctx, CreateVectorRequest{RequesterID: s.requester.ID, PIID: s.pi.ID, ProjectName: "fc_robots"})
	assertAppError(t, err, models.CodeValidation)
	_, err = s.svc.Create(ctx, CreateVectorRequest{RequesterID: s.requester.ID, PIID: s.pi.ID, ProjectName: "vector_"})
	assertAppError(t, err, models.CodeValidation)

	req := s.create(t, "Vector_Robots")
	assert.Equal(t, models.ProjectRequestUnderReview, req.Status)
	require.NotNil(t, req.Project)
	assert.Equal(t, "vector_robots", req.Project.Name)
	assert.Equal(t, models.ProjectStatusNew, req.Project.Status)
	assert.Len(t, s.f.mailer.ByTemplate(mail.TmplNewProjectRequestAdmins), 1)

	_, err = s.svc.Create(ctx, CreateVectorRequest{RequesterID: s.requester.ID, PIID: s.pi.ID, ProjectName: "vector_robots"})
	assertAppError(t, err, models.CodeConflict)
}

func TestVectorService_Approve(t *testing.T) {
	s := newVectorSetup(t)
	ctx := context.Background()
	shared := testutil.CreateProject(t, s.f.db, s.f.cfg.SavioProjectForVectorUsers, models.ProjectStatusActive)
	req := s.create(t, "vector_robots")

	_, err := s.svc.ReviewSetup(ctx, req.ID, models.StepComplete, "", "")
	assertAppError(t, err, models.CodeValidation)

	got, err := s.svc.ReviewEligibility(ctx, req.ID, models.StepApproved, "")
	require.NoError(t, err)
	assert.Equal(t, models.ProjectRequestApprovedProcessing, got.Status)

	_, _, err = s.svc.Approve(ctx, req.ID)
	assertAppError(t, err, models.CodeValidation)

	got, err = s.svc.ReviewSetup(ctx, req.ID, models.StepComplete, "vector_arms", "shorter")
	require.NoError(t, err)
	assert.Equal(t, "vector_arms", got.State.Data().Setup.NameChange.FinalName)
	assert.Equal(t, "vector_arms", s.f.project(t, req.ProjectID).Name)

	got, notes, err := s.svc.Approve(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectRequestApprovedComplete, got.Status)
	require.Len(t, notes, 2)
	assert.Contains(t, notes[0], "added to project vector_users")

	assert.Equal(t, models.ProjectStatusActive, s.f.project(t, req.ProjectID).Status)
	assert.Equal(t, models.ProjectUserRolePI, s.f.membership(t, req.ProjectID, s.pi.ID).Role)
	assert.Equal(t, models.ProjectUserRoleManager, s.f.membership(t, req.ProjectID, s.requester.ID).Role)

	vector := s.f.allocation(t, req.ProjectID, models.ResourceVectorCompute)
	assert.Equal(t, models.ClusterAccessPendingAdd, s.f.userAttribute(t, vector.ID, s.pi.ID, models.AttrClusterAccountStatus))

	assert.Equal(t, models.ProjectUserRoleUser, s.f.membership(t, shared.ID, s.requester.ID).Role)
	savio := s.f.allocation(t, shared.ID, models.ResourceSavioCompute)
	assert.Equal(t, models.ClusterAccessPendingAdd, s.f.userAttribute(t, savio.ID, s.requester.ID, models.AttrClusterAccountStatus))

	var pi models.User
	require.NoError(t, s.f.db.First(&pi, s.pi.ID).Error)
	assert.True(t, pi.IsPI)
	assert.Len(t, s.f.mailer.ByTemplate(mail.TmplNewProjectRequestApproved), 2)
}

func TestVectorService_ApproveWithoutSharedProject(t *testing.T) {
	s := newVectorSetup(t)
	ctx := context.Background()
	req := s.create(t, "vector_robots")
	_, err := s.svc.ReviewEligibility(ctx, req.ID, models.StepApproved, "")
	require.NoError(t, err)
	_, err = s.svc.ReviewSetup(ctx, req.ID, models.StepComplete, "", "")
	require.NoError(t, err)

	_, notes, err := s.svc.Approve(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Contains(t, notes[0], "does not exist")
}

func TestVectorService_DenyAndUndeny(t *testing.T) {
	s := newVectorSetup(t)
	ctx := context.Background()
	req := s.create(t, "vector_robots")

	_, err := s.svc.Deny(ctx, req.ID, "")
	assertAppError(t, err, models.CodeValidation)

	got, err := s.svc.Deny(ctx, req.ID, "Not a Vector lab member.")
	require.NoError(t, err)
	assert.Equal(t, models.ProjectRequestDenied, got.Status)
	assert.Equal(t, models.ProjectStatusDenied, s.f.project(t, req.ProjectID).Status)

	denied := s.f.mailer.ByTemplate(mail.TmplNewProjectRequestDenied)
	require.Len(t, denied, 2)
	assert.Equal(t, models.DenialCategoryRequesterIneligible, denied[0].Data["ReasonCategory"])

	got, err = s.svc.Undeny(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectRequestUnderReview, got.Status)
	assert.Equal(t, models.StepPending, got.State.Data().Eligibility.Status)
	assert.Equal(t, models.ProjectStatusNew, s.f.project(t, req.ProjectID).Status)

	_, err = s.svc.Undeny(ctx, req.ID)
	assertAppError(t, err, models.CodeValidation)
}
