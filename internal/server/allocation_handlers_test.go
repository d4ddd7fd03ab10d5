package server

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"coldfront/internal/models"
	"coldfront/internal/testutil"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestSecureDirRequests_ApproveAndManageUsers(t *testing.T) {
	env := newTestEnv(t)
	r := createRoles(t, env.db)
	testutil.SeedResources(t, env.db)
	project := testutil.CreateProject(t, env.db, "fc_lab", models.ProjectStatusActive)
	pi := testutil.CreateUser(t, env.db, "pi")
	member := testutil.CreateUser(t, env.db, "member")
	testutil.AddMember(t, env.db, project, pi, models.ProjectUserRolePI, models.ProjectUserStatusActive)
	testutil.AddMember(t, env.db, project, member, models.ProjectUserRoleUser, models.ProjectUserStatusActive)

	resp := env.do(t, http.MethodPost, "/api/secure_dir_requests", pi, map[string]any{
		"pi_id":            pi.ID,
		"project_id":       project.ID,
		"directory_name":   "genomes",
		"rdm_consultation": "Met with RDM.",
		"data_description": "Identifiable patient genomes.",
	})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	created := decode[models.SecureDirRequest](t, resp)
	base := fmt.Sprintf("/api/secure_dir_requests/%d", created.ID)

	assert.Equal(t, fiber.StatusForbidden, env.do(t, http.MethodGet, base, member, nil).StatusCode)
	assert.Equal(t, fiber.StatusForbidden,
		env.do(t, http.MethodPost, base+"/rdm_consultation", pi, map[string]any{"status": "Approved"}).StatusCode)

	// MOU before RDM consultation is out of order.
	assert.Equal(t, fiber.StatusBadRequest,
		env.do(t, http.MethodPost, base+"/mou", r.staff, map[string]any{"status": "Approved"}).StatusCode)

	for _, step := range []struct {
		path string
		body map[string]any
	}{
		{"/rdm_consultation", map[string]any{"status": "Approved"}},
		{"/mou", map[string]any{"status": "Approved"}},
		{"/setup", map[string]any{"status": "Complete", "directory_name": "genomes"}},
	} {
		resp = env.do(t, http.MethodPost, base+step.path, r.staff, step.body)
		require.Equal(t, fiber.StatusOK, resp.StatusCode, step.path)
	}
	resp = env.do(t, http.MethodPost, base+"/approve", r.staff, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, models.SecureDirApprovedComplete, decode[models.SecureDirRequest](t, resp).Status)

	var groups models.Allocation
	require.NoError(t, env.db.
		Joins("JOIN resources ON resources.id = allocations.resource_id").
		Where("allocations.project_id = ? AND resources.name = ?", project.ID, models.ResourceGroupsDirectory).
		First(&groups).Error)

	manage := map[string]any{"allocation_id": groups.ID, "action": models.SecureDirActionAdd, "usernames": []string{"member"}}
	assert.Equal(t, fiber.StatusForbidden,
		env.do(t, http.MethodPost, "/api/secure_dir_requests/manage_users", member, manage).StatusCode)

	resp = env.do(t, http.MethodPost, "/api/secure_dir_requests/manage_users", pi, manage)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	added := decode[[]models.SecureDirUserRequest](t, resp)
	require.Len(t, added, 1)
	assert.Equal(t, member.ID, added[0].UserID)

	manager := testutil.CreateUser(t, env.db, "manager")
	testutil.AddMember(t, env.db, project, manager, models.ProjectUserRoleManager, models.ProjectUserStatusActive)
	for _, tc := range []struct {
		user *models.User
		want int64
	}{{member, 0}, {pi, 1}, {manager, 1}, {r.staff, 1}} {
		resp = env.do(t, http.MethodGet, "/api/secure_dir_requests/manage_users", tc.user, nil)
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Equal(t, tc.want, decode[ListResponse[models.SecureDirUserRequest]](t, resp).Count, tc.user.Username)
	}

	userPath := fmt.Sprintf("/api/secure_dir_requests/manage_users/%d", added[0].ID)
	assert.Equal(t, fiber.StatusForbidden, env.do(t, http.MethodGet, userPath, member, nil).StatusCode)
	assert.Equal(t, fiber.StatusOK, env.do(t, http.MethodGet, userPath, pi, nil).StatusCode)
	assert.Equal(t, fiber.StatusOK, env.do(t, http.MethodGet, userPath, manager, nil).StatusCode)
	assert.Equal(t, fiber.StatusForbidden,
		env.do(t, http.MethodPatch, userPath, member, map[string]any{"status": "Complete"}).StatusCode)
	resp = env.do(t, http.MethodPatch, userPath, r.staff, map[string]any{"status": "Processing - Add"})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	resp = env.do(t, http.MethodPatch, userPath, r.staff, map[string]any{"status": "Complete"})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, models.SecureDirUserComplete, decode[models.SecureDirUserRequest](t, resp).Status)
}

func TestSecureDirRequests_CreateRequiresPI(t *testing.T) {
	env := newTestEnv(t)
	testutil.SeedResources(t, env.db)
	project := testutil.CreateProject(t, env.db, "fc_lab", models.ProjectStatusActive)
	pi := testutil.CreateUser(t, env.db, "pi")
	member := testutil.CreateUser(t, env.db, "member")
	outsider := testutil.CreateUser(t, env.db, "outsider")
	testutil.AddMember(t, env.db, project, pi, models.ProjectUserRolePI, models.ProjectUserStatusActive)
	testutil.AddMember(t, env.db, project, member, models.ProjectUserRoleUser, models.ProjectUserStatusActive)

	body := map[string]any{
		"pi_id":          pi.ID,
		"project_id":     project.ID,
		"directory_name": "genomes",
	}
	for _, u := range []*models.User{member, outsider} {
		resp := env.do(t, http.MethodPost, "/api/secure_dir_requests", u, body)
		assert.Equal(t, fiber.StatusForbidden, resp.StatusCode, u.Username)
	}
	var n int64
	require.NoError(t, env.db.Model(&models.SecureDirRequest{}).Count(&n).Error)
	assert.Zero(t, n)

	resp := env.do(t, http.MethodPost, "/api/secure_dir_requests", pi, body)
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
}

func TestRenewalRequests_StaffStepsClosedToUsers(t *testing.T) {
	env := newTestEnv(t)
	u := testutil.CreateUser(t, env.db, "someone")

	for _, step := range []string{"eligibility", "deny", "approve", "process"} {
		resp := env.do(t, http.MethodPost, "/api/allocation_renewal_requests/1/"+step, u, map[string]any{})
		assert.Equal(t, fiber.StatusForbidden, resp.StatusCode, step)
	}
	resp := env.do(t, http.MethodGet, "/api/allocation_renewal_requests", u, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(0), decode[ListResponse[models.AllocationRenewalRequest]](t, resp).Count)
}

func TestRenewalRequests_PIStatus(t *testing.T) {
	env := newTestEnv(t)
	u := testutil.CreateUser(t, env.db, "someone")
	pi := testutil.CreateUser(t, env.db, "pi")
	project := testutil.CreateProject(t, env.db, "fc_lab", models.ProjectStatusActive)
	now := time.Now().UTC()
	period := testutil.CreatePeriod(t, env.db, "Allowance Year", now, now.AddDate(1, 0, 0))

	status := func() RenewalStatus {
		resp := env.do(t, http.MethodGet, fmt.Sprintf(
			"/api/allocation_renewal_requests/pi_status?pi_id=%d&allocation_period_id=%d", pi.ID, period.ID), u, nil)
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
		return decode[RenewalStatus](t, resp)
	}
	assert.False(t, status().HasRequest)

	req := models.AllocationRenewalRequest{
		RequesterID:        pi.ID,
		PIID:               pi.ID,
		ComputingAllowance: models.AllowanceFCA,
		AllocationPeriodID: period.ID,
		PostProjectID:      project.ID,
		Status:             models.RenewalDenied,
		State:              datatypes.NewJSONType(models.NewRenewalRequestState()),
	}
	require.NoError(t, env.db.Create(&req).Error)
	assert.False(t, status().HasRequest, "denied requests do not count")

	require.NoError(t, env.db.Model(&req).Update("status", models.RenewalUnderReview).Error)
	assert.True(t, status().HasRequest)

	assert.Equal(t, fiber.StatusBadRequest,
		env.do(t, http.MethodGet, "/api/allocation_renewal_requests/pi_status?pi_id=1", u, nil).StatusCode)
}
