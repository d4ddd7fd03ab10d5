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
)

func TestDeactivationRequests_CreateFilterComplete(t *testing.T) {
	env := newTestEnv(t)
	r := createRoles(t, env.db)
	a := testutil.CreateUser(t, env.db, "alpha")
	b := testutil.CreateUser(t, env.db, "beta")

	create := func(u *models.User, reason models.DeactivationReason) map[string]any {
		resp := env.do(t, http.MethodPost, "/api/account_deactivation_requests", r.superuser,
			map[string]any{"user_id": u.ID, "reason": reason})
		require.Equal(t, fiber.StatusCreated, resp.StatusCode)
		return decode[map[string]any](t, resp)
	}
	first := create(a, models.ReasonNoValidUserAccountFeeBillingID)
	create(b, models.ReasonNoValidRechargeUsageFeeBillingID)
	assert.Equal(t, string(models.AccountRequestQueued), first["status"])

	resp := env.do(t, http.MethodPost, "/api/account_deactivation_requests", r.superuser,
		map[string]any{"user_id": a.ID, "reason": models.ReasonNoValidUserAccountFeeBillingID})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode, "duplicate queued request")

	resp = env.do(t, http.MethodPost, "/api/account_deactivation_requests", r.superuser,
		map[string]any{"user_id": a.ID, "reason": models.ReasonNoValidRechargeUsageFeeBillingID, "status": "Ready"})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode, "only Queued may be created")

	resp = env.do(t, http.MethodGet, "/api/account_deactivation_requests?reason="+string(models.ReasonNoValidRechargeUsageFeeBillingID), r.staff, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	page := decode[ListResponse[map[string]any]](t, resp)
	require.Equal(t, int64(1), page.Count)
	assert.Equal(t, "beta", page.Results[0]["user"].(map[string]any)["username"])

	path := fmt.Sprintf("/api/account_deactivation_requests/%v", first["id"])
	resp = env.do(t, http.MethodPatch, path, r.superuser, map[string]any{"status": "Cancelled"})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode, "cancel needs a justification")

	resp = env.do(t, http.MethodPatch, path, r.superuser, map[string]any{"status": "Complete"})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var reloaded models.User
	require.NoError(t, env.db.First(&reloaded, a.ID).Error)
	assert.True(t, reloaded.IsDeactivated)

	resp = env.do(t, http.MethodGet, "/api/account_deactivation_requests?status=Queued", r.superuser, nil)
	page = decode[ListResponse[map[string]any]](t, resp)
	assert.Equal(t, int64(1), page.Count)

	resp = env.do(t, http.MethodPatch, path, r.superuser, map[string]any{"status": "Queued"})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode, "terminal requests are frozen")
}

func TestRemovalRequests_CreateAndComplete(t *testing.T) {
	env := newTestEnv(t)
	r := createRoles(t, env.db)
	res := testutil.SeedResources(t, env.db)
	project := testutil.CreateProject(t, env.db, "fc_lab", models.ProjectStatusActive)
	pi := testutil.CreateUser(t, env.db, "pi")
	member := testutil.CreateUser(t, env.db, "member")
	outsider := testutil.CreateUser(t, env.db, "outsider")
	testutil.AddMember(t, env.db, project, pi, models.ProjectUserRolePI, models.ProjectUserStatusActive)
	testutil.AddMember(t, env.db, project, member, models.ProjectUserRoleUser, models.ProjectUserStatusActive)
	testutil.CreateAllocation(t, env.db, project, res[models.ResourceSavioCompute], models.AllocationStatusActive)

	body := map[string]any{"user_id": member.ID, "project_id": project.ID}
	assert.Equal(t, fiber.StatusBadRequest,
		env.do(t, http.MethodPost, "/api/project_user_removal_requests", member, map[string]any{"user_id": member.ID}).StatusCode)
	assert.Equal(t, fiber.StatusForbidden,
		env.do(t, http.MethodPost, "/api/project_user_removal_requests", outsider, body).StatusCode)

	resp := env.do(t, http.MethodPost, "/api/project_user_removal_requests", pi, body)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	created := decode[map[string]any](t, resp)
	assert.Equal(t, string(models.RemovalRequestPending), created["status"])
	assert.Equal(t, float64(pi.ID), created["requester_id"])

	assert.Equal(t, fiber.StatusConflict,
		env.do(t, http.MethodPost, "/api/project_user_removal_requests", member, body).StatusCode)

	path := fmt.Sprintf("/api/project_user_removal_requests/%v", created["id"])
	resp = env.do(t, http.MethodPatch, path, r.superuser, map[string]any{"status": "Complete"})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode, "completion_time is required")

	done := time.Now().UTC().Truncate(time.Second)
	resp = env.do(t, http.MethodPatch, path, r.superuser, map[string]any{"status": "Complete", "completion_time": done})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var pu models.ProjectUser
	require.NoError(t, env.db.Where("project_id = ? AND user_id = ?", project.ID, member.ID).First(&pu).Error)
	assert.Equal(t, models.ProjectUserStatusRemoved, pu.Status)
}

func TestDeletionRequests_Ownership(t *testing.T) {
	env := newTestEnv(t)
	r := createRoles(t, env.db)
	owner := testutil.CreateUser(t, env.db, "owner")
	other := testutil.CreateUser(t, env.db, "other")

	mine := &models.AccountDeletionRequest{UserID: owner.ID, Requester: models.DeletionRequesterUser, Status: models.AccountRequestQueued}
	theirs := &models.AccountDeletionRequest{UserID: other.ID, Requester: models.DeletionRequesterSystem, Status: models.AccountRequestQueued}
	require.NoError(t, env.db.Create(mine).Error)
	require.NoError(t, env.db.Create(theirs).Error)

	minePath := fmt.Sprintf("/api/account_deletion_requests/%d", mine.ID)
	assert.Equal(t, fiber.StatusOK, env.do(t, http.MethodGet, minePath, owner, nil).StatusCode)
	assert.Equal(t, fiber.StatusForbidden, env.do(t, http.MethodGet, minePath, other, nil).StatusCode)
	assert.Equal(t, fiber.StatusOK, env.do(t, http.MethodGet, minePath, r.staff, nil).StatusCode)

	resp := env.do(t, http.MethodGet, "/api/account_deletion_requests", owner, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	page := decode[ListResponse[models.AccountDeletionRequest]](t, resp)
	require.Equal(t, int64(1), page.Count)
	assert.Equal(t, mine.ID, page.Results[0].ID)

	resp = env.do(t, http.MethodGet, "/api/account_deletion_requests", r.staff, nil)
	page = decode[ListResponse[models.AccountDeletionRequest]](t, resp)
	assert.Equal(t, int64(2), page.Count)

	// Only staff may request deletion of someone else's account.
	resp = env.do(t, http.MethodPost, "/api/account_deletion_requests", owner, map[string]any{"user_id": other.ID})
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	// A user without a cluster account has nothing to delete.
	loner := testutil.CreateUser(t, env.db, "loner")
	resp = env.do(t, http.MethodPost, "/api/account_deletion_requests", loner, map[string]any{})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	// Staff review steps are closed to the owner.
	resp = env.do(t, http.MethodPost, minePath+"/complete", owner, nil)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}

func TestIdentityLinkingRequests_SelfService(t *testing.T) {
	env := newTestEnv(t)
	u := testutil.CreateUser(t, env.db, "linker")

	resp := env.do(t, http.MethodPost, "/api/identity_linking_requests", u, nil)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	got := decode[models.IdentityLinkingRequest](t, resp)
	assert.Equal(t, u.ID, got.RequesterID)
	assert.Equal(t, models.IdentityLinkingPending, got.Status)

	assert.Equal(t, fiber.StatusForbidden, env.do(t, http.MethodGet, "/api/identity_linking_requests", u, nil).StatusCode)
}
