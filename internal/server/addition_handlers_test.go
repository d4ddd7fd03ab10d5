package server

import (
	"fmt"
	"net/http"
	"testing"

	"coldfront/internal/models"
	"coldfront/internal/testutil"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdditionRequests(t *testing.T) {
	env := newTestEnv(t)
	r := createRoles(t, env.db)
	res := testutil.SeedResources(t, env.db)
	project := testutil.CreateProject(t, env.db, "ac_lab", models.ProjectStatusActive)
	pi := testutil.CreateUser(t, env.db, "pi")
	member := testutil.CreateUser(t, env.db, "member")
	testutil.AddMember(t, env.db, project, pi, models.ProjectUserRolePI, models.ProjectUserStatusActive)
	testutil.AddMember(t, env.db, project, member, models.ProjectUserRoleUser, models.ProjectUserStatusActive)
	alloc := testutil.CreateAllocation(t, env.db, project, res[models.ResourceSavioCompute], models.AllocationStatusActive)
	testutil.SetAttribute(t, env.db, alloc, models.AttrServiceUnits, "1000.00")
	testutil.SetAttribute(t, env.db, alloc, models.AttrServiceUnitsUsage, "400.00")

	const path = "/api/allocation_addition_requests"
	body := map[string]any{"project_id": project.ID, "num_service_units": "500.00", "campus_chartfield": "1-23456"}

	resp := env.do(t, http.MethodPost, path, member, body)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp = env.do(t, http.MethodPost, path, pi, body)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	created := decode[models.AllocationAdditionRequest](t, resp)
	assert.Equal(t, models.AdditionUnderReview, created.Status)

	resp = env.do(t, http.MethodPost, path, pi, body)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)

	for _, tt := range []struct {
		user *models.User
		want int
	}{
		{member, 0},
		{pi, 1},
		{r.staff, 1},
	} {
		resp = env.do(t, http.MethodGet, path, tt.user, nil)
		require.Equal(t, fiber.StatusOK, resp.StatusCode, tt.user.Username)
		assert.Len(t, decode[ListResponse[models.AllocationAdditionRequest]](t, resp).Results, tt.want, tt.user.Username)
	}

	item := fmt.Sprintf("%s/%d", path, created.ID)
	assert.Equal(t, fiber.StatusForbidden, env.do(t, http.MethodGet, item, member, nil).StatusCode)
	assert.Equal(t, fiber.StatusOK, env.do(t, http.MethodGet, item, pi, nil).StatusCode)

	assert.Equal(t, fiber.StatusForbidden, env.do(t, http.MethodPost, item+"/process", pi, nil).StatusCode)
	assert.Equal(t, fiber.StatusBadRequest, env.do(t, http.MethodPost, item+"/process", r.staff, nil).StatusCode,
		"memorandum not signed")

	resp = env.do(t, http.MethodPost, item+"/memorandum_signed", r.staff, map[string]string{"status": "Complete"})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodPost, item+"/process", r.staff, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, models.AdditionComplete, decode[models.AllocationAdditionRequest](t, resp).Status)
	assert.Equal(t, "1100.00", testutil.Attribute(t, env.db, alloc.ID, models.AttrServiceUnits))

	resp = env.do(t, http.MethodPost, item+"/deny", r.staff, map[string]string{"justification": "late"})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode, "already complete")
}
