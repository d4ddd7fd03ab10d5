package server

import (
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	"coldfront/internal/models"
	"coldfront/internal/testutil"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjects_ListAndDetail(t *testing.T) {
	env := newTestEnv(t)
	res := testutil.SeedResources(t, env.db)
	viewer := testutil.CreateUser(t, env.db, "viewer")
	pi := testutil.CreateUser(t, env.db, "pi")
	manager := testutil.CreateUser(t, env.db, "manager")

	lab := testutil.CreateProject(t, env.db, "fc_lab", models.ProjectStatusActive)
	testutil.CreateProject(t, env.db, "ic_class", models.ProjectStatusActive)
	testutil.CreateProject(t, env.db, "fc_old", models.ProjectStatusInactive)
	testutil.AddMember(t, env.db, lab, pi, models.ProjectUserRolePI, models.ProjectUserStatusActive)
	testutil.AddMember(t, env.db, lab, manager, models.ProjectUserRoleManager, models.ProjectUserStatusActive)
	testutil.AddMember(t, env.db, lab, viewer, models.ProjectUserRoleUser, models.ProjectUserStatusActive)
	alloc := testutil.CreateAllocation(t, env.db, lab, res[models.ResourceSavioCompute], models.AllocationStatusActive)
	testutil.SetAttribute(t, env.db, alloc, models.AttrServiceUnits, "300000.00")

	count := func(query string) int64 {
		resp := env.do(t, http.MethodGet, "/api/projects"+query, viewer, nil)
		require.Equal(t, fiber.StatusOK, resp.StatusCode, query)
		return decode[ListResponse[models.Project]](t, resp).Count
	}
	assert.Equal(t, int64(3), count(""))
	assert.Equal(t, int64(2), count("?allowance_type=FCA"))
	assert.Equal(t, int64(1), count("?allowance_type=FCA&status=Active"))
	assert.Equal(t, int64(1), count("?name=ic_class"))
	assert.Equal(t, fiber.StatusBadRequest,
		env.do(t, http.MethodGet, "/api/projects?allowance_type=XYZ", viewer, nil).StatusCode)

	resp := env.do(t, http.MethodGet, fmt.Sprintf("/api/projects/%d", lab.ID), viewer, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	detail := decode[ProjectDetail](t, resp)
	assert.Equal(t, "fc_lab", detail.Name)
	assert.Equal(t, models.AllowanceFCA, detail.AllowanceType)
	require.Len(t, detail.PIs, 1)
	assert.Equal(t, "pi", detail.PIs[0].Username)
	require.Len(t, detail.Managers, 1)
	assert.Equal(t, "manager", detail.Managers[0].Username)
	require.NotNil(t, detail.ComputeAllocation)
	assert.Equal(t, models.ResourceSavioCompute, detail.ComputeAllocation.Resource)
	require.NotNil(t, detail.ComputeAllocation.ServiceUnits)
	assert.Equal(t, "300000.00", *detail.ComputeAllocation.ServiceUnits)

	assert.Equal(t, fiber.StatusNotFound, env.do(t, http.MethodGet, "/api/projects/999", viewer, nil).StatusCode)
}

func TestProjects_DetailWithoutAllocation(t *testing.T) {
	env := newTestEnv(t)
	u := testutil.CreateUser(t, env.db, "someone")
	p := testutil.CreateProject(t, env.db, "vector_new", models.ProjectStatusNew)

	resp := env.do(t, http.MethodGet, fmt.Sprintf("/api/projects/%d", p.ID), u, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	detail := decode[ProjectDetail](t, resp)
	assert.Nil(t, detail.ComputeAllocation)
	assert.Empty(t, detail.PIs)
}

func TestAllocationPeriodsAndResources(t *testing.T) {
	env := newTestEnv(t)
	testutil.SeedResources(t, env.db)
	u := testutil.CreateUser(t, env.db, "someone")
	now := time.Now().UTC()
	current := testutil.CreatePeriod(t, env.db, "Current", now.AddDate(0, -1, 0), now.AddDate(0, 1, 0))
	testutil.CreatePeriod(t, env.db, "Past", now.AddDate(-2, 0, 0), now.AddDate(-1, 0, 0))

	resp := env.do(t, http.MethodGet, "/api/allocation_periods/current", u, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	periods := decode[[]models.AllocationPeriod](t, resp)
	require.Len(t, periods, 1)
	assert.Equal(t, "Current", periods[0].Name)

	resp = env.do(t, http.MethodGet, fmt.Sprintf("/api/allocation_periods/%d", current.ID), u, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, current.ID, decode[models.AllocationPeriod](t, resp).ID)

	resp = env.do(t, http.MethodGet, "/api/resources?name="+url.QueryEscape(models.ResourceGroupsDirectory), u, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "/global/home/groups/pl1data", decode[models.Resource](t, resp).Path)

	assert.Equal(t, fiber.StatusBadRequest, env.do(t, http.MethodGet, "/api/resources", u, nil).StatusCode)
	assert.Equal(t, fiber.StatusNotFound,
		env.do(t, http.MethodGet, "/api/resources?name=Nowhere", u, nil).StatusCode)
}
