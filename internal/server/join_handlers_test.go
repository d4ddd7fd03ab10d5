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

func TestJoinRequests(t *testing.T) {
	env := newTestEnv(t)
	res := testutil.SeedResources(t, env.db)
	project := testutil.CreateProject(t, env.db, "fc_lab", models.ProjectStatusActive)
	pi := testutil.CreateUser(t, env.db, "pi")
	applicant := testutil.CreateUser(t, env.db, "applicant")
	bystander := testutil.CreateUser(t, env.db, "bystander")
	testutil.AddMember(t, env.db, project, pi, models.ProjectUserRolePI, models.ProjectUserStatusActive)
	alloc := testutil.CreateAllocation(t, env.db, project, res[models.ResourceSavioCompute], models.AllocationStatusActive)
	testutil.SetAttribute(t, env.db, alloc, models.AttrServiceUnits, "300000.00")

	path := fmt.Sprintf("/api/projects/%d/join_requests", project.ID)
	reason := map[string]string{"reason": "I am running simulations for the lab's grant."}

	resp := env.do(t, http.MethodPost, path, applicant, map[string]string{"reason": "pls"})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, path, applicant, reason)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	resp = env.do(t, http.MethodPost, path, applicant, reason)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)

	assert.Equal(t, fiber.StatusForbidden, env.do(t, http.MethodGet, path, bystander, nil).StatusCode)
	resp = env.do(t, http.MethodGet, path, pi, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]models.ProjectUserJoinRequest](t, resp), 1)

	review := fmt.Sprintf("%s/%d/review", path, applicant.ID)
	assert.Equal(t, fiber.StatusForbidden,
		env.do(t, http.MethodPost, review, bystander, map[string]bool{"approve": true}).StatusCode)

	resp = env.do(t, http.MethodPost, review, pi, map[string]bool{"approve": true})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	body := decode[struct {
		ProjectUser models.ProjectUser `json:"project_user"`
		Notes       []string           `json:"notes"`
	}](t, resp)
	assert.Equal(t, models.ProjectUserStatusActive, body.ProjectUser.Status)
	assert.Equal(t, applicant.ID, body.ProjectUser.UserID)

	resp = env.do(t, http.MethodPost, review, pi, map[string]bool{"approve": false})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode, "already reviewed")
}
