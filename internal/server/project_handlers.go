package server

import (
	"time"

	"coldfront/internal/models"
	"coldfront/internal/repository"
	"coldfront/internal/workflow"

	"github.com/gofiber/fiber/v2"
)

// AllocationSummary is the compute allocation shown with a project.
type AllocationSummary struct {
	ID           uint                    `json:"id"`
	Resource     string                  `json:"resource"`
	Status       models.AllocationStatus `json:"status"`
	StartDate    *time.Time              `json:"start_date"`
	EndDate      *time.Time              `json:"end_date"`
	ServiceUnits *string                 `json:"service_units"`
}

// ProjectDetail is a project with its leads and compute allocation.
type ProjectDetail struct {
	models.Project
	AllowanceType     models.AllowanceType `json:"allowance_type"`
	PIs               []models.UserSummary `json:"pis"`
	Managers          []models.UserSummary `json:"managers"`
	ComputeAllocation *AllocationSummary   `json:"compute_allocation"`
}

// ListProjects handles GET /api/projects
// @Summary List projects
// @Tags projects
// @Security BearerAuth
// @Produce json
// @Param name query string false "Exact project name"
// @Param allowance_type query string false "FCA, CO, ICA, PCA, RECHARGE or VECTOR"
// @Param status query string false "Status filter; repeat or comma separate"
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Success 200 {object} ListResponse[models.Project]
// @Failure 401 {object} models.ErrorResponse
// @Router /projects [get]
func (s *Server) ListProjects(c *fiber.Ctx) error {
	allowance := models.AllowanceType(c.Query("allowance_type"))
	if allowance != "" && allowance.NamePrefix() == "" {
		return badRequest(c, "Unknown allowance type")
	}
	page, err := s.projectRepo.List(c.UserContext(), repository.ProjectFilter{
		ListParams:    parseListParams(c),
		Name:          c.Query("name"),
		AllowanceType: allowance,
		Statuses:      queryList(c, "status"),
	})
	return respondPage(c, page, err)
}

// GetProject handles GET /api/projects/:id
// @Summary Get a project with its PIs, managers and compute allocation
// @Tags projects
// @Security BearerAuth
// @Produce json
// @Param id path int true "Project ID"
// @Success 200 {object} ProjectDetail
// @Failure 404 {object} models.ErrorResponse
// @Router /projects/{id} [get]
func (s *Server) GetProject(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	ctx := c.UserContext()
	project, err := s.projectRepo.GetByID(ctx, id)
	if err != nil {
		return respondError(c, err)
	}

	leads, err := s.projectRepo.Members(ctx, project.ID,
		[]models.ProjectUserRole{models.ProjectUserRolePI, models.ProjectUserRoleManager},
		[]models.ProjectUserStatus{models.ProjectUserStatusActive})
	if err != nil {
		return respondError(c, err)
	}
	detail := ProjectDetail{
		Project:       *project,
		AllowanceType: project.AllowanceType(),
		PIs:           []models.UserSummary{},
		Managers:      []models.UserSummary{},
	}
	for _, pu := range leads {
		if pu.User == nil {
			continue
		}
		if pu.Role == models.ProjectUserRolePI {
			detail.PIs = append(detail.PIs, pu.User.Summary())
		} else {
			detail.Managers = append(detail.Managers, pu.User.Summary())
		}
	}

	resource := project.ComputeResourceName()
	alloc, err := s.allocationRepo.ProjectAllocation(ctx, project.ID, resource)
	switch {
	case models.ErrorCode(err) == models.CodeNotFound:
	case err != nil:
		return respondError(c, err)
	default:
		summary := &AllocationSummary{
			ID:        alloc.ID,
			Resource:  resource,
			Status:    alloc.Status,
			StartDate: alloc.StartDate,
			EndDate:   alloc.EndDate,
		}
		attr, err := s.allocationRepo.Attribute(ctx, alloc.ID, models.AttrServiceUnits)
		if err != nil && models.ErrorCode(err) != models.CodeNotFound {
			return respondError(c, err)
		}
		if attr != nil {
			summary.ServiceUnits = &attr.Value
		}
		detail.ComputeAllocation = summary
	}
	return c.JSON(detail)
}

// CurrentAllocationPeriods handles GET /api/allocation_periods/current
// @Summary List the allocation periods containing today
// @Tags allocations
// @Security BearerAuth
// @Produce json
// @Success 200 {array} models.AllocationPeriod
// @Router /allocation_periods/current [get]
func (s *Server) CurrentAllocationPeriods(c *fiber.Ctx) error {
	today := workflow.LocalDate(time.Now(), s.config.Location)
	periods, err := s.allocationRepo.CurrentPeriods(c.UserContext(), today)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(periods)
}

// GetAllocationPeriod handles GET /api/allocation_periods/:id
// @Summary Get an allocation period
// @Tags allocations
// @Security BearerAuth
// @Produce json
// @Param id path int true "Allocation period ID"
// @Success 200 {object} models.AllocationPeriod
// @Failure 404 {object} models.ErrorResponse
// @Router /allocation_periods/{id} [get]
func (s *Server) GetAllocationPeriod(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	period, err := s.allocationRepo.GetPeriod(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(period)
}

// GetResource handles GET /api/resources?name=
// @Summary Get a resource by name
// @Tags allocations
// @Security BearerAuth
// @Produce json
// @Param name query string true "Resource name"
// @Success 200 {object} models.Resource
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /resources [get]
func (s *Server) GetResource(c *fiber.Ctx) error {
	name := c.Query("name")
	if name == "" {
		return badRequest(c, "The name parameter is required")
	}
	res, err := s.allocationRepo.GetResource(c.UserContext(), name)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(res)
}
