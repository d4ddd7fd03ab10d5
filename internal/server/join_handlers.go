package server

import (
	"github.com/gofiber/fiber/v2"
)

// requireReviewer answers 403 unless the current user leads the project or is staff.
func (s *Server) requireReviewer(c *fiber.Ctx, projectID uint) error {
	ok, err := s.membershipService.CanReview(c.UserContext(), projectID, currentUser(c))
	if err != nil {
		_ = respondError(c, err)
		return errResponseWritten
	}
	if !ok {
		_ = forbidden(c)
		return errResponseWritten
	}
	return nil
}

// ListJoinRequests handles GET /api/projects/:id/join_requests
// @Summary List pending join requests of a project
// @Tags projects
// @Security BearerAuth
// @Produce json
// @Param id path int true "Project ID"
// @Success 200 {array} models.ProjectUserJoinRequest
// @Failure 403 {object} models.ErrorResponse
// @Router /projects/{id}/join_requests [get]
func (s *Server) ListJoinRequests(c *fiber.Ctx) error {
	projectID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	if err := s.requireReviewer(c, projectID); err != nil {
		return nil
	}
	joins, err := s.membershipService.PendingJoins(c.UserContext(), projectID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(joins)
}

// CreateJoinRequest handles POST /api/projects/:id/join_requests
// @Summary Ask to join a project
// @Tags projects
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path int true "Project ID"
// @Param request body object{reason=string} true "Why the user wants to join"
// @Success 201 {object} models.ProjectUserJoinRequest
// @Failure 400 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /projects/{id}/join_requests [post]
func (s *Server) CreateJoinRequest(c *fiber.Ctx) error {
	projectID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := parseBody(c, &body); err != nil {
		return nil
	}
	join, err := s.membershipService.RequestJoin(c.UserContext(), projectID, currentUser(c).ID, body.Reason)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(join)
}

// ReviewJoinRequest handles POST /api/projects/:id/join_requests/:userId/review
// @Summary Approve or deny a pending member
// @Tags projects
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path int true "Project ID"
// @Param userId path int true "User ID"
// @Param request body object{approve=bool} true "Decision"
// @Success 200 {object} object{project_user=models.ProjectUser,notes=[]string}
// @Failure 403 {object} models.ErrorResponse
// @Router /projects/{id}/join_requests/{userId}/review [post]
func (s *Server) ReviewJoinRequest(c *fiber.Ctx) error {
	projectID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	userID, err := s.parseID(c, "userId")
	if err != nil {
		return nil
	}
	var body struct {
		Approve bool `json:"approve"`
	}
	if err := parseBody(c, &body); err != nil {
		return nil
	}
	if err := s.requireReviewer(c, projectID); err != nil {
		return nil
	}

	pu, notes, err := s.membershipService.ReviewJoin(c.UserContext(), projectID, userID, body.Approve)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"project_user": pu, "notes": notes})
}
