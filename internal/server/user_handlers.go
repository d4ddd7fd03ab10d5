package server

import (
	"coldfront/internal/models"

	"github.com/gofiber/fiber/v2"
)

func userSummary(u *models.User) models.UserSummary { return u.Summary() }

// ListUsers handles GET /api/users
// @Summary List users
// @Tags users
// @Security BearerAuth
// @Produce json
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Success 200 {object} ListResponse[models.UserSummary]
// @Failure 401 {object} models.ErrorResponse
// @Router /users [get]
func (s *Server) ListUsers(c *fiber.Ctx) error {
	page, err := s.userService.ListUsers(c.UserContext(), parseListParams(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(newListResponse(c, page, userSummary))
}

// GetUser handles GET /api/users/:id
// @Summary Get a user
// @Tags users
// @Security BearerAuth
// @Produce json
// @Param id path int true "User ID"
// @Success 200 {object} models.UserSummary
// @Failure 404 {object} models.ErrorResponse
// @Router /users/{id} [get]
func (s *Server) GetUser(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	user, err := s.userService.GetUserByID(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(user.Summary())
}
