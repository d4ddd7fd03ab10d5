package server

import (
	"coldfront/internal/models"
	"coldfront/internal/repository"

	"github.com/gofiber/fiber/v2"
)

// LoadUser resolves the authenticated user into Locals("user"). Tokens of
// deleted or inactive users are rejected.
func (s *Server) LoadUser() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, ok := c.Locals("userID").(uint)
		if !ok {
			return models.RespondWithError(c, fiber.StatusUnauthorized,
				models.NewUnauthorizedError("Authentication credentials were not provided."))
		}
		user, err := s.userRepo.GetByID(c.UserContext(), userID)
		if err != nil {
			if models.ErrorCode(err) == models.CodeNotFound {
				return models.RespondWithError(c, fiber.StatusUnauthorized,
					models.NewUnauthorizedError("Invalid token."))
			}
			return respondError(c, err)
		}
		if !user.IsActive {
			return models.RespondWithError(c, fiber.StatusUnauthorized,
				models.NewUnauthorizedError("User inactive or deleted."))
		}
		c.Locals("user", user)
		return c.Next()
	}
}

// currentUser returns the user stored by LoadUser.
func currentUser(c *fiber.Ctx) *models.User {
	user, _ := c.Locals("user").(*models.User)
	return user
}

func forbidden(c *fiber.Ctx) error {
	return models.RespondWithError(c, fiber.StatusForbidden,
		models.NewForbiddenError("You do not have permission to perform this action."))
}

// StaffRequired admits staff and superusers.
func (s *Server) StaffRequired() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if user := currentUser(c); user == nil || !user.IsStaffOrSuperuser() {
			return forbidden(c)
		}
		return c.Next()
	}
}

func safeMethod(method string) bool {
	switch method {
	case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
		return true
	}
	return false
}

// SuperuserOrStaff gives superusers full access and staff read-only access.
func (s *Server) SuperuserOrStaff() fiber.Handler {
	return func(c *fiber.Ctx) error {
		user := currentUser(c)
		switch {
		case user == nil:
			return forbidden(c)
		case user.IsSuperuser:
			return c.Next()
		case user.IsStaff && safeMethod(c.Method()):
			return c.Next()
		}
		return forbidden(c)
	}
}

// WorkflowEnabled hides a workflow's routes while its toggle is off.
func (s *Server) WorkflowEnabled(name string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, _ := c.Locals("userID").(uint)
		if !s.featureFlags.Enabled(name, userID) {
			return models.RespondWithError(c, fiber.StatusNotFound,
				&models.AppError{Code: models.CodeNotFound, Message: "Not found."})
		}
		return c.Next()
	}
}

// ownedBy reports whether user may see a request owned by any of ownerIDs.
func ownedBy(user *models.User, ownerIDs ...uint) bool {
	if user.IsStaffOrSuperuser() {
		return true
	}
	for _, id := range ownerIDs {
		if id == user.ID {
			return true
		}
	}
	return false
}

// scopeToLeader limits a non-staff listing to the projects the caller leads.
func scopeToLeader(c *fiber.Ctx, f *repository.RequestFilter) {
	if user := currentUser(c); user != nil && !user.IsStaffOrSuperuser() {
		id := user.ID
		f.LeaderID = &id
	}
}

// leads reports whether user may oversee the project: staff, or an active
// PI or Manager of it.
func (s *Server) leads(c *fiber.Ctx, user *models.User, projectID uint) (bool, error) {
	if user.IsStaffOrSuperuser() {
		return true, nil
	}
	leaders, err := s.projectRepo.Members(c.UserContext(), projectID,
		[]models.ProjectUserRole{models.ProjectUserRolePI, models.ProjectUserRoleManager},
		[]models.ProjectUserStatus{models.ProjectUserStatusActive})
	if err != nil {
		return false, err
	}
	for _, m := range leaders {
		if m.UserID == user.ID {
			return true, nil
		}
	}
	return false, nil
}

// scopeToOwner limits a non-staff listing to the caller's own requests.
func scopeToOwner(c *fiber.Ctx, f *repository.RequestFilter) {
	if user := currentUser(c); user != nil && !user.IsStaffOrSuperuser() {
		id := user.ID
		f.OwnerID = &id
	}
}
