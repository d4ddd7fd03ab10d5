package server

import (
	"time"

	"coldfront/internal/models"
	"coldfront/internal/service"

	"github.com/gofiber/fiber/v2"
)

// CreateIdentityLinkingRequest handles POST /api/identity_linking_requests
// @Summary Request an identity linking email
// @Tags identity
// @Security BearerAuth
// @Produce json
// @Success 201 {object} models.IdentityLinkingRequest
// @Failure 409 {object} models.ErrorResponse
// @Router /identity_linking_requests [post]
func (s *Server) CreateIdentityLinkingRequest(c *fiber.Ctx) error {
	req, err := s.identityService.Create(c.UserContext(), currentUser(c).ID)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(req)
}

// ListIdentityLinkingRequests handles GET /api/identity_linking_requests
// @Summary List identity linking requests
// @Tags identity
// @Security BearerAuth
// @Produce json
// @Param status query []string false "Status filter" collectionFormat(multi)
// @Success 200 {object} ListResponse[models.IdentityLinkingRequest]
// @Failure 403 {object} models.ErrorResponse
// @Router /identity_linking_requests [get]
func (s *Server) ListIdentityLinkingRequests(c *fiber.Ctx) error {
	page, err := s.requestRepo.ListIdentityLinking(c.UserContext(), parseRequestFilter(c))
	return respondPage(c, page, err)
}

// GetIdentityLinkingRequest handles GET /api/identity_linking_requests/:id
// @Summary Get an identity linking request
// @Tags identity
// @Security BearerAuth
// @Produce json
// @Param id path int true "Request ID"
// @Success 200 {object} models.IdentityLinkingRequest
// @Failure 404 {object} models.ErrorResponse
// @Router /identity_linking_requests/{id} [get]
func (s *Server) GetIdentityLinkingRequest(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	req, err := s.identityService.Get(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(req)
}

// UpdateIdentityLinkingRequest handles PATCH /api/identity_linking_requests/:id
// @Summary Update an identity linking request
// @Description Completing a request emails the requester the linking URL
// @Tags identity
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path int true "Request ID"
// @Param request body object{status=string} true "New status"
// @Success 200 {object} models.IdentityLinkingRequest
// @Failure 400 {object} models.ErrorResponse
// @Router /identity_linking_requests/{id} [patch]
func (s *Server) UpdateIdentityLinkingRequest(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	var body struct {
		Status models.IdentityLinkingRequestStatus `json:"status"`
	}
	if err := parseBody(c, &body); err != nil {
		return nil
	}
	req, err := s.identityService.Update(c.UserContext(), id, body.Status)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(req)
}

// ListDeactivationRequests handles GET /api/account_deactivation_requests
// @Summary List cluster account deactivation requests
// @Tags deactivation
// @Security BearerAuth
// @Produce json
// @Param status query []string false "Status filter" collectionFormat(multi)
// @Param reason query string false "Comma separated reasons"
// @Success 200 {object} ListResponse[models.ClusterAccountDeactivationRequest]
// @Router /account_deactivation_requests [get]
func (s *Server) ListDeactivationRequests(c *fiber.Ctx) error {
	page, err := s.requestRepo.ListDeactivations(c.UserContext(), parseRequestFilter(c))
	return respondPage(c, page, err)
}

// CreateDeactivationRequest handles POST /api/account_deactivation_requests
// @Summary Queue a cluster account for deactivation
// @Tags deactivation
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param request body service.CreateDeactivationRequest true "Request"
// @Success 201 {object} models.ClusterAccountDeactivationRequest
// @Failure 400 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /account_deactivation_requests [post]
func (s *Server) CreateDeactivationRequest(c *fiber.Ctx) error {
	var body service.CreateDeactivationRequest
	if err := parseBody(c, &body); err != nil {
		return nil
	}
	req, err := s.deactivationService.Create(c.UserContext(), body)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(req)
}

// GetDeactivationRequest handles GET /api/account_deactivation_requests/:id
// @Summary Get a deactivation request
// @Tags deactivation
// @Security BearerAuth
// @Produce json
// @Param id path int true "Request ID"
// @Success 200 {object} models.ClusterAccountDeactivationRequest
// @Failure 404 {object} models.ErrorResponse
// @Router /account_deactivation_requests/{id} [get]
func (s *Server) GetDeactivationRequest(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	req, err := s.deactivationService.Get(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(req)
}

// UpdateDeactivationRequest handles PATCH /api/account_deactivation_requests/:id
// @Summary Update a deactivation request
// @Description Cancelling needs a justification. Completing deactivates the account.
// @Tags deactivation
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path int true "Request ID"
// @Param request body object{status=string,justification=string} true "Update"
// @Success 200 {object} models.ClusterAccountDeactivationRequest
// @Failure 400 {object} models.ErrorResponse
// @Router /account_deactivation_requests/{id} [patch]
func (s *Server) UpdateDeactivationRequest(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	var body struct {
		Status        models.AccountRequestStatus `json:"status"`
		Justification *string                     `json:"justification"`
	}
	if err := parseBody(c, &body); err != nil {
		return nil
	}
	req, err := s.deactivationService.Update(c.UserContext(), id, body.Status, body.Justification)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(req)
}

// CreateRemovalRequest handles POST /api/project_user_removal_requests
// @Summary Request the removal of a project member
// @Tags removal
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param request body object{user_id=int,project_id=int} true "Membership to remove"
// @Success 201 {object} models.ProjectUserRemovalRequest
// @Failure 400 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Router /project_user_removal_requests [post]
func (s *Server) CreateRemovalRequest(c *fiber.Ctx) error {
	var body struct {
		UserID    uint `json:"user_id"`
		ProjectID uint `json:"project_id"`
	}
	if err := parseBody(c, &body); err != nil {
		return nil
	}
	if body.UserID == 0 || body.ProjectID == 0 {
		return badRequest(c, "user_id and project_id are required")
	}

	ctx := c.UserContext()
	user := currentUser(c)
	if body.UserID != user.ID && !user.IsStaffOrSuperuser() {
		ok, err := s.membershipService.CanReview(ctx, body.ProjectID, user)
		if err != nil {
			return respondError(c, err)
		}
		if !ok {
			return forbidden(c)
		}
	}

	req, err := s.membershipService.RequestRemoval(ctx, user.ID, body.UserID, body.ProjectID)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(req)
}

// ListRemovalRequests handles GET /api/project_user_removal_requests
// @Summary List project user removal requests
// @Tags removal
// @Security BearerAuth
// @Produce json
// @Param status query []string false "Status filter" collectionFormat(multi)
// @Success 200 {object} ListResponse[models.ProjectUserRemovalRequest]
// @Router /project_user_removal_requests [get]
func (s *Server) ListRemovalRequests(c *fiber.Ctx) error {
	page, err := s.requestRepo.ListRemovals(c.UserContext(), parseRequestFilter(c))
	return respondPage(c, page, err)
}

// GetRemovalRequest handles GET /api/project_user_removal_requests/:id
// @Summary Get a removal request
// @Tags removal
// @Security BearerAuth
// @Produce json
// @Param id path int true "Request ID"
// @Success 200 {object} models.ProjectUserRemovalRequest
// @Failure 404 {object} models.ErrorResponse
// @Router /project_user_removal_requests/{id} [get]
func (s *Server) GetRemovalRequest(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	req, err := s.membershipService.GetRemoval(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(req)
}

// UpdateRemovalRequest handles PATCH /api/project_user_removal_requests/:id
// @Summary Update a removal request
// @Description Completing a request removes the member from the project and its allocations
// @Tags removal
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path int true "Request ID"
// @Param request body object{status=string,completion_time=string} true "Update"
// @Success 200 {object} models.ProjectUserRemovalRequest
// @Failure 400 {object} models.ErrorResponse
// @Router /project_user_removal_requests/{id} [patch]
func (s *Server) UpdateRemovalRequest(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	var body struct {
		Status         models.ProjectUserRemovalRequestStatus `json:"status"`
		CompletionTime *time.Time                             `json:"completion_time"`
	}
	if err := parseBody(c, &body); err != nil {
		return nil
	}
	req, err := s.membershipService.UpdateRemoval(c.UserContext(), id, body.Status, body.CompletionTime)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(req)
}

// ListDeletionRequests handles GET /api/account_deletion_requests
// @Summary List account deletion requests
// @Description Users without staff access only see requests for their own account
// @Tags deletion
// @Security BearerAuth
// @Produce json
// @Param status query []string false "Status filter" collectionFormat(multi)
// @Success 200 {object} ListResponse[models.AccountDeletionRequest]
// @Router /account_deletion_requests [get]
func (s *Server) ListDeletionRequests(c *fiber.Ctx) error {
	f := parseRequestFilter(c)
	scopeToOwner(c, &f)
	page, err := s.requestRepo.ListDeletions(c.UserContext(), f)
	return respondPage(c, page, err)
}

// CreateDeletionRequest handles POST /api/account_deletion_requests
// @Summary Request an account deletion
// @Description A user may request their own deletion. Staff may request any.
// @Tags deletion
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param request body object{user_id=int} true "Account to delete"
// @Success 201 {object} object{request=models.AccountDeletionRequest,notes=[]string}
// @Failure 403 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /account_deletion_requests [post]
func (s *Server) CreateDeletionRequest(c *fiber.Ctx) error {
	var body struct {
		UserID uint `json:"user_id"`
	}
	if err := parseBody(c, &body); err != nil {
		return nil
	}

	user := currentUser(c)
	if body.UserID == 0 {
		body.UserID = user.ID
	}
	var requester models.AccountDeletionRequester
	switch {
	case body.UserID == user.ID:
		requester = models.DeletionRequesterUser
	case user.IsStaffOrSuperuser():
		requester = models.DeletionRequesterAdmin
	default:
		return forbidden(c)
	}

	req, notes, err := s.deletionService.Create(c.UserContext(), user.ID, body.UserID, requester)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"request": req, "notes": notes})
}

// GetDeletionRequest handles GET /api/account_deletion_requests/:id
// @Summary Get an account deletion request
// @Tags deletion
// @Security BearerAuth
// @Produce json
// @Param id path int true "Request ID"
// @Success 200 {object} DeletionRequestDetail
// @Failure 404 {object} models.ErrorResponse
// @Router /account_deletion_requests/{id} [get]
func (s *Server) GetDeletionRequest(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	req, err := s.deletionService.Get(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	if !ownedBy(currentUser(c), req.UserID) {
		return forbidden(c)
	}
	return c.JSON(deletionDetail(req))
}

// ConfirmDeletionProjectRemoval handles POST /api/account_deletion_requests/:id/project_removal
// @Summary Confirm the user left every project
// @Tags deletion
// @Security BearerAuth
// @Produce json
// @Param id path int true "Request ID"
// @Success 200 {object} models.AccountDeletionRequest
// @Failure 400 {object} models.ErrorResponse
// @Router /account_deletion_requests/{id}/project_removal [post]
func (s *Server) ConfirmDeletionProjectRemoval(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	req, err := s.deletionService.ConfirmProjectRemoval(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(req)
}

// UpdateDeletionDataDeletion handles POST /api/account_deletion_requests/:id/data_deletion
// @Summary Record the data deletion step
// @Tags deletion
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path int true "Request ID"
// @Param request body object{status=string} true "Step status"
// @Success 200 {object} models.AccountDeletionRequest
// @Failure 400 {object} models.ErrorResponse
// @Router /account_deletion_requests/{id}/data_deletion [post]
func (s *Server) UpdateDeletionDataDeletion(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	var body stepBody
	if err := parseBody(c, &body); err != nil {
		return nil
	}
	req, err := s.deletionService.UpdateDataDeletion(c.UserContext(), id, body.Status)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(req)
}

// CompleteDeletionRequest handles POST /api/account_deletion_requests/:id/complete
// @Summary Delete the cluster account
// @Tags deletion
// @Security BearerAuth
// @Produce json
// @Param id path int true "Request ID"
// @Success 200 {object} models.AccountDeletionRequest
// @Failure 400 {object} models.ErrorResponse
// @Router /account_deletion_requests/{id}/complete [post]
func (s *Server) CompleteDeletionRequest(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	req, err := s.deletionService.CompleteAccountDeletion(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(req)
}

// CancelDeletionRequest handles POST /api/account_deletion_requests/:id/cancel
// @Summary Cancel an account deletion request
// @Tags deletion
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path int true "Request ID"
// @Param request body object{justification=string} true "Why"
// @Success 200 {object} models.AccountDeletionRequest
// @Failure 400 {object} models.ErrorResponse
// @Router /account_deletion_requests/{id}/cancel [post]
func (s *Server) CancelDeletionRequest(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	var body justificationBody
	if err := parseBody(c, &body); err != nil {
		return nil
	}
	req, err := s.deletionService.Cancel(c.UserContext(), id, body.Justification)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(req)
}
