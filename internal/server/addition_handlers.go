package server

import (
	"coldfront/internal/models"
	"coldfront/internal/service"

	"github.com/gofiber/fiber/v2"
)

// ListAdditionRequests handles GET /api/allocation_addition_requests
// @Summary List service units purchase requests
// @Description Staff see every request; other users see those of projects they lead
// @Tags additions
// @Security BearerAuth
// @Produce json
// @Param status query []string false "Status filter" collectionFormat(multi)
// @Success 200 {object} ListResponse[models.AllocationAdditionRequest]
// @Router /allocation_addition_requests [get]
func (s *Server) ListAdditionRequests(c *fiber.Ctx) error {
	f := parseRequestFilter(c)
	scopeToLeader(c, &f)
	page, err := s.requestRepo.ListAdditions(c.UserContext(), f)
	return respondPage(c, page, err)
}

// CreateAdditionRequest handles POST /api/allocation_addition_requests
// @Summary Request to buy more service units for a recharge project
// @Description Only active PIs and managers may file, and a project has at most one request under review
// @Tags additions
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param request body service.CreateAdditionRequest true "Request"
// @Success 201 {object} models.AllocationAdditionRequest
// @Failure 400 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /allocation_addition_requests [post]
func (s *Server) CreateAdditionRequest(c *fiber.Ctx) error {
	var body service.CreateAdditionRequest
	if err := parseBody(c, &body); err != nil {
		return nil
	}
	body.RequesterID = currentUser(c).ID
	req, err := s.additionService.Create(c.UserContext(), body)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(req)
}

// GetAdditionRequest handles GET /api/allocation_addition_requests/:id
// @Summary Get a service units purchase request
// @Tags additions
// @Security BearerAuth
// @Produce json
// @Param id path int true "Request ID"
// @Success 200 {object} models.AllocationAdditionRequest
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /allocation_addition_requests/{id} [get]
func (s *Server) GetAdditionRequest(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	req, err := s.additionService.Get(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	user := currentUser(c)
	if user.ID != req.RequesterID {
		ok, err := s.leads(c, user, req.ProjectID)
		if err != nil {
			return respondError(c, err)
		}
		if !ok {
			return forbidden(c)
		}
	}
	return c.JSON(req)
}

// ReviewAdditionMemorandum handles POST /api/allocation_addition_requests/:id/memorandum_signed
// @Summary Record whether the purchase memorandum was signed
// @Tags additions
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path int true "Request ID"
// @Param request body stepBody true "Step"
// @Success 200 {object} models.AllocationAdditionRequest
// @Failure 400 {object} models.ErrorResponse
// @Router /allocation_addition_requests/{id}/memorandum_signed [post]
func (s *Server) ReviewAdditionMemorandum(c *fiber.Ctx) error {
	var body stepBody
	return reviewStep(s, c, &body, func(id uint) (*models.AllocationAdditionRequest, error) {
		return s.additionService.ReviewMemorandum(c.UserContext(), id, body.Status)
	})
}

// DenyAdditionRequest handles POST /api/allocation_addition_requests/:id/deny
// @Summary Deny a service units purchase request
// @Tags additions
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path int true "Request ID"
// @Param request body justificationBody true "Reason"
// @Success 200 {object} models.AllocationAdditionRequest
// @Failure 400 {object} models.ErrorResponse
// @Router /allocation_addition_requests/{id}/deny [post]
func (s *Server) DenyAdditionRequest(c *fiber.Ctx) error {
	var body justificationBody
	return reviewStep(s, c, &body, func(id uint) (*models.AllocationAdditionRequest, error) {
		return s.additionService.Deny(c.UserContext(), id, body.Justification)
	})
}

// ProcessAdditionRequest handles POST /api/allocation_addition_requests/:id/process
// @Summary Add the purchased service units to the project
// @Description The project and its users restart from the unused balance plus the purchase, with usage reset
// @Tags additions
// @Security BearerAuth
// @Produce json
// @Param id path int true "Request ID"
// @Success 200 {object} models.AllocationAdditionRequest
// @Failure 400 {object} models.ErrorResponse
// @Router /allocation_addition_requests/{id}/process [post]
func (s *Server) ProcessAdditionRequest(c *fiber.Ctx) error {
	return reviewStep(s, c, nil, func(id uint) (*models.AllocationAdditionRequest, error) {
		return s.additionService.Process(c.UserContext(), id)
	})
}
