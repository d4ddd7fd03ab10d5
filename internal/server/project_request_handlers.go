package server

import (
	"coldfront/internal/models"
	"coldfront/internal/service"

	"github.com/gofiber/fiber/v2"
)

// stepBody is the payload of a review step.
type stepBody struct {
	Status        models.StepStatus `json:"status"`
	Justification string            `json:"justification"`
}

type justificationBody struct {
	Justification string `json:"justification"`
}

type setupBody struct {
	Status        models.StepStatus `json:"status"`
	FinalName     string            `json:"final_name"`
	Justification string            `json:"justification"`
}

// requestWithNotes answers a step that produced operator notes.
type requestWithNotes[T any] struct {
	Request T        `json:"request"`
	Notes   []string `json:"notes"`
}

// ListSavioRequests handles GET /api/savio_project_requests
// @Summary List Savio project requests
// @Description Users without staff access only see requests they made or are PI of
// @Tags savio
// @Security BearerAuth
// @Produce json
// @Param status query []string false "Status filter" collectionFormat(multi)
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Success 200 {object} ListResponse[models.SavioProjectAllocationRequest]
// @Router /savio_project_requests [get]
func (s *Server) ListSavioRequests(c *fiber.Ctx) error {
	f := parseRequestFilter(c)
	scopeToOwner(c, &f)
	page, err := s.requestRepo.ListSavio(c.UserContext(), f)
	return respondPage(c, page, err)
}

// CreateSavioRequest handles POST /api/savio_project_requests
// @Summary Request a new Savio project
// @Tags savio
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param request body service.CreateSavioRequest true "Request"
// @Success 201 {object} models.SavioProjectAllocationRequest
// @Failure 400 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /savio_project_requests [post]
func (s *Server) CreateSavioRequest(c *fiber.Ctx) error {
	var body service.CreateSavioRequest
	if err := parseBody(c, &body); err != nil {
		return nil
	}
	body.RequesterID = currentUser(c).ID
	req, err := s.savioService.Create(c.UserContext(), body)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(req)
}

// GetSavioRequest handles GET /api/savio_project_requests/:id
// @Summary Get a Savio project request
// @Tags savio
// @Security BearerAuth
// @Produce json
// @Param id path int true "Request ID"
// @Success 200 {object} SavioRequestDetail
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /savio_project_requests/{id} [get]
func (s *Server) GetSavioRequest(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	req, err := s.savioService.Get(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	if !ownedBy(currentUser(c), req.RequesterID, req.PIID) {
		return forbidden(c)
	}
	return c.JSON(savioDetail(req))
}

// ReviewSavioEligibility handles POST /api/savio_project_requests/:id/eligibility
// @Summary Review PI eligibility
// @Tags savio
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path int true "Request ID"
// @Param request body stepBody true "Step"
// @Success 200 {object} models.SavioProjectAllocationRequest
// @Failure 400 {object} models.ErrorResponse
// @Router /savio_project_requests/{id}/eligibility [post]
func (s *Server) ReviewSavioEligibility(c *fiber.Ctx) error {
	var body stepBody
	return reviewStep(s, c, &body, func(id uint) (*models.SavioProjectAllocationRequest, error) {
		return s.savioService.ReviewEligibility(c.UserContext(), id, body.Status, body.Justification)
	})
}

// ReviewSavioReadiness handles POST /api/savio_project_requests/:id/readiness
// @Summary Review project readiness
// @Tags savio
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path int true "Request ID"
// @Param request body stepBody true "Step"
// @Success 200 {object} models.SavioProjectAllocationRequest
// @Failure 400 {object} models.ErrorResponse
// @Router /savio_project_requests/{id}/readiness [post]
func (s *Server) ReviewSavioReadiness(c *fiber.Ctx) error {
	var body stepBody
	return reviewStep(s, c, &body, func(id uint) (*models.SavioProjectAllocationRequest, error) {
		return s.savioService.ReviewReadiness(c.UserContext(), id, body.Status, body.Justification)
	})
}

// ReviewSavioAllocationDates handles POST /api/savio_project_requests/:id/allocation_dates
// @Summary Set the allocation dates of a recharge request
// @Tags savio
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path int true "Request ID"
// @Param request body object{status=string,start=string,end=string} true "Dates as YYYY-MM-DD"
// @Success 200 {object} models.SavioProjectAllocationRequest
// @Failure 400 {object} models.ErrorResponse
// @Router /savio_project_requests/{id}/allocation_dates [post]
func (s *Server) ReviewSavioAllocationDates(c *fiber.Ctx) error {
	var body struct {
		Status models.StepStatus `json:"status"`
		Start  string            `json:"start"`
		End    string            `json:"end"`
	}
	return reviewStep(s, c, &body, func(id uint) (*models.SavioProjectAllocationRequest, error) {
		return s.savioService.ReviewAllocationDates(c.UserContext(), id, body.Status, body.Start, body.End)
	})
}

// ReviewSavioMemorandum handles POST /api/savio_project_requests/:id/memorandum_signed
// @Summary Record the signed memorandum of understanding
// @Tags savio
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path int true "Request ID"
// @Param request body object{status=string} true "Step"
// @Success 200 {object} models.SavioProjectAllocationRequest
// @Failure 400 {object} models.ErrorResponse
// @Router /savio_project_requests/{id}/memorandum_signed [post]
func (s *Server) ReviewSavioMemorandum(c *fiber.Ctx) error {
	var body stepBody
	return reviewStep(s, c, &body, func(id uint) (*models.SavioProjectAllocationRequest, error) {
		return s.savioService.ReviewMemorandumSigned(c.UserContext(), id, body.Status)
	})
}

// ReviewSavioSetup handles POST /api/savio_project_requests/:id/setup
// @Summary Review the project setup
// @Description The final name may rename the project
// @Tags savio
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path int true "Request ID"
// @Param request body setupBody true "Step"
// @Success 200 {object} models.SavioProjectAllocationRequest
// @Failure 400 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /savio_project_requests/{id}/setup [post]
func (s *Server) ReviewSavioSetup(c *fiber.Ctx) error {
	var body setupBody
	return reviewStep(s, c, &body, func(id uint) (*models.SavioProjectAllocationRequest, error) {
		return s.savioService.ReviewSetup(c.UserContext(), id, body.Status, body.FinalName, body.Justification)
	})
}

// DenySavioRequest handles POST /api/savio_project_requests/:id/deny
// @Summary Deny a Savio project request
// @Tags savio
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path int true "Request ID"
// @Param request body justificationBody true "Reason"
// @Success 200 {object} models.SavioProjectAllocationRequest
// @Failure 400 {object} models.ErrorResponse
// @Router /savio_project_requests/{id}/deny [post]
func (s *Server) DenySavioRequest(c *fiber.Ctx) error {
	var body justificationBody
	return reviewStep(s, c, &body, func(id uint) (*models.SavioProjectAllocationRequest, error) {
		return s.savioService.Deny(c.UserContext(), id, body.Justification)
	})
}

// UndenySavioRequest handles POST /api/savio_project_requests/:id/undeny
// @Summary Reopen a denied Savio project request
// @Tags savio
// @Security BearerAuth
// @Produce json
// @Param id path int true "Request ID"
// @Success 200 {object} models.SavioProjectAllocationRequest
// @Failure 400 {object} models.ErrorResponse
// @Router /savio_project_requests/{id}/undeny [post]
func (s *Server) UndenySavioRequest(c *fiber.Ctx) error {
	return reviewStep(s, c, nil, func(id uint) (*models.SavioProjectAllocationRequest, error) {
		return s.savioService.Undeny(c.UserContext(), id)
	})
}

// ApproveSavioRequest handles POST /api/savio_project_requests/:id/approve
// @Summary Approve a Savio project request
// @Description Requests whose allocation period has not started are scheduled
// @Tags savio
// @Security BearerAuth
// @Produce json
// @Param id path int true "Request ID"
// @Success 200 {object} requestWithNotes[models.SavioProjectAllocationRequest]
// @Failure 400 {object} models.ErrorResponse
// @Router /savio_project_requests/{id}/approve [post]
func (s *Server) ApproveSavioRequest(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	req, notes, err := s.savioService.Approve(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(requestWithNotes[*models.SavioProjectAllocationRequest]{Request: req, Notes: notes})
}

// ListVectorRequests handles GET /api/vector_project_requests
// @Summary List Vector project requests
// @Tags vector
// @Security BearerAuth
// @Produce json
// @Param status query []string false "Status filter" collectionFormat(multi)
// @Success 200 {object} ListResponse[models.VectorProjectAllocationRequest]
// @Router /vector_project_requests [get]
func (s *Server) ListVectorRequests(c *fiber.Ctx) error {
	f := parseRequestFilter(c)
	scopeToOwner(c, &f)
	page, err := s.requestRepo.ListVector(c.UserContext(), f)
	return respondPage(c, page, err)
}

// CreateVectorRequest handles POST /api/vector_project_requests
// @Summary Request a new Vector project
// @Tags vector
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param request body service.CreateVectorRequest true "Request"
// @Success 201 {object} models.VectorProjectAllocationRequest
// @Failure 400 {object} models.ErrorResponse
// @Router /vector_project_requests [post]
func (s *Server) CreateVectorRequest(c *fiber.Ctx) error {
	var body service.CreateVectorRequest
	if err := parseBody(c, &body); err != nil {
		return nil
	}
	body.RequesterID = currentUser(c).ID
	req, err := s.vectorService.Create(c.UserContext(), body)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(req)
}

// GetVectorRequest handles GET /api/vector_project_requests/:id
// @Summary Get a Vector project request
// @Tags vector
// @Security BearerAuth
// @Produce json
// @Param id path int true "Request ID"
// @Success 200 {object} VectorRequestDetail
// @Failure 404 {object} models.ErrorResponse
// @Router /vector_project_requests/{id} [get]
func (s *Server) GetVectorRequest(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	req, err := s.vectorService.Get(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	if !ownedBy(currentUser(c), req.RequesterID, req.PIID) {
		return forbidden(c)
	}
	return c.JSON(vectorDetail(req))
}

// ReviewVectorEligibility handles POST /api/vector_project_requests/:id/eligibility
// @Summary Review PI eligibility
// @Tags vector
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path int true "Request ID"
// @Param request body stepBody true "Step"
// @Success 200 {object} models.VectorProjectAllocationRequest
// @Router /vector_project_requests/{id}/eligibility [post]
func (s *Server) ReviewVectorEligibility(c *fiber.Ctx) error {
	var body stepBody
	return reviewStep(s, c, &body, func(id uint) (*models.VectorProjectAllocationRequest, error) {
		return s.vectorService.ReviewEligibility(c.UserContext(), id, body.Status, body.Justification)
	})
}

// ReviewVectorSetup handles POST /api/vector_project_requests/:id/setup
// @Summary Review the project setup
// @Tags vector
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path int true "Request ID"
// @Param request body setupBody true "Step"
// @Success 200 {object} models.VectorProjectAllocationRequest
// @Router /vector_project_requests/{id}/setup [post]
func (s *Server) ReviewVectorSetup(c *fiber.Ctx) error {
	var body setupBody
	return reviewStep(s, c, &body, func(id uint) (*models.VectorProjectAllocationRequest, error) {
		return s.vectorService.ReviewSetup(c.UserContext(), id, body.Status, body.FinalName, body.Justification)
	})
}

// DenyVectorRequest handles POST /api/vector_project_requests/:id/deny
// @Summary Deny a Vector project request
// @Tags vector
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path int true "Request ID"
// @Param request body justificationBody true "Reason"
// @Success 200 {object} models.VectorProjectAllocationRequest
// @Router /vector_project_requests/{id}/deny [post]
func (s *Server) DenyVectorRequest(c *fiber.Ctx) error {
	var body justificationBody
	return reviewStep(s, c, &body, func(id uint) (*models.VectorProjectAllocationRequest, error) {
		return s.vectorService.Deny(c.UserContext(), id, body.Justification)
	})
}

// UndenyVectorRequest handles POST /api/vector_project_requests/:id/undeny
// @Summary Reopen a denied Vector project request
// @Tags vector
// @Security BearerAuth
// @Produce json
// @Param id path int true "Request ID"
// @Success 200 {object} models.VectorProjectAllocationRequest
// @Router /vector_project_requests/{id}/undeny [post]
func (s *Server) UndenyVectorRequest(c *fiber.Ctx) error {
	return reviewStep(s, c, nil, func(id uint) (*models.VectorProjectAllocationRequest, error) {
		return s.vectorService.Undeny(c.UserContext(), id)
	})
}

// ApproveVectorRequest handles POST /api/vector_project_requests/:id/approve
// @Summary Approve a Vector project request
// @Tags vector
// @Security BearerAuth
// @Produce json
// @Param id path int true "Request ID"
// @Success 200 {object} requestWithNotes[models.VectorProjectAllocationRequest]
// @Router /vector_project_requests/{id}/approve [post]
func (s *Server) ApproveVectorRequest(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	req, notes, err := s.vectorService.Approve(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(requestWithNotes[*models.VectorProjectAllocationRequest]{Request: req, Notes: notes})
}
