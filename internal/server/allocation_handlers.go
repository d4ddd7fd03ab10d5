package server

import (
	"coldfront/internal/models"
	"coldfront/internal/service"

	"github.com/gofiber/fiber/v2"
)

// ListRenewalRequests handles GET /api/allocation_renewal_requests
// @Summary List allocation renewal requests
// @Tags renewal
// @Security BearerAuth
// @Produce json
// @Param status query []string false "Status filter" collectionFormat(multi)
// @Success 200 {object} ListResponse[models.AllocationRenewalRequest]
// @Router /allocation_renewal_requests [get]
func (s *Server) ListRenewalRequests(c *fiber.Ctx) error {
	f := parseRequestFilter(c)
	scopeToOwner(c, &f)
	page, err := s.requestRepo.ListRenewals(c.UserContext(), f)
	return respondPage(c, page, err)
}

// CreateRenewalRequest handles POST /api/allocation_renewal_requests
// @Summary Request an allocation renewal
// @Description A PI has at most one non-denied renewal request per allocation period
// @Tags renewal
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param request body service.CreateRenewalRequest true "Request"
// @Success 201 {object} models.AllocationRenewalRequest
// @Failure 400 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /allocation_renewal_requests [post]
func (s *Server) CreateRenewalRequest(c *fiber.Ctx) error {
	var body service.CreateRenewalRequest
	if err := parseBody(c, &body); err != nil {
		return nil
	}
	body.RequesterID = currentUser(c).ID
	req, err := s.renewalService.Create(c.UserContext(), body)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(req)
}

// RenewalStatus is the answer to a renewal eligibility lookup.
type RenewalStatus struct {
	PIID               uint `json:"pi_id"`
	AllocationPeriodID uint `json:"allocation_period_id"`
	HasRequest         bool `json:"has_request"`
}

// GetRenewalStatus handles GET /api/allocation_renewal_requests/pi_status
// @Summary Check whether a PI already has a renewal request for a period
// @Description Under Review, Approved and Complete requests count; denied ones do not
// @Tags renewal
// @Security BearerAuth
// @Produce json
// @Param pi_id query int true "PI user ID"
// @Param allocation_period_id query int true "Allocation period ID"
// @Success 200 {object} RenewalStatus
// @Failure 400 {object} models.ErrorResponse
// @Router /allocation_renewal_requests/pi_status [get]
func (s *Server) GetRenewalStatus(c *fiber.Ctx) error {
	piID := c.QueryInt("pi_id")
	periodID := c.QueryInt("allocation_period_id")
	if piID <= 0 || periodID <= 0 {
		return badRequest(c, "pi_id and allocation_period_id are required")
	}
	ok, err := s.renewalService.HasNonDeniedRenewalRequest(c.UserContext(), uint(piID), uint(periodID))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(RenewalStatus{PIID: uint(piID), AllocationPeriodID: uint(periodID), HasRequest: ok})
}

// GetRenewalRequest handles GET /api/allocation_renewal_requests/:id
// @Summary Get an allocation renewal request
// @Tags renewal
// @Security BearerAuth
// @Produce json
// @Param id path int true "Request ID"
// @Success 200 {object} RenewalRequestDetail
// @Failure 404 {object} models.ErrorResponse
// @Router /allocation_renewal_requests/{id} [get]
func (s *Server) GetRenewalRequest(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	req, err := s.renewalService.Get(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	if !ownedBy(currentUser(c), req.RequesterID, req.PIID) {
		return forbidden(c)
	}
	return c.JSON(renewalDetail(req))
}

// ReviewRenewalEligibility handles POST /api/allocation_renewal_requests/:id/eligibility
// @Summary Review PI eligibility
// @Tags renewal
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path int true "Request ID"
// @Param request body stepBody true "Step"
// @Success 200 {object} models.AllocationRenewalRequest
// @Router /allocation_renewal_requests/{id}/eligibility [post]
func (s *Server) ReviewRenewalEligibility(c *fiber.Ctx) error {
	var body stepBody
	return reviewStep(s, c, &body, func(id uint) (*models.AllocationRenewalRequest, error) {
		return s.renewalService.ReviewEligibility(c.UserContext(), id, body.Status, body.Justification)
	})
}

// DenyRenewalRequest handles POST /api/allocation_renewal_requests/:id/deny
// @Summary Deny an allocation renewal request
// @Tags renewal
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path int true "Request ID"
// @Param request body justificationBody true "Reason"
// @Success 200 {object} models.AllocationRenewalRequest
// @Router /allocation_renewal_requests/{id}/deny [post]
func (s *Server) DenyRenewalRequest(c *fiber.Ctx) error {
	var body justificationBody
	return reviewStep(s, c, &body, func(id uint) (*models.AllocationRenewalRequest, error) {
		return s.renewalService.Deny(c.UserContext(), id, body.Justification)
	})
}

// ApproveRenewalRequest handles POST /api/allocation_renewal_requests/:id/approve
// @Summary Approve an allocation renewal request
// @Tags renewal
// @Security BearerAuth
// @Produce json
// @Param id path int true "Request ID"
// @Success 200 {object} models.AllocationRenewalRequest
// @Router /allocation_renewal_requests/{id}/approve [post]
func (s *Server) ApproveRenewalRequest(c *fiber.Ctx) error {
	return reviewStep(s, c, nil, func(id uint) (*models.AllocationRenewalRequest, error) {
		return s.renewalService.Approve(c.UserContext(), id)
	})
}

// ProcessRenewalRequest handles POST /api/allocation_renewal_requests/:id/process
// @Summary Process an approved renewal
// @Description Moves the PI between projects per the pooling preference and grants the allowance
// @Tags renewal
// @Security BearerAuth
// @Produce json
// @Param id path int true "Request ID"
// @Success 200 {object} models.AllocationRenewalRequest
// @Failure 400 {object} models.ErrorResponse
// @Router /allocation_renewal_requests/{id}/process [post]
func (s *Server) ProcessRenewalRequest(c *fiber.Ctx) error {
	return reviewStep(s, c, nil, func(id uint) (*models.AllocationRenewalRequest, error) {
		return s.renewalService.Process(c.UserContext(), id)
	})
}

// ListSecureDirRequests handles GET /api/secure_dir_requests
// @Summary List secure directory requests
// @Tags secure_dirs
// @Security BearerAuth
// @Produce json
// @Param status query []string false "Status filter" collectionFormat(multi)
// @Success 200 {object} ListResponse[models.SecureDirRequest]
// @Router /secure_dir_requests [get]
func (s *Server) ListSecureDirRequests(c *fiber.Ctx) error {
	f := parseRequestFilter(c)
	scopeToOwner(c, &f)
	page, err := s.requestRepo.ListSecureDir(c.UserContext(), f)
	return respondPage(c, page, err)
}

// CreateSecureDirRequest handles POST /api/secure_dir_requests
// @Summary Request secure directories for a project
// @Tags secure_dirs
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param request body service.CreateSecureDirRequest true "Request"
// @Success 201 {object} models.SecureDirRequest
// @Failure 400 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /secure_dir_requests [post]
func (s *Server) CreateSecureDirRequest(c *fiber.Ctx) error {
	var body service.CreateSecureDirRequest
	if err := parseBody(c, &body); err != nil {
		return nil
	}
	body.RequesterID = currentUser(c).ID
	req, err := s.secureDirService.Create(c.UserContext(), body)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(req)
}

// GetSecureDirRequest handles GET /api/secure_dir_requests/:id
// @Summary Get a secure directory request
// @Tags secure_dirs
// @Security BearerAuth
// @Produce json
// @Param id path int true "Request ID"
// @Success 200 {object} SecureDirRequestDetail
// @Failure 404 {object} models.ErrorResponse
// @Router /secure_dir_requests/{id} [get]
func (s *Server) GetSecureDirRequest(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	req, err := s.secureDirService.Get(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	if !ownedBy(currentUser(c), req.RequesterID, req.PIID) {
		return forbidden(c)
	}
	return c.JSON(secureDirDetail(req))
}

// ReviewSecureDirRDM handles POST /api/secure_dir_requests/:id/rdm_consultation
// @Summary Review the research data management consultation
// @Tags secure_dirs
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path int true "Request ID"
// @Param request body stepBody true "Step"
// @Success 200 {object} models.SecureDirRequest
// @Router /secure_dir_requests/{id}/rdm_consultation [post]
func (s *Server) ReviewSecureDirRDM(c *fiber.Ctx) error {
	var body stepBody
	return reviewStep(s, c, &body, func(id uint) (*models.SecureDirRequest, error) {
		return s.secureDirService.ReviewRDMConsultation(c.UserContext(), id, body.Status, body.Justification)
	})
}

// ReviewSecureDirMOU handles POST /api/secure_dir_requests/:id/mou
// @Summary Review the memorandum of understanding
// @Tags secure_dirs
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path int true "Request ID"
// @Param request body stepBody true "Step"
// @Success 200 {object} models.SecureDirRequest
// @Router /secure_dir_requests/{id}/mou [post]
func (s *Server) ReviewSecureDirMOU(c *fiber.Ctx) error {
	var body stepBody
	return reviewStep(s, c, &body, func(id uint) (*models.SecureDirRequest, error) {
		return s.secureDirService.ReviewMOU(c.UserContext(), id, body.Status, body.Justification)
	})
}

// ReviewSecureDirSetup handles POST /api/secure_dir_requests/:id/setup
// @Summary Review the directory setup
// @Tags secure_dirs
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path int true "Request ID"
// @Param request body object{status=string,directory_name=string,justification=string} true "Step"
// @Success 200 {object} models.SecureDirRequest
// @Failure 409 {object} models.ErrorResponse
// @Router /secure_dir_requests/{id}/setup [post]
func (s *Server) ReviewSecureDirSetup(c *fiber.Ctx) error {
	var body struct {
		Status        models.StepStatus `json:"status"`
		DirectoryName string            `json:"directory_name"`
		Justification string            `json:"justification"`
	}
	return reviewStep(s, c, &body, func(id uint) (*models.SecureDirRequest, error) {
		return s.secureDirService.ReviewSetup(c.UserContext(), id, body.Status, body.DirectoryName, body.Justification)
	})
}

// DenySecureDirRequest handles POST /api/secure_dir_requests/:id/deny
// @Summary Deny a secure directory request
// @Tags secure_dirs
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path int true "Request ID"
// @Param request body justificationBody true "Reason"
// @Success 200 {object} models.SecureDirRequest
// @Router /secure_dir_requests/{id}/deny [post]
func (s *Server) DenySecureDirRequest(c *fiber.Ctx) error {
	var body justificationBody
	return reviewStep(s, c, &body, func(id uint) (*models.SecureDirRequest, error) {
		return s.secureDirService.Deny(c.UserContext(), id, body.Justification)
	})
}

// ApproveSecureDirRequest handles POST /api/secure_dir_requests/:id/approve
// @Summary Approve a secure directory request
// @Description Creates the groups and scratch directory allocations
// @Tags secure_dirs
// @Security BearerAuth
// @Produce json
// @Param id path int true "Request ID"
// @Success 200 {object} models.SecureDirRequest
// @Failure 400 {object} models.ErrorResponse
// @Router /secure_dir_requests/{id}/approve [post]
func (s *Server) ApproveSecureDirRequest(c *fiber.Ctx) error {
	return reviewStep(s, c, nil, func(id uint) (*models.SecureDirRequest, error) {
		return s.secureDirService.Approve(c.UserContext(), id)
	})
}

// ListSecureDirUserRequests handles GET /api/secure_dir_requests/manage_users
// @Summary List secure directory add and remove user requests
// @Description Non-staff callers see the requests of projects they are a PI or Manager of
// @Tags secure_dirs
// @Security BearerAuth
// @Produce json
// @Param status query []string false "Status filter" collectionFormat(multi)
// @Success 200 {object} ListResponse[models.SecureDirUserRequest]
// @Router /secure_dir_requests/manage_users [get]
func (s *Server) ListSecureDirUserRequests(c *fiber.Ctx) error {
	f := parseRequestFilter(c)
	scopeToLeader(c, &f)
	page, err := s.requestRepo.ListSecureDirUser(c.UserContext(), f)
	return respondPage(c, page, err)
}

// CreateSecureDirUserRequests handles POST /api/secure_dir_requests/manage_users
// @Summary Request adding or removing users of a secure directory
// @Tags secure_dirs
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param request body service.ManageUsersRequest true "Request"
// @Success 201 {array} models.SecureDirUserRequest
// @Failure 400 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Router /secure_dir_requests/manage_users [post]
func (s *Server) CreateSecureDirUserRequests(c *fiber.Ctx) error {
	var body service.ManageUsersRequest
	if err := parseBody(c, &body); err != nil {
		return nil
	}
	body.RequesterID = currentUser(c).ID
	reqs, err := s.secureDirService.RequestUsers(c.UserContext(), body)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(reqs)
}

// GetSecureDirUserRequest handles GET /api/secure_dir_requests/manage_users/:id
// @Summary Get a secure directory user request
// @Tags secure_dirs
// @Security BearerAuth
// @Produce json
// @Param id path int true "Request ID"
// @Success 200 {object} models.SecureDirUserRequest
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /secure_dir_requests/manage_users/{id} [get]
func (s *Server) GetSecureDirUserRequest(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	req, err := s.secureDirService.GetUserRequest(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	ok, err := s.leads(c, currentUser(c), req.Allocation.ProjectID)
	if err != nil {
		return respondError(c, err)
	}
	if !ok {
		return forbidden(c)
	}
	return c.JSON(req)
}

// UpdateSecureDirUserRequest handles PATCH /api/secure_dir_requests/manage_users/:id
// @Summary Move a user request to processing or complete it
// @Tags secure_dirs
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path int true "Request ID"
// @Param request body object{status=string} true "Processing or Complete"
// @Success 200 {object} models.SecureDirUserRequest
// @Failure 400 {object} models.ErrorResponse
// @Router /secure_dir_requests/manage_users/{id} [patch]
func (s *Server) UpdateSecureDirUserRequest(c *fiber.Ctx) error {
	var body struct {
		Status string `json:"status"`
	}
	return reviewStep(s, c, &body, func(id uint) (*models.SecureDirUserRequest, error) {
		return s.secureDirService.UpdateUserRequestStatus(c.UserContext(), id, body.Status)
	})
}

// DenySecureDirUserRequest handles POST /api/secure_dir_requests/manage_users/:id/deny
// @Summary Deny a secure directory user request
// @Tags secure_dirs
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path int true "Request ID"
// @Param request body object{reason=string} true "Reason"
// @Success 200 {object} models.SecureDirUserRequest
// @Failure 400 {object} models.ErrorResponse
// @Router /secure_dir_requests/manage_users/{id}/deny [post]
func (s *Server) DenySecureDirUserRequest(c *fiber.Ctx) error {
	var body struct {
		Reason string `json:"reason"`
	}
	return reviewStep(s, c, &body, func(id uint) (*models.SecureDirUserRequest, error) {
		return s.secureDirService.DenyUserRequest(c.UserContext(), id, body.Reason)
	})
}
