package server

import (
	"coldfront/internal/service"

	"github.com/gofiber/fiber/v2"
)

// ListClusterAccessRequests handles GET /api/cluster_access_requests
// @Summary List cluster access requests
// @Description Pending and processing requests unless a status filter is given
// @Tags cluster_access
// @Security BearerAuth
// @Produce json
// @Param status query []string false "Status filter" collectionFormat(multi)
// @Success 200 {array} service.ClusterAccessRequest
// @Failure 403 {object} models.ErrorResponse
// @Router /cluster_access_requests [get]
func (s *Server) ListClusterAccessRequests(c *fiber.Ctx) error {
	reqs, err := s.clusterAccessService.List(c.UserContext(), queryList(c, "status"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(reqs)
}

// GetClusterAccessRequest handles GET /api/cluster_access_requests/:id
// @Summary Get the cluster access request of an allocation user
// @Tags cluster_access
// @Security BearerAuth
// @Produce json
// @Param id path int true "Allocation user ID"
// @Success 200 {object} service.ClusterAccessRequest
// @Failure 404 {object} models.ErrorResponse
// @Router /cluster_access_requests/{id} [get]
func (s *Server) GetClusterAccessRequest(c *fiber.Ctx) error {
	return reviewStep(s, c, nil, func(id uint) (*service.ClusterAccessRequest, error) {
		return s.clusterAccessService.Get(c.UserContext(), id)
	})
}

// ProcessClusterAccessRequest handles POST /api/cluster_access_requests/:id/processing
// @Summary Mark a cluster access request as processing
// @Tags cluster_access
// @Security BearerAuth
// @Produce json
// @Param id path int true "Allocation user ID"
// @Success 200 {object} service.ClusterAccessRequest
// @Failure 400 {object} models.ErrorResponse
// @Router /cluster_access_requests/{id}/processing [post]
func (s *Server) ProcessClusterAccessRequest(c *fiber.Ctx) error {
	return reviewStep(s, c, nil, func(id uint) (*service.ClusterAccessRequest, error) {
		return s.clusterAccessService.MarkProcessing(c.UserContext(), id)
	})
}

// CompleteClusterAccessRequest handles POST /api/cluster_access_requests/:id/complete
// @Summary Activate cluster access
// @Description Records the account's username and uid and grants the user the allocation's service units
// @Tags cluster_access
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path int true "Allocation user ID"
// @Param request body service.CompleteClusterAccess true "Account"
// @Success 200 {object} service.ClusterAccessRequest
// @Failure 400 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /cluster_access_requests/{id}/complete [post]
func (s *Server) CompleteClusterAccessRequest(c *fiber.Ctx) error {
	var body service.CompleteClusterAccess
	return reviewStep(s, c, &body, func(id uint) (*service.ClusterAccessRequest, error) {
		return s.clusterAccessService.Complete(c.UserContext(), id, body)
	})
}

// DenyClusterAccessRequest handles POST /api/cluster_access_requests/:id/deny
// @Summary Deny a cluster access request
// @Tags cluster_access
// @Security BearerAuth
// @Produce json
// @Param id path int true "Allocation user ID"
// @Success 200 {object} service.ClusterAccessRequest
// @Failure 400 {object} models.ErrorResponse
// @Router /cluster_access_requests/{id}/deny [post]
func (s *Server) DenyClusterAccessRequest(c *fiber.Ctx) error {
	return reviewStep(s, c, nil, func(id uint) (*service.ClusterAccessRequest, error) {
		return s.clusterAccessService.Deny(c.UserContext(), id)
	})
}
