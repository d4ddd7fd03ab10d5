package server

import "github.com/gofiber/fiber/v2"

// FeatureFlags is the FEATURE_FLAGS configuration and its effect on the
// calling user.
type FeatureFlags struct {
	Configured map[string]string `json:"configured"`
	Enabled    map[string]bool   `json:"enabled"`
}

// GetFeatureFlags handles GET /api/feature_flags
// @Summary Feature flags and workflow toggles for the caller
// @Tags meta
// @Security BearerAuth
// @Produce json
// @Success 200 {object} FeatureFlags
// @Router /feature_flags [get]
func (s *Server) GetFeatureFlags(c *fiber.Ctx) error {
	userID, _ := c.Locals("userID").(uint)
	return c.JSON(FeatureFlags{
		Configured: s.featureFlags.Configured(),
		Enabled:    s.featureFlags.Evaluate(userID),
	})
}
