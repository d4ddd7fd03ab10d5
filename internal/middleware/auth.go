package middleware

import (
	"context"
	"strings"

	"coldfront/internal/config"
	"coldfront/internal/models"

	"github.com/gofiber/fiber/v2"
)

var (
	cfg          *config.Config
	tokenRevoked func(ctx context.Context, jti string) bool
)

// InitMiddleware initializes authentication middleware with the given config.
func InitMiddleware(c *config.Config) {
	cfg = c
}

// SetRevocationCheck installs the lookup used to reject revoked token ids.
func SetRevocationCheck(fn func(ctx context.Context, jti string) bool) {
	tokenRevoked = fn
}

func unauthorized(c *fiber.Ctx, msg string) error {
	return models.RespondWithError(c, fiber.StatusUnauthorized, models.NewUnauthorizedError(msg))
}

// bearerToken extracts the token from "Bearer <token>" or "Token <token>".
func bearerToken(header string) (string, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return "", false
	}
	if parts[0] != "Bearer" && parts[0] != "Token" {
		return "", false
	}
	return parts[1], true
}

// AuthRequired rejects requests without a valid, unrevoked API token. It
// stores the user id in Locals("userID") and the token id in Locals("jti").
func AuthRequired(c *fiber.Ctx) error {
	header := c.Get(fiber.HeaderAuthorization)
	if header == "" {
		return unauthorized(c, "Authentication credentials were not provided.")
	}
	raw, ok := bearerToken(header)
	if !ok {
		return unauthorized(c, "Invalid authorization header format")
	}

	claims, err := ParseToken(cfg.JWTSecret, raw)
	if err != nil {
		return unauthorized(c, "Invalid or expired token")
	}
	userID, err := claims.UserID()
	if err != nil {
		return unauthorized(c, "Invalid user ID in token")
	}
	if claims.ID != "" && tokenRevoked != nil && tokenRevoked(c.UserContext(), claims.ID) {
		return unauthorized(c, "Token has been revoked")
	}

	c.Locals("userID", userID)
	c.Locals("jti", claims.ID)
	c.SetUserContext(context.WithValue(c.UserContext(), UserIDKey, userID))
	return c.Next()
}
