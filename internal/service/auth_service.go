package service

import (
	"context"
	"strings"
	"time"

	"coldfront/internal/cache"
	"coldfront/internal/config"
	"coldfront/internal/middleware"
	"coldfront/internal/models"
	"coldfront/internal/repository"

	"golang.org/x/crypto/bcrypt"
)

// AuthService issues and revokes API tokens.
type AuthService struct {
	users repository.UserRepository
	cfg   *config.Config
	now   func() time.Time
}

func NewAuthService(users repository.UserRepository, cfg *config.Config) *AuthService {
	return &AuthService{users: users, cfg: cfg, now: time.Now}
}

// Token is an issued API token.
type Token struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      *models.User `json:"user"`
}

// Login checks the password of an active user and issues a token that
// expires after TOKEN_EXPIRATION_HOURS.
func (s *AuthService) Login(ctx context.Context, username, password string) (*Token, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, models.NewValidationError("username and password are required")
	}
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, models.NewUnauthorizedError("Unable to log in with provided credentials.")
	}
	if cmpErr := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); cmpErr != nil {
		return nil, models.NewUnauthorizedError("Unable to log in with provided credentials.")
	}
	if !user.IsActive {
		return nil, models.NewUnauthorizedError("User account is disabled.")
	}

	signed, exp, err := s.generateToken(user.ID, user.Username)
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return &Token{Token: signed, ExpiresAt: exp, User: user}, nil
}

func (s *AuthService) generateToken(userID uint, username string) (string, time.Time, error) {
	ttl := time.Duration(s.cfg.TokenExpirationHours) * time.Hour
	signed, claims, err := middleware.IssueToken(s.cfg.JWTSecret, userID, username, s.now(), ttl)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, claims.ExpiresAt.Time, nil
}

// Logout revokes the token id for the rest of its lifetime.
func (s *AuthService) Logout(ctx context.Context, jti string) error {
	if jti == "" {
		return nil
	}
	ttl := time.Duration(s.cfg.TokenExpirationHours) * time.Hour
	if err := cache.RevokeToken(ctx, jti, ttl); err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

// HashPassword returns the bcrypt hash stored on User.Password.
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}
