package service

import (
	"context"
	"strconv"
	"strings"

	"coldfront/internal/models"
	"coldfront/internal/repository"
)

// UserService reads users and manages superuser status.
type UserService struct {
	userRepo repository.UserRepository
}

func NewUserService(userRepo repository.UserRepository) *UserService {
	return &UserService{userRepo: userRepo}
}

func (s *UserService) ListUsers(ctx context.Context, params repository.ListParams) (*repository.Page[models.User], error) {
	return s.userRepo.List(ctx, params)
}

func (s *UserService) GetUserByID(ctx context.Context, id uint) (*models.User, error) {
	return s.userRepo.GetByID(ctx, id)
}

// Lookup resolves a user by numeric ID, then username, then email.
func (s *UserService) Lookup(ctx context.Context, ref string) (*models.User, error) {
	key := strings.TrimSpace(ref)
	if key == "" {
		return nil, models.NewValidationError("a user ID, username or email is required")
	}
	if id, err := strconv.ParseUint(key, 10, 64); err == nil {
		return s.userRepo.GetByID(ctx, uint(id))
	}
	user, err := s.userRepo.GetByUsername(ctx, key)
	if err != nil {
		return nil, err
	}
	if user == nil {
		user, err = s.userRepo.GetByEmail(ctx, key)
		if err != nil {
			return nil, err
		}
	}
	if user == nil {
		return nil, models.NewNotFoundError("User", key)
	}
	return user, nil
}

// SetRoles sets the staff and superuser flags of the user named by ref. The
// boolean result is false when the user already had those flags.
func (s *UserService) SetRoles(ctx context.Context, ref string, staff, superuser bool) (*models.User, bool, error) {
	user, err := s.Lookup(ctx, ref)
	if err != nil {
		return nil, false, err
	}
	if user.IsStaff == staff && user.IsSuperuser == superuser {
		return user, false, nil
	}

	user.IsStaff = staff
	user.IsSuperuser = superuser
	if err := s.userRepo.Update(ctx, user); err != nil {
		return nil, false, err
	}

	return user, true, nil
}

func (s *UserService) ListAdmins(ctx context.Context) ([]models.User, error) {
	return s.userRepo.ListAdmins(ctx)
}
