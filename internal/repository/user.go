package repository

import (
	"context"

	"coldfront/internal/cache"
	"coldfront/internal/models"
	"coldfront/internal/observability"

	"gorm.io/gorm"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	GetByID(ctx context.Context, id uint) (*models.User, error)
	// GetByEmail and GetByUsername return nil, nil when no user matches.
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	Update(ctx context.Context, user *models.User) error
	List(ctx context.Context, params ListParams) (*Page[models.User], error)
	ListAdmins(ctx context.Context) ([]models.User, error)
}

type userRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

var userLog = observability.NewRepoLogger("User")

var userOrderable = map[string]string{
	"id":       "id",
	"username": "username",
	"email":    "email",
}

func staffOnly(db *gorm.DB) *gorm.DB {
	return db.Where("is_staff = ? OR is_superuser = ?", true, true)
}

func (r *userRepository) GetByID(ctx context.Context, id uint) (*models.User, error) {
	user, err := cache.Aside(ctx, cache.UserKey(id), cache.UserTTL, func() (models.User, error) {
		var u models.User
		err := r.db.WithContext(ctx).First(&u, id).Error
		return u, mapError(err, "User", id)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.findBy(ctx, "email", email)
}

func (r *userRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	return r.findBy(ctx, "username", username)
}

func (r *userRepository) findBy(ctx context.Context, column, value string) (*models.User, error) {
	var users []models.User
	err := r.db.WithContext(ctx).Where(column+" = ?", value).Limit(1).Find(&users).Error
	switch {
	case err != nil:
		userLog.LogError(ctx, "find by "+column, err)
		return nil, models.NewInternalError(err)
	case len(users) == 0:
		return nil, nil
	}
	return &users[0], nil
}

func (r *userRepository) Create(ctx context.Context, user *models.User) error {
	err := r.db.WithContext(ctx).Create(user).Error
	if err != nil {
		if kindOf(err) != dbErrDuplicate {
			userLog.LogError(ctx, "create", err)
		}
		return mapError(err, "User", user.Username)
	}
	userLog.LogWrite(ctx, "create", user.ID)
	return nil
}

// Update saves every column and drops the cached copy.
func (r *userRepository) Update(ctx context.Context, user *models.User) error {
	if err := r.db.WithContext(ctx).Save(user).Error; err != nil {
		userLog.LogError(ctx, "update", err)
		return mapError(err, "User", user.ID)
	}
	cache.InvalidateUser(ctx, user.ID)
	userLog.LogWrite(ctx, "update", user.ID)
	return nil
}

func (r *userRepository) List(ctx context.Context, params ListParams) (*Page[models.User], error) {
	return paginate[models.User](ctx, r.db, func(db *gorm.DB) *gorm.DB { return db }, params, userOrderable, "User")
}

// ListAdmins returns staff and superusers ordered by ID.
func (r *userRepository) ListAdmins(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := r.db.WithContext(ctx).Scopes(staffOnly).Order("id").Find(&users).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return users, nil
}
