package repository

import (
	"context"

	"coldfront/internal/cache"
	"coldfront/internal/models"

	"gorm.io/gorm"
)

// ProjectFilter narrows a project listing.
type ProjectFilter struct {
	ListParams
	Name          string
	AllowanceType models.AllowanceType
	Statuses      []string
}

// ProjectRepository defines persistence operations for projects and their
// memberships.
type ProjectRepository interface {
	GetByID(ctx context.Context, id uint) (*models.Project, error)
	List(ctx context.Context, f ProjectFilter) (*Page[models.Project], error)
	Members(ctx context.Context, projectID uint, roles []models.ProjectUserRole, statuses []models.ProjectUserStatus) ([]models.ProjectUser, error)
}

type projectRepository struct {
	db *gorm.DB
}

// NewProjectRepository returns a new ProjectRepository implementation.
func NewProjectRepository(db *gorm.DB) ProjectRepository {
	return &projectRepository{db: db}
}

var projectOrderable = map[string]string{
	"id":     "id",
	"name":   "name",
	"status": "status",
}

func (r *projectRepository) GetByID(ctx context.Context, id uint) (*models.Project, error) {
	project, err := cache.Aside(ctx, cache.ProjectKey(id), cache.ProjectTTL, func() (models.Project, error) {
		var project models.Project
		err := r.db.WithContext(ctx).First(&project, id).Error
		return project, mapError(err, "Project", id)
	})
	if err != nil {
		return nil, err
	}
	return &project, nil
}

func (r *projectRepository) List(ctx context.Context, f ProjectFilter) (*Page[models.Project], error) {
	return paginate[models.Project](ctx, r.db, func(db *gorm.DB) *gorm.DB {
		if f.Name != "" {
			db = db.Where("name = ?", f.Name)
		}
		if prefix := f.AllowanceType.NamePrefix(); prefix != "" {
			db = db.Where("name LIKE ?", prefix+"%")
		}
		if len(f.Statuses) > 0 {
			db = db.Where("status IN ?", f.Statuses)
		}
		return db
	}, f.ListParams, projectOrderable, "Project")
}

func (r *projectRepository) Members(ctx context.Context, projectID uint, roles []models.ProjectUserRole, statuses []models.ProjectUserStatus) ([]models.ProjectUser, error) {
	q := r.db.WithContext(ctx).Preload("User").Where("project_id = ?", projectID)
	if len(roles) > 0 {
		q = q.Where("role IN ?", roles)
	}
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	var members []models.ProjectUser
	if err := q.Order("id").Find(&members).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return members, nil
}
