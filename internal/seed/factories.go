// Package seed provides helpers to create demo data for the portal
// database. These helpers are intended for development and testing only.
package seed

import (
	"fmt"
	"strings"

	"coldfront/internal/models"
	"coldfront/internal/service"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DefaultPassword is the password of every seeded user.
const DefaultPassword = "password123"

// Factory builds domain entities and persists them to the database.
type Factory struct {
	db       *gorm.DB
	password string
	next     int
}

// NewFactory creates a Factory bound to db. A zero seed picks a random one.
func NewFactory(db *gorm.DB, opts Options) (*Factory, error) {
	gofakeit.Seed(opts.RandSeed)

	password := DefaultPassword
	if !opts.SkipBcrypt {
		hashed, err := service.HashPassword(DefaultPassword)
		if err != nil {
			return nil, err
		}
		password = hashed
	}
	return &Factory{db: db, password: password}, nil
}

// CreateUser constructs and persists a user. Overrides run before saving.
func (f *Factory) CreateUser(overrides ...func(*models.User)) (*models.User, error) {
	f.next++
	first, last := gofakeit.FirstName(), gofakeit.LastName()
	username := fmt.Sprintf("%s%s%d", strings.ToLower(first[:1]), strings.ToLower(last), f.next)
	user := &models.User{
		Username:  username,
		Email:     username + "@berkeley.example.edu",
		FirstName: first,
		LastName:  last,
		Password:  f.password,
		IsActive:  true,
	}
	for _, override := range overrides {
		override(user)
	}
	if err := f.db.Create(user).Error; err != nil {
		return nil, fmt.Errorf("create user %s: %w", user.Username, err)
	}
	return user, nil
}

// ProjectName returns an unused-looking name with the allowance prefix.
func (f *Factory) ProjectName(allowance models.AllowanceType) string {
	f.next++
	word := strings.ToLower(strings.Join(strings.Fields(gofakeit.Noun()), ""))
	return fmt.Sprintf("%s%s%d", allowance.NamePrefix(), word, f.next)
}

// ProjectTitle returns a plausible research title.
func (f *Factory) ProjectTitle() string {
	return strings.TrimSuffix(gofakeit.Sentence(gofakeit.Number(3, 7)), ".")
}

// CreateProject persists an Active project with its PI, optional manager
// and members.
func (f *Factory) CreateProject(allowance models.AllowanceType, pi, manager *models.User, members []*models.User) (*models.Project, error) {
	project := &models.Project{
		Name:        f.ProjectName(allowance),
		Title:       f.ProjectTitle(),
		Description: gofakeit.Paragraph(1, 3, 12, " "),
		Status:      models.ProjectStatusActive,
	}
	err := f.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(project).Error; err != nil {
			return err
		}
		add := func(u *models.User, role models.ProjectUserRole) error {
			return tx.Create(&models.ProjectUser{
				ProjectID:           project.ID,
				UserID:              u.ID,
				Role:                role,
				Status:              models.ProjectUserStatusActive,
				EnableNotifications: true,
			}).Error
		}
		if err := add(pi, models.ProjectUserRolePI); err != nil {
			return err
		}
		if manager != nil {
			if err := add(manager, models.ProjectUserRoleManager); err != nil {
				return err
			}
		}
		for _, m := range members {
			if err := add(m, models.ProjectUserRoleUser); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create project %s: %w", project.Name, err)
	}
	return project, nil
}

// CreateComputeAllocation grants the project an Active allocation of its
// cluster's compute resource holding units, and gives every active member
// access to it.
func (f *Factory) CreateComputeAllocation(project *models.Project, period *models.AllocationPeriod, units decimal.Decimal) (*models.Allocation, error) {
	var resource models.Resource
	if err := f.db.Where("name = ?", project.ComputeResourceName()).First(&resource).Error; err != nil {
		return nil, fmt.Errorf("find resource %s: %w", project.ComputeResourceName(), err)
	}
	alloc := &models.Allocation{ProjectID: project.ID, ResourceID: resource.ID, Status: models.AllocationStatusActive}
	if period != nil {
		start, end := period.StartDate, period.EndDate
		alloc.StartDate, alloc.EndDate = &start, &end
	}
	err := f.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(alloc).Error; err != nil {
			return err
		}
		if err := tx.Create(&models.AllocationAttribute{
			AllocationID: alloc.ID,
			Type:         models.AttrServiceUnits,
			Value:        units.StringFixed(2),
		}).Error; err != nil {
			return err
		}
		var members []models.ProjectUser
		if err := tx.Where("project_id = ? AND status = ?", project.ID, models.ProjectUserStatusActive).Find(&members).Error; err != nil {
			return err
		}
		for _, m := range members {
			if err := tx.Create(&models.AllocationUser{
				AllocationID: alloc.ID,
				UserID:       m.UserID,
				Status:       models.AllocationUserStatusActive,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("allocate %s: %w", project.Name, err)
	}
	return alloc, nil
}

// JoinReason returns a reason long enough to pass join validation.
func (f *Factory) JoinReason() string {
	return "I would like to " + strings.ToLower(gofakeit.Sentence(8))
}
