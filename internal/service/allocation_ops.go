package service

import (
	"errors"
	"fmt"
	"time"

	"coldfront/internal/middleware"
	"coldfront/internal/models"
	"coldfront/internal/notifications"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Helpers shared by the runners. Every helper works on the caller's
// transaction.

func upgradePI(tx *gorm.DB, fx *effects, userID uint) error {
	if err := tx.Model(&models.User{}).Where("id = ?", userID).Update("is_pi", true).Error; err != nil {
		return err
	}
	fx.invalidateUser(userID)
	return nil
}

func setProjectStatus(tx *gorm.DB, fx *effects, projectID uint, status models.ProjectStatus) error {
	if err := tx.Model(&models.Project{}).Where("id = ?", projectID).Update("status", status).Error; err != nil {
		return err
	}
	fx.invalidateProject(projectID)
	return nil
}

func resourceByName(tx *gorm.DB, name string) (*models.Resource, error) {
	var res models.Resource
	if err := tx.Where(models.Resource{Name: name}).FirstOrCreate(&res).Error; err != nil {
		return nil, err
	}
	return &res, nil
}

// projectAllocation gets or creates the allocation of project on the named
// resource.
func projectAllocation(tx *gorm.DB, projectID uint, resourceName string) (*models.Allocation, error) {
	res, err := resourceByName(tx, resourceName)
	if err != nil {
		return nil, err
	}
	var alloc models.Allocation
	err = tx.Where("project_id = ? AND resource_id = ?", projectID, res.ID).Order("id").First(&alloc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		alloc = models.Allocation{ProjectID: projectID, ResourceID: res.ID, Status: models.AllocationStatusNew}
		err = tx.Create(&alloc).Error
	}
	if err != nil {
		return nil, err
	}
	alloc.Resource = res
	return &alloc, nil
}

// findProjectAllocation returns the allocation of project on the named
// resource, or nil if there is none.
func findProjectAllocation(tx *gorm.DB, projectID uint, resourceName string) (*models.Allocation, error) {
	var alloc models.Allocation
	err := tx.Joins("JOIN resources ON resources.id = allocations.resource_id").
		Where("allocations.project_id = ? AND resources.name = ?", projectID, resourceName).
		Order("allocations.id").
		First(&alloc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &alloc, nil
}

func allocationAttribute(tx *gorm.DB, allocationID uint, attrType string) (*models.AllocationAttribute, error) {
	var attr models.AllocationAttribute
	err := tx.Where("allocation_id = ? AND type = ?", allocationID, attrType).Order("id").First(&attr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &attr, nil
}

func setAllocationAttribute(tx *gorm.DB, allocationID uint, attrType, value string) error {
	attr, err := allocationAttribute(tx, allocationID, attrType)
	if err != nil {
		return err
	}
	if attr == nil {
		return tx.Create(&models.AllocationAttribute{AllocationID: allocationID, Type: attrType, Value: value}).Error
	}
	return tx.Model(attr).Update("value", value).Error
}

// serviceUnits reads the "Service Units" attribute of an allocation; a
// missing or blank value reads as zero.
func serviceUnits(tx *gorm.DB, allocationID uint) (decimal.Decimal, bool, error) {
	attr, err := allocationAttribute(tx, allocationID, models.AttrServiceUnits)
	if err != nil || attr == nil || attr.Value == "" {
		return decimal.Zero, false, err
	}
	v, err := decimal.NewFromString(attr.Value)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("allocation %d has invalid service units %q: %w", allocationID, attr.Value, err)
	}
	return v, true, nil
}

func setServiceUnits(tx *gorm.DB, allocationID uint, v decimal.Decimal) error {
	return setAllocationAttribute(tx, allocationID, models.AttrServiceUnits, v.StringFixed(2))
}

func recordProjectTransaction(tx *gorm.DB, projectID uint, when time.Time, v decimal.Decimal) error {
	return tx.Create(&models.ProjectTransaction{ProjectID: projectID, DateTime: when, Allocation: v}).Error
}

func recordProjectUserTransaction(tx *gorm.DB, projectUserID uint, when time.Time, v decimal.Decimal) error {
	return tx.Create(&models.ProjectUserTransaction{ProjectUserID: projectUserID, DateTime: when, Allocation: v}).Error
}

// upsertProjectUser makes the user an active member with role. With keepPI,
// an existing PI keeps that role.
func upsertProjectUser(tx *gorm.DB, projectID, userID uint, role models.ProjectUserRole, keepPI bool) (*models.ProjectUser, error) {
	var pu models.ProjectUser
	err := tx.Where("project_id = ? AND user_id = ?", projectID, userID).First(&pu).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		pu = models.ProjectUser{
			ProjectID:           projectID,
			UserID:              userID,
			Role:                role,
			Status:              models.ProjectUserStatusActive,
			EnableNotifications: true,
		}
		if err := tx.Create(&pu).Error; err != nil {
			return nil, err
		}
		return &pu, nil
	case err != nil:
		return nil, err
	}
	if !(keepPI && pu.Role == models.ProjectUserRolePI) {
		pu.Role = role
	}
	pu.Status = models.ProjectUserStatusActive
	if err := save(tx, &pu); err != nil {
		return nil, err
	}
	return &pu, nil
}

// activeAllocationUser gets or creates an active AllocationUser.
func activeAllocationUser(tx *gorm.DB, allocationID, userID uint) (*models.AllocationUser, error) {
	var au models.AllocationUser
	err := tx.Where("allocation_id = ? AND user_id = ?", allocationID, userID).First(&au).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		au = models.AllocationUser{AllocationID: allocationID, UserID: userID, Status: models.AllocationUserStatusActive}
		if err := tx.Create(&au).Error; err != nil {
			return nil, err
		}
		return &au, nil
	case err != nil:
		return nil, err
	}
	if au.Status != models.AllocationUserStatusActive {
		au.Status = models.AllocationUserStatusActive
		if err := save(tx, &au); err != nil {
			return nil, err
		}
	}
	return &au, nil
}

func allocationUserAttribute(tx *gorm.DB, allocationUserID uint, attrType string) (*models.AllocationUserAttribute, error) {
	var attr models.AllocationUserAttribute
	err := tx.Where("allocation_user_id = ? AND type = ?", allocationUserID, attrType).Order("id").First(&attr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &attr, nil
}

func setAllocationUserAttribute(tx *gorm.DB, au *models.AllocationUser, attrType, value string) error {
	attr, err := allocationUserAttribute(tx, au.ID, attrType)
	if err != nil {
		return err
	}
	if attr == nil {
		return tx.Create(&models.AllocationUserAttribute{
			AllocationUserID: au.ID,
			AllocationID:     au.AllocationID,
			Type:             attrType,
			Value:            value,
		}).Error
	}
	return tx.Model(attr).Update("value", value).Error
}

// requestClusterAccess sets the user's cluster account status on the
// allocation to "Pending - Add". An already active account is left alone.
func requestClusterAccess(tx *gorm.DB, fx *effects, au *models.AllocationUser) error {
	attr, err := allocationUserAttribute(tx, au.ID, models.AttrClusterAccountStatus)
	if err != nil {
		return err
	}
	if attr != nil && attr.Value == models.ClusterAccessActive {
		middleware.Logger.Warn("cluster access already active, skipping request",
			"allocation_id", au.AllocationID, "user_id", au.UserID)
		fx.note(fmt.Sprintf("User %d already has cluster access on allocation %d.", au.UserID, au.AllocationID))
		return nil
	}
	if err := setAllocationUserAttribute(tx, au, models.AttrClusterAccountStatus, models.ClusterAccessPendingAdd); err != nil {
		return err
	}
	fx.event(notifications.Event{
		Type:    notifications.EventClusterAccessRequested,
		UserID:  au.UserID,
		Payload: map[string]interface{}{"allocation_id": au.AllocationID},
	})
	return nil
}

// removeFromAllocations marks the user's allocation users on project removed
// and denies their cluster access.
func removeFromAllocations(tx *gorm.DB, projectID, userID uint) error {
	var aus []models.AllocationUser
	err := tx.Joins("JOIN allocations ON allocations.id = allocation_users.allocation_id").
		Where("allocations.project_id = ? AND allocation_users.user_id = ?", projectID, userID).
		Find(&aus).Error
	if err != nil {
		return err
	}
	for i := range aus {
		au := &aus[i]
		au.Status = models.AllocationUserStatusRemoved
		if err := save(tx, au); err != nil {
			return err
		}
		attr, err := allocationUserAttribute(tx, au.ID, models.AttrClusterAccountStatus)
		if err != nil {
			return err
		}
		if attr != nil {
			if err := tx.Model(attr).Update("value", models.ClusterAccessDenied).Error; err != nil {
				return err
			}
		}
	}
	return nil
}

// membersWithRoles returns active members of project holding one of roles,
// with their users loaded.
func membersWithRoles(tx *gorm.DB, projectID uint, roles ...models.ProjectUserRole) ([]models.ProjectUser, error) {
	var members []models.ProjectUser
	err := tx.Preload("User").
		Where("project_id = ? AND status = ? AND role IN ?", projectID, models.ProjectUserStatusActive, roles).
		Order("id").
		Find(&members).Error
	return members, err
}

func emailsOf(members []models.ProjectUser, notifyOnly bool) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m.User == nil || (notifyOnly && !m.EnableNotifications) {
			continue
		}
		out = append(out, m.User.Email)
	}
	return out
}

func loadUser(tx *gorm.DB, id uint) (*models.User, error) {
	var u models.User
	if err := tx.First(&u, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("User", id)
		}
		return nil, err
	}
	return &u, nil
}

func loadProject(tx *gorm.DB, id uint) (*models.Project, error) {
	var p models.Project
	if err := tx.First(&p, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Project", id)
		}
		return nil, err
	}
	return &p, nil
}

func loadPeriod(tx *gorm.DB, id *uint) (*models.AllocationPeriod, error) {
	if id == nil {
		return nil, nil
	}
	var p models.AllocationPeriod
	if err := tx.First(&p, *id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("AllocationPeriod", *id)
		}
		return nil, err
	}
	return &p, nil
}
