package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"coldfront/internal/mail"
	"coldfront/internal/middleware"
	"coldfront/internal/models"
	"coldfront/internal/validation"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ClusterAccessService completes or denies cluster access requests. A
// request is the "Cluster Account Status" attribute of an allocation user,
// so requests are addressed by allocation user ID.
type ClusterAccessService struct {
	base
}

func NewClusterAccessService(d Deps) *ClusterAccessService {
	return &ClusterAccessService{base: newBase(d)}
}

// ClusterAccessRequest is one user's request for access to a project's
// allocation on the cluster.
type ClusterAccessRequest struct {
	AllocationUserID uint   `json:"allocation_user_id"`
	AllocationID     uint   `json:"allocation_id"`
	ProjectID        uint   `json:"project_id"`
	ProjectName      string `json:"project_name"`
	UserID           uint   `json:"user_id"`
	Username         string `json:"username"`
	Status           string `json:"status"`
}

// CompleteClusterAccess names the account created on the cluster.
type CompleteClusterAccess struct {
	Username   string `json:"username"`
	ClusterUID string `json:"cluster_uid"`
}

var openClusterAccess = []string{models.ClusterAccessPendingAdd, models.ClusterAccessProcessing}

func (s *ClusterAccessService) query(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Table("allocation_user_attributes").
		Select("allocation_user_attributes.allocation_user_id, allocation_user_attributes.allocation_id, "+
			"allocations.project_id, projects.name AS project_name, allocation_users.user_id, "+
			"users.username, allocation_user_attributes.value AS status").
		Joins("JOIN allocation_users ON allocation_users.id = allocation_user_attributes.allocation_user_id").
		Joins("JOIN allocations ON allocations.id = allocation_user_attributes.allocation_id").
		Joins("JOIN projects ON projects.id = allocations.project_id").
		Joins("JOIN users ON users.id = allocation_users.user_id").
		Where("allocation_user_attributes.type = ?", models.AttrClusterAccountStatus)
}

// List returns the requests in the given statuses, pending and processing
// ones when none are given.
func (s *ClusterAccessService) List(ctx context.Context, statuses []string) ([]ClusterAccessRequest, error) {
	if len(statuses) == 0 {
		statuses = openClusterAccess
	}
	var out []ClusterAccessRequest
	err := s.query(ctx).
		Where("allocation_user_attributes.value IN ?", statuses).
		Order("allocation_user_attributes.id").
		Scan(&out).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return out, nil
}

// Get returns the request of the allocation user.
func (s *ClusterAccessService) Get(ctx context.Context, allocationUserID uint) (*ClusterAccessRequest, error) {
	var out []ClusterAccessRequest
	err := s.query(ctx).
		Where("allocation_user_attributes.allocation_user_id = ?", allocationUserID).
		Limit(1).
		Scan(&out).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	if len(out) == 0 {
		return nil, models.NewNotFoundError("ClusterAccessRequest", allocationUserID)
	}
	return &out[0], nil
}

// lockClusterAccess loads the allocation user and its status attribute for
// update. The attribute must hold one of the allowed values.
func lockClusterAccess(tx *gorm.DB, allocationUserID uint, allowed ...string) (*models.AllocationUser, *models.AllocationUserAttribute, error) {
	au, err := lockByID[models.AllocationUser](tx, allocationUserID, "ClusterAccessRequest")
	if err != nil {
		return nil, nil, err
	}
	var attr models.AllocationUserAttribute
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("allocation_user_id = ? AND type = ?", au.ID, models.AttrClusterAccountStatus).
		Order("id").
		First(&attr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, models.NewNotFoundError("ClusterAccessRequest", allocationUserID)
	}
	if err != nil {
		return nil, nil, err
	}
	for _, v := range allowed {
		if attr.Value == v {
			return au, &attr, nil
		}
	}
	return nil, nil, models.NewValidationError(fmt.Sprintf("cluster access has status %q", attr.Value))
}

// MarkProcessing moves a pending request to Processing.
func (s *ClusterAccessService) MarkProcessing(ctx context.Context, allocationUserID uint) (*ClusterAccessRequest, error) {
	_, err := s.inTx(ctx, func(tx *gorm.DB, fx *effects) error {
		au, attr, err := lockClusterAccess(tx, allocationUserID, models.ClusterAccessPendingAdd)
		if err != nil {
			return err
		}
		if err := tx.Model(attr).Update("value", models.ClusterAccessProcessing).Error; err != nil {
			return err
		}
		transition(fx, TypeClusterAccess, au.ID, au.UserID, models.ClusterAccessPendingAdd, models.ClusterAccessProcessing)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, allocationUserID)
}

// Complete activates the user's cluster access, records the account's
// username and uid, and hands the user the allocation's service units.
func (s *ClusterAccessService) Complete(ctx context.Context, allocationUserID uint, in CompleteClusterAccess) (*ClusterAccessRequest, error) {
	username := strings.TrimSpace(in.Username)
	uid := strings.TrimSpace(in.ClusterUID)
	if username == "" {
		return nil, models.NewValidationError("a username is required")
	}
	if err := validation.ValidateClusterUID(uid); err != nil {
		return nil, models.NewValidationError(err.Error())
	}
	_, err := s.runner(ctx, "cluster_access_complete", func(tx *gorm.DB, fx *effects) error {
		au, attr, err := lockClusterAccess(tx, allocationUserID, openClusterAccess...)
		if err != nil {
			return err
		}
		user, err := loadUser(tx, au.UserID)
		if err != nil {
			return err
		}
		var taken int64
		if err := tx.Model(&models.User{}).
			Where("id <> ? AND (username = ? OR cluster_uid = ?)", user.ID, username, uid).
			Count(&taken).Error; err != nil {
			return err
		}
		if taken > 0 {
			return models.NewConflictError(fmt.Sprintf("username %q or cluster uid %s belongs to another user", username, uid))
		}
		if err := tx.Model(user).Updates(map[string]interface{}{"username": username, "cluster_uid": uid}).Error; err != nil {
			return err
		}
		fx.invalidateUser(user.ID)

		prev := attr.Value
		if err := tx.Model(attr).Update("value", models.ClusterAccessActive).Error; err != nil {
			return err
		}
		transition(fx, TypeClusterAccess, au.ID, user.ID, prev, models.ClusterAccessActive)

		var alloc models.Allocation
		if err := tx.Preload("Resource").First(&alloc, au.AllocationID).Error; err != nil {
			return err
		}
		project, err := loadProject(tx, alloc.ProjectID)
		if err != nil {
			return err
		}
		if err := s.grantUserServiceUnits(tx, au, &alloc); err != nil {
			return err
		}

		leads, err := membersWithRoles(tx, project.ID, models.ProjectUserRolePI, models.ProjectUserRoleManager)
		if err != nil {
			return err
		}
		emailUsers(fx, mail.TmplClusterAccessActivated, "Cluster Access Activated", []*models.User{user},
			map[string]interface{}{"ProjectName": project.Name, "Username": username}, emailsOf(leads, false))
		middleware.Logger.Info("cluster access activated",
			"allocation_user_id", au.ID, "user", username, "project", project.Name)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, allocationUserID)
}

// grantUserServiceUnits copies the allocation's service units to the user
// and records the change. Only Savio compute allocations carry units.
func (s *ClusterAccessService) grantUserServiceUnits(tx *gorm.DB, au *models.AllocationUser, alloc *models.Allocation) error {
	if alloc.Resource == nil || alloc.Resource.Name != models.ResourceSavioCompute {
		return nil
	}
	units, ok, err := serviceUnits(tx, alloc.ID)
	if err != nil || !ok {
		return err
	}
	if err := setAllocationUserAttribute(tx, au, models.AttrServiceUnits, units.StringFixed(2)); err != nil {
		return err
	}
	var pu models.ProjectUser
	err = tx.Where("project_id = ? AND user_id = ?", alloc.ProjectID, au.UserID).First(&pu).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return recordProjectUserTransaction(tx, pu.ID, s.now(), units)
}

// Deny rejects an open request and emails the user.
func (s *ClusterAccessService) Deny(ctx context.Context, allocationUserID uint) (*ClusterAccessRequest, error) {
	_, err := s.runner(ctx, "cluster_access_denial", func(tx *gorm.DB, fx *effects) error {
		au, attr, err := lockClusterAccess(tx, allocationUserID, openClusterAccess...)
		if err != nil {
			return err
		}
		prev := attr.Value
		if err := tx.Model(attr).Update("value", models.ClusterAccessDenied).Error; err != nil {
			return err
		}
		transition(fx, TypeClusterAccess, au.ID, au.UserID, prev, models.ClusterAccessDenied)

		user, err := loadUser(tx, au.UserID)
		if err != nil {
			return err
		}
		var alloc models.Allocation
		if err := tx.First(&alloc, au.AllocationID).Error; err != nil {
			return err
		}
		project, err := loadProject(tx, alloc.ProjectID)
		if err != nil {
			return err
		}
		leads, err := membersWithRoles(tx, project.ID, models.ProjectUserRolePI, models.ProjectUserRoleManager)
		if err != nil {
			return err
		}
		emailUsers(fx, mail.TmplClusterAccessDenied, "Cluster Access Denied", []*models.User{user},
			map[string]interface{}{"ProjectName": project.Name, "AllocationID": alloc.ID}, emailsOf(leads, false))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, allocationUserID)
}
