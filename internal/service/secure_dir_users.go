package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"coldfront/internal/mail"
	"coldfront/internal/models"
	"coldfront/internal/notifications"

	"gorm.io/gorm"
)

// ManageUsersRequest asks to add users to, or remove them from, a secure
// directory allocation.
type ManageUsersRequest struct {
	RequesterID  uint                   `json:"-"`
	AllocationID uint                   `json:"allocation_id"`
	Action       models.SecureDirAction `json:"action"`
	Usernames    []string               `json:"usernames"`
}

func preposition(a models.SecureDirAction) string {
	if a == models.SecureDirActionRemove {
		return "from"
	}
	return "to"
}

// secureDirAllocation loads a directory allocation with its project and
// path.
func secureDirAllocation(tx *gorm.DB, allocationID uint) (*models.Allocation, string, error) {
	var alloc models.Allocation
	if err := tx.Preload("Project").Preload("Resource").First(&alloc, allocationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", models.NewNotFoundError("Allocation", allocationID)
		}
		return nil, "", err
	}
	if alloc.Resource == nil ||
		(alloc.Resource.Name != models.ResourceGroupsDirectory && alloc.Resource.Name != models.ResourceScratch2Directory) {
		return nil, "", models.NewValidationError(fmt.Sprintf("allocation %d is not a secure directory", allocationID))
	}
	attr, err := allocationAttribute(tx, alloc.ID, models.AttrClusterDirectoryAccess)
	if err != nil {
		return nil, "", err
	}
	if attr == nil {
		return nil, "", models.NewValidationError(fmt.Sprintf("allocation %d has no directory", allocationID))
	}
	return &alloc, attr.Value, nil
}

// RequestUsers files one request per user. The caller must be an active PI
// of the project or a superuser.
func (s *SecureDirService) RequestUsers(ctx context.Context, in ManageUsersRequest) ([]models.SecureDirUserRequest, error) {
	if !in.Action.Valid() {
		return nil, models.NewValidationError(fmt.Sprintf("invalid action %q", in.Action))
	}
	if len(in.Usernames) == 0 {
		return nil, models.NewValidationError("at least one username is required")
	}
	var out []models.SecureDirUserRequest
	_, err := s.inTx(ctx, func(tx *gorm.DB, fx *effects) error {
		alloc, dir, err := secureDirAllocation(tx, in.AllocationID)
		if err != nil {
			return err
		}
		requester, err := loadUser(tx, in.RequesterID)
		if err != nil {
			return err
		}
		if !requester.IsSuperuser {
			pis, err := membersWithRoles(tx, alloc.ProjectID, models.ProjectUserRolePI)
			if err != nil {
				return err
			}
			if !containsUser(pis, requester.ID) {
				return models.NewForbiddenError("only an active PI of the project can manage directory users")
			}
		}

		for _, username := range in.Usernames {
			var user models.User
			if err := tx.Where("username = ?", strings.TrimSpace(username)).First(&user).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return models.NewValidationError(fmt.Sprintf("user %q does not exist", username))
				}
				return err
			}
			if err := s.checkEligible(tx, alloc, &user, in.Action); err != nil {
				return err
			}
			req := models.SecureDirUserRequest{
				Action:       in.Action,
				UserID:       user.ID,
				AllocationID: alloc.ID,
				Directory:    dir,
				Status:       in.Action.PendingStatus(),
				RequestTime:  s.stamp(),
			}
			if err := tx.Create(&req).Error; err != nil {
				return err
			}
			created(fx, TypeSecureDirUser, req.ID, user.ID, string(req.Status))
			fx.event(notifications.Event{
				Type:        notifications.EventSecureDirUserChange,
				RequestType: TypeSecureDirUser,
				RequestID:   req.ID,
				UserID:      user.ID,
				Status:      string(req.Status),
				Payload:     map[string]interface{}{"directory": dir, "action": string(in.Action)},
			})
			req.User = &user
			out = append(out, req)
		}

		s.emailAdmins(fx, mail.TmplSecureDirUserAdmins,
			fmt.Sprintf("New Secure Directory %s User Requests", in.Action.Title()), map[string]interface{}{
				"Action":        strings.ToLower(in.Action.Title()),
				"Preposition":   preposition(in.Action),
				"Directory":     dir,
				"ProjectName":   alloc.Project.Name,
				"RequesterName": displayName(requester),
				"Users":         in.Usernames,
				"ReviewURL":     s.url("/api/secure_dir_requests/manage_users?action=%s", in.Action),
			})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// checkEligible refuses users already in, or not in, the directory, and
// users with an open request on it.
func (s *SecureDirService) checkEligible(tx *gorm.DB, alloc *models.Allocation, user *models.User, action models.SecureDirAction) error {
	var open int64
	if err := tx.Model(&models.SecureDirUserRequest{}).
		Where("allocation_id = ? AND user_id = ? AND status NOT IN ?", alloc.ID, user.ID,
			[]models.SecureDirUserRequestStatus{models.SecureDirUserComplete, models.SecureDirUserDenied}).
		Count(&open).Error; err != nil {
		return err
	}
	if open > 0 {
		return models.NewConflictError(fmt.Sprintf("user %s already has an open request for this directory", user.Username))
	}
	var au models.AllocationUser
	err := tx.Where("allocation_id = ? AND user_id = ? AND status = ?", alloc.ID, user.ID, models.AllocationUserStatusActive).First(&au).Error
	active := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	switch {
	case action == models.SecureDirActionAdd && active:
		return models.NewValidationError(fmt.Sprintf("user %s already has access to the directory", user.Username))
	case action == models.SecureDirActionRemove && !active:
		return models.NewValidationError(fmt.Sprintf("user %s has no access to the directory", user.Username))
	case action == models.SecureDirActionAdd:
		var n int64
		if err := tx.Model(&models.ProjectUser{}).
			Where("project_id = ? AND user_id = ? AND status = ?", alloc.ProjectID, user.ID, models.ProjectUserStatusActive).
			Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return models.NewValidationError(fmt.Sprintf("user %s is not an active member of the project", user.Username))
		}
	}
	return nil
}

// GetUserRequest loads a manage-users request with its relations.
func (s *SecureDirService) GetUserRequest(ctx context.Context, id uint) (*models.SecureDirUserRequest, error) {
	var req models.SecureDirUserRequest
	err := s.db.WithContext(ctx).Preload("User").Preload("Allocation.Project").First(&req, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewNotFoundError("SecureDirUserRequest", id)
	}
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return &req, nil
}

func (s *SecureDirService) updateUserRequest(ctx context.Context, id uint, fn func(tx *gorm.DB, fx *effects, req *models.SecureDirUserRequest) error) (*models.SecureDirUserRequest, error) {
	_, err := s.inTx(ctx, func(tx *gorm.DB, fx *effects) error {
		req, err := lockByID[models.SecureDirUserRequest](tx, id, "SecureDirUserRequest")
		if err != nil {
			return err
		}
		prev := req.Status
		if err := fn(tx, fx, req); err != nil {
			return err
		}
		if err := save(tx, req); err != nil {
			return err
		}
		transition(fx, TypeSecureDirUser, req.ID, req.UserID, string(prev), string(req.Status))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetUserRequest(ctx, id)
}

// MarkProcessing moves a pending request to processing.
func (s *SecureDirService) MarkProcessing(ctx context.Context, id uint) (*models.SecureDirUserRequest, error) {
	return s.updateUserRequest(ctx, id, func(_ *gorm.DB, _ *effects, req *models.SecureDirUserRequest) error {
		if req.Status != req.Action.PendingStatus() {
			return models.NewValidationError(fmt.Sprintf("request has status %q, not %q", req.Status, req.Action.PendingStatus()))
		}
		req.Status = req.Action.ProcessingStatus()
		return nil
	})
}

// UpdateUserRequestStatus applies a status chosen by a reviewer. Processing
// and Complete are the only statuses reviewers set directly.
func (s *SecureDirService) UpdateUserRequestStatus(ctx context.Context, id uint, status string) (*models.SecureDirUserRequest, error) {
	switch {
	case status == string(models.SecureDirUserComplete):
		return s.CompleteUserRequest(ctx, id)
	case strings.HasPrefix(status, "Processing"):
		return s.MarkProcessing(ctx, id)
	}
	return nil, models.NewValidationError(fmt.Sprintf("invalid status %q", status))
}

// CompleteUserRequest grants or revokes the user's access and notifies the
// user and the project PIs.
func (s *SecureDirService) CompleteUserRequest(ctx context.Context, id uint) (*models.SecureDirUserRequest, error) {
	return s.updateUserRequest(ctx, id, func(tx *gorm.DB, fx *effects, req *models.SecureDirUserRequest) error {
		if req.Status != req.Action.ProcessingStatus() {
			return models.NewValidationError(fmt.Sprintf("request has status %q, not %q", req.Status, req.Action.ProcessingStatus()))
		}
		alloc, _, err := secureDirAllocation(tx, req.AllocationID)
		if err != nil {
			return err
		}
		if req.Action == models.SecureDirActionAdd {
			if _, err := activeAllocationUser(tx, alloc.ID, req.UserID); err != nil {
				return err
			}
		} else if err := tx.Model(&models.AllocationUser{}).
			Where("allocation_id = ? AND user_id = ?", alloc.ID, req.UserID).
			Update("status", models.AllocationUserStatusRemoved).Error; err != nil {
			return err
		}
		req.Status = models.SecureDirUserComplete
		req.CompletionTime = s.stamp()
		return s.emailUserRequestOutcome(tx, fx, req, alloc, mail.TmplSecureDirUserComplete, "Secure Directory Request Complete", "")
	})
}

// DenyUserRequest denies a pending or processing request.
func (s *SecureDirService) DenyUserRequest(ctx context.Context, id uint, reason string) (*models.SecureDirUserRequest, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, models.NewValidationError("a reason is required")
	}
	return s.updateUserRequest(ctx, id, func(tx *gorm.DB, fx *effects, req *models.SecureDirUserRequest) error {
		if req.Status != req.Action.PendingStatus() && req.Status != req.Action.ProcessingStatus() {
			return models.NewValidationError(fmt.Sprintf("request has status %q and cannot be denied", req.Status))
		}
		alloc, _, err := secureDirAllocation(tx, req.AllocationID)
		if err != nil {
			return err
		}
		req.Status = models.SecureDirUserDenied
		req.CompletionTime = s.stamp()
		return s.emailUserRequestOutcome(tx, fx, req, alloc, mail.TmplSecureDirUserDenied, "Secure Directory Request Denied", reason)
	})
}

func (s *SecureDirService) emailUserRequestOutcome(tx *gorm.DB, fx *effects, req *models.SecureDirUserRequest, alloc *models.Allocation, tmpl, subject, reason string) error {
	user, err := loadUser(tx, req.UserID)
	if err != nil {
		return err
	}
	pis, err := membersWithRoles(tx, alloc.ProjectID, models.ProjectUserRolePI)
	if err != nil {
		return err
	}
	emailUsers(fx, tmpl, subject, append(projectUsers(pis), user), map[string]interface{}{
		"Action":      strings.ToLower(req.Action.Title()),
		"Preposition": preposition(req.Action),
		"Directory":   req.Directory,
		"UserName":    displayName(user),
		"Reason":      reason,
	}, nil)
	return nil
}
