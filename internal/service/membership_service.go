package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"coldfront/internal/mail"
	"coldfront/internal/models"

	"gorm.io/gorm"
)

// MembershipService manages joining and leaving projects.
type MembershipService struct {
	base
}

func NewMembershipService(d Deps) *MembershipService {
	return &MembershipService{base: newBase(d)}
}

// RequestRemoval files a request to remove user from project on behalf of
// requester.
func (s *MembershipService) RequestRemoval(ctx context.Context, requesterID, userID, projectID uint) (*models.ProjectUserRemovalRequest, error) {
	var id uint
	_, err := s.runner(ctx, "project_removal_request", func(tx *gorm.DB, fx *effects) error {
		req, err := s.createRemovalRequest(tx, fx, requesterID, userID, projectID)
		if err != nil {
			return err
		}
		id = req.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetRemoval(ctx, id)
}

// createRemovalRequest refuses to remove a PI or the last active manager,
// then reuses or creates a Pending request and marks the membership
// Pending - Remove.
func (s *base) createRemovalRequest(tx *gorm.DB, fx *effects, requesterID, userID, projectID uint) (*models.ProjectUserRemovalRequest, error) {
	requester, err := loadUser(tx, requesterID)
	if err != nil {
		return nil, err
	}
	user, err := loadUser(tx, userID)
	if err != nil {
		return nil, err
	}
	project, err := loadProject(tx, projectID)
	if err != nil {
		return nil, err
	}
	var pu models.ProjectUser
	if err := tx.Where("project_id = ? AND user_id = ?", project.ID, user.ID).First(&pu).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewValidationError(fmt.Sprintf("%s is not a member of %s", user.Username, project.Name))
		}
		return nil, err
	}

	var active int64
	if err := tx.Model(&models.ProjectUserRemovalRequest{}).
		Where("project_user_id = ? AND status IN ?", pu.ID,
			[]models.ProjectUserRemovalRequestStatus{models.RemovalRequestPending, models.RemovalRequestProcessing}).
		Count(&active).Error; err != nil {
		return nil, err
	}
	if active > 0 {
		return nil, models.NewConflictError(fmt.Sprintf("a pending removal request for %s from %s already exists", user.Username, project.Name))
	}
	if pu.Role == models.ProjectUserRolePI {
		return nil, models.NewValidationError(fmt.Sprintf("%s is a PI of %s and cannot be removed", user.Username, project.Name))
	}
	if pu.Role == models.ProjectUserRoleManager {
		managers, err := membersWithRoles(tx, project.ID, models.ProjectUserRoleManager)
		if err != nil {
			return nil, err
		}
		if len(managers) <= 1 {
			return nil, models.NewValidationError(fmt.Sprintf("%s is the only manager of %s and cannot be removed", user.Username, project.Name))
		}
	}

	var req models.ProjectUserRemovalRequest
	err = tx.Where("project_user_id = ? AND requester_id = ?", pu.ID, requester.ID).Order("id").First(&req).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		req = models.ProjectUserRemovalRequest{
			ProjectUserID: pu.ID,
			RequesterID:   requester.ID,
			Status:        models.RemovalRequestPending,
			RequestTime:   s.now().UTC(),
		}
		if err := tx.Create(&req).Error; err != nil {
			return nil, err
		}
		created(fx, TypeRemoval, req.ID, user.ID, string(req.Status))
	case err != nil:
		return nil, err
	default:
		prev := req.Status
		req.Status = models.RemovalRequestPending
		req.RequestTime = s.now().UTC()
		req.CompletionTime = nil
		if err := save(tx, &req); err != nil {
			return nil, err
		}
		transition(fx, TypeRemoval, req.ID, user.ID, string(prev), string(req.Status))
	}

	pu.Status = models.ProjectUserStatusPendingRemove
	if err := save(tx, &pu); err != nil {
		return nil, err
	}
	fx.note(fmt.Sprintf("Requested removal of %s from %s.", user.Username, project.Name))
	s.emailAdmins(fx, mail.TmplProjectRemovalAdmins, "Project User Removal Request", map[string]interface{}{
		"UserName":      displayName(user),
		"RequesterName": displayName(requester),
		"ProjectName":   project.Name,
		"ReviewURL":     s.url("/api/project_user_removal_requests/%d", req.ID),
	})
	return &req, nil
}

// GetRemoval loads a removal request with its membership.
func (s *MembershipService) GetRemoval(ctx context.Context, id uint) (*models.ProjectUserRemovalRequest, error) {
	var req models.ProjectUserRemovalRequest
	err := s.db.WithContext(ctx).
		Preload("ProjectUser.User").Preload("ProjectUser.Project").Preload("Requester").
		First(&req, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewNotFoundError("ProjectUserRemovalRequest", id)
	}
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return &req, nil
}

// UpdateRemoval sets the status of a removal request. Completing it needs a
// completion time, removes the member from the project and its allocations
// and denies their cluster access there.
func (s *MembershipService) UpdateRemoval(ctx context.Context, id uint, status models.ProjectUserRemovalRequestStatus, completionTime *time.Time) (*models.ProjectUserRemovalRequest, error) {
	if !status.Valid() {
		return nil, models.NewValidationError(fmt.Sprintf("invalid status %q", status))
	}
	if status == models.RemovalRequestComplete && completionTime == nil {
		return nil, models.NewValidationError("completion_time is required to complete a request")
	}
	_, err := s.runner(ctx, "project_removal_processing", func(tx *gorm.DB, fx *effects) error {
		req, err := lockByID[models.ProjectUserRemovalRequest](tx, id, "ProjectUserRemovalRequest")
		if err != nil {
			return err
		}
		if req.Status == models.RemovalRequestComplete {
			return models.NewValidationError("the request is already complete")
		}
		prev := req.Status
		req.Status = status
		if completionTime != nil {
			t := completionTime.UTC()
			req.CompletionTime = &t
		}
		if err := save(tx, req); err != nil {
			return err
		}
		var pu models.ProjectUser
		if err := tx.First(&pu, req.ProjectUserID).Error; err != nil {
			return err
		}
		transition(fx, TypeRemoval, req.ID, pu.UserID, string(prev), string(req.Status))
		if status != models.RemovalRequestComplete {
			return nil
		}
		return s.completeRemoval(tx, fx, &pu)
	})
	if err != nil {
		return nil, err
	}
	return s.GetRemoval(ctx, id)
}

func (s *MembershipService) completeRemoval(tx *gorm.DB, fx *effects, pu *models.ProjectUser) error {
	pu.Status = models.ProjectUserStatusRemoved
	if err := save(tx, pu); err != nil {
		return err
	}
	if err := removeFromAllocations(tx, pu.ProjectID, pu.UserID); err != nil {
		return err
	}
	fx.invalidateProject(pu.ProjectID)

	user, err := loadUser(tx, pu.UserID)
	if err != nil {
		return err
	}
	project, err := loadProject(tx, pu.ProjectID)
	if err != nil {
		return err
	}
	leads, err := membersWithRoles(tx, project.ID, models.ProjectUserRolePI, models.ProjectUserRoleManager)
	if err != nil {
		return err
	}
	emailUsers(fx, mail.TmplProjectRemovalComplete, "Project User Removal Complete", append([]*models.User{user}, projectUsers(leads)...),
		map[string]interface{}{
			"UserName":    displayName(user),
			"ProjectName": project.Name,
		}, nil)
	return nil
}

// RequestJoin files a user's request to join an active project and tells
// its PIs and managers.
func (s *MembershipService) RequestJoin(ctx context.Context, projectID, userID uint, reason string) (*models.ProjectUserJoinRequest, error) {
	if len(strings.TrimSpace(reason)) < 20 {
		return nil, models.NewValidationError("please explain in at least 20 characters why you want to join")
	}
	var id uint
	_, err := s.inTx(ctx, func(tx *gorm.DB, fx *effects) error {
		project, err := loadProject(tx, projectID)
		if err != nil {
			return err
		}
		if project.Status != models.ProjectStatusActive {
			return models.NewValidationError(fmt.Sprintf("project %s is not active", project.Name))
		}
		user, err := loadUser(tx, userID)
		if err != nil {
			return err
		}
		var pu models.ProjectUser
		err = tx.Where("project_id = ? AND user_id = ?", project.ID, user.ID).First(&pu).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			pu = models.ProjectUser{
				ProjectID:           project.ID,
				UserID:              user.ID,
				Role:                models.ProjectUserRoleUser,
				Status:              models.ProjectUserStatusPendingAdd,
				EnableNotifications: true,
			}
			if err := tx.Create(&pu).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		case pu.Status == models.ProjectUserStatusActive || pu.Status == models.ProjectUserStatusPendingAdd:
			return models.NewConflictError(fmt.Sprintf("%s is already a member of, or has asked to join, %s", user.Username, project.Name))
		default:
			pu.Role = models.ProjectUserRoleUser
			pu.Status = models.ProjectUserStatusPendingAdd
			if err := save(tx, &pu); err != nil {
				return err
			}
		}
		join := models.ProjectUserJoinRequest{ProjectUserID: pu.ID, Reason: reason}
		if err := tx.Create(&join).Error; err != nil {
			return err
		}
		id = join.ID
		created(fx, TypeJoin, join.ID, user.ID, string(pu.Status))

		leads, err := membersWithRoles(tx, project.ID, models.ProjectUserRolePI, models.ProjectUserRoleManager)
		if err != nil {
			return err
		}
		emailUsers(fx, mail.TmplProjectJoinRequest, "New Project Join Request", projectUsers(leads), map[string]interface{}{
			"UserName":    displayName(user),
			"UserEmail":   user.Email,
			"ProjectName": project.Name,
			"Reason":      reason,
			"ReviewURL":   s.url("/api/projects/%d/join_requests", project.ID),
		}, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.getJoin(ctx, id)
}

func (s *MembershipService) getJoin(ctx context.Context, id uint) (*models.ProjectUserJoinRequest, error) {
	var join models.ProjectUserJoinRequest
	err := s.db.WithContext(ctx).Preload("ProjectUser.User").First(&join, id).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return &join, nil
}

// CanReview reports whether the user may review join requests of project.
func (s *MembershipService) CanReview(ctx context.Context, projectID uint, user *models.User) (bool, error) {
	if user.IsStaffOrSuperuser() {
		return true, nil
	}
	leads, err := membersWithRoles(s.db.WithContext(ctx), projectID, models.ProjectUserRolePI, models.ProjectUserRoleManager)
	if err != nil {
		return false, models.NewInternalError(err)
	}
	return containsUser(leads, user.ID), nil
}

// ReviewJoin approves or denies a pending member. Approval activates the
// membership, adds the user to the compute allocation with the project's
// service units and requests cluster access.
func (s *MembershipService) ReviewJoin(ctx context.Context, projectID, userID uint, approve bool) (*models.ProjectUser, []string, error) {
	var puID uint
	fx, err := s.inTx(ctx, func(tx *gorm.DB, fx *effects) error {
		var pu models.ProjectUser
		if err := tx.Where("project_id = ? AND user_id = ?", projectID, userID).First(&pu).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.NewNotFoundError("ProjectUser", userID)
			}
			return err
		}
		if pu.Status != models.ProjectUserStatusPendingAdd {
			return models.NewValidationError(fmt.Sprintf("membership has status %q, not %q", pu.Status, models.ProjectUserStatusPendingAdd))
		}
		puID = pu.ID
		project, err := loadProject(tx, projectID)
		if err != nil {
			return err
		}
		prev := pu.Status
		if approve {
			if err := s.admit(tx, fx, project, &pu); err != nil {
				return err
			}
		} else {
			pu.Status = models.ProjectUserStatusDenied
			if err := save(tx, &pu); err != nil {
				return err
			}
		}
		transition(fx, TypeJoin, pu.ID, pu.UserID, string(prev), string(pu.Status))

		user, err := loadUser(tx, pu.UserID)
		if err != nil {
			return err
		}
		emailUsers(fx, mail.TmplProjectJoinReviewed, "Project Join Request Reviewed", []*models.User{user},
			map[string]interface{}{"ProjectName": project.Name, "Approved": approve}, nil)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	var pu models.ProjectUser
	if err := s.db.WithContext(ctx).Preload("User").First(&pu, puID).Error; err != nil {
		return nil, nil, models.NewInternalError(err)
	}
	return &pu, fx.notes, nil
}

func (s *MembershipService) admit(tx *gorm.DB, fx *effects, project *models.Project, pu *models.ProjectUser) error {
	pu.Status = models.ProjectUserStatusActive
	if err := save(tx, pu); err != nil {
		return err
	}
	fx.invalidateProject(project.ID)
	alloc, err := findProjectAllocation(tx, project.ID, project.ComputeResourceName())
	if err != nil {
		return err
	}
	if alloc == nil {
		fx.note(fmt.Sprintf("Project %s has no compute allocation; cluster access was not requested.", project.Name))
		return nil
	}
	au, err := activeAllocationUser(tx, alloc.ID, pu.UserID)
	if err != nil {
		return err
	}
	// Service units are granted when the access request completes.
	return requestClusterAccess(tx, fx, au)
}

// PendingJoins lists the join requests of project's pending members.
func (s *MembershipService) PendingJoins(ctx context.Context, projectID uint) ([]models.ProjectUserJoinRequest, error) {
	var joins []models.ProjectUserJoinRequest
	err := s.db.WithContext(ctx).
		Joins("JOIN project_users ON project_users.id = project_user_join_requests.project_user_id").
		Where("project_users.project_id = ? AND project_users.status = ?", projectID, models.ProjectUserStatusPendingAdd).
		Preload("ProjectUser.User").
		Order("project_user_join_requests.id").
		Find(&joins).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return joins, nil
}

// SendPendingJoinReminders emails the PIs and managers of every project with
// pending join requests, and each pending user, once. It returns the number
// of emails queued.
func (s *MembershipService) SendPendingJoinReminders(ctx context.Context) (int, error) {
	var pending []models.ProjectUser
	err := s.db.WithContext(ctx).
		Preload("User").Preload("Project").
		Where("status = ?", models.ProjectUserStatusPendingAdd).
		Order("project_id, id").
		Find(&pending).Error
	if err != nil {
		return 0, models.NewInternalError(err)
	}

	byProject := map[uint][]models.ProjectUser{}
	byUser := map[uint][]string{}
	users := map[uint]*models.User{}
	for _, pu := range pending {
		if pu.User == nil || pu.Project == nil {
			continue
		}
		byProject[pu.ProjectID] = append(byProject[pu.ProjectID], pu)
		byUser[pu.UserID] = append(byUser[pu.UserID], pu.Project.Name)
		users[pu.UserID] = pu.User
	}

	fx := &effects{}
	projectIDs := make([]uint, 0, len(byProject))
	for id := range byProject {
		projectIDs = append(projectIDs, id)
	}
	sort.Slice(projectIDs, func(i, j int) bool { return projectIDs[i] < projectIDs[j] })
	for _, id := range projectIDs {
		members := byProject[id]
		leads, err := membersWithRoles(s.db.WithContext(ctx), id, models.ProjectUserRolePI, models.ProjectUserRoleManager)
		if err != nil {
			return 0, models.NewInternalError(err)
		}
		requests := make([]string, 0, len(members))
		for _, m := range members {
			requests = append(requests, fmt.Sprintf("%s (%s)", displayName(m.User), m.User.Email))
		}
		emailUsers(fx, mail.TmplPendingJoinRequests, "Pending Project Join Requests", projectUsers(leads),
			map[string]interface{}{
				"ProjectName": members[0].Project.Name,
				"Requests":    requests,
				"ReviewURL":   s.url("/api/projects/%d/join_requests", id),
			}, nil)
	}
	userIDs := make([]uint, 0, len(byUser))
	for id := range byUser {
		userIDs = append(userIDs, id)
	}
	sort.Slice(userIDs, func(i, j int) bool { return userIDs[i] < userIDs[j] })
	for _, id := range userIDs {
		emailUsers(fx, mail.TmplPendingJoinRequestUser, "Pending Project Join Requests", []*models.User{users[id]},
			map[string]interface{}{"Projects": byUser[id]}, nil)
	}
	s.flush(ctx, fx)
	return len(fx.emails), nil
}
