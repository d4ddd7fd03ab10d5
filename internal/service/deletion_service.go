package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"coldfront/internal/mail"
	"coldfront/internal/middleware"
	"coldfront/internal/models"
	"coldfront/internal/notifications"
	"coldfront/internal/workflow"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DeletionService manages the cluster account deletion queue.
type DeletionService struct {
	base
}

func NewDeletionService(d Deps) *DeletionService {
	return &DeletionService{base: newBase(d)}
}

// hasClusterAccess reports whether the user has an active cluster account on
// any allocation.
func hasClusterAccess(tx *gorm.DB, userID uint) (bool, error) {
	var n int64
	err := tx.Model(&models.AllocationUserAttribute{}).
		Joins("JOIN allocation_users ON allocation_users.id = allocation_user_attributes.allocation_user_id").
		Where("allocation_users.user_id = ? AND allocation_user_attributes.type = ? AND allocation_user_attributes.value = ?",
			userID, models.AttrClusterAccountStatus, models.ClusterAccessActive).
		Count(&n).Error
	return n > 0, err
}

func setClusterAccountStatuses(tx *gorm.DB, userID uint, from, to string) error {
	return tx.Model(&models.AllocationUserAttribute{}).
		Where("type = ? AND value = ? AND allocation_user_id IN (?)", models.AttrClusterAccountStatus, from,
			tx.Model(&models.AllocationUser{}).Select("id").Where("user_id = ?", userID)).
		Update("value", to).Error
}

// Create queues the deletion of the user's cluster account. An Admin
// requester also files removal requests for every active membership; their
// failures are reported as messages.
func (s *DeletionService) Create(ctx context.Context, requesterID, userID uint, requester models.AccountDeletionRequester) (*models.AccountDeletionRequest, []string, error) {
	if !requester.Valid() {
		return nil, nil, models.NewValidationError(fmt.Sprintf("invalid requester %q", requester))
	}
	days := s.cfg.AccountDeletionManualQueueDays
	if requester == models.DeletionRequesterSystem {
		days = s.cfg.AccountDeletionAutoQueueDays
	}

	var id uint
	fx, err := s.runner(ctx, "account_deletion_request", func(tx *gorm.DB, fx *effects) error {
		user, err := loadUser(tx, userID)
		if err != nil {
			return err
		}
		var active int64
		if err := tx.Model(&models.AccountDeletionRequest{}).
			Where("user_id = ? AND status IN ?", user.ID, []models.AccountRequestStatus{
				models.AccountRequestQueued, models.AccountRequestReady, models.AccountRequestProcessing,
			}).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return models.NewConflictError(fmt.Sprintf("an active cluster account deletion request for %s already exists", user.Username))
		}
		ok, err := hasClusterAccess(tx, user.ID)
		if err != nil {
			return err
		}
		if !ok {
			return models.NewValidationError(fmt.Sprintf("%s does not have a cluster account", user.Username))
		}

		req := models.AccountDeletionRequest{
			UserID:      user.ID,
			Requester:   requester,
			Status:      models.AccountRequestQueued,
			Expiration:  expiresAfter(s.now(), days),
			State:       datatypes.NewJSONType(models.NewAccountDeletionRequestState()),
			RequestTime: s.stamp(),
		}
		if err := tx.Create(&req).Error; err != nil {
			return err
		}
		id = req.ID
		if err := setClusterAccountStatuses(tx, user.ID, models.ClusterAccessActive, models.ClusterAccessPendingDelete); err != nil {
			return err
		}
		created(fx, TypeDeletion, req.ID, user.ID, string(req.Status))
		fx.note(fmt.Sprintf("Successfully created cluster account deletion request for user %s.", user.Username))

		if requester != models.DeletionRequesterAdmin {
			return nil
		}
		var memberships []models.ProjectUser
		if err := tx.Where("user_id = ? AND status = ?", user.ID, models.ProjectUserStatusActive).Order("id").Find(&memberships).Error; err != nil {
			return err
		}
		for _, pu := range memberships {
			if err := s.removeMembership(tx, fx, requesterID, user.ID, pu.ProjectID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	out, err := s.Get(ctx, id)
	return out, fx.notes, err
}

// removeMembership files a removal request inside a savepoint, turning a
// refused request into a message.
func (s *DeletionService) removeMembership(tx *gorm.DB, fx *effects, requesterID, userID, projectID uint) error {
	err := tx.Transaction(func(sp *gorm.DB) error {
		_, err := s.createRemovalRequest(sp, fx, requesterID, userID, projectID)
		return err
	})
	if code := models.ErrorCode(err); code == models.CodeValidation || code == models.CodeConflict {
		fx.note(err.Error())
		return nil
	}
	return err
}

// Get loads a request with its user.
func (s *DeletionService) Get(ctx context.Context, id uint) (*models.AccountDeletionRequest, error) {
	var req models.AccountDeletionRequest
	err := s.db.WithContext(ctx).Preload("User").First(&req, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewNotFoundError("AccountDeletionRequest", id)
	}
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return &req, nil
}

type deletionStep func(tx *gorm.DB, fx *effects, req *models.AccountDeletionRequest, st *models.AccountDeletionRequestState) error

func (s *DeletionService) step(ctx context.Context, id uint, fn deletionStep) (*models.AccountDeletionRequest, error) {
	_, err := s.inTx(ctx, func(tx *gorm.DB, fx *effects) error {
		req, err := lockByID[models.AccountDeletionRequest](tx, id, "AccountDeletionRequest")
		if err != nil {
			return err
		}
		if req.Status.IsTerminal() {
			return models.NewValidationError(fmt.Sprintf("request has status %q and can no longer change", req.Status))
		}
		prev := req.Status
		st := req.State.Data()
		if err := fn(tx, fx, req, &st); err != nil {
			return err
		}
		req.State = datatypes.NewJSONType(st)
		if err := save(tx, req); err != nil {
			return err
		}
		transition(fx, TypeDeletion, req.ID, req.UserID, string(prev), string(req.Status))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// ConfirmProjectRemoval checks that the user has left, or is leaving, every
// project and starts processing the request.
func (s *DeletionService) ConfirmProjectRemoval(ctx context.Context, id uint) (*models.AccountDeletionRequest, error) {
	return s.step(ctx, id, func(tx *gorm.DB, _ *effects, req *models.AccountDeletionRequest, st *models.AccountDeletionRequestState) error {
		if req.Status != models.AccountRequestReady && req.Status != models.AccountRequestProcessing {
			return models.NewValidationError(fmt.Sprintf("request has status %q, not Ready", req.Status))
		}
		var remaining int64
		if err := tx.Model(&models.ProjectUser{}).
			Where("user_id = ? AND status NOT IN ?", req.UserID, []models.ProjectUserStatus{
				models.ProjectUserStatusRemoved, models.ProjectUserStatusPendingRemove, models.ProjectUserStatusDenied,
			}).
			Count(&remaining).Error; err != nil {
			return err
		}
		if remaining > 0 {
			return models.NewValidationError(fmt.Sprintf("the user still belongs to %d project(s)", remaining))
		}
		st.ProjectRemoval = models.TimestampedStep{Status: models.StepComplete, Timestamp: s.stamp()}
		req.Status = models.AccountRequestProcessing
		return nil
	})
}

// UpdateDataDeletion records whether the user's data has been deleted.
func (s *DeletionService) UpdateDataDeletion(ctx context.Context, id uint, status models.StepStatus) (*models.AccountDeletionRequest, error) {
	if !validCompletionStatus(status) {
		return nil, models.NewValidationError(fmt.Sprintf("invalid status %q", status))
	}
	return s.step(ctx, id, func(_ *gorm.DB, _ *effects, req *models.AccountDeletionRequest, st *models.AccountDeletionRequestState) error {
		if req.Status != models.AccountRequestProcessing {
			return models.NewValidationError("project removal must be confirmed first")
		}
		st.DataDeletion = models.TimestampedStep{Status: status, Timestamp: s.stamp()}
		return nil
	})
}

// CompleteAccountDeletion deletes the account once projects and data are
// gone, deactivating the user.
func (s *DeletionService) CompleteAccountDeletion(ctx context.Context, id uint) (*models.AccountDeletionRequest, error) {
	return s.step(ctx, id, func(tx *gorm.DB, fx *effects, req *models.AccountDeletionRequest, st *models.AccountDeletionRequestState) error {
		if st.ProjectRemoval.Status != models.StepComplete || st.DataDeletion.Status != models.StepComplete {
			return models.NewValidationError("project removal and data deletion must be complete")
		}
		st.AccountDeletion = models.TimestampedStep{Status: models.StepComplete, Timestamp: s.stamp()}
		if !workflow.AccountDeletionChecklistComplete(req.Status, *st) {
			return models.NewValidationError("the deletion checklist is incomplete")
		}
		user, err := loadUser(tx, req.UserID)
		if err != nil {
			return err
		}
		if err := tx.Model(user).Updates(map[string]interface{}{"is_active": false, "is_deactivated": true}).Error; err != nil {
			return err
		}
		if err := setClusterAccountStatuses(tx, user.ID, models.ClusterAccessPendingDelete, models.ClusterAccessDenied); err != nil {
			return err
		}
		fx.invalidateUser(user.ID)
		req.Status = models.AccountRequestComplete
		req.CompletionTime = s.stamp()
		emailUsers(fx, mail.TmplAccountDeletionComplete, "Cluster Account Deleted", []*models.User{user},
			map[string]interface{}{"UserName": user.Username}, nil)
		middleware.Logger.Info("cluster account deleted", "user_id", user.ID, "request_id", req.ID)
		return nil
	})
}

// Cancel withdraws the request and restores the user's cluster access.
func (s *DeletionService) Cancel(ctx context.Context, id uint, justification string) (*models.AccountDeletionRequest, error) {
	if strings.TrimSpace(justification) == "" {
		return nil, models.NewValidationError("a justification is required")
	}
	return s.step(ctx, id, func(tx *gorm.DB, _ *effects, req *models.AccountDeletionRequest, st *models.AccountDeletionRequestState) error {
		st.Other = models.OtherStep{Justification: justification, Timestamp: s.stamp()}
		for _, step := range []*models.TimestampedStep{&st.ProjectRemoval, &st.DataDeletion, &st.AccountDeletion} {
			if step.Status == models.StepPending {
				step.Status = models.StepCancelled
			}
		}
		req.Status = models.AccountRequestCancelled
		return setClusterAccountStatuses(tx, req.UserID, models.ClusterAccessPendingDelete, models.ClusterAccessActive)
	})
}

// Dequeue marks every Queued request whose expiration has passed as Ready.
func (s *DeletionService) Dequeue(ctx context.Context) ([]uint, error) {
	var ids []uint
	_, err := s.inTx(ctx, func(tx *gorm.DB, fx *effects) error {
		var reqs []models.AccountDeletionRequest
		if err := tx.Where("status = ? AND expiration <= ?", models.AccountRequestQueued, s.now().UTC()).
			Order("id").Find(&reqs).Error; err != nil {
			return err
		}
		for i := range reqs {
			reqs[i].Status = models.AccountRequestReady
			if err := save(tx, &reqs[i]); err != nil {
				return err
			}
			ids = append(ids, reqs[i].ID)
			transition(fx, TypeDeletion, reqs[i].ID, reqs[i].UserID, string(models.AccountRequestQueued), string(models.AccountRequestReady))
			fx.event(readyEvent(notifications.EventAccountDeletionReady, TypeDeletion, reqs[i].ID, reqs[i].UserID))
		}
		return nil
	})
	return ids, err
}
