package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"coldfront/internal/middleware"
	"coldfront/internal/models"
	"coldfront/internal/notifications"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DeactivationService manages the cluster account deactivation queue.
type DeactivationService struct {
	base
}

func NewDeactivationService(d Deps) *DeactivationService {
	return &DeactivationService{base: newBase(d)}
}

// CreateDeactivationRequest queues a user's account for deactivation.
type CreateDeactivationRequest struct {
	UserID            uint                        `json:"user_id"`
	Reason            models.DeactivationReason   `json:"reason"`
	Status            models.AccountRequestStatus `json:"status"`
	RechargeProjectPK *uint                       `json:"recharge_project_pk"`
}

// Create queues a request that expires after ACCOUNT_DEACTIVATION_QUEUE_DAYS.
// Only Queued requests can be created, and never twice for the same user
// and reason.
func (s *DeactivationService) Create(ctx context.Context, in CreateDeactivationRequest) (*models.ClusterAccountDeactivationRequest, error) {
	if in.Status == "" {
		in.Status = models.AccountRequestQueued
	}
	if in.Status != models.AccountRequestQueued {
		return nil, models.NewValidationError(`requests can only be created with a "Queued" status`)
	}
	if !in.Reason.Valid() {
		return nil, models.NewValidationError(fmt.Sprintf("invalid reason %q", in.Reason))
	}
	var id uint
	_, err := s.inTx(ctx, func(tx *gorm.DB, fx *effects) error {
		user, err := loadUser(tx, in.UserID)
		if err != nil {
			return err
		}
		if in.RechargeProjectPK != nil {
			if _, err := loadProject(tx, *in.RechargeProjectPK); err != nil {
				return err
			}
		}
		var n int64
		if err := tx.Model(&models.ClusterAccountDeactivationRequest{}).
			Where("user_id = ? AND reason = ? AND status = ?", user.ID, in.Reason, models.AccountRequestQueued).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return models.NewValidationError("a request with the given arguments already exists")
		}
		req := models.ClusterAccountDeactivationRequest{
			UserID:     user.ID,
			Reason:     in.Reason,
			Status:     models.AccountRequestQueued,
			Expiration: expiresAfter(s.now(), s.cfg.AccountDeactivationQueueDays),
			State:      datatypes.NewJSONType(models.DeactivationRequestState{RechargeProjectPK: in.RechargeProjectPK}),
		}
		if err := tx.Create(&req).Error; err != nil {
			return err
		}
		id = req.ID
		created(fx, TypeDeactivation, req.ID, user.ID, string(req.Status))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Get loads a request with its user.
func (s *DeactivationService) Get(ctx context.Context, id uint) (*models.ClusterAccountDeactivationRequest, error) {
	var req models.ClusterAccountDeactivationRequest
	err := s.db.WithContext(ctx).Preload("User").First(&req, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewNotFoundError("ClusterAccountDeactivationRequest", id)
	}
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return &req, nil
}

// Update sets the status. Cancelling needs a justification and completing
// marks the user's account deactivated.
func (s *DeactivationService) Update(ctx context.Context, id uint, status models.AccountRequestStatus, justification *string) (*models.ClusterAccountDeactivationRequest, error) {
	if !status.Valid() {
		return nil, models.NewValidationError(fmt.Sprintf("invalid status %q", status))
	}
	if status == models.AccountRequestCancelled && (justification == nil || strings.TrimSpace(*justification) == "") {
		return nil, models.NewValidationError("no justification is given")
	}
	_, err := s.inTx(ctx, func(tx *gorm.DB, fx *effects) error {
		req, err := lockByID[models.ClusterAccountDeactivationRequest](tx, id, "ClusterAccountDeactivationRequest")
		if err != nil {
			return err
		}
		if req.Status.IsTerminal() {
			return models.NewValidationError(fmt.Sprintf("request has status %q and can no longer change", req.Status))
		}
		st := req.State.Data()
		if justification != nil {
			st.Justification = *justification
		}
		switch status {
		case models.AccountRequestCancelled:
			st.Other = models.OtherStep{Justification: *justification, Timestamp: s.stamp()}
			st.CancellationJustification = *justification
		case models.AccountRequestComplete:
			if err := tx.Model(&models.User{}).Where("id = ?", req.UserID).Update("is_deactivated", true).Error; err != nil {
				return err
			}
			fx.invalidateUser(req.UserID)
			middleware.Logger.Info("cluster account deactivated", "user_id", req.UserID, "reason", string(req.Reason))
		}
		prev := req.Status
		req.Status = status
		req.State = datatypes.NewJSONType(st)
		if err := save(tx, req); err != nil {
			return err
		}
		transition(fx, TypeDeactivation, req.ID, req.UserID, string(prev), string(req.Status))
		if status == models.AccountRequestReady && prev != models.AccountRequestReady {
			fx.event(readyEvent(notifications.EventAccountDeactivationReady, TypeDeactivation, req.ID, req.UserID))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Cancel withdraws a request that is still Queued or Ready.
func (s *DeactivationService) Cancel(ctx context.Context, id uint, justification string) (*models.ClusterAccountDeactivationRequest, error) {
	req, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != models.AccountRequestQueued && req.Status != models.AccountRequestReady {
		return nil, models.NewValidationError(fmt.Sprintf("request has status %q and cannot be cancelled", req.Status))
	}
	return s.Update(ctx, id, models.AccountRequestCancelled, &justification)
}

// DequeueAll is the reason filter that matches every request.
const DequeueAll = "ALL"

// Dequeue marks every Queued request whose expiration has passed as Ready,
// optionally only those with the given reason. It returns the ids moved.
func (s *DeactivationService) Dequeue(ctx context.Context, reason string) ([]uint, error) {
	if reason != DequeueAll && !models.DeactivationReason(reason).Valid() {
		return nil, models.NewValidationError(fmt.Sprintf("invalid reason %q", reason))
	}
	var ids []uint
	_, err := s.inTx(ctx, func(tx *gorm.DB, fx *effects) error {
		q := tx.Where("status = ? AND expiration <= ?", models.AccountRequestQueued, s.now().UTC())
		if reason != DequeueAll {
			q = q.Where("reason = ?", reason)
		}
		var reqs []models.ClusterAccountDeactivationRequest
		if err := q.Order("id").Find(&reqs).Error; err != nil {
			return err
		}
		for i := range reqs {
			reqs[i].Status = models.AccountRequestReady
			if err := save(tx, &reqs[i]); err != nil {
				return err
			}
			ids = append(ids, reqs[i].ID)
			transition(fx, TypeDeactivation, reqs[i].ID, reqs[i].UserID, string(models.AccountRequestQueued), string(models.AccountRequestReady))
			fx.event(readyEvent(notifications.EventAccountDeactivationReady, TypeDeactivation, reqs[i].ID, reqs[i].UserID))
		}
		return nil
	})
	return ids, err
}

func readyEvent(eventType, requestType string, id, userID uint) notifications.Event {
	return notifications.Event{
		Type:        eventType,
		RequestType: requestType,
		RequestID:   id,
		UserID:      userID,
		Status:      string(models.AccountRequestReady),
	}
}

func expiresAfter(now time.Time, days int) *time.Time {
	t := now.UTC().AddDate(0, 0, days)
	return &t
}
