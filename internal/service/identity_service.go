package service

import (
	"context"
	"errors"
	"fmt"

	"coldfront/internal/mail"
	"coldfront/internal/models"

	"gorm.io/gorm"
)

// IdentityService handles requests for identity-linking emails.
type IdentityService struct {
	base
}

func NewIdentityService(d Deps) *IdentityService {
	return &IdentityService{base: newBase(d)}
}

// Create opens a Pending request for the user. A user has at most one
// Pending request.
func (s *IdentityService) Create(ctx context.Context, requesterID uint) (*models.IdentityLinkingRequest, error) {
	var out models.IdentityLinkingRequest
	_, err := s.inTx(ctx, func(tx *gorm.DB, fx *effects) error {
		if _, err := loadUser(tx, requesterID); err != nil {
			return err
		}
		var n int64
		if err := tx.Model(&models.IdentityLinkingRequest{}).
			Where("requester_id = ? AND status = ?", requesterID, models.IdentityLinkingPending).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return models.NewConflictError("you already have a pending request")
		}
		out = models.IdentityLinkingRequest{
			RequesterID: requesterID,
			RequestTime: s.stamp(),
			Status:      models.IdentityLinkingPending,
		}
		if err := tx.Create(&out).Error; err != nil {
			return err
		}
		created(fx, TypeIdentityLink, out.ID, requesterID, string(out.Status))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Update sets the status. Completing a request stamps completion_time and
// emails the requester the linking URL.
func (s *IdentityService) Update(ctx context.Context, id uint, status models.IdentityLinkingRequestStatus) (*models.IdentityLinkingRequest, error) {
	if !status.Valid() {
		return nil, models.NewValidationError(fmt.Sprintf("invalid status %q", status))
	}
	var out *models.IdentityLinkingRequest
	_, err := s.inTx(ctx, func(tx *gorm.DB, fx *effects) error {
		req, err := lockByID[models.IdentityLinkingRequest](tx, id, "IdentityLinkingRequest")
		if err != nil {
			return err
		}
		prev := req.Status
		req.Status = status
		if status == models.IdentityLinkingComplete {
			if prev != models.IdentityLinkingComplete {
				req.CompletionTime = s.stamp()
			}
		} else {
			req.CompletionTime = nil
		}
		if err := save(tx, req); err != nil {
			return err
		}
		transition(fx, TypeIdentityLink, req.ID, req.RequesterID, string(prev), string(status))

		if status == models.IdentityLinkingComplete && prev != status {
			user, err := loadUser(tx, req.RequesterID)
			if err != nil {
				return err
			}
			emailUsers(fx, mail.TmplIdentityLinking, "Cluster Identity Linking",
				[]*models.User{user}, map[string]interface{}{"LinkURL": s.url("/user/identity-linking")}, nil)
		}
		out = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns a request by id.
func (s *IdentityService) Get(ctx context.Context, id uint) (*models.IdentityLinkingRequest, error) {
	var req models.IdentityLinkingRequest
	if err := s.db.WithContext(ctx).First(&req, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("IdentityLinkingRequest", id)
		}
		return nil, models.NewInternalError(err)
	}
	return &req, nil
}
