package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"coldfront/internal/mail"
	"coldfront/internal/middleware"
	"coldfront/internal/models"
	"coldfront/internal/workflow"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AdditionService runs requests to buy more service units for a project.
type AdditionService struct {
	base
}

func NewAdditionService(d Deps) *AdditionService {
	return &AdditionService{base: newBase(d)}
}

// CreateAdditionRequest is the submission of a service units purchase.
type CreateAdditionRequest struct {
	RequesterID      uint            `json:"-"`
	ProjectID        uint            `json:"project_id"`
	NumServiceUnits  decimal.Decimal `json:"num_service_units" swaggertype:"string"`
	CampusChartfield string          `json:"campus_chartfield"`
}

// CanProjectPurchaseServiceUnits reports whether the project's allowance lets
// it buy more service units. Only recharge projects can.
func CanProjectPurchaseServiceUnits(project *models.Project) bool {
	return project.AllowanceType() == models.AllowanceRecharge
}

// HasPendingAdditionRequest reports whether the project has a purchase under
// review.
func HasPendingAdditionRequest(tx *gorm.DB, projectID uint) (bool, error) {
	var n int64
	err := tx.Model(&models.AllocationAdditionRequest{}).
		Where("project_id = ? AND status = ?", projectID, models.AdditionUnderReview).
		Count(&n).Error
	return n > 0, err
}

// Create files a purchase. The requester must be an active PI or Manager of
// an active recharge project that has no other purchase under review.
func (s *AdditionService) Create(ctx context.Context, in CreateAdditionRequest) (*models.AllocationAdditionRequest, error) {
	if !in.NumServiceUnits.IsPositive() {
		return nil, models.NewValidationError("the number of service units must be positive")
	}
	if err := workflow.ValidateServiceUnits(in.NumServiceUnits, s.cfg); err != nil {
		return nil, models.NewValidationError(err.Error())
	}
	var id uint
	_, err := s.inTx(ctx, func(tx *gorm.DB, fx *effects) error {
		project, err := loadProject(tx, in.ProjectID)
		if err != nil {
			return err
		}
		if !CanProjectPurchaseServiceUnits(project) || project.Status != models.ProjectStatusActive {
			return models.NewValidationError(fmt.Sprintf("project %s is ineligible to buy more service units", project.Name))
		}
		requester, err := loadUser(tx, in.RequesterID)
		if err != nil {
			return err
		}
		leads, err := membersWithRoles(tx, project.ID, models.ProjectUserRolePI, models.ProjectUserRoleManager)
		if err != nil {
			return err
		}
		if !requester.IsSuperuser && !containsUser(leads, requester.ID) {
			return models.NewForbiddenError(fmt.Sprintf("only a PI or manager of %s may buy service units for it", project.Name))
		}
		pending, err := HasPendingAdditionRequest(tx, project.ID)
		if err != nil {
			return err
		}
		if pending {
			return models.NewConflictError(fmt.Sprintf("project %s already has a purchase under review", project.Name))
		}

		req := models.AllocationAdditionRequest{
			RequesterID:     requester.ID,
			ProjectID:       project.ID,
			NumServiceUnits: in.NumServiceUnits.Round(2),
			ExtraFields:     datatypes.NewJSONType(models.SavioExtraFields{CampusChartfield: strings.TrimSpace(in.CampusChartfield)}),
			Status:          models.AdditionUnderReview,
			State:           datatypes.NewJSONType(models.NewAllocationAdditionRequestState()),
			RequestTime:     s.stamp(),
		}
		if err := tx.Create(&req).Error; err != nil {
			return err
		}
		id = req.ID
		created(fx, TypeAddition, req.ID, requester.ID, string(req.Status))
		s.emailAdmins(fx, mail.TmplAdditionRequestAdmins, "New Service Units Purchase Request", map[string]interface{}{
			"RequesterName":   displayName(requester),
			"ProjectName":     project.Name,
			"NumServiceUnits": req.NumServiceUnits.StringFixed(2),
			"ReviewURL":       s.url("/api/allocation_addition_requests/%d", req.ID),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Get loads a request with its relations.
func (s *AdditionService) Get(ctx context.Context, id uint) (*models.AllocationAdditionRequest, error) {
	var req models.AllocationAdditionRequest
	err := s.db.WithContext(ctx).Preload("Requester").Preload("Project").First(&req, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewNotFoundError("AllocationAdditionRequest", id)
	}
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return &req, nil
}

// lockAdditionUnderReview loads the request for update and refuses any
// status other than Under Review.
func lockAdditionUnderReview(tx *gorm.DB, id uint) (*models.AllocationAdditionRequest, error) {
	req, err := lockByID[models.AllocationAdditionRequest](tx, id, "AllocationAdditionRequest")
	if err != nil {
		return nil, err
	}
	if req.Status != models.AdditionUnderReview {
		return nil, models.NewValidationError(fmt.Sprintf("the request must have status %q", models.AdditionUnderReview))
	}
	return req, nil
}

// ReviewMemorandum records whether the purchase memorandum was signed.
func (s *AdditionService) ReviewMemorandum(ctx context.Context, id uint, status models.StepStatus) (*models.AllocationAdditionRequest, error) {
	if status != models.StepPending && status != models.StepComplete {
		return nil, models.NewValidationError(fmt.Sprintf("invalid status %q", status))
	}
	_, err := s.inTx(ctx, func(tx *gorm.DB, fx *effects) error {
		req, err := lockAdditionUnderReview(tx, id)
		if err != nil {
			return err
		}
		st := req.State.Data()
		st.MemorandumSigned = models.TimestampedStep{Status: status, Timestamp: s.stamp()}
		req.State = datatypes.NewJSONType(st)
		return save(tx, req)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Deny denies the purchase and emails the project's PIs and managers.
func (s *AdditionService) Deny(ctx context.Context, id uint, justification string) (*models.AllocationAdditionRequest, error) {
	if strings.TrimSpace(justification) == "" {
		return nil, models.NewValidationError("a justification is required")
	}
	_, err := s.runner(ctx, "allocation_addition_denial", func(tx *gorm.DB, fx *effects) error {
		req, err := lockAdditionUnderReview(tx, id)
		if err != nil {
			return err
		}
		st := req.State.Data()
		st.Other = models.OtherStep{Justification: justification, Timestamp: s.stamp()}
		req.State = datatypes.NewJSONType(st)
		req.Status = models.AdditionDenied
		if err := save(tx, req); err != nil {
			return err
		}
		transition(fx, TypeAddition, req.ID, req.RequesterID, string(models.AdditionUnderReview), string(req.Status))

		reason, err := workflow.AdditionDenialReason(st)
		if err != nil {
			return err
		}
		project, err := loadProject(tx, req.ProjectID)
		if err != nil {
			return err
		}
		leads, err := membersWithRoles(tx, project.ID, models.ProjectUserRolePI, models.ProjectUserRoleManager)
		if err != nil {
			return err
		}
		emailUsers(fx, mail.TmplAdditionRequestDenied, fmt.Sprintf("Service Units Purchase Request (%s) Denied", project.Name),
			projectUsers(leads), map[string]interface{}{
				"ProjectName":         project.Name,
				"NumServiceUnits":     req.NumServiceUnits.StringFixed(2),
				"ReasonCategory":      reason.Category,
				"ReasonJustification": reason.Justification,
			}, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Process adds the purchased units to the project. The project and each of
// its users restart from the unused balance plus the purchase, with usage
// reset to zero.
func (s *AdditionService) Process(ctx context.Context, id uint) (*models.AllocationAdditionRequest, error) {
	_, err := s.runner(ctx, "allocation_addition_processing", func(tx *gorm.DB, fx *effects) error {
		req, err := lockAdditionUnderReview(tx, id)
		if err != nil {
			return err
		}
		if req.State.Data().MemorandumSigned.Status != models.StepComplete {
			return models.NewValidationError("the memorandum must be signed before processing")
		}
		project, err := loadProject(tx, req.ProjectID)
		if err != nil {
			return err
		}
		alloc, err := findProjectAllocation(tx, project.ID, project.ComputeResourceName())
		if err != nil {
			return err
		}
		if alloc == nil {
			return models.NewValidationError(fmt.Sprintf("project %s has no compute allocation", project.Name))
		}
		current, ok, err := serviceUnits(tx, alloc.ID)
		if err != nil {
			return err
		}
		if !ok {
			return models.NewValidationError(fmt.Sprintf("allocation %d has no service units", alloc.ID))
		}
		usage, err := serviceUnitsUsage(tx, alloc.ID)
		if err != nil {
			return err
		}
		total := workflow.ServiceUnitsAfterPurchase(current, usage, req.NumServiceUnits)
		now := s.now()

		if err := setServiceUnits(tx, alloc.ID, total); err != nil {
			return err
		}
		if err := setAllocationAttribute(tx, alloc.ID, models.AttrServiceUnitsUsage, decimal.Zero.StringFixed(2)); err != nil {
			return err
		}
		alloc.StartDate = &now
		if err := save(tx, alloc); err != nil {
			return err
		}
		if err := recordProjectTransaction(tx, project.ID, now, total); err != nil {
			return err
		}
		if err := updateExistingUserAllocations(tx, project.ID, alloc.ID, total, now); err != nil {
			return err
		}
		if err := resetUserUsage(tx, alloc.ID); err != nil {
			return err
		}
		fx.invalidateProject(project.ID)

		req.Status = models.AdditionComplete
		req.CompletionTime = &now
		if err := save(tx, req); err != nil {
			return err
		}
		transition(fx, TypeAddition, req.ID, req.RequesterID, string(models.AdditionUnderReview), string(req.Status))

		leads, err := membersWithRoles(tx, project.ID, models.ProjectUserRolePI, models.ProjectUserRoleManager)
		if err != nil {
			return err
		}
		emailUsers(fx, mail.TmplAdditionRequestProcessed, fmt.Sprintf("Service Units Purchase Request (%s) Processed", project.Name),
			projectUsers(leads), map[string]interface{}{
				"ProjectName":       project.Name,
				"AddedServiceUnits": req.NumServiceUnits.StringFixed(2),
				"TotalServiceUnits": total.StringFixed(2),
				"ProjectURL":        s.url("/projects/%d", project.ID),
			}, nil)
		middleware.Logger.Info("service units purchased",
			"project", project.Name, "added", req.NumServiceUnits.StringFixed(2), "total", total.StringFixed(2))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// serviceUnitsUsage reads the units an allocation has consumed; a missing
// value reads as zero.
func serviceUnitsUsage(tx *gorm.DB, allocationID uint) (decimal.Decimal, error) {
	attr, err := allocationAttribute(tx, allocationID, models.AttrServiceUnitsUsage)
	if err != nil || attr == nil || attr.Value == "" {
		return decimal.Zero, err
	}
	v, err := decimal.NewFromString(attr.Value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("allocation %d has invalid usage %q: %w", allocationID, attr.Value, err)
	}
	return v, nil
}

func resetUserUsage(tx *gorm.DB, allocationID uint) error {
	var aus []models.AllocationUser
	if err := tx.Where("allocation_id = ? AND status = ?", allocationID, models.AllocationUserStatusActive).Find(&aus).Error; err != nil {
		return err
	}
	for i := range aus {
		if err := setAllocationUserAttribute(tx, &aus[i], models.AttrServiceUnitsUsage, decimal.Zero.StringFixed(2)); err != nil {
			return err
		}
	}
	return nil
}
