package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"coldfront/internal/mail"
	"coldfront/internal/middleware"
	"coldfront/internal/models"
	"coldfront/internal/workflow"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RenewalService runs the review and processing of allocation renewals.
type RenewalService struct {
	base
}

func NewRenewalService(d Deps) *RenewalService {
	return &RenewalService{base: newBase(d)}
}

// CreateRenewalRequest is the submission of a renewal. Exactly one of
// PostProjectID and NewProjectRequestID names where the PI renews into.
type CreateRenewalRequest struct {
	RequesterID         uint                 `json:"-"`
	PIID                uint                 `json:"pi_id"`
	ComputingAllowance  models.AllowanceType `json:"computing_allowance"`
	AllocationPeriodID  uint                 `json:"allocation_period_id"`
	PreProjectID        *uint                `json:"pre_project_id"`
	PostProjectID       *uint                `json:"post_project_id"`
	NewProjectRequestID *uint                `json:"new_project_request_id"`
	SurveyAnswers       datatypes.JSON       `json:"renewal_survey_answers" swaggertype:"object"`
}

func renewable(t models.AllowanceType) bool {
	return t == models.AllowanceFCA || t == models.AllowancePCA
}

// HasNonDeniedRenewalRequest reports whether the PI already has a renewal for
// the period that is under review, approved or complete.
func (s *RenewalService) HasNonDeniedRenewalRequest(ctx context.Context, piID, periodID uint) (bool, error) {
	ok, err := hasNonDeniedRenewal(s.db.WithContext(ctx), piID, periodID)
	if err != nil {
		return false, models.NewInternalError(err)
	}
	return ok, nil
}

func hasNonDeniedRenewal(tx *gorm.DB, piID, periodID uint) (bool, error) {
	var n int64
	err := tx.Model(&models.AllocationRenewalRequest{}).
		Where("pi_id = ? AND allocation_period_id = ? AND status IN ?", piID, periodID,
			[]models.RenewalRequestStatus{models.RenewalUnderReview, models.RenewalApproved, models.RenewalComplete}).
		Count(&n).Error
	return n > 0, err
}

// Create files a renewal request and notifies the admins.
func (s *RenewalService) Create(ctx context.Context, in CreateRenewalRequest) (*models.AllocationRenewalRequest, error) {
	if in.ComputingAllowance == "" {
		in.ComputingAllowance = models.AllowanceFCA
	}
	if !renewable(in.ComputingAllowance) {
		return nil, models.NewValidationError(fmt.Sprintf("%s allowances cannot be renewed", in.ComputingAllowance))
	}
	if (in.PostProjectID == nil) == (in.NewProjectRequestID == nil) {
		return nil, models.NewValidationError("exactly one of post_project_id and new_project_request_id is required")
	}

	var id uint
	_, err := s.inTx(ctx, func(tx *gorm.DB, fx *effects) error {
		requester, err := loadUser(tx, in.RequesterID)
		if err != nil {
			return err
		}
		pi, err := loadUser(tx, in.PIID)
		if err != nil {
			return err
		}
		period, err := loadPeriod(tx, &in.AllocationPeriodID)
		if err != nil {
			return err
		}
		if workflow.LocalDate(s.now(), s.cfg.Location).After(period.EndDate) {
			return models.NewValidationError(fmt.Sprintf("allocation period %s has ended", period.Name))
		}
		exists, err := hasNonDeniedRenewal(tx, pi.ID, period.ID)
		if err != nil {
			return err
		}
		if exists {
			return models.NewConflictError(fmt.Sprintf("%s already has a renewal request for %s", pi.Username, period.Name))
		}

		var postProjectID uint
		if in.NewProjectRequestID != nil {
			var npr models.SavioProjectAllocationRequest
			if err := tx.First(&npr, *in.NewProjectRequestID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return models.NewNotFoundError("SavioProjectAllocationRequest", *in.NewProjectRequestID)
				}
				return err
			}
			if npr.PIID != pi.ID || npr.AllocationType != in.ComputingAllowance {
				return models.NewValidationError("the new project request must be for the same PI and allowance")
			}
			postProjectID = npr.ProjectID
		} else {
			post, err := loadProject(tx, *in.PostProjectID)
			if err != nil {
				return err
			}
			if !strings.HasPrefix(post.Name, in.ComputingAllowance.NamePrefix()) {
				return models.NewValidationError(fmt.Sprintf("project %s is not an %s project", post.Name, in.ComputingAllowance))
			}
			postProjectID = post.ID
		}
		if in.PreProjectID != nil {
			if _, err := loadProject(tx, *in.PreProjectID); err != nil {
				return err
			}
		}

		req := models.AllocationRenewalRequest{
			RequesterID:          requester.ID,
			PIID:                 pi.ID,
			ComputingAllowance:   in.ComputingAllowance,
			AllocationPeriodID:   period.ID,
			PreProjectID:         in.PreProjectID,
			PostProjectID:        postProjectID,
			NewProjectRequestID:  in.NewProjectRequestID,
			NumServiceUnits:      decimal.Zero,
			Status:               models.RenewalUnderReview,
			State:                datatypes.NewJSONType(models.NewRenewalRequestState()),
			RenewalSurveyAnswers: in.SurveyAnswers,
			RequestTime:          s.stamp(),
		}
		if err := tx.Create(&req).Error; err != nil {
			return err
		}
		id = req.ID

		post, err := loadProject(tx, postProjectID)
		if err != nil {
			return err
		}
		created(fx, TypeRenewal, req.ID, requester.ID, string(req.Status))
		s.emailAdmins(fx, mail.TmplRenewalRequestAdmins, "New Allocation Renewal Request", map[string]interface{}{
			"PIName":        displayName(pi),
			"RequesterName": displayName(requester),
			"ProjectName":   post.Name,
			"PeriodName":    period.Name,
			"ReviewURL":     s.url("/api/allocation_renewal_requests/%d", req.ID),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Get loads a request with its relations.
func (s *RenewalService) Get(ctx context.Context, id uint) (*models.AllocationRenewalRequest, error) {
	var req models.AllocationRenewalRequest
	err := s.db.WithContext(ctx).
		Preload("Requester").Preload("PI").Preload("AllocationPeriod").
		Preload("PreProject").Preload("PostProject").Preload("NewProjectRequest").
		First(&req, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewNotFoundError("AllocationRenewalRequest", id)
	}
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return &req, nil
}

// lockRenewal locks the request and loads the new project request it
// depends on.
func lockRenewal(tx *gorm.DB, id uint) (*models.AllocationRenewalRequest, error) {
	req, err := lockByID[models.AllocationRenewalRequest](tx, id, "AllocationRenewalRequest")
	if err != nil {
		return nil, err
	}
	if req.NewProjectRequestID != nil {
		var npr models.SavioProjectAllocationRequest
		if err := tx.First(&npr, *req.NewProjectRequestID).Error; err != nil {
			return nil, err
		}
		req.NewProjectRequest = &npr
	}
	return req, nil
}

// ReviewEligibility records whether the PI is eligible to renew.
func (s *RenewalService) ReviewEligibility(ctx context.Context, id uint, status models.StepStatus, justification string) (*models.AllocationRenewalRequest, error) {
	if !validReviewStatus(status) {
		return nil, models.NewValidationError(fmt.Sprintf("invalid status %q", status))
	}
	_, err := s.inTx(ctx, func(tx *gorm.DB, fx *effects) error {
		req, err := lockRenewal(tx, id)
		if err != nil {
			return err
		}
		if req.Status.IsTerminal() {
			return models.NewValidationError(fmt.Sprintf("request has status %q and can no longer be reviewed", req.Status))
		}
		st := req.State.Data()
		st.Eligibility = models.ReviewStep{Status: status, Justification: justification, Timestamp: s.stamp()}
		req.State = datatypes.NewJSONType(st)
		return s.rederive(tx, fx, req)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// rederive saves req with its derived status, running the denial runner
// when it becomes Denied.
func (s *RenewalService) rederive(tx *gorm.DB, fx *effects, req *models.AllocationRenewalRequest) error {
	next := workflow.RenewalStateStatus(req.State.Data(), req.NewProjectRequest)
	if next == models.RenewalDenied {
		return denyRenewal(tx, fx, req)
	}
	if next == models.RenewalApproved && req.Status != models.RenewalApproved {
		req.ApprovalTime = s.stamp()
	}
	prev := req.Status
	req.Status = next
	if err := save(tx, req); err != nil {
		return err
	}
	transition(fx, TypeRenewal, req.ID, req.RequesterID, string(prev), string(req.Status))
	return nil
}

// Deny denies the request for a reason outside the checklist.
func (s *RenewalService) Deny(ctx context.Context, id uint, justification string) (*models.AllocationRenewalRequest, error) {
	if strings.TrimSpace(justification) == "" {
		return nil, models.NewValidationError("a justification is required")
	}
	_, err := s.inTx(ctx, func(tx *gorm.DB, fx *effects) error {
		req, err := lockRenewal(tx, id)
		if err != nil {
			return err
		}
		st := req.State.Data()
		st.Other = models.OtherStep{Justification: justification, Timestamp: s.stamp()}
		req.State = datatypes.NewJSONType(st)
		return denyRenewal(tx, fx, req)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Approve marks an eligible request approved.
func (s *RenewalService) Approve(ctx context.Context, id uint) (*models.AllocationRenewalRequest, error) {
	_, err := s.inTx(ctx, func(tx *gorm.DB, fx *effects) error {
		req, err := lockRenewal(tx, id)
		if err != nil {
			return err
		}
		if req.Status.IsTerminal() {
			return models.NewValidationError(fmt.Sprintf("request has status %q and cannot be approved", req.Status))
		}
		if workflow.RenewalStateStatus(req.State.Data(), req.NewProjectRequest) != models.RenewalApproved {
			return models.NewValidationError("the request has outstanding review steps")
		}
		return s.rederive(tx, fx, req)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Process grants the renewal once its allocation period has started.
func (s *RenewalService) Process(ctx context.Context, id uint) (*models.AllocationRenewalRequest, error) {
	_, err := s.runner(ctx, "allocation_renewal_processing", func(tx *gorm.DB, fx *effects) error {
		req, err := lockRenewal(tx, id)
		if err != nil {
			return err
		}
		return s.runProcessing(tx, fx, req)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *RenewalService) runProcessing(tx *gorm.DB, fx *effects, req *models.AllocationRenewalRequest) error {
	if req.Status != models.RenewalApproved {
		return models.NewValidationError(fmt.Sprintf("request has status %q, not Approved", req.Status))
	}
	period, err := loadPeriod(tx, &req.AllocationPeriodID)
	if err != nil {
		return err
	}
	now := s.now()
	if !workflow.PeriodStarted(period, now, s.cfg.Location) {
		return models.NewValidationError(fmt.Sprintf("allocation period %s has not started", period.Name))
	}
	amount := s.cfg.FCADefaultAllocation
	if req.ComputingAllowance == models.AllowancePCA {
		amount = s.cfg.PCADefaultAllocation
	}
	units, err := workflow.ProratedAllocationAmount(amount, now, period, s.cfg)
	if err != nil {
		return models.NewValidationError(err.Error())
	}
	pc, err := poolingCase(tx, req)
	if err != nil {
		return err
	}

	if err := upgradePI(tx, fx, req.PIID); err != nil {
		return err
	}
	post, err := loadProject(tx, req.PostProjectID)
	if err != nil {
		return err
	}
	wasActive := post.Status == models.ProjectStatusActive
	if err := setProjectStatus(tx, fx, post.ID, models.ProjectStatusActive); err != nil {
		return err
	}

	alloc, err := projectAllocation(tx, post.ID, post.ComputeResourceName())
	if err != nil {
		return err
	}
	alloc.Status = models.AllocationStatusActive
	if !wasActive || alloc.StartDate == nil {
		alloc.StartDate = &now
	}
	if !wasActive || alloc.EndDate == nil {
		end := workflow.NextAllocationStart(period, s.cfg.Location).Add(-time.Second)
		alloc.EndDate = &end
	}
	if err := save(tx, alloc); err != nil {
		return err
	}
	if attr, err := allocationAttribute(tx, alloc.ID, models.AttrSavioAllocationType); err != nil {
		return err
	} else if attr == nil {
		if err := setAllocationAttribute(tx, alloc.ID, models.AttrSavioAllocationType, string(req.ComputingAllowance)); err != nil {
			return err
		}
	}
	existing, ok, err := serviceUnits(tx, alloc.ID)
	if err != nil {
		return err
	}
	if !ok {
		existing = s.cfg.AllocationMin
	}
	total := existing.Add(units)
	if err := workflow.ValidateServiceUnits(total, s.cfg); err != nil {
		return models.NewValidationError(err.Error())
	}
	if err := setServiceUnits(tx, alloc.ID, total); err != nil {
		return err
	}
	if err := recordProjectTransaction(tx, post.ID, now, total); err != nil {
		return err
	}
	if err := updateExistingUserAllocations(tx, post.ID, alloc.ID, total, now); err != nil {
		return err
	}

	if _, err := upsertProjectUser(tx, post.ID, req.PIID, models.ProjectUserRolePI, true); err != nil {
		return err
	}
	if req.RequesterID != req.PIID {
		if _, err := upsertProjectUser(tx, post.ID, req.RequesterID, models.ProjectUserRoleManager, true); err != nil {
			return err
		}
	}
	accessAU, err := activeAllocationUser(tx, alloc.ID, req.PIID)
	if err != nil {
		return err
	}
	if req.RequesterID != req.PIID {
		if accessAU, err = activeAllocationUser(tx, alloc.ID, req.RequesterID); err != nil {
			return err
		}
	}
	if err := requestClusterAccess(tx, fx, accessAU); err != nil {
		return err
	}

	if err := s.handlePoolingCase(tx, fx, req, pc, period, now); err != nil {
		return err
	}

	prev := req.Status
	req.Status = models.RenewalComplete
	req.NumServiceUnits = units
	req.CompletionTime = s.stamp()
	if err := save(tx, req); err != nil {
		return err
	}
	transition(fx, TypeRenewal, req.ID, req.RequesterID, string(prev), string(req.Status))

	requester, err := loadUser(tx, req.RequesterID)
	if err != nil {
		return err
	}
	pi, err := loadUser(tx, req.PIID)
	if err != nil {
		return err
	}
	data := map[string]interface{}{
		"PIName":          displayName(pi),
		"ProjectName":     post.Name,
		"PeriodName":      period.Name,
		"NumServiceUnits": units.StringFixed(2),
		"ProjectURL":      s.url("/projects/%d", post.ID),
	}
	if req.PreProjectID != nil && *req.PreProjectID != post.ID {
		if pre, err := loadProject(tx, *req.PreProjectID); err == nil {
			data["PreProjectName"] = pre.Name
		}
	}
	emailUsers(fx, mail.TmplRenewalRequestProcessed, "Allocation Renewal Request Processed",
		[]*models.User{requester, pi}, data, s.cfg.ApprovalCCEmails())
	middleware.Logger.Info("allocation renewal processed",
		"request_id", req.ID, "project", post.Name, "pooling_case", string(pc), "service_units", units.String())
	return nil
}

func (s *RenewalService) handlePoolingCase(tx *gorm.DB, fx *effects, req *models.AllocationRenewalRequest, pc models.PoolingCase, period *models.AllocationPeriod, now time.Time) error {
	switch pc {
	case models.UnpooledToUnpooled, models.PooledToPooledSame:
		return nil
	case models.PooledToPooledDiff, models.PooledToUnpooledOld, models.PooledToUnpooledNew:
		if err := demotePIOnPreProject(tx, req); err != nil {
			return err
		}
	}
	return deactivatePreProject(tx, fx, req, period, now)
}

// poolingCase classifies req by how it moves the PI between projects.
func poolingCase(tx *gorm.DB, req *models.AllocationRenewalRequest) (models.PoolingCase, error) {
	in := workflow.PoolingInput{
		PreProjectID:      req.PreProjectID,
		PostProjectID:     req.PostProjectID,
		NewProjectRequest: req.NewProjectRequestID != nil,
	}
	var err error
	if req.PreProjectID != nil {
		if in.PrePooled, err = hasOtherPI(tx, *req.PreProjectID, req.PIID); err != nil {
			return "", err
		}
	}
	if in.PostPooled, err = hasOtherPI(tx, req.PostProjectID, req.PIID); err != nil {
		return "", err
	}
	return workflow.PoolingPreferenceCase(in), nil
}

func hasOtherPI(tx *gorm.DB, projectID, piID uint) (bool, error) {
	var n int64
	err := tx.Model(&models.ProjectUser{}).
		Where("project_id = ? AND user_id <> ? AND role = ? AND status = ?",
			projectID, piID, models.ProjectUserRolePI, models.ProjectUserStatusActive).
		Count(&n).Error
	return n > 0, err
}

// demotePIOnPreProject makes the PI a User on a pre_project that has other
// PIs.
func demotePIOnPreProject(tx *gorm.DB, req *models.AllocationRenewalRequest) error {
	if req.PreProjectID == nil {
		return nil
	}
	pooled, err := hasOtherPI(tx, *req.PreProjectID, req.PIID)
	if err != nil || !pooled {
		return err
	}
	res := tx.Model(&models.ProjectUser{}).
		Where("project_id = ? AND user_id = ?", *req.PreProjectID, req.PIID).
		Update("role", models.ProjectUserRoleUser)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		middleware.Logger.Error("PI has no membership on the project they stop pooling under",
			"request_id", req.ID, "project_id", *req.PreProjectID, "pi_id", req.PIID)
	}
	return nil
}

// deactivatePreProject retires the pre_project unless it was renewed this
// period or another PI completed a request to pool into it.
func deactivatePreProject(tx *gorm.DB, fx *effects, req *models.AllocationRenewalRequest, period *models.AllocationPeriod, now time.Time) error {
	if req.PreProjectID == nil || *req.PreProjectID == req.PostProjectID {
		return nil
	}
	preID := *req.PreProjectID
	var n int64
	if err := tx.Model(&models.AllocationRenewalRequest{}).
		Where("allocation_period_id = ? AND status = ? AND post_project_id = ? AND id <> ?",
			period.ID, models.RenewalComplete, preID, req.ID).
		Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		middleware.Logger.Info("pre-project renewed this period, skipping deactivation", "project_id", preID)
		return nil
	}
	if err := tx.Model(&models.SavioProjectAllocationRequest{}).
		Where("project_id = ? AND allocation_type = ? AND pool = ? AND pi_id <> ? AND status = ?",
			preID, models.AllowanceFCA, true, req.PIID, models.ProjectRequestApprovedComplete).
		Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		middleware.Logger.Info("pre-project pooled by another PI, skipping deactivation", "project_id", preID)
		return nil
	}
	pre, err := loadProject(tx, preID)
	if err != nil {
		return err
	}
	alloc, err := deactivateProject(tx, fx, pre)
	if err != nil {
		return err
	}
	if alloc != nil {
		middleware.Logger.Info("pre-project deactivated", "project", pre.Name, "allocation_id", alloc.ID)
	}
	return nil
}

// deactivateProject sets the project Inactive and expires its compute
// allocation, returning it. Service units are left as they are.
func deactivateProject(tx *gorm.DB, fx *effects, project *models.Project) (*models.Allocation, error) {
	if err := setProjectStatus(tx, fx, project.ID, models.ProjectStatusInactive); err != nil {
		return nil, err
	}
	alloc, err := findProjectAllocation(tx, project.ID, project.ComputeResourceName())
	if err != nil || alloc == nil {
		return nil, err
	}
	alloc.Status = models.AllocationStatusExpired
	if err := save(tx, alloc); err != nil {
		return nil, err
	}
	return alloc, nil
}

// expireProject deactivates the project and zeroes its service units,
// recording the transactions.
func expireProject(tx *gorm.DB, fx *effects, project *models.Project, now time.Time) error {
	alloc, err := deactivateProject(tx, fx, project)
	if err != nil || alloc == nil {
		return err
	}
	if err := setServiceUnits(tx, alloc.ID, decimal.Zero); err != nil {
		return err
	}
	if err := recordProjectTransaction(tx, project.ID, now, decimal.Zero); err != nil {
		return err
	}
	var aus []models.AllocationUser
	if err := tx.Where("allocation_id = ?", alloc.ID).Find(&aus).Error; err != nil {
		return err
	}
	for i := range aus {
		attr, err := allocationUserAttribute(tx, aus[i].ID, models.AttrServiceUnits)
		if err != nil {
			return err
		}
		if attr == nil {
			continue
		}
		if err := tx.Model(attr).Update("value", decimal.Zero.StringFixed(2)).Error; err != nil {
			return err
		}
		var pu models.ProjectUser
		err = tx.Where("project_id = ? AND user_id = ?", project.ID, aus[i].UserID).First(&pu).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := recordProjectUserTransaction(tx, pu.ID, now, decimal.Zero); err != nil {
			return err
		}
	}
	middleware.Logger.Info("project deactivated", "project", project.Name, "allocation_id", alloc.ID)
	return nil
}

// denyRenewal sets an Under Review renewal to Denied, denies a post_project
// created only for it, and emails the requester and PI.
func denyRenewal(tx *gorm.DB, fx *effects, req *models.AllocationRenewalRequest) error {
	if req.Status != models.RenewalUnderReview {
		return models.NewValidationError(fmt.Sprintf("request has status %q, not Under Review", req.Status))
	}
	pc, err := poolingCase(tx, req)
	if err != nil {
		return err
	}
	if pc == models.PooledToUnpooledNew {
		if err := setProjectStatus(tx, fx, req.PostProjectID, models.ProjectStatusDenied); err != nil {
			return err
		}
	}
	prev := req.Status
	req.Status = models.RenewalDenied
	if err := save(tx, req); err != nil {
		return err
	}
	transition(fx, TypeRenewal, req.ID, req.RequesterID, string(prev), string(req.Status))

	reason, err := workflow.RenewalDenialReason(req.State.Data(), req.NewProjectRequest)
	if err != nil {
		reason = models.DenialReason{Category: models.DenialCategoryOther}
	}
	post, err := loadProject(tx, req.PostProjectID)
	if err != nil {
		return err
	}
	period, err := loadPeriod(tx, &req.AllocationPeriodID)
	if err != nil {
		return err
	}
	requester, err := loadUser(tx, req.RequesterID)
	if err != nil {
		return err
	}
	pi, err := loadUser(tx, req.PIID)
	if err != nil {
		return err
	}
	emailUsers(fx, mail.TmplRenewalRequestDenied, "Allocation Renewal Request Denied", []*models.User{requester, pi},
		map[string]interface{}{
			"PIName":              displayName(pi),
			"ProjectName":         post.Name,
			"PeriodName":          period.Name,
			"ReasonCategory":      reason.Category,
			"ReasonJustification": reason.Justification,
		}, nil)
	return nil
}
