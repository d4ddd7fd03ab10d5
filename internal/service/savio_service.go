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
	"coldfront/internal/validation"
	"coldfront/internal/workflow"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SavioService runs the review workflow of Savio new project requests.
type SavioService struct {
	base
}

func NewSavioService(d Deps) *SavioService {
	return &SavioService{base: newBase(d)}
}

// CreateSavioRequest is the submission of a new Savio project request. With
// Pool set, ProjectName names an existing active project to pool into.
type CreateSavioRequest struct {
	RequesterID        uint                 `json:"-"`
	PIID               uint                 `json:"pi_id"`
	AllocationType     models.AllowanceType `json:"allocation_type"`
	ProjectName        string               `json:"project_name"`
	Title              string               `json:"title"`
	Description        string               `json:"description"`
	Pool               bool                 `json:"pool"`
	AllocationPeriodID *uint                `json:"allocation_period_id"`
	SurveyAnswers      datatypes.JSON       `json:"survey_answers" swaggertype:"object"`
	NumServiceUnits    string               `json:"num_service_units"`
	CampusChartfield   string               `json:"campus_chartfield"`
}

// Create files a request and a New project for it, then notifies the admins.
func (s *SavioService) Create(ctx context.Context, in CreateSavioRequest) (*models.SavioProjectAllocationRequest, error) {
	if !in.AllocationType.Valid() {
		return nil, models.NewValidationError(fmt.Sprintf("invalid allocation type %q", in.AllocationType))
	}
	name := strings.ToLower(strings.TrimSpace(in.ProjectName))
	if err := validation.ValidateProjectName(name, in.AllocationType.NamePrefix()); err != nil {
		return nil, models.NewValidationError(err.Error())
	}
	if in.AllocationType == models.AllowanceRecharge {
		units, err := decimal.NewFromString(in.NumServiceUnits)
		if err != nil {
			return nil, models.NewValidationError("num_service_units must be a decimal")
		}
		if err := workflow.ValidateServiceUnits(units, s.cfg); err != nil {
			return nil, models.NewValidationError(err.Error())
		}
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
		period, err := loadPeriod(tx, in.AllocationPeriodID)
		if err != nil {
			return err
		}
		if period == nil && (in.AllocationType == models.AllowanceFCA || in.AllocationType == models.AllowancePCA) {
			return models.NewValidationError("an allocation period is required for this allocation type")
		}

		var project models.Project
		err = tx.Where("name = ?", name).First(&project).Error
		switch {
		case in.Pool && errors.Is(err, gorm.ErrRecordNotFound):
			return models.NewValidationError(fmt.Sprintf("project %q does not exist", name))
		case in.Pool && err == nil && project.Status != models.ProjectStatusActive:
			return models.NewValidationError(fmt.Sprintf("project %q is not active", name))
		case !in.Pool && err == nil:
			return models.NewConflictError(fmt.Sprintf("a project named %q already exists", name))
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		case !in.Pool:
			project = models.Project{Name: name, Title: in.Title, Description: in.Description, Status: models.ProjectStatusNew}
			if err := tx.Create(&project).Error; err != nil {
				return err
			}
		}

		req := models.SavioProjectAllocationRequest{
			RequesterID:        requester.ID,
			AllocationType:     in.AllocationType,
			PIID:               pi.ID,
			ProjectID:          project.ID,
			Pool:               in.Pool,
			AllocationPeriodID: in.AllocationPeriodID,
			SurveyAnswers:      in.SurveyAnswers,
			ExtraFields: datatypes.NewJSONType(models.SavioExtraFields{
				NumServiceUnits:  in.NumServiceUnits,
				CampusChartfield: in.CampusChartfield,
			}),
			Status:      models.ProjectRequestUnderReview,
			State:       datatypes.NewJSONType(models.NewSavioRequestState(name)),
			RequestTime: s.stamp(),
		}
		if err := tx.Create(&req).Error; err != nil {
			return err
		}
		id = req.ID

		created(fx, TypeSavio, req.ID, requester.ID, string(req.Status))
		s.emailAdmins(fx, mail.TmplNewProjectRequestAdmins, "New Savio Project Request", map[string]interface{}{
			"ProjectName":   name,
			"RequesterName": displayName(requester),
			"PIName":        displayName(pi),
			"PIEmail":       pi.Email,
			"ReviewURL":     s.url("/api/savio_project_requests/%d", req.ID),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Get loads a request with its relations.
func (s *SavioService) Get(ctx context.Context, id uint) (*models.SavioProjectAllocationRequest, error) {
	var req models.SavioProjectAllocationRequest
	err := s.db.WithContext(ctx).
		Preload("Requester").Preload("PI").Preload("Project").Preload("AllocationPeriod").
		First(&req, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewNotFoundError("SavioProjectAllocationRequest", id)
	}
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return &req, nil
}

type savioStep func(tx *gorm.DB, fx *effects, req *models.SavioProjectAllocationRequest, st *models.SavioRequestState) error

// review locks the request, applies step to its state, re-derives the status
// and runs the denial runner when the request becomes Denied.
func (s *SavioService) review(ctx context.Context, id uint, step savioStep) (*models.SavioProjectAllocationRequest, error) {
	_, err := s.inTx(ctx, func(tx *gorm.DB, fx *effects) error {
		req, err := lockByID[models.SavioProjectAllocationRequest](tx, id, "SavioProjectAllocationRequest")
		if err != nil {
			return err
		}
		if req.Status.IsTerminal() {
			return models.NewValidationError(fmt.Sprintf("request has status %q and can no longer be reviewed", req.Status))
		}
		st := req.State.Data()
		if err := step(tx, fx, req, &st); err != nil {
			return err
		}
		return s.applyState(tx, fx, req, st)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *SavioService) applyState(tx *gorm.DB, fx *effects, req *models.SavioProjectAllocationRequest, st models.SavioRequestState) error {
	prev := req.Status
	req.State = datatypes.NewJSONType(st)
	next := workflow.SavioStateStatus(st, req.AllocationType)
	if !(prev == models.ProjectRequestApprovedScheduled && next == models.ProjectRequestApprovedProcessing) {
		req.Status = next
	}
	if err := save(tx, req); err != nil {
		return err
	}
	transition(fx, TypeSavio, req.ID, req.RequesterID, string(prev), string(req.Status))
	if req.Status == models.ProjectRequestDenied && prev != models.ProjectRequestDenied {
		return s.runDenial(tx, fx, req)
	}
	return nil
}

// ReviewEligibility records whether the PI is eligible.
func (s *SavioService) ReviewEligibility(ctx context.Context, id uint, status models.StepStatus, justification string) (*models.SavioProjectAllocationRequest, error) {
	if !validReviewStatus(status) {
		return nil, models.NewValidationError(fmt.Sprintf("invalid status %q", status))
	}
	return s.review(ctx, id, func(_ *gorm.DB, _ *effects, _ *models.SavioProjectAllocationRequest, st *models.SavioRequestState) error {
		st.Eligibility = models.ReviewStep{Status: status, Justification: justification, Timestamp: s.stamp()}
		return nil
	})
}

// ReviewReadiness records whether the project is ready. Approving a pooled
// request tells the PIs and managers of the existing project.
func (s *SavioService) ReviewReadiness(ctx context.Context, id uint, status models.StepStatus, justification string) (*models.SavioProjectAllocationRequest, error) {
	if !validReviewStatus(status) {
		return nil, models.NewValidationError(fmt.Sprintf("invalid status %q", status))
	}
	return s.review(ctx, id, func(tx *gorm.DB, fx *effects, req *models.SavioProjectAllocationRequest, st *models.SavioRequestState) error {
		st.Readiness = models.ReviewStep{Status: status, Justification: justification, Timestamp: s.stamp()}
		if status != models.StepApproved || !req.Pool {
			return nil
		}
		project, err := loadProject(tx, req.ProjectID)
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
		members, err := membersWithRoles(tx, project.ID, models.ProjectUserRolePI, models.ProjectUserRoleManager)
		if err != nil {
			return err
		}
		emailUsers(fx, mail.TmplPooledProjectReadiness, "New Request to Pool into Your Project", projectUsers(members),
			map[string]interface{}{
				"ProjectName":   project.Name,
				"RequesterName": displayName(requester),
				"PIName":        displayName(pi),
			}, nil)
		return nil
	})
}

// ReviewAllocationDates records the start and end dates of an ICA.
func (s *SavioService) ReviewAllocationDates(ctx context.Context, id uint, status models.StepStatus, start, end string) (*models.SavioProjectAllocationRequest, error) {
	if !validCompletionStatus(status) {
		return nil, models.NewValidationError(fmt.Sprintf("invalid status %q", status))
	}
	return s.review(ctx, id, func(_ *gorm.DB, _ *effects, req *models.SavioProjectAllocationRequest, st *models.SavioRequestState) error {
		if !workflow.RequiresAllocationDates(req.AllocationType) {
			return models.NewValidationError("allocation dates only apply to ICA requests")
		}
		dates := models.DateRange{Start: start, End: end}
		if status == models.StepComplete {
			if _, _, err := workflow.ICADatesToAllocation(dates, s.cfg.Location); err != nil {
				return models.NewValidationError(err.Error())
			}
		}
		st.AllocationDates = models.AllocationDatesStep{Status: status, Dates: dates, Timestamp: s.stamp()}
		return nil
	})
}

// ReviewMemorandumSigned records whether the MOU has been signed.
func (s *SavioService) ReviewMemorandumSigned(ctx context.Context, id uint, status models.StepStatus) (*models.SavioProjectAllocationRequest, error) {
	if !validCompletionStatus(status) {
		return nil, models.NewValidationError(fmt.Sprintf("invalid status %q", status))
	}
	return s.review(ctx, id, func(_ *gorm.DB, _ *effects, req *models.SavioProjectAllocationRequest, st *models.SavioRequestState) error {
		if !workflow.RequiresMemorandum(req.AllocationType) {
			return models.NewValidationError("a memorandum only applies to ICA and Recharge requests")
		}
		st.MemorandumSigned = models.TimestampedStep{Status: status, Timestamp: s.stamp()}
		return nil
	})
}

// ReviewSetup completes setup, renaming the project to finalName.
func (s *SavioService) ReviewSetup(ctx context.Context, id uint, status models.StepStatus, finalName, justification string) (*models.SavioProjectAllocationRequest, error) {
	if !validCompletionStatus(status) {
		return nil, models.NewValidationError(fmt.Sprintf("invalid status %q", status))
	}
	return s.review(ctx, id, func(tx *gorm.DB, fx *effects, req *models.SavioProjectAllocationRequest, st *models.SavioRequestState) error {
		if workflow.SavioSetupStatus(*st, req.AllocationType) == models.StepNotApplicable {
			return models.NewValidationError("setup is not applicable to a denied request")
		}
		if status == models.StepComplete && req.Status != models.ProjectRequestApprovedProcessing {
			return models.NewValidationError("all other review steps must be completed before setup")
		}
		name, err := renameProject(tx, fx, req.ProjectID, req.Pool, st.Setup.NameChange.RequestedName, finalName, req.AllocationType.NamePrefix())
		if err != nil {
			return err
		}
		st.Setup = models.SetupStep{
			Status: status,
			NameChange: models.NameChange{
				RequestedName: st.Setup.NameChange.RequestedName,
				FinalName:     name,
				Justification: justification,
			},
			Timestamp: s.stamp(),
		}
		return nil
	})
}

// renameProject renames a non-pooled project, enforcing unique names, and
// returns the final name.
func renameProject(tx *gorm.DB, fx *effects, projectID uint, pooled bool, requested, finalName, prefix string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(finalName))
	if name == "" {
		name = requested
	}
	if pooled || name == requested {
		return name, nil
	}
	if err := validation.ValidateProjectName(name, prefix); err != nil {
		return "", models.NewValidationError("final name: " + err.Error())
	}
	var n int64
	if err := tx.Model(&models.Project{}).Where("name = ? AND id <> ?", name, projectID).Count(&n).Error; err != nil {
		return "", err
	}
	if n > 0 {
		return "", models.NewConflictError(fmt.Sprintf("a project named %q already exists", name))
	}
	if err := tx.Model(&models.Project{}).Where("id = ?", projectID).Update("name", name).Error; err != nil {
		return "", err
	}
	fx.invalidateProject(projectID)
	return name, nil
}

// Deny denies the request for a reason outside the checklist.
func (s *SavioService) Deny(ctx context.Context, id uint, justification string) (*models.SavioProjectAllocationRequest, error) {
	if strings.TrimSpace(justification) == "" {
		return nil, models.NewValidationError("a justification is required")
	}
	return s.review(ctx, id, func(_ *gorm.DB, _ *effects, _ *models.SavioProjectAllocationRequest, st *models.SavioRequestState) error {
		st.Other = models.OtherStep{Justification: justification, Timestamp: s.stamp()}
		return nil
	})
}

// Undeny reopens a denied request for review.
func (s *SavioService) Undeny(ctx context.Context, id uint) (*models.SavioProjectAllocationRequest, error) {
	_, err := s.inTx(ctx, func(tx *gorm.DB, fx *effects) error {
		req, err := lockByID[models.SavioProjectAllocationRequest](tx, id, "SavioProjectAllocationRequest")
		if err != nil {
			return err
		}
		if req.Status != models.ProjectRequestDenied {
			return models.NewValidationError(fmt.Sprintf("request has status %q, not Denied", req.Status))
		}
		st := req.State.Data()
		if st.Eligibility.Status == models.StepDenied {
			st.Eligibility.Status = models.StepPending
		}
		if st.Readiness.Status == models.StepDenied {
			st.Readiness.Status = models.StepPending
		}
		st.Other = models.OtherStep{}
		if !req.Pool {
			if err := tx.Model(&models.Project{}).
				Where("id = ? AND status = ?", req.ProjectID, models.ProjectStatusDenied).
				Update("status", models.ProjectStatusNew).Error; err != nil {
				return err
			}
			fx.invalidateProject(req.ProjectID)
		}
		return s.applyState(tx, fx, req, st)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Approve grants the request. A request whose allocation period has not
// started is scheduled instead and processed later by ProcessScheduled.
func (s *SavioService) Approve(ctx context.Context, id uint) (*models.SavioProjectAllocationRequest, []string, error) {
	fx, err := s.runner(ctx, "savio_project_approval", func(tx *gorm.DB, fx *effects) error {
		req, err := lockByID[models.SavioProjectAllocationRequest](tx, id, "SavioProjectAllocationRequest")
		if err != nil {
			return err
		}
		if req.Status != models.ProjectRequestApprovedProcessing {
			return models.NewValidationError(fmt.Sprintf("request has status %q and cannot be approved", req.Status))
		}
		if !workflow.SavioChecklistComplete(req.State.Data(), req.AllocationType) {
			return models.NewValidationError("every review step must be completed before approval")
		}
		if req.AllocationPeriod, err = loadPeriod(tx, req.AllocationPeriodID); err != nil {
			return err
		}
		units, err := s.unitsFor(tx, req)
		if err != nil {
			return err
		}
		req.ApprovalTime = s.stamp()
		if req.AllocationPeriod != nil && !workflow.PeriodStarted(req.AllocationPeriod, s.now(), s.cfg.Location) {
			req.Status = models.ProjectRequestApprovedScheduled
			if err := save(tx, req); err != nil {
				return err
			}
			transition(fx, TypeSavio, req.ID, req.RequesterID, string(models.ProjectRequestApprovedProcessing), string(req.Status))
			fx.note(fmt.Sprintf("Request scheduled for processing on %s.", workflow.FormatDate(req.AllocationPeriod.StartDate)))
			return nil
		}
		return s.runApproval(tx, fx, req, units)
	})
	if err != nil {
		return nil, nil, err
	}
	out, err := s.Get(ctx, id)
	return out, fx.notes, err
}

// ProcessScheduled runs the approval of a scheduled request whose allocation
// period has started.
func (s *SavioService) ProcessScheduled(ctx context.Context, id uint) error {
	_, err := s.runner(ctx, "savio_project_approval", func(tx *gorm.DB, fx *effects) error {
		req, err := lockByID[models.SavioProjectAllocationRequest](tx, id, "SavioProjectAllocationRequest")
		if err != nil {
			return err
		}
		if req.Status != models.ProjectRequestApprovedScheduled {
			return models.NewValidationError(fmt.Sprintf("request has status %q, not scheduled", req.Status))
		}
		if req.AllocationPeriod, err = loadPeriod(tx, req.AllocationPeriodID); err != nil {
			return err
		}
		if req.AllocationPeriod != nil && !workflow.PeriodStarted(req.AllocationPeriod, s.now(), s.cfg.Location) {
			return models.NewValidationError("the allocation period has not started")
		}
		units, err := s.unitsFor(tx, req)
		if err != nil {
			return err
		}
		return s.runApproval(tx, fx, req, units)
	})
	return err
}

func (s *SavioService) unitsFor(tx *gorm.DB, req *models.SavioProjectAllocationRequest) (decimal.Decimal, error) {
	var n int64
	if err := tx.Model(&models.AllocationRenewalRequest{}).Where("new_project_request_id = ?", req.ID).Count(&n).Error; err != nil {
		return decimal.Zero, err
	}
	units, err := workflow.ServiceUnitsToAllocate(req, n > 0, s.now(), s.cfg)
	if err != nil {
		return decimal.Zero, models.NewValidationError(err.Error())
	}
	return units, nil
}

// runApproval activates the project and its compute allocation, grants the
// service units, adds the requester and PI and requests the requester's
// cluster access.
func (s *SavioService) runApproval(tx *gorm.DB, fx *effects, req *models.SavioProjectAllocationRequest, units decimal.Decimal) error {
	now := s.now()
	prev := req.Status

	if err := upgradePI(tx, fx, req.PIID); err != nil {
		return err
	}
	if err := setProjectStatus(tx, fx, req.ProjectID, models.ProjectStatusActive); err != nil {
		return err
	}
	project, err := loadProject(tx, req.ProjectID)
	if err != nil {
		return err
	}
	alloc, err := projectAllocation(tx, project.ID, project.ComputeResourceName())
	if err != nil {
		return err
	}

	total, err := s.updateAllocation(tx, req, alloc, units, now)
	if err != nil {
		return err
	}
	if err := recordProjectTransaction(tx, project.ID, now, total); err != nil {
		return err
	}
	if req.Pool {
		if err := updateExistingUserAllocations(tx, project.ID, alloc.ID, total, now); err != nil {
			return err
		}
	}

	// Both become members with allocation users, but only the requester
	// asks for cluster access. Their service units follow once it is granted.
	if req.RequesterID != req.PIID {
		if _, err := upsertProjectUser(tx, project.ID, req.RequesterID, models.ProjectUserRoleManager, true); err != nil {
			return err
		}
	}
	if _, err := upsertProjectUser(tx, project.ID, req.PIID, models.ProjectUserRolePI, true); err != nil {
		return err
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

	req.Status = models.ProjectRequestApprovedComplete
	req.CompletionTime = s.stamp()
	if req.ApprovalTime == nil {
		req.ApprovalTime = req.CompletionTime
	}
	if err := save(tx, req); err != nil {
		return err
	}
	transition(fx, TypeSavio, req.ID, req.RequesterID, string(prev), string(req.Status))

	requester, err := loadUser(tx, req.RequesterID)
	if err != nil {
		return err
	}
	pi, err := loadUser(tx, req.PIID)
	if err != nil {
		return err
	}
	emailUsers(fx, mail.TmplNewProjectRequestApproved, "New Project Request Approved", []*models.User{requester, pi},
		map[string]interface{}{
			"ProjectName":     project.Name,
			"PIName":          displayName(pi),
			"Pooled":          req.Pool,
			"NumServiceUnits": total.StringFixed(2),
			"ProjectURL":      s.url("/projects/%d", project.ID),
		}, s.cfg.ApprovalCCEmails())
	middleware.Logger.Info("savio project request approved",
		"request_id", req.ID, "project", project.Name, "service_units", total.String())
	return nil
}

// updateAllocation activates alloc and sets its dates, type and service
// units. It returns the new service unit total.
func (s *SavioService) updateAllocation(tx *gorm.DB, req *models.SavioProjectAllocationRequest, alloc *models.Allocation, units decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	alloc.Status = models.AllocationStatusActive
	if !req.Pool {
		start := now
		var end *time.Time
		switch req.AllocationType {
		case models.AllowanceICA:
			icaStart, icaEnd, err := workflow.ICADatesToAllocation(req.State.Data().AllocationDates.Dates, s.cfg.Location)
			if err != nil {
				return decimal.Zero, models.NewValidationError(err.Error())
			}
			start, end = icaStart, &icaEnd
		case models.AllowanceFCA, models.AllowancePCA:
			if req.AllocationPeriod != nil {
				e := workflow.NextAllocationStart(req.AllocationPeriod, s.cfg.Location).Add(-time.Second)
				end = &e
			}
		}
		alloc.StartDate = &start
		alloc.EndDate = end
	}
	if err := save(tx, alloc); err != nil {
		return decimal.Zero, err
	}
	if err := setAllocationAttribute(tx, alloc.ID, models.AttrSavioAllocationType, string(req.AllocationType)); err != nil {
		return decimal.Zero, err
	}

	total := units
	switch {
	case req.AllocationType == models.AllowanceCO:
		total = s.cfg.AllocationMax
	case req.Pool:
		existing, _, err := serviceUnits(tx, alloc.ID)
		if err != nil {
			return decimal.Zero, err
		}
		total = existing.Add(units)
		if err := workflow.ValidateServiceUnits(total, s.cfg); err != nil {
			return decimal.Zero, models.NewValidationError(err.Error())
		}
	}
	if err := setServiceUnits(tx, alloc.ID, total); err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

// updateExistingUserAllocations raises every active member's service units to
// the project total.
func updateExistingUserAllocations(tx *gorm.DB, projectID, allocationID uint, total decimal.Decimal, now time.Time) error {
	var aus []models.AllocationUser
	if err := tx.Where("allocation_id = ? AND status = ?", allocationID, models.AllocationUserStatusActive).Find(&aus).Error; err != nil {
		return err
	}
	for i := range aus {
		if err := setAllocationUserAttribute(tx, &aus[i], models.AttrServiceUnits, total.StringFixed(2)); err != nil {
			return err
		}
		var pu models.ProjectUser
		err := tx.Where("project_id = ? AND user_id = ?", projectID, aus[i].UserID).First(&pu).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := recordProjectUserTransaction(tx, pu.ID, now, total); err != nil {
			return err
		}
	}
	return nil
}

// runDenial denies the project unless the request pools into an existing
// one, emails the requester and PI, and denies renewals that depend on req.
func (s *SavioService) runDenial(tx *gorm.DB, fx *effects, req *models.SavioProjectAllocationRequest) error {
	project, err := loadProject(tx, req.ProjectID)
	if err != nil {
		return err
	}
	if !req.Pool {
		if err := setProjectStatus(tx, fx, project.ID, models.ProjectStatusDenied); err != nil {
			return err
		}
	}
	reason, err := workflow.SavioDenialReason(req.State.Data())
	if err != nil {
		return err
	}
	if err := s.denyDependentRenewals(tx, fx, req.ID, reason); err != nil {
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
	emailUsers(fx, mail.TmplNewProjectRequestDenied, "New Project Request Denied", []*models.User{requester, pi},
		map[string]interface{}{
			"ProjectName":         project.Name,
			"PIName":              displayName(pi),
			"Pooled":              req.Pool,
			"ReasonCategory":      reason.Category,
			"ReasonJustification": reason.Justification,
		}, nil)
	return nil
}

// denyDependentRenewals denies renewals waiting on the new project request.
func (s *SavioService) denyDependentRenewals(tx *gorm.DB, fx *effects, requestID uint, reason models.DenialReason) error {
	var renewals []models.AllocationRenewalRequest
	err := tx.Where("new_project_request_id = ? AND status = ?", requestID, models.RenewalUnderReview).Find(&renewals).Error
	if err != nil {
		return err
	}
	for i := range renewals {
		r := &renewals[i]
		st := r.State.Data()
		st.Other = models.OtherStep{
			Justification: fmt.Sprintf("The new project request was denied: %s", reason.Category),
			Timestamp:     s.stamp(),
		}
		r.State = datatypes.NewJSONType(st)
		if err := denyRenewal(tx, fx, r); err != nil {
			return err
		}
	}
	return nil
}
