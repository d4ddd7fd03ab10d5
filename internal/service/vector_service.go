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
	"coldfront/internal/workflow"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// VectorService runs the review workflow of Vector new project requests.
type VectorService struct {
	base
}

func NewVectorService(d Deps) *VectorService {
	return &VectorService{base: newBase(d)}
}

// CreateVectorRequest is the submission of a new Vector project request.
type CreateVectorRequest struct {
	RequesterID uint   `json:"-"`
	PIID        uint   `json:"pi_id"`
	ProjectName string `json:"project_name"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Create files a request and a New project for it.
func (s *VectorService) Create(ctx context.Context, in CreateVectorRequest) (*models.VectorProjectAllocationRequest, error) {
	name := strings.ToLower(strings.TrimSpace(in.ProjectName))
	if err := validation.ValidateProjectName(name, models.AllowanceVector.NamePrefix()); err != nil {
		return nil, models.NewValidationError(err.Error())
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
		var n int64
		if err := tx.Model(&models.Project{}).Where("name = ?", name).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return models.NewConflictError(fmt.Sprintf("a project named %q already exists", name))
		}
		project := models.Project{Name: name, Title: in.Title, Description: in.Description, Status: models.ProjectStatusNew}
		if err := tx.Create(&project).Error; err != nil {
			return err
		}
		req := models.VectorProjectAllocationRequest{
			RequesterID: requester.ID,
			PIID:        pi.ID,
			ProjectID:   project.ID,
			Status:      models.ProjectRequestUnderReview,
			State:       datatypes.NewJSONType(models.NewVectorRequestState(name)),
			RequestTime: s.stamp(),
		}
		if err := tx.Create(&req).Error; err != nil {
			return err
		}
		id = req.ID

		created(fx, TypeVector, req.ID, requester.ID, string(req.Status))
		s.emailAdmins(fx, mail.TmplNewProjectRequestAdmins, "New Vector Project Request", map[string]interface{}{
			"ProjectName":   name,
			"RequesterName": displayName(requester),
			"PIName":        displayName(pi),
			"PIEmail":       pi.Email,
			"ReviewURL":     s.url("/api/vector_project_requests/%d", req.ID),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Get loads a request with its relations.
func (s *VectorService) Get(ctx context.Context, id uint) (*models.VectorProjectAllocationRequest, error) {
	var req models.VectorProjectAllocationRequest
	err := s.db.WithContext(ctx).Preload("Requester").Preload("PI").Preload("Project").First(&req, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewNotFoundError("VectorProjectAllocationRequest", id)
	}
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return &req, nil
}

type vectorStep func(tx *gorm.DB, fx *effects, req *models.VectorProjectAllocationRequest, st *models.VectorRequestState) error

func (s *VectorService) review(ctx context.Context, id uint, step vectorStep) (*models.VectorProjectAllocationRequest, error) {
	_, err := s.inTx(ctx, func(tx *gorm.DB, fx *effects) error {
		req, err := lockByID[models.VectorProjectAllocationRequest](tx, id, "VectorProjectAllocationRequest")
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

func (s *VectorService) applyState(tx *gorm.DB, fx *effects, req *models.VectorProjectAllocationRequest, st models.VectorRequestState) error {
	prev := req.Status
	req.State = datatypes.NewJSONType(st)
	req.Status = workflow.VectorStateStatus(st)
	if err := save(tx, req); err != nil {
		return err
	}
	transition(fx, TypeVector, req.ID, req.RequesterID, string(prev), string(req.Status))
	if req.Status == models.ProjectRequestDenied && prev != models.ProjectRequestDenied {
		return s.runDenial(tx, fx, req)
	}
	return nil
}

// ReviewEligibility records whether the requester is eligible.
func (s *VectorService) ReviewEligibility(ctx context.Context, id uint, status models.StepStatus, justification string) (*models.VectorProjectAllocationRequest, error) {
	if !validReviewStatus(status) {
		return nil, models.NewValidationError(fmt.Sprintf("invalid status %q", status))
	}
	return s.review(ctx, id, func(_ *gorm.DB, _ *effects, _ *models.VectorProjectAllocationRequest, st *models.VectorRequestState) error {
		st.Eligibility = models.ReviewStep{Status: status, Justification: justification, Timestamp: s.stamp()}
		return nil
	})
}

// ReviewSetup completes setup, renaming the project to finalName.
func (s *VectorService) ReviewSetup(ctx context.Context, id uint, status models.StepStatus, finalName, justification string) (*models.VectorProjectAllocationRequest, error) {
	if !validCompletionStatus(status) {
		return nil, models.NewValidationError(fmt.Sprintf("invalid status %q", status))
	}
	return s.review(ctx, id, func(tx *gorm.DB, fx *effects, req *models.VectorProjectAllocationRequest, st *models.VectorRequestState) error {
		if status == models.StepComplete && req.Status != models.ProjectRequestApprovedProcessing {
			return models.NewValidationError("eligibility must be approved before setup")
		}
		name, err := renameProject(tx, fx, req.ProjectID, false, st.Setup.NameChange.RequestedName, finalName, models.AllowanceVector.NamePrefix())
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

// Deny denies the request by marking the requester ineligible.
func (s *VectorService) Deny(ctx context.Context, id uint, justification string) (*models.VectorProjectAllocationRequest, error) {
	if strings.TrimSpace(justification) == "" {
		return nil, models.NewValidationError("a justification is required")
	}
	return s.ReviewEligibility(ctx, id, models.StepDenied, justification)
}

// Undeny reopens a denied request for review.
func (s *VectorService) Undeny(ctx context.Context, id uint) (*models.VectorProjectAllocationRequest, error) {
	_, err := s.inTx(ctx, func(tx *gorm.DB, fx *effects) error {
		req, err := lockByID[models.VectorProjectAllocationRequest](tx, id, "VectorProjectAllocationRequest")
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
		if err := tx.Model(&models.Project{}).
			Where("id = ? AND status = ?", req.ProjectID, models.ProjectStatusDenied).
			Update("status", models.ProjectStatusNew).Error; err != nil {
			return err
		}
		fx.invalidateProject(req.ProjectID)
		return s.applyState(tx, fx, req, st)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Approve activates the project and gives the requester and PI access. The
// requester also joins the shared Savio project for Vector users.
func (s *VectorService) Approve(ctx context.Context, id uint) (*models.VectorProjectAllocationRequest, []string, error) {
	fx, err := s.runner(ctx, "vector_project_approval", func(tx *gorm.DB, fx *effects) error {
		req, err := lockByID[models.VectorProjectAllocationRequest](tx, id, "VectorProjectAllocationRequest")
		if err != nil {
			return err
		}
		if req.Status != models.ProjectRequestApprovedProcessing {
			return models.NewValidationError(fmt.Sprintf("request has status %q and cannot be approved", req.Status))
		}
		if !workflow.VectorChecklistComplete(req.State.Data()) {
			return models.NewValidationError("every review step must be completed before approval")
		}
		return s.runApproval(tx, fx, req)
	})
	if err != nil {
		return nil, nil, err
	}
	out, err := s.Get(ctx, id)
	return out, fx.notes, err
}

func (s *VectorService) runApproval(tx *gorm.DB, fx *effects, req *models.VectorProjectAllocationRequest) error {
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
	start := s.now()
	alloc.Status = models.AllocationStatusActive
	alloc.StartDate = &start
	if err := save(tx, alloc); err != nil {
		return err
	}

	roles := map[uint]models.ProjectUserRole{req.PIID: models.ProjectUserRolePI}
	order := []uint{req.PIID}
	if req.RequesterID != req.PIID {
		roles[req.RequesterID] = models.ProjectUserRoleManager
		order = []uint{req.RequesterID, req.PIID}
	}
	for _, userID := range order {
		if _, err := upsertProjectUser(tx, project.ID, userID, roles[userID], true); err != nil {
			return err
		}
		au, err := activeAllocationUser(tx, alloc.ID, userID)
		if err != nil {
			return err
		}
		if err := requestClusterAccess(tx, fx, au); err != nil {
			return err
		}
	}

	if err := s.addToVectorUsersProject(tx, fx, req.RequesterID); err != nil {
		return err
	}

	req.Status = models.ProjectRequestApprovedComplete
	req.CompletionTime = s.stamp()
	if err := save(tx, req); err != nil {
		return err
	}
	transition(fx, TypeVector, req.ID, req.RequesterID, string(prev), string(req.Status))

	requester, err := loadUser(tx, req.RequesterID)
	if err != nil {
		return err
	}
	pi, err := loadUser(tx, req.PIID)
	if err != nil {
		return err
	}
	emailUsers(fx, mail.TmplNewProjectRequestApproved, "New Vector Project Request Approved", []*models.User{requester, pi},
		map[string]interface{}{
			"ProjectName": project.Name,
			"PIName":      displayName(pi),
			"ProjectURL":  s.url("/projects/%d", project.ID),
		}, s.cfg.ApprovalCCEmails())
	fx.note(fmt.Sprintf("Vector project %s has been activated.", project.Name))
	return nil
}

// addToVectorUsersProject makes the user a member of the Savio project that
// grants Vector users access to Savio.
func (s *VectorService) addToVectorUsersProject(tx *gorm.DB, fx *effects, userID uint) error {
	name := s.cfg.SavioProjectForVectorUsers
	var project models.Project
	err := tx.Where("name = ?", name).First(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		middleware.Logger.Error("vector users project does not exist", "project", name)
		fx.note(fmt.Sprintf("Project %s does not exist; the requester was not added to it.", name))
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := upsertProjectUser(tx, project.ID, userID, models.ProjectUserRoleUser, true); err != nil {
		return err
	}
	// The project lives on Savio even though its name carries the vector_ prefix.
	alloc, err := projectAllocation(tx, project.ID, models.ResourceSavioCompute)
	if err != nil {
		return err
	}
	au, err := activeAllocationUser(tx, alloc.ID, userID)
	if err != nil {
		return err
	}
	if err := requestClusterAccess(tx, fx, au); err != nil {
		return err
	}
	fx.note(fmt.Sprintf("The requester was added to project %s.", name))
	return nil
}

func (s *VectorService) runDenial(tx *gorm.DB, fx *effects, req *models.VectorProjectAllocationRequest) error {
	if err := setProjectStatus(tx, fx, req.ProjectID, models.ProjectStatusDenied); err != nil {
		return err
	}
	reason, err := workflow.VectorDenialReason(req.State.Data())
	if err != nil {
		return err
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
	emailUsers(fx, mail.TmplNewProjectRequestDenied, "New Vector Project Request Denied", []*models.User{requester, pi},
		map[string]interface{}{
			"ProjectName":         project.Name,
			"PIName":              displayName(pi),
			"ReasonCategory":      reason.Category,
			"ReasonJustification": reason.Justification,
		}, nil)
	return nil
}
