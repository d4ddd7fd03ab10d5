package service

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"coldfront/internal/mail"
	"coldfront/internal/middleware"
	"coldfront/internal/models"
	"coldfront/internal/validation"
	"coldfront/internal/workflow"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SecureDirPrefix is prepended to every secure directory name.
const SecureDirPrefix = "pl1_"

// SecureDirService runs secure directory requests and the requests to add
// or remove users from those directories.
type SecureDirService struct {
	base
}

func NewSecureDirService(d Deps) *SecureDirService {
	return &SecureDirService{base: newBase(d)}
}

// CreateSecureDirRequest is the submission of a secure directory request.
type CreateSecureDirRequest struct {
	RequesterID     uint   `json:"-"`
	PIID            uint   `json:"pi_id"`
	ProjectID       uint   `json:"project_id"`
	DirectoryName   string `json:"directory_name"`
	RDMConsultation string `json:"rdm_consultation"`
	DataDescription string `json:"data_description"`
}

// CanProjectRequestSecureDirs reports whether the project may hold secure
// directories. Only FCA projects can.
func CanProjectRequestSecureDirs(project *models.Project) bool {
	return strings.HasPrefix(project.Name, models.AllowanceFCA.NamePrefix())
}

// Create files a request. The project must be an active FCA project without
// secure directories or an open request for them, and the requester must be
// one of its active PIs or a superuser.
func (s *SecureDirService) Create(ctx context.Context, in CreateSecureDirRequest) (*models.SecureDirRequest, error) {
	var id uint
	_, err := s.inTx(ctx, func(tx *gorm.DB, fx *effects) error {
		project, err := loadProject(tx, in.ProjectID)
		if err != nil {
			return err
		}
		if !CanProjectRequestSecureDirs(project) || project.Status != models.ProjectStatusActive {
			return models.NewValidationError(fmt.Sprintf("project %s cannot request secure directories", project.Name))
		}
		requester, err := loadUser(tx, in.RequesterID)
		if err != nil {
			return err
		}
		pis, err := membersWithRoles(tx, project.ID, models.ProjectUserRolePI)
		if err != nil {
			return err
		}
		if !requester.IsSuperuser && !containsUser(pis, requester.ID) {
			return models.NewForbiddenError(fmt.Sprintf("only a PI of %s may request secure directories for it", project.Name))
		}
		if !containsUser(pis, in.PIID) {
			return models.NewValidationError("the PI must be an active PI of the project")
		}
		var n int64
		if err := tx.Model(&models.SecureDirRequest{}).
			Where("project_id = ? AND status <> ?", project.ID, models.SecureDirDenied).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return models.NewConflictError(fmt.Sprintf("project %s already has secure directories or a request for them", project.Name))
		}

		req := models.SecureDirRequest{
			RequesterID:     requester.ID,
			PIID:            in.PIID,
			ProjectID:       project.ID,
			DirectoryName:   strings.TrimSpace(in.DirectoryName),
			RDMConsultation: in.RDMConsultation,
			DataDescription: in.DataDescription,
			Status:          models.SecureDirUnderReview,
			State:           datatypes.NewJSONType(models.NewSecureDirRequestState()),
			RequestTime:     s.stamp(),
		}
		if err := tx.Create(&req).Error; err != nil {
			return err
		}
		id = req.ID
		created(fx, TypeSecureDir, req.ID, requester.ID, string(req.Status))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func containsUser(members []models.ProjectUser, userID uint) bool {
	for _, m := range members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// Get loads a request with its relations.
func (s *SecureDirService) Get(ctx context.Context, id uint) (*models.SecureDirRequest, error) {
	var req models.SecureDirRequest
	err := s.db.WithContext(ctx).Preload("Requester").Preload("PI").Preload("Project").First(&req, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewNotFoundError("SecureDirRequest", id)
	}
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return &req, nil
}

type secureDirStep func(tx *gorm.DB, req *models.SecureDirRequest, st *models.SecureDirRequestState) error

func (s *SecureDirService) review(ctx context.Context, id uint, step secureDirStep) (*models.SecureDirRequest, error) {
	_, err := s.inTx(ctx, func(tx *gorm.DB, fx *effects) error {
		req, err := lockByID[models.SecureDirRequest](tx, id, "SecureDirRequest")
		if err != nil {
			return err
		}
		if req.Status.IsTerminal() {
			return models.NewValidationError(fmt.Sprintf("request has status %q and can no longer be reviewed", req.Status))
		}
		st := req.State.Data()
		if err := step(tx, req, &st); err != nil {
			return err
		}
		prev := req.Status
		req.State = datatypes.NewJSONType(st)
		req.Status = workflow.SecureDirStateStatus(st)
		if err := save(tx, req); err != nil {
			return err
		}
		transition(fx, TypeSecureDir, req.ID, req.RequesterID, string(prev), string(req.Status))
		if req.Status == models.SecureDirDenied {
			return s.runDenial(tx, fx, req)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// ReviewRDMConsultation records the research data management consultation.
func (s *SecureDirService) ReviewRDMConsultation(ctx context.Context, id uint, status models.StepStatus, justification string) (*models.SecureDirRequest, error) {
	if !validReviewStatus(status) {
		return nil, models.NewValidationError(fmt.Sprintf("invalid status %q", status))
	}
	return s.review(ctx, id, func(_ *gorm.DB, _ *models.SecureDirRequest, st *models.SecureDirRequestState) error {
		st.RDMConsultation = models.ReviewStep{Status: status, Justification: justification, Timestamp: s.stamp()}
		return nil
	})
}

// ReviewMOU records whether the memorandum of understanding was signed.
func (s *SecureDirService) ReviewMOU(ctx context.Context, id uint, status models.StepStatus, justification string) (*models.SecureDirRequest, error) {
	if !validReviewStatus(status) {
		return nil, models.NewValidationError(fmt.Sprintf("invalid status %q", status))
	}
	return s.review(ctx, id, func(_ *gorm.DB, _ *models.SecureDirRequest, st *models.SecureDirRequestState) error {
		if st.RDMConsultation.Status != models.StepApproved {
			return models.NewValidationError("the RDM consultation must be approved first")
		}
		st.MOU = models.ReviewStep{Status: status, Justification: justification, Timestamp: s.stamp()}
		return nil
	})
}

// ReviewSetup chooses the directory name and derives the cluster paths.
func (s *SecureDirService) ReviewSetup(ctx context.Context, id uint, status models.StepStatus, directoryName, justification string) (*models.SecureDirRequest, error) {
	if !validCompletionStatus(status) {
		return nil, models.NewValidationError(fmt.Sprintf("invalid status %q", status))
	}
	return s.review(ctx, id, func(tx *gorm.DB, req *models.SecureDirRequest, st *models.SecureDirRequestState) error {
		if workflow.SecureDirStateStatus(*st) != models.SecureDirApprovedProcessing {
			return models.NewValidationError("the RDM consultation and MOU must be approved before setup")
		}
		name := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(directoryName)), SecureDirPrefix)
		if err := validation.ValidateDirectoryName(name); err != nil {
			return models.NewValidationError(err.Error())
		}
		name = SecureDirPrefix + name
		groups, err := resourceByName(tx, models.ResourceGroupsDirectory)
		if err != nil {
			return err
		}
		scratch, err := resourceByName(tx, models.ResourceScratch2Directory)
		if err != nil {
			return err
		}
		paths := models.SecureDirPaths{Groups: path.Join(groups.Path, name), Scratch: path.Join(scratch.Path, name)}
		var n int64
		if err := tx.Model(&models.AllocationAttribute{}).
			Where("type = ? AND value IN ?", models.AttrClusterDirectoryAccess, []string{paths.Groups, paths.Scratch}).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return models.NewConflictError(fmt.Sprintf("a secure directory named %s already exists", name))
		}
		req.DirectoryName = name
		st.Setup = models.SecureDirSetupStep{Status: status, DirectoryName: name, Justification: justification, Timestamp: s.stamp()}
		st.Paths = paths
		return nil
	})
}

// Deny denies the request for a reason outside the checklist.
func (s *SecureDirService) Deny(ctx context.Context, id uint, justification string) (*models.SecureDirRequest, error) {
	if strings.TrimSpace(justification) == "" {
		return nil, models.NewValidationError("a justification is required")
	}
	return s.review(ctx, id, func(_ *gorm.DB, _ *models.SecureDirRequest, st *models.SecureDirRequestState) error {
		st.Other = models.OtherStep{Justification: justification, Timestamp: s.stamp()}
		return nil
	})
}

// Approve creates the groups and scratch directory allocations and
// completes the request.
func (s *SecureDirService) Approve(ctx context.Context, id uint) (*models.SecureDirRequest, error) {
	_, err := s.runner(ctx, "secure_dir_request_approval", func(tx *gorm.DB, fx *effects) error {
		req, err := lockByID[models.SecureDirRequest](tx, id, "SecureDirRequest")
		if err != nil {
			return err
		}
		st := req.State.Data()
		if req.Status != models.SecureDirApprovedProcessing || !workflow.SecureDirChecklistComplete(st) {
			return models.NewValidationError("every review step must be completed before approval")
		}
		project, err := loadProject(tx, req.ProjectID)
		if err != nil {
			return err
		}
		if err := createSecureDirs(tx, project, st.Paths); err != nil {
			return err
		}

		prev := req.Status
		req.Status = models.SecureDirApprovedComplete
		req.ApprovalTime = s.stamp()
		req.CompletionTime = req.ApprovalTime
		if err := save(tx, req); err != nil {
			return err
		}
		transition(fx, TypeSecureDir, req.ID, req.RequesterID, string(prev), string(req.Status))

		recipients, err := s.requesterAndPIs(tx, req)
		if err != nil {
			return err
		}
		emailUsers(fx, mail.TmplSecureDirRequestApproved, "Secure Directory Request Approved", recipients,
			map[string]interface{}{
				"ProjectName": project.Name,
				"GroupsPath":  st.Paths.Groups,
				"ScratchPath": st.Paths.Scratch,
				"ProjectURL":  s.url("/projects/%d", project.ID),
			}, nil)
		middleware.Logger.Info("secure directories created", "project", project.Name, "groups", st.Paths.Groups)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// createSecureDirs creates one allocation per directory resource, each with
// a Cluster Directory Access attribute holding its path.
func createSecureDirs(tx *gorm.DB, project *models.Project, paths models.SecureDirPaths) error {
	for _, dir := range []struct{ resource, path string }{
		{models.ResourceGroupsDirectory, paths.Groups},
		{models.ResourceScratch2Directory, paths.Scratch},
	} {
		if dir.path == "" {
			return models.NewValidationError("the request has no directory paths")
		}
		existing, err := findProjectAllocation(tx, project.ID, dir.resource)
		if err != nil {
			return err
		}
		if existing != nil {
			return models.NewConflictError(fmt.Sprintf("project %s already has a %s allocation", project.Name, dir.resource))
		}
		alloc, err := projectAllocation(tx, project.ID, dir.resource)
		if err != nil {
			return err
		}
		alloc.Status = models.AllocationStatusActive
		if err := save(tx, alloc); err != nil {
			return err
		}
		if err := setAllocationAttribute(tx, alloc.ID, models.AttrClusterDirectoryAccess, dir.path); err != nil {
			return err
		}
	}
	return nil
}

func (s *SecureDirService) requesterAndPIs(tx *gorm.DB, req *models.SecureDirRequest) ([]*models.User, error) {
	pis, err := membersWithRoles(tx, req.ProjectID, models.ProjectUserRolePI)
	if err != nil {
		return nil, err
	}
	requester, err := loadUser(tx, req.RequesterID)
	if err != nil {
		return nil, err
	}
	return append(projectUsers(pis), requester), nil
}

func (s *SecureDirService) runDenial(tx *gorm.DB, fx *effects, req *models.SecureDirRequest) error {
	reason, err := workflow.SecureDirDenialReason(req.State.Data())
	if err != nil {
		return err
	}
	project, err := loadProject(tx, req.ProjectID)
	if err != nil {
		return err
	}
	recipients, err := s.requesterAndPIs(tx, req)
	if err != nil {
		return err
	}
	emailUsers(fx, mail.TmplSecureDirRequestDenied, "Secure Directory Request Denied", recipients,
		map[string]interface{}{
			"ProjectName":         project.Name,
			"ReasonCategory":      reason.Category,
			"ReasonJustification": reason.Justification,
		}, nil)
	return nil
}
