package server

import (
	"time"

	"coldfront/internal/models"
	"coldfront/internal/workflow"
)

// ReviewSummary is the derived view of a request checklist shown next to
// the stored request.
type ReviewSummary struct {
	SetupStatus       models.StepStatus    `json:"setup_status,omitempty"`
	ChecklistComplete bool                 `json:"checklist_complete"`
	DenialReason      *models.DenialReason `json:"denial_reason,omitempty"`
	LatestUpdate      *time.Time           `json:"latest_update"`
}

type SavioRequestDetail struct {
	*models.SavioProjectAllocationRequest
	Review ReviewSummary `json:"review"`
}

type VectorRequestDetail struct {
	*models.VectorProjectAllocationRequest
	Review ReviewSummary `json:"review"`
}

type RenewalRequestDetail struct {
	*models.AllocationRenewalRequest
	Review ReviewSummary `json:"review"`
}

type SecureDirRequestDetail struct {
	*models.SecureDirRequest
	Review ReviewSummary `json:"review"`
}

type DeletionRequestDetail struct {
	*models.AccountDeletionRequest
	Review ReviewSummary `json:"review"`
}

func denial(reason models.DenialReason, err error) *models.DenialReason {
	if err != nil {
		return nil
	}
	return &reason
}

func savioDetail(req *models.SavioProjectAllocationRequest) SavioRequestDetail {
	st := req.State.Data()
	review := ReviewSummary{
		SetupStatus:       workflow.SavioSetupStatus(st, req.AllocationType),
		ChecklistComplete: workflow.SavioChecklistComplete(st, req.AllocationType),
		LatestUpdate:      workflow.SavioLatestUpdateTimestamp(st),
	}
	if req.Status == models.ProjectRequestDenied {
		review.DenialReason = denial(workflow.SavioDenialReason(st))
	}
	return SavioRequestDetail{req, review}
}

func vectorDetail(req *models.VectorProjectAllocationRequest) VectorRequestDetail {
	st := req.State.Data()
	review := ReviewSummary{
		SetupStatus:       workflow.VectorSetupStatus(st),
		ChecklistComplete: workflow.VectorChecklistComplete(st),
		LatestUpdate:      workflow.VectorLatestUpdateTimestamp(st),
	}
	if req.Status == models.ProjectRequestDenied {
		review.DenialReason = denial(workflow.VectorDenialReason(st))
	}
	return VectorRequestDetail{req, review}
}

func renewalDetail(req *models.AllocationRenewalRequest) RenewalRequestDetail {
	st := req.State.Data()
	review := ReviewSummary{
		ChecklistComplete: req.Status == models.RenewalApproved,
		LatestUpdate:      workflow.RenewalLatestUpdateTimestamp(st, req.NewProjectRequest),
	}
	if req.Status == models.RenewalDenied {
		review.DenialReason = denial(workflow.RenewalDenialReason(st, req.NewProjectRequest))
	}
	return RenewalRequestDetail{req, review}
}

func secureDirDetail(req *models.SecureDirRequest) SecureDirRequestDetail {
	st := req.State.Data()
	review := ReviewSummary{
		SetupStatus:       workflow.SecureDirSetupStatus(st),
		ChecklistComplete: workflow.SecureDirChecklistComplete(st),
		LatestUpdate:      workflow.SecureDirLatestUpdateTimestamp(st),
	}
	if req.Status == models.SecureDirDenied {
		review.DenialReason = denial(workflow.SecureDirDenialReason(st))
	}
	return SecureDirRequestDetail{req, review}
}

func deletionDetail(req *models.AccountDeletionRequest) DeletionRequestDetail {
	st := req.State.Data()
	return DeletionRequestDetail{req, ReviewSummary{
		SetupStatus:       workflow.AccountDeletionStepStatus(st),
		ChecklistComplete: workflow.AccountDeletionChecklistComplete(req.Status, st),
		LatestUpdate:      workflow.AccountDeletionLatestUpdateTimestamp(st),
	}}
}
