// Package workflow derives request statuses, checklist completeness and
// denial reasons from the JSON state of each request type. Every function is
// pure so that services and handlers agree on what a state means.
package workflow

import (
	"errors"
	"time"

	"coldfront/internal/models"
)

// ErrNoDenialReason is returned when a denial reason is requested for a state
// that records no denial.
var ErrNoDenialReason = errors.New("request state records no denial")

// SavioStateStatus derives the status of a Savio request from its checklist.
func SavioStateStatus(st models.SavioRequestState, allocationType models.AllowanceType) models.ProjectRequestStatus {
	if st.Eligibility.Status == models.StepDenied ||
		st.Readiness.Status == models.StepDenied ||
		st.Other.IsSet() {
		return models.ProjectRequestDenied
	}
	if st.Eligibility.Status == models.StepPending ||
		st.Readiness.Status == models.StepPending ||
		allocationDatesPending(st, allocationType) ||
		memorandumPending(st, allocationType) {
		return models.ProjectRequestUnderReview
	}
	return models.ProjectRequestApprovedProcessing
}

func allocationDatesPending(st models.SavioRequestState, t models.AllowanceType) bool {
	return RequiresAllocationDates(t) && st.AllocationDates.Status == models.StepPending
}

func memorandumPending(st models.SavioRequestState, t models.AllowanceType) bool {
	return RequiresMemorandum(t) && st.MemorandumSigned.Status == models.StepPending
}

// RequiresAllocationDates reports whether requests of type t carry explicit
// allocation dates.
func RequiresAllocationDates(t models.AllowanceType) bool {
	return t == models.AllowanceICA
}

// RequiresMemorandum reports whether requests of type t need a signed
// memorandum of understanding.
func RequiresMemorandum(t models.AllowanceType) bool {
	return t == models.AllowanceICA || t == models.AllowanceRecharge
}

// SavioSetupStatus is the status shown for the setup step.
func SavioSetupStatus(st models.SavioRequestState, allocationType models.AllowanceType) models.StepStatus {
	if st.Eligibility.Status == models.StepDenied || st.Readiness.Status == models.StepDenied {
		return models.StepNotApplicable
	}
	if allocationDatesPending(st, allocationType) || memorandumPending(st, allocationType) {
		return models.StepPending
	}
	return st.Setup.Status
}

// SavioChecklistComplete reports whether the request can be approved.
func SavioChecklistComplete(st models.SavioRequestState, allocationType models.AllowanceType) bool {
	return SavioStateStatus(st, allocationType) == models.ProjectRequestApprovedProcessing &&
		st.Setup.Status == models.StepComplete
}

// SavioDenialReason explains a denied Savio request. An explicit denial wins
// over the checklist.
func SavioDenialReason(st models.SavioRequestState) (models.DenialReason, error) {
	switch {
	case st.Other.IsSet():
		return models.DenialReason{Category: models.DenialCategoryOther, Justification: st.Other.Justification, Timestamp: st.Other.Timestamp}, nil
	case st.Eligibility.Status == models.StepDenied:
		return reviewDenial(models.DenialCategoryPIIneligible, st.Eligibility), nil
	case st.Readiness.Status == models.StepDenied:
		return reviewDenial(models.DenialCategoryReadiness, st.Readiness), nil
	}
	return models.DenialReason{}, ErrNoDenialReason
}

func reviewDenial(category string, step models.ReviewStep) models.DenialReason {
	return models.DenialReason{Category: category, Justification: step.Justification, Timestamp: step.Timestamp}
}

// SavioLatestUpdateTimestamp returns the most recent step timestamp, or nil
// if no step has been touched.
func SavioLatestUpdateTimestamp(st models.SavioRequestState) *time.Time {
	return latest(
		st.Eligibility.Timestamp,
		st.Readiness.Timestamp,
		st.AllocationDates.Timestamp,
		st.MemorandumSigned.Timestamp,
		st.Setup.Timestamp,
		st.Other.Timestamp,
	)
}

// VectorStateStatus derives the status of a Vector request.
func VectorStateStatus(st models.VectorRequestState) models.ProjectRequestStatus {
	switch st.Eligibility.Status {
	case models.StepDenied:
		return models.ProjectRequestDenied
	case models.StepPending:
		return models.ProjectRequestUnderReview
	}
	return models.ProjectRequestApprovedProcessing
}

// VectorSetupStatus is the status shown for the setup step.
func VectorSetupStatus(st models.VectorRequestState) models.StepStatus {
	if st.Eligibility.Status == models.StepDenied {
		return models.StepNotApplicable
	}
	return st.Setup.Status
}

// VectorChecklistComplete reports whether the request can be approved.
func VectorChecklistComplete(st models.VectorRequestState) bool {
	return VectorStateStatus(st) == models.ProjectRequestApprovedProcessing &&
		st.Setup.Status == models.StepComplete
}

// VectorDenialReason explains a denied Vector request.
func VectorDenialReason(st models.VectorRequestState) (models.DenialReason, error) {
	if st.Eligibility.Status == models.StepDenied {
		return reviewDenial(models.DenialCategoryRequesterIneligible, st.Eligibility), nil
	}
	return models.DenialReason{}, ErrNoDenialReason
}

// VectorLatestUpdateTimestamp returns the most recent step timestamp.
func VectorLatestUpdateTimestamp(st models.VectorRequestState) *time.Time {
	return latest(st.Eligibility.Timestamp, st.Setup.Timestamp)
}

// RenewalStateStatus derives the status of a renewal request. When the
// renewal moves the PI into a new project, the new project request decides:
// only a processing or complete request counts as approved.
func RenewalStateStatus(st models.RenewalRequestState, newProjectRequest *models.SavioProjectAllocationRequest) models.RenewalRequestStatus {
	if st.Other.IsSet() {
		return models.RenewalDenied
	}
	if newProjectRequest != nil {
		switch newProjectRequest.Status {
		case models.ProjectRequestUnderReview:
			return models.RenewalUnderReview
		case models.ProjectRequestApprovedProcessing,
			models.ProjectRequestApprovedComplete:
			return models.RenewalApproved
		}
		return models.RenewalDenied
	}
	switch st.Eligibility.Status {
	case models.StepPending:
		return models.RenewalUnderReview
	case models.StepApproved:
		return models.RenewalApproved
	}
	return models.RenewalDenied
}

// RenewalDenialReason explains a denied renewal request.
func RenewalDenialReason(st models.RenewalRequestState, newProjectRequest *models.SavioProjectAllocationRequest) (models.DenialReason, error) {
	switch {
	case st.Other.IsSet():
		return models.DenialReason{Category: models.DenialCategoryOther, Justification: st.Other.Justification, Timestamp: st.Other.Timestamp}, nil
	case st.Eligibility.Status == models.StepDenied:
		return reviewDenial(models.DenialCategoryPIIneligible, st.Eligibility), nil
	case newProjectRequest != nil && newProjectRequest.Status == models.ProjectRequestDenied:
		return SavioDenialReason(newProjectRequest.State.Data())
	}
	return models.DenialReason{}, ErrNoDenialReason
}

// RenewalLatestUpdateTimestamp also considers the last update of the new
// project request, if any.
func RenewalLatestUpdateTimestamp(st models.RenewalRequestState, newProjectRequest *models.SavioProjectAllocationRequest) *time.Time {
	ts := latest(st.Eligibility.Timestamp, st.Other.Timestamp)
	if newProjectRequest != nil && !newProjectRequest.UpdatedAt.IsZero() {
		updated := newProjectRequest.UpdatedAt
		ts = latest(ts, &updated)
	}
	return ts
}

// SecureDirStateStatus derives the status of a secure directory request.
func SecureDirStateStatus(st models.SecureDirRequestState) models.SecureDirRequestStatus {
	if st.RDMConsultation.Status == models.StepDenied ||
		st.MOU.Status == models.StepDenied ||
		st.Other.IsSet() {
		return models.SecureDirDenied
	}
	if st.RDMConsultation.Status == models.StepPending || st.MOU.Status == models.StepPending {
		return models.SecureDirUnderReview
	}
	return models.SecureDirApprovedProcessing
}

// SecureDirSetupStatus is the status shown for the setup step.
func SecureDirSetupStatus(st models.SecureDirRequestState) models.StepStatus {
	if st.RDMConsultation.Status == models.StepDenied || st.MOU.Status == models.StepDenied {
		return models.StepNotApplicable
	}
	return st.Setup.Status
}

// SecureDirChecklistComplete reports whether the request can be approved.
func SecureDirChecklistComplete(st models.SecureDirRequestState) bool {
	return SecureDirStateStatus(st) == models.SecureDirApprovedProcessing &&
		st.Setup.Status == models.StepComplete
}

// SecureDirDenialReason explains a denied secure directory request.
func SecureDirDenialReason(st models.SecureDirRequestState) (models.DenialReason, error) {
	switch {
	case st.Other.IsSet():
		return models.DenialReason{Category: models.DenialCategoryOther, Justification: st.Other.Justification, Timestamp: st.Other.Timestamp}, nil
	case st.RDMConsultation.Status == models.StepDenied:
		return reviewDenial(models.DenialCategoryRDMConsultation, st.RDMConsultation), nil
	case st.MOU.Status == models.StepDenied:
		return reviewDenial(models.DenialCategoryMOU, st.MOU), nil
	}
	return models.DenialReason{}, ErrNoDenialReason
}

// AdditionDenialReason explains why a service units purchase was denied.
func AdditionDenialReason(st models.AllocationAdditionRequestState) (models.DenialReason, error) {
	if st.Other.IsSet() {
		return models.DenialReason{Category: models.DenialCategoryOther, Justification: st.Other.Justification, Timestamp: st.Other.Timestamp}, nil
	}
	return models.DenialReason{}, ErrNoDenialReason
}

// SecureDirLatestUpdateTimestamp returns the most recent step timestamp.
func SecureDirLatestUpdateTimestamp(st models.SecureDirRequestState) *time.Time {
	return latest(st.RDMConsultation.Timestamp, st.MOU.Timestamp, st.Setup.Timestamp, st.Other.Timestamp)
}

// AccountDeletionStepStatus is the status shown for the final deletion step.
func AccountDeletionStepStatus(st models.AccountDeletionRequestState) models.StepStatus {
	if st.ProjectRemoval.Status == models.StepCancelled || st.DataDeletion.Status == models.StepCancelled {
		return models.StepNotApplicable
	}
	return st.AccountDeletion.Status
}

// AccountDeletionChecklistComplete reports whether a deletion request can be
// marked complete.
func AccountDeletionChecklistComplete(status models.AccountRequestStatus, st models.AccountDeletionRequestState) bool {
	return status == models.AccountRequestProcessing && st.AccountDeletion.Status == models.StepComplete
}

// AccountDeletionLatestUpdateTimestamp returns the most recent step timestamp.
func AccountDeletionLatestUpdateTimestamp(st models.AccountDeletionRequestState) *time.Time {
	return latest(st.ProjectRemoval.Timestamp, st.DataDeletion.Timestamp, st.AccountDeletion.Timestamp, st.Other.Timestamp)
}

func latest(ts ...*time.Time) *time.Time {
	var out *time.Time
	for _, t := range ts {
		if t == nil {
			continue
		}
		if out == nil || t.After(*out) {
			v := *t
			out = &v
		}
	}
	return out
}
