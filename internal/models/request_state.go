package models

import "time"

// StepStatus is the status of one checklist item inside a request state.
type StepStatus string

const (
	StepPending   StepStatus = "Pending"
	StepApproved  StepStatus = "Approved"
	StepDenied    StepStatus = "Denied"
	StepComplete  StepStatus = "Complete"
	StepCancelled StepStatus = "Cancelled"
)

// StepNotApplicable is displayed for a step that can no longer run because an
// earlier step was denied or cancelled. It is never persisted.
const StepNotApplicable StepStatus = "N/A"

// Valid reports whether s is one of the persisted step statuses.
func (s StepStatus) Valid() bool {
	switch s {
	case StepPending, StepApproved, StepDenied, StepComplete, StepCancelled:
		return true
	}
	return false
}

// ReviewStep is a checklist item that a reviewer approves or denies with an
// optional justification.
type ReviewStep struct {
	Status        StepStatus `json:"status"`
	Justification string     `json:"justification"`
	Timestamp     *time.Time `json:"timestamp"`
}

// TimestampedStep is a checklist item with no free text.
type TimestampedStep struct {
	Status    StepStatus `json:"status"`
	Timestamp *time.Time `json:"timestamp"`
}

// OtherStep records a denial or cancellation for a reason outside the
// regular checklist. A set timestamp means the reason applies.
type OtherStep struct {
	Justification string     `json:"justification"`
	Timestamp     *time.Time `json:"timestamp"`
}

// IsSet reports whether the step has been recorded.
func (o OtherStep) IsSet() bool {
	return o.Timestamp != nil
}

// DateRange holds calendar dates formatted as YYYY-MM-DD.
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// AllocationDatesStep records the start and end dates chosen for an ICA.
type AllocationDatesStep struct {
	Status    StepStatus `json:"status"`
	Dates     DateRange  `json:"dates"`
	Timestamp *time.Time `json:"timestamp"`
}

// NameChange records a project rename performed during setup.
type NameChange struct {
	RequestedName string `json:"requested_name"`
	FinalName     string `json:"final_name"`
	Justification string `json:"justification"`
}

// SetupStep is the final checklist item of a new project request.
type SetupStep struct {
	Status     StepStatus `json:"status"`
	NameChange NameChange `json:"name_change"`
	Timestamp  *time.Time `json:"timestamp"`
}

// DenialReason explains why a request was denied.
type DenialReason struct {
	Category      string     `json:"category"`
	Justification string     `json:"justification"`
	Timestamp     *time.Time `json:"timestamp"`
}

// Denial reason categories.
const (
	DenialCategoryOther               = "Other"
	DenialCategoryPIIneligible        = "PI Ineligible"
	DenialCategoryReadiness           = "Readiness Criteria Unsatisfied"
	DenialCategoryRequesterIneligible = "Requester Ineligible"
	DenialCategoryRDMConsultation     = "RDM Consultation"
	DenialCategoryMOU                 = "Memorandum of Understanding"
)

// SavioRequestState is the checklist of a Savio new project request.
type SavioRequestState struct {
	Eligibility      ReviewStep          `json:"eligibility"`
	Readiness        ReviewStep          `json:"readiness"`
	AllocationDates  AllocationDatesStep `json:"allocation_dates"`
	MemorandumSigned TimestampedStep     `json:"memorandum_signed"`
	Setup            SetupStep           `json:"setup"`
	Other            OtherStep           `json:"other"`
}

// NewSavioRequestState returns the initial checklist for a request whose
// project was requested under the given name.
func NewSavioRequestState(requestedName string) SavioRequestState {
	return SavioRequestState{
		Eligibility:      ReviewStep{Status: StepPending},
		Readiness:        ReviewStep{Status: StepPending},
		AllocationDates:  AllocationDatesStep{Status: StepPending},
		MemorandumSigned: TimestampedStep{Status: StepPending},
		Setup: SetupStep{
			Status:     StepPending,
			NameChange: NameChange{RequestedName: requestedName},
		},
	}
}

// VectorRequestState is the checklist of a Vector new project request.
type VectorRequestState struct {
	Eligibility ReviewStep `json:"eligibility"`
	Setup       SetupStep  `json:"setup"`
}

// NewVectorRequestState returns the initial checklist for a Vector request.
func NewVectorRequestState(requestedName string) VectorRequestState {
	return VectorRequestState{
		Eligibility: ReviewStep{Status: StepPending},
		Setup: SetupStep{
			Status:     StepPending,
			NameChange: NameChange{RequestedName: requestedName},
		},
	}
}

// RenewalRequestState is the checklist of an allocation renewal request.
type RenewalRequestState struct {
	Eligibility ReviewStep `json:"eligibility"`
	Other       OtherStep  `json:"other"`
}

// NewRenewalRequestState returns the initial renewal checklist.
func NewRenewalRequestState() RenewalRequestState {
	return RenewalRequestState{Eligibility: ReviewStep{Status: StepPending}}
}

// AllocationAdditionRequestState is the checklist of a request to buy more
// service units.
type AllocationAdditionRequestState struct {
	MemorandumSigned TimestampedStep `json:"memorandum_signed"`
	Other            OtherStep       `json:"other"`
}

// NewAllocationAdditionRequestState returns the initial purchase checklist.
func NewAllocationAdditionRequestState() AllocationAdditionRequestState {
	return AllocationAdditionRequestState{MemorandumSigned: TimestampedStep{Status: StepPending}}
}

// SecureDirPaths holds the cluster paths assigned during setup.
type SecureDirPaths struct {
	Groups  string `json:"groups"`
	Scratch string `json:"scratch"`
}

// SecureDirSetupStep records the directory name chosen during setup.
type SecureDirSetupStep struct {
	Status        StepStatus `json:"status"`
	DirectoryName string     `json:"directory_name"`
	Justification string     `json:"justification"`
	Timestamp     *time.Time `json:"timestamp"`
}

// SecureDirRequestState is the checklist of a secure directory request.
type SecureDirRequestState struct {
	RDMConsultation ReviewStep         `json:"rdm_consultation"`
	MOU             ReviewStep         `json:"mou"`
	Setup           SecureDirSetupStep `json:"setup"`
	Paths           SecureDirPaths     `json:"paths"`
	Other           OtherStep          `json:"other"`
}

// NewSecureDirRequestState returns the initial secure directory checklist.
func NewSecureDirRequestState() SecureDirRequestState {
	return SecureDirRequestState{
		RDMConsultation: ReviewStep{Status: StepPending},
		MOU:             ReviewStep{Status: StepPending},
		Setup:           SecureDirSetupStep{Status: StepPending},
	}
}

// DeactivationRequestState carries the free-form data of a cluster account
// deactivation request.
type DeactivationRequestState struct {
	Other                     OtherStep `json:"other"`
	RechargeProjectPK         *uint     `json:"recharge_project_pk"`
	Justification             string    `json:"justification"`
	CancellationJustification string    `json:"cancellation_justification"`
}

// AccountDeletionRequestState is the checklist of an account deletion request.
type AccountDeletionRequestState struct {
	ProjectRemoval  TimestampedStep `json:"project_removal"`
	DataDeletion    TimestampedStep `json:"data_deletion"`
	AccountDeletion TimestampedStep `json:"account_deletion"`
	Other           OtherStep       `json:"other"`
}

// NewAccountDeletionRequestState returns the initial deletion checklist.
func NewAccountDeletionRequestState() AccountDeletionRequestState {
	return AccountDeletionRequestState{
		ProjectRemoval:  TimestampedStep{Status: StepPending},
		DataDeletion:    TimestampedStep{Status: StepPending},
		AccountDeletion: TimestampedStep{Status: StepPending},
	}
}
