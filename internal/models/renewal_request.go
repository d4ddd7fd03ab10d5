package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// RenewalRequestStatus is the lifecycle of an AllocationRenewalRequest.
type RenewalRequestStatus string

const (
	RenewalUnderReview RenewalRequestStatus = "Under Review"
	RenewalApproved    RenewalRequestStatus = "Approved"
	RenewalComplete    RenewalRequestStatus = "Complete"
	RenewalDenied      RenewalRequestStatus = "Denied"
)

// Valid reports whether s is a known status name.
func (s RenewalRequestStatus) Valid() bool {
	switch s {
	case RenewalUnderReview, RenewalApproved, RenewalComplete, RenewalDenied:
		return true
	}
	return false
}

// IsTerminal reports whether no further review steps may run.
func (s RenewalRequestStatus) IsTerminal() bool {
	return s == RenewalComplete || s == RenewalDenied
}

// PoolingCase describes how a renewal moves a PI between projects. It is
// derived from the request, never stored.
type PoolingCase string

const (
	UnpooledToUnpooled  PoolingCase = "unpooled_to_unpooled"
	UnpooledToPooled    PoolingCase = "unpooled_to_pooled"
	PooledToPooledSame  PoolingCase = "pooled_to_pooled_same"
	PooledToPooledDiff  PoolingCase = "pooled_to_pooled_different"
	PooledToUnpooledOld PoolingCase = "pooled_to_unpooled_old"
	PooledToUnpooledNew PoolingCase = "pooled_to_unpooled_new"
)

// AllocationRenewalRequest asks to renew a PI's allowance for a new
// allocation period, possibly in a different project.
type AllocationRenewalRequest struct {
	ID                   uint                                    `gorm:"primaryKey" json:"id"`
	RequesterID          uint                                    `gorm:"not null;index" json:"requester_id"`
	Requester            *User                                   `gorm:"foreignKey:RequesterID" json:"requester,omitempty"`
	PIID                 uint                                    `gorm:"column:pi_id;not null;index" json:"pi_id"`
	PI                   *User                                   `gorm:"foreignKey:PIID" json:"pi,omitempty"`
	ComputingAllowance   AllowanceType                           `gorm:"type:varchar(16);not null" json:"computing_allowance"`
	AllocationPeriodID   uint                                    `gorm:"not null;index" json:"allocation_period_id"`
	AllocationPeriod     *AllocationPeriod                       `gorm:"foreignKey:AllocationPeriodID" json:"allocation_period,omitempty"`
	PreProjectID         *uint                                   `gorm:"index" json:"pre_project_id"`
	PreProject           *Project                                `gorm:"foreignKey:PreProjectID" json:"pre_project,omitempty"`
	PostProjectID        uint                                    `gorm:"not null;index" json:"post_project_id"`
	PostProject          *Project                                `gorm:"foreignKey:PostProjectID" json:"post_project,omitempty"`
	NewProjectRequestID  *uint                                   `gorm:"index" json:"new_project_request_id"`
	NewProjectRequest    *SavioProjectAllocationRequest          `gorm:"foreignKey:NewProjectRequestID" json:"-"`
	NumServiceUnits      decimal.Decimal                         `gorm:"type:decimal(11,2);not null;default:0" json:"num_service_units"`
	Status               RenewalRequestStatus                    `gorm:"type:varchar(32);not null;index" json:"status"`
	State                datatypes.JSONType[RenewalRequestState] `json:"state"`
	RenewalSurveyAnswers datatypes.JSON                          `json:"renewal_survey_answers"`
	RequestTime          *time.Time                              `json:"request_time"`
	ApprovalTime         *time.Time                              `json:"approval_time"`
	CompletionTime       *time.Time                              `json:"completion_time"`
	CreatedAt            time.Time                               `json:"created"`
	UpdatedAt            time.Time                               `json:"updated"`
}
