package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// AllocationAdditionStatus is the lifecycle of an AllocationAdditionRequest.
type AllocationAdditionStatus string

const (
	AdditionUnderReview AllocationAdditionStatus = "Under Review"
	AdditionDenied      AllocationAdditionStatus = "Denied"
	AdditionComplete    AllocationAdditionStatus = "Complete"
)

// IsTerminal reports whether no further review steps may run.
func (s AllocationAdditionStatus) IsTerminal() bool {
	return s == AdditionComplete || s == AdditionDenied
}

// AllocationAdditionRequest asks to buy more service units for a recharge
// project's allocation.
type AllocationAdditionRequest struct {
	ID              uint                                               `gorm:"primaryKey" json:"id"`
	RequesterID     uint                                               `gorm:"not null;index" json:"requester_id"`
	Requester       *User                                              `gorm:"foreignKey:RequesterID" json:"requester,omitempty"`
	ProjectID       uint                                               `gorm:"not null;index" json:"project_id"`
	Project         *Project                                           `gorm:"foreignKey:ProjectID" json:"project,omitempty"`
	NumServiceUnits decimal.Decimal                                    `gorm:"type:decimal(11,2);not null;default:0" json:"num_service_units"`
	ExtraFields     datatypes.JSONType[SavioExtraFields]               `json:"extra_fields"`
	Status          AllocationAdditionStatus                           `gorm:"type:varchar(32);not null;index" json:"status"`
	State           datatypes.JSONType[AllocationAdditionRequestState] `json:"state"`
	RequestTime     *time.Time                                         `json:"request_time"`
	CompletionTime  *time.Time                                         `json:"completion_time"`
	CreatedAt       time.Time                                          `json:"created"`
	UpdatedAt       time.Time                                          `json:"updated"`
}
