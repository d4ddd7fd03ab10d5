package models

import (
	"time"

	"gorm.io/datatypes"
)

// ProjectRequestStatus is the lifecycle shared by Savio and Vector new project
// requests. Vector requests are never scheduled.
type ProjectRequestStatus string

const (
	ProjectRequestUnderReview        ProjectRequestStatus = "Under Review"
	ProjectRequestApprovedProcessing ProjectRequestStatus = "Approved - Processing"
	ProjectRequestApprovedScheduled  ProjectRequestStatus = "Approved - Scheduled"
	ProjectRequestApprovedComplete   ProjectRequestStatus = "Approved - Complete"
	ProjectRequestDenied             ProjectRequestStatus = "Denied"
)

// Valid reports whether s is a known status name.
func (s ProjectRequestStatus) Valid() bool {
	switch s {
	case ProjectRequestUnderReview, ProjectRequestApprovedProcessing,
		ProjectRequestApprovedScheduled, ProjectRequestApprovedComplete,
		ProjectRequestDenied:
		return true
	}
	return false
}

// IsTerminal reports whether no further review steps may run.
func (s ProjectRequestStatus) IsTerminal() bool {
	return s == ProjectRequestApprovedComplete || s == ProjectRequestDenied
}

// SavioExtraFields holds allowance-specific request data.
type SavioExtraFields struct {
	NumServiceUnits  string `json:"num_service_units,omitempty"`
	CampusChartfield string `json:"campus_chartfield,omitempty"`
}

// SavioProjectAllocationRequest is a request to create (or pool into) a
// project on the Savio cluster.
type SavioProjectAllocationRequest struct {
	ID                 uint                                  `gorm:"primaryKey" json:"id"`
	RequesterID        uint                                  `gorm:"not null;index" json:"requester_id"`
	Requester          *User                                 `gorm:"foreignKey:RequesterID" json:"requester,omitempty"`
	AllocationType     AllowanceType                         `gorm:"type:varchar(16);not null" json:"allocation_type"`
	PIID               uint                                  `gorm:"column:pi_id;not null;index" json:"pi_id"`
	PI                 *User                                 `gorm:"foreignKey:PIID" json:"pi,omitempty"`
	ProjectID          uint                                  `gorm:"not null;index" json:"project_id"`
	Project            *Project                              `gorm:"foreignKey:ProjectID" json:"project,omitempty"`
	Pool               bool                                  `gorm:"not null;default:false" json:"pool"`
	AllocationPeriodID *uint                                 `gorm:"index" json:"allocation_period_id"`
	AllocationPeriod   *AllocationPeriod                     `gorm:"foreignKey:AllocationPeriodID" json:"allocation_period,omitempty"`
	SurveyAnswers      datatypes.JSON                        `json:"survey_answers"`
	ExtraFields        datatypes.JSONType[SavioExtraFields]  `json:"extra_fields"`
	Status             ProjectRequestStatus                  `gorm:"type:varchar(32);not null;index" json:"status"`
	State              datatypes.JSONType[SavioRequestState] `json:"state"`
	RequestTime        *time.Time                            `json:"request_time"`
	ApprovalTime       *time.Time                            `json:"approval_time"`
	CompletionTime     *time.Time                            `json:"completion_time"`
	CreatedAt          time.Time                             `json:"created"`
	UpdatedAt          time.Time                             `json:"updated"`
}

// VectorProjectAllocationRequest is a request to create a project on the
// Vector cluster.
type VectorProjectAllocationRequest struct {
	ID             uint                                   `gorm:"primaryKey" json:"id"`
	RequesterID    uint                                   `gorm:"not null;index" json:"requester_id"`
	Requester      *User                                  `gorm:"foreignKey:RequesterID" json:"requester,omitempty"`
	PIID           uint                                   `gorm:"column:pi_id;not null;index" json:"pi_id"`
	PI             *User                                  `gorm:"foreignKey:PIID" json:"pi,omitempty"`
	ProjectID      uint                                   `gorm:"not null;index" json:"project_id"`
	Project        *Project                               `gorm:"foreignKey:ProjectID" json:"project,omitempty"`
	Status         ProjectRequestStatus                   `gorm:"type:varchar(32);not null;index" json:"status"`
	State          datatypes.JSONType[VectorRequestState] `json:"state"`
	RequestTime    *time.Time                             `json:"request_time"`
	CompletionTime *time.Time                             `json:"completion_time"`
	CreatedAt      time.Time                              `json:"created"`
	UpdatedAt      time.Time                              `json:"updated"`
}
