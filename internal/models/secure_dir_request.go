package models

import (
	"time"

	"gorm.io/datatypes"
)

// SecureDirRequestStatus is the lifecycle of a SecureDirRequest.
type SecureDirRequestStatus string

const (
	SecureDirUnderReview        SecureDirRequestStatus = "Under Review"
	SecureDirApprovedProcessing SecureDirRequestStatus = "Approved - Processing"
	SecureDirApprovedComplete   SecureDirRequestStatus = "Approved - Complete"
	SecureDirDenied             SecureDirRequestStatus = "Denied"
)

// IsTerminal reports whether no further review steps may run.
func (s SecureDirRequestStatus) IsTerminal() bool {
	return s == SecureDirApprovedComplete || s == SecureDirDenied
}

// SecureDirRequest asks for a pair of protected directories for a project.
type SecureDirRequest struct {
	ID              uint                                      `gorm:"primaryKey" json:"id"`
	RequesterID     uint                                      `gorm:"not null;index" json:"requester_id"`
	Requester       *User                                     `gorm:"foreignKey:RequesterID" json:"requester,omitempty"`
	PIID            uint                                      `gorm:"column:pi_id;not null;index" json:"pi_id"`
	PI              *User                                     `gorm:"foreignKey:PIID" json:"pi,omitempty"`
	ProjectID       uint                                      `gorm:"not null;index" json:"project_id"`
	Project         *Project                                  `gorm:"foreignKey:ProjectID" json:"project,omitempty"`
	DirectoryName   string                                    `gorm:"size:255" json:"directory_name"`
	RDMConsultation string                                    `gorm:"type:text" json:"rdm_consultation"`
	DataDescription string                                    `gorm:"type:text" json:"data_description"`
	Status          SecureDirRequestStatus                    `gorm:"type:varchar(32);not null;index" json:"status"`
	State           datatypes.JSONType[SecureDirRequestState] `json:"state"`
	RequestTime     *time.Time                                `json:"request_time"`
	ApprovalTime    *time.Time                                `json:"approval_time"`
	CompletionTime  *time.Time                                `json:"completion_time"`
	CreatedAt       time.Time                                 `json:"created"`
	UpdatedAt       time.Time                                 `json:"updated"`
}

// SecureDirAction distinguishes add and remove user requests, which share a
// table.
type SecureDirAction string

const (
	SecureDirActionAdd    SecureDirAction = "add"
	SecureDirActionRemove SecureDirAction = "remove"
)

// Valid reports whether a is add or remove.
func (a SecureDirAction) Valid() bool {
	return a == SecureDirActionAdd || a == SecureDirActionRemove
}

// Title is the capitalized verb used in status names and emails.
func (a SecureDirAction) Title() string {
	if a == SecureDirActionRemove {
		return "Remove"
	}
	return "Add"
}

// PendingStatus returns "Pending - Add" or "Pending - Remove".
func (a SecureDirAction) PendingStatus() SecureDirUserRequestStatus {
	return SecureDirUserRequestStatus("Pending - " + a.Title())
}

// ProcessingStatus returns "Processing - Add" or "Processing - Remove".
func (a SecureDirAction) ProcessingStatus() SecureDirUserRequestStatus {
	return SecureDirUserRequestStatus("Processing - " + a.Title())
}

// SecureDirUserRequestStatus is the lifecycle of a SecureDirUserRequest.
type SecureDirUserRequestStatus string

const (
	SecureDirUserComplete SecureDirUserRequestStatus = "Complete"
	SecureDirUserDenied   SecureDirUserRequestStatus = "Denied"
)

// SecureDirUserRequest asks to add a user to, or remove a user from, a secure
// directory allocation.
type SecureDirUserRequest struct {
	ID             uint                       `gorm:"primaryKey" json:"id"`
	Action         SecureDirAction            `gorm:"type:varchar(8);not null;index" json:"action"`
	UserID         uint                       `gorm:"not null;index" json:"user_id"`
	User           *User                      `gorm:"foreignKey:UserID" json:"user,omitempty"`
	AllocationID   uint                       `gorm:"not null;index" json:"allocation_id"`
	Allocation     *Allocation                `gorm:"foreignKey:AllocationID" json:"allocation,omitempty"`
	Directory      string                     `gorm:"size:255" json:"directory"`
	Status         SecureDirUserRequestStatus `gorm:"type:varchar(32);not null;index" json:"status"`
	RequestTime    *time.Time                 `json:"request_time"`
	CompletionTime *time.Time                 `json:"completion_time"`
	CreatedAt      time.Time                  `json:"created"`
	UpdatedAt      time.Time                  `json:"updated"`
}
