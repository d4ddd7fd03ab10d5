package models

import (
	"strings"
	"time"
)

// ProjectStatus is the lifecycle of a Project.
type ProjectStatus string

const (
	ProjectStatusNew      ProjectStatus = "New"
	ProjectStatusActive   ProjectStatus = "Active"
	ProjectStatusInactive ProjectStatus = "Inactive"
	ProjectStatusDenied   ProjectStatus = "Denied"
)

// Project groups users who share an allocation on a cluster.
type Project struct {
	ID          uint          `gorm:"primaryKey" json:"id"`
	Name        string        `gorm:"size:255;uniqueIndex;not null" json:"name"`
	Title       string        `gorm:"size:255" json:"title"`
	Description string        `gorm:"type:text" json:"description"`
	Status      ProjectStatus `gorm:"type:varchar(32);not null;default:'New';index" json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// AllowanceType is the computing allowance a project draws from, encoded in
// the project name prefix.
type AllowanceType string

const (
	AllowanceFCA      AllowanceType = "FCA"
	AllowanceCO       AllowanceType = "CO"
	AllowanceICA      AllowanceType = "ICA"
	AllowancePCA      AllowanceType = "PCA"
	AllowanceRecharge AllowanceType = "RECHARGE"
	AllowanceVector   AllowanceType = "VECTOR"
)

var allowancePrefixes = []struct {
	prefix string
	kind   AllowanceType
}{
	{"fc_", AllowanceFCA},
	{"co_", AllowanceCO},
	{"ic_", AllowanceICA},
	{"pc_", AllowancePCA},
	{"ac_", AllowanceRecharge},
	{"vector_", AllowanceVector},
}

// Valid reports whether a is a Savio allowance type.
func (a AllowanceType) Valid() bool {
	switch a {
	case AllowanceFCA, AllowanceCO, AllowanceICA, AllowancePCA, AllowanceRecharge:
		return true
	}
	return false
}

// NamePrefix returns the project name prefix for the allowance.
func (a AllowanceType) NamePrefix() string {
	for _, p := range allowancePrefixes {
		if p.kind == a {
			return p.prefix
		}
	}
	return ""
}

// AllowanceType derives the allowance from the project name, or "" if the
// name carries no known prefix.
func (p *Project) AllowanceType() AllowanceType {
	for _, ap := range allowancePrefixes {
		if strings.HasPrefix(p.Name, ap.prefix) {
			return ap.kind
		}
	}
	return ""
}

// ComputeResourceName returns the name of the compute Resource backing p.
func (p *Project) ComputeResourceName() string {
	if strings.HasPrefix(p.Name, "vector_") {
		return ResourceVectorCompute
	}
	return ResourceSavioCompute
}

// ProjectUserRole is the role of a member within a project.
type ProjectUserRole string

const (
	ProjectUserRoleUser    ProjectUserRole = "User"
	ProjectUserRoleManager ProjectUserRole = "Manager"
	ProjectUserRolePI      ProjectUserRole = "Principal Investigator"
)

// ProjectUserStatus is the membership lifecycle.
type ProjectUserStatus string

const (
	ProjectUserStatusActive        ProjectUserStatus = "Active"
	ProjectUserStatusPendingAdd    ProjectUserStatus = "Pending - Add"
	ProjectUserStatusPendingRemove ProjectUserStatus = "Pending - Remove"
	ProjectUserStatusDenied        ProjectUserStatus = "Denied"
	ProjectUserStatusRemoved       ProjectUserStatus = "Removed"
)

// ProjectUser is a user's membership in a project.
type ProjectUser struct {
	ID                  uint              `gorm:"primaryKey" json:"id"`
	ProjectID           uint              `gorm:"not null;uniqueIndex:idx_project_user" json:"project_id"`
	Project             *Project          `gorm:"foreignKey:ProjectID" json:"project,omitempty"`
	UserID              uint              `gorm:"not null;uniqueIndex:idx_project_user" json:"user_id"`
	User                *User             `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Role                ProjectUserRole   `gorm:"type:varchar(32);not null;default:'User'" json:"role"`
	Status              ProjectUserStatus `gorm:"type:varchar(32);not null;default:'Active';index" json:"status"`
	EnableNotifications bool              `gorm:"not null;default:true" json:"enable_notifications"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// ProjectUserJoinRequest records a user's request to join a project.
type ProjectUserJoinRequest struct {
	ID            uint         `gorm:"primaryKey" json:"id"`
	ProjectUserID uint         `gorm:"not null;index" json:"project_user_id"`
	ProjectUser   *ProjectUser `gorm:"foreignKey:ProjectUserID" json:"project_user,omitempty"`
	Reason        string       `gorm:"type:text" json:"reason"`
	CreatedAt     time.Time    `json:"created"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// ProjectUserRemovalRequestStatus is the lifecycle of a removal request.
type ProjectUserRemovalRequestStatus string

const (
	RemovalRequestPending    ProjectUserRemovalRequestStatus = "Pending"
	RemovalRequestProcessing ProjectUserRemovalRequestStatus = "Processing"
	RemovalRequestComplete   ProjectUserRemovalRequestStatus = "Complete"
)

// Valid reports whether s is a known status name.
func (s ProjectUserRemovalRequestStatus) Valid() bool {
	switch s {
	case RemovalRequestPending, RemovalRequestProcessing, RemovalRequestComplete:
		return true
	}
	return false
}

// ProjectUserRemovalRequest asks staff to remove a member from a project.
type ProjectUserRemovalRequest struct {
	ID             uint                            `gorm:"primaryKey" json:"id"`
	ProjectUserID  uint                            `gorm:"not null;index" json:"-"`
	ProjectUser    *ProjectUser                    `gorm:"foreignKey:ProjectUserID" json:"project_user,omitempty"`
	RequesterID    uint                            `gorm:"not null;index" json:"requester_id"`
	Requester      *User                           `gorm:"foreignKey:RequesterID" json:"-"`
	Status         ProjectUserRemovalRequestStatus `gorm:"type:varchar(32);not null;index" json:"status"`
	RequestTime    time.Time                       `json:"request_time"`
	CompletionTime *time.Time                      `json:"completion_time"`
	CreatedAt      time.Time                       `json:"-"`
	UpdatedAt      time.Time                       `json:"-"`
}
