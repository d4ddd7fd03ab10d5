// Package models contains the persistent domain types of the allocation portal.
package models

import (
	"strings"
	"time"
)

// User is a portal account. The profile flags of the cluster account live on
// the same row.
type User struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Username      string    `gorm:"size:150;uniqueIndex;not null" json:"username"`
	Email         string    `gorm:"size:254;uniqueIndex;not null" json:"email"`
	FirstName     string    `gorm:"size:150" json:"first_name"`
	LastName      string    `gorm:"size:150" json:"last_name"`
	Password      string    `gorm:"not null" json:"-"`
	IsActive      bool      `gorm:"not null;default:true" json:"is_active"`
	IsStaff       bool      `gorm:"not null;default:false" json:"is_staff"`
	IsSuperuser   bool      `gorm:"not null;default:false" json:"is_superuser"`
	IsPI          bool      `gorm:"column:is_pi;not null;default:false" json:"is_pi"`
	IsDeactivated bool      `gorm:"not null;default:false" json:"is_deactivated"`
	ClusterUID    *string   `gorm:"size:10;uniqueIndex" json:"cluster_uid"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// UserSummary is the public projection of a User used by the users API.
type UserSummary struct {
	ID        uint   `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
}

// Summary returns the public projection of u.
func (u *User) Summary() UserSummary {
	return UserSummary{ID: u.ID, Username: u.Username, FirstName: u.FirstName, LastName: u.LastName, Email: u.Email}
}

// FullName joins the first and last names.
func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// IsStaffOrSuperuser reports whether the user may act on review queues.
func (u *User) IsStaffOrSuperuser() bool {
	return u.IsStaff || u.IsSuperuser
}

// IdentityLinkingRequestStatus is the lifecycle of an IdentityLinkingRequest.
type IdentityLinkingRequestStatus string

const (
	IdentityLinkingPending  IdentityLinkingRequestStatus = "Pending"
	IdentityLinkingComplete IdentityLinkingRequestStatus = "Complete"
)

// Valid reports whether s is a known status name.
func (s IdentityLinkingRequestStatus) Valid() bool {
	return s == IdentityLinkingPending || s == IdentityLinkingComplete
}

// IdentityLinkingRequest asks staff to email a user a link for associating an
// external identity with their cluster account.
type IdentityLinkingRequest struct {
	ID             uint                         `gorm:"primaryKey" json:"id"`
	RequesterID    uint                         `gorm:"not null;index" json:"requester"`
	Requester      *User                        `gorm:"foreignKey:RequesterID" json:"-"`
	RequestTime    *time.Time                   `json:"request_time"`
	CompletionTime *time.Time                   `json:"completion_time"`
	Status         IdentityLinkingRequestStatus `gorm:"type:varchar(32);not null;index" json:"status"`
	CreatedAt      time.Time                    `json:"-"`
	UpdatedAt      time.Time                    `json:"-"`
}
