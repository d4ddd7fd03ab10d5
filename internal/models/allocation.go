package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Names of the resources seeded by add-accounting-defaults.
const (
	ResourceSavioCompute      = "Savio Compute"
	ResourceVectorCompute     = "Vector Compute"
	ResourceGroupsDirectory   = "Groups P2/P3 Directory"
	ResourceScratch2Directory = "Scratch2 P2/P3 Directory"
)

// Resource is a cluster resource an allocation grants access to.
type Resource struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:128;uniqueIndex;not null" json:"name"`
	Path      string    `gorm:"size:255" json:"path,omitempty"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// AllocationPeriod is a window during which allowances are valid, such as an
// allowance year or an instructional semester.
type AllocationPeriod struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:255;uniqueIndex;not null" json:"name"`
	StartDate time.Time `gorm:"type:date;not null" json:"start_date"`
	EndDate   time.Time `gorm:"type:date;not null" json:"end_date"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// AllocationStatus is the lifecycle of an Allocation.
type AllocationStatus string

const (
	AllocationStatusNew     AllocationStatus = "New"
	AllocationStatusActive  AllocationStatus = "Active"
	AllocationStatusExpired AllocationStatus = "Expired"
	AllocationStatusDenied  AllocationStatus = "Denied"
)

// Allocation grants a project access to a resource.
type Allocation struct {
	ID         uint             `gorm:"primaryKey" json:"id"`
	ProjectID  uint             `gorm:"not null;index" json:"project_id"`
	Project    *Project         `gorm:"foreignKey:ProjectID" json:"project,omitempty"`
	ResourceID uint             `gorm:"not null;index" json:"resource_id"`
	Resource   *Resource        `gorm:"foreignKey:ResourceID" json:"resource,omitempty"`
	Status     AllocationStatus `gorm:"type:varchar(32);not null;default:'New';index" json:"status"`
	StartDate  *time.Time       `json:"start_date"`
	EndDate    *time.Time       `json:"end_date"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Allocation attribute type names.
const (
	AttrServiceUnits           = "Service Units"
	AttrServiceUnitsUsage      = "Service Units Usage"
	AttrSavioAllocationType    = "Savio Allocation Type"
	AttrClusterDirectoryAccess = "Cluster Directory Access"
	AttrClusterAccountStatus   = "Cluster Account Status"
)

// AllocationAttribute is a typed key/value attached to an allocation.
type AllocationAttribute struct {
	ID           uint        `gorm:"primaryKey" json:"id"`
	AllocationID uint        `gorm:"not null;index:idx_alloc_attr" json:"allocation_id"`
	Allocation   *Allocation `gorm:"foreignKey:AllocationID" json:"-"`
	Type         string      `gorm:"size:64;not null;index:idx_alloc_attr" json:"type"`
	Value        string      `gorm:"size:255" json:"value"`
	CreatedAt    time.Time   `json:"-"`
	UpdatedAt    time.Time   `json:"-"`
}

// AllocationUserStatus is the lifecycle of a user's access to an allocation.
type AllocationUserStatus string

const (
	AllocationUserStatusActive  AllocationUserStatus = "Active"
	AllocationUserStatusRemoved AllocationUserStatus = "Removed"
	AllocationUserStatusError   AllocationUserStatus = "Error"
)

// AllocationUser grants a user access to an allocation.
type AllocationUser struct {
	ID           uint                 `gorm:"primaryKey" json:"id"`
	AllocationID uint                 `gorm:"not null;uniqueIndex:idx_allocation_user" json:"allocation_id"`
	Allocation   *Allocation          `gorm:"foreignKey:AllocationID" json:"-"`
	UserID       uint                 `gorm:"not null;uniqueIndex:idx_allocation_user" json:"user_id"`
	User         *User                `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Status       AllocationUserStatus `gorm:"type:varchar(32);not null;default:'Active'" json:"status"`
	CreatedAt    time.Time            `json:"-"`
	UpdatedAt    time.Time            `json:"-"`
}

// Values of the "Cluster Account Status" allocation user attribute.
const (
	ClusterAccessPendingAdd    = "Pending - Add"
	ClusterAccessProcessing    = "Processing"
	ClusterAccessActive        = "Active"
	ClusterAccessDenied        = "Denied"
	ClusterAccessPendingDelete = "Pending - Delete"
)

// AllocationUserAttribute is a typed key/value attached to an allocation user.
type AllocationUserAttribute struct {
	ID               uint            `gorm:"primaryKey" json:"id"`
	AllocationUserID uint            `gorm:"not null;index:idx_alloc_user_attr" json:"allocation_user_id"`
	AllocationUser   *AllocationUser `gorm:"foreignKey:AllocationUserID" json:"-"`
	AllocationID     uint            `gorm:"not null;index" json:"allocation_id"`
	Type             string          `gorm:"size:64;not null;index:idx_alloc_user_attr" json:"type"`
	Value            string          `gorm:"size:255" json:"value"`
	CreatedAt        time.Time       `json:"-"`
	UpdatedAt        time.Time       `json:"-"`
}

// ProjectTransaction records a change to a project's service units.
type ProjectTransaction struct {
	ID         uint            `gorm:"primaryKey" json:"id"`
	ProjectID  uint            `gorm:"not null;index" json:"project_id"`
	DateTime   time.Time       `gorm:"not null" json:"date_time"`
	Allocation decimal.Decimal `gorm:"type:decimal(11,2);not null" json:"allocation"`
	CreatedAt  time.Time       `json:"-"`
}

// ProjectUserTransaction records a change to a member's service units.
type ProjectUserTransaction struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	ProjectUserID uint            `gorm:"not null;index" json:"project_user_id"`
	DateTime      time.Time       `gorm:"not null" json:"date_time"`
	Allocation    decimal.Decimal `gorm:"type:decimal(11,2);not null" json:"allocation"`
	CreatedAt     time.Time       `json:"-"`
}
