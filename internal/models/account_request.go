package models

import (
	"time"

	"gorm.io/datatypes"
)

// AccountRequestStatus is the queue lifecycle shared by deactivation and
// deletion requests.
type AccountRequestStatus string

const (
	AccountRequestQueued     AccountRequestStatus = "Queued"
	AccountRequestReady      AccountRequestStatus = "Ready"
	AccountRequestProcessing AccountRequestStatus = "Processing"
	AccountRequestComplete   AccountRequestStatus = "Complete"
	AccountRequestCancelled  AccountRequestStatus = "Cancelled"
)

// Valid reports whether s is a known status name.
func (s AccountRequestStatus) Valid() bool {
	switch s {
	case AccountRequestQueued, AccountRequestReady, AccountRequestProcessing,
		AccountRequestComplete, AccountRequestCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the request left the queue for good.
func (s AccountRequestStatus) IsTerminal() bool {
	return s == AccountRequestComplete || s == AccountRequestCancelled
}

// IsActive reports whether the request still blocks a new one for the user.
func (s AccountRequestStatus) IsActive() bool {
	return s == AccountRequestQueued || s == AccountRequestReady || s == AccountRequestProcessing
}

// DeactivationReason names why a cluster account is being deactivated.
type DeactivationReason string

const (
	ReasonNoValidUserAccountFeeBillingID   DeactivationReason = "NO_VALID_USER_ACCOUNT_FEE_BILLING_ID"
	ReasonNoValidRechargeUsageFeeBillingID DeactivationReason = "NO_VALID_RECHARGE_USAGE_FEE_BILLING_ID"
)

// Valid reports whether r is a known reason.
func (r DeactivationReason) Valid() bool {
	return r == ReasonNoValidUserAccountFeeBillingID || r == ReasonNoValidRechargeUsageFeeBillingID
}

// ClusterAccountDeactivationRequest queues a user's cluster account for
// deactivation.
type ClusterAccountDeactivationRequest struct {
	ID         uint                                         `gorm:"primaryKey" json:"id"`
	UserID     uint                                         `gorm:"not null;index" json:"-"`
	User       *User                                        `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Reason     DeactivationReason                           `gorm:"type:varchar(64);not null;index" json:"reason"`
	Status     AccountRequestStatus                         `gorm:"type:varchar(32);not null;index" json:"status"`
	Expiration *time.Time                                   `json:"expiration"`
	State      datatypes.JSONType[DeactivationRequestState] `json:"state"`
	CreatedAt  time.Time                                    `json:"created"`
	UpdatedAt  time.Time                                    `json:"updated"`
}

// AccountDeletionRequester is who initiated an account deletion.
type AccountDeletionRequester string

const (
	DeletionRequesterUser   AccountDeletionRequester = "User"
	DeletionRequesterPI     AccountDeletionRequester = "PI"
	DeletionRequesterAdmin  AccountDeletionRequester = "Admin"
	DeletionRequesterSystem AccountDeletionRequester = "System"
)

// Valid reports whether r is a known requester choice.
func (r AccountDeletionRequester) Valid() bool {
	switch r {
	case DeletionRequesterUser, DeletionRequesterPI, DeletionRequesterAdmin, DeletionRequesterSystem:
		return true
	}
	return false
}

// AccountDeletionRequest queues a user's cluster account for deletion.
type AccountDeletionRequest struct {
	ID             uint                                            `gorm:"primaryKey" json:"id"`
	UserID         uint                                            `gorm:"not null;index" json:"user_id"`
	User           *User                                           `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Requester      AccountDeletionRequester                        `gorm:"type:varchar(16);not null" json:"requester"`
	Status         AccountRequestStatus                            `gorm:"type:varchar(32);not null;index" json:"status"`
	Expiration     *time.Time                                      `json:"expiration"`
	State          datatypes.JSONType[AccountDeletionRequestState] `json:"state"`
	RequestTime    *time.Time                                      `json:"request_time"`
	CompletionTime *time.Time                                      `json:"completion_time"`
	CreatedAt      time.Time                                       `json:"created"`
	UpdatedAt      time.Time                                       `json:"updated"`
}
