package database

import "coldfront/internal/models"

// PersistentModels returns the authoritative set of schema-managed GORM models.
func PersistentModels() []interface{} {
	return []interface{}{
		&models.User{},
		&models.IdentityLinkingRequest{},
		&models.Project{},
		&models.ProjectUser{},
		&models.ProjectUserJoinRequest{},
		&models.ProjectUserRemovalRequest{},
		&models.Resource{},
		&models.AllocationPeriod{},
		&models.Allocation{},
		&models.AllocationAttribute{},
		&models.AllocationUser{},
		&models.AllocationUserAttribute{},
		&models.ProjectTransaction{},
		&models.ProjectUserTransaction{},
		&models.SavioProjectAllocationRequest{},
		&models.VectorProjectAllocationRequest{},
		&models.AllocationRenewalRequest{},
		&models.AllocationAdditionRequest{},
		&models.SecureDirRequest{},
		&models.SecureDirUserRequest{},
		&models.ClusterAccountDeactivationRequest{},
		&models.AccountDeletionRequest{},
	}
}
