package repository

import (
	"context"

	"coldfront/internal/models"

	"gorm.io/gorm"
)

// RequestFilter narrows a request listing. OwnerID, when set, limits the
// listing to requests the user submitted or is the subject of.
type RequestFilter struct {
	ListParams
	Statuses []string
	Reasons  []string
	OwnerID  *uint
	// LeaderID limits results to projects the user is an active PI or
	// Manager of. Secure directory user requests and service unit purchases
	// honor it.
	LeaderID *uint
}

var requestOrderable = map[string]string{
	"id":           "id",
	"status":       "status",
	"request_time": "request_time",
	"created":      "created_at",
	"modified":     "updated_at",
}

var queueOrderable = map[string]string{
	"id":         "id",
	"status":     "status",
	"created":    "created_at",
	"modified":   "updated_at",
	"expiration": "expiration",
}

// RequestRepository reads every request workflow. Writes go through the
// service layer, which locks rows inside its own transactions.
type RequestRepository interface {
	ListSavio(ctx context.Context, f RequestFilter) (*Page[models.SavioProjectAllocationRequest], error)
	GetSavio(ctx context.Context, id uint) (*models.SavioProjectAllocationRequest, error)
	ListVector(ctx context.Context, f RequestFilter) (*Page[models.VectorProjectAllocationRequest], error)
	GetVector(ctx context.Context, id uint) (*models.VectorProjectAllocationRequest, error)
	ListRenewals(ctx context.Context, f RequestFilter) (*Page[models.AllocationRenewalRequest], error)
	GetRenewal(ctx context.Context, id uint) (*models.AllocationRenewalRequest, error)
	ListAdditions(ctx context.Context, f RequestFilter) (*Page[models.AllocationAdditionRequest], error)
	GetAddition(ctx context.Context, id uint) (*models.AllocationAdditionRequest, error)
	ListSecureDir(ctx context.Context, f RequestFilter) (*Page[models.SecureDirRequest], error)
	GetSecureDir(ctx context.Context, id uint) (*models.SecureDirRequest, error)
	ListSecureDirUser(ctx context.Context, f RequestFilter) (*Page[models.SecureDirUserRequest], error)
	GetSecureDirUser(ctx context.Context, id uint) (*models.SecureDirUserRequest, error)
	ListDeactivations(ctx context.Context, f RequestFilter) (*Page[models.ClusterAccountDeactivationRequest], error)
	GetDeactivation(ctx context.Context, id uint) (*models.ClusterAccountDeactivationRequest, error)
	ListDeletions(ctx context.Context, f RequestFilter) (*Page[models.AccountDeletionRequest], error)
	GetDeletion(ctx context.Context, id uint) (*models.AccountDeletionRequest, error)
	ListRemovals(ctx context.Context, f RequestFilter) (*Page[models.ProjectUserRemovalRequest], error)
	GetRemoval(ctx context.Context, id uint) (*models.ProjectUserRemovalRequest, error)
	ListIdentityLinking(ctx context.Context, f RequestFilter) (*Page[models.IdentityLinkingRequest], error)
	GetIdentityLinking(ctx context.Context, id uint) (*models.IdentityLinkingRequest, error)
}

type requestRepository struct {
	db *gorm.DB
}

// NewRequestRepository returns a new RequestRepository implementation.
func NewRequestRepository(db *gorm.DB) RequestRepository {
	return &requestRepository{db: db}
}

// requestScope applies the status, reason and owner filters. ownerCols are
// the columns that make a user an owner of the request.
func requestScope(f RequestFilter, ownerCols ...string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if len(f.Statuses) > 0 {
			db = db.Where("status IN ?", f.Statuses)
		}
		if len(f.Reasons) > 0 {
			db = db.Where("reason IN ?", f.Reasons)
		}
		if f.OwnerID != nil && len(ownerCols) > 0 {
			cond := db.Session(&gorm.Session{NewDB: true})
			for i, col := range ownerCols {
				if i == 0 {
					cond = cond.Where(col+" = ?", *f.OwnerID)
				} else {
					cond = cond.Or(col+" = ?", *f.OwnerID)
				}
			}
			db = db.Where(cond)
		}
		return db
	}
}

func getRequest[T any](ctx context.Context, db *gorm.DB, id uint, resource string, preloads ...string) (*T, error) {
	var out T
	q := db.WithContext(ctx)
	for _, p := range preloads {
		q = q.Preload(p)
	}
	if err := q.First(&out, id).Error; err != nil {
		return nil, mapError(err, resource, id)
	}
	return &out, nil
}

var projectRequestPreloads = []string{"Requester", "PI", "Project"}

func (r *requestRepository) ListSavio(ctx context.Context, f RequestFilter) (*Page[models.SavioProjectAllocationRequest], error) {
	return paginate[models.SavioProjectAllocationRequest](ctx, r.db, requestScope(f, "requester_id", "pi_id"),
		f.ListParams, requestOrderable, "SavioProjectAllocationRequest", append(projectRequestPreloads, "AllocationPeriod")...)
}

func (r *requestRepository) GetSavio(ctx context.Context, id uint) (*models.SavioProjectAllocationRequest, error) {
	return getRequest[models.SavioProjectAllocationRequest](ctx, r.db, id, "SavioProjectAllocationRequest",
		append(projectRequestPreloads, "AllocationPeriod")...)
}

func (r *requestRepository) ListVector(ctx context.Context, f RequestFilter) (*Page[models.VectorProjectAllocationRequest], error) {
	return paginate[models.VectorProjectAllocationRequest](ctx, r.db, requestScope(f, "requester_id", "pi_id"),
		f.ListParams, requestOrderable, "VectorProjectAllocationRequest", projectRequestPreloads...)
}

func (r *requestRepository) GetVector(ctx context.Context, id uint) (*models.VectorProjectAllocationRequest, error) {
	return getRequest[models.VectorProjectAllocationRequest](ctx, r.db, id, "VectorProjectAllocationRequest", projectRequestPreloads...)
}

var renewalPreloads = []string{"Requester", "PI", "AllocationPeriod", "PreProject", "PostProject", "NewProjectRequest"}

func (r *requestRepository) ListRenewals(ctx context.Context, f RequestFilter) (*Page[models.AllocationRenewalRequest], error) {
	return paginate[models.AllocationRenewalRequest](ctx, r.db, requestScope(f, "requester_id", "pi_id"),
		f.ListParams, requestOrderable, "AllocationRenewalRequest", renewalPreloads...)
}

func (r *requestRepository) GetRenewal(ctx context.Context, id uint) (*models.AllocationRenewalRequest, error) {
	return getRequest[models.AllocationRenewalRequest](ctx, r.db, id, "AllocationRenewalRequest", renewalPreloads...)
}

func (r *requestRepository) ListSecureDir(ctx context.Context, f RequestFilter) (*Page[models.SecureDirRequest], error) {
	return paginate[models.SecureDirRequest](ctx, r.db, requestScope(f, "requester_id", "pi_id"),
		f.ListParams, requestOrderable, "SecureDirRequest", projectRequestPreloads...)
}

func (r *requestRepository) GetSecureDir(ctx context.Context, id uint) (*models.SecureDirRequest, error) {
	return getRequest[models.SecureDirRequest](ctx, r.db, id, "SecureDirRequest", projectRequestPreloads...)
}

// ledProjects selects the IDs of the projects userID is an active PI or
// Manager of.
func (r *requestRepository) ledProjects(userID uint) *gorm.DB {
	return r.db.Session(&gorm.Session{NewDB: true}).
		Table("project_users").
		Select("project_id").
		Where("user_id = ? AND role IN ? AND status = ?",
			userID, []models.ProjectUserRole{models.ProjectUserRolePI, models.ProjectUserRoleManager},
			models.ProjectUserStatusActive)
}

func (r *requestRepository) ListAdditions(ctx context.Context, f RequestFilter) (*Page[models.AllocationAdditionRequest], error) {
	scope := requestScope(f, "requester_id")
	return paginate[models.AllocationAdditionRequest](ctx, r.db, func(db *gorm.DB) *gorm.DB {
		db = scope(db)
		if f.LeaderID != nil {
			db = db.Where("project_id IN (?)", r.ledProjects(*f.LeaderID))
		}
		return db
	}, f.ListParams, requestOrderable, "AllocationAdditionRequest", "Requester", "Project")
}

func (r *requestRepository) GetAddition(ctx context.Context, id uint) (*models.AllocationAdditionRequest, error) {
	return getRequest[models.AllocationAdditionRequest](ctx, r.db, id, "AllocationAdditionRequest", "Requester", "Project")
}

func (r *requestRepository) ListSecureDirUser(ctx context.Context, f RequestFilter) (*Page[models.SecureDirUserRequest], error) {
	scope := requestScope(f, "user_id")
	return paginate[models.SecureDirUserRequest](ctx, r.db, func(db *gorm.DB) *gorm.DB {
		db = scope(db)
		if f.LeaderID != nil {
			led := r.db.Session(&gorm.Session{NewDB: true}).
				Table("allocations").
				Select("id").
				Where("project_id IN (?)", r.ledProjects(*f.LeaderID))
			db = db.Where("allocation_id IN (?)", led)
		}
		return db
	}, f.ListParams, requestOrderable, "SecureDirUserRequest", "User")
}

func (r *requestRepository) GetSecureDirUser(ctx context.Context, id uint) (*models.SecureDirUserRequest, error) {
	return getRequest[models.SecureDirUserRequest](ctx, r.db, id, "SecureDirUserRequest", "User", "Allocation")
}

func (r *requestRepository) ListDeactivations(ctx context.Context, f RequestFilter) (*Page[models.ClusterAccountDeactivationRequest], error) {
	return paginate[models.ClusterAccountDeactivationRequest](ctx, r.db, requestScope(f, "user_id"),
		f.ListParams, queueOrderable, "ClusterAccountDeactivationRequest", "User")
}

func (r *requestRepository) GetDeactivation(ctx context.Context, id uint) (*models.ClusterAccountDeactivationRequest, error) {
	return getRequest[models.ClusterAccountDeactivationRequest](ctx, r.db, id, "ClusterAccountDeactivationRequest", "User")
}

func (r *requestRepository) ListDeletions(ctx context.Context, f RequestFilter) (*Page[models.AccountDeletionRequest], error) {
	return paginate[models.AccountDeletionRequest](ctx, r.db, requestScope(f, "user_id"),
		f.ListParams, queueOrderable, "AccountDeletionRequest", "User")
}

func (r *requestRepository) GetDeletion(ctx context.Context, id uint) (*models.AccountDeletionRequest, error) {
	return getRequest[models.AccountDeletionRequest](ctx, r.db, id, "AccountDeletionRequest", "User")
}

func (r *requestRepository) ListRemovals(ctx context.Context, f RequestFilter) (*Page[models.ProjectUserRemovalRequest], error) {
	return paginate[models.ProjectUserRemovalRequest](ctx, r.db, requestScope(f, "requester_id"),
		f.ListParams, requestOrderable, "ProjectUserRemovalRequest", "ProjectUser.User", "ProjectUser.Project")
}

func (r *requestRepository) GetRemoval(ctx context.Context, id uint) (*models.ProjectUserRemovalRequest, error) {
	return getRequest[models.ProjectUserRemovalRequest](ctx, r.db, id, "ProjectUserRemovalRequest", "ProjectUser.User", "ProjectUser.Project")
}

func (r *requestRepository) ListIdentityLinking(ctx context.Context, f RequestFilter) (*Page[models.IdentityLinkingRequest], error) {
	return paginate[models.IdentityLinkingRequest](ctx, r.db, requestScope(f, "requester_id"),
		f.ListParams, requestOrderable, "IdentityLinkingRequest")
}

func (r *requestRepository) GetIdentityLinking(ctx context.Context, id uint) (*models.IdentityLinkingRequest, error) {
	return getRequest[models.IdentityLinkingRequest](ctx, r.db, id, "IdentityLinkingRequest")
}
