package repository

import (
	"context"
	"time"

	"coldfront/internal/cache"
	"coldfront/internal/models"

	"gorm.io/gorm"
)

// AllocationRepository reads resources, allocation periods and allocations.
type AllocationRepository interface {
	GetResource(ctx context.Context, name string) (*models.Resource, error)
	GetPeriod(ctx context.Context, id uint) (*models.AllocationPeriod, error)
	CurrentPeriods(ctx context.Context, day time.Time) ([]models.AllocationPeriod, error)
	ProjectAllocation(ctx context.Context, projectID uint, resourceName string) (*models.Allocation, error)
	Attribute(ctx context.Context, allocationID uint, attrType string) (*models.AllocationAttribute, error)
}

type allocationRepository struct {
	db *gorm.DB
}

// NewAllocationRepository returns a new AllocationRepository implementation.
func NewAllocationRepository(db *gorm.DB) AllocationRepository {
	return &allocationRepository{db: db}
}

func (r *allocationRepository) GetResource(ctx context.Context, name string) (*models.Resource, error) {
	res, err := cache.Aside(ctx, cache.ResourceKey(name), cache.ResourceTTL, func() (models.Resource, error) {
		var res models.Resource
		err := r.db.WithContext(ctx).Where("name = ?", name).First(&res).Error
		return res, mapError(err, "Resource", name)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *allocationRepository) GetPeriod(ctx context.Context, id uint) (*models.AllocationPeriod, error) {
	period, err := cache.Aside(ctx, cache.AllocationPeriodKey(id), cache.AllocationPeriodTTL, func() (models.AllocationPeriod, error) {
		var period models.AllocationPeriod
		err := r.db.WithContext(ctx).First(&period, id).Error
		return period, mapError(err, "AllocationPeriod", id)
	})
	if err != nil {
		return nil, err
	}
	return &period, nil
}

// CurrentPeriods returns the periods containing day.
func (r *allocationRepository) CurrentPeriods(ctx context.Context, day time.Time) ([]models.AllocationPeriod, error) {
	var periods []models.AllocationPeriod
	err := r.db.WithContext(ctx).
		Where("start_date <= ? AND end_date >= ?", day, day).
		Order("start_date").
		Find(&periods).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return periods, nil
}

func (r *allocationRepository) ProjectAllocation(ctx context.Context, projectID uint, resourceName string) (*models.Allocation, error) {
	var alloc models.Allocation
	err := r.db.WithContext(ctx).
		Joins("JOIN resources ON resources.id = allocations.resource_id").
		Where("allocations.project_id = ? AND resources.name = ?", projectID, resourceName).
		Order("allocations.id").
		First(&alloc).Error
	if err != nil {
		return nil, mapError(err, "Allocation", projectID)
	}
	return &alloc, nil
}

func (r *allocationRepository) Attribute(ctx context.Context, allocationID uint, attrType string) (*models.AllocationAttribute, error) {
	var attr models.AllocationAttribute
	err := r.db.WithContext(ctx).
		Where("allocation_id = ? AND type = ?", allocationID, attrType).
		First(&attr).Error
	if err != nil {
		return nil, mapError(err, "AllocationAttribute", attrType)
	}
	return &attr, nil
}
