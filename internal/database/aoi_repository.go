package database

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AOIRepository provides CRUD access to areas of interest
type AOIRepository struct {
	db *gorm.DB
}

// NewAOIRepository creates a repository bound to db, which may be a transaction
func NewAOIRepository(db *gorm.DB) *AOIRepository {
	return &AOIRepository{db: db}
}

// Create inserts aoi and fills in its ID. A name that already exists returns ErrDuplicateKey.
func (r *AOIRepository) Create(ctx context.Context, aoi *AreaOfInterest) error {
	if aoi.SizeKm == 0 {
		aoi.SizeKm = 10.0
	}
	err := r.db.WithContext(ctx).Omit(clause.Associations).Create(aoi).Error
	return translateError(err)
}

// GetByID returns the AOI with id, or nil if there is none
func (r *AOIRepository) GetByID(ctx context.Context, id uint) (*AreaOfInterest, error) {
	var aoi AreaOfInterest
	err := r.db.WithContext(ctx).First(&aoi, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translateError(err)
	}
	return &aoi, nil
}

// GetByName returns the AOI called name, or nil if there is none
func (r *AOIRepository) GetByName(ctx context.Context, name string) (*AreaOfInterest, error) {
	var aoi AreaOfInterest
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&aoi).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translateError(err)
	}
	return &aoi, nil
}

// GetAll returns every AOI ordered by ID
func (r *AOIRepository) GetAll(ctx context.Context) ([]AreaOfInterest, error) {
	var aois []AreaOfInterest
	if err := r.db.WithContext(ctx).Order("id").Find(&aois).Error; err != nil {
		return nil, translateError(err)
	}
	return aois, nil
}

// Exists reports whether an AOI called name exists
func (r *AOIRepository) Exists(ctx context.Context, name string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&AreaOfInterest{}).Where("name = ?", name).Count(&count).Error
	if err != nil {
		return false, translateError(err)
	}
	return count > 0, nil
}
