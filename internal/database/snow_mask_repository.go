package database

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SnowMaskRepository stores classification results
type SnowMaskRepository struct {
	db *gorm.DB
}

// NewSnowMaskRepository creates a repository bound to db, which may be a transaction
func NewSnowMaskRepository(db *gorm.DB) *SnowMaskRepository {
	return &SnowMaskRepository{db: db}
}

// Create inserts mask. A second mask for the same (scene, threshold) returns ErrDuplicateKey.
func (r *SnowMaskRepository) Create(ctx context.Context, mask *SnowMask) error {
	if mask.SnowPixels < 0 || mask.SnowPixels > mask.TotalPixels {
		return fmt.Errorf("%w: snow_pixels %d outside [0, %d]", ErrCheckViolation, mask.SnowPixels, mask.TotalPixels)
	}
	err := r.db.WithContext(ctx).Omit(clause.Associations).Create(mask).Error
	return translateError(err)
}

// GetByProductAndThreshold returns the mask of sceneID at threshold, or nil if there is none
func (r *SnowMaskRepository) GetByProductAndThreshold(ctx context.Context, sceneID uint, threshold float64) (*SnowMask, error) {
	var mask SnowMask
	err := r.db.WithContext(ctx).
		Where("product_id = ? AND ndsi_threshold = ?", sceneID, threshold).
		First(&mask).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translateError(err)
	}
	return &mask, nil
}

// GetByProduct returns every mask of sceneID ordered by threshold
func (r *SnowMaskRepository) GetByProduct(ctx context.Context, sceneID uint) ([]SnowMask, error) {
	var masks []SnowMask
	err := r.db.WithContext(ctx).Where("product_id = ?", sceneID).Order("ndsi_threshold").Find(&masks).Error
	if err != nil {
		return nil, translateError(err)
	}
	return masks, nil
}

// Exists reports whether sceneID has a mask at threshold
func (r *SnowMaskRepository) Exists(ctx context.Context, sceneID uint, threshold float64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&SnowMask{}).
		Where("product_id = ? AND ndsi_threshold = ?", sceneID, threshold).
		Count(&count).Error
	if err != nil {
		return false, translateError(err)
	}
	return count > 0, nil
}

// GetAll returns every mask ordered by ID
func (r *SnowMaskRepository) GetAll(ctx context.Context) ([]SnowMask, error) {
	var masks []SnowMask
	if err := r.db.WithContext(ctx).Order("id").Find(&masks).Error; err != nil {
		return nil, translateError(err)
	}
	return masks, nil
}
