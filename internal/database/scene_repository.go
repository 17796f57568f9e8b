package database

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SceneFilter narrows ListByAOI. Nil fields are ignored; bounds are inclusive.
type SceneFilter struct {
	Start         *time.Time
	End           *time.Time
	MaxCloudCover *float64
}

// SceneRepository provides access to discovered Sentinel-2 scenes
type SceneRepository struct {
	db *gorm.DB
}

// NewSceneRepository creates a repository bound to db, which may be a transaction
func NewSceneRepository(db *gorm.DB) *SceneRepository {
	return &SceneRepository{db: db}
}

// Create inserts scene. A repeated product_id returns ErrDuplicateKey and an unknown AOI returns ErrForeignKey.
func (r *SceneRepository) Create(ctx context.Context, scene *Scene) error {
	if err := scene.Validate(); err != nil {
		return err
	}
	scene.AcquisitionDt = scene.AcquisitionDt.UTC()
	err := r.db.WithContext(ctx).Omit(clause.Associations).Create(scene).Error
	return translateError(err)
}

// GetByID returns the scene with its AOI loaded, or nil if there is none
func (r *SceneRepository) GetByID(ctx context.Context, id uint) (*Scene, error) {
	var scene Scene
	err := r.db.WithContext(ctx).Preload("AOI").First(&scene, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translateError(err)
	}
	return &scene, nil
}

// GetByProductID returns the scene with the provider identifier productID, or nil if there is none
func (r *SceneRepository) GetByProductID(ctx context.Context, productID string) (*Scene, error) {
	var scene Scene
	err := r.db.WithContext(ctx).Preload("AOI").Where("product_id = ?", productID).First(&scene).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translateError(err)
	}
	return &scene, nil
}

// Exists reports whether a scene with productID exists
func (r *SceneRepository) Exists(ctx context.Context, productID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Scene{}).Where("product_id = ?", productID).Count(&count).Error
	if err != nil {
		return false, translateError(err)
	}
	return count > 0, nil
}

// ListByAOI returns the scenes of an AOI matching filter, oldest acquisition first
func (r *SceneRepository) ListByAOI(ctx context.Context, aoiID uint, filter SceneFilter) ([]Scene, error) {
	q := r.db.WithContext(ctx).Where("aoi_id = ?", aoiID)

	if filter.Start != nil {
		q = q.Where("acquisition_dt >= ?", filter.Start.UTC())
	}
	if filter.End != nil {
		q = q.Where("acquisition_dt <= ?", filter.End.UTC())
	}
	if filter.MaxCloudCover != nil {
		q = q.Where("cloud_cover <= ?", *filter.MaxCloudCover)
	}

	var scenes []Scene
	if err := q.Order("acquisition_dt").Order("id").Find(&scenes).Error; err != nil {
		return nil, translateError(err)
	}
	return scenes, nil
}

// BulkCreateIfNotExists inserts the scenes whose product_id is not stored yet and reports
// how many were created and skipped. Repeats inside the batch count as skipped. All inserts
// are committed together, and nothing is written when every scene is a duplicate.
func (r *SceneRepository) BulkCreateIfNotExists(ctx context.Context, scenes []Scene) (created int, skipped int, err error) {
	if len(scenes) == 0 {
		return 0, 0, nil
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txRepo := NewSceneRepository(tx)
		seen := make(map[string]struct{}, len(scenes))
		var fresh []*Scene

		for i := range scenes {
			s := &scenes[i]
			if _, dup := seen[s.ProductID]; dup {
				skipped++
				continue
			}
			seen[s.ProductID] = struct{}{}

			exists, err := txRepo.Exists(ctx, s.ProductID)
			if err != nil {
				return err
			}
			if exists {
				skipped++
				continue
			}

			if err := s.Validate(); err != nil {
				return err
			}
			s.AcquisitionDt = s.AcquisitionDt.UTC()
			fresh = append(fresh, s)
		}

		if len(fresh) == 0 {
			return nil
		}
		if err := tx.Omit(clause.Associations).Create(fresh).Error; err != nil {
			return translateError(err)
		}
		created = len(fresh)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	return created, skipped, nil
}
