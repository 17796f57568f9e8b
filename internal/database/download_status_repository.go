package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DownloadStatusUpdate holds the fields Update should change. Nil fields are left untouched.
type DownloadStatusUpdate struct {
	Status        *Status
	LocalPath     *string
	FileSizeMB    *float64
	DownloadStart *time.Time
	DownloadEnd   *time.Time
	ErrorMsg      *string
	RetryCount    *int
}

func (u DownloadStatusUpdate) columns() (map[string]interface{}, error) {
	cols := make(map[string]interface{})
	if u.Status != nil {
		if !u.Status.Valid() {
			return nil, fmt.Errorf("%w: invalid status %q", ErrCheckViolation, *u.Status)
		}
		cols["status"] = *u.Status
	}
	if u.LocalPath != nil {
		cols["local_path"] = *u.LocalPath
	}
	if u.FileSizeMB != nil {
		cols["file_size_mb"] = *u.FileSizeMB
	}
	if u.DownloadStart != nil {
		cols["download_start"] = u.DownloadStart.UTC()
	}
	if u.DownloadEnd != nil {
		cols["download_end"] = u.DownloadEnd.UTC()
	}
	if u.ErrorMsg != nil {
		cols["error_msg"] = *u.ErrorMsg
	}
	if u.RetryCount != nil {
		cols["retry_count"] = *u.RetryCount
	}
	return cols, nil
}

// DownloadStatusRepository tracks per-scene download and processing state
type DownloadStatusRepository struct {
	db *gorm.DB
}

// NewDownloadStatusRepository creates a repository bound to db, which may be a transaction
func NewDownloadStatusRepository(db *gorm.DB) *DownloadStatusRepository {
	return &DownloadStatusRepository{db: db}
}

// Create inserts status. A second row for the same scene returns ErrDuplicateKey.
func (r *DownloadStatusRepository) Create(ctx context.Context, status *DownloadStatus) error {
	if status.Status == "" {
		status.Status = StatusPending
	}
	if !status.Status.Valid() {
		return fmt.Errorf("%w: invalid status %q", ErrCheckViolation, status.Status)
	}
	err := r.db.WithContext(ctx).Omit(clause.Associations).Create(status).Error
	return translateError(err)
}

// EnsurePending creates a pending row for sceneID unless one already exists
func (r *DownloadStatusRepository) EnsurePending(ctx context.Context, sceneID uint) (*DownloadStatus, bool, error) {
	existing, err := r.GetBySceneID(ctx, sceneID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	status := &DownloadStatus{SceneID: sceneID, Status: StatusPending}
	if err := r.Create(ctx, status); err != nil {
		return nil, false, err
	}
	return status, true, nil
}

// Update applies the non-nil fields of u to the row with id and returns the refreshed row
func (r *DownloadStatusRepository) Update(ctx context.Context, id uint, u DownloadStatusUpdate) (*DownloadStatus, error) {
	cols, err := u.columns()
	if err != nil {
		return nil, err
	}

	var status DownloadStatus
	err = r.db.WithContext(ctx).First(&status, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: download status with id %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, translateError(err)
	}

	cols["updated_at"] = time.Now().UTC()
	if err := r.db.WithContext(ctx).Model(&status).Updates(cols).Error; err != nil {
		return nil, translateError(err)
	}

	if err := r.db.WithContext(ctx).First(&status, id).Error; err != nil {
		return nil, translateError(err)
	}
	return &status, nil
}

// GetByID returns the row with id, or nil if there is none
func (r *DownloadStatusRepository) GetByID(ctx context.Context, id uint) (*DownloadStatus, error) {
	var status DownloadStatus
	err := r.db.WithContext(ctx).First(&status, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translateError(err)
	}
	return &status, nil
}

// GetBySceneID returns the status of sceneID, or nil if there is none
func (r *DownloadStatusRepository) GetBySceneID(ctx context.Context, sceneID uint) (*DownloadStatus, error) {
	var status DownloadStatus
	err := r.db.WithContext(ctx).Where("product_id = ?", sceneID).First(&status).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translateError(err)
	}
	return &status, nil
}

// GetPending returns every pending row
func (r *DownloadStatusRepository) GetPending(ctx context.Context) ([]DownloadStatus, error) {
	return r.GetByStatus(ctx, StatusPending)
}

// GetByStatus returns every row in state status, in insertion order
func (r *DownloadStatusRepository) GetByStatus(ctx context.Context, status Status) ([]DownloadStatus, error) {
	var rows []DownloadStatus
	if err := r.db.WithContext(ctx).Where("status = ?", status).Order("id").Find(&rows).Error; err != nil {
		return nil, translateError(err)
	}
	return rows, nil
}
