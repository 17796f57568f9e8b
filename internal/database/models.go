package database

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Status is the lifecycle state of a scene's download and processing
type Status string

const (
	StatusPending    Status = "pending"
	StatusDownloaded Status = "downloaded"
	StatusFailed     Status = "failed"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
)

// Valid reports whether s is one of the five persisted states
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDownloaded, StatusFailed, StatusProcessing, StatusProcessed:
		return true
	}
	return false
}

// HasLocalFile reports whether a row in state s carries a local raster path
func (s Status) HasLocalFile() bool {
	return s == StatusDownloaded || s == StatusProcessed
}

// AreaOfInterest is a fixed square region monitored for snow cover
type AreaOfInterest struct {
	ID        uint      `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	Name      string    `gorm:"column:name;not null;unique" json:"name"`
	CenterLat float64   `gorm:"column:center_lat;not null" json:"center_lat"`
	CenterLon float64   `gorm:"column:center_lon;not null" json:"center_lon"`
	Geometry  string    `gorm:"column:geometry;type:text;not null" json:"geometry"`
	SizeKm    float64   `gorm:"column:size_km;not null;default:10" json:"size_km"`
	CreatedAt time.Time `gorm:"column:created_at;not null" json:"created_at"`

	Scenes []Scene `gorm:"foreignKey:AOIID" json:"-"`
}

// TableName specifies the table name for AreaOfInterest
func (AreaOfInterest) TableName() string {
	return "aois"
}

// Scene is one discovered Sentinel-2 product for an AOI
type Scene struct {
	ID            uint           `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	ProductID     string         `gorm:"column:product_id;not null;unique" json:"product_id"`
	AOIID         uint           `gorm:"column:aoi_id;not null" json:"aoi_id"`
	AcquisitionDt time.Time      `gorm:"column:acquisition_dt;not null" json:"acquisition_dt"`
	CloudCover    float64        `gorm:"column:cloud_cover;not null" json:"cloud_cover"`
	Geometry      datatypes.JSON `gorm:"column:geometry;not null" json:"geometry"`
	DiscoveredAt  time.Time      `gorm:"column:discovered_at;not null;autoCreateTime" json:"discovered_at"`

	AOI            *AreaOfInterest `gorm:"foreignKey:AOIID" json:"aoi,omitempty"`
	DownloadStatus *DownloadStatus `gorm:"foreignKey:SceneID" json:"download_status,omitempty"`
	SnowMasks      []SnowMask      `gorm:"foreignKey:SceneID" json:"snow_masks,omitempty"`
}

// TableName specifies the table name for Scene
func (Scene) TableName() string {
	return "sentinel_products"
}

// Validate checks the invariants the schema also enforces
func (s *Scene) Validate() error {
	if s.ProductID == "" {
		return fmt.Errorf("%w: product_id is empty", ErrCheckViolation)
	}
	if s.CloudCover < 0 || s.CloudCover > 100 {
		return fmt.Errorf("%w: cloud_cover %.2f outside [0, 100]", ErrCheckViolation, s.CloudCover)
	}
	return nil
}

// DownloadStatus tracks one scene through download and processing. It is 1:1 with Scene.
type DownloadStatus struct {
	ID            uint       `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	SceneID       uint       `gorm:"column:product_id;not null;unique" json:"scene_id"`
	Status        Status     `gorm:"column:status;not null" json:"status"`
	LocalPath     *string    `gorm:"column:local_path" json:"local_path,omitempty"`
	FileSizeMB    *float64   `gorm:"column:file_size_mb" json:"file_size_mb,omitempty"`
	DownloadStart *time.Time `gorm:"column:download_start" json:"download_start,omitempty"`
	DownloadEnd   *time.Time `gorm:"column:download_end" json:"download_end,omitempty"`
	ErrorMsg      *string    `gorm:"column:error_msg" json:"error_msg,omitempty"`
	RetryCount    int        `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;not null" json:"updated_at"`
}

// TableName specifies the table name for DownloadStatus
func (DownloadStatus) TableName() string {
	return "download_status"
}

// SnowMask is the classification result for a scene at one NDSI threshold
type SnowMask struct {
	ID            uint      `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	SceneID       uint      `gorm:"column:product_id;not null" json:"scene_id"`
	NDSIThreshold float64   `gorm:"column:ndsi_threshold;not null" json:"ndsi_threshold"`
	SnowPixels    int64     `gorm:"column:snow_pixels;not null" json:"snow_pixels"`
	TotalPixels   int64     `gorm:"column:total_pixels;not null" json:"total_pixels"`
	SnowPct       float64   `gorm:"column:snow_pct;not null" json:"snow_pct"`
	MaskPath      *string   `gorm:"column:mask_path" json:"mask_path,omitempty"`
	ProcessingDt  time.Time `gorm:"column:processing_dt;not null;autoCreateTime" json:"processing_dt"`
}

// TableName specifies the table name for SnowMask
func (SnowMask) TableName() string {
	return "snow_masks"
}

// PipelineRun records one batch invocation (discover, download or process)
type PipelineRun struct {
	ID           uint           `gorm:"primaryKey;autoIncrement;column:id" json:"-"`
	RunID        uuid.UUID      `gorm:"column:run_id;not null;unique" json:"run_id"`
	Kind         string         `gorm:"column:kind;not null" json:"kind"`
	StartedAt    time.Time      `gorm:"column:started_at;not null" json:"started_at"`
	FinishedAt   *time.Time     `gorm:"column:finished_at" json:"finished_at,omitempty"`
	SuccessCount int            `gorm:"column:success_count;not null" json:"success"`
	FailedCount  int            `gorm:"column:failed_count;not null" json:"failed"`
	SkippedCount int            `gorm:"column:skipped_count;not null" json:"skipped"`
	Params       datatypes.JSON `gorm:"column:params;not null" json:"params"`
	ErrorMsg     *string        `gorm:"column:error_msg" json:"error_msg,omitempty"`
}

// TableName specifies the table name for PipelineRun
func (PipelineRun) TableName() string {
	return "pipeline_runs"
}
