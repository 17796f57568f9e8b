package database

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// TrendRow is one classified scene in a snow cover time series
type TrendRow struct {
	AcquisitionDt time.Time `gorm:"column:acquisition_dt" json:"acquisition_dt"`
	AOIName       string    `gorm:"column:aoi_name" json:"aoi"`
	ProductID     string    `gorm:"column:product_id" json:"product_id"`
	CloudCover    float64   `gorm:"column:cloud_cover" json:"cloud_cover"`
	NDSIThreshold float64   `gorm:"column:ndsi_threshold" json:"ndsi_threshold"`
	SnowPct       float64   `gorm:"column:snow_pct" json:"snow_pct"`
	SnowPixels    int64     `gorm:"column:snow_pixels" json:"snow_pixels"`
	TotalPixels   int64     `gorm:"column:total_pixels" json:"total_pixels"`
	// SmoothedPct is filled by callers that smooth the series; it is not a column
	SmoothedPct float64 `gorm:"-" json:"smoothed_snow_pct"`
}

// StatusCount is the number of scenes in one lifecycle state
type StatusCount struct {
	Status Status `gorm:"column:status" json:"status"`
	Count  int64  `gorm:"column:count" json:"count"`
}

// ReportRepository runs the read-only queries behind trend and status reporting
type ReportRepository struct {
	db *gorm.DB
}

// NewReportRepository creates a repository bound to db
func NewReportRepository(db *gorm.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

// Trends returns every snow mask joined with its scene and AOI, oldest acquisition first.
// An empty aoiName returns all AOIs.
func (r *ReportRepository) Trends(ctx context.Context, aoiName string) ([]TrendRow, error) {
	q := r.db.WithContext(ctx).
		Table("snow_masks AS m").
		Select("p.acquisition_dt, a.name AS aoi_name, p.product_id, p.cloud_cover, " +
			"m.ndsi_threshold, m.snow_pct, m.snow_pixels, m.total_pixels").
		Joins("JOIN sentinel_products AS p ON p.id = m.product_id").
		Joins("JOIN aois AS a ON a.id = p.aoi_id")
	if aoiName != "" {
		q = q.Where("a.name = ?", aoiName)
	}

	var rows []TrendRow
	if err := q.Order("p.acquisition_dt").Order("m.ndsi_threshold").Scan(&rows).Error; err != nil {
		return nil, translateError(err)
	}
	for i := range rows {
		rows[i].AcquisitionDt = rows[i].AcquisitionDt.UTC()
	}
	return rows, nil
}

// StatusCounts returns how many scenes sit in each lifecycle state, ordered by status name
func (r *ReportRepository) StatusCounts(ctx context.Context) ([]StatusCount, error) {
	var counts []StatusCount
	err := r.db.WithContext(ctx).
		Model(&DownloadStatus{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Order("status").
		Scan(&counts).Error
	if err != nil {
		return nil, translateError(err)
	}
	return counts, nil
}
