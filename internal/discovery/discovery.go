// Package discovery turns catalog search results for an AOI into scene records ready
// for the metadata store.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gorm.io/datatypes"

	"github.com/chrissnell/snowpatch/internal/aoi"
	"github.com/chrissnell/snowpatch/internal/database"
	"github.com/chrissnell/snowpatch/internal/sentinelhub"
)

// DefaultMaxCloudCover is the cloud cover ceiling used when none is configured
const DefaultMaxCloudCover = 20.0

// ErrInvalidCloudCover is returned for a ceiling outside [0, 100]
var ErrInvalidCloudCover = errors.New("max cloud cover must be between 0 and 100")

// Catalog searches the imagery provider
type Catalog interface {
	Search(ctx context.Context, req sentinelhub.SearchRequest) ([]sentinelhub.Item, error)
}

// ExternalServiceError wraps a catalog failure
type ExternalServiceError struct {
	Err error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("catalog search failed: %v", e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// Kind names the error class in status messages
func (e *ExternalServiceError) Kind() string {
	return sentinelhub.KindExternalService
}

// Candidate is a catalog scene that passed the cloud filter
type Candidate struct {
	ProductID     string
	AcquisitionDt time.Time
	CloudCover    float64
	Footprint     datatypes.JSON
}

// Scene converts c into a store record owned by aoiID
func (c Candidate) Scene(aoiID uint) database.Scene {
	return database.Scene{
		ProductID:     c.ProductID,
		AOIID:         aoiID,
		AcquisitionDt: c.AcquisitionDt.UTC(),
		CloudCover:    c.CloudCover,
		Geometry:      c.Footprint,
	}
}

// Discoverer queries the catalog
type Discoverer struct {
	catalog Catalog
	logger  *zap.SugaredLogger
}

// New creates a Discoverer
func New(catalog Catalog, logger *zap.SugaredLogger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Discoverer{catalog: catalog, logger: logger}
}

// FindScenes returns the catalog scenes intersecting boundary within [start, end] whose cloud
// cover is at most maxCloudCover, ordered by acquisition time. Items without a cloud cover value
// are dropped. An empty result is an empty slice.
func (d *Discoverer) FindScenes(ctx context.Context, boundary aoi.Polygon, start, end time.Time, maxCloudCover float64) ([]Candidate, error) {
	if maxCloudCover < 0 || maxCloudCover > 100 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCloudCover, maxCloudCover)
	}

	minLon, minLat, maxLon, maxLat := boundary.Bounds()
	items, err := d.catalog.Search(ctx, sentinelhub.SearchRequest{
		BBox:  [4]float64{minLon, minLat, maxLon, maxLat},
		Start: start,
		End:   end,
	})
	if err != nil {
		return nil, &ExternalServiceError{Err: err}
	}

	out := make([]Candidate, 0, len(items))
	for _, it := range items {
		cc := it.Properties.CloudCover
		if cc == nil || *cc > maxCloudCover {
			continue
		}
		footprint := datatypes.JSON(it.Geometry)
		if len(footprint) == 0 {
			footprint = datatypes.JSON("null")
		}
		out = append(out, Candidate{
			ProductID:     it.ProductID(),
			AcquisitionDt: it.Properties.Datetime.UTC(),
			CloudCover:    *cc,
			Footprint:     footprint,
		})
	}
	sortByAcquisition(out)

	d.logger.Infow("catalog search complete", "returned", len(items), "kept", len(out), "max_cloud_cover", maxCloudCover)
	return out, nil
}

func sortByAcquisition(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool { return c[i].AcquisitionDt.Before(c[j].AcquisitionDt) })
}

// Summary describes a set of candidates
type Summary struct {
	Total         int        `json:"total_products"`
	Earliest      *time.Time `json:"earliest,omitempty"`
	Latest        *time.Time `json:"latest,omitempty"`
	AvgCloudCover *float64   `json:"avg_cloud_cover,omitempty"`
	MinCloudCover *float64   `json:"min_cloud_cover,omitempty"`
	MaxCloudCover *float64   `json:"max_cloud_cover,omitempty"`
}

// Summarize counts candidates and reports their date range and cloud cover spread.
// An empty input yields a zero Summary with nil ranges.
func Summarize(candidates []Candidate) Summary {
	if len(candidates) == 0 {
		return Summary{}
	}

	clouds := make([]float64, len(candidates))
	earliest, latest := candidates[0].AcquisitionDt, candidates[0].AcquisitionDt
	for i, c := range candidates {
		clouds[i] = c.CloudCover
		if c.AcquisitionDt.Before(earliest) {
			earliest = c.AcquisitionDt
		}
		if c.AcquisitionDt.After(latest) {
			latest = c.AcquisitionDt
		}
	}

	avg := stat.Mean(clouds, nil)
	lo := floats.Min(clouds)
	hi := floats.Max(clouds)
	return Summary{
		Total:         len(candidates),
		Earliest:      &earliest,
		Latest:        &latest,
		AvgCloudCover: &avg,
		MinCloudCover: &lo,
		MaxCloudCover: &hi,
	}
}
