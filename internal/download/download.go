// Package download drives a discovered scene from pending to downloaded or failed:
// it fetches the green and shortwave-infrared bands for the scene's acquisition day,
// writes them as a two-band GeoTIFF and records the outcome on the scene's status row.
package download

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/chrissnell/snowpatch/internal/aoi"
	"github.com/chrissnell/snowpatch/internal/database"
	"github.com/chrissnell/snowpatch/internal/metrics"
	"github.com/chrissnell/snowpatch/pkg/geotiff"
)

const (
	// DefaultResolution is the target ground sample distance in metres
	DefaultResolution = 10.0
	// BBoxHalfSizeDeg is the half-width of the requested box around the AOI centre
	BBoxHalfSizeDeg = 0.05

	metersPerDegreeLat = 111000.0
	bytesPerMB         = 1024 * 1024
)

// ErrNoData is returned when the provider answers without any pixels
var ErrNoData = errors.New("no data returned")

// FetchRequest describes one band request for a single scene
type FetchRequest struct {
	ProductID string
	// BBox is minLon, minLat, maxLon, maxLat in EPSG:4326
	BBox   [4]float64
	From   time.Time
	To     time.Time
	Width  int
	Height int
}

// Fetcher retrieves the green (band 1) and shortwave-infrared (band 2) samples for a request
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (*geotiff.Raster, error)
}

// Result describes a downloaded scene
type Result struct {
	SceneID   uint
	ProductID string
	Path      string
	SizeMB    float64
	// Skipped is set when the scene was already downloaded and no fetch was made
	Skipped bool
}

// Orchestrator downloads scenes one at a time
type Orchestrator struct {
	db         *gorm.DB
	fetcher    Fetcher
	baseDir    string
	resolution float64
	logger     *zap.SugaredLogger
	metrics    *metrics.Collector
	now        func() time.Time
}

// Option customises an Orchestrator
type Option func(*Orchestrator)

// WithResolution overrides the target resolution in metres per pixel
func WithResolution(res float64) Option {
	return func(o *Orchestrator) {
		if res > 0 {
			o.resolution = res
		}
	}
}

// WithMetrics records download outcomes on c
func WithMetrics(c *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = c }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates an orchestrator writing rasters below baseDir
func NewOrchestrator(db *gorm.DB, fetcher Fetcher, baseDir string, logger *zap.SugaredLogger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	o := &Orchestrator{
		db:         db,
		fetcher:    fetcher,
		baseDir:    baseDir,
		resolution: DefaultResolution,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Path returns where the raster of productID is stored:
// {baseDir}/{aoiDir}/{YYYY}/{MM}/{productID}.tif
func Path(baseDir, aoiDir, productID string, acquired time.Time) string {
	acquired = acquired.UTC()
	return filepath.Join(baseDir, aoiDir,
		fmt.Sprintf("%04d", acquired.Year()),
		fmt.Sprintf("%02d", int(acquired.Month())),
		productID+".tif")
}

// BBoxAround returns the request box of ±BBoxHalfSizeDeg around a centre point
func BBoxAround(lat, lon float64) [4]float64 {
	return [4]float64{lon - BBoxHalfSizeDeg, lat - BBoxHalfSizeDeg, lon + BBoxHalfSizeDeg, lat + BBoxHalfSizeDeg}
}

// PixelSize converts a box in degrees to pixel dimensions at resolution metres per pixel.
// Longitude is scaled by the cosine of the box's central latitude.
func PixelSize(bbox [4]float64, resolution float64) (width, height int) {
	centreLat := (bbox[1] + bbox[3]) / 2
	widthM := (bbox[2] - bbox[0]) * metersPerDegreeLat * math.Cos(centreLat*math.Pi/180)
	heightM := (bbox[3] - bbox[1]) * metersPerDegreeLat
	return int(math.Ceil(widthM / resolution)), int(math.Ceil(heightM / resolution))
}

// DayWindow returns the UTC calendar day containing t
func DayWindow(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24*time.Hour - time.Second)
}

// DownloadScene fetches and stores the bands of sceneID. A scene that is already downloaded
// returns its existing path without contacting the provider. Any failure after the attempt
// starts marks the status row failed and returns an error reading "<ErrorType>: <message>".
func (o *Orchestrator) DownloadScene(ctx context.Context, sceneID uint) (*Result, error) {
	scenes := database.NewSceneRepository(o.db)
	statuses := database.NewDownloadStatusRepository(o.db)

	scene, err := scenes.GetByID(ctx, sceneID)
	if err != nil {
		return nil, err
	}
	if scene == nil || scene.AOI == nil {
		return nil, fmt.Errorf("%w: scene with id %d", database.ErrNotFound, sceneID)
	}

	status, _, err := statuses.EnsurePending(ctx, scene.ID)
	if err != nil {
		return nil, err
	}

	if status.Status == database.StatusDownloaded && status.LocalPath != nil {
		o.logger.Debugw("scene already downloaded", "scene_id", scene.ID, "product_id", scene.ProductID, "path", *status.LocalPath)
		o.metrics.RecordDownload("skipped", 0, 0)
		return &Result{
			SceneID:   scene.ID,
			ProductID: scene.ProductID,
			Path:      *status.LocalPath,
			SizeMB:    derefFloat(status.FileSizeMB),
			Skipped:   true,
		}, nil
	}

	started := o.now().UTC()
	result, err := o.attempt(ctx, statuses, scene, status, started)
	if err != nil {
		msg := fmt.Sprintf("%s: %s", ErrorType(err), err.Error())
		o.recordFailure(ctx, statuses, scene, status, msg)
		o.metrics.RecordDownload("failed", o.now().Sub(started), 0)
		return nil, errors.New(msg)
	}

	o.metrics.RecordDownload("success", o.now().Sub(started), result.SizeMB)
	return result, nil
}

func (o *Orchestrator) attempt(ctx context.Context, statuses *database.DownloadStatusRepository, scene *database.Scene, status *database.DownloadStatus, started time.Time) (*Result, error) {
	// Status stays pending; only the timestamp marks the download as in flight
	if _, err := statuses.Update(ctx, status.ID, database.DownloadStatusUpdate{DownloadStart: &started}); err != nil {
		return nil, err
	}

	path := Path(o.baseDir, aoi.Slug(scene.AOI.Name), scene.ProductID, scene.AcquisitionDt)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	bbox := BBoxAround(scene.AOI.CenterLat, scene.AOI.CenterLon)
	width, height := PixelSize(bbox, o.resolution)
	from, to := DayWindow(scene.AcquisitionDt)

	o.logger.Infow("downloading scene",
		"scene_id", scene.ID, "product_id", scene.ProductID, "aoi", scene.AOI.Name,
		"width", width, "height", height, "day", from.Format("2006-01-02"))

	raster, err := o.fetcher.Fetch(ctx, FetchRequest{
		ProductID: scene.ProductID,
		BBox:      bbox,
		From:      from,
		To:        to,
		Width:     width,
		Height:    height,
	})
	if err != nil {
		return nil, err
	}
	if raster == nil || len(raster.Bands) == 0 || raster.Width == 0 || raster.Height == 0 {
		return nil, fmt.Errorf("%w for product %s", ErrNoData, scene.ProductID)
	}
	if len(raster.Bands) < 2 {
		return nil, fmt.Errorf("%w: expected 2 bands for product %s, got %d", ErrNoData, scene.ProductID, len(raster.Bands))
	}

	raster.Transform = geotiff.TransformFromBounds(bbox[0], bbox[1], bbox[2], bbox[3], raster.Width, raster.Height)
	raster.EPSG = geotiff.EPSGWGS84
	if err := geotiff.WriteFile(path, raster, geotiff.Options{Compression: geotiff.Deflate}); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	sizeMB := math.Round(float64(info.Size())/bytesPerMB*100) / 100

	downloaded := database.StatusDownloaded
	finished := o.now().UTC()
	if _, err := statuses.Update(ctx, status.ID, database.DownloadStatusUpdate{
		Status:      &downloaded,
		LocalPath:   &path,
		FileSizeMB:  &sizeMB,
		DownloadEnd: &finished,
	}); err != nil {
		return nil, err
	}

	o.logger.Infow("scene downloaded", "scene_id", scene.ID, "product_id", scene.ProductID, "path", path, "size_mb", sizeMB)
	return &Result{SceneID: scene.ID, ProductID: scene.ProductID, Path: path, SizeMB: sizeMB}, nil
}

// recordFailure marks the status failed. A failure to record the failure is logged and otherwise ignored.
func (o *Orchestrator) recordFailure(ctx context.Context, statuses *database.DownloadStatusRepository, scene *database.Scene, status *database.DownloadStatus, msg string) {
	failed := database.StatusFailed
	retries := status.RetryCount + 1
	finished := o.now().UTC()

	_, err := statuses.Update(context.WithoutCancel(ctx), status.ID, database.DownloadStatusUpdate{
		Status:      &failed,
		ErrorMsg:    &msg,
		RetryCount:  &retries,
		DownloadEnd: &finished,
	})
	if err != nil {
		o.logger.Warnw("unable to record download failure", "scene_id", scene.ID, "product_id", scene.ProductID, "error", err)
		return
	}
	o.logger.Errorw("scene download failed", "scene_id", scene.ID, "product_id", scene.ProductID, "retry_count", retries, "error", msg)
}

// ErrorType names the kind of err for status messages. Errors that implement Kind() string name
// themselves; others use their Go type name.
func ErrorType(err error) string {
	var kinded interface{ Kind() string }
	if errors.As(err, &kinded) {
		return kinded.Kind()
	}
	if errors.Is(err, ErrNoData) {
		return "DownloadError"
	}

	name := fmt.Sprintf("%T", err)
	name = strings.TrimPrefix(name, "*")
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	switch name {
	case "", "errorString", "wrapError", "wrapErrors", "joinError":
		return "DownloadError"
	}
	return name
}

func derefFloat(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
