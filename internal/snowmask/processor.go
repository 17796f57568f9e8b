package snowmask

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gorm.io/gorm"

	"github.com/chrissnell/snowpatch/internal/aoi"
	"github.com/chrissnell/snowpatch/internal/database"
	"github.com/chrissnell/snowpatch/internal/metrics"
	"github.com/chrissnell/snowpatch/pkg/geotiff"
)

var (
	// ErrNotDownloaded is returned when a scene is not in the downloaded state
	ErrNotDownloaded = errors.New("scene not downloaded")
	// ErrBandCount is returned when the scene raster has fewer than two bands
	ErrBandCount = errors.New("scene raster needs green and swir bands")
)

// Archiver copies a written mask somewhere durable
type Archiver interface {
	Archive(ctx context.Context, localPath, aoiDir string, acquired time.Time) error
}

// Result describes a classified scene
type Result struct {
	SceneID     uint    `json:"scene_id"`
	ProductID   string  `json:"product_id"`
	AOIName     string  `json:"aoi"`
	Threshold   float64 `json:"ndsi_threshold"`
	SnowPct     float64 `json:"snow_pct"`
	SnowPixels  int64   `json:"snow_pixels"`
	TotalPixels int64   `json:"total_pixels"`
	MaskPath    string  `json:"mask_path,omitempty"`
}

// Processor classifies downloaded scenes
type Processor struct {
	db       *gorm.DB
	baseDir  string
	logger   *zap.SugaredLogger
	metrics  *metrics.Collector
	archiver Archiver
}

// Option customises a Processor
type Option func(*Processor)

// WithMetrics records classification outcomes on c
func WithMetrics(c *metrics.Collector) Option {
	return func(p *Processor) { p.metrics = c }
}

// WithArchiver uploads every newly written mask through a
func WithArchiver(a Archiver) Option {
	return func(p *Processor) { p.archiver = a }
}

// NewProcessor creates a processor writing masks below baseDir
func NewProcessor(db *gorm.DB, baseDir string, logger *zap.SugaredLogger, opts ...Option) *Processor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	p := &Processor{db: db, baseDir: baseDir, logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaskPath returns where the mask of productID at threshold is stored:
// {baseDir}/{aoiDir}/{YYYY}/{MM}/{productID}_ndsi{threshold:.1f}.tif
func MaskPath(baseDir, aoiDir, productID string, acquired time.Time, threshold float64) string {
	acquired = acquired.UTC()
	return filepath.Join(baseDir, aoiDir,
		fmt.Sprintf("%04d", acquired.Year()),
		fmt.Sprintf("%02d", int(acquired.Month())),
		fmt.Sprintf("%s_ndsi%.1f.tif", productID, threshold))
}

// Classify reads a two-band scene raster and returns its mask and statistics
func Classify(r *geotiff.Raster, threshold float64) (*Mask, Stats, error) {
	if len(r.Bands) < 2 {
		return nil, Stats{}, fmt.Errorf("%w: found %d", ErrBandCount, len(r.Bands))
	}
	green := mat.NewDense(r.Height, r.Width, r.BandFloat64(0))
	swir := mat.NewDense(r.Height, r.Width, r.BandFloat64(1))

	ndsi, err := CalculateNDSI(green, swir, Epsilon)
	if err != nil {
		return nil, Stats{}, err
	}
	mask := ApplyThreshold(ndsi, threshold)
	return mask, CalculateStats(mask), nil
}

// ProcessScene classifies a downloaded scene at threshold and marks it processed. The status
// change, the mask row and the final status are committed together: on any failure nothing is
// written and the scene stays downloaded. A mask already stored for (scene, threshold) fails the call.
func (p *Processor) ProcessScene(ctx context.Context, sceneID uint, threshold float64, saveMask bool) (*Result, error) {
	started := time.Now()
	var (
		result    *Result
		aoiName   string
		aoiDir    string
		acquired  time.Time
		wroteMask string
	)

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scenes := database.NewSceneRepository(tx)
		statuses := database.NewDownloadStatusRepository(tx)
		masks := database.NewSnowMaskRepository(tx)

		scene, err := scenes.GetByID(ctx, sceneID)
		if err != nil {
			return err
		}
		if scene == nil {
			return fmt.Errorf("%w: scene with id %d", database.ErrNotFound, sceneID)
		}
		if scene.AOI == nil {
			return fmt.Errorf("%w: AOI for scene %d", database.ErrNotFound, sceneID)
		}
		aoiName, aoiDir, acquired = scene.AOI.Name, aoi.Slug(scene.AOI.Name), scene.AcquisitionDt

		status, err := statuses.GetBySceneID(ctx, scene.ID)
		if err != nil {
			return err
		}
		if status == nil || status.Status != database.StatusDownloaded || status.LocalPath == nil {
			current := "missing"
			if status != nil {
				current = string(status.Status)
			}
			return fmt.Errorf("%w: product %s is %s", ErrNotDownloaded, scene.ProductID, current)
		}

		// a stored mask is immutable, so its file must not be touched
		exists, err := masks.Exists(ctx, scene.ID, threshold)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: product %s already has a mask at threshold %.1f", database.ErrDuplicateKey, scene.ProductID, threshold)
		}

		processing := database.StatusProcessing
		if _, err := statuses.Update(ctx, status.ID, database.DownloadStatusUpdate{Status: &processing}); err != nil {
			return err
		}

		raster, err := geotiff.ReadFile(*status.LocalPath)
		if err != nil {
			return fmt.Errorf("reading %s: %w", *status.LocalPath, err)
		}
		mask, stats, err := Classify(raster, threshold)
		if err != nil {
			return err
		}

		rec := &database.SnowMask{
			SceneID:       scene.ID,
			NDSIThreshold: threshold,
			SnowPixels:    stats.SnowPixels,
			TotalPixels:   stats.TotalPixels,
			SnowPct:       stats.SnowPct,
		}
		if saveMask {
			path := MaskPath(p.baseDir, aoiDir, scene.ProductID, scene.AcquisitionDt, threshold)
			if err := writeMask(path, mask, raster); err != nil {
				return fmt.Errorf("writing mask: %w", err)
			}
			wroteMask = path
			rec.MaskPath = &path
		}

		if err := masks.Create(ctx, rec); err != nil {
			return err
		}

		processed := database.StatusProcessed
		if _, err := statuses.Update(ctx, status.ID, database.DownloadStatusUpdate{Status: &processed}); err != nil {
			return err
		}

		result = &Result{
			SceneID:     scene.ID,
			ProductID:   scene.ProductID,
			AOIName:     scene.AOI.Name,
			Threshold:   threshold,
			SnowPct:     stats.SnowPct,
			SnowPixels:  stats.SnowPixels,
			TotalPixels: stats.TotalPixels,
			MaskPath:    wroteMask,
		}
		return nil
	})
	if err != nil {
		if wroteMask != "" {
			os.Remove(wroteMask)
		}
		p.metrics.RecordMask(aoiName, "failed", time.Since(started), 0)
		p.logger.Errorw("scene classification failed", "scene_id", sceneID, "threshold", threshold, "error", err)
		return nil, err
	}

	p.metrics.RecordMask(aoiName, "success", time.Since(started), result.SnowPct)
	p.logger.Infow("scene classified",
		"scene_id", result.SceneID, "product_id", result.ProductID, "aoi", aoiName,
		"threshold", threshold, "snow_pct", result.SnowPct, "mask_path", result.MaskPath)

	if wroteMask != "" && p.archiver != nil {
		if err := p.archiver.Archive(ctx, wroteMask, aoiDir, acquired); err != nil {
			p.logger.Warnw("mask archive failed", "scene_id", result.SceneID, "path", wroteMask, "error", err)
		}
	}
	return result, nil
}

// writeMask stores m as a single-band 8 bit raster with the source georeferencing
func writeMask(path string, m *Mask, src *geotiff.Raster) error {
	out := geotiff.New(m.Cols, m.Rows, 1, 8)
	for i, v := range m.Data {
		out.Bands[0][i] = uint16(v)
	}
	out.Transform = src.Transform
	out.EPSG = src.EPSG
	return geotiff.WriteFile(path, out, geotiff.Options{Compression: geotiff.Deflate})
}
