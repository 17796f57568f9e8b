// Package pipeline runs the batch stages of the snow cover workflow: discovery, download and
// classification. Stages walk their scenes one at a time and record every invocation as a
// pipeline run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gorm.io/gorm"

	"github.com/chrissnell/snowpatch/internal/aoi"
	"github.com/chrissnell/snowpatch/internal/database"
	"github.com/chrissnell/snowpatch/internal/discovery"
	"github.com/chrissnell/snowpatch/internal/download"
	"github.com/chrissnell/snowpatch/internal/metrics"
	"github.com/chrissnell/snowpatch/internal/snowmask"
)

// ErrUnknownAOI is returned when a stage names an AOI that is not stored
var ErrUnknownAOI = errors.New("unknown AOI")

// SceneFinder searches the catalog for an AOI
type SceneFinder interface {
	FindScenes(ctx context.Context, boundary aoi.Polygon, start, end time.Time, maxCloudCover float64) ([]discovery.Candidate, error)
}

// SceneDownloader downloads one scene
type SceneDownloader interface {
	DownloadScene(ctx context.Context, sceneID uint) (*download.Result, error)
}

// SceneProcessor classifies one scene
type SceneProcessor interface {
	ProcessScene(ctx context.Context, sceneID uint, threshold float64, saveMask bool) (*snowmask.Result, error)
}

// Pipeline wires the stages to the metadata store
type Pipeline struct {
	db         *gorm.DB
	finder     SceneFinder
	downloader SceneDownloader
	processor  SceneProcessor
	logger     *zap.SugaredLogger
	metrics    *metrics.Collector
}

// New creates a pipeline. Stages whose collaborator is nil return an error when run.
func New(db *gorm.DB, finder SceneFinder, downloader SceneDownloader, processor SceneProcessor, logger *zap.SugaredLogger, m *metrics.Collector) *Pipeline {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Pipeline{
		db:         db,
		finder:     finder,
		downloader: downloader,
		processor:  processor,
		logger:     logger,
		metrics:    m,
	}
}

// BatchResult tallies one batch run
type BatchResult struct {
	RunID   uuid.UUID `json:"run_id"`
	Success int       `json:"success"`
	Failed  int       `json:"failed"`
	Skipped int       `json:"skipped"`
}

func (b BatchResult) tally() database.RunTally {
	return database.RunTally{Success: b.Success, Failed: b.Failed, Skipped: b.Skipped}
}

// DiscoverResult is the outcome of registering catalog scenes for an AOI
type DiscoverResult struct {
	RunID   uuid.UUID         `json:"run_id"`
	AOI     string            `json:"aoi"`
	Found   int               `json:"found"`
	Created int               `json:"created"`
	Skipped int               `json:"skipped"`
	Summary discovery.Summary `json:"summary"`
}

type discoverParams struct {
	AOI           string    `json:"aoi"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	MaxCloudCover float64   `json:"max_cloud_cover"`
}

// Discover searches the catalog for aoiName, stores the new scenes and makes sure every scene
// found has a pending download status
func (p *Pipeline) Discover(ctx context.Context, aoiName string, start, end time.Time, maxCloudCover float64) (*DiscoverResult, error) {
	if p.finder == nil {
		return nil, errors.New("pipeline has no catalog configured")
	}

	runs := database.NewRunRepository(p.db)
	run, err := runs.Start(ctx, database.RunKindDiscover, discoverParams{aoiName, start.UTC(), end.UTC(), maxCloudCover})
	if err != nil {
		return nil, err
	}

	res, err := p.discover(ctx, aoiName, start, end, maxCloudCover)
	if res == nil {
		res = &DiscoverResult{AOI: aoiName}
	}
	res.RunID = run.RunID

	tally := database.RunTally{Success: res.Created, Skipped: res.Skipped}
	if ferr := runs.Finish(context.WithoutCancel(ctx), run, tally, err); ferr != nil {
		p.logger.Warnw("failed to finish pipeline run", "run_id", run.RunID, "error", ferr)
	}
	if err != nil {
		p.logger.Errorw("discovery failed", "run_id", run.RunID, "aoi", aoiName, "error", err)
		return nil, err
	}

	p.metrics.RecordDiscovery(aoiName, res.Created, res.Skipped)
	p.logger.Infow("discovery complete", "run_id", run.RunID, "aoi", aoiName,
		"found", res.Found, "created", res.Created, "skipped", res.Skipped)
	return res, nil
}

func (p *Pipeline) discover(ctx context.Context, aoiName string, start, end time.Time, maxCloudCover float64) (*DiscoverResult, error) {
	area, err := database.NewAOIRepository(p.db).GetByName(ctx, aoiName)
	if err != nil {
		return nil, err
	}
	if area == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAOI, aoiName)
	}

	boundary := aoi.BBoxAroundPoint(area.CenterLat, area.CenterLon, area.SizeKm)
	candidates, err := p.finder.FindScenes(ctx, boundary, start, end, maxCloudCover)
	if err != nil {
		return nil, err
	}

	scenes := make([]database.Scene, len(candidates))
	for i, c := range candidates {
		scenes[i] = c.Scene(area.ID)
	}

	sceneRepo := database.NewSceneRepository(p.db)
	created, skipped, err := sceneRepo.BulkCreateIfNotExists(ctx, scenes)
	if err != nil {
		return nil, err
	}

	statuses := database.NewDownloadStatusRepository(p.db)
	for _, c := range candidates {
		scene, err := sceneRepo.GetByProductID(ctx, c.ProductID)
		if err != nil {
			return nil, err
		}
		if scene == nil {
			continue
		}
		if _, _, err := statuses.EnsurePending(ctx, scene.ID); err != nil {
			return nil, fmt.Errorf("registering download status for %s: %w", c.ProductID, err)
		}
	}

	return &DiscoverResult{
		AOI:     aoiName,
		Found:   len(candidates),
		Created: created,
		Skipped: skipped,
		Summary: discovery.Summarize(candidates),
	}, nil
}

// DownloadPending downloads every pending scene, at most limit of them when limit is positive.
// maxRetries is recorded with the run but does not filter rows.
func (p *Pipeline) DownloadPending(ctx context.Context, limit, maxRetries int) (*BatchResult, error) {
	if p.downloader == nil {
		return nil, errors.New("pipeline has no downloader configured")
	}

	rows, err := database.NewDownloadStatusRepository(p.db).GetPending(ctx)
	if err != nil {
		return nil, err
	}
	rows = truncate(rows, limit)

	params := map[string]int{"limit": limit, "max_retries": maxRetries, "pending": len(rows)}
	return p.batch(ctx, database.RunKindDownload, params, rows, func(ctx context.Context, row database.DownloadStatus) (bool, error) {
		res, err := p.downloader.DownloadScene(ctx, row.SceneID)
		if err != nil {
			return false, err
		}
		return res.Skipped, nil
	})
}

// ProcessDownloaded classifies every downloaded scene at threshold, at most limit of them when
// limit is positive. Nothing is ever counted as skipped.
func (p *Pipeline) ProcessDownloaded(ctx context.Context, threshold float64, saveMask bool, limit int) (*BatchResult, error) {
	if p.processor == nil {
		return nil, errors.New("pipeline has no processor configured")
	}

	rows, err := database.NewDownloadStatusRepository(p.db).GetByStatus(ctx, database.StatusDownloaded)
	if err != nil {
		return nil, err
	}
	rows = truncate(rows, limit)

	params := map[string]interface{}{"threshold": threshold, "save_mask": saveMask, "limit": limit, "downloaded": len(rows)}
	return p.batch(ctx, database.RunKindProcess, params, rows, func(ctx context.Context, row database.DownloadStatus) (bool, error) {
		_, err := p.processor.ProcessScene(ctx, row.SceneID, threshold, saveMask)
		return false, err
	})
}

// batch runs step over rows in order, recording the run. A failed item never stops the batch;
// a cancelled context does.
func (p *Pipeline) batch(ctx context.Context, kind string, params interface{}, rows []database.DownloadStatus,
	step func(context.Context, database.DownloadStatus) (skipped bool, err error)) (*BatchResult, error) {

	runs := database.NewRunRepository(p.db)
	run, err := runs.Start(ctx, kind, params)
	if err != nil {
		return nil, err
	}
	res := &BatchResult{RunID: run.RunID}
	log := p.logger.With("run_id", run.RunID, "kind", kind)
	log.Infow("batch started", "items", len(rows))

	var runErr error
	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		skipped, err := step(ctx, row)
		switch {
		case err != nil:
			res.Failed++
			log.Warnw("item failed", "item", i+1, "of", len(rows), "scene_id", row.SceneID, "error", err)
		case skipped:
			res.Skipped++
			log.Infow("item skipped", "item", i+1, "of", len(rows), "scene_id", row.SceneID)
		default:
			res.Success++
			log.Infow("item done", "item", i+1, "of", len(rows), "scene_id", row.SceneID)
		}
	}

	if ferr := runs.Finish(context.WithoutCancel(ctx), run, res.tally(), runErr); ferr != nil {
		log.Warnw("failed to finish pipeline run", "error", ferr)
	}
	log.Infow("batch finished", "success", res.Success, "failed", res.Failed, "skipped", res.Skipped)
	if runErr != nil {
		return res, runErr
	}
	return res, nil
}

func truncate(rows []database.DownloadStatus, limit int) []database.DownloadStatus {
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}

// AOIResult summarises a classification pass over one AOI
type AOIResult struct {
	RunID           uuid.UUID `json:"run_id"`
	AOI             string    `json:"aoi"`
	Processed       int       `json:"processed"`
	Failed          int       `json:"failed"`
	TotalSnowPixels int64     `json:"total_snow_pixels"`
	AvgSnowPct      float64   `json:"avg_snow_pct"`
}

// ProcessAOI classifies every downloaded scene of aoiName at threshold
func (p *Pipeline) ProcessAOI(ctx context.Context, aoiName string, threshold float64, saveMask bool) (*AOIResult, error) {
	if p.processor == nil {
		return nil, errors.New("pipeline has no processor configured")
	}

	area, err := database.NewAOIRepository(p.db).GetByName(ctx, aoiName)
	if err != nil {
		return nil, err
	}
	if area == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAOI, aoiName)
	}

	scenes, err := database.NewSceneRepository(p.db).ListByAOI(ctx, area.ID, database.SceneFilter{})
	if err != nil {
		return nil, err
	}
	statuses := database.NewDownloadStatusRepository(p.db)
	var rows []database.DownloadStatus
	for _, s := range scenes {
		st, err := statuses.GetBySceneID(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		if st != nil && st.Status == database.StatusDownloaded {
			rows = append(rows, *st)
		}
	}

	var pcts []float64
	out := &AOIResult{AOI: aoiName}
	params := map[string]interface{}{"aoi": aoiName, "threshold": threshold, "save_mask": saveMask, "downloaded": len(rows)}
	batch, err := p.batch(ctx, database.RunKindProcess, params, rows, func(ctx context.Context, row database.DownloadStatus) (bool, error) {
		res, err := p.processor.ProcessScene(ctx, row.SceneID, threshold, saveMask)
		if err != nil {
			return false, err
		}
		out.TotalSnowPixels += res.SnowPixels
		pcts = append(pcts, res.SnowPct)
		return false, nil
	})
	if batch != nil {
		out.RunID = batch.RunID
		out.Processed = batch.Success
		out.Failed = batch.Failed
	}
	if len(pcts) > 0 {
		out.AvgSnowPct = stat.Mean(pcts, nil)
	}
	return out, err
}

// Trends returns the classified scenes of aoiName, or of every AOI when it is empty
func (p *Pipeline) Trends(ctx context.Context, aoiName string) ([]database.TrendRow, error) {
	return database.NewReportRepository(p.db).Trends(ctx, aoiName)
}

// StatusCounts returns the number of scenes in each lifecycle state
func (p *Pipeline) StatusCounts(ctx context.Context) ([]database.StatusCount, error) {
	return database.NewReportRepository(p.db).StatusCounts(ctx)
}

// TrendSummary describes the snow cover spread of one AOI at one threshold
type TrendSummary struct {
	AOI        string    `json:"aoi"`
	Threshold  float64   `json:"ndsi_threshold"`
	Scenes     int       `json:"scenes"`
	MeanPct    float64   `json:"mean_snow_pct"`
	MinPct     float64   `json:"min_snow_pct"`
	MaxPct     float64   `json:"max_snow_pct"`
	StdDevPct  float64   `json:"stddev_snow_pct"`
	FirstScene time.Time `json:"first_acquisition"`
	LastScene  time.Time `json:"last_acquisition"`
}

// SummarizeTrends groups rows by AOI and threshold, in order of first appearance
func SummarizeTrends(rows []database.TrendRow) []TrendSummary {
	type key struct {
		aoi       string
		threshold float64
	}
	var order []key
	groups := make(map[key][]database.TrendRow)
	for _, r := range rows {
		k := key{r.AOIName, r.NDSIThreshold}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}

	out := make([]TrendSummary, 0, len(order))
	for _, k := range order {
		g := groups[k]
		pcts := make([]float64, len(g))
		first, last := g[0].AcquisitionDt, g[0].AcquisitionDt
		for i, r := range g {
			pcts[i] = r.SnowPct
			if r.AcquisitionDt.Before(first) {
				first = r.AcquisitionDt
			}
			if r.AcquisitionDt.After(last) {
				last = r.AcquisitionDt
			}
		}
		s := TrendSummary{
			AOI:        k.aoi,
			Threshold:  k.threshold,
			Scenes:     len(g),
			MeanPct:    stat.Mean(pcts, nil),
			MinPct:     floats.Min(pcts),
			MaxPct:     floats.Max(pcts),
			FirstScene: first,
			LastScene:  last,
		}
		if len(pcts) > 1 {
			s.StdDevPct = stat.StdDev(pcts, nil)
		}
		out = append(out, s)
	}
	return out
}
