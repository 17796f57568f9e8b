package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/datatypes"

	"github.com/chrissnell/snowpatch/internal/aoi"
	"github.com/chrissnell/snowpatch/internal/database"
	"github.com/chrissnell/snowpatch/internal/database/dbtest"
	"github.com/chrissnell/snowpatch/internal/discovery"
	"github.com/chrissnell/snowpatch/internal/download"
	"github.com/chrissnell/snowpatch/internal/snowmask"
	"github.com/chrissnell/snowpatch/pkg/geotiff"
)

type fakeFinder struct {
	candidates []discovery.Candidate
	err        error
	boundary   aoi.Polygon
}

func (f *fakeFinder) FindScenes(ctx context.Context, boundary aoi.Polygon, start, end time.Time, maxCloud float64) ([]discovery.Candidate, error) {
	f.boundary = boundary
	if f.err != nil {
		return nil, f.err
	}
	var out []discovery.Candidate
	for _, c := range f.candidates {
		if c.CloudCover <= maxCloud {
			out = append(out, c)
		}
	}
	return out, nil
}

// splitFetcher serves rasters whose top half is snow. Products listed in fail are rejected.
type splitFetcher struct {
	fail  map[string]bool
	calls int
}

func (f *splitFetcher) Fetch(ctx context.Context, req download.FetchRequest) (*geotiff.Raster, error) {
	f.calls++
	if f.fail[req.ProductID] {
		return nil, errors.New("provider unavailable")
	}
	r := geotiff.New(req.Width, req.Height, 2, 16)
	for row := 0; row < req.Height; row++ {
		for col := 0; col < req.Width; col++ {
			if row < req.Height/2 {
				r.Set(0, col, row, 8000)
				r.Set(1, col, row, 2000)
			} else {
				r.Set(0, col, row, 2000)
				r.Set(1, col, row, 8000)
			}
		}
	}
	return r, nil
}

func candidate(id string, day int, cloud float64) discovery.Candidate {
	return discovery.Candidate{
		ProductID:     id,
		AcquisitionDt: time.Date(2024, 1, day, 11, 30, 0, 0, time.UTC),
		CloudCover:    cloud,
		Footprint:     datatypes.JSON(`{"type":"Polygon","coordinates":[]}`),
	}
}

func seedAOIs(t *testing.T, client *database.Client) {
	t.Helper()
	repo := database.NewAOIRepository(client.DB)
	if _, err := aoi.Seed(context.Background(), repo, aoi.Defaults(), nil); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func newPipeline(t *testing.T, finder SceneFinder, fetcher download.Fetcher) (*Pipeline, *database.Client) {
	t.Helper()
	client := dbtest.Open(t)
	seedAOIs(t, client)
	base := t.TempDir()
	dl := download.NewOrchestrator(client.DB, fetcher, base, nil, download.WithResolution(200))
	proc := snowmask.NewProcessor(client.DB, base, nil)
	return New(client.DB, finder, dl, proc, nil, nil), client
}

func TestDiscoverRegistersScenes(t *testing.T) {
	finder := &fakeFinder{candidates: []discovery.Candidate{
		candidate("S2A_A", 5, 3),
		candidate("S2B_B", 9, 12),
		candidate("S2A_CLOUDY", 11, 80),
	}}
	p, client := newPipeline(t, finder, &splitFetcher{})
	ctx := context.Background()
	start, end := aoi.WinterDateRange(2024)

	res, err := p.Discover(ctx, "Ben Nevis", start, end, 20)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if res.Found != 2 || res.Created != 2 || res.Skipped != 0 {
		t.Errorf("result = %+v", res)
	}
	if res.Summary.Total != 2 || res.Summary.MaxCloudCover == nil || *res.Summary.MaxCloudCover != 12 {
		t.Errorf("summary = %+v", res.Summary)
	}
	minLon, minLat, maxLon, maxLat := finder.boundary.Bounds()
	if !(minLon < -5.0036 && maxLon > -5.0036 && minLat < 56.7969 && maxLat > 56.7969) {
		t.Errorf("boundary %v does not contain the AOI centre", finder.boundary)
	}

	pending, err := database.NewDownloadStatusRepository(client.DB).GetPending(ctx)
	if err != nil || len(pending) != 2 {
		t.Fatalf("pending = %d, %v", len(pending), err)
	}

	again, err := p.Discover(ctx, "Ben Nevis", start, end, 20)
	if err != nil {
		t.Fatalf("second discover: %v", err)
	}
	if again.Created != 0 || again.Skipped != 2 {
		t.Errorf("second result = %+v", again)
	}
	pending, _ = database.NewDownloadStatusRepository(client.DB).GetPending(ctx)
	if len(pending) != 2 {
		t.Errorf("pending after rediscovery = %d", len(pending))
	}

	runs, err := database.NewRunRepository(client.DB).List(ctx, 0)
	if err != nil || len(runs) != 2 {
		t.Fatalf("runs = %d, %v", len(runs), err)
	}
	if runs[0].Kind != database.RunKindDiscover || runs[0].FinishedAt == nil {
		t.Errorf("run = %+v", runs[0])
	}
}

func TestDiscoverErrors(t *testing.T) {
	tests := []struct {
		name   string
		aoi    string
		finder *fakeFinder
		want   error
	}{
		{"unknown aoi", "Snowdon", &fakeFinder{}, ErrUnknownAOI},
		{"catalog failure", "Ben Nevis", &fakeFinder{err: &discovery.ExternalServiceError{Err: errors.New("boom")}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, client := newPipeline(t, tt.finder, &splitFetcher{})
			_, err := p.Discover(context.Background(), tt.aoi, time.Now().Add(-time.Hour), time.Now(), 20)
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			runs, _ := database.NewRunRepository(client.DB).List(context.Background(), 0)
			if len(runs) != 1 || runs[0].ErrorMsg == nil {
				t.Errorf("failed run not recorded: %+v", runs)
			}
		})
	}
}

func TestFullPipeline(t *testing.T) {
	finder := &fakeFinder{candidates: []discovery.Candidate{
		candidate("S2A_ONE", 5, 3),
		candidate("S2B_TWO", 9, 5),
		candidate("S2A_BAD", 12, 7),
	}}
	fetcher := &splitFetcher{fail: map[string]bool{"S2A_BAD": true}}
	p, client := newPipeline(t, finder, fetcher)
	ctx := context.Background()
	start, end := aoi.WinterDateRange(2024)

	if _, err := p.Discover(ctx, "Ben Nevis", start, end, 20); err != nil {
		t.Fatalf("discover: %v", err)
	}

	dl, err := p.DownloadPending(ctx, 0, 3)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if dl.Success != 2 || dl.Failed != 1 || dl.Skipped != 0 {
		t.Errorf("download tally = %+v", dl)
	}

	proc, err := p.ProcessDownloaded(ctx, 0.4, true, 0)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if proc.Success != 2 || proc.Failed != 0 || proc.Skipped != 0 {
		t.Errorf("process tally = %+v", proc)
	}

	trends, err := p.Trends(ctx, "Ben Nevis")
	if err != nil || len(trends) != 2 {
		t.Fatalf("trends = %d, %v", len(trends), err)
	}
	for _, row := range trends {
		if row.SnowPct < 45 || row.SnowPct > 55 {
			t.Errorf("%s snow_pct = %v", row.ProductID, row.SnowPct)
		}
	}
	if !trends[0].AcquisitionDt.Before(trends[1].AcquisitionDt) {
		t.Error("trends not ordered by acquisition")
	}

	counts, err := p.StatusCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	got := map[database.Status]int64{}
	for _, c := range counts {
		got[c.Status] = c.Count
	}
	if got[database.StatusProcessed] != 2 || got[database.StatusFailed] != 1 {
		t.Errorf("status counts = %v", got)
	}

	runs, _ := database.NewRunRepository(client.DB).List(ctx, 0)
	if len(runs) != 3 {
		t.Errorf("recorded %d runs, want 3", len(runs))
	}
}

type countingDownloader struct {
	skip  map[uint]bool
	calls []uint
}

func (d *countingDownloader) DownloadScene(ctx context.Context, sceneID uint) (*download.Result, error) {
	d.calls = append(d.calls, sceneID)
	return &download.Result{SceneID: sceneID, Skipped: d.skip[sceneID]}, nil
}

func seedPending(t *testing.T, client *database.Client, n int) []uint {
	t.Helper()
	ctx := context.Background()
	area, err := database.NewAOIRepository(client.DB).GetByName(ctx, "Ben Nevis")
	if err != nil || area == nil {
		t.Fatalf("aoi: %v", err)
	}
	var ids []uint
	for i := 0; i < n; i++ {
		s := candidate("S2A_"+string(rune('A'+i)), i+1, 1).Scene(area.ID)
		if err := database.NewSceneRepository(client.DB).Create(ctx, &s); err != nil {
			t.Fatal(err)
		}
		if _, _, err := database.NewDownloadStatusRepository(client.DB).EnsurePending(ctx, s.ID); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, s.ID)
	}
	return ids
}

func TestDownloadPendingLimitAndSkips(t *testing.T) {
	client := dbtest.Open(t)
	seedAOIs(t, client)
	ids := seedPending(t, client, 4)

	tests := []struct {
		name      string
		limit     int
		wantCalls int
	}{
		{"no limit", 0, 4},
		{"limit two", 2, 2},
		{"limit above count", 10, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &countingDownloader{skip: map[uint]bool{ids[0]: true}}
			p := New(client.DB, nil, d, nil, nil, nil)
			res, err := p.DownloadPending(context.Background(), tt.limit, 1)
			if err != nil {
				t.Fatal(err)
			}
			if len(d.calls) != tt.wantCalls {
				t.Errorf("calls = %d, want %d", len(d.calls), tt.wantCalls)
			}
			if res.Skipped != 1 || res.Success != tt.wantCalls-1 {
				t.Errorf("tally = %+v", res)
			}
		})
	}
}

func TestBatchStopsOnCancel(t *testing.T) {
	client := dbtest.Open(t)
	seedAOIs(t, client)
	seedPending(t, client, 3)

	ctx, cancel := context.WithCancel(context.Background())
	d := &cancellingDownloader{cancel: cancel}
	p := New(client.DB, nil, d, nil, nil, nil)

	res, err := p.DownloadPending(ctx, 0, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if d.calls != 1 || res.Success != 1 {
		t.Errorf("calls = %d, tally = %+v", d.calls, res)
	}
	run, _ := database.NewRunRepository(client.DB).GetByRunID(context.Background(), res.RunID)
	if run == nil || run.FinishedAt == nil || run.ErrorMsg == nil {
		t.Errorf("cancelled run not finished: %+v", run)
	}
}

type cancellingDownloader struct {
	cancel context.CancelFunc
	calls  int
}

func (d *cancellingDownloader) DownloadScene(ctx context.Context, sceneID uint) (*download.Result, error) {
	d.calls++
	d.cancel()
	return &download.Result{SceneID: sceneID}, nil
}

type scriptedProcessor struct {
	pct  map[uint]float64
	fail map[uint]bool
}

func (s *scriptedProcessor) ProcessScene(ctx context.Context, sceneID uint, threshold float64, saveMask bool) (*snowmask.Result, error) {
	if s.fail[sceneID] {
		return nil, errors.New("read failed")
	}
	return &snowmask.Result{SceneID: sceneID, SnowPct: s.pct[sceneID], SnowPixels: int64(s.pct[sceneID])}, nil
}

func TestProcessAOI(t *testing.T) {
	client := dbtest.Open(t)
	seedAOIs(t, client)
	ids := seedPending(t, client, 4)
	ctx := context.Background()

	statuses := database.NewDownloadStatusRepository(client.DB)
	downloaded := database.StatusDownloaded
	for _, id := range ids[:3] {
		st, _ := statuses.GetBySceneID(ctx, id)
		if _, err := statuses.Update(ctx, st.ID, database.DownloadStatusUpdate{Status: &downloaded}); err != nil {
			t.Fatal(err)
		}
	}

	proc := &scriptedProcessor{
		pct:  map[uint]float64{ids[0]: 20, ids[1]: 40},
		fail: map[uint]bool{ids[2]: true},
	}
	p := New(client.DB, nil, nil, proc, nil, nil)

	res, err := p.ProcessAOI(ctx, "Ben Nevis", 0.4, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 2 || res.Failed != 1 || res.AvgSnowPct != 30 || res.TotalSnowPixels != 60 {
		t.Errorf("result = %+v", res)
	}

	empty, err := p.ProcessAOI(ctx, "Ben Macdui", 0.4, false)
	if err != nil {
		t.Fatal(err)
	}
	if empty.Processed != 0 || empty.AvgSnowPct != 0 {
		t.Errorf("empty AOI result = %+v", empty)
	}

	if _, err := p.ProcessAOI(ctx, "Snowdon", 0.4, false); !errors.Is(err, ErrUnknownAOI) {
		t.Errorf("error = %v, want ErrUnknownAOI", err)
	}
}

func TestSummarizeTrends(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }
	rows := []database.TrendRow{
		{AcquisitionDt: day(1), AOIName: "A", NDSIThreshold: 0.4, SnowPct: 10},
		{AcquisitionDt: day(2), AOIName: "B", NDSIThreshold: 0.4, SnowPct: 50},
		{AcquisitionDt: day(3), AOIName: "A", NDSIThreshold: 0.4, SnowPct: 30},
		{AcquisitionDt: day(3), AOIName: "A", NDSIThreshold: 0.3, SnowPct: 35},
	}
	got := SummarizeTrends(rows)
	if len(got) != 3 {
		t.Fatalf("groups = %d, want 3", len(got))
	}
	a := got[0]
	if a.AOI != "A" || a.Threshold != 0.4 || a.Scenes != 2 || a.MeanPct != 20 || a.MinPct != 10 || a.MaxPct != 30 {
		t.Errorf("A summary = %+v", a)
	}
	if !a.FirstScene.Equal(day(1)) || !a.LastScene.Equal(day(3)) {
		t.Errorf("A range = %v..%v", a.FirstScene, a.LastScene)
	}
	if got[1].AOI != "B" || got[1].StdDevPct != 0 {
		t.Errorf("B summary = %+v", got[1])
	}
	if len(SummarizeTrends(nil)) != 0 {
		t.Error("empty input produced groups")
	}
}
