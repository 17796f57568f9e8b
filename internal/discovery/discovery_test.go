package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/chrissnell/snowpatch/internal/aoi"
	"github.com/chrissnell/snowpatch/internal/sentinelhub"
)

type fakeCatalog struct {
	items []sentinelhub.Item
	err   error
	req   sentinelhub.SearchRequest
}

func (f *fakeCatalog) Search(ctx context.Context, req sentinelhub.SearchRequest) ([]sentinelhub.Item, error) {
	f.req = req
	return f.items, f.err
}

func item(id string, day time.Time, cloud *float64) sentinelhub.Item {
	return sentinelhub.Item{
		ID:         id,
		Geometry:   json.RawMessage(`{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}`),
		Properties: sentinelhub.ItemProperties{Datetime: day, CloudCover: cloud},
	}
}

func pct(v float64) *float64 { return &v }

func TestFindScenesFiltersCloudCover(t *testing.T) {
	day := time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC)
	cat := &fakeCatalog{items: []sentinelhub.Item{
		item("late", day.AddDate(0, 0, 5), pct(20)),
		item("cloudy", day, pct(20.01)),
		item("early", day, pct(3)),
		item("unknown", day, nil),
	}}
	boundary := aoi.BBoxAroundPoint(56.7969, -5.0036, 10)

	got, err := New(cat, nil).FindScenes(context.Background(), boundary, day.AddDate(0, 0, -30), day.AddDate(0, 0, 30), 20)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 2 || got[0].ProductID != "early" || got[1].ProductID != "late" {
		t.Fatalf("candidates = %+v", got)
	}

	minLon, minLat, maxLon, maxLat := boundary.Bounds()
	if cat.req.BBox != [4]float64{minLon, minLat, maxLon, maxLat} {
		t.Errorf("search bbox = %v", cat.req.BBox)
	}

	scene := got[0].Scene(7)
	if scene.AOIID != 7 || scene.CloudCover != 3 || len(scene.Geometry) == 0 {
		t.Errorf("scene = %+v", scene)
	}
}

func TestFindScenesEmptyAndErrors(t *testing.T) {
	d := New(&fakeCatalog{}, nil)
	got, err := d.FindScenes(context.Background(), aoi.Polygon{}, time.Time{}, time.Time{}, 20)
	if err != nil || got == nil || len(got) != 0 {
		t.Errorf("empty result = %#v, %v", got, err)
	}

	boom := errors.New("boom")
	_, err = New(&fakeCatalog{err: boom}, nil).FindScenes(context.Background(), aoi.Polygon{}, time.Time{}, time.Time{}, 20)
	var ext *ExternalServiceError
	if !errors.As(err, &ext) || !errors.Is(err, boom) {
		t.Errorf("error = %v, want ExternalServiceError wrapping boom", err)
	}

	for _, bad := range []float64{-1, 100.5} {
		if _, err := d.FindScenes(context.Background(), aoi.Polygon{}, time.Time{}, time.Time{}, bad); !errors.Is(err, ErrInvalidCloudCover) {
			t.Errorf("max cloud %v: error = %v", bad, err)
		}
	}
}

func TestSummarize(t *testing.T) {
	if s := Summarize(nil); s.Total != 0 || s.Earliest != nil || s.AvgCloudCover != nil {
		t.Errorf("empty summary = %+v", s)
	}

	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	s := Summarize([]Candidate{
		{ProductID: "a", AcquisitionDt: day.AddDate(0, 0, 2), CloudCover: 10},
		{ProductID: "b", AcquisitionDt: day, CloudCover: 2},
		{ProductID: "c", AcquisitionDt: day.AddDate(0, 0, 9), CloudCover: 18},
	})

	if s.Total != 3 {
		t.Errorf("total = %d", s.Total)
	}
	if !s.Earliest.Equal(day) || !s.Latest.Equal(day.AddDate(0, 0, 9)) {
		t.Errorf("range = %v .. %v", s.Earliest, s.Latest)
	}
	if math.Abs(*s.AvgCloudCover-10) > 1e-9 || *s.MinCloudCover != 2 || *s.MaxCloudCover != 18 {
		t.Errorf("cloud stats = %v / %v / %v", *s.AvgCloudCover, *s.MinCloudCover, *s.MaxCloudCover)
	}
}
