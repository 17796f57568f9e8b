package database_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/datatypes"

	"github.com/chrissnell/snowpatch/internal/database"
	"github.com/chrissnell/snowpatch/internal/database/dbtest"
)

func seedAOI(t *testing.T, client *database.Client, name string) *database.AreaOfInterest {
	t.Helper()
	aoi := &database.AreaOfInterest{
		Name:      name,
		CenterLat: 56.7969,
		CenterLon: -5.0036,
		Geometry:  "POLYGON ((0 0, 1 0, 1 1, 0 1, 0 0))",
	}
	if err := database.NewAOIRepository(client.DB).Create(context.Background(), aoi); err != nil {
		t.Fatalf("create aoi: %v", err)
	}
	return aoi
}

func newScene(productID string, aoiID uint, acquired time.Time, cloud float64) database.Scene {
	return database.Scene{
		ProductID:     productID,
		AOIID:         aoiID,
		AcquisitionDt: acquired,
		CloudCover:    cloud,
		Geometry:      datatypes.JSON(`{"type":"Polygon","coordinates":[]}`),
	}
}

func TestAOIRepository(t *testing.T) {
	client := dbtest.Open(t)
	ctx := context.Background()
	repo := database.NewAOIRepository(client.DB)

	aoi := seedAOI(t, client, "Ben Nevis")
	if aoi.ID == 0 {
		t.Fatal("expected ID to be assigned")
	}
	if aoi.SizeKm != 10 {
		t.Errorf("SizeKm = %v, want 10", aoi.SizeKm)
	}

	dup := &database.AreaOfInterest{Name: "Ben Nevis", Geometry: "POLYGON EMPTY"}
	if err := repo.Create(ctx, dup); !errors.Is(err, database.ErrDuplicateKey) {
		t.Errorf("duplicate create error = %v, want ErrDuplicateKey", err)
	}

	got, err := repo.GetByName(ctx, "Ben Nevis")
	if err != nil || got == nil || got.ID != aoi.ID {
		t.Fatalf("GetByName = %+v, %v", got, err)
	}

	missing, err := repo.GetByName(ctx, "Cairn Gorm")
	if err != nil || missing != nil {
		t.Errorf("GetByName(missing) = %+v, %v; want nil, nil", missing, err)
	}

	exists, err := repo.Exists(ctx, "Ben Nevis")
	if err != nil || !exists {
		t.Errorf("Exists = %v, %v", exists, err)
	}
}

func TestSceneRepositoryForeignKey(t *testing.T) {
	client := dbtest.Open(t)
	scene := newScene("S2A_ORPHAN", 999, time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC), 5)
	err := database.NewSceneRepository(client.DB).Create(context.Background(), &scene)
	if !errors.Is(err, database.ErrForeignKey) {
		t.Errorf("error = %v, want ErrForeignKey", err)
	}
}

func TestSceneRepositoryValidation(t *testing.T) {
	client := dbtest.Open(t)
	aoi := seedAOI(t, client, "Ben Nevis")
	repo := database.NewSceneRepository(client.DB)

	tests := []struct {
		name      string
		productID string
		cloud     float64
	}{
		{"empty product id", "", 10},
		{"negative cloud cover", "S2A_NEG", -1},
		{"cloud cover above 100", "S2A_HIGH", 100.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scene := newScene(tt.productID, aoi.ID, time.Now(), tt.cloud)
			if err := repo.Create(context.Background(), &scene); !errors.Is(err, database.ErrCheckViolation) {
				t.Errorf("error = %v, want ErrCheckViolation", err)
			}
		})
	}
}

func TestSceneBulkCreateIfNotExists(t *testing.T) {
	client := dbtest.Open(t)
	ctx := context.Background()
	aoi := seedAOI(t, client, "Ben Nevis")
	repo := database.NewSceneRepository(client.DB)

	day := time.Date(2024, 1, 15, 11, 30, 0, 0, time.UTC)
	existing := newScene("S2A_EXISTING", aoi.ID, day, 10)
	if err := repo.Create(ctx, &existing); err != nil {
		t.Fatalf("create: %v", err)
	}

	batch := []database.Scene{
		newScene("S2A_NEW", aoi.ID, day.AddDate(0, 0, 1), 12),
		newScene("S2A_EXISTING", aoi.ID, day, 10),
	}
	created, skipped, err := repo.BulkCreateIfNotExists(ctx, batch)
	if err != nil {
		t.Fatalf("bulk create: %v", err)
	}
	if created != 1 || skipped != 1 {
		t.Errorf("created, skipped = %d, %d; want 1, 1", created, skipped)
	}
	if batch[0].ID == 0 {
		t.Error("expected new scene to receive an ID")
	}

	created, skipped, err = repo.BulkCreateIfNotExists(ctx, []database.Scene{
		newScene("S2B_REPEAT", aoi.ID, day, 1),
		newScene("S2B_REPEAT", aoi.ID, day, 1),
	})
	if err != nil {
		t.Fatalf("bulk create repeat: %v", err)
	}
	if created != 1 || skipped != 1 {
		t.Errorf("in-batch repeat: created, skipped = %d, %d; want 1, 1", created, skipped)
	}

	all, err := repo.ListByAOI(ctx, aoi.ID, database.SceneFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("stored %d scenes, want 3", len(all))
	}
}

func TestSceneListByAOIFilters(t *testing.T) {
	client := dbtest.Open(t)
	ctx := context.Background()
	aoi := seedAOI(t, client, "Ben Macdui")
	repo := database.NewSceneRepository(client.DB)

	base := time.Date(2024, 1, 10, 11, 0, 0, 0, time.UTC)
	scenes := []database.Scene{
		newScene("S2A_C", aoi.ID, base.AddDate(0, 0, 10), 20),
		newScene("S2A_A", aoi.ID, base, 5),
		newScene("S2A_B", aoi.ID, base.AddDate(0, 0, 5), 35),
	}
	if _, _, err := repo.BulkCreateIfNotExists(ctx, scenes); err != nil {
		t.Fatalf("bulk create: %v", err)
	}

	start := base
	end := base.AddDate(0, 0, 10)
	maxCloud := 20.0

	tests := []struct {
		name   string
		filter database.SceneFilter
		want   []string
	}{
		{"no filter orders by acquisition", database.SceneFilter{}, []string{"S2A_A", "S2A_B", "S2A_C"}},
		{"inclusive cloud bound", database.SceneFilter{MaxCloudCover: &maxCloud}, []string{"S2A_A", "S2A_C"}},
		{"inclusive date bounds", database.SceneFilter{Start: &start, End: &end}, []string{"S2A_A", "S2A_B", "S2A_C"}},
		{"end excludes later scenes", database.SceneFilter{End: &start}, []string{"S2A_A"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.ListByAOI(ctx, aoi.ID, tt.filter)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d scenes, want %d", len(got), len(tt.want))
			}
			for i, s := range got {
				if s.ProductID != tt.want[i] {
					t.Errorf("scene %d = %s, want %s", i, s.ProductID, tt.want[i])
				}
			}
		})
	}
}

func TestDownloadStatusUpdate(t *testing.T) {
	client := dbtest.Open(t)
	ctx := context.Background()
	aoi := seedAOI(t, client, "Ben Nevis")
	scene := newScene("S2A_STATUS", aoi.ID, time.Now(), 3)
	if err := database.NewSceneRepository(client.DB).Create(ctx, &scene); err != nil {
		t.Fatalf("create scene: %v", err)
	}

	repo := database.NewDownloadStatusRepository(client.DB)
	status, created, err := repo.EnsurePending(ctx, scene.ID)
	if err != nil || !created {
		t.Fatalf("EnsurePending = %v, %v", created, err)
	}
	if _, created, _ = repo.EnsurePending(ctx, scene.ID); created {
		t.Error("second EnsurePending created a row")
	}

	dup := &database.DownloadStatus{SceneID: scene.ID}
	if err := repo.Create(ctx, dup); !errors.Is(err, database.ErrDuplicateKey) {
		t.Errorf("duplicate status error = %v, want ErrDuplicateKey", err)
	}

	msg := "ExternalServiceError: boom"
	failed := database.StatusFailed
	retries := 1
	updated, err := repo.Update(ctx, status.ID, database.DownloadStatusUpdate{
		Status:     &failed,
		ErrorMsg:   &msg,
		RetryCount: &retries,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != database.StatusFailed || updated.RetryCount != 1 || updated.ErrorMsg == nil || *updated.ErrorMsg != msg {
		t.Errorf("updated = %+v", updated)
	}
	if updated.LocalPath != nil {
		t.Error("update touched local_path")
	}

	if _, err := repo.Update(ctx, 12345, database.DownloadStatusUpdate{Status: &failed}); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("missing update error = %v, want ErrNotFound", err)
	}

	bogus := database.Status("downloading")
	if _, err := repo.Update(ctx, status.ID, database.DownloadStatusUpdate{Status: &bogus}); !errors.Is(err, database.ErrCheckViolation) {
		t.Errorf("invalid status error = %v, want ErrCheckViolation", err)
	}

	pending, err := repo.GetPending(ctx)
	if err != nil || len(pending) != 0 {
		t.Errorf("GetPending = %d rows, %v; want 0", len(pending), err)
	}
}

func TestSnowMaskUniqueness(t *testing.T) {
	client := dbtest.Open(t)
	ctx := context.Background()
	aoi := seedAOI(t, client, "Ben Nevis")
	scene := newScene("S2A_MASK", aoi.ID, time.Now(), 3)
	if err := database.NewSceneRepository(client.DB).Create(ctx, &scene); err != nil {
		t.Fatalf("create scene: %v", err)
	}

	repo := database.NewSnowMaskRepository(client.DB)
	first := &database.SnowMask{SceneID: scene.ID, NDSIThreshold: 0.4, SnowPixels: 50, TotalPixels: 100, SnowPct: 50}
	if err := repo.Create(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}

	again := &database.SnowMask{SceneID: scene.ID, NDSIThreshold: 0.4, SnowPixels: 50, TotalPixels: 100, SnowPct: 50}
	if err := repo.Create(ctx, again); !errors.Is(err, database.ErrDuplicateKey) {
		t.Errorf("duplicate mask error = %v, want ErrDuplicateKey", err)
	}

	other := &database.SnowMask{SceneID: scene.ID, NDSIThreshold: 0.3, SnowPixels: 60, TotalPixels: 100, SnowPct: 60}
	if err := repo.Create(ctx, other); err != nil {
		t.Fatalf("create at second threshold: %v", err)
	}

	bad := &database.SnowMask{SceneID: scene.ID, NDSIThreshold: 0.5, SnowPixels: 101, TotalPixels: 100}
	if err := repo.Create(ctx, bad); !errors.Is(err, database.ErrCheckViolation) {
		t.Errorf("pixel count error = %v, want ErrCheckViolation", err)
	}

	masks, err := repo.GetByProduct(ctx, scene.ID)
	if err != nil || len(masks) != 2 {
		t.Fatalf("GetByProduct = %d, %v", len(masks), err)
	}
	if masks[0].NDSIThreshold != 0.3 {
		t.Errorf("masks not ordered by threshold: %+v", masks)
	}
}

func TestReportsAndRuns(t *testing.T) {
	client := dbtest.Open(t)
	ctx := context.Background()
	aoi := seedAOI(t, client, "Ben Nevis")
	scenes := database.NewSceneRepository(client.DB)
	statuses := database.NewDownloadStatusRepository(client.DB)
	masks := database.NewSnowMaskRepository(client.DB)

	day := time.Date(2024, 2, 1, 11, 0, 0, 0, time.UTC)
	for i, pid := range []string{"S2A_LATE", "S2A_EARLY"} {
		s := newScene(pid, aoi.ID, day.AddDate(0, 0, -5*i), 10)
		if err := scenes.Create(ctx, &s); err != nil {
			t.Fatalf("create scene: %v", err)
		}
		if _, _, err := statuses.EnsurePending(ctx, s.ID); err != nil {
			t.Fatalf("ensure pending: %v", err)
		}
		m := &database.SnowMask{SceneID: s.ID, NDSIThreshold: 0.4, SnowPixels: int64(10 * (i + 1)), TotalPixels: 100, SnowPct: float64(10 * (i + 1))}
		if err := masks.Create(ctx, m); err != nil {
			t.Fatalf("create mask: %v", err)
		}
	}

	reports := database.NewReportRepository(client.DB)
	rows, err := reports.Trends(ctx, "Ben Nevis")
	if err != nil {
		t.Fatalf("trends: %v", err)
	}
	if len(rows) != 2 || rows[0].ProductID != "S2A_EARLY" || rows[0].AOIName != "Ben Nevis" {
		t.Errorf("trends = %+v", rows)
	}
	if none, _ := reports.Trends(ctx, "Nowhere"); len(none) != 0 {
		t.Errorf("trends for unknown AOI = %+v", none)
	}

	counts, err := reports.StatusCounts(ctx)
	if err != nil {
		t.Fatalf("status counts: %v", err)
	}
	if len(counts) != 1 || counts[0].Status != database.StatusPending || counts[0].Count != 2 {
		t.Errorf("status counts = %+v", counts)
	}

	runs := database.NewRunRepository(client.DB)
	run, err := runs.Start(ctx, database.RunKindDownload, map[string]int{"limit": 5})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if err := runs.Finish(ctx, run, database.RunTally{Success: 2, Failed: 1}, nil); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	got, err := runs.GetByRunID(ctx, run.RunID)
	if err != nil || got == nil {
		t.Fatalf("GetByRunID = %+v, %v", got, err)
	}
	if got.FinishedAt == nil || got.SuccessCount != 2 || got.FailedCount != 1 {
		t.Errorf("finished run = %+v", got)
	}
	listed, err := runs.List(ctx, 10)
	if err != nil || len(listed) != 1 {
		t.Errorf("List = %d, %v", len(listed), err)
	}
}
