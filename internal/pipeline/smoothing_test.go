package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/chrissnell/snowpatch/internal/database"
)

func TestMedianFilter(t *testing.T) {
	tests := []struct {
		name   string
		data   []float64
		kernel int
		want   []float64
	}{
		{"empty", nil, 3, []float64{}},
		{"identity", []float64{5, 1, 9}, 1, []float64{5, 1, 9}},
		{"spike removed", []float64{40, 42, 0, 44, 46}, 3, []float64{41, 40, 42, 44, 45}},
		{"wide window", []float64{10, 80, 20, 30, 90}, 5, []float64{20, 25, 30, 55, 30}},
		{"single sample", []float64{12}, 5, []float64{12}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MedianFilter(tt.data, tt.kernel)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got %v, want %v", got, tt.want)
					break
				}
			}
		})
	}
}

func TestMedianFilterRejectsKernel(t *testing.T) {
	for _, k := range []int{0, -1, 2, 4} {
		if _, err := MedianFilter([]float64{1, 2, 3}, k); !errors.Is(err, ErrInvalidKernel) {
			t.Errorf("kernel %d: err = %v, want ErrInvalidKernel", k, err)
		}
	}
}

func TestSmoothTrendsPerSeries(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2024, 1, d, 11, 0, 0, 0, time.UTC) }
	rows := []database.TrendRow{
		{AcquisitionDt: day(1), AOIName: "A", NDSIThreshold: 0.4, SnowPct: 60},
		{AcquisitionDt: day(1), AOIName: "B", NDSIThreshold: 0.4, SnowPct: 10},
		{AcquisitionDt: day(2), AOIName: "A", NDSIThreshold: 0.4, SnowPct: 0},
		{AcquisitionDt: day(2), AOIName: "A", NDSIThreshold: 0.3, SnowPct: 70},
		{AcquisitionDt: day(3), AOIName: "A", NDSIThreshold: 0.4, SnowPct: 62},
	}
	if err := SmoothTrends(rows, 3); err != nil {
		t.Fatal(err)
	}

	want := []float64{30, 10, 60, 70, 31}
	for i, r := range rows {
		if r.SmoothedPct != want[i] {
			t.Errorf("row %d (%s @ %.1f): smoothed = %v, want %v", i, r.AOIName, r.NDSIThreshold, r.SmoothedPct, want[i])
		}
	}

	if err := SmoothTrends(rows, 2); !errors.Is(err, ErrInvalidKernel) {
		t.Errorf("err = %v, want ErrInvalidKernel", err)
	}
}
