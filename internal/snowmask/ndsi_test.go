package snowmask

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestCalculateNDSIKnownValues(t *testing.T) {
	tests := []struct {
		green, swir float64
		want        float64
	}{
		{100, 50, 1.0 / 3.0},
		{8000, 2000, 0.6},
		{2000, 8000, -0.6},
		{0, 0, 0},
		{500, 0, 1},
	}

	for _, tt := range tests {
		ndsi, err := CalculateNDSI(mat.NewDense(1, 1, []float64{tt.green}), mat.NewDense(1, 1, []float64{tt.swir}), Epsilon)
		if err != nil {
			t.Fatalf("ndsi: %v", err)
		}
		got := ndsi.At(0, 0)
		if math.IsNaN(got) || math.Abs(got-tt.want) > 1e-4 {
			t.Errorf("NDSI(%v, %v) = %v, want %v", tt.green, tt.swir, got, tt.want)
		}
	}
}

func TestCalculateNDSIRange(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	rows, cols := 40, 30
	green := mat.NewDense(rows, cols, nil)
	swir := mat.NewDense(rows, cols, nil)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			green.Set(r, c, float64(rng.Intn(10000)))
			swir.Set(r, c, float64(rng.Intn(10000)))
		}
	}

	ndsi, err := CalculateNDSI(green, swir, Epsilon)
	if err != nil {
		t.Fatalf("ndsi: %v", err)
	}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if v := ndsi.At(r, c); v < -1 || v > 1 || math.IsNaN(v) {
				t.Fatalf("NDSI at (%d,%d) = %v outside [-1, 1]", r, c, v)
			}
		}
	}
}

func TestCalculateNDSIShapeMismatch(t *testing.T) {
	_, err := CalculateNDSI(mat.NewDense(2, 2, nil), mat.NewDense(2, 3, nil), Epsilon)
	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("error = %v, want ErrShapeMismatch", err)
	}
}

func TestApplyThresholdIsStrict(t *testing.T) {
	m := ApplyThreshold(mat.NewDense(1, 3, []float64{0.39, 0.40, 0.41}), 0.40)
	want := []uint8{0, 0, 1}
	for i, v := range want {
		if m.Data[i] != v {
			t.Errorf("pixel %d = %d, want %d", i, m.Data[i], v)
		}
	}
}

func TestCalculateStats(t *testing.T) {
	ones := &Mask{Rows: 100, Cols: 100, Data: make([]uint8, 10000)}
	for i := range ones.Data {
		ones.Data[i] = 1
	}

	tests := []struct {
		name      string
		mask      *Mask
		wantSnow  int64
		wantTotal int64
		wantPct   float64
	}{
		{"all snow", ones, 10000, 10000, 100},
		{"no snow", &Mask{Rows: 100, Cols: 100, Data: make([]uint8, 10000)}, 0, 10000, 0},
		{"quarter", &Mask{Rows: 2, Cols: 2, Data: []uint8{1, 0, 0, 0}}, 1, 4, 25},
		{"empty", &Mask{}, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := CalculateStats(tt.mask)
			if s.SnowPixels != tt.wantSnow || s.TotalPixels != tt.wantTotal || s.SnowPct != tt.wantPct {
				t.Errorf("stats = %+v, want %d/%d/%v", s, tt.wantSnow, tt.wantTotal, tt.wantPct)
			}
			if s.SnowPixels < 0 || s.SnowPixels > s.TotalPixels {
				t.Errorf("pixel counts out of order: %+v", s)
			}
		})
	}
}

func TestStricterThresholdClassifiesLessSnow(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	ndsi := mat.NewDense(50, 50, nil)
	ndsi.Apply(func(_, _ int, _ float64) float64 { return rng.Float64()*2 - 1 }, ndsi)

	loose := CalculateStats(ApplyThreshold(ndsi, 0.3))
	strict := CalculateStats(ApplyThreshold(ndsi, 0.4))
	if loose.SnowPct < strict.SnowPct {
		t.Errorf("threshold 0.3 gives %v%%, below 0.4's %v%%", loose.SnowPct, strict.SnowPct)
	}
}
