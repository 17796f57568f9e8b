// Package snowmask classifies snow from the green and shortwave-infrared bands of a
// downloaded scene using the Normalized Difference Snow Index.
package snowmask

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

const (
	// DefaultThreshold is the NDSI above which a pixel counts as snow
	DefaultThreshold = 0.4
	// Epsilon keeps the index finite where both bands are zero
	Epsilon = 1e-8
)

// ErrShapeMismatch is returned when band matrices differ in size
var ErrShapeMismatch = errors.New("band shapes differ")

// Mask is a binary snow classification, row-major, 1 for snow and 0 otherwise
type Mask struct {
	Rows int
	Cols int
	Data []uint8
}

// At returns the class of pixel (r, c)
func (m *Mask) At(r, c int) uint8 {
	return m.Data[r*m.Cols+c]
}

// Stats summarises a mask
type Stats struct {
	SnowPixels  int64   `json:"snow_pixels"`
	TotalPixels int64   `json:"total_pixels"`
	SnowPct     float64 `json:"snow_pct"`
}

// CalculateNDSI returns (green - swir) / (green + swir + epsilon) elementwise
func CalculateNDSI(green, swir mat.Matrix, epsilon float64) (*mat.Dense, error) {
	gr, gc := green.Dims()
	sr, sc := swir.Dims()
	if gr != sr || gc != sc {
		return nil, fmt.Errorf("%w: green is %dx%d, swir is %dx%d", ErrShapeMismatch, gr, gc, sr, sc)
	}

	var num, den mat.Dense
	num.Sub(green, swir)
	den.Add(green, swir)
	den.Apply(func(_, _ int, v float64) float64 { return v + epsilon }, &den)
	num.DivElem(&num, &den)
	return &num, nil
}

// ApplyThreshold marks pixels whose index is strictly greater than threshold
func ApplyThreshold(ndsi mat.Matrix, threshold float64) *Mask {
	rows, cols := ndsi.Dims()
	m := &Mask{Rows: rows, Cols: cols, Data: make([]uint8, rows*cols)}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if ndsi.At(r, c) > threshold {
				m.Data[r*cols+c] = 1
			}
		}
	}
	return m
}

// CalculateStats counts snow pixels. The percentage of an empty mask is 0.
func CalculateStats(m *Mask) Stats {
	var snow int64
	for _, v := range m.Data {
		snow += int64(v)
	}
	total := int64(len(m.Data))
	s := Stats{SnowPixels: snow, TotalPixels: total}
	if total > 0 {
		s.SnowPct = 100 * float64(snow) / float64(total)
	}
	return s
}
