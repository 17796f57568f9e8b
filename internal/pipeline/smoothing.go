package pipeline

import (
	"errors"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/chrissnell/snowpatch/internal/database"
)

// DefaultSmoothingKernel is the median window used for trend series
const DefaultSmoothingKernel = 3

// ErrInvalidKernel is returned for a smoothing window that is not a positive odd number
var ErrInvalidKernel = errors.New("smoothing kernel must be a positive odd integer")

// MedianFilter returns the running median of data over kernelSize samples. The window shrinks
// at the ends of the series rather than padding, so a lone cloudy scene at either edge does
// not drag the series towards zero.
func MedianFilter(data []float64, kernelSize int) ([]float64, error) {
	if kernelSize < 1 || kernelSize%2 == 0 {
		return nil, ErrInvalidKernel
	}
	n := len(data)
	out := make([]float64, n)
	half := kernelSize / 2
	window := make([]float64, 0, kernelSize)

	for i := range data {
		lo, hi := max(0, i-half), min(n-1, i+half)
		window = append(window[:0], data[lo:hi+1]...)
		sort.Float64s(window)
		out[i] = median(window)
	}
	return out, nil
}

// median of a sorted window. Even-length windows only happen at the edges and average the middle pair.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return stat.Mean(sorted[n/2-1:n/2+1], nil)
}

// SmoothTrends sets SmoothedPct on every row to the running median of its AOI and threshold series.
// Rows are expected in acquisition order, as Trends returns them.
func SmoothTrends(rows []database.TrendRow, kernelSize int) error {
	type key struct {
		aoi       string
		threshold float64
	}
	series := make(map[key][]int)
	var order []key
	for i, r := range rows {
		k := key{r.AOIName, r.NDSIThreshold}
		if _, ok := series[k]; !ok {
			order = append(order, k)
		}
		series[k] = append(series[k], i)
	}

	for _, k := range order {
		idx := series[k]
		pcts := make([]float64, len(idx))
		for j, i := range idx {
			pcts[j] = rows[i].SnowPct
		}
		smoothed, err := MedianFilter(pcts, kernelSize)
		if err != nil {
			return err
		}
		for j, i := range idx {
			rows[i].SmoothedPct = smoothed[j]
		}
	}
	return nil
}
