// Package geotiff reads and writes the small georeferenced rasters the pipeline
// produces: unsigned 8 or 16 bit samples, one or more bands, a north-up affine
// transform and an EPSG code.
package geotiff

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// EPSGWGS84 is geographic latitude/longitude on WGS84
const EPSGWGS84 = 4326

var (
	// ErrUnsupported is returned for TIFF features outside the subset this package handles
	ErrUnsupported = errors.New("unsupported tiff")
	// ErrFormat is returned when the input is not a well-formed TIFF
	ErrFormat = errors.New("malformed tiff")
)

// GeoTransform maps pixel (col, row) to map coordinates:
//
//	x = T[0] + col*T[1] + row*T[2]
//	y = T[3] + col*T[4] + row*T[5]
type GeoTransform [6]float64

// TransformFromBounds returns the north-up transform that spreads width x height pixels over the box
func TransformFromBounds(minX, minY, maxX, maxY float64, width, height int) GeoTransform {
	return GeoTransform{
		minX, (maxX - minX) / float64(width), 0,
		maxY, 0, -(maxY - minY) / float64(height),
	}
}

// Apply returns the map coordinate of the top-left corner of pixel (col, row)
func (g GeoTransform) Apply(col, row float64) (x, y float64) {
	return g[0] + col*g[1] + row*g[2], g[3] + col*g[4] + row*g[5]
}

// NorthUp reports whether the transform has no rotation terms
func (g GeoTransform) NorthUp() bool {
	return g[2] == 0 && g[4] == 0
}

// Raster is a multi-band image with its georeferencing. Each band holds Width*Height
// samples in row-major order; 8 bit rasters keep their values in the low byte.
type Raster struct {
	Width         int
	Height        int
	BitsPerSample int
	Bands         [][]uint16
	Transform     GeoTransform
	EPSG          int
}

// New allocates a zeroed raster
func New(width, height, bands, bitsPerSample int) *Raster {
	r := &Raster{
		Width:         width,
		Height:        height,
		BitsPerSample: bitsPerSample,
		Bands:         make([][]uint16, bands),
		EPSG:          EPSGWGS84,
	}
	for i := range r.Bands {
		r.Bands[i] = make([]uint16, width*height)
	}
	return r
}

// At returns the sample of band b at (col, row)
func (r *Raster) At(b, col, row int) uint16 {
	return r.Bands[b][row*r.Width+col]
}

// Set stores v in band b at (col, row)
func (r *Raster) Set(b, col, row int, v uint16) {
	r.Bands[b][row*r.Width+col] = v
}

// BandFloat64 copies band b into a float64 slice, for numeric work
func (r *Raster) BandFloat64(b int) []float64 {
	out := make([]float64, len(r.Bands[b]))
	for i, v := range r.Bands[b] {
		out[i] = float64(v)
	}
	return out
}

// Validate checks that the raster can be encoded
func (r *Raster) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("%w: dimensions %dx%d", ErrFormat, r.Width, r.Height)
	}
	if len(r.Bands) == 0 {
		return fmt.Errorf("%w: no bands", ErrFormat)
	}
	if r.BitsPerSample != 8 && r.BitsPerSample != 16 {
		return fmt.Errorf("%w: %d bits per sample", ErrUnsupported, r.BitsPerSample)
	}
	for i, b := range r.Bands {
		if len(b) != r.Width*r.Height {
			return fmt.Errorf("%w: band %d has %d samples, want %d", ErrFormat, i+1, len(b), r.Width*r.Height)
		}
		if r.BitsPerSample == 8 {
			for _, v := range b {
				if v > math.MaxUint8 {
					return fmt.Errorf("%w: band %d holds %d in an 8 bit raster", ErrFormat, i+1, v)
				}
			}
		}
	}
	if !r.Transform.NorthUp() {
		return fmt.Errorf("%w: rotated transforms", ErrUnsupported)
	}
	return nil
}

// ReadFile decodes the GeoTIFF at path
func ReadFile(path string) (*Raster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// WriteFile encodes r to path, creating parent directories
func WriteFile(path string, r *Raster, opts Options) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(f, r, opts); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}
