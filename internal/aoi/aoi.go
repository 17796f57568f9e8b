// Package aoi defines the areas of interest monitored for snow cover and the
// geometry helpers used to build their boundaries.
package aoi

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/chrissnell/snowpatch/internal/database"
)

// kmPerDegreeLat is the length of one degree of latitude
const kmPerDegreeLat = 111.32

// DefaultSizeKm is the edge length of a seeded AOI
const DefaultSizeKm = 10.0

// Point is a longitude/latitude pair in degrees
type Point struct {
	Lon float64
	Lat float64
}

// Polygon is a closed ring of points. The first and last points are equal.
type Polygon []Point

// Bounds returns the enclosing box as minLon, minLat, maxLon, maxLat
func (p Polygon) Bounds() (minLon, minLat, maxLon, maxLat float64) {
	if len(p) == 0 {
		return 0, 0, 0, 0
	}
	minLon, maxLon = p[0].Lon, p[0].Lon
	minLat, maxLat = p[0].Lat, p[0].Lat
	for _, pt := range p[1:] {
		minLon = math.Min(minLon, pt.Lon)
		maxLon = math.Max(maxLon, pt.Lon)
		minLat = math.Min(minLat, pt.Lat)
		maxLat = math.Max(maxLat, pt.Lat)
	}
	return minLon, minLat, maxLon, maxLat
}

// WKT renders the polygon as well-known text
func (p Polygon) WKT() string {
	if len(p) == 0 {
		return "POLYGON EMPTY"
	}
	coords := make([]string, len(p))
	for i, pt := range p {
		coords[i] = fmt.Sprintf("%.6f %.6f", pt.Lon, pt.Lat)
	}
	return "POLYGON ((" + strings.Join(coords, ", ") + "))"
}

// BBoxAroundPoint returns a square of sizeKm edge centred on lat/lon.
// The ring runs bottom-left, bottom-right, top-right, top-left and closes on bottom-left.
func BBoxAroundPoint(lat, lon, sizeKm float64) Polygon {
	half := sizeKm / 2
	latOffset := half / kmPerDegreeLat
	lonOffset := half / (kmPerDegreeLat * math.Cos(lat*math.Pi/180))

	return Polygon{
		{Lon: lon - lonOffset, Lat: lat - latOffset},
		{Lon: lon + lonOffset, Lat: lat - latOffset},
		{Lon: lon + lonOffset, Lat: lat + latOffset},
		{Lon: lon - lonOffset, Lat: lat + latOffset},
		{Lon: lon - lonOffset, Lat: lat - latOffset},
	}
}

// Definition describes an AOI before it is stored
type Definition struct {
	Name   string  `yaml:"name"`
	Lat    float64 `yaml:"lat"`
	Lon    float64 `yaml:"lon"`
	SizeKm float64 `yaml:"size_km,omitempty"`
}

// Polygon returns the boundary of d
func (d Definition) Polygon() Polygon {
	size := d.SizeKm
	if size == 0 {
		size = DefaultSizeKm
	}
	return BBoxAroundPoint(d.Lat, d.Lon, size)
}

// Defaults returns the Scottish peaks monitored out of the box
func Defaults() []Definition {
	return []Definition{
		{Name: "Ben Nevis", Lat: 56.7969, Lon: -5.0036, SizeKm: DefaultSizeKm},
		{Name: "Ben Macdui", Lat: 57.0704, Lon: -3.6691, SizeKm: DefaultSizeKm},
	}
}

// Store is the subset of the AOI repository Seed needs
type Store interface {
	GetByName(ctx context.Context, name string) (*database.AreaOfInterest, error)
	Create(ctx context.Context, aoi *database.AreaOfInterest) error
}

// Seed stores every definition whose name is not present yet and returns the stored AOIs in
// definition order. Existing AOIs are returned unchanged.
func Seed(ctx context.Context, store Store, defs []Definition, logger *zap.SugaredLogger) ([]database.AreaOfInterest, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	out := make([]database.AreaOfInterest, 0, len(defs))
	for _, d := range defs {
		existing, err := store.GetByName(ctx, d.Name)
		if err != nil {
			return nil, fmt.Errorf("looking up AOI %q: %w", d.Name, err)
		}
		if existing != nil {
			logger.Debugw("AOI already present", "aoi", d.Name, "id", existing.ID)
			out = append(out, *existing)
			continue
		}

		size := d.SizeKm
		if size == 0 {
			size = DefaultSizeKm
		}
		rec := &database.AreaOfInterest{
			Name:      d.Name,
			CenterLat: d.Lat,
			CenterLon: d.Lon,
			Geometry:  d.Polygon().WKT(),
			SizeKm:    size,
		}
		if err := store.Create(ctx, rec); err != nil {
			return nil, fmt.Errorf("creating AOI %q: %w", d.Name, err)
		}
		logger.Infow("created AOI", "aoi", d.Name, "id", rec.ID, "lat", d.Lat, "lon", d.Lon)
		out = append(out, *rec)
	}
	return out, nil
}

// WinterDateRange returns the winter season ending in year: 1 December of the previous
// year through the last second of February.
func WinterDateRange(year int) (time.Time, time.Time) {
	start := time.Date(year-1, time.December, 1, 0, 0, 0, 0, time.UTC)
	// Day zero of March is the last day of February
	lastFeb := time.Date(year, time.March, 0, 23, 59, 59, 0, time.UTC)
	return start, lastFeb
}

// Slug turns an AOI name into a directory name: lower case with runs of other characters
// collapsed to a single underscore.
func Slug(name string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}
