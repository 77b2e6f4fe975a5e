// Package tilemath converts geographic points into slippy-map tile
// coordinates and expands a center point into the tile pyramid used for
// seeding.
package tilemath

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"tilecache/internal/cacheerr"
)

//TileSize default tile edge in pixels
const TileSize = 256

//ZoomMin lowest zoom level
const ZoomMin = 0

//ZoomMax highest zoom level accepted from callers
const ZoomMax = 24

// MaxLatitude is the northern edge of the Web-Mercator square.
const MaxLatitude = 85.0511287798066

// ValidatePoint rejects coordinates that cannot be projected.
func ValidatePoint(lon, lat float64) error {
	if math.IsNaN(lon) || math.IsInf(lon, 0) {
		return cacheerr.Invalid("longitude", "%v is not a finite number", lon)
	}
	if math.IsNaN(lat) || math.IsInf(lat, 0) {
		return cacheerr.Invalid("latitude", "%v is not a finite number", lat)
	}
	if lon < -180 || lon > 180 {
		return cacheerr.Invalid("longitude", "%v is outside [-180, 180]", lon)
	}
	if lat < -90 || lat > 90 {
		return cacheerr.Invalid("latitude", "%v is outside [-90, 90]", lat)
	}
	return nil
}

// ValidateZoom checks that z is a zoom level the engine can address.
func ValidateZoom(z int) error {
	if z < ZoomMin || z > ZoomMax {
		return cacheerr.Invalid("zoom", "%d is outside [%d, %d]", z, ZoomMin, ZoomMax)
	}
	return nil
}

// ClampLatitude limits lat to the projectable Mercator range.
func ClampLatitude(lat float64) float64 {
	if lat > MaxLatitude {
		return MaxLatitude
	}
	if lat < -MaxLatitude {
		return -MaxLatitude
	}
	return lat
}

// PointToTile returns the tile containing (lon, lat) at zoom z.
func PointToTile(lon, lat float64, z int) (maptile.Tile, error) {
	if err := ValidatePoint(lon, lat); err != nil {
		return maptile.Tile{}, err
	}
	if err := ValidateZoom(z); err != nil {
		return maptile.Tile{}, err
	}

	n := math.Exp2(float64(z))
	rad := ClampLatitude(lat) * math.Pi / 180
	x := math.Floor((lon + 180) / 360 * n)
	y := math.Floor((1 - math.Log(math.Tan(rad)+1/math.Cos(rad))/math.Pi) / 2 * n)

	return maptile.New(uint32(clamp(x, n)), uint32(clamp(y, n)), maptile.Zoom(z)), nil
}

// PointTile is PointToTile for an orb.Point.
func PointTile(p orb.Point, z int) (maptile.Tile, error) {
	return PointToTile(p.Lon(), p.Lat(), z)
}

func clamp(v, n float64) float64 {
	if v < 0 {
		return 0
	}
	if v > n-1 {
		return n - 1
	}
	return v
}

// PyramidRadius is the half side, in tiles, of the square seeded at zoom z
// for a pyramid starting at zMin.
func PyramidRadius(z, zMin int) int {
	return 2 * (1 + (z - zMin))
}

func validateRange(lon, lat float64, zMin, zMax int) error {
	if err := ValidatePoint(lon, lat); err != nil {
		return err
	}
	if err := ValidateZoom(zMin); err != nil {
		return err
	}
	if err := ValidateZoom(zMax); err != nil {
		return err
	}
	if zMin > zMax {
		return cacheerr.Invalid("zoom", "min zoom %d is greater than max zoom %d", zMin, zMax)
	}
	return nil
}

// levelWindow describes the square of one zoom level: the rows that fall
// inside the grid and the columns, which wrap around the antimeridian.
type levelWindow struct {
	z        maptile.Zoom
	n        int
	rowMin   int
	rowMax   int
	colStart int
	colCount int
}

func window(lon, lat float64, z, zMin int) levelWindow {
	center, _ := PointToTile(lon, lat, z)
	r := PyramidRadius(z, zMin)
	n := 1 << uint(z)

	w := levelWindow{
		z:        maptile.Zoom(z),
		n:        n,
		rowMin:   int(center.Y) - r,
		rowMax:   int(center.Y) + r,
		colStart: int(center.X) - r,
		colCount: 2*r + 1,
	}
	if w.rowMin < 0 {
		w.rowMin = 0
	}
	if w.rowMax > n-1 {
		w.rowMax = n - 1
	}
	if w.colCount > n {
		// the whole row is covered, start at 0 so the order stays ascending
		w.colStart = 0
		w.colCount = n
	}
	return w
}

func (w levelWindow) count() int {
	return (w.rowMax - w.rowMin + 1) * w.colCount
}

// Count returns the number of tiles EnumerateTiles would produce, without
// building the list.
func Count(lon, lat float64, zMin, zMax int) (int, error) {
	if err := validateRange(lon, lat, zMin, zMax); err != nil {
		return 0, err
	}
	total := 0
	for z := zMin; z <= zMax; z++ {
		total += window(lon, lat, z, zMin).count()
	}
	return total, nil
}

// EnumerateTiles lists the pyramid around (lon, lat) for every zoom in
// [zMin, zMax], zoom ascending, then row ascending, then column ascending.
func EnumerateTiles(lon, lat float64, zMin, zMax int) ([]maptile.Tile, error) {
	total, err := Count(lon, lat, zMin, zMax)
	if err != nil {
		return nil, err
	}

	tiles := make([]maptile.Tile, 0, total)
	for z := zMin; z <= zMax; z++ {
		w := window(lon, lat, z, zMin)
		cols := make([]int, 0, w.colCount)
		for i := 0; i < w.colCount; i++ {
			cols = append(cols, ((w.colStart+i)%w.n+w.n)%w.n)
		}
		sortColumns(cols)
		for y := w.rowMin; y <= w.rowMax; y++ {
			for _, x := range cols {
				tiles = append(tiles, maptile.New(uint32(x), uint32(y), w.z))
			}
		}
	}
	return tiles, nil
}

// sortColumns orders wrapped columns ascending. Columns are distinct and
// form at most two ascending runs, so a rotation is enough.
func sortColumns(cols []int) {
	for i := 1; i < len(cols); i++ {
		if cols[i] < cols[i-1] {
			rotated := append(append(make([]int, 0, len(cols)), cols[i:]...), cols[:i]...)
			copy(cols, rotated)
			return
		}
	}
}

// InRange reports whether the tile's x and y are valid for its zoom.
func InRange(t maptile.Tile) bool {
	n := uint64(1) << uint(t.Z)
	return uint64(t.X) < n && uint64(t.Y) < n
}
