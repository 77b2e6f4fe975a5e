package tilemath

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilecache/internal/cacheerr"
)

func TestPointToTileKnownValues(t *testing.T) {
	tile, err := PointToTile(0, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, maptile.New(1, 1, 1), tile)

	// Corvallis, OR
	tile, err = PointToTile(-123.1712, 44.5875, 10)
	require.NoError(t, err)
	assert.Equal(t, maptile.New(161, 370, 10), tile)

	tile, err = PointTile(orb.Point{180, -90}, 4)
	require.NoError(t, err)
	assert.Equal(t, maptile.New(15, 15, 4), tile)
}

func TestPointToTileRange(t *testing.T) {
	points := []orb.Point{
		{-180, 85.1}, {180, -85.1}, {0, 90}, {0, -90},
		{-123.1712, 44.5875}, {139.69, 35.68}, {-0.0001, 0.0001},
	}
	for _, p := range points {
		for z := 0; z <= 20; z++ {
			tile, err := PointTile(p, z)
			require.NoError(t, err)
			n := uint32(1) << uint(z)
			assert.Less(t, tile.X, n, "x for %v z%d", p, z)
			assert.Less(t, tile.Y, n, "y for %v z%d", p, z)

			if z > 0 {
				parent, err := PointTile(p, z-1)
				require.NoError(t, err)
				assert.Equal(t, parent, tile.Parent(), "parent for %v z%d", p, z)
			}
		}
	}
}

func TestPointToTileRejectsBadInput(t *testing.T) {
	cases := []struct {
		lon, lat float64
		z        int
	}{
		{math.NaN(), 0, 3},
		{0, math.NaN(), 3},
		{0, math.Inf(1), 3},
		{181, 0, 3},
		{0, -91, 3},
		{0, 0, -1},
		{0, 0, ZoomMax + 1},
	}
	for _, c := range cases {
		_, err := PointToTile(c.lon, c.lat, c.z)
		assert.True(t, cacheerr.IsValidation(err), "%v", c)
	}
}

func TestPyramidRadius(t *testing.T) {
	assert.Equal(t, 2, PyramidRadius(10, 10))
	assert.Equal(t, 4, PyramidRadius(11, 10))
	for z := 11; z < 20; z++ {
		assert.Greater(t, PyramidRadius(z, 10), PyramidRadius(z-1, 10))
	}
}

func TestEnumerateSingleLevel(t *testing.T) {
	tiles, err := EnumerateTiles(-123.1712, 44.5875, 10, 10)
	require.NoError(t, err)
	require.Len(t, tiles, 25)

	center, _ := PointToTile(-123.1712, 44.5875, 10)
	assert.Equal(t, maptile.New(center.X-2, center.Y-2, 10), tiles[0])
	assert.Equal(t, center, tiles[12])
	assert.Equal(t, maptile.New(center.X+2, center.Y+2, 10), tiles[24])
}

func TestEnumerateCountsPerLevel(t *testing.T) {
	tiles, err := EnumerateTiles(-123.1712, 44.5875, 12, 15)
	require.NoError(t, err)

	perLevel := map[maptile.Zoom]int{}
	for _, tile := range tiles {
		perLevel[tile.Z]++
	}
	expected := 0
	for z := 12; z <= 15; z++ {
		side := 2*PyramidRadius(z, 12) + 1
		assert.Equal(t, side*side, perLevel[maptile.Zoom(z)], "zoom %d", z)
		expected += side * side
	}
	assert.Len(t, tiles, expected)

	count, err := Count(-123.1712, 44.5875, 12, 15)
	require.NoError(t, err)
	assert.Equal(t, expected, count)
}

func TestEnumerateOrder(t *testing.T) {
	tiles, err := EnumerateTiles(13.4, 52.5, 8, 10)
	require.NoError(t, err)
	for i := 1; i < len(tiles); i++ {
		prev, cur := tiles[i-1], tiles[i]
		if prev.Z != cur.Z {
			assert.Less(t, prev.Z, cur.Z)
			continue
		}
		if prev.Y != cur.Y {
			assert.Less(t, prev.Y, cur.Y)
			continue
		}
		assert.Less(t, prev.X, cur.X)
	}
}

func TestEnumerateEdgesStayInGrid(t *testing.T) {
	// near the antimeridian and the top of the grid at low zooms
	tiles, err := EnumerateTiles(179.9, 85, 0, 3)
	require.NoError(t, err)

	seen := map[maptile.Tile]bool{}
	for _, tile := range tiles {
		assert.True(t, InRange(tile), "%v", tile)
		assert.False(t, seen[tile], "duplicate %v", tile)
		seen[tile] = true
	}

	count, err := Count(179.9, 85, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, len(tiles), count)

	// zoom 0 has a single tile
	assert.Equal(t, maptile.New(0, 0, 0), tiles[0])
	assert.Equal(t, maptile.Zoom(1), tiles[1].Z)
}

func TestEnumerateRejectsInvertedRange(t *testing.T) {
	_, err := EnumerateTiles(0, 0, 12, 10)
	assert.True(t, cacheerr.IsValidation(err))
}
