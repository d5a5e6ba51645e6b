// Package tile provides Web Mercator tile coordinate math for the demo
// harness: turning a geographic bounding box into the set of z/x/y tiles
// that cover it, and a tile's center point back into the distance/depth
// inputs internal/priority's composite function scores admission with.
package tile

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// Coords identifies a tile in the Web Mercator tile system (z/x/y).
type Coords struct {
	Z uint32 // Zoom level (0-18)
	X uint32 // X coordinate (column)
	Y uint32 // Y coordinate (row)
}

// String returns the tile coordinate as "z{zoom}_x{x}_y{y}".
func (c Coords) String() string {
	return fmt.Sprintf("z%d_x%d_y%d", c.Z, c.X, c.Y)
}

// Path returns the demo request path for this tile, e.g. "z5_x3_y4.bin".
func (c Coords) Path(extension string) string {
	return fmt.Sprintf("%s.%s", c.String(), extension)
}

// Tile returns the maptile.Tile for this coordinate.
func (c Coords) Tile() maptile.Tile {
	return maptile.New(c.X, c.Y, maptile.Zoom(c.Z))
}

// Bounds returns the geographic bounding box for this tile in WGS84
// (EPSG:4326). Returns [minLon, minLat, maxLon, maxLat].
func (c Coords) Bounds() [4]float64 {
	bound := c.Tile().Bound()
	return [4]float64{
		bound.Min.Lon(),
		bound.Min.Lat(),
		bound.Max.Lon(),
		bound.Max.Lat(),
	}
}

// Center returns the center point of the tile in WGS84 (lon, lat).
func (c Coords) Center() (float64, float64) {
	bounds := c.Bounds()
	lon := (bounds[0] + bounds[2]) / 2.0
	lat := (bounds[1] + bounds[3]) / 2.0
	return lon, lat
}

// NewCoords creates a new Coords from zoom, x, y values.
func NewCoords(z, x, y uint32) Coords {
	return Coords{Z: z, X: x, Y: y}
}

// TilesInBBox returns every tile coordinate covering bbox across a zoom
// range. bbox is [minLon, minLat, maxLon, maxLat] in WGS84; tile x/y is
// computed independently at each zoom level.
func TilesInBBox(bbox [4]float64, zoomMin, zoomMax int) []Coords {
	minLon, minLat, maxLon, maxLat := bbox[0], bbox[1], bbox[2], bbox[3]

	tiles := make([]Coords, 0, TileCount(bbox, zoomMin, zoomMax))

	minPoint := orb.Point{minLon, minLat}
	maxPoint := orb.Point{maxLon, maxLat}

	for z := zoomMin; z <= zoomMax; z++ {
		zoom := maptile.Zoom(z)

		minTile := maptile.At(minPoint, zoom)
		maxTile := maptile.At(maxPoint, zoom)

		minX, maxX := minTile.X, maxTile.X
		if minX > maxX {
			minX, maxX = maxX, minX
		}
		minY, maxY := minTile.Y, maxTile.Y
		if minY > maxY {
			minY, maxY = maxY, minY
		}

		for x := minX; x <= maxX; x++ {
			for y := minY; y <= maxY; y++ {
				tiles = append(tiles, NewCoords(uint32(z), x, y))
			}
		}
	}

	return tiles
}

// TileCount returns the number of tiles TilesInBBox would return, for
// preallocation without building the full slice.
func TileCount(bbox [4]float64, zoomMin, zoomMax int) int {
	minLon, minLat, maxLon, maxLat := bbox[0], bbox[1], bbox[2], bbox[3]
	minPoint := orb.Point{minLon, minLat}
	maxPoint := orb.Point{maxLon, maxLat}

	count := 0
	for z := zoomMin; z <= zoomMax; z++ {
		zoom := maptile.Zoom(z)

		minTile := maptile.At(minPoint, zoom)
		maxTile := maptile.At(maxPoint, zoom)

		minX, maxX := minTile.X, maxTile.X
		if minX > maxX {
			minX, maxX = maxX, minX
		}
		minY, maxY := minTile.Y, maxTile.Y
		if minY > maxY {
			minY, maxY = maxY, minY
		}

		count += int(maxX-minX+1) * int(maxY-minY+1)
	}

	return count
}
