package geo

import (
	"fmt"
	"math"
	"sort"
)

const (
	// Zoom is the fixed slippy-map zoom level used for subscriptions
	Zoom = 14

	// MaxTiles bounds a single viewport's coverage; anything larger
	// collapses to the center tile
	MaxTiles = 100

	maxMercatorLat = 85.0511
)

// Viewport is a rectangular map region given as a center and a span
type Viewport struct {
	CenterLat float64 `json:"centerLat" validate:"gte=-90,lte=90"`
	CenterLon float64 `json:"centerLon" validate:"gte=-180,lte=180"`
	LatSpan   float64 `json:"latSpan" validate:"gte=0"`
	LonSpan   float64 `json:"lonSpan" validate:"gte=0"`
}

// BBox is an axis-aligned lat/lon rectangle
type BBox struct {
	MinLat float64 `json:"minLat"`
	MinLon float64 `json:"minLon"`
	MaxLat float64 `json:"maxLat"`
	MaxLon float64 `json:"maxLon"`
}

// Bounds returns the viewport's corners
func (v Viewport) Bounds() BBox {
	return BBox{
		MinLat: v.CenterLat - v.LatSpan/2,
		MaxLat: v.CenterLat + v.LatSpan/2,
		MinLon: v.CenterLon - v.LonSpan/2,
		MaxLon: v.CenterLon + v.LonSpan/2,
	}
}

// Contains reports whether a point lies inside the box, edges included
func (b BBox) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// Extend grows the box to include the point
func (b *BBox) Extend(lat, lon float64) {
	b.MinLat = math.Min(b.MinLat, lat)
	b.MaxLat = math.Max(b.MaxLat, lat)
	b.MinLon = math.Min(b.MinLon, lon)
	b.MaxLon = math.Max(b.MaxLon, lon)
}

// PointBBox is a degenerate box around a single point
func PointBBox(lat, lon float64) BBox {
	return BBox{MinLat: lat, MaxLat: lat, MinLon: lon, MaxLon: lon}
}

func tileX(lon float64, n float64) int {
	return clampTile(math.Floor((lon+180)/360*n), n)
}

func tileY(lat float64, n float64) int {
	latRad := toRadians(lat)
	return clampTile(math.Floor((1-math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi)/2*n), n)
}

// clampTile keeps an index inside [0, n-1]; lon 180 and lat -85.0511 land
// exactly on n
func clampTile(v float64, n float64) int {
	return int(math.Max(0, math.Min(v, n-1)))
}

func formatTile(x, y int) string {
	return fmt.Sprintf("%d/%d/%d", Zoom, x, y)
}

// TileID returns the id of the tile containing the point
func TileID(lat, lon float64) string {
	n := math.Exp2(Zoom)
	lat = math.Max(-maxMercatorLat, math.Min(lat, maxMercatorLat))
	return formatTile(tileX(lon, n), tileY(lat, n))
}

// VisibleTiles returns the sorted ids of every tile intersecting the
// viewport. Coverage above MaxTiles degrades to the center tile.
func VisibleTiles(v Viewport) []string {
	b := v.Bounds()
	n := math.Exp2(Zoom)

	xMin := tileX(b.MinLon, n)
	xMax := tileX(b.MaxLon, n)
	// y grows southwards
	yMin := tileY(math.Min(b.MaxLat, maxMercatorLat), n)
	yMax := tileY(math.Max(b.MinLat, -maxMercatorLat), n)

	count := (xMax - xMin + 1) * (yMax - yMin + 1)
	if count <= 0 || count > MaxTiles {
		return []string{TileID(v.CenterLat, v.CenterLon)}
	}

	tiles := make([]string, 0, count)
	for x := xMin; x <= xMax; x++ {
		for y := yMin; y <= yMax; y++ {
			tiles = append(tiles, formatTile(x, y))
		}
	}
	sort.Strings(tiles)
	return tiles
}
