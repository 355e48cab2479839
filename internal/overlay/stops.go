package overlay

import (
	"math"
	"sort"

	"github.com/drobiAlex/wabus-fleetsync/internal/geo"
	"github.com/drobiAlex/wabus-fleetsync/internal/models"
)

const (
	// MaxShapeSamples bounds the points tested per shape; the last point is
	// always added on top
	MaxShapeSamples = 200

	// StopRadius is how close, in meters, a stop must be to a sampled shape
	// point to count as served by the line
	StopRadius = 80.0
)

// samplePoints takes every n-th point so at most MaxShapeSamples remain,
// plus the final point
func samplePoints(points []models.ShapePoint) []models.ShapePoint {
	if len(points) <= MaxShapeSamples {
		return points
	}

	step := int(math.Ceil(float64(len(points)) / MaxShapeSamples))
	out := make([]models.ShapePoint, 0, MaxShapeSamples+1)
	for i := 0; i < len(points); i += step {
		out = append(out, points[i])
	}
	if last := points[len(points)-1]; out[len(out)-1] != last {
		out = append(out, last)
	}
	return out
}

// stopsNearShapes returns stops within StopRadius of any sampled point of
// any shape, in input order
func stopsNearShapes(shapes []models.Shape, stops []models.Stop) []models.Stop {
	var samples []models.ShapePoint
	var bounds geo.BBox
	for _, sh := range shapes {
		for _, p := range samplePoints(sh.Points) {
			if len(samples) == 0 {
				bounds = geo.PointBBox(p.Lat, p.Lon)
			} else {
				bounds.Extend(p.Lat, p.Lon)
			}
			samples = append(samples, p)
		}
	}
	if len(samples) == 0 {
		return nil
	}

	// ~80 m of latitude, widened for longitude at Warsaw's latitude
	const padLat = 0.001
	const padLon = 0.0015
	bounds.MinLat -= padLat
	bounds.MaxLat += padLat
	bounds.MinLon -= padLon
	bounds.MaxLon += padLon

	var out []models.Stop
	for _, s := range stops {
		if !bounds.Contains(s.Lat, s.Lon) {
			continue
		}
		for _, p := range samples {
			if geo.Haversine(s.Lat, s.Lon, p.Lat, p.Lon) <= StopRadius {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// polylines copies each shape's points ordered by sequence
func polylines(shapes []models.Shape) [][]models.ShapePoint {
	out := make([][]models.ShapePoint, 0, len(shapes))
	for _, sh := range shapes {
		pts := append([]models.ShapePoint(nil), sh.Points...)
		sort.SliceStable(pts, func(i, j int) bool { return pts[i].Sequence < pts[j].Sequence })
		out = append(out, pts)
	}
	return out
}
