package fleet

import (
	"fmt"
	"math"
	"sort"

	"github.com/drobiAlex/wabus-fleetsync/internal/geo"
	"github.com/drobiAlex/wabus-fleetsync/internal/models"
)

// GridSize is the number of clustering cells per viewport axis
const GridSize = 10

// VehicleView is a vehicle with its derived heading
type VehicleView struct {
	models.Vehicle
	Heading *float64 `json:"heading,omitempty"`
}

// Cluster stands in for several nearby vehicles in one grid cell
type Cluster struct {
	ID     string             `json:"id"`
	Lat    float64            `json:"lat"`
	Lon    float64            `json:"lon"`
	Count  int                `json:"count"`
	Type   models.VehicleType `json:"type"`
	Bounds geo.BBox           `json:"bounds"`
	Keys   []string           `json:"keys"`
}

// View is the derived rendering set. Counts are taken before capping.
type View struct {
	Vehicles  []VehicleView `json:"vehicles"`
	Clusters  []Cluster     `json:"clusters"`
	Singles   []VehicleView `json:"singles"`
	BusCount  int           `json:"busCount"`
	TramCount int           `json:"tramCount"`
	Eligible  int           `json:"eligible"`
}

// View returns a copy of the current derived view
func (s *Store) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := s.view
	v.Vehicles = append([]VehicleView(nil), v.Vehicles...)
	v.Singles = append([]VehicleView(nil), v.Singles...)
	v.Clusters = append([]Cluster(nil), v.Clusters...)
	return v
}

func (s *Store) recomputeLocked() {
	var priority, rest []VehicleView
	var buses, trams int

	for key := range s.vehicles {
		v := s.vehicles[key]
		if !s.eligibleLocked(&v) {
			continue
		}
		switch v.Type {
		case models.VehicleTypeBus:
			buses++
		case models.VehicleTypeTram:
			trams++
		}

		vv := VehicleView{Vehicle: v}
		if h, ok := s.headings[key]; ok {
			h := h
			vv.Heading = &h
		}
		if s.priorityLocked(&v) {
			priority = append(priority, vv)
		} else {
			rest = append(rest, vv)
		}
	}

	byKey := func(list []VehicleView) {
		sort.Slice(list, func(i, j int) bool { return list[i].Key < list[j].Key })
	}
	byKey(priority)
	byKey(rest)

	capped := make([]VehicleView, 0, min(len(priority)+len(rest), s.maxVisible))
	capped = append(capped, priority[:min(len(priority), s.maxVisible)]...)
	if room := s.maxVisible - len(capped); room > 0 {
		capped = append(capped, rest[:min(len(rest), room)]...)
	}

	view := View{
		Vehicles:  capped,
		BusCount:  buses,
		TramCount: trams,
		Eligible:  buses + trams,
	}

	if s.viewport == nil {
		view.Singles = capped
	} else {
		view.Clusters, view.Singles = clusterGrid(capped, s.viewport.Bounds())
	}

	s.view = view
}

type cell struct {
	row, col int
	members  []VehicleView
}

// clusterGrid buckets vehicles inside bounds into a GridSize x GridSize grid.
// Cells with more than one vehicle become clusters, the rest pass through.
// Output is ordered by row then column.
func clusterGrid(vehicles []VehicleView, bounds geo.BBox) ([]Cluster, []VehicleView) {
	latSpan := bounds.MaxLat - bounds.MinLat
	lonSpan := bounds.MaxLon - bounds.MinLon

	cells := make(map[int]*cell)
	for _, v := range vehicles {
		if !bounds.Contains(v.Lat, v.Lon) {
			continue
		}
		row := gridIndex(v.Lat-bounds.MinLat, latSpan)
		col := gridIndex(v.Lon-bounds.MinLon, lonSpan)
		idx := row*GridSize + col

		c, ok := cells[idx]
		if !ok {
			c = &cell{row: row, col: col}
			cells[idx] = c
		}
		c.members = append(c.members, v)
	}

	order := make([]int, 0, len(cells))
	for idx := range cells {
		order = append(order, idx)
	}
	sort.Ints(order)

	var clusters []Cluster
	var singles []VehicleView
	for _, idx := range order {
		c := cells[idx]
		if len(c.members) == 1 {
			singles = append(singles, c.members[0])
			continue
		}
		clusters = append(clusters, buildCluster(c))
	}
	return clusters, singles
}

func gridIndex(offset, span float64) int {
	if span <= 0 {
		return 0
	}
	i := int(math.Floor(offset / span * GridSize))
	if i < 0 {
		return 0
	}
	if i >= GridSize {
		return GridSize - 1
	}
	return i
}

func buildCluster(c *cell) Cluster {
	first := c.members[0]
	cl := Cluster{
		ID:     fmt.Sprintf("cell-%d-%d", c.row, c.col),
		Count:  len(c.members),
		Bounds: geo.PointBBox(first.Lat, first.Lon),
		Keys:   make([]string, 0, len(c.members)),
	}

	var sumLat, sumLon float64
	var buses int
	for _, m := range c.members {
		sumLat += m.Lat
		sumLon += m.Lon
		if m.Type == models.VehicleTypeBus {
			buses++
		}
		cl.Bounds.Extend(m.Lat, m.Lon)
		cl.Keys = append(cl.Keys, m.Key)
	}

	n := float64(cl.Count)
	cl.Lat = sumLat / n
	cl.Lon = sumLon / n
	cl.Type = models.VehicleTypeTram
	if buses*2 >= cl.Count {
		cl.Type = models.VehicleTypeBus
	}
	sort.Strings(cl.Keys)
	return cl
}
