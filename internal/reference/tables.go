package reference

import (
	"sort"
	"strings"
	"time"

	"github.com/drobiAlex/wabus-fleetsync/internal/geo"
	"github.com/drobiAlex/wabus-fleetsync/internal/models"
)

// Tables is an immutable set of lookup tables built from one bundle.
// Readers hold a pointer to a whole set; a sync swaps in a new one.
type Tables struct {
	routes      map[string]models.Route
	routesByLn  map[string]models.Route
	routeList   []models.Route
	stops       map[string]models.Stop
	stopList    []models.Stop
	calendars   map[string]models.Calendar
	exceptions  map[string][]models.CalendarDate
	version     string
	generatedAt time.Time
}

func buildTables(b *models.SyncResponse) *Tables {
	t := &Tables{
		routes:      make(map[string]models.Route, len(b.Routes)),
		routesByLn:  make(map[string]models.Route, len(b.Routes)),
		stops:       make(map[string]models.Stop, len(b.Stops)),
		calendars:   make(map[string]models.Calendar, len(b.Calendars)),
		exceptions:  make(map[string][]models.CalendarDate),
		version:     b.Version,
		generatedAt: b.GeneratedAt,
	}

	for _, r := range b.Routes {
		t.routes[r.ID] = r
		t.routesByLn[r.ShortName] = r
	}
	t.routeList = make([]models.Route, 0, len(t.routes))
	for _, r := range t.routes {
		t.routeList = append(t.routeList, r)
	}
	sort.Slice(t.routeList, func(i, j int) bool {
		a, b := t.routeList[i], t.routeList[j]
		if c := models.CompareLines(a.ShortName, b.ShortName); c != 0 {
			return c < 0
		}
		return a.ID < b.ID
	})

	for _, s := range b.Stops {
		t.stops[s.ID] = s
	}
	t.stopList = make([]models.Stop, 0, len(t.stops))
	for _, s := range t.stops {
		t.stopList = append(t.stopList, s)
	}
	sort.Slice(t.stopList, func(i, j int) bool { return t.stopList[i].ID < t.stopList[j].ID })

	for _, c := range b.Calendars {
		t.calendars[c.ServiceID] = c
	}
	for _, d := range b.CalendarDates {
		t.exceptions[d.ServiceID] = append(t.exceptions[d.ServiceID], d)
	}

	return t
}

// usable reports whether the set carries the minimum needed to serve
// lookups
func (t *Tables) usable() bool {
	return t != nil && len(t.routes) > 0 && len(t.stops) > 0
}

// RouteByLine looks a route up by its public line label
func (t *Tables) RouteByLine(line string) (models.Route, bool) {
	r, ok := t.routesByLn[line]
	return r, ok
}

// RouteByID looks a route up by GTFS route_id
func (t *Tables) RouteByID(id string) (models.Route, bool) {
	r, ok := t.routes[id]
	return r, ok
}

// Routes returns every route in line order
func (t *Tables) Routes() []models.Route {
	return append([]models.Route(nil), t.routeList...)
}

// RoutesOfType returns routes of one type in line order
func (t *Tables) RoutesOfType(rt models.RouteType) []models.Route {
	var out []models.Route
	for _, r := range t.routeList {
		if r.Type == rt {
			out = append(out, r)
		}
	}
	return out
}

// Stop looks a stop up by id
func (t *Tables) Stop(id string) (models.Stop, bool) {
	s, ok := t.stops[id]
	return s, ok
}

// Stops returns every stop ordered by id
func (t *Tables) Stops() []models.Stop {
	return append([]models.Stop(nil), t.stopList...)
}

// StopsNear returns stops within radius meters of the point, nearest first
func (t *Tables) StopsNear(lat, lon, radius float64) []models.Stop {
	type hit struct {
		stop models.Stop
		dist float64
	}

	var hits []hit
	for _, s := range t.stopList {
		if d := geo.Haversine(lat, lon, s.Lat, s.Lon); d <= radius {
			hits = append(hits, hit{s, d})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })

	out := make([]models.Stop, len(hits))
	for i, h := range hits {
		out[i] = h.stop
	}
	return out
}

// SearchStops matches query case-insensitively against stop names and codes
func (t *Tables) SearchStops(query string) []models.Stop {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}

	var out []models.Stop
	for _, s := range t.stopList {
		if strings.Contains(strings.ToLower(s.Name), q) || strings.Contains(strings.ToLower(s.Code), q) {
			out = append(out, s)
		}
	}
	return out
}

// ActiveServiceIDs resolves the services running on date
func (t *Tables) ActiveServiceIDs(date time.Time) []string {
	return activeServices(t.calendars, t.exceptions, date)
}

// LineType maps a line label onto the live vehicle type via its route
func (t *Tables) LineType(line string) (models.VehicleType, bool) {
	r, ok := t.routesByLn[line]
	if !ok {
		return 0, false
	}
	return r.Type.VehicleType(), true
}
