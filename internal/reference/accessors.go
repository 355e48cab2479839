package reference

import (
	"time"

	"github.com/drobiAlex/wabus-fleetsync/internal/models"
)

// Stats summarizes the loaded reference data
type Stats struct {
	Ready         bool      `json:"ready"`
	Routes        int       `json:"routes"`
	Stops         int       `json:"stops"`
	Calendars     int       `json:"calendars"`
	CalendarDates int       `json:"calendar_dates"`
	Version       string    `json:"version"`
	GeneratedAt   time.Time `json:"generated_at"`
	LastSync      time.Time `json:"last_sync"`
}

// Stats reports table sizes and sync state
func (m *Manager) Stats() Stats {
	st := Stats{Version: m.Version(), LastSync: m.LastSync()}

	t := m.tables.Load()
	if t == nil {
		return st
	}
	st.Ready = t.usable()
	st.Routes = len(t.routes)
	st.Stops = len(t.stops)
	st.Calendars = len(t.calendars)
	for _, d := range t.exceptions {
		st.CalendarDates += len(d)
	}
	st.GeneratedAt = t.generatedAt
	return st
}

// The accessors below read the current table set and return zero values
// when nothing is loaded.

func (m *Manager) RouteByLine(line string) (models.Route, bool) {
	if t := m.tables.Load(); t != nil {
		return t.RouteByLine(line)
	}
	return models.Route{}, false
}

func (m *Manager) RouteByID(id string) (models.Route, bool) {
	if t := m.tables.Load(); t != nil {
		return t.RouteByID(id)
	}
	return models.Route{}, false
}

func (m *Manager) Routes() []models.Route {
	if t := m.tables.Load(); t != nil {
		return t.Routes()
	}
	return nil
}

func (m *Manager) RoutesOfType(rt models.RouteType) []models.Route {
	if t := m.tables.Load(); t != nil {
		return t.RoutesOfType(rt)
	}
	return nil
}

func (m *Manager) Stop(id string) (models.Stop, bool) {
	if t := m.tables.Load(); t != nil {
		return t.Stop(id)
	}
	return models.Stop{}, false
}

func (m *Manager) Stops() []models.Stop {
	if t := m.tables.Load(); t != nil {
		return t.Stops()
	}
	return nil
}

func (m *Manager) StopsNear(lat, lon, radius float64) []models.Stop {
	if t := m.tables.Load(); t != nil {
		return t.StopsNear(lat, lon, radius)
	}
	return nil
}

func (m *Manager) SearchStops(query string) []models.Stop {
	if t := m.tables.Load(); t != nil {
		return t.SearchStops(query)
	}
	return nil
}

func (m *Manager) ActiveServiceIDs(date time.Time) []string {
	if t := m.tables.Load(); t != nil {
		return t.ActiveServiceIDs(date)
	}
	return nil
}

func (m *Manager) LineType(line string) (models.VehicleType, bool) {
	if t := m.tables.Load(); t != nil {
		return t.LineType(line)
	}
	return 0, false
}
