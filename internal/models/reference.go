package models

import "time"

// RouteType mirrors the GTFS route_type values the server publishes
type RouteType int

const (
	RouteTypeTram RouteType = 0
	RouteTypeBus  RouteType = 3
)

func (t RouteType) String() string {
	switch t {
	case RouteTypeTram:
		return "tram"
	case RouteTypeBus:
		return "bus"
	default:
		return "unknown"
	}
}

// VehicleType maps a route type onto the live fleet vehicle type.
// Anything that is not a tram is rendered as a bus.
func (t RouteType) VehicleType() VehicleType {
	if t == RouteTypeTram {
		return VehicleTypeTram
	}
	return VehicleTypeBus
}

// Route represents a transit route from GTFS
type Route struct {
	ID        string    `json:"id"`
	ShortName string    `json:"short_name"`
	LongName  string    `json:"long_name"`
	Type      RouteType `json:"type"`
	Color     string    `json:"color"`
	TextColor string    `json:"text_color"`
}

// Stop represents a transit stop from GTFS
type Stop struct {
	ID   string  `json:"id"`
	Code string  `json:"code"`
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Zone string  `json:"zone"`
}

// Calendar represents service availability by day of week.
// Dates are GTFS YYYYMMDD strings, so they compare lexicographically.
type Calendar struct {
	ServiceID string `json:"service_id"`
	Monday    bool   `json:"monday"`
	Tuesday   bool   `json:"tuesday"`
	Wednesday bool   `json:"wednesday"`
	Thursday  bool   `json:"thursday"`
	Friday    bool   `json:"friday"`
	Saturday  bool   `json:"saturday"`
	Sunday    bool   `json:"sunday"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// RunsOn reports whether the weekday flag for wd is set
func (c *Calendar) RunsOn(wd time.Weekday) bool {
	switch wd {
	case time.Sunday:
		return c.Sunday
	case time.Monday:
		return c.Monday
	case time.Tuesday:
		return c.Tuesday
	case time.Wednesday:
		return c.Wednesday
	case time.Thursday:
		return c.Thursday
	case time.Friday:
		return c.Friday
	case time.Saturday:
		return c.Saturday
	}
	return false
}

// Exception types from calendar_dates.txt
const (
	ExceptionAdded   = 1
	ExceptionRemoved = 2
)

// CalendarDate represents a service exception for a single date
type CalendarDate struct {
	ServiceID     string `json:"service_id"`
	Date          string `json:"date"`
	ExceptionType int    `json:"exception_type"`
}

// ShapePoint represents a single point in a route shape
type ShapePoint struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Sequence int     `json:"sequence"`
}

// Shape represents the geographic path of a route
type Shape struct {
	ID          string       `json:"id"`
	Points      []ShapePoint `json:"points"`
	DirectionID *int         `json:"direction_id,omitempty"`
}

// StopTime represents a scheduled arrival at a stop
type StopTime struct {
	TripID        string `json:"trip_id"`
	RouteID       string `json:"route_id"`
	Line          string `json:"line"`
	Headsign      string `json:"headsign"`
	ArrivalTime   string `json:"arrival_time"`
	DepartureTime string `json:"departure_time"`
	StopSequence  int    `json:"stop_sequence"`
}

// StopLine represents a line that serves a stop
type StopLine struct {
	RouteID   string    `json:"route_id"`
	Line      string    `json:"line"`
	LongName  string    `json:"long_name"`
	Type      RouteType `json:"type"`
	Color     string    `json:"color"`
	Headsigns []string  `json:"headsigns"`
}

// GTFSStats is the server's summary of its loaded static feed
type GTFSStats struct {
	RouteCount  int       `json:"route_count"`
	StopCount   int       `json:"stop_count"`
	TripCount   int       `json:"trip_count"`
	LastUpdated time.Time `json:"last_updated"`
}
