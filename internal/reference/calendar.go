package reference

import (
	"sort"
	"time"

	"github.com/drobiAlex/wabus-fleetsync/internal/models"
)

// GTFSDate formats t as a GTFS YYYYMMDD date in t's location
func GTFSDate(t time.Time) string {
	return t.Format("20060102")
}

// activeServices applies the weekday/validity pass first, then layers the
// exceptions for that exact date on top
func activeServices(calendars map[string]models.Calendar, exceptions map[string][]models.CalendarDate, date time.Time) []string {
	day := GTFSDate(date)
	weekday := date.Weekday()

	active := make(map[string]struct{})
	for id, c := range calendars {
		if day < c.StartDate || day > c.EndDate {
			continue
		}
		if c.RunsOn(weekday) {
			active[id] = struct{}{}
		}
	}

	for id, dates := range exceptions {
		for _, d := range dates {
			if d.Date != day {
				continue
			}
			switch d.ExceptionType {
			case models.ExceptionAdded:
				active[id] = struct{}{}
			case models.ExceptionRemoved:
				delete(active, id)
			}
		}
	}

	out := make([]string, 0, len(active))
	for id := range active {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
