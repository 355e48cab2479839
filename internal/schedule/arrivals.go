package schedule

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/drobiAlex/wabus-fleetsync/internal/models"
)

// PastGrace keeps arrivals that are at most this far in the past
const PastGrace = 60 * time.Second

// Arrival is a stop time resolved to an absolute instant
type Arrival struct {
	models.StopTime
	At time.Time `json:"at"`
}

// ParseGTFSTime parses HH:MM:SS as an offset from the start of the service
// day. Hours may exceed 23 for trips running past midnight.
func ParseGTFSTime(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid GTFS time %q", s)
	}

	var vals [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid GTFS time %q", s)
		}
		vals[i] = n
	}
	if vals[1] > 59 || vals[2] > 59 {
		return 0, fmt.Errorf("invalid GTFS time %q", s)
	}

	return time.Duration(vals[0])*time.Hour +
		time.Duration(vals[1])*time.Minute +
		time.Duration(vals[2])*time.Second, nil
}

// Upcoming resolves stop times against the service day containing now and
// returns those between now-PastGrace and now+window, sorted by time.
// Times past 24:00:00 land on the next calendar day.
func Upcoming(times []models.StopTime, now time.Time, window time.Duration) []Arrival {
	y, m, d := now.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	from := now.Add(-PastGrace)
	until := now.Add(window)

	var out []Arrival
	for _, st := range times {
		offset, err := ParseGTFSTime(st.ArrivalTime)
		if err != nil {
			continue
		}
		at := day.Add(offset)
		if at.Before(from) || at.After(until) {
			continue
		}
		out = append(out, Arrival{StopTime: st, At: at})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].At.Before(out[j].At)
	})
	return out
}

// UpcomingArrivals returns today's arrivals at stopID within window of now
func (c *Cache) UpcomingArrivals(ctx context.Context, stopID string, now time.Time, window time.Duration) ([]Arrival, error) {
	s, err := c.Schedule(ctx, stopID, gtfsDate(now))
	if err != nil {
		return nil, err
	}
	return Upcoming(s.StopTimes, now, window), nil
}

// NextArrival returns the first upcoming arrival of line at stopID, or nil
// when the line has nothing left today
func (c *Cache) NextArrival(ctx context.Context, stopID, line string, now time.Time) (*Arrival, error) {
	s, err := c.Schedule(ctx, stopID, gtfsDate(now))
	if err != nil {
		return nil, err
	}

	var times []models.StopTime
	for _, st := range s.StopTimes {
		if st.Line == line {
			times = append(times, st)
		}
	}

	upcoming := Upcoming(times, now, 48*time.Hour)
	if len(upcoming) == 0 {
		return nil, nil
	}
	return &upcoming[0], nil
}
