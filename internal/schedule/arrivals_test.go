package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/drobiAlex/wabus-fleetsync/internal/models"
)

func TestParseGTFSTime(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"08:05:00", 8*time.Hour + 5*time.Minute, false},
		{"25:30:15", 25*time.Hour + 30*time.Minute + 15*time.Second, false},
		{"00:00:00", 0, false},
		{"8:05", 0, true},
		{"08:61:00", 0, true},
		{"aa:00:00", 0, true},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseGTFSTime(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Errorf("expected error for %q", tc.in)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Errorf("ParseGTFSTime(%q) = %v, %v; expected %v", tc.in, got, err, tc.want)
			}
		})
	}
}

func TestUpcomingWindowGraceAndRollover(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	now := time.Date(2026, 1, 12, 23, 50, 0, 0, loc)

	times := []models.StopTime{
		{TripID: "late", ArrivalTime: "24:10:00"},
		{TripID: "grace", ArrivalTime: "23:49:30"},
		{TripID: "gone", ArrivalTime: "23:48:00"},
		{TripID: "soon", ArrivalTime: "23:55:00"},
		{TripID: "far", ArrivalTime: "25:30:00"},
		{TripID: "broken", ArrivalTime: "x"},
	}

	got := Upcoming(times, now, 30*time.Minute)

	wantIDs := []string{"grace", "soon", "late"}
	if len(got) != len(wantIDs) {
		t.Fatalf("got %d arrivals, expected %d: %+v", len(got), len(wantIDs), got)
	}
	for i, id := range wantIDs {
		if got[i].TripID != id {
			t.Errorf("arrival %d = %s, expected %s", i, got[i].TripID, id)
		}
	}

	wantLate := time.Date(2026, 1, 13, 0, 10, 0, 0, loc)
	if !got[2].At.Equal(wantLate) {
		t.Errorf("rollover arrival at %v, expected %v", got[2].At, wantLate)
	}
}

func TestNextArrival(t *testing.T) {
	f := newFakeFetcher()
	f.times = []models.StopTime{
		{TripID: "a", Line: "17", ArrivalTime: "10:20:00"},
		{TripID: "b", Line: "17", ArrivalTime: "10:05:00"},
		{TripID: "c", Line: "33", ArrivalTime: "10:01:00"},
		{TripID: "d", Line: "17", ArrivalTime: "09:00:00"},
	}
	c := New(f, Options{})
	now := time.Date(2026, 1, 12, 10, 0, 0, 0, time.UTC)

	next, err := c.NextArrival(context.Background(), "7009", "17", now)
	if err != nil {
		t.Fatalf("NextArrival: %v", err)
	}
	if next == nil || next.TripID != "b" {
		t.Errorf("expected trip b, got %+v", next)
	}

	none, err := c.NextArrival(context.Background(), "7009", "999", now)
	if err != nil || none != nil {
		t.Errorf("expected no arrival for unknown line, got %+v, %v", none, err)
	}

	arrivals, err := c.UpcomingArrivals(context.Background(), "7009", now, 10*time.Minute)
	if err != nil {
		t.Fatalf("UpcomingArrivals: %v", err)
	}
	if len(arrivals) != 2 || arrivals[0].TripID != "c" || arrivals[1].TripID != "b" {
		t.Errorf("unexpected arrivals: %+v", arrivals)
	}
}
