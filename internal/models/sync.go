package models

import "time"

// SyncResponse is the full reference bundle returned by GET /v1/sync
type SyncResponse struct {
	Routes        []Route        `json:"routes"`
	Stops         []Stop         `json:"stops"`
	Calendars     []Calendar     `json:"calendars"`
	CalendarDates []CalendarDate `json:"calendar_dates"`
	Version       string         `json:"version"`
	GeneratedAt   time.Time      `json:"generated_at"`
}

// SyncCheckResponse is the lightweight version probe from GET /v1/sync/check
type SyncCheckResponse struct {
	Version    string    `json:"version"`
	HasUpdates bool      `json:"has_updates"`
	LastUpdate time.Time `json:"last_update"`
}
