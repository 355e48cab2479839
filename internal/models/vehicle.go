package models

import (
	"errors"
	"fmt"
	"time"
)

// VehicleType distinguishes buses from trams
type VehicleType int

const (
	VehicleTypeBus  VehicleType = 1
	VehicleTypeTram VehicleType = 2
)

func (t VehicleType) String() string {
	switch t {
	case VehicleTypeBus:
		return "bus"
	case VehicleTypeTram:
		return "tram"
	default:
		return "unknown"
	}
}

// ParseVehicleType accepts "bus", "tram" or the numeric wire values
func ParseVehicleType(s string) (VehicleType, error) {
	switch s {
	case "bus", "1":
		return VehicleTypeBus, nil
	case "tram", "2":
		return VehicleTypeTram, nil
	}
	return 0, fmt.Errorf("unknown vehicle type %q", s)
}

// Vehicle is a single bus or tram position as pushed by the server.
// Records are replaced whole, never patched.
type Vehicle struct {
	Key           string      `json:"key"`
	VehicleNumber string      `json:"vehicleNumber"`
	Type          VehicleType `json:"type"`
	Line          string      `json:"line"`
	Brigade       string      `json:"brigade"`
	Lat           float64     `json:"lat"`
	Lon           float64     `json:"lon"`
	Timestamp     time.Time   `json:"timestamp"`
	TileID        string      `json:"tileId"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// LineKey returns the (type, line) pair this vehicle belongs to
func (v *Vehicle) LineKey() LineKey {
	return LineKey{Type: v.Type, Line: v.Line}
}

// Validate checks if the Vehicle carries enough data to be tracked
func (v *Vehicle) Validate() error {
	if v.Key == "" {
		return errors.New("key is required")
	}

	if v.Type != VehicleTypeBus && v.Type != VehicleTypeTram {
		return fmt.Errorf("unsupported vehicle type %d", v.Type)
	}

	if v.Lat < -90 || v.Lat > 90 {
		return errors.New("latitude out of range: must be between -90 and 90")
	}
	if v.Lon < -180 || v.Lon > 180 {
		return errors.New("longitude out of range: must be between -180 and 180")
	}

	return nil
}

// ReportTime is the best known observation time of the record
func (v *Vehicle) ReportTime() time.Time {
	if !v.Timestamp.IsZero() {
		return v.Timestamp
	}
	return v.UpdatedAt
}
