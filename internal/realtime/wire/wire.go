// Package wire encodes and decodes the JSON text frames exchanged over the
// realtime vehicle connection.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/drobiAlex/wabus-fleetsync/internal/models"
)

// Frame types
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
	TypeSnapshot    = "snapshot"
	TypeDelta       = "delta"
	TypePong        = "pong"
)

// ErrUnknownType is returned by Parse for frames with an unrecognized type
var ErrUnknownType = errors.New("unknown frame type")

// Outbound is a client-to-server frame
type Outbound struct {
	Type    string        `json:"type"`
	Payload *TilesPayload `json:"payload,omitempty"`
}

// TilesPayload carries the tile ids of a subscribe/unsubscribe frame
type TilesPayload struct {
	TileIDs []string `json:"tileIds"`
}

// Subscribe builds a subscribe frame
func Subscribe(tileIDs []string) Outbound {
	return Outbound{Type: TypeSubscribe, Payload: &TilesPayload{TileIDs: tileIDs}}
}

// Unsubscribe builds an unsubscribe frame
func Unsubscribe(tileIDs []string) Outbound {
	return Outbound{Type: TypeUnsubscribe, Payload: &TilesPayload{TileIDs: tileIDs}}
}

// Ping builds a keepalive frame
func Ping() Outbound {
	return Outbound{Type: TypePing}
}

// Encode serializes an outbound frame
func (o Outbound) Encode() ([]byte, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", o.Type, err)
	}
	return data, nil
}

// Kind distinguishes the inbound frame variants
type Kind int

const (
	KindSnapshot Kind = iota + 1
	KindDelta
	KindPong
)

func (k Kind) String() string {
	switch k {
	case KindSnapshot:
		return TypeSnapshot
	case KindDelta:
		return TypeDelta
	case KindPong:
		return TypePong
	}
	return "invalid"
}

// Inbound is a parsed server-to-client frame. Snapshots use Vehicles,
// deltas use Updates and Removes.
type Inbound struct {
	Kind     Kind
	Vehicles []models.Vehicle
	Updates  []models.Vehicle
	Removes  []string
}

// NewSnapshot builds a snapshot message for local producers
func NewSnapshot(vehicles []models.Vehicle) Inbound {
	return Inbound{Kind: KindSnapshot, Vehicles: vehicles}
}

// NewDelta builds a delta message for local producers
func NewDelta(updates []models.Vehicle, removes []string) Inbound {
	return Inbound{Kind: KindDelta, Updates: updates, Removes: removes}
}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type snapshotPayload struct {
	Vehicles []models.Vehicle `json:"vehicles"`
}

type deltaPayload struct {
	Updates []models.Vehicle `json:"updates"`
	Removes []string         `json:"removes"`
}

// Parse decodes an inbound frame. Vehicles failing validation are dropped
// from the message; the rest of the frame is kept.
func Parse(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Inbound{}, fmt.Errorf("failed to decode envelope: %w", err)
	}

	switch env.Type {
	case TypeSnapshot:
		var p snapshotPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return Inbound{}, err
		}
		return Inbound{Kind: KindSnapshot, Vehicles: validVehicles(p.Vehicles)}, nil

	case TypeDelta:
		var p deltaPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return Inbound{}, err
		}
		return Inbound{Kind: KindDelta, Updates: validVehicles(p.Updates), Removes: p.Removes}, nil

	case TypePong:
		return Inbound{Kind: KindPong}, nil
	}

	return Inbound{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}

func validVehicles(in []models.Vehicle) []models.Vehicle {
	out := in[:0]
	for i := range in {
		if in[i].Validate() == nil {
			out = append(out, in[i])
		}
	}
	return out
}
