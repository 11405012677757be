package sim

import (
	"time"

	"github.com/segmentio/encoding/json"
)

// EventType classifies simulation events.
type EventType uint8

const (
	EventTypeUnknown EventType = iota
	EventTypeRestart
	EventTypeRebuild
	EventTypeModeSwitch
	EventTypeColliderUpdate
	EventTypeDesync
	EventTypeBoidAdded
	EventTypeBoidRemoved
	EventTypeParamsChanged
	EventTypeResize
)

// EventVersion is bumped whenever a payload changes shape.
const EventVersion uint8 = 1

// Event is one entry of the event log.
type Event struct {
	Version   uint8           `json:"version" msgpack:"version"`
	Type      EventType       `json:"type" msgpack:"type"`
	Name      string          `json:"name" msgpack:"name"`
	Timestamp int64           `json:"timestamp" msgpack:"timestamp"`
	Sequence  uint64          `json:"sequence" msgpack:"sequence"`
	Tick      uint64          `json:"tick" msgpack:"tick"`
	Source    string          `json:"source,omitempty" msgpack:"source,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

func (t EventType) String() string {
	switch t {
	case EventTypeRestart:
		return "restart"
	case EventTypeRebuild:
		return "rebuild"
	case EventTypeModeSwitch:
		return "mode_switch"
	case EventTypeColliderUpdate:
		return "collider_update"
	case EventTypeDesync:
		return "desync"
	case EventTypeBoidAdded:
		return "boid_added"
	case EventTypeBoidRemoved:
		return "boid_removed"
	case EventTypeParamsChanged:
		return "params_changed"
	case EventTypeResize:
		return "resize"
	default:
		return "unknown"
	}
}

// ModeSwitchPayload records an index replacement.
type ModeSwitchPayload struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Boids int    `json:"boids"`
}

// RebuildPayload records a periodic index rebuild.
type RebuildPayload struct {
	Kind     string        `json:"kind"`
	Boids    int           `json:"boids"`
	Duration time.Duration `json:"duration"`
}

// RestartPayload records a respawn.
type RestartPayload struct {
	Boids int   `json:"boids"`
	Seed  int64 `json:"seed"`
}

// BoidPayload records a single add or remove.
type BoidPayload struct {
	Index int        `json:"index"`
	Boids int        `json:"boids"`
	Pos   [3]float32 `json:"pos"`
}

// DesyncPayload records diverging array lengths.
type DesyncPayload struct {
	Elements   int `json:"elements"`
	Velocities int `json:"velocities"`
}

// NewEvent builds an event, JSON-encoding payload when it is not nil.
func NewEvent(t EventType, tick uint64, source string, payload any) Event {
	e := Event{
		Version:   EventVersion,
		Type:      t,
		Name:      t.String(),
		Timestamp: time.Now().UnixNano(),
		Tick:      tick,
		Source:    source,
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			e.Payload = data
		}
	}
	return e
}
