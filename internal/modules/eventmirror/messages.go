package eventmirror

import (
	"time"

	"github.com/nerrad567/gray-logic-hub/internal/bus"
)

// EventMessage is the JSON published for each mirrored bus event.
type EventMessage struct {
	Event     string         `json:"event"`
	From      string         `json:"from"`
	Params    map[string]any `json:"params,omitempty"`
	DeviceID  string         `json:"device_id,omitempty"`
	PeerInfo  *bus.PeerInfo  `json:"peer_info,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// InjectMessage is the optional JSON body of an inject message.
type InjectMessage struct {
	Params   map[string]any `json:"params,omitempty"`
	DeviceID string         `json:"device_id,omitempty"`
}
