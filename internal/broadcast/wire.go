package broadcast

import "encoding/json"

// Frame types on the system socket between API workers and the gateway.
const (
	FrameTypeBroadcast = "broadcast"
	FrameTypeReady     = "ready"
)

// Frame is one message on the system socket. Broadcast frames carry an
// event envelope payload; ready frames are sent by the gateway once its
// handlers are registered.
type Frame struct {
	Type   string          `json:"type"`
	Event  string          `json:"event,omitempty"`
	RoomID string          `json:"room_id,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}
