package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps every payload published on the event bus.
type Envelope struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"` // epoch ms
	Source    string          `json:"source,omitempty"`
}

// NewEnvelope creates an envelope around payload.
func NewEnvelope(event string, payload interface{}, source string) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Event:     event,
		Data:      data,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UnixMilli(),
		Source:    source,
	}, nil
}

// UnmarshalData unmarshals the envelope payload into v.
func (e *Envelope) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

const channelPrefix = "events:"

// ChannelFor returns the broker channel name for an event.
func ChannelFor(event string) string {
	return channelPrefix + event
}

// EventFor returns the event name for a broker channel.
func EventFor(channel string) string {
	if len(channel) > len(channelPrefix) && channel[:len(channelPrefix)] == channelPrefix {
		return channel[len(channelPrefix):]
	}
	return channel
}

func historyKey(event string) string {
	return "events:history:" + event
}

const historyAllKey = "events:history:_all"
