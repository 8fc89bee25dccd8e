package hub

import (
	"context"
	"encoding/json"

	"github.com/relaypoint/relaypoint/internal/bus"
	"github.com/relaypoint/relaypoint/pkg/log"
)

// Bridge fans bus events out to this gateway's local clients. Envelopes
// published by this instance are skipped: those were already delivered
// locally at publish time, so handling them again would double-deliver.
type Bridge struct {
	hub      *Hub
	bus      *bus.Bus
	instance string

	unsubscribe func()
}

func NewBridge(h *Hub, b *bus.Bus, instance string) *Bridge {
	return &Bridge{hub: h, bus: b, instance: instance}
}

// routing is the subset of event payload fields the bridge needs to
// pick target rooms.
type routing struct {
	RoomID  string   `json:"room_id"`
	RoomIDs []string `json:"room_ids"`
}

// Start subscribes to every event on the bus.
func (br *Bridge) Start() error {
	unsub, err := br.bus.SubscribePattern("*", br.handle)
	if err != nil {
		return err
	}
	br.unsubscribe = unsub
	return nil
}

func (br *Bridge) Stop() {
	if br.unsubscribe != nil {
		br.unsubscribe()
	}
}

func (br *Bridge) handle(ctx context.Context, env *bus.Envelope) error {
	if env.Source != "" && env.Source == br.instance {
		return nil
	}

	var route routing
	if err := json.Unmarshal(env.Data, &route); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str(log.FieldEvent, env.Event).Msg("unroutable event payload")
		return nil
	}

	rooms := route.RoomIDs
	if route.RoomID != "" {
		rooms = []string{route.RoomID}
	}
	if len(rooms) == 0 {
		return nil
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	for _, roomID := range rooms {
		br.hub.BroadcastRawToRoom(roomID, data, "")
	}
	return nil
}
