package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/relaypoint/relaypoint/internal/broadcast"
	"github.com/relaypoint/relaypoint/internal/bus"
	"github.com/relaypoint/relaypoint/internal/config"
	"github.com/relaypoint/relaypoint/internal/domain"
	"github.com/relaypoint/relaypoint/internal/hub"
	"github.com/relaypoint/relaypoint/pkg/log"
	"github.com/relaypoint/relaypoint/pkg/token"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler serves the gateway's two socket surfaces: user connections
// on /ws and the API tier's system connection on /ws/system.
type WSHandler struct {
	hub      *hub.Hub
	bus      *bus.Bus
	tokens   *token.Manager
	wsCfg    config.WebSocketConfig
	instance string
}

func NewWSHandler(h *hub.Hub, b *bus.Bus, tokens *token.Manager, wsCfg config.WebSocketConfig, instance string) *WSHandler {
	return &WSHandler{
		hub:      h,
		bus:      b,
		tokens:   tokens,
		wsCfg:    wsCfg,
		instance: instance,
	}
}

func (h *WSHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ws", h.HandleUser)
	r.HandleFunc("/ws/system", h.HandleSystem)
}

func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// HandleUser upgrades a user connection and starts its pumps. The token
// must identify a user; system credentials cannot open user sockets.
func (h *WSHandler) HandleUser(w http.ResponseWriter, r *http.Request) {
	claims, err := h.tokens.Validate(bearerToken(r))
	if err != nil || claims.IsSystem() || claims.UserID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.L().Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := hub.NewClient(uuid.New().String(), claims.UserID, h.hub, conn, h.wsCfg)
	h.hub.Register(client)

	go client.WritePump()
	go func() {
		client.ReadPump(h.handleFrame)
		h.announcePresence(domain.EventUserOffline, client, client.Rooms())
	}()
}

func (h *WSHandler) handleFrame(client *hub.Client, message []byte) {
	var frame domain.ClientFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		client.SendMessage(domain.NewWSError(domain.WSErrCodeBadRequest, "invalid frame"))
		return
	}

	switch frame.Type {
	case domain.ClientFrameJoin:
		if frame.RoomID == "" {
			client.SendMessage(domain.NewWSError(domain.WSErrCodeBadRequest, "room_id required"))
			return
		}
		h.hub.JoinRoom(client, frame.RoomID)
		h.announcePresence(domain.EventUserOnline, client, []string{frame.RoomID})

	case domain.ClientFrameLeave:
		if frame.RoomID == "" {
			client.SendMessage(domain.NewWSError(domain.WSErrCodeBadRequest, "room_id required"))
			return
		}
		h.hub.LeaveRoom(client, frame.RoomID)

	case domain.ClientFrameTypingStart, domain.ClientFrameTypingStop:
		if frame.RoomID == "" {
			client.SendMessage(domain.NewWSError(domain.WSErrCodeBadRequest, "room_id required"))
			return
		}
		event := domain.EventTypingStart
		if frame.Type == domain.ClientFrameTypingStop {
			event = domain.EventTypingStop
		}
		h.emit(event, frame.RoomID, domain.TypingEventPayload{
			RoomID: frame.RoomID,
			UserID: client.UserID,
		}, client.ID)

	case domain.ClientFramePing:
		client.SendMessage(map[string]string{"type": domain.ClientFramePong})

	default:
		client.SendMessage(domain.NewWSError(domain.WSErrCodeBadRequest, "unknown frame type"))
	}
}

func (h *WSHandler) announcePresence(event string, client *hub.Client, roomIDs []string) {
	if len(roomIDs) == 0 {
		return
	}
	payload := domain.PresenceEventPayload{UserID: client.UserID, RoomIDs: roomIDs}
	for _, roomID := range roomIDs {
		h.fanOutLocal(event, roomID, payload, client.ID)
	}
	if err := h.bus.Publish(context.Background(), event, payload); err != nil {
		log.L().Warn().Err(err).Str(log.FieldEvent, event).Msg("presence publish failed")
	}
}

// emit delivers an event to local room members and republishes it on
// the bus for other gateway instances. The bridge skips envelopes from
// this instance, so remote delivery never doubles up with the local
// fan-out.
func (h *WSHandler) emit(event, roomID string, payload interface{}, exclude string) {
	h.fanOutLocal(event, roomID, payload, exclude)
	if err := h.bus.Publish(context.Background(), event, payload); err != nil {
		log.L().Warn().Err(err).Str(log.FieldEvent, event).Msg("event publish failed")
	}
}

func (h *WSHandler) fanOutLocal(event, roomID string, payload interface{}, exclude string) {
	env, err := bus.NewEnvelope(event, payload, h.instance)
	if err != nil {
		log.L().Warn().Err(err).Str(log.FieldEvent, event).Msg("envelope encode failed")
		return
	}
	if err := h.hub.BroadcastToRoom(roomID, env, exclude); err != nil {
		log.L().Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("local fan-out failed")
	}
}

// HandleSystem accepts the API tier's broadcaster connection. Only
// system tokens are accepted. A ready frame is written once the read
// loop is live so the peer knows buffered emits may flow.
func (h *WSHandler) HandleSystem(w http.ResponseWriter, r *http.Request) {
	claims, err := h.tokens.Validate(bearerToken(r))
	if err != nil || !claims.IsSystem() {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.L().Warn().Err(err).Msg("system socket upgrade failed")
		return
	}
	defer conn.Close()

	l := log.L()
	l.Info().Str("remote", r.RemoteAddr).Msg("system socket connected")

	if err := conn.WriteJSON(broadcast.Frame{Type: broadcast.FrameTypeReady}); err != nil {
		l.Warn().Err(err).Msg("ready frame write failed")
		return
	}

	for {
		var frame broadcast.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				l.Warn().Err(err).Msg("system socket read error")
			}
			return
		}

		if frame.Type != broadcast.FrameTypeBroadcast || frame.Event == "" || frame.RoomID == "" {
			continue
		}

		h.fanOutLocal(frame.Event, frame.RoomID, frame.Data, "")
		if err := h.bus.Publish(context.Background(), frame.Event, frame.Data); err != nil {
			l.Warn().Err(err).Str(log.FieldEvent, frame.Event).Msg("system frame republish failed")
		}
	}
}
