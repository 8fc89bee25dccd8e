package domain

// Real-time event names carried on the event bus and fanned out to
// sockets. Channel naming on the broker is events:<name>.
const (
	EventMessageSend     = "message:send"
	EventMessageEdited   = "message:edited"
	EventMessageDeleted  = "message:deleted"
	EventMessagePinned   = "message:pinned"
	EventMessageUnpinned = "message:unpinned"
	EventReactionUpdated = "reaction:updated"
	EventReadReceipt     = "receipt:updated"
	EventUserOnline      = "user:online"
	EventUserOffline     = "user:offline"
	EventTypingStart     = "typing:start"
	EventTypingStop      = "typing:stop"
)

// MessageEventPayload carries a full message for send/edit/delete/pin
// events. The message is keyed by its durable persisted id so every
// recipient, including the sender's other devices, converges on the
// same identity.
type MessageEventPayload struct {
	RoomID  string  `json:"room_id"`
	Message Message `json:"message"`
}

// ReactionEventPayload carries the grouped reactions of one message.
type ReactionEventPayload struct {
	RoomID    string          `json:"room_id"`
	MessageID string          `json:"message_id"`
	Groups    []ReactionGroup `json:"groups"`
}

// ReceiptEventPayload announces new read receipts for a room.
type ReceiptEventPayload struct {
	RoomID     string   `json:"room_id"`
	UserID     string   `json:"user_id"`
	MessageIDs []string `json:"message_ids"`
}

// PresenceEventPayload announces a user going online or offline.
// RoomIDs carries the rooms the user's socket had joined so gateways
// can route the event without membership lookups.
type PresenceEventPayload struct {
	UserID  string   `json:"user_id"`
	RoomIDs []string `json:"room_ids,omitempty"`
}

// TypingEventPayload announces typing start/stop in a room.
type TypingEventPayload struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}
