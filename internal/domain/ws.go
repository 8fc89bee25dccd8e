package domain

// Frame types sent by user sockets to the gateway.
const (
	ClientFrameJoin        = "join"
	ClientFrameLeave       = "leave"
	ClientFrameTypingStart = "typing_start"
	ClientFrameTypingStop  = "typing_stop"
	ClientFramePing        = "ping"
	ClientFramePong        = "pong"
)

// ClientFrame is the envelope every inbound gateway frame shares.
type ClientFrame struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id,omitempty"`
}

const (
	WSErrCodeBadRequest = "BAD_REQUEST"
)

type WSError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewWSError(code, message string) *WSError {
	return &WSError{Type: "error", Code: code, Message: message}
}
