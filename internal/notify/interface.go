package notify

import "context"

// Job is a push-notification job handed to the external delivery
// pipeline. The pipeline itself is an opaque consumer; we only enqueue.
type Job struct {
	RoomID       string   `json:"room_id"`
	MessageID    string   `json:"message_id"`
	SenderID     string   `json:"sender_id"`
	RecipientIDs []string `json:"recipient_ids"`
	Preview      string   `json:"preview,omitempty"`
}

// Notifier enqueues push-notification jobs.
type Notifier interface {
	Enqueue(ctx context.Context, job *Job) error
	Close() error
}
