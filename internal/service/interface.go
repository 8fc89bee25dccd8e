package service

import (
	"context"
	"errors"

	"github.com/relaypoint/relaypoint/internal/domain"
)

var (
	ErrForbidden    = errors.New("not allowed")
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// MaxBatchSize caps the read-receipt batch to bound worst-case fan-out
// per request.
const MaxBatchSize = 100

// MessageService owns all message mutation. The broadcaster and
// notifier only ever see already-committed state.
type MessageService interface {
	SendMessage(ctx context.Context, senderID, roomID string, req *domain.SendMessageRequest) (*domain.Message, error)
	EditMessage(ctx context.Context, userID, messageID, content string) (*domain.Message, error)
	DeleteMessage(ctx context.Context, userID, messageID string) error
	SetPinned(ctx context.Context, userID, messageID string, pinned bool) (*domain.Message, error)
	ToggleReaction(ctx context.Context, userID, messageID, emoji string) ([]domain.ReactionGroup, error)
	ListMessages(ctx context.Context, userID, roomID, cursor string, limit int) (*domain.ListMessagesResponse, error)
	MarkBatchAsRead(ctx context.Context, userID string, messageIDs []string) (*domain.BatchReadResult, error)
}

// Emitter pushes an event toward the connection-holding tier.
// *broadcast.Broadcaster satisfies it.
type Emitter interface {
	Emit(ctx context.Context, event, roomID string, payload interface{}) error
}

// Sanitizer is the external content sanitization hook, consumed as a
// pure function.
type Sanitizer func(string) string
