package repository

import (
	"context"
	"errors"

	"github.com/relaypoint/relaypoint/internal/domain"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrRoomNotFound    = errors.New("room not found")
)

// MessageRepository persists messages and their read/reaction state.
type MessageRepository interface {
	// CreateMessage persists msg and bumps the room's last-activity
	// timestamp as a single transaction: if either write fails, neither
	// is visible.
	CreateMessage(ctx context.Context, msg *domain.Message) error
	GetByID(ctx context.Context, id string) (*domain.Message, error)
	GetByIDs(ctx context.Context, ids []string) ([]domain.Message, error)
	// ListByRoom returns messages newest-first. cursor is the id of the
	// last message of the previous page ("" for the first page).
	ListByRoom(ctx context.Context, roomID, cursor string, limit int) ([]domain.Message, string, bool, error)
	UpdateContent(ctx context.Context, id, content string) error
	MarkDeleted(ctx context.Context, id string) error
	SetPinned(ctx context.Context, id string, pinned bool, pinnedByID *string) error

	// UpsertReadReceipt records a read receipt, treating the duplicate
	// case as success. Returns false when the receipt already existed.
	UpsertReadReceipt(ctx context.Context, messageID, userID string) (bool, error)
	CountReceipts(ctx context.Context, messageID string) (int, error)

	// ToggleReaction adds the reaction if absent, removes it if present.
	// Returns true when the reaction is present after the call.
	ToggleReaction(ctx context.Context, messageID, userID, emoji string) (bool, error)
	ListReactions(ctx context.Context, messageID string) ([]domain.Reaction, error)
}

// RoomRepository reads room membership.
type RoomRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Room, error)
	IsParticipant(ctx context.Context, roomID, userID string) (bool, error)
	ParticipantIDs(ctx context.Context, roomID string) ([]string, error)
}
