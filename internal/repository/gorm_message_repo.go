package repository

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/relaypoint/relaypoint/internal/domain"
	"github.com/relaypoint/relaypoint/pkg/log"
)

// GormMessageRepository implements MessageRepository using GORM.
type GormMessageRepository struct {
	db *gorm.DB
}

// NewGormMessageRepository creates a new GORM-based message repository.
func NewGormMessageRepository(db *gorm.DB) *GormMessageRepository {
	return &GormMessageRepository{db: db}
}

// CreateMessage persists the message and the room's last-activity bump
// atomically. The durable id is a ksuid assigned here, so it sorts by
// creation time and serves as the pagination cursor.
func (r *GormMessageRepository) CreateMessage(ctx context.Context, msg *domain.Message) error {
	l := log.Ctx(ctx)

	msg.ID = ksuid.New().String()
	now := time.Now().UTC()
	msg.CreatedAt = now
	msg.UpdatedAt = now

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}

		result := tx.Model(&domain.Room{}).
			Where("id = ?", msg.RoomID).
			Update("last_activity_at", msg.CreatedAt)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrRoomNotFound
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrRoomNotFound) {
			l.Error().Err(err).Str(log.FieldRoomID, msg.RoomID).Msg("failed to create message in db")
		}
		return err
	}

	l.Debug().Str(log.FieldMessageID, msg.ID).Str(log.FieldRoomID, msg.RoomID).Msg("message created in db")
	return nil
}

// GetByID retrieves a message by id.
func (r *GormMessageRepository) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	var msg domain.Message
	result := r.db.WithContext(ctx).First(&msg, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		log.Ctx(ctx).Error().Err(result.Error).Str(log.FieldMessageID, id).Msg("failed to get message by id")
		return nil, result.Error
	}
	return &msg, nil
}

// GetByIDs retrieves all existing messages among ids. Missing ids are
// simply absent from the result.
func (r *GormMessageRepository) GetByIDs(ctx context.Context, ids []string) ([]domain.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var msgs []domain.Message
	result := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&msgs)
	if result.Error != nil {
		log.Ctx(ctx).Error().Err(result.Error).Int("count", len(ids)).Msg("failed to get messages by ids")
		return nil, result.Error
	}
	return msgs, nil
}

// ListByRoom retrieves messages newest-first with cursor pagination.
// Ordering is (created_at, id) descending: ksuid timestamps are
// second-granular, so id alone cannot order a same-second burst and is
// only the tiebreaker. The cursor stays a plain message id; its row's
// created_at anchors the next page.
func (r *GormMessageRepository) ListByRoom(ctx context.Context, roomID, cursor string, limit int) ([]domain.Message, string, bool, error) {
	if limit < 1 || limit > 100 {
		limit = 50
	}

	query := r.db.WithContext(ctx).Where("room_id = ?", roomID)
	if cursor != "" {
		var pivot domain.Message
		err := r.db.WithContext(ctx).Select("created_at").First(&pivot, "id = ?", cursor).Error
		switch {
		case err == nil:
			query = query.Where("created_at < ? OR (created_at = ? AND id < ?)",
				pivot.CreatedAt, pivot.CreatedAt, cursor)
		case errors.Is(err, gorm.ErrRecordNotFound):
			// Unknown cursor: the ksuid's own coarse time ordering is
			// the best remaining anchor.
			query = query.Where("id < ?", cursor)
		default:
			return nil, "", false, err
		}
	}

	var msgs []domain.Message
	if err := query.Order("created_at DESC, id DESC").Limit(limit + 1).Find(&msgs).Error; err != nil {
		log.Ctx(ctx).Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to list messages from db")
		return nil, "", false, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	nextCursor := ""
	if hasMore && len(msgs) > 0 {
		nextCursor = msgs[len(msgs)-1].ID
	}
	return msgs, nextCursor, hasMore, nil
}

// UpdateContent edits a message's content and marks it edited.
// Last-writer-wins: no conflict detection.
func (r *GormMessageRepository) UpdateContent(ctx context.Context, id, content string) error {
	result := r.db.WithContext(ctx).Model(&domain.Message{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"content":   content,
			"is_edited": true,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// MarkDeleted soft-deletes a message.
func (r *GormMessageRepository) MarkDeleted(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Model(&domain.Message{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"is_deleted": true,
			"content":    "",
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// SetPinned pins or unpins a message.
func (r *GormMessageRepository) SetPinned(ctx context.Context, id string, pinned bool, pinnedByID *string) error {
	result := r.db.WithContext(ctx).Model(&domain.Message{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"is_pinned":    pinned,
			"pinned_by_id": pinnedByID,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// UpsertReadReceipt is conflict-tolerant: the unique (message, user)
// constraint turns a duplicate mark into a no-op reported as success.
// This defends against two near-simultaneous requests marking the same
// message, which is expected under normal client retry behaviour.
func (r *GormMessageRepository) UpsertReadReceipt(ctx context.Context, messageID, userID string) (bool, error) {
	receipt := domain.ReadReceipt{
		MessageID: messageID,
		UserID:    userID,
		ReadAt:    time.Now().UTC(),
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&receipt)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// CountReceipts returns the number of receipts recorded for a message.
func (r *GormMessageRepository) CountReceipts(ctx context.Context, messageID string) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.ReadReceipt{}).
		Where("message_id = ?", messageID).
		Count(&count).Error
	return int(count), err
}

// ToggleReaction adds or removes a reaction. The unique constraint on
// (message, user, emoji) resolves the concurrent double-add as one row.
func (r *GormMessageRepository) ToggleReaction(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	reaction := domain.Reaction{
		MessageID: messageID,
		UserID:    userID,
		Emoji:     emoji,
		CreatedAt: time.Now().UTC(),
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&reaction)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	// Already present: toggle off.
	if err := r.db.WithContext(ctx).
		Delete(&domain.Reaction{}, "message_id = ? AND user_id = ? AND emoji = ?", messageID, userID, emoji).Error; err != nil {
		return false, err
	}
	return false, nil
}

// ListReactions returns the raw reactions of a message.
func (r *GormMessageRepository) ListReactions(ctx context.Context, messageID string) ([]domain.Reaction, error) {
	var reactions []domain.Reaction
	err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("created_at ASC").
		Find(&reactions).Error
	if err != nil {
		return nil, err
	}
	return reactions, nil
}
