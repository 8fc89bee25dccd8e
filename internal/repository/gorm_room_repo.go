package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/relaypoint/relaypoint/internal/domain"
	"github.com/relaypoint/relaypoint/pkg/log"
)

// GormRoomRepository implements RoomRepository using GORM.
type GormRoomRepository struct {
	db *gorm.DB
}

// NewGormRoomRepository creates a new GORM-based room repository.
func NewGormRoomRepository(db *gorm.DB) *GormRoomRepository {
	return &GormRoomRepository{db: db}
}

// GetByID retrieves a room by id.
func (r *GormRoomRepository) GetByID(ctx context.Context, id string) (*domain.Room, error) {
	var room domain.Room
	result := r.db.WithContext(ctx).First(&room, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		log.Ctx(ctx).Error().Err(result.Error).Str(log.FieldRoomID, id).Msg("failed to get room by id")
		return nil, result.Error
	}
	return &room, nil
}

// IsParticipant reports whether userID belongs to roomID.
func (r *GormRoomRepository) IsParticipant(ctx context.Context, roomID, userID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Participant{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Count(&count).Error
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str(log.FieldRoomID, roomID).Str(log.FieldUserID, userID).Msg("failed to check participant")
		return false, err
	}
	return count > 0, nil
}

// ParticipantIDs returns all user ids in a room.
func (r *GormRoomRepository) ParticipantIDs(ctx context.Context, roomID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&domain.Participant{}).
		Where("room_id = ?", roomID).
		Pluck("user_id", &ids).Error
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to list participants")
		return nil, err
	}
	return ids, nil
}
