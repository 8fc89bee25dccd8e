package domain

import "time"

// Room is a container of participants that messages belong to. Direct
// rooms (DMs) are anonymous two-party rooms with no name.
type Room struct {
	ID             string    `json:"id" gorm:"type:varchar(36);primaryKey"`
	Name           string    `json:"name,omitempty" gorm:"type:varchar(200)"`
	IsDirect       bool      `json:"is_direct" gorm:"not null;default:false"`
	LastActivityAt time.Time `json:"last_activity_at" gorm:"index;not null"`
	CreatedAt      time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName specifies the table name for Room.
func (Room) TableName() string {
	return "rooms"
}

// Participant is a user's membership in a room.
type Participant struct {
	RoomID   string    `json:"room_id" gorm:"type:varchar(36);primaryKey"`
	UserID   string    `json:"user_id" gorm:"type:varchar(36);primaryKey;index"`
	JoinedAt time.Time `json:"joined_at" gorm:"autoCreateTime"`
}

// TableName specifies the table name for Participant.
func (Participant) TableName() string {
	return "room_participants"
}
