package domain

import "time"

// ReadReceipt records that a user has read a message. Unique per
// (message, user); a user never creates a receipt for their own message.
type ReadReceipt struct {
	MessageID string    `json:"message_id" gorm:"type:varchar(27);primaryKey"`
	UserID    string    `json:"user_id" gorm:"type:varchar(36);primaryKey"`
	ReadAt    time.Time `json:"read_at" gorm:"autoCreateTime"`
}

// TableName specifies the table name for ReadReceipt.
func (ReadReceipt) TableName() string {
	return "read_receipts"
}

// Reaction is an emoji reaction on a message. Unique per
// (message, user, emoji).
type Reaction struct {
	MessageID string    `json:"message_id" gorm:"type:varchar(27);primaryKey"`
	UserID    string    `json:"user_id" gorm:"type:varchar(36);primaryKey"`
	Emoji     string    `json:"emoji" gorm:"type:varchar(32);primaryKey"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName specifies the table name for Reaction.
func (Reaction) TableName() string {
	return "message_reactions"
}

// ReactionGroup is a reaction aggregate delivered to clients.
type ReactionGroup struct {
	Emoji   string   `json:"emoji"`
	Count   int      `json:"count"`
	UserIDs []string `json:"user_ids"`
}

// GroupReactions aggregates raw reactions by emoji, preserving first-seen
// emoji order.
func GroupReactions(reactions []Reaction) []ReactionGroup {
	index := make(map[string]int, len(reactions))
	groups := make([]ReactionGroup, 0, len(reactions))
	for _, r := range reactions {
		i, ok := index[r.Emoji]
		if !ok {
			i = len(groups)
			index[r.Emoji] = i
			groups = append(groups, ReactionGroup{Emoji: r.Emoji})
		}
		groups[i].Count++
		groups[i].UserIDs = append(groups[i].UserIDs, r.UserID)
	}
	return groups
}

// BatchReadRequest is the bulk acknowledgment request body.
type BatchReadRequest struct {
	MessageIDs []string `json:"messageIds" binding:"required,min=1,max=100"`
}

// BatchReadResult reports the outcome of a bulk mark-as-read call.
// Skipped counts the caller's own messages; failures reduce Marked but
// never fail the batch.
type BatchReadResult struct {
	Marked  int `json:"marked"`
	Skipped int `json:"skipped"`
	Total   int `json:"total"`
}
