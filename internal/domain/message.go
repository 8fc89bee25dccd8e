package domain

import (
	"strings"
	"time"
)

// MessageType classifies a message payload.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeVideo MessageType = "video"
	MessageTypeAudio MessageType = "audio"
	MessageTypeFile  MessageType = "file"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeAudio, MessageTypeFile:
		return true
	}
	return false
}

// InferMessageType determines the message type from an explicit type and
// attached file metadata. An explicit type always wins over inference.
func InferMessageType(explicit MessageType, file *FileMeta) MessageType {
	if explicit != "" && explicit.Valid() {
		return explicit
	}
	if file == nil {
		return MessageTypeText
	}
	switch {
	case strings.HasPrefix(file.MimeType, "image/"):
		return MessageTypeImage
	case strings.HasPrefix(file.MimeType, "video/"):
		return MessageTypeVideo
	case strings.HasPrefix(file.MimeType, "audio/"):
		return MessageTypeAudio
	default:
		return MessageTypeFile
	}
}

// FileMeta describes an attachment already stored by the media pipeline.
type FileMeta struct {
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Message is a chat message. It belongs to exactly one room; the durable
// ID is assigned at persist time and is the identity every recipient
// converges on.
type Message struct {
	ID         string      `json:"id" gorm:"type:varchar(27);primaryKey"`
	RoomID     string      `json:"room_id" gorm:"type:varchar(36);index:idx_room_created,priority:1;not null"`
	SenderID   string      `json:"sender_id" gorm:"type:varchar(36);index;not null"`
	Content    string      `json:"content" gorm:"type:text"`
	Type       MessageType `json:"type" gorm:"type:varchar(10);not null;default:'text'"`
	FileName   string      `json:"file_name,omitempty" gorm:"type:varchar(255)"`
	FileSize   int64       `json:"file_size,omitempty"`
	FileMime   string      `json:"file_mime,omitempty" gorm:"type:varchar(100)"`
	FileURL    string      `json:"file_url,omitempty" gorm:"type:text"`
	ReplyToID  *string     `json:"reply_to_id,omitempty" gorm:"type:varchar(27);index"`
	IsEdited   bool        `json:"is_edited" gorm:"not null;default:false"`
	IsDeleted  bool        `json:"is_deleted" gorm:"not null;default:false"`
	IsPinned   bool        `json:"is_pinned" gorm:"not null;default:false"`
	PinnedByID *string     `json:"pinned_by_id,omitempty" gorm:"type:varchar(36)"`
	CreatedAt  time.Time   `json:"created_at" gorm:"index:idx_room_created,priority:2;autoCreateTime"`
	UpdatedAt  time.Time   `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for Message.
func (Message) TableName() string {
	return "messages"
}

// File returns the attachment metadata, or nil if none is attached.
func (m *Message) File() *FileMeta {
	if m.FileURL == "" && m.FileName == "" {
		return nil
	}
	return &FileMeta{
		Name:     m.FileName,
		Size:     m.FileSize,
		MimeType: m.FileMime,
		URL:      m.FileURL,
	}
}

// SendMessageRequest is the write-path request body.
type SendMessageRequest struct {
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	File      *FileMeta   `json:"file"`
	ReplyToID *string     `json:"reply_to_id"`
}

// EditMessageRequest updates a message's content.
type EditMessageRequest struct {
	Content string `json:"content" binding:"required,min=1"`
}

// ListMessagesResponse is a cursor-paginated message page.
type ListMessagesResponse struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"next_cursor,omitempty"`
	HasMore    bool      `json:"has_more"`
}
