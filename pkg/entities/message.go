package entities

import "time"

// MessageType is a coarse classification of message content.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeVideo    MessageType = "video"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeDocument MessageType = "document"
	MessageTypeOther    MessageType = "other"
)

// Message is an archived chat message. ChatID and MsgID together form its
// natural key; once archived a message is never updated.
type Message struct {
	ChatID       string
	MsgID        string
	ChatName     string
	SenderID     string
	SenderName   string
	SenderNumber string
	IsFromMe     bool
	IsGroupMsg   bool
	HasMedia     bool
	Type         MessageType

	// Timestamp is the author time in platform epoch seconds
	Timestamp int64

	// ProcessedAt is the time the message was archived
	ProcessedAt time.Time

	Body string

	// QuotedMsgID is an identifier only, the quoted message may not be archived
	QuotedMsgID *string

	// Raw is the platform payload, nil unless raw retention is enabled
	Raw []byte
}

func (m *Message) Key() string {
	return m.ChatID + "/" + m.MsgID
}
