package archive

import (
	"errors"
	"fmt"
	"strings"
	"time"

	e "nuclight.org/chat-archiver/pkg/entities"
)

// ErrMalformedEvent is returned for events without a message or chat identity.
var ErrMalformedEvent = errors.New("malformed event")

// RawMessage is a platform event reduced to the fields the archive needs.
// Adapters fill it from their native types; every field but ID and ChatID
// is optional.
type RawMessage struct {
	ID       string
	ChatID   string
	SenderID string

	// PushName is the display name carried by the event itself
	PushName string

	FromMe   bool
	IsGroup  bool
	HasMedia bool

	// Kind is the platform message type, e.g. "chat", "image", "ptt"
	Kind string

	Timestamp int64
	Body      string

	HasQuoted bool
	QuotedID  string
	Payload   []byte
}

// ChatContext is what the platform knows about a thread.
type ChatContext struct {
	Name    string
	IsGroup bool
}

// ContactContext is what the platform knows about a sender.
type ContactContext struct {
	DisplayName string
	Number      string
}

// nameSource is one step of a fallback chain. The first non-empty result wins.
type nameSource func(raw RawMessage, chat ChatContext, contact ContactContext) string

var senderNameSources = []nameSource{
	func(raw RawMessage, _ ChatContext, _ ContactContext) string { return raw.PushName },
	func(_ RawMessage, _ ChatContext, contact ContactContext) string { return contact.DisplayName },
	func(raw RawMessage, _ ChatContext, _ ContactContext) string { return raw.SenderID },
}

var senderNumberSources = []nameSource{
	func(_ RawMessage, _ ChatContext, contact ContactContext) string { return contact.Number },
	func(raw RawMessage, _ ChatContext, _ ContactContext) string { return numberFromID(raw.SenderID) },
}

var chatNameSources = []nameSource{
	func(_ RawMessage, chat ChatContext, _ ContactContext) string { return chat.Name },
	func(raw RawMessage, _ ChatContext, _ ContactContext) string { return raw.ChatID },
}

func firstNonEmpty(sources []nameSource, raw RawMessage, chat ChatContext, contact ContactContext) string {
	for _, source := range sources {
		if v := strings.TrimSpace(source(raw, chat, contact)); v != "" {
			return v
		}
	}
	return ""
}

// Normalize converts a raw event into a Message. It performs no I/O; the
// contexts are looked up by the caller and may be empty.
func Normalize(raw RawMessage, chat ChatContext, contact ContactContext, processedAt time.Time) (e.Message, error) {
	if raw.ID == "" {
		return e.Message{}, fmt.Errorf("%w: missing message id", ErrMalformedEvent)
	}
	if raw.ChatID == "" {
		return e.Message{}, fmt.Errorf("%w: missing chat id for message %s", ErrMalformedEvent, raw.ID)
	}

	msg := e.Message{
		ChatID:       raw.ChatID,
		MsgID:        raw.ID,
		ChatName:     firstNonEmpty(chatNameSources, raw, chat, contact),
		SenderID:     raw.SenderID,
		SenderName:   firstNonEmpty(senderNameSources, raw, chat, contact),
		SenderNumber: firstNonEmpty(senderNumberSources, raw, chat, contact),
		IsFromMe:     raw.FromMe,
		IsGroupMsg:   chat.IsGroup || raw.IsGroup,
		HasMedia:     raw.HasMedia,
		Type:         MessageTypeOf(raw.Kind),
		Timestamp:    raw.Timestamp,
		ProcessedAt:  processedAt,
		Body:         raw.Body,
		Raw:          raw.Payload,
	}

	if raw.HasQuoted && raw.QuotedID != "" {
		quoted := raw.QuotedID
		msg.QuotedMsgID = &quoted
	}

	return msg, nil
}

var messageTypes = map[string]e.MessageType{
	"chat":         e.MessageTypeText,
	"text":         e.MessageTypeText,
	"conversation": e.MessageTypeText,
	"image":        e.MessageTypeImage,
	"photo":        e.MessageTypeImage,
	"video":        e.MessageTypeVideo,
	"gif":          e.MessageTypeVideo,
	"audio":        e.MessageTypeAudio,
	"ptt":          e.MessageTypeAudio,
	"voice":        e.MessageTypeAudio,
	"document":     e.MessageTypeDocument,
}

// MessageTypeOf maps a platform message type onto the archive's types.
func MessageTypeOf(kind string) e.MessageType {
	if t, ok := messageTypes[strings.ToLower(strings.TrimSpace(kind))]; ok {
		return t
	}
	return e.MessageTypeOther
}

// numberFromID strips the server part and device suffix of a platform
// address, "6281234:12@s.whatsapp.net" becomes "6281234".
func numberFromID(id string) string {
	user, _, _ := strings.Cut(id, "@")
	user, _, _ = strings.Cut(user, ":")
	for _, r := range user {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return user
}
