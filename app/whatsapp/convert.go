package whatsapp

import (
	"errors"
	"fmt"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
	"nuclight.org/chat-archiver/app/archive"
)

// toRawMessage reduces a whatsmeow message event to what the archive needs.
// The protobuf payload is attached only when withPayload is set.
func toRawMessage(evt *events.Message, withPayload bool) (archive.RawMessage, error) {
	if evt == nil {
		return archive.RawMessage{}, nil
	}

	info := evt.Info
	msg := evt.Message

	raw := archive.RawMessage{
		ID:       info.ID,
		PushName: info.PushName,
		FromMe:   info.IsFromMe,
		IsGroup:  info.IsGroup,
		Body:     messageBody(msg),
	}

	if !info.Chat.IsEmpty() {
		raw.ChatID = info.Chat.String()
	}

	if !info.Sender.IsEmpty() {
		raw.SenderID = info.Sender.ToNonAD().String()
	}

	if !info.Timestamp.IsZero() {
		raw.Timestamp = info.Timestamp.Unix()
	}

	raw.Kind = messageKind(msg)
	raw.HasMedia = isMediaKind(raw.Kind)

	if quoted := quotedID(msg); quoted != "" {
		raw.HasQuoted = true
		raw.QuotedID = quoted
	}

	if withPayload && msg != nil {
		payload, err := proto.Marshal(msg)
		if err != nil {
			return raw, fmt.Errorf("marshalling message payload: %w", err)
		}
		raw.Payload = payload
	}

	return raw, nil
}

func messageKind(msg *waE2E.Message) string {
	switch {
	case msg == nil:
		return ""
	case msg.GetImageMessage() != nil:
		return "image"
	case msg.GetVideoMessage() != nil:
		if msg.GetVideoMessage().GetGifPlayback() {
			return "gif"
		}
		return "video"
	case msg.GetAudioMessage() != nil:
		if msg.GetAudioMessage().GetPTT() {
			return "ptt"
		}
		return "audio"
	case msg.GetDocumentMessage() != nil:
		return "document"
	case msg.GetStickerMessage() != nil:
		return "sticker"
	case msg.GetLocationMessage() != nil:
		return "location"
	case msg.GetContactMessage() != nil:
		return "vcard"
	case msg.GetReactionMessage() != nil:
		return "reaction"
	case msg.Conversation != nil, msg.GetExtendedTextMessage() != nil:
		return "chat"
	default:
		return "unknown"
	}
}

func isMediaKind(kind string) bool {
	switch kind {
	case "image", "video", "gif", "audio", "ptt", "document", "sticker":
		return true
	default:
		return false
	}
}

func messageBody(msg *waE2E.Message) string {
	switch {
	case msg == nil:
		return ""
	case msg.Conversation != nil:
		return msg.GetConversation()
	case msg.GetExtendedTextMessage() != nil:
		return msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetCaption()
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage().GetCaption()
	default:
		return ""
	}
}

func quotedID(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}

	for _, ctx := range []*waE2E.ContextInfo{
		msg.GetExtendedTextMessage().GetContextInfo(),
		msg.GetImageMessage().GetContextInfo(),
		msg.GetVideoMessage().GetContextInfo(),
		msg.GetAudioMessage().GetContextInfo(),
		msg.GetDocumentMessage().GetContextInfo(),
		msg.GetStickerMessage().GetContextInfo(),
	} {
		if id := ctx.GetStanzaID(); id != "" {
			return id
		}
	}

	return ""
}

// contactName picks the best known name of a contact.
func contactName(contact types.ContactInfo) string {
	for _, name := range []string{contact.FullName, contact.FirstName, contact.BusinessName, contact.PushName} {
		if name != "" {
			return name
		}
	}
	return ""
}

// phoneNumber is only known for phone-number JIDs, LID users carry at most
// a redacted number.
func phoneNumber(jid types.JID, contact types.ContactInfo) string {
	switch jid.Server {
	case types.DefaultUserServer:
		return jid.User
	case types.HiddenUserServer:
		return contact.RedactedPhone
	default:
		return ""
	}
}

// joinError rewrites whatsmeow's invite errors into the wording the invite
// classifier recognises. Everything else passes through unchanged.
func joinError(err error) error {
	switch {
	case errors.Is(err, whatsmeow.ErrInviteLinkRevoked):
		return fmt.Errorf("invite_link_expired: %w", err)
	case errors.Is(err, whatsmeow.ErrInviteLinkInvalid):
		return fmt.Errorf("invalid invite link: %w", err)
	case errors.Is(err, whatsmeow.ErrIQResourceLimit):
		return fmt.Errorf("group is full: %w", err)
	default:
		return err
	}
}
