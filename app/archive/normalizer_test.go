package archive

import (
	"errors"
	"testing"
	"time"

	e "nuclight.org/chat-archiver/pkg/entities"
)

func TestNormalize(t *testing.T) {
	processedAt := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	raw := RawMessage{
		ID:        "3EB0C4",
		ChatID:    "120363@g.us",
		SenderID:  "6281234:3@s.whatsapp.net",
		PushName:  "Budi",
		IsGroup:   true,
		Kind:      "image",
		HasMedia:  true,
		Timestamp: 1714557600,
		Body:      "look at this",
		HasQuoted: true,
		QuotedID:  "3EB0AA",
		Payload:   []byte{1, 2, 3},
	}

	msg, err := Normalize(raw, ChatContext{Name: "Family"}, ContactContext{DisplayName: "Budi S.", Number: "6281234"}, processedAt)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if msg.ChatID != raw.ChatID || msg.MsgID != raw.ID {
		t.Errorf("unexpected key %s/%s", msg.ChatID, msg.MsgID)
	}
	if msg.ChatName != "Family" {
		t.Errorf("ChatName = %q", msg.ChatName)
	}
	if msg.SenderName != "Budi" {
		t.Errorf("SenderName = %q", msg.SenderName)
	}
	if msg.SenderNumber != "6281234" {
		t.Errorf("SenderNumber = %q", msg.SenderNumber)
	}
	if !msg.IsGroupMsg || !msg.HasMedia || msg.IsFromMe {
		t.Errorf("unexpected flags %+v", msg)
	}
	if msg.Type != e.MessageTypeImage {
		t.Errorf("Type = %q", msg.Type)
	}
	if msg.Timestamp != raw.Timestamp {
		t.Errorf("Timestamp = %d", msg.Timestamp)
	}
	if !msg.ProcessedAt.Equal(processedAt) {
		t.Errorf("ProcessedAt = %v", msg.ProcessedAt)
	}
	if msg.QuotedMsgID == nil || *msg.QuotedMsgID != "3EB0AA" {
		t.Errorf("QuotedMsgID = %v", msg.QuotedMsgID)
	}
	if len(msg.Raw) != 3 {
		t.Errorf("Raw not carried over")
	}
}

func TestNormalizeSenderNameFallback(t *testing.T) {
	cases := []struct {
		name    string
		push    string
		contact string
		want    string
	}{
		{"push name first", "Push", "Contact", "Push"},
		{"contact name second", "", "Contact", "Contact"},
		{"blank push name skipped", "   ", "Contact", "Contact"},
		{"sender id last", "", "", "628999@s.whatsapp.net"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := RawMessage{ID: "m", ChatID: "c", SenderID: "628999@s.whatsapp.net", PushName: tc.push}
			msg, err := Normalize(raw, ChatContext{}, ContactContext{DisplayName: tc.contact}, time.Now())
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if msg.SenderName != tc.want {
				t.Errorf("SenderName = %q, want %q", msg.SenderName, tc.want)
			}
		})
	}
}

func TestNormalizeOptionalFieldsDegrade(t *testing.T) {
	raw := RawMessage{ID: "m1", ChatID: "c1", HasQuoted: false, QuotedID: "ignored"}

	msg, err := Normalize(raw, ChatContext{}, ContactContext{}, time.Now())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if msg.QuotedMsgID != nil {
		t.Errorf("QuotedMsgID must be nil without a declared quote")
	}
	if msg.ChatName != "c1" {
		t.Errorf("ChatName = %q, want chat id fallback", msg.ChatName)
	}
	if msg.SenderName != "" || msg.SenderNumber != "" {
		t.Errorf("unexpected sender %q %q", msg.SenderName, msg.SenderNumber)
	}
	if msg.Type != e.MessageTypeOther {
		t.Errorf("Type = %q", msg.Type)
	}

	raw = RawMessage{ID: "m2", ChatID: "c1", HasQuoted: true}
	msg, err = Normalize(raw, ChatContext{}, ContactContext{}, time.Now())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if msg.QuotedMsgID != nil {
		t.Errorf("declared quote without id must stay nil")
	}
}

func TestNormalizeMissingIdentity(t *testing.T) {
	for _, raw := range []RawMessage{
		{ChatID: "c"},
		{ID: "m"},
	} {
		_, err := Normalize(raw, ChatContext{}, ContactContext{}, time.Now())
		if !errors.Is(err, ErrMalformedEvent) {
			t.Errorf("Normalize(%+v) error = %v, want ErrMalformedEvent", raw, err)
		}
	}
}

func TestMessageTypeOf(t *testing.T) {
	cases := map[string]e.MessageType{
		"chat":     e.MessageTypeText,
		"Text":     e.MessageTypeText,
		"image":    e.MessageTypeImage,
		"ptt":      e.MessageTypeAudio,
		"video":    e.MessageTypeVideo,
		"document": e.MessageTypeDocument,
		"sticker":  e.MessageTypeOther,
		"":         e.MessageTypeOther,
	}
	for kind, want := range cases {
		if got := MessageTypeOf(kind); got != want {
			t.Errorf("MessageTypeOf(%q) = %q, want %q", kind, got, want)
		}
	}
}

func TestNumberFromID(t *testing.T) {
	cases := map[string]string{
		"6281234@s.whatsapp.net":    "6281234",
		"6281234:12@s.whatsapp.net": "6281234",
		"120363@g.us":               "120363",
		"status@broadcast":          "",
		"":                          "",
	}
	for id, want := range cases {
		if got := numberFromID(id); got != want {
			t.Errorf("numberFromID(%q) = %q, want %q", id, got, want)
		}
	}
}
