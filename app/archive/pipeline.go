package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	e "nuclight.org/chat-archiver/pkg/entities"
	"nuclight.org/chat-archiver/pkg/logger"
	"nuclight.org/chat-archiver/pkg/mutex"
)

// Source tags the event stream a raw message arrived on.
type Source string

const (
	// SourceObserved carries messages from other participants
	SourceObserved Source = "observed"

	// SourceSelfCreated carries messages authored by this account
	SourceSelfCreated Source = "self_created"

	// SourceHistory carries backfilled messages in both directions
	SourceHistory Source = "history"
)

// Accepts reports whether a stream is responsible for an event. A
// self-authored message can show up on both live streams; only the
// self-created stream takes it.
func (s Source) Accepts(raw RawMessage) bool {
	switch s {
	case SourceObserved:
		return !raw.FromMe
	case SourceSelfCreated:
		return raw.FromMe
	case SourceHistory:
		return true
	default:
		return false
	}
}

type MessageStore interface {
	ArchiveMessage(ctx context.Context, msg e.Message) (bool, error)
}

// Directory resolves chat and contact details on the platform.
type Directory interface {
	ChatContext(ctx context.Context, chatID string) (ChatContext, error)
	ContactContext(ctx context.Context, senderID string) (ContactContext, error)
}

// Outcome of handling one event.
type Outcome string

const (
	OutcomeArchived  Outcome = "archived"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeDropped   Outcome = "dropped"
	OutcomeFailed    Outcome = "failed"
)

// Pipeline routes every accepted event through Normalize and into the store.
// The store decides what is a duplicate, nothing is remembered between
// calls. Handle is safe for concurrent use; there is no ordering across
// messages.
type Pipeline struct {
	Log       logger.Logger
	Store     MessageStore
	Directory Directory

	// KeepRaw retains the platform payload on archived messages
	KeepRaw bool

	// Now defaults to time.Now
	Now func() time.Time

	// inflight serialises concurrent deliveries of one message key
	inflight mutex.KeyedMutex
}

// Handle processes one event. Failures are logged and contained to the event.
func (p *Pipeline) Handle(ctx context.Context, src Source, raw RawMessage) Outcome {
	log := p.Log.With("source", src, "chat_id", raw.ChatID, "msg_id", raw.ID)

	outcome, err := p.handle(ctx, src, raw)
	if err != nil {
		if errors.Is(err, ErrMalformedEvent) {
			log.Warn("dropping malformed event", "error", err)
		} else {
			log.Error("archiving message", "error", err)
		}
		return outcome
	}

	switch outcome {
	case OutcomeArchived:
		log.Info(
			"new message archived",
			"sender", raw.SenderID,
			"from_me", raw.FromMe,
			"timestamp", raw.Timestamp,
			"preview", preview(raw.Body, 30),
		)
	case OutcomeDuplicate:
		log.Debug("message already archived")
	}

	return outcome
}

func (p *Pipeline) handle(ctx context.Context, src Source, raw RawMessage) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome, err = OutcomeFailed, fmt.Errorf("panic: %v", r)
		}
	}()

	if !src.Accepts(raw) {
		return OutcomeSkipped, nil
	}

	if raw.ID == "" || raw.ChatID == "" {
		_, err = Normalize(raw, ChatContext{}, ContactContext{}, time.Time{})
		return OutcomeDropped, err
	}

	key := raw.ChatID + "/" + raw.ID

	p.inflight.Lock(key)
	defer p.inflight.Unlock(key)

	chat, contact := p.lookup(ctx, raw)

	if !p.KeepRaw {
		raw.Payload = nil
	}

	msg, err := Normalize(raw, chat, contact, p.now())
	if err != nil {
		return OutcomeDropped, err
	}

	inserted, err := p.Store.ArchiveMessage(ctx, msg)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("archiving message: %w", err)
	}

	if !inserted {
		return OutcomeDuplicate, nil
	}

	return OutcomeArchived, nil
}

// lookup fetches chat and contact details. A failed lookup degrades to an
// empty context instead of losing the message.
func (p *Pipeline) lookup(ctx context.Context, raw RawMessage) (ChatContext, ContactContext) {
	var chat ChatContext
	var contact ContactContext

	if p.Directory == nil {
		return chat, contact
	}

	chat, err := p.Directory.ChatContext(ctx, raw.ChatID)
	if err != nil {
		p.Log.Warn("getting chat context", "chat_id", raw.ChatID, "error", err)
		chat = ChatContext{}
	}

	if raw.SenderID != "" {
		contact, err = p.Directory.ContactContext(ctx, raw.SenderID)
		if err != nil {
			p.Log.Warn("getting contact context", "sender_id", raw.SenderID, "error", err)
			contact = ContactContext{}
		}
	}

	return chat, contact
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
