package whatsapp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"nuclight.org/chat-archiver/app/archive"
	"nuclight.org/chat-archiver/pkg/logger"
)

type MessageSink interface {
	Handle(ctx context.Context, src archive.Source, raw archive.RawMessage) archive.Outcome
}

type JoinSink interface {
	HandleGroupJoined(ctx context.Context, groupID, groupName string) (bool, error)
}

type SessionSink interface {
	OnAuthenticated()
	OnReady(account string)
	OnDisconnected(reason string)
	OnLoggedOut(reason string)
}

// Client is a WhatsApp multi-device session. It reports the session lifecycle
// to Session right away and forwards messages and joins once Attach was
// called.
type Client struct {
	Log       logger.Logger
	SessionDB string
	Session   SessionSink

	// KeepRaw attaches the protobuf payload to archived messages
	KeepRaw bool

	// Backfill archives messages delivered by history sync
	Backfill bool

	cli     *whatsmeow.Client
	chats   *expirable.LRU[string, archive.ChatContext]
	history chan *events.HistorySync
	wg      sync.WaitGroup

	mu       sync.RWMutex
	messages MessageSink
	joins    JoinSink
}

const (
	chatCacheTTL = 10 * time.Minute

	// historyQueueSize bounds history syncs waiting for the backfill worker
	historyQueueSize = 16
)

func (c *Client) Start(ctx context.Context) error {
	waLogger := newWALogger(c.Log.With("component", "whatsmeow"))

	container, err := sqlstore.New(ctx, "sqlite3", sessionDSN(c.SessionDB), waLogger.Sub("store"))
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("getting device: %w", err)
	}

	c.chats = expirable.NewLRU[string, archive.ChatContext](1024, nil, chatCacheTTL)
	c.history = make(chan *events.HistorySync, historyQueueSize)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.backfillWorker(ctx)
	}()

	c.cli = whatsmeow.NewClient(device, waLogger.Sub("client"))
	c.cli.AddEventHandler(func(evt any) {
		c.handleEvent(ctx, evt)
	})

	if c.cli.Store.ID == nil {
		qrChan, err := c.cli.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("getting qr channel: %w", err)
		}
		go c.logQRCodes(qrChan)
	}

	err = c.cli.ConnectContext(ctx)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	return nil
}

// Stop disconnects and waits for the backfill worker, which exits once the
// context passed to Start is done.
func (c *Client) Stop() {
	if c.cli != nil {
		c.cli.Disconnect()
	}
	c.wg.Wait()
}

// Attach starts forwarding events to the sinks.
func (c *Client) Attach(messages MessageSink, joins JoinSink) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.messages = messages
	c.joins = joins
	c.Log.Info("event sinks attached")
}

func (c *Client) sinks() (MessageSink, JoinSink) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.messages, c.joins
}

func (c *Client) logQRCodes(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.Log.Info("scan the qr code with the phone to link this device", "qr_code", item.Code, "valid_for", item.Timeout)
		case whatsmeow.QRChannelEventError:
			c.Log.Error("pairing failed", "error", item.Error)
		default:
			c.Log.Info("pairing event", "event", item.Event)
		}
	}
}

func (c *Client) handleEvent(ctx context.Context, evt any) {
	defer func() {
		if err := recover(); err != nil {
			c.Log.Error("panic", "event", fmt.Sprintf("%T", evt), "error", err)
		}
	}()

	switch evt := evt.(type) {
	case *events.PairSuccess:
		c.Log.Info("device paired", "account", evt.ID.String(), "platform", evt.Platform)
		c.Session.OnAuthenticated()
	case *events.Connected:
		c.Session.OnReady(c.account())
	case *events.Disconnected:
		c.Session.OnDisconnected("connection lost")
	case *events.StreamReplaced:
		c.Session.OnDisconnected("stream replaced by another client")
	case *events.LoggedOut:
		c.Session.OnLoggedOut(evt.Reason.String())
	case *events.Message:
		c.handleMessage(ctx, evt)
	case *events.JoinedGroup:
		c.handleJoinedGroup(ctx, evt)
	case *events.GroupInfo:
		if leftGroup(evt, c.ownJIDs()...) {
			c.Log.Info("left group", "group_id", evt.JID.String(), "notify", evt.Notify)
		}
	case *events.HistorySync:
		c.handleHistorySync(ctx, evt)
	}
}

func (c *Client) ownJIDs() []types.JID {
	if c.cli == nil || c.cli.Store.ID == nil {
		return nil
	}
	return []types.JID{*c.cli.Store.ID, c.cli.Store.LID}
}

// leftGroup reports whether one of own was removed from or left the group.
func leftGroup(evt *events.GroupInfo, own ...types.JID) bool {
	for _, left := range evt.Leave {
		for _, jid := range own {
			if !jid.IsEmpty() && left.User == jid.User && left.Server == jid.Server {
				return true
			}
		}
	}
	return false
}

func (c *Client) account() string {
	if c.cli == nil || c.cli.Store.ID == nil {
		return ""
	}
	return c.cli.Store.ID.ToNonAD().String()
}

func (c *Client) handleMessage(ctx context.Context, evt *events.Message) {
	messages, _ := c.sinks()
	if messages == nil {
		c.Log.Debug("no message sink attached, ignoring message", "msg_id", evt.Info.ID)
		return
	}

	raw, err := toRawMessage(evt, c.KeepRaw)
	if err != nil {
		c.Log.Warn("converting message", "msg_id", evt.Info.ID, "error", err)
	}

	// own messages sent from another device arrive here too
	src := archive.SourceObserved
	if raw.FromMe {
		src = archive.SourceSelfCreated
	}

	messages.Handle(ctx, src, raw)
}

func (c *Client) handleJoinedGroup(ctx context.Context, evt *events.JoinedGroup) {
	_, joins := c.sinks()
	if joins == nil {
		return
	}

	_, err := joins.HandleGroupJoined(ctx, evt.JID.String(), evt.Name)
	if err != nil {
		c.Log.Error("handling joined group", "group_id", evt.JID.String(), "error", err)
	}
}

// handleHistorySync queues the sync for the backfill worker, so a large
// history blob does not hold up live events.
func (c *Client) handleHistorySync(ctx context.Context, evt *events.HistorySync) {
	messages, _ := c.sinks()
	if !c.Backfill || messages == nil || evt.Data == nil {
		return
	}

	select {
	case c.history <- evt:
	case <-ctx.Done():
	}
}

func (c *Client) backfillWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-c.history:
			c.backfill(ctx, evt)
		}
	}
}

func (c *Client) backfill(ctx context.Context, evt *events.HistorySync) {
	defer func() {
		if err := recover(); err != nil {
			c.Log.Error("panic", "event", "history sync", "error", err)
		}
	}()

	messages, _ := c.sinks()

	var total int
	for _, conv := range evt.Data.GetConversations() {
		chatJID, err := types.ParseJID(conv.GetID())
		if err != nil {
			c.Log.Warn("parsing history conversation id", "chat_id", conv.GetID(), "error", err)
			continue
		}

		for _, item := range conv.GetMessages() {
			if ctx.Err() != nil {
				return
			}

			parsed, err := c.cli.ParseWebMessage(chatJID, item.GetMessage())
			if err != nil {
				c.Log.Warn("parsing history message", "chat_id", chatJID.String(), "error", err)
				continue
			}

			raw, err := toRawMessage(parsed, c.KeepRaw)
			if err != nil {
				c.Log.Warn("converting history message", "msg_id", parsed.Info.ID, "error", err)
			}

			messages.Handle(ctx, archive.SourceHistory, raw)
			total++
		}
	}

	c.Log.Info("history sync processed", "sync_type", evt.Data.GetSyncType().String(), "messages", total)
}

// JoinWithInvite accepts a group invite code and returns the joined group id.
func (c *Client) JoinWithInvite(ctx context.Context, code string) (string, error) {
	jid, err := c.cli.JoinGroupWithLink(ctx, code)
	if err != nil {
		return "", joinError(err)
	}
	return jid.String(), nil
}

// ChatContext resolves the name of a group or a direct chat. Group names are
// cached for a few minutes since every group message needs one.
func (c *Client) ChatContext(ctx context.Context, chatID string) (archive.ChatContext, error) {
	if chat, ok := c.chats.Get(chatID); ok {
		return chat, nil
	}

	jid, err := types.ParseJID(chatID)
	if err != nil {
		return archive.ChatContext{}, fmt.Errorf("parsing chat id: %w", err)
	}

	var chat archive.ChatContext
	if jid.Server == types.GroupServer {
		info, err := c.cli.GetGroupInfo(ctx, jid)
		if err != nil {
			return archive.ChatContext{}, fmt.Errorf("getting group info: %w", err)
		}
		chat = archive.ChatContext{Name: info.Name, IsGroup: true}
	} else {
		contact, err := c.cli.Store.Contacts.GetContact(ctx, jid)
		if err != nil {
			return archive.ChatContext{}, fmt.Errorf("getting contact: %w", err)
		}
		chat = archive.ChatContext{Name: contactName(contact)}
	}

	c.chats.Add(chatID, chat)
	return chat, nil
}

func (c *Client) ContactContext(ctx context.Context, senderID string) (archive.ContactContext, error) {
	jid, err := types.ParseJID(senderID)
	if err != nil {
		return archive.ContactContext{}, fmt.Errorf("parsing sender id: %w", err)
	}

	contact, err := c.cli.Store.Contacts.GetContact(ctx, jid)
	if err != nil {
		return archive.ContactContext{}, fmt.Errorf("getting contact: %w", err)
	}

	return archive.ContactContext{
		DisplayName: contactName(contact),
		Number:      phoneNumber(jid, contact),
	}, nil
}

func sessionDSN(filePath string) string {
	if strings.Contains(filePath, "?") {
		return filePath
	}
	return "file:" + filePath + "?_foreign_keys=on"
}
