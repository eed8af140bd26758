package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"nuclight.org/chat-archiver/app/archive"
	"nuclight.org/chat-archiver/pkg/logger"
)

type MessageSink interface {
	Handle(ctx context.Context, src archive.Source, raw archive.RawMessage) archive.Outcome
}

type SessionSink interface {
	OnReady(account string)
}

// Client archives what a bot account can see: messages in groups it was
// added to and private messages sent to it. Bots cannot join groups by
// invite link, so it has no invite support.
type Client struct {
	Log        logger.Logger
	APIToken   string
	WorkersNum int
	Session    SessionSink

	// KeepRaw attaches the JSON encoded update message to archived messages
	KeepRaw bool

	bot   *tgbotapi.BotAPI
	chats *expirable.LRU[int64, archive.ChatContext]
	wg    sync.WaitGroup

	mu   sync.RWMutex
	sink MessageSink
}

const chatCacheTTL = 10 * time.Minute

func (c *Client) Start(ctx context.Context) (err error) {
	if c.WorkersNum == 0 {
		return fmt.Errorf("workers number must be greater than 0")
	}

	log := c.Log

	c.bot, err = tgbotapi.NewBotAPI(c.APIToken)
	if err != nil {
		return fmt.Errorf("creating bot api: %w", err)
	}

	log.Info("bot api created", "username", c.bot.Self.UserName)

	c.chats = expirable.NewLRU[int64, archive.ChatContext](1024, nil, chatCacheTTL)

	// a bot session has no separate authentication step
	c.Session.OnReady(c.bot.Self.UserName)

	updatesConf := tgbotapi.NewUpdate(0)
	updatesConf.Timeout = 60

	updatesChan := c.bot.GetUpdatesChan(updatesConf)

	for i := 0; i < c.WorkersNum; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handleUpdatesFromChan(ctx, updatesChan)
		}()
	}

	return nil
}

// Stop stops polling and waits for the workers, which exit once the context
// passed to Start is done.
func (c *Client) Stop() {
	if c.bot != nil {
		c.bot.StopReceivingUpdates()
	}
	c.wg.Wait()
}

// Attach starts forwarding messages to sink.
func (c *Client) Attach(sink MessageSink) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sink = sink
	c.Log.Info("message sink attached")
}

func (c *Client) handleUpdatesFromChan(ctx context.Context, updatesChan tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updatesChan:
			if !ok {
				return
			}
			err := c.handleUpdate(ctx, update)
			if err != nil {
				c.Log.Error("handling update", "tg_update_id", update.UpdateID, "error", err)
			}
		}
	}
}

func (c *Client) handleUpdate(ctx context.Context, update tgbotapi.Update) error {
	log := c.Log.With("tg_update_id", update.UpdateID)

	defer func() {
		if err := recover(); err != nil {
			log.Error("panic", "error", err)
		}
	}()

	message := update.Message
	if message == nil {
		message = update.ChannelPost
	}

	if message == nil {
		log.Debug("update carries no message")
		return nil
	}

	if message.Chat == nil {
		log.Warn("message chat is nil")
		return nil
	}

	c.mu.RLock()
	sink := c.sink
	c.mu.RUnlock()

	if sink == nil {
		log.Debug("no message sink attached, ignoring message")
		return nil
	}

	raw, err := c.toRawMessage(message)
	if err != nil {
		return fmt.Errorf("converting message: %w", err)
	}

	sink.Handle(ctx, archive.SourceObserved, raw)
	return nil
}

func (c *Client) toRawMessage(message *tgbotapi.Message) (archive.RawMessage, error) {
	raw := archive.RawMessage{
		ID:        takeMessageID(message),
		ChatID:    takeChatID(message.Chat),
		IsGroup:   message.Chat.IsGroup() || message.Chat.IsSuperGroup(),
		Kind:      messageKind(message),
		Timestamp: int64(message.Date),
		Body:      message.Text,
	}

	if raw.Body == "" {
		raw.Body = message.Caption
	}

	raw.HasMedia = raw.Kind != "chat" && raw.Kind != "other"

	if message.From != nil {
		raw.SenderID = takeUserID(message.From)
		raw.PushName = takeUserName(message.From)
		raw.FromMe = c.bot != nil && message.From.ID == c.bot.Self.ID
	} else if message.SenderChat != nil {
		raw.SenderID = takeChatID(message.SenderChat)
		raw.PushName = message.SenderChat.Title
	}

	if message.ReplyToMessage != nil {
		raw.HasQuoted = true
		raw.QuotedID = takeMessageID(message.ReplyToMessage)
	}

	if c.KeepRaw {
		payload, err := json.Marshal(message)
		if err != nil {
			return raw, fmt.Errorf("marshalling message payload: %w", err)
		}
		raw.Payload = payload
	}

	return raw, nil
}

// ChatContext resolves the chat title through the Bot API.
func (c *Client) ChatContext(_ context.Context, chatID string) (archive.ChatContext, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return archive.ChatContext{}, fmt.Errorf("parsing chat id: %w", err)
	}

	if chat, ok := c.chats.Get(id); ok {
		return chat, nil
	}

	chat, err := c.bot.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: id}})
	if err != nil {
		return archive.ChatContext{}, fmt.Errorf("getting chat: %w", err)
	}

	result := archive.ChatContext{
		Name:    takeChatName(&chat),
		IsGroup: chat.IsGroup() || chat.IsSuperGroup(),
	}

	c.chats.Add(id, result)
	return result, nil
}

// ContactContext has nothing to add, the Bot API cannot look up users and
// the update already carries the sender's name.
func (c *Client) ContactContext(context.Context, string) (archive.ContactContext, error) {
	return archive.ContactContext{}, nil
}

func messageKind(message *tgbotapi.Message) string {
	switch {
	case message.Photo != nil:
		return "photo"
	case message.Animation != nil:
		return "gif"
	case message.Video != nil, message.VideoNote != nil:
		return "video"
	case message.Voice != nil:
		return "voice"
	case message.Audio != nil:
		return "audio"
	case message.Document != nil:
		return "document"
	case message.Sticker != nil:
		return "sticker"
	case message.Text != "":
		return "chat"
	default:
		return "other"
	}
}

func takeMessageID(message *tgbotapi.Message) string {
	return strconv.Itoa(message.MessageID)
}

func takeChatID(chat *tgbotapi.Chat) string {
	return strconv.FormatInt(chat.ID, 10)
}

func takeUserID(user *tgbotapi.User) string {
	return strconv.FormatInt(user.ID, 10)
}

func takeChatName(chat *tgbotapi.Chat) string {
	if chat.Title != "" {
		return chat.Title
	}

	return strings.TrimSpace(chat.FirstName + " " + chat.LastName)
}

func takeUserName(user *tgbotapi.User) string {
	var sb strings.Builder

	if user.FirstName != "" {
		sb.WriteString(user.FirstName)
	}

	if user.LastName != "" {
		if sb.Len() > 0 {
			sb.WriteRune(' ')
		}
		sb.WriteString(user.LastName)
	}

	if user.UserName != "" {
		if sb.Len() > 0 {
			sb.WriteRune(' ')
			sb.WriteRune('(')
			sb.WriteRune('@')
			sb.WriteString(user.UserName)
			sb.WriteRune(')')
		} else {
			sb.WriteRune('@')
			sb.WriteString(user.UserName)
		}
	}

	if sb.Len() == 0 {
		return takeUserID(user)
	}

	return sb.String()
}
