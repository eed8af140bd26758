package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	e "nuclight.org/chat-archiver/pkg/entities"
	"nuclight.org/chat-archiver/pkg/rawcodec"
)

type SQLite struct {
	db *sql.DB
}

func NewSQLite(ctx context.Context, filePath string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn(filePath))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite3 database: %w", err)
	}

	client := &SQLite{
		db: db,
	}

	err = client.init(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing sqlite3 database: %w", err)
	}

	return client, nil
}

// dsn enables WAL and a busy timeout so concurrent event handlers wait for
// the writer instead of failing with "database is locked".
func dsn(filePath string) string {
	if strings.Contains(filePath, "?") {
		return filePath
	}
	return "file:" + filePath + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}

func (c *SQLite) Close() error {
	return c.db.Close()
}

// ArchiveMessage inserts msg unless a message with the same chat and message
// id exists. It reports whether this call created the record.
func (c *SQLite) ArchiveMessage(ctx context.Context, msg e.Message) (bool, error) {
	result, err := c.db.ExecContext(
		ctx,
		`INSERT INTO messages (
			chat_id, msg_id, chat_name, sender_id, sender_name, sender_number,
			is_from_me, is_group_msg, has_media, type, timestamp, processed_at,
			body, quoted_msg_id, raw
		) VALUES (
			?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		) ON CONFLICT(chat_id, msg_id) DO NOTHING`,
		msg.ChatID, msg.MsgID, msg.ChatName, msg.SenderID, msg.SenderName, msg.SenderNumber,
		msg.IsFromMe, msg.IsGroupMsg, msg.HasMedia, string(msg.Type), msg.Timestamp, msg.ProcessedAt.UTC(),
		msg.Body, msg.QuotedMsgID, rawcodec.Compress(msg.Raw),
	)
	if err != nil {
		return false, archivalError("inserting message", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, archivalError("getting affected rows", err)
	}

	return affected > 0, nil
}

// GetMessage returns nil if the message is not archived.
func (c *SQLite) GetMessage(ctx context.Context, chatID, msgID string) (*e.Message, error) {
	var (
		msg    e.Message
		kind   string
		quoted sql.NullString
		raw    []byte
	)

	err := c.db.QueryRowContext(
		ctx,
		`SELECT chat_id, msg_id, chat_name, sender_id, sender_name, sender_number,
			is_from_me, is_group_msg, has_media, type, timestamp, processed_at,
			body, quoted_msg_id, raw
		FROM messages WHERE chat_id = ? AND msg_id = ?`,
		chatID, msgID,
	).Scan(
		&msg.ChatID, &msg.MsgID, &msg.ChatName, &msg.SenderID, &msg.SenderName, &msg.SenderNumber,
		&msg.IsFromMe, &msg.IsGroupMsg, &msg.HasMedia, &kind, &msg.Timestamp, &msg.ProcessedAt,
		&msg.Body, &quoted, &raw,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, archivalError("selecting message", err)
	}

	msg.Type = e.MessageType(kind)
	if quoted.Valid {
		msg.QuotedMsgID = &quoted.String
	}

	msg.Raw, err = rawcodec.Decompress(raw)
	if err != nil {
		return nil, archivalError("decoding raw payload", err)
	}

	return &msg, nil
}

func (c *SQLite) CountMessages(ctx context.Context) (int64, error) {
	var n int64
	err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&n)
	if err != nil {
		return 0, archivalError("counting messages", err)
	}
	return n, nil
}

// AddInvite inserts a pending invite unless the link is already known.
func (c *SQLite) AddInvite(ctx context.Context, link string) (bool, error) {
	result, err := c.db.ExecContext(
		ctx,
		`INSERT INTO group_invites (invite_link, status, created_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(invite_link) DO NOTHING`,
		link, string(e.InviteStatusPending),
	)
	if err != nil {
		return false, archivalError("inserting invite", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, archivalError("getting affected rows", err)
	}

	return affected > 0, nil
}

// FetchOnePendingInvite returns the oldest pending invite or nil.
func (c *SQLite) FetchOnePendingInvite(ctx context.Context) (*e.Invite, error) {
	invites, err := c.queryInvites(
		ctx,
		`SELECT invite_link, status, last_attempt, error_message
			FROM group_invites WHERE status = ? ORDER BY id LIMIT 1`,
		string(e.InviteStatusPending),
	)
	if err != nil {
		return nil, err
	}

	if len(invites) == 0 {
		return nil, nil
	}

	return &invites[0], nil
}

// UpdateInviteStatus overwrites the status fields of the invite identified by
// link.
func (c *SQLite) UpdateInviteStatus(ctx context.Context, link string, status e.InviteStatus, errorMessage *string, lastAttempt time.Time) error {
	_, err := c.db.ExecContext(
		ctx,
		`UPDATE group_invites SET status = ?, error_message = ?, last_attempt = ? WHERE invite_link = ?`,
		string(status), errorMessage, lastAttempt.UTC(), link,
	)
	if err != nil {
		return archivalError("updating invite", err)
	}

	return nil
}

// RequeueFailedInvites moves failed invites back to pending.
func (c *SQLite) RequeueFailedInvites(ctx context.Context) (int64, error) {
	result, err := c.db.ExecContext(
		ctx,
		`UPDATE group_invites SET status = ? WHERE status = ?`,
		string(e.InviteStatusPending), string(e.InviteStatusFailed),
	)
	if err != nil {
		return 0, archivalError("requeueing invites", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, archivalError("getting affected rows", err)
	}

	return affected, nil
}

// ListInvites lists invites with the given status, or all of them when
// status is empty.
func (c *SQLite) ListInvites(ctx context.Context, status e.InviteStatus) ([]e.Invite, error) {
	if status == "" {
		return c.queryInvites(
			ctx,
			`SELECT invite_link, status, last_attempt, error_message FROM group_invites ORDER BY id`,
		)
	}

	return c.queryInvites(
		ctx,
		`SELECT invite_link, status, last_attempt, error_message
			FROM group_invites WHERE status = ? ORDER BY id`,
		string(status),
	)
}

// FindInviteByLinkFragment returns the first invite whose link contains
// fragment, or nil.
func (c *SQLite) FindInviteByLinkFragment(ctx context.Context, fragment string) (*e.Invite, error) {
	invites, err := c.queryInvites(
		ctx,
		`SELECT invite_link, status, last_attempt, error_message
			FROM group_invites WHERE instr(invite_link, ?) > 0 ORDER BY id LIMIT 1`,
		fragment,
	)
	if err != nil {
		return nil, err
	}

	if len(invites) == 0 {
		return nil, nil
	}

	return &invites[0], nil
}

func (c *SQLite) queryInvites(ctx context.Context, query string, args ...any) ([]e.Invite, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, archivalError("selecting invites", err)
	}
	defer func() { _ = rows.Close() }()

	var invites []e.Invite
	for rows.Next() {
		var (
			inv          e.Invite
			status       string
			lastAttempt  sql.NullTime
			errorMessage sql.NullString
		)

		if err := rows.Scan(&inv.Link, &status, &lastAttempt, &errorMessage); err != nil {
			return nil, archivalError("scanning invite", err)
		}

		inv.Status = e.InviteStatus(status)
		if lastAttempt.Valid {
			inv.LastAttempt = &lastAttempt.Time
		}
		if errorMessage.Valid {
			inv.ErrorMessage = &errorMessage.String
		}

		invites = append(invites, inv)
	}

	if err := rows.Err(); err != nil {
		return nil, archivalError("iterating invites", err)
	}

	return invites, nil
}

func archivalError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", e.ErrArchival, op, err)
}

//go:embed init.sql
var initQuery string

func (c *SQLite) init(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, initQuery)
	return err
}
