// ABOUTME: Chat summary persistence for conversation lists
// ABOUTME: Tracks last message, unread state and last inbound activity per conversation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/2389/inbox-gateway/internal/message"
)

// RecordChatActivity creates the chat row on first contact and updates the
// summary fields for every later message.
func (s *SQLiteStore) RecordChatActivity(ctx context.Context, a ChatActivity) error {
	conv := a.Conversation
	at := formatTime(a.At)

	var came int64
	if a.MarkCame {
		came = a.At.Unix()
	}
	opened := 1
	if a.Incoming {
		opened = 0
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (account_id, chat_key, origin, address, session_id, sender_name,
			last_message, last_message_came, is_opened, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, chat_key) DO UPDATE SET
			sender_name = COALESCE(excluded.sender_name, chats.sender_name),
			last_message = excluded.last_message,
			last_message_came = CASE WHEN ? THEN excluded.last_message_came ELSE chats.last_message_came END,
			is_opened = CASE WHEN ? THEN 0 ELSE chats.is_opened END,
			updated_at = excluded.updated_at
	`,
		conv.AccountID, conv.ChatKey, string(conv.Origin), conv.Address, nullString(conv.SessionID),
		nullString(a.SenderName), nullJSON(a.LastMessage), came, opened, at,
		a.MarkCame, a.Incoming,
	)
	if err != nil {
		return fmt.Errorf("recording chat activity: %w", err)
	}
	return nil
}

const chatColumns = `account_id, chat_key, origin, address, session_id, sender_name,
	last_message, last_message_came, is_opened, profile, tags, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (*Chat, error) {
	var c Chat
	var origin, updatedAt string
	var sessionID, senderName, lastMessage, profile, tags sql.NullString
	var opened int
	if err := row.Scan(&c.AccountID, &c.ChatKey, &origin, &c.Address, &sessionID, &senderName,
		&lastMessage, &c.LastMessageCame, &opened, &profile, &tags, &updatedAt); err != nil {
		return nil, err
	}
	c.Origin = message.Kind(origin)
	c.SessionID = sessionID.String
	c.SenderName = senderName.String
	c.LastMessage = rawJSON(lastMessage)
	c.IsOpened = opened != 0
	c.Profile = rawJSON(profile)
	c.Tags = rawJSON(tags)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// GetChat retrieves one chat summary.
// Returns ErrNotFound if the chat doesn't exist.
func (s *SQLiteStore) GetChat(ctx context.Context, accountID, chatKey string) (*Chat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+chatColumns+` FROM chats WHERE account_id = ? AND chat_key = ?`,
		accountID, chatKey)
	c, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying chat: %w", err)
	}
	return c, nil
}

// ListChats returns an account's chats, most recently active first.
func (s *SQLiteStore) ListChats(ctx context.Context, accountID string, limit int) ([]*Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chatColumns+` FROM chats WHERE account_id = ? ORDER BY updated_at DESC LIMIT ?`,
		accountID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying chats: %w", err)
	}
	defer rows.Close()

	var chats []*Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning chat: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// MarkChatOpened clears the unread flag of a chat.
func (s *SQLiteStore) MarkChatOpened(ctx context.Context, accountID, chatKey string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chats SET is_opened = 1 WHERE account_id = ? AND chat_key = ?`, accountID, chatKey)
	if err != nil {
		return fmt.Errorf("marking chat opened: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
