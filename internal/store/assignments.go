// ABOUTME: Agent-to-conversation assignments and delivery failure records
// ABOUTME: Assignments are insert-if-absent; failures are an append-only operator log

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// AssignAgent records that agentUID may handle chatKey for ownerUID.
// Assigning twice is a no-op and reports created=false.
func (s *SQLiteStore) AssignAgent(ctx context.Context, a *AgentAssignment) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO agent_chats (owner_uid, agent_uid, chat_key, created_at)
		VALUES (?, ?, ?, ?)
	`, a.OwnerUID, a.AgentUID, a.ChatKey, formatTime(a.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("assigning agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("assigning agent: %w", err)
	}
	return n > 0, nil
}

// AgentsForChat lists the agents assigned to a conversation.
func (s *SQLiteStore) AgentsForChat(ctx context.Context, ownerUID, chatKey string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_uid FROM agent_chats WHERE owner_uid = ? AND chat_key = ? ORDER BY created_at
	`, ownerUID, chatKey)
	if err != nil {
		return nil, fmt.Errorf("querying agent assignments: %w", err)
	}
	defer rows.Close()

	var agents []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("scanning agent assignment: %w", err)
		}
		agents = append(agents, uid)
	}
	return agents, rows.Err()
}

// IsAssigned reports whether an agent is assigned to a conversation.
func (s *SQLiteStore) IsAssigned(ctx context.Context, ownerUID, agentUID, chatKey string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM agent_chats WHERE owner_uid = ? AND agent_uid = ? AND chat_key = ?
	`, ownerUID, agentUID, chatKey).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying assignment: %w", err)
	}
	return true, nil
}

// RecordDeliveryFailure appends a failed delivery receipt.
func (s *SQLiteStore) RecordDeliveryFailure(ctx context.Context, f *DeliveryFailure) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_failures (account_id, chat_key, channel_msg_id, status, error_message, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, f.AccountID, nullString(f.ChatKey), f.ChannelMsgID, f.Status, nullString(f.ErrorMessage),
		nullJSON(f.Payload), formatTime(f.CreatedAt))
	if err != nil {
		return fmt.Errorf("recording delivery failure: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		f.ID = id
	}
	return nil
}

// ListDeliveryFailures returns an account's most recent delivery failures.
func (s *SQLiteStore) ListDeliveryFailures(ctx context.Context, accountID string, limit int) ([]*DeliveryFailure, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, chat_key, channel_msg_id, status, error_message, payload, created_at
		FROM delivery_failures WHERE account_id = ? ORDER BY id DESC LIMIT ?
	`, accountID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying delivery failures: %w", err)
	}
	defer rows.Close()

	var out []*DeliveryFailure
	for rows.Next() {
		var f DeliveryFailure
		var chatKey, errMsg, payload sql.NullString
		var createdAt string
		if err := rows.Scan(&f.ID, &f.AccountID, &chatKey, &f.ChannelMsgID, &f.Status, &errMsg, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning delivery failure: %w", err)
		}
		f.ChatKey = chatKey.String
		f.ErrorMessage = errMsg.String
		f.Payload = rawJSON(payload)
		f.CreatedAt = parseTime(createdAt)
		out = append(out, &f)
	}
	return out, rows.Err()
}
