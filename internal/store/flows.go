// ABOUTME: Flow definition and flow cursor persistence
// ABOUTME: Cursors hold the last node snapshot, mode, variables and disabled window

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetCursor retrieves the flow cursor of a conversation.
// Returns ErrNotFound if no cursor has been created yet.
func (s *SQLiteStore) GetCursor(ctx context.Context, accountID, chatKey string) (*Cursor, error) {
	var c Cursor
	var flowID, lastNode, handoff, variables, disabled sql.NullString
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id, chat_key, flow_id, last_node, mode, handoff_node, variables, disabled, updated_at
		FROM flow_cursors WHERE account_id = ? AND chat_key = ?
	`, accountID, chatKey).Scan(&c.AccountID, &c.ChatKey, &flowID, &lastNode, &c.Mode,
		&handoff, &variables, &disabled, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying cursor: %w", err)
	}
	c.FlowID = flowID.String
	c.LastNode = rawJSON(lastNode)
	c.HandoffNode = rawJSON(handoff)
	c.Variables = rawJSON(variables)
	c.Disabled = rawJSON(disabled)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// SaveCursor creates or replaces a conversation's flow cursor.
func (s *SQLiteStore) SaveCursor(ctx context.Context, c *Cursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flow_cursors (account_id, chat_key, flow_id, last_node, mode, handoff_node, variables, disabled, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, chat_key) DO UPDATE SET
			flow_id = excluded.flow_id,
			last_node = excluded.last_node,
			mode = excluded.mode,
			handoff_node = excluded.handoff_node,
			variables = excluded.variables,
			disabled = excluded.disabled,
			updated_at = excluded.updated_at
	`, c.AccountID, c.ChatKey, nullString(c.FlowID), nullJSON(c.LastNode), c.Mode,
		nullJSON(c.HandoffNode), nullJSON(c.Variables), nullJSON(c.Disabled), formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving cursor: %w", err)
	}
	return nil
}

// SaveFlow creates or replaces a flow definition.
func (s *SQLiteStore) SaveFlow(ctx context.Context, f *Flow) error {
	if len(f.Nodes) == 0 || len(f.Edges) == 0 {
		return fmt.Errorf("flow %q: nodes and edges are required", f.FlowID)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flows (account_id, flow_id, name, nodes, edges, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, flow_id) DO UPDATE SET
			name = excluded.name,
			nodes = excluded.nodes,
			edges = excluded.edges,
			updated_at = excluded.updated_at
	`, f.AccountID, f.FlowID, nullString(f.Name), string(f.Nodes), string(f.Edges), formatTime(f.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving flow: %w", err)
	}
	return nil
}

// GetFlow retrieves a flow definition.
// Returns ErrNotFound if the flow doesn't exist.
func (s *SQLiteStore) GetFlow(ctx context.Context, accountID, flowID string) (*Flow, error) {
	var f Flow
	var name sql.NullString
	var nodes, edges, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id, flow_id, name, nodes, edges, updated_at
		FROM flows WHERE account_id = ? AND flow_id = ?
	`, accountID, flowID).Scan(&f.AccountID, &f.FlowID, &name, &nodes, &edges, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying flow: %w", err)
	}
	f.Name = name.String
	f.Nodes = []byte(nodes)
	f.Edges = []byte(edges)
	f.UpdatedAt = parseTime(updatedAt)
	return &f, nil
}
