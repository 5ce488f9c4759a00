// ABOUTME: Account, cloud credential and session lookups for the SQLite store
// ABOUTME: Resolves which account owns an inbound webhook or session event

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertAccount creates or updates an account.
func (s *SQLiteStore) UpsertAccount(ctx context.Context, a *Account) error {
	tz := a.Timezone
	if tz == "" {
		tz = "UTC"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (uid, timezone, active_flow_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET
			timezone = excluded.timezone,
			active_flow_id = COALESCE(excluded.active_flow_id, accounts.active_flow_id)
	`, a.UID, tz, nullString(a.ActiveFlowID), formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("upserting account: %w", err)
	}
	return nil
}

// GetAccount retrieves an account by uid.
// Returns ErrNotFound if the account doesn't exist.
func (s *SQLiteStore) GetAccount(ctx context.Context, uid string) (*Account, error) {
	var a Account
	var flowID sql.NullString
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT uid, timezone, active_flow_id, created_at FROM accounts WHERE uid = ?
	`, uid).Scan(&a.UID, &a.Timezone, &flowID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying account: %w", err)
	}
	a.ActiveFlowID = flowID.String
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

// SetActiveFlow selects the flow that drives automated replies for an account.
func (s *SQLiteStore) SetActiveFlow(ctx context.Context, uid, flowID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET active_flow_id = ? WHERE uid = ?`, nullString(flowID), uid)
	if err != nil {
		return fmt.Errorf("setting active flow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertCloudAccount stores cloud API credentials keyed by phone number id.
func (s *SQLiteStore) UpsertCloudAccount(ctx context.Context, c *CloudAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cloud_accounts (phone_number_id, account_id, waba_id, access_token)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(phone_number_id) DO UPDATE SET
			account_id = excluded.account_id,
			waba_id = excluded.waba_id,
			access_token = excluded.access_token
	`, c.PhoneNumberID, c.AccountID, nullString(c.WABAID), c.AccessToken)
	if isConstraintViolation(err) {
		return fmt.Errorf("cloud account %s: %w", c.PhoneNumberID, ErrUnknownAccount)
	}
	if err != nil {
		return fmt.Errorf("upserting cloud account: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanCloudAccount(row *sql.Row) (*CloudAccount, error) {
	var c CloudAccount
	var waba sql.NullString
	err := row.Scan(&c.PhoneNumberID, &c.AccountID, &waba, &c.AccessToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying cloud account: %w", err)
	}
	c.WABAID = waba.String
	return &c, nil
}

// GetCloudAccount returns the cloud credentials of an account.
func (s *SQLiteStore) GetCloudAccount(ctx context.Context, accountID string) (*CloudAccount, error) {
	return s.scanCloudAccount(s.db.QueryRowContext(ctx, `
		SELECT phone_number_id, account_id, waba_id, access_token
		FROM cloud_accounts WHERE account_id = ? LIMIT 1
	`, accountID))
}

// CloudAccountByPhoneNumberID resolves the account receiving a cloud webhook.
func (s *SQLiteStore) CloudAccountByPhoneNumberID(ctx context.Context, phoneNumberID string) (*CloudAccount, error) {
	return s.scanCloudAccount(s.db.QueryRowContext(ctx, `
		SELECT phone_number_id, account_id, waba_id, access_token
		FROM cloud_accounts WHERE phone_number_id = ?
	`, phoneNumberID))
}

// UpsertSession links a session id to an account.
func (s *SQLiteStore) UpsertSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, account_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET account_id = excluded.account_id
	`, sess.SessionID, sess.AccountID, formatTime(sess.CreatedAt))
	if isConstraintViolation(err) {
		return fmt.Errorf("session %s: %w", sess.SessionID, ErrUnknownAccount)
	}
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

// GetSession resolves a session id to its owning account.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, account_id, created_at FROM sessions WHERE session_id = ?
	`, sessionID).Scan(&sess.SessionID, &sess.AccountID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	sess.CreatedAt = parseTime(createdAt)
	return &sess, nil
}
