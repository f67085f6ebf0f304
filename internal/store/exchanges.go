// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Exchange is one user turn and its response, with lifecycle status.
type Exchange struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Prompt         string    `json:"prompt"`
	Reply          string    `json:"reply"`
	Model          string    `json:"model"`
	Temperature    *float64  `json:"temperature,omitempty"`
	Reasoning      *string   `json:"reasoning,omitempty"`
	Status         string    `json:"status"`
	TokensIn       int       `json:"tokens_in"`
	TokensOut      int       `json:"tokens_out"`
	Cost           *float64  `json:"cost,omitempty"`
	ErrorMsg       string    `json:"error_msg,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Terminal reports whether the exchange has reached a final status.
func (e *Exchange) Terminal() bool {
	return e.Status == StatusComplete || e.Status == StatusError
}

// ElapsedSinceUpdate is how long the exchange has sat in its current
// status. Operators use this to spot stuck generations.
func (e *Exchange) ElapsedSinceUpdate() time.Duration {
	return time.Duration(nowMillis()-e.UpdatedAt.UnixMilli()) * time.Millisecond
}

// =============================================================================
// EXCHANGE LIFECYCLE
// =============================================================================

// CreateExchange records a new exchange in pending status. This happens
// before any provider call, so a disconnect immediately after submission
// still leaves a recoverable record.
func (s *Store) CreateExchange(conversationID, prompt, model string, temperature *float64, reasoning *string) (*Exchange, error) {
	now := nowMillis()
	e := &Exchange{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Prompt:         prompt,
		Model:          model,
		Temperature:    temperature,
		Reasoning:      reasoning,
		Status:         StatusPending,
		CreatedAt:      millisToTime(now),
		UpdatedAt:      millisToTime(now),
	}

	_, err := s.db.Exec(`
		INSERT INTO exchanges (id, conversation_id, prompt, model, temperature, reasoning, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ConversationID, e.Prompt, e.Model, nullFloat(temperature), nullStr(reasoning),
		StatusPending, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create exchange: %w", err)
	}
	return e, nil
}

// GetExchange fetches an exchange by id.
func (s *Store) GetExchange(id string) (*Exchange, error) {
	row := s.db.QueryRow(exchangeColumns+` WHERE id = ?`, id)
	return scanExchange(row)
}

// ListExchanges returns a conversation's exchanges in created order.
// Reads never mutate state; polling is idempotent.
func (s *Store) ListExchanges(conversationID string) ([]*Exchange, error) {
	rows, err := s.db.Query(exchangeColumns+`
		WHERE conversation_id = ? ORDER BY created_at, rowid`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list exchanges: %w", err)
	}
	defer rows.Close()

	var out []*Exchange
	for rows.Next() {
		e, err := scanExchange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// HasOutstanding reports whether the conversation has a non-terminal
// exchange.
func (s *Store) HasOutstanding(conversationID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM exchanges
		WHERE conversation_id = ? AND status IN (?, ?)`,
		conversationID, StatusPending, StatusStreaming).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check outstanding exchanges: %w", err)
	}
	return n > 0, nil
}

// MarkStreaming transitions pending -> streaming. The guarded UPDATE makes
// any other transition fail with ErrInvalidTransition.
func (s *Store) MarkStreaming(id string) error {
	res, err := s.db.Exec(`
		UPDATE exchanges SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		StatusStreaming, nowMillis(), id, StatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark streaming: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: exchange %s is not pending", ErrInvalidTransition, id)
	}
	return nil
}

// FinalizeExchange completes an exchange: reply, token counts, cost, the
// usage log row (via record), and the conversation's updated_at all commit
// in one transaction, so no reader ever observes complete without usage.
// The guarded UPDATE rejects a second finalize for the same exchange.
func (s *Store) FinalizeExchange(id, reply string, tokensIn, tokensOut int, cost float64, record func(tx *sql.Tx) error) error {
	now := nowMillis()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE exchanges
		SET reply = ?, status = ?, tokens_in = ?, tokens_out = ?, cost = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		reply, StatusComplete, tokensIn, tokensOut, cost, now,
		id, StatusPending, StatusStreaming)
	if err != nil {
		return fmt.Errorf("failed to finalize exchange: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: exchange %s is already terminal", ErrInvalidTransition, id)
	}

	_, err = tx.Exec(`
		UPDATE conversations SET updated_at = ?
		WHERE id = (SELECT conversation_id FROM exchanges WHERE id = ?)`, now, id)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}

	if record != nil {
		if err := record(tx); err != nil {
			return fmt.Errorf("failed to record usage: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit finalize: %w", err)
	}
	return nil
}

// FailExchange moves an exchange to error, preserving any partial content
// with the error annotation appended. Failed exchanges write no usage row.
func (s *Store) FailExchange(id, partial, errMsg string) error {
	now := nowMillis()

	reply := partial
	if reply != "" {
		reply += "\n\n[error: " + errMsg + "]"
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE exchanges SET reply = ?, error_msg = ?, status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		reply, errMsg, StatusError, now, id, StatusPending, StatusStreaming)
	if err != nil {
		return fmt.Errorf("failed to fail exchange: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: exchange %s is already terminal", ErrInvalidTransition, id)
	}

	_, err = tx.Exec(`
		UPDATE conversations SET updated_at = ?
		WHERE id = (SELECT conversation_id FROM exchanges WHERE id = ?)`, now, id)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit failure: %w", err)
	}
	return nil
}

// ReapStuck forces exchanges that have sat non-terminal longer than maxAge
// into error, so a crashed generation can't leave a conversation blocked
// forever. Returns the number of exchanges reaped.
func (s *Store) ReapStuck(maxAge time.Duration) (int, error) {
	now := nowMillis()
	cutoff := now - maxAge.Milliseconds()

	res, err := s.db.Exec(`
		UPDATE exchanges SET status = ?, error_msg = ?, updated_at = ?
		WHERE status IN (?, ?) AND updated_at < ?`,
		StatusError, "generation timed out", now,
		StatusPending, StatusStreaming, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reap stuck exchanges: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// =============================================================================
// SCANNING
// =============================================================================

const exchangeColumns = `
	SELECT id, conversation_id, prompt, reply, model, temperature, reasoning,
		status, tokens_in, tokens_out, cost, error_msg, created_at, updated_at
	FROM exchanges`

func scanExchange(row rowScanner) (*Exchange, error) {
	var e Exchange
	var temperature, cost sql.NullFloat64
	var reasoning sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&e.ID, &e.ConversationID, &e.Prompt, &e.Reply, &e.Model,
		&temperature, &reasoning, &e.Status, &e.TokensIn, &e.TokensOut,
		&cost, &e.ErrorMsg, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: exchange", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan exchange: %w", err)
	}

	if temperature.Valid {
		e.Temperature = &temperature.Float64
	}
	if reasoning.Valid {
		e.Reasoning = &reasoning.String
	}
	if cost.Valid {
		e.Cost = &cost.Float64
	}
	e.CreatedAt = millisToTime(createdAt)
	e.UpdatedAt = millisToTime(updatedAt)
	return &e, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullStr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
