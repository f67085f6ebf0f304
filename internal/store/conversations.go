// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Conversation is one chat thread owned by a single device identity.
type Conversation struct {
	ID           string    `json:"id"`
	DeviceID     string    `json:"device_id"`
	Title        string    `json:"title"`
	Model        string    `json:"model"`
	Temperature  *float64  `json:"temperature,omitempty"`
	Reasoning    *string   `json:"reasoning,omitempty"`
	SystemPrompt string    `json:"system_prompt"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// =============================================================================
// CONVERSATION CRUD
// =============================================================================

// CreateConversation creates a conversation.
func (s *Store) CreateConversation(deviceID, title, model, systemPrompt string) (*Conversation, error) {
	now := nowMillis()
	c := &Conversation{
		ID:           uuid.NewString(),
		DeviceID:     deviceID,
		Title:        title,
		Model:        model,
		SystemPrompt: systemPrompt,
		CreatedAt:    millisToTime(now),
		UpdatedAt:    millisToTime(now),
	}

	_, err := s.db.Exec(`
		INSERT INTO conversations (id, device_id, title, model, system_prompt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.DeviceID, c.Title, c.Model, c.SystemPrompt, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return c, nil
}

// SetConversationTemperature sets (or clears, with nil) the conversation's
// declared temperature.
func (s *Store) SetConversationTemperature(id string, temperature *float64) error {
	res, err := s.db.Exec(`
		UPDATE conversations SET temperature = ?, updated_at = ? WHERE id = ?`,
		nullFloat(temperature), nowMillis(), id)
	if err != nil {
		return fmt.Errorf("failed to set temperature: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	return nil
}

// SetConversationReasoning sets (or clears, with nil) the conversation's
// declared reasoning level.
func (s *Store) SetConversationReasoning(id string, reasoning *string) error {
	res, err := s.db.Exec(`
		UPDATE conversations SET reasoning = ?, updated_at = ? WHERE id = ?`,
		nullStr(reasoning), nowMillis(), id)
	if err != nil {
		return fmt.Errorf("failed to set reasoning: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	return nil
}

// GetConversation fetches a conversation by id.
func (s *Store) GetConversation(id string) (*Conversation, error) {
	row := s.db.QueryRow(`
		SELECT id, device_id, title, model, temperature, reasoning, system_prompt, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// ListConversations returns a device's conversations, most recent first.
func (s *Store) ListConversations(deviceID string) ([]*Conversation, error) {
	rows, err := s.db.Query(`
		SELECT id, device_id, title, model, temperature, reasoning, system_prompt, created_at, updated_at
		FROM conversations WHERE device_id = ? ORDER BY updated_at DESC`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConversation deletes a conversation and, via cascade, its exchanges.
func (s *Store) DeleteConversation(id string) error {
	res, err := s.db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	return nil
}

// UpdateConversationModel rebinds a conversation to a model.
func (s *Store) UpdateConversationModel(id, model string) error {
	res, err := s.db.Exec(`
		UPDATE conversations SET model = ?, updated_at = ? WHERE id = ?`,
		model, nowMillis(), id)
	if err != nil {
		return fmt.Errorf("failed to update conversation model: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	return nil
}

// AppendSystemPrompt appends trimmed text to the conversation's system
// prompt, newline-joined with whatever is already there.
func (s *Store) AppendSystemPrompt(id, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	c, err := s.GetConversation(id)
	if err != nil {
		return err
	}

	prompt := c.SystemPrompt
	if prompt != "" {
		prompt += "\n" + text
	} else {
		prompt = text
	}

	_, err = s.db.Exec(`
		UPDATE conversations SET system_prompt = ?, updated_at = ? WHERE id = ?`,
		prompt, nowMillis(), id)
	if err != nil {
		return fmt.Errorf("failed to append system prompt: %w", err)
	}
	return nil
}

// CloneConversation copies a conversation into a new identity. Only
// terminal (complete/error) exchanges are copied, in original order; an
// in-flight generation is never part of a clone snapshot.
func (s *Store) CloneConversation(id string) (*Conversation, error) {
	src, err := s.GetConversation(id)
	if err != nil {
		return nil, err
	}

	now := nowMillis()
	clone := &Conversation{
		ID:           uuid.NewString(),
		DeviceID:     src.DeviceID,
		Title:        src.Title + " (clone)",
		Model:        src.Model,
		Temperature:  src.Temperature,
		Reasoning:    src.Reasoning,
		SystemPrompt: src.SystemPrompt,
		CreatedAt:    millisToTime(now),
		UpdatedAt:    millisToTime(now),
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO conversations (id, device_id, title, model, temperature, reasoning, system_prompt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		clone.ID, clone.DeviceID, clone.Title, clone.Model,
		nullFloat(clone.Temperature), nullStr(clone.Reasoning), clone.SystemPrompt, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create clone: %w", err)
	}

	rows, err := tx.Query(`
		SELECT prompt, reply, model, temperature, reasoning, status, tokens_in, tokens_out, cost, error_msg, created_at
		FROM exchanges
		WHERE conversation_id = ? AND status IN (?, ?)
		ORDER BY created_at, rowid`,
		id, StatusComplete, StatusError)
	if err != nil {
		return nil, fmt.Errorf("failed to read exchanges for clone: %w", err)
	}

	type row struct {
		prompt, reply, model, status, errorMsg string
		temperature                            sql.NullFloat64
		reasoning                              sql.NullString
		tokensIn, tokensOut                    int
		cost                                   sql.NullFloat64
		createdAt                              int64
	}
	var copied []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.prompt, &r.reply, &r.model, &r.temperature, &r.reasoning,
			&r.status, &r.tokensIn, &r.tokensOut, &r.cost, &r.errorMsg, &r.createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan exchange: %w", err)
		}
		copied = append(copied, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, r := range copied {
		// Original created_at is kept so ordering survives the copy.
		_, err = tx.Exec(`
			INSERT INTO exchanges (id, conversation_id, prompt, reply, model, temperature, reasoning,
				status, tokens_in, tokens_out, cost, error_msg, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), clone.ID, r.prompt, r.reply, r.model, r.temperature, r.reasoning,
			r.status, r.tokensIn, r.tokensOut, r.cost, r.errorMsg, r.createdAt, now)
		if err != nil {
			return nil, fmt.Errorf("failed to copy exchange: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit clone: %w", err)
	}
	return clone, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var temperature sql.NullFloat64
	var reasoning sql.NullString
	var createdAt, updatedAt int64
	err := row.Scan(&c.ID, &c.DeviceID, &c.Title, &c.Model, &temperature, &reasoning,
		&c.SystemPrompt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: conversation", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}
	if temperature.Valid {
		c.Temperature = &temperature.Float64
	}
	if reasoning.Valid {
		c.Reasoning = &reasoning.String
	}
	c.CreatedAt = millisToTime(createdAt)
	c.UpdatedAt = millisToTime(updatedAt)
	return &c, nil
}
