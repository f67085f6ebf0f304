// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConversationCRUD(t *testing.T) {
	s := openTestStore(t)

	c, err := s.CreateConversation("dev-1", "First chat", "gpt-4o", "")
	require.NoError(t, err)
	require.NotEmpty(t, c.ID)

	got, err := s.GetConversation(c.ID)
	require.NoError(t, err)
	assert.Equal(t, "First chat", got.Title)
	assert.Equal(t, "dev-1", got.DeviceID)

	_, err = s.CreateConversation("dev-1", "Second chat", "gpt-4o", "")
	require.NoError(t, err)
	_, err = s.CreateConversation("dev-2", "Other device", "gpt-4o", "")
	require.NoError(t, err)

	list, err := s.ListConversations("dev-1")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, s.DeleteConversation(c.ID))
	_, err = s.GetConversation(c.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.DeleteConversation("missing"), ErrNotFound)
}

func TestAppendSystemPrompt(t *testing.T) {
	s := openTestStore(t)
	c, err := s.CreateConversation("dev-1", "t", "gpt-4o", "")
	require.NoError(t, err)

	require.NoError(t, s.AppendSystemPrompt(c.ID, "  Be terse.  "))
	require.NoError(t, s.AppendSystemPrompt(c.ID, "Use metric units."))

	got, err := s.GetConversation(c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Be terse.\nUse metric units.", got.SystemPrompt)
}

func TestExchangeLifecycle(t *testing.T) {
	s := openTestStore(t)
	c, err := s.CreateConversation("dev-1", "t", "gpt-4o", "")
	require.NoError(t, err)

	temp := 0.7
	e, err := s.CreateExchange(c.ID, "Hello", "gpt-4o", &temp, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, e.Status)

	out, err := s.HasOutstanding(c.ID)
	require.NoError(t, err)
	assert.True(t, out)

	require.NoError(t, s.MarkStreaming(e.ID))

	// pending -> streaming only once
	assert.ErrorIs(t, s.MarkStreaming(e.ID), ErrInvalidTransition)

	var usageRows int
	record := func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO usage_logs (id, exchange_id, conversation_id, device_id, model, provider, tokens_in, tokens_out, cost, created_at)
			VALUES ('u1', ?, ?, 'dev-1', 'gpt-4o', 'openai', 10, 5, 0.01, 0)`, e.ID, c.ID)
		usageRows++
		return err
	}
	require.NoError(t, s.FinalizeExchange(e.ID, "Hi!", 10, 5, 0.01, record))
	assert.Equal(t, 1, usageRows)

	got, err := s.GetExchange(e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, got.Status)
	assert.Equal(t, "Hi!", got.Reply)
	require.NotNil(t, got.Cost)
	assert.InDelta(t, 0.01, *got.Cost, 1e-9)
	require.NotNil(t, got.Temperature)
	assert.InDelta(t, 0.7, *got.Temperature, 1e-9)

	// Terminal status is final: second finalize and failure both rejected.
	assert.ErrorIs(t, s.FinalizeExchange(e.ID, "again", 1, 1, 0.1, nil), ErrInvalidTransition)
	assert.ErrorIs(t, s.FailExchange(e.ID, "", "late failure"), ErrInvalidTransition)

	out, err = s.HasOutstanding(c.ID)
	require.NoError(t, err)
	assert.False(t, out)
}

func TestFinalizeRollsBackOnUsageFailure(t *testing.T) {
	s := openTestStore(t)
	c, err := s.CreateConversation("dev-1", "t", "gpt-4o", "")
	require.NoError(t, err)
	e, err := s.CreateExchange(c.ID, "Hello", "gpt-4o", nil, nil)
	require.NoError(t, err)

	failing := func(tx *sql.Tx) error { return errors.New("ledger down") }
	require.Error(t, s.FinalizeExchange(e.ID, "Hi!", 10, 5, 0.01, failing))

	// Atomicity: the exchange must not be complete without its usage row.
	got, err := s.GetExchange(e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, got.Reply)
}

func TestFailExchangePreservesPartial(t *testing.T) {
	s := openTestStore(t)
	c, err := s.CreateConversation("dev-1", "t", "gpt-4o", "")
	require.NoError(t, err)
	e, err := s.CreateExchange(c.ID, "Hello", "gpt-4o", nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.FailExchange(e.ID, "Hello", "rate limited"))

	got, err := s.GetExchange(e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, "Hello\n\n[error: rate limited]", got.Reply)
	assert.Equal(t, "rate limited", got.ErrorMsg)
	assert.Nil(t, got.Cost, "failed exchange must not carry cost")

	var usage int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM usage_logs WHERE exchange_id = ?`, e.ID).Scan(&usage))
	assert.Zero(t, usage, "failed exchange must not write a usage row")
}

func TestCloneCopiesOnlyTerminalExchanges(t *testing.T) {
	s := openTestStore(t)
	c, err := s.CreateConversation("dev-1", "Research", "gpt-4o", "Be brief.")
	require.NoError(t, err)

	mk := func(prompt string) *Exchange {
		e, err := s.CreateExchange(c.ID, prompt, "gpt-4o", nil, nil)
		require.NoError(t, err)
		return e
	}

	first := mk("one")
	require.NoError(t, s.FinalizeExchange(first.ID, "r1", 1, 1, 0.001, nil))
	mk("two") // stays pending
	third := mk("three")
	require.NoError(t, s.FinalizeExchange(third.ID, "r3", 1, 1, 0.001, nil))

	clone, err := s.CloneConversation(c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Research (clone)", clone.Title)
	assert.Equal(t, "dev-1", clone.DeviceID)
	assert.Equal(t, "Be brief.", clone.SystemPrompt)

	got, err := s.ListExchanges(clone.ID)
	require.NoError(t, err)
	require.Len(t, got, 2, "pending exchange must be excluded from the clone")
	assert.Equal(t, "one", got[0].Prompt)
	assert.Equal(t, "three", got[1].Prompt)
}

func TestDeleteCascades(t *testing.T) {
	s := openTestStore(t)
	c, err := s.CreateConversation("dev-1", "t", "gpt-4o", "")
	require.NoError(t, err)
	e, err := s.CreateExchange(c.ID, "Hello", "gpt-4o", nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.DeleteConversation(c.ID))
	_, err = s.GetExchange(e.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReapStuck(t *testing.T) {
	s := openTestStore(t)
	c, err := s.CreateConversation("dev-1", "t", "gpt-4o", "")
	require.NoError(t, err)

	old := nowMillis
	defer func() { nowMillis = old }()

	// Create an exchange "ten minutes ago".
	base := time.Now().Add(-10 * time.Minute).UnixMilli()
	nowMillis = func() int64 { return base }
	stale, err := s.CreateExchange(c.ID, "old", "gpt-4o", nil, nil)
	require.NoError(t, err)

	nowMillis = old
	fresh, err := s.CreateExchange(c.ID, "new", "gpt-4o", nil, nil)
	require.NoError(t, err)

	n, err := s.ReapStuck(5 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetExchange(stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, "generation timed out", got.ErrorMsg)

	got, err = s.GetExchange(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestPollingIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	c, err := s.CreateConversation("dev-1", "t", "gpt-4o", "")
	require.NoError(t, err)
	e, err := s.CreateExchange(c.ID, "Hello", "gpt-4o", nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.FinalizeExchange(e.ID, "Hi", 1, 1, 0.001, nil))

	first, err := s.ListExchanges(c.ID)
	require.NoError(t, err)
	second, err := s.ListExchanges(c.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
