// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ledger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/llmrouter/internal/store"
)

func TestCalculateCost(t *testing.T) {
	tests := []struct {
		name                string
		tokensIn, tokensOut int
		inPer1K, outPer1K   float64
		want                float64
	}{
		{"round numbers", 1000, 1000, 0.003, 0.015, 0.018},
		{"partial thousands", 500, 250, 0.0025, 0.01, 0.00375},
		{"zero tokens", 0, 0, 0.003, 0.015, 0},
		{"free model", 1000, 1000, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateCost(tt.tokensIn, tt.tokensOut, tt.inPer1K, tt.outPer1K)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestRecordTxIdempotent(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer s.Close()

	c, err := s.CreateConversation("dev-1", "t", "gpt-4o", "")
	require.NoError(t, err)
	e, err := s.CreateExchange(c.ID, "Hello", "gpt-4o", nil, nil)
	require.NoError(t, err)

	rec := Record{
		ExchangeID:     e.ID,
		ConversationID: c.ID,
		DeviceID:       "dev-1",
		Model:          "gpt-4o",
		Provider:       "openai",
		TokensIn:       100,
		TokensOut:      50,
		Cost:           0.5,
	}

	// Record the same exchange twice; the second insert must be a no-op.
	for i := 0; i < 2; i++ {
		tx, err := s.DB().Begin()
		require.NoError(t, err)
		require.NoError(t, RecordTx(tx, rec))
		require.NoError(t, tx.Commit())
	}

	l := New(s.DB())
	summary, err := l.Summarize(ScopeGlobal, "")
	require.NoError(t, err)
	assert.Equal(t, 100, summary.TokensIn)
	assert.Equal(t, 50, summary.TokensOut)
	assert.InDelta(t, 0.5, summary.Cost, 1e-9)
}

func TestSummarizeScopes(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer s.Close()

	add := func(device, model string, tin, tout int, cost float64) {
		t.Helper()
		c, err := s.CreateConversation(device, "t", model, "")
		require.NoError(t, err)
		e, err := s.CreateExchange(c.ID, "p", model, nil, nil)
		require.NoError(t, err)
		tx, err := s.DB().Begin()
		require.NoError(t, err)
		require.NoError(t, RecordTx(tx, Record{
			ExchangeID: e.ID, ConversationID: c.ID, DeviceID: device,
			Model: model, Provider: "openai",
			TokensIn: tin, TokensOut: tout, Cost: cost,
		}))
		require.NoError(t, tx.Commit())
	}

	add("dev-1", "gpt-4o", 1000, 500, 0.0075)
	add("dev-1", "o3-mini", 2000, 1000, 0.0066)
	add("dev-2", "gpt-4o", 100, 50, 0.00075)

	l := New(s.DB())

	global, err := l.Summarize(ScopeGlobal, "")
	require.NoError(t, err)
	assert.Equal(t, 3100, global.TokensIn)
	assert.Equal(t, 1550, global.TokensOut)
	assert.InDelta(t, 0.0149, global.Cost, 1e-9, "cost rounds to 4 decimals")
	require.Len(t, global.ByModel, 2)

	device, err := l.Summarize(ScopeDevice, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, 3000, device.TokensIn)
	require.Len(t, device.ByModel, 2)
	for _, m := range device.ByModel {
		assert.Equal(t, 1, m.Requests)
	}

	_, err = l.Summarize("weekly", "")
	assert.Error(t, err)
}

func TestSummarizeEmpty(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer s.Close()

	summary, err := New(s.DB()).Summarize(ScopeGlobal, "")
	require.NoError(t, err)
	assert.Zero(t, summary.TokensIn)
	assert.Zero(t, summary.Cost)
	assert.Empty(t, summary.ByModel)
}
