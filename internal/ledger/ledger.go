// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ledger provides append-only usage accounting for exchanges.
package ledger

import (
	"database/sql"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Summary scopes.
const (
	ScopeGlobal = "global"
	ScopeDevice = "device"
)

// =============================================================================
// COST
// =============================================================================

// CalculateCost computes the USD cost of a generation from per-1K-token
// pricing. Callers pass the pricing snapshot resolved at submission time,
// never the catalog's current pricing, so later price changes don't alter
// historical figures.
func CalculateCost(tokensIn, tokensOut int, inputPer1K, outputPer1K float64) float64 {
	return float64(tokensIn)/1000*inputPer1K + float64(tokensOut)/1000*outputPer1K
}

// =============================================================================
// RECORDING
// =============================================================================

// Record is one usage log entry, derived from a completed exchange.
type Record struct {
	ExchangeID     string
	ConversationID string
	DeviceID       string
	Model          string
	Provider       string
	TokensIn       int
	TokensOut      int
	Cost           float64
	CreatedAt      int64 // unix milliseconds
}

// RecordTx writes a usage record inside an existing transaction, so the
// caller can commit it atomically with the exchange finalize. Recording is
// idempotent on exchange id: the UNIQUE constraint plus INSERT OR IGNORE
// makes a duplicate record a no-op instead of a double count.
func RecordTx(tx *sql.Tx, rec Record) error {
	_, err := tx.Exec(`
		INSERT OR IGNORE INTO usage_logs
			(id, exchange_id, conversation_id, device_id, model, provider, tokens_in, tokens_out, cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), rec.ExchangeID, rec.ConversationID, rec.DeviceID,
		rec.Model, rec.Provider, rec.TokensIn, rec.TokensOut, rec.Cost, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// TxRecorder adapts a Record to the callback shape the store's finalize
// transaction expects.
func TxRecorder(rec Record) func(tx *sql.Tx) error {
	return func(tx *sql.Tx) error {
		return RecordTx(tx, rec)
	}
}

// =============================================================================
// SUMMARIES
// =============================================================================

// ModelUsage is the per-model breakdown within a summary.
type ModelUsage struct {
	Model     string  `json:"model"`
	Requests  int     `json:"requests"`
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	Cost      float64 `json:"cost"`
}

// Summary aggregates usage for one scope.
type Summary struct {
	TokensIn  int          `json:"tokens_in"`
	TokensOut int          `json:"tokens_out"`
	Cost      float64      `json:"cost"`
	ByModel   []ModelUsage `json:"by_model"`
}

// Ledger reads usage aggregates from the store's database.
type Ledger struct {
	db *sql.DB
}

// New creates a ledger over the given database handle.
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Summarize aggregates usage. Scope ScopeGlobal covers every exchange;
// ScopeDevice restricts to one device identity. Costs are rounded to four
// decimal places for display.
func (l *Ledger) Summarize(scope, deviceID string) (*Summary, error) {
	where := ""
	var args []interface{}
	switch scope {
	case ScopeGlobal:
	case ScopeDevice:
		where = "WHERE device_id = ?"
		args = append(args, deviceID)
	default:
		return nil, fmt.Errorf("unknown usage scope: %q", scope)
	}

	summary := &Summary{}
	row := l.db.QueryRow(fmt.Sprintf(`
		SELECT COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0), COALESCE(SUM(cost), 0)
		FROM usage_logs %s`, where), args...)
	if err := row.Scan(&summary.TokensIn, &summary.TokensOut, &summary.Cost); err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	summary.Cost = round4(summary.Cost)

	rows, err := l.db.Query(fmt.Sprintf(`
		SELECT model, COUNT(*), SUM(tokens_in), SUM(tokens_out), SUM(cost)
		FROM usage_logs %s
		GROUP BY model ORDER BY SUM(cost) DESC`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize by model: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m ModelUsage
		if err := rows.Scan(&m.Model, &m.Requests, &m.TokensIn, &m.TokensOut, &m.Cost); err != nil {
			return nil, fmt.Errorf("failed to scan model usage: %w", err)
		}
		m.Cost = round4(m.Cost)
		summary.ByModel = append(summary.ByModel, m)
	}
	return summary, rows.Err()
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}
