// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store provides SQLite persistence for conversations, exchanges,
// and usage logs.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Exchange lifecycle statuses. Transitions are monotonic:
// pending -> {streaming, complete, error}; streaming -> {complete, error}.
// No transition leaves complete or error.
const (
	StatusPending   = "pending"
	StatusStreaming = "streaming"
	StatusComplete  = "complete"
	StatusError     = "error"
)

// Error variables for common store failures.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition indicates a status update that would violate
	// the monotonic exchange lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// schema is applied on open. Timestamps are unix milliseconds.
const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id            TEXT PRIMARY KEY,
	device_id     TEXT NOT NULL,
	title         TEXT NOT NULL,
	model         TEXT NOT NULL,
	temperature   REAL,
	reasoning     TEXT,
	system_prompt TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversations_device ON conversations(device_id, updated_at);

CREATE TABLE IF NOT EXISTS exchanges (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	prompt          TEXT NOT NULL,
	reply           TEXT NOT NULL DEFAULT '',
	model           TEXT NOT NULL,
	temperature     REAL,
	reasoning       TEXT,
	status          TEXT NOT NULL DEFAULT 'pending',
	tokens_in       INTEGER NOT NULL DEFAULT 0,
	tokens_out      INTEGER NOT NULL DEFAULT 0,
	cost            REAL,
	error_msg       TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_exchanges_conversation ON exchanges(conversation_id, created_at);
CREATE INDEX IF NOT EXISTS idx_exchanges_status ON exchanges(status, updated_at);

CREATE TABLE IF NOT EXISTS usage_logs (
	id              TEXT PRIMARY KEY,
	exchange_id     TEXT NOT NULL UNIQUE,
	conversation_id TEXT NOT NULL,
	device_id       TEXT NOT NULL,
	model           TEXT NOT NULL,
	provider        TEXT NOT NULL,
	tokens_in       INTEGER NOT NULL,
	tokens_out      INTEGER NOT NULL,
	cost            REAL NOT NULL,
	created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_device ON usage_logs(device_id);
CREATE INDEX IF NOT EXISTS idx_usage_model ON usage_logs(model);
`

// Store wraps the SQLite database. The store is the single source of truth
// for exchange status; all status updates go through guarded UPDATEs.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. WAL mode and a single-writer pool avoid SQLITE_BUSY under
// concurrent finalize attempts.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	// Single writer: modernc sqlite serializes writes anyway, and one
	// connection sidesteps lock contention entirely.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for read-side collaborators (the usage ledger).
func (s *Store) DB() *sql.DB {
	return s.db
}

// nowMillis is swappable in tests.
var nowMillis = func() int64 {
	return time.Now().UnixMilli()
}

func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}
