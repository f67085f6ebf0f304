// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store provides SQLite persistence for conversations, exchanges,
// and usage logs.
//
// The store is the single source of truth for exchange status. Status
// updates use guarded UPDATEs (WHERE status IN ...) so the monotonic
// lifecycle - pending -> {streaming, complete, error}, streaming ->
// {complete, error} - cannot be violated even by racing callers: the loser
// of a finalize race gets ErrInvalidTransition instead of overwriting a
// terminal row.
//
// FinalizeExchange commits the reply, token counts, cost, the usage log
// row, and the conversation's updated_at in one transaction; no reader
// ever observes a complete exchange without its usage record.
//
// # Key Types
//
//   - Conversation: one chat thread, owned by a device identity
//   - Exchange: one user turn + response, with lifecycle status
//   - Store: Open/Close plus all CRUD and lifecycle operations
//
// The database runs in WAL mode with a single-writer connection pool,
// following the usual modernc.org/sqlite setup.
package store
