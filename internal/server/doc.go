// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the chat orchestration backend over HTTP.
//
// # Key Types
//
//   - Server: the HTTP API server and its route table
//   - RateLimiter: per-device token bucket limiting
//   - Chain: middleware composition helper
//
// # Usage
//
//	srv := server.NewServer(8080, st, orch, registry, providers).
//		WithRateLimit(10, 20)
//	err := srv.Start(ctx)
//
// Device identity rides on the X-Device-ID header; DeviceIDMiddleware
// generates an id for first-time clients and echoes it back. All state
// reads are scoped to the requesting device. Streaming responses use
// server-sent events; background submissions are retrieved by polling
// the conversation.
package server
