// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator coordinates chat submissions end to end: command
// interpretation, parameter resolution, exchange lifecycle, provider
// dispatch, and usage recording.
//
// # Key Types
//
//   - Orchestrator: the submission pipeline and exchange state machine
//   - SubmitRequest / SubmitResult: one raw input line and its outcome
//   - Mode: stream (tokens forwarded live) or background (poll for the result)
//
// # Usage
//
//	o := orchestrator.New(st, registry, providers, 5*time.Minute, time.Minute)
//	o.StartReaper()
//	defer o.Close()
//
//	res, err := o.Submit(ctx, orchestrator.SubmitRequest{
//		DeviceID: "dev-1",
//		Text:     "Hello!",
//		Mode:     orchestrator.ModeBackground,
//	})
//
// Slash commands short-circuit inside Submit without touching a provider.
// Chat text creates a pending exchange before any provider call, so every
// submission is recoverable by polling even if the client disconnects
// immediately. Generations run on a context detached from the request,
// bounded only by the configured maximum duration.
package orchestrator
