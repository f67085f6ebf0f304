// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider implements the LLM provider clients.
//
// Each provider exposes the same Client surface: a blocking Complete, a
// token-callback Stream, and a ListModels call used by the catalog. Both
// calls report final token usage; when a provider omits usage, counts are
// estimated from text length and flagged as such. Mid-stream failures
// return a *StreamError preserving the partial content received before
// the error, so callers can persist what was generated.
//
// # Key Types
//
//   - Request: a resolved generation request; nil Temperature/Reasoning
//     means the field is omitted from the wire request entirely
//   - Usage: input/output token counts, with an Estimated flag
//   - Client: the per-provider interface (OpenAIClient, AnthropicClient)
//   - Set: provider name -> configured client lookup
//   - StreamError: mid-stream failure carrying partial content
//
// Error taxonomy: ErrNotConfigured, ErrAuthFailed, ErrRateLimited,
// ErrModelNotFound, ErrInsufficientCredits, plus *Error for anything else
// the API returns. HTTP status codes map onto the sentinels so callers can
// use errors.Is.
package provider
