// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides utility functions for the llmrouter backend.
//
// This package contains common helper functions used throughout the
// application for string manipulation and token estimation.
//
// # Key Functions
//
// String Utilities:
//   - TruncateRunes: UTF-8 safe string truncation with ellipsis
//   - TitleFromMessage: derive a conversation title from its first message
//
// Token Estimation:
//   - EstimateTokens: rough token count for text when the provider
//     does not report exact usage
package util
