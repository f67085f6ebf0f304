// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides utility functions for the llmrouter backend.
package util

import "strings"

// UNICODE: Rune-aware truncation preserves multi-byte characters.
// These functions handle strings correctly regardless of character encoding,
// preventing mid-character truncation that would corrupt UTF-8 strings.

// TruncateRunes truncates a string to a maximum number of runes (characters).
// This is safe for UTF-8 strings as it counts characters, not bytes.
// If the string is truncated, "..." is appended.
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	if maxRunes <= 3 {
		return string(runes[:maxRunes])
	}
	return string(runes[:maxRunes-3]) + "..."
}

// TitleFromMessage derives a conversation title from the first user message:
// the first 50 characters, with "..." appended when longer, newlines removed.
func TitleFromMessage(message string) string {
	title := strings.ReplaceAll(message, "\n", " ")
	title = strings.ReplaceAll(title, "\r", "")
	title = strings.TrimSpace(title)
	if title == "" {
		return "New conversation"
	}
	runes := []rune(title)
	if len(runes) > 50 {
		return string(runes[:50]) + "..."
	}
	return title
}

// EstimateTokens returns a rough token count for text. Providers report
// exact usage on most responses; this estimate (≈4 characters per token,
// minimum one token for non-empty text) covers the cases where they don't.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len([]rune(text)) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateMessageTokens estimates the combined token count for a list of
// message contents, adding a small per-message overhead for role framing.
func EstimateMessageTokens(contents []string) int {
	total := 0
	for _, c := range contents {
		total += EstimateTokens(c) + 4
	}
	return total
}
