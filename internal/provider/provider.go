// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider implements the LLM provider clients.
package provider

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// Configuration constants shared by all provider clients.
const (
	// DefaultTimeout is the default timeout for non-streaming API requests.
	DefaultTimeout = 60 * time.Second

	// MaxResponseSize is the maximum allowed response body size.
	// SECURITY: Response size limit prevents memory exhaustion.
	MaxResponseSize = 10 * 1024 * 1024 // 10MB
)

var (
	// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
	// Shared HTTP client for all non-streaming provider requests.
	sharedHTTPClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
		Timeout: DefaultTimeout,
	}

	// sharedStreamingClient has no timeout; streams are context-controlled.
	sharedStreamingClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
	}
)

// Error variables for common provider failures.
var (
	// ErrNotConfigured indicates the provider's API key is not set.
	ErrNotConfigured = errors.New("provider not configured")

	// ErrAuthFailed indicates authentication failed (invalid or expired API key).
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited indicates too many requests were made.
	ErrRateLimited = errors.New("rate limited")

	// ErrModelNotFound indicates the requested model does not exist.
	ErrModelNotFound = errors.New("model not found")

	// ErrInsufficientCredits indicates the account has insufficient credits.
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// Error represents an error response from a provider API.
type Error struct {
	Provider string
	Code     string
	Message  string
	Status   int
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s error [%s] (HTTP %d): %s", e.Provider, e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("%s error (HTTP %d): %s", e.Provider, e.Status, e.Message)
}

// StreamError represents an error that occurred mid-stream, preserving any
// partial content received before the failure.
type StreamError struct {
	Partial string // content received before the error
	Err     error
}

func (e *StreamError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("stream error (partial content received: %d chars): %v", len(e.Partial), e.Err)
	}
	return fmt.Sprintf("stream error: %v", e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// =============================================================================
// REQUEST / RESPONSE TYPES
// =============================================================================

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", or "system"
	Content string `json:"content"`
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) Message {
	return Message{Role: "user", Content: content}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: "assistant", Content: content}
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) Message {
	return Message{Role: "system", Content: content}
}

// Request is a resolved generation request. Temperature and Reasoning are
// nil when the model doesn't accept them; clients must omit the field from
// the wire request, not send a zero.
type Request struct {
	Model       string
	Messages    []Message
	Temperature *float64
	Reasoning   *string
}

// Usage is the token accounting a provider reports for one generation.
type Usage struct {
	InputTokens  int
	OutputTokens int
	// Estimated is true when the provider didn't report usage and the
	// counts were derived from text length.
	Estimated bool
}

// TokenFunc receives each streamed token in arrival order.
type TokenFunc func(token string)

// ImageRequest is a resolved image generation request.
type ImageRequest struct {
	Model  string
	Prompt string
	Size   string
}

// ImageResult is the outcome of an image generation.
type ImageResult struct {
	URL     string
	B64JSON string
}

// =============================================================================
// CLIENT INTERFACE AND SET
// =============================================================================

// Client is one provider's API client.
type Client interface {
	// Provider returns the provider name ("openai", "anthropic").
	Provider() string
	// Configured reports whether an API key is set.
	Configured() bool
	// Complete performs a blocking chat completion.
	Complete(ctx context.Context, req Request) (string, Usage, error)
	// Stream performs a streaming chat completion, invoking onToken for
	// each token in arrival order, and returns the full content and usage.
	// Mid-stream failures return a *StreamError carrying the partial content.
	Stream(ctx context.Context, req Request, onToken TokenFunc) (string, Usage, error)
	// ListModels returns the model ids the provider currently serves.
	ListModels(ctx context.Context) ([]string, error)
}

// ImageGenerator is implemented by providers that can generate images.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, req ImageRequest) (ImageResult, error)
}

// Set maps provider names to configured clients.
type Set struct {
	clients map[string]Client
}

// NewSet builds a Set from the given clients.
func NewSet(clients ...Client) *Set {
	m := make(map[string]Client, len(clients))
	for _, c := range clients {
		m[c.Provider()] = c
	}
	return &Set{clients: m}
}

// Get returns the client for a provider name. Missing or key-less providers
// fail with ErrNotConfigured.
func (s *Set) Get(name string) (Client, error) {
	c, ok := s.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, name)
	}
	if !c.Configured() {
		return nil, fmt.Errorf("%w: %s (no API key)", ErrNotConfigured, name)
	}
	return c, nil
}

// Names returns the configured provider names in stable order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.clients))
	for name, c := range s.clients {
		if c.Configured() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Listers returns the configured clients for catalog fetching.
func (s *Set) Listers() []Client {
	out := make([]Client, 0, len(s.clients))
	for _, name := range s.Names() {
		out = append(out, s.clients[name])
	}
	return out
}
