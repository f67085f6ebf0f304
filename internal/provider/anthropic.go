// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Anthropic API constants.
const (
	DefaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	anthropicMaxTokens      = 4096
)

// =============================================================================
// WIRE TYPES
// =============================================================================

// anthropicRequest is the Anthropic messages request body. System prompts
// travel in a dedicated field, not the messages array.
type anthropicRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// anthropicEvent is the union of the streaming event payloads we consume:
// message_start (input usage), content_block_delta (text), message_delta
// (output usage), and error.
type anthropicEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage *anthropicUsage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type anthropicModels struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// =============================================================================
// CLIENT
// =============================================================================

// AnthropicClient talks to the Anthropic messages API.
type AnthropicClient struct {
	apiKey  string
	baseURL string
}

// NewAnthropicClient creates a client. An empty key still yields a usable
// client; requests fail with ErrNotConfigured.
func NewAnthropicClient(apiKey string) *AnthropicClient {
	return &AnthropicClient{
		apiKey:  strings.TrimSpace(apiKey),
		baseURL: DefaultAnthropicBaseURL,
	}
}

// WithBaseURL sets a custom base URL.
func (c *AnthropicClient) WithBaseURL(url string) *AnthropicClient {
	c.baseURL = strings.TrimSuffix(url, "/")
	return c
}

// Provider returns "anthropic".
func (c *AnthropicClient) Provider() string { return "anthropic" }

// Configured reports whether an API key is set.
func (c *AnthropicClient) Configured() bool { return c.apiKey != "" }

func (c *AnthropicClient) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "llmrouter/0.1.0")
}

// buildRequest splits out system messages into the dedicated field.
func (c *AnthropicClient) buildRequest(req Request, stream bool) anthropicRequest {
	var system []string
	msgs := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		msgs = append(msgs, m)
	}
	return anthropicRequest{
		Model:       req.Model,
		MaxTokens:   anthropicMaxTokens,
		System:      strings.Join(system, "\n"),
		Messages:    msgs,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

// Complete performs a blocking chat completion.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (string, Usage, error) {
	if !c.Configured() {
		return "", Usage{}, fmt.Errorf("%w: anthropic", ErrNotConfigured)
	}

	respBody, err := c.post(ctx, c.buildRequest(req, false), sharedHTTPClient)
	if err != nil {
		return "", Usage{}, err
	}
	defer respBody.Close()

	data, err := readLimited(respBody)
	if err != nil {
		return "", Usage{}, err
	}

	var resp anthropicResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", Usage{}, fmt.Errorf("failed to parse response: %w", err)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	return content.String(), Usage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

// Stream performs a streaming chat completion via Anthropic's event stream.
func (c *AnthropicClient) Stream(ctx context.Context, req Request, onToken TokenFunc) (string, Usage, error) {
	if !c.Configured() {
		return "", Usage{}, fmt.Errorf("%w: anthropic", ErrNotConfigured)
	}

	respBody, err := c.post(ctx, c.buildRequest(req, true), sharedStreamingClient)
	if err != nil {
		return "", Usage{}, err
	}
	defer respBody.Close()

	var content strings.Builder
	var usage Usage
	reader := NewSSEReader(respBody)

	for {
		select {
		case <-ctx.Done():
			return content.String(), Usage{}, &StreamError{Partial: content.String(), Err: ctx.Err()}
		default:
		}

		_, data, err := reader.ReadEvent()
		if err != nil {
			if err == io.EOF {
				break
			}
			return content.String(), Usage{}, &StreamError{Partial: content.String(), Err: err}
		}

		var event anthropicEvent
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				usage.InputTokens = event.Message.Usage.InputTokens
			}
		case "content_block_delta":
			if event.Delta != nil && event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				content.WriteString(event.Delta.Text)
				onToken(event.Delta.Text)
			}
		case "message_delta":
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}
		case "error":
			msg := "stream error"
			if event.Error != nil {
				msg = event.Error.Message
			}
			return content.String(), Usage{}, &StreamError{
				Partial: content.String(),
				Err:     &Error{Provider: "anthropic", Message: msg, Status: http.StatusOK},
			}
		case "message_stop":
			return content.String(), finishUsage(usage, req, content.String()), nil
		}
	}

	return content.String(), finishUsage(usage, req, content.String()), nil
}

// ListModels returns the model ids the API key can access.
func (c *AnthropicClient) ListModels(ctx context.Context) ([]string, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("%w: anthropic", ErrNotConfigured)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := sharedHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := readLimited(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mapErrorResponse("anthropic", resp.StatusCode, data)
	}

	var models anthropicModels
	if err := json.Unmarshal(data, &models); err != nil {
		return nil, fmt.Errorf("failed to parse models response: %w", err)
	}

	ids := make([]string, 0, len(models.Data))
	for _, m := range models.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (c *AnthropicClient) post(ctx context.Context, body anthropicRequest, client *http.Client) (io.ReadCloser, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)
	if body.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := readLimited(resp.Body)
		return nil, mapErrorResponse("anthropic", resp.StatusCode, data)
	}
	return resp.Body, nil
}

// finishUsage falls back to estimation when the stream never reported usage.
func finishUsage(u Usage, req Request, content string) Usage {
	if u.InputTokens > 0 || u.OutputTokens > 0 {
		return u
	}
	return usageFrom(nil, req.Messages, content)
}
