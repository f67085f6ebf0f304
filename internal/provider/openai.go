// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/llmrouter/internal/util"
)

// DefaultOpenAIBaseURL is the base URL for the OpenAI API.
const DefaultOpenAIBaseURL = "https://api.openai.com"

// =============================================================================
// WIRE TYPES
// =============================================================================

// chatRequest is the OpenAI chat completions request body.
type chatRequest struct {
	Model           string         `json:"model"`
	Messages        []Message      `json:"messages"`
	Stream          bool           `json:"stream,omitempty"`
	Temperature     *float64       `json:"temperature,omitempty"`
	ReasoningEffort *string        `json:"reasoning_effort,omitempty"`
	StreamOptions   *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// chatResponse is the non-streaming completions response.
type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// streamChunk is one SSE chunk of a streaming response. The final chunk
// carries usage when stream_options.include_usage is set.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

type imageRequestBody struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Size   string `json:"size"`
	N      int    `json:"n"`
}

type imageResponse struct {
	Data []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

type apiErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// =============================================================================
// CLIENT
// =============================================================================

// OpenAIClient talks to the OpenAI API or any compatible endpoint.
type OpenAIClient struct {
	apiKey  string
	baseURL string
}

// NewOpenAIClient creates a client. An empty key still yields a usable
// client; requests fail with ErrNotConfigured.
func NewOpenAIClient(apiKey string) *OpenAIClient {
	return &OpenAIClient{
		apiKey:  strings.TrimSpace(apiKey),
		baseURL: DefaultOpenAIBaseURL,
	}
}

// WithBaseURL sets a custom base URL (for compatible endpoints and tests).
func (c *OpenAIClient) WithBaseURL(url string) *OpenAIClient {
	c.baseURL = strings.TrimSuffix(url, "/")
	return c
}

// Provider returns "openai".
func (c *OpenAIClient) Provider() string { return "openai" }

// Configured reports whether an API key is set.
func (c *OpenAIClient) Configured() bool { return c.apiKey != "" }

func (c *OpenAIClient) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "llmrouter/0.1.0")
}

// Complete performs a blocking chat completion.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, Usage, error) {
	if !c.Configured() {
		return "", Usage{}, fmt.Errorf("%w: openai", ErrNotConfigured)
	}

	body := chatRequest{
		Model:           req.Model,
		Messages:        req.Messages,
		Temperature:     req.Temperature,
		ReasoningEffort: req.Reasoning,
	}

	start := time.Now()
	respBody, err := c.post(ctx, "/v1/chat/completions", body, sharedHTTPClient, "")
	if err != nil {
		return "", Usage{}, err
	}
	defer respBody.Close()

	data, err := readLimited(respBody)
	if err != nil {
		return "", Usage{}, err
	}

	var chatResp chatResponse
	if err := json.Unmarshal(data, &chatResp); err != nil {
		return "", Usage{}, fmt.Errorf("failed to parse response: %w", err)
	}
	log.Printf("PROVIDER_COMPLETE | provider=openai model=%s duration=%s", req.Model, time.Since(start).Round(time.Millisecond))

	if len(chatResp.Choices) == 0 {
		return "", Usage{}, &Error{Provider: "openai", Message: "response contained no choices", Status: http.StatusOK}
	}

	content := chatResp.Choices[0].Message.Content
	return content, usageFrom(chatResp.Usage, req.Messages, content), nil
}

// Stream performs a streaming chat completion. Usage comes from the final
// include_usage chunk; if the provider omits it, counts are estimated.
func (c *OpenAIClient) Stream(ctx context.Context, req Request, onToken TokenFunc) (string, Usage, error) {
	if !c.Configured() {
		return "", Usage{}, fmt.Errorf("%w: openai", ErrNotConfigured)
	}

	body := chatRequest{
		Model:           req.Model,
		Messages:        req.Messages,
		Stream:          true,
		Temperature:     req.Temperature,
		ReasoningEffort: req.Reasoning,
		StreamOptions:   &streamOptions{IncludeUsage: true},
	}

	respBody, err := c.post(ctx, "/v1/chat/completions", body, sharedStreamingClient, "text/event-stream")
	if err != nil {
		return "", Usage{}, err
	}
	defer respBody.Close()

	var content strings.Builder
	var usage *wireUsage
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
		if bytes.Equal(data, []byte("[DONE]")) {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			// Skip malformed chunks
			continue
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if len(chunk.Choices) > 0 {
			if token := chunk.Choices[0].Delta.Content; token != "" {
				content.WriteString(token)
				onToken(token)
			}
		}
	}

	return content.String(), usageFrom(usage, req.Messages, content.String()), nil
}

// ListModels returns the model ids the API key can access.
func (c *OpenAIClient) ListModels(ctx context.Context) ([]string, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("%w: openai", ErrNotConfigured)
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
		return nil, mapErrorResponse("openai", resp.StatusCode, data)
	}

	var models modelsResponse
	if err := json.Unmarshal(data, &models); err != nil {
		return nil, fmt.Errorf("failed to parse models response: %w", err)
	}

	ids := make([]string, 0, len(models.Data))
	for _, m := range models.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// GenerateImage generates an image and returns its URL or base64 payload.
func (c *OpenAIClient) GenerateImage(ctx context.Context, req ImageRequest) (ImageResult, error) {
	if !c.Configured() {
		return ImageResult{}, fmt.Errorf("%w: openai", ErrNotConfigured)
	}

	body := imageRequestBody{Model: req.Model, Prompt: req.Prompt, Size: req.Size, N: 1}
	respBody, err := c.post(ctx, "/v1/images/generations", body, sharedStreamingClient, "")
	if err != nil {
		return ImageResult{}, err
	}
	defer respBody.Close()

	data, err := readLimited(respBody)
	if err != nil {
		return ImageResult{}, err
	}

	var imgResp imageResponse
	if err := json.Unmarshal(data, &imgResp); err != nil {
		return ImageResult{}, fmt.Errorf("failed to parse image response: %w", err)
	}
	if len(imgResp.Data) == 0 {
		return ImageResult{}, &Error{Provider: "openai", Message: "image response contained no data", Status: http.StatusOK}
	}
	return ImageResult{URL: imgResp.Data[0].URL, B64JSON: imgResp.Data[0].B64JSON}, nil
}

// post issues a JSON POST and returns the response body on 200, or a
// mapped provider error otherwise.
func (c *OpenAIClient) post(ctx context.Context, path string, body interface{}, client *http.Client, accept string) (io.ReadCloser, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)
	if accept != "" {
		req.Header.Set("Accept", accept)
		req.Header.Set("Cache-Control", "no-cache")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := readLimited(resp.Body)
		return nil, mapErrorResponse("openai", resp.StatusCode, data)
	}
	return resp.Body, nil
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

// readLimited reads a response body with a size cap.
// SECURITY: Response size limit prevents memory exhaustion.
func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(data)) == MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return data, nil
}

// mapErrorResponse converts an HTTP error response to the provider error
// taxonomy. The response body is parsed for a message when possible.
func mapErrorResponse(providerName string, statusCode int, body []byte) error {
	var apiErr apiErrorResponse
	msg := ""
	code := ""
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
		code = apiErr.Error.Code
		if code == "" {
			code = apiErr.Error.Type
		}
	}

	wrap := func(sentinel error) error {
		if msg != "" {
			return fmt.Errorf("%w: %s", sentinel, msg)
		}
		return sentinel
	}

	switch statusCode {
	case http.StatusUnauthorized:
		return wrap(ErrAuthFailed)
	case http.StatusPaymentRequired:
		return wrap(ErrInsufficientCredits)
	case http.StatusNotFound:
		return wrap(ErrModelNotFound)
	case http.StatusTooManyRequests:
		return wrap(ErrRateLimited)
	default:
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return &Error{Provider: providerName, Code: code, Message: msg, Status: statusCode}
	}
}

// usageFrom converts wire usage, estimating when the provider omitted it.
func usageFrom(u *wireUsage, messages []Message, content string) Usage {
	if u != nil && (u.PromptTokens > 0 || u.CompletionTokens > 0) {
		return Usage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens}
	}
	contents := make([]string, 0, len(messages))
	for _, m := range messages {
		contents = append(contents, m.Content)
	}
	return Usage{
		InputTokens:  util.EstimateMessageTokens(contents),
		OutputTokens: util.EstimateTokens(content),
		Estimated:    true,
	}
}
