// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/llmrouter/internal/catalog"
	"github.com/jeranaias/llmrouter/internal/orchestrator"
	"github.com/jeranaias/llmrouter/internal/provider"
	"github.com/jeranaias/llmrouter/internal/store"
)

// fakeClient is a scriptable provider client for handler tests.
type fakeClient struct {
	complete func(ctx context.Context, req provider.Request) (string, provider.Usage, error)
	stream   func(ctx context.Context, req provider.Request, onToken provider.TokenFunc) (string, provider.Usage, error)
}

func (f *fakeClient) Provider() string { return "openai" }
func (f *fakeClient) Configured() bool { return true }

func (f *fakeClient) Complete(ctx context.Context, req provider.Request) (string, provider.Usage, error) {
	if f.complete == nil {
		return "ok", provider.Usage{InputTokens: 1, OutputTokens: 1}, nil
	}
	return f.complete(ctx, req)
}

func (f *fakeClient) Stream(ctx context.Context, req provider.Request, onToken provider.TokenFunc) (string, provider.Usage, error) {
	if f.stream == nil {
		onToken("ok")
		return "ok", provider.Usage{InputTokens: 1, OutputTokens: 1}, nil
	}
	return f.stream(ctx, req, onToken)
}

func (f *fakeClient) ListModels(ctx context.Context) ([]string, error) {
	return nil, nil
}

func newTestServer(t *testing.T, client *fakeClient) (*Server, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := catalog.New(
		catalog.Defaults{Model: "gpt-4o", Reasoning: "medium", Temperature: 0.7},
		catalog.WithFallbackPath(filepath.Join(t.TempDir(), "missing.yaml")),
	)
	require.NoError(t, reg.Refresh(context.Background()))

	providers := provider.NewSet(client)
	orch := orchestrator.New(st, reg, providers, 30*time.Second, time.Minute)
	t.Cleanup(orch.Close)

	return NewServer(0, st, orch, reg, providers), st
}

// doRequest performs a request against the full middleware chain.
func doRequest(t *testing.T, s *Server, method, path, device, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if device != "" {
		req.Header.Set(DeviceIDHeader, device)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestDefaultPortMatchesConfigDefault(t *testing.T) {
	s, _ := newTestServer(t, &fakeClient{})
	assert.Equal(t, 8080, s.Port())
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, &fakeClient{})
	rec := doRequest(t, s, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.NotZero(t, body["models"])
}

func TestDeviceIDGeneratedWhenMissing(t *testing.T) {
	s, _ := newTestServer(t, &fakeClient{})
	rec := doRequest(t, s, http.MethodGet, "/health", "", "")
	assert.NotEmpty(t, rec.Header().Get(DeviceIDHeader))
}

func TestConversationLifecycle(t *testing.T) {
	s, _ := newTestServer(t, &fakeClient{})

	rec := doRequest(t, s, http.MethodPost, "/api/conversations", "dev-1",
		`{"title":"Research","system_prompt":"Be terse."}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var conv store.Conversation
	decode(t, rec, &conv)
	assert.Equal(t, "Research", conv.Title)
	assert.Equal(t, "gpt-4o", conv.Model)
	assert.Equal(t, "dev-1", conv.DeviceID)

	rec = doRequest(t, s, http.MethodGet, "/api/conversations", "dev-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []store.Conversation
	decode(t, rec, &list)
	require.Len(t, list, 1)

	// Another device sees nothing.
	rec = doRequest(t, s, http.MethodGet, "/api/conversations", "dev-2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var other []store.Conversation
	decode(t, rec, &other)
	assert.Empty(t, other)

	// Cross-device access reads as not found.
	rec = doRequest(t, s, http.MethodGet, "/api/conversations/"+conv.ID, "dev-2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, s, http.MethodDelete, "/api/conversations/"+conv.ID, "dev-1", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/conversations/"+conv.ID, "dev-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateConversationUnknownModel(t *testing.T) {
	s, _ := newTestServer(t, &fakeClient{})
	rec := doRequest(t, s, http.MethodPost, "/api/conversations", "dev-1",
		`{"model":"no-such-model"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatSubmitAndPoll(t *testing.T) {
	s, _ := newTestServer(t, &fakeClient{
		complete: func(_ context.Context, _ provider.Request) (string, provider.Usage, error) {
			return "Hi there", provider.Usage{InputTokens: 10, OutputTokens: 5}, nil
		},
	})

	rec := doRequest(t, s, http.MethodPost, "/api/chat/submit", "dev-1",
		`{"text":"Hello!"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var res orchestrator.SubmitResult
	decode(t, rec, &res)
	assert.Equal(t, orchestrator.ResultChat, res.Kind)
	require.NotEmpty(t, res.ConversationID)

	require.Eventually(t, func() bool {
		rec := doRequest(t, s, http.MethodGet, "/api/conversations/"+res.ConversationID, "dev-1", "")
		if rec.Code != http.StatusOK {
			return false
		}
		var poll struct {
			Exchanges []struct {
				Status string `json:"status"`
				Reply  string `json:"reply"`
			} `json:"exchanges"`
		}
		decode(t, rec, &poll)
		return len(poll.Exchanges) == 1 && poll.Exchanges[0].Status == store.StatusComplete &&
			poll.Exchanges[0].Reply == "Hi there"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestChatSubmitConflict(t *testing.T) {
	release := make(chan struct{})
	s, _ := newTestServer(t, &fakeClient{
		complete: func(ctx context.Context, _ provider.Request) (string, provider.Usage, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return "done", provider.Usage{InputTokens: 1, OutputTokens: 1}, nil
		},
	})
	defer close(release)

	rec := doRequest(t, s, http.MethodPost, "/api/chat/submit", "dev-1", `{"text":"first"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var res orchestrator.SubmitResult
	decode(t, rec, &res)

	rec = doRequest(t, s, http.MethodPost, "/api/chat/submit", "dev-1",
		`{"conversation_id":"`+res.ConversationID+`","text":"second"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestChatSubmitCommand(t *testing.T) {
	s, st := newTestServer(t, &fakeClient{})

	rec := doRequest(t, s, http.MethodPost, "/api/chat/submit", "dev-1",
		`{"text":"/model o3-mini"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var res orchestrator.SubmitResult
	decode(t, rec, &res)
	assert.Equal(t, orchestrator.ResultCommand, res.Kind)

	conv, err := st.GetConversation(res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "o3-mini", conv.Model)
}

func TestChatSubmitValidation(t *testing.T) {
	s, _ := newTestServer(t, &fakeClient{})

	rec := doRequest(t, s, http.MethodPost, "/api/chat/submit", "dev-1", `{"text":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/chat/submit", "dev-1", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatStreamEvents(t *testing.T) {
	s, _ := newTestServer(t, &fakeClient{
		stream: func(_ context.Context, _ provider.Request, onToken provider.TokenFunc) (string, provider.Usage, error) {
			onToken("Hel")
			onToken("lo")
			return "Hello", provider.Usage{InputTokens: 3, OutputTokens: 2}, nil
		},
	})

	rec := doRequest(t, s, http.MethodPost, "/api/chat/stream", "dev-1", `{"text":"Say hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	helIdx := strings.Index(body, "data: Hel")
	loIdx := strings.Index(body, "data: lo")
	require.GreaterOrEqual(t, helIdx, 0)
	require.Greater(t, loIdx, helIdx, "tokens must arrive in order")
	assert.Contains(t, body, "event: result")
}

func TestCloneConversation(t *testing.T) {
	s, st := newTestServer(t, &fakeClient{
		complete: func(_ context.Context, _ provider.Request) (string, provider.Usage, error) {
			return "done", provider.Usage{InputTokens: 1, OutputTokens: 1}, nil
		},
	})

	rec := doRequest(t, s, http.MethodPost, "/api/chat/submit", "dev-1", `{"text":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var res orchestrator.SubmitResult
	decode(t, rec, &res)

	require.Eventually(t, func() bool {
		e, err := st.GetExchange(res.ExchangeID)
		return err == nil && e.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	rec = doRequest(t, s, http.MethodPost, "/api/conversations/"+res.ConversationID+"/clone", "dev-1", "")
	require.Equal(t, http.StatusCreated, rec.Code)

	var clone store.Conversation
	decode(t, rec, &clone)
	assert.NotEqual(t, res.ConversationID, clone.ID)

	exchanges, err := st.ListExchanges(clone.ID)
	require.NoError(t, err)
	require.Len(t, exchanges, 1)
	assert.Equal(t, "done", exchanges[0].Reply)
}

func TestAppendSystem(t *testing.T) {
	s, _ := newTestServer(t, &fakeClient{})

	rec := doRequest(t, s, http.MethodPost, "/api/conversations", "dev-1", `{"title":"t"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var conv store.Conversation
	decode(t, rec, &conv)

	rec = doRequest(t, s, http.MethodPost, "/api/conversations/"+conv.ID+"/system", "dev-1",
		`{"text":"Be terse."}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var updated store.Conversation
	decode(t, rec, &updated)
	assert.Equal(t, "Be terse.", updated.SystemPrompt)

	rec = doRequest(t, s, http.MethodPost, "/api/conversations/"+conv.ID+"/system", "dev-1",
		`{"text":"Use Go."}`)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &updated)
	assert.Equal(t, "Be terse.\nUse Go.", updated.SystemPrompt)
}

func TestModelsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, &fakeClient{})

	rec := doRequest(t, s, http.MethodGet, "/api/models", "dev-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Models []catalog.ModelCapability `json:"models"`
	}
	decode(t, rec, &body)
	assert.NotEmpty(t, body.Models)
}

func TestUsageSummary(t *testing.T) {
	s, _ := newTestServer(t, &fakeClient{})

	rec := doRequest(t, s, http.MethodGet, "/api/usage/summary", "dev-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/usage/summary?scope=global", "dev-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/usage/summary?scope=weekly", "dev-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/usage/models", "dev-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var models struct {
		Models []interface{} `json:"models"`
	}
	decode(t, rec, &models)
	assert.NotNil(t, models.Models)
}

func TestRateLimit(t *testing.T) {
	s, _ := newTestServer(t, &fakeClient{})
	s.WithRateLimit(1, 2)

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		rec := doRequest(t, s, http.MethodGet, "/health", "dev-1", "")
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Equal(t, http.StatusOK, codes[1])
	assert.Contains(t, codes, http.StatusTooManyRequests)
}

func TestSecurityHeaders(t *testing.T) {
	s, _ := newTestServer(t, &fakeClient{})
	rec := doRequest(t, s, http.MethodGet, "/health", "dev-1", "")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}
