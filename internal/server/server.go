// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the HTTP API for chat orchestration.
//
// Endpoints:
//   - POST   /api/chat/submit            - Submit a message (background mode)
//   - POST   /api/chat/stream            - Submit a message, stream tokens (SSE)
//   - GET    /api/conversations          - List the device's conversations
//   - POST   /api/conversations          - Create a conversation
//   - GET    /api/conversations/{id}     - Poll a conversation and its exchanges
//   - DELETE /api/conversations/{id}     - Delete a conversation
//   - POST   /api/conversations/{id}/clone  - Clone a conversation
//   - POST   /api/conversations/{id}/system - Append to the system prompt
//   - GET    /api/models                 - List the model catalog
//   - GET    /api/usage/summary          - Usage totals (global or device scope)
//   - GET    /api/usage/models           - Per-model usage breakdown
//   - POST   /api/images/generate        - Generate an image
//   - GET    /health                     - Health check
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/jeranaias/llmrouter/internal/catalog"
	"github.com/jeranaias/llmrouter/internal/commands"
	"github.com/jeranaias/llmrouter/internal/ledger"
	"github.com/jeranaias/llmrouter/internal/orchestrator"
	"github.com/jeranaias/llmrouter/internal/params"
	"github.com/jeranaias/llmrouter/internal/provider"
	"github.com/jeranaias/llmrouter/internal/store"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultPort is the default port for the HTTP server. Matches the
	// config default.
	DefaultPort = 8080

	// MaxRequestBodySize caps request bodies to prevent memory exhaustion (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// MaxPromptLength is the maximum accepted message length in bytes.
	MaxPromptLength = 100000

	// Version is the server version.
	Version = "0.2.0"
)

// ============================================================================
// SERVER
// ============================================================================

// Server is the HTTP API server.
type Server struct {
	port   int
	router *http.ServeMux
	server *http.Server

	store     *store.Store
	orch      *orchestrator.Orchestrator
	registry  *catalog.Registry
	ledger    *ledger.Ledger
	providers *provider.Set
	limiter   *RateLimiter
}

// NewServer creates a server over the given collaborators. If port is 0, the
// default port (8080) is used.
func NewServer(port int, st *store.Store, orch *orchestrator.Orchestrator, registry *catalog.Registry, providers *provider.Set) *Server {
	if port == 0 {
		port = DefaultPort
	}

	s := &Server{
		port:      port,
		router:    http.NewServeMux(),
		store:     st,
		orch:      orch,
		registry:  registry,
		ledger:    ledger.New(st.DB()),
		providers: providers,
	}

	s.setupRoutes()
	return s
}

// WithRateLimit enables per-device rate limiting.
func (s *Server) WithRateLimit(rps float64, burst int) *Server {
	s.limiter = NewRateLimiter(rps, burst)
	return s
}

// Port returns the server port.
func (s *Server) Port() int {
	return s.port
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	middlewares := []func(http.Handler) http.Handler{
		RecoveryMiddleware(),
		SecurityHeadersMiddleware(),
		DeviceIDMiddleware(),
		LoggingMiddleware(log.Default()),
	}
	if s.limiter != nil {
		middlewares = append(middlewares, RateLimitMiddleware(s.limiter))
	}
	return Chain(middlewares...)(s.router)
}

// Start runs the HTTP server until the context is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("SERVER_START | port=%d version=%s", s.port, Version)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("POST /api/chat/submit", s.handleChatSubmit)
	s.router.HandleFunc("POST /api/chat/stream", s.handleChatStream)

	s.router.HandleFunc("GET /api/conversations", s.handleListConversations)
	s.router.HandleFunc("POST /api/conversations", s.handleCreateConversation)
	s.router.HandleFunc("GET /api/conversations/{id}", s.handlePollConversation)
	s.router.HandleFunc("DELETE /api/conversations/{id}", s.handleDeleteConversation)
	s.router.HandleFunc("POST /api/conversations/{id}/clone", s.handleCloneConversation)
	s.router.HandleFunc("POST /api/conversations/{id}/system", s.handleAppendSystem)

	s.router.HandleFunc("GET /api/models", s.handleModels)
	s.router.HandleFunc("GET /api/usage/summary", s.handleUsageSummary)
	s.router.HandleFunc("GET /api/usage/models", s.handleUsageModels)
	s.router.HandleFunc("POST /api/images/generate", s.handleGenerateImage)

	s.router.HandleFunc("GET /health", s.handleHealth)
}

// ============================================================================
// RESPONSE HELPERS
// ============================================================================

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("SERVER_ENCODE_ERROR | error=%v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeDomainError maps domain errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrConcurrencyConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrInvalidMode),
		errors.Is(err, params.ErrUnknownModel),
		errors.Is(err, params.ErrInvalidReasoning):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, provider.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, provider.ErrAuthFailed),
		errors.Is(err, provider.ErrRateLimited),
		errors.Is(err, provider.ErrInsufficientCredits),
		errors.Is(err, provider.ErrModelNotFound):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		log.Printf("SERVER_ERROR | error=%v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody decodes a size-limited JSON request body.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// ============================================================================
// CHAT
// ============================================================================

type chatRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Text           string `json:"text"`
}

// handleChatSubmit accepts a message or command and runs any generation in
// the background; the client polls the conversation for the result.
func (s *Server) handleChatSubmit(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if len(req.Text) > MaxPromptLength {
		writeError(w, http.StatusBadRequest, "text too long")
		return
	}

	res, err := s.orch.Submit(r.Context(), orchestrator.SubmitRequest{
		ConversationID: req.ConversationID,
		DeviceID:       DeviceID(r.Context()),
		Text:           req.Text,
		Mode:           orchestrator.ModeBackground,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleChatStream accepts a message and streams the generation as
// server-sent events. Commands produce a single "result" event. The
// generation itself survives a client disconnect; the reply is still
// recorded and retrievable by polling.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if len(req.Text) > MaxPromptLength {
		writeError(w, http.StatusBadRequest, "text too long")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	res, err := s.orch.Submit(r.Context(), orchestrator.SubmitRequest{
		ConversationID: req.ConversationID,
		DeviceID:       DeviceID(r.Context()),
		Text:           req.Text,
		Mode:           orchestrator.ModeStream,
		OnToken: func(token string) {
			writeSSE(w, "token", token)
			flusher.Flush()
		},
	})
	if err != nil {
		writeSSE(w, "error", err.Error())
		flusher.Flush()
		return
	}

	payload, _ := json.Marshal(res)
	writeSSE(w, "result", string(payload))
	flusher.Flush()
}

// writeSSE writes one server-sent event. Multi-line data is split into
// data: lines per the SSE framing rules.
func writeSSE(w http.ResponseWriter, event, data string) {
	fmt.Fprintf(w, "event: %s\n", event)
	for _, line := range splitLines(data) {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// ============================================================================
// CONVERSATIONS
// ============================================================================

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.ListConversations(DeviceID(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if convs == nil {
		convs = []*store.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

type createConversationRequest struct {
	Title        string `json:"title,omitempty"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if !decodeBody(w, r, &req) {
		return
	}

	model := req.Model
	if model == "" {
		model = s.registry.Defaults().Model
	} else if _, ok := s.registry.Lookup(model); !ok {
		writeError(w, http.StatusBadRequest, "unknown model: "+model)
		return
	}

	title := req.Title
	if title == "" {
		title = "New conversation"
	}

	conv, err := s.store.CreateConversation(DeviceID(r.Context()), title, model, req.SystemPrompt)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

type pollResponse struct {
	Conversation *store.Conversation           `json:"conversation"`
	Exchanges    []orchestrator.PolledExchange `json:"exchanges"`
}

// handlePollConversation returns the conversation and its exchanges. Polling
// is idempotent: it never mutates state or re-triggers a generation.
func (s *Server) handlePollConversation(w http.ResponseWriter, r *http.Request) {
	conv, exchanges, err := s.orch.Poll(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !s.ownedBy(conv, r) {
		writeError(w, http.StatusNotFound, "not found: conversation")
		return
	}
	if exchanges == nil {
		exchanges = []orchestrator.PolledExchange{}
	}
	writeJSON(w, http.StatusOK, pollResponse{Conversation: conv, Exchanges: exchanges})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.store.GetConversation(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !s.ownedBy(conv, r) {
		writeError(w, http.StatusNotFound, "not found: conversation")
		return
	}
	if err := s.store.DeleteConversation(id); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCloneConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.store.GetConversation(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !s.ownedBy(conv, r) {
		writeError(w, http.StatusNotFound, "not found: conversation")
		return
	}
	clone, err := s.store.CloneConversation(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, clone)
}

type appendSystemRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleAppendSystem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req appendSystemRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	conv, err := s.store.GetConversation(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !s.ownedBy(conv, r) {
		writeError(w, http.StatusNotFound, "not found: conversation")
		return
	}
	if err := s.store.AppendSystemPrompt(id, req.Text); err != nil {
		writeDomainError(w, err)
		return
	}

	updated, err := s.store.GetConversation(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// ownedBy reports whether the conversation belongs to the requesting device.
// Cross-device access reads as not-found, never as forbidden, so ids can't
// be probed.
func (s *Server) ownedBy(conv *store.Conversation, r *http.Request) bool {
	return conv.DeviceID == DeviceID(r.Context())
}

// ============================================================================
// MODELS AND USAGE
// ============================================================================

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"models":   s.registry.List(),
		"defaults": s.registry.Defaults(),
	})
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = ledger.ScopeDevice
	}

	summary, err := s.ledger.Summarize(scope, DeviceID(r.Context()))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleUsageModels returns the per-model usage breakdown for the same
// scopes as the summary endpoint.
func (s *Server) handleUsageModels(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = ledger.ScopeDevice
	}

	summary, err := s.ledger.Summarize(scope, DeviceID(r.Context()))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	byModel := summary.ByModel
	if byModel == nil {
		byModel = []ledger.ModelUsage{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": byModel})
}

// ============================================================================
// IMAGES
// ============================================================================

type imageRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
	Size   string `json:"size,omitempty"`
}

type imageResponse struct {
	URL     string `json:"url,omitempty"`
	B64JSON string `json:"b64_json,omitempty"`
}

func (s *Server) handleGenerateImage(w http.ResponseWriter, r *http.Request) {
	var req imageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if req.Model == "" {
		req.Model = commands.DefaultImageModel
	}
	if req.Size == "" {
		req.Size = commands.DefaultImageSize
	}

	client, err := s.providers.Get("openai")
	if err != nil {
		writeDomainError(w, err)
		return
	}
	gen, ok := client.(provider.ImageGenerator)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "image generation not supported")
		return
	}

	result, err := gen.GenerateImage(r.Context(), provider.ImageRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		Size:   req.Size,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, imageResponse{URL: result.URL, B64JSON: result.B64JSON})
}

// ============================================================================
// HEALTH
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"version":   Version,
		"providers": s.providers.Names(),
		"models":    len(s.registry.List()),
	})
}
