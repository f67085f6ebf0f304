// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator owns the per-conversation exchange lifecycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/llmrouter/internal/catalog"
	"github.com/jeranaias/llmrouter/internal/commands"
	"github.com/jeranaias/llmrouter/internal/ledger"
	"github.com/jeranaias/llmrouter/internal/params"
	"github.com/jeranaias/llmrouter/internal/provider"
	"github.com/jeranaias/llmrouter/internal/store"
	"github.com/jeranaias/llmrouter/internal/util"
)

// Mode selects how a generation is executed. The caller decides; the
// orchestrator never infers connectivity from network heuristics.
type Mode string

const (
	// ModeStream forwards tokens to the caller as they arrive.
	ModeStream Mode = "stream"
	// ModeBackground dispatches the provider call detached from the
	// request; the result is retrieved later by polling.
	ModeBackground Mode = "background"
)

// Error variables for submission failures.
var (
	// ErrConcurrencyConflict indicates the conversation already has a
	// non-terminal exchange. Submissions are rejected, never queued to race.
	ErrConcurrencyConflict = errors.New("conversation has an outstanding exchange")

	// ErrInvalidMode indicates an unrecognized execution mode.
	ErrInvalidMode = errors.New("invalid mode")
)

// =============================================================================
// REQUESTS AND RESULTS
// =============================================================================

// SubmitRequest is one raw client submission.
type SubmitRequest struct {
	// ConversationID is empty for a new conversation.
	ConversationID string
	// DeviceID is the opaque caller-supplied device identity.
	DeviceID string
	// Text is the raw input: a chat message or a slash command.
	Text string
	// Mode selects streaming or background execution for chat messages.
	Mode Mode
	// OnToken receives streamed tokens in arrival order (ModeStream only).
	OnToken provider.TokenFunc
}

// Result kinds.
const (
	ResultChat     = "chat"     // an exchange was created
	ResultCommand  = "command"  // a command was applied
	ResultRejected = "rejected" // a command was rejected
	ResultImage    = "image"    // an /image command was parsed
)

// SubmitResult is the outcome of one submission.
type SubmitResult struct {
	Kind           string                 `json:"kind"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	ExchangeID     string                 `json:"exchange_id,omitempty"`
	Confirmation   string                 `json:"confirmation,omitempty"`
	Reason         string                 `json:"reason,omitempty"`
	Image          *commands.ImageRequest `json:"image,omitempty"`
}

// PolledExchange is an exchange plus the elapsed time since its last
// status change, so operators can spot stuck generations.
type PolledExchange struct {
	*store.Exchange
	ElapsedMs int64 `json:"elapsed_ms"`
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator runs the interpret-then-submit pipeline and the exchange
// state machine.
type Orchestrator struct {
	store       *store.Store
	registry    *catalog.Registry
	interpreter *commands.Interpreter
	providers   *provider.Set

	maxDuration  time.Duration
	reapInterval time.Duration

	mu        sync.Mutex
	convLocks map[string]*sync.Mutex

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New creates an orchestrator. maxDuration bounds a single generation;
// reapInterval is the stuck-exchange reaper cadence.
func New(st *store.Store, registry *catalog.Registry, providers *provider.Set, maxDuration, reapInterval time.Duration) *Orchestrator {
	return &Orchestrator{
		store:        st,
		registry:     registry,
		interpreter:  commands.NewInterpreter(registry),
		providers:    providers,
		maxDuration:  maxDuration,
		reapInterval: reapInterval,
		convLocks:    make(map[string]*sync.Mutex),
		stopCh:       make(chan struct{}),
	}
}

// convLock returns the mutex serializing submissions for one conversation.
func (o *Orchestrator) convLock(conversationID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.convLocks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		o.convLocks[conversationID] = l
	}
	return l
}

// Submit accepts one raw input line. Slash commands are interpreted and
// short-circuit without any provider call; chat text creates a pending
// exchange and runs it in the requested mode. ModeStream blocks until the
// generation finishes; ModeBackground returns as soon as the exchange is
// recorded.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.Mode != ModeStream && req.Mode != ModeBackground {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, req.Mode)
	}

	var conv *store.Conversation
	if req.ConversationID != "" {
		var err error
		conv, err = o.store.GetConversation(req.ConversationID)
		if err != nil {
			return nil, err
		}
		// Cross-device access reads as not found, matching the read paths.
		if conv.DeviceID != req.DeviceID {
			return nil, fmt.Errorf("%w: conversation %s", store.ErrNotFound, req.ConversationID)
		}
	}

	// Commands are classified against the conversation's state, or the
	// catalog defaults when no conversation exists yet. A rejection mutates
	// nothing, so no conversation is created for it.
	state := commands.State{ModelID: o.registry.Defaults().Model}
	if conv != nil {
		state = commands.State{
			ModelID:     conv.Model,
			Temperature: conv.Temperature,
			Reasoning:   conv.Reasoning,
		}
	}
	outcome := o.interpreter.Interpret(req.Text, state)

	if outcome.Kind == commands.Rejected {
		res := &SubmitResult{Kind: ResultRejected, Reason: outcome.Reason}
		if conv != nil {
			res.ConversationID = conv.ID
		}
		return res, nil
	}

	if conv == nil {
		var err error
		conv, err = o.createConversation(req, outcome.Kind == commands.Applied)
		if err != nil {
			return nil, err
		}
	}

	if outcome.Kind == commands.Applied {
		return o.applyCommand(conv, outcome)
	}
	return o.submitChat(ctx, conv, req)
}

// createConversation creates the conversation for a first submission. A
// command can arrive before any chat message; the new conversation holds
// the state it sets.
func (o *Orchestrator) createConversation(req SubmitRequest, forCommand bool) (*store.Conversation, error) {
	title := "New conversation"
	if !forCommand {
		title = util.TitleFromMessage(req.Text)
	}
	return o.store.CreateConversation(req.DeviceID, title, o.registry.Defaults().Model, "")
}

// applyCommand persists an Applied command's state delta.
func (o *Orchestrator) applyCommand(conv *store.Conversation, outcome commands.Outcome) (*SubmitResult, error) {
	delta := outcome.Delta

	if delta.ModelID != "" {
		if err := o.store.UpdateConversationModel(conv.ID, delta.ModelID); err != nil {
			return nil, err
		}
	}
	if delta.Temperature != nil {
		if err := o.store.SetConversationTemperature(conv.ID, delta.Temperature); err != nil {
			return nil, err
		}
	}
	if delta.Reasoning != nil {
		if err := o.store.SetConversationReasoning(conv.ID, delta.Reasoning); err != nil {
			return nil, err
		}
	} else if delta.ClearReasoning {
		if err := o.store.SetConversationReasoning(conv.ID, nil); err != nil {
			return nil, err
		}
	}
	if delta.SystemAppend != "" {
		if err := o.store.AppendSystemPrompt(conv.ID, delta.SystemAppend); err != nil {
			return nil, err
		}
	}

	kind := ResultCommand
	if delta.Image != nil {
		kind = ResultImage
	}
	return &SubmitResult{
		Kind:           kind,
		ConversationID: conv.ID,
		Confirmation:   outcome.Confirmation,
		Image:          delta.Image,
	}, nil
}

// submitChat creates the pending exchange and runs the generation.
func (o *Orchestrator) submitChat(ctx context.Context, conv *store.Conversation, req SubmitRequest) (*SubmitResult, error) {
	eff, err := params.Resolve(conv.Model, conv.Temperature, conv.Reasoning, o.registry)
	if err != nil {
		return nil, err
	}

	// The outstanding-exchange check and the exchange insert must not
	// interleave with a concurrent submission for the same conversation.
	lock := o.convLock(conv.ID)
	lock.Lock()
	outstanding, err := o.store.HasOutstanding(conv.ID)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	if outstanding {
		lock.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrConcurrencyConflict, conv.ID)
	}

	exchange, err := o.store.CreateExchange(conv.ID, req.Text, eff.ModelID, eff.Temperature, eff.Reasoning)
	lock.Unlock()
	if err != nil {
		return nil, err
	}

	messages, err := o.buildMessages(conv, req.Text)
	if err != nil {
		return nil, err
	}

	result := &SubmitResult{
		Kind:           ResultChat,
		ConversationID: conv.ID,
		ExchangeID:     exchange.ID,
	}

	// Generation survives client disconnect: the provider call runs on a
	// context detached from the request, bounded only by maxDuration.
	genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.maxDuration)

	switch req.Mode {
	case ModeStream:
		defer cancel()
		o.runStreaming(genCtx, conv, exchange, eff, messages, req.OnToken)
	case ModeBackground:
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			defer cancel()
			o.runBackground(genCtx, conv, exchange, eff, messages)
		}()
	default:
		cancel()
	}

	return result, nil
}

// buildMessages assembles the provider message history: the system prompt
// first, then each prior completed exchange's prompt/reply pair in created
// order, then the new user message.
func (o *Orchestrator) buildMessages(conv *store.Conversation, text string) ([]provider.Message, error) {
	prior, err := o.store.ListExchanges(conv.ID)
	if err != nil {
		return nil, err
	}

	var messages []provider.Message
	if strings.TrimSpace(conv.SystemPrompt) != "" {
		messages = append(messages, provider.NewSystemMessage(conv.SystemPrompt))
	}
	for _, e := range prior {
		if e.Status != store.StatusComplete || e.Reply == "" {
			continue
		}
		messages = append(messages, provider.NewUserMessage(e.Prompt))
		messages = append(messages, provider.NewAssistantMessage(e.Reply))
	}
	messages = append(messages, provider.NewUserMessage(text))
	return messages, nil
}

// runStreaming executes the streaming path: pending -> streaming ->
// {complete, error}, forwarding tokens in arrival order.
func (o *Orchestrator) runStreaming(ctx context.Context, conv *store.Conversation, exchange *store.Exchange, eff params.EffectiveParams, messages []provider.Message, onToken provider.TokenFunc) {
	if err := o.store.MarkStreaming(exchange.ID); err != nil {
		// Fail the exchange now rather than leaving it for the reaper.
		log.Printf("ORCHESTRATOR_TRANSITION_ERROR | exchange=%s error=%v", exchange.ID, err)
		o.fail(exchange.ID, "", err)
		return
	}
	if onToken == nil {
		onToken = func(string) {}
	}

	client, err := o.providers.Get(eff.Provider)
	if err != nil {
		o.fail(exchange.ID, "", err)
		return
	}

	content, usage, err := client.Stream(ctx, provider.Request{
		Model:       eff.ModelID,
		Messages:    messages,
		Temperature: eff.Temperature,
		Reasoning:   eff.Reasoning,
	}, onToken)
	if err != nil {
		var streamErr *provider.StreamError
		if errors.As(err, &streamErr) {
			o.fail(exchange.ID, streamErr.Partial, streamErr.Err)
			return
		}
		o.fail(exchange.ID, "", err)
		return
	}

	o.finalize(conv, exchange.ID, eff, content, usage)
}

// runBackground executes the background path: pending -> {complete, error},
// never passing through streaming.
func (o *Orchestrator) runBackground(ctx context.Context, conv *store.Conversation, exchange *store.Exchange, eff params.EffectiveParams, messages []provider.Message) {
	client, err := o.providers.Get(eff.Provider)
	if err != nil {
		o.fail(exchange.ID, "", err)
		return
	}

	content, usage, err := client.Complete(ctx, provider.Request{
		Model:       eff.ModelID,
		Messages:    messages,
		Temperature: eff.Temperature,
		Reasoning:   eff.Reasoning,
	})
	if err != nil {
		o.fail(exchange.ID, "", err)
		return
	}

	o.finalize(conv, exchange.ID, eff, content, usage)
}

// finalize writes the completed exchange and its usage record atomically,
// costing tokens against the pricing snapshot taken at submission.
func (o *Orchestrator) finalize(conv *store.Conversation, exchangeID string, eff params.EffectiveParams, content string, usage provider.Usage) {
	cost := ledger.CalculateCost(usage.InputTokens, usage.OutputTokens, eff.InputPer1K, eff.OutputPer1K)

	err := o.store.FinalizeExchange(exchangeID, content, usage.InputTokens, usage.OutputTokens, cost,
		ledger.TxRecorder(ledger.Record{
			ExchangeID:     exchangeID,
			ConversationID: conv.ID,
			DeviceID:       conv.DeviceID,
			Model:          eff.ModelID,
			Provider:       eff.Provider,
			TokensIn:       usage.InputTokens,
			TokensOut:      usage.OutputTokens,
			Cost:           cost,
			CreatedAt:      time.Now().UnixMilli(),
		}))
	if err != nil {
		log.Printf("ORCHESTRATOR_FINALIZE_ERROR | exchange=%s error=%v", exchangeID, err)
		return
	}
	log.Printf("ORCHESTRATOR_COMPLETE | exchange=%s model=%s tokens_in=%d tokens_out=%d cost=%.6f",
		exchangeID, eff.ModelID, usage.InputTokens, usage.OutputTokens, cost)
}

// fail moves the exchange to error with a readable message, preserving
// partial content. Failed exchanges never write usage.
func (o *Orchestrator) fail(exchangeID, partial string, cause error) {
	msg := readableError(cause)
	if err := o.store.FailExchange(exchangeID, partial, msg); err != nil {
		log.Printf("ORCHESTRATOR_FAIL_ERROR | exchange=%s error=%v", exchangeID, err)
		return
	}
	log.Printf("ORCHESTRATOR_FAILED | exchange=%s error=%s", exchangeID, msg)
}

// readableError maps provider failures to user-facing messages without
// internal detail.
func readableError(err error) string {
	switch {
	case errors.Is(err, provider.ErrNotConfigured):
		return "provider not configured: add an API key in the config"
	case errors.Is(err, provider.ErrAuthFailed):
		return "authentication failed: check the provider API key"
	case errors.Is(err, provider.ErrRateLimited):
		return "provider rate limit reached, try again shortly"
	case errors.Is(err, provider.ErrInsufficientCredits):
		return "provider account has insufficient credits"
	case errors.Is(err, provider.ErrModelNotFound):
		return "model not available from the provider"
	case errors.Is(err, context.DeadlineExceeded):
		return "generation timed out"
	default:
		return err.Error()
	}
}

// =============================================================================
// POLLING
// =============================================================================

// Poll returns a conversation's exchanges with elapsed-since-update times.
// Polling never mutates state and never re-triggers a provider call.
func (o *Orchestrator) Poll(conversationID string) (*store.Conversation, []PolledExchange, error) {
	conv, err := o.store.GetConversation(conversationID)
	if err != nil {
		return nil, nil, err
	}
	exchanges, err := o.store.ListExchanges(conversationID)
	if err != nil {
		return nil, nil, err
	}

	polled := make([]PolledExchange, 0, len(exchanges))
	for _, e := range exchanges {
		polled = append(polled, PolledExchange{
			Exchange:  e,
			ElapsedMs: e.ElapsedSinceUpdate().Milliseconds(),
		})
	}
	return conv, polled, nil
}

// =============================================================================
// REAPER AND SHUTDOWN
// =============================================================================

// StartReaper launches the stuck-exchange reaper. Exchanges non-terminal
// for longer than the generation bound (plus a grace period) are forced to
// error so a crashed generation can't block its conversation forever.
func (o *Orchestrator) StartReaper() {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.reapInterval)
		defer ticker.Stop()

		for {
			select {
			case <-o.stopCh:
				return
			case <-ticker.C:
				n, err := o.store.ReapStuck(o.maxDuration + 30*time.Second)
				if err != nil {
					log.Printf("ORCHESTRATOR_REAP_ERROR | error=%v", err)
					continue
				}
				if n > 0 {
					log.Printf("ORCHESTRATOR_REAPED | count=%d", n)
				}
			}
		}
	}()
}

// Close stops the reaper and waits for in-flight background generations.
func (o *Orchestrator) Close() {
	close(o.stopCh)
	o.wg.Wait()
}
