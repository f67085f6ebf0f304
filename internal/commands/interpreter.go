// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package commands provides the slash command interpreter for chat input.
package commands

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/jeranaias/llmrouter/internal/catalog"
)

// =============================================================================
// STATE AND OUTCOME
// =============================================================================

// State is the conversation parameter state a command mutates.
type State struct {
	ModelID     string
	Temperature *float64
	Reasoning   *string
}

// StateDelta describes the mutations a command produces. Nil pointer fields
// are unchanged; ClearReasoning drops the reasoning setting entirely (used
// when switching to a model with no reasoning parameter).
type StateDelta struct {
	ModelID        string
	Temperature    *float64
	Reasoning      *string
	ClearReasoning bool
	SystemAppend   string
	Image          *ImageRequest
}

// ImageRequest is the parsed form of /image.
type ImageRequest struct {
	Prompt string
	Model  string
	Size   string
}

// Image generation defaults.
const (
	DefaultImageModel = "dall-e-3"
	DefaultImageSize  = "1024x1024"
)

// Outcome kinds.
type Kind int

const (
	// NotACommand means the input should be treated as a chat message.
	NotACommand Kind = iota
	// Applied means the command succeeded and produced a state delta.
	Applied
	// Rejected means the input was a command but invalid.
	Rejected
)

// Outcome is the result of interpreting one input line.
type Outcome struct {
	Kind         Kind
	Delta        StateDelta
	Confirmation string // Applied: user-facing confirmation text
	Reason       string // Rejected: user-facing rejection reason
}

func applied(delta StateDelta, format string, args ...interface{}) Outcome {
	return Outcome{Kind: Applied, Delta: delta, Confirmation: fmt.Sprintf(format, args...)}
}

func rejected(format string, args ...interface{}) Outcome {
	return Outcome{Kind: Rejected, Reason: fmt.Sprintf(format, args...)}
}

// =============================================================================
// INTERPRETER
// =============================================================================

// Interpreter parses slash commands against the model catalog.
type Interpreter struct {
	registry *catalog.Registry
}

// NewInterpreter creates an interpreter backed by the given registry.
func NewInterpreter(registry *catalog.Registry) *Interpreter {
	return &Interpreter{registry: registry}
}

// Interpret classifies one input line. Input is a command iff it starts
// with "/"; the first whitespace-delimited token selects the command
// (case-insensitive) and the remainder is passed verbatim as the argument
// string. An unrecognized command word is Rejected, never silently treated
// as chat text.
func (in *Interpreter) Interpret(rawInput string, state State) Outcome {
	input := strings.TrimSpace(rawInput)
	if !strings.HasPrefix(input, "/") {
		return Outcome{Kind: NotACommand}
	}

	name := input
	args := ""
	if idx := strings.IndexFunc(input, func(r rune) bool { return r == ' ' || r == '\t' }); idx >= 0 {
		name = input[:idx]
		args = strings.TrimSpace(input[idx+1:])
	}

	switch strings.ToLower(name) {
	case "/model":
		return in.interpretModel(args, state)
	case "/temp":
		return in.interpretTemp(args, state)
	case "/reasoning":
		return in.interpretReasoning(args, state)
	case "/system":
		return in.interpretSystem(args)
	case "/image":
		return in.interpretImage(args)
	case "/help":
		return applied(StateDelta{}, "%s", HelpText)
	default:
		return rejected("unknown command: %s", name)
	}
}

// interpretModel switches the active model. When the target model doesn't
// support the currently selected reasoning level, reasoning resets to the
// model's first supported level; when it doesn't support temperature,
// temperature resets to 0.0.
func (in *Interpreter) interpretModel(args string, state State) Outcome {
	if args == "" {
		return rejected("usage: /model <name>")
	}

	m, ok := in.registry.Find(args)
	if !ok {
		return rejected("model not found: %s", args)
	}

	delta := StateDelta{ModelID: m.ID}
	var notes []string

	if m.SupportsReasoning() {
		if state.Reasoning == nil || !m.HasReasoningLevel(*state.Reasoning) {
			level := m.ReasoningLevels[0]
			delta.Reasoning = &level
			notes = append(notes, fmt.Sprintf("reasoning set to %s", level))
		}
	} else if state.Reasoning != nil {
		delta.ClearReasoning = true
	}

	if !m.SupportsTemperature {
		zero := 0.0
		delta.Temperature = &zero
	}

	confirmation := fmt.Sprintf("Model set to %s (%s)", m.DisplayName, m.ID)
	if len(notes) > 0 {
		confirmation += " - " + strings.Join(notes, ", ")
	}
	return Outcome{Kind: Applied, Delta: delta, Confirmation: confirmation}
}

// interpretTemp validates range before capability so an out-of-range value
// is always rejected with the range message.
func (in *Interpreter) interpretTemp(args string, state State) Outcome {
	if args == "" {
		return rejected("usage: /temp <0.0-2.0>")
	}

	t, err := strconv.ParseFloat(args, 64)
	if err != nil || math.IsNaN(t) || math.IsInf(t, 0) {
		return rejected("temperature must be a number: %s", args)
	}
	if t < 0 || t > 2 {
		return rejected("temperature must be between 0.0 and 2.0, got %g", t)
	}

	m, ok := in.registry.Lookup(state.ModelID)
	if !ok || !m.SupportsTemperature {
		return rejected("model %s does not support temperature", state.ModelID)
	}

	return applied(StateDelta{Temperature: &t}, "Temperature set to %g", t)
}

func (in *Interpreter) interpretReasoning(args string, state State) Outcome {
	if args == "" {
		return rejected("usage: /reasoning <level>")
	}

	m, ok := in.registry.Lookup(state.ModelID)
	if !ok || !m.SupportsReasoning() {
		return rejected("reasoning levels not supported by %s", state.ModelID)
	}
	// Level match is case-sensitive.
	if !m.HasReasoningLevel(args) {
		return rejected("invalid reasoning level %q (valid: %s)", args, strings.Join(m.ReasoningLevels, ", "))
	}

	return applied(StateDelta{Reasoning: &args}, "Reasoning set to %s", args)
}

func (in *Interpreter) interpretSystem(args string) Outcome {
	text := strings.TrimSpace(args)
	if text == "" {
		return rejected("usage: /system <text>")
	}
	return applied(StateDelta{SystemAppend: text}, "System prompt updated")
}

// interpretImage extracts trailing key=value tokens (model=, size=) before
// treating the remainder as the prompt.
func (in *Interpreter) interpretImage(args string) Outcome {
	req := ImageRequest{Model: DefaultImageModel, Size: DefaultImageSize}

	tokens := strings.Fields(args)
	end := len(tokens)
opts:
	for end > 0 {
		tok := tokens[end-1]
		switch {
		case strings.HasPrefix(tok, "model="):
			req.Model = strings.TrimPrefix(tok, "model=")
		case strings.HasPrefix(tok, "size="):
			req.Size = strings.TrimPrefix(tok, "size=")
		default:
			break opts
		}
		end--
	}
	req.Prompt = strings.TrimSpace(strings.Join(tokens[:end], " "))
	if req.Prompt == "" {
		return rejected("usage: /image <prompt> [model=...] [size=...]")
	}

	return applied(StateDelta{Image: &req}, "Generating image with %s (%s)", req.Model, req.Size)
}

// =============================================================================
// HELP
// =============================================================================

// HelpText is the static command documentation returned by /help.
const HelpText = `Available commands:
  /model <name>          Switch model (matches id, display name, or substring)
  /temp <0.0-2.0>        Set sampling temperature
  /reasoning <level>     Set reasoning effort (low, medium, high)
  /system <text>         Append to the conversation's system prompt
  /image <prompt>        Generate an image [model=dall-e-3] [size=1024x1024]
  /help                  Show this help`
