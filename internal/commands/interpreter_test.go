// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jeranaias/llmrouter/internal/catalog"
)

func testInterpreter(t *testing.T) *Interpreter {
	t.Helper()
	// Builtin catalog: gpt-4o / claude-3-5-sonnet-20240620 support
	// temperature only; gpt-5.1 / o3-mini support reasoning only.
	reg := catalog.New(
		catalog.Defaults{Model: "gpt-4o-mini", Reasoning: "medium", Temperature: 0.7},
		catalog.WithFallbackPath(filepath.Join(t.TempDir(), "missing.yaml")),
	)
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	return NewInterpreter(reg)
}

func strPtr(s string) *string     { return &s }
func floatPtr(f float64) *float64 { return &f }

func TestInterpretNotACommand(t *testing.T) {
	in := testInterpreter(t)

	for _, input := range []string{"hello", "what is /model?", "  plain text  ", ""} {
		if out := in.Interpret(input, State{}); out.Kind != NotACommand {
			t.Errorf("Interpret(%q).Kind = %v, want NotACommand", input, out.Kind)
		}
	}
}

func TestInterpretUnknownCommand(t *testing.T) {
	in := testInterpreter(t)

	out := in.Interpret("/frobnicate now", State{})
	if out.Kind != Rejected {
		t.Fatalf("Kind = %v, want Rejected", out.Kind)
	}
	if !strings.Contains(out.Reason, "unknown command") {
		t.Errorf("Reason = %q, want unknown command", out.Reason)
	}
}

func TestInterpretModel(t *testing.T) {
	in := testInterpreter(t)

	out := in.Interpret("/model sonnet 4", State{ModelID: "gpt-4o"})
	if out.Kind != Applied {
		t.Fatalf("Kind = %v, want Applied (reason %q)", out.Kind, out.Reason)
	}
	if out.Delta.ModelID != "claude-sonnet-4-20250514" {
		t.Errorf("ModelID = %q", out.Delta.ModelID)
	}
}

func TestInterpretModelResetsUnsupportedParams(t *testing.T) {
	in := testInterpreter(t)

	// Switch to a reasoning-only model: temperature resets to 0.0 and
	// reasoning snaps to the model's first supported level.
	out := in.Interpret("/model o3-mini", State{ModelID: "gpt-4o", Temperature: floatPtr(1.2)})
	if out.Kind != Applied {
		t.Fatalf("Kind = %v, want Applied (reason %q)", out.Kind, out.Reason)
	}
	if out.Delta.Temperature == nil || *out.Delta.Temperature != 0.0 {
		t.Errorf("Temperature delta = %v, want reset to 0.0", out.Delta.Temperature)
	}
	if out.Delta.Reasoning == nil || *out.Delta.Reasoning != "low" {
		t.Errorf("Reasoning delta = %v, want first supported level low", out.Delta.Reasoning)
	}

	// Switch back to a temperature model: reasoning is cleared.
	out = in.Interpret("/model gpt-4o", State{ModelID: "o3-mini", Reasoning: strPtr("high")})
	if out.Kind != Applied {
		t.Fatalf("Kind = %v, want Applied", out.Kind)
	}
	if !out.Delta.ClearReasoning {
		t.Error("ClearReasoning should be set when the new model has no reasoning levels")
	}
}

func TestInterpretModelNotFound(t *testing.T) {
	in := testInterpreter(t)

	out := in.Interpret("/model gemini-ultra", State{})
	if out.Kind != Rejected {
		t.Fatalf("Kind = %v, want Rejected", out.Kind)
	}
}

func TestInterpretTemp(t *testing.T) {
	in := testInterpreter(t)
	active := State{ModelID: "gpt-4o"}

	tests := []struct {
		name   string
		input  string
		state  State
		kind   Kind
		reason string
	}{
		{"valid", "/temp 0.4", active, Applied, ""},
		{"boundary low", "/temp 0", active, Applied, ""},
		{"boundary high", "/temp 2.0", active, Applied, ""},
		{"out of range high", "/temp 3.0", active, Rejected, "between 0.0 and 2.0"},
		{"out of range negative", "/temp -0.1", active, Rejected, "between 0.0 and 2.0"},
		{"not a number", "/temp warm", active, Rejected, "must be a number"},
		{"infinity", "/temp +Inf", active, Rejected, "must be a number"},
		{"unsupported model", "/temp 0.5", State{ModelID: "o3-mini"}, Rejected, "does not support temperature"},
		// Range check wins over capability: 3.0 is rejected for range even
		// on a model without temperature support.
		{"out of range on unsupported model", "/temp 3.0", State{ModelID: "o3-mini"}, Rejected, "between 0.0 and 2.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := in.Interpret(tt.input, tt.state)
			if out.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v (reason %q)", out.Kind, tt.kind, out.Reason)
			}
			if tt.reason != "" && !strings.Contains(out.Reason, tt.reason) {
				t.Errorf("Reason = %q, want containing %q", out.Reason, tt.reason)
			}
		})
	}
}

func TestInterpretReasoning(t *testing.T) {
	in := testInterpreter(t)

	out := in.Interpret("/reasoning high", State{ModelID: "o3-mini"})
	if out.Kind != Applied {
		t.Fatalf("Kind = %v, want Applied (reason %q)", out.Kind, out.Reason)
	}
	if out.Delta.Reasoning == nil || *out.Delta.Reasoning != "high" {
		t.Errorf("Reasoning delta = %v", out.Delta.Reasoning)
	}

	// Level match is case-sensitive.
	out = in.Interpret("/reasoning HIGH", State{ModelID: "o3-mini"})
	if out.Kind != Rejected {
		t.Errorf("uppercase level should be Rejected, got %v", out.Kind)
	}

	// Model without reasoning levels.
	out = in.Interpret("/reasoning high", State{ModelID: "claude-3-5-sonnet-20240620"})
	if out.Kind != Rejected || !strings.Contains(out.Reason, "reasoning levels not supported") {
		t.Errorf("Kind = %v reason = %q, want Rejected/not supported", out.Kind, out.Reason)
	}
}

func TestInterpretSystem(t *testing.T) {
	in := testInterpreter(t)

	out := in.Interpret("/system You are terse.", State{})
	if out.Kind != Applied {
		t.Fatalf("Kind = %v, want Applied", out.Kind)
	}
	if out.Delta.SystemAppend != "You are terse." {
		t.Errorf("SystemAppend = %q", out.Delta.SystemAppend)
	}

	out = in.Interpret("/system    ", State{})
	if out.Kind != Rejected {
		t.Error("empty system text should be Rejected")
	}
}

func TestInterpretImage(t *testing.T) {
	in := testInterpreter(t)

	out := in.Interpret("/image a red fox in snow", State{})
	if out.Kind != Applied {
		t.Fatalf("Kind = %v, want Applied", out.Kind)
	}
	img := out.Delta.Image
	if img == nil || img.Prompt != "a red fox in snow" {
		t.Fatalf("Image = %+v", img)
	}
	if img.Model != DefaultImageModel || img.Size != DefaultImageSize {
		t.Errorf("defaults not applied: %+v", img)
	}

	out = in.Interpret("/image a red fox model=dall-e-2 size=512x512", State{})
	img = out.Delta.Image
	if img == nil || img.Prompt != "a red fox" || img.Model != "dall-e-2" || img.Size != "512x512" {
		t.Errorf("key=value extraction failed: %+v", img)
	}

	out = in.Interpret("/image model=dall-e-2", State{})
	if out.Kind != Rejected {
		t.Error("empty prompt should be Rejected")
	}
}

func TestInterpretHelp(t *testing.T) {
	in := testInterpreter(t)

	out := in.Interpret("/help", State{})
	if out.Kind != Applied {
		t.Fatalf("Kind = %v, want Applied", out.Kind)
	}
	if out.Delta != (StateDelta{}) {
		t.Error("/help should not mutate state")
	}
	if !strings.Contains(out.Confirmation, "/model") {
		t.Error("help text should document commands")
	}
}

func TestInterpretCaseInsensitiveCommandWord(t *testing.T) {
	in := testInterpreter(t)

	out := in.Interpret("/MODEL gpt-4o", State{})
	if out.Kind != Applied {
		t.Errorf("Kind = %v, want Applied for uppercase command word", out.Kind)
	}
}
