// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package params resolves effective generation parameters from model
// capabilities.
package params

import (
	"errors"
	"fmt"

	"github.com/jeranaias/llmrouter/internal/catalog"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrUnknownModel indicates the model id is not in the catalog.
	ErrUnknownModel = errors.New("unknown model")
	// ErrInvalidReasoning indicates a reasoning level the model doesn't accept.
	ErrInvalidReasoning = errors.New("invalid reasoning level")
)

// =============================================================================
// EFFECTIVE PARAMETERS
// =============================================================================

// EffectiveParams is the exact parameter set submitted to a provider.
// Temperature and Reasoning are nil when the model doesn't accept them, so
// providers never receive an unsupported field. The pricing fields are a
// snapshot taken at resolution time; catalog reloads never change the cost
// math for an exchange already submitted.
type EffectiveParams struct {
	ModelID     string
	Provider    string
	Temperature *float64
	Reasoning   *string

	InputPer1K  float64
	OutputPer1K float64
}

// Resolve computes the effective parameters for a generation request.
// requestedTemp and requestedReasoning are the conversation's declared
// settings; nil means "not set, use the catalog default".
//
// A requested reasoning level outside the model's accepted set is an error:
// the command interpreter should never produce one, but an invalid value
// must not be forwarded to a provider.
func Resolve(modelID string, requestedTemp *float64, requestedReasoning *string, reg *catalog.Registry) (EffectiveParams, error) {
	m, ok := reg.Lookup(modelID)
	if !ok {
		return EffectiveParams{}, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	defaults := reg.Defaults()

	p := EffectiveParams{
		ModelID:     m.ID,
		Provider:    m.Provider,
		InputPer1K:  m.InputPer1K,
		OutputPer1K: m.OutputPer1K,
	}

	if m.SupportsTemperature {
		t := defaults.Temperature
		if requestedTemp != nil {
			t = *requestedTemp
		}
		p.Temperature = &t
	}

	if m.SupportsReasoning() {
		level := defaults.Reasoning
		if requestedReasoning != nil {
			level = *requestedReasoning
		}
		if !m.HasReasoningLevel(level) {
			if requestedReasoning != nil {
				return EffectiveParams{}, fmt.Errorf("%w: %q not accepted by %s", ErrInvalidReasoning, level, m.ID)
			}
			// Catalog default doesn't apply to this model; use its first level.
			level = m.ReasoningLevels[0]
		}
		p.Reasoning = &level
	}

	return p, nil
}
