// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// FALLBACK CATALOG
// =============================================================================

// fallbackFile is the YAML shape of the fallback catalog.
type fallbackFile struct {
	Models []ModelCapability `yaml:"models"`
}

// builtinFallback is used when no fallback file exists on disk. It covers
// the common models so a fresh install has a usable catalog before any
// provider key is configured.
var builtinFallback = []ModelCapability{
	{
		ID: "gpt-4o", DisplayName: "GPT-4o", Provider: "openai",
		SupportsTemperature: true,
		InputPer1K:          0.0025, OutputPer1K: 0.01,
	},
	{
		ID: "gpt-4o-mini", DisplayName: "GPT-4o mini", Provider: "openai",
		SupportsTemperature: true,
		InputPer1K:          0.00015, OutputPer1K: 0.0006,
	},
	{
		ID: "gpt-5.1", DisplayName: "GPT-5.1", Provider: "openai",
		SupportsTemperature: false,
		ReasoningLevels:     []string{"low", "medium", "high"},
		InputPer1K:          0.00125, OutputPer1K: 0.01,
	},
	{
		ID: "o3-mini", DisplayName: "o3-mini", Provider: "openai",
		SupportsTemperature: false,
		ReasoningLevels:     []string{"low", "medium", "high"},
		InputPer1K:          0.0011, OutputPer1K: 0.0044,
	},
	{
		ID: "claude-sonnet-4-20250514", DisplayName: "Claude Sonnet 4", Provider: "anthropic",
		SupportsTemperature: true,
		InputPer1K:          0.003, OutputPer1K: 0.015,
	},
	{
		ID: "claude-3-5-sonnet-20240620", DisplayName: "Claude 3.5 Sonnet", Provider: "anthropic",
		SupportsTemperature: true,
		InputPer1K:          0.003, OutputPer1K: 0.015,
	},
	{
		ID: "claude-3-5-haiku-20241022", DisplayName: "Claude 3.5 Haiku", Provider: "anthropic",
		SupportsTemperature: true,
		InputPer1K:          0.0008, OutputPer1K: 0.004,
	},
}

// LoadFallback loads the YAML fallback catalog from path. A missing file
// yields the built-in catalog; a malformed file is an error.
func LoadFallback(path string) ([]ModelCapability, error) {
	if path == "" {
		return builtinModels(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return builtinModels(), nil
		}
		return nil, fmt.Errorf("failed to read fallback catalog: %w", err)
	}

	var f fallbackFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse fallback catalog: %w", err)
	}

	out := make([]ModelCapability, 0, len(f.Models))
	for _, m := range f.Models {
		if m.ID == "" {
			continue
		}
		if m.DisplayName == "" {
			m.DisplayName = m.ID
		}
		out = append(out, m)
	}
	return out, nil
}

func builtinModels() []ModelCapability {
	out := make([]ModelCapability, len(builtinFallback))
	copy(out, builtinFallback)
	return out
}
