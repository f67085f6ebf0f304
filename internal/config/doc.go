// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for llmrouter.
//
// Configuration is loaded from ~/.llmrouter/config.toml, with environment
// variables (OPENAI_API_KEY, ANTHROPIC_API_KEY, LLMROUTER_PORT, ...) taking
// precedence over file values, and built-in defaults filling the rest.
//
// # Key Types
//
//   - Config: the complete configuration tree
//   - ServerConfig: listen port and rate limiting
//   - ProvidersConfig: per-provider API keys and base URLs
//   - DefaultsConfig: default model, reasoning effort, and temperature
//   - GenerationConfig: generation timeout and reaper cadence
//   - CatalogConfig: fallback catalog path and hot reload
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Server.Port)
//
// The config file holds API keys, so it is created with 0600 permissions
// and permissions are re-checked on every load.
package config
