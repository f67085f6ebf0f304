// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package catalog provides the model capability registry.
//
// The registry answers "which models exist and which optional parameters
// does each accept" for the rest of the backend. It merges two sources:
// live per-provider model listings and a static YAML fallback file. A
// provider that cannot be queried degrades to its fallback entries marked
// available=false; if every provider fails the fallback-only catalog is
// still served, so there is always a usable catalog.
//
// # Key Types
//
//   - ModelCapability: one model's id, provider, pricing, and which
//     optional parameters (temperature, reasoning levels) it accepts
//   - Defaults: fallback model/reasoning/temperature for new conversations
//   - Registry: the snapshot holder; Lookup, List, Find, Refresh
//   - Watcher: fsnotify-based hot reload of the fallback file
//
// # Usage
//
//	reg := catalog.New(defaults,
//	    catalog.WithListers(openaiLister, anthropicLister),
//	    catalog.WithFallbackPath(path))
//	_ = reg.Refresh(ctx)
//	m, ok := reg.Find("sonnet")
//
// Snapshots are replaced wholesale on refresh; individual entries are
// never mutated in place, so in-flight requests keep the capability
// values they resolved at submission time.
package catalog
