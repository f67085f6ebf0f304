// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package catalog provides the model capability registry.
package catalog

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// =============================================================================
// TYPES
// =============================================================================

// Capability sources.
const (
	SourceLive     = "live"     // confirmed by a live provider listing
	SourceFallback = "fallback" // assumed from the static fallback file
)

// ModelCapability describes a model and the optional parameters it accepts.
// Entries are immutable once published; catalog reloads replace the whole
// snapshot rather than mutating entries in place.
type ModelCapability struct {
	ID          string `yaml:"id" json:"id"`
	DisplayName string `yaml:"display_name" json:"display_name"`
	Provider    string `yaml:"provider" json:"provider"`

	// SupportsTemperature reports whether the model accepts a temperature
	// parameter. Reasoning models generally do not.
	SupportsTemperature bool `yaml:"supports_temperature" json:"supports_temperature"`
	// ReasoningLevels lists accepted reasoning efforts. Empty means the
	// model has no reasoning parameter.
	ReasoningLevels []string `yaml:"reasoning_levels" json:"reasoning_levels"`

	// Pricing per 1K tokens, in USD.
	InputPer1K  float64 `yaml:"input_per_1k" json:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k" json:"output_per_1k"`

	Source    string `yaml:"-" json:"source"`
	Available bool   `yaml:"-" json:"available"`
}

// SupportsReasoning reports whether the model has any reasoning levels.
func (m ModelCapability) SupportsReasoning() bool {
	return len(m.ReasoningLevels) > 0
}

// HasReasoningLevel reports whether level is accepted (case-sensitive).
func (m ModelCapability) HasReasoningLevel(level string) bool {
	for _, l := range m.ReasoningLevels {
		if l == level {
			return true
		}
	}
	return false
}

// Defaults supplies the fallback model and parameters for new conversations.
type Defaults struct {
	Model       string  `yaml:"model" json:"model"`
	Reasoning   string  `yaml:"reasoning" json:"reasoning"`
	Temperature float64 `yaml:"temperature" json:"temperature"`
}

// Lister fetches the live model listing for one provider.
type Lister interface {
	// Provider returns the provider name ("openai", "anthropic").
	Provider() string
	// ListModels returns the model ids the provider currently serves.
	ListModels(ctx context.Context) ([]string, error)
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry holds the current catalog snapshot. Reads take the read lock;
// Refresh builds a complete replacement snapshot and swaps it in.
type Registry struct {
	mu       sync.RWMutex
	models   map[string]ModelCapability
	order    []string
	defaults Defaults

	listers      []Lister
	fetchTimeout time.Duration
	fallbackPath string
}

// Option configures a Registry.
type Option func(*Registry)

// WithListers sets the live provider listers.
func WithListers(listers ...Lister) Option {
	return func(r *Registry) { r.listers = listers }
}

// WithFetchTimeout bounds each provider listing call.
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Registry) { r.fetchTimeout = d }
}

// WithFallbackPath sets the YAML fallback catalog path.
func WithFallbackPath(path string) Option {
	return func(r *Registry) { r.fallbackPath = path }
}

// New creates a Registry seeded with the given defaults. The catalog is
// empty until the first Refresh.
func New(defaults Defaults, opts ...Option) *Registry {
	r := &Registry{
		models:       make(map[string]ModelCapability),
		defaults:     defaults,
		fetchTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Defaults returns the default generation parameters.
func (r *Registry) Defaults() Defaults {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// Lookup returns the capability record for a model id.
func (r *Registry) Lookup(id string) (ModelCapability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[id]
	return m, ok
}

// List returns all models in stable order.
func (r *Registry) List() []ModelCapability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelCapability, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.models[id])
	}
	return out
}

// Find resolves a user query to a model. Match order: exact id, exact
// display name, substring of id. All comparisons are case-insensitive.
func (r *Registry) Find(query string) (ModelCapability, bool) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return ModelCapability{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.order {
		if strings.ToLower(id) == q {
			return r.models[id], true
		}
	}
	for _, id := range r.order {
		if strings.ToLower(r.models[id].DisplayName) == q {
			return r.models[id], true
		}
	}
	for _, id := range r.order {
		if strings.Contains(strings.ToLower(id), q) {
			return r.models[id], true
		}
	}
	return ModelCapability{}, false
}

// =============================================================================
// REFRESH
// =============================================================================

// Refresh rebuilds the catalog: the fallback file is loaded, every provider
// is queried concurrently, and live results are merged over the fallback
// entries. Provider failures degrade that provider to fallback entries only;
// if every provider fails the fallback-only catalog is still published.
func (r *Registry) Refresh(ctx context.Context) error {
	fallback, err := LoadFallback(r.fallbackPath)
	if err != nil {
		log.Printf("CATALOG_FALLBACK_ERROR | path=%s error=%v", r.fallbackPath, err)
		fallback = nil
	}

	var g errgroup.Group
	var lmu sync.Mutex
	live := make(map[string][]string) // provider -> model ids, only on success

	for _, lister := range r.listers {
		lister := lister
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
			defer cancel()

			ids, err := lister.ListModels(fctx)
			if err != nil {
				// Degrade to fallback entries for this provider.
				log.Printf("CATALOG_FETCH_ERROR | provider=%s error=%v", lister.Provider(), err)
				return nil
			}
			lmu.Lock()
			live[lister.Provider()] = ids
			lmu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	models := make(map[string]ModelCapability)
	var order []string

	for _, m := range fallback {
		m.Source = SourceFallback
		m.Available = false
		if ids, ok := live[m.Provider]; ok {
			for _, id := range ids {
				if id == m.ID {
					m.Source = SourceLive
					m.Available = true
					break
				}
			}
		}
		if _, dup := models[m.ID]; dup {
			continue
		}
		models[m.ID] = m
		order = append(order, m.ID)
	}

	// Live models absent from the fallback file get inferred capabilities.
	var extra []string
	for provider, ids := range live {
		for _, id := range ids {
			if _, known := models[id]; known {
				continue
			}
			models[id] = inferCapability(id, provider)
			extra = append(extra, id)
		}
	}
	sort.Strings(extra)
	order = append(order, extra...)

	r.mu.Lock()
	r.models = models
	r.order = order
	r.mu.Unlock()

	log.Printf("CATALOG_REFRESH | models=%d live_providers=%d", len(order), len(live))
	return nil
}

// inferCapability builds a capability record for a live model the fallback
// file doesn't describe. Reasoning-first model families reject temperature.
func inferCapability(id, provider string) ModelCapability {
	m := ModelCapability{
		ID:                  id,
		DisplayName:         id,
		Provider:            provider,
		SupportsTemperature: true,
		Source:              SourceLive,
		Available:           true,
	}
	for _, prefix := range []string{"o1", "o3", "gpt-5"} {
		if strings.HasPrefix(id, prefix) {
			m.SupportsTemperature = false
			m.ReasoningLevels = []string{"low", "medium", "high"}
			break
		}
	}
	return m
}
