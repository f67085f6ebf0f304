// llmrouter - chat request orchestration backend for LLM providers.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jeranaias/llmrouter/internal/catalog"
	"github.com/jeranaias/llmrouter/internal/config"
	"github.com/jeranaias/llmrouter/internal/orchestrator"
	"github.com/jeranaias/llmrouter/internal/provider"
	"github.com/jeranaias/llmrouter/internal/server"
	"github.com/jeranaias/llmrouter/internal/store"
)

// Version information (set at build time)
var (
	Version   = "0.2.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (default ~/.llmrouter/config.toml)")
		port        = flag.Int("port", 0, "override the configured HTTP port")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("llmrouter %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	if err := run(*configPath, *port); err != nil {
		log.Fatalf("FATAL | error=%v", err)
	}
}

func run(configPath string, portOverride int) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if portOverride != 0 {
		cfg.Server.Port = portOverride
	}

	dbPath, err := cfg.DatabasePath()
	if err != nil {
		return err
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()
	log.Printf("STORE_OPEN | path=%s", dbPath)

	providers := buildProviders(cfg)

	fallbackPath, err := cfg.FallbackCatalogPath()
	if err != nil {
		return err
	}
	registry := catalog.New(
		catalog.Defaults{
			Model:       cfg.Defaults.Model,
			Reasoning:   cfg.Defaults.Reasoning,
			Temperature: cfg.Defaults.Temperature,
		},
		catalog.WithFallbackPath(fallbackPath),
		catalog.WithFetchTimeout(time.Duration(cfg.Catalog.FetchTimeoutSecs)*time.Second),
		catalog.WithListers(listers(providers)...),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := registry.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}

	if cfg.Catalog.WatchFallback {
		watcher, err := catalog.NewWatcher(registry, fallbackPath)
		if err != nil {
			log.Printf("CATALOG_WATCH_ERROR | error=%v", err)
		} else if err := watcher.Watch(); err != nil {
			log.Printf("CATALOG_WATCH_ERROR | error=%v", err)
		} else {
			defer watcher.Close()
		}
	}

	orch := orchestrator.New(st, registry, providers,
		time.Duration(cfg.Generation.MaxDurationSecs)*time.Second,
		time.Duration(cfg.Generation.ReapIntervalSecs)*time.Second)
	orch.StartReaper()
	defer orch.Close()

	srv := server.NewServer(cfg.Server.Port, st, orch, registry, providers)
	if cfg.Server.RateLimitRPS > 0 {
		srv.WithRateLimit(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	}

	return srv.Start(ctx)
}

// loadConfig loads from an explicit path or the default location. Both
// variants apply environment overrides and validate.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

// buildProviders wires the provider clients from config. Clients without an
// API key stay in the set but report unconfigured; the catalog skips them
// and chat submissions against them fail with a readable error.
func buildProviders(cfg *config.Config) *provider.Set {
	openai := provider.NewOpenAIClient(cfg.Providers.OpenAIKey)
	if cfg.Providers.OpenAIBaseURL != "" {
		openai.WithBaseURL(cfg.Providers.OpenAIBaseURL)
	}

	anthropic := provider.NewAnthropicClient(cfg.Providers.AnthropicKey)
	if cfg.Providers.AnthropicBaseURL != "" {
		anthropic.WithBaseURL(cfg.Providers.AnthropicBaseURL)
	}

	return provider.NewSet(openai, anthropic)
}

func listers(set *provider.Set) []catalog.Lister {
	clients := set.Listers()
	out := make([]catalog.Lister, 0, len(clients))
	for _, c := range clients {
		out = append(out, c)
	}
	return out
}
