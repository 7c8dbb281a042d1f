// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command meminject runs the Memory Injection Engine as a standalone
// pre-hook, for local testing against either backend without wiring a
// full channel host.
//
// Usage:
//
//	meminject run --channel my-channel --text "remind me to call the client"
//	meminject run --backend weaviate --weaviate-url http://localhost:8080 --text "what did we decide?"
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"

	"github.com/spf13/cobra"
	weaviateclient "github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/AleutianAI/meminject/pkg/logging"
	"github.com/AleutianAI/meminject/services/memory/config"
	"github.com/AleutianAI/meminject/services/memory/dedup"
	"github.com/AleutianAI/meminject/services/memory/engine"
	"github.com/AleutianAI/meminject/services/memory/governor"
	"github.com/AleutianAI/meminject/services/memory/hybridsearch"
	"github.com/AleutianAI/meminject/services/memory/observability"
	"github.com/AleutianAI/meminject/services/memory/planner"
	apistore "github.com/AleutianAI/meminject/services/memory/store"
	"github.com/AleutianAI/meminject/services/memory/store/local"
	"github.com/AleutianAI/meminject/services/memory/store/weaviate"
)

var (
	flagBackend     string
	flagConfigPath  string
	flagLocalDir    string
	flagWeaviateURL string
	flagChannel     string
	flagAgent       string
	flagText        string
	flagLogLevel    string
	flagLogDir      string
	flagLogJSON     bool
)

func main() {
	root := &cobra.Command{
		Use:   "meminject",
		Short: "Memory Injection Engine pre-hook runner",
	}

	root.PersistentFlags().StringVar(&flagBackend, "backend", "local", `storage backend: "local" or "weaviate"`)
	root.PersistentFlags().StringVar(&flagConfigPath, "config", "meminject.yaml", "path to the memory_injection config file")
	root.PersistentFlags().StringVar(&flagLocalDir, "local-dir", "./meminject-data", "data directory for the local backend")
	root.PersistentFlags().StringVar(&flagWeaviateURL, "weaviate-url", "http://localhost:8080", "Weaviate instance URL")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn, or error")
	root.PersistentFlags().StringVar(&flagLogDir, "log-dir", "", "directory for JSON log files, in addition to stderr")
	root.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "emit stderr logs as JSON instead of text")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single turn through the engine and print the resulting InjectionBlock",
		RunE:  runOnce,
	}
	runCmd.Flags().StringVar(&flagChannel, "channel", "default", "channel identifier")
	runCmd.Flags().StringVar(&flagAgent, "agent", "", "agent name for per-agent config override")
	runCmd.Flags().StringVar(&flagText, "text", "", "the incoming message text")
	runCmd.MarkFlagRequired("text")

	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runOnce(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	logger := logging.New(logging.Config{
		Level:   parseLogLevel(flagLogLevel),
		LogDir:  flagLogDir,
		Service: "meminject",
		JSON:    flagLogJSON,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	resolver, err := config.NewResolver(flagConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := resolver.Watch(); err != nil {
		slog.Warn("config hot-reload disabled", "error", err)
	}
	defer resolver.Close()

	store, embedder, err := openStore(ctx)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	searcher := hybridsearch.NewSearcher(store, embedder)
	p := planner.New(store, searcher)
	f := dedup.New(store, embedder)
	eng := engine.New(resolver, p, f)

	req := planner.Request{Channel: flagChannel, Text: flagText, Trigger: planner.TriggerUser}
	out, err := eng.Turn(ctx, req, flagAgent, governor.Transcript{})
	if err != nil {
		return fmt.Errorf("turn: %w", err)
	}

	observability.TraceTurn(flagChannel, out)

	if out.Block.Empty() {
		fmt.Println("(no injection block for this turn)")
		return nil
	}
	fmt.Println(out.Block.Text)
	return nil
}

// parseLogLevel maps the --log-level flag to a logging.Level, defaulting
// to Info for an unrecognized value rather than failing the run.
func parseLogLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

// openStore builds the configured backend's Store plus an
// HTTPEmbedder, the latter shared across both backends since embedding
// computation only depends on EMBEDDING_SERVICE_URL, not on which
// store holds the vectors.
func openStore(ctx context.Context) (apistore.Store, apistore.EmbeddingProvider, error) {
	embedder := weaviate.NewHTTPEmbedder("", "")

	switch flagBackend {
	case "weaviate":
		parsed, err := url.Parse(flagWeaviateURL)
		if err != nil || parsed.Host == "" {
			return nil, nil, fmt.Errorf("invalid --weaviate-url %q: %v", flagWeaviateURL, err)
		}
		client, err := weaviateclient.NewClient(weaviateclient.Config{Host: parsed.Host, Scheme: parsed.Scheme})
		if err != nil {
			return nil, nil, fmt.Errorf("create weaviate client: %w", err)
		}
		if err := weaviate.EnsureSchema(ctx, client); err != nil {
			return nil, nil, fmt.Errorf("ensure weaviate schema: %w", err)
		}
		store, err := weaviate.New(client)
		if err != nil {
			return nil, nil, err
		}
		return store, embedder, nil
	case "local":
		store, err := local.Open(ctx, flagLocalDir)
		if err != nil {
			return nil, nil, err
		}
		return store, embedder, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", flagBackend)
	}
}
