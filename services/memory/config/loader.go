// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	memory "github.com/AleutianAI/meminject/services/memory"
	apistore "github.com/AleutianAI/meminject/services/memory/store"
)

var validate = validator.New()

type validatable struct {
	SearchLimit                int     `validate:"gte=0"`
	ContextualMinScore         float64 `validate:"gte=0,lte=1"`
	SemanticThreshold          float64 `validate:"gte=0,lte=1"`
	ContextWindowDepth         int     `validate:"gte=0"`
	PinnedLimit                int     `validate:"gte=0"`
	MaxTotal                   int     `validate:"gte=0"`
	MaxInjectedBlocksInHistory int     `validate:"gte=0"`
	GraphSeedThreshold         float64 `validate:"gte=0,lte=1"`
	GraphSeedLimit             int     `validate:"gte=0"`
}

// Resolver loads the memory_injection document from disk, merges
// per-agent overrides onto the global default, and exposes the result
// as a set of atomically-swappable snapshots — one per agent name plus
// a "" entry for the global default. Readers load once per turn and
// treat the value as frozen for that turn.
type Resolver struct {
	path     string
	snapshot atomic.Pointer[resolved]
	watcher  *fsnotify.Watcher
}

type resolved struct {
	global InjectionConfig
	agents map[string]InjectionConfig
}

// NewResolver builds a Resolver over the YAML file at path, performing
// an initial synchronous load. If the file does not exist, the built-in
// default is used and no error is returned — a missing config is not a
// ConfigInvalid condition, only a malformed one is.
func NewResolver(path string) (*Resolver, error) {
	r := &Resolver{path: path}
	snap, err := loadAndValidate(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", memory.ErrConfigInvalid, err)
	}
	r.snapshot.Store(snap)
	return r, nil
}

// Watch starts a background fsnotify watcher that reloads the snapshot
// on every write to path. A reload that fails validation is rejected
// and logged; the previous valid snapshot remains in effect, so a
// malformed config file never propagates an error through the turn
// path.
func (r *Resolver) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: failed to start watcher: %w", err)
	}
	if err := w.Add(r.path); err != nil {
		w.Close()
		return fmt.Errorf("config: failed to watch %s: %w", r.path, err)
	}
	r.watcher = w

	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				snap, err := loadAndValidate(r.path)
				if err != nil {
					slog.Warn("config: reload rejected, keeping previous snapshot", "path", r.path, "error", err)
					continue
				}
				r.snapshot.Store(snap)
				slog.Info("config: reloaded", "path", r.path)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("config: watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the background watcher, if one was started.
func (r *Resolver) Close() error {
	if r.watcher == nil {
		return nil
	}
	return r.watcher.Close()
}

// Effective returns the current snapshot for the given agent name,
// falling back to the global default for unknown or empty agent names.
func (r *Resolver) Effective(agent string) InjectionConfig {
	snap := r.snapshot.Load()
	if snap == nil {
		return Default()
	}
	if agent != "" {
		if cfg, ok := snap.agents[agent]; ok {
			return cfg
		}
	}
	return snap.global
}

func loadAndValidate(path string) (*resolved, error) {
	var doc Document
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			def := Default()
			if verr := validateConfig(def); verr != nil {
				return nil, verr
			}
			return &resolved{global: def, agents: map[string]InjectionConfig{}}, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config yaml: %w", err)
	}

	global := mergeOnto(Default(), doc.MemoryInjection)
	if err := validateConfig(global); err != nil {
		return nil, fmt.Errorf("memory_injection: %w", err)
	}

	agents := make(map[string]InjectionConfig, len(doc.Agents))
	for name, raw := range doc.Agents {
		cfg := mergeOnto(global, raw)
		if err := validateConfig(cfg); err != nil {
			return nil, fmt.Errorf("agents.%s: %w", name, err)
		}
		agents[name] = cfg
	}

	return &resolved{global: global, agents: agents}, nil
}

// mergeOnto applies a RawConfig override onto a base snapshot; fields
// left nil in the override inherit the base's value.
func mergeOnto(base InjectionConfig, raw RawConfig) InjectionConfig {
	out := base
	if raw.Enabled != nil {
		out.Enabled = *raw.Enabled
	}
	if raw.SearchLimit != nil {
		out.SearchLimit = *raw.SearchLimit
	}
	if raw.ContextualMinScore != nil {
		out.ContextualMinScore = *raw.ContextualMinScore
	}
	if raw.SemanticThreshold != nil {
		out.SemanticThreshold = *raw.SemanticThreshold
	}
	if raw.ContextWindowDepth != nil {
		out.ContextWindowDepth = *raw.ContextWindowDepth
	}
	if raw.AmbientEnabled != nil {
		out.AmbientEnabled = *raw.AmbientEnabled
	}
	if raw.PinnedKinds != nil {
		out.PinnedKinds = filterKnownKinds(raw.PinnedKinds)
	}
	if raw.PinnedLimit != nil {
		out.PinnedLimit = *raw.PinnedLimit
	}
	if raw.PinnedSort != nil {
		out.PinnedSortRaw = *raw.PinnedSort
		out.PinnedSort = parseSortOrder(*raw.PinnedSort)
	}
	if raw.MaxTotal != nil {
		out.MaxTotal = *raw.MaxTotal
	}
	if raw.MaxInjectedBlocksInHistory != nil {
		out.MaxInjectedBlocksInHistory = *raw.MaxInjectedBlocksInHistory
	}
	if raw.GraphSeedThreshold != nil {
		out.GraphSeedThreshold = *raw.GraphSeedThreshold
	}
	if raw.GraphSeedLimit != nil {
		out.GraphSeedLimit = *raw.GraphSeedLimit
	}
	return out
}

// filterKnownKinds drops pinned_kinds values outside the 8 defined
// memory kinds, tracing a warning for each dropped value.
func filterKnownKinds(kinds []string) []string {
	out := make([]string, 0, len(kinds))
	for _, k := range kinds {
		switch memory.Kind(k) {
		case memory.KindIdentity, memory.KindGoal, memory.KindDecision, memory.KindTodo,
			memory.KindPreference, memory.KindFact, memory.KindEvent, memory.KindObservation:
			out = append(out, k)
		default:
			slog.Warn("pinned_kinds: dropping unknown kind at resolution time", "kind", k)
		}
	}
	return out
}

func parseSortOrder(raw string) apistore.SortOrder {
	if raw == "importance" {
		return apistore.SortImportance
	}
	return apistore.SortRecent
}

func validateConfig(cfg InjectionConfig) error {
	v := validatable{
		SearchLimit:                cfg.SearchLimit,
		ContextualMinScore:         cfg.ContextualMinScore,
		SemanticThreshold:          cfg.SemanticThreshold,
		ContextWindowDepth:         cfg.ContextWindowDepth,
		PinnedLimit:                cfg.PinnedLimit,
		MaxTotal:                   cfg.MaxTotal,
		MaxInjectedBlocksInHistory: cfg.MaxInjectedBlocksInHistory,
		GraphSeedThreshold:         cfg.GraphSeedThreshold,
		GraphSeedLimit:             cfg.GraphSeedLimit,
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", memory.ErrConfigInvalid, err)
	}
	if cfg.PinnedSortRaw != "" && cfg.PinnedSortRaw != "recent" && cfg.PinnedSortRaw != "importance" {
		return fmt.Errorf("%w: pinned_sort must be \"recent\" or \"importance\", got %q", memory.ErrConfigInvalid, cfg.PinnedSortRaw)
	}
	return nil
}
