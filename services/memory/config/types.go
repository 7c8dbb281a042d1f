// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package config defines and loads the memory_injection configuration
surface: a global default plus optional per-agent overrides,
hot-reloaded from disk without dropping an in-flight turn.

# Overview

The on-disk schema is a thin YAML document:

	memory_injection:
	  enabled: true
	  search_limit: 20
	  contextual_min_score: 0.01
	  semantic_threshold: 0.85
	  context_window_depth: 10
	  ambient_enabled: false
	  pinned_kinds: []
	  pinned_limit: 3
	  pinned_sort: recent
	  max_total: 25
	  max_injected_blocks_in_history: 3
	  graph_seed_threshold: 0.7
	  graph_seed_limit: 5
	agents:
	  <agent-name>:
	    # same fields, missing ones inherit the default

# Example

	snap := config.Default()
	snap.SearchLimit = 50
*/
package config

import (
	apistore "github.com/AleutianAI/meminject/services/memory/store"
)

// InjectionConfig is one fully-resolved snapshot of the memory_injection
// surface, after per-agent overrides have been merged onto the global
// default. Snapshots are immutable once built; a new one replaces the
// old one wholesale on reload via an atomically-swappable pointer.
type InjectionConfig struct {
	// Enabled gates the entire engine; false short-circuits to empty
	// pools before either retrieval arm runs.
	Enabled bool `yaml:"enabled"`

	// SearchLimit is the per-source cap fed into hybrid search
	// (hybridsearch.Config.PerSourceCap).
	SearchLimit int `yaml:"search_limit"`

	// ContextualMinScore is the lower bound on fused score a contextual
	// candidate must clear to survive the contextual arm.
	ContextualMinScore float64 `yaml:"contextual_min_score"`

	// SemanticThreshold is the cosine-similarity ceiling the
	// deduplication filter's semantic stage enforces; must be in [0,1].
	SemanticThreshold float64 `yaml:"semantic_threshold"`

	// ContextWindowDepth is the number of turns an injected memory id
	// stays "in view" and therefore ineligible for re-injection.
	ContextWindowDepth int `yaml:"context_window_depth"`

	// AmbientEnabled turns on the pinned-memory arm.
	AmbientEnabled bool `yaml:"ambient_enabled"`

	// PinnedKinds is the subset of the 8 kinds surfaced regardless of
	// message relevance when AmbientEnabled is true. Unknown values are
	// filtered at resolution time with a trace warning.
	PinnedKinds []string `yaml:"pinned_kinds"`

	// PinnedLimit caps how many memories each pinned kind contributes.
	PinnedLimit int `yaml:"pinned_limit"`

	// PinnedSort selects get_by_type's ordering for the pinned arm.
	PinnedSort apistore.SortOrder `yaml:"-"`

	// PinnedSortRaw is the YAML-facing string form of PinnedSort
	// ("recent" or "importance"); resolved into PinnedSort when an
	// override is merged, and checked during validation.
	PinnedSortRaw string `yaml:"pinned_sort"`

	// MaxTotal is the hard cap on memories in one InjectionBlock.
	MaxTotal int `yaml:"max_total"`

	// MaxInjectedBlocksInHistory is the bounded-persistence cap. Zero
	// means ephemeral mode: no block survives a turn boundary.
	MaxInjectedBlocksInHistory int `yaml:"max_injected_blocks_in_history"`

	// GraphSeedThreshold is the minimum importance a memory must have to
	// seed the contextual arm's graph traversal. Deliberately a tighter
	// knob than ContextualMinScore: a memory can be relevant enough to
	// surface on its own merits without being important enough to anchor
	// a BFS that pulls in its whole neighborhood.
	GraphSeedThreshold float64 `yaml:"graph_seed_threshold"`

	// GraphSeedLimit bounds how many high-importance memories seed graph
	// traversal.
	GraphSeedLimit int `yaml:"graph_seed_limit"`
}

// Document is the on-disk shape: a global default plus optional
// per-agent overrides keyed by agent name.
type Document struct {
	MemoryInjection RawConfig            `yaml:"memory_injection"`
	Agents          map[string]RawConfig `yaml:"agents,omitempty"`
}

// RawConfig mirrors InjectionConfig's YAML fields but leaves every field
// a pointer so a per-agent override can distinguish "not set, inherit
// default" from "explicitly set to the zero value".
type RawConfig struct {
	Enabled                    *bool    `yaml:"enabled,omitempty"`
	SearchLimit                *int     `yaml:"search_limit,omitempty"`
	ContextualMinScore         *float64 `yaml:"contextual_min_score,omitempty"`
	SemanticThreshold          *float64 `yaml:"semantic_threshold,omitempty"`
	ContextWindowDepth         *int     `yaml:"context_window_depth,omitempty"`
	AmbientEnabled             *bool    `yaml:"ambient_enabled,omitempty"`
	PinnedKinds                []string `yaml:"pinned_kinds,omitempty"`
	PinnedLimit                *int     `yaml:"pinned_limit,omitempty"`
	PinnedSort                 *string  `yaml:"pinned_sort,omitempty"`
	MaxTotal                   *int     `yaml:"max_total,omitempty"`
	MaxInjectedBlocksInHistory *int     `yaml:"max_injected_blocks_in_history,omitempty"`
	GraphSeedThreshold         *float64 `yaml:"graph_seed_threshold,omitempty"`
	GraphSeedLimit             *int     `yaml:"graph_seed_limit,omitempty"`
}

// Default returns the built-in default snapshot, used when no config
// file exists yet and as the base every RawConfig override is merged
// onto.
func Default() InjectionConfig {
	return InjectionConfig{
		Enabled:                    true,
		SearchLimit:                20,
		ContextualMinScore:         0.01,
		SemanticThreshold:          0.85,
		ContextWindowDepth:         10,
		AmbientEnabled:             false,
		PinnedKinds:                nil,
		PinnedLimit:                3,
		PinnedSort:                 apistore.SortRecent,
		PinnedSortRaw:              "recent",
		MaxTotal:                   25,
		MaxInjectedBlocksInHistory: 3,
		GraphSeedThreshold:         0.7,
		GraphSeedLimit:             5,
	}
}
