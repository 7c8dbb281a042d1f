// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hybridsearch implements the four-arm parallel retrieval and
// Reciprocal Rank Fusion described by the engine's hybrid search
// component: vector similarity, lexical full-text, graph-seed, and
// graph-traversal arms are launched concurrently and fused into one
// ranked list.
package hybridsearch

import (
	"os"
	"strconv"

	memory "github.com/AleutianAI/meminject/services/memory"
)

// Scored pairs a retrieved memory with its final fused score.
type Scored struct {
	Memory *memory.Memory
	Score  float64
}

// Config holds the request-time parameters for one hybrid_search call.
type Config struct {
	// PerSourceCap bounds how many candidates each retrieval arm may
	// contribute before fusion.
	PerSourceCap int

	// TotalCap bounds the final fused result length.
	TotalCap int

	// GraphSeedThreshold is the minimum importance a memory must have to
	// seed graph traversal. Deliberately distinct from ContextualMinScore
	// — graph seeding needs a tighter importance floor than score-based
	// filtering.
	GraphSeedThreshold float64

	// GraphSeedLimit bounds how many high-importance memories seed the
	// graph-traversal arm.
	GraphSeedLimit int

	// GraphMaxDepth bounds BFS depth from the seed set (capped at 2).
	GraphMaxDepth int

	// KindFilter is carried on Config but WeaviateHybridSearcher.Search
	// does not read it: no arm filters its candidates by kind.
	KindFilter []memory.Kind

	// EnrichmentAlpha/Beta are the optional score-enrichment coefficients
	// (final = rrf + α·importance + β·recency_decay). Both default to 0,
	// which disables enrichment entirely.
	EnrichmentAlpha float64
	EnrichmentBeta  float64
}

// DefaultConfig returns sensible defaults, overridable via environment
// variables.
func DefaultConfig() Config {
	return Config{
		PerSourceCap:       getEnvInt("MEMINJECT_SEARCH_PER_SOURCE_CAP", 20),
		TotalCap:           getEnvInt("MEMINJECT_SEARCH_TOTAL_CAP", 25),
		GraphSeedThreshold: getEnvFloat("MEMINJECT_SEARCH_GRAPH_SEED_THRESHOLD", 0.7),
		GraphSeedLimit:     getEnvInt("MEMINJECT_SEARCH_GRAPH_SEED_LIMIT", 5),
		GraphMaxDepth:      getEnvInt("MEMINJECT_SEARCH_GRAPH_MAX_DEPTH", 2),
	}
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// Result is the full outcome of one hybrid_search call, including
// per-arm success/failure for observability debug traces.
type Result struct {
	Scored []Scored

	VectorCount int
	LexicalCount int
	GraphCount   int

	VectorErr  error
	LexicalErr error
	GraphErr   error
}
