// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dedup

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	memory "github.com/AleutianAI/meminject/services/memory"
	"github.com/AleutianAI/meminject/services/memory/config"
	"github.com/AleutianAI/meminject/services/memory/hybridsearch"
	apistore "github.com/AleutianAI/meminject/services/memory/store"
)

// maxEmbedConcurrency bounds concurrent embedding-model calls for
// semantic-filter cache misses.
const maxEmbedConcurrency = 8

// Filtered is the Deduplication Filter's output: two pools, in their
// input order, ready for budget enforcement, plus the embeddings
// already resolved for each survivor so budget enforcement and the
// post-formatting state update don't need to re-fetch them.
type Filtered struct {
	Pinned     []*memory.Memory
	Contextual []hybridsearch.Scored

	PinnedVectors     map[string][]float32
	ContextualVectors map[string][]float32
}

// Filter applies the 3-stage deduplication pipeline to a planner's
// pinned and contextual pools, given one channel's injection state.
// Pinned candidates are processed before contextual ones, each stage
// applied per-candidate in input order.
type Filter struct {
	store    apistore.Store
	embedder apistore.EmbeddingProvider
}

// New builds a Filter over the given store (for get_embedding cache
// lookups) and embedder (for cache-miss computation).
func New(store apistore.Store, embedder apistore.EmbeddingProvider) *Filter {
	return &Filter{store: store, embedder: embedder}
}

// batch tracks what has already been tentatively admitted within the
// current Apply call: the batch-local ID set (stage 2) and the
// embeddings of everything admitted so far this turn, so the semantic
// stage catches near-duplicates surfacing together in the same turn,
// not just ones already sitting in the prior-turn semantic buffer.
type batch struct {
	seen    map[string]bool
	vectors [][]float32
}

func newBatch() *batch {
	return &batch{seen: make(map[string]bool)}
}

func (b *batch) maxCosine(vector []float32) float64 {
	var max float64
	for _, v := range b.vectors {
		if sim := cosineSimilarity(vector, v); sim > max {
			max = sim
		}
	}
	return max
}

func (b *batch) admit(id string, vector []float32) {
	b.seen[id] = true
	if len(vector) > 0 {
		b.vectors = append(b.vectors, vector)
	}
}

// Apply runs all three stages and returns the filtered pools. It does
// not mutate state beyond PruneWindow — the post-formatting update
// (RecordInjection) is a separate, later step, since the semantic
// buffer must not move while budget enforcement is still deciding
// which tentatively-admitted candidates actually make the cut. Pinned
// candidates are processed before contextual ones against one shared
// batch, so a contextual near-duplicate of an already-admitted pinned
// memory is still caught.
func (f *Filter) Apply(ctx context.Context, pinned []*memory.Memory, contextual []hybridsearch.Scored, state *State, cfg *config.InjectionConfig) Filtered {
	state.PruneWindow(cfg.ContextWindowDepth)

	b := newBatch()

	filteredPinned, pinnedVectors := f.filterCandidates(ctx, pinned, b, state, cfg)
	filteredContextual, contextualVectors := f.filterScored(ctx, contextual, b, state, cfg)

	return Filtered{
		Pinned:            filteredPinned,
		Contextual:        filteredContextual,
		PinnedVectors:     pinnedVectors,
		ContextualVectors: contextualVectors,
	}
}

func (f *Filter) filterCandidates(ctx context.Context, pool []*memory.Memory, b *batch, state *State, cfg *config.InjectionConfig) ([]*memory.Memory, map[string][]float32) {
	survivors := make([]*memory.Memory, 0, len(pool))
	ids := make([]string, 0, len(pool))
	for _, m := range pool {
		if f.passesIDStages(m.ID, b, state, cfg) {
			survivors = append(survivors, m)
			ids = append(ids, m.ID)
		}
	}

	vectors := f.resolveEmbeddings(ctx, ids)

	out := make([]*memory.Memory, 0, len(survivors))
	outVectors := make(map[string][]float32, len(survivors))
	for i, m := range survivors {
		id := ids[i]
		vec := vectors[id]
		if f.passesSemanticStage(vec, b, state, cfg) {
			out = append(out, m)
			outVectors[id] = vec
			b.admit(id, vec)
		}
	}
	return out, outVectors
}

func (f *Filter) filterScored(ctx context.Context, pool []hybridsearch.Scored, b *batch, state *State, cfg *config.InjectionConfig) ([]hybridsearch.Scored, map[string][]float32) {
	survivors := make([]hybridsearch.Scored, 0, len(pool))
	ids := make([]string, 0, len(pool))
	for _, s := range pool {
		if f.passesIDStages(s.Memory.ID, b, state, cfg) {
			survivors = append(survivors, s)
			ids = append(ids, s.Memory.ID)
		}
	}

	vectors := f.resolveEmbeddings(ctx, ids)

	out := make([]hybridsearch.Scored, 0, len(survivors))
	outVectors := make(map[string][]float32, len(survivors))
	for i, s := range survivors {
		id := ids[i]
		vec := vectors[id]
		if f.passesSemanticStage(vec, b, state, cfg) {
			out = append(out, s)
			outVectors[id] = vec
			b.admit(id, vec)
		}
	}
	return out, outVectors
}

// passesIDStages runs stage 1 (context-window ID) and stage 2
// (batch-local ID).
func (f *Filter) passesIDStages(id string, b *batch, state *State, cfg *config.InjectionConfig) bool {
	if turn, ok := state.InjectedAt(id); ok && turn >= state.CurrentTurn()-cfg.ContextWindowDepth {
		return false
	}
	if b.seen[id] {
		return false
	}
	return true
}

// passesSemanticStage runs stage 3, checked against both the prior-turn
// semantic buffer and anything already tentatively admitted earlier in
// this same Apply call. A candidate with no resolvable vector
// (embedding failure) skips the semantic check entirely — the ID
// filters already applied are not bypassed, only the semantic one.
func (f *Filter) passesSemanticStage(vector []float32, b *batch, state *State, cfg *config.InjectionConfig) bool {
	if len(vector) == 0 {
		return true
	}
	if state.MaxCosineAgainstBuffer(vector) > cfg.SemanticThreshold {
		return false
	}
	return b.maxCosine(vector) <= cfg.SemanticThreshold
}

// resolveEmbeddings fetches each id's embedding via get_embedding,
// computing it with the embedding model on a cache miss, bounded to
// maxEmbedConcurrency concurrent calls. A failure for one id is traced
// and simply omitted from the result map — passesSemanticStage treats
// a missing vector as "skip the semantic check".
func (f *Filter) resolveEmbeddings(ctx context.Context, ids []string) map[string][]float32 {
	out := make(map[string][]float32, len(ids))
	if len(ids) == 0 {
		return out
	}

	var mu sync.Mutex
	sem := semaphore.NewWeighted(maxEmbedConcurrency)
	g, gctx := errgroup.WithContext(ctx)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			vec, err := f.embeddingFor(gctx, id)
			if err != nil {
				slog.Warn("dedup: semantic filter skipped for candidate", "memory_id", id, "error", err)
				return nil
			}
			mu.Lock()
			out[id] = vec
			mu.Unlock()
			return nil
		})
	}
	// The goroutines above only return non-nil on context cancellation,
	// never on an embedding failure, so a partial result map is still
	// safe to use even if Wait were to report an error here.
	_ = g.Wait()
	return out
}

func (f *Filter) embeddingFor(ctx context.Context, id string) ([]float32, error) {
	emb, err := f.store.GetEmbedding(ctx, id)
	if err == nil {
		return emb.Vector, nil
	}
	m, getErr := f.store.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return f.embedder.Embed(ctx, m.Content)
}
