// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hybridsearch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	memory "github.com/AleutianAI/meminject/services/memory"
	apistore "github.com/AleutianAI/meminject/services/memory/store"
)

var tracer = otel.Tracer("meminject.hybridsearch")

// maxHydrateConcurrency bounds how many store.Get calls run at once when
// resolving fused candidate IDs back into full Memory records.
const maxHydrateConcurrency = 8

// WeaviateHybridSearcher (despite the name, backend-agnostic — it only
// depends on the store.Store and store.EmbeddingProvider interfaces) runs
// the four retrieval arms in true parallel via errgroup and fuses them
// with Reciprocal Rank Fusion. Every arm is independently cancellable and
// a failure in one never aborts the others.
type WeaviateHybridSearcher struct {
	store    apistore.Store
	embedder apistore.EmbeddingProvider
}

var _ Searcher = (*WeaviateHybridSearcher)(nil)

// NewSearcher builds a Searcher over the given store and embedder. The
// name reflects a Weaviate-backed store as the primary deployment, even
// though this implementation works against any store.Store.
func NewSearcher(s apistore.Store, embedder apistore.EmbeddingProvider) *WeaviateHybridSearcher {
	return &WeaviateHybridSearcher{store: s, embedder: embedder}
}

// Search implements Searcher.
func (h *WeaviateHybridSearcher) Search(ctx context.Context, channel string, query string, cfg Config) (Result, error) {
	ctx, span := tracer.Start(ctx, "hybridsearch.Search")
	defer span.End()

	var vectorHits, lexicalHits, graphHits []apistore.ScoredID
	var vectorErr, lexicalErr, graphErr error

	g, gctx := errgroup.WithContext(ctx)

	if query != "" {
		g.Go(func() error {
			vec, err := h.embedder.Embed(gctx, query)
			if err != nil {
				vectorErr = err
				slog.Warn("vector arm: embedding failed, arm contributes no results", "error", err)
				return nil
			}
			hits, err := h.store.VectorSearch(gctx, channel, vec, cfg.PerSourceCap)
			if err != nil {
				vectorErr = err
				slog.Warn("vector arm failed", "error", err)
				return nil
			}
			vectorHits = hits
			return nil
		})

		g.Go(func() error {
			hits, err := h.store.FTSSearch(gctx, channel, query, cfg.PerSourceCap)
			if err != nil {
				lexicalErr = err
				slog.Warn("lexical arm failed", "error", err)
				return nil
			}
			lexicalHits = hits
			return nil
		})
	}

	g.Go(func() error {
		hits, err := h.graphArm(gctx, channel, cfg)
		if err != nil {
			graphErr = err
			slog.Warn("graph arm failed", "error", err)
			return nil
		}
		graphHits = hits
		return nil
	})

	// errgroup's Go funcs above never return non-nil, so Wait returns nil
	// here; arm failures, including those caused by the caller canceling
	// ctx, are recorded per arm on the Result instead.
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	fused := fuse(vectorHits, lexicalHits, graphHits)
	if len(fused) == 0 {
		return Result{
			VectorErr: vectorErr, LexicalErr: lexicalErr, GraphErr: graphErr,
			VectorCount: len(vectorHits), LexicalCount: len(lexicalHits), GraphCount: len(graphHits),
		}, nil
	}

	ids := make([]string, 0, len(fused))
	for id := range fused {
		ids = append(ids, id)
	}

	memories, err := h.hydrate(ctx, ids)
	if err != nil {
		return Result{}, err
	}

	scored := make([]Scored, 0, len(memories))
	for _, m := range memories {
		rrfScore := fused[m.ID]
		scored = append(scored, Scored{Memory: m, Score: enrich(rrfScore, m, cfg.EnrichmentAlpha, cfg.EnrichmentBeta)})
	}

	scored = rankAndTruncate(scored, cfg.TotalCap)

	return Result{
		Scored:       scored,
		VectorCount:  len(vectorHits),
		LexicalCount: len(lexicalHits),
		GraphCount:   len(graphHits),
		VectorErr:    vectorErr,
		LexicalErr:   lexicalErr,
		GraphErr:     graphErr,
	}, nil
}

// scoredCandidate is a graph-arm intermediate: a candidate memory ID with
// its importance/hop-derived score, before hydration into a full Memory.
type scoredCandidate struct {
	id    string
	score float64
}

// edgeWeight scores how much an association kind should count toward a
// neighbor's traversal rank: an "updates" or "caused_by" edge names a
// direct causal/supersession relationship and counts fully, while a bare
// "related_to" edge is the weakest signal and is discounted; an
// unrecognized kind falls back to the related_to weight.
func edgeWeight(kind memory.AssociationKind) float64 {
	switch kind {
	case memory.AssocUpdates, memory.AssocCausedBy:
		return 1.0
	case memory.AssocContradicts:
		return 0.75
	default: // AssocRelatedTo and anything unrecognized
		return 0.4
	}
}

// graphArm implements the graph-seed + graph-traversal arms: seed from
// high-importance memories, then BFS outward along association edges up
// to cfg.GraphMaxDepth, ranking by importance × inverse hops × the
// traversed edge's weight (the strongest edge seen to reach a given
// neighbor wins when it is reachable via more than one path).
func (h *WeaviateHybridSearcher) graphArm(ctx context.Context, channel string, cfg Config) ([]apistore.ScoredID, error) {
	seeds, err := h.store.GetHighImportance(ctx, channel, cfg.GraphSeedThreshold, cfg.GraphSeedLimit)
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return nil, nil
	}

	hopOf := make(map[string]int, len(seeds))
	importanceOf := make(map[string]float64, len(seeds))
	weightOf := make(map[string]float64, len(seeds))
	frontier := make([]string, 0, len(seeds))
	for _, s := range seeds {
		hopOf[s.ID] = 0
		importanceOf[s.ID] = s.Importance
		weightOf[s.ID] = 1.0
		frontier = append(frontier, s.ID)
	}

	depth := cfg.GraphMaxDepth
	if depth <= 0 || depth > 2 {
		depth = 2
	}

	for d := 1; d <= depth && len(frontier) > 0; d++ {
		neighbors, err := h.store.Neighbors(ctx, frontier, nil, cfg.PerSourceCap)
		if err != nil {
			return nil, err
		}
		var next []string
		for _, n := range neighbors {
			w := edgeWeight(n.Kind)
			if existing, seen := weightOf[n.ID]; seen {
				if w > existing {
					weightOf[n.ID] = w
				}
				continue
			}
			hopOf[n.ID] = d
			weightOf[n.ID] = w
			next = append(next, n.ID)
		}
		frontier = next
	}

	candidates := make([]scoredCandidate, 0, len(hopOf))
	for id, hops := range hopOf {
		importance := importanceOf[id]
		if importance == 0 {
			// Neighbor importance is unknown until hydration; use the
			// kind-agnostic midpoint so depth still discounts the score.
			importance = 0.5
		}
		candidates = append(candidates, scoredCandidate{id: id, score: importance * weightOf[id] / float64(hops+1)})
	}

	// Candidates come out of hopOf in map-iteration order; always sort by
	// score so the ranks assigned below are meaningful to RRF fusion, not
	// just when truncation happens to be needed.
	candidates = topNByScore(candidates, len(candidates))
	if cfg.PerSourceCap > 0 && len(candidates) > cfg.PerSourceCap {
		candidates = candidates[:cfg.PerSourceCap]
	}

	hits := make([]apistore.ScoredID, len(candidates))
	for i, c := range candidates {
		hits[i] = apistore.ScoredID{ID: c.id, Rank: i + 1, Score: c.score}
	}
	return hits, nil
}

// topNByScore returns the n highest-scoring candidates, descending, with
// equal scores ordered by id so ranks never depend on map iteration.
// Insertion sort is adequate: graph-arm candidate sets are small
// (bounded by PerSourceCap × GraphMaxDepth).
func topNByScore(candidates []scoredCandidate, n int) []scoredCandidate {
	sorted := make([]scoredCandidate, len(candidates))
	copy(sorted, candidates)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && (sorted[j].score > sorted[j-1].score ||
			(sorted[j].score == sorted[j-1].score && sorted[j].id < sorted[j-1].id)); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// hydrate resolves fused candidate IDs back into full Memory records with
// bounded concurrency, tolerating individual lookup failures (a memory
// that vanished between the retrieval arm and hydration is simply
// dropped, not treated as a turn failure).
func (h *WeaviateHybridSearcher) hydrate(ctx context.Context, ids []string) ([]*memory.Memory, error) {
	sem := semaphore.NewWeighted(maxHydrateConcurrency)
	var mu sync.Mutex
	var out []*memory.Memory

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			m, err := h.store.Get(gctx, id)
			if err != nil {
				if errors.Is(err, memory.ErrMemoryNotFound) {
					return nil
				}
				slog.Warn("hydrate: dropping candidate after lookup failure", "memory_id", id, "error", err)
				return nil
			}
			mu.Lock()
			out = append(out, m)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
