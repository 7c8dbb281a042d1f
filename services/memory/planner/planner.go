// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package planner implements the Retrieval Planner: given a channel's
// incoming message and the effective InjectionConfig, it produces a
// pinned candidate pool and a contextual candidate pool by running both
// arms concurrently.
package planner

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	memory "github.com/AleutianAI/meminject/services/memory"
	"github.com/AleutianAI/meminject/services/memory/config"
	"github.com/AleutianAI/meminject/services/memory/hybridsearch"
	apistore "github.com/AleutianAI/meminject/services/memory/store"
)

// TriggerKind distinguishes the message that triggered a turn, used to
// implement the system re-trigger skip and the batch-coalesce rule.
type TriggerKind int

const (
	// TriggerUser is an ordinary user-originated message.
	TriggerUser TriggerKind = iota
	// TriggerSystem is a synthetic inbound message the agent produced for
	// itself (e.g. worker completion); it does not represent a user state
	// change and must bypass injection entirely.
	TriggerSystem
)

// Request is the input to one Plan call.
type Request struct {
	Channel string
	Text    string
	Trigger TriggerKind
}

// Pools is the planner's output: two independent, internally
// duplicate-free candidate pools ready for the deduplication filter.
type Pools struct {
	Pinned     []*memory.Memory
	Contextual []hybridsearch.Scored
}

// Planner runs the pinned and contextual retrieval arms concurrently.
type Planner struct {
	store    apistore.Store
	searcher hybridsearch.Searcher
}

// New builds a Planner over the given store and hybrid searcher.
func New(s apistore.Store, searcher hybridsearch.Searcher) *Planner {
	return &Planner{store: s, searcher: searcher}
}

// Plan executes both arms concurrently and returns their pools. A
// system re-trigger short-circuits to empty pools before either arm
// runs; batch-coalescing is the caller's responsibility — Plan is
// expected to be invoked exactly once per coalesced burst.
func (p *Planner) Plan(ctx context.Context, req Request, cfg *config.InjectionConfig) (Pools, error) {
	if req.Trigger == TriggerSystem {
		return Pools{}, nil
	}
	if !cfg.Enabled {
		return Pools{}, nil
	}

	var pools Pools
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		pinned, err := p.runPinnedArm(gctx, req.Channel, cfg)
		if err != nil {
			slog.Warn("pinned arm failed", "channel", req.Channel, "error", err)
			return nil
		}
		pools.Pinned = pinned
		return nil
	})

	g.Go(func() error {
		contextual, err := p.runContextualArm(gctx, req.Channel, req.Text, cfg)
		if err != nil {
			slog.Warn("contextual arm failed", "channel", req.Channel, "error", err)
			return nil
		}
		pools.Contextual = contextual
		return nil
	})

	if err := g.Wait(); err != nil {
		return Pools{}, err
	}

	return pools, nil
}

// runPinnedArm fires one get_by_type call per configured pinned kind,
// concurrently, and concatenates the results in kind-list order. This
// only runs when ambient awareness is enabled and at least one pinned
// kind is configured; unknown kind names are dropped with a warning
// rather than failing the turn.
func (p *Planner) runPinnedArm(ctx context.Context, channel string, cfg *config.InjectionConfig) ([]*memory.Memory, error) {
	if !cfg.AmbientEnabled || len(cfg.PinnedKinds) == 0 {
		return nil, nil
	}

	kinds := make([]memory.Kind, 0, len(cfg.PinnedKinds))
	for _, raw := range cfg.PinnedKinds {
		k := memory.Kind(raw)
		if !validKind(k) {
			slog.Warn("pinned_kinds: dropping unknown kind", "kind", raw)
			continue
		}
		kinds = append(kinds, k)
	}
	if len(kinds) == 0 {
		return nil, nil
	}

	results := make([][]*memory.Memory, len(kinds))
	g, gctx := errgroup.WithContext(ctx)
	for i, k := range kinds {
		i, k := i, k
		g.Go(func() error {
			mems, err := p.store.GetByKind(gctx, channel, []memory.Kind{k}, cfg.PinnedSort, cfg.PinnedLimit)
			if err != nil {
				slog.Warn("pinned arm: get_by_type failed", "kind", k, "error", err)
				return nil
			}
			results[i] = mems
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []*memory.Memory
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

// runContextualArm fires hybrid_search and applies contextual_min_score
// as a lower bound on fused score.
func (p *Planner) runContextualArm(ctx context.Context, channel, text string, cfg *config.InjectionConfig) ([]hybridsearch.Scored, error) {
	searchCfg := hybridsearch.Config{
		PerSourceCap:       cfg.SearchLimit,
		TotalCap:           cfg.MaxTotal,
		GraphSeedThreshold: cfg.GraphSeedThreshold,
		GraphSeedLimit:     cfg.GraphSeedLimit,
	}

	result, err := p.searcher.Search(ctx, channel, text, searchCfg)
	if err != nil {
		return nil, err
	}

	var out []hybridsearch.Scored
	for _, s := range result.Scored {
		if s.Score >= cfg.ContextualMinScore {
			out = append(out, s)
		}
	}
	return out, nil
}

func validKind(k memory.Kind) bool {
	switch k {
	case memory.KindIdentity, memory.KindGoal, memory.KindDecision, memory.KindTodo,
		memory.KindPreference, memory.KindFact, memory.KindEvent, memory.KindObservation:
		return true
	default:
		return false
	}
}
