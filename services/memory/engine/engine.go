// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine wires the Memory Injection Engine's pre-hook turn
// loop: config snapshot load, the Retrieval Planner, the Deduplication
// Filter, Budget Enforcement & Formatting, and the Persistence
// Governor, in the order the turn's suspension points require.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/meminject/services/memory/config"
	"github.com/AleutianAI/meminject/services/memory/dedup"
	"github.com/AleutianAI/meminject/services/memory/governor"
	"github.com/AleutianAI/meminject/services/memory/inject"
	"github.com/AleutianAI/meminject/services/memory/planner"
)

// Resolver is the subset of config.Resolver the engine depends on,
// kept narrow so tests can substitute a fixed snapshot.
type Resolver interface {
	Effective(agent string) config.InjectionConfig
}

// Engine is the assembled pre-hook. One Engine serves every channel on
// an agent; per-channel state lives in states, keyed by channel name.
type Engine struct {
	resolver Resolver
	planner  *planner.Planner
	filter   *dedup.Filter

	mu     sync.Mutex
	states map[string]*dedup.State
}

// New assembles an Engine over the given config resolver and the
// already-constructed planner and filter (the caller builds both,
// since each also needs the store and embedder, and wiring them here
// would duplicate New's argument list for no benefit).
func New(resolver Resolver, p *planner.Planner, f *dedup.Filter) *Engine {
	return &Engine{
		resolver: resolver,
		planner:  p,
		filter:   f,
		states:   make(map[string]*dedup.State),
	}
}

// Outcome is one Turn call's result: the transcript to hand to the
// model (with any new InjectionBlock already inserted, subject to
// ephemeral-mode rules) and observability counters for the caller to
// trace.
type Outcome struct {
	Transcript governor.Transcript
	Block      inject.Block

	PinnedCount     int
	ContextualCount int
	DedupedCount    int
	Elapsed         time.Duration
}

// Turn runs one full pre-hook cycle for a single incoming message and
// returns the transcript the model should actually see. transcript is
// the channel's persisted history prior to this turn; the caller is
// responsible for persisting the returned Transcript afterward.
func (e *Engine) Turn(ctx context.Context, req planner.Request, agent string, transcript governor.Transcript) (Outcome, error) {
	start := time.Now()
	cfg := e.resolver.Effective(agent)
	state := e.stateFor(req.Channel)

	if !cfg.Enabled || req.Trigger == planner.TriggerSystem {
		state.AdvanceTurn()
		return Outcome{Transcript: transcript, Elapsed: time.Since(start)}, nil
	}

	pools, err := e.planner.Plan(ctx, req, &cfg)
	if err != nil {
		return Outcome{}, err
	}

	filtered := e.filter.Apply(ctx, pools.Pinned, pools.Contextual, state, &cfg)

	block := inject.Build(filtered, cfg.MaxTotal)
	inject.ApplyStateUpdate(state, block)

	out := governor.Insert(transcript, block, cfg.MaxInjectedBlocksInHistory)
	state.AdvanceTurn()

	slog.Debug("memory injection turn complete",
		"channel", req.Channel,
		"pinned_count", len(pools.Pinned),
		"contextual_count", len(pools.Contextual),
		"included_count", len(block.Included),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	return Outcome{
		Transcript:      out,
		Block:           block,
		PinnedCount:     len(pools.Pinned),
		ContextualCount: len(pools.Contextual),
		DedupedCount:    (len(pools.Pinned) + len(pools.Contextual)) - len(block.Included),
		Elapsed:         time.Since(start),
	}, nil
}

// RenderForModel returns the transcript the model invocation should
// actually be sent. Model invocation itself is external/opaque to the
// engine; this is the last thing the engine controls before that call.
func (e *Engine) RenderForModel(out Outcome) governor.Transcript {
	return out.Transcript
}

func (e *Engine) stateFor(channel string) *dedup.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.states[channel]
	if !ok {
		s = dedup.NewState()
		e.states[channel] = s
	}
	return s
}
