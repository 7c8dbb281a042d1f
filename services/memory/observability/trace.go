// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability emits the structured debug/info traces and
// Prometheus metrics required for every turn the engine processes.
// Metrics are registered internally via promauto; this package never
// stands up its own HTTP exposition endpoint — the host process is
// expected to register the default registry on its own /metrics
// handler if it has one.
package observability

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/meminject/services/memory/engine"
)

var (
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meminject_turns_total",
		Help: "Total pre-hook turns processed, by outcome",
	}, []string{"outcome"})

	admittedMemories = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meminject_admitted_memories_total",
		Help: "Total memories admitted into an InjectionBlock, by kind and source",
	}, []string{"kind", "source"})

	dedupedMemories = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meminject_deduped_memories_total",
		Help: "Total candidates rejected by the deduplication filter",
	})

	turnLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "meminject_turn_latency_seconds",
		Help:    "Pre-hook turn latency, config load through block formatting",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})
)

// TraceTurn emits the per-turn structured trace and metric updates.
// channel is included on every line so a single channel's turns can be
// isolated in aggregated logs.
func TraceTurn(channel string, out engine.Outcome) {
	switch {
	case out.Block.Empty() && out.PinnedCount == 0 && out.ContextualCount == 0:
		slog.Info("memory injection: no candidates", "channel", channel)
		turnsTotal.WithLabelValues("empty_no_candidates").Inc()
	case out.Block.Empty():
		slog.Info("memory injection: all candidates deduped",
			"channel", channel, "pinned_count", out.PinnedCount, "contextual_count", out.ContextualCount)
		turnsTotal.WithLabelValues("empty_all_deduped").Inc()
	default:
		slog.Debug("memory injection: block built",
			"channel", channel,
			"pinned_count", out.PinnedCount,
			"contextual_count", out.ContextualCount,
			"deduped_count", out.DedupedCount,
			"included_count", len(out.Block.Included),
			"elapsed_ms", out.Elapsed.Milliseconds(),
		)
		turnsTotal.WithLabelValues("injected").Inc()
		for _, m := range out.Block.Included {
			source := "contextual"
			if m.IsPinned {
				source = "pinned"
			}
			admittedMemories.WithLabelValues(string(m.Kind), source).Inc()
			slog.Debug("memory admitted", "memory_id", m.ID, "kind", m.Kind, "source", source)
		}
	}

	if out.DedupedCount > 0 {
		dedupedMemories.Add(float64(out.DedupedCount))
	}
	turnLatency.Observe(out.Elapsed.Seconds())
}

// TraceDisabled emits the skip-path trace for a turn where injection
// was disabled entirely, either by config or a system-trigger message.
func TraceDisabled(channel, reason string) {
	slog.Info("memory injection: skipped", "channel", channel, "reason", reason)
	turnsTotal.WithLabelValues("disabled:" + reason).Inc()
}
