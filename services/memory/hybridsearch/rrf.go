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
	"sort"
	"time"

	memory "github.com/AleutianAI/meminject/services/memory"
	apistore "github.com/AleutianAI/meminject/services/memory/store"
)

// rrfK is the Reciprocal Rank Fusion smoothing constant. A memory
// absent from an arm contributes 0 from that arm.
const rrfK = 60

// fuse combines per-arm ranked ID lists into one fused score per memory
// ID via score(m) = Σ_arms 1/(k+rank_arm(m)).
func fuse(arms ...[]apistore.ScoredID) map[string]float64 {
	scores := make(map[string]float64)
	for _, arm := range arms {
		for _, hit := range arm {
			scores[hit.ID] += 1.0 / float64(rrfK+hit.Rank)
		}
	}
	return scores
}

// enrich applies the optional score-enrichment hook:
// final = rrf + α·importance + β·recency_decay(age). Both coefficients
// default to 0, which makes this a no-op — relevance (the RRF score)
// dominates unless an operator opts in.
func enrich(rrfScore float64, m *memory.Memory, alpha, beta float64) float64 {
	if alpha == 0 && beta == 0 {
		return rrfScore
	}
	final := rrfScore
	final += alpha * m.Importance
	if beta != 0 {
		final += beta * recencyDecay(m.CreatedAt)
	}
	return final
}

// recencyDecay returns a value in (0, 1] that decays as a memory ages,
// halving roughly every 14 days. A zero createdAt yields 0.
func recencyDecay(createdAt time.Time) float64 {
	if createdAt.IsZero() {
		return 0
	}
	ageDays := time.Since(createdAt).Hours() / 24
	const halfLifeDays = 14.0
	decay := 1.0
	for ageDays > 0 {
		if ageDays < halfLifeDays {
			decay *= 1 - (ageDays / halfLifeDays / 2)
			break
		}
		decay *= 0.5
		ageDays -= halfLifeDays
	}
	return decay
}

// rankAndTruncate sorts memories by descending final score with a stable
// tie-break by identifier (spec P10 — determinism), then truncates to cap.
func rankAndTruncate(scored []Scored, cap int) []Scored {
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Memory.ID < scored[j].Memory.ID
	})
	if cap > 0 && len(scored) > cap {
		scored = scored[:cap]
	}
	return scored
}
