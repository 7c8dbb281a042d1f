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
)

// Searcher is the hybrid-search contract the Retrieval Planner's
// contextual arm is written against.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use across channels.
type Searcher interface {
	// Search runs the four-arm hybrid retrieval (vector, lexical,
	// graph-seed, graph-traversal) against query, scoped to channel, and
	// returns a fused, deduplicated, deterministically-ordered result of
	// length at most cfg.TotalCap. Search never returns an error for
	// partial arm failure — it degrades gracefully and reports per-arm
	// failures on Result for observability.
	Search(ctx context.Context, channel string, query string, cfg Config) (Result, error)
}
