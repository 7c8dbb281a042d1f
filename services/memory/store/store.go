// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store defines the storage-adapter contract the hybrid search,
// retrieval planner, and persistence governor are written against. Two
// adapters implement it: store/weaviate (vector + BM25 + graph backed by a
// Weaviate instance) and store/local (an embedded sqlite+sqvect+badger
// stack for single-node deployments with no external dependencies).
package store

import (
	"context"
	"time"

	memory "github.com/AleutianAI/meminject/services/memory"
)

// Store is the full read/write contract a backend must satisfy. Each
// method maps to one retrieval arm or one governance operation; no method
// here assumes the others ran first, since the hybrid search fans them out
// concurrently and independently.
type Store interface {
	// Put upserts a memory, assigning an ID if one is not already set.
	Put(ctx context.Context, m *memory.Memory) error

	// Get fetches a single memory by ID.
	Get(ctx context.Context, id string) (*memory.Memory, error)

	// GetByKind returns non-deleted memories for a channel restricted to the
	// given kinds, ordered per sort. Used by the pinned-memory path.
	GetByKind(ctx context.Context, channel string, kinds []memory.Kind, sort SortOrder, limit int) ([]*memory.Memory, error)

	// GetHighImportance returns non-deleted memories at or above the given
	// importance threshold, most important first. Used to seed graph
	// traversal from high-value anchors rather than every memory in a
	// channel.
	GetHighImportance(ctx context.Context, channel string, minImportance float64, limit int) ([]*memory.Memory, error)

	// GetRecentSince returns non-deleted memories created after the given
	// time, most recent first.
	GetRecentSince(ctx context.Context, channel string, since time.Time, limit int) ([]*memory.Memory, error)

	// GetEmbedding returns the stored vector for a memory, or
	// ErrMemoryNotFound if none was computed.
	GetEmbedding(ctx context.Context, id string) (*memory.Embedding, error)

	// VectorSearch runs a nearest-neighbor query over memory embeddings
	// scoped to a channel and returns candidate IDs ranked nearest-first.
	VectorSearch(ctx context.Context, channel string, query []float32, limit int) ([]ScoredID, error)

	// FTSSearch runs a lexical full-text query scoped to a channel and
	// returns candidate IDs ranked best-match-first.
	FTSSearch(ctx context.Context, channel string, query string, limit int) ([]ScoredID, error)

	// Neighbors returns the memories directly associated with the given
	// seed IDs via an Association edge, in either direction. edgeFilter,
	// if non-empty, restricts results to edges of those kinds; a nil or
	// empty filter matches every kind.
	Neighbors(ctx context.Context, seedIDs []string, edgeFilter []memory.AssociationKind, maxPerSeed int) ([]Neighbor, error)

	// PutAssociation upserts a typed edge between two memories.
	PutAssociation(ctx context.Context, a *memory.Association) error

	// SoftDelete marks a memory deleted without removing its row, so
	// Associations referencing it remain resolvable for audit purposes.
	SoftDelete(ctx context.Context, id string) error

	// Close releases any held connections.
	Close() error
}

// SortOrder selects the ordering for get_by_type.
type SortOrder int

const (
	// SortRecent orders by created-at descending.
	SortRecent SortOrder = iota
	// SortImportance orders by importance descending, ties by recency.
	SortImportance
)

// Neighbor is one edge-traversal hit from Neighbors: the memory ID on
// the other end of the edge, together with the edge's kind so callers
// can weight traversal hops by relationship type (e.g. an "updates"
// edge means more for ranking than a "related_to" one).
type Neighbor struct {
	ID   string
	Kind memory.AssociationKind
}

// ScoredID is a single retrieval-arm hit: a candidate memory ID together
// with that arm's rank (1-based, best first) and raw score. The rank, not
// the raw score, feeds Reciprocal Rank Fusion, since raw scores are not
// comparable across arms (cosine similarity vs. BM25 vs. graph distance).
type ScoredID struct {
	ID    string
	Rank  int
	Score float64
}

// EmbeddingProvider computes a fixed-width vector embedding for a single
// piece of text. Implementations must be safe for concurrent use, since
// the deduplication filter and hybrid search both call Embed from
// multiple goroutines per turn.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
