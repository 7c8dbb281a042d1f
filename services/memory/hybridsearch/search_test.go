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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memory "github.com/AleutianAI/meminject/services/memory"
	apistore "github.com/AleutianAI/meminject/services/memory/store"
)

// fakeStore is an in-memory apistore.Store for exercising the hybrid
// search fusion logic without a live backend.
type fakeStore struct {
	memories      map[string]*memory.Memory
	vectorResults []apistore.ScoredID
	lexicalResults []apistore.ScoredID
	vectorErr     error
	lexicalErr    error
	associations  []*memory.Association
}

func newFakeStore() *fakeStore {
	return &fakeStore{memories: map[string]*memory.Memory{}}
}

func (f *fakeStore) Put(ctx context.Context, m *memory.Memory) error {
	f.memories[m.ID] = m
	return nil
}
func (f *fakeStore) Get(ctx context.Context, id string) (*memory.Memory, error) {
	if m, ok := f.memories[id]; ok {
		return m, nil
	}
	return nil, memory.ErrMemoryNotFound
}
func (f *fakeStore) GetByKind(ctx context.Context, channel string, kinds []memory.Kind, sort apistore.SortOrder, limit int) ([]*memory.Memory, error) {
	return nil, nil
}
func (f *fakeStore) GetHighImportance(ctx context.Context, channel string, minImportance float64, limit int) ([]*memory.Memory, error) {
	var out []*memory.Memory
	for _, m := range f.memories {
		if m.Importance >= minImportance {
			out = append(out, m)
		}
	}
	return out, nil
}
func (f *fakeStore) GetRecentSince(ctx context.Context, channel string, since time.Time, limit int) ([]*memory.Memory, error) {
	return nil, nil
}
func (f *fakeStore) GetEmbedding(ctx context.Context, id string) (*memory.Embedding, error) {
	return nil, memory.ErrMemoryNotFound
}
func (f *fakeStore) VectorSearch(ctx context.Context, channel string, query []float32, limit int) ([]apistore.ScoredID, error) {
	if f.vectorErr != nil {
		return nil, f.vectorErr
	}
	return f.vectorResults, nil
}
func (f *fakeStore) FTSSearch(ctx context.Context, channel string, query string, limit int) ([]apistore.ScoredID, error) {
	if f.lexicalErr != nil {
		return nil, f.lexicalErr
	}
	return f.lexicalResults, nil
}
func (f *fakeStore) Neighbors(ctx context.Context, seedIDs []string, edgeFilter []memory.AssociationKind, maxPerSeed int) ([]apistore.Neighbor, error) {
	allowed := make(map[memory.AssociationKind]bool, len(edgeFilter))
	for _, k := range edgeFilter {
		allowed[k] = true
	}
	var out []apistore.Neighbor
	for _, a := range f.associations {
		if len(allowed) > 0 && !allowed[a.Kind] {
			continue
		}
		for _, seed := range seedIDs {
			if a.FromID == seed {
				out = append(out, apistore.Neighbor{ID: a.ToID, Kind: a.Kind})
			} else if a.ToID == seed {
				out = append(out, apistore.Neighbor{ID: a.FromID, Kind: a.Kind})
			}
		}
	}
	return out, nil
}
func (f *fakeStore) PutAssociation(ctx context.Context, a *memory.Association) error {
	f.associations = append(f.associations, a)
	return nil
}
func (f *fakeStore) SoftDelete(ctx context.Context, id string) error { return nil }
func (f *fakeStore) Close() error                                   { return nil }

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

func seedMemory(s *fakeStore, id, channel string, importance float64) *memory.Memory {
	m := &memory.Memory{ID: id, Content: "content " + id, Kind: memory.KindFact, Importance: importance, Channel: channel, CreatedAt: time.Now()}
	s.memories[id] = m
	return m
}

func TestSearch_FusesAcrossArms(t *testing.T) {
	s := newFakeStore()
	seedMemory(s, "m1", "chan-1", 0.5)
	seedMemory(s, "m2", "chan-1", 0.5)
	s.vectorResults = []apistore.ScoredID{{ID: "m1", Rank: 1}, {ID: "m2", Rank: 2}}
	s.lexicalResults = []apistore.ScoredID{{ID: "m2", Rank: 1}}

	searcher := NewSearcher(s, &fakeEmbedder{vec: []float32{0.1}})
	result, err := searcher.Search(context.Background(), "chan-1", "hello", Config{PerSourceCap: 10, TotalCap: 10})
	require.NoError(t, err)

	require.Len(t, result.Scored, 2)
	// m2 appears in both arms (ranks 2 and 1) so it must outrank m1
	// (rank 1 in vector only).
	assert.Equal(t, "m2", result.Scored[0].Memory.ID)
	assert.Equal(t, "m1", result.Scored[1].Memory.ID)
}

func TestSearch_GracefulDegradationOnVectorFailure(t *testing.T) {
	s := newFakeStore()
	seedMemory(s, "m1", "chan-1", 0.5)
	s.vectorErr = errors.New("store down")
	s.lexicalResults = []apistore.ScoredID{{ID: "m1", Rank: 1}}

	searcher := NewSearcher(s, &fakeEmbedder{vec: []float32{0.1}})
	result, err := searcher.Search(context.Background(), "chan-1", "hello", Config{PerSourceCap: 10, TotalCap: 10})
	require.NoError(t, err)

	require.Error(t, result.VectorErr)
	require.Len(t, result.Scored, 1)
	assert.Equal(t, "m1", result.Scored[0].Memory.ID)
}

func TestSearch_EmbeddingFailureFallsBackToLexicalAndGraph(t *testing.T) {
	s := newFakeStore()
	seedMemory(s, "m1", "chan-1", 0.5)
	s.lexicalResults = []apistore.ScoredID{{ID: "m1", Rank: 1}}

	searcher := NewSearcher(s, &fakeEmbedder{err: errors.New("embedding service down")})
	result, err := searcher.Search(context.Background(), "chan-1", "hello", Config{PerSourceCap: 10, TotalCap: 10})
	require.NoError(t, err)
	require.Error(t, result.VectorErr)
	assert.Len(t, result.Scored, 1)
}

func TestSearch_EmptyQueryUsesGraphArmOnly(t *testing.T) {
	s := newFakeStore()
	seedMemory(s, "m1", "chan-1", 0.9)

	searcher := NewSearcher(s, &fakeEmbedder{})
	result, err := searcher.Search(context.Background(), "chan-1", "", Config{PerSourceCap: 10, TotalCap: 10, GraphSeedThreshold: 0.5, GraphSeedLimit: 5})
	require.NoError(t, err)
	require.Len(t, result.Scored, 1)
	assert.Equal(t, "m1", result.Scored[0].Memory.ID)
}

func TestSearch_GraphArmWeightsUpdatesEdgeOverRelatedTo(t *testing.T) {
	s := newFakeStore()
	seedMemory(s, "seed", "chan-1", 0.9)
	seedMemory(s, "strong", "chan-1", 0.0)
	seedMemory(s, "weak", "chan-1", 0.0)
	s.associations = []*memory.Association{
		{FromID: "seed", ToID: "strong", Kind: memory.AssocUpdates},
		{FromID: "seed", ToID: "weak", Kind: memory.AssocRelatedTo},
	}

	searcher := NewSearcher(s, &fakeEmbedder{})
	result, err := searcher.Search(context.Background(), "chan-1", "", Config{PerSourceCap: 10, TotalCap: 10, GraphSeedThreshold: 0.5, GraphSeedLimit: 5})
	require.NoError(t, err)

	require.Len(t, result.Scored, 3)
	assert.Equal(t, "seed", result.Scored[0].Memory.ID, "the seed itself has the highest importance")
	assert.Equal(t, "strong", result.Scored[1].Memory.ID, "an updates edge must outrank a related_to edge at the same hop distance")
	assert.Equal(t, "weak", result.Scored[2].Memory.ID)
}

func TestSearch_AllArmsEmptyReturnsEmptyNotError(t *testing.T) {
	s := newFakeStore()
	searcher := NewSearcher(s, &fakeEmbedder{vec: []float32{0.1}})
	result, err := searcher.Search(context.Background(), "chan-1", "hello", Config{PerSourceCap: 10, TotalCap: 10})
	require.NoError(t, err)
	assert.Empty(t, result.Scored)
}

func TestFuse_AbsentArmContributesZero(t *testing.T) {
	scores := fuse(
		[]apistore.ScoredID{{ID: "a", Rank: 1}},
		nil,
		[]apistore.ScoredID{{ID: "a", Rank: 3}, {ID: "b", Rank: 1}},
	)
	assert.InDelta(t, 1.0/61+1.0/63, scores["a"], 1e-9)
	assert.InDelta(t, 1.0/61, scores["b"], 1e-9)
}

func TestRankAndTruncate_TieBreaksByID(t *testing.T) {
	scored := []Scored{
		{Memory: &memory.Memory{ID: "z"}, Score: 1.0},
		{Memory: &memory.Memory{ID: "a"}, Score: 1.0},
	}
	ranked := rankAndTruncate(scored, 10)
	require.Len(t, ranked, 2)
	assert.Equal(t, "a", ranked[0].Memory.ID)
}

func TestRankAndTruncate_Cap(t *testing.T) {
	scored := []Scored{
		{Memory: &memory.Memory{ID: "a"}, Score: 2},
		{Memory: &memory.Memory{ID: "b"}, Score: 1},
	}
	ranked := rankAndTruncate(scored, 1)
	require.Len(t, ranked, 1)
	assert.Equal(t, "a", ranked[0].Memory.ID)
}
