// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package weaviate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	apimem "github.com/AleutianAI/meminject/services/memory"
	apistore "github.com/AleutianAI/meminject/services/memory/store"
)

// Store implements store.Store against a Weaviate instance. It is the
// primary backend: vector search, BM25 lexical search, and relational
// filtering are all served by Weaviate's GraphQL API; graph traversal is
// served by the MemoryAssociation class.
type Store struct {
	client *weaviate.Client
}

// New wraps an already-configured Weaviate client. Callers are expected to
// have called EnsureSchema once at process start.
func New(client *weaviate.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	return &Store{client: client}, nil
}

var _ apistore.Store = (*Store)(nil)

// Put upserts a memory, assigning an ID and timestamps when absent.
func (s *Store) Put(ctx context.Context, m *apimem.Memory) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Importance == 0 {
		m.Importance = m.Kind.DefaultImportance()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.LastAccess.IsZero() {
		m.LastAccess = m.CreatedAt
	}
	if m.Source == "" {
		m.Source = apimem.SourceAgentInferred
	}

	if err := m.Validate(); err != nil {
		return fmt.Errorf("validating memory: %w", err)
	}

	props := map[string]interface{}{
		"memoryId":    m.ID,
		"content":     m.Content,
		"kind":        string(m.Kind),
		"importance":  m.Importance,
		"source":      string(m.Source),
		"channel":     m.Channel,
		"createdAt":   m.CreatedAt.Format(time.RFC3339),
		"lastAccess":  m.LastAccess.Format(time.RFC3339),
		"accessCount": m.AccessCount,
		"deleted":     m.Deleted,
	}

	weaviateID, err := s.lookupWeaviateID(ctx, m.ID)
	if err == nil {
		err = s.client.Data().Updater().
			WithClassName(MemoryClassName).
			WithID(weaviateID).
			WithProperties(props).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("%w: updating memory: %v", apimem.ErrStoreUnavailable, err)
		}
		return nil
	}

	_, err = s.client.Data().Creator().
		WithClassName(MemoryClassName).
		WithProperties(props).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("%w: creating memory: %v", apimem.ErrStoreUnavailable, err)
	}

	slog.Debug("stored memory", "memory_id", m.ID, "kind", m.Kind, "channel", m.Channel)
	return nil
}

// Get fetches a single memory by ID.
func (s *Store) Get(ctx context.Context, id string) (*apimem.Memory, error) {
	where := filters.Where().
		WithPath([]string{"memoryId"}).
		WithOperator(filters.Equal).
		WithValueString(id)

	result, err := s.client.GraphQL().Get().
		WithClassName(MemoryClassName).
		WithFields(memoryFields()...).
		WithWhere(where).
		WithLimit(1).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apimem.ErrStoreUnavailable, err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("%w: %s", apimem.ErrStoreUnavailable, result.Errors[0].Message)
	}

	memories, err := parseMemoryResults(result)
	if err != nil {
		return nil, err
	}
	if len(memories) == 0 {
		return nil, apimem.ErrMemoryNotFound
	}
	return memories[0], nil
}

// GetByKind returns non-deleted memories of the given kinds, ordered per
// sort.
func (s *Store) GetByKind(ctx context.Context, channel string, kinds []apimem.Kind, sortOrder apistore.SortOrder, limit int) ([]*apimem.Memory, error) {
	operands := []*filters.WhereBuilder{channelFilter(channel), notDeletedFilter()}
	if len(kinds) > 0 {
		kindOperands := make([]*filters.WhereBuilder, 0, len(kinds))
		for _, k := range kinds {
			kindOperands = append(kindOperands, filters.Where().
				WithPath([]string{"kind"}).
				WithOperator(filters.Equal).
				WithValueString(string(k)))
		}
		if len(kindOperands) == 1 {
			operands = append(operands, kindOperands[0])
		} else {
			operands = append(operands, filters.Where().WithOperator(filters.Or).WithOperands(kindOperands))
		}
	}

	sorts := []graphql.Sort{{Path: []string{"createdAt"}, Order: graphql.Desc}}
	if sortOrder == apistore.SortImportance {
		sorts = append([]graphql.Sort{{Path: []string{"importance"}, Order: graphql.Desc}}, sorts...)
	}

	result, err := s.client.GraphQL().Get().
		WithClassName(MemoryClassName).
		WithFields(memoryFields()...).
		WithWhere(filters.Where().WithOperator(filters.And).WithOperands(operands)).
		WithSort(sorts...).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apimem.ErrStoreUnavailable, err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("%w: %s", apimem.ErrStoreUnavailable, result.Errors[0].Message)
	}
	return parseMemoryResults(result)
}

// GetHighImportance returns non-deleted memories at or above a threshold,
// most important first. Used to seed graph traversal.
func (s *Store) GetHighImportance(ctx context.Context, channel string, minImportance float64, limit int) ([]*apimem.Memory, error) {
	operands := []*filters.WhereBuilder{
		channelFilter(channel),
		notDeletedFilter(),
		filters.Where().WithPath([]string{"importance"}).WithOperator(filters.GreaterThanEqual).WithValueNumber(minImportance),
	}

	result, err := s.client.GraphQL().Get().
		WithClassName(MemoryClassName).
		WithFields(memoryFields()...).
		WithWhere(filters.Where().WithOperator(filters.And).WithOperands(operands)).
		WithSort(graphql.Sort{Path: []string{"importance"}, Order: graphql.Desc}).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apimem.ErrStoreUnavailable, err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("%w: %s", apimem.ErrStoreUnavailable, result.Errors[0].Message)
	}
	return parseMemoryResults(result)
}

// GetRecentSince returns non-deleted memories created after the given
// time, most recent first.
func (s *Store) GetRecentSince(ctx context.Context, channel string, since time.Time, limit int) ([]*apimem.Memory, error) {
	operands := []*filters.WhereBuilder{
		channelFilter(channel),
		notDeletedFilter(),
		filters.Where().WithPath([]string{"createdAt"}).WithOperator(filters.GreaterThan).WithValueDate(since),
	}

	result, err := s.client.GraphQL().Get().
		WithClassName(MemoryClassName).
		WithFields(memoryFields()...).
		WithWhere(filters.Where().WithOperator(filters.And).WithOperands(operands)).
		WithSort(graphql.Sort{Path: []string{"createdAt"}, Order: graphql.Desc}).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apimem.ErrStoreUnavailable, err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("%w: %s", apimem.ErrStoreUnavailable, result.Errors[0].Message)
	}
	return parseMemoryResults(result)
}

// GetEmbedding returns the stored vector for a memory via Weaviate's
// _additional.vector field.
func (s *Store) GetEmbedding(ctx context.Context, id string) (*apimem.Embedding, error) {
	where := filters.Where().WithPath([]string{"memoryId"}).WithOperator(filters.Equal).WithValueString(id)

	result, err := s.client.GraphQL().Get().
		WithClassName(MemoryClassName).
		WithFields(graphql.Field{Name: "_additional { vector }"}).
		WithWhere(where).
		WithLimit(1).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apimem.ErrStoreUnavailable, err)
	}

	vec, ok := extractVector(result)
	if !ok {
		return nil, apimem.ErrMemoryNotFound
	}
	return &apimem.Embedding{MemoryID: id, Vector: vec}, nil
}

// VectorSearch runs a nearVector query scoped to a channel.
func (s *Store) VectorSearch(ctx context.Context, channel string, query []float32, limit int) ([]apistore.ScoredID, error) {
	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(query)

	where := filters.Where().WithOperator(filters.And).WithOperands([]*filters.WhereBuilder{
		channelFilter(channel), notDeletedFilter(),
	})

	result, err := s.client.GraphQL().Get().
		WithClassName(MemoryClassName).
		WithFields(
			graphql.Field{Name: "memoryId"},
			graphql.Field{Name: "_additional { distance }"},
		).
		WithNearVector(nearVector).
		WithWhere(where).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: vector search: %v", apimem.ErrStoreUnavailable, err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("%w: %s", apimem.ErrStoreUnavailable, result.Errors[0].Message)
	}

	return parseScoredIDs(result, "distance", true)
}

// FTSSearch runs a BM25 query scoped to a channel.
func (s *Store) FTSSearch(ctx context.Context, channel string, query string, limit int) ([]apistore.ScoredID, error) {
	bm25 := s.client.GraphQL().Bm25ArgBuilder().WithQuery(query).WithProperties("content")

	where := filters.Where().WithOperator(filters.And).WithOperands([]*filters.WhereBuilder{
		channelFilter(channel), notDeletedFilter(),
	})

	result, err := s.client.GraphQL().Get().
		WithClassName(MemoryClassName).
		WithFields(
			graphql.Field{Name: "memoryId"},
			graphql.Field{Name: "_additional { score }"},
		).
		WithBM25(bm25).
		WithWhere(where).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: fts search: %v", apimem.ErrStoreUnavailable, err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("%w: %s", apimem.ErrStoreUnavailable, result.Errors[0].Message)
	}

	return parseScoredIDs(result, "score", false)
}

// Neighbors returns memories associated with any of the seed IDs,
// restricted to edgeFilter's kinds when non-empty.
func (s *Store) Neighbors(ctx context.Context, seedIDs []string, edgeFilter []apimem.AssociationKind, maxPerSeed int) ([]apistore.Neighbor, error) {
	seen := make(map[string]bool)
	var out []apistore.Neighbor

	for _, seed := range seedIDs {
		operands := []*filters.WhereBuilder{
			filters.Where().WithOperator(filters.Or).WithOperands([]*filters.WhereBuilder{
				filters.Where().WithPath([]string{"fromId"}).WithOperator(filters.Equal).WithValueString(seed),
				filters.Where().WithPath([]string{"toId"}).WithOperator(filters.Equal).WithValueString(seed),
			}),
		}
		if len(edgeFilter) > 0 {
			kindOperands := make([]*filters.WhereBuilder, 0, len(edgeFilter))
			for _, k := range edgeFilter {
				kindOperands = append(kindOperands, filters.Where().
					WithPath([]string{"kind"}).WithOperator(filters.Equal).WithValueString(string(k)))
			}
			if len(kindOperands) == 1 {
				operands = append(operands, kindOperands[0])
			} else {
				operands = append(operands, filters.Where().WithOperator(filters.Or).WithOperands(kindOperands))
			}
		}

		result, err := s.client.GraphQL().Get().
			WithClassName(AssociationClassName).
			WithFields(graphql.Field{Name: "fromId"}, graphql.Field{Name: "toId"}, graphql.Field{Name: "kind"}).
			WithWhere(filters.Where().WithOperator(filters.And).WithOperands(operands)).
			WithLimit(maxPerSeed).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: neighbor lookup: %v", apimem.ErrStoreUnavailable, err)
		}

		edges, ok := objectsForClass(result, AssociationClassName)
		if !ok {
			continue
		}
		for _, raw := range edges {
			edge, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			from := getString(edge, "fromId")
			to := getString(edge, "toId")
			other := to
			if to == seed {
				other = from
			}
			if other != "" && other != seed && !seen[other] {
				seen[other] = true
				out = append(out, apistore.Neighbor{ID: other, Kind: apimem.AssociationKind(getString(edge, "kind"))})
			}
		}
	}

	return out, nil
}

// PutAssociation upserts a typed edge between two memories.
func (s *Store) PutAssociation(ctx context.Context, a *apimem.Association) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("validating association: %w", err)
	}

	_, err := s.client.Data().Creator().
		WithClassName(AssociationClassName).
		WithProperties(map[string]interface{}{
			"fromId": a.FromID,
			"toId":   a.ToID,
			"kind":   string(a.Kind),
		}).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("%w: storing association: %v", apimem.ErrStoreUnavailable, err)
	}
	return nil
}

// SoftDelete marks a memory deleted in place.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	weaviateID, err := s.lookupWeaviateID(ctx, id)
	if err != nil {
		return err
	}

	err = s.client.Data().Updater().
		WithClassName(MemoryClassName).
		WithID(weaviateID).
		WithProperties(map[string]interface{}{"deleted": true}).
		WithMerge().
		Do(ctx)
	if err != nil {
		return fmt.Errorf("%w: soft-deleting memory: %v", apimem.ErrStoreUnavailable, err)
	}
	return nil
}

// Close is a no-op: the Weaviate client is a thin HTTP wrapper with no
// held connections to release.
func (s *Store) Close() error { return nil }

// lookupWeaviateID resolves our application-level memory ID to Weaviate's
// internal UUID, which every Updater/Deleter call requires.
func (s *Store) lookupWeaviateID(ctx context.Context, id string) (string, error) {
	where := filters.Where().WithPath([]string{"memoryId"}).WithOperator(filters.Equal).WithValueString(id)

	result, err := s.client.GraphQL().Get().
		WithClassName(MemoryClassName).
		WithFields(graphql.Field{Name: "_additional { id }"}).
		WithWhere(where).
		WithLimit(1).
		Do(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apimem.ErrStoreUnavailable, err)
	}

	objects, ok := objectsForClass(result, MemoryClassName)
	if !ok || len(objects) == 0 {
		return "", apimem.ErrMemoryNotFound
	}
	obj, ok := objects[0].(map[string]interface{})
	if !ok {
		return "", apimem.ErrMemoryNotFound
	}
	additional, ok := obj["_additional"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("missing _additional field")
	}
	weaviateID, ok := additional["id"].(string)
	if !ok {
		return "", fmt.Errorf("missing id in _additional")
	}
	return weaviateID, nil
}

func channelFilter(channel string) *filters.WhereBuilder {
	return filters.Where().WithPath([]string{"channel"}).WithOperator(filters.Equal).WithValueString(channel)
}

func notDeletedFilter() *filters.WhereBuilder {
	return filters.Where().WithPath([]string{"deleted"}).WithOperator(filters.Equal).WithValueBoolean(false)
}

func memoryFields() []graphql.Field {
	return []graphql.Field{
		{Name: "memoryId"},
		{Name: "content"},
		{Name: "kind"},
		{Name: "importance"},
		{Name: "source"},
		{Name: "channel"},
		{Name: "createdAt"},
		{Name: "lastAccess"},
		{Name: "accessCount"},
		{Name: "deleted"},
	}
}

func objectsForClass(result *models.GraphQLResponse, class string) ([]interface{}, bool) {
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil, false
	}
	objects, ok := data[class].([]interface{})
	return objects, ok
}

func parseMemoryResults(result *models.GraphQLResponse) ([]*apimem.Memory, error) {
	objects, ok := objectsForClass(result, MemoryClassName)
	if !ok {
		return nil, nil
	}

	memories := make([]*apimem.Memory, 0, len(objects))
	for _, raw := range objects {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		mem := &apimem.Memory{
			ID:          getString(m, "memoryId"),
			Content:     getString(m, "content"),
			Kind:        apimem.Kind(getString(m, "kind")),
			Importance:  getFloat64(m, "importance"),
			Source:      apimem.Source(getString(m, "source")),
			Channel:     getString(m, "channel"),
			AccessCount: getInt(m, "accessCount"),
			Deleted:     getBool(m, "deleted"),
		}
		if createdStr := getString(m, "createdAt"); createdStr != "" {
			if t, err := time.Parse(time.RFC3339, createdStr); err == nil {
				mem.CreatedAt = t
			}
		}
		if lastStr := getString(m, "lastAccess"); lastStr != "" {
			if t, err := time.Parse(time.RFC3339, lastStr); err == nil {
				mem.LastAccess = t
			}
		}
		memories = append(memories, mem)
	}
	return memories, nil
}

// parseScoredIDs extracts memoryId + the named _additional score field
// from a Get response and assigns 1-based ranks in result order. When
// lowerIsBetter is set (vector distance), the results are then stably
// re-sorted by ascending score and re-ranked; otherwise (BM25 score) the
// rank stays positional.
func parseScoredIDs(result *models.GraphQLResponse, scoreField string, lowerIsBetter bool) ([]apistore.ScoredID, error) {
	objects, ok := objectsForClass(result, MemoryClassName)
	if !ok {
		return nil, nil
	}

	out := make([]apistore.ScoredID, 0, len(objects))
	for i, raw := range objects {
		obj, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		id := getString(obj, "memoryId")
		if id == "" {
			continue
		}
		var score float64
		if additional, ok := obj["_additional"].(map[string]interface{}); ok {
			score = getFloat64(additional, scoreField)
		}
		out = append(out, apistore.ScoredID{ID: id, Rank: i + 1, Score: score})
	}

	if lowerIsBetter {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Score < out[j].Score })
		for i := range out {
			out[i].Rank = i + 1
		}
	}

	return out, nil
}

func extractVector(result *models.GraphQLResponse) ([]float32, bool) {
	objects, ok := objectsForClass(result, MemoryClassName)
	if !ok || len(objects) == 0 {
		return nil, false
	}
	obj, ok := objects[0].(map[string]interface{})
	if !ok {
		return nil, false
	}
	additional, ok := obj["_additional"].(map[string]interface{})
	if !ok {
		return nil, false
	}
	raw, ok := additional["vector"].([]interface{})
	if !ok {
		return nil, false
	}
	vec := make([]float32, len(raw))
	for i, v := range raw {
		if f, ok := v.(float64); ok {
			vec[i] = float32(f)
		}
	}
	return vec, true
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getFloat64(m map[string]interface{}, key string) float64 {
	if v, ok := m[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case float32:
			return float64(n)
		case int:
			return float64(n)
		}
	}
	return 0
}

func getInt(m map[string]interface{}, key string) int {
	if v, ok := m[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return 0
}

func getBool(m map[string]interface{}, key string) bool {
	if v, ok := m[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}
