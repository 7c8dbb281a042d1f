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
	"errors"
	"testing"

	"github.com/weaviate/weaviate/entities/models"

	memory "github.com/AleutianAI/meminject/services/memory"
)

// fakeGraphQLResult builds a *models.GraphQLResponse shaped like a real
// Get{} query response, for exercising the parse helpers without a live
// Weaviate instance.
func fakeGraphQLResult(class string, objects []map[string]interface{}) *models.GraphQLResponse {
	raw := make([]interface{}, len(objects))
	for i, o := range objects {
		raw[i] = o
	}
	return &models.GraphQLResponse{
		Data: map[string]models.JSONObject{
			"Get": map[string]interface{}{
				class: raw,
			},
		},
	}
}

func TestMemory_Validate(t *testing.T) {
	t.Run("valid memory passes validation", func(t *testing.T) {
		m := memory.Memory{
			Content:    "the user prefers terse responses",
			Kind:       memory.KindPreference,
			Importance: 0.8,
			Source:     memory.SourceUserStated,
			Channel:    "chan-1",
		}
		if err := m.Validate(); err != nil {
			t.Errorf("expected no error, got %v", err)
		}
	})

	t.Run("empty content fails validation", func(t *testing.T) {
		m := memory.Memory{Kind: memory.KindFact, Channel: "chan-1"}
		if err := m.Validate(); !errors.Is(err, memory.ErrInvalidMemory) {
			t.Errorf("expected ErrInvalidMemory, got %v", err)
		}
	})

	t.Run("empty channel fails validation", func(t *testing.T) {
		m := memory.Memory{Content: "x", Kind: memory.KindFact}
		if err := m.Validate(); !errors.Is(err, memory.ErrInvalidMemory) {
			t.Errorf("expected ErrInvalidMemory, got %v", err)
		}
	})

	t.Run("invalid kind fails validation", func(t *testing.T) {
		m := memory.Memory{Content: "x", Kind: memory.Kind("invalid"), Channel: "chan-1"}
		if err := m.Validate(); !errors.Is(err, memory.ErrInvalidMemory) {
			t.Errorf("expected ErrInvalidMemory, got %v", err)
		}
	})

	t.Run("importance out of range fails validation", func(t *testing.T) {
		m := memory.Memory{Content: "x", Kind: memory.KindFact, Channel: "chan-1", Importance: 1.5}
		if err := m.Validate(); !errors.Is(err, memory.ErrInvalidMemory) {
			t.Errorf("expected ErrInvalidMemory, got %v", err)
		}
	})

	t.Run("importance at boundaries is valid", func(t *testing.T) {
		m := memory.Memory{Content: "x", Kind: memory.KindFact, Channel: "chan-1", Importance: 0}
		if err := m.Validate(); err != nil {
			t.Errorf("expected no error for importance 0, got %v", err)
		}
		m.Importance = 1
		if err := m.Validate(); err != nil {
			t.Errorf("expected no error for importance 1, got %v", err)
		}
	})
}

func TestAssociation_Validate(t *testing.T) {
	t.Run("valid association passes", func(t *testing.T) {
		a := memory.Association{FromID: "a", ToID: "b", Kind: memory.AssocRelatedTo}
		if err := a.Validate(); err != nil {
			t.Errorf("expected no error, got %v", err)
		}
	})

	t.Run("self reference fails", func(t *testing.T) {
		a := memory.Association{FromID: "a", ToID: "a", Kind: memory.AssocRelatedTo}
		if err := a.Validate(); !errors.Is(err, memory.ErrInvalidAssociation) {
			t.Errorf("expected ErrInvalidAssociation, got %v", err)
		}
	})

	t.Run("invalid kind fails", func(t *testing.T) {
		a := memory.Association{FromID: "a", ToID: "b", Kind: memory.AssociationKind("invalid")}
		if err := a.Validate(); !errors.Is(err, memory.ErrInvalidAssociation) {
			t.Errorf("expected ErrInvalidAssociation, got %v", err)
		}
	})
}

func TestHelperFunctions(t *testing.T) {
	t.Run("getString returns empty for missing key", func(t *testing.T) {
		if got := getString(map[string]interface{}{}, "missing"); got != "" {
			t.Errorf("expected empty string, got %s", got)
		}
	})

	t.Run("getString returns value for present key", func(t *testing.T) {
		if got := getString(map[string]interface{}{"key": "value"}, "key"); got != "value" {
			t.Errorf("expected 'value', got %s", got)
		}
	})

	t.Run("getFloat64 handles different numeric types", func(t *testing.T) {
		tests := []struct {
			value    interface{}
			expected float64
		}{
			{float64(1.5), 1.5},
			{float32(2.5), 2.5},
			{int(3), 3.0},
		}
		for _, tc := range tests {
			if got := getFloat64(map[string]interface{}{"key": tc.value}, "key"); got != tc.expected {
				t.Errorf("expected %f, got %f for value %v", tc.expected, got, tc.value)
			}
		}
	})

	t.Run("getInt handles different numeric types", func(t *testing.T) {
		tests := []struct {
			value    interface{}
			expected int
		}{
			{int(5), 5},
			{int64(10), 10},
			{float64(15.0), 15},
		}
		for _, tc := range tests {
			if got := getInt(map[string]interface{}{"key": tc.value}, "key"); got != tc.expected {
				t.Errorf("expected %d, got %d for value %v", tc.expected, got, tc.value)
			}
		}
	})

	t.Run("getBool handles bool and missing", func(t *testing.T) {
		if getBool(map[string]interface{}{}, "missing") {
			t.Error("expected false for missing key")
		}
		if !getBool(map[string]interface{}{"key": true}, "key") {
			t.Error("expected true")
		}
	})
}

func TestParseScoredIDs_LowerIsBetterReranks(t *testing.T) {
	// distance (vector search): lower is better, so parseScoredIDs must
	// re-sort and re-rank rather than trust Weaviate's positional order.
	result := fakeGraphQLResult(MemoryClassName, []map[string]interface{}{
		{"memoryId": "b", "_additional": map[string]interface{}{"distance": 0.5}},
		{"memoryId": "a", "_additional": map[string]interface{}{"distance": 0.1}},
	})

	scored, err := parseScoredIDs(result, "distance", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(scored) != 2 || scored[0].ID != "a" || scored[0].Rank != 1 {
		t.Fatalf("expected a ranked first, got %+v", scored)
	}
}
