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
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// MemoryClassName is the Weaviate class name for injected long-term memories.
const MemoryClassName = "Memory"

// AssociationClassName is the Weaviate class name for typed edges between
// memories, used by the graph-traversal retrieval arm.
const AssociationClassName = "MemoryAssociation"

// GetMemorySchema returns the Weaviate schema for the Memory class.
//
// Description:
//
//	Defines the schema for storing long-term memories in Weaviate.
//	Uses text2vec-transformers to vectorize the content field only;
//	every other field is skipped from vectorization and serves purely as
//	filterable or sortable metadata.
//
// Outputs:
//
//	*models.Class - The Weaviate class definition
func GetMemorySchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	indexSearchable := new(bool)
	*indexSearchable = true

	skip := map[string]interface{}{
		"text2vec-transformers": map[string]interface{}{"skip": true},
	}

	return &models.Class{
		Class:       MemoryClassName,
		Description: "A unit of long-term, cross-turn context injected ahead of model turns",
		Vectorizer:  "text2vec-transformers",
		ModuleConfig: map[string]interface{}{
			"text2vec-transformers": map[string]interface{}{
				"vectorizeClassName": false,
			},
		},
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexTimestamps: true,
			Bm25: &models.BM25Config{
				K1: 1.2,
				B:  0.75,
			},
		},
		Properties: []*models.Property{
			{
				Name:            "memoryId",
				DataType:        []string{"text"},
				Description:     "Unique identifier (UUID)",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
				ModuleConfig:    skip,
			},
			{
				Name:            "content",
				DataType:        []string{"text"},
				Description:     "The memory's text content; also the field searched by both the vector and BM25 retrieval arms",
				IndexSearchable: indexSearchable,
				Tokenization:    "word",
			},
			{
				Name:            "kind",
				DataType:        []string{"text"},
				Description:     "identity, goal, decision, todo, preference, fact, event, observation",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
				ModuleConfig:    skip,
			},
			{
				Name:            "importance",
				DataType:        []string{"number"},
				Description:     "Importance score in [0, 1]",
				IndexFilterable: indexFilterable,
				ModuleConfig:    skip,
			},
			{
				Name:            "source",
				DataType:        []string{"text"},
				Description:     "user_stated, agent_inferred, system, imported",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
				ModuleConfig:    skip,
			},
			{
				Name:            "channel",
				DataType:        []string{"text"},
				Description:     "The channel (conversation/agent session) this memory is scoped to",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
				ModuleConfig:    skip,
			},
			{
				Name:         "createdAt",
				DataType:     []string{"date"},
				Description:  "When the memory was first stored",
				ModuleConfig: skip,
			},
			{
				Name:         "lastAccess",
				DataType:     []string{"date"},
				Description:  "When the memory was last injected or touched",
				ModuleConfig: skip,
			},
			{
				Name:         "accessCount",
				DataType:     []string{"int"},
				Description:  "Number of times this memory has been injected",
				ModuleConfig: skip,
			},
			{
				Name:            "deleted",
				DataType:        []string{"boolean"},
				Description:     "Soft-delete flag; deleted memories are excluded from retrieval but kept for Association integrity",
				IndexFilterable: indexFilterable,
				ModuleConfig:    skip,
			},
		},
	}
}

// GetAssociationSchema returns the Weaviate schema for the
// MemoryAssociation class: a typed, directed edge between two memories.
// The class is unvectorized; it exists purely to support the
// graph-traversal retrieval arm's neighbor lookups.
func GetAssociationSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       AssociationClassName,
		Description: "A typed, directed edge between two memories",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:            "fromId",
				DataType:        []string{"text"},
				Description:     "Source memory ID",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "toId",
				DataType:        []string{"text"},
				Description:     "Target memory ID",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "kind",
				DataType:        []string{"text"},
				Description:     "updates, contradicts, caused_by, related_to",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
		},
	}
}

// EnsureSchema creates the Memory and MemoryAssociation classes if they do
// not already exist. Idempotent; safe to call on every process start.
func EnsureSchema(ctx context.Context, client *weaviate.Client) error {
	classes := []*models.Class{GetMemorySchema(), GetAssociationSchema()}

	for _, class := range classes {
		_, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx)
		if err == nil {
			slog.Info("schema already exists", "class", class.Class)
			continue
		}

		slog.Info("creating schema", "class", class.Class)
		if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
			return fmt.Errorf("creating schema for class %s: %w", class.Class, err)
		}
	}

	return nil
}

// DeleteSchema removes the Memory and MemoryAssociation classes and all
// their objects. Irreversible; intended for test teardown and local-dev
// resets only.
func DeleteSchema(ctx context.Context, client *weaviate.Client) error {
	for _, class := range []string{AssociationClassName, MemoryClassName} {
		if err := client.Schema().ClassDeleter().WithClassName(class).Do(ctx); err != nil {
			return fmt.Errorf("deleting schema for class %s: %w", class, err)
		}
	}
	return nil
}
