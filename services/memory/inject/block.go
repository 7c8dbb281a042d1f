// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package inject implements budget enforcement and formatting: given
// the deduplication filter's surviving pools, it fills max_total with
// pinned candidates first, formats the result into a single
// InjectionBlock, and drives the post-formatting state update.
package inject

import (
	"strings"

	memory "github.com/AleutianAI/meminject/services/memory"
	"github.com/AleutianAI/meminject/services/memory/dedup"
)

// Prefix is the stable textual marker that identifies an InjectionBlock.
// Centralised in a single constant so the formatter, the persistence
// governor's purge logic, and the compactor-skip predicate can never
// drift apart.
const Prefix = "[Context from memory]"

const (
	pinnedHeader     = "[Pinned context]"
	contextualHeader = "[Relevant to this message]"
)

// Block is a formatted InjectionBlock plus the memory ids (with their
// vectors, where known) that were actually included — the exact set
// RecordInjection must be applied to.
type Block struct {
	// Text is the full message text, empty if nothing survived budget
	// enforcement (callers must not insert an empty block).
	Text string

	// Included is every memory that made it into Text, in the order it
	// appears: pinned slots first, then contextual.
	Included []IncludedMemory
}

// IncludedMemory is one memory admitted into the block, carrying its
// embedding (if the caller has one) for the post-formatting semantic
// buffer update.
type IncludedMemory struct {
	ID       string
	Kind     memory.Kind
	Vector   []float32
	IsPinned bool
}

// Empty reports whether no block should be inserted at all — the
// prefix is never emitted alone.
func (b Block) Empty() bool {
	return len(b.Included) == 0
}

// Build enforces the global budget (pinned first, guaranteed slots)
// and formats the single resulting InjectionBlock. Both pools' vectors
// come from filtered.PinnedVectors/ContextualVectors — the embeddings
// the deduplication filter already resolved to run its own semantic
// stage — so nothing needs to be re-fetched here. A missing entry (an
// embedding lookup failure upstream) just means the post-formatting
// semantic buffer won't gain an entry for that memory, which only
// weakens future dedup, not correctness.
func Build(filtered dedup.Filtered, maxTotal int) Block {
	var included []IncludedMemory
	var pinnedLines, contextualLines []string

	remaining := maxTotal
	for _, m := range filtered.Pinned {
		if remaining <= 0 {
			break
		}
		pinnedLines = append(pinnedLines, formatLine(m.Kind, m.Content))
		included = append(included, IncludedMemory{ID: m.ID, Kind: m.Kind, Vector: filtered.PinnedVectors[m.ID], IsPinned: true})
		remaining--
	}

	for _, s := range filtered.Contextual {
		if remaining <= 0 {
			break
		}
		contextualLines = append(contextualLines, formatLine(s.Memory.Kind, s.Memory.Content))
		included = append(included, IncludedMemory{ID: s.Memory.ID, Kind: s.Memory.Kind, Vector: filtered.ContextualVectors[s.Memory.ID]})
		remaining--
	}

	if len(included) == 0 {
		return Block{}
	}

	var sb strings.Builder
	sb.WriteString(Prefix)
	if len(pinnedLines) > 0 {
		sb.WriteString("\n")
		sb.WriteString(pinnedHeader)
		for _, line := range pinnedLines {
			sb.WriteString("\n")
			sb.WriteString(line)
		}
	}
	if len(contextualLines) > 0 {
		sb.WriteString("\n")
		sb.WriteString(contextualHeader)
		for _, line := range contextualLines {
			sb.WriteString("\n")
			sb.WriteString(line)
		}
	}

	return Block{Text: sb.String(), Included: included}
}

func formatLine(kind memory.Kind, content string) string {
	return "[" + string(kind) + "] " + content
}

// IsInjectionBlock reports whether a message's text begins with the
// stable injection prefix. This single predicate backs both the
// persistence governor's purge logic and the compactor's skip filter,
// so the two can never drift apart.
func IsInjectionBlock(text string) bool {
	return strings.HasPrefix(text, Prefix)
}

// ApplyStateUpdate runs the post-formatting state update: for every
// included memory, records it into state so subsequent turns within
// the window and the semantic buffer see it as "already in view".
func ApplyStateUpdate(state *dedup.State, block Block) {
	for _, m := range block.Included {
		state.RecordInjection(m.ID, m.Vector)
	}
}
