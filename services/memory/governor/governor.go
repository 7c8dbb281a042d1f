// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package governor implements bounded persistence of InjectionBlocks in
// a channel's transcript, including the compactor-skip filter branches
// inherit from.
package governor

import "github.com/AleutianAI/meminject/services/memory/inject"

// Role is the set of roles a Transcript message may carry. The
// governor only ever appends messages with RoleUser, the conventional
// way of representing synthetic context as a user-role entry so a
// host's prompt assembly treats it like any other turn input.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in a channel's Transcript.
type Message struct {
	Role Role
	Text string
}

// IsInjectionBlock reports whether this message is an InjectionBlock,
// identified purely by its leading text via one shared predicate.
func (m Message) IsInjectionBlock() bool {
	return inject.IsInjectionBlock(m.Text)
}

// Transcript is the ordered, index-addressable message list the
// governor mediates. Supports append and index-based removal; the
// engine never assumes any other capability of it.
type Transcript []Message

// Insert purges the transcript per the bounded-persistence policy and
// then appends block as a new message, unless block is empty — an
// empty block is never emitted on its own, so nothing is inserted.
func Insert(t Transcript, block inject.Block, maxInjectedBlocksInHistory int) Transcript {
	purged := Purge(t, maxInjectedBlocksInHistory)
	if block.Empty() {
		return purged
	}
	if maxInjectedBlocksInHistory <= 0 {
		// Ephemeral mode: the block exists only for this call's
		// model invocation, never persisted into the channel's own
		// transcript. Callers that want the text for this turn's model
		// call should use block.Text directly rather than reading it
		// back out of the returned Transcript.
		return purged
	}
	return append(purged, Message{Role: RoleUser, Text: block.Text})
}

// Purge keeps at most max-1 injection blocks before a new insertion
// (so that after Insert appends one more, the cap holds), dropping the
// oldest first. With max <= 0, it strips every injection block.
// Non-injection messages are never touched or reordered.
func Purge(t Transcript, max int) Transcript {
	if max <= 0 {
		return stripAllInjectionBlocks(t)
	}

	keepBudget := max - 1
	blockCount := 0
	for _, m := range t {
		if m.IsInjectionBlock() {
			blockCount++
		}
	}
	toDrop := blockCount - keepBudget
	if toDrop <= 0 {
		return t
	}

	out := make(Transcript, 0, len(t))
	dropped := 0
	for _, m := range t {
		if m.IsInjectionBlock() && dropped < toDrop {
			dropped++
			continue
		}
		out = append(out, m)
	}
	return out
}

func stripAllInjectionBlocks(t Transcript) Transcript {
	out := make(Transcript, 0, len(t))
	for _, m := range t {
		if m.IsInjectionBlock() {
			continue
		}
		out = append(out, m)
	}
	return out
}

// RenderForCompaction returns the subset of messages the compactor may
// see: every injection block is skipped, so summaries are composed
// from genuine dialogue only.
func RenderForCompaction(t Transcript) Transcript {
	return stripAllInjectionBlocks(t)
}

// Count returns the number of injection blocks currently present.
func Count(t Transcript) int {
	n := 0
	for _, m := range t {
		if m.IsInjectionBlock() {
			n++
		}
	}
	return n
}
