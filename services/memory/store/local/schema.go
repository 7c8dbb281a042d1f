// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package local

import (
	"context"
	"database/sql"
	"fmt"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS memories (
	id           TEXT PRIMARY KEY,
	content      TEXT NOT NULL,
	kind         TEXT NOT NULL,
	importance   REAL NOT NULL,
	created_at   INTEGER NOT NULL,
	last_access  INTEGER NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 0,
	source       TEXT NOT NULL DEFAULT '',
	channel      TEXT NOT NULL,
	deleted      INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_memories_channel_kind ON memories(channel, kind, deleted);
CREATE INDEX IF NOT EXISTS idx_memories_channel_importance ON memories(channel, importance DESC, deleted);
CREATE INDEX IF NOT EXISTS idx_memories_channel_created ON memories(channel, created_at DESC, deleted);

CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
	id UNINDEXED,
	content
);

CREATE TABLE IF NOT EXISTS embeddings (
	memory_id TEXT PRIMARY KEY,
	vector    BLOB NOT NULL
);
`

// ensureSchema creates the relational tables and the FTS5 lexical index
// used by store/local, grounded in sqvect's direct-SQL bootstrap
// pattern (Init/createTables in _examples/liliang-cn-sqvect/store.go)
// rather than a migration framework, since the schema here is small and
// fixed.
func ensureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("local store: failed to create schema: %w", err)
	}
	return nil
}
