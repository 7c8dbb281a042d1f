// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package local implements apistore.Store without any external service:
relational rows and the FTS5 lexical index live in a modernc.org/sqlite
database, embeddings live in a github.com/liliang-cn/sqvect/v2 vector
index over the same dimension, and association edges live in a
github.com/dgraph-io/badger/v4 key-value store addressed for fast
adjacency scans in both directions.

This is the single-node deployment path (spec's Non-goals exclude a
distributed store, but every deployment still needs to run somewhere
without a Weaviate cluster attached).
*/
package local

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	sqvect "github.com/liliang-cn/sqvect/v2"
	_ "modernc.org/sqlite"

	apimem "github.com/AleutianAI/meminject/services/memory"
	apistore "github.com/AleutianAI/meminject/services/memory/store"
)

// Store is the embedded backend: sqlite for relational + FTS5, sqvect
// for vector search, badger for the association graph.
type Store struct {
	db      *sql.DB
	vectors *sqvect.SQLiteStore
	graph   *badger.DB
}

var _ apistore.Store = (*Store)(nil)

// Open creates or opens an embedded store rooted at dir, creating dir
// if necessary. Each backing engine gets its own file/subdirectory
// under dir so the three can be backed up or wiped independently.
func Open(ctx context.Context, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("local store: failed to create data dir: %w", err)
	}

	relPath := filepath.Join(dir, "memories.db")
	db, err := sql.Open("sqlite", relPath+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("%w: local store: failed to open sqlite: %v", apimem.ErrStoreUnavailable, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if err := ensureSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", apimem.ErrStoreUnavailable, err)
	}

	vectors, err := sqvect.New(filepath.Join(dir, "vectors.db"), apimem.VectorDim)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: local store: failed to open vector index: %v", apimem.ErrStoreUnavailable, err)
	}
	if err := vectors.Init(ctx); err != nil {
		db.Close()
		vectors.Close()
		return nil, fmt.Errorf("%w: local store: failed to init vector index: %v", apimem.ErrStoreUnavailable, err)
	}

	opts := badger.DefaultOptions(filepath.Join(dir, "graph")).WithLogger(nil)
	graph, err := badger.Open(opts)
	if err != nil {
		db.Close()
		vectors.Close()
		return nil, fmt.Errorf("%w: local store: failed to open graph store: %v", apimem.ErrStoreUnavailable, err)
	}

	return &Store{db: db, vectors: vectors, graph: graph}, nil
}

func (s *Store) Close() error {
	var errs []string
	if err := s.db.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := s.vectors.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := s.graph.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("local store: close errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Put upserts a memory's relational row, FTS row, and (if an embedding
// was precomputed by the caller via a separate PutEmbedding-style call)
// leaves vector indexing to the embedding pipeline — this mirrors the
// Weaviate adapter, where vectorization also happens out of band of Put.
func (s *Store) Put(ctx context.Context, m *apimem.Memory) error {
	if m.ID == "" {
		m.ID = newID()
	}
	if m.Importance == 0 {
		m.Importance = m.Kind.DefaultImportance()
	}
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.LastAccess.IsZero() {
		m.LastAccess = now
	}
	if err := m.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", apimem.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memories (id, content, kind, importance, created_at, last_access, access_count, source, channel, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content=excluded.content, kind=excluded.kind, importance=excluded.importance,
			last_access=excluded.last_access, access_count=excluded.access_count,
			source=excluded.source, channel=excluded.channel, deleted=excluded.deleted
	`, m.ID, m.Content, string(m.Kind), m.Importance, m.CreatedAt.UnixMilli(), m.LastAccess.UnixMilli(),
		m.AccessCount, string(m.Source), m.Channel, boolToInt(m.Deleted))
	if err != nil {
		return fmt.Errorf("%w: %v", apimem.ErrStoreUnavailable, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM memories_fts WHERE id = ?`, m.ID); err != nil {
		return fmt.Errorf("%w: %v", apimem.ErrStoreUnavailable, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO memories_fts (id, content) VALUES (?, ?)`, m.ID, m.Content); err != nil {
		return fmt.Errorf("%w: %v", apimem.ErrStoreUnavailable, err)
	}

	return tx.Commit()
}

func (s *Store) Get(ctx context.Context, id string) (*apimem.Memory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, content, kind, importance, created_at, last_access, access_count, source, channel, deleted
		FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, apimem.ErrMemoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apimem.ErrStoreUnavailable, err)
	}
	return m, nil
}

func (s *Store) GetByKind(ctx context.Context, channel string, kinds []apimem.Kind, sort apistore.SortOrder, limit int) ([]*apimem.Memory, error) {
	if len(kinds) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(kinds))
	args := make([]any, 0, len(kinds)+2)
	args = append(args, channel)
	for i, k := range kinds {
		placeholders[i] = "?"
		args = append(args, string(k))
	}
	orderBy := "created_at DESC"
	if sort == apistore.SortImportance {
		orderBy = "importance DESC, created_at DESC"
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT id, content, kind, importance, created_at, last_access, access_count, source, channel, deleted
		FROM memories
		WHERE channel = ? AND deleted = 0 AND kind IN (%s)
		ORDER BY %s
		LIMIT ?`, strings.Join(placeholders, ","), orderBy)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apimem.ErrStoreUnavailable, err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

func (s *Store) GetHighImportance(ctx context.Context, channel string, minImportance float64, limit int) ([]*apimem.Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, kind, importance, created_at, last_access, access_count, source, channel, deleted
		FROM memories
		WHERE channel = ? AND deleted = 0 AND importance >= ?
		ORDER BY importance DESC
		LIMIT ?`, channel, minImportance, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apimem.ErrStoreUnavailable, err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

func (s *Store) GetRecentSince(ctx context.Context, channel string, since time.Time, limit int) ([]*apimem.Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, kind, importance, created_at, last_access, access_count, source, channel, deleted
		FROM memories
		WHERE channel = ? AND deleted = 0 AND created_at > ?
		ORDER BY created_at DESC
		LIMIT ?`, channel, since.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apimem.ErrStoreUnavailable, err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

func (s *Store) GetEmbedding(ctx context.Context, id string) (*apimem.Embedding, error) {
	row := s.db.QueryRowContext(ctx, `SELECT vector FROM embeddings WHERE memory_id = ?`, id)
	var blob []byte
	if err := row.Scan(&blob); err == sql.ErrNoRows {
		return nil, apimem.ErrMemoryNotFound
	} else if err != nil {
		return nil, fmt.Errorf("%w: %v", apimem.ErrStoreUnavailable, err)
	}
	return &apimem.Embedding{MemoryID: id, Vector: decodeVector(blob)}, nil
}

// PutEmbedding records a memory's vector for exact lookup (the
// embeddings table) and indexes it for nearest-neighbor search (the
// sqvect index). Not part of apistore.Store — like the Weaviate
// adapter, vectorization is a side channel the embedding pipeline
// drives directly, not something Put itself performs.
func (s *Store) PutEmbedding(ctx context.Context, channel string, e *apimem.Embedding) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (memory_id, vector) VALUES (?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET vector = excluded.vector
	`, e.MemoryID, encodeVector(e.Vector)); err != nil {
		return fmt.Errorf("%w: %v", apimem.ErrStoreUnavailable, err)
	}
	return s.vectors.Upsert(ctx, &sqvect.Embedding{
		ID:       e.MemoryID,
		Vector:   e.Vector,
		Metadata: map[string]string{"channel": channel},
	})
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		bits := math.Float32bits(f)
		buf[i*4] = byte(bits)
		buf[i*4+1] = byte(bits >> 8)
		buf[i*4+2] = byte(bits >> 16)
		buf[i*4+3] = byte(bits >> 24)
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		bits := uint32(buf[i*4]) | uint32(buf[i*4+1])<<8 | uint32(buf[i*4+2])<<16 | uint32(buf[i*4+3])<<24
		v[i] = math.Float32frombits(bits)
	}
	return v
}

func (s *Store) VectorSearch(ctx context.Context, channel string, query []float32, limit int) ([]apistore.ScoredID, error) {
	results, err := s.vectors.Search(ctx, query, sqvect.SearchOptions{TopK: limit, Filter: map[string]string{"channel": channel}})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apimem.ErrStoreUnavailable, err)
	}
	hits := make([]apistore.ScoredID, len(results))
	for i, r := range results {
		hits[i] = apistore.ScoredID{ID: r.ID, Rank: i + 1, Score: r.Score}
	}
	return hits, nil
}

func (s *Store) FTSSearch(ctx context.Context, channel, query string, limit int) ([]apistore.ScoredID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, bm25(memories_fts) AS rank
		FROM memories_fts
		JOIN memories m ON m.id = memories_fts.id
		WHERE memories_fts MATCH ? AND m.channel = ? AND m.deleted = 0
		ORDER BY rank
		LIMIT ?`, query, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apimem.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var hits []apistore.ScoredID
	rank := 1
	for rows.Next() {
		var id string
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, fmt.Errorf("%w: %v", apimem.ErrStoreUnavailable, err)
		}
		// bm25() in sqlite is more-negative-is-better; flip sign so higher
		// is better, consistent with the Weaviate adapter's convention.
		hits = append(hits, apistore.ScoredID{ID: id, Rank: rank, Score: -score})
		rank++
	}
	return hits, rows.Err()
}

// badger key layout: "fwd:<fromID>:<toID>" and "rev:<toID>:<fromID>",
// each storing the association kind as its value, so Neighbors can
// prefix-scan from either side without a reverse index table.
func fwdKey(from, to string) []byte { return []byte("fwd:" + from + ":" + to) }
func revKey(to, from string) []byte { return []byte("rev:" + to + ":" + from) }

func (s *Store) PutAssociation(ctx context.Context, a *apimem.Association) error {
	if err := a.Validate(); err != nil {
		return err
	}
	return s.graph.Update(func(txn *badger.Txn) error {
		if err := txn.Set(fwdKey(a.FromID, a.ToID), []byte(a.Kind)); err != nil {
			return err
		}
		return txn.Set(revKey(a.ToID, a.FromID), []byte(a.Kind))
	})
}

func (s *Store) Neighbors(ctx context.Context, seedIDs []string, edgeFilter []apimem.AssociationKind, maxPerSeed int) ([]apistore.Neighbor, error) {
	allowed := make(map[apimem.AssociationKind]bool, len(edgeFilter))
	for _, k := range edgeFilter {
		allowed[k] = true
	}

	var out []apistore.Neighbor
	err := s.graph.View(func(txn *badger.Txn) error {
		for _, seed := range seedIDs {
			count := 0
			for _, prefix := range [][]byte{[]byte("fwd:" + seed + ":"), []byte("rev:" + seed + ":")} {
				it := txn.NewIterator(badger.DefaultIteratorOptions)
				for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
					if maxPerSeed > 0 && count >= maxPerSeed {
						break
					}
					item := it.Item()
					key := string(item.Key())
					kind, err := item.ValueCopy(nil)
					if err != nil {
						it.Close()
						return err
					}
					edgeKind := apimem.AssociationKind(kind)
					if len(allowed) > 0 && !allowed[edgeKind] {
						continue
					}
					out = append(out, apistore.Neighbor{ID: key[len(prefix):], Kind: edgeKind})
					count++
				}
				it.Close()
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apimem.ErrStoreUnavailable, err)
	}
	return out, nil
}

func (s *Store) SoftDelete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE memories SET deleted = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: %v", apimem.ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", apimem.ErrStoreUnavailable, err)
	}
	if n == 0 {
		return apimem.ErrMemoryNotFound
	}
	if err := s.vectors.Delete(ctx, id); err != nil {
		return fmt.Errorf("%w: %v", apimem.ErrStoreUnavailable, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*apimem.Memory, error) {
	var m apimem.Memory
	var kind, source string
	var createdAt, lastAccess int64
	var deleted int
	if err := row.Scan(&m.ID, &m.Content, &kind, &m.Importance, &createdAt, &lastAccess, &m.AccessCount, &source, &m.Channel, &deleted); err != nil {
		return nil, err
	}
	m.Kind = apimem.Kind(kind)
	m.Source = apimem.Source(source)
	m.CreatedAt = time.UnixMilli(createdAt)
	m.LastAccess = time.UnixMilli(lastAccess)
	m.Deleted = deleted != 0
	return &m, nil
}

func scanMemories(rows *sql.Rows) ([]*apimem.Memory, error) {
	var out []*apimem.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apimem.ErrStoreUnavailable, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func newID() string {
	return uuid.NewString()
}
