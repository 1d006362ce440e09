// Copyright 2026 Miniclaw Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package retrieval

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schemaVersion = 1

// RetrievalChunk is one indexed window of a source file.
type RetrievalChunk struct {
	Source    string    `json:"source"`
	Text      string    `json:"text"`
	Embedding []float64 `json:"embedding"`
}

// DomainMeta is the index_meta row for one domain.
type DomainMeta struct {
	Domain            string `json:"domain"`
	Digest            string `json:"digest"`
	ChunkSize         int    `json:"chunk_size"`
	ChunkOverlap      int    `json:"chunk_overlap"`
	EmbeddingProvider string `json:"embedding_provider"`
	EmbeddingModel    string `json:"embedding_model"`
	EmbeddingError    string `json:"embedding_error,omitempty"`
	UpdatedMS         int64  `json:"updated_ms"`
	SchemaVersion     int    `json:"schema_version"`
}

// Result is one scored retrieval hit.
type Result struct {
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
	Source string  `json:"source"`
}

// dbLocks serializes writers per canonical database path; readers share.
var (
	dbLocksMu sync.Mutex
	dbLocks   = map[string]*sync.RWMutex{}
)

func lockForDB(path string) *sync.RWMutex {
	canonical, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		canonical = filepath.Clean(path)
	}
	dbLocksMu.Lock()
	defer dbLocksMu.Unlock()
	lock, ok := dbLocks[canonical]
	if !ok {
		lock = &sync.RWMutex{}
		dbLocks[canonical] = lock
	}
	return lock
}

// SQLiteStore keeps per-domain chunk indices in one SQLite file with an
// FTS5 companion table for lexical prefiltering.
type SQLiteStore struct {
	dbPath string
	lock   *sync.RWMutex
}

// NewSQLiteStore opens (creating if needed) the index database at
// rootDir/dbPath and ensures the schema.
func NewSQLiteStore(rootDir, dbPath string) (*SQLiteStore, error) {
	full := filepath.Join(rootDir, dbPath)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, err
	}
	store := &SQLiteStore{dbPath: full, lock: lockForDB(full)}
	if err := store.ensureSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) open() (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", s.dbPath)
	return sql.Open("sqlite3", dsn)
}

func (s *SQLiteStore) ensureSchema() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS index_meta (
			domain TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			chunk_size INTEGER NOT NULL,
			chunk_overlap INTEGER NOT NULL,
			embedding_provider TEXT NOT NULL,
			embedding_model TEXT NOT NULL,
			embedding_error TEXT NOT NULL DEFAULT '',
			updated_ms INTEGER NOT NULL,
			schema_version INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id INTEGER PRIMARY KEY,
			domain TEXT NOT NULL,
			source TEXT NOT NULL,
			chunk_text TEXT NOT NULL,
			embedding_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_domain ON chunks(domain)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			chunk_text, content='chunks', content_rowid='id'
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure retrieval schema: %w", err)
		}
	}
	// Databases created before the embedding_error column existed.
	_, _ = db.Exec(`ALTER TABLE index_meta ADD COLUMN embedding_error TEXT NOT NULL DEFAULT ''`)
	return nil
}

// GetMeta returns the meta row for domain, or nil when absent.
func (s *SQLiteStore) GetMeta(domain string) (*DomainMeta, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	row := db.QueryRow(
		`SELECT domain, digest, chunk_size, chunk_overlap, embedding_provider,
		        embedding_model, embedding_error, updated_ms, schema_version
		 FROM index_meta WHERE domain = ?`, domain)
	var meta DomainMeta
	err = row.Scan(&meta.Domain, &meta.Digest, &meta.ChunkSize, &meta.ChunkOverlap,
		&meta.EmbeddingProvider, &meta.EmbeddingModel, &meta.EmbeddingError,
		&meta.UpdatedMS, &meta.SchemaVersion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// ReplaceDomainIndex atomically swaps the domain's chunks and meta inside
// one transaction: delete rows, insert the new set, upsert meta.
func (s *SQLiteStore) ReplaceDomainIndex(meta DomainMeta, chunks []RetrievalChunk) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(
		`DELETE FROM chunks_fts WHERE rowid IN (SELECT id FROM chunks WHERE domain = ?)`,
		meta.Domain); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM chunks WHERE domain = ?`, meta.Domain); err != nil {
		return err
	}

	insertChunk, err := tx.Prepare(
		`INSERT INTO chunks (domain, source, chunk_text, embedding_json) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer insertChunk.Close()
	insertFTS, err := tx.Prepare(`INSERT INTO chunks_fts (rowid, chunk_text) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer insertFTS.Close()

	for _, chunk := range chunks {
		embedding := chunk.Embedding
		if embedding == nil {
			embedding = []float64{}
		}
		embeddingJSON, err := json.Marshal(embedding)
		if err != nil {
			return err
		}
		res, err := insertChunk.Exec(meta.Domain, chunk.Source, chunk.Text, string(embeddingJSON))
		if err != nil {
			return err
		}
		rowID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if _, err := insertFTS.Exec(rowID, chunk.Text); err != nil {
			return err
		}
	}

	if meta.UpdatedMS == 0 {
		meta.UpdatedMS = time.Now().UnixMilli()
	}
	if meta.SchemaVersion == 0 {
		meta.SchemaVersion = schemaVersion
	}
	if _, err := tx.Exec(
		`INSERT INTO index_meta (domain, digest, chunk_size, chunk_overlap,
		                         embedding_provider, embedding_model, embedding_error,
		                         updated_ms, schema_version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(domain) DO UPDATE SET
		   digest=excluded.digest,
		   chunk_size=excluded.chunk_size,
		   chunk_overlap=excluded.chunk_overlap,
		   embedding_provider=excluded.embedding_provider,
		   embedding_model=excluded.embedding_model,
		   embedding_error=excluded.embedding_error,
		   updated_ms=excluded.updated_ms,
		   schema_version=excluded.schema_version`,
		meta.Domain, meta.Digest, meta.ChunkSize, meta.ChunkOverlap,
		meta.EmbeddingProvider, meta.EmbeddingModel, meta.EmbeddingError,
		meta.UpdatedMS, meta.SchemaVersion); err != nil {
		return err
	}
	return tx.Commit()
}

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9_]+`)

// QueryTerms extracts up to 24 deduped lowercase word tokens.
func QueryTerms(query string) []string {
	seen := map[string]bool{}
	var terms []string
	for _, token := range tokenPattern.FindAllString(query, -1) {
		lower := strings.ToLower(token)
		if seen[lower] {
			continue
		}
		seen[lower] = true
		terms = append(terms, lower)
		if len(terms) >= 24 {
			break
		}
	}
	return terms
}

func ftsQuery(terms []string) string {
	quoted := make([]string, len(terms))
	for i, term := range terms {
		quoted[i] = `"` + term + `"`
	}
	return strings.Join(quoted, " OR ")
}

type candidate struct {
	source    string
	text      string
	embedding []float64
}

// Retrieve runs the hybrid query of one domain: FTS5 prefilter by bm25,
// falling back to most-recent chunks, then semantic+lexical scoring.
func (s *SQLiteStore) Retrieve(domain, query string, topK, ftsPrefilterK int,
	semanticWeight, lexicalWeight float64, queryEmbedding []float64) ([]Result, error) {

	if topK < 1 {
		topK = 1
	}
	limit := topK
	if ftsPrefilterK > limit {
		limit = ftsPrefilterK
	}
	terms := QueryTerms(query)

	s.lock.RLock()
	defer s.lock.RUnlock()

	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var candidates []candidate
	if len(terms) > 0 {
		rows, err := db.Query(
			`SELECT c.source, c.chunk_text, c.embedding_json
			 FROM chunks_fts f JOIN chunks c ON c.id = f.rowid
			 WHERE c.domain = ? AND chunks_fts MATCH ?
			 ORDER BY bm25(chunks_fts) ASC LIMIT ?`,
			domain, ftsQuery(terms), limit)
		if err == nil {
			candidates = scanCandidates(rows)
		}
	}
	if len(candidates) == 0 {
		rows, err := db.Query(
			`SELECT source, chunk_text, embedding_json FROM chunks
			 WHERE domain = ? ORDER BY id DESC LIMIT ?`, domain, limit)
		if err != nil {
			return nil, err
		}
		candidates = scanCandidates(rows)
	}

	return scoreCandidates(candidates, terms, queryEmbedding, semanticWeight, lexicalWeight, topK), nil
}

func scanCandidates(rows *sql.Rows) []candidate {
	defer rows.Close()
	var out []candidate
	for rows.Next() {
		var source, text, embeddingJSON string
		if err := rows.Scan(&source, &text, &embeddingJSON); err != nil {
			continue
		}
		var embedding []float64
		_ = json.Unmarshal([]byte(embeddingJSON), &embedding)
		out = append(out, candidate{source: source, text: text, embedding: embedding})
	}
	return out
}

func snippet(text string) string {
	flat := strings.ReplaceAll(text, "\n", " ")
	if len(flat) > 300 {
		flat = flat[:300]
	}
	return flat
}

func scoreCandidates(candidates []candidate, terms []string, queryEmbedding []float64,
	semanticWeight, lexicalWeight float64, topK int) []Result {

	var scored []Result
	for _, cand := range candidates {
		lower := strings.ToLower(cand.text)
		lexical := 0.0
		for _, term := range terms {
			if strings.Contains(lower, term) {
				lexical++
			}
		}
		semantic := 0.0
		if len(queryEmbedding) > 0 && len(cand.embedding) > 0 {
			semantic = CosineSimilarity(queryEmbedding, cand.embedding)
		}
		score := semantic*semanticWeight + lexical*lexicalWeight
		if score <= 0 {
			continue
		}
		scored = append(scored, Result{Text: snippet(cand.text), Score: score, Source: cand.source})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}
