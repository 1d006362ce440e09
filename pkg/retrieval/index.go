package retrieval

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/miniclaw/miniclaw/pkg/config"
	"github.com/miniclaw/miniclaw/pkg/storage"
)

// Index domains.
const (
	DomainMemory    = "memory"
	DomainKnowledge = "knowledge"
)

// jsonIndex is the legacy/fallback single-file index format.
type jsonIndex struct {
	Digest            string           `json:"digest"`
	ChunkSize         int              `json:"chunk_size"`
	ChunkOverlap      int              `json:"chunk_overlap"`
	EmbeddingProvider string           `json:"embedding_provider"`
	EmbeddingModel    string           `json:"embedding_model"`
	EmbeddingError    string           `json:"embedding_error,omitempty"`
	Rows              []RetrievalChunk `json:"rows"`
}

// Indexer maintains one domain's index and answers retrieval queries.
type Indexer struct {
	RootDir  string
	Domain   string
	Embedder Embedder
	Settings config.RetrievalDomainConfig
	Storage  config.RetrievalStorageConfig
	Locks    *storage.LockRegistry
}

func NewIndexer(rootDir, domain string, embedder Embedder,
	settings config.RetrievalDomainConfig, storageCfg config.RetrievalStorageConfig,
	locks *storage.LockRegistry) *Indexer {
	settings.Sanitize()
	if locks == nil {
		locks = storage.Locks()
	}
	return &Indexer{
		RootDir:  rootDir,
		Domain:   domain,
		Embedder: embedder,
		Settings: settings,
		Storage:  storageCfg,
		Locks:    locks,
	}
}

func (ix *Indexer) jsonPath() string {
	return filepath.Join(ix.RootDir, "storage", ix.Domain+"_index", "index.json")
}

// sourceFiles lists the files feeding this domain.
func (ix *Indexer) sourceFiles() []string {
	if ix.Domain == DomainMemory {
		path := filepath.Join(ix.RootDir, "memory", "MEMORY.md")
		if _, err := os.Stat(path); err != nil {
			return nil
		}
		return []string{path}
	}
	root := filepath.Join(ix.RootDir, "knowledge")
	var files []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		files = append(files, path)
		return nil
	})
	sort.Strings(files)
	return files
}

// Digest is the index cache key: content identity plus chunk settings.
func (ix *Indexer) Digest(files []string) string {
	if ix.Domain == DomainMemory {
		text := ""
		if len(files) > 0 {
			raw, err := os.ReadFile(files[0])
			if err == nil {
				text = string(raw)
			}
		}
		contentHash := md5.Sum([]byte(text))
		payload, _ := json.Marshal(map[string]interface{}{
			"memory_hash":   hex.EncodeToString(contentHash[:]),
			"chunk_size":    ix.Settings.ChunkSize,
			"chunk_overlap": ix.Settings.ChunkOverlap,
		})
		sum := sha256.Sum256(payload)
		return hex.EncodeToString(sum[:])
	}

	hasher := sha256.New()
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(ix.RootDir, file)
		if err != nil {
			rel = file
		}
		fmt.Fprintf(hasher, "%s%d%d", filepath.ToSlash(rel), info.ModTime().UnixNano(), info.Size())
	}
	fmt.Fprintf(hasher, "%d%d", ix.Settings.ChunkSize, ix.Settings.ChunkOverlap)
	return hex.EncodeToString(hasher.Sum(nil))
}

// buildRows chunks and embeds every source file. Embedding failure leaves
// empty vectors and records the error instead of aborting.
func (ix *Indexer) buildRows(ctx context.Context, files []string) ([]RetrievalChunk, string) {
	var rows []RetrievalChunk
	for _, file := range files {
		raw, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(ix.RootDir, file)
		if err != nil {
			rel = file
		}
		for _, chunk := range Chunk(string(raw), ix.Settings.ChunkSize, ix.Settings.ChunkOverlap) {
			rows = append(rows, RetrievalChunk{Source: filepath.ToSlash(rel), Text: chunk})
		}
	}

	embeddingError := ""
	if len(rows) > 0 && ix.Embedder != nil {
		texts := make([]string, len(rows))
		for i, row := range rows {
			texts[i] = row.Text
		}
		vectors, err := ix.Embedder.EmbedTexts(ctx, texts)
		if err != nil {
			embeddingError = err.Error()
			slog.Warn("Embedding failed, indexing without vectors",
				"domain", ix.Domain, "error", err)
		} else {
			for i := range rows {
				if i < len(vectors) {
					rows[i].Embedding = vectors[i]
				}
			}
		}
	}
	for i := range rows {
		if rows[i].Embedding == nil {
			rows[i].Embedding = []float64{}
		}
	}
	return rows, embeddingError
}

func (ix *Indexer) embedderIdentity() (string, string) {
	if ix.Embedder == nil {
		return "none", "none"
	}
	return ix.Embedder.Provider(), ix.Embedder.Model()
}

func (ix *Indexer) loadJSONIndex() *jsonIndex {
	raw, err := os.ReadFile(ix.jsonPath())
	if err != nil {
		return nil
	}
	var payload jsonIndex
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}
	return &payload
}

func (ix *Indexer) saveJSONIndex(payload *jsonIndex) error {
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	return storage.WriteFileAtomic(ix.Locks, ix.jsonPath(), append(raw, '\n'))
}

// migrateJSONToSQLite imports a legacy JSON index, preserving embeddings.
func (ix *Indexer) migrateJSONToSQLite(store *SQLiteStore, digest string) bool {
	legacy := ix.loadJSONIndex()
	if legacy == nil {
		return false
	}
	meta := DomainMeta{
		Domain:            ix.Domain,
		Digest:            legacy.Digest,
		ChunkSize:         legacy.ChunkSize,
		ChunkOverlap:      legacy.ChunkOverlap,
		EmbeddingProvider: legacy.EmbeddingProvider,
		EmbeddingModel:    legacy.EmbeddingModel,
	}
	if meta.Digest == "" {
		meta.Digest = digest
	}
	if meta.ChunkSize < 64 {
		meta.ChunkSize = ix.Settings.ChunkSize
	}
	if meta.ChunkOverlap < 0 {
		meta.ChunkOverlap = ix.Settings.ChunkOverlap
	}
	if err := store.ReplaceDomainIndex(meta, legacy.Rows); err != nil {
		slog.Debug("JSON index migration failed", "domain", ix.Domain, "error", err)
		return false
	}
	return true
}

// Rebuild ensures the active backend holds an index matching the current
// digest, rebuilding when stale. Returns the digest.
func (ix *Indexer) Rebuild(ctx context.Context) (string, error) {
	files := ix.sourceFiles()
	digest := ix.Digest(files)

	if ix.Storage.Engine == "sqlite" {
		store, err := NewSQLiteStore(ix.RootDir, ix.Storage.DBPath)
		if err == nil {
			meta, metaErr := store.GetMeta(ix.Domain)
			if metaErr == nil && meta == nil {
				if ix.migrateJSONToSQLite(store, digest) {
					meta, _ = store.GetMeta(ix.Domain)
				}
			}
			if meta != nil && meta.Digest == digest {
				return digest, nil
			}
			rows, embeddingError := ix.buildRows(ctx, files)
			provider, model := ix.embedderIdentity()
			err := store.ReplaceDomainIndex(DomainMeta{
				Domain:            ix.Domain,
				Digest:            digest,
				ChunkSize:         ix.Settings.ChunkSize,
				ChunkOverlap:      ix.Settings.ChunkOverlap,
				EmbeddingProvider: provider,
				EmbeddingModel:    model,
				EmbeddingError:    embeddingError,
			}, rows)
			if err == nil {
				return digest, nil
			}
			slog.Warn("SQLite index rebuild failed, falling back to JSON",
				"domain", ix.Domain, "error", err)
		}
	}

	if legacy := ix.loadJSONIndex(); legacy != nil && legacy.Digest == digest {
		return digest, nil
	}
	rows, embeddingError := ix.buildRows(ctx, files)
	provider, model := ix.embedderIdentity()
	payload := &jsonIndex{
		Digest:            digest,
		ChunkSize:         ix.Settings.ChunkSize,
		ChunkOverlap:      ix.Settings.ChunkOverlap,
		EmbeddingProvider: provider,
		EmbeddingModel:    model,
		EmbeddingError:    embeddingError,
		Rows:              rows,
	}
	if err := ix.saveJSONIndex(payload); err != nil {
		return digest, err
	}
	return digest, nil
}

// Retrieve ensures the index is fresh then answers a hybrid query.
func (ix *Indexer) Retrieve(ctx context.Context, query string, topK int) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if topK < 1 {
		topK = ix.Settings.TopK
	}
	if _, err := ix.Rebuild(ctx); err != nil {
		slog.Debug("Index rebuild before retrieve failed", "domain", ix.Domain, "error", err)
	}

	var queryEmbedding []float64
	if ix.Embedder != nil {
		vectors, err := ix.Embedder.EmbedTexts(ctx, []string{query})
		if err == nil && len(vectors) == 1 {
			queryEmbedding = vectors[0]
		}
	}

	if ix.Storage.Engine == "sqlite" {
		store, err := NewSQLiteStore(ix.RootDir, ix.Storage.DBPath)
		if err == nil {
			results, err := store.Retrieve(ix.Domain, query, topK, ix.Storage.FTSPrefilterK,
				ix.Settings.SemanticWeight, ix.Settings.LexicalWeight, queryEmbedding)
			if err == nil && len(results) > 0 {
				return results, nil
			}
		}
	}

	return ix.scanJSONIndex(query, topK, queryEmbedding), nil
}

// scanJSONIndex is the full-scan fallback over the JSON index.
func (ix *Indexer) scanJSONIndex(query string, topK int, queryEmbedding []float64) []Result {
	legacy := ix.loadJSONIndex()
	if legacy == nil {
		return nil
	}
	terms := QueryTerms(query)
	candidates := make([]candidate, len(legacy.Rows))
	for i, row := range legacy.Rows {
		candidates[i] = candidate{source: row.Source, text: row.Text, embedding: row.Embedding}
	}
	return scoreCandidates(candidates, terms, queryEmbedding,
		ix.Settings.SemanticWeight, ix.Settings.LexicalWeight, topK)
}
