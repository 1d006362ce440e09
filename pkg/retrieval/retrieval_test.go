package retrieval

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miniclaw/miniclaw/pkg/config"
	"github.com/miniclaw/miniclaw/pkg/storage"
)

func TestChunkOverlapAndStep(t *testing.T) {
	chunks := Chunk("abcdefghij", 4, 2)
	assert.Equal(t, []string{"abcd", "cdef", "efgh", "ghij", "ij"}, chunks)

	// Pathological overlap still terminates (step floors at 1).
	assert.NotEmpty(t, Chunk("abc", 2, 5))
	assert.Nil(t, Chunk("", 4, 2))
}

func TestQueryTermsDedupeAndCap(t *testing.T) {
	terms := QueryTerms("Hello hello WORLD world_x!")
	assert.Equal(t, []string{"hello", "world", "world_x"}, terms)

	long := ""
	for i := 0; i < 40; i++ {
		long += string(rune('a'+i%26)) + string(rune('0'+i%10)) + " x" + string(rune('a'+i%26)) + " "
	}
	assert.LessOrEqual(t, len(QueryTerms(long)), 24)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float64{1, 0}, []float64{2, 0}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity(nil, []float64{1}))
	assert.Equal(t, 0.0, CosineSimilarity([]float64{0, 0}, []float64{1, 1}))
}

func testIndexer(t *testing.T, root, domain string) *Indexer {
	t.Helper()
	settings := config.RetrievalDomainConfig{}
	settings.SetDefaults()
	settings.ChunkSize = 80
	settings.ChunkOverlap = 16
	storageCfg := config.RetrievalStorageConfig{}
	storageCfg.SetDefaults()
	return NewIndexer(root, domain, &HashEmbedder{}, settings, storageCfg, storage.NewLockRegistry())
}

func TestMemoryIndexRebuildAndRetrieve(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "memory"), 0o755))
	memory := "# MEMORY\n\nThe deploy password lives in the vault.\nKubernetes cluster runs in Frankfurt.\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "memory", "MEMORY.md"), []byte(memory), 0o644))

	ix := testIndexer(t, root, DomainMemory)
	ctx := context.Background()

	digest, err := ix.Rebuild(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, digest)

	// Idempotent: a second rebuild keeps the same digest and meta.
	again, err := ix.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, digest, again)

	store, err := NewSQLiteStore(root, ix.Storage.DBPath)
	require.NoError(t, err)
	meta, err := store.GetMeta(DomainMemory)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, digest, meta.Digest)

	results, err := ix.Retrieve(ctx, "kubernetes frankfurt", 3)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Contains(t, results[0].Source, "MEMORY.md")
}

func TestDigestChangesWithContent(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "memory"), 0o755))
	path := filepath.Join(root, "memory", "MEMORY.md")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0o644))

	ix := testIndexer(t, root, DomainMemory)
	first := ix.Digest(ix.sourceFiles())

	require.NoError(t, os.WriteFile(path, []byte("two"), 0o644))
	second := ix.Digest(ix.sourceFiles())
	assert.NotEqual(t, first, second)
}

func TestKnowledgeJSONMigration(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "knowledge"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "knowledge", "notes.md"),
		[]byte("postgres tuning guide: increase shared_buffers"), 0o644))

	ix := testIndexer(t, root, DomainKnowledge)
	files := ix.sourceFiles()
	digest := ix.Digest(files)

	// Seed a legacy JSON index whose digest matches current content.
	legacy := &jsonIndex{
		Digest:       digest,
		ChunkSize:    ix.Settings.ChunkSize,
		ChunkOverlap: ix.Settings.ChunkOverlap,
		Rows: []RetrievalChunk{
			{Source: "knowledge/notes.md", Text: "postgres tuning guide: increase shared_buffers", Embedding: []float64{}},
		},
	}
	require.NoError(t, ix.saveJSONIndex(legacy))

	_, err := ix.Rebuild(context.Background())
	require.NoError(t, err)

	store, err := NewSQLiteStore(root, ix.Storage.DBPath)
	require.NoError(t, err)
	meta, err := store.GetMeta(DomainKnowledge)
	require.NoError(t, err)
	require.NotNil(t, meta, "legacy JSON index is imported into sqlite")
	assert.Equal(t, digest, meta.Digest)

	results, err := ix.Retrieve(context.Background(), "postgres shared_buffers", 2)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "knowledge/notes.md", results[0].Source)
}

func TestRetrieveScoreFiltersNonMatches(t *testing.T) {
	root := t.TempDir()
	store, err := NewSQLiteStore(root, "storage/retrieval.db")
	require.NoError(t, err)
	require.NoError(t, store.ReplaceDomainIndex(DomainMeta{
		Domain: DomainKnowledge, Digest: "d", ChunkSize: 64, ChunkOverlap: 0,
		EmbeddingProvider: "none", EmbeddingModel: "none",
	}, []RetrievalChunk{
		{Source: "a.md", Text: "alpha beta gamma"},
		{Source: "b.md", Text: "delta epsilon zeta"},
	}))

	results, err := store.Retrieve(DomainKnowledge, "alpha", 5, 24, 0.7, 0.3, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a.md", results[0].Source)
}

type failingEmbedder struct{}

func (failingEmbedder) EmbedTexts(context.Context, []string) ([][]float64, error) {
	return nil, assert.AnError
}
func (failingEmbedder) Provider() string { return "test" }
func (failingEmbedder) Model() string    { return "none" }

func TestRebuildRecordsEmbeddingError(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "memory"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "memory", "MEMORY.md"),
		[]byte("remember the vault"), 0o644))

	ix := testIndexer(t, root, DomainMemory)
	ix.Embedder = failingEmbedder{}

	_, err := ix.Rebuild(context.Background())
	require.NoError(t, err, "embedding failure must not abort the rebuild")

	store, err := NewSQLiteStore(root, ix.Storage.DBPath)
	require.NoError(t, err)
	meta, err := store.GetMeta(DomainMemory)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, assert.AnError.Error(), meta.EmbeddingError)
}
