package rag

import (
	"context"
	"iter"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopkit/loopkit/pkg/keyword"
	"github.com/loopkit/loopkit/pkg/vector"
)

// hashEmbedder produces deterministic vectors from term overlap so similar
// texts land near each other without a real model.
type hashEmbedder struct {
	embedCalls atomic.Int32
}

func (e *hashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.embedCalls.Add(1)
	vec := make([]float32, e.Dimension())
	for _, term := range strings.Fields(strings.ToLower(text)) {
		h := 0
		for _, r := range term {
			h = h*31 + int(r)
		}
		if h < 0 {
			h = -h
		}
		vec[h%len(vec)]++
	}
	return vec, nil
}

func (e *hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

func (e *hashEmbedder) Dimension() int { return 32 }
func (e *hashEmbedder) Name() string   { return "hash-test" }

// memoryVectorStore is a map-backed vector.Provider scoring by dot product.
type memoryVectorStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]vectorEntry
}

type vectorEntry struct {
	vec      []float32
	metadata map[string]any
}

func newMemoryVectorStore() *memoryVectorStore {
	return &memoryVectorStore{collections: make(map[string]map[string]vectorEntry)}
}

func (s *memoryVectorStore) Upsert(ctx context.Context, collection, id string, vec []float32, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, ok := s.collections[collection]
	if !ok {
		col = make(map[string]vectorEntry)
		s.collections[collection] = col
	}
	col[id] = vectorEntry{vec: vec, metadata: metadata}
	return nil
}

func (s *memoryVectorStore) Search(ctx context.Context, collection string, vec []float32, topK int) ([]vector.Result, error) {
	return s.SearchWithFilter(ctx, collection, vec, topK, nil)
}

func (s *memoryVectorStore) SearchWithFilter(ctx context.Context, collection string, vec []float32, topK int, filter map[string]any) ([]vector.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []vector.Result
	for id, entry := range s.collections[collection] {
		if !matchesFilter(entry.metadata, filter) {
			continue
		}
		var score float32
		for i := range vec {
			if i < len(entry.vec) {
				score += vec[i] * entry.vec[i]
			}
		}
		content, _ := entry.metadata[vector.MetaContent].(string)
		results = append(results, vector.Result{
			ID:       id,
			Score:    score,
			Content:  content,
			Metadata: entry.metadata,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (s *memoryVectorStore) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections[collection], id)
	return nil
}

func (s *memoryVectorStore) DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.collections[collection] {
		if matchesFilter(entry.metadata, filter) {
			delete(s.collections[collection], id)
		}
	}
	return nil
}

func (s *memoryVectorStore) DeleteCollection(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, collection)
	return nil
}

func (s *memoryVectorStore) Name() string { return "memory-test" }
func (s *memoryVectorStore) Close() error { return nil }

func (s *memoryVectorStore) ids(collection string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.collections[collection]))
	for id := range s.collections[collection] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func matchesFilter(metadata, filter map[string]any) bool {
	for k, want := range filter {
		if metadata[k] != want {
			return false
		}
	}
	return true
}

var _ vector.Provider = (*memoryVectorStore)(nil)

type testPipeline struct {
	pipeline *Pipeline
	embedder *hashEmbedder
	vectors  *memoryVectorStore
	keywords *keyword.MemoryIndex
}

func newTestPipeline(t *testing.T, cfg PipelineConfig) testPipeline {
	t.Helper()
	if cfg.Collection == "" {
		cfg.Collection = "test"
	}
	emb := &hashEmbedder{}
	vectors := newMemoryVectorStore()
	keywords := keyword.NewMemoryIndex()
	pipeline, err := NewPipeline(cfg, emb, vectors, keywords)
	require.NoError(t, err)
	return testPipeline{pipeline: pipeline, embedder: emb, vectors: vectors, keywords: keywords}
}

func TestNewPipelineValidation(t *testing.T) {
	emb := &hashEmbedder{}
	vectors := newMemoryVectorStore()
	keywords := keyword.NewMemoryIndex()

	_, err := NewPipeline(PipelineConfig{}, emb, vectors, keywords)
	assert.Error(t, err, "collection is required")

	_, err = NewPipeline(PipelineConfig{Collection: "c"}, nil, vectors, keywords)
	assert.Error(t, err)

	_, err = NewPipeline(PipelineConfig{Collection: "c"}, emb, nil, keywords)
	assert.Error(t, err)

	_, err = NewPipeline(PipelineConfig{Collection: "c"}, emb, vectors, nil)
	assert.Error(t, err)
}

func TestIngest(t *testing.T) {
	tp := newTestPipeline(t, PipelineConfig{EnableVersioning: true})

	loader := NewSliceLoader(
		Document{ID: "d1", Content: "the quick brown fox"},
		Document{ID: "d2", Content: "jumps over the lazy dog"},
	)
	stats, err := tp.pipeline.Ingest(context.Background(), loader)
	require.NoError(t, err)

	assert.Equal(t, Stats{Added: 2}, stats)
	assert.Equal(t, []string{"d1-chunk-0", "d2-chunk-0"}, tp.vectors.ids("test"))
	assert.Equal(t, []string{"d1-chunk-0", "d2-chunk-0"}, tp.keywords.IDs())
	assert.Equal(t, 2, tp.pipeline.Registry().Count())
}

func TestIngestSkipsEmptyDocuments(t *testing.T) {
	tp := newTestPipeline(t, PipelineConfig{SkipEmptyDocuments: true, EnableVersioning: true})

	stats, err := tp.pipeline.Ingest(context.Background(), NewSliceLoader(
		Document{ID: "empty", Content: "   "},
		Document{ID: "real", Content: "actual content"},
	))
	require.NoError(t, err)

	assert.Equal(t, Stats{Added: 1, Skipped: 1}, stats)
	assert.Equal(t, []string{"real-chunk-0"}, tp.vectors.ids("test"))
	assert.Equal(t, []string{"real-chunk-0"}, tp.keywords.IDs())
	_, known := tp.pipeline.Registry().Get("empty")
	assert.False(t, known, "skipped documents are not registered")
}

func TestSyncSkipsEmptyDocuments(t *testing.T) {
	tp := newTestPipeline(t, PipelineConfig{SkipEmptyDocuments: true, EnableVersioning: true})

	stats, err := tp.pipeline.Sync(context.Background(),
		NewSliceLoader(Document{ID: "empty", Content: ""}))
	require.NoError(t, err)

	assert.Equal(t, Stats{Skipped: 1}, stats)
	assert.Empty(t, tp.keywords.IDs())
}

func TestSyncAsyncSkipsEmptyDocuments(t *testing.T) {
	tp := newTestPipeline(t, PipelineConfig{SkipEmptyDocuments: true, EnableVersioning: true})

	stats, err := tp.pipeline.SyncAsync(context.Background(), NewSliceLoader(
		Document{ID: "empty", Content: "\n\t"},
		Document{ID: "real", Content: "actual content"},
	))
	require.NoError(t, err)

	assert.Equal(t, Stats{Added: 1, Skipped: 1}, stats)
	assert.Equal(t, []string{"real-chunk-0"}, tp.keywords.IDs())
}

func TestIngestCountsLoadOutcomes(t *testing.T) {
	tp := newTestPipeline(t, PipelineConfig{})

	loader := &resultLoader{results: []LoadResult{
		LoadSuccess(Document{ID: "ok", Content: "fine"}),
		LoadFailure("broken.pdf", assert.AnError, false),
		LoadSkipped("image.png", "unsupported type"),
	}}
	stats, err := tp.pipeline.Ingest(context.Background(), loader)
	require.NoError(t, err)

	assert.Equal(t, Stats{Added: 1, Failed: 1, Skipped: 1}, stats)
}

func TestIngestFailFast(t *testing.T) {
	tp := newTestPipeline(t, PipelineConfig{FailFast: true})

	loader := &resultLoader{results: []LoadResult{
		LoadFailure("broken.pdf", assert.AnError, false),
		LoadSuccess(Document{ID: "never", Content: "reached"}),
	}}
	_, err := tp.pipeline.Ingest(context.Background(), loader)
	require.Error(t, err)
	assert.Empty(t, tp.keywords.IDs())
}

// resultLoader replays fixed load results.
type resultLoader struct {
	results []LoadResult
}

func (l *resultLoader) Load(ctx context.Context) iter.Seq[LoadResult] {
	return func(yield func(LoadResult) bool) {
		for _, r := range l.results {
			if !yield(r) {
				return
			}
		}
	}
}

func (l *resultLoader) Name() string { return "results" }

func TestNeedsUpdate(t *testing.T) {
	tp := newTestPipeline(t, PipelineConfig{EnableVersioning: true})

	doc := Document{ID: "d1", Content: "version one"}
	assert.True(t, tp.pipeline.NeedsUpdate(doc), "unregistered documents always need an update")

	_, err := tp.pipeline.Ingest(context.Background(), NewSliceLoader(doc))
	require.NoError(t, err)

	assert.False(t, tp.pipeline.NeedsUpdate(doc))
	assert.True(t, tp.pipeline.NeedsUpdate(Document{ID: "d1", Content: "version two"}))
}

func TestSyncDelta(t *testing.T) {
	tp := newTestPipeline(t, PipelineConfig{EnableVersioning: true})
	ctx := context.Background()

	_, err := tp.pipeline.Sync(ctx, NewSliceLoader(
		Document{ID: "d1", Content: "original one"},
		Document{ID: "d2", Content: "original two"},
		Document{ID: "d3", Content: "original three"},
	))
	require.NoError(t, err)

	// d1 changed, d2 disappeared, d3 unchanged, d4 is new.
	stats, err := tp.pipeline.Sync(ctx, NewSliceLoader(
		Document{ID: "d1", Content: "rewritten one"},
		Document{ID: "d3", Content: "original three"},
		Document{ID: "d4", Content: "brand new four"},
	))
	require.NoError(t, err)

	assert.Equal(t, Stats{Added: 1, Updated: 1, Deleted: 1, Unchanged: 1}, stats)
	assert.Equal(t, []string{"d1-chunk-0", "d3-chunk-0", "d4-chunk-0"}, tp.keywords.IDs())
	assert.Equal(t, []string{"d1-chunk-0", "d3-chunk-0", "d4-chunk-0"}, tp.vectors.ids("test"))

	_, known := tp.pipeline.Registry().Get("d2")
	assert.False(t, known)
}

func TestSyncIsIdempotent(t *testing.T) {
	tp := newTestPipeline(t, PipelineConfig{EnableVersioning: true})
	ctx := context.Background()

	docs := []Document{
		{ID: "d1", Content: "alpha"},
		{ID: "d2", Content: "beta"},
	}
	_, err := tp.pipeline.Sync(ctx, NewSliceLoader(docs...))
	require.NoError(t, err)

	stats, err := tp.pipeline.Sync(ctx, NewSliceLoader(docs...))
	require.NoError(t, err)
	assert.Equal(t, Stats{Unchanged: 2}, stats)
}

func TestSyncWithoutVersioningReingestsEverything(t *testing.T) {
	tp := newTestPipeline(t, PipelineConfig{})
	ctx := context.Background()

	docs := []Document{{ID: "d1", Content: "alpha"}}
	_, err := tp.pipeline.Sync(ctx, NewSliceLoader(docs...))
	require.NoError(t, err)

	stats, err := tp.pipeline.Sync(ctx, NewSliceLoader(docs...))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Added, "nothing is registered, so everything counts as new")
}

func TestDeleteDocument(t *testing.T) {
	tp := newTestPipeline(t, PipelineConfig{EnableVersioning: true})
	ctx := context.Background()

	_, err := tp.pipeline.Ingest(ctx, NewSliceLoader(
		Document{ID: "keep", Content: "stays"},
		Document{ID: "drop", Content: "goes"},
	))
	require.NoError(t, err)

	require.NoError(t, tp.pipeline.DeleteDocument(ctx, "drop"))

	assert.Equal(t, []string{"keep-chunk-0"}, tp.keywords.IDs())
	assert.Equal(t, []string{"keep-chunk-0"}, tp.vectors.ids("test"))
	_, known := tp.pipeline.Registry().Get("drop")
	assert.False(t, known)
}

func TestRefresh(t *testing.T) {
	tp := newTestPipeline(t, PipelineConfig{EnableVersioning: true})
	ctx := context.Background()

	_, err := tp.pipeline.Ingest(ctx, NewSliceLoader(
		Document{ID: "old", Content: "stale"},
	))
	require.NoError(t, err)

	stats, err := tp.pipeline.Refresh(ctx, NewSliceLoader(
		Document{ID: "new", Content: "fresh"},
	))
	require.NoError(t, err)

	assert.Equal(t, Stats{Added: 1}, stats)
	assert.Equal(t, []string{"new-chunk-0"}, tp.keywords.IDs())
	assert.Equal(t, []string{"new-chunk-0"}, tp.vectors.ids("test"))
	assert.Equal(t, 1, tp.pipeline.Registry().Count())
}

func TestSyncAsyncMatchesSync(t *testing.T) {
	tp := newTestPipeline(t, PipelineConfig{EnableVersioning: true, BatchSize: 2})
	ctx := context.Background()

	_, err := tp.pipeline.SyncAsync(ctx, NewSliceLoader(
		Document{ID: "d1", Content: "one"},
		Document{ID: "d2", Content: "two"},
		Document{ID: "d3", Content: "three"},
	))
	require.NoError(t, err)

	stats, err := tp.pipeline.SyncAsync(ctx, NewSliceLoader(
		Document{ID: "d1", Content: "one changed"},
		Document{ID: "d3", Content: "three"},
		Document{ID: "d4", Content: "four"},
	))
	require.NoError(t, err)

	assert.Equal(t, Stats{Added: 1, Updated: 1, Deleted: 1, Unchanged: 1}, stats)
	assert.Equal(t, []string{"d1-chunk-0", "d3-chunk-0", "d4-chunk-0"}, tp.keywords.IDs())
}

func TestIngestAsyncLargeBatchPreservesAllDocuments(t *testing.T) {
	tp := newTestPipeline(t, PipelineConfig{EnableVersioning: true, BatchSize: 3})
	ctx := context.Background()

	docs := make([]Document, 0, 10)
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		docs = append(docs, Document{ID: id, Content: "content for " + id})
	}

	stats, err := tp.pipeline.IngestAsync(ctx, NewSliceLoader(docs...))
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Added)
	assert.Len(t, tp.keywords.IDs(), 10)
}

// poisonEmbedder fails any batch containing the poison marker and delegates
// the rest to a hashEmbedder.
type poisonEmbedder struct {
	hashEmbedder
}

func (e *poisonEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	for _, text := range texts {
		if strings.Contains(text, "poison") {
			return nil, assert.AnError
		}
	}
	return e.hashEmbedder.EmbedBatch(ctx, texts)
}

func TestIngestAsyncAppliesSiblingsWhenOneFails(t *testing.T) {
	emb := &poisonEmbedder{}
	vectors := newMemoryVectorStore()
	keywords := keyword.NewMemoryIndex()
	pipeline, err := NewPipeline(PipelineConfig{
		Collection:       "test",
		EnableVersioning: true,
		BatchSize:        3,
	}, emb, vectors, keywords)
	require.NoError(t, err)

	stats, err := pipeline.IngestAsync(context.Background(), NewSliceLoader(
		Document{ID: "good1", Content: "fine content"},
		Document{ID: "bad", Content: "poison content"},
		Document{ID: "good2", Content: "also fine"},
	))
	require.NoError(t, err)

	// The failing document does not drag its batch siblings down.
	assert.Equal(t, Stats{Added: 2, Failed: 1}, stats)
	assert.Equal(t, []string{"good1-chunk-0", "good2-chunk-0"}, keywords.IDs())
	_, known := pipeline.Registry().Get("bad")
	assert.False(t, known)
}

func TestIngestAsyncFailFastAbortsOnEmbedError(t *testing.T) {
	emb := &poisonEmbedder{}
	pipeline, err := NewPipeline(PipelineConfig{
		Collection: "test",
		FailFast:   true,
		BatchSize:  2,
	}, emb, newMemoryVectorStore(), keyword.NewMemoryIndex())
	require.NoError(t, err)

	_, err = pipeline.IngestAsync(context.Background(), NewSliceLoader(
		Document{ID: "bad", Content: "poison content"},
		Document{ID: "never", Content: "unreached"},
	))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "document bad")
}

func TestVersionRegistry(t *testing.T) {
	reg := NewVersionRegistry()

	_, ok := reg.Get("missing")
	assert.False(t, ok)

	reg.Set("d1", "hash1")
	reg.Set("d2", "hash2")
	got, ok := reg.Get("d1")
	require.True(t, ok)
	assert.Equal(t, "hash1", got)
	assert.Equal(t, 2, reg.Count())
	assert.ElementsMatch(t, []string{"d1", "d2"}, reg.IDs())

	reg.Delete("d1")
	assert.Equal(t, 1, reg.Count())

	reg.Clear()
	assert.Equal(t, 0, reg.Count())
}

func TestHashContentIsStable(t *testing.T) {
	assert.Equal(t, HashContent("same"), HashContent("same"))
	assert.NotEqual(t, HashContent("one"), HashContent("two"))

	doc := Document{ID: "d", Content: "text"}.EnsureVersion()
	assert.Equal(t, HashContent("text"), doc.Version.ContentHash)

	preset := Document{ID: "d", Version: Version{ContentHash: "explicit"}}.EnsureVersion()
	assert.Equal(t, "explicit", preset.Version.ContentHash)
}
