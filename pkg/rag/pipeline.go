package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/loopkit/loopkit/pkg/embedder"
	"github.com/loopkit/loopkit/pkg/keyword"
	"github.com/loopkit/loopkit/pkg/llm"
	"github.com/loopkit/loopkit/pkg/observability"
	"github.com/loopkit/loopkit/pkg/vector"
)

// PipelineConfig configures a Pipeline.
type PipelineConfig struct {
	// Collection is the vector store collection name. Required.
	Collection string

	// ChunkSize and ChunkOverlap parameterize the default chunker.
	ChunkSize    int
	ChunkOverlap int

	// EmbedBatchSize bounds how many chunks are embedded per provider call.
	// Default 32.
	EmbedBatchSize int

	// SkipEmptyDocuments drops documents with empty content instead of
	// indexing them.
	SkipEmptyDocuments bool

	// UseHints honors per-document chunking hints.
	UseHints bool

	// EnableVersioning records content hashes for change detection.
	// Without it every sync re-ingests everything.
	EnableVersioning bool

	// FailFast aborts on the first per-document failure instead of
	// accumulating it into the statistics.
	FailFast bool

	// BatchSize bounds the per-batch parallelism of the async entry points.
	// Default 8.
	BatchSize int

	// Reranker, when set, reorders the top search candidates.
	Reranker Reranker

	// RerankTopK is how many fused candidates are fed to the reranker.
	// Default 20.
	RerankTopK int

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

func (c *PipelineConfig) setDefaults() {
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = 32
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 8
	}
	if c.RerankTopK <= 0 {
		c.RerankTopK = 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Stats summarizes one ingest or sync pass.
type Stats struct {
	Added     int
	Updated   int
	Deleted   int
	Unchanged int
	Failed    int
	Skipped   int
}

func (s Stats) String() string {
	return fmt.Sprintf("added=%d updated=%d deleted=%d unchanged=%d failed=%d skipped=%d",
		s.Added, s.Updated, s.Deleted, s.Unchanged, s.Failed, s.Skipped)
}

// Pipeline keeps a hybrid index in sync with a document source and serves
// hybrid search over it. Writes within one run are sequential; see the
// async entry points for the parallel read path.
type Pipeline struct {
	cfg      PipelineConfig
	embedder embedder.Embedder
	vectors  vector.Provider
	keywords keyword.Index
	registry *VersionRegistry
	chunker  Chunker
	logger   *slog.Logger
}

var ragTracer = observability.Tracer("loopkit.rag")

// NewPipeline creates a pipeline over the given embedder and stores.
func NewPipeline(cfg PipelineConfig, emb embedder.Embedder, vectors vector.Provider, keywords keyword.Index) (*Pipeline, error) {
	if cfg.Collection == "" {
		return nil, llm.NewConfigurationError("pipeline requires a collection name")
	}
	if emb == nil {
		return nil, llm.NewConfigurationError("pipeline requires an embedder")
	}
	if vectors == nil {
		return nil, llm.NewConfigurationError("pipeline requires a vector provider")
	}
	if keywords == nil {
		return nil, llm.NewConfigurationError("pipeline requires a keyword index")
	}
	cfg.setDefaults()
	return &Pipeline{
		cfg:      cfg,
		embedder: emb,
		vectors:  vectors,
		keywords: keywords,
		registry: NewVersionRegistry(),
		chunker:  FixedSizeChunker{Size: cfg.ChunkSize, Overlap: cfg.ChunkOverlap},
		logger:   cfg.Logger.With("collection", cfg.Collection),
	}, nil
}

// Registry exposes the version registry, mainly for inspection in tests.
func (p *Pipeline) Registry() *VersionRegistry {
	return p.registry
}

// chunkID derives the stable id for the n-th chunk of a document.
func chunkID(docID string, n int) string {
	return fmt.Sprintf("%s-chunk-%d", docID, n)
}

// NeedsUpdate reports whether doc differs from its registered version.
// Unregistered documents always need an update.
func (p *Pipeline) NeedsUpdate(doc Document) bool {
	registered, ok := p.registry.Get(doc.ID)
	if !ok {
		return true
	}
	return registered != doc.EnsureVersion().Version.ContentHash
}

// Ingest indexes every successful document from the loader. Failures
// accumulate into the statistics unless FailFast is configured.
func (p *Pipeline) Ingest(ctx context.Context, loader Loader) (Stats, error) {
	ctx, span := ragTracer.Start(ctx, "rag.ingest")
	defer span.End()

	var stats Stats
	for result := range loader.Load(ctx) {
		if err := p.consumeForIngest(ctx, result, &stats); err != nil {
			return stats, err
		}
	}
	p.finishPass(ctx, "ingest", stats)
	return stats, nil
}

func (p *Pipeline) consumeForIngest(ctx context.Context, result LoadResult, stats *Stats) error {
	switch {
	case result.IsSkipped():
		stats.Skipped++
		return nil
	case result.IsFailure():
		stats.Failed++
		p.logger.Warn("Document load failed",
			"source", result.Source, "retryable", result.Retryable, "error", result.Err)
		if p.cfg.FailFast {
			return llm.NewProcessingError("ingest",
				fmt.Sprintf("loading %s failed: %v", result.Source, result.Err))
		}
		return nil
	}

	indexed, err := p.ingestDocument(ctx, result.Doc)
	if err != nil {
		stats.Failed++
		p.logger.Warn("Document ingest failed", "doc", result.Doc.ID, "error", err)
		if p.cfg.FailFast {
			return err
		}
		return nil
	}
	if !indexed {
		stats.Skipped++
		p.logger.Debug("Document skipped", "doc", result.Doc.ID, "reason", "empty content")
		return nil
	}
	stats.Added++
	return nil
}

// ingestDocument chunks, embeds and indexes one document, then registers
// its version. The boolean reports whether anything was indexed; an empty
// document under SkipEmptyDocuments is a skip, not an add.
func (p *Pipeline) ingestDocument(ctx context.Context, doc Document) (bool, error) {
	doc = doc.EnsureVersion()
	if strings.TrimSpace(doc.Content) == "" && p.cfg.SkipEmptyDocuments {
		return false, nil
	}

	chunks := chunkerFor(doc, p.cfg.UseHints, p.chunker).Chunk(doc.Content)
	vectors, err := p.embedChunks(ctx, chunks)
	if err != nil {
		return false, err
	}
	if err := p.writeChunks(ctx, doc, chunks, vectors); err != nil {
		return false, err
	}
	if p.cfg.EnableVersioning {
		p.registry.Set(doc.ID, doc.Version.ContentHash)
	}
	return true, nil
}

// embedChunks embeds in bounded batches, preserving chunk order.
func (p *Pipeline) embedChunks(ctx context.Context, chunks []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += p.cfg.EmbedBatchSize {
		end := min(start+p.cfg.EmbedBatchSize, len(chunks))
		batch, err := p.embedder.EmbedBatch(ctx, chunks[start:end])
		if err != nil {
			return nil, fmt.Errorf("failed to embed chunks: %w", err)
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

// writeChunks upserts one document's chunks into both stores.
func (p *Pipeline) writeChunks(ctx context.Context, doc Document, chunks []string, vectors [][]float32) error {
	for n, chunk := range chunks {
		id := chunkID(doc.ID, n)
		metadata := map[string]any{
			vector.MetaDocumentID: doc.ID,
			vector.MetaContent:    chunk,
			vector.MetaChunkIndex: n,
		}
		for k, v := range doc.Metadata {
			metadata[k] = v
		}
		if err := p.vectors.Upsert(ctx, p.cfg.Collection, id, vectors[n], metadata); err != nil {
			return fmt.Errorf("failed to upsert chunk %s: %w", id, err)
		}
		if err := p.keywords.Index(ctx, id, doc.ID, chunk); err != nil {
			return fmt.Errorf("failed to index chunk %s: %w", id, err)
		}
	}
	return nil
}

// DeleteDocument removes a document's chunks from both stores and
// unregisters its version.
func (p *Pipeline) DeleteDocument(ctx context.Context, id string) error {
	if err := p.vectors.DeleteByFilter(ctx, p.cfg.Collection, map[string]any{vector.MetaDocumentID: id}); err != nil {
		return fmt.Errorf("failed to delete vectors for %s: %w", id, err)
	}
	if err := p.keywords.DeleteByDocument(ctx, id); err != nil {
		return fmt.Errorf("failed to delete keywords for %s: %w", id, err)
	}
	p.registry.Delete(id)
	return nil
}

// Sync reconciles the index with the loader: new documents are ingested,
// changed ones re-ingested, and registered documents missing from the
// loader are deleted.
func (p *Pipeline) Sync(ctx context.Context, loader Loader) (Stats, error) {
	ctx, span := ragTracer.Start(ctx, "rag.sync")
	defer span.End()

	var stats Stats
	seen := make(map[string]bool)
	for result := range loader.Load(ctx) {
		if err := p.consumeForSync(ctx, result, seen, &stats); err != nil {
			return stats, err
		}
	}

	if err := p.deleteUnseen(ctx, seen, &stats); err != nil {
		return stats, err
	}
	p.finishPass(ctx, "sync", stats)
	return stats, nil
}

func (p *Pipeline) consumeForSync(ctx context.Context, result LoadResult, seen map[string]bool, stats *Stats) error {
	switch {
	case result.IsSkipped():
		stats.Skipped++
		return nil
	case result.IsFailure():
		stats.Failed++
		p.logger.Warn("Document load failed",
			"source", result.Source, "retryable", result.Retryable, "error", result.Err)
		if p.cfg.FailFast {
			return llm.NewProcessingError("sync",
				fmt.Sprintf("loading %s failed: %v", result.Source, result.Err))
		}
		return nil
	}

	doc := result.Doc.EnsureVersion()
	seen[doc.ID] = true

	registered, known := p.registry.Get(doc.ID)
	switch {
	case !known:
		indexed, err := p.ingestDocument(ctx, doc)
		if err != nil {
			return p.syncDocError(doc.ID, err, stats)
		}
		if indexed {
			stats.Added++
		} else {
			stats.Skipped++
		}
	case registered != doc.Version.ContentHash:
		if err := p.DeleteDocument(ctx, doc.ID); err != nil {
			return p.syncDocError(doc.ID, err, stats)
		}
		indexed, err := p.ingestDocument(ctx, doc)
		if err != nil {
			return p.syncDocError(doc.ID, err, stats)
		}
		if indexed {
			stats.Updated++
		} else {
			stats.Skipped++
		}
	default:
		stats.Unchanged++
	}
	return nil
}

func (p *Pipeline) syncDocError(id string, err error, stats *Stats) error {
	stats.Failed++
	p.logger.Warn("Document sync failed", "doc", id, "error", err)
	if p.cfg.FailFast {
		return err
	}
	return nil
}

// deleteUnseen removes every registered document the current pass did not
// encounter.
func (p *Pipeline) deleteUnseen(ctx context.Context, seen map[string]bool, stats *Stats) error {
	for _, id := range p.registry.IDs() {
		if seen[id] {
			continue
		}
		if err := p.DeleteDocument(ctx, id); err != nil {
			stats.Failed++
			p.logger.Warn("Failed to delete stale document", "doc", id, "error", err)
			if p.cfg.FailFast {
				return err
			}
			continue
		}
		stats.Deleted++
	}
	return nil
}

// Refresh clears the registry and both stores, then re-ingests everything.
func (p *Pipeline) Refresh(ctx context.Context, loader Loader) (Stats, error) {
	ctx, span := ragTracer.Start(ctx, "rag.refresh")
	defer span.End()

	p.registry.Clear()
	if err := p.vectors.DeleteCollection(ctx, p.cfg.Collection); err != nil {
		p.logger.Warn("Failed to clear vector collection", "error", err)
	}
	if err := p.keywords.Clear(ctx); err != nil {
		return Stats{}, fmt.Errorf("failed to clear keyword index: %w", err)
	}
	return p.Ingest(ctx, loader)
}

func (p *Pipeline) finishPass(ctx context.Context, pass string, stats Stats) {
	p.logger.Info("Pass finished", "pass", pass, "stats", stats.String())
	m := observability.GetMetrics()
	m.RecordDocumentsSynced(ctx, "added", int64(stats.Added))
	m.RecordDocumentsSynced(ctx, "updated", int64(stats.Updated))
	m.RecordDocumentsSynced(ctx, "deleted", int64(stats.Deleted))
	m.RecordDocumentsSynced(ctx, "unchanged", int64(stats.Unchanged))
}

// preparedDoc is the output of the parallel read phase of the async entry
// points: everything needed to apply a document without touching the stores.
type preparedDoc struct {
	doc     Document
	action  syncAction
	skip    bool
	chunks  []string
	vectors [][]float32
}

type syncAction int

const (
	actionAdd syncAction = iota
	actionUpdate
	actionUnchanged
)

// IngestAsync ingests with parallel chunking and embedding in bounded
// batches. Store writes stay sequential within the run so upserts for the
// same document never interleave.
func (p *Pipeline) IngestAsync(ctx context.Context, loader Loader) (Stats, error) {
	return p.runAsync(ctx, loader, false)
}

// SyncAsync is Sync with the same batched read parallelism as IngestAsync.
func (p *Pipeline) SyncAsync(ctx context.Context, loader Loader) (Stats, error) {
	return p.runAsync(ctx, loader, true)
}

// RefreshAsync clears everything and re-ingests asynchronously.
func (p *Pipeline) RefreshAsync(ctx context.Context, loader Loader) (Stats, error) {
	p.registry.Clear()
	if err := p.vectors.DeleteCollection(ctx, p.cfg.Collection); err != nil {
		p.logger.Warn("Failed to clear vector collection", "error", err)
	}
	if err := p.keywords.Clear(ctx); err != nil {
		return Stats{}, fmt.Errorf("failed to clear keyword index: %w", err)
	}
	return p.runAsync(ctx, loader, false)
}

func (p *Pipeline) runAsync(ctx context.Context, loader Loader, reconcile bool) (Stats, error) {
	ctx, span := ragTracer.Start(ctx, "rag.sync_async")
	defer span.End()

	var stats Stats
	seen := make(map[string]bool)
	batch := make([]Document, 0, p.cfg.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		prepared, err := p.prepareBatch(ctx, batch, &stats)
		if err != nil {
			return err
		}
		if err := p.applyBatch(ctx, prepared, &stats); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for result := range loader.Load(ctx) {
		switch {
		case result.IsSkipped():
			stats.Skipped++
			continue
		case result.IsFailure():
			stats.Failed++
			p.logger.Warn("Document load failed",
				"source", result.Source, "retryable", result.Retryable, "error", result.Err)
			if p.cfg.FailFast {
				return stats, llm.NewProcessingError("sync",
					fmt.Sprintf("loading %s failed: %v", result.Source, result.Err))
			}
			continue
		}
		doc := result.Doc.EnsureVersion()
		seen[doc.ID] = true
		batch = append(batch, doc)
		if len(batch) >= p.cfg.BatchSize {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}
	if err := flush(); err != nil {
		return stats, err
	}

	if reconcile {
		if err := p.deleteUnseen(ctx, seen, &stats); err != nil {
			return stats, err
		}
	}
	p.finishPass(ctx, "sync_async", stats)
	return stats, nil
}

// prepareBatch runs change detection, chunking and embedding for a batch in
// parallel. It performs no store writes.
func (p *Pipeline) prepareBatch(ctx context.Context, batch []Document, stats *Stats) ([]preparedDoc, error) {
	prepared := make([]preparedDoc, len(batch))
	failures := make([]error, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.BatchSize)

	for i, doc := range batch {
		g.Go(func() error {
			pd := preparedDoc{doc: doc, action: actionAdd}
			if registered, known := p.registry.Get(doc.ID); known {
				if registered == doc.Version.ContentHash {
					pd.action = actionUnchanged
					prepared[i] = pd
					return nil
				}
				pd.action = actionUpdate
			}
			if strings.TrimSpace(doc.Content) == "" && p.cfg.SkipEmptyDocuments {
				pd.skip = true
				prepared[i] = pd
				return nil
			}
			pd.chunks = chunkerFor(doc, p.cfg.UseHints, p.chunker).Chunk(doc.Content)
			vectors, err := p.embedChunks(gctx, pd.chunks)
			if err != nil {
				err = fmt.Errorf("document %s: %w", doc.ID, err)
				if p.cfg.FailFast {
					return err
				}
				// Failures stay per-document so the rest of the batch still
				// applies.
				failures[i] = err
				return nil
			}
			pd.vectors = vectors
			prepared[i] = pd
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		stats.Failed++
		return nil, err
	}

	kept := make([]preparedDoc, 0, len(batch))
	for i := range batch {
		if failures[i] != nil {
			stats.Failed++
			p.logger.Warn("Document preparation failed", "doc", batch[i].ID, "error", failures[i])
			continue
		}
		kept = append(kept, prepared[i])
	}
	return kept, nil
}

// applyBatch writes prepared documents to the stores sequentially.
func (p *Pipeline) applyBatch(ctx context.Context, prepared []preparedDoc, stats *Stats) error {
	for _, pd := range prepared {
		switch pd.action {
		case actionUnchanged:
			stats.Unchanged++
			continue
		case actionUpdate:
			if err := p.DeleteDocument(ctx, pd.doc.ID); err != nil {
				if fail := p.syncDocError(pd.doc.ID, err, stats); fail != nil {
					return fail
				}
				continue
			}
		}
		if pd.skip {
			stats.Skipped++
			continue
		}

		if err := p.writeChunks(ctx, pd.doc, pd.chunks, pd.vectors); err != nil {
			if fail := p.syncDocError(pd.doc.ID, err, stats); fail != nil {
				return fail
			}
			continue
		}
		if p.cfg.EnableVersioning {
			p.registry.Set(pd.doc.ID, pd.doc.Version.ContentHash)
		}
		if pd.action == actionUpdate {
			stats.Updated++
		} else {
			stats.Added++
		}
	}
	return nil
}
