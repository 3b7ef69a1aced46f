package rag

import (
	"context"
	"fmt"
	"sort"

	"github.com/loopkit/loopkit/pkg/vector"
)

// rrfC is the standard reciprocal rank fusion constant.
const rrfC = 60

type fusionKind int

const (
	fusionRRF fusionKind = iota
	fusionWeighted
	fusionVectorOnly
	fusionKeywordOnly
)

// FusionStrategy combines the vector and keyword rankings into one list.
type FusionStrategy struct {
	kind fusionKind
	c    int
	wv   float64
	wk   float64
}

// RRF is reciprocal rank fusion with the standard constant: each candidate
// scores the sum of 1/(c + rank) over the lists it appears in.
func RRF() FusionStrategy {
	return FusionStrategy{kind: fusionRRF, c: rrfC}
}

// RRFWithConstant is RRF with a custom constant.
func RRFWithConstant(c int) FusionStrategy {
	if c < 1 {
		c = rrfC
	}
	return FusionStrategy{kind: fusionRRF, c: c}
}

// WeightedScore min-max normalizes each list to [0,1] and combines
// wv*vectorScore + wk*keywordScore. Ties break by vector score.
func WeightedScore(wv, wk float64) FusionStrategy {
	return FusionStrategy{kind: fusionWeighted, wv: wv, wk: wk}
}

// VectorOnly passes through the vector ranking.
func VectorOnly() FusionStrategy {
	return FusionStrategy{kind: fusionVectorOnly}
}

// KeywordOnly passes through the keyword ranking.
func KeywordOnly() FusionStrategy {
	return FusionStrategy{kind: fusionKeywordOnly}
}

func (f FusionStrategy) String() string {
	switch f.kind {
	case fusionRRF:
		return fmt.Sprintf("rrf(c=%d)", f.c)
	case fusionWeighted:
		return fmt.Sprintf("weighted(wv=%.2f,wk=%.2f)", f.wv, f.wk)
	case fusionVectorOnly:
		return "vector_only"
	default:
		return "keyword_only"
	}
}

// SearchResult is one fused search hit.
type SearchResult struct {
	ID         string
	DocumentID string
	Content    string

	// Score is the fused score; higher is better.
	Score float64

	// VectorScore and KeywordScore are the raw per-list scores, zero when
	// the candidate was absent from that list.
	VectorScore  float64
	KeywordScore float64
}

// Search embeds the query text and runs SearchHybrid with it.
func (p *Pipeline) Search(ctx context.Context, query string, k int, fusion FusionStrategy) ([]SearchResult, error) {
	var queryVector []float32
	if fusion.kind != fusionKeywordOnly {
		vec, err := p.embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("failed to embed query: %w", err)
		}
		queryVector = vec
	}
	return p.SearchHybrid(ctx, queryVector, query, k, fusion)
}

// SearchHybrid queries both stores, fuses the rankings and returns the top
// k results. When a reranker is configured the top RerankTopK fused
// candidates are reranked before truncation.
func (p *Pipeline) SearchHybrid(ctx context.Context, queryVector []float32, queryText string, k int, fusion FusionStrategy) ([]SearchResult, error) {
	if k <= 0 {
		return nil, nil
	}
	ctx, span := ragTracer.Start(ctx, "rag.search")
	defer span.End()

	// Fetch more than k from each list so fusion has candidates to work with.
	fetch := max(k, p.cfg.RerankTopK)

	var vectorHits []vector.Result
	if fusion.kind != fusionKeywordOnly {
		hits, err := p.vectors.Search(ctx, p.cfg.Collection, queryVector, fetch)
		if err != nil {
			return nil, fmt.Errorf("vector search failed: %w", err)
		}
		vectorHits = hits
	}

	var keywordHits []keywordHit
	if fusion.kind != fusionVectorOnly {
		matches, err := p.keywords.Search(ctx, queryText, fetch)
		if err != nil {
			return nil, fmt.Errorf("keyword search failed: %w", err)
		}
		for _, m := range matches {
			keywordHits = append(keywordHits, keywordHit{
				id:         m.ID,
				documentID: m.DocumentID,
				content:    m.Content,
				score:      float64(m.Score),
			})
		}
	}

	fused := fuse(vectorHits, keywordHits, fusion)

	if p.cfg.Reranker != nil && len(fused) > 0 {
		top := min(len(fused), p.cfg.RerankTopK)
		reranked, err := p.cfg.Reranker.Rerank(ctx, queryText, fused[:top])
		if err != nil {
			p.logger.Warn("Reranking failed, using fused order", "error", err)
		} else {
			fused = append(reranked, fused[top:]...)
		}
	}

	if len(fused) > k {
		fused = fused[:k]
	}
	return fused, nil
}

type keywordHit struct {
	id         string
	documentID string
	content    string
	score      float64
}

// fuse combines the two ranked lists according to the strategy.
func fuse(vectorHits []vector.Result, keywordHits []keywordHit, fusion FusionStrategy) []SearchResult {
	candidates := make(map[string]*SearchResult)

	get := func(id string) *SearchResult {
		if c, ok := candidates[id]; ok {
			return c
		}
		c := &SearchResult{ID: id}
		candidates[id] = c
		return c
	}

	for _, hit := range vectorHits {
		c := get(hit.ID)
		c.Content = hit.Content
		c.VectorScore = float64(hit.Score)
		if docID, ok := hit.Metadata[vector.MetaDocumentID].(string); ok {
			c.DocumentID = docID
		}
	}
	for _, hit := range keywordHits {
		c := get(hit.id)
		if c.Content == "" {
			c.Content = hit.content
		}
		if c.DocumentID == "" {
			c.DocumentID = hit.documentID
		}
		c.KeywordScore = hit.score
	}

	switch fusion.kind {
	case fusionVectorOnly:
		for _, c := range candidates {
			c.Score = c.VectorScore
		}
	case fusionKeywordOnly:
		for _, c := range candidates {
			c.Score = c.KeywordScore
		}
	case fusionRRF:
		for rank, hit := range vectorHits {
			candidates[hit.ID].Score += 1 / float64(fusion.c+rank+1)
		}
		for rank, hit := range keywordHits {
			candidates[hit.id].Score += 1 / float64(fusion.c+rank+1)
		}
	case fusionWeighted:
		normV := minMax(vectorHits, func(r vector.Result) float64 { return float64(r.Score) })
		normK := minMax(keywordHits, func(h keywordHit) float64 { return h.score })
		for i, hit := range vectorHits {
			candidates[hit.ID].Score += fusion.wv * normV[i]
		}
		for i, hit := range keywordHits {
			candidates[hit.id].Score += fusion.wk * normK[i]
		}
	}

	out := make([]SearchResult, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].VectorScore != out[j].VectorScore {
			return out[i].VectorScore > out[j].VectorScore
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// minMax normalizes each element's score to [0,1]. A single-element or
// constant list normalizes to 1.
func minMax[T any](items []T, score func(T) float64) []float64 {
	if len(items) == 0 {
		return nil
	}
	lo, hi := score(items[0]), score(items[0])
	for _, item := range items[1:] {
		s := score(item)
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	out := make([]float64, len(items))
	for i, item := range items {
		if hi == lo {
			out[i] = 1
			continue
		}
		out[i] = (score(item) - lo) / (hi - lo)
	}
	return out
}
