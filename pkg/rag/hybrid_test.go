package rag

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopkit/loopkit/pkg/vector"
)

func vecHit(id string, score float32) vector.Result {
	return vector.Result{
		ID:       id,
		Score:    score,
		Content:  "content of " + id,
		Metadata: map[string]any{vector.MetaDocumentID: "doc-" + id},
	}
}

func kwHit(id string, score float64) keywordHit {
	return keywordHit{id: id, documentID: "doc-" + id, content: "content of " + id, score: score}
}

func TestFuseRRF(t *testing.T) {
	vectorHits := []vector.Result{vecHit("a", 0.9), vecHit("b", 0.8)}
	keywordHits := []keywordHit{kwHit("b", 5), kwHit("c", 3)}

	fused := fuse(vectorHits, keywordHits, RRF())
	require.Len(t, fused, 3)

	// b appears in both lists: 1/(60+2) + 1/(60+1).
	assert.Equal(t, "b", fused[0].ID)
	assert.InDelta(t, 1.0/62+1.0/61, fused[0].Score, 1e-9)

	// a is rank 1 in the vector list only.
	assert.Equal(t, "a", fused[1].ID)
	assert.InDelta(t, 1.0/61, fused[1].Score, 1e-9)

	// c is rank 2 in the keyword list only.
	assert.Equal(t, "c", fused[2].ID)
	assert.InDelta(t, 1.0/62, fused[2].Score, 1e-9)
}

func TestFuseRRFCustomConstant(t *testing.T) {
	fused := fuse([]vector.Result{vecHit("a", 0.5)}, nil, RRFWithConstant(10))
	require.Len(t, fused, 1)
	assert.InDelta(t, 1.0/11, fused[0].Score, 1e-9)
}

func TestFuseCarriesPerListScores(t *testing.T) {
	fused := fuse(
		[]vector.Result{vecHit("a", 0.9)},
		[]keywordHit{kwHit("a", 4)},
		RRF())
	require.Len(t, fused, 1)
	assert.InDelta(t, 0.9, fused[0].VectorScore, 1e-6)
	assert.InDelta(t, 4.0, fused[0].KeywordScore, 1e-9)
	assert.Equal(t, "doc-a", fused[0].DocumentID)
	assert.Equal(t, "content of a", fused[0].Content)
}

func TestFuseWeightedScore(t *testing.T) {
	vectorHits := []vector.Result{vecHit("a", 1.0), vecHit("b", 0.5), vecHit("c", 0.0)}
	keywordHits := []keywordHit{kwHit("c", 10), kwHit("a", 5)}

	fused := fuse(vectorHits, keywordHits, WeightedScore(0.7, 0.3))
	require.Len(t, fused, 3)

	byID := map[string]SearchResult{}
	for _, r := range fused {
		byID[r.ID] = r
	}

	// a: vector normalized 1.0, keyword normalized 0.0 -> 0.7.
	assert.InDelta(t, 0.7, byID["a"].Score, 1e-9)
	// b: vector normalized 0.5, no keyword hit -> 0.35.
	assert.InDelta(t, 0.35, byID["b"].Score, 1e-9)
	// c: vector normalized 0.0, keyword normalized 1.0 -> 0.3.
	assert.InDelta(t, 0.3, byID["c"].Score, 1e-9)

	assert.Equal(t, "a", fused[0].ID)
}

func TestFuseVectorOnlyAndKeywordOnly(t *testing.T) {
	vectorHits := []vector.Result{vecHit("a", 0.9), vecHit("b", 0.2)}
	keywordHits := []keywordHit{kwHit("b", 7), kwHit("a", 1)}

	fused := fuse(vectorHits, keywordHits, VectorOnly())
	assert.Equal(t, "a", fused[0].ID)
	assert.InDelta(t, 0.9, fused[0].Score, 1e-6)

	fused = fuse(vectorHits, keywordHits, KeywordOnly())
	assert.Equal(t, "b", fused[0].ID)
	assert.InDelta(t, 7.0, fused[0].Score, 1e-9)
}

func TestFuseTieBreaksByVectorScoreThenID(t *testing.T) {
	// Both candidates share rank-sum symmetry so the RRF scores are equal.
	vectorHits := []vector.Result{vecHit("a", 0.9), vecHit("b", 0.8)}
	keywordHits := []keywordHit{kwHit("b", 5), kwHit("a", 4)}

	fused := fuse(vectorHits, keywordHits, RRF())
	require.Len(t, fused, 2)
	assert.InDelta(t, fused[0].Score, fused[1].Score, 1e-12)
	assert.Equal(t, "a", fused[0].ID, "the higher vector score wins the tie")
}

func TestMinMaxNormalization(t *testing.T) {
	scores := minMax([]float64{2, 4, 6}, func(f float64) float64 { return f })
	require.Len(t, scores, 3)
	assert.InDelta(t, 0.0, scores[0], 1e-9)
	assert.InDelta(t, 0.5, scores[1], 1e-9)
	assert.InDelta(t, 1.0, scores[2], 1e-9)

	constant := minMax([]float64{3, 3}, func(f float64) float64 { return f })
	assert.Equal(t, []float64{1, 1}, constant)

	assert.Nil(t, minMax(nil, func(f float64) float64 { return f }))
}

func TestSearchEndToEnd(t *testing.T) {
	tp := newTestPipeline(t, PipelineConfig{EnableVersioning: true})
	ctx := context.Background()

	_, err := tp.pipeline.Ingest(ctx, NewSliceLoader(
		Document{ID: "fox", Content: "the quick brown fox jumps"},
		Document{ID: "dog", Content: "the lazy dog sleeps all day"},
		Document{ID: "cat", Content: "cats chase mice at night"},
	))
	require.NoError(t, err)

	results, err := tp.pipeline.Search(ctx, "lazy dog", 2, RRF())
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.LessOrEqual(t, len(results), 2)
	assert.Equal(t, "dog", results[0].DocumentID)
	assert.False(t, math.IsNaN(results[0].Score))
}

func TestSearchKeywordOnlySkipsEmbedding(t *testing.T) {
	tp := newTestPipeline(t, PipelineConfig{})
	ctx := context.Background()

	_, err := tp.pipeline.Ingest(ctx, NewSliceLoader(
		Document{ID: "fox", Content: "the quick brown fox"},
	))
	require.NoError(t, err)

	before := tp.embedder.embedCalls.Load()
	results, err := tp.pipeline.Search(ctx, "quick fox", 5, KeywordOnly())
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, before, tp.embedder.embedCalls.Load(), "keyword-only search never embeds the query")
}

func TestSearchZeroK(t *testing.T) {
	tp := newTestPipeline(t, PipelineConfig{})
	results, err := tp.pipeline.SearchHybrid(context.Background(), nil, "q", 0, RRF())
	require.NoError(t, err)
	assert.Nil(t, results)
}

// reverseReranker reverses the candidate order; an error variant exercises
// the fused-order fallback.
type reverseReranker struct {
	fail bool
}

func (r *reverseReranker) Rerank(ctx context.Context, query string, candidates []SearchResult) ([]SearchResult, error) {
	if r.fail {
		return nil, errors.New("reranker unavailable")
	}
	out := make([]SearchResult, len(candidates))
	for i, c := range candidates {
		out[len(candidates)-1-i] = c
	}
	return out, nil
}

func TestSearchWithReranker(t *testing.T) {
	tp := newTestPipeline(t, PipelineConfig{Reranker: &reverseReranker{}, RerankTopK: 10})
	ctx := context.Background()

	_, err := tp.pipeline.Ingest(ctx, NewSliceLoader(
		Document{ID: "fox", Content: "the quick brown fox"},
		Document{ID: "dog", Content: "the lazy dog"},
	))
	require.NoError(t, err)

	plain := newTestPipeline(t, PipelineConfig{})
	_, err = plain.pipeline.Ingest(ctx, NewSliceLoader(
		Document{ID: "fox", Content: "the quick brown fox"},
		Document{ID: "dog", Content: "the lazy dog"},
	))
	require.NoError(t, err)

	fusedOrder, err := plain.pipeline.Search(ctx, "quick fox", 2, RRF())
	require.NoError(t, err)
	reranked, err := tp.pipeline.Search(ctx, "quick fox", 2, RRF())
	require.NoError(t, err)

	require.Len(t, fusedOrder, 2)
	require.Len(t, reranked, 2)
	assert.Equal(t, fusedOrder[0].ID, reranked[1].ID)
	assert.Equal(t, fusedOrder[1].ID, reranked[0].ID)
}

func TestSearchRerankerFailureFallsBack(t *testing.T) {
	tp := newTestPipeline(t, PipelineConfig{Reranker: &reverseReranker{fail: true}})
	ctx := context.Background()

	_, err := tp.pipeline.Ingest(ctx, NewSliceLoader(
		Document{ID: "fox", Content: "the quick brown fox"},
		Document{ID: "dog", Content: "the lazy dog"},
	))
	require.NoError(t, err)

	results, err := tp.pipeline.Search(ctx, "quick fox", 2, RRF())
	require.NoError(t, err, "a failing reranker degrades to fused order")
	assert.NotEmpty(t, results)
}

func TestParseRerankOrder(t *testing.T) {
	order, err := parseRerankOrder("[2, 0, 1]", 3)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0, 1}, order)

	// Surrounding prose is tolerated.
	order, err = parseRerankOrder("Here you go: [1, 0] hope that helps", 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, order)

	// Out-of-range and duplicate indices are dropped; missing ones are
	// appended in original order.
	order, err = parseRerankOrder("[5, 1, 1, -2]", 3)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0, 2}, order)

	_, err = parseRerankOrder("no array here", 2)
	assert.Error(t, err)

	_, err = parseRerankOrder(`["a"]`, 2)
	assert.Error(t, err)
}
