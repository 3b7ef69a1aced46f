package keyword

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedIndex(t *testing.T) *MemoryIndex {
	t.Helper()
	idx := NewMemoryIndex()
	ctx := context.Background()
	require.NoError(t, idx.Index(ctx, "d1-chunk-0", "d1", "the quick brown fox jumps over the lazy dog"))
	require.NoError(t, idx.Index(ctx, "d1-chunk-1", "d1", "foxes are quick and clever animals"))
	require.NoError(t, idx.Index(ctx, "d2-chunk-0", "d2", "dogs sleep most of the day"))
	return idx
}

func TestMemoryIndexSearch(t *testing.T) {
	idx := seedIndex(t)

	matches, err := idx.Search(context.Background(), "quick fox", 10)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "d1-chunk-0", matches[0].ID)
	assert.Equal(t, "d1", matches[0].DocumentID)
	assert.Greater(t, matches[0].Score, float32(0))
}

func TestMemoryIndexSearchIsCaseAndPunctuationInsensitive(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	require.NoError(t, idx.Index(ctx, "c1", "d1", "Hello, World! (greetings)"))

	matches, err := idx.Search(ctx, "hello world greetings", 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, float32(3), matches[0].Score)
}

func TestMemoryIndexSearchTopK(t *testing.T) {
	idx := seedIndex(t)

	matches, err := idx.Search(context.Background(), "the", 1)
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	matches, err = idx.Search(context.Background(), "anything", 0)
	require.NoError(t, err)
	assert.Nil(t, matches)
}

func TestMemoryIndexSearchNoMatches(t *testing.T) {
	idx := seedIndex(t)

	matches, err := idx.Search(context.Background(), "zebra", 10)
	require.NoError(t, err)
	assert.Empty(t, matches)

	matches, err = idx.Search(context.Background(), "   ", 10)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestMemoryIndexReindexReplacesContent(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	require.NoError(t, idx.Index(ctx, "c1", "d1", "old topic"))
	require.NoError(t, idx.Index(ctx, "c1", "d1", "new subject"))

	matches, err := idx.Search(ctx, "old topic", 5)
	require.NoError(t, err)
	assert.Empty(t, matches)

	matches, err = idx.Search(ctx, "new subject", 5)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestMemoryIndexDelete(t *testing.T) {
	idx := seedIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Delete(ctx, "d1-chunk-0"))
	assert.Equal(t, []string{"d1-chunk-1", "d2-chunk-0"}, idx.IDs())
}

func TestMemoryIndexDeleteByDocument(t *testing.T) {
	idx := seedIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.DeleteByDocument(ctx, "d1"))
	assert.Equal(t, []string{"d2-chunk-0"}, idx.IDs())

	matches, err := idx.Search(ctx, "quick fox", 10)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestMemoryIndexClear(t *testing.T) {
	idx := seedIndex(t)

	require.NoError(t, idx.Clear(context.Background()))
	assert.Empty(t, idx.IDs())
}
