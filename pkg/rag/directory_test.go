package rag

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func collectResults(t *testing.T, loader Loader) (docs []Document, skipped, failed int) {
	t.Helper()
	for result := range loader.Load(context.Background()) {
		switch {
		case result.IsSuccess():
			docs = append(docs, result.Doc)
		case result.IsSkipped():
			skipped++
		case result.IsFailure():
			failed++
		}
	}
	return docs, skipped, failed
}

func TestDirectoryLoaderReadsTextFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "notes.md", "# Notes\nsome notes")
	writeFile(t, dir, "data.json", `{"k":"v"}`)
	writeFile(t, dir, "binary.bin", "\x00\x01")

	loader := &DirectoryLoader{Path: dir, Recursive: true}
	docs, skipped, failed := collectResults(t, loader)

	require.Len(t, docs, 2)
	assert.Equal(t, 1, skipped, "unsupported extensions are skipped, not failed")
	assert.Equal(t, 0, failed)

	byID := map[string]Document{}
	for _, d := range docs {
		byID[d.ID] = d
	}
	notes, ok := byID["notes.md"]
	require.True(t, ok)
	assert.Equal(t, "# Notes\nsome notes", notes.Content)
	assert.Equal(t, "md", notes.Metadata["type"])
	assert.NotEmpty(t, notes.Version.ContentHash)
}

func TestDirectoryLoaderPattern(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "keep.md", "kept")
	writeFile(t, dir, "drop.txt", "dropped")

	loader := &DirectoryLoader{Path: dir, Pattern: "*.md", Recursive: true}
	docs, skipped, _ := collectResults(t, loader)

	require.Len(t, docs, 1)
	assert.Equal(t, "keep.md", docs[0].ID)
	assert.Equal(t, 1, skipped)
}

func TestDirectoryLoaderRecursion(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "top.md", "top")
	writeFile(t, dir, filepath.Join("sub", "nested.md"), "nested")

	flat, _, _ := collectResults(t, &DirectoryLoader{Path: dir})
	require.Len(t, flat, 1)
	assert.Equal(t, "top.md", flat[0].ID)

	deep, _, _ := collectResults(t, &DirectoryLoader{Path: dir, Recursive: true})
	require.Len(t, deep, 2)

	ids := []string{deep[0].ID, deep[1].ID}
	assert.Contains(t, ids, "top.md")
	assert.Contains(t, ids, "sub/nested.md", "ids are slash-separated relative paths")
}

func TestDirectoryLoaderCancellation(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.md", "a")
	writeFile(t, dir, "b.md", "b")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	count := 0
	for range (&DirectoryLoader{Path: dir, Recursive: true}).Load(ctx) {
		count++
	}
	assert.Equal(t, 0, count)
}

func TestSliceLoader(t *testing.T) {
	loader := NewSliceLoader(
		Document{ID: "a", Content: "one"},
		Document{ID: "b", Content: "two"},
	)
	docs, _, _ := collectResults(t, loader)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].ID)
	assert.Equal(t, "slice", loader.Name())
}
