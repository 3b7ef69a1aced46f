package rag

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// DirectoryLoader walks a directory tree and yields one document per
// matching file. Text-like files are read as-is; PDFs are extracted
// page by page.
type DirectoryLoader struct {
	// Path is the root directory.
	Path string

	// Pattern filters file names with filepath.Match, e.g. "*.md".
	// Empty admits every supported file.
	Pattern string

	// Recursive descends into subdirectories.
	Recursive bool
}

var textExtensions = map[string]bool{
	".txt":  true,
	".md":   true,
	".rst":  true,
	".html": true,
	".json": true,
	".yaml": true,
	".yml":  true,
	".csv":  true,
}

func (l *DirectoryLoader) Name() string {
	return "directory:" + l.Path
}

func (l *DirectoryLoader) Load(ctx context.Context) iter.Seq[LoadResult] {
	return func(yield func(LoadResult) bool) {
		walk := func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			if err != nil {
				if !yield(LoadFailure(path, err, true)) {
					return fs.SkipAll
				}
				return nil
			}
			if d.IsDir() {
				if !l.Recursive && path != l.Path {
					return fs.SkipDir
				}
				return nil
			}
			if !yield(l.loadFile(path)) {
				return fs.SkipAll
			}
			return nil
		}
		_ = filepath.WalkDir(l.Path, walk)
	}
}

func (l *DirectoryLoader) loadFile(path string) LoadResult {
	name := filepath.Base(path)
	if l.Pattern != "" {
		ok, err := filepath.Match(l.Pattern, name)
		if err != nil {
			return LoadFailure(path, fmt.Errorf("bad pattern %q: %w", l.Pattern, err), false)
		}
		if !ok {
			return LoadSkipped(path, "name does not match pattern")
		}
	}

	ext := strings.ToLower(filepath.Ext(name))
	var (
		content string
		err     error
	)
	switch {
	case ext == ".pdf":
		content, err = extractPDF(path)
	case textExtensions[ext]:
		var raw []byte
		raw, err = os.ReadFile(path)
		content = string(raw)
	default:
		return LoadSkipped(path, "unsupported file type "+ext)
	}
	if err != nil {
		return LoadFailure(path, err, true)
	}

	id, relErr := filepath.Rel(l.Path, path)
	if relErr != nil {
		id = path
	}
	doc := Document{
		ID:      filepath.ToSlash(id),
		Content: content,
		Metadata: map[string]string{
			"source": path,
			"type":   strings.TrimPrefix(ext, "."),
		},
	}
	return LoadSuccess(doc.EnsureVersion())
}

func extractPDF(path string) (string, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open PDF: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("failed to extract PDF text: %w", err)
	}
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("failed to read PDF text: %w", err)
	}
	return buf.String(), nil
}
