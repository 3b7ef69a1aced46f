package rag

import (
	"context"
	"iter"
)

type loadResultKind int

const (
	loadSuccess loadResultKind = iota
	loadFailure
	loadSkipped
)

// LoadResult is one outcome from a loader: a document, a per-source failure,
// or an intentional skip.
type LoadResult struct {
	kind loadResultKind

	// Doc is set for successes.
	Doc Document

	// Source names the failed or skipped input.
	Source string

	// Err is set for failures. Retryable is advisory; the sync engine does
	// not retry on its own.
	Err       error
	Retryable bool

	// Reason is set for skips.
	Reason string
}

func LoadSuccess(doc Document) LoadResult {
	return LoadResult{kind: loadSuccess, Doc: doc}
}

func LoadFailure(source string, err error, retryable bool) LoadResult {
	return LoadResult{kind: loadFailure, Source: source, Err: err, Retryable: retryable}
}

func LoadSkipped(source, reason string) LoadResult {
	return LoadResult{kind: loadSkipped, Source: source, Reason: reason}
}

func (r LoadResult) IsSuccess() bool { return r.kind == loadSuccess }
func (r LoadResult) IsFailure() bool { return r.kind == loadFailure }
func (r LoadResult) IsSkipped() bool { return r.kind == loadSkipped }

// Loader produces a lazy, finite sequence of load results.
type Loader interface {
	Load(ctx context.Context) iter.Seq[LoadResult]
	Name() string
}

// SliceLoader serves a fixed set of documents; used by tests and as the
// building block for programmatic ingestion.
type SliceLoader struct {
	Docs []Document
}

func NewSliceLoader(docs ...Document) *SliceLoader {
	return &SliceLoader{Docs: docs}
}

func (l *SliceLoader) Load(ctx context.Context) iter.Seq[LoadResult] {
	return func(yield func(LoadResult) bool) {
		for _, doc := range l.Docs {
			if ctx.Err() != nil {
				return
			}
			if !yield(LoadSuccess(doc)) {
				return
			}
		}
	}
}

func (l *SliceLoader) Name() string {
	return "slice"
}
