package llm

import (
	"context"
)

// Client is the completion contract every provider implements.
//
// StreamComplete must invoke onChunk on the same goroutine that called it
// (no concurrent callbacks) and return only after the stream is exhausted,
// with the fully accumulated Completion.
//
// Rate limits are not retried inside the client; callers own retry.
type Client interface {
	// Complete performs a blocking, single-response completion.
	Complete(ctx context.Context, conversation []Message, opts CompletionOptions) (*Completion, error)

	// StreamComplete emits zero or more chunks via onChunk and returns the
	// accumulated completion once the stream ends.
	StreamComplete(ctx context.Context, conversation []Message, opts CompletionOptions, onChunk ChunkHandler) (*Completion, error)

	// ContextWindow returns the model's context window in tokens.
	ContextWindow() int

	// ReserveCompletion returns the token head-room reserved for the
	// model's reply when budgeting prompt size.
	ReserveCompletion() int

	// ModelName returns the configured model identifier.
	ModelName() string

	Close() error
}
