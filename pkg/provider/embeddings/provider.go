// Package embeddings defines the Provider interface for vector embedding backends.
//
// Lumi embeds every saved session summary so that the responder can recall
// related past reflections. All vectors from one Provider share the same
// dimensionality; vectors from different models must not be compared.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
type Provider interface {
	// Embed computes the embedding vector for text. The slice has length
	// Dimensions().
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the fixed length of every vector this provider
	// produces.
	Dimensions() int

	// ModelID returns the model identifier, e.g. "text-embedding-3-small".
	ModelID() string
}
