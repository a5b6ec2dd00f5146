// Package vector stores message embeddings and answers nearest-neighbour
// queries against them.
package vector

import (
	"context"
	"time"
)

// Document represents one message to be stored in the vector database
type Document struct {
	ID             string
	Content        string // text snippet stored alongside the vector
	Embedding      []float32
	ConversationID string
	Username       string
	TS             time.Time
}

// Result is a single nearest-neighbour hit.
type Result struct {
	ID         string
	Similarity float64 // cosine similarity, higher is closer
}

// Client interface for vector database operations
type Client interface {
	// Initialize creates the messages collection if it does not exist
	Initialize(ctx context.Context) error

	// Upsert writes documents keyed by message id; re-writes are idempotent
	Upsert(ctx context.Context, docs []Document) error

	// Search performs a vector similarity search
	Search(ctx context.Context, query []float32, limit int) ([]Result, error)

	// Delete removes documents by ID
	Delete(ctx context.Context, ids []string) error

	// Clear drops and recreates the collection
	Clear(ctx context.Context) error

	// Count returns the number of stored documents
	Count(ctx context.Context) (int, error)

	// HealthCheck verifies the connection to the vector database
	HealthCheck(ctx context.Context) error
}
