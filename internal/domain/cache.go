package domain

import "context"

// DocumentCache defines the interface for caching composed documents.
// Documents are immutable, so a cached instance may be streamed by several requests at once.
type DocumentCache interface {
	// Get retrieves a document from the cache by key
	Get(ctx context.Context, key string) (*CompositeDocument, bool)

	// Set stores a document in the cache with the given key
	Set(ctx context.Context, key string, doc *CompositeDocument) error

	// Delete removes a document from the cache by key
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every document whose key starts with prefix
	DeletePrefix(ctx context.Context, prefix string) error

	// CleanExpired removes all expired items from the cache
	CleanExpired(ctx context.Context) error
}
