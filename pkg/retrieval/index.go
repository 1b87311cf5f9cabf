// Package retrieval finds the evidence for a question: a tiered
// dispatcher over a document index, optional web augmentation, and lazy
// hydration of summary-only references.
package retrieval

import (
	"context"

	"github.com/henryperkins/veritas/pkg/models"
)

// SearchRequest parameterizes one index search.
type SearchRequest struct {
	Query string
	TopK  int
	// RerankerThreshold drops references scoring below it. Zero means
	// no threshold.
	RerankerThreshold float64
}

// Index is the knowledge-base collaborator. Implementations must return
// references ordered by score descending with ties broken by original
// index ascending, and must populate Score, Summary, and HydrateKey.
type Index interface {
	// HybridSearch combines keyword and vector relevance with a
	// reranking score.
	HybridSearch(ctx context.Context, req SearchRequest) ([]models.Reference, error)

	// VectorSearch ranks by embedding similarity alone.
	VectorSearch(ctx context.Context, query string, topK int) ([]models.Reference, error)

	// Fetch returns the full body for a hydrate key.
	Fetch(ctx context.Context, hydrateKey string) (string, error)
}
