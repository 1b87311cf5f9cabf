package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/henryperkins/veritas/pkg/compact"
	"github.com/henryperkins/veritas/pkg/llm"
	"github.com/henryperkins/veritas/pkg/models"
)

// candidateMultiple widens the keyword candidate pool before reranking.
const candidateMultiple = 4

// vectorScanLimit bounds how many stored embeddings a pure vector
// search scores.
const vectorScanLimit = 500

// PgIndex is an Index over the documents table. Keyword relevance comes
// from Postgres full-text search; vector relevance is cosine similarity
// over stored embeddings, computed in process. The hybrid rerank score
// is 2*cosine + ts_rank, so the configured thresholds operate on a
// roughly [0,3] scale.
type PgIndex struct {
	db       *sql.DB
	embedder llm.Embedder
}

// NewPgIndex creates an index over the given database handle.
func NewPgIndex(db *sql.DB, embedder llm.Embedder) *PgIndex {
	return &PgIndex{db: db, embedder: embedder}
}

type docRow struct {
	ref       models.Reference
	embedding []float32
	tsRank    float64
}

// HybridSearch ranks keyword candidates by combined score, drops rows
// under the reranker threshold, and returns the top-k.
func (x *PgIndex) HybridSearch(ctx context.Context, req SearchRequest) ([]models.Reference, error) {
	qVec, err := x.embedQuery(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	rows, err := x.db.QueryContext(ctx, `
		SELECT id, title, content, summary, url, page, embedding,
		       ts_rank(tsv, plainto_tsquery('english', $1)) AS rank
		FROM documents
		WHERE tsv @@ plainto_tsquery('english', $1)
		ORDER BY rank DESC
		LIMIT $2`,
		req.Query, req.TopK*candidateMultiple)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}
	candidates, err := scanDocs(rows)
	if err != nil {
		return nil, err
	}

	for i := range candidates {
		cos := compact.Cosine(qVec, candidates[i].embedding)
		candidates[i].ref.Score = 2*cos + candidates[i].tsRank
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].ref.Score > candidates[j].ref.Score
	})

	out := make([]models.Reference, 0, req.TopK)
	for _, c := range candidates {
		if req.RerankerThreshold > 0 && c.ref.Score < req.RerankerThreshold {
			continue
		}
		out = append(out, c.ref)
		if len(out) == req.TopK {
			break
		}
	}
	return out, nil
}

// VectorSearch scores stored embeddings against the query embedding and
// returns the k nearest.
func (x *PgIndex) VectorSearch(ctx context.Context, query string, topK int) ([]models.Reference, error) {
	qVec, err := x.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	rows, err := x.db.QueryContext(ctx, `
		SELECT id, title, content, summary, url, page, embedding, 0 AS rank
		FROM documents
		WHERE embedding IS NOT NULL
		LIMIT $1`,
		vectorScanLimit)
	if err != nil {
		return nil, fmt.Errorf("vector scan failed: %w", err)
	}
	candidates, err := scanDocs(rows)
	if err != nil {
		return nil, err
	}

	for i := range candidates {
		candidates[i].ref.Score = compact.Cosine(qVec, candidates[i].embedding)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].ref.Score > candidates[j].ref.Score
	})
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	out := make([]models.Reference, len(candidates))
	for i, c := range candidates {
		out[i] = c.ref
	}
	return out, nil
}

// Fetch loads the full document body for a hydrate key.
func (x *PgIndex) Fetch(ctx context.Context, hydrateKey string) (string, error) {
	var content string
	err := x.db.QueryRowContext(ctx,
		`SELECT content FROM documents WHERE id = $1`, hydrateKey).Scan(&content)
	if err != nil {
		return "", fmt.Errorf("fetching document %s: %w", hydrateKey, err)
	}
	return content, nil
}

func (x *PgIndex) embedQuery(ctx context.Context, query string) ([]float32, error) {
	vecs, err := x.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return vecs[0], nil
}

// scanDocs reads candidate rows. References come back with full bodies,
// their summary, and the document id as hydrate key; lazy dispatch swaps
// the body for the summary and hydrates on demand.
func scanDocs(rows *sql.Rows) ([]docRow, error) {
	defer func() { _ = rows.Close() }()

	var out []docRow
	for rows.Next() {
		var (
			d        docRow
			url      sql.NullString
			page     sql.NullInt64
			embedRaw []byte
		)
		if err := rows.Scan(&d.ref.ID, &d.ref.Title, &d.ref.Content, &d.ref.Summary, &url, &page, &embedRaw, &d.tsRank); err != nil {
			return nil, fmt.Errorf("scanning document row: %w", err)
		}
		if url.Valid {
			d.ref.URL = url.String
		}
		if page.Valid {
			d.ref.Page = int(page.Int64)
		}
		if len(embedRaw) > 0 {
			if err := json.Unmarshal(embedRaw, &d.embedding); err != nil {
				return nil, fmt.Errorf("decoding embedding for %s: %w", d.ref.ID, err)
			}
		}
		d.ref.Source = models.SourceKnowledgeBase
		d.ref.HydrateKey = d.ref.ID
		d.ref.Hydrated = true
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading document rows: %w", err)
	}
	return out, nil
}
