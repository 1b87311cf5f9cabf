package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/henryperkins/veritas/pkg/compact"
	"github.com/henryperkins/veritas/pkg/llm"
	"github.com/henryperkins/veritas/pkg/models"
)

// Memory item kinds.
const (
	kindSummary = "summary"
	kindPattern = "pattern"
)

// recallScanLimit bounds how many stored items one recall scores.
const recallScanLimit = 200

// MemoryStore persists cross-session semantic memory: conversation
// summaries and successful question/answer patterns, each with an
// embedding for similarity recall.
type MemoryStore struct {
	db       *sql.DB
	embedder llm.Embedder
	logger   *slog.Logger
}

// NewMemoryStore creates a memory store.
func NewMemoryStore(db *sql.DB, embedder llm.Embedder, logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{db: db, embedder: embedder, logger: logger}
}

// recallQuery matches the session's own summaries plus the cross-session
// pattern rows, which are stored with a NULL session_id.
const recallQuery = `
		SELECT text, turn_start, turn_end, embedding
		FROM memory_items
		WHERE (session_id = $1 OR session_id IS NULL) AND embedding IS NOT NULL
		ORDER BY created_at DESC
		LIMIT $2`

// Recall returns up to k stored items whose embeddings score at least
// sMin against the question, best first. Candidates are the session's
// summaries and the session-independent success patterns.
func (m *MemoryStore) Recall(ctx context.Context, question, sessionID string, k int, sMin float64) ([]models.SummaryItem, error) {
	if k <= 0 {
		return nil, nil
	}
	qVecs, err := m.embedder.Embed(ctx, []string{question})
	if err != nil {
		return nil, fmt.Errorf("embedding recall query: %w", err)
	}
	qVec := qVecs[0]

	rows, err := m.db.QueryContext(ctx, recallQuery, sessionID, recallScanLimit)
	if err != nil {
		return nil, fmt.Errorf("querying memory items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type scored struct {
		item  models.SummaryItem
		score float64
	}
	var candidates []scored
	for rows.Next() {
		var (
			item     models.SummaryItem
			embedRaw []byte
		)
		if err := rows.Scan(&item.Text, &item.TurnStart, &item.TurnEnd, &embedRaw); err != nil {
			return nil, fmt.Errorf("scanning memory item: %w", err)
		}
		if err := json.Unmarshal(embedRaw, &item.Embedding); err != nil {
			m.logger.Warn("skipping memory item with bad embedding", "error", err)
			continue
		}
		score := compact.Cosine(qVec, item.Embedding)
		if score >= sMin {
			candidates = append(candidates, scored{item: item, score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading memory items: %w", err)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]models.SummaryItem, len(candidates))
	for i, c := range candidates {
		out[i] = c.item
	}
	return out, nil
}

// SaveSummaries stores compaction summaries for later recall. Items
// without embeddings are embedded first.
func (m *MemoryStore) SaveSummaries(ctx context.Context, sessionID string, items []models.SummaryItem) error {
	if len(items) == 0 {
		return nil
	}

	var missing []int
	var texts []string
	for i, item := range items {
		if len(item.Embedding) == 0 {
			missing = append(missing, i)
			texts = append(texts, item.Text)
		}
	}
	if len(texts) > 0 {
		vecs, err := m.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embedding summaries: %w", err)
		}
		for j, idx := range missing {
			items[idx].Embedding = vecs[j]
		}
	}

	for _, item := range items {
		raw, err := json.Marshal(item.Embedding)
		if err != nil {
			return fmt.Errorf("encoding summary embedding: %w", err)
		}
		_, err = m.db.ExecContext(ctx, `
			INSERT INTO memory_items (id, session_id, kind, text, turn_start, turn_end, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.NewString(), sessionID, kindSummary, item.Text, item.TurnStart, item.TurnEnd, raw)
		if err != nil {
			return fmt.Errorf("saving summary: %w", err)
		}
	}
	return nil
}

// AddSuccessfulPattern records an accepted question/answer pair so
// similar future questions can recall it.
func (m *MemoryStore) AddSuccessfulPattern(ctx context.Context, question, answer string, citations []models.Reference) error {
	vecs, err := m.embedder.Embed(ctx, []string{question})
	if err != nil {
		return fmt.Errorf("embedding pattern: %w", err)
	}
	raw, err := json.Marshal(vecs[0])
	if err != nil {
		return fmt.Errorf("encoding pattern embedding: %w", err)
	}

	text := fmt.Sprintf("Q: %s\nA: %s", question, answer)
	if len(citations) > 0 {
		text += fmt.Sprintf("\n(%d sources)", len(citations))
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO memory_items (id, session_id, kind, text, embedding)
		VALUES ($1, NULL, $2, $3, $4)`,
		uuid.NewString(), kindPattern, text, raw)
	if err != nil {
		return fmt.Errorf("saving pattern: %w", err)
	}
	return nil
}
