package compact

import (
	"context"
	"log/slog"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/henryperkins/veritas/pkg/llm"
	"github.com/henryperkins/veritas/pkg/models"
)

// embedBatchSize bounds one embedding call; batches run concurrently.
const embedBatchSize = 16

// SelectionStats describes how summary selection went, for telemetry.
type SelectionStats struct {
	Mode            string  `json:"mode"` // "semantic" or "recency"
	TotalCandidates int     `json:"total_candidates"`
	SelectedCount   int     `json:"selected_count"`
	DiscardedCount  int     `json:"discarded_count"`
	UsedFallback    bool    `json:"used_fallback"`
	MaxScore        float64 `json:"max_score"`
	MinScore        float64 `json:"min_score"`
	MeanScore       float64 `json:"mean_score"`
}

// SelectSummaries picks the k summary items most relevant to the
// question by cosine similarity, discarding items below sMin. Ties break
// by recency. On any embedding failure it falls back to the k most
// recent items and reports UsedFallback.
func SelectSummaries(ctx context.Context, embedder llm.Embedder, question string, candidates []models.SummaryItem, k int, sMin float64, logger *slog.Logger) ([]models.SummaryItem, SelectionStats) {
	if logger == nil {
		logger = slog.Default()
	}
	stats := SelectionStats{Mode: "semantic", TotalCandidates: len(candidates)}
	if len(candidates) == 0 || k <= 0 {
		return nil, stats
	}

	scores, err := scoreCandidates(ctx, embedder, question, candidates)
	if err != nil {
		logger.Warn("semantic summary selection failed, using recency", "error", err)
		selected := selectByRecency(candidates, k)
		return selected, SelectionStats{
			Mode:            "recency",
			TotalCandidates: len(candidates),
			SelectedCount:   len(selected),
			DiscardedCount:  len(candidates) - len(selected),
			UsedFallback:    true,
		}
	}

	type scored struct {
		item  models.SummaryItem
		score float64
	}
	var kept []scored
	for i, c := range candidates {
		if scores[i] >= sMin {
			kept = append(kept, scored{item: c, score: scores[i]})
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].score != kept[j].score {
			return kept[i].score > kept[j].score
		}
		return kept[i].item.TurnEnd > kept[j].item.TurnEnd
	})
	if len(kept) > k {
		kept = kept[:k]
	}

	selected := make([]models.SummaryItem, len(kept))
	var sum float64
	for i, s := range kept {
		selected[i] = s.item
		sum += s.score
		if i == 0 || s.score > stats.MaxScore {
			stats.MaxScore = s.score
		}
		if i == 0 || s.score < stats.MinScore {
			stats.MinScore = s.score
		}
	}
	if len(kept) > 0 {
		stats.MeanScore = sum / float64(len(kept))
	}
	stats.SelectedCount = len(selected)
	stats.DiscardedCount = len(candidates) - len(selected)
	return selected, stats
}

// scoreCandidates embeds the question and any candidates lacking cached
// vectors, batching candidate embeds concurrently, then returns one
// cosine similarity per candidate.
func scoreCandidates(ctx context.Context, embedder llm.Embedder, question string, candidates []models.SummaryItem) ([]float64, error) {
	qVecs, err := embedder.Embed(ctx, []string{question})
	if err != nil {
		return nil, err
	}
	qVec := qVecs[0]

	vecs := make([][]float32, len(candidates))
	var missing []int
	for i, c := range candidates {
		if len(c.Embedding) > 0 {
			vecs[i] = c.Embedding
			continue
		}
		missing = append(missing, i)
	}

	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(missing); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(missing) {
			end = len(missing)
		}
		batch := missing[start:end]
		g.Go(func() error {
			texts := make([]string, len(batch))
			for i, idx := range batch {
				texts[i] = candidates[idx].Text
			}
			got, err := embedder.Embed(gctx, texts)
			if err != nil {
				return err
			}
			for i, idx := range batch {
				vecs[idx] = got[i]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	scores := make([]float64, len(candidates))
	for i, v := range vecs {
		scores[i] = Cosine(qVec, v)
	}
	return scores, nil
}

func selectByRecency(candidates []models.SummaryItem, k int) []models.SummaryItem {
	sorted := make([]models.SummaryItem, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TurnEnd > sorted[j].TurnEnd
	})
	if len(sorted) > k {
		sorted = sorted[:k]
	}
	return sorted
}

// Cosine returns the cosine similarity of two vectors, 0 when either is
// empty or zero-length.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
