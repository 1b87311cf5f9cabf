package compact

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/henryperkins/veritas/pkg/models"
)

// stubEmbedder maps known texts to fixed vectors.
type stubEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (s *stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, ok := s.vectors[t]
		if !ok {
			vec = []float32{0, 0, 1}
		}
		out[i] = vec
	}
	return out, nil
}

func TestSelectSummaries_SemanticOrderAndFloor(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"what is the deadline": {1, 0, 0},
		"deadline discussion":  {0.9, 0.1, 0},
		"weather chat":         {0, 1, 0},
		"deadline follow-up":   {0.7, 0.3, 0},
	}}
	candidates := []models.SummaryItem{
		{Text: "weather chat", TurnEnd: 3},
		{Text: "deadline follow-up", TurnEnd: 7},
		{Text: "deadline discussion", TurnEnd: 5},
	}

	selected, stats := SelectSummaries(context.Background(), embedder, "what is the deadline", candidates, 2, 0.3, nil)

	require.Len(t, selected, 2)
	assert.Equal(t, "deadline discussion", selected[0].Text)
	assert.Equal(t, "deadline follow-up", selected[1].Text)

	assert.Equal(t, "semantic", stats.Mode)
	assert.False(t, stats.UsedFallback)
	assert.Equal(t, 3, stats.TotalCandidates)
	assert.Equal(t, 2, stats.SelectedCount)
	assert.Equal(t, 1, stats.DiscardedCount)
	assert.Greater(t, stats.MaxScore, stats.MinScore)
}

func TestSelectSummaries_RecencyFallbackOnEmbedFailure(t *testing.T) {
	embedder := &stubEmbedder{err: errors.New("embedding service down")}
	candidates := []models.SummaryItem{
		{Text: "a", TurnEnd: 1},
		{Text: "b", TurnEnd: 9},
		{Text: "c", TurnEnd: 5},
	}

	selected, stats := SelectSummaries(context.Background(), embedder, "q", candidates, 2, 0.3, nil)

	require.Len(t, selected, 2)
	assert.Equal(t, "b", selected[0].Text)
	assert.Equal(t, "c", selected[1].Text)
	assert.Equal(t, "recency", stats.Mode)
	assert.True(t, stats.UsedFallback)
}

func TestSelectSummaries_UsesPrecomputedEmbeddings(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"q": {1, 0, 0},
	}}
	candidates := []models.SummaryItem{
		{Text: "has vector", TurnEnd: 2, Embedding: []float32{1, 0, 0}},
	}

	selected, _ := SelectSummaries(context.Background(), embedder, "q", candidates, 1, 0.5, nil)
	require.Len(t, selected, 1)
	assert.Equal(t, "has vector", selected[0].Text)
}

func TestSelectSummaries_EmptyCandidates(t *testing.T) {
	selected, stats := SelectSummaries(context.Background(), &stubEmbedder{}, "q", nil, 3, 0.3, nil)
	assert.Empty(t, selected)
	assert.Equal(t, 0, stats.TotalCandidates)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{1, 2}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, Cosine(nil, []float32{1}))
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{0, 0}))
}
