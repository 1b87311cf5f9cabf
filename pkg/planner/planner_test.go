package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/henryperkins/veritas/pkg/config"
	"github.com/henryperkins/veritas/pkg/llm"
	"github.com/henryperkins/veritas/pkg/models"
)

type stubCompleter struct {
	text string
	err  error
}

func (s *stubCompleter) Complete(ctx context.Context, req llm.CompleteRequest) (*llm.CompleteResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llm.CompleteResponse{Text: s.text}, nil
}

func (s *stubCompleter) CompleteStream(ctx context.Context, req llm.CompleteRequest) (<-chan llm.StreamChunk, <-chan error) {
	panic("not used")
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromEnv()
	require.NoError(t, err)
	return cfg
}

func vectorProfile(cfg *config.Config) models.RoutingProfile {
	return cfg.ProfileFor(models.IntentFAQ)
}

func TestPlan_ValidModelPlan(t *testing.T) {
	cfg := testConfig(t)
	stub := &stubCompleter{text: `{"confidence": 0.85, "steps": [
		{"action": "vector_search", "query": "release date of Go 1.0"},
		{"action": "answer"}
	]}`}
	p := New(stub, cfg, "gpt-4o-mini", nil)

	plan := p.Plan(context.Background(), "when was Go 1.0 released?", nil, vectorProfile(cfg))

	assert.False(t, plan.Fallback)
	assert.Equal(t, 0.85, plan.Confidence)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, models.ActionVectorSearch, plan.Steps[0].Action)
	// Unset k gets the configured default.
	assert.Equal(t, cfg.RAGTopK, plan.Steps[0].K)
}

func TestPlan_HeuristicOnCallFailure(t *testing.T) {
	cfg := testConfig(t)
	p := New(&stubCompleter{err: errors.New("timeout")}, cfg, "gpt-4o-mini", nil)

	plan := p.Plan(context.Background(), "q", nil, vectorProfile(cfg))

	assert.True(t, plan.Fallback)
	assert.Equal(t, 0.4, plan.Confidence)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, models.ActionVectorSearch, plan.Steps[0].Action)
	assert.Equal(t, "q", plan.Steps[0].Query)
}

func TestPlan_HeuristicMatchesProfileStrategy(t *testing.T) {
	cfg := testConfig(t)
	p := New(&stubCompleter{err: errors.New("down")}, cfg, "gpt-4o-mini", nil)

	plan := p.Plan(context.Background(), "q", nil, cfg.ProfileFor(models.IntentResearch))
	assert.Equal(t, models.ActionBoth, plan.Steps[0].Action)
}

func TestPlan_RejectsInvalidPlans(t *testing.T) {
	cfg := testConfig(t)
	tests := []struct {
		name string
		text string
	}{
		{"empty steps", `{"confidence": 0.9, "steps": []}`},
		{"confidence out of range", `{"confidence": 1.4, "steps": [{"action": "vector_search", "query": "q"}]}`},
		{"answer not last", `{"confidence": 0.9, "steps": [{"action": "answer"}, {"action": "web_search", "query": "q"}]}`},
		{"empty query", `{"confidence": 0.9, "steps": [{"action": "web_search", "query": "  "}]}`},
		{"unknown action", `{"confidence": 0.9, "steps": [{"action": "grep", "query": "q"}]}`},
		{"not json", `let me think about this`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(&stubCompleter{text: tt.text}, cfg, "gpt-4o-mini", nil)
			plan := p.Plan(context.Background(), "q", nil, vectorProfile(cfg))
			assert.True(t, plan.Fallback)
			assert.Equal(t, 0.4, plan.Confidence)
		})
	}
}

func TestEscalate_LowConfidenceUpgradesVectorOnly(t *testing.T) {
	cfg := testConfig(t)
	plan := models.Plan{Confidence: 0.3, Steps: []models.PlanStep{{Action: models.ActionVectorSearch, Query: "q"}}}

	upgraded, kind, reason := Escalate(plan, vectorProfile(cfg), "q", cfg)

	assert.Equal(t, models.StrategyHybridWeb, upgraded.RetrieverStrategy)
	assert.Equal(t, models.ActivityConfidenceEscalation, kind)
	assert.NotEmpty(t, reason)
}

func TestEscalate_HighConfidenceUnchanged(t *testing.T) {
	cfg := testConfig(t)
	plan := models.Plan{Confidence: 0.9, Steps: []models.PlanStep{{Action: models.ActionVectorSearch, Query: "q"}}}

	upgraded, kind, _ := Escalate(plan, vectorProfile(cfg), "what is a pointer?", cfg)

	assert.Equal(t, models.StrategyVector, upgraded.RetrieverStrategy)
	assert.Empty(t, string(kind))
}

func TestEscalate_FreshnessKeywordAddsWeb(t *testing.T) {
	cfg := testConfig(t)
	plan := models.Plan{Confidence: 0.9, Steps: []models.PlanStep{{Action: models.ActionVectorSearch, Query: "q"}}}

	upgraded, kind, _ := Escalate(plan, vectorProfile(cfg), "what did they announce today?", cfg)

	assert.True(t, upgraded.RetrieverStrategy.IncludesWeb())
	assert.Equal(t, models.ActivityFreshnessEscalation, kind)
}

func TestNeedsDualRetrieval(t *testing.T) {
	cfg := testConfig(t)

	low := models.Plan{Confidence: 0.5, Steps: []models.PlanStep{{Action: models.ActionVectorSearch, Query: "q"}}}
	assert.True(t, NeedsDualRetrieval(low, cfg))

	high := models.Plan{Confidence: 0.9, Steps: []models.PlanStep{{Action: models.ActionVectorSearch, Query: "q"}}}
	assert.False(t, NeedsDualRetrieval(high, cfg))

	web := models.Plan{Confidence: 0.5, Steps: []models.PlanStep{{Action: models.ActionWebSearch, Query: "q"}}}
	assert.False(t, NeedsDualRetrieval(web, cfg))
}
