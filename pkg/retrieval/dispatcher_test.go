package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/henryperkins/veritas/pkg/config"
	"github.com/henryperkins/veritas/pkg/events"
	"github.com/henryperkins/veritas/pkg/models"
	"github.com/henryperkins/veritas/pkg/websearch"
)

// stubIndex scripts per-tier outcomes.
type stubIndex struct {
	primaryRefs []models.Reference
	primaryErr  error
	relaxedRefs []models.Reference
	relaxedErr  error
	vectorRefs  []models.Reference
	vectorErr   error

	hybridCalls int
	fetchCalls  int
	fetchErr    error
}

func (s *stubIndex) HybridSearch(ctx context.Context, req SearchRequest) ([]models.Reference, error) {
	s.hybridCalls++
	if s.hybridCalls == 1 {
		return s.primaryRefs, s.primaryErr
	}
	return s.relaxedRefs, s.relaxedErr
}

func (s *stubIndex) VectorSearch(ctx context.Context, query string, topK int) ([]models.Reference, error) {
	return s.vectorRefs, s.vectorErr
}

func (s *stubIndex) Fetch(ctx context.Context, hydrateKey string) (string, error) {
	s.fetchCalls++
	if s.fetchErr != nil {
		return "", s.fetchErr
	}
	return "full body of " + hydrateKey, nil
}

type stubWeb struct {
	resp     *websearch.Response
	err      error
	gotQuery string
	calls    int
}

func (s *stubWeb) Search(ctx context.Context, req websearch.Request) (*websearch.Response, error) {
	s.gotQuery = req.Query
	s.calls++
	return s.resp, s.err
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromEnv()
	require.NoError(t, err)
	return cfg
}

func kbRefs(n int) []models.Reference {
	refs := make([]models.Reference, n)
	for i := range refs {
		refs[i] = models.Reference{
			ID:         fmt.Sprintf("doc-%d", i+1),
			Title:      fmt.Sprintf("Doc %d", i+1),
			Content:    fmt.Sprintf("content %d", i+1),
			Summary:    fmt.Sprintf("summary %d", i+1),
			HydrateKey: fmt.Sprintf("doc-%d", i+1),
			Hydrated:   true,
			Source:     models.SourceKnowledgeBase,
		}
	}
	return refs
}

func vectorPlan(query string) models.Plan {
	return models.Plan{Confidence: 0.9, Steps: []models.PlanStep{{Action: models.ActionVectorSearch, Query: query}}}
}

func TestRun_PrimaryTierSucceeds(t *testing.T) {
	idx := &stubIndex{primaryRefs: kbRefs(3)}
	d := NewDispatcher(idx, nil, testConfig(t), nil)
	emitter := events.NewCollectorEmitter()

	res := d.Run(context.Background(), Request{Plan: vectorPlan("q"), Profile: models.RoutingProfile{RetrieverStrategy: models.StrategyVector}}, emitter)

	assert.True(t, res.Diagnostics.Succeeded)
	assert.Equal(t, TierPrimary, res.Diagnostics.Tier)
	assert.Len(t, res.References, 3)
	assert.Equal(t, 3, res.Diagnostics.Documents)
	assert.Equal(t, models.RetrievalDirect, res.Mode)
	assert.Contains(t, res.ContextText, "[1] Doc 1")
	require.Len(t, emitter.Named(events.EventTool), 1)
}

func TestRun_FallsThroughTiers(t *testing.T) {
	idx := &stubIndex{
		primaryErr:  errors.New("reranker offline"),
		relaxedRefs: nil, // empty, below min docs
		vectorRefs:  kbRefs(2),
	}
	d := NewDispatcher(idx, nil, testConfig(t), nil)

	res := d.Run(context.Background(), Request{Plan: vectorPlan("q"), Profile: models.RoutingProfile{RetrieverStrategy: models.StrategyVector}}, nil)

	assert.True(t, res.Diagnostics.Succeeded)
	assert.Equal(t, TierVector, res.Diagnostics.Tier)
	assert.Len(t, res.References, 2)

	// Both failed tiers recorded as fallback activity.
	fallbacks := 0
	for _, a := range res.Activity {
		if a.Type == models.ActivityRetrievalFallback {
			fallbacks++
		}
	}
	assert.Equal(t, 2, fallbacks)
}

func TestRun_TotalCollapseIsNonFatal(t *testing.T) {
	idx := &stubIndex{
		primaryErr: errors.New("down"),
		relaxedErr: errors.New("down"),
		vectorErr:  errors.New("down"),
	}
	d := NewDispatcher(idx, nil, testConfig(t), nil)

	res := d.Run(context.Background(), Request{Plan: vectorPlan("q"), Profile: models.RoutingProfile{RetrieverStrategy: models.StrategyVector}}, nil)

	assert.False(t, res.Diagnostics.Succeeded)
	assert.Equal(t, TierNone, res.Diagnostics.Tier)
	assert.NotEmpty(t, res.Diagnostics.FallbackReason)
	assert.Empty(t, res.References)
	assert.Empty(t, res.Context())
}

func TestRun_BothRunsWebAndMerges(t *testing.T) {
	idx := &stubIndex{primaryRefs: kbRefs(2)}
	web := &stubWeb{resp: &websearch.Response{
		Results:     []models.Reference{{ID: "web-1", Title: "News", Content: "fresh", Source: models.SourceWeb, Hydrated: true}},
		ContextText: "News\nfresh",
		Tokens:      3,
	}}
	d := NewDispatcher(idx, web, testConfig(t), nil)

	plan := models.Plan{Confidence: 0.9, Steps: []models.PlanStep{{Action: models.ActionBoth, Query: "q"}}}
	res := d.Run(context.Background(), Request{Plan: plan, Profile: models.RoutingProfile{RetrieverStrategy: models.StrategyHybridWeb}}, nil)

	assert.Len(t, res.References, 2)
	assert.Len(t, res.WebResults, 1)
	assert.False(t, res.Diagnostics.WebUnavailable)

	// Citations: KB first, then web.
	cites := res.Citations()
	require.Len(t, cites, 3)
	assert.Equal(t, "doc-1", cites[0].ID)
	assert.Equal(t, "web-1", cites[2].ID)

	// Context joins segments with a blank line.
	assert.Contains(t, res.Context(), "[1] Doc 1")
	assert.Contains(t, res.Context(), "News\nfresh")
}

func TestRun_WebFailureSetsUnavailable(t *testing.T) {
	idx := &stubIndex{primaryRefs: kbRefs(1)}
	web := &stubWeb{err: errors.New("provider 500")}
	d := NewDispatcher(idx, web, testConfig(t), nil)

	plan := models.Plan{Confidence: 0.9, Steps: []models.PlanStep{{Action: models.ActionBoth, Query: "q"}}}
	res := d.Run(context.Background(), Request{Plan: plan, Profile: models.RoutingProfile{RetrieverStrategy: models.StrategyHybridWeb}}, nil)

	assert.True(t, res.Diagnostics.WebUnavailable)
	assert.True(t, res.Diagnostics.Succeeded) // KB side still succeeded
	found := false
	for _, a := range res.Activity {
		if a.Type == models.ActivityWebUnavailable {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRun_WebOnlyWithoutClient(t *testing.T) {
	d := NewDispatcher(&stubIndex{}, nil, testConfig(t), nil)

	plan := models.Plan{Confidence: 0.9, Steps: []models.PlanStep{{Action: models.ActionWebSearch, Query: "q"}}}
	res := d.Run(context.Background(), Request{Plan: plan, Profile: models.RoutingProfile{RetrieverStrategy: models.StrategyVector}}, nil)

	assert.Equal(t, models.RetrievalWebOnly, res.Mode)
	assert.True(t, res.Diagnostics.WebUnavailable)
	assert.False(t, res.Diagnostics.Succeeded)
}

func TestRun_KBCollapseWithWebResultsStillSucceeds(t *testing.T) {
	idx := &stubIndex{
		primaryErr: errors.New("down"),
		relaxedErr: errors.New("down"),
		vectorErr:  errors.New("down"),
	}
	web := &stubWeb{resp: &websearch.Response{
		Results:     []models.Reference{{ID: "web-1", Title: "News", Content: "fresh", Source: models.SourceWeb, Hydrated: true}},
		ContextText: "News\nfresh",
	}}
	d := NewDispatcher(idx, web, testConfig(t), nil)

	plan := models.Plan{Confidence: 0.9, Steps: []models.PlanStep{{Action: models.ActionBoth, Query: "q"}}}
	res := d.Run(context.Background(), Request{Plan: plan, Profile: models.RoutingProfile{RetrieverStrategy: models.StrategyHybridWeb}}, nil)

	// Only a total collapse fails the dispatch; web evidence alone
	// still grounds an answer.
	assert.True(t, res.Diagnostics.Succeeded)
	assert.Equal(t, TierNone, res.Diagnostics.Tier)
	assert.NotEmpty(t, res.Diagnostics.FallbackReason)
	assert.Empty(t, res.References)
	assert.Len(t, res.WebResults, 1)
}

func TestRun_AnswerPlanSearchesWebForTheQuestion(t *testing.T) {
	web := &stubWeb{resp: &websearch.Response{
		Results: []models.Reference{{ID: "web-1", Content: "x", Hydrated: true}},
	}}
	d := NewDispatcher(&stubIndex{}, web, testConfig(t), nil)

	plan := models.Plan{Confidence: 0.9, Steps: []models.PlanStep{{Action: models.ActionAnswer}}}
	res := d.Run(context.Background(), Request{
		Plan:     plan,
		Profile:  models.RoutingProfile{RetrieverStrategy: models.StrategyHybridWeb},
		Question: "what changed today?",
	}, nil)

	assert.Equal(t, 1, web.calls)
	assert.Equal(t, "what changed today?", web.gotQuery)
	assert.Len(t, res.WebResults, 1)
}

func TestRun_NoQueryAndNoQuestionSkipsWeb(t *testing.T) {
	web := &stubWeb{}
	d := NewDispatcher(&stubIndex{}, web, testConfig(t), nil)

	plan := models.Plan{Confidence: 0.9, Steps: []models.PlanStep{{Action: models.ActionAnswer}}}
	res := d.Run(context.Background(), Request{
		Plan:    plan,
		Profile: models.RoutingProfile{RetrieverStrategy: models.StrategyHybridWeb},
	}, nil)

	assert.Zero(t, web.calls)
	assert.Empty(t, res.WebResults)
}

func TestRun_DualRetrievalForcesWeb(t *testing.T) {
	idx := &stubIndex{primaryRefs: kbRefs(1)}
	web := &stubWeb{resp: &websearch.Response{
		Results: []models.Reference{{ID: "web-1", Content: "x", Hydrated: true}},
	}}
	d := NewDispatcher(idx, web, testConfig(t), nil)

	res := d.Run(context.Background(), Request{
		Plan:          vectorPlan("q"),
		Profile:       models.RoutingProfile{RetrieverStrategy: models.StrategyVector},
		DualRetrieval: true,
	}, nil)

	assert.Len(t, res.WebResults, 1)
}

func TestRun_LazyModeUsesSummaries(t *testing.T) {
	idx := &stubIndex{primaryRefs: kbRefs(2)}
	d := NewDispatcher(idx, nil, testConfig(t), nil)

	res := d.Run(context.Background(), Request{
		Plan:    vectorPlan("q"),
		Profile: models.RoutingProfile{RetrieverStrategy: models.StrategyVector},
		Lazy:    true,
	}, nil)

	assert.Equal(t, models.RetrievalLazy, res.Mode)
	assert.Positive(t, res.SummaryTokens)
	for _, r := range res.References {
		assert.True(t, r.IsSummaryOnly())
		assert.Equal(t, r.Summary, r.Content)
	}
}

func TestHydrate_IdempotentPerReference(t *testing.T) {
	idx := &stubIndex{primaryRefs: kbRefs(2)}
	d := NewDispatcher(idx, nil, testConfig(t), nil)

	res := d.Run(context.Background(), Request{
		Plan:    vectorPlan("q"),
		Profile: models.RoutingProfile{RetrieverStrategy: models.StrategyVector},
		Lazy:    true,
	}, nil)

	refs, activity := d.Hydrate(context.Background(), res.References, nil)
	assert.Equal(t, 2, idx.fetchCalls)
	assert.NotEmpty(t, activity)
	for _, r := range refs {
		assert.True(t, r.Hydrated)
		assert.Contains(t, r.Content, "full body")
	}

	// A second pass must not refetch.
	refs, activity = d.Hydrate(context.Background(), refs, nil)
	assert.Equal(t, 2, idx.fetchCalls)
	assert.Empty(t, activity)
	assert.True(t, refs[0].Hydrated)
}

func TestHydrate_SelectorLimitsScope(t *testing.T) {
	idx := &stubIndex{primaryRefs: kbRefs(3)}
	d := NewDispatcher(idx, nil, testConfig(t), nil)

	res := d.Run(context.Background(), Request{
		Plan:    vectorPlan("q"),
		Profile: models.RoutingProfile{RetrieverStrategy: models.StrategyVector},
		Lazy:    true,
	}, nil)

	refs, _ := d.Hydrate(context.Background(), res.References, func(r models.Reference) bool {
		return r.ID == "doc-2"
	})
	assert.Equal(t, 1, idx.fetchCalls)
	assert.False(t, refs[0].Hydrated)
	assert.True(t, refs[1].Hydrated)
}

func TestHydrate_FetchFailureKeepsSummary(t *testing.T) {
	idx := &stubIndex{primaryRefs: kbRefs(1), fetchErr: errors.New("row gone")}
	d := NewDispatcher(idx, nil, testConfig(t), nil)

	res := d.Run(context.Background(), Request{
		Plan:    vectorPlan("q"),
		Profile: models.RoutingProfile{RetrieverStrategy: models.StrategyVector},
		Lazy:    true,
	}, nil)

	refs, activity := d.Hydrate(context.Background(), res.References, nil)
	assert.False(t, refs[0].Hydrated)
	assert.Equal(t, "summary 1", refs[0].Content)
	assert.NotEmpty(t, activity)
}
