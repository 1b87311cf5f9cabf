package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/henryperkins/veritas/pkg/config"
	"github.com/henryperkins/veritas/pkg/events"
	"github.com/henryperkins/veritas/pkg/models"
	"github.com/henryperkins/veritas/pkg/tokens"
	"github.com/henryperkins/veritas/pkg/websearch"
)

// Tier labels recorded in retrieval diagnostics.
const (
	TierPrimary = "primary_hybrid"
	TierRelaxed = "relaxed_hybrid"
	TierVector  = "pure_vector"
	TierNone    = "none"
)

// Request is one dispatch invocation, derived from the plan and the
// (possibly escalated) routing profile.
type Request struct {
	Plan    models.Plan
	Profile models.RoutingProfile

	// Question backs the web query when the plan's first step carries
	// none (an answer-only plan under a web-capable profile).
	Question string

	// DualRetrieval forces web search alongside a vector_search first
	// step (low plan confidence).
	DualRetrieval bool

	// Lazy returns summary-only references with hydrate keys instead of
	// full bodies.
	Lazy bool
}

// Result is everything one dispatch produced.
type Result struct {
	References     []models.Reference
	ContextText    string
	WebContextText string
	WebResults     []models.Reference
	Activity       []models.ActivityStep
	Diagnostics    models.RetrievalDiagnostics
	Mode           models.RetrievalMode
	SummaryTokens  int
}

// Citations returns the combined reference list in citation order:
// knowledge-base references first, then web results by provider rank.
// Inline [k] markers in answers index into this slice 1-based.
func (r *Result) Citations() []models.Reference {
	out := make([]models.Reference, 0, len(r.References)+len(r.WebResults))
	out = append(out, r.References...)
	out = append(out, r.WebResults...)
	return out
}

// Context joins the retrieval and web context blocks with a blank line,
// omitting empty segments.
func (r *Result) Context() string {
	switch {
	case r.ContextText == "":
		return r.WebContextText
	case r.WebContextText == "":
		return r.ContextText
	default:
		return r.ContextText + "\n\n" + r.WebContextText
	}
}

// Dispatcher executes retrieval plans over the index and the web
// collaborator. Every tier and the web call are fail-isolated: errors
// are recorded as activity and the dispatch continues.
type Dispatcher struct {
	index  Index
	web    websearch.Searcher // nil when web search is unconfigured
	cfg    *config.Config
	logger *slog.Logger

	// hydrateMu serializes hydration so no reference is fetched twice.
	hydrateMu sync.Mutex
}

// NewDispatcher creates a dispatcher. web may be nil.
func NewDispatcher(index Index, web websearch.Searcher, cfg *config.Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{index: index, web: web, cfg: cfg, logger: logger}
}

// Run executes the plan's first retrieval step. The hybrid tiers and web
// search of a dual dispatch run concurrently; everything else is
// sequential. Emits one tool event per collaborator invocation.
func (d *Dispatcher) Run(ctx context.Context, req Request, emitter events.Emitter) *Result {
	res := &Result{Mode: models.RetrievalDirect}
	if req.Lazy {
		res.Mode = models.RetrievalLazy
	}

	action := req.Plan.FirstAction()
	query := ""
	topK := d.cfg.RAGTopK
	if len(req.Plan.Steps) > 0 {
		query = req.Plan.Steps[0].Query
		if req.Plan.Steps[0].K > 0 {
			topK = req.Plan.Steps[0].K
		}
	}

	wantKB := action == models.ActionVectorSearch || action == models.ActionBoth
	wantWeb := action == models.ActionWebSearch || action == models.ActionBoth ||
		req.DualRetrieval || req.Profile.RetrieverStrategy.IncludesWeb()

	// An answer-only plan has no step query; search the web for the
	// question itself rather than an empty string.
	webQuery := query
	if webQuery == "" {
		webQuery = req.Question
	}
	if webQuery == "" {
		wantWeb = false
	}

	if !wantKB && wantWeb {
		res.Mode = models.RetrievalWebOnly
	}

	var wg sync.WaitGroup
	var webResp *websearch.Response
	var webErr error

	if wantWeb {
		wg.Add(1)
		go func() {
			defer wg.Done()
			webResp, webErr = d.searchWeb(ctx, webQuery, emitter)
		}()
	}
	if wantKB {
		d.runTiers(ctx, query, topK, res, emitter)
	}
	wg.Wait()

	if wantWeb {
		d.mergeWeb(res, webResp, webErr)
	}

	if req.Lazy {
		d.applyLazy(res)
	}

	res.Diagnostics.Documents = len(res.References)
	res.Diagnostics.WebResults = len(res.WebResults)
	if !wantKB {
		res.Diagnostics.Tier = TierNone
	}
	// Only a total collapse (no references and no web results) counts
	// as a failed dispatch; web evidence alone still grounds an answer.
	res.Diagnostics.Succeeded = len(res.References) > 0 || len(res.WebResults) > 0
	return res
}

// runTiers walks the fallback ladder until one tier yields enough
// references.
func (d *Dispatcher) runTiers(ctx context.Context, query string, topK int, res *Result, emitter events.Emitter) {
	tiers := []struct {
		name string
		run  func(context.Context) ([]models.Reference, error)
	}{
		{TierPrimary, func(ctx context.Context) ([]models.Reference, error) {
			return d.index.HybridSearch(ctx, SearchRequest{Query: query, TopK: topK, RerankerThreshold: d.cfg.RerankerThreshold})
		}},
		{TierRelaxed, func(ctx context.Context) ([]models.Reference, error) {
			return d.index.HybridSearch(ctx, SearchRequest{Query: query, TopK: topK, RerankerThreshold: d.cfg.FallbackRerankerThreshold})
		}},
		{TierVector, func(ctx context.Context) ([]models.Reference, error) {
			return d.index.VectorSearch(ctx, query, topK)
		}},
	}

	for i, tier := range tiers {
		refs, err := tier.run(ctx)
		emitTool(emitter, tier.name, query, len(refs), err)

		if err != nil {
			d.logger.Warn("retrieval tier failed", "tier", tier.name, "error", err)
			res.Activity = append(res.Activity, step(models.ActivityRetrievalFallback,
				fmt.Sprintf("%s failed: %v", tier.name, err)))
			res.Diagnostics.FallbackReason = fmt.Sprintf("%s: %v", tier.name, err)
			continue
		}
		if len(refs) < d.cfg.RetrievalMinDocs {
			if i < len(tiers)-1 {
				res.Activity = append(res.Activity, step(models.ActivityRetrievalFallback,
					fmt.Sprintf("%s returned %d of %d required documents", tier.name, len(refs), d.cfg.RetrievalMinDocs)))
			}
			res.Diagnostics.FallbackReason = fmt.Sprintf("%s: insufficient documents", tier.name)
			continue
		}

		res.References = refs
		res.Diagnostics.Succeeded = true
		res.Diagnostics.Tier = tier.name
		res.Diagnostics.FallbackReason = ""
		res.Activity = append(res.Activity, step(models.ActivityRetrieval,
			fmt.Sprintf("%s returned %d documents", tier.name, len(refs))))
		res.ContextText = renderReferences(refs)
		return
	}

	res.Diagnostics.Succeeded = false
	res.Diagnostics.Tier = TierNone
}

func (d *Dispatcher) searchWeb(ctx context.Context, query string, emitter events.Emitter) (*websearch.Response, error) {
	if d.web == nil {
		return nil, fmt.Errorf("web search is not configured")
	}
	resp, err := d.web.Search(ctx, websearch.Request{
		Query: query,
		Count: d.cfg.WebResultsMax,
		Mode:  websearch.Mode(d.cfg.WebSearchMode),
	})
	count := 0
	if resp != nil {
		count = len(resp.Results)
	}
	emitTool(emitter, "web_search", query, count, err)
	return resp, err
}

// mergeWeb folds the web outcome into the result. Web failure is
// non-fatal: it sets the unavailable flag and records activity.
func (d *Dispatcher) mergeWeb(res *Result, resp *websearch.Response, err error) {
	if err != nil {
		d.logger.Warn("web search unavailable, continuing without", "error", err)
		res.Diagnostics.WebUnavailable = true
		res.Activity = append(res.Activity, step(models.ActivityWebUnavailable,
			fmt.Sprintf("web search unavailable: %v", err)))
		return
	}
	res.WebResults = resp.Results
	res.WebContextText = resp.ContextText
	res.Diagnostics.WebTrimmed = resp.Trimmed
	res.Activity = append(res.Activity, step(models.ActivityWebSearch,
		fmt.Sprintf("web search returned %d results (%d tokens, trimmed=%t)",
			len(resp.Results), resp.Tokens, resp.Trimmed)))
}

// applyLazy swaps knowledge-base reference bodies for their summaries
// and rebuilds the context block from those summaries.
func (d *Dispatcher) applyLazy(res *Result) {
	if len(res.References) == 0 {
		return
	}
	for i := range res.References {
		res.References[i].Content = res.References[i].Summary
		res.References[i].Hydrated = false
	}
	res.ContextText = renderReferences(res.References)
	res.SummaryTokens = tokens.EstimateTokens(res.ContextText, "")
}

// Hydrate replaces summary bodies with full bodies for the references
// the selector accepts. Hydration is serialized and happens at most once
// per reference: already-hydrated references are skipped. Fetch failures
// leave the summary body in place.
func (d *Dispatcher) Hydrate(ctx context.Context, refs []models.Reference, selector func(models.Reference) bool) ([]models.Reference, []models.ActivityStep) {
	d.hydrateMu.Lock()
	defer d.hydrateMu.Unlock()

	var activity []models.ActivityStep
	hydrated := 0
	for i := range refs {
		if !refs[i].IsSummaryOnly() || (selector != nil && !selector(refs[i])) {
			continue
		}
		content, err := d.index.Fetch(ctx, refs[i].HydrateKey)
		if err != nil {
			d.logger.Warn("hydration failed, keeping summary body",
				"reference", refs[i].ID, "error", err)
			activity = append(activity, step(models.ActivityHydration,
				fmt.Sprintf("hydration of %s failed: %v", refs[i].ID, err)))
			continue
		}
		refs[i].Content = content
		refs[i].Hydrated = true
		hydrated++
	}
	if hydrated > 0 {
		activity = append(activity, step(models.ActivityHydration,
			fmt.Sprintf("hydrated %d references", hydrated)))
	}
	return refs, activity
}

func emitTool(emitter events.Emitter, name, query string, results int, err error) {
	if emitter == nil {
		return
	}
	summary := fmt.Sprintf("%d results", results)
	if err != nil {
		summary = "error: " + err.Error()
	}
	emitter.Emit(events.Event{Name: events.EventTool, Payload: events.ToolPayload{
		Name:          name,
		Args:          map[string]any{"query": query},
		ResultSummary: summary,
	}})
}

func renderReferences(refs []models.Reference) string {
	var b strings.Builder
	for i, r := range refs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s\n%s", i+1, r.Title, r.Content)
	}
	return b.String()
}

func step(t models.ActivityType, desc string) models.ActivityStep {
	return models.ActivityStep{Type: t, Description: desc, Timestamp: time.Now()}
}
