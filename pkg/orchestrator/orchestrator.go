// Package orchestrator runs the chat session state machine: route,
// compact, plan, dispatch, synthesize, critique, finalize. Each session
// is a linear pipeline owning all of its mutable state; sessions share
// only read-only config and the collaborator clients.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/henryperkins/veritas/pkg/compact"
	"github.com/henryperkins/veritas/pkg/config"
	"github.com/henryperkins/veritas/pkg/critic"
	"github.com/henryperkins/veritas/pkg/events"
	"github.com/henryperkins/veritas/pkg/llm"
	"github.com/henryperkins/veritas/pkg/models"
	"github.com/henryperkins/veritas/pkg/planner"
	"github.com/henryperkins/veritas/pkg/retrieval"
	"github.com/henryperkins/veritas/pkg/synthesis"
	"github.com/henryperkins/veritas/pkg/tokens"
)

// Router classifies the question.
type Router interface {
	Classify(ctx context.Context, messages []models.Message, routingEnabled bool) models.RouteDecision
}

// Compactor bounds the conversation context.
type Compactor interface {
	Compact(ctx context.Context, messages []models.Message, priorSummaries []models.SummaryItem, priorSalience []models.SalienceNote) (*models.CompactedContext, error)
}

// Planner produces retrieval plans.
type Planner interface {
	Plan(ctx context.Context, question string, compacted *models.CompactedContext, profile models.RoutingProfile) models.Plan
}

// Dispatcher executes retrieval and hydration.
type Dispatcher interface {
	Run(ctx context.Context, req retrieval.Request, emitter events.Emitter) *retrieval.Result
	Hydrate(ctx context.Context, refs []models.Reference, selector func(models.Reference) bool) ([]models.Reference, []models.ActivityStep)
}

// Synthesizer generates answers.
type Synthesizer interface {
	Generate(ctx context.Context, req synthesis.Request) (*synthesis.Result, error)
	GenerateStream(ctx context.Context, req synthesis.Request, emitter events.Emitter) (*synthesis.Result, error)
}

// Critic evaluates drafts.
type Critic interface {
	Evaluate(ctx context.Context, draft, question string, evidence []models.Reference, finalAttempt bool) models.CriticReport
}

// TraceStore persists session traces and per-session overrides.
type TraceStore interface {
	SaveTrace(ctx context.Context, trace *models.SessionTrace) error
	SaveFeatureOverrides(ctx context.Context, sessionID string, overrides *config.FeatureOverrides) error
	GetFeatureOverrides(ctx context.Context, sessionID string) (*config.FeatureOverrides, error)
}

// Memory recalls and records cross-session semantic memory.
type Memory interface {
	Recall(ctx context.Context, question, sessionID string, k int, sMin float64) ([]models.SummaryItem, error)
	SaveSummaries(ctx context.Context, sessionID string, items []models.SummaryItem) error
	AddSuccessfulPattern(ctx context.Context, question, answer string, citations []models.Reference) error
}

// Input is one session request.
type Input struct {
	SessionID string
	Messages  []models.Message
	Mode      models.SessionMode
	Overrides *config.FeatureOverrides
}

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	cfg         *config.Config
	router      Router
	compactor   Compactor
	planner     Planner
	dispatcher  Dispatcher
	synthesizer Synthesizer
	critic      Critic
	traces      TraceStore
	memory      Memory // nil when semantic memory is unavailable
	embedder    llm.Embedder
	registry    *Registry
	logger      *slog.Logger
}

// New creates an orchestrator. traces and memory may be nil; persistence
// is best-effort throughout.
func New(cfg *config.Config, r Router, c Compactor, p Planner, d Dispatcher, s Synthesizer, cr Critic, traces TraceStore, memory Memory, embedder llm.Embedder, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:         cfg,
		router:      r,
		compactor:   c,
		planner:     p,
		dispatcher:  d,
		synthesizer: s,
		critic:      cr,
		traces:      traces,
		memory:      memory,
		embedder:    embedder,
		registry:    NewRegistry(),
		logger:      logger,
	}
}

// Registry exposes the live-session registry for cancellation.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Run executes one session to completion. The returned response is nil
// on fatal failure; the trace is always returned and persisted
// best-effort. Events are emitted in stage completion order.
func (o *Orchestrator) Run(ctx context.Context, input Input, emitter events.Emitter) (*models.ChatResponse, *models.SessionTrace, error) {
	sessionID := input.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()
	o.registry.Add(sessionID, cancel)
	defer o.registry.Remove(sessionID)

	trace := &models.SessionTrace{
		SessionID: sessionID,
		Mode:      input.Mode,
		StartedAt: time.Now(),
		Question:  models.LastUserMessage(input.Messages),
	}
	logger := o.logger.With("session_id", sessionID)

	answer, err := o.runPipeline(ctx, input, sessionID, trace, emitter, logger)
	trace.CompletedAt = time.Now()

	if err != nil {
		trace.Status = statusForError(err)
		trace.Error = err.Error()
		logger.Error("session failed", "status", trace.Status, "error", err)
		o.persist(trace, logger)
		emitter.Emit(events.Event{Name: events.EventError, Payload: events.ErrorPayload{
			Message: err.Error(),
			Code:    string(trace.Status),
		}})
		emitter.Emit(events.Event{Name: events.EventDone, Payload: events.DonePayload{Status: "error"}})
		return nil, trace, err
	}

	trace.Status = models.StatusCompleted
	trace.Answer = answer

	resp := &models.ChatResponse{
		SessionID: sessionID,
		Answer:    answer,
		Citations: trace.Citations,
		Activity:  trace.Activity,
		Metadata: models.ChatMetadata{
			Plan:            trace.Plan,
			Route:           trace.Route,
			ContextBudget:   trace.ContextBudget,
			CritiqueHistory: trace.CritiqueHistory,
			Retrieval:       trace.Retrieval,
		},
	}

	emitter.Emit(events.Event{Name: events.EventComplete, Payload: events.CompletePayload{
		Answer:    answer,
		Citations: trace.Citations,
	}})
	emitter.Emit(events.Event{Name: events.EventTelemetry, Payload: telemetrySummary(trace)})
	o.persist(trace, logger)
	o.persistOverrides(sessionID, input.Overrides, logger)
	o.recordMemory(input, trace, logger)
	emitter.Emit(events.Event{Name: events.EventTrace, Payload: trace})
	emitter.Emit(events.Event{Name: events.EventDone, Payload: events.DonePayload{Status: "complete"}})

	logger.Info("session completed",
		"intent", intentOf(trace),
		"citations", len(trace.Citations),
		"critique_passes", len(trace.CritiqueHistory),
		"duration", trace.CompletedAt.Sub(trace.StartedAt))
	return resp, trace, nil
}

// runPipeline walks the stage sequence and returns the final answer.
func (o *Orchestrator) runPipeline(ctx context.Context, input Input, sessionID string, trace *models.SessionTrace, emitter events.Emitter, logger *slog.Logger) (string, error) {
	question := trace.Question
	if question == "" {
		return "", fmt.Errorf("request has no user message")
	}

	features := o.resolveFeatures(ctx, sessionID, input.Overrides)

	// Route.
	status(emitter, "routing")
	route := o.router.Classify(ctx, input.Messages, features.IntentRouting)
	trace.Route = &route
	emitter.Emit(events.Event{Name: events.EventRoute, Payload: events.RoutePayload{
		Intent:     route.Intent,
		Confidence: route.Confidence,
		Reasoning:  route.Reasoning,
		Fallback:   route.Fallback,
		Profile:    route.Profile,
	}})
	if err := ctx.Err(); err != nil {
		return "", err
	}

	// Compact.
	status(emitter, "compacting")
	priorSummaries := o.recallMemory(ctx, question, sessionID, features, trace, logger)
	compacted, err := o.compactor.Compact(ctx, input.Messages, priorSummaries, nil)
	if err != nil {
		return "", fmt.Errorf("context compaction failed: %w", err)
	}
	o.selectSummaries(ctx, question, compacted, features, logger)
	if features.SemanticMemory && o.memory != nil && len(compacted.Summaries) > 0 {
		if err := o.memory.SaveSummaries(ctx, sessionID, compacted.Summaries); err != nil {
			logger.Warn("saving summaries to memory failed", "error", err)
		}
	}
	trace.ContextBudget = &compacted.Budget
	emitter.Emit(events.Event{Name: events.EventContext, Payload: events.ContextPayload{
		History:  compacted.HistoryText,
		Summary:  compacted.SummaryText,
		Salience: compacted.SalienceText,
		Budget:   compacted.Budget,
	}})
	if err := ctx.Err(); err != nil {
		return "", err
	}

	// Plan.
	status(emitter, "planning")
	plan := o.planner.Plan(ctx, question, compacted, route.Profile)
	trace.Plan = &plan
	if plan.Fallback {
		addActivity(trace, emitter, models.ActivityParseFallback, "planner fell back to a heuristic single-step plan")
	}
	emitter.Emit(events.Event{Name: events.EventPlan, Payload: events.PlanPayload{
		Confidence: plan.Confidence,
		Steps:      plan.Steps,
		Fallback:   plan.Fallback,
	}})

	profile, escalation, reason := planner.Escalate(plan, route.Profile, question, o.cfg)
	if escalation != "" {
		addActivity(trace, emitter, escalation, reason)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	// Dispatch.
	status(emitter, "retrieving")
	dispatch := o.dispatcher.Run(ctx, retrieval.Request{
		Plan:          plan,
		Profile:       profile,
		Question:      question,
		DualRetrieval: planner.NeedsDualRetrieval(plan, o.cfg),
		Lazy:          features.LazyRetrieval,
	}, emitter)
	trace.Retrieval = &dispatch.Diagnostics
	trace.ContextBudget.WebTokens = webTokens(dispatch)
	for _, a := range dispatch.Activity {
		appendActivity(trace, emitter, a)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	// Citation numbering is fixed here for the rest of the session.
	citations := dispatch.Citations()
	contextText := dispatch.Context()
	emitter.Emit(events.Event{Name: events.EventCitations, Payload: events.CitationsPayload{Citations: citations}})

	// Synthesize and critique.
	answer, err := o.critiqueLoop(ctx, input.Mode, question, contextText, citations, profile, features, trace, emitter)
	if err != nil {
		return "", err
	}

	status(emitter, "finalizing")
	if invalid := critic.ValidateCitations(answer, trace.Citations); len(invalid) > 0 {
		answer = critic.StripInvalidCitations(answer, trace.Citations)
		addActivity(trace, emitter, models.ActivityCitationWarning,
			fmt.Sprintf("stripped out-of-range citation markers: %v", invalid))
		if n := len(trace.CritiqueHistory); n > 0 {
			trace.CritiqueHistory[n-1].Issues = append(trace.CritiqueHistory[n-1].Issues,
				fmt.Sprintf("citation missing for markers %v", invalid))
		}
	}
	return answer, nil
}

// critiqueLoop runs synthesis passes under critic review. Invariants:
// at most CriticMaxRetries+1 synthesis calls, attempts strictly
// increasing from 0, exit only on accept or the retry ceiling (marked
// forced), revision prompts carry the prior critic's issues, and
// citation numbering never changes across revisions.
func (o *Orchestrator) critiqueLoop(ctx context.Context, mode models.SessionMode, question, contextText string, citations []models.Reference, profile models.RoutingProfile, features config.Features, trace *models.SessionTrace, emitter events.Emitter) (string, error) {
	refs := citations
	hydrations := 0

	status(emitter, "synthesizing")
	draft, err := o.synthesize(ctx, mode, synthesis.Request{
		Question:  question,
		Context:   contextText,
		Citations: refs,
		Model:     profile.Model,
		MaxTokens: profile.MaxOutputTokens,
	}, emitter)
	if err != nil {
		return "", fmt.Errorf("synthesis failed: %w", err)
	}

	for attempt := 0; ; attempt++ {
		final := attempt == o.cfg.CriticMaxRetries

		status(emitter, "critiquing")
		report := o.critic.Evaluate(ctx, draft, question, critic.CitedBodies(draft, refs), final)
		if final && report.Action != models.CriticAccept {
			report.Action = models.CriticAccept
			report.Forced = true
		}

		record := models.CritiqueAttempt{
			Attempt:         attempt,
			Coverage:        report.Coverage,
			Grounded:        report.Grounded,
			Action:          report.Action,
			Issues:          report.Issues,
			UsedFullContent: hydrations > 0,
			Forced:          report.Forced,
		}
		trace.CritiqueHistory = append(trace.CritiqueHistory, record)
		emitter.Emit(events.Event{Name: events.EventCritique, Payload: record})

		if report.Action == models.CriticAccept {
			trace.Citations = refs
			return draft, nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		// Revise: hydrate cited summary-only references once, then
		// synthesize again with the critic's directives.
		if features.LazyRetrieval && anyCitedSummaryOnly(draft, refs) {
			var activity []models.ActivityStep
			refs, activity = o.dispatcher.Hydrate(ctx, refs, citedSelector(draft, refs))
			for _, a := range activity {
				appendActivity(trace, emitter, a)
			}
			if hydrated := countHydrated(refs); hydrated > 0 {
				hydrations++
				contextText = hydratedContext(refs)
			}
		}

		status(emitter, "synthesizing")
		draft, err = o.synthesize(ctx, mode, synthesis.Request{
			Question:      question,
			Context:       contextText,
			Citations:     refs,
			RevisionNotes: report.Issues,
			Model:         profile.Model,
			MaxTokens:     profile.MaxOutputTokens,
		}, emitter)
		if err != nil {
			return "", fmt.Errorf("revision synthesis failed: %w", err)
		}
	}
}

func (o *Orchestrator) synthesize(ctx context.Context, mode models.SessionMode, req synthesis.Request, emitter events.Emitter) (string, error) {
	if mode == models.ModeStream {
		res, err := o.synthesizer.GenerateStream(ctx, req, emitter)
		if err != nil {
			return "", err
		}
		return res.Answer, nil
	}
	res, err := o.synthesizer.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	return res.Answer, nil
}

// resolveFeatures layers persisted session overrides under the request
// overrides and persists any new request overrides for the session.
func (o *Orchestrator) resolveFeatures(ctx context.Context, sessionID string, requestOverrides *config.FeatureOverrides) config.Features {
	var sessionOverrides *config.FeatureOverrides
	if o.traces != nil {
		var err error
		sessionOverrides, err = o.traces.GetFeatureOverrides(ctx, sessionID)
		if err != nil {
			o.logger.Warn("loading session feature overrides failed", "session_id", sessionID, "error", err)
		}
	}
	return o.cfg.Features.Resolve(sessionOverrides, requestOverrides)
}

// recallMemory loads prior-session summaries relevant to the question.
// Failures are non-fatal.
func (o *Orchestrator) recallMemory(ctx context.Context, question, sessionID string, features config.Features, trace *models.SessionTrace, logger *slog.Logger) []models.SummaryItem {
	if !features.SemanticMemory || o.memory == nil {
		return nil
	}
	items, err := o.memory.Recall(ctx, question, sessionID, o.cfg.ContextMaxSummaryItems, o.cfg.SummarySimilarityFloor)
	if err != nil {
		logger.Warn("memory recall failed, continuing without", "error", err)
		return nil
	}
	if len(items) > 0 {
		trace.Activity = append(trace.Activity, models.ActivityStep{
			Type:        models.ActivityMemoryRecall,
			Description: fmt.Sprintf("recalled %d memory items", len(items)),
			Timestamp:   time.Now(),
		})
	}
	return items
}

// selectSummaries narrows the compacted summary set to the items most
// relevant to the question when semantic selection is enabled, and
// rebuilds the budgeted summary section from the selection.
func (o *Orchestrator) selectSummaries(ctx context.Context, question string, compacted *models.CompactedContext, features config.Features, logger *slog.Logger) {
	if !features.SemanticSummary || o.embedder == nil || len(compacted.Summaries) == 0 {
		return
	}
	selected, stats := compact.SelectSummaries(ctx, o.embedder, question,
		compacted.Summaries, o.cfg.ContextMaxSummaryItems, o.cfg.SummarySimilarityFloor, logger)
	logger.Debug("summary selection",
		"mode", stats.Mode,
		"selected", stats.SelectedCount,
		"discarded", stats.DiscardedCount,
		"fallback", stats.UsedFallback)

	compacted.Summaries = selected
	compacted.SummaryText = compact.SummaryText(selected, o.cfg.ContextSummaryTokenCap, "")
	compacted.Budget.SummaryTokens = tokens.EstimateTokens(compacted.SummaryText, "")
}

func (o *Orchestrator) persist(trace *models.SessionTrace, logger *slog.Logger) {
	if o.traces == nil {
		return
	}
	// Session context may already be done; persistence gets its own budget.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.traces.SaveTrace(ctx, trace); err != nil {
		logger.Warn("trace persistence failed", "error", err)
	}
}

// persistOverrides stores the request's feature overrides on the
// session row so follow-up turns inherit them.
func (o *Orchestrator) persistOverrides(sessionID string, overrides *config.FeatureOverrides, logger *slog.Logger) {
	if o.traces == nil || overrides == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.traces.SaveFeatureOverrides(ctx, sessionID, overrides); err != nil {
		logger.Warn("persisting feature overrides failed", "error", err)
	}
}

// recordMemory stores the session's summaries and the accepted answer
// pattern, best-effort.
func (o *Orchestrator) recordMemory(input Input, trace *models.SessionTrace, logger *slog.Logger) {
	if o.memory == nil || trace.Status != models.StatusCompleted {
		return
	}
	features := o.cfg.Features.Resolve(input.Overrides)
	if !features.SemanticMemory {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.memory.AddSuccessfulPattern(ctx, trace.Question, trace.Answer, trace.Citations); err != nil {
		logger.Warn("recording answer pattern failed", "error", err)
	}
}

func status(emitter events.Emitter, stage string) {
	emitter.Emit(events.Event{Name: events.EventStatus, Payload: events.StatusPayload{Stage: stage}})
}

func addActivity(trace *models.SessionTrace, emitter events.Emitter, t models.ActivityType, desc string) {
	appendActivity(trace, emitter, models.ActivityStep{Type: t, Description: desc, Timestamp: time.Now()})
}

func appendActivity(trace *models.SessionTrace, emitter events.Emitter, step models.ActivityStep) {
	trace.Activity = append(trace.Activity, step)
	emitter.Emit(events.Event{Name: events.EventActivity, Payload: step})
}

func statusForError(err error) models.SessionStatus {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.StatusTimedOut
	case errors.Is(err, context.Canceled):
		return models.StatusCancelled
	default:
		return models.StatusFailed
	}
}

func anyCitedSummaryOnly(draft string, refs []models.Reference) bool {
	for _, r := range critic.CitedBodies(draft, refs) {
		if r.IsSummaryOnly() {
			return true
		}
	}
	return false
}

// citedSelector limits hydration to the references the draft cites.
// When the draft cites nothing, every summary-only reference hydrates.
func citedSelector(draft string, refs []models.Reference) func(models.Reference) bool {
	idxs := critic.CitedIndexes(draft, refs)
	if len(idxs) == 0 {
		return nil
	}
	wanted := make(map[string]bool, len(idxs))
	for _, k := range idxs {
		wanted[refs[k-1].ID] = true
	}
	return func(r models.Reference) bool { return wanted[r.ID] }
}

func countHydrated(refs []models.Reference) int {
	n := 0
	for _, r := range refs {
		if r.Hydrated {
			n++
		}
	}
	return n
}

// hydratedContext rebuilds the synthesis context from the references in
// citation order, so hydrated bodies flow into revisions without
// renumbering anything.
func hydratedContext(refs []models.Reference) string {
	var out string
	for i, r := range refs {
		if i > 0 {
			out += "\n\n"
		}
		out += fmt.Sprintf("[%d] %s\n%s", i+1, r.Title, r.Content)
	}
	return out
}

func webTokens(res *retrieval.Result) int {
	return tokens.EstimateTokens(res.WebContextText, "")
}

func intentOf(trace *models.SessionTrace) models.Intent {
	if trace.Route == nil {
		return ""
	}
	return trace.Route.Intent
}

func telemetrySummary(trace *models.SessionTrace) events.TelemetryPayload {
	p := events.TelemetryPayload{
		SessionID:      trace.SessionID,
		Status:         trace.Status,
		Intent:         intentOf(trace),
		CritiquePasses: len(trace.CritiqueHistory),
		CitationCount:  len(trace.Citations),
		ActivityCount:  len(trace.Activity),
		DurationMillis: trace.CompletedAt.Sub(trace.StartedAt).Milliseconds(),
	}
	if trace.Route != nil {
		p.FallbackRouting = trace.Route.Fallback
	}
	if trace.Retrieval != nil {
		p.RetrievalTier = trace.Retrieval.Tier
		p.WebUnavailable = trace.Retrieval.WebUnavailable
	}
	for _, c := range trace.CritiqueHistory {
		if c.Forced {
			p.ForcedAccept = true
		}
	}
	return p
}
