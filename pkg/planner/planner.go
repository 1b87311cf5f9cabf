// Package planner turns a question plus compacted context into a
// validated retrieval plan, with a heuristic fallback when the planning
// model misbehaves.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/henryperkins/veritas/pkg/config"
	"github.com/henryperkins/veritas/pkg/llm"
	"github.com/henryperkins/veritas/pkg/models"
)

// fallbackConfidence marks plans built without the model's judgment.
const fallbackConfidence = 0.4

const planPrompt = `You plan evidence gathering for a question-answering system.
Given the question and conversation context, produce retrieval steps.

Allowed actions: "vector_search" (knowledge base), "web_search" (live web),
"both" (run knowledge base and web concurrently), "answer" (no more evidence
needed; allowed only as the final step).

Reply with a JSON object:
{"confidence": 0.0-1.0, "steps": [{"action": "...", "query": "...", "k": 5}]}
Every non-answer step needs a non-empty query. Use one step unless the
question genuinely has independent sub-questions.`

// Planner produces retrieval plans.
type Planner struct {
	completer llm.Completer
	cfg       *config.Config
	model     string
	logger    *slog.Logger
}

// New creates a planner that plans with the given model.
func New(completer llm.Completer, cfg *config.Config, model string, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{completer: completer, cfg: cfg, model: model, logger: logger}
}

// Plan asks the model for retrieval steps and validates them. Any model
// or validation failure yields the single-step heuristic plan derived
// from the routing profile, marked Fallback.
func (p *Planner) Plan(ctx context.Context, question string, compacted *models.CompactedContext, profile models.RoutingProfile) models.Plan {
	resp, err := p.completer.Complete(ctx, llm.CompleteRequest{
		Model:     p.model,
		System:    planPrompt,
		Messages:  []models.Message{{Role: models.RoleUser, Content: planInput(question, compacted)}},
		MaxTokens: 400,
	})
	if err != nil {
		p.logger.Warn("planning call failed, using heuristic plan", "error", err)
		return p.heuristic(question, profile)
	}

	parsed, err := llm.DecodeJSON[models.Plan](resp.Text)
	if err != nil {
		p.logger.Warn("plan output unparseable, using heuristic plan", "error", err)
		return p.heuristic(question, profile)
	}

	if err := validate(parsed); err != nil {
		p.logger.Warn("plan failed validation, using heuristic plan", "error", err)
		return p.heuristic(question, profile)
	}

	for i := range parsed.Steps {
		if parsed.Steps[i].K <= 0 {
			parsed.Steps[i].K = p.cfg.RAGTopK
		}
	}
	return parsed
}

// heuristic is the single-step plan used when planning fails: one
// retrieval matching the profile's strategy, querying the question as-is.
func (p *Planner) heuristic(question string, profile models.RoutingProfile) models.Plan {
	action := models.ActionVectorSearch
	switch profile.RetrieverStrategy {
	case models.StrategyHybridWeb:
		action = models.ActionBoth
	case models.StrategyHybrid:
		action = models.ActionVectorSearch
	}
	return models.Plan{
		Confidence: fallbackConfidence,
		Steps:      []models.PlanStep{{Action: action, Query: question, K: p.cfg.RAGTopK}},
		Fallback:   true,
	}
}

// validate enforces the plan shape: non-empty steps, confidence in
// [0,1], "answer" only as the last step, non-answer steps carry a query.
func validate(plan models.Plan) error {
	if len(plan.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	if plan.Confidence < 0 || plan.Confidence > 1 {
		return fmt.Errorf("plan confidence %v out of range", plan.Confidence)
	}
	for i, step := range plan.Steps {
		switch step.Action {
		case models.ActionVectorSearch, models.ActionWebSearch, models.ActionBoth:
			if strings.TrimSpace(step.Query) == "" {
				return fmt.Errorf("step %d (%s) has an empty query", i, step.Action)
			}
		case models.ActionAnswer:
			if i != len(plan.Steps)-1 {
				return fmt.Errorf("answer step at position %d is not last", i)
			}
		default:
			return fmt.Errorf("step %d has unknown action %q", i, step.Action)
		}
	}
	return nil
}

// Escalate applies the pre-dispatch upgrade rules, once:
//   - low plan confidence upgrades a vector-only profile to hybrid+web
//   - a freshness-sensitive question upgrades any profile to include web
//
// The returned activity type is empty when no upgrade happened.
func Escalate(plan models.Plan, profile models.RoutingProfile, question string, cfg *config.Config) (models.RoutingProfile, models.ActivityType, string) {
	if plan.Confidence < cfg.ConfidenceEscalation && profile.RetrieverStrategy == models.StrategyVector {
		profile.RetrieverStrategy = models.StrategyHybridWeb
		return profile, models.ActivityConfidenceEscalation,
			fmt.Sprintf("plan confidence %.2f below %.2f, upgraded to hybrid+web", plan.Confidence, cfg.ConfidenceEscalation)
	}
	if !profile.RetrieverStrategy.IncludesWeb() && matchesFreshness(question, cfg.FreshnessKeywords) {
		profile.RetrieverStrategy = models.StrategyHybridWeb
		return profile, models.ActivityFreshnessEscalation, "freshness-sensitive question, added web search"
	}
	return profile, "", ""
}

// NeedsDualRetrieval reports whether a low-confidence vector_search first
// step should also run web search.
func NeedsDualRetrieval(plan models.Plan, cfg *config.Config) bool {
	return plan.Confidence < cfg.ConfidenceDual && plan.FirstAction() == models.ActionVectorSearch
}

func matchesFreshness(question string, keywords []string) bool {
	lowered := strings.ToLower(question)
	for _, kw := range keywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

func planInput(question string, compacted *models.CompactedContext) string {
	var b strings.Builder
	b.WriteString("Question: " + question)
	if compacted != nil {
		if compacted.SummaryText != "" {
			b.WriteString("\n\nConversation summary:\n" + compacted.SummaryText)
		}
		if compacted.SalienceText != "" {
			b.WriteString("\n\nKnown facts:\n" + compacted.SalienceText)
		}
	}
	return b.String()
}
