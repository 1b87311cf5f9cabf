// Package router classifies the user's question into an intent and
// selects the routing profile (model, token cap, retriever strategy)
// for the rest of the pipeline.
package router

import (
	"context"
	"log/slog"
	"strings"

	"github.com/henryperkins/veritas/pkg/config"
	"github.com/henryperkins/veritas/pkg/llm"
	"github.com/henryperkins/veritas/pkg/models"
)

// classifyWindow is how many trailing messages accompany the question.
const classifyWindow = 4

const classifyPrompt = `Classify the user's latest message into exactly one intent:
- faq: a short question with a likely documented answer
- factual: a specific factual question needing evidence
- research: an open-ended question needing broad or current evidence
- conversational: chit-chat or meta-conversation, no retrieval needed

Reply with a JSON object:
{"intent": "faq|factual|research|conversational", "confidence": 0.0-1.0, "reasoning": "one sentence"}`

// Router picks a routing profile per question. Classification failures
// are non-fatal: the router falls back to the default research profile.
type Router struct {
	completer llm.Completer
	cfg       *config.Config
	model     string
	logger    *slog.Logger
}

// New creates a router that classifies with the given model.
func New(completer llm.Completer, cfg *config.Config, model string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{completer: completer, cfg: cfg, model: model, logger: logger}
}

// Classify determines the intent of the latest user message and returns
// the matching profile. When routing is disabled or classification fails
// the decision carries the default profile with Fallback set.
func (r *Router) Classify(ctx context.Context, messages []models.Message, routingEnabled bool) models.RouteDecision {
	if !routingEnabled {
		return r.fallback("intent routing disabled")
	}

	window := messages
	if len(window) > classifyWindow {
		window = window[len(window)-classifyWindow:]
	}

	resp, err := r.completer.Complete(ctx, llm.CompleteRequest{
		Model:     r.model,
		System:    classifyPrompt,
		Messages:  window,
		MaxTokens: 150,
	})
	if err != nil {
		r.logger.Warn("intent classification failed, using default profile", "error", err)
		return r.fallback("classification call failed")
	}

	parsed, err := llm.DecodeJSON[struct {
		Intent     string  `json:"intent"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
	}](resp.Text)
	if err != nil {
		r.logger.Warn("intent classification unparseable, using default profile", "error", err)
		return r.fallback("classification output unparseable")
	}

	intent := models.Intent(strings.ToLower(strings.TrimSpace(parsed.Intent)))
	switch intent {
	case models.IntentFAQ, models.IntentFactual, models.IntentResearch, models.IntentConversational:
	default:
		r.logger.Warn("unknown intent from classifier, using default profile", "intent", parsed.Intent)
		return r.fallback("unknown intent " + parsed.Intent)
	}

	confidence := parsed.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return models.RouteDecision{
		Intent:     intent,
		Confidence: confidence,
		Reasoning:  parsed.Reasoning,
		Profile:    r.cfg.ProfileFor(intent),
	}
}

func (r *Router) fallback(reason string) models.RouteDecision {
	profile := r.cfg.DefaultProfile()
	return models.RouteDecision{
		Intent:     profile.Intent,
		Confidence: 0,
		Reasoning:  reason,
		Fallback:   true,
		Profile:    profile,
	}
}
