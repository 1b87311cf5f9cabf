package models

// PlanAction is a retrieval or answer action inside a plan step.
type PlanAction string

const (
	ActionVectorSearch PlanAction = "vector_search"
	ActionWebSearch    PlanAction = "web_search"
	ActionBoth         PlanAction = "both"
	ActionAnswer       PlanAction = "answer"
)

// PlanStep is one ordered step of a plan. Non-answer steps carry the query
// to execute; K overrides the configured top-k when positive.
type PlanStep struct {
	Action PlanAction `json:"action"`
	Query  string     `json:"query,omitempty"`
	K      int        `json:"k,omitempty"`
}

// Plan is the planner's output. Invariants (enforced by the planner):
// Steps is non-empty, Confidence is in [0,1], only the last step may be
// an answer action, and every non-answer step has a non-empty query.
type Plan struct {
	Confidence float64    `json:"confidence"`
	Steps      []PlanStep `json:"steps"`
	Fallback   bool       `json:"fallback,omitempty"` // heuristic plan after a parse failure
}

// FirstAction returns the action of the first step, or ActionAnswer for an
// empty plan (the planner never produces one, but callers stay safe).
func (p *Plan) FirstAction() PlanAction {
	if len(p.Steps) == 0 {
		return ActionAnswer
	}
	return p.Steps[0].Action
}

// Intent classifies the latest user turn.
type Intent string

const (
	IntentFAQ            Intent = "faq"
	IntentFactual        Intent = "factual"
	IntentResearch       Intent = "research"
	IntentConversational Intent = "conversational"
)

// RetrieverStrategy selects which retrieval tiers a session uses.
type RetrieverStrategy string

const (
	StrategyVector    RetrieverStrategy = "vector"
	StrategyHybrid    RetrieverStrategy = "hybrid"
	StrategyHybridWeb RetrieverStrategy = "hybrid+web"
)

// IncludesWeb reports whether the strategy requires web augmentation.
func (s RetrieverStrategy) IncludesWeb() bool {
	return s == StrategyHybridWeb
}

// RoutingProfile is the per-intent execution profile chosen by the router.
// Created once per request and immutable thereafter; escalation produces a
// copy with an upgraded strategy rather than mutating the original.
type RoutingProfile struct {
	Intent            Intent            `json:"intent"`
	Model             string            `json:"model"`
	MaxOutputTokens   int               `json:"max_output_tokens"`
	RetrieverStrategy RetrieverStrategy `json:"retriever_strategy"`
}

// RouteDecision is the router's full output, kept for telemetry.
type RouteDecision struct {
	Intent     Intent         `json:"intent"`
	Confidence float64        `json:"confidence"`
	Reasoning  string         `json:"reasoning,omitempty"`
	Fallback   bool           `json:"fallback,omitempty"`
	Profile    RoutingProfile `json:"profile"`
}
