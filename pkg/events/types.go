// Package events defines the typed event stream a chat session emits
// while the pipeline runs, and the emitters that deliver it.
//
// Streaming clients receive every event over SSE framing in emission
// order. Synchronous clients never see the stream; the orchestrator
// collects the same events into the session trace instead.
package events

import (
	"github.com/henryperkins/veritas/pkg/models"
)

// Event names. Each name has exactly one payload type.
const (
	// EventStatus is a coarse progress marker ("routing", "planning",
	// "retrieving", ...). The only event class an emitter may drop
	// under backpressure.
	EventStatus = "status"

	// EventRoute carries the intent classification decision.
	EventRoute = "route"

	// EventPlan carries the retrieval plan summary.
	EventPlan = "plan"

	// EventContext carries the compacted conversation context and its
	// per-section token budget.
	EventContext = "context"

	// EventTool is emitted once per collaborator invocation.
	EventTool = "tool"

	// EventActivity mirrors one trace activity step.
	EventActivity = "activity"

	// EventCitations carries the final reference list.
	EventCitations = "citations"

	// EventTokens carries one partial answer chunk. Streaming mode only.
	EventTokens = "tokens"

	// EventCritique carries one critic loop attempt.
	EventCritique = "critique"

	// EventComplete carries the finalized answer and citations.
	EventComplete = "complete"

	// EventTelemetry carries a compact session summary.
	EventTelemetry = "telemetry"

	// EventTrace carries the full session trace.
	EventTrace = "trace"

	// EventDone terminates the stream.
	EventDone = "done"

	// EventError reports a fatal session failure.
	EventError = "error"
)

// Event pairs a name with its JSON-serializable payload.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload"`
}

// StatusPayload is the payload for status events.
type StatusPayload struct {
	Stage string `json:"stage"`
}

// RoutePayload is the payload for route events.
type RoutePayload struct {
	Intent     models.Intent         `json:"intent"`
	Confidence float64               `json:"confidence"`
	Reasoning  string                `json:"reasoning,omitempty"`
	Fallback   bool                  `json:"fallback,omitempty"`
	Profile    models.RoutingProfile `json:"profile"`
}

// PlanPayload is the payload for plan events.
type PlanPayload struct {
	Confidence float64           `json:"confidence"`
	Steps      []models.PlanStep `json:"steps"`
	Fallback   bool              `json:"fallback,omitempty"`
}

// ContextPayload is the payload for context events.
type ContextPayload struct {
	History  string               `json:"history"`
	Summary  string               `json:"summary,omitempty"`
	Salience string               `json:"salience,omitempty"`
	Budget   models.ContextBudget `json:"budget"`
}

// ToolPayload is the payload for tool events.
type ToolPayload struct {
	Name          string `json:"name"`
	Args          any    `json:"args,omitempty"`
	ResultSummary string `json:"result_summary,omitempty"`
}

// CitationsPayload is the payload for citations events.
type CitationsPayload struct {
	Citations []models.Reference `json:"citations"`
}

// TokensPayload is the payload for tokens events.
type TokensPayload struct {
	Content string `json:"content"`
}

// CompletePayload is the payload for complete events.
type CompletePayload struct {
	Answer    string             `json:"answer"`
	Citations []models.Reference `json:"citations"`
}

// TelemetryPayload is the payload for telemetry events: a compact
// summary of the full trace.
type TelemetryPayload struct {
	SessionID       string               `json:"session_id"`
	Status          models.SessionStatus `json:"status"`
	Intent          models.Intent        `json:"intent,omitempty"`
	RetrievalTier   string               `json:"retrieval_tier,omitempty"`
	CritiquePasses  int                  `json:"critique_passes"`
	CitationCount   int                  `json:"citation_count"`
	ActivityCount   int                  `json:"activity_count"`
	DurationMillis  int64                `json:"duration_ms"`
	ForcedAccept    bool                 `json:"forced_accept,omitempty"`
	WebUnavailable  bool                 `json:"web_unavailable,omitempty"`
	FallbackRouting bool                 `json:"fallback_routing,omitempty"`
}

// DonePayload is the payload for done events.
type DonePayload struct {
	Status string `json:"status"` // "complete" or "error"
}

// ErrorPayload is the payload for error events.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}
