package models

import "time"

// ActivityType tags an entry in the session's append-only audit log.
type ActivityType string

const (
	ActivityRetrieval            ActivityType = "retrieval"
	ActivityRetrievalFallback    ActivityType = "retrieval_fallback"
	ActivityWebSearch            ActivityType = "web_search"
	ActivityWebUnavailable       ActivityType = "web_unavailable"
	ActivityConfidenceEscalation ActivityType = "confidence_escalation"
	ActivityFreshnessEscalation  ActivityType = "freshness_escalation"
	ActivityHydration            ActivityType = "hydration"
	ActivityMemoryRecall         ActivityType = "memory_recall"
	ActivityParseFallback        ActivityType = "parse_fallback"
	ActivityCitationWarning      ActivityType = "citation_warning"
)

// ActivityStep is one entry of the pipeline's append-only activity audit.
type ActivityStep struct {
	Type        ActivityType `json:"type"`
	Description string       `json:"description"`
	Timestamp   time.Time    `json:"timestamp"`
}

// RetrievalMode describes which dispatch path produced the references.
type RetrievalMode string

const (
	RetrievalDirect  RetrievalMode = "direct"
	RetrievalLazy    RetrievalMode = "lazy"
	RetrievalWebOnly RetrievalMode = "web_only"
)

// RetrievalDiagnostics records how retrieval fared across fallback tiers.
type RetrievalDiagnostics struct {
	Succeeded      bool   `json:"succeeded"`
	Tier           string `json:"tier,omitempty"`
	FallbackReason string `json:"fallback_reason,omitempty"`
	Documents      int    `json:"documents"`
	WebResults     int    `json:"web_results"`
	WebUnavailable bool   `json:"web_unavailable,omitempty"`
	WebTrimmed     bool   `json:"web_trimmed,omitempty"`
}

// SessionMode distinguishes the sync and streaming endpoints in traces.
type SessionMode string

const (
	ModeSync   SessionMode = "sync"
	ModeStream SessionMode = "stream"
)

// SessionStatus is the terminal state recorded in the trace.
type SessionStatus string

const (
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
	StatusTimedOut  SessionStatus = "timed_out"
	StatusCancelled SessionStatus = "cancelled"
)

// SessionTrace aggregates everything observed during one session. It is
// owned exclusively by the orchestrator, finalized at session end, and
// persisted best-effort.
type SessionTrace struct {
	SessionID       string                `json:"session_id"`
	Mode            SessionMode           `json:"mode"`
	Status          SessionStatus         `json:"status"`
	StartedAt       time.Time             `json:"started_at"`
	CompletedAt     time.Time             `json:"completed_at"`
	Question        string                `json:"question"`
	Answer          string                `json:"answer,omitempty"`
	Route           *RouteDecision        `json:"route,omitempty"`
	Plan            *Plan                 `json:"plan,omitempty"`
	ContextBudget   *ContextBudget        `json:"context_budget,omitempty"`
	Retrieval       *RetrievalDiagnostics `json:"retrieval,omitempty"`
	CritiqueHistory []CritiqueAttempt     `json:"critique_history,omitempty"`
	Activity        []ActivityStep        `json:"activity,omitempty"`
	Citations       []Reference           `json:"citations,omitempty"`
	Error           string                `json:"error,omitempty"`
}
