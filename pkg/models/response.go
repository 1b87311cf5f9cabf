package models

// ChatMetadata carries the non-answer outputs of a session for API clients.
type ChatMetadata struct {
	Plan            *Plan                 `json:"plan,omitempty"`
	Route           *RouteDecision        `json:"route,omitempty"`
	ContextBudget   *ContextBudget        `json:"context_budget,omitempty"`
	CritiqueHistory []CritiqueAttempt     `json:"critique_history,omitempty"`
	Retrieval       *RetrievalDiagnostics `json:"retrieval_diagnostics,omitempty"`
}

// ChatResponse is the synchronous endpoint's response body.
type ChatResponse struct {
	SessionID string         `json:"session_id"`
	Answer    string         `json:"answer"`
	Citations []Reference    `json:"citations"`
	Activity  []ActivityStep `json:"activity,omitempty"`
	Metadata  ChatMetadata   `json:"metadata"`
}
