package models

// ContextBudget records the token allowance actually applied to each
// compacted context section. All values are non-negative; the sum is
// bounded by the global session cap.
type ContextBudget struct {
	HistoryTokens  int `json:"history_tokens"`
	SummaryTokens  int `json:"summary_tokens"`
	SalienceTokens int `json:"salience_tokens"`
	WebTokens      int `json:"web_tokens"`
}

// SalienceNote is a short durable fact extracted from conversation history.
// Notes are deduplicated by Fact; the newest LastSeenTurn wins.
type SalienceNote struct {
	Fact         string `json:"fact"`
	LastSeenTurn int    `json:"last_seen_turn"`
}

// SummaryItem is a compacted window of older conversation turns.
// TurnRange is inclusive and disjoint from every other item's range.
type SummaryItem struct {
	Text      string    `json:"text"`
	TurnStart int       `json:"turn_start"`
	TurnEnd   int       `json:"turn_end"`
	Embedding []float32 `json:"-"`
}

// CompactedContext is the compactor's output: budgeted section texts plus
// the untruncated recent messages.
type CompactedContext struct {
	HistoryText    string         `json:"history"`
	SummaryText    string         `json:"summary"`
	SalienceText   string         `json:"salience"`
	RecentMessages []Message      `json:"-"`
	Summaries      []SummaryItem  `json:"-"`
	Salience       []SalienceNote `json:"-"`
	Budget         ContextBudget  `json:"budget"`
}
