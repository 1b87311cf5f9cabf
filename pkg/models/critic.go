package models

// CriticAction is the critic's verdict on a draft.
type CriticAction string

const (
	CriticAccept CriticAction = "accept"
	CriticRevise CriticAction = "revise"
)

// CriticReport is the critic's evaluation of one draft answer.
// Grounded means every factual sentence is supported by a cited body;
// Coverage is the fraction of the question's sub-claims addressed.
// Forced marks a report that was accepted only because retries ran out
// or the critic's own output could not be parsed.
type CriticReport struct {
	Grounded bool         `json:"grounded"`
	Coverage float64      `json:"coverage"`
	Issues   []string     `json:"issues,omitempty"`
	Action   CriticAction `json:"action"`
	Forced   bool         `json:"forced,omitempty"`
}

// CritiqueAttempt records one iteration of the critic loop for telemetry.
// Attempts are contiguous from 0 and strictly increasing within a session.
type CritiqueAttempt struct {
	Attempt         int          `json:"attempt"`
	Coverage        float64      `json:"coverage"`
	Grounded        bool         `json:"grounded"`
	Action          CriticAction `json:"action"`
	Issues          []string     `json:"issues,omitempty"`
	UsedFullContent bool         `json:"used_full_content"`
	Forced          bool         `json:"forced"`
}
