// Package critic evaluates draft answers for groundedness and coverage,
// and validates the inline citation markers of the final answer.
package critic

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/henryperkins/veritas/pkg/config"
	"github.com/henryperkins/veritas/pkg/llm"
	"github.com/henryperkins/veritas/pkg/models"
)

const evaluatePrompt = `You are a strict reviewer of a drafted answer.
Evidence items are numbered; the draft cites them inline as [k].

Judge:
- grounded: true iff every factual sentence is supported by at least one
  cited evidence body containing the claim
- coverage: fraction (0.0-1.0) of the question's sub-claims the draft addresses
- issues: short directives for the reviser, empty when the draft is fine

Reply with a JSON object:
{"grounded": true, "coverage": 0.9, "issues": ["..."]}`

// Critic evaluates drafts against cited evidence.
type Critic struct {
	completer llm.Completer
	cfg       *config.Config
	model     string
	logger    *slog.Logger
}

// New creates a critic that evaluates with the given model.
func New(completer llm.Completer, cfg *config.Config, model string, logger *slog.Logger) *Critic {
	if logger == nil {
		logger = slog.Default()
	}
	return &Critic{completer: completer, cfg: cfg, model: model, logger: logger}
}

// Evaluate judges one draft. finalAttempt selects the parse-failure
// policy: on the final attempt an unusable critic output force-accepts
// the draft (never loop past the ceiling); on earlier attempts it
// demands a revision instead.
//
// A draft with no evidence is never judged grounded, but an explicit
// insufficiency answer is accepted so empty-context sessions terminate.
func (c *Critic) Evaluate(ctx context.Context, draft, question string, evidence []models.Reference, finalAttempt bool) models.CriticReport {
	if len(evidence) == 0 {
		return c.evaluateWithoutEvidence(draft)
	}

	resp, err := c.completer.Complete(ctx, llm.CompleteRequest{
		Model:     c.model,
		System:    evaluatePrompt,
		Messages:  []models.Message{{Role: models.RoleUser, Content: evaluateInput(draft, question, evidence)}},
		MaxTokens: 400,
	})
	if err != nil {
		c.logger.Warn("critic call failed", "error", err, "final_attempt", finalAttempt)
		return c.parseFailure(finalAttempt)
	}

	parsed, err := llm.DecodeJSON[struct {
		Grounded bool     `json:"grounded"`
		Coverage float64  `json:"coverage"`
		Issues   []string `json:"issues"`
	}](resp.Text)
	if err != nil {
		c.logger.Warn("critic output unparseable", "error", err, "final_attempt", finalAttempt)
		return c.parseFailure(finalAttempt)
	}

	coverage := parsed.Coverage
	if coverage < 0 {
		coverage = 0
	}
	if coverage > 1 {
		coverage = 1
	}

	report := models.CriticReport{
		Grounded: parsed.Grounded,
		Coverage: coverage,
		Issues:   parsed.Issues,
		Action:   models.CriticRevise,
	}
	if report.Grounded && report.Coverage >= c.cfg.CriticThreshold {
		report.Action = models.CriticAccept
	}
	return report
}

// evaluateWithoutEvidence handles the empty-context session: an honest
// insufficiency statement is accepted; anything else is flagged, but
// never as grounded.
func (c *Critic) evaluateWithoutEvidence(draft string) models.CriticReport {
	if strings.Contains(strings.ToLower(draft), "don't have enough information") {
		return models.CriticReport{
			Grounded: false,
			Coverage: 1,
			Action:   models.CriticAccept,
			Issues:   []string{"no evidence was available"},
		}
	}
	return models.CriticReport{
		Grounded: false,
		Coverage: 0,
		Action:   models.CriticRevise,
		Issues:   []string{"no evidence is available; state that the context is insufficient"},
	}
}

func (c *Critic) parseFailure(finalAttempt bool) models.CriticReport {
	if finalAttempt {
		return models.CriticReport{
			Grounded: true,
			Coverage: 1,
			Action:   models.CriticAccept,
			Forced:   true,
		}
	}
	return models.CriticReport{
		Grounded: false,
		Coverage: 0,
		Action:   models.CriticRevise,
		Issues:   []string{"reviewer output was unusable; tighten grounding and citations"},
	}
}

func evaluateInput(draft, question string, evidence []models.Reference) string {
	var b strings.Builder
	b.WriteString("QUESTION: " + question + "\n\nEVIDENCE:\n")
	for i, e := range evidence {
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, e.Title, e.Content)
	}
	b.WriteString("DRAFT:\n" + draft)
	return b.String()
}

var citationMarker = regexp.MustCompile(`\[(\d+)\]`)

// markerValid reports whether [k] can stand in a final answer: in range
// and pointing at a reference with a non-empty body. A lazy reference
// whose summary was empty and whose hydration failed has no body, so a
// marker citing it would point readers at nothing.
func markerValid(k int, citations []models.Reference) bool {
	return k >= 1 && k <= len(citations) &&
		strings.TrimSpace(citations[k-1].Content) != ""
}

// ValidateCitations checks that every inline [k] marker in the answer
// points at a cited reference with a non-empty body. It returns the
// invalid markers found; an empty result means the answer is consistent.
func ValidateCitations(answer string, citations []models.Reference) []string {
	var invalid []string
	seen := make(map[string]bool)
	for _, m := range citationMarker.FindAllStringSubmatch(answer, -1) {
		k, err := strconv.Atoi(m[1])
		if err != nil || !markerValid(k, citations) {
			if !seen[m[0]] {
				invalid = append(invalid, m[0])
				seen[m[0]] = true
			}
		}
	}
	return invalid
}

// StripInvalidCitations removes out-of-range and empty-bodied [k]
// markers from the answer, leaving valid markers untouched.
func StripInvalidCitations(answer string, citations []models.Reference) string {
	return citationMarker.ReplaceAllStringFunc(answer, func(m string) string {
		k, err := strconv.Atoi(m[1 : len(m)-1])
		if err != nil || !markerValid(k, citations) {
			return ""
		}
		return m
	})
}

// CitedIndexes returns the distinct 1-based citation numbers the answer
// references, ignoring out-of-range markers.
func CitedIndexes(answer string, citations []models.Reference) []int {
	var out []int
	seen := make(map[int]bool)
	for _, m := range citationMarker.FindAllStringSubmatch(answer, -1) {
		k, err := strconv.Atoi(m[1])
		if err != nil || k < 1 || k > len(citations) || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// CitedBodies concatenates the bodies of the references the draft
// actually cites, for critic evaluation. Falls back to all references
// when the draft cites nothing.
func CitedBodies(answer string, citations []models.Reference) []models.Reference {
	idxs := CitedIndexes(answer, citations)
	if len(idxs) == 0 {
		return citations
	}
	out := make([]models.Reference, 0, len(idxs))
	for _, k := range idxs {
		out = append(out, citations[k-1])
	}
	return out
}
