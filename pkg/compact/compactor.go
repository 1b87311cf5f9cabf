// Package compact reduces long conversation histories to a bounded
// context: verbatim recent turns, windowed summaries of older turns,
// and deduplicated salience facts, all trimmed to per-section token caps.
package compact

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/henryperkins/veritas/pkg/llm"
	"github.com/henryperkins/veritas/pkg/models"
	"github.com/henryperkins/veritas/pkg/tokens"
)

// summaryWindow is the number of older messages condensed per summary item.
const summaryWindow = 4

const summarizePrompt = `Condense the following conversation excerpt into 1-2 sentences.
Preserve names, numbers, and decisions. Reply with the summary text only.`

const saliencePrompt = `Extract persistent facts from the conversation below: named entities,
stable user preferences, and commitments. Reply with a JSON object:
{"facts": ["fact one", "fact two"]}
Return {"facts": []} if nothing qualifies.`

// Options bounds the compactor's output.
type Options struct {
	MaxRecentTurns   int
	MaxSummaryItems  int
	MaxSalienceItems int

	HistoryTokenCap  int
	SummaryTokenCap  int
	SalienceTokenCap int

	// Model used for summarization and salience extraction, and for
	// token estimation of the output sections.
	Model string
}

// Compactor condenses conversation history. LLM failures during
// summarization or salience extraction are non-fatal: the affected
// window or section is skipped and the rest of the context still builds.
type Compactor struct {
	completer llm.Completer
	opts      Options
	logger    *slog.Logger
}

// NewCompactor creates a compactor using the given completion client.
func NewCompactor(completer llm.Completer, opts Options, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{completer: completer, opts: opts, logger: logger}
}

// Compact builds a bounded context from the full message history plus any
// summaries and salience recalled from prior sessions. Turn numbering is
// the message index within the supplied history.
func (c *Compactor) Compact(ctx context.Context, messages []models.Message, priorSummaries []models.SummaryItem, priorSalience []models.SalienceNote) (*models.CompactedContext, error) {
	recentStart := len(messages) - c.opts.MaxRecentTurns
	if recentStart < 0 {
		recentStart = 0
	}
	recent := messages[recentStart:]
	older := messages[:recentStart]

	summaries := c.summarizeWindows(ctx, older)
	summaries = append(priorSummaries, summaries...)
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].TurnStart < summaries[j].TurnStart
	})
	if len(summaries) > c.opts.MaxSummaryItems {
		// Keep the most recent items, preserving turn order.
		summaries = summaries[len(summaries)-c.opts.MaxSummaryItems:]
	}

	salience := c.extractSalience(ctx, older)
	salience = mergeSalience(priorSalience, salience)
	if len(salience) > c.opts.MaxSalienceItems {
		salience = salience[:c.opts.MaxSalienceItems]
	}

	sections := tokens.Budget(
		map[string]string{
			"history":  renderMessages(recent),
			"summary":  renderSummaries(summaries),
			"salience": renderSalience(salience),
		},
		map[string]int{
			"history":  c.opts.HistoryTokenCap,
			"summary":  c.opts.SummaryTokenCap,
			"salience": c.opts.SalienceTokenCap,
		},
		c.opts.Model,
	)

	budget := models.ContextBudget{
		HistoryTokens:  tokens.EstimateTokens(sections["history"], c.opts.Model),
		SummaryTokens:  tokens.EstimateTokens(sections["summary"], c.opts.Model),
		SalienceTokens: tokens.EstimateTokens(sections["salience"], c.opts.Model),
	}

	return &models.CompactedContext{
		HistoryText:    sections["history"],
		SummaryText:    sections["summary"],
		SalienceText:   sections["salience"],
		RecentMessages: recent,
		Summaries:      summaries,
		Salience:       salience,
		Budget:         budget,
	}, nil
}

// summarizeWindows condenses older messages in contiguous windows. Window
// ranges are disjoint and monotonic; a failed window is skipped.
func (c *Compactor) summarizeWindows(ctx context.Context, older []models.Message) []models.SummaryItem {
	var items []models.SummaryItem
	for start := 0; start < len(older); start += summaryWindow {
		end := start + summaryWindow
		if end > len(older) {
			end = len(older)
		}

		resp, err := c.completer.Complete(ctx, llm.CompleteRequest{
			Model:     c.opts.Model,
			System:    summarizePrompt,
			Messages:  []models.Message{{Role: models.RoleUser, Content: renderMessages(older[start:end])}},
			MaxTokens: 150,
		})
		if err != nil {
			c.logger.Warn("summary window failed, skipping",
				"turn_start", start, "turn_end", end-1, "error", err)
			continue
		}
		text := strings.TrimSpace(resp.Text)
		if text == "" {
			continue
		}
		items = append(items, models.SummaryItem{
			Text:      text,
			TurnStart: start,
			TurnEnd:   end - 1,
		})
	}
	return items
}

// extractSalience pulls persistent facts from older messages in one call.
func (c *Compactor) extractSalience(ctx context.Context, older []models.Message) []models.SalienceNote {
	if len(older) == 0 {
		return nil
	}

	resp, err := c.completer.Complete(ctx, llm.CompleteRequest{
		Model:     c.opts.Model,
		System:    saliencePrompt,
		Messages:  []models.Message{{Role: models.RoleUser, Content: renderMessages(older)}},
		MaxTokens: 300,
	})
	if err != nil {
		c.logger.Warn("salience extraction failed, continuing without", "error", err)
		return nil
	}

	parsed, err := llm.DecodeJSON[struct {
		Facts []string `json:"facts"`
	}](resp.Text)
	if err != nil {
		c.logger.Warn("salience output unparseable, continuing without", "error", err)
		return nil
	}

	lastTurn := len(older) - 1
	notes := make([]models.SalienceNote, 0, len(parsed.Facts))
	for _, fact := range parsed.Facts {
		fact = strings.TrimSpace(fact)
		if fact == "" {
			continue
		}
		notes = append(notes, models.SalienceNote{Fact: fact, LastSeenTurn: lastTurn})
	}
	return notes
}

// mergeSalience deduplicates notes by fact, keeping the newest
// lastSeenTurn, and orders the result by lastSeenTurn descending with
// insertion order breaking ties.
func mergeSalience(layers ...[]models.SalienceNote) []models.SalienceNote {
	seen := make(map[string]int) // fact -> index in out
	var out []models.SalienceNote
	for _, layer := range layers {
		for _, note := range layer {
			if idx, ok := seen[note.Fact]; ok {
				if note.LastSeenTurn > out[idx].LastSeenTurn {
					out[idx].LastSeenTurn = note.LastSeenTurn
				}
				continue
			}
			seen[note.Fact] = len(out)
			out = append(out, note)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastSeenTurn > out[j].LastSeenTurn
	})
	return out
}

// SummaryText renders summary items as a bulleted block truncated to
// the token cap. Used when a selector narrows the summary set after
// compaction.
func SummaryText(items []models.SummaryItem, limit int, model string) string {
	return tokens.TruncateToTokens(renderSummaries(items), model, limit)
}

func renderMessages(msgs []models.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", m.Role, m.Content)
	}
	return b.String()
}

func renderSummaries(items []models.SummaryItem) string {
	var b strings.Builder
	for i, item := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- " + item.Text)
	}
	return b.String()
}

func renderSalience(notes []models.SalienceNote) string {
	var b strings.Builder
	for i, note := range notes {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- " + note.Fact)
	}
	return b.String()
}
