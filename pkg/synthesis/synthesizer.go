// Package synthesis generates the cited answer from the assembled
// context, in batch or streaming mode.
package synthesis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/henryperkins/veritas/pkg/events"
	"github.com/henryperkins/veritas/pkg/llm"
	"github.com/henryperkins/veritas/pkg/models"
)

const systemPrompt = `You answer questions using ONLY the provided context.
Cite evidence inline as [k], where k is the 1-based number of the source
in the SOURCES list. Every factual claim needs at least one citation.
If the context does not contain the answer, say "I don't have enough
information." Do not invent sources or cite numbers outside the list.`

// Request is one synthesis invocation.
type Request struct {
	Question  string
	Context   string
	Citations []models.Reference
	// RevisionNotes are critic directives appended to the prompt on
	// revision passes. They never change citation numbering.
	RevisionNotes []string
	Model         string
	MaxTokens     int
	SystemPrompt  string // overrides the default when non-empty
}

// Result is the synthesized answer. Citations pass through unchanged;
// numbering is owned by the dispatcher.
type Result struct {
	Answer    string
	Citations []models.Reference
	Usage     *llm.CompleteResponse
}

// Synthesizer produces answers via the completion client.
type Synthesizer struct {
	completer llm.Completer
	logger    *slog.Logger
}

// New creates a synthesizer.
func New(completer llm.Completer, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{completer: completer, logger: logger}
}

// Generate returns the complete answer in one call.
func (s *Synthesizer) Generate(ctx context.Context, req Request) (*Result, error) {
	resp, err := s.completer.Complete(ctx, s.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("synthesis failed: %w", err)
	}
	return &Result{
		Answer:    strings.TrimSpace(resp.Text),
		Citations: req.Citations,
		Usage:     resp,
	}, nil
}

// GenerateStream streams the answer, emitting one tokens event per chunk
// in produced order. The returned answer is the chunk concatenation.
func (s *Synthesizer) GenerateStream(ctx context.Context, req Request, emitter events.Emitter) (*Result, error) {
	chunks, errs := s.completer.CompleteStream(ctx, s.buildRequest(req))

	var b strings.Builder
	for chunk := range chunks {
		b.WriteString(chunk.Content)
		if emitter != nil {
			emitter.Emit(events.Event{Name: events.EventTokens, Payload: events.TokensPayload{Content: chunk.Content}})
		}
	}
	if err := <-errs; err != nil {
		return nil, fmt.Errorf("synthesis stream failed: %w", err)
	}
	return &Result{
		Answer:    strings.TrimSpace(b.String()),
		Citations: req.Citations,
	}, nil
}

func (s *Synthesizer) buildRequest(req Request) llm.CompleteRequest {
	system := req.SystemPrompt
	if system == "" {
		system = systemPrompt
	}

	var b strings.Builder
	if req.Context != "" {
		b.WriteString("SOURCES:\n")
		for i, c := range req.Citations {
			fmt.Fprintf(&b, "[%d] %s\n", i+1, c.Title)
		}
		b.WriteString("\nCONTEXT:\n" + req.Context + "\n\n")
	}
	b.WriteString("QUESTION: " + req.Question)
	if len(req.RevisionNotes) > 0 {
		b.WriteString("\n\nREVISE THE PREVIOUS DRAFT. Address these issues:")
		for _, note := range req.RevisionNotes {
			b.WriteString("\n- " + note)
		}
		b.WriteString("\nKeep citation numbers exactly as in the SOURCES list.")
	}

	return llm.CompleteRequest{
		Model:     req.Model,
		System:    system,
		Messages:  []models.Message{{Role: models.RoleUser, Content: b.String()}},
		MaxTokens: req.MaxTokens,
	}
}
