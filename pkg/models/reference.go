package models

// ReferenceSource tags where a reference came from.
type ReferenceSource string

const (
	SourceKnowledgeBase ReferenceSource = "kb"
	SourceWeb           ReferenceSource = "web"
)

// Reference is a retrieved evidence item. Citation numbering in answers is
// 1-based positional: answer marker [k] points at the k-th reference in the
// final citations slice.
//
// HydrateKey is an opaque index key used by the retrieval dispatcher to load
// the full body on demand (lazy mode). It replaces a captured loader closure
// so references stay serializable for telemetry.
type Reference struct {
	ID         string          `json:"id"`
	Title      string          `json:"title,omitempty"`
	Content    string          `json:"content"`
	URL        string          `json:"url,omitempty"`
	Page       int             `json:"page,omitempty"`
	Score      float64         `json:"score,omitempty"`
	Source     ReferenceSource `json:"source,omitempty"`
	Summary    string          `json:"summary,omitempty"`
	HydrateKey string          `json:"hydrate_key,omitempty"`
	Hydrated   bool            `json:"hydrated,omitempty"`
}

// IsSummaryOnly reports whether the reference still carries a summary body
// that can be hydrated into full content.
func (r *Reference) IsSummaryOnly() bool {
	return r.HydrateKey != "" && !r.Hydrated
}
