package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON pulls a JSON object out of model output that may wrap it
// in a fenced code block or surrounding prose. Returns the raw JSON
// text or an error when no object can be located.
func ExtractJSON(text string) (string, error) {
	trimmed := strings.TrimSpace(text)

	// Strip a fenced block if present, with or without a language tag.
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}

	start := strings.IndexByte(trimmed, '{')
	end := strings.LastIndexByte(trimmed, '}')
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON object found in model output")
	}
	return trimmed[start : end+1], nil
}

// DecodeJSON extracts and unmarshals a JSON object from model output.
func DecodeJSON[T any](text string) (T, error) {
	var out T
	raw, err := ExtractJSON(text)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, fmt.Errorf("decoding model JSON: %w", err)
	}
	return out, nil
}
