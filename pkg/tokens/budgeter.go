package tokens

// Budget truncates each named section so its token estimate fits the
// section's cap. Sections with empty text or a zero/negative cap (or no
// cap at all) are dropped from the output.
//
// Budget is a pure function and idempotent: Budget(Budget(x)) == Budget(x),
// because TruncateToTokens leaves already-fitting text untouched.
func Budget(sections map[string]string, caps map[string]int, modelID string) map[string]string {
	out := make(map[string]string, len(sections))
	for name, text := range sections {
		limit, ok := caps[name]
		if !ok || limit <= 0 || text == "" {
			continue
		}
		truncated := TruncateToTokens(text, modelID, limit)
		if truncated == "" {
			continue
		}
		out[name] = truncated
	}
	return out
}
