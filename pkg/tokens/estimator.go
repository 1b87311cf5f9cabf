// Package tokens provides deterministic token estimation and per-section
// token budgeting. Estimation uses a chars-per-token heuristic with
// per-model overrides; counts are cached in a process-wide bounded cache
// safe for concurrent use.
package tokens

import (
	"container/list"
	"hash/fnv"
	"sync"
)

// Default chars-per-token for models without an override. Four characters
// per token tracks English prose closely enough for budgeting.
const defaultCharsPerToken = 4

// modelCharsPerToken overrides the heuristic for model families whose
// tokenizers are denser or sparser than the default.
var modelCharsPerToken = map[string]float64{
	"gpt-4o":      3.8,
	"gpt-4o-mini": 3.8,
	"o3-mini":     3.8,
}

// estimateCacheSize bounds the process-wide count cache.
const estimateCacheSize = 4096

type cacheKey struct {
	model string
	hash  uint64
}

// countCache is a bounded LRU of text-length estimates. Mutation is
// guarded by a single mutex; eviction removes the least recently used
// entry once the size bound is reached.
type countCache struct {
	mu      sync.Mutex
	entries map[cacheKey]*list.Element
	order   *list.List // front = most recently used
	max     int
}

type cacheEntry struct {
	key    cacheKey
	tokens int
}

func newCountCache(max int) *countCache {
	return &countCache{
		entries: make(map[cacheKey]*list.Element),
		order:   list.New(),
		max:     max,
	}
}

func (c *countCache) get(key cacheKey) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return 0, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).tokens, true
}

func (c *countCache) put(key cacheKey, tokens int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		el.Value.(*cacheEntry).tokens = tokens
		return
	}
	el := c.order.PushFront(&cacheEntry{key: key, tokens: tokens})
	c.entries[key] = el
	if c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

var estimates = newCountCache(estimateCacheSize)

// EstimateTokens returns a deterministic token estimate for text under the
// given model. The result is cached process-wide.
func EstimateTokens(text, modelID string) int {
	if text == "" {
		return 0
	}

	key := cacheKey{model: modelID, hash: hashText(text)}
	if n, ok := estimates.get(key); ok {
		return n
	}

	ratio := float64(defaultCharsPerToken)
	if r, ok := modelCharsPerToken[modelID]; ok {
		ratio = r
	}

	// Ceiling division keeps estimates conservative.
	n := int((float64(len(text)) + ratio - 1) / ratio)
	estimates.put(key, n)
	return n
}

// TruncateToTokens returns the longest prefix of text whose estimate fits
// within limit tokens for the model. Truncation is a suffix drop at an
// estimated token boundary; earliest content is always preserved.
func TruncateToTokens(text, modelID string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if EstimateTokens(text, modelID) <= limit {
		return text
	}

	ratio := float64(defaultCharsPerToken)
	if r, ok := modelCharsPerToken[modelID]; ok {
		ratio = r
	}
	cut := int(float64(limit) * ratio)
	if cut >= len(text) {
		cut = len(text) - 1
	}

	// Back off to a rune boundary so truncation never splits a character.
	for cut > 0 && text[cut]&0xC0 == 0x80 {
		cut--
	}
	truncated := text[:cut]

	// The estimate is a ceiling, so a prefix sized by ratio*limit can still
	// exceed the cap by one. Trim until it fits.
	for len(truncated) > 0 && EstimateTokens(truncated, modelID) > limit {
		back := len(truncated) - int(ratio)
		if back < 0 {
			back = 0
		}
		for back > 0 && truncated[back]&0xC0 == 0x80 {
			back--
		}
		truncated = truncated[:back]
	}
	return truncated
}

func hashText(text string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return h.Sum64()
}
