package llm

import (
	"container/list"
	"hash/fnv"
	"sync"
)

const embedCacheSize = 2048

// sharedEmbedCache serves all clients in the process; embeddings for a
// given model+text never change, so a global cache is safe.
var sharedEmbedCache = NewEmbedCache(embedCacheSize)

type embedKey struct {
	model string
	hash  uint64
}

type embedEntry struct {
	key embedKey
	vec []float32
}

// EmbedCache is a bounded LRU of embedding vectors keyed by model and
// text hash. Safe for concurrent use.
type EmbedCache struct {
	mu      sync.Mutex
	entries map[embedKey]*list.Element
	order   *list.List
	max     int
}

// NewEmbedCache creates a cache holding up to max vectors.
func NewEmbedCache(max int) *EmbedCache {
	if max < 1 {
		max = 1
	}
	return &EmbedCache{
		entries: make(map[embedKey]*list.Element),
		order:   list.New(),
		max:     max,
	}
}

// Get returns the cached vector for model+text, if present.
func (c *EmbedCache) Get(model, text string) ([]float32, bool) {
	key := embedKey{model: model, hash: hashEmbedText(text)}
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*embedEntry).vec, true
}

// Put stores a vector, evicting the least recently used entry at the bound.
func (c *EmbedCache) Put(model, text string, vec []float32) {
	key := embedKey{model: model, hash: hashEmbedText(text)}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		el.Value.(*embedEntry).vec = vec
		return
	}
	el := c.order.PushFront(&embedEntry{key: key, vec: vec})
	c.entries[key] = el
	if c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*embedEntry).key)
	}
}

func hashEmbedText(text string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return h.Sum64()
}
