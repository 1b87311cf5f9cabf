// Package config loads the service configuration from environment
// variables and resolves per-request feature overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/henryperkins/veritas/pkg/models"
)

// Config is the full configuration surface. Loaded once at startup;
// read-only thereafter (shared across concurrent sessions).
type Config struct {
	// Escalation thresholds.
	ConfidenceEscalation float64 // below this, vector-only upgrades to hybrid+web
	ConfidenceDual       float64 // below this, vector_search also runs web search

	// Critic loop.
	CriticMaxRetries int     // retry ceiling; yields at most N+1 synthesis calls
	CriticThreshold  float64 // coverage accept threshold

	// Retrieval.
	RAGTopK                   int
	RerankerThreshold         float64
	FallbackRerankerThreshold float64
	RetrievalMinDocs          int

	// Context compaction.
	ContextHistoryTokenCap  int
	ContextSummaryTokenCap  int
	ContextSalienceTokenCap int
	ContextMaxRecentTurns   int
	ContextMaxSummaryItems  int
	ContextMaxSalienceItems int
	SummarySimilarityFloor  float64

	// Web search.
	WebContextMaxTokens int
	WebResultsMax       int
	WebSearchMode       string // "summary" or "full"

	// Feature flags (overridable per request).
	Features Features

	// Routing table keyed by intent.
	Routing map[models.Intent]models.RoutingProfile

	// Freshness escalation keywords (lowercase).
	FreshnessKeywords []string

	// Session deadline and retry policy.
	RequestTimeout    time.Duration
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration

	// Event stream buffer size for the streaming endpoint.
	EventBufferSize int
}

// Features are the flag-gated behaviors a request may override.
type Features struct {
	LazyRetrieval   bool `json:"lazy_retrieval"`
	IntentRouting   bool `json:"intent_routing"`
	SemanticSummary bool `json:"semantic_summary"`
	SemanticMemory  bool `json:"semantic_memory"`
}

// FeatureOverrides is the optional per-request flag set. Nil fields mean
// "no override"; resolution order is request > persisted session > default.
type FeatureOverrides struct {
	LazyRetrieval   *bool `json:"lazy_retrieval,omitempty"`
	IntentRouting   *bool `json:"intent_routing,omitempty"`
	SemanticSummary *bool `json:"semantic_summary,omitempty"`
	SemanticMemory  *bool `json:"semantic_memory,omitempty"`
}

// Resolve applies override layers to the configured defaults. Later layers
// win; nil layers and nil fields are skipped.
func (f Features) Resolve(layers ...*FeatureOverrides) Features {
	out := f
	for _, layer := range layers {
		if layer == nil {
			continue
		}
		if layer.LazyRetrieval != nil {
			out.LazyRetrieval = *layer.LazyRetrieval
		}
		if layer.IntentRouting != nil {
			out.IntentRouting = *layer.IntentRouting
		}
		if layer.SemanticSummary != nil {
			out.SemanticSummary = *layer.SemanticSummary
		}
		if layer.SemanticMemory != nil {
			out.SemanticMemory = *layer.SemanticMemory
		}
	}
	return out
}

// LoadFromEnv assembles a Config from environment variables, applying
// defaults for anything unset. Returns an error only for values that
// parse but violate their documented range.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		ConfidenceEscalation: envFloat("CONFIDENCE_ESCALATION", 0.5),
		ConfidenceDual:       envFloat("CONFIDENCE_DUAL", 0.6),

		CriticMaxRetries: envInt("CRITIC_MAX_RETRIES", 2),
		CriticThreshold:  envFloat("CRITIC_THRESHOLD", 0.7),

		RAGTopK:                   envInt("RAG_TOP_K", 5),
		RerankerThreshold:         envFloat("RERANKER_THRESHOLD", 2.0),
		FallbackRerankerThreshold: envFloat("FALLBACK_RERANKER_THRESHOLD", 1.0),
		RetrievalMinDocs:          envInt("RETRIEVAL_MIN_DOCS", 1),

		ContextHistoryTokenCap:  envInt("CONTEXT_HISTORY_TOKEN_CAP", 1800),
		ContextSummaryTokenCap:  envInt("CONTEXT_SUMMARY_TOKEN_CAP", 600),
		ContextSalienceTokenCap: envInt("CONTEXT_SALIENCE_TOKEN_CAP", 400),
		ContextMaxRecentTurns:   envInt("CONTEXT_MAX_RECENT_TURNS", 6),
		ContextMaxSummaryItems:  envInt("CONTEXT_MAX_SUMMARY_ITEMS", 5),
		ContextMaxSalienceItems: envInt("CONTEXT_MAX_SALIENCE_ITEMS", 10),
		SummarySimilarityFloor:  envFloat("SUMMARY_SIMILARITY_FLOOR", 0.3),

		WebContextMaxTokens: envInt("WEB_CONTEXT_MAX_TOKENS", 1500),
		WebResultsMax:       envInt("WEB_RESULTS_MAX", 5),
		WebSearchMode:       envString("WEB_SEARCH_MODE", "summary"),

		Features: Features{
			LazyRetrieval:   envBool("ENABLE_LAZY_RETRIEVAL", false),
			IntentRouting:   envBool("ENABLE_INTENT_ROUTING", true),
			SemanticSummary: envBool("ENABLE_SEMANTIC_SUMMARY", true),
			SemanticMemory:  envBool("ENABLE_SEMANTIC_MEMORY", false),
		},

		Routing: defaultRouting(),

		FreshnessKeywords: envList("FRESHNESS_KEYWORDS",
			[]string{"today", "latest", "current", "recent", "this week", "announce"}),

		RequestTimeout:    envDuration("REQUEST_TIMEOUT_MS", 120*time.Second),
		RetryMaxAttempts:  envInt("RETRY_MAX_ATTEMPTS", 3),
		RetryInitialDelay: envDuration("RETRY_INITIAL_DELAY_MS", 250*time.Millisecond),
		RetryMaxDelay:     envDuration("RETRY_MAX_DELAY_MS", 4*time.Second),

		EventBufferSize: envInt("EVENT_BUFFER_SIZE", 256),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	for name, v := range map[string]float64{
		"CONFIDENCE_ESCALATION": c.ConfidenceEscalation,
		"CONFIDENCE_DUAL":       c.ConfidenceDual,
		"CRITIC_THRESHOLD":      c.CriticThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be in [0,1], got %v", name, v)
		}
	}
	if c.CriticMaxRetries < 0 {
		return fmt.Errorf("CRITIC_MAX_RETRIES must be >= 0, got %d", c.CriticMaxRetries)
	}
	if c.RAGTopK <= 0 {
		return fmt.Errorf("RAG_TOP_K must be > 0, got %d", c.RAGTopK)
	}
	if c.WebSearchMode != "summary" && c.WebSearchMode != "full" {
		return fmt.Errorf("WEB_SEARCH_MODE must be summary or full, got %q", c.WebSearchMode)
	}
	return nil
}

// ProfileFor returns the routing profile for an intent. Unknown intents get
// the research profile, which is also the router's failure default.
func (c *Config) ProfileFor(intent models.Intent) models.RoutingProfile {
	if p, ok := c.Routing[intent]; ok {
		return p
	}
	return c.DefaultProfile()
}

// DefaultProfile is the research-like profile used when classification
// fails or intent routing is disabled: hybrid+web with a high token cap.
func (c *Config) DefaultProfile() models.RoutingProfile {
	return c.Routing[models.IntentResearch]
}

func defaultRouting() map[models.Intent]models.RoutingProfile {
	return map[models.Intent]models.RoutingProfile{
		models.IntentFAQ: {
			Intent:            models.IntentFAQ,
			Model:             envString("ROUTE_FAQ_MODEL", "gpt-4o-mini"),
			MaxOutputTokens:   envInt("ROUTE_FAQ_MAX_TOKENS", 400),
			RetrieverStrategy: models.StrategyVector,
		},
		models.IntentFactual: {
			Intent:            models.IntentFactual,
			Model:             envString("ROUTE_FACTUAL_MODEL", "gpt-4o-mini"),
			MaxOutputTokens:   envInt("ROUTE_FACTUAL_MAX_TOKENS", 700),
			RetrieverStrategy: models.StrategyHybrid,
		},
		models.IntentResearch: {
			Intent:            models.IntentResearch,
			Model:             envString("ROUTE_RESEARCH_MODEL", "gpt-4o"),
			MaxOutputTokens:   envInt("ROUTE_RESEARCH_MAX_TOKENS", 1500),
			RetrieverStrategy: models.StrategyHybridWeb,
		},
		models.IntentConversational: {
			Intent:            models.IntentConversational,
			Model:             envString("ROUTE_CONVERSATIONAL_MODEL", "gpt-4o-mini"),
			MaxOutputTokens:   envInt("ROUTE_CONVERSATIONAL_MAX_TOKENS", 500),
			RetrieverStrategy: models.StrategyVector,
		},
	}
}

// --- env helpers ---

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(strings.ToLower(p)); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
