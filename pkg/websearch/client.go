// Package websearch queries a live web search provider and folds the
// results into a token-capped context block.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/henryperkins/veritas/pkg/llm"
	"github.com/henryperkins/veritas/pkg/models"
	"github.com/henryperkins/veritas/pkg/tokens"
)

// Mode controls how much of each result feeds the context.
type Mode string

const (
	// ModeSummary uses only the provider snippet per result.
	ModeSummary Mode = "summary"
	// ModeFull uses the full page content the provider returns.
	ModeFull Mode = "full"
)

// Request is one web search invocation.
type Request struct {
	Query string
	Count int
	Mode  Mode
}

// Response is the provider results plus the assembled context block.
type Response struct {
	Results     []models.Reference
	ContextText string
	Tokens      int
	Trimmed     bool
}

// Searcher is the web collaborator surface used by the dispatcher.
type Searcher interface {
	Search(ctx context.Context, req Request) (*Response, error)
}

// Client queries an HTTP JSON search endpoint. The provider is expected
// to answer GET <base>/search?q=...&count=... with
// {"results": [{"title", "url", "snippet", "content"}]}.
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	maxTokens   int
	budgetModel string
	retry       llm.Policy
	retryLog    *llm.RetryLog
	logger      *slog.Logger
}

// ClientConfig configures the web search client.
type ClientConfig struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	MaxTokens int
	// BudgetModel is the model whose tokenizer prices the context cap.
	BudgetModel string
	// Retry governs transient-failure retries; zero value means the
	// default policy.
	Retry llm.Policy
}

// LoadClientConfigFromEnv reads provider settings from the environment.
// An empty base URL means web search is unconfigured; the dispatcher
// treats that as the web collaborator being unavailable.
func LoadClientConfigFromEnv(maxTokens int, budgetModel string, retry llm.Policy) ClientConfig {
	return ClientConfig{
		BaseURL:     os.Getenv("WEB_SEARCH_URL"),
		APIKey:      os.Getenv("WEB_SEARCH_API_KEY"),
		Timeout:     15 * time.Second,
		MaxTokens:   maxTokens,
		BudgetModel: budgetModel,
		Retry:       retry,
	}
}

// NewClient creates a web search client, or nil when no base URL is
// configured.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	retry := cfg.Retry
	if retry.MaxAttempts < 1 {
		retry = llm.DefaultPolicy()
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		httpClient:  &http.Client{Timeout: timeout},
		maxTokens:   cfg.MaxTokens,
		budgetModel: cfg.BudgetModel,
		retry:       retry,
		retryLog:    llm.SharedRetryLog(),
		logger:      logger,
	}
}

type providerResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Content string `json:"content"`
}

type providerResponse struct {
	Results []providerResult `json:"results"`
}

// Search runs one query and assembles the context block. Results keep
// provider rank order; the context is capped at the configured token
// budget with Trimmed reporting whether anything was cut. Transient
// provider failures are retried under the shared retry policy.
func (c *Client) Search(ctx context.Context, req Request) (*Response, error) {
	q := url.Values{}
	q.Set("q", req.Query)
	if req.Count > 0 {
		q.Set("count", strconv.Itoa(req.Count))
	}
	searchURL := c.baseURL + "/search?" + q.Encode()

	var parsed providerResponse
	err := c.retry.Do(ctx, c.retryLog, "web.search", func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
		if err != nil {
			return fmt.Errorf("building web search request: %w", err)
		}
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return fmt.Errorf("web search request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("web search returned status %d", resp.StatusCode)
		}

		parsed = providerResponse{}
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return fmt.Errorf("decoding web search response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	results := make([]models.Reference, 0, len(parsed.Results))
	for i, r := range parsed.Results {
		body := r.Snippet
		if req.Mode == ModeFull && r.Content != "" {
			body = r.Content
		}
		results = append(results, models.Reference{
			ID:       fmt.Sprintf("web-%d", i+1),
			Title:    r.Title,
			URL:      r.URL,
			Content:  body,
			Source:   models.SourceWeb,
			Hydrated: true,
		})
	}

	contextText, trimmed := c.buildContext(results)
	return &Response{
		Results:     results,
		ContextText: contextText,
		Tokens:      tokens.EstimateTokens(contextText, c.budgetModel),
		Trimmed:     trimmed,
	}, nil
}

// buildContext concatenates results in rank order and truncates at the
// token cap.
func (c *Client) buildContext(results []models.Reference) (string, bool) {
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%s (%s)\n%s", r.Title, r.URL, r.Content)
	}
	full := b.String()
	if c.maxTokens <= 0 {
		return full, false
	}
	capped := tokens.TruncateToTokens(full, c.budgetModel, c.maxTokens)
	return capped, len(capped) < len(full)
}
