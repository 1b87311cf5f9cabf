// Veritas chat server — answers questions over a knowledge base with
// tiered retrieval, grounded synthesis, and a critic revision loop.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/henryperkins/veritas/pkg/api"
	"github.com/henryperkins/veritas/pkg/compact"
	"github.com/henryperkins/veritas/pkg/config"
	"github.com/henryperkins/veritas/pkg/critic"
	"github.com/henryperkins/veritas/pkg/llm"
	"github.com/henryperkins/veritas/pkg/orchestrator"
	"github.com/henryperkins/veritas/pkg/planner"
	"github.com/henryperkins/veritas/pkg/retrieval"
	"github.com/henryperkins/veritas/pkg/router"
	"github.com/henryperkins/veritas/pkg/store"
	"github.com/henryperkins/veritas/pkg/synthesis"
	"github.com/henryperkins/veritas/pkg/version"
	"github.com/henryperkins/veritas/pkg/websearch"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Load .env when present; real environments set variables directly.
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, using existing environment", "error", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(),
	}))
	slog.SetDefault(logger)

	httpPort := getEnv("HTTP_PORT", "8080")
	utilityModel := getEnv("UTILITY_MODEL", "gpt-4o-mini")

	slog.Info("Starting veritas", "version", version.Full(), "http_port", httpPort)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Database: connect and migrate
	db, err := store.Open(ctx, store.LoadConfigFromEnv())
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()
	if err := store.Migrate(db); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database")

	// 3. LLM client (completions + embeddings, shared retry policy)
	retryPolicy := llm.Policy{
		MaxAttempts:  cfg.RetryMaxAttempts,
		InitialDelay: cfg.RetryInitialDelay,
		MaxDelay:     cfg.RetryMaxDelay,
	}
	llmClient := llm.NewClient(llm.LoadClientConfigFromEnv(retryPolicy))

	// 4. Web search collaborator (nil when unconfigured; retrieval
	// degrades to knowledge-base-only)
	webClient := websearch.NewClient(
		websearch.LoadClientConfigFromEnv(cfg.WebContextMaxTokens, utilityModel, retryPolicy), logger)
	if webClient == nil {
		slog.Info("Web search unconfigured, knowledge base only")
	}

	// 5. Stores
	sessionStore := store.NewSessionStore(db)
	memoryStore := store.NewMemoryStore(db, llmClient, logger)

	// 6. Pipeline stages
	intentRouter := router.New(llmClient, cfg, utilityModel, logger)
	compactor := compact.NewCompactor(llmClient, compact.Options{
		MaxRecentTurns:   cfg.ContextMaxRecentTurns,
		MaxSummaryItems:  cfg.ContextMaxSummaryItems,
		MaxSalienceItems: cfg.ContextMaxSalienceItems,
		HistoryTokenCap:  cfg.ContextHistoryTokenCap,
		SummaryTokenCap:  cfg.ContextSummaryTokenCap,
		SalienceTokenCap: cfg.ContextSalienceTokenCap,
		Model:            utilityModel,
	}, logger)
	queryPlanner := planner.New(llmClient, cfg, utilityModel, logger)
	dispatcher := retrieval.NewDispatcher(retrieval.NewPgIndex(db, llmClient), webSearcher(webClient), cfg, logger)
	synthesizer := synthesis.New(llmClient, logger)
	reviewer := critic.New(llmClient, cfg, utilityModel, logger)

	orch := orchestrator.New(cfg, intentRouter, compactor, queryPlanner,
		dispatcher, synthesizer, reviewer, sessionStore, memoryStore, llmClient, logger)
	slog.Info("Pipeline initialized")

	// 7. HTTP server
	server := api.NewServer(orch, sessionStore,
		func(ctx context.Context) error { return store.Health(ctx, db) },
		func() any { return llm.SharedRetryLog().Snapshot() },
		api.Config{
			EventBufferSize:   cfg.EventBufferSize,
			RequestsPerMinute: envInt("REQUESTS_PER_MINUTE", 0),
			MaxMessages:       envInt("MAX_MESSAGES", 0),
			MaxMessageChars:   envInt("MAX_MESSAGE_CHARS", 0),
			MaxTotalChars:     envInt("MAX_TOTAL_CHARS", 0),
		}, logger)

	// 8. Serve until SIGTERM/SIGINT
	serveCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	addr := ":" + httpPort
	slog.Info("HTTP server listening", "addr", addr)
	if err := server.Listen(serveCtx, addr); err != nil {
		slog.Error("HTTP server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}

// webSearcher avoids handing the dispatcher a non-nil interface wrapping
// a nil *websearch.Client.
func webSearcher(c *websearch.Client) websearch.Searcher {
	if c == nil {
		return nil
	}
	return c
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

func logLevel() slog.Level {
	switch getEnv("LOG_LEVEL", "info") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
