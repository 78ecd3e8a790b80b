// Command sibyl wires the retrieval-and-orchestration substrate
// together, serves search/explore/add/manage as MCP tools over
// streamable HTTP, and exposes its ambient admin HTTP surface. Any
// REST/CLI entrypoint beyond this wiring binary is the caller's
// concern; this binary's job is to construct the process-wide
// singletons once at startup and start their background loops.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sibyl-platform/sibyl/internal/agent"
	"github.com/sibyl-platform/sibyl/internal/cache"
	"github.com/sibyl-platform/sibyl/internal/checkpoint"
	"github.com/sibyl-platform/sibyl/internal/community"
	"github.com/sibyl-platform/sibyl/internal/config"
	"github.com/sibyl-platform/sibyl/internal/docstore"
	"github.com/sibyl-platform/sibyl/internal/entity"
	"github.com/sibyl-platform/sibyl/internal/events"
	"github.com/sibyl-platform/sibyl/internal/graphstore"
	"github.com/sibyl-platform/sibyl/internal/ingest"
	"github.com/sibyl-platform/sibyl/internal/lock"
	"github.com/sibyl-platform/sibyl/internal/logging"
	"github.com/sibyl-platform/sibyl/internal/orchestrator"
	"github.com/sibyl-platform/sibyl/internal/queue"
	"github.com/sibyl-platform/sibyl/internal/retrieval"
	"github.com/sibyl-platform/sibyl/internal/server"
	"github.com/sibyl-platform/sibyl/internal/tooldispatch"
	"github.com/sibyl-platform/sibyl/internal/worktree"
)

func main() {
	envFile := flag.String("env-file", ".env", "path to a .env file (optional)")
	yamlFile := flag.String("config", "", "path to a YAML config file (optional)")
	port := flag.String("port", "8089", "admin HTTP surface port")
	tenantID := flag.String("tenant", "", "tenant to recover agents for and run cron against at startup")
	flag.Parse()

	cfg, err := config.Load(*envFile, *yamlFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sibyl: loading config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sibyl: building logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, *port, *tenantID, logger); err != nil {
		logger.Fatal("sibyl exited with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, port, tenantID string, logger *zap.Logger) error {
	// --- Graph Store Adapter (A) ---
	graph, err := graphstore.Connect(ctx, graphstore.Config{
		URI: cfg.Mongo.URI,
		Database: cfg.Mongo.Database,
		WriteSemaphoreWidth: int64(cfg.Graph.WriteSemaphoreWidth),
		QueryTimeout: cfg.Graph.QueryTimeout,
		VectorTimeout: cfg.Graph.VectorTimeout,
		EmbeddingDimension: cfg.Embedding.Dimension,
	}, logger)
	if err != nil {
		return fmt.Errorf("connecting graph store: %w", err)
	}
	defer graph.Close(context.Background())

	// --- Document Store Adapter (B) ---
	docs, err := docstore.Open(cfg.Postgres.DSN, logger)
	if err != nil {
		return fmt.Errorf("opening document store: %w", err)
	}
	defer docs.Close()

	// --- Redis-backed singletons: Lock (C), Event Bus (F), Job Queue (E) ---
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parsing redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	locks := lock.New(redisClient, cfg.Lock.TTL, cfg.Lock.WaitTimeout, logger)
	bus := events.New(redisClient, logger)

	jobQueue := queue.New(redisClient, logger, func(name string, payload map[string]any) {
		bus.Publish(ctx, tenantID, events.Name(name), payload)
	})

	// --- Cache Layer (D) ---
	caches := cache.New(
		cfg.Cache.SearchSize, cfg.Cache.SearchTTL,
		cfg.Cache.EntitySize, cfg.Cache.EntityTTL,
		cfg.Cache.CommunitySize, cfg.Cache.CommunityTTL,
	)

	// --- Embedding + ingestion (G) ---
	embedder, err := newEmbedder(cfg)
	if err != nil {
		return fmt.Errorf("configuring embedder: %w", err)
	}
	pipeline := ingest.New(docs, graph, bus, embedder, logger)
	crawler := ingest.NewLocalFileCrawler(logger)
	registerCrawlJob(jobQueue, docs, pipeline, crawler, logger)
	go jobQueue.RunWorker(ctx, queue.JobCrawlSource, 5*time.Second)

	keywordIndex, err := retrieval.NewKeywordIndex()
	if err != nil {
		return fmt.Errorf("building keyword index: %w", err)
	}

	// --- Hybrid Retrieval Engine (H) ---
	retrievalEngine := retrieval.New(graph, docs, caches, embedder, keywordIndex, retrieval.DefaultConfig(), logger)

	// --- Community Detection (I) ---
	detector := community.New(graph, caches, logger)

	// --- Worktree Manager (J), Checkpoint/Recovery (M) ---
	worktrees := worktree.New(graph, cfg.Worktree.RepoDir, cfg.Worktree.BaseDir, logger)
	checkpoints := checkpoint.New(graph)

	// --- Agent Orchestrator (L) wired to the Agent Runner (K) via a Spawner ---
	provider, err := agent.NewChatProvider(agent.ProviderConfig{
		Provider: os.Getenv("SIBYL_LLM_PROVIDER"),
		Model: os.Getenv("SIBYL_LLM_MODEL"),
		APIKey: os.Getenv("SIBYL_LLM_API_KEY"),
		Temperature: 0.2,
		MaxOutputTokens: 4096,
	})
	if err != nil {
		logger.Warn("no LLM provider configured; agent spawning is disabled", zap.Error(err))
	}

	streams := agent.NewStreamHub(logger)

	orch := orchestrator.New(graph, checkpoints, worktrees, spawner(provider, graph, streams, logger), orchestrator.Config{
		HealthCheckInterval: cfg.Agent.HealthCheckInterval,
		StaleHeartbeatThreshold: cfg.Agent.StaleHeartbeatThreshold,
	}, logger)

	// --- Tool Dispatcher (N) ---
	dispatcher := tooldispatch.New(graph, retrievalEngine, locks, jobQueue, detector, worktrees, keywordIndex, tooldispatch.Config{
		AutoLink: true,
		AsyncAdd: true,
	}, logger)

	jobQueue.StartCron()
	defer jobQueue.StopCron()

	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "sibyl", Version: "1.0.0"}, &mcp.ServerOptions{
		HasTools: true,
	})
	if err := dispatcher.RegisterMCPTools(mcpServer); err != nil {
		return fmt.Errorf("registering mcp tools: %w", err)
	}
	mcpPort := os.Getenv("SIBYL_MCP_PORT")
	if mcpPort == "" {
		mcpPort = "7890"
	}
	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpServer }, &mcp.StreamableHTTPOptions{JSONResponse: true})
	mcpHTTP := &http.Server{Addr: ":" + mcpPort, Handler: mcpHandler}
	go func() {
		logger.Info("mcp server listening", zap.String("port", mcpPort))
		if err := mcpHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("mcp server exited with error", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mcpHTTP.Shutdown(shutdownCtx)
	}()

	if tenantID != "" {
		if err := graph.EnsureIndexes(ctx, tenantID); err != nil {
			logger.Warn("ensuring indexes failed (non-fatal, retried lazily)", zap.Error(err))
		}
		if err := orch.Start(ctx, tenantID); err != nil {
			logger.Error("orchestrator recovery failed", zap.Error(err))
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := orch.Stop(stopCtx, tenantID); err != nil {
				logger.Error("orchestrator shutdown failed", zap.Error(err))
			}
		}()
	}

	srv := server.New(server.Config{Port: port}, dispatcher, streams, logger)
	logger.Info("sibyl admin surface starting", zap.String("port", port))
	return srv.Run(ctx, server.Config{Port: port})
}

// spawner bridges the orchestrator's Spawner callback to an
// agent.Runner, keeping the orchestrator package itself free of
// langchaingo/provider concerns. The orchestrator's own health loop
// and Pause/Stop paths write checkpoints; the runner just needs to run.
func spawner(provider agent.ChatProvider, graph *graphstore.Adapter, streams *agent.StreamHub, logger *zap.Logger) orchestrator.Spawner {
	return func(ctx context.Context, rec *entity.AgentRecord, task *entity.Task) (context.CancelFunc, error) {
		if provider == nil {
			return nil, fmt.Errorf("no LLM provider configured")
		}
		runner := agent.New(provider, noopToolExecutor{}, graph, logger)
		runCtx, cancel := context.WithCancel(ctx)
		systemPrompt := agent.SystemPrompt(rec.AgentType, task, nil, nil)

		go func() {
			defer cancel()
			if err := runner.Run(runCtx, rec.OrganizationID, rec.Header, systemPrompt, nil, 0, streams.OnToken(rec.ID)); err != nil {
				logger.Error("agent run exited with error", zap.String("agent_id", rec.ID), zap.Error(err))
			}
		}()
		return cancel, nil
	}
}

type noopToolExecutor struct{}

func (noopToolExecutor) Execute(ctx context.Context, call agent.ToolCall) (string, error) {
	return "", fmt.Errorf("tool %q: no tool executor wired for this deployment", call.Name)
}

// crawlSourcePayload is the create_entity-style envelope a caller
// enqueues to trigger ingestion pipeline for one source.
type crawlSourcePayload struct {
	SourceID string `json:"source_id"`
	MaxPages int `json:"max_pages"`
	MaxDepth int `json:"max_depth"`
}

// registerCrawlJob wires the crawl_source job type to the ingestion
// pipeline, forwarding the queue's onProgress callback straight into
// the pipeline's own progress callback.
func registerCrawlJob(q *queue.Queue, docs *docstore.Store, pipeline *ingest.Pipeline, crawler ingest.Crawler, logger *zap.Logger) {
	q.Register(queue.JobCrawlSource, func(ctx context.Context, job queue.Job, onProgress queue.ProgressFunc) error {
		var payload crawlSourcePayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("crawl_source: decoding payload: %w", err)
		}
		src, err := docs.GetSource(ctx, job.TenantID, payload.SourceID)
		if err != nil {
			return fmt.Errorf("crawl_source: loading source %s: %w", payload.SourceID, err)
		}
		maxPages, maxDepth := payload.MaxPages, payload.MaxDepth
		if maxPages <= 0 {
			maxPages = src.CrawlDepth * 50
		}
		if maxDepth <= 0 {
			maxDepth = src.CrawlDepth
		}
		result, err := pipeline.Run(ctx, job.TenantID, src, crawler, maxPages, maxDepth, onProgress)
		if err != nil {
			return fmt.Errorf("crawl_source: running pipeline for %s: %w", payload.SourceID, err)
		}
		logger.Info("crawl_source completed",
			zap.String("source_id", payload.SourceID),
			zap.Int("documents", result.DocumentsStored),
			zap.Int("chunks", result.ChunksCreated))
		return nil
	})
}

// newEmbedder builds the embedding capability from the
// same LLM credentials the Agent Runner uses, unless a dedicated
// SIBYL_EMBEDDING_* override is set.
func newEmbedder(cfg *config.Config) (ingest.Embedder, error) {
	apiKey := os.Getenv("SIBYL_EMBEDDING_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("SIBYL_LLM_API_KEY")
	}
	model := os.Getenv("SIBYL_EMBEDDING_MODEL")
	if model == "" {
		model = "text-embedding-3-small"
	}
	baseURL := os.Getenv("SIBYL_EMBEDDING_BASE_URL")
	return ingest.NewLangchainEmbedder(apiKey, model, baseURL, cfg.Embedding.Dimension)
}
