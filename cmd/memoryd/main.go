// memoryd runs the hierarchical memory system: the four storage tiers,
// the background lifecycle engines, and the agent-facing HTTP API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/api"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/ciar"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/cleanup"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/config"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/engines"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/lifecycle"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/llm"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/scheduler"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/storage"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/system"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/tiers"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/version"
)

func main() {
	// Load .env if present; a missing file is normal outside development.
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	slog.Info("Starting memory system", "version", version.Full())

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Storage backends. Redis and Postgres carry the conversation loop;
	// Neo4j, Qdrant, and Typesense carry the consolidated tiers. All five
	// must come up before the system starts; health probes take over from
	// here and report runtime outages as degraded or unhealthy.
	redisStore := storage.NewRedisStore(storage.RedisConfig{
		URL:            cfg.Redis.URL,
		MetricsEnabled: cfg.Memory.MetricsEnabled,
	})
	if err := redisStore.Connect(ctx); err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer disconnect(redisStore.Name(), redisStore.Disconnect)

	pgStore := storage.NewPostgresStore(storage.PostgresConfig{
		URL:            cfg.Postgres.URL,
		MaxOpenConns:   cfg.Postgres.MaxOpenConns,
		MaxIdleConns:   cfg.Postgres.MaxIdleConns,
		MetricsEnabled: cfg.Memory.MetricsEnabled,
	})
	if err := pgStore.Connect(ctx); err != nil {
		slog.Error("Failed to connect to Postgres", "error", err)
		os.Exit(1)
	}
	defer disconnect(pgStore.Name(), pgStore.Disconnect)

	neoStore := storage.NewNeo4jStore(storage.Neo4jConfig{
		URI:            cfg.Neo4j.URI,
		User:           cfg.Neo4j.User,
		Password:       cfg.Neo4j.Password,
		MetricsEnabled: cfg.Memory.MetricsEnabled,
	})
	if err := neoStore.Connect(ctx); err != nil {
		slog.Error("Failed to connect to Neo4j", "error", err)
		os.Exit(1)
	}
	defer disconnect(neoStore.Name(), neoStore.Disconnect)

	qdrantStore := storage.NewQdrantStore(storage.QdrantConfig{
		URL:            cfg.Qdrant.URL,
		MetricsEnabled: cfg.Memory.MetricsEnabled,
	})
	if err := qdrantStore.Connect(ctx); err != nil {
		slog.Error("Failed to connect to Qdrant", "error", err)
		os.Exit(1)
	}
	defer disconnect(qdrantStore.Name(), qdrantStore.Disconnect)

	typesenseStore := storage.NewTypesenseStore(storage.TypesenseConfig{
		URL:            cfg.Typesense.URL,
		APIKey:         cfg.Typesense.APIKey,
		Collection:     cfg.Typesense.Collection,
		MetricsEnabled: cfg.Memory.MetricsEnabled,
	})
	if err := typesenseStore.Connect(ctx); err != nil {
		slog.Error("Failed to connect to Typesense", "error", err)
		os.Exit(1)
	}
	defer disconnect(typesenseStore.Name(), typesenseStore.Disconnect)
	slog.Info("Storage backends connected")

	// 3. LLM providers. Each present credential registers one provider;
	// zero providers is a valid configuration and the engines fall back to
	// rule-based extraction with canned replies.
	llmClient := llm.NewClient()
	llmClient.SetThrottle(cfg.LLM.ThrottleDelay)
	registerProviders(ctx, llmClient, cfg.LLM)

	var gen engines.Generator
	if cfg.HasLLMProvider() {
		gen = llmClient
	} else {
		slog.Warn("No LLM provider configured, running with rule-based fallbacks")
	}
	if dims := llmClient.EmbeddingDimensions(); dims > 0 && dims != int(cfg.Qdrant.VectorSize) {
		slog.Warn("Embedder dimensions differ from the configured vector size",
			"embedder_dims", dims, "vector_size", cfg.Qdrant.VectorSize)
	}

	// 4. Tiers
	scorer := ciar.NewScorer(ciar.Config{
		Lambda:    cfg.Memory.DecayLambda,
		Threshold: cfg.Memory.MinCIAR,
	})

	var backup storage.RelationalStore
	if cfg.Memory.L1PostgresBackup {
		backup = pgStore
	}
	activeTier := tiers.NewActiveContextTier(redisStore, backup, tiers.ActiveContextConfig{
		WindowSize:       cfg.Memory.L1WindowSize,
		TTL:              cfg.Memory.L1TTL,
		PostgresBackup:   cfg.Memory.L1PostgresBackup,
		RefreshTTLOnRead: cfg.Memory.L1RefreshTTLOnRead,
	})
	workingTier := tiers.NewWorkingMemoryTier(pgStore, scorer, tiers.WorkingMemoryConfig{
		Threshold:       cfg.Memory.MinCIAR,
		Alpha:           cfg.Memory.L2Alpha,
		MaxRecencyBoost: cfg.Memory.L2MaxRec,
		TTL:             cfg.Memory.L2TTL,
	})
	episodicTier := tiers.NewEpisodicTier(qdrantStore, neoStore, tiers.EpisodicConfig{
		Collection: cfg.Qdrant.Collection,
		VectorSize: int(cfg.Qdrant.VectorSize),
	})
	semanticTier := tiers.NewSemanticTier(typesenseStore)

	if err := episodicTier.Ensure(ctx); err != nil {
		slog.Error("Failed to prepare episodic memory schema", "error", err)
		os.Exit(1)
	}
	if err := semanticTier.Ensure(ctx); err != nil {
		slog.Error("Failed to prepare semantic memory schema", "error", err)
		os.Exit(1)
	}
	slog.Info("Memory tiers ready")

	// 5. Lifecycle engines
	segmenter := engines.NewTopicSegmenter(gen)
	extractor := engines.NewFactExtractor(gen)
	promotion := engines.NewPromotionEngine(activeTier, workingTier, segmenter, extractor, scorer,
		engines.PromotionConfig{
			BatchMinTurns:       cfg.Memory.BatchMinTurns,
			SegmentationEnabled: true,
		})
	consolidation := engines.NewConsolidationEngine(workingTier, episodicTier, gen, llmClient,
		engines.ConsolidationConfig{TimeWindow: cfg.Memory.ConsolidationWindow})
	distillation := engines.NewDistillationEngine(episodicTier, semanticTier, gen,
		engines.DistillationConfig{EpisodeThreshold: cfg.Memory.EpisodeThreshold})
	synthesizer := engines.NewKnowledgeSynthesizer(semanticTier, gen,
		engines.SynthesizerConfig{
			MaxResults:          cfg.Memory.MaxResults,
			SimilarityThreshold: cfg.Memory.SimilarityThreshold,
			CacheTTL:            cfg.Memory.SynthesisCacheTTL,
		})

	// 6. Lifecycle event stream
	var stream lifecycle.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		publisher := lifecycle.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer func() {
			if err := publisher.Close(); err != nil {
				slog.Error("Error closing lifecycle publisher", "error", err)
			}
		}()
		stream = publisher
		slog.Info("Lifecycle events enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	// 7. Facade
	memSystem := system.NewMemorySystem(
		activeTier, workingTier, episodicTier, semanticTier,
		promotion, consolidation, distillation, synthesizer,
		llmClient, stream,
		system.Config{
			AgentPrefix: cfg.HTTP.AgentPrefix,
			Flags:       cfg.Engines,
		},
	)
	memSystem.SetHealthProbes(
		[]system.Pinger{redisStore, pgStore},
		[]system.Pinger{neoStore, qdrantStore, typesenseStore},
	)

	// 8. Background services
	locks := lifecycle.NewSessionLock(redisStore, 0)
	sched := scheduler.New(cfg.Scheduler, memSystem, locks)
	sched.Start(ctx)

	retention := cleanup.NewService(cfg.Scheduler.CleanupInterval, activeTier, workingTier)
	retention.Start(ctx)

	// 9. HTTP server (non-blocking start)
	server := api.NewServer(memSystem, api.NewLLMResponder(gen))
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Memory system started", "agent_prefix", cfg.HTTP.AgentPrefix)

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: stop the cycle drivers first so no engine is
	// mid-write when the stores disconnect, then drain the HTTP server.
	stopped := make(chan struct{})
	go func() {
		sched.Stop()
		retention.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		slog.Info("Background services stopped")
	case <-time.After(30 * time.Second):
		slog.Warn("Background services shutdown timeout exceeded")
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpSrv.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}

// registerProviders wires one provider per present credential. Gemini leads
// because it is the only embedding-capable provider.
func registerProviders(ctx context.Context, client *llm.Client, cfg config.LLMConfig) {
	if cfg.GoogleAPIKey != "" {
		p, err := llm.NewGeminiProvider(ctx, cfg.GoogleAPIKey, cfg.GeminiModel, cfg.EmbeddingModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini provider", "error", err)
		} else {
			client.Register(p, llm.ProviderConfig{Priority: 1, Timeout: cfg.Timeout, Enabled: true})
			slog.Info("LLM provider registered", "provider", "gemini", "model", cfg.GeminiModel)
		}
	}
	if cfg.GroqAPIKey != "" {
		p, err := llm.NewGroqProvider(cfg.GroqAPIKey, cfg.GroqModel)
		if err != nil {
			slog.Error("Failed to initialize Groq provider", "error", err)
		} else {
			client.Register(p, llm.ProviderConfig{Priority: 2, Timeout: cfg.Timeout, Enabled: true})
			slog.Info("LLM provider registered", "provider", "groq", "model", cfg.GroqModel)
		}
	}
	if cfg.MistralAPIKey != "" {
		p, err := llm.NewMistralProvider(cfg.MistralAPIKey, cfg.MistralModel)
		if err != nil {
			slog.Error("Failed to initialize Mistral provider", "error", err)
		} else {
			client.Register(p, llm.ProviderConfig{Priority: 3, Timeout: cfg.Timeout, Enabled: true})
			slog.Info("LLM provider registered", "provider", "mistral", "model", cfg.MistralModel)
		}
	}
	if cfg.AnthropicAPIKey != "" {
		p, err := llm.NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.AnthropicModel)
		if err != nil {
			slog.Error("Failed to initialize Anthropic provider", "error", err)
		} else {
			client.Register(p, llm.ProviderConfig{Priority: 4, Timeout: cfg.Timeout, Enabled: true})
			slog.Info("LLM provider registered", "provider", "anthropic", "model", cfg.AnthropicModel)
		}
	}
}

func disconnect(name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		slog.Error("Error disconnecting storage backend", "backend", name, "error", err)
	}
}
