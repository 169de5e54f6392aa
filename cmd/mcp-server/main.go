package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/patrickwarner/chatads/internal/analytics"
	"github.com/patrickwarner/chatads/internal/billing"
	"github.com/patrickwarner/chatads/internal/config"
	"github.com/patrickwarner/chatads/internal/db"
	"github.com/patrickwarner/chatads/internal/embedding"
	"github.com/patrickwarner/chatads/internal/ledger"
	"github.com/patrickwarner/chatads/internal/models"
	"github.com/patrickwarner/chatads/internal/observability"
	"github.com/patrickwarner/chatads/internal/serving"
)

const serviceName = "chatads-mcp"

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	// stdout carries protocol frames, so logs go to stderr
	logger, err := observability.InitStderrLogger(serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(logger, cfg, os.Getenv("CREATOR_API_KEY")); err != nil {
		logger.Error("mcp server error", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, cfg config.Config, apiKey string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if apiKey == "" {
		return fmt.Errorf("CREATOR_API_KEY is required")
	}
	if cfg.TokenSecret == "" {
		return fmt.Errorf("TOKEN_SECRET is required")
	}

	if err := db.MigrateIfEnabled(cfg.AutoMigrate, cfg.PostgresDSN); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}

	pg, err := db.InitPostgres(cfg.PostgresDSN, 10, 5, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pg.Close()
	logger.Info("Connected to PostgreSQL")

	// redis only backs the embedding cache and frequency cap here
	redisStore, err := db.InitRedis(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, embedding cache and frequency cap disabled", zap.Error(err))
		redisStore = nil
	} else {
		defer redisStore.Close()
	}

	var sink analytics.Sink
	if ch, err := analytics.InitClickHouse(ctx, cfg.ClickHouseDSN, analytics.PoolConfig{MaxOpenConns: 10, MaxIdleConns: 2}); err != nil {
		logger.Warn("clickhouse unavailable, analytics disabled", zap.Error(err))
	} else {
		defer ch.Close()
		sink = ch
	}

	embedder, err := embedding.New(ctx, embedding.Options{
		Provider:   cfg.EmbeddingProvider,
		APIKey:     cfg.GeminiAPIKey,
		Model:      cfg.EmbeddingModel,
		Dimensions: cfg.EmbeddingDimensions,
		URL:        cfg.EmbeddingURL,
		Timeout:    cfg.EmbeddingTimeout,
		MaxRetries: cfg.EmbeddingMaxRetries,
		CacheTTL:   cfg.EmbeddingCacheTTL,
	}, redisStore, logger, nil)
	if err != nil {
		return fmt.Errorf("init embedding provider: %w", err)
	}

	list, err := pg.ListCreators(ctx)
	if err != nil {
		return fmt.Errorf("load creators: %w", err)
	}
	creators := models.NewCreatorCatalog()
	creators.ReloadAll(list)
	creator := creators.GetByAPIKey(apiKey)
	if creator == nil {
		return fmt.Errorf("no creator for CREATOR_API_KEY")
	}

	led := ledger.New(pg)
	engine := serving.New(serving.Deps{
		Store:    pg,
		Creators: creators,
		Embedder: embedder,
		Ledger:   led,
		Billing: billing.NewService(pg, led, billing.Config{
			RevenueShare: cfg.CreatorRevenueShare,
			MaxRetries:   cfg.BillingMaxRetries,
		}, logger, nil),
		Redis:     redisStore,
		Analytics: sink,
		Logger:    logger,
	}, serving.Options{
		DefaultThreshold: cfg.DefaultSimilarityThreshold,
		DefaultLimit:     cfg.DefaultServeLimit,
		MaxLimit:         cfg.MaxServeLimit,
		CreatorDefaults:  cfg.CreatorDefaults(),
		FrequencyWindow:  cfg.FrequencyWindow,
		TokenSecret:      []byte(cfg.TokenSecret),
		PublicBaseURL:    cfg.PublicBaseURL,
	})

	server := mcp.NewServer(&mcp.Implementation{Name: "chatads", Version: "1.0.0"}, nil)
	(&adServer{engine: engine, creatorID: creator.ID, logger: logger}).register(server)

	logger.Info("MCP server running via stdio", zap.String("creator_id", creator.ID))
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}
