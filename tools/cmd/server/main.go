package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/patrickwarner/chatads/internal/analytics"
	"github.com/patrickwarner/chatads/internal/api"
	"github.com/patrickwarner/chatads/internal/billing"
	"github.com/patrickwarner/chatads/internal/config"
	"github.com/patrickwarner/chatads/internal/db"
	"github.com/patrickwarner/chatads/internal/embedding"
	"github.com/patrickwarner/chatads/internal/geoip"
	"github.com/patrickwarner/chatads/internal/ledger"
	"github.com/patrickwarner/chatads/internal/logic/ratelimit"
	"github.com/patrickwarner/chatads/internal/macros"
	"github.com/patrickwarner/chatads/internal/models"
	"github.com/patrickwarner/chatads/internal/observability"
	"github.com/patrickwarner/chatads/internal/serving"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := observability.InitLoggerWithService(cfg.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	defer func() {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to sync logger: %v\n", err)
		}
	}()

	if err := run(logger, cfg); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TokenSecret == "" {
		return fmt.Errorf("TOKEN_SECRET is required")
	}

	if cfg.TracingEnabled {
		shutdown, err := observability.InitTracing(ctx, logger, cfg.ServiceName, cfg.TempoEndpoint, cfg.TracingSampleRate)
		if err != nil {
			logger.Warn("tracing disabled", zap.Error(err))
		} else {
			defer shutdown()
		}
	}

	if err := db.MigrateIfEnabled(cfg.AutoMigrate, cfg.PostgresDSN); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}

	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		return fmt.Errorf("failed to connect postgres: %w", err)
	}
	defer pg.Close()

	redisStore, err := db.InitRedis(ctx, cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	defer redisStore.Close()

	metricsRegistry := observability.NewPrometheusRegistry()

	// analytics is best effort; serving continues without it
	var sink analytics.Sink
	analyticsSvc, err := analytics.InitClickHouse(ctx, cfg.ClickHouseDSN, analytics.PoolConfig{
		MaxOpenConns:    cfg.CHMaxOpenConns,
		MaxIdleConns:    cfg.CHMaxIdleConns,
		ConnMaxLifetime: cfg.CHConnMaxLifetime,
		ConnMaxIdleTime: cfg.CHConnMaxIdleTime,
	})
	if err != nil {
		logger.Warn("clickhouse unavailable, analytics disabled", zap.Error(err))
	} else {
		defer analyticsSvc.Close()
		sink = analyticsSvc
	}

	geoSvc, err := geoip.Init(cfg.GeoIPDB)
	if err != nil {
		logger.Warn("geoip unavailable, country lookup disabled", zap.Error(err))
		geoSvc = nil
	} else {
		defer func() { _ = geoSvc.Close() }()
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
	}, redisStore, logger, metricsRegistry)
	if err != nil {
		return fmt.Errorf("init embedding provider: %w", err)
	}

	creators := models.NewCreatorCatalog()
	led := ledger.New(pg)
	engine := serving.New(serving.Deps{
		Store:    pg,
		Creators: creators,
		Embedder: embedder,
		Ledger:   led,
		Billing: billing.NewService(pg, led, billing.Config{
			RevenueShare: cfg.CreatorRevenueShare,
			MaxRetries:   cfg.BillingMaxRetries,
		}, logger, metricsRegistry),
		Redis:     redisStore,
		Analytics: sink,
		Logger:    logger,
		Metrics:   metricsRegistry,
	}, serving.Options{
		DefaultThreshold: cfg.DefaultSimilarityThreshold,
		DefaultLimit:     cfg.DefaultServeLimit,
		MaxLimit:         cfg.MaxServeLimit,
		CreatorDefaults:  cfg.CreatorDefaults(),
		FrequencyWindow:  cfg.FrequencyWindow,
		TokenSecret:      []byte(cfg.TokenSecret),
		PublicBaseURL:    cfg.PublicBaseURL,
	})

	rateLimiter := ratelimit.NewCreatorLimiter(ratelimit.Config{
		Capacity:   cfg.RateLimitCapacity,
		RefillRate: cfg.RateLimitRefillRate,
		Enabled:    cfg.RateLimitEnabled,
	}, metricsRegistry)

	srvDeps := api.NewServer(logger, engine, pg, creators, geoSvc, rateLimiter, metricsRegistry, cfg)
	srvDeps.Macros = macros.NewExpander(logger, prometheus.DefaultRegisterer, false)
	srvDeps.Embedder = embedder
	if err := srvDeps.Reload(ctx); err != nil {
		return fmt.Errorf("load creators: %w", err)
	}
	logger.Info("creators loaded", zap.Int("count", creators.Len()))

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      srvDeps.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	logger.Info("Ad server running", zap.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	if cfg.ReloadInterval > 0 {
		ticker := time.NewTicker(cfg.ReloadInterval)
		go func() {
			for {
				select {
				case <-ticker.C:
					if err := srvDeps.Reload(ctx); err != nil {
						logger.Error("auto reload", zap.Error(err))
					}
				case <-ctx.Done():
					ticker.Stop()
					return
				}
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	return nil
}
