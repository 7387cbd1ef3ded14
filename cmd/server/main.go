package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/patrickwarner/adtrack/internal/analytics"
	"github.com/patrickwarner/adtrack/internal/api"
	"github.com/patrickwarner/adtrack/internal/config"
	"github.com/patrickwarner/adtrack/internal/db"
	"github.com/patrickwarner/adtrack/internal/geoip"
	"github.com/patrickwarner/adtrack/internal/logic/ratelimit"
	"github.com/patrickwarner/adtrack/internal/logic/selectors"
	"github.com/patrickwarner/adtrack/internal/middleware"
	"github.com/patrickwarner/adtrack/internal/models"
	"github.com/patrickwarner/adtrack/internal/observability"
	"github.com/patrickwarner/adtrack/internal/tracking"
)

func main() {
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

	if _, err := middleware.ParseTrustedProxies(cfg.TrustedProxies); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if cfg.TracingEnabled {
		shutdownTracing, err := observability.InitTracing(ctx, logger, cfg.ServiceName, cfg.TempoEndpoint, cfg.TracingSampleRate)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer shutdownTracing()
	}

	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		return fmt.Errorf("failed to connect postgres: %w", err)
	}
	ch, err := db.InitClickHouse(cfg.ClickHouseDSN, cfg.CHMaxOpenConns, cfg.CHMaxIdleConns, cfg.CHConnMaxLifetime, cfg.CHConnMaxIdleTime)
	if err != nil {
		pg.Close()
		return fmt.Errorf("failed to connect clickhouse: %w", err)
	}
	store := db.NewStore(pg, ch)
	defer store.Close()

	redisStore, err := db.InitRedis(cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	defer redisStore.Close()

	geoSvc, err := geoip.Init(cfg.GeoIPDB)
	if err != nil {
		logger.Warn("geoip unavailable, locations will not be inferred", zap.Error(err))
		geoSvc = nil
	} else {
		defer func() { _ = geoSvc.Close() }()
	}

	metricsRegistry := observability.NewPrometheusRegistry()

	catalog := models.NewInMemoryAdCatalog()
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Enabled:         cfg.RateLimitEnabled,
		ImpressionLimit: cfg.ImpressionRateLimit,
		ClickLimit:      cfg.ClickRateLimit,
		Window:          cfg.RateLimitWindow,
		SweepGrace:      cfg.RateLimitWindow,
	}, metricsRegistry)
	aggregator := analytics.NewAggregator(store, logger, metricsRegistry)

	ingestOpts := []tracking.Option{
		tracking.WithLogger(logger),
		tracking.WithMetrics(metricsRegistry),
	}
	if cfg.ClickDedupWindow > 0 {
		ingestOpts = append(ingestOpts, tracking.WithClickDeduper(redisStore))
	}
	ingestor := tracking.NewIngestor(store, catalog, limiter, aggregator, tracking.Config{
		FlushThreshold:   cfg.FlushThreshold,
		FlushTimeout:     cfg.FlushTimeout,
		ClickDedupWindow: cfg.ClickDedupWindow,
	}, ingestOpts...)

	// Swap out RuleBasedSelector for a custom one to change how ads are chosen.
	selector := selectors.NewRuleBasedSelector(catalog, logger, cfg.DefaultAdLimit)
	srvDeps := api.NewServer(logger, catalog, selector, ingestor, aggregator, pg, redisStore, geoSvc, metricsRegistry, cfg)
	if err := srvDeps.Reload(ctx); err != nil {
		return fmt.Errorf("initial catalog load: %w", err)
	}

	if err := redisStore.SubscribeCatalogUpdates(ctx, func(msg db.UpdateMessage) {
		logger.Info("catalog update received", zap.String("entity", msg.Entity), zap.String("action", msg.Action))
		if err := srvDeps.Reload(ctx); err != nil {
			logger.Error("reload on update", zap.Error(err))
		}
	}); err != nil {
		logger.Warn("catalog update subscription failed, relying on periodic reload", zap.Error(err))
	}

	scheduler, err := newScheduler(ctx, logger, cfg, ingestor, limiter, srvDeps)
	if err != nil {
		return err
	}
	scheduler.Start()

	r := mux.NewRouter()
	srvDeps.Routes(r)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      otelhttp.NewHandler(r, cfg.ServiceName),
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

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	<-scheduler.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), cfg.FlushTimeout)
	defer cancelFlush()
	if err := ingestor.Shutdown(flushCtx); err != nil {
		logger.Error("final flush failed", zap.Error(err), zap.Int("pending", ingestor.Pending()))
	}
	return runErr
}

// newScheduler registers the periodic flush, limiter sweep and catalog
// reload jobs.
func newScheduler(ctx context.Context, logger *zap.Logger, cfg config.Config, ingestor *tracking.Ingestor, limiter *ratelimit.Limiter, srv *api.Server) (*cron.Cron, error) {
	c := cron.New()

	if cfg.FlushInterval > 0 {
		if _, err := c.AddFunc(every(cfg.FlushInterval), func() {
			if _, err := ingestor.Flush(ctx); err != nil {
				logger.Warn("scheduled flush failed", zap.Error(err))
			}
		}); err != nil {
			return nil, fmt.Errorf("schedule flush: %w", err)
		}
	}

	if cfg.RateLimitSweepInterval > 0 {
		if _, err := c.AddFunc(every(cfg.RateLimitSweepInterval), func() {
			evicted := limiter.Sweep()
			logger.Debug("rate limit sweep", zap.Int("evicted", evicted), zap.Int("windows", limiter.Size()))
			for kind, st := range limiter.GetStats() {
				logger.Info("rate limit stats", zap.String("kind", string(kind)), zap.Stringer("stats", st))
			}
		}); err != nil {
			return nil, fmt.Errorf("schedule sweep: %w", err)
		}
	}

	if cfg.ReloadInterval > 0 {
		if _, err := c.AddFunc(every(cfg.ReloadInterval), func() {
			if err := srv.Reload(ctx); err != nil {
				logger.Error("auto reload", zap.Error(err))
			}
		}); err != nil {
			return nil, fmt.Errorf("schedule reload: %w", err)
		}
	}

	if _, err := c.AddFunc("@every 1m", func() {
		observability.LogSamplingStats(logger)
	}); err != nil {
		return nil, fmt.Errorf("schedule sampling stats: %w", err)
	}
	return c, nil
}

func every(d time.Duration) string {
	return "@every " + d.String()
}
