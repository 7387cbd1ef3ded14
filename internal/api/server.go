package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/patrickwarner/adtrack/internal/config"
	"github.com/patrickwarner/adtrack/internal/db"
	"github.com/patrickwarner/adtrack/internal/geoip"
	"github.com/patrickwarner/adtrack/internal/logic/selectors"
	"github.com/patrickwarner/adtrack/internal/middleware"
	"github.com/patrickwarner/adtrack/internal/models"
	"github.com/patrickwarner/adtrack/internal/observability"
	"github.com/patrickwarner/adtrack/internal/tracking"
)

var tracer = observability.Tracer("api")

// CatalogSource loads the full ad catalog, typically from Postgres.
type CatalogSource interface {
	LoadCatalog(ctx context.Context) ([]models.Ad, []models.TargetingRule, []models.Placement, error)
}

// UpdatePublisher announces catalog changes to other instances.
type UpdatePublisher interface {
	PublishCatalogUpdate(ctx context.Context, msg db.UpdateMessage) error
}

// AnalyticsService answers the analytics endpoints.
type AnalyticsService interface {
	GetAdAnalytics(ctx context.Context, adID int64, tr models.TimeRange) (*models.AdAnalytics, error)
	GetPlatformStatistics(ctx context.Context) (*models.PlatformStatistics, error)
}

// Server groups dependencies for HTTP handlers.
type Server struct {
	Logger    *zap.Logger
	Catalog   *models.InMemoryAdCatalog
	Selector  *selectors.RuleBasedSelector
	Ingestor  *tracking.Ingestor
	Analytics AnalyticsService
	Source    CatalogSource
	Publisher UpdatePublisher
	GeoIP     *geoip.GeoIP
	Metrics   observability.MetricsRegistry
	Config    config.Config
	proxies   middleware.TrustedProxies
	reloadMu  sync.Mutex
}

// NewServer constructs a Server. A nil selector is replaced by a rule based
// selector over catalog.
func NewServer(logger *zap.Logger, catalog *models.InMemoryAdCatalog, selector *selectors.RuleBasedSelector, ingestor *tracking.Ingestor, analytics AnalyticsService, source CatalogSource, publisher UpdatePublisher, geo *geoip.GeoIP, metrics observability.MetricsRegistry, cfg config.Config) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	if selector == nil {
		selector = selectors.NewRuleBasedSelector(catalog, logger, cfg.DefaultAdLimit)
	}
	proxies, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		logger.Error("invalid trusted proxies, ignoring forwarding headers", zap.Error(err))
	}
	return &Server{
		Logger:    logger,
		Catalog:   catalog,
		Selector:  selector,
		Ingestor:  ingestor,
		Analytics: analytics,
		Source:    source,
		Publisher: publisher,
		GeoIP:     geo,
		Metrics:   metrics,
		Config:    cfg,
		proxies:   proxies,
	}
}

// clientIP resolves the caller, honoring forwarding headers only from
// trusted proxies.
func (s *Server) clientIP(r *http.Request) string {
	return middleware.ClientIP(r, s.proxies)
}

// Routes registers every endpoint on r.
func (s *Server) Routes(r *mux.Router) {
	r.Use(middleware.WithTraceLogger(s.Logger))

	r.HandleFunc("/ads", s.ServeAdsHandler).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/ads/recommended", s.RecommendedAdsHandler).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/impression", s.ImpressionHandler).Methods(http.MethodPost)
	r.HandleFunc("/impressions/bulk", s.BulkImpressionsHandler).Methods(http.MethodPost)
	r.HandleFunc("/click", s.ClickHandler).Methods(http.MethodPost)

	r.HandleFunc("/analytics/ads/{id:[0-9]+}", s.AdAnalyticsHandler).Methods(http.MethodGet)
	r.HandleFunc("/analytics/platform", s.PlatformStatisticsHandler).Methods(http.MethodGet)

	r.HandleFunc("/flush", s.FlushHandler).Methods(http.MethodPost)
	r.HandleFunc("/reload", s.ReloadHandler).Methods(http.MethodPost)
	r.HandleFunc("/health", s.HealthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())
}

// Reload refreshes ads, targeting rules and placements from the catalog
// source and swaps them into the in-memory catalog.
func (s *Server) Reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if s.Source == nil {
		return fmt.Errorf("catalog source unavailable")
	}
	ads, rules, placements, err := s.Source.LoadCatalog(ctx)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	if err := s.Catalog.ReloadAll(ads, rules, placements); err != nil {
		return fmt.Errorf("reload catalog: %w", err)
	}
	s.Logger.Info("catalog reloaded",
		zap.Int("ads", len(ads)),
		zap.Int("rules", len(rules)),
		zap.Int("placements", len(placements)))
	return nil
}

// notifyUpdate tells other instances to reload. Failures are logged only.
func (s *Server) notifyUpdate(ctx context.Context, entity, action string) {
	if s.Publisher == nil {
		s.Logger.Warn("update publisher not available, skipping update notification")
		return
	}
	msg := db.UpdateMessage{Entity: entity, Action: action}
	if err := s.Publisher.PublishCatalogUpdate(ctx, msg); err != nil {
		s.Logger.Error("failed to publish update message", zap.Error(err))
	}
}

func (s *Server) observe(endpoint, method string, status int, start time.Time) {
	s.Metrics.IncrementRequests(endpoint, method, strconv.Itoa(status))
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
}
