package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/patrickwarner/adtrack/internal/analytics"
	"github.com/patrickwarner/adtrack/internal/config"
	"github.com/patrickwarner/adtrack/internal/db"
	"github.com/patrickwarner/adtrack/internal/logic/selectors"
	"github.com/patrickwarner/adtrack/internal/models"
)

const toolTimeout = 10 * time.Second

// GetActiveAdsInput filters the active ad listing.
type GetActiveAdsInput struct {
	PlacementType string `json:"placement_type,omitempty" jsonschema:"only return ads of this placement type"`
}

// AdSummary is the tool view of an ad. Times are RFC3339 strings.
type AdSummary struct {
	ID            int64   `json:"id"`
	CampaignID    int64   `json:"campaign_id"`
	PlacementType string  `json:"placement_type"`
	Title         string  `json:"title,omitempty"`
	Priority      int     `json:"priority"`
	Status        string  `json:"status"`
	StartDate     string  `json:"start_date"`
	EndDate       string  `json:"end_date,omitempty"`
	Impressions   int64   `json:"impressions"`
	Clicks        int64   `json:"clicks"`
	CTR           float64 `json:"ctr"`
}

func summarize(a models.Ad) AdSummary {
	out := AdSummary{
		ID:            a.ID,
		CampaignID:    a.CampaignID,
		PlacementType: a.PlacementType,
		Title:         a.Title,
		Priority:      a.Priority,
		Status:        string(a.Status),
		StartDate:     a.StartDate.Format(time.RFC3339),
		Impressions:   a.Impressions,
		Clicks:        a.Clicks,
		CTR:           a.CTR,
	}
	if a.EndDate != nil {
		out.EndDate = a.EndDate.Format(time.RFC3339)
	}
	return out
}

// GetActiveAdsOutput lists servable ads in serving order.
type GetActiveAdsOutput struct {
	Ads []AdSummary `json:"ads"`
}

// GetAdAnalyticsInput selects an ad and an optional time range.
type GetAdAnalyticsInput struct {
	AdID  int64  `json:"ad_id" jsonschema:"ad to report on"`
	Start string `json:"start,omitempty" jsonschema:"range start, RFC3339"`
	End   string `json:"end,omitempty" jsonschema:"range end, RFC3339"`
}

// GetPlatformStatisticsInput takes no arguments.
type GetPlatformStatisticsInput struct{}

// analyticsServer holds the dependencies of the MCP tools.
type analyticsServer struct {
	catalog    models.AdCatalog
	aggregator *analytics.Aggregator
	logger     *zap.Logger
	now        func() time.Time
}

// GetActiveAds implements the get_active_ads tool.
func (s *analyticsServer) GetActiveAds(ctx context.Context, req *mcp.CallToolRequest, input GetActiveAdsInput) (*mcp.CallToolResult, GetActiveAdsOutput, error) {
	ads := s.catalog.ListActiveAds(s.now())
	selectors.SortForServing(ads)
	out := GetActiveAdsOutput{Ads: make([]AdSummary, 0, len(ads))}
	for _, a := range ads {
		if input.PlacementType != "" && a.PlacementType != input.PlacementType {
			continue
		}
		out.Ads = append(out.Ads, summarize(a))
	}
	s.logger.Info("get_active_ads", zap.Int("count", len(out.Ads)), zap.String("placement_type", input.PlacementType))
	return nil, out, nil
}

// GetAdAnalytics implements the get_ad_analytics tool.
func (s *analyticsServer) GetAdAnalytics(ctx context.Context, req *mcp.CallToolRequest, input GetAdAnalyticsInput) (*mcp.CallToolResult, models.AdAnalytics, error) {
	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	var tr models.TimeRange
	for _, b := range []struct {
		raw string
		dst **time.Time
	}{{input.Start, &tr.Start}, {input.End, &tr.End}} {
		if b.raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, b.raw)
		if err != nil {
			return nil, models.AdAnalytics{}, fmt.Errorf("invalid time %q: %w", b.raw, err)
		}
		*b.dst = &t
	}

	out, err := s.aggregator.GetAdAnalytics(ctx, input.AdID, tr)
	if err != nil {
		s.logger.Warn("get_ad_analytics", zap.Int64("ad_id", input.AdID), zap.Error(err))
		return nil, models.AdAnalytics{}, err
	}
	return nil, *out, nil
}

// GetPlatformStatistics implements the get_platform_statistics tool.
func (s *analyticsServer) GetPlatformStatistics(ctx context.Context, req *mcp.CallToolRequest, _ GetPlatformStatisticsInput) (*mcp.CallToolResult, models.PlatformStatistics, error) {
	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	st, err := s.aggregator.GetPlatformStatistics(ctx)
	if err != nil {
		return nil, models.PlatformStatistics{}, err
	}
	return nil, *st, nil
}

// newMCPServer registers the tools on a fresh MCP server.
func newMCPServer(s *analyticsServer) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "adtrack",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_active_ads",
		Description: "List ads that are currently servable, in serving order",
	}, s.GetActiveAds)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_ad_analytics",
		Description: "Impressions, clicks, CTR, unique users, daily series and top placements for one ad",
	}, s.GetAdAnalytics)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_platform_statistics",
		Description: "Ad status counts and platform wide impressions, clicks and CTR",
	}, s.GetPlatformStatistics)
	return server
}

func main() {
	// Log to stderr; stdout carries the MCP protocol.
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.LevelKey = "level"
	zcfg.EncoderConfig.NameKey = "logger"
	zcfg.EncoderConfig.CallerKey = "caller"
	zcfg.EncoderConfig.MessageKey = "msg"
	zcfg.EncoderConfig.StacktraceKey = "stacktrace"

	logger, err := zcfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger = logger.Named("adtrack-mcp").With(zap.String("service", "adtrack-mcp"))
	zap.ReplaceGlobals(logger)

	cfg := config.Load()

	pg, err := db.InitPostgres(cfg.PostgresDSN, 10, 5, 30*time.Minute, cfg.DBConnMaxIdleTime)
	if err != nil {
		logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	ch, err := db.InitClickHouse(cfg.ClickHouseDSN, 10, 5, cfg.CHConnMaxLifetime, cfg.CHConnMaxIdleTime)
	if err != nil {
		pg.Close()
		logger.Fatal("Failed to connect to ClickHouse", zap.Error(err))
	}
	store := db.NewStore(pg, ch)
	defer store.Close()

	catalog := models.NewInMemoryAdCatalog()
	ads, rules, placements, err := pg.LoadCatalog(context.Background())
	if err != nil {
		logger.Fatal("Failed to load catalog", zap.Error(err))
	}
	if err := catalog.ReloadAll(ads, rules, placements); err != nil {
		logger.Fatal("Failed to populate catalog", zap.Error(err))
	}
	logger.Info("Loaded catalog from Postgres",
		zap.Int("ads", len(ads)),
		zap.Int("rules", len(rules)),
		zap.Int("placements", len(placements)))

	server := newMCPServer(&analyticsServer{
		catalog:    catalog,
		aggregator: analytics.NewAggregator(store, logger, nil),
		logger:     logger,
		now:        time.Now,
	})

	var logBuffer bytes.Buffer
	transport := &mcp.LoggingTransport{
		Transport: &mcp.StdioTransport{},
		Writer:    &logBuffer,
	}

	logger.Info("MCP Server running via stdio")
	if err := server.Run(context.Background(), transport); err != nil {
		logger.Fatal("Server error", zap.Error(err), zap.String("mcp_logs", logBuffer.String()))
	}
}
