package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/patrickwarner/adtrack/internal/analytics"
	"github.com/patrickwarner/adtrack/internal/config"
	"github.com/patrickwarner/adtrack/internal/db"
	"github.com/patrickwarner/adtrack/internal/logic/ratelimit"
	"github.com/patrickwarner/adtrack/internal/models"
	"github.com/patrickwarner/adtrack/internal/observability"
	"github.com/patrickwarner/adtrack/internal/tracking"
)

type failingClickStore struct {
	*models.InMemoryStore
}

func (f *failingClickStore) InsertClick(context.Context, *models.ClickEvent) (string, error) {
	return "", errors.New("clickhouse down")
}

type staticSource struct {
	ads        []models.Ad
	rules      []models.TargetingRule
	placements []models.Placement
}

func (s staticSource) LoadCatalog(context.Context) ([]models.Ad, []models.TargetingRule, []models.Placement, error) {
	return s.ads, s.rules, s.placements, nil
}

type recordingPublisher struct {
	msgs []db.UpdateMessage
}

func (p *recordingPublisher) PublishCatalogUpdate(_ context.Context, msg db.UpdateMessage) error {
	p.msgs = append(p.msgs, msg)
	return nil
}

type testEnv struct {
	server    *Server
	router    *mux.Router
	store     *models.InMemoryStore
	publisher *recordingPublisher
}

func servingAd(id int64, priority int, created time.Time) models.Ad {
	return models.Ad{
		ID:        id,
		Priority:  priority,
		Status:    models.AdStatusActive,
		StartDate: time.Now().Add(-24 * time.Hour),
		CreatedAt: created,
	}
}

func newTestEnv(t *testing.T, limits ratelimit.Config, wrap func(*models.InMemoryStore) tracking.Store) *testEnv {
	t.Helper()
	now := time.Now()
	ads := []models.Ad{
		servingAd(1, 5, now.Add(-48*time.Hour)),
		servingAd(2, 5, now.Add(-24*time.Hour)),
		servingAd(3, 3, now.Add(-time.Hour)),
	}
	rules := []models.TargetingRule{{AdID: 3, Roles: []string{"instructor"}}}
	placements := []models.Placement{{ID: 7, Code: "sidebar", MaxAds: 2, IsActive: true}}

	catalog := models.NewInMemoryAdCatalog()
	require.NoError(t, catalog.ReloadAll(ads, rules, placements))

	mem := models.NewInMemoryStore(ads...)
	var store tracking.Store = mem
	if wrap != nil {
		store = wrap(mem)
	}
	logger := zaptest.NewLogger(t)
	metrics := observability.NewNoOpRegistry()
	agg := analytics.NewAggregator(mem, logger, metrics)
	limiter := ratelimit.NewLimiter(limits, metrics)
	ing := tracking.NewIngestor(store, catalog, limiter, agg,
		tracking.Config{FlushThreshold: 50, FlushTimeout: time.Second},
		tracking.WithLogger(logger), tracking.WithMetrics(metrics))

	pub := &recordingPublisher{}
	// httptest requests arrive from 192.0.2.1, standing in for the load balancer.
	cfg := config.Config{DefaultAdLimit: 3, DebugTrace: true, TrustedProxies: []string{"192.0.2.0/24"}}
	srv := NewServer(logger, catalog, nil, ing, agg, staticSource{ads: ads, rules: rules, placements: placements}, pub, nil, metrics, cfg)
	r := mux.NewRouter()
	srv.Routes(r)
	return &testEnv{server: srv, router: r, store: mem, publisher: pub}
}

func (e *testEnv) do(t *testing.T, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func adIDs(t *testing.T, rec *httptest.ResponseRecorder) []int64 {
	t.Helper()
	var resp AdsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	out := make([]int64, 0, len(resp.Ads))
	for _, a := range resp.Ads {
		out = append(out, a.ID)
	}
	return out
}

func TestServeAds_PriorityThenRecency(t *testing.T) {
	env := newTestEnv(t, ratelimit.DefaultConfig(), nil)

	rec := env.do(t, http.MethodGet, "/ads?placement=sidebar&limit=3", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{2, 1}, adIDs(t, rec))
}

func TestServeAds_MissingPlacement(t *testing.T) {
	env := newTestEnv(t, ratelimit.DefaultConfig(), nil)

	rec := env.do(t, http.MethodGet, "/ads", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeAds_UnknownPlacementIsEmpty(t *testing.T) {
	env := newTestEnv(t, ratelimit.DefaultConfig(), nil)

	rec := env.do(t, http.MethodGet, "/ads?placement=footer", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"placement":"footer","ads":[]}`, rec.Body.String())
}

func TestServeAds_PostProfileTargeting(t *testing.T) {
	env := newTestEnv(t, ratelimit.DefaultConfig(), nil)

	rec := env.do(t, http.MethodPost, "/ads/recommended",
		`{"placement":"sidebar","limit":2,"profile":{"role":"instructor"}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{3, 2}, adIDs(t, rec), "targeted ad scores highest")
}

func TestServeAds_DebugTrace(t *testing.T) {
	env := newTestEnv(t, ratelimit.DefaultConfig(), nil)

	rec := env.do(t, http.MethodGet, "/ads?placement=sidebar&debug=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp AdsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Debug)
	assert.NotEmpty(t, resp.Debug.Steps)
}

func TestServeAdsHandler_OversizedBody(t *testing.T) {
	env := newTestEnv(t, ratelimit.DefaultConfig(), nil)

	body := `{"placement":"sidebar","profile":{"interests":["` + strings.Repeat("x", maxAdsBody) + `"]}}`
	rec := env.do(t, http.MethodPost, "/ads", body, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = env.do(t, http.MethodPost, "/ads", `{"placement":"sidebar"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestImpressionHandler_Accepts(t *testing.T) {
	env := newTestEnv(t, ratelimit.DefaultConfig(), nil)

	rec := env.do(t, http.MethodPost, "/impression",
		`{"ad_id":1,"session_id":"s1","placement_code":"sidebar","ip":"1.1.1.1"}`,
		map[string]string{"X-Forwarded-For": "203.0.113.9"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, env.server.Ingestor.Pending())

	flush := env.do(t, http.MethodPost, "/flush", "", nil)
	require.Equal(t, http.StatusOK, flush.Code)
	imps := env.store.Impressions()
	require.Len(t, imps, 1)
	assert.Equal(t, "203.0.113.9", imps[0].IP, "client supplied ip is ignored")
	require.NotNil(t, imps[0].PlacementID)
	assert.Equal(t, int64(7), *imps[0].PlacementID)
}

func TestImpressionHandler_Validation(t *testing.T) {
	env := newTestEnv(t, ratelimit.DefaultConfig(), nil)

	rec := env.do(t, http.MethodPost, "/impression", `{"ad_id":1}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "session_id")

	rec = env.do(t, http.MethodPost, "/impression", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImpressionHandler_RateLimited(t *testing.T) {
	limits := ratelimit.DefaultConfig()
	limits.ImpressionLimit = 2
	env := newTestEnv(t, limits, nil)
	hdr := map[string]string{"X-Forwarded-For": "198.51.100.1"}

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "/impression", `{"ad_id":1,"session_id":"s1"}`, hdr)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/impression", `{"ad_id":1,"session_id":"s1"}`, hdr)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	other := env.do(t, http.MethodPost, "/impression", `{"ad_id":1,"session_id":"s1"}`,
		map[string]string{"X-Forwarded-For": "198.51.100.2"})
	assert.Equal(t, http.StatusAccepted, other.Code)
}

func TestImpressionHandler_SpoofedForwardingFromUntrustedPeer(t *testing.T) {
	limits := ratelimit.DefaultConfig()
	limits.ImpressionLimit = 2
	env := newTestEnv(t, limits, nil)

	send := func(i int) int {
		req := httptest.NewRequest(http.MethodPost, "/impression", strings.NewReader(`{"ad_id":1,"session_id":"s1"}`))
		req.RemoteAddr = "198.51.100.77:40000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i))
		req.Header.Set("X-Real-IP", fmt.Sprintf("203.0.114.%d", i))
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusAccepted, send(1))
	require.Equal(t, http.StatusAccepted, send(2))
	assert.Equal(t, http.StatusTooManyRequests, send(3), "rotating forwarding headers does not reset the peer's window")

	_, err := env.server.Ingestor.Flush(context.Background())
	require.NoError(t, err)
	require.Len(t, env.store.Impressions(), 2)
	for _, imp := range env.store.Impressions() {
		assert.Equal(t, "198.51.100.77", imp.IP)
	}
}

func TestBulkImpressionsHandler(t *testing.T) {
	env := newTestEnv(t, ratelimit.DefaultConfig(), nil)

	rec := env.do(t, http.MethodPost, "/impressions/bulk",
		`{"impressions":[{"ad_id":1,"session_id":"s"},{"ad_id":2,"session_id":"s"},{"ad_id":2,"session_id":"s"}]}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"status":"accepted","accepted":3}`, rec.Body.String())
	assert.Len(t, env.store.Impressions(), 3, "bulk flushes immediately")

	c, err := env.store.GetAdCounters(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.Impressions)
}

func TestBulkImpressionsHandler_WeightedLimit(t *testing.T) {
	limits := ratelimit.DefaultConfig()
	limits.ImpressionLimit = 2
	env := newTestEnv(t, limits, nil)
	hdr := map[string]string{"X-Forwarded-For": "198.51.100.1"}

	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/impression", `{"ad_id":1,"session_id":"s"}`, hdr).Code)
	rec := env.do(t, http.MethodPost, "/impressions/bulk",
		`{"impressions":[{"ad_id":1,"session_id":"s"},{"ad_id":1,"session_id":"s"}]}`, hdr)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestClickHandler_Recorded(t *testing.T) {
	env := newTestEnv(t, ratelimit.DefaultConfig(), nil)

	rec := env.do(t, http.MethodPost, "/click", `{"ad_id":1,"session_id":"s1"}`,
		map[string]string{"X-Forwarded-For": "203.0.113.5", "Referer": "https://example.com/page"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["id"])

	clicks := env.store.Clicks()
	require.Len(t, clicks, 1)
	assert.Equal(t, "203.0.113.5", clicks[0].IP)
	assert.Equal(t, "https://example.com/page", clicks[0].Referrer)
}

func TestClickHandler_PersistenceFailure(t *testing.T) {
	env := newTestEnv(t, ratelimit.DefaultConfig(), func(m *models.InMemoryStore) tracking.Store {
		return &failingClickStore{InMemoryStore: m}
	})

	rec := env.do(t, http.MethodPost, "/click", `{"ad_id":1,"session_id":"s1"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdAnalyticsHandler(t *testing.T) {
	env := newTestEnv(t, ratelimit.DefaultConfig(), nil)
	for i := 0; i < 4; i++ {
		require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/impression", `{"ad_id":1,"session_id":"s","user_id":"u1","placement_code":"sidebar"}`, nil).Code)
	}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/flush", "", nil).Code)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/click", `{"ad_id":1,"session_id":"s"}`, nil).Code)

	rec := env.do(t, http.MethodGet, "/analytics/ads/1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out models.AdAnalytics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, int64(4), out.Impressions)
	assert.Equal(t, int64(1), out.Clicks)
	assert.Equal(t, 25.0, out.CTR)
	assert.Equal(t, int64(1), out.UniqueUsers)
	require.Len(t, out.TopPlacements, 1)
	assert.Equal(t, "sidebar", out.TopPlacements[0].PlacementCode)
}

func TestAdAnalyticsHandler_Errors(t *testing.T) {
	env := newTestEnv(t, ratelimit.DefaultConfig(), nil)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/analytics/ads/999", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/analytics/ads/1?start=yesterday", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest,
		env.do(t, http.MethodGet, "/analytics/ads/1?start=2026-02-01&end=2026-01-01", "", nil).Code)
}

func TestPlatformStatisticsHandler(t *testing.T) {
	env := newTestEnv(t, ratelimit.DefaultConfig(), nil)

	rec := env.do(t, http.MethodGet, "/analytics/platform", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st models.PlatformStatistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, int64(3), st.ActiveAds)
}

func TestReloadHandler_PublishesUpdate(t *testing.T) {
	env := newTestEnv(t, ratelimit.DefaultConfig(), nil)
	require.NoError(t, env.server.Catalog.ReloadAll(nil, nil, nil))

	rec := env.do(t, http.MethodPost, "/reload", "", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Len(t, env.server.Catalog.GetAllAds(), 3)
	require.Len(t, env.publisher.msgs, 1)
	assert.Equal(t, "catalog", env.publisher.msgs[0].Entity)
}

func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t, ratelimit.DefaultConfig(), nil)

	rec := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestParseBound(t *testing.T) {
	end, err := parseBound("end", "2026-01-02", true)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 2, 23, 59, 59, 999999999, time.UTC), *end)

	start, err := parseBound("start", "2026-01-02T10:00:00Z", false)
	require.NoError(t, err)
	assert.Equal(t, 10, start.Hour())

	none, err := parseBound("start", "", false)
	require.NoError(t, err)
	assert.Nil(t, none)
}
