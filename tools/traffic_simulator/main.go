// Command traffic_simulator drives bursty page views, impressions and clicks
// against the API. Visitor addresses travel in X-Forwarded-For, so the server
// must list the simulator host in TRUSTED_PROXIES for per-visitor limits.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/patrickwarner/adtrack/internal/models"
	"github.com/patrickwarner/adtrack/internal/observability"
)

var (
	server          string
	users           int
	placementCSV    string
	totalReq        int
	conc            int
	duration        time.Duration
	rate            float64
	clickRate       float64
	bulk            bool
	stats           bool
	flushAtEnd      bool
	debug           bool
	label           string
	surgeInterval   time.Duration
	surgeDuration   time.Duration
	surgeMultiplier float64
	jitter          float64
)

var logger *zap.Logger

var httpClient *http.Client

var (
	placementCodes = []string{"header", "sidebar"}
	roles          = []string{"student", "instructor", "admin"}
	plans          = []string{"free", "pro", "team"}
	interests      = []string{"go", "python", "design", "data", "marketing", "devops", "security"}
	userAgents     = []string{
		"Mozilla/5.0 (iPhone; CPU iPhone OS 16_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Mobile/15E148 Safari/604.1",
		"Mozilla/5.0 (Linux; Android 12; Pixel 6 Pro) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.5735.196 Mobile Safari/537.36",
		"Mozilla/5.0 (iPad; CPU OS 15_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/15.2 Mobile/15E148 Safari/604.1",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_3_1) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.1 Safari/605.1.15",
		"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:111.0) Gecko/20100101 Firefox/111.0",
		"Googlebot/2.1 (+http://www.google.com/bot.html)",
	}
	userIPs = []string{
		"192.0.2.1",
		"198.51.100.1",
		"203.0.113.1",
	}
)

const statsInterval = 5 * time.Second

var (
	countSent        uint64
	countServed      uint64
	countEmpty       uint64
	countImpressions uint64
	countClicks      uint64
	countLimited     uint64
	countErrors      uint64
)

type adsResponse struct {
	Ads []models.Ad `json:"ads"`
}

func main() {
	flag.StringVar(&server, "server", "http://localhost:8787", "ad server base URL")
	flag.IntVar(&users, "users", 100, "number of unique users")
	flag.StringVar(&placementCSV, "placements", "header,sidebar", "comma-separated placement codes")
	flag.IntVar(&totalReq, "requests", 1000, "total page views to simulate")
	flag.IntVar(&conc, "concurrency", 20, "concurrent page views")
	flag.DurationVar(&duration, "duration", 0, "how long to run traffic (0 to disable)")
	flag.Float64Var(&rate, "rate", 0, "page views per second (0 for unlimited)")
	flag.Float64Var(&clickRate, "click-rate", 0.05, "probability of a click per impression")
	flag.BoolVar(&bulk, "bulk", false, "report impressions of a page view in one bulk request")
	flag.BoolVar(&stats, "stats", false, "print aggregated stats periodically")
	flag.BoolVar(&flushAtEnd, "flush", false, "trigger a buffer flush when done")
	flag.BoolVar(&debug, "debug", false, "enable verbose debug logs")
	flag.StringVar(&label, "label", "", "label to identify this run")
	flag.DurationVar(&surgeInterval, "surge-interval", 0, "interval between traffic surges (0 to disable)")
	flag.DurationVar(&surgeDuration, "surge-duration", 0, "duration of each surge window")
	flag.Float64Var(&surgeMultiplier, "surge-multiplier", 2.0, "requests multiplier during surge period")
	flag.Float64Var(&jitter, "jitter", 0.0, "random jitter factor for request spacing")
	flag.Parse()

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	var err error
	logger, err = observability.InitLoggerWithLevel(level, "traffic-simulator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	httpClient = &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			MaxConnsPerHost:       50,
			IdleConnTimeout:       90 * time.Second,
		},
	}

	if label == "" {
		label = time.Now().Format(time.RFC3339)
	}

	placementCodes = strings.Split(placementCSV, ",")
	for i := range placementCodes {
		placementCodes[i] = strings.TrimSpace(placementCodes[i])
	}

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	var wg sync.WaitGroup
	sem := make(chan struct{}, conc)
	done := make(chan struct{})

	var baseInterval time.Duration
	if rate > 0 {
		baseInterval = time.Duration(float64(time.Second) / rate)
	} else if duration > 0 && totalReq > 0 {
		baseInterval = duration / time.Duration(totalReq)
	}

	start := time.Now()
	next := start

	if stats {
		go func() {
			ticker := time.NewTicker(statsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					printStats()
				case <-done:
					printStats()
					return
				}
			}
		}()
	}
	for i := 0; ; i++ {
		if totalReq > 0 && i >= totalReq {
			break
		}
		if duration > 0 && time.Since(start) >= duration {
			break
		}
		if baseInterval > 0 {
			effective := baseInterval
			if surgeInterval > 0 && surgeDuration > 0 && surgeMultiplier > 0 {
				elapsed := time.Since(start)
				if elapsed%surgeInterval < surgeDuration {
					effective = time.Duration(float64(effective) / surgeMultiplier)
				}
			}
			if jitter > 0 {
				jf := 1 + (r.Float64()*2-1)*jitter
				if jf < 0.1 {
					jf = 0.1
				}
				effective = time.Duration(float64(effective) * jf)
			}
			now := time.Now()
			if now.Before(next) {
				time.Sleep(next.Sub(now))
			}
			next = next.Add(effective)
		}

		v := newVisit(r)

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			v.run()
		}()
	}
	wg.Wait()

	if flushAtEnd {
		if status, _, err := post(context.Background(), "/flush", nil, ""); err != nil || status != http.StatusOK {
			logger.Error("flush failed", zap.Int("status", status), zap.Error(err))
		}
	}
	close(done)
	if !stats {
		printStats()
	}
}

// visit is one simulated page view.
type visit struct {
	userID    string
	sessionID string
	placement string
	role      string
	plan      string
	interests []string
	ua        string
	ip        string
	clicks    []bool
}

func newVisit(r *rand.Rand) *visit {
	v := &visit{
		userID:    fmt.Sprintf("user%d", r.Intn(users)),
		sessionID: uuid.NewString(),
		placement: placementCodes[r.Intn(len(placementCodes))],
		role:      roles[r.Intn(len(roles))],
		plan:      plans[r.Intn(len(plans))],
		ua:        userAgents[r.Intn(len(userAgents))],
		ip:        userIPs[r.Intn(len(userIPs))],
	}
	for _, i := range r.Perm(len(interests))[:1+r.Intn(3)] {
		v.interests = append(v.interests, interests[i])
	}
	// Pre-roll click decisions for up to three ads.
	for i := 0; i < 3; i++ {
		v.clicks = append(v.clicks, r.Float64() < clickRate)
	}
	return v
}

func (v *visit) run() {
	atomic.AddUint64(&countSent, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	q := url.Values{}
	q.Set("placement", v.placement)
	q.Set("userId", v.userID)
	q.Set("role", v.role)
	q.Set("plan", v.plan)
	q.Set("interests", strings.Join(v.interests, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server+"/ads?"+q.Encode(), nil)
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("request build error", zap.Error(err))
		return
	}
	req.Header.Set("X-Forwarded-For", v.ip)
	req.Header.Set("User-Agent", v.ua)
	resp, err := httpClient.Do(req)
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("ads request error", zap.Error(err))
		return
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil || resp.StatusCode != http.StatusOK {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("unexpected ads response", zap.Int("status", resp.StatusCode), zap.Error(err))
		return
	}
	var ads adsResponse
	if err := json.Unmarshal(body, &ads); err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("decode error", zap.Error(err), zap.String("body", strings.TrimSpace(string(body))))
		return
	}
	if len(ads.Ads) == 0 {
		atomic.AddUint64(&countEmpty, 1)
		logger.Debug("no ads", zap.String("placement", v.placement))
		return
	}
	atomic.AddUint64(&countServed, 1)

	imps := make([]models.ImpressionEvent, 0, len(ads.Ads))
	for _, ad := range ads.Ads {
		imps = append(imps, models.ImpressionEvent{
			AdID:          ad.ID,
			UserID:        v.userID,
			SessionID:     v.sessionID,
			PlacementCode: v.placement,
		})
	}
	if bulk {
		v.track(ctx, "/impressions/bulk", map[string]any{"impressions": imps}, uint64(len(imps)), &countImpressions)
	} else {
		for _, ev := range imps {
			v.track(ctx, "/impression", ev, 1, &countImpressions)
		}
	}

	for i, ad := range ads.Ads {
		if i >= len(v.clicks) || !v.clicks[i] {
			continue
		}
		v.track(ctx, "/click", models.ClickEvent{
			AdID:           ad.ID,
			UserID:         v.userID,
			SessionID:      v.sessionID,
			DestinationURL: ad.DestinationURL,
		}, 1, &countClicks)
	}
}

func (v *visit) track(ctx context.Context, path string, payload any, n uint64, counter *uint64) {
	status, _, err := post(ctx, path, payload, v.ip)
	switch {
	case err != nil:
		atomic.AddUint64(&countErrors, 1)
		logger.Error("tracking error", zap.String("path", path), zap.Error(err))
	case status == http.StatusTooManyRequests:
		atomic.AddUint64(&countLimited, 1)
	case status >= 300:
		atomic.AddUint64(&countErrors, 1)
		logger.Debug("tracking rejected", zap.String("path", path), zap.Int("status", status))
	default:
		atomic.AddUint64(counter, n)
	}
}

func post(ctx context.Context, path string, payload any, ip string) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		blob, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal: %w", err)
		}
		body = bytes.NewReader(blob)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if ip != "" {
		req.Header.Set("X-Forwarded-For", ip)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	out, err := io.ReadAll(resp.Body)
	return resp.StatusCode, out, err
}

func printStats() {
	sent := atomic.LoadUint64(&countSent)
	served := atomic.LoadUint64(&countServed)
	empty := atomic.LoadUint64(&countEmpty)
	imps := atomic.LoadUint64(&countImpressions)
	clk := atomic.LoadUint64(&countClicks)
	limited := atomic.LoadUint64(&countLimited)
	errs := atomic.LoadUint64(&countErrors)
	var ctr float64
	if imps > 0 {
		ctr = float64(clk) / float64(imps) * 100
	}
	logger.Info("stats",
		zap.String("run", label),
		zap.Uint64("page_views", sent),
		zap.Uint64("served", served),
		zap.Uint64("empty", empty),
		zap.Uint64("impressions", imps),
		zap.Uint64("clicks", clk),
		zap.Uint64("rate_limited", limited),
		zap.Uint64("errors", errs),
		zap.Float64("ctr_pct", ctr))
}
