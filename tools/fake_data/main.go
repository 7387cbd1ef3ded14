package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adtrack/internal/config"
	"github.com/patrickwarner/adtrack/internal/db"
	"github.com/patrickwarner/adtrack/internal/models"
	"github.com/patrickwarner/adtrack/internal/observability"
)

var (
	campaigns  = flag.Int("campaigns", 10, "number of campaigns")
	adsPerCamp = flag.Int("ads", 3, "ads per campaign")
	targeted   = flag.Float64("targeted", 0.6, "fraction of ads that get a targeting rule")
	seed       = flag.Int64("seed", time.Now().UnixNano(), "rng seed")
	skipReload = flag.Bool("skip-reload", false, "skip publishing a catalog update after insertion")
)

var (
	roles     = []string{"student", "instructor", "admin"}
	plans     = []string{"free", "pro", "team"}
	interests = []string{"go", "python", "design", "data", "marketing", "devops", "security"}
	locations = []string{"US", "US-CA", "US-NY", "GB", "DE", "IN", "BR"}
	titles    = []string{"Level up your skills", "New course launch", "Upgrade to Pro", "Join a study group", "Weekend workshop"}
)

func main() {
	flag.Parse()

	logger, err := observability.InitLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg := config.Load()
	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect postgres: %v\n", err)
		os.Exit(1)
	}
	defer pg.Close()

	ctx := context.Background()
	r := rand.New(rand.NewSource(*seed))

	for _, p := range demoPlacements() {
		if _, err := pg.UpsertPlacement(ctx, p); err != nil {
			logger.Fatal("insert placement", zap.Error(err))
		}
	}

	var inserted, rules int
	for c := 1; c <= *campaigns; c++ {
		for i := 0; i < *adsPerCamp; i++ {
			ad := randomAd(r, int64(c))
			id, err := pg.InsertAd(ctx, ad)
			if err != nil {
				logger.Fatal("insert ad", zap.Error(err))
			}
			inserted++
			if r.Float64() >= *targeted {
				continue
			}
			raw, err := json.Marshal(randomRule(r))
			if err != nil {
				logger.Fatal("marshal rule", zap.Error(err))
			}
			if err := pg.UpsertTargetingRule(ctx, id, raw); err != nil {
				logger.Fatal("insert targeting rule", zap.Error(err))
			}
			rules++
		}
	}
	logger.Info("fake data inserted", zap.Int("ads", inserted), zap.Int("rules", rules), zap.Int64("seed", *seed))

	if *skipReload {
		return
	}
	rs, err := db.InitRedis(cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, servers will pick up data on their next reload", zap.Error(err))
		return
	}
	defer rs.Close()
	if err := rs.PublishCatalogUpdate(ctx, db.UpdateMessage{Entity: "catalog", Action: "seed"}); err != nil {
		logger.Warn("publish catalog update", zap.Error(err))
	}
}

func demoPlacements() []models.Placement {
	return []models.Placement{
		{Code: "header", Name: "Header banner", MaxAds: 1, IsActive: true},
		{Code: "sidebar", Name: "Sidebar", MaxAds: 2, IsActive: true},
		{Code: "dashboard", Name: "Dashboard feed", MaxAds: 3, IsActive: true},
		{Code: "course_page", Name: "Course page", MaxAds: 2, IsActive: true},
	}
}

func randomAd(r *rand.Rand, campaignID int64) models.Ad {
	status := models.AdStatusActive
	switch n := r.Intn(10); {
	case n == 0:
		status = models.AdStatusPending
	case n == 1:
		status = models.AdStatusPaused
	}
	start := time.Now().Add(-time.Duration(r.Intn(72)) * time.Hour)
	var end *time.Time
	if r.Intn(3) == 0 {
		e := start.Add(time.Duration(7+r.Intn(30)) * 24 * time.Hour)
		end = &e
	}
	placement := demoPlacements()[r.Intn(4)].Code
	return models.Ad{
		CampaignID:     campaignID,
		PlacementType:  placement,
		Title:          titles[r.Intn(len(titles))],
		ImageURL:       fmt.Sprintf("https://cdn.example.com/ads/%d.png", r.Intn(1000)),
		DestinationURL: fmt.Sprintf("https://example.com/landing/%d", r.Intn(1000)),
		Priority:       r.Intn(10),
		StartDate:      start,
		EndDate:        end,
		Status:         status,
	}
}

func pick(r *rand.Rand, from []string, max int) []string {
	n := 1 + r.Intn(max)
	out := make([]string, 0, n)
	for _, i := range r.Perm(len(from))[:n] {
		out = append(out, from[i])
	}
	return out
}

func randomRule(r *rand.Rand) models.TargetingRule {
	var rule models.TargetingRule
	if r.Intn(2) == 0 {
		rule.Roles = pick(r, roles, 2)
	}
	if r.Intn(3) == 0 {
		rule.Plans = pick(r, plans, 2)
	}
	if r.Intn(2) == 0 {
		rule.Interests = pick(r, interests, 3)
	}
	if r.Intn(4) == 0 {
		rule.Locations = pick(r, locations, 3)
	}
	if r.Intn(5) == 0 {
		minAge := 16 + r.Intn(10)
		maxAge := minAge + 10 + r.Intn(30)
		rule.Age = &models.AgeRange{Min: &minAge, Max: &maxAge}
	}
	if r.Intn(5) == 0 {
		days := 7 + r.Intn(23)
		rule.Behavior = &models.BehaviorRule{ActiveInDays: &days}
	}
	return rule
}
