package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/patrickwarner/adtrack/internal/analytics"
	"github.com/patrickwarner/adtrack/internal/config"
	"github.com/patrickwarner/adtrack/internal/db"
	"github.com/patrickwarner/adtrack/internal/models"
	"github.com/patrickwarner/adtrack/internal/observability"
)

func main() {
	logger, err := observability.InitLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	var adID int64
	var since time.Duration
	var platform bool
	flag.Int64Var(&adID, "ad", 0, "ad ID")
	flag.DurationVar(&since, "since", 0, "only count events newer than this (0 for all)")
	flag.BoolVar(&platform, "platform", false, "print platform statistics instead")
	flag.Parse()

	if adID == 0 && !platform {
		fmt.Fprintln(os.Stderr, "-ad or -platform required")
		os.Exit(1)
	}

	cfg := config.Load()
	pg, err := db.InitPostgres(cfg.PostgresDSN, 5, 2, 5*time.Minute, time.Minute)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect postgres: %v\n", err)
		os.Exit(1)
	}
	ch, err := db.InitClickHouse(cfg.ClickHouseDSN, 5, 2, 5*time.Minute, time.Minute)
	if err != nil {
		pg.Close()
		fmt.Fprintf(os.Stderr, "connect clickhouse: %v\n", err)
		os.Exit(1)
	}
	store := db.NewStore(pg, ch)
	defer store.Close()

	agg := analytics.NewAggregator(store, logger, observability.NewNoOpRegistry())
	ctx := context.Background()

	var out any
	if platform {
		out, err = agg.GetPlatformStatistics(ctx)
	} else {
		var tr models.TimeRange
		if since > 0 {
			start := time.Now().Add(-since)
			tr.Start = &start
		}
		out, err = agg.GetAdAnalytics(ctx, adID, tr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "query analytics: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "encode result: %v\n", err)
		os.Exit(1)
	}
}
