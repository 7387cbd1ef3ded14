// Package tracking accepts impression and click events, gates them through
// the per-IP rate limiter, and persists them. Impressions are buffered and
// written in bulk; clicks are written through immediately.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/adtrack/internal/logic/ratelimit"
	"github.com/patrickwarner/adtrack/internal/logic/targeting"
	"github.com/patrickwarner/adtrack/internal/models"
	"github.com/patrickwarner/adtrack/internal/observability"
)

var tracer = observability.Tracer("tracking")

// Store is the persistence the ingestor writes to.
type Store interface {
	models.EventStore
	models.CounterStore
}

// RateLimiter admits or rejects requests per (kind, ip).
type RateLimiter interface {
	Allow(kind ratelimit.Kind, ip string, weight int) bool
}

// CTRUpdater recomputes an ad's derived CTR after its counters change.
type CTRUpdater interface {
	RecomputeCTR(ctx context.Context, adID int64) (float64, error)
}

// ClickDeduper reports whether a click for (session, ad) is the first one
// inside window. ReleaseClick undoes FirstClick for a click that was not
// stored.
type ClickDeduper interface {
	FirstClick(ctx context.Context, sessionID string, adID int64, window time.Duration) (bool, error)
	ReleaseClick(ctx context.Context, sessionID string, adID int64) error
}

// PlacementResolver maps placement codes to placements.
type PlacementResolver interface {
	GetPlacement(code string) *models.Placement
}

// Config tunes buffering and persistence.
type Config struct {
	FlushThreshold   int
	FlushTimeout     time.Duration
	ClickDedupWindow time.Duration
}

// Ingestor owns the impression buffer and the write path for clicks.
type Ingestor struct {
	store      Store
	placements PlacementResolver
	limiter    RateLimiter
	ctr        CTRUpdater
	dedup      ClickDeduper
	buffer     Buffer
	cfg        Config
	logger     *zap.Logger
	metrics    observability.MetricsRegistry
	now        func() time.Time

	inflight sync.WaitGroup
}

// Option configures optional collaborators of an Ingestor.
type Option func(*Ingestor)

// WithClickDeduper enables duplicate click suppression.
func WithClickDeduper(d ClickDeduper) Option {
	return func(i *Ingestor) { i.dedup = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(i *Ingestor) {
		if l != nil {
			i.logger = l
		}
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(m observability.MetricsRegistry) Option {
	return func(i *Ingestor) {
		if m != nil {
			i.metrics = m
		}
	}
}

// WithClock replaces the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(i *Ingestor) { i.now = now }
}

// NewIngestor wires an ingestor. placements, limiter and ctr may be nil, in
// which case placement resolution, rate limiting or CTR upkeep are skipped.
func NewIngestor(store Store, placements PlacementResolver, limiter RateLimiter, ctr CTRUpdater, cfg Config, opts ...Option) *Ingestor {
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = 50
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Second
	}
	i := &Ingestor{
		store:      store,
		placements: placements,
		limiter:    limiter,
		ctr:        ctr,
		cfg:        cfg,
		logger:     zap.NewNop(),
		metrics:    observability.NewNoOpRegistry(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Pending returns the number of buffered impressions.
func (i *Ingestor) Pending() int {
	return i.buffer.Len()
}

// Wait blocks until every flush started by the threshold trigger finishes.
func (i *Ingestor) Wait() {
	i.inflight.Wait()
}

func (i *Ingestor) allow(kind ratelimit.Kind, ip string, weight int) bool {
	if i.limiter == nil {
		return true
	}
	return i.limiter.Allow(kind, ip, weight)
}

// prepareImpression validates ev and fills server-side fields.
func (i *Ingestor) prepareImpression(ev *models.ImpressionEvent) error {
	if ev.AdID <= 0 {
		return &models.ValidationError{Field: "ad_id", Reason: "required"}
	}
	if ev.SessionID == "" {
		return &models.ValidationError{Field: "session_id", Reason: "required"}
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.ViewedAt.IsZero() {
		ev.ViewedAt = i.now().UTC()
	}
	if ev.PlacementID == nil && ev.PlacementCode != "" && i.placements != nil {
		if p := i.placements.GetPlacement(ev.PlacementCode); p != nil {
			id := p.ID
			ev.PlacementID = &id
		}
	}
	ev.Metadata = targeting.EnrichMetadata(ev.Metadata, ev.UserAgent)
	return nil
}

// TrackImpression accepts one impression into the buffer. Once it returns
// nil the impression will be persisted or retried; flush failures are never
// reported here. Reaching the flush threshold starts a flush in the
// background.
func (i *Ingestor) TrackImpression(ctx context.Context, ev models.ImpressionEvent) error {
	_, span := tracer.Start(ctx, "Ingestor.TrackImpression",
		trace.WithAttributes(attribute.Int64("ad_id", ev.AdID)))
	defer span.End()

	if !i.allow(ratelimit.KindImpression, ev.IP, 1) {
		span.SetStatus(codes.Error, "rate limited")
		return ErrRateLimitExceeded
	}
	if err := i.prepareImpression(&ev); err != nil {
		span.RecordError(err)
		return err
	}

	n := i.buffer.Append(ev)
	i.metrics.IncrementEvent("impression")
	i.metrics.SetBufferSize(n)
	if observability.ShouldSample(observability.GetSamplingRate()) {
		i.logger.Debug("impression buffered",
			zap.String("impression_id", ev.ID),
			zap.Int64("ad_id", ev.AdID),
			zap.Int("buffered", n),
		)
	}

	if n >= i.cfg.FlushThreshold {
		i.inflight.Add(1)
		go func() {
			defer i.inflight.Done()
			if _, err := i.Flush(context.WithoutCancel(ctx)); err != nil {
				i.logger.Warn("threshold flush failed", zap.Error(err))
			}
		}()
	}
	return nil
}

// TrackBulkImpressions accepts a batch from one client. The batch is checked
// against the limiter once with its full size as weight, then buffered and
// flushed immediately regardless of the threshold. It returns the number of
// accepted events.
func (i *Ingestor) TrackBulkImpressions(ctx context.Context, ip string, events []models.ImpressionEvent) (int, error) {
	ctx, span := tracer.Start(ctx, "Ingestor.TrackBulkImpressions",
		trace.WithAttributes(attribute.Int("batch_size", len(events))))
	defer span.End()

	if len(events) == 0 {
		return 0, &models.ValidationError{Field: "impressions", Reason: "empty batch"}
	}
	if !i.allow(ratelimit.KindImpression, ip, len(events)) {
		span.SetStatus(codes.Error, "rate limited")
		return 0, ErrRateLimitExceeded
	}

	prepared := make([]models.ImpressionEvent, len(events))
	for idx := range events {
		ev := events[idx]
		if ev.IP == "" {
			ev.IP = ip
		}
		if err := i.prepareImpression(&ev); err != nil {
			var ve *models.ValidationError
			if errors.As(err, &ve) {
				ve.Field = fmt.Sprintf("impressions[%d].%s", idx, ve.Field)
			}
			span.RecordError(err)
			return 0, err
		}
		prepared[idx] = ev
	}

	n := i.buffer.Append(prepared...)
	i.metrics.SetBufferSize(n)
	for range prepared {
		i.metrics.IncrementEvent("impression")
	}

	if _, err := i.Flush(ctx); err != nil {
		i.logger.Warn("bulk flush failed, impressions requeued", zap.Error(err), zap.Int("batch_size", len(prepared)))
	}
	return len(prepared), nil
}

// Flush drains the buffer and writes the snapshot in one bulk insert. On
// success each affected ad's impression counter is incremented by its batch
// count and its CTR recomputed. On failure the snapshot is requeued at the
// front of the buffer and the error returned. It is safe to call
// concurrently with enqueues and with other flushes.
func (i *Ingestor) Flush(ctx context.Context) (int, error) {
	batch := i.buffer.Drain()
	if len(batch) == 0 {
		return 0, nil
	}

	ctx, span := tracer.Start(ctx, "Ingestor.Flush",
		trace.WithAttributes(attribute.Int("batch_size", len(batch))))
	defer span.End()
	start := time.Now()

	insertCtx, cancel := context.WithTimeout(ctx, i.cfg.FlushTimeout)
	err := i.store.BulkInsertImpressions(insertCtx, batch)
	cancel()
	i.metrics.RecordFlushDuration(time.Since(start))
	if err != nil {
		remaining := i.buffer.Requeue(batch)
		i.metrics.IncrementFlush("requeued")
		i.metrics.AddRequeued(len(batch))
		i.metrics.SetBufferSize(remaining)
		span.RecordError(err)
		span.SetStatus(codes.Error, "bulk insert failed")
		i.logger.Error("impression flush failed",
			zap.Error(err),
			zap.Int("batch_size", len(batch)),
			zap.Int("buffered", remaining),
		)
		return 0, models.NewPersistenceError("bulk insert impressions", err)
	}
	i.metrics.IncrementFlush("ok")
	i.metrics.SetBufferSize(i.buffer.Len())

	perAd := make(map[int64]int64)
	for _, ev := range batch {
		perAd[ev.AdID]++
	}
	adIDs := make([]int64, 0, len(perAd))
	for id := range perAd {
		adIDs = append(adIDs, id)
	}
	sort.Slice(adIDs, func(a, b int) bool { return adIDs[a] < adIDs[b] })

	counterCtx, cancel := context.WithTimeout(ctx, i.cfg.FlushTimeout)
	defer cancel()
	for _, adID := range adIDs {
		if err := i.store.IncrementAdCounters(counterCtx, adID, perAd[adID], 0); err != nil {
			i.logger.Error("increment impression counter",
				zap.Error(err),
				zap.Int64("ad_id", adID),
				zap.Int64("delta", perAd[adID]),
			)
			continue
		}
		i.recomputeCTR(counterCtx, adID)
	}

	i.logger.Info("impressions flushed",
		zap.Int("batch_size", len(batch)),
		zap.Int("ads", len(adIDs)),
		zap.Duration("duration", time.Since(start)),
	)
	return len(batch), nil
}

func (i *Ingestor) recomputeCTR(ctx context.Context, adID int64) {
	if i.ctr == nil {
		return
	}
	if _, err := i.ctr.RecomputeCTR(ctx, adID); err != nil {
		i.logger.Warn("recompute ctr", zap.Error(err), zap.Int64("ad_id", adID))
	}
}

// TrackClick validates, rate-limits and synchronously persists a click, then
// bumps the ad's click counter and CTR. Persistence failures of the click
// row are returned as *models.PersistenceError; counter upkeep failures are
// only logged since the click itself is stored.
func (i *Ingestor) TrackClick(ctx context.Context, ev models.ClickEvent) (string, error) {
	ctx, span := tracer.Start(ctx, "Ingestor.TrackClick",
		trace.WithAttributes(attribute.Int64("ad_id", ev.AdID)))
	defer span.End()

	if !i.allow(ratelimit.KindClick, ev.IP, 1) {
		span.SetStatus(codes.Error, "rate limited")
		return "", ErrRateLimitExceeded
	}
	if ev.AdID <= 0 {
		return "", &models.ValidationError{Field: "ad_id", Reason: "required"}
	}
	if ev.SessionID == "" {
		return "", &models.ValidationError{Field: "session_id", Reason: "required"}
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.ClickedAt.IsZero() {
		ev.ClickedAt = i.now().UTC()
	}
	ev.Metadata = targeting.EnrichMetadata(ev.Metadata, ev.UserAgent)

	marked := false
	if i.dedup != nil && i.cfg.ClickDedupWindow > 0 {
		first, err := i.dedup.FirstClick(ctx, ev.SessionID, ev.AdID, i.cfg.ClickDedupWindow)
		switch {
		case err != nil:
			i.logger.Warn("click dedup unavailable", zap.Error(err))
		case !first:
			i.metrics.IncrementEvent("click_duplicate")
			return "", ErrDuplicateClick
		default:
			marked = true
		}
	}

	id, err := i.store.InsertClick(ctx, &ev)
	if err != nil {
		if marked {
			if rerr := i.dedup.ReleaseClick(ctx, ev.SessionID, ev.AdID); rerr != nil {
				i.logger.Warn("release click dedup marker", zap.Error(rerr), zap.Int64("ad_id", ev.AdID))
			}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert click failed")
		return "", models.NewPersistenceError("insert click", err)
	}
	if id == "" {
		id = ev.ID
	}
	i.metrics.IncrementEvent("click")

	if err := i.store.IncrementAdCounters(ctx, ev.AdID, 0, 1); err != nil {
		i.logger.Error("increment click counter", zap.Error(err), zap.Int64("ad_id", ev.AdID))
	} else {
		i.recomputeCTR(ctx, ev.AdID)
	}
	return id, nil
}

// Shutdown waits for in-flight flushes and then flushes what remains.
func (i *Ingestor) Shutdown(ctx context.Context) error {
	i.Wait()
	n, err := i.Flush(ctx)
	if err != nil {
		return fmt.Errorf("final flush: %w", err)
	}
	i.logger.Info("final flush complete", zap.Int("flushed", n))
	return nil
}
