package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/patrickwarner/adtrack/internal/analytics"
	"github.com/patrickwarner/adtrack/internal/logic/ratelimit"
	"github.com/patrickwarner/adtrack/internal/models"
)

// flakyStore fails the next failures bulk inserts, then delegates.
type flakyStore struct {
	*models.InMemoryStore
	failures  atomic.Int32
	clickErr  error
	bulkCalls atomic.Int32
}

func (f *flakyStore) BulkInsertImpressions(ctx context.Context, events []models.ImpressionEvent) error {
	f.bulkCalls.Add(1)
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return errors.New("clickhouse unavailable")
	}
	return f.InMemoryStore.BulkInsertImpressions(ctx, events)
}

func (f *flakyStore) InsertClick(ctx context.Context, ev *models.ClickEvent) (string, error) {
	if f.clickErr != nil {
		return "", f.clickErr
	}
	return f.InMemoryStore.InsertClick(ctx, ev)
}

type fixture struct {
	store    *flakyStore
	catalog  *models.InMemoryAdCatalog
	limiter  *ratelimit.Limiter
	ingestor *Ingestor
}

func newFixture(t *testing.T, threshold int, opts ...Option) *fixture {
	t.Helper()
	mem := models.NewInMemoryStore(models.Ad{ID: 1, Status: models.AdStatusActive}, models.Ad{ID: 2, Status: models.AdStatusActive})
	store := &flakyStore{InMemoryStore: mem}
	catalog := models.NewInMemoryAdCatalog()
	require.NoError(t, catalog.ReloadAll(nil, nil, []models.Placement{{ID: 42, Code: "sidebar", MaxAds: 2, IsActive: true}}))
	limiter := ratelimit.NewLimiter(ratelimit.DefaultConfig(), nil)
	agg := analytics.NewAggregator(store, nil, nil)

	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	ing := NewIngestor(store, catalog, limiter, agg, Config{FlushThreshold: threshold, FlushTimeout: time.Second}, opts...)
	return &fixture{store: store, catalog: catalog, limiter: limiter, ingestor: ing}
}

func impression(adID int64, ip string) models.ImpressionEvent {
	return models.ImpressionEvent{AdID: adID, SessionID: "sess-1", IP: ip, PlacementCode: "sidebar"}
}

func TestTrackImpression_BelowThresholdBuffers(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()

	for i := 0; i < 49; i++ {
		require.NoError(t, f.ingestor.TrackImpression(ctx, impression(1, "10.0.0.1")))
	}
	f.ingestor.Wait()
	assert.Equal(t, 49, f.ingestor.Pending())
	assert.Empty(t, f.store.Impressions())
}

func TestTrackImpression_ThresholdTriggersFlush(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, f.ingestor.TrackImpression(ctx, impression(int64(i%2+1), fmt.Sprintf("10.0.0.%d", i%3))))
	}
	f.ingestor.Wait()

	assert.Equal(t, 0, f.ingestor.Pending())
	assert.Len(t, f.store.Impressions(), 50)

	c1, err := f.store.GetAdCounters(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(25), c1.Impressions)
}

func TestTrackImpression_FillsServerFields(t *testing.T) {
	now := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, 1, WithClock(func() time.Time { return now }))
	ev := impression(1, "10.0.0.1")
	ev.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/100.0 Safari/537.36"
	ev.Metadata = map[string]string{"page": "/home"}

	require.NoError(t, f.ingestor.TrackImpression(context.Background(), ev))
	f.ingestor.Wait()

	stored := f.store.Impressions()
	require.Len(t, stored, 1)
	got := stored[0]
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, now, got.ViewedAt)
	require.NotNil(t, got.PlacementID)
	assert.Equal(t, int64(42), *got.PlacementID)
	assert.Equal(t, "/home", got.Metadata["page"])
	assert.Equal(t, "desktop", got.Metadata["device_type"])
}

func TestTrackImpression_UnknownPlacementIsNotAnError(t *testing.T) {
	f := newFixture(t, 1)
	ev := impression(1, "10.0.0.1")
	ev.PlacementCode = "nowhere"
	require.NoError(t, f.ingestor.TrackImpression(context.Background(), ev))
	f.ingestor.Wait()
	stored := f.store.Impressions()
	require.Len(t, stored, 1)
	assert.Nil(t, stored[0].PlacementID)
}

func TestTrackImpression_Validation(t *testing.T) {
	f := newFixture(t, 50)
	var ve *models.ValidationError

	err := f.ingestor.TrackImpression(context.Background(), models.ImpressionEvent{AdID: 1, IP: "ip"})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "session_id", ve.Field)

	err = f.ingestor.TrackImpression(context.Background(), models.ImpressionEvent{SessionID: "s", IP: "ip"})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "ad_id", ve.Field)
	assert.Equal(t, 0, f.ingestor.Pending())
}

func TestTrackImpression_RateLimited(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		require.NoError(t, f.ingestor.TrackImpression(ctx, impression(1, "10.9.9.9")))
	}
	assert.ErrorIs(t, f.ingestor.TrackImpression(ctx, impression(1, "10.9.9.9")), ErrRateLimitExceeded)
	assert.Equal(t, 100, f.ingestor.Pending())
}

func TestFlush_FailureRequeuesThenSucceedsExactlyOnce(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()
	f.store.failures.Store(1)

	for i := 0; i < 10; i++ {
		require.NoError(t, f.ingestor.TrackImpression(ctx, impression(1, "10.0.0.1")))
	}

	n, err := f.ingestor.Flush(ctx)
	require.Error(t, err)
	var pe *models.PersistenceError
	assert.ErrorAs(t, err, &pe)
	assert.Equal(t, 0, n)
	assert.Equal(t, 10, f.ingestor.Pending(), "failed batch is requeued")
	assert.Empty(t, f.store.Impressions())

	require.NoError(t, f.ingestor.TrackImpression(ctx, impression(2, "10.0.0.1")))

	n, err = f.ingestor.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	assert.Equal(t, 0, f.ingestor.Pending())

	stored := f.store.Impressions()
	require.Len(t, stored, 11)
	seen := make(map[string]bool)
	for _, ev := range stored {
		assert.False(t, seen[ev.ID], "impression %s persisted twice", ev.ID)
		seen[ev.ID] = true
	}
	assert.Equal(t, int64(2), stored[10].AdID, "requeued events keep their place ahead of newer ones")

	c1, _ := f.store.GetAdCounters(ctx, 1)
	assert.Equal(t, int64(10), c1.Impressions)
}

func TestFlush_EmptyBufferIsNoop(t *testing.T) {
	f := newFixture(t, 10)
	n, err := f.ingestor.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, int32(0), f.store.bulkCalls.Load())
}

func TestFlush_ConcurrentWithEnqueue(t *testing.T) {
	f := newFixture(t, 1_000_000)
	ing := NewIngestor(f.store, f.catalog, nil, nil, Config{FlushThreshold: 1_000_000, FlushTimeout: time.Second})
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				_ = ing.TrackImpression(ctx, impression(1, "ip"))
			}
		}()
	}
	stop := make(chan struct{})
	flusherDone := make(chan struct{})
	go func() {
		defer close(flusherDone)
		for {
			select {
			case <-stop:
				return
			default:
				_, _ = ing.Flush(ctx)
			}
		}
	}()
	wg.Wait()
	close(stop)
	<-flusherDone
	_, err := ing.Flush(ctx)
	require.NoError(t, err)

	assert.Len(t, f.store.Impressions(), 2000)
	c, _ := f.store.GetAdCounters(ctx, 1)
	assert.Equal(t, int64(2000), c.Impressions)
}

func TestTrackBulkImpressions(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()

	batch := make([]models.ImpressionEvent, 30)
	for i := range batch {
		batch[i] = models.ImpressionEvent{AdID: 1, SessionID: "bulk"}
	}
	n, err := f.ingestor.TrackBulkImpressions(ctx, "10.1.1.1", batch)
	require.NoError(t, err)
	assert.Equal(t, 30, n)
	assert.Equal(t, 0, f.ingestor.Pending(), "bulk flushes immediately")
	stored := f.store.Impressions()
	require.Len(t, stored, 30)
	assert.Equal(t, "10.1.1.1", stored[0].IP)

	// 30 + 71 > 100 within the same window
	big := make([]models.ImpressionEvent, 71)
	for i := range big {
		big[i] = models.ImpressionEvent{AdID: 1, SessionID: "bulk"}
	}
	_, err = f.ingestor.TrackBulkImpressions(ctx, "10.1.1.1", big)
	assert.ErrorIs(t, err, ErrRateLimitExceeded)

	_, err = f.ingestor.TrackBulkImpressions(ctx, "10.1.1.2", nil)
	var ve *models.ValidationError
	assert.ErrorAs(t, err, &ve)

	_, err = f.ingestor.TrackBulkImpressions(ctx, "10.1.1.3", []models.ImpressionEvent{{AdID: 1, SessionID: "s"}, {AdID: 1}})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "impressions[1].session_id", ve.Field)
}

func TestTrackBulkImpressions_FlushFailureStillAccepts(t *testing.T) {
	f := newFixture(t, 1000)
	f.store.failures.Store(1)
	n, err := f.ingestor.TrackBulkImpressions(context.Background(), "ip", []models.ImpressionEvent{{AdID: 1, SessionID: "s"}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.ingestor.Pending())
}

func TestTrackClick(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()
	require.NoError(t, f.store.IncrementAdCounters(ctx, 1, 200, 24))

	id, err := f.ingestor.TrackClick(ctx, models.ClickEvent{AdID: 1, SessionID: "s", IP: "10.0.0.1", DestinationURL: "https://example.com"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	clicks := f.store.Clicks()
	require.Len(t, clicks, 1)
	assert.Equal(t, id, clicks[0].ID)

	c, err := f.store.GetAdCounters(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(25), c.Clicks)
	assert.Equal(t, 12.5, c.CTR)
}

func TestTrackClick_RateLimit(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, err := f.ingestor.TrackClick(ctx, models.ClickEvent{AdID: 1, SessionID: "s", IP: "10.0.0.5"})
		require.NoError(t, err)
	}
	_, err := f.ingestor.TrackClick(ctx, models.ClickEvent{AdID: 1, SessionID: "s", IP: "10.0.0.5"})
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
	assert.Len(t, f.store.Clicks(), 20)
}

func TestTrackClick_PersistenceErrorPropagates(t *testing.T) {
	f := newFixture(t, 1000)
	f.store.clickErr = errors.New("connection reset")
	_, err := f.ingestor.TrackClick(context.Background(), models.ClickEvent{AdID: 1, SessionID: "s", IP: "ip"})
	var pe *models.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "insert click", pe.Op)

	c, _ := f.store.GetAdCounters(context.Background(), 1)
	assert.Equal(t, int64(0), c.Clicks)
}

func TestTrackClick_UnknownAdCounterFailureIsLogged(t *testing.T) {
	f := newFixture(t, 1000)
	id, err := f.ingestor.TrackClick(context.Background(), models.ClickEvent{AdID: 77, SessionID: "s", IP: "ip"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

type memDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memDeduper) FirstClick(_ context.Context, session string, adID int64, _ time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := fmt.Sprintf("%s:%d", session, adID)
	if d.seen[key] {
		return false, nil
	}
	d.seen[key] = true
	return true, nil
}

func (d *memDeduper) ReleaseClick(_ context.Context, session string, adID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, fmt.Sprintf("%s:%d", session, adID))
	return nil
}

func TestTrackClick_Dedup(t *testing.T) {
	f := newFixture(t, 1000, WithClickDeduper(&memDeduper{seen: map[string]bool{}}))
	f.ingestor.cfg.ClickDedupWindow = time.Minute
	ctx := context.Background()

	_, err := f.ingestor.TrackClick(ctx, models.ClickEvent{AdID: 1, SessionID: "s", IP: "ip"})
	require.NoError(t, err)
	_, err = f.ingestor.TrackClick(ctx, models.ClickEvent{AdID: 1, SessionID: "s", IP: "ip"})
	assert.ErrorIs(t, err, ErrDuplicateClick)
	_, err = f.ingestor.TrackClick(ctx, models.ClickEvent{AdID: 2, SessionID: "s", IP: "ip"})
	require.NoError(t, err)
	assert.Len(t, f.store.Clicks(), 2)
}

func TestTrackClick_FailedInsertReleasesDedupMarker(t *testing.T) {
	f := newFixture(t, 1000, WithClickDeduper(&memDeduper{seen: map[string]bool{}}))
	f.ingestor.cfg.ClickDedupWindow = time.Minute
	ctx := context.Background()
	click := models.ClickEvent{AdID: 1, SessionID: "s", IP: "ip"}

	f.store.clickErr = errors.New("clickhouse down")
	_, err := f.ingestor.TrackClick(ctx, click)
	var pe *models.PersistenceError
	require.ErrorAs(t, err, &pe)

	f.store.clickErr = nil
	id, err := f.ingestor.TrackClick(ctx, click)
	require.NoError(t, err, "retry after a failed insert is not a duplicate")
	assert.NotEmpty(t, id)
	assert.Len(t, f.store.Clicks(), 1)

	_, err = f.ingestor.TrackClick(ctx, click)
	assert.ErrorIs(t, err, ErrDuplicateClick)
}

// blockingStore holds bulk inserts until the caller's context is done.
type blockingStore struct {
	*models.InMemoryStore
}

func (b *blockingStore) BulkInsertImpressions(ctx context.Context, _ []models.ImpressionEvent) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestFlush_TimeoutRequeues(t *testing.T) {
	store := &blockingStore{InMemoryStore: models.NewInMemoryStore(models.Ad{ID: 1, Status: models.AdStatusActive})}
	ing := NewIngestor(store, nil, nil, nil, Config{FlushThreshold: 1000, FlushTimeout: 50 * time.Millisecond},
		WithLogger(zaptest.NewLogger(t)))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, ing.TrackImpression(ctx, impression(1, "10.0.0.1")))
	}

	start := time.Now()
	n, err := ing.Flush(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	var pe *models.PersistenceError
	assert.ErrorAs(t, err, &pe)
	assert.Equal(t, 0, n)
	assert.Equal(t, 3, ing.Pending())
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Empty(t, store.Impressions())
}

func TestShutdownFlushesRemaining(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, f.ingestor.TrackImpression(ctx, impression(1, "ip")))
	}
	require.NoError(t, f.ingestor.Shutdown(ctx))
	assert.Equal(t, 0, f.ingestor.Pending())
	assert.Len(t, f.store.Impressions(), 5)
}
