package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/adtrack/internal/middleware"
	"github.com/patrickwarner/adtrack/internal/models"
	"github.com/patrickwarner/adtrack/internal/tracking"
)

// maxBulkImpressions caps one bulk request.
const maxBulkImpressions = 1000

// maxTrackingBody bounds tracking request bodies.
const maxTrackingBody = 1 << 20

// BulkImpressionsRequest is the body of POST /impressions/bulk.
type BulkImpressionsRequest struct {
	Impressions []models.ImpressionEvent `json:"impressions"`
}

// trackingStatus maps ingestion errors onto HTTP status codes.
func trackingStatus(err error) (int, string) {
	var ve *models.ValidationError
	var pe *models.PersistenceError
	switch {
	case errors.Is(err, tracking.ErrRateLimitExceeded):
		return http.StatusTooManyRequests, "rate limit exceeded"
	case errors.As(err, &ve):
		return http.StatusBadRequest, ve.Error()
	case errors.As(err, &pe):
		return http.StatusServiceUnavailable, "storage unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// stampClient overrides transport-derived fields on an event. Body supplied
// IPs are ignored; the body user agent is kept when present.
func (s *Server) stampClient(r *http.Request, ip, ua *string) {
	*ip = s.clientIP(r)
	if *ua == "" {
		*ua = r.UserAgent()
	}
}

// ImpressionHandler handles POST /impression.
func (s *Server) ImpressionHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "ImpressionHandler",
		trace.WithAttributes(
			attribute.String("http.method", "POST"),
			attribute.String("http.route", "/impression"),
		))
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)
	start := time.Now()
	const endpoint = "impression"
	const method = "POST"

	var ev models.ImpressionEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTrackingBody)).Decode(&ev); err != nil {
		logger.Warn("decode impression", zap.Error(err))
		s.observe(endpoint, method, http.StatusBadRequest, start)
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	s.stampClient(r, &ev.IP, &ev.UserAgent)
	span.SetAttributes(attribute.Int64("ad_id", ev.AdID))

	if err := s.Ingestor.TrackImpression(ctx, ev); err != nil {
		status, msg := trackingStatus(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		logger.Warn("track impression", zap.Error(err), zap.Int("status", status), zap.String("ip", ev.IP))
		s.observe(endpoint, method, status, start)
		http.Error(w, msg, status)
		return
	}

	s.observe(endpoint, method, http.StatusAccepted, start)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

// BulkImpressionsHandler handles POST /impressions/bulk.
func (s *Server) BulkImpressionsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "BulkImpressionsHandler",
		trace.WithAttributes(
			attribute.String("http.method", "POST"),
			attribute.String("http.route", "/impressions/bulk"),
		))
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)
	start := time.Now()
	const endpoint = "impressions_bulk"
	const method = "POST"

	var req BulkImpressionsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16*maxTrackingBody)).Decode(&req); err != nil {
		logger.Warn("decode bulk impressions", zap.Error(err))
		s.observe(endpoint, method, http.StatusBadRequest, start)
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if len(req.Impressions) > maxBulkImpressions {
		s.observe(endpoint, method, http.StatusBadRequest, start)
		http.Error(w, "too many impressions", http.StatusBadRequest)
		return
	}

	ip := s.clientIP(r)
	for i := range req.Impressions {
		s.stampClient(r, &req.Impressions[i].IP, &req.Impressions[i].UserAgent)
	}
	span.SetAttributes(attribute.Int("batch_size", len(req.Impressions)))

	n, err := s.Ingestor.TrackBulkImpressions(ctx, ip, req.Impressions)
	if err != nil {
		status, msg := trackingStatus(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		logger.Warn("track bulk impressions", zap.Error(err), zap.Int("status", status), zap.String("ip", ip))
		s.observe(endpoint, method, status, start)
		http.Error(w, msg, status)
		return
	}

	s.observe(endpoint, method, http.StatusAccepted, start)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "accepted": n})
}

// ClickHandler handles POST /click. Clicks are persisted before responding.
func (s *Server) ClickHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "ClickHandler",
		trace.WithAttributes(
			attribute.String("http.method", "POST"),
			attribute.String("http.route", "/click"),
		))
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)
	start := time.Now()
	const endpoint = "click"
	const method = "POST"

	var ev models.ClickEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTrackingBody)).Decode(&ev); err != nil {
		logger.Warn("decode click", zap.Error(err))
		s.observe(endpoint, method, http.StatusBadRequest, start)
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	s.stampClient(r, &ev.IP, &ev.UserAgent)
	if ev.Referrer == "" {
		ev.Referrer = r.Referer()
	}
	span.SetAttributes(attribute.Int64("ad_id", ev.AdID))

	id, err := s.Ingestor.TrackClick(ctx, ev)
	if errors.Is(err, tracking.ErrDuplicateClick) {
		s.observe(endpoint, method, http.StatusOK, start)
		writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
		return
	}
	if err != nil {
		status, msg := trackingStatus(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		logger.Warn("track click", zap.Error(err), zap.Int("status", status), zap.String("ip", ev.IP))
		s.observe(endpoint, method, status, start)
		http.Error(w, msg, status)
		return
	}

	logger.Info("click recorded",
		zap.String("click_id", id),
		zap.Int64("ad_id", ev.AdID),
		zap.String("event_type", "click"))
	s.observe(endpoint, method, http.StatusCreated, start)
	writeJSON(w, http.StatusCreated, map[string]any{"status": "recorded", "id": id})
}
