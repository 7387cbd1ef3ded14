package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/adtrack/internal/middleware"
	"github.com/patrickwarner/adtrack/internal/models"
)

const dateLayout = "2006-01-02"

// parseBound accepts RFC3339 or a bare date. A bare end date covers the
// whole day.
func parseBound(field, v string, end bool) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return nil, &models.ValidationError{Field: field, Reason: "expected RFC3339 or YYYY-MM-DD"}
	}
	if end {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

// parseTimeRange reads the start and end query parameters.
func parseTimeRange(r *http.Request) (models.TimeRange, error) {
	var tr models.TimeRange
	var err error
	q := r.URL.Query()
	if tr.Start, err = parseBound("start", q.Get("start"), false); err != nil {
		return tr, err
	}
	if tr.End, err = parseBound("end", q.Get("end"), true); err != nil {
		return tr, err
	}
	return tr, nil
}

// AdAnalyticsHandler handles GET /analytics/ads/{id}.
func (s *Server) AdAnalyticsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "AdAnalyticsHandler",
		trace.WithAttributes(
			attribute.String("http.method", "GET"),
			attribute.String("http.route", "/analytics/ads/{id}"),
		))
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)
	start := time.Now()
	const endpoint = "ad_analytics"
	const method = "GET"

	adID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || adID <= 0 {
		s.observe(endpoint, method, http.StatusBadRequest, start)
		http.Error(w, "invalid ad id", http.StatusBadRequest)
		return
	}
	tr, err := parseTimeRange(r)
	if err != nil {
		s.observe(endpoint, method, http.StatusBadRequest, start)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int64("ad_id", adID))

	out, err := s.Analytics.GetAdAnalytics(ctx, adID, tr)
	if err != nil {
		var ve *models.ValidationError
		switch {
		case errors.Is(err, models.ErrNotFound):
			s.observe(endpoint, method, http.StatusNotFound, start)
			http.Error(w, "ad not found", http.StatusNotFound)
		case errors.As(err, &ve):
			s.observe(endpoint, method, http.StatusBadRequest, start)
			http.Error(w, ve.Error(), http.StatusBadRequest)
		default:
			span.RecordError(err)
			logger.Error("ad analytics", zap.Error(err), zap.Int64("ad_id", adID))
			s.observe(endpoint, method, http.StatusServiceUnavailable, start)
			http.Error(w, "analytics unavailable", http.StatusServiceUnavailable)
		}
		return
	}

	s.observe(endpoint, method, http.StatusOK, start)
	writeJSON(w, http.StatusOK, out)
}

// PlatformStatisticsHandler handles GET /analytics/platform.
func (s *Server) PlatformStatisticsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "PlatformStatisticsHandler")
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)
	start := time.Now()
	const endpoint = "platform_statistics"
	const method = "GET"

	st, err := s.Analytics.GetPlatformStatistics(ctx)
	if err != nil {
		span.RecordError(err)
		logger.Error("platform statistics", zap.Error(err))
		s.observe(endpoint, method, http.StatusServiceUnavailable, start)
		http.Error(w, "analytics unavailable", http.StatusServiceUnavailable)
		return
	}

	s.observe(endpoint, method, http.StatusOK, start)
	writeJSON(w, http.StatusOK, st)
}
