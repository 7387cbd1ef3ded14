package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/adtrack/internal/logic/selectors"
	"github.com/patrickwarner/adtrack/internal/logic/targeting"
	"github.com/patrickwarner/adtrack/internal/middleware"
	"github.com/patrickwarner/adtrack/internal/models"
	"github.com/patrickwarner/adtrack/internal/observability"
)

// AdsRequest is the POST body of the serving endpoints. Query parameters
// take precedence over body fields for placement and limit.
type AdsRequest struct {
	Placement string                  `json:"placement"`
	Limit     int                     `json:"limit,omitempty"`
	Profile   *models.AudienceProfile `json:"profile,omitempty"`
}

// AdsResponse lists the ads chosen for a placement.
type AdsResponse struct {
	Placement string                    `json:"placement"`
	Ads       []models.Ad               `json:"ads"`
	Debug     *selectors.SelectionTrace `json:"debug,omitempty"`
}

// maxAdsBody caps the POST body of the serving endpoints.
const maxAdsBody = 64 << 10

// decodeAdsRequest merges the JSON body (if any) with query parameters.
func decodeAdsRequest(w http.ResponseWriter, r *http.Request) (*AdsRequest, error) {
	req := &AdsRequest{}
	if r.Method == http.MethodPost && r.Body != nil {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAdsBody))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		defer func() {
			_ = r.Body.Close()
		}()
		if len(body) > 0 {
			if err := json.Unmarshal(body, req); err != nil {
				return nil, fmt.Errorf("parse json: %w", err)
			}
		}
	}

	q := r.URL.Query()
	if v := q.Get("placement"); v != "" {
		req.Placement = v
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, &models.ValidationError{Field: "limit", Reason: "must be an integer"}
		}
		req.Limit = n
	}
	if req.Profile == nil {
		p, err := profileFromQuery(q)
		if err != nil {
			return nil, err
		}
		req.Profile = p
	}
	if req.Placement == "" {
		return nil, &models.ValidationError{Field: "placement", Reason: "required"}
	}
	return req, nil
}

// profileFromQuery builds a profile from GET parameters. It returns nil when
// no profile parameter is present so anonymous viewers stay anonymous.
func profileFromQuery(q map[string][]string) (*models.AudienceProfile, error) {
	get := func(k string) string {
		if v := q[k]; len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}
	p := &models.AudienceProfile{
		UserID:             get("userId"),
		Role:               get("role"),
		SubscriptionPlanID: get("plan"),
		Location:           get("location"),
	}
	if v := get("interests"); v != "" {
		for _, it := range strings.Split(v, ",") {
			if it = strings.TrimSpace(it); it != "" {
				p.Interests = append(p.Interests, it)
			}
		}
	}
	if v := get("age"); v != "" {
		age, err := strconv.Atoi(v)
		if err != nil {
			return nil, &models.ValidationError{Field: "age", Reason: "must be an integer"}
		}
		p.Age = &age
	}
	if p.UserID == "" && p.Role == "" && p.SubscriptionPlanID == "" && p.Location == "" &&
		len(p.Interests) == 0 && p.Age == nil {
		return nil, nil
	}
	return p, nil
}

// ServeAdsHandler handles GET/POST /ads.
func (s *Server) ServeAdsHandler(w http.ResponseWriter, r *http.Request) {
	s.serveAds(w, r, "ads", false)
}

// RecommendedAdsHandler handles GET/POST /ads/recommended, which ranks the
// eligible ads by targeting score.
func (s *Server) RecommendedAdsHandler(w http.ResponseWriter, r *http.Request) {
	s.serveAds(w, r, "ads_recommended", true)
}

func (s *Server) serveAds(w http.ResponseWriter, r *http.Request, endpoint string, recommend bool) {
	_, span := tracer.Start(r.Context(), "ServeAdsHandler",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
		))
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)
	start := time.Now()
	method := r.Method

	req, err := decodeAdsRequest(w, r)
	if err != nil {
		logger.Warn("decode ads request", zap.Error(err))
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.observe(endpoint, method, http.StatusRequestEntityTooLarge, start)
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		s.observe(endpoint, method, http.StatusBadRequest, start)
		var ve *models.ValidationError
		if errors.As(err, &ve) {
			http.Error(w, ve.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	targeting.FillLocation(req.Profile, s.GeoIP, s.clientIP(r))
	span.SetAttributes(
		attribute.String("placement", req.Placement),
		attribute.Int("limit", req.Limit),
		attribute.Bool("recommend", recommend),
	)

	debugEnabled := s.Config.DebugTrace && r.URL.Query().Get("debug") == "1"
	var ads []models.Ad
	var selTrace *selectors.SelectionTrace
	switch {
	case recommend:
		ads = s.Selector.Recommend(req.Placement, req.Profile, req.Limit)
	case debugEnabled:
		ads, selTrace = s.Selector.SelectWithTrace(req.Placement, req.Profile, req.Limit)
	default:
		ads = s.Selector.Select(req.Placement, req.Profile, req.Limit)
	}

	if len(ads) == 0 {
		s.Metrics.IncrementEmptyServes()
	} else {
		s.Metrics.AddAdsServed(req.Placement, len(ads))
	}
	span.SetAttributes(attribute.Int("ads.count", len(ads)))
	if observability.ShouldSample(observability.GetSamplingRate()) {
		logger.Info("ads served",
			zap.String("placement", req.Placement),
			zap.Int("count", len(ads)),
			zap.Bool("recommend", recommend),
			zap.String("event_type", "ad_served"))
	}

	s.observe(endpoint, method, http.StatusOK, start)
	writeJSON(w, http.StatusOK, AdsResponse{Placement: req.Placement, Ads: ads, Debug: selTrace})
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("encode response", zap.Error(err))
	}
}
