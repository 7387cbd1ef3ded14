package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// FlushHandler drains the impression buffer on demand.
func (s *Server) FlushHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "flush"
	const method = "POST"

	n, err := s.Ingestor.Flush(r.Context())
	if err != nil {
		s.Logger.Error("manual flush failed", zap.Error(err))
		s.observe(endpoint, method, http.StatusServiceUnavailable, start)
		http.Error(w, "flush failed", http.StatusServiceUnavailable)
		return
	}

	s.observe(endpoint, method, http.StatusOK, start)
	writeJSON(w, http.StatusOK, map[string]any{"flushed": n, "pending": s.Ingestor.Pending()})
}

// ReloadHandler reloads the catalog and tells other instances to do the same.
func (s *Server) ReloadHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "reload"
	const method = "POST"

	if err := s.Reload(r.Context()); err != nil {
		s.Logger.Error("reload failed", zap.Error(err))
		s.observe(endpoint, method, http.StatusInternalServerError, start)
		http.Error(w, "reload failed", http.StatusInternalServerError)
		return
	}
	s.notifyUpdate(r.Context(), "catalog", "reload")

	s.observe(endpoint, method, http.StatusNoContent, start)
	w.WriteHeader(http.StatusNoContent)
}

// HealthHandler responds with a simple status check.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "health"
	const method = "GET"

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))

	s.observe(endpoint, method, http.StatusOK, start)
}
