package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spreadtrace/wbtrace/internal/wbtrace"
)

type ServerConfig struct {
	AllowedOrigins  []string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	store       wbtrace.Store
	cfg         ServerConfig
	rateLimiter *rateLimiter
	hub         *traceHub
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store wbtrace.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store wbtrace.Store, cfg ServerConfig) *Server {
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"https://localhost:3000", "http://localhost:3000"}
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       store,
		cfg:         cfg,
		rateLimiter: limiter,
		hub:         newTraceHub(),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.applyCORS(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/dashboard" && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return
	}

	if !strings.HasPrefix(r.URL.Path, "/wb/") {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}

	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(clientIP(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
	}

	switch {
	case r.URL.Path == "/wb/upsert-model" && r.Method == http.MethodPut:
		s.handleUpsertModel(w, r)
	case r.URL.Path == "/wb/load-model" && r.Method == http.MethodGet:
		s.handleLoadModel(w, r)
	case r.URL.Path == "/wb/create-model-trace" && r.Method == http.MethodPost:
		s.handleCreateTrace(w, r)
	case r.URL.Path == "/wb/create-model-trace-batch" && r.Method == http.MethodPost:
		s.handleCreateTraceBatch(w, r)
	case r.URL.Path == "/wb/models" && r.Method == http.MethodGet:
		s.handleListModels(w, r)
	case strings.HasPrefix(r.URL.Path, "/wb/model-traces/") && r.Method == http.MethodGet:
		modelID := strings.TrimPrefix(r.URL.Path, "/wb/model-traces/")
		s.handleModelTraces(w, r, modelID)
	case r.URL.Path == "/wb/trace-stream" && r.Method == http.MethodGet:
		s.handleTraceStream(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleUpsertModel(w http.ResponseWriter, r *http.Request) {
	var req wbtrace.UpsertModelRequest
	if !s.decodeValidatedBody(w, r, upsertModelSchema, &req) {
		return
	}
	model, err := s.store.UpsertModel(r.Context(), req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model)
}

func (s *Server) handleLoadModel(w http.ResponseWriter, r *http.Request) {
	modelID := strings.TrimSpace(r.URL.Query().Get("model_id"))
	if modelID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing model_id query parameter")
		return
	}
	model, err := s.store.LoadModel(r.Context(), modelID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model)
}

func (s *Server) handleCreateTrace(w http.ResponseWriter, r *http.Request) {
	var trace wbtrace.Trace
	if !s.decodeValidatedBody(w, r, createTraceSchema, &trace) {
		return
	}
	stored, err := s.store.CreateTrace(r.Context(), trace)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.hub.Publish(stored)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"trace_id": stored.TraceID,
	})
}

type createTraceBatchRequest struct {
	ModelID   string                `json:"model_id"`
	Timestamp string                `json:"timestamp"`
	Username  string                `json:"username"`
	Changes   []wbtrace.TraceChange `json:"changes"`
}

func (s *Server) handleCreateTraceBatch(w http.ResponseWriter, r *http.Request) {
	var req createTraceBatchRequest
	if !s.decodeValidatedBody(w, r, createTraceBatchSchema, &req) {
		return
	}
	stored, err := s.store.CreateTraceBatch(r.Context(), req.ModelID, req.Timestamp, req.Username, req.Changes)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	for _, trace := range stored {
		s.hub.Publish(trace)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(stored),
	})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.store.ListModels(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleModelTraces(w http.ResponseWriter, r *http.Request, modelID string) {
	modelID = strings.TrimSpace(modelID)
	if modelID == "" || strings.Contains(modelID, "/") {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), wbtrace.DefaultTraceLimit, 1, wbtrace.MaxTraceLimit)
	traces, err := s.store.RecentTraces(r.Context(), modelID, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"model_id": modelID,
		"traces":   traces,
	})
}

func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Vary", "Origin")
			return
		}
	}
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, wbtrace.ErrModelNotFound):
		writeError(w, http.StatusNotFound, "model_not_found", "model not found")
	case errors.Is(err, wbtrace.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "model not found")
	case errors.Is(err, wbtrace.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request")
	default:
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "store unavailable")
	}
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func clientIP(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		if i := strings.Index(forwarded, ","); i >= 0 {
			forwarded = forwarded[:i]
		}
		return strings.TrimSpace(forwarded)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
