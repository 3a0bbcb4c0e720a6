// Package api serves the read side of the sync engine: opportunity scores
// for the dashboard and manual mapping triage. Runs are batch jobs started
// from the CLI; this server never mutates analytics data.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"shopintel/db/clickhouse"
	"shopintel/internal/match"
	"shopintel/internal/score"
)

// ScoreSource reads persisted run outputs: opportunity scores and the
// unmatched ledger.
type ScoreSource interface {
	Ping(ctx context.Context) error
	TopScores(ctx context.Context, tenant string, limit int) ([]score.Opportunity, error)
	ListUnmatched(ctx context.Context, tenant string, limit int) ([]clickhouse.UnmatchedRow, error)
}

// MappingSource reads and writes manual mappings.
type MappingSource interface {
	Ping(ctx context.Context) error
	ListMappings(ctx context.Context, tenant string) ([]match.ManualMapping, error)
	CreateMapping(ctx context.Context, tenant string, m match.ManualMapping) error
}

// Server is the HTTP read API.
type Server struct {
	httpServer *http.Server
	scores     ScoreSource
	mappings   MappingSource
	logger     *slog.Logger
	config     *Config
}

// Config holds server configuration.
type Config struct {
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestSize int64
	CORSOrigins    []string
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:           8080,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		MaxRequestSize: 1 * 1024 * 1024, // 1MB
		CORSOrigins:    []string{"*"},
	}
}

// NewServer creates the API server.
func NewServer(scores ScoreSource, mappings MappingSource, logger *slog.Logger, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		scores:   scores,
		mappings: mappings,
		logger:   logger,
		config:   config,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/api/v1/scores", s.handleScores)
	mux.HandleFunc("/api/v1/unmatched", s.handleUnmatched)
	mux.HandleFunc("/api/v1/mappings", s.handleMappings)

	handler := s.corsMiddleware(s.loggingMiddleware(mux))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("api server starting", "port", s.config.Port)
	return s.httpServer.ListenAndServe()
}

// StartWithGracefulShutdown starts the server and drains it on SIGINT/SIGTERM.
func (s *Server) StartWithGracefulShutdown() error {
	errChan := make(chan error, 1)
	go func() {
		if err := s.Start(); err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case <-quit:
		s.logger.Info("shutting down api server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration", time.Since(start))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		allowed := false
		for _, o := range s.config.CORSOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
		}

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// HEALTH ENDPOINTS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.scores.Ping(ctx); err != nil {
		s.jsonError(w, http.StatusServiceUnavailable, "score store not ready")
		return
	}
	if err := s.mappings.Ping(ctx); err != nil {
		s.jsonError(w, http.StatusServiceUnavailable, "mapping store not ready")
		return
	}

	s.jsonResponse(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

// =============================================================================
// SCORES ENDPOINT
// =============================================================================

// tenantAndLimit validates the shared query parameters of the list
// endpoints, writing the 400 itself on failure.
func (s *Server) tenantAndLimit(w http.ResponseWriter, r *http.Request, defaultLimit int) (string, int, bool) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		s.jsonError(w, http.StatusBadRequest, "tenant parameter required")
		return "", 0, false
	}
	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			s.jsonError(w, http.StatusBadRequest, "limit must be an integer between 1 and 1000")
			return "", 0, false
		}
		limit = n
	}
	return tenant, limit, true
}

func (s *Server) handleScores(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	tenant, limit, ok := s.tenantAndLimit(w, r, 50)
	if !ok {
		return
	}

	scores, err := s.scores.TopScores(r.Context(), tenant, limit)
	if err != nil {
		s.logger.Error("top scores query failed", "tenant", tenant, "error", err)
		s.jsonError(w, http.StatusInternalServerError, "failed to load scores")
		return
	}

	s.jsonResponse(w, http.StatusOK, map[string]any{
		"tenant": tenant,
		"count":  len(scores),
		"scores": scores,
	})
}

// =============================================================================
// UNMATCHED ENDPOINT
// =============================================================================

func (s *Server) handleUnmatched(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	tenant, limit, ok := s.tenantAndLimit(w, r, 200)
	if !ok {
		return
	}

	records, err := s.scores.ListUnmatched(r.Context(), tenant, limit)
	if err != nil {
		s.logger.Error("list unmatched failed", "tenant", tenant, "error", err)
		s.jsonError(w, http.StatusInternalServerError, "failed to load unmatched records")
		return
	}

	s.jsonResponse(w, http.StatusOK, map[string]any{
		"tenant":  tenant,
		"count":   len(records),
		"records": records,
	})
}

// =============================================================================
// MAPPINGS ENDPOINT
// =============================================================================

// createMappingRequest is the triage request promoting an unmatched
// identifier to a manual mapping.
type createMappingRequest struct {
	RawIdentifier string           `json:"raw_identifier"`
	EntityType    match.EntityType `json:"entity_type"`
	EntityID      string           `json:"entity_id"`
	CreatedBy     string           `json:"created_by"`
}

func (s *Server) handleMappings(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		s.jsonError(w, http.StatusBadRequest, "tenant parameter required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		mappings, err := s.mappings.ListMappings(r.Context(), tenant)
		if err != nil {
			s.logger.Error("list mappings failed", "tenant", tenant, "error", err)
			s.jsonError(w, http.StatusInternalServerError, "failed to load mappings")
			return
		}
		s.jsonResponse(w, http.StatusOK, map[string]any{
			"tenant":   tenant,
			"count":    len(mappings),
			"mappings": mappings,
		})

	case http.MethodPost:
		r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
		var req createMappingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.jsonError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
			return
		}
		if req.RawIdentifier == "" || req.EntityID == "" {
			s.jsonError(w, http.StatusBadRequest, "raw_identifier and entity_id are required")
			return
		}
		if req.EntityType != match.EntityNode && req.EntityType != match.EntityProduct {
			s.jsonError(w, http.StatusBadRequest, "entity_type must be node or product")
			return
		}

		mapping := match.ManualMapping{
			RawIdentifier: req.RawIdentifier,
			EntityType:    req.EntityType,
			EntityID:      req.EntityID,
			CreatedBy:     req.CreatedBy,
			CreatedAt:     time.Now().UTC(),
		}
		if err := s.mappings.CreateMapping(r.Context(), tenant, mapping); err != nil {
			s.logger.Error("create mapping failed", "tenant", tenant, "error", err)
			s.jsonError(w, http.StatusInternalServerError, "failed to store mapping")
			return
		}
		s.jsonResponse(w, http.StatusCreated, mapping)

	default:
		s.jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) jsonError(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{
		"error": message,
	})
}
