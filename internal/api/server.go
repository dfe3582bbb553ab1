package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kjannette/pricesync/internal/connectivity"
	"github.com/kjannette/pricesync/internal/fetch"
	"github.com/kjannette/pricesync/internal/logging"
	"github.com/kjannette/pricesync/internal/models"
	"github.com/kjannette/pricesync/internal/realtime"
	"github.com/kjannette/pricesync/internal/source"
)

const maxQueryLimit = 1000

var dateRegexp = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// StatusReporter is the connectivity view the API exposes.
type StatusReporter interface {
	Status(ctx context.Context) connectivity.State
}

// Pinger checks a backing database. Optional.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Orchestrator *fetch.Orchestrator
	Source       source.Source
	Network      StatusReporter
	// Manager and DB are optional.
	Manager *realtime.Manager
	DB      Pinger

	MaxAge          time.Duration
	DefaultRadiusKm float64
	Logger          *slog.Logger
}

type Server struct {
	deps       Deps
	log        *slog.Logger
	handler    http.Handler
	httpServer *http.Server
	apiKey     string
}

func NewServer(deps Deps, port int, apiKey, corsOrigin string) *Server {
	if deps.MaxAge <= 0 {
		deps.MaxAge = fetch.DefaultOptions().MaxAge
	}
	if deps.DefaultRadiusKm <= 0 {
		deps.DefaultRadiusKm = 50
	}
	s := &Server{
		deps:   deps,
		log:    logging.Component(deps.Logger, "api"),
		apiKey: apiKey,
	}

	mux := http.NewServeMux()

	// Record routes
	mux.HandleFunc("GET /v1/records", s.handleRecords)
	mux.HandleFunc("GET /v1/records/nearby", s.handleNearby)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /v1/series", s.handleSeries)

	// Feed routes
	mux.HandleFunc("GET /v1/feeds", s.handleFeeds)
	mux.HandleFunc("POST /v1/feeds/retry", s.handleFeedRetry)

	mux.HandleFunc("GET /v1/connectivity", s.handleConnectivity)

	// Health check (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.handler = s.authMiddleware(corsMiddleware(mux, corsOrigin))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Handler exposes the routed, wrapped handler for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Start() error {
	s.log.Info("REST API server started",
		"addr", s.httpServer.Addr,
		"auth", s.apiKey != "",
	)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// --- middleware ---

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" || r.URL.Path == "/health" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			writeError(w, http.StatusUnauthorized, "missing Authorization header")
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth || token != s.apiKey {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler, allowOrigin string) http.Handler {
	if allowOrigin == "" {
		allowOrigin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- validation helpers ---

func validateDate(date string) bool {
	if !dateRegexp.MatchString(date) {
		return false
	}
	_, err := time.Parse("2006-01-02", date)
	return err == nil
}

func parseLimit(r *http.Request, defaultLimit int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultLimit
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultLimit
	}
	if n > maxQueryLimit {
		return maxQueryLimit
	}
	return n
}

// parseFloat reads an optional float query parameter.
func parseFloat(r *http.Request, name string) (float64, bool, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, models.Invalid("%s=%q is not a number", name, v)
	}
	return f, true, nil
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFailure maps domain errors onto HTTP statuses.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var fe *models.FetchError
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNoDataAvailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, realtime.ErrOffline):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &fe):
		s.log.Warn("upstream fetch failed", "path", r.URL.Path, "key", fe.Key, "error", fe.Err)
		writeError(w, http.StatusBadGateway, "upstream fetch failed")
	default:
		s.log.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
