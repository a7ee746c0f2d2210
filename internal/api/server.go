// Package api provides the HTTP server for quantdesk, exposing backtest
// execution, the signal screener, stored runs, strategies and market data
// endpoints, plus a gRPC health service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"quantdesk/internal/provider"
	"quantdesk/internal/store"
	"quantdesk/internal/strategy"
)

const dateLayout = "2006-01-02"

// Backtester runs a single backtest.
type Backtester interface {
	Run(ctx context.Context, req strategy.Request) (*strategy.BacktestResult, error)
}

// Scanner runs a single screener pass.
type Scanner interface {
	Scan(ctx context.Context, req strategy.ScanRequest) (*strategy.ScanResult, error)
}

// Server is the main API server.
type Server struct {
	backtester Backtester
	scanner    Scanner
	registry   *strategy.Registry
	runs       store.RunStore
	signals    store.SignalStore
	provider   provider.Provider
	filter     provider.UniverseFilter
	log        *slog.Logger

	// runTimeout bounds a single backtest request. Zero means no bound.
	runTimeout time.Duration

	httpServer *http.Server
}

// Deps are the collaborators of a Server. Scanner, Runs, Signals and
// Provider may be nil, in which case the endpoints needing them answer 503.
type Deps struct {
	Backtester Backtester
	Scanner    Scanner
	Registry   *strategy.Registry
	Runs       store.RunStore
	Signals    store.SignalStore
	Provider   provider.Provider
	Filter     provider.UniverseFilter
	RunTimeout time.Duration
	Log        *slog.Logger
}

// NewServer creates a new Server from its dependencies.
func NewServer(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		backtester: d.Backtester,
		scanner:    d.Scanner,
		registry:   d.Registry,
		runs:       d.Runs,
		signals:    d.Signals,
		provider:   d.Provider,
		filter:     d.Filter,
		runTimeout: d.RunTimeout,
		log:        log.With("component", "api"),
	}
}

// Handler returns the router with all routes registered.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/strategies", s.handleStrategies).Methods(http.MethodGet)
	api.HandleFunc("/backtest/{strategy}", s.handleBacktest).Methods(http.MethodPost)
	api.HandleFunc("/signals/{strategy}", s.handleScan).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/signals/{strategy}/latest", s.handleLatestSignals).Methods(http.MethodGet)
	api.HandleFunc("/signals/{strategy}/history", s.handleSignalHistory).Methods(http.MethodGet)
	api.HandleFunc("/signals/{strategy}/performance", s.handleSignalPerformance).Methods(http.MethodGet)
	api.HandleFunc("/runs", s.handleListRuns).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}", s.handleGetRun).Methods(http.MethodGet)
	api.HandleFunc("/universe", s.handleUniverse).Methods(http.MethodGet)
	api.HandleFunc("/stocks/{symbol}/bars", s.handleBars).Methods(http.MethodGet)

	r.Use(s.logMiddleware, corsMiddleware)
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Middleware and helpers
// ---------------------------------------------------------------------------

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path,
			"status", rec.status, "elapsed", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
