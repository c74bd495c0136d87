// Package status serves the relayer's health, status and metrics over HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/axiom-crypto/blockhash-relayer/relayer"
)

const (
	DefaultAddr        = ":8080"
	DefaultHTTPTimeout = 30 * time.Second
	shutdownTimeout    = 5 * time.Second
)

// Reporter provides the current relayer status.
type Reporter interface {
	Snapshot() relayer.Snapshot
}

// Config configures a Server.
type Config struct {
	Addr        string
	HTTPTimeout time.Duration
	Logger      zerolog.Logger
}

// Server is the status API.
type Server struct {
	cfg      Config
	reporter Reporter
	gatherer prometheus.Gatherer
	log      zerolog.Logger
}

// NewServer returns a Server reporting from reporter and exposing the
// collectors of gatherer.
func NewServer(cfg Config, reporter Reporter, gatherer prometheus.Gatherer) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = DefaultHTTPTimeout
	}
	return &Server{
		cfg:      cfg,
		reporter: reporter,
		gatherer: gatherer,
		log:      cfg.Logger.With().Str("component", "status").Logger(),
	}
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	// Health check endpoint. A halted relayer is unhealthy.
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if s.reporter.Snapshot().State == relayer.StateFailed.String() {
			http.Error(w, "FAILED", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	router.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		jsonData, err := json.Marshal(s.reporter.Snapshot())
		if err != nil {
			http.Error(w, "Failed to generate response", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(jsonData)
	}).Methods("GET")

	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	return router
}

// Run serves until ctx is cancelled, then shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.HTTPTimeout,
		WriteTimeout: s.cfg.HTTPTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Error().Err(err).Msg("error shutting down status server")
		}
	}()

	s.log.Info().Str("addr", s.cfg.Addr).Msg("status server listening")
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
