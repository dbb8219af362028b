// Package server is the operator HTTP API: it reads the published state,
// accepts pump commands and mode changes, and streams every published
// update as server-sent events.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/dispatcher"
	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/metrics"
	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/models"
	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/state"
)

// Commander issues pump commands.
type Commander interface {
	Toggle(ctx context.Context, source string) (dispatcher.Outcome, error)
	Set(ctx context.Context, target models.PumpState, source string) (dispatcher.Outcome, error)
}

// Config holds the HTTP server settings
type Config struct {
	Addr string
	// StaleAfter marks the state stale when the last successful poll is
	// older. Zero disables the age check.
	StaleAfter           time.Duration
	RateLimit            float64
	RateLimitBurst       int
	IdempotencyCacheSize int
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// Server serves the operator API.
type Server struct {
	store     *state.Store
	commander Commander
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	cfg       Config
	limiter   *rate.Limiter
	replays   *lru.Cache
	now       func() time.Time

	http *http.Server
	// cancelStreams ends open event streams on Shutdown.
	cancelStreams context.CancelFunc
}

func New(store *state.Store, commander Commander, logger *logrus.Logger, m *metrics.Metrics, cfg Config) (*Server, error) {
	if m == nil {
		m = metrics.New(nil)
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 10
	}
	if cfg.IdempotencyCacheSize <= 0 {
		cfg.IdempotencyCacheSize = 256
	}

	replays, err := lru.New(cfg.IdempotencyCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create idempotency cache: %w", err)
	}

	s := &Server{
		store:     store,
		commander: commander,
		logger:    logger,
		metrics:   m,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst),
		replays:   replays,
		now:       time.Now,
	}

	r := mux.NewRouter()
	s.setupRoutes(r)

	baseCtx, cancel := context.WithCancel(context.Background())
	s.cancelStreams = cancel
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	return s, nil
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks until the server stops. A clean Shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.WithField("addr", s.cfg.Addr).Info("Starting HTTP server")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, ends open event streams and waits for
// the remaining requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelStreams()
	return s.http.Shutdown(ctx)
}
