// Package api serves engine health, statistics, stored alerts and the live
// alert stream over HTTP.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"logcorr/core"
	"logcorr/metrics"
	"logcorr/storage"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AlertReader is the read side of the alert store.
type AlertReader interface {
	ListAlerts(ctx context.Context, f storage.AlertFilter) ([]*core.Alert, error)
	CountAlerts(ctx context.Context, f storage.AlertFilter) (int64, error)
	GetAlert(ctx context.Context, id string) (*core.Alert, error)
}

// RateLimitConfig limits requests per client IP. Zero disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// Options wires the API to the running engine. Alerts and Hub are optional;
// their endpoints answer 503 when absent.
type Options struct {
	Stats     *metrics.Stats
	Rules     []*core.Rule
	Alerts    AlertReader
	Hub       *Hub
	RateLimit RateLimitConfig
	Clock     func() time.Time
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// API is the HTTP server.
type API struct {
	router         *mux.Router
	opts           Options
	server         *http.Server
	logger         *zap.SugaredLogger
	rateLimiters   map[string]*rateLimiterEntry
	rateLimitersMu sync.Mutex
	stopCh         chan struct{}
	stopOnce       sync.Once
}

// NewAPI creates the server and its routes.
func NewAPI(opts Options, logger *zap.SugaredLogger) *API {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	a := &API{
		router:       mux.NewRouter(),
		opts:         opts,
		logger:       logger,
		rateLimiters: make(map[string]*rateLimiterEntry),
		stopCh:       make(chan struct{}),
	}
	a.setupRoutes()
	if opts.RateLimit.RequestsPerSecond > 0 {
		go a.cleanupRateLimiters()
	}
	return a
}

func (a *API) setupRoutes() {
	if a.opts.RateLimit.RequestsPerSecond > 0 {
		a.router.Use(a.rateLimitMiddleware)
	}
	a.router.HandleFunc("/health", a.healthCheck).Methods("GET")
	a.router.HandleFunc("/stats", a.getStats).Methods("GET")
	a.router.HandleFunc("/rules", a.getRules).Methods("GET")
	a.router.HandleFunc("/alerts", a.getAlerts).Methods("GET")
	a.router.HandleFunc("/alerts/stream", a.streamAlerts).Methods("GET")
	a.router.HandleFunc("/alerts/{id}", a.getAlert).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler())
}

// Handler returns the routed handler.
func (a *API) Handler() http.Handler {
	return a.router
}

// Start serves on addr until Stop. It returns nil after a clean shutdown.
func (a *API) Start(addr string) error {
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.logger.Infow("API server listening", "addr", addr)
	err := a.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (a *API) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopCh) })
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}

func (a *API) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}

		a.rateLimitersMu.Lock()
		entry, ok := a.rateLimiters[ip]
		if !ok {
			entry = &rateLimiterEntry{
				limiter: rate.NewLimiter(rate.Limit(a.opts.RateLimit.RequestsPerSecond), max(a.opts.RateLimit.Burst, 1)),
			}
			a.rateLimiters[ip] = entry
		}
		entry.lastSeen = time.Now()
		limiter := entry.limiter
		a.rateLimitersMu.Unlock()

		if !limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "too many requests", nil, nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) cleanupRateLimiters() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.rateLimitersMu.Lock()
			for ip, entry := range a.rateLimiters {
				if time.Since(entry.lastSeen) > time.Hour {
					delete(a.rateLimiters, ip)
				}
			}
			a.rateLimitersMu.Unlock()
		case <-a.stopCh:
			return
		}
	}
}
