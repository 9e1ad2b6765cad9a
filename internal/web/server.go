// Package web serves the JSON API and the inbound mail webhook.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/csrf"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/debt-negotiator/negotiator/internal/config"
	"github.com/debt-negotiator/negotiator/internal/negotiation"
)

const (
	defaultRateLimit  = 30
	defaultRateWindow = time.Minute
	maxBodyBytes      = 10 << 20
)

// RateLimiter is a sliding-window request counter per client key.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter starts a limiter. Stop releases its cleanup goroutine.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		stop:     make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *RateLimiter) filterRecent(times []time.Time, windowStart time.Time) []time.Time {
	n := 0
	for _, t := range times {
		if t.After(windowStart) {
			times[n] = t
			n++
		}
	}
	return times[:n]
}

// Allow records a request for key and reports whether it is within the limit.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	recent := rl.filterRecent(rl.requests[key], now.Add(-rl.window))

	if len(recent) >= rl.limit {
		rl.requests[key] = recent
		return false
	}
	rl.requests[key] = append(recent, now)
	return true
}

// Stop ends the cleanup loop.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
		}
		rl.mu.Lock()
		windowStart := time.Now().Add(-rl.window)
		for key, times := range rl.requests {
			recent := rl.filterRecent(times, windowStart)
			if len(recent) == 0 {
				delete(rl.requests, key)
			} else {
				rl.requests[key] = recent
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware rejects clients over the limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(rl.window.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Server is the HTTP front of the negotiation engine.
type Server struct {
	config      config.ServerConfig
	engine      *negotiation.Engine
	logger      *zap.Logger
	rateLimiter *RateLimiter
	httpServer  *http.Server
}

// NewServer creates a server for engine.
func NewServer(cfg config.ServerConfig, engine *negotiation.Engine, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	return &Server{
		config:      cfg,
		engine:      engine,
		logger:      logger.Named("web"),
		rateLimiter: NewRateLimiter(limit, defaultRateWindow),
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", s.config.Port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	defer s.rateLimiter.Stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// Close releases background resources of a server that was never run.
func (s *Server) Close() {
	s.rateLimiter.Stop()
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(securityHeaders)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Use(s.rateLimiter.Middleware)
		r.Post("/inbound", s.handleInbound)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.corsMiddleware())
		r.Use(s.rateLimiter.Middleware)
		if p := s.csrfMiddleware(); p != nil {
			r.Use(p)
		}

		r.Get("/csrf", s.handleCSRF)
		r.Get("/stats", s.handleStats)
		r.Get("/debts", s.handleListDebts)
		r.Route("/debts/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetDebt)
			r.Get("/messages", s.handleMessages)
			r.Get("/audit", s.handleAudit)
			r.Get("/variables", s.handleGetVariables)
			r.Put("/variables", s.handleSetVariables)
			r.Put("/amount", s.handleSetAmount)
			r.Put("/letter", s.handleUpdateLetter)
			r.Post("/strategy", s.handleGenerate)
			r.Post("/approve", s.handleApprove)
			r.Post("/send", s.handleSend)
			r.Post("/reply", s.handleReply)
			r.Post("/fail", s.handleFail)
		})
	})

	return r
}

// csrfMiddleware protects the browser-facing API. An empty key disables it.
func (s *Server) csrfMiddleware() func(http.Handler) http.Handler {
	if s.config.CSRFKey == "" {
		return nil
	}
	protect := csrf.Protect(
		[]byte(s.config.CSRFKey),
		csrf.Secure(false),
		csrf.Path("/api"),
		csrf.HttpOnly(true),
		csrf.SameSite(csrf.SameSiteLaxMode),
		csrf.RequestHeader("X-CSRF-Token"),
		csrf.TrustedOrigins(trustedOrigins(s.config)),
		csrf.ErrorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			msg := "csrf: forbidden"
			if err := csrf.FailureReason(r); err != nil {
				msg = "csrf: " + err.Error()
			}
			writeError(w, http.StatusForbidden, msg)
		})),
	)
	return func(next http.Handler) http.Handler {
		protected := protect(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS == nil {
				r = csrf.PlaintextHTTPRequest(r)
			}
			protected.ServeHTTP(w, r)
		})
	}
}

// trustedOrigins lists the hosts csrf accepts as request origins.
func trustedOrigins(cfg config.ServerConfig) []string {
	origins := []string{
		"localhost",
		"127.0.0.1",
		fmt.Sprintf("localhost:%d", cfg.Port),
		fmt.Sprintf("127.0.0.1:%d", cfg.Port),
	}
	for _, o := range cfg.AllowedOrigins {
		o = strings.TrimPrefix(strings.TrimPrefix(o, "https://"), "http://")
		if o != "" && o != "*" {
			origins = append(origins, o)
		}
	}
	return origins
}

func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	origins := s.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{fmt.Sprintf("http://localhost:%d", s.config.Port)}
	}
	credentials := true
	for _, o := range origins {
		if o == "*" {
			// Wildcard origins never carry credentials.
			credentials = false
		}
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"X-CSRF-Token"},
		AllowCredentials: credentials,
	}).Handler
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// securityHeaders adds security headers to all responses
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		// JSON only: nothing is rendered or loaded.
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		// Debt records and letters never belong in a cache.
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
