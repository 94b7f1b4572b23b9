// Package server assembles the HTTP surface: routing, middleware, rate
// limiting, and the listener lifecycle.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bldmahavidyalaya/kitsapi/internal/api"
	"github.com/bldmahavidyalaya/kitsapi/internal/observability/logging"
	"github.com/bldmahavidyalaya/kitsapi/internal/observability/metrics"
	"github.com/bldmahavidyalaya/kitsapi/internal/serverutil"
)

// TLSConfig points at the certificate pair for TLS listeners.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Config carries the server wiring.
type Config struct {
	Addr      string
	TLS       TLSConfig
	RateLimit RateLimitConfig
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	// Ready, when set, is closed once the listener is bound.
	Ready chan<- struct{}
}

// Server is the configured HTTP server plus its middleware state.
type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	metrics     *metrics.Recorder
	rateLimiter *rateLimiter
	tlsCertFile string
	tlsKeyFile  string
	ready       chan<- struct{}
}

// New builds the route table and middleware chain around the API handlers.
func New(handler *api.Handler, cfg Config) (*Server, error) {
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.HandleHealthz)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/api/v1/convert/", handler.HandleConvert)
	mux.HandleFunc("/api/v1/operations", handler.HandleOperations)
	mux.HandleFunc("/api/v1/stats", handler.HandleStats)
	mux.HandleFunc("/api/v1/conversions", handler.HandleConversions)
	mux.HandleFunc("/api/v1/items", handler.HandleItems)
	mux.HandleFunc("/api/v1/items/", handler.HandleItemByID)
	mux.HandleFunc("/api/v1/health/detailed", handler.HandleHealthDetailed)
	mux.HandleFunc("/api/v1/health/ready", handler.HandleHealthReady)

	rl := newRateLimiter(cfg.RateLimit)
	handlerChain := http.Handler(mux)
	handlerChain = rateLimitMiddleware(rl, cfg.Logger, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	if cfg.Logger != nil {
		requestLogger := logging.RequestLogger(logging.RequestLoggerConfig{
			Logger:            cfg.Logger,
			DisableRemoteAddr: true,
			AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
				return []any{"remote_ip", clientIPFromRequest(r)}
			},
		})
		handlerChain = requestLogger(handlerChain)
	}
	handlerChain = requestContextMiddleware(handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		// Read and write timeouts stay unset: conversion uploads and
		// streamed deliveries legitimately run for minutes.
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      cfg.Logger,
		metrics:     recorder,
		rateLimiter: rl,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
		ready:       cfg.Ready,
	}
	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

// Run serves requests until ctx is cancelled, then drains in-flight requests
// within the shutdown timeout so streaming deliveries can finish.
func (s *Server) Run(ctx context.Context) error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}
	return serverutil.Run(ctx, serverutil.Config{
		Server: s.httpServer,
		TLS: serverutil.TLSConfig{
			CertFile: s.tlsCertFile,
			KeyFile:  s.tlsKeyFile,
		},
		Ready: s.ready,
	})
}

// Handler exposes the middleware chain for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// requestContextMiddleware tags each request's context with a generated
// request ID, and with the conversion operation name when the path carries
// one, so downstream log lines correlate.
func requestContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.ContextWithRequestID(r.Context(), uuid.NewString())
		if op := operationFromPath(r.URL.Path); op != "" {
			ctx = logging.ContextWithOperation(ctx, op)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func operationFromPath(path string) string {
	const prefix = "/api/v1/convert/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	return strings.Trim(strings.TrimPrefix(path, prefix), "/")
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			writeLimitError(w, 0, "global rate limit exceeded")
			return
		}
		if r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/api/v1/convert/") {
			ip := clientIPFromRequest(r)
			allowed, retryAfter, err := rl.AllowConversion(ip)
			if err != nil {
				if logger != nil {
					logger.Error("rate limiter failure", "error", err)
				}
				// Fail open: a broken limiter backend must not take
				// conversions down with it.
			} else if !allowed {
				writeLimitError(w, retryAfter, "too many conversion requests from this address")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeLimitError(w http.ResponseWriter, retryAfter time.Duration, message string) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	fmt.Fprintf(w, "{\"detail\":%q}\n", message)
}

func clientIPFromRequest(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
