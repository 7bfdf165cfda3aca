package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/agentpay/service/metrics"
	natspkg "github.com/brojonat/agentpay/service/nats"
	"github.com/brojonat/agentpay/service/txn"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the HTTP API for the transaction orchestrator.
type Server struct {
	addr    string
	txns    Transactions
	wallets WalletStore
	events  natspkg.EventSource
	metrics *metrics.Metrics
	logger  *slog.Logger
	server  *http.Server
}

// New creates a new HTTP server with the given dependencies.
// events is optional - if nil, the SSE endpoint won't be available.
// m is optional - if nil, /metrics won't be served.
func New(addr string, txns Transactions, wallets WalletStore, events natspkg.EventSource, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:    addr,
		txns:    txns,
		wallets: wallets,
		events:  events,
		metrics: m,
		logger:  logger,
	}
}

// Handler builds the routed handler. Start serves it; tests call it directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	route := func(pattern string, h http.Handler) {
		if s.metrics != nil {
			h = metrics.HTTPMetricsMiddleware(s.metrics, pattern)(h)
		}
		mux.Handle(pattern, h)
	}

	// Transaction routes
	route("POST /transactions", handleCreateTransaction(s.txns, s.logger))
	route("GET /transactions/{id}", handleGetTransaction(s.txns, s.logger))
	route("POST /transactions/{id}/retry", handleRetryTransaction(s.txns, s.logger))
	route("POST /transactions/{id}/approval", handleResolveApproval(s.txns, s.logger))
	route("GET /transactions/{id}/events", handleListEvents(s.txns, s.logger))
	route("GET /wallets/{walletId}/transactions", handleListWalletTransactions(s.txns, s.logger))

	// Wallet routes
	route("POST /wallets", handleRegisterWallet(s.wallets, s.logger))
	route("GET /wallets", handleListWallets(s.wallets, s.logger))
	route("GET /wallets/{walletId}", handleGetWallet(s.wallets, s.logger))
	route("POST /wallets/{walletId}/suspend", handleSetWalletStatus(s.wallets, txn.WalletSuspended, s.logger))
	route("POST /wallets/{walletId}/activate", handleSetWalletStatus(s.wallets, txn.WalletActive, s.logger))

	// SSE streaming endpoints (if an event source is configured)
	if s.events != nil {
		route("GET /stream/wallets/{walletId}", handleStreamWallet(s.events, s.metrics, s.logger))
		route("GET /stream", handleStreamWallet(s.events, s.metrics, s.logger))
	} else {
		s.logger.Warn("event source not configured, streaming endpoints disabled")
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	// Create responds only after the pipeline stops, which can include a full confirmation wait.
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
