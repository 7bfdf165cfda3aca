package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/agentpay/service/metrics"
	natspkg "github.com/brojonat/agentpay/service/nats"
)

const sseKeepaliveInterval = 10 * time.Second

// handleStreamWallet relays lifecycle events as Server-Sent Events.
// GET /stream/wallets/{walletId} streams one wallet; GET /stream streams all of them.
func handleStreamWallet(events natspkg.EventSource, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		walletID := r.PathValue("walletId")
		walletDesc := walletID
		if walletDesc == "" {
			walletDesc = "all wallets"
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, "streaming unsupported", "INTERNAL_ERROR", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		m.RecordSSEConnectionChange(walletDesc, 1)
		defer m.RecordSSEConnectionChange(walletDesc, -1)

		logger.DebugContext(ctx, "SSE client connected",
			"wallet_id", walletDesc,
			"remote_addr", r.RemoteAddr,
		)

		// The subscriber calls back on its own goroutine; only this one writes to w.
		eventChan := make(chan *natspkg.TransactionEvent, 16)
		subErr := make(chan error, 1)
		go func() {
			subErr <- events.Subscribe(ctx, walletID, func(ev *natspkg.TransactionEvent) {
				select {
				case eventChan <- ev:
				case <-ctx.Done():
				}
			})
		}()

		connected, _ := json.Marshal(map[string]string{"wallet": walletDesc})
		fmt.Fprintf(w, "event: connected\ndata: %s\n\n", connected)
		flusher.Flush()

		keepalive := time.NewTicker(sseKeepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				flusher.Flush()

			case ev := <-eventChan:
				data, err := json.Marshal(ev)
				if err != nil {
					logger.WarnContext(ctx, "failed to marshal event", "error", err)
					continue
				}
				fmt.Fprintf(w, "event: transaction\ndata: %s\n\n", data)
				flusher.Flush()
				m.RecordSSEEventSent(walletDesc, ev.Status)

				logger.DebugContext(ctx, "sent transaction event",
					"wallet_id", walletDesc,
					"record_id", ev.TransactionID,
					"status", ev.Status,
				)

			case err := <-subErr:
				if err != nil && ctx.Err() == nil {
					logger.ErrorContext(ctx, "event subscription failed",
						"wallet_id", walletDesc,
						"error", err,
					)
					fmt.Fprintf(w, "event: error\ndata: {\"error\": \"failed to subscribe\"}\n\n")
					flusher.Flush()
				}
				return

			case <-ctx.Done():
				logger.DebugContext(ctx, "SSE client disconnected",
					"wallet_id", walletDesc,
					"remote_addr", r.RemoteAddr,
				)
				return
			}
		}
	})
}
