package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/agentpay/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// ErrConfirmationTimeout is the ConfirmationResult.Error reported when the
// deadline passes before the target commitment is observed.
const ErrConfirmationTimeout = "Confirmation timeout"

// StatusSource returns the current status of a signature, or nil if unknown.
type StatusSource interface {
	SignatureStatus(ctx context.Context, sig solana.Signature) (*rpc.SignatureStatusesResult, error)
}

// Waiter polls signature status until a commitment level is reached.
type Waiter struct {
	statuses StatusSource
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewWaiter creates a Waiter polling every interval.
func NewWaiter(statuses StatusSource, interval time.Duration, m *metrics.Metrics, logger *slog.Logger) *Waiter {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Waiter{statuses: statuses, interval: interval, metrics: m, logger: logger}
}

// commitmentRank orders commitment levels; a higher rank satisfies a lower target.
func commitmentRank(level string) int {
	switch level {
	case string(rpc.CommitmentProcessed):
		return 1
	case string(rpc.CommitmentConfirmed):
		return 2
	case string(rpc.CommitmentFinalized):
		return 3
	default:
		return 0
	}
}

// ValidCommitment reports whether level is processed, confirmed or finalized.
func ValidCommitment(level string) bool {
	return commitmentRank(level) > 0
}

// Wait polls until the signature reaches commitment (or stronger), the network
// reports an execution error, or timeout elapses. Poll errors are logged and
// polling continues. An error is returned for an invalid signature or
// commitment and for cancellation of ctx.
func (w *Waiter) Wait(ctx context.Context, signature string, commitment rpc.CommitmentType, timeout time.Duration) (*ConfirmationResult, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature %q: %w", signature, err)
	}
	target := commitmentRank(string(commitment))
	if target == 0 {
		return nil, fmt.Errorf("invalid commitment %q", commitment)
	}

	start := time.Now()
	outcome := "timeout"
	defer func() {
		w.metrics.RecordConfirmationWait(outcome, time.Since(start).Seconds())
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		status, err := w.statuses.SignatureStatus(ctx, sig)
		switch {
		case err != nil:
			w.logger.WarnContext(ctx, "failed to poll signature status",
				"signature", signature,
				"error", err,
			)
		case status == nil:
			// not yet seen by the node
		case status.Err != nil:
			outcome = "failed"
			return &ConfirmationResult{Confirmed: false, Slot: status.Slot, Error: describeStatusError(status.Err)}, nil
		case commitmentRank(string(status.ConfirmationStatus)) >= target:
			outcome = "confirmed"
			return &ConfirmationResult{Confirmed: true, Slot: status.Slot}, nil
		}

		select {
		case <-ctx.Done():
			outcome = "cancelled"
			return nil, ctx.Err()
		case <-deadline.C:
			return &ConfirmationResult{Confirmed: false, Error: ErrConfirmationTimeout}, nil
		case <-ticker.C:
		}
	}
}

func describeStatusError(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return "transaction failed: " + string(raw)
}
