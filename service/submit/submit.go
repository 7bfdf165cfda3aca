package submit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/agentpay/service/metrics"
	"github.com/brojonat/agentpay/service/txn"
	"github.com/cenkalti/backoff/v4"
)

// Route names the broadcast path used for a submission.
type Route string

const (
	RouteDirect Route = "direct"
	RouteRelay  Route = "relay"
)

// DefaultInitialBackoff is the sleep after the first failed attempt; it doubles each attempt.
const DefaultInitialBackoff = 100 * time.Millisecond

// Broadcaster puts a signed transaction on the network and returns its signature.
type Broadcaster interface {
	Broadcast(ctx context.Context, signed []byte) (string, error)
}

// Options control one Submit call.
type Options struct {
	Gasless     bool
	MaxAttempts int // inclusive of the first attempt; values < 1 mean 1
}

// Submitter broadcasts signed transactions directly or through the fee relay,
// retrying failures with exponential backoff.
type Submitter struct {
	direct         Broadcaster
	relay          Broadcaster // nil when gasless is not configured
	initialBackoff time.Duration
	timer          backoff.Timer // nil uses the real clock
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

// NewSubmitter creates a Submitter. relay may be nil, in which case gasless
// submissions fail immediately.
func NewSubmitter(direct, relay Broadcaster, m *metrics.Metrics, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{
		direct:         direct,
		relay:          relay,
		initialBackoff: DefaultInitialBackoff,
		metrics:        m,
		logger:         logger,
	}
}

// Submit broadcasts signed and returns the network signature. The route is
// chosen once from opts.Gasless and kept for every attempt. Attempt n (0-based)
// failing sleeps initialBackoff * 2^n before attempt n+1. After the last
// attempt the result is a SubmissionFailed error wrapping the last failure.
func (s *Submitter) Submit(ctx context.Context, signed []byte, opts Options) (string, error) {
	route, b := RouteDirect, s.direct
	if opts.Gasless {
		route, b = RouteRelay, s.relay
	}
	if b == nil {
		return "", txn.Errorf(txn.KindSubmissionFailed, "%s submission route is not configured", route)
	}

	attempts := opts.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.initialBackoff
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = s.initialBackoff << 20
	policy.MaxElapsedTime = 0

	var signature string
	attempt := 0
	op := func() error {
		attempt++
		sig, err := b.Broadcast(ctx, signed)
		s.metrics.RecordSubmitAttempt(string(route), err)
		if err != nil {
			return err
		}
		signature = sig
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.logger.WarnContext(ctx, "broadcast failed, backing off",
			"route", route,
			"attempt", attempt,
			"max_attempts", attempts,
			"backoff_ms", wait.Milliseconds(),
			"error", err,
		)
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts-1)), ctx)
	if err := backoff.RetryNotifyWithTimer(op, bo, notify, s.timer); err != nil {
		return "", txn.Wrap(txn.KindSubmissionFailed, fmt.Sprintf("submission failed after %d attempts", attempt), err)
	}

	s.logger.InfoContext(ctx, "transaction broadcast",
		"route", route,
		"signature", signature,
		"attempts", attempt,
	)
	return signature, nil
}
