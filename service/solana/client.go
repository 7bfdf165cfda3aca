package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/agentpay/service/cache"
	"github.com/brojonat/agentpay/service/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// RPCClient is the subset of Solana RPC the pipeline needs.
// It lets tests substitute the network without a validator.
type RPCClient interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SimulateTransaction(ctx context.Context, tx *solana.Transaction, opts *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error)
	SendRawTransaction(ctx context.Context, raw []byte, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetRecentPrioritizationFees(ctx context.Context, accounts solana.PublicKeySlice) ([]rpc.PriorizationFeeResult, error)
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
}

// readAttempts bounds retries of idempotent reads.
const readAttempts = 3

// Client wraps an RPCClient with logging, metrics and retry of idempotent reads.
type Client struct {
	rpc          RPCClient
	logger       *slog.Logger
	metrics      *metrics.Metrics
	retryBackoff time.Duration
}

// NewClient creates a new Solana client. If metrics is nil, no metrics are recorded.
func NewClient(rpcClient RPCClient, m *metrics.Metrics, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		rpc:          rpcClient,
		logger:       logger,
		metrics:      m,
		retryBackoff: 200 * time.Millisecond,
	}
}

// observe times fn and records the call under method.
func (c *Client) observe(method string, fn func() error) error {
	start := time.Now()
	err := fn()
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordRPCCall(method, status, time.Since(start).Seconds())
	return err
}

// read runs an idempotent RPC with exponential backoff. Rate limit responses
// and other errors are both retried; not-found is returned immediately.
func (c *Client) read(ctx context.Context, method string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	op := func() error {
		err := c.observe(method, fn)
		if errors.Is(err, rpc.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		reason := "error"
		if strings.Contains(err.Error(), "429") {
			reason = "rate_limit"
		}
		c.metrics.RecordRPCRetry(method, reason)
		c.logger.WarnContext(ctx, "rpc call failed, retrying",
			"method", method,
			"error", err,
			"backoff_ms", wait.Milliseconds(),
		)
	}
	return backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, readAttempts-1), ctx), notify)
}

// LatestBlockhash fetches the latest finalized blockhash. It satisfies cache.BlockhashSource.
func (c *Client) LatestBlockhash(ctx context.Context) (cache.Blockhash, error) {
	var out *rpc.GetLatestBlockhashResult
	err := c.read(ctx, "GetLatestBlockhash", func() error {
		var err error
		out, err = c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
		return err
	})
	if err != nil {
		return cache.Blockhash{}, fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	if out == nil || out.Value == nil {
		return cache.Blockhash{}, errors.New("failed to get latest blockhash: empty response")
	}
	return cache.Blockhash{
		Hash:                 out.Value.Blockhash.String(),
		LastValidBlockHeight: out.Value.LastValidBlockHeight,
	}, nil
}

// RecentPrioritizationFees returns recent fee samples. It satisfies cache.FeeSource.
func (c *Client) RecentPrioritizationFees(ctx context.Context, accounts []string) ([]uint64, error) {
	keys := make(solana.PublicKeySlice, 0, len(accounts))
	for _, a := range accounts {
		pk, err := solana.PublicKeyFromBase58(a)
		if err != nil {
			return nil, fmt.Errorf("invalid fee account %q: %w", a, err)
		}
		keys = append(keys, pk)
	}

	var out []rpc.PriorizationFeeResult
	err := c.read(ctx, "GetRecentPrioritizationFees", func() error {
		var err error
		out, err = c.rpc.GetRecentPrioritizationFees(ctx, keys)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get prioritization fees: %w", err)
	}
	fees := make([]uint64, 0, len(out))
	for _, f := range out {
		fees = append(fees, f.PrioritizationFee)
	}
	return fees, nil
}

// AccountExists reports whether an account is allocated on chain.
func (c *Client) AccountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	var out *rpc.GetAccountInfoResult
	err := c.read(ctx, "GetAccountInfo", func() error {
		var err error
		out, err = c.rpc.GetAccountInfo(ctx, account)
		return err
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get account %s: %w", account, err)
	}
	return out != nil && out.Value != nil, nil
}

// Simulate dry-runs tx without signature verification. Program failures come
// back as a SimulationResult with Success=false; only transport failures are errors.
func (c *Client) Simulate(ctx context.Context, tx *solana.Transaction) (*SimulationResult, error) {
	var out *rpc.SimulateTransactionResponse
	err := c.read(ctx, "SimulateTransaction", func() error {
		var err error
		out, err = c.rpc.SimulateTransaction(ctx, tx, &rpc.SimulateTransactionOpts{
			SigVerify:  false,
			Commitment: rpc.CommitmentProcessed,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to simulate transaction: %w", err)
	}
	if out == nil || out.Value == nil {
		return nil, errors.New("failed to simulate transaction: empty response")
	}

	result := &SimulationResult{
		Logs:          out.Value.Logs,
		UnitsConsumed: out.Value.UnitsConsumed,
	}
	if out.Value.Err != nil {
		result.Error = describeSimulationError(out.Value.Err, out.Value.Logs)
		c.logger.DebugContext(ctx, "simulation failed", "error", result.Error)
		return result, nil
	}
	result.Success = true
	return result, nil
}

// SendRaw broadcasts a signed transaction, skipping node preflight because the
// pipeline already simulated it.
func (c *Client) SendRaw(ctx context.Context, raw []byte) (string, error) {
	var sig solana.Signature
	err := c.observe("SendRawTransaction", func() error {
		var err error
		sig, err = c.rpc.SendRawTransaction(ctx, raw, rpc.TransactionOpts{
			SkipPreflight:       true,
			PreflightCommitment: rpc.CommitmentProcessed,
		})
		return err
	})
	if err != nil {
		return "", err
	}
	return sig.String(), nil
}

// SignatureStatus returns the status for one signature, or nil if the network
// has not seen it yet.
func (c *Client) SignatureStatus(ctx context.Context, sig solana.Signature) (*rpc.SignatureStatusesResult, error) {
	var out *rpc.GetSignatureStatusesResult
	err := c.observe("GetSignatureStatuses", func() error {
		var err error
		out, err = c.rpc.GetSignatureStatuses(ctx, sig)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Value) == 0 {
		return nil, nil
	}
	return out.Value[0], nil
}

// BlockHeight returns the finalized block height. A blockhash whose
// LastValidBlockHeight is below it can no longer be included.
func (c *Client) BlockHeight(ctx context.Context) (uint64, error) {
	var height uint64
	err := c.read(ctx, "GetBlockHeight", func() error {
		var err error
		height, err = c.rpc.GetBlockHeight(ctx, rpc.CommitmentFinalized)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get block height: %w", err)
	}
	return height, nil
}

// describeSimulationError renders the RPC error value, adding the program log
// line that explains it when one exists.
func describeSimulationError(errValue any, logs []string) string {
	var msg string
	switch v := errValue.(type) {
	case string:
		msg = v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			msg = fmt.Sprintf("%v", v)
		} else {
			msg = string(raw)
		}
	}
	for i := len(logs) - 1; i >= 0; i-- {
		line := logs[i]
		lower := strings.ToLower(line)
		if strings.Contains(lower, "insufficient") || strings.Contains(lower, "error:") {
			return msg + ": " + line
		}
	}
	return msg
}
