package solana

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/brojonat/agentpay/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/time/rate"
)

// realRPCClient adapts the solana-go RPC client to our RPCClient interface and
// applies a client-side rate limit so bursts of pipelines don't trip provider 429s.
type realRPCClient struct {
	client  *rpc.Client
	limiter *rate.Limiter
	metrics *metrics.Metrics
}

// NewRPCClient creates an RPCClient for rpcURL. ratePerSecond <= 0 disables limiting.
// For premium RPC endpoints that require API keys, include the key in the URL:
// - Helius: https://mainnet.helius-rpc.com/?api-key=YOUR-KEY
// - QuickNode: https://YOUR-ENDPOINT.quiknode.pro/YOUR-KEY/
func NewRPCClient(rpcURL string, ratePerSecond float64, m *metrics.Metrics) RPCClient {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if ratePerSecond > 0 {
		burst := int(ratePerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}
	return &realRPCClient{
		client:  rpc.New(rpcURL),
		limiter: limiter,
		metrics: m,
	}
}

// SelectRandomEndpoint picks one endpoint from a configured list.
func SelectRandomEndpoint(endpoints []string) (string, error) {
	if len(endpoints) == 0 {
		return "", errors.New("no RPC endpoints configured")
	}
	return endpoints[rand.IntN(len(endpoints))], nil
}

// ParseEndpoints splits a comma-separated endpoint list, dropping blanks.
func ParseEndpoints(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (r *realRPCClient) wait(ctx context.Context, method string) error {
	start := time.Now()
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	r.metrics.RecordRateLimitWait(method, time.Since(start).Seconds())
	return nil
}

func (r *realRPCClient) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	if err := r.wait(ctx, "GetLatestBlockhash"); err != nil {
		return nil, err
	}
	return r.client.GetLatestBlockhash(ctx, commitment)
}

func (r *realRPCClient) SimulateTransaction(ctx context.Context, tx *solana.Transaction, opts *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error) {
	if err := r.wait(ctx, "SimulateTransaction"); err != nil {
		return nil, err
	}
	return r.client.SimulateTransactionWithOpts(ctx, tx, opts)
}

func (r *realRPCClient) SendRawTransaction(ctx context.Context, raw []byte, opts rpc.TransactionOpts) (solana.Signature, error) {
	if err := r.wait(ctx, "SendRawTransaction"); err != nil {
		return solana.Signature{}, err
	}
	return r.client.SendRawTransactionWithOpts(ctx, raw, opts)
}

func (r *realRPCClient) GetSignatureStatuses(ctx context.Context, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	if err := r.wait(ctx, "GetSignatureStatuses"); err != nil {
		return nil, err
	}
	return r.client.GetSignatureStatuses(ctx, true, sigs...)
}

func (r *realRPCClient) GetRecentPrioritizationFees(ctx context.Context, accounts solana.PublicKeySlice) ([]rpc.PriorizationFeeResult, error) {
	if err := r.wait(ctx, "GetRecentPrioritizationFees"); err != nil {
		return nil, err
	}
	return r.client.GetRecentPrioritizationFees(ctx, accounts)
}

func (r *realRPCClient) GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	if err := r.wait(ctx, "GetAccountInfo"); err != nil {
		return nil, err
	}
	return r.client.GetAccountInfo(ctx, account)
}

func (r *realRPCClient) GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error) {
	if err := r.wait(ctx, "GetBlockHeight"); err != nil {
		return 0, err
	}
	return r.client.GetBlockHeight(ctx, commitment)
}
