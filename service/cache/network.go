package cache

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/brojonat/agentpay/service/metrics"
)

// Blockhash is a recent block reference and the last block height at which a
// transaction carrying it is still accepted.
type Blockhash struct {
	Hash                 string `json:"hash"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// BlockhashSource fetches the latest block reference from the network.
type BlockhashSource interface {
	LatestBlockhash(ctx context.Context) (Blockhash, error)
}

// FeeSource fetches recent prioritization fee samples (micro-lamports per CU)
// for transactions that write-lock the given accounts.
type FeeSource interface {
	RecentPrioritizationFees(ctx context.Context, accounts []string) ([]uint64, error)
}

// BlockhashCache serves the latest blockhash from a short-TTL cache.
type BlockhashCache struct {
	source BlockhashSource
	ttl    *TTL[Blockhash]
}

// NewBlockhashCache wraps source with a cache of the given validity.
func NewBlockhashCache(source BlockhashSource, backend Backend, ttl time.Duration, m *metrics.Metrics, logger *slog.Logger) *BlockhashCache {
	return &BlockhashCache{
		source: source,
		ttl:    NewTTL[Blockhash]("blockhash", backend, ttl, m, logger),
	}
}

// Latest returns a blockhash no older than the cache TTL.
func (c *BlockhashCache) Latest(ctx context.Context) (Blockhash, error) {
	return c.ttl.Get(ctx, "latest", c.source.LatestBlockhash)
}

// FeeCache serves recent prioritization fee samples from a short-TTL cache.
type FeeCache struct {
	source FeeSource
	ttl    *TTL[[]uint64]
}

// NewFeeCache wraps source with a cache of the given validity.
func NewFeeCache(source FeeSource, backend Backend, ttl time.Duration, m *metrics.Metrics, logger *slog.Logger) *FeeCache {
	return &FeeCache{
		source: source,
		ttl:    NewTTL[[]uint64]("priority_fees", backend, ttl, m, logger),
	}
}

// Samples returns recent fee samples for the account set. The order of
// accounts does not affect the cache key.
func (c *FeeCache) Samples(ctx context.Context, accounts []string) ([]uint64, error) {
	sorted := append([]string(nil), accounts...)
	sort.Strings(sorted)
	key := strings.Join(sorted, ",")
	if key == "" {
		key = "global"
	}
	return c.ttl.Get(ctx, key, func(ctx context.Context) ([]uint64, error) {
		return c.source.RecentPrioritizationFees(ctx, sorted)
	})
}
