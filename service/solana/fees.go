package solana

import (
	"context"
	"math"
	"sort"

	"github.com/brojonat/agentpay/service/txn"
)

// FeeSampler returns recent prioritization fee samples, normally a cache.FeeCache.
type FeeSampler interface {
	Samples(ctx context.Context, accounts []string) ([]uint64, error)
}

// FeeEstimator picks a priority-fee price from recent samples by urgency.
type FeeEstimator struct {
	samples FeeSampler
}

// NewFeeEstimator creates an estimator over samples.
func NewFeeEstimator(samples FeeSampler) *FeeEstimator {
	return &FeeEstimator{samples: samples}
}

// Estimate returns the per-CU price at the urgency's percentile and the total
// fee: 5000 lamports per signature plus ceil(price * units / 1e6).
// A nil units uses DefaultComputeUnits.
func (e *FeeEstimator) Estimate(ctx context.Context, urgency txn.Urgency, accounts []string, requiredSignatures int, units *uint64) (*FeeEstimate, error) {
	samples, err := e.samples.Samples(ctx, accounts)
	if err != nil {
		return nil, err
	}
	price := Percentile(samples, urgency.Percentile())

	cu := uint64(DefaultComputeUnits)
	if units != nil && *units > 0 {
		cu = *units
	}
	return &FeeEstimate{
		MicroLamportsPerCU: price,
		FeeLamports:        TotalFee(requiredSignatures, price, cu),
	}, nil
}

// TotalFee computes the base plus priority fee in lamports.
func TotalFee(requiredSignatures int, microLamportsPerCU, computeUnits uint64) uint64 {
	base := uint64(BaseFeeLamports) * uint64(max(requiredSignatures, 1))
	priority := (microLamportsPerCU*computeUnits + 999_999) / 1_000_000
	return base + priority
}

// Percentile returns the nearest-rank p-th percentile of samples, or 0 for none.
func Percentile(samples []uint64, p float64) uint64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]uint64(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
