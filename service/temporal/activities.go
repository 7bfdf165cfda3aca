package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/agentpay/service/metrics"
	"github.com/brojonat/agentpay/service/orchestrator"
	"github.com/brojonat/agentpay/service/txn"
)

// ListStaleTransactionsInput contains parameters for the ListStaleTransactions activity.
type ListStaleTransactionsInput struct {
	OlderThan time.Duration `json:"older_than"`
	Limit     int           `json:"limit"`
}

// ListExpiredApprovalsInput contains parameters for the ListExpiredApprovals activity.
type ListExpiredApprovalsInput struct {
	TTL   time.Duration `json:"ttl"`
	Limit int           `json:"limit"`
}

// TransactionIDsResult lists the transactions an activity selected.
type TransactionIDsResult struct {
	TransactionIDs []string `json:"transaction_ids"`
}

// TransactionInput names one transaction record.
type TransactionInput struct {
	TransactionID string `json:"transaction_id"`
}

// TransactionOutcome reports what a recovery action did to one record.
type TransactionOutcome struct {
	TransactionID string `json:"transaction_id"`
	FromStatus    string `json:"from_status"`
	Status        string `json:"status"`
	Skipped       bool   `json:"skipped"` // another writer owned the record
}

// Recoverer is the orchestrator surface the recovery activities drive.
type Recoverer interface {
	ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]*txn.Record, error)
	Recover(ctx context.Context, id string) (*txn.Record, error)
	ListExpiredApprovals(ctx context.Context, ttl time.Duration, limit int) ([]*txn.Record, error)
	ExpireApproval(ctx context.Context, id string) (*txn.Record, error)
	Get(ctx context.Context, id string) (*txn.Record, error)
}

var _ Recoverer = (*orchestrator.Orchestrator)(nil)

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	recoverer Recoverer
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(recoverer Recoverer, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		recoverer: recoverer,
		metrics:   m,
		logger:    logger,
	}
}

// ListStaleTransactions returns in-flight records that have not moved recently.
func (a *Activities) ListStaleTransactions(ctx context.Context, input ListStaleTransactionsInput) (*TransactionIDsResult, error) {
	recs, err := a.recoverer.ListStale(ctx, input.OlderThan, input.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale transactions: %w", err)
	}

	a.logger.InfoContext(ctx, "listed stale transactions",
		"count", len(recs),
		"older_than", input.OlderThan,
	)
	return &TransactionIDsResult{TransactionIDs: recordIDs(recs)}, nil
}

// RecoverTransaction resumes one abandoned record.
func (a *Activities) RecoverTransaction(ctx context.Context, input TransactionInput) (*TransactionOutcome, error) {
	return a.apply(ctx, "recover", input.TransactionID, a.recoverer.Recover)
}

// ListExpiredApprovals returns records whose approval window has passed.
func (a *Activities) ListExpiredApprovals(ctx context.Context, input ListExpiredApprovalsInput) (*TransactionIDsResult, error) {
	recs, err := a.recoverer.ListExpiredApprovals(ctx, input.TTL, input.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired approvals: %w", err)
	}

	a.logger.InfoContext(ctx, "listed expired approvals",
		"count", len(recs),
		"ttl", input.TTL,
	)
	return &TransactionIDsResult{TransactionIDs: recordIDs(recs)}, nil
}

// ExpireApproval rejects one record whose approval window has passed.
func (a *Activities) ExpireApproval(ctx context.Context, input TransactionInput) (*TransactionOutcome, error) {
	return a.apply(ctx, "expire_approval", input.TransactionID, a.recoverer.ExpireApproval)
}

func (a *Activities) apply(ctx context.Context, kind, id string, fn func(context.Context, string) (*txn.Record, error)) (*TransactionOutcome, error) {
	before, err := a.recoverer.Get(ctx, id)
	if err != nil {
		a.metrics.RecordRecovery(kind, err)
		return nil, fmt.Errorf("failed to load transaction %s: %w", id, err)
	}
	outcome := &TransactionOutcome{TransactionID: id, FromStatus: string(before.Status)}

	rec, err := fn(ctx, id)
	if errors.Is(err, txn.ErrConcurrentUpdate) {
		a.logger.InfoContext(ctx, "transaction moved concurrently, skipping",
			"record_id", id,
			"kind", kind,
		)
		a.metrics.RecordRecovery(kind, nil)
		outcome.Skipped = true
		outcome.Status = outcome.FromStatus
		return outcome, nil
	}
	a.metrics.RecordRecovery(kind, err)
	if err != nil {
		a.logger.WarnContext(ctx, "recovery action failed",
			"record_id", id,
			"kind", kind,
			"error", err,
		)
		return nil, fmt.Errorf("failed to %s transaction %s: %w", kind, id, err)
	}

	outcome.Status = string(rec.Status)
	a.logger.InfoContext(ctx, "recovery action applied",
		"record_id", id,
		"kind", kind,
		"from_status", outcome.FromStatus,
		"status", outcome.Status,
	)
	return outcome, nil
}

func recordIDs(recs []*txn.Record) []string {
	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ID
	}
	return ids
}
