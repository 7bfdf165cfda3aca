package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/brojonat/agentpay/service/txn"
	solanago "github.com/gagliardetto/solana-go"
)

// Retry re-enters a failed or permanently failed record into retrying and
// runs the submit and confirm sub-pipeline from a freshly rebuilt transaction.
func (o *Orchestrator) Retry(ctx context.Context, id string) (*txn.Record, error) {
	rec, err := o.deps.Store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.Status.IsRetryable() {
		return nil, txn.Errorf(txn.KindNotRetryable, "transaction %s is %s and cannot be retried", id, rec.Status)
	}

	r, err := o.resume(ctx, rec)
	if err != nil {
		return nil, err
	}
	o.logger.InfoContext(ctx, "manual retry requested",
		"record_id", id,
		"status", rec.Status,
		"retry_count", rec.RetryCount,
	)
	if err := o.enterRetry(ctx, r); err != nil {
		return nil, err
	}
	if err := o.drive(ctx, r); err != nil {
		return r.rec, err
	}
	return r.rec, nil
}

// ResolveApproval applies a human decision to a record awaiting approval.
// Approval continues into signing; denial ends in rejected with reason.
func (o *Orchestrator) ResolveApproval(ctx context.Context, id string, approved bool, reason string) (*txn.Record, error) {
	rec, err := o.deps.Store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != txn.StatusAwaitingApproval {
		return nil, txn.Errorf(txn.KindInvalidTransition, "transaction %s is %s, not awaiting approval", id, rec.Status)
	}

	r, err := o.resume(ctx, rec)
	if err != nil {
		return nil, err
	}

	if !approved {
		if reason == "" {
			reason = "approval denied"
		}
		if err := o.stop(ctx, r, txn.StatusRejected, reason); err != nil {
			return nil, err
		}
		return r.rec, nil
	}

	if err := o.advance(ctx, r.rec, txn.StatusSigning, func(rec *txn.Record) {
		if reason != "" {
			if rec.Metadata == nil {
				rec.Metadata = map[string]any{}
			}
			rec.Metadata["approvalReason"] = reason
		}
	}); err != nil {
		return nil, err
	}
	if err := o.drive(ctx, r); err != nil {
		return r.rec, err
	}
	return r.rec, nil
}

// ExpireApproval rejects a record still awaiting approval. Records that have
// moved on are returned unchanged.
func (o *Orchestrator) ExpireApproval(ctx context.Context, id string) (*txn.Record, error) {
	rec, err := o.deps.Store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != txn.StatusAwaitingApproval {
		return rec, nil
	}
	if err := o.advance(ctx, rec, txn.StatusRejected, func(r *txn.Record) {
		r.ErrorMessage = strPtr("approval expired")
	}); err != nil {
		return nil, err
	}
	return rec, nil
}

// Recover resumes a record abandoned in a transient state, typically after a
// process crash. A record still submitting is checked against the network
// before anything is resent (see recoverSubmitting). A submitted record
// resumes its confirmation wait. Earlier states re-run from where they
// stopped because nothing has been broadcast yet.
func (o *Orchestrator) Recover(ctx context.Context, id string) (*txn.Record, error) {
	rec, err := o.deps.Store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.Status.IsInFlight() {
		return rec, nil
	}

	r, err := o.resume(ctx, rec)
	if err != nil {
		return nil, err
	}
	o.logger.InfoContext(ctx, "recovering transaction",
		"record_id", id,
		"status", rec.Status,
	)

	if rec.Status == txn.StatusSubmitting {
		if err := o.recoverSubmitting(ctx, r); err != nil {
			return r.rec, err
		}
		if r.rec.Status == txn.StatusSubmitting {
			return r.rec, nil
		}
	}
	if err := o.drive(ctx, r); err != nil {
		return r.rec, err
	}
	return r.rec, nil
}

// recoverSubmitting settles an attempt interrupted around its broadcast. A
// signature the network has seen moves to submitted and is confirmed. An
// unseen one is left in submitting while its blockhash is valid, because it
// can still land, and is failed once the blockhash has expired.
func (o *Orchestrator) recoverSubmitting(ctx context.Context, r *run) error {
	rec := r.rec
	if rec.PendingSignature == nil || rec.LastValidBlockHeight == nil {
		return o.failSubmission(ctx, r, "submission interrupted before a transaction was signed")
	}
	sig, err := solanago.SignatureFromBase58(*rec.PendingSignature)
	if err != nil {
		return o.failSubmission(ctx, r, "submission interrupted with an invalid signature: "+err.Error())
	}
	if o.deps.Chain == nil {
		return fmt.Errorf("cannot recover %s: no chain state configured", rec.ID)
	}

	// height before status, so an absent status is at least as recent
	height, err := o.deps.Chain.BlockHeight(ctx)
	if err != nil {
		return fmt.Errorf("failed to read block height while recovering %s: %w", rec.ID, err)
	}
	status, err := o.deps.Chain.SignatureStatus(ctx, sig)
	if err != nil {
		return fmt.Errorf("failed to read signature status while recovering %s: %w", rec.ID, err)
	}

	if status != nil {
		signature := *rec.PendingSignature
		return o.advance(ctx, rec, txn.StatusSubmitted, func(next *txn.Record) {
			next.Signature = &signature
			next.ErrorMessage = nil
		})
	}
	if height <= *rec.LastValidBlockHeight {
		o.logger.InfoContext(ctx, "deferring recovery until blockhash expires",
			"record_id", rec.ID,
			"signature", *rec.PendingSignature,
			"block_height", height,
			"last_valid_block_height", *rec.LastValidBlockHeight,
		)
		return nil
	}
	return o.failSubmission(ctx, r, "submission interrupted and the transaction expired without reaching the network")
}

// ListStale returns in-flight records not updated within olderThan.
func (o *Orchestrator) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]*txn.Record, error) {
	recs, err := o.deps.Store.ListStaleRecords(ctx, txn.InFlightStatuses(), o.now().Add(-olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale records: %w", err)
	}
	return recs, nil
}

// ListExpiredApprovals returns records awaiting approval for longer than ttl.
func (o *Orchestrator) ListExpiredApprovals(ctx context.Context, ttl time.Duration, limit int) ([]*txn.Record, error) {
	recs, err := o.deps.Store.ListStaleRecords(ctx, []txn.Status{txn.StatusAwaitingApproval}, o.now().Add(-ttl), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired approvals: %w", err)
	}
	return recs, nil
}
