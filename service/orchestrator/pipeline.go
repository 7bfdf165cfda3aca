package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/brojonat/agentpay/service/policy"
	"github.com/brojonat/agentpay/service/solana"
	"github.com/brojonat/agentpay/service/submit"
	"github.com/brojonat/agentpay/service/txn"
	solanago "github.com/gagliardetto/solana-go"
)

// MetadataApprovalRequestID is the metadata key holding the policy approval request id.
const MetadataApprovalRequestID = "approvalRequestId"

// run is the in-memory state of one pipeline pass over a record.
type run struct {
	rec    *txn.Record
	intent txn.Intent
	payer  solanago.PublicKey

	built  *solana.BuiltTransaction
	units  *uint64
	signed []byte
	fee    *solana.FeeEstimate
}

// drive advances r until it reaches a terminal state or awaiting_approval.
// Each step performs exactly the work owned by the current status, so the
// same loop serves creation, approval, retry and crash recovery.
func (o *Orchestrator) drive(ctx context.Context, r *run) error {
	for {
		var err error
		switch r.rec.Status {
		case txn.StatusPending:
			err = o.advance(ctx, r.rec, txn.StatusSimulating, nil)
		case txn.StatusSimulating:
			err = o.simulate(ctx, r)
		case txn.StatusPolicyEval:
			err = o.evaluatePolicy(ctx, r)
		case txn.StatusSigning:
			err = o.sign(ctx, r)
		case txn.StatusSubmitting:
			err = o.submit(ctx, r)
		case txn.StatusSubmitted:
			err = o.confirm(ctx, r)
		case txn.StatusFailed:
			err = o.applyRetryPolicy(ctx, r)
		case txn.StatusRetrying:
			err = o.resubmit(ctx, r)
		default:
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (o *Orchestrator) build(ctx context.Context, r *run, price uint64) error {
	built, err := o.deps.Builder.Build(ctx, r.payer, r.intent, solana.BuildOptions{ComputeUnitPrice: price})
	if err != nil {
		return err
	}
	r.built = built
	return nil
}

func (o *Orchestrator) simulate(ctx context.Context, r *run) error {
	if err := o.build(ctx, r, 0); err != nil {
		return o.stop(ctx, r, txn.StatusSimulationFailed, "failed to build transaction: "+err.Error())
	}

	res, err := o.deps.Simulator.Simulate(ctx, r.built.Tx)
	if err != nil {
		return o.stop(ctx, r, txn.StatusSimulationFailed, "simulation unavailable: "+err.Error())
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "simulation failed"
		}
		return o.stop(ctx, r, txn.StatusSimulationFailed, msg)
	}
	r.units = res.UnitsConsumed

	return o.advance(ctx, r.rec, txn.StatusPolicyEval, func(rec *txn.Record) {
		rec.Instructions = r.built.Instructions
	})
}

func (o *Orchestrator) evaluatePolicy(ctx context.Context, r *run) error {
	facts := r.rec.Intent.Facts(r.rec.Instructions)
	res := o.deps.Policy.Evaluate(ctx, policy.Request{
		WalletID:           r.rec.WalletID,
		Amount:             facts.Amount,
		TokenMint:          facts.TokenMint,
		DestinationAddress: facts.Destination,
		ProgramIDs:         facts.ProgramIDs,
		Instructions:       r.rec.Instructions,
	})

	switch res.Decision {
	case policy.Allow:
		return o.advance(ctx, r.rec, txn.StatusSigning, nil)
	case policy.RequireApproval:
		return o.advance(ctx, r.rec, txn.StatusAwaitingApproval, func(rec *txn.Record) {
			if rec.Metadata == nil {
				rec.Metadata = map[string]any{}
			}
			rec.Metadata[MetadataApprovalRequestID] = res.ApprovalRequestID
		})
	default:
		reason := strings.Join(res.Reasons, "; ")
		if reason == "" {
			reason = "policy denied"
		}
		return o.stop(ctx, r, txn.StatusRejected, reason)
	}
}

func (o *Orchestrator) sign(ctx context.Context, r *run) error {
	if r.built == nil {
		if err := o.build(ctx, r, 0); err != nil {
			return o.stop(ctx, r, txn.StatusSigningFailed, "failed to build transaction: "+err.Error())
		}
	}
	r.fee = o.estimateFee(ctx, r)
	signed, sig, err := o.signBuilt(ctx, r)
	if err != nil {
		return o.stop(ctx, r, txn.StatusSigningFailed, err.Error())
	}
	return o.enterSubmitting(ctx, r, signed, sig)
}

// signBuilt signs r.built and returns the wire transaction with its signature.
func (o *Orchestrator) signBuilt(ctx context.Context, r *run) ([]byte, string, error) {
	unsigned, err := r.built.Serialize()
	if err != nil {
		return nil, "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	signed, err := o.deps.Signer.Sign(ctx, r.rec.WalletID, unsigned)
	if err != nil {
		return nil, "", err
	}
	sig, err := solana.SignatureOf(signed)
	if err != nil {
		return nil, "", fmt.Errorf("signer returned an undecodable transaction: %w", err)
	}
	return signed, sig, nil
}

// enterSubmitting persists the attempt's signature and blockhash expiry
// before anything is broadcast.
func (o *Orchestrator) enterSubmitting(ctx context.Context, r *run, signed []byte, sig string) error {
	lastValid := r.built.Blockhash.LastValidBlockHeight
	if err := o.advance(ctx, r.rec, txn.StatusSubmitting, func(rec *txn.Record) {
		rec.PendingSignature = &sig
		rec.LastValidBlockHeight = &lastValid
	}); err != nil {
		return err
	}
	r.signed = signed
	return nil
}

// resubmit rebuilds the transaction with a fresh blockhash and priority fee,
// re-signs it and enters submitting for the next attempt.
func (o *Orchestrator) resubmit(ctx context.Context, r *run) error {
	r.fee = o.estimateFee(ctx, r)
	var price uint64
	if r.fee != nil {
		price = r.fee.MicroLamportsPerCU
	}
	if err := o.build(ctx, r, price); err != nil {
		return o.abortSubmission(ctx, r, "failed to rebuild transaction: "+err.Error())
	}
	signed, sig, err := o.signBuilt(ctx, r)
	if err != nil {
		return o.abortSubmission(ctx, r, "failed to re-sign transaction: "+err.Error())
	}
	return o.enterSubmitting(ctx, r, signed, sig)
}

// abortSubmission records an attempt that failed before it had anything to
// broadcast as retrying → submitting → submitted → failed.
func (o *Orchestrator) abortSubmission(ctx context.Context, r *run, msg string) error {
	if err := o.advance(ctx, r.rec, txn.StatusSubmitting, nil); err != nil {
		return err
	}
	return o.failSubmission(ctx, r, msg)
}

func (o *Orchestrator) submit(ctx context.Context, r *run) error {
	if r.signed == nil {
		return o.failSubmission(ctx, r, "no signed transaction available for submission")
	}

	signature, err := o.deps.Submitter.Submit(ctx, r.signed, submit.Options{
		Gasless:     r.rec.Gasless,
		MaxAttempts: o.cfg.SubmitMaxAttempts,
	})
	if err != nil {
		return o.failSubmission(ctx, r, err.Error())
	}

	return o.advance(ctx, r.rec, txn.StatusSubmitted, func(rec *txn.Record) {
		rec.Signature = &signature
		rec.ErrorMessage = nil
		if r.fee != nil {
			fee := txn.Amount(r.fee.FeeLamports)
			rec.FeeLamports = &fee
		}
	})
}

// estimateFee is best effort: a failure only omits the estimate.
func (o *Orchestrator) estimateFee(ctx context.Context, r *run) *solana.FeeEstimate {
	if o.deps.Fees == nil {
		return nil
	}
	var accounts []string
	sigs := 1
	if r.built != nil {
		accounts = r.built.WritableAccounts
		sigs = r.built.RequiredSignatures
	}
	est, err := o.deps.Fees.Estimate(ctx, r.rec.Intent.Urgency, accounts, sigs, r.units)
	if err != nil {
		o.logger.WarnContext(ctx, "priority fee estimate unavailable",
			"record_id", r.rec.ID,
			"error", err,
		)
		return nil
	}
	return est
}

// failSubmission records a submission that produced no broadcast as submitted → failed.
func (o *Orchestrator) failSubmission(ctx context.Context, r *run, msg string) error {
	if err := o.advance(ctx, r.rec, txn.StatusSubmitted, func(rec *txn.Record) {
		rec.ErrorMessage = &msg
	}); err != nil {
		return err
	}
	return o.advance(ctx, r.rec, txn.StatusFailed, nil)
}

func (o *Orchestrator) confirm(ctx context.Context, r *run) error {
	if r.rec.Signature == nil {
		return o.stop(ctx, r, txn.StatusFailed, "no signature recorded for submitted transaction")
	}

	res, err := o.deps.Waiter.Wait(ctx, *r.rec.Signature, o.cfg.Commitment, o.cfg.ConfirmationTimeout)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("failed to wait for confirmation of %s: %w", r.rec.ID, err)
		}
		// the wait can never succeed for this signature
		return o.stop(ctx, r, txn.StatusFailed, "failed to confirm transaction: "+err.Error())
	}
	if res.Confirmed {
		return o.advance(ctx, r.rec, txn.StatusConfirmed, func(rec *txn.Record) {
			now := rec.UpdatedAt
			rec.ConfirmedAt = &now
			rec.ErrorMessage = nil
		})
	}
	return o.stop(ctx, r, txn.StatusFailed, res.Error)
}

// applyRetryPolicy moves a failed record to retrying while under the ceiling,
// otherwise to permanently_failed.
func (o *Orchestrator) applyRetryPolicy(ctx context.Context, r *run) error {
	if r.rec.RetryCount >= o.cfg.MaxRetries {
		return o.advance(ctx, r.rec, txn.StatusPermanentlyFailed, nil)
	}
	return o.enterRetry(ctx, r)
}

// enterRetry is the only path into retrying. It consumes one retry and clears
// the live error and signatures; earlier signatures stay in the event history.
func (o *Orchestrator) enterRetry(ctx context.Context, r *run) error {
	r.signed = nil
	return o.advance(ctx, r.rec, txn.StatusRetrying, func(rec *txn.Record) {
		rec.RetryCount++
		rec.ErrorMessage = nil
		rec.Signature = nil
		rec.PendingSignature = nil
		rec.LastValidBlockHeight = nil
	})
}

// stop moves r to status with msg as the error message.
func (o *Orchestrator) stop(ctx context.Context, r *run, status txn.Status, msg string) error {
	return o.advance(ctx, r.rec, status, func(rec *txn.Record) {
		rec.ErrorMessage = strPtr(msg)
	})
}
