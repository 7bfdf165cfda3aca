// Package orchestrator drives transaction records through the build, simulate,
// policy, sign, submit and confirm pipeline, persisting every transition.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/brojonat/agentpay/service/db"
	"github.com/brojonat/agentpay/service/metrics"
	natspkg "github.com/brojonat/agentpay/service/nats"
	"github.com/brojonat/agentpay/service/policy"
	"github.com/brojonat/agentpay/service/solana"
	"github.com/brojonat/agentpay/service/submit"
	"github.com/brojonat/agentpay/service/txn"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/google/uuid"
)

// Store persists wallets, records and their event history.
type Store interface {
	GetWallet(ctx context.Context, id string) (*txn.Wallet, error)
	CreateRecord(ctx context.Context, rec *txn.Record, ev txn.Event) (*txn.Record, bool, error)
	UpdateRecord(ctx context.Context, rec *txn.Record, expected txn.Status, ev txn.Event) error
	GetRecord(ctx context.Context, id string) (*txn.Record, error)
	ListRecords(ctx context.Context, filter txn.ListFilter) ([]*txn.Record, int, error)
	ListStaleRecords(ctx context.Context, statuses []txn.Status, before time.Time, limit int) ([]*txn.Record, error)
	ListEvents(ctx context.Context, recordID string) ([]txn.Event, error)
}

var (
	_ Store = (*db.Store)(nil)
	_ Store = (*db.MemoryStore)(nil)
)

// TxBuilder assembles unsigned transactions.
type TxBuilder interface {
	Build(ctx context.Context, payer solanago.PublicKey, intent txn.Intent, opts solana.BuildOptions) (*solana.BuiltTransaction, error)
}

// Simulator dry-runs a transaction.
type Simulator interface {
	Simulate(ctx context.Context, tx *solanago.Transaction) (*solana.SimulationResult, error)
}

// PolicyGate returns a decision for a transaction. It must fail secure.
type PolicyGate interface {
	Evaluate(ctx context.Context, req policy.Request) policy.Result
}

// Signer returns the signed wire transaction for a wallet.
type Signer interface {
	Sign(ctx context.Context, walletID string, unsigned []byte) ([]byte, error)
}

// Submitter broadcasts a signed transaction.
type Submitter interface {
	Submit(ctx context.Context, signed []byte, opts submit.Options) (string, error)
}

// ConfirmationWaiter blocks until a signature reaches a commitment level or times out.
type ConfirmationWaiter interface {
	Wait(ctx context.Context, signature string, commitment rpc.CommitmentType, timeout time.Duration) (*solana.ConfirmationResult, error)
}

// FeeEstimator prices a transaction's priority fee.
type FeeEstimator interface {
	Estimate(ctx context.Context, urgency txn.Urgency, accounts []string, requiredSignatures int, units *uint64) (*solana.FeeEstimate, error)
}

// ChainState reads the network state used to recover interrupted submissions.
type ChainState interface {
	BlockHeight(ctx context.Context) (uint64, error)
	SignatureStatus(ctx context.Context, sig solanago.Signature) (*rpc.SignatureStatusesResult, error)
}

var _ ChainState = (*solana.Client)(nil)

// Deps are the collaborators of an Orchestrator. Fees and Publisher are
// optional. Without Chain, records interrupted while submitting cannot be
// recovered.
type Deps struct {
	Store     Store
	Builder   TxBuilder
	Simulator Simulator
	Policy    PolicyGate
	Signer    Signer
	Submitter Submitter
	Waiter    ConfirmationWaiter
	Fees      FeeEstimator
	Publisher natspkg.Publisher
	Chain     ChainState
}

// Config holds the retry, confirmation and submission settings.
type Config struct {
	MaxRetries          int
	SubmitMaxAttempts   int
	Commitment          rpc.CommitmentType
	ConfirmationTimeout time.Duration
	GaslessEnabled      bool
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxRetries:          3,
		SubmitMaxAttempts:   3,
		Commitment:          rpc.CommitmentConfirmed,
		ConfirmationTimeout: 60 * time.Second,
	}
}

// Orchestrator is the single writer of transaction records.
type Orchestrator struct {
	deps    Deps
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Orchestrator{
		deps:    deps,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// CreateRequest is an accepted transaction request.
type CreateRequest struct {
	WalletID       string
	AgentID        *string
	Intent         txn.IntentSpec
	Gasless        bool
	Metadata       map[string]any
	IdempotencyKey *string
}

// Create validates req, persists a pending record and runs the pipeline to its
// first stopping point. When the idempotency key matches an existing record,
// that record is returned with created=false and nothing runs.
//
// Business failures (simulation, policy, signing, submission) are recorded on
// the returned record and are not errors.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (*txn.Record, bool, error) {
	if req.WalletID == "" {
		return nil, false, txn.Errorf(txn.KindValidation, "walletId is required")
	}
	if req.Gasless && !o.cfg.GaslessEnabled {
		return nil, false, txn.Errorf(txn.KindValidation, "gasless submission is not enabled")
	}
	intent, err := req.Intent.Parse()
	if err != nil {
		return nil, false, err
	}
	payer, err := o.payer(ctx, req.WalletID)
	if err != nil {
		return nil, false, err
	}

	now := o.now()
	rec := &txn.Record{
		ID:             o.newID(),
		WalletID:       req.WalletID,
		AgentID:        req.AgentID,
		Type:           req.Intent.Type,
		Status:         txn.StatusPending,
		Intent:         req.Intent,
		Gasless:        req.Gasless,
		Metadata:       req.Metadata,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}

	stored, created, err := o.deps.Store.CreateRecord(ctx, rec, txn.Event{
		RecordID:   rec.ID,
		WalletID:   rec.WalletID,
		ToStatus:   rec.Status,
		RetryCount: rec.RetryCount,
		CreatedAt:  now,
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to create record: %w", err)
	}
	if !created {
		o.logger.InfoContext(ctx, "idempotent create returned existing transaction",
			"record_id", stored.ID,
			"wallet_id", stored.WalletID,
			"status", stored.Status,
		)
		return stored, false, nil
	}

	o.metrics.RecordTransition("", string(rec.Status))
	o.publish(ctx, rec, nil)
	o.logger.InfoContext(ctx, "transaction created",
		"record_id", rec.ID,
		"wallet_id", rec.WalletID,
		"type", rec.Type,
		"gasless", rec.Gasless,
	)

	r := &run{rec: rec, intent: intent, payer: payer}
	if err := o.drive(ctx, r); err != nil {
		return r.rec, true, err
	}
	o.metrics.RecordPipelineDuration(string(rec.Type), string(r.rec.Status), time.Since(now).Seconds())
	return r.rec, true, nil
}

// Get returns a record by id.
func (o *Orchestrator) Get(ctx context.Context, id string) (*txn.Record, error) {
	return o.deps.Store.GetRecord(ctx, id)
}

// List returns one page of records and the total count.
func (o *Orchestrator) List(ctx context.Context, filter txn.ListFilter) ([]*txn.Record, int, error) {
	return o.deps.Store.ListRecords(ctx, filter)
}

// Events returns a record's transition history, oldest first.
func (o *Orchestrator) Events(ctx context.Context, id string) ([]txn.Event, error) {
	if _, err := o.deps.Store.GetRecord(ctx, id); err != nil {
		return nil, err
	}
	return o.deps.Store.ListEvents(ctx, id)
}

func (o *Orchestrator) payer(ctx context.Context, walletID string) (solanago.PublicKey, error) {
	w, err := o.deps.Store.GetWallet(ctx, walletID)
	if err != nil {
		return solanago.PublicKey{}, err
	}
	pk, err := solanago.PublicKeyFromBase58(w.PublicKey)
	if err != nil {
		return solanago.PublicKey{}, txn.Errorf(txn.KindValidation, "wallet %s has an invalid public key", walletID)
	}
	return pk, nil
}

// resume loads what a run needs from a persisted record.
func (o *Orchestrator) resume(ctx context.Context, rec *txn.Record) (*run, error) {
	intent, err := rec.Intent.Parse()
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored intent of %s: %w", rec.ID, err)
	}
	payer, err := o.payer(ctx, rec.WalletID)
	if err != nil {
		return nil, err
	}
	return &run{rec: rec, intent: intent, payer: payer}, nil
}

// advance validates from→to, applies mutate to a copy, and persists the
// copy with its event atomically. rec is only updated once the write succeeds.
func (o *Orchestrator) advance(ctx context.Context, rec *txn.Record, to txn.Status, mutate func(*txn.Record)) error {
	from := rec.Status
	if _, err := txn.Transition(from, to); err != nil {
		return err
	}

	next := rec.Clone()
	next.Status = to
	next.UpdatedAt = o.now()
	if mutate != nil {
		mutate(next)
	}

	ev := txn.Event{
		RecordID:     next.ID,
		WalletID:     next.WalletID,
		FromStatus:   &from,
		ToStatus:     to,
		Signature:    next.Signature,
		ErrorMessage: next.ErrorMessage,
		RetryCount:   next.RetryCount,
		CreatedAt:    next.UpdatedAt,
	}
	if err := o.deps.Store.UpdateRecord(ctx, next, from, ev); err != nil {
		return fmt.Errorf("failed to persist transition %s -> %s for %s: %w", from, to, rec.ID, err)
	}
	*rec = *next

	o.metrics.RecordTransition(string(from), string(to))
	o.publish(ctx, rec, &from)

	attrs := []any{
		"record_id", rec.ID,
		"wallet_id", rec.WalletID,
		"from", from,
		"to", to,
		"retry_count", rec.RetryCount,
	}
	if rec.ErrorMessage != nil {
		attrs = append(attrs, "error", *rec.ErrorMessage)
	}
	o.logger.InfoContext(ctx, "transaction transitioned", attrs...)
	return nil
}

// publish is best effort; failures are logged and never returned.
func (o *Orchestrator) publish(ctx context.Context, rec *txn.Record, from *txn.Status) {
	if o.deps.Publisher == nil {
		return
	}
	if err := o.deps.Publisher.PublishTransaction(ctx, natspkg.FromRecord(rec, from)); err != nil {
		o.logger.WarnContext(ctx, "failed to publish lifecycle event",
			"record_id", rec.ID,
			"status", rec.Status,
			"error", err,
		)
	}
}

func strPtr(s string) *string { return &s }
