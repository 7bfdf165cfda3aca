package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/agentpay/service/cache"
	"github.com/brojonat/agentpay/service/db"
	natspkg "github.com/brojonat/agentpay/service/nats"
	"github.com/brojonat/agentpay/service/policy"
	"github.com/brojonat/agentpay/service/solana"
	"github.com/brojonat/agentpay/service/submit"
	"github.com/brojonat/agentpay/service/txn"
	bin "github.com/gagliardetto/binary"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticBlockhash struct{}

func (staticBlockhash) Latest(ctx context.Context) (cache.Blockhash, error) {
	return cache.Blockhash{Hash: solanago.Hash{7, 7, 7}.String(), LastValidBlockHeight: 100}, nil
}

type allAccountsExist struct{}

func (allAccountsExist) AccountExists(ctx context.Context, account solanago.PublicKey) (bool, error) {
	return true, nil
}

type recordingBuilder struct {
	mu    sync.Mutex
	inner *solana.Builder
	opts  []solana.BuildOptions
	err   error
}

func (b *recordingBuilder) Build(ctx context.Context, payer solanago.PublicKey, intent txn.Intent, opts solana.BuildOptions) (*solana.BuiltTransaction, error) {
	b.mu.Lock()
	b.opts = append(b.opts, opts)
	err := b.err
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return b.inner.Build(ctx, payer, intent, opts)
}

func (b *recordingBuilder) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.opts)
}

type fakeSimulator struct {
	calls  int
	result *solana.SimulationResult
	err    error
}

func (f *fakeSimulator) Simulate(ctx context.Context, tx *solanago.Transaction) (*solana.SimulationResult, error) {
	f.calls++
	return f.result, f.err
}

type fakePolicy struct {
	calls    int
	result   policy.Result
	requests []policy.Request
}

func (f *fakePolicy) Evaluate(ctx context.Context, req policy.Request) policy.Result {
	f.calls++
	f.requests = append(f.requests, req)
	return f.result
}

// fakeSigner stamps call n's fee payer signature with n.
type fakeSigner struct {
	calls      int
	err        error
	signatures []string
}

func (f *fakeSigner) Sign(ctx context.Context, walletID string, unsigned []byte) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	tx, err := solanago.TransactionFromDecoder(bin.NewBinDecoder(unsigned))
	if err != nil {
		return nil, err
	}
	tx.Signatures[0] = solanago.Signature{byte(f.calls)}
	f.signatures = append(f.signatures, tx.Signatures[0].String())
	return tx.MarshalBinary()
}

// fakeSubmitter returns errs[i] for call i, then fallback for every later call.
type fakeSubmitter struct {
	calls    int
	errs     []error
	fallback error
	opts     []submit.Options
	onSubmit func(ctx context.Context)
	sig      func(call int) string
}

func (f *fakeSubmitter) Submit(ctx context.Context, signed []byte, opts submit.Options) (string, error) {
	f.calls++
	if f.onSubmit != nil {
		f.onSubmit(ctx)
	}
	f.opts = append(f.opts, opts)
	err := f.fallback
	if f.calls <= len(f.errs) {
		err = f.errs[f.calls-1]
	}
	if err != nil {
		return "", err
	}
	if f.sig != nil {
		return f.sig(f.calls), nil
	}
	return fmt.Sprintf("sig-%d", f.calls), nil
}

// fakeWaiter returns results[i] for call i, repeating the last one.
type fakeWaiter struct {
	calls      int
	results    []*solana.ConfirmationResult
	err        error
	signatures []string
}

func (f *fakeWaiter) Wait(ctx context.Context, signature string, commitment rpc.CommitmentType, timeout time.Duration) (*solana.ConfirmationResult, error) {
	f.calls++
	f.signatures = append(f.signatures, signature)
	if f.err != nil {
		return nil, f.err
	}
	i := f.calls - 1
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	return f.results[i], nil
}

type fakeFees struct {
	err error
}

func (f *fakeFees) Estimate(ctx context.Context, urgency txn.Urgency, accounts []string, requiredSignatures int, units *uint64) (*solana.FeeEstimate, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &solana.FeeEstimate{MicroLamportsPerCU: 1000, FeeLamports: 5150}, nil
}

// fakeChain reports a fixed block height and the statuses in seen.
type fakeChain struct {
	height uint64
	seen   map[string]*rpc.SignatureStatusesResult
	err    error
}

func (f *fakeChain) BlockHeight(ctx context.Context) (uint64, error) {
	return f.height, f.err
}

func (f *fakeChain) SignatureStatus(ctx context.Context, sig solanago.Signature) (*rpc.SignatureStatusesResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.seen[sig.String()], nil
}

var (
	confirmed = &solana.ConfirmationResult{Confirmed: true, Slot: 42}
	timedOut  = &solana.ConfirmationResult{Confirmed: false, Error: solana.ErrConfirmationTimeout}
)

type harness struct {
	orch      *Orchestrator
	store     *db.MemoryStore
	builder   *recordingBuilder
	sim       *fakeSimulator
	policy    *fakePolicy
	signer    *fakeSigner
	submitter *fakeSubmitter
	waiter    *fakeWaiter
	fees      *fakeFees
	chain     *fakeChain
	pub       *natspkg.MockPublisher
	walletID  string
	dest      string
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store := db.NewMemoryStore()
	_, err := store.UpsertWallet(context.Background(), db.UpsertWalletParams{
		ID:        "wallet-1",
		PublicKey: solanago.NewWallet().PublicKey().String(),
	})
	require.NoError(t, err)

	units := uint64(150)
	h := &harness{
		store:     store,
		builder:   &recordingBuilder{inner: solana.NewBuilder(staticBlockhash{}, allAccountsExist{})},
		sim:       &fakeSimulator{result: &solana.SimulationResult{Success: true, UnitsConsumed: &units}},
		policy:    &fakePolicy{result: policy.Result{Decision: policy.Allow}},
		signer:    &fakeSigner{},
		submitter: &fakeSubmitter{},
		waiter:    &fakeWaiter{results: []*solana.ConfirmationResult{confirmed}},
		fees:      &fakeFees{},
		chain:     &fakeChain{seen: map[string]*rpc.SignatureStatusesResult{}},
		pub:       natspkg.NewMockPublisher(),
		walletID:  "wallet-1",
		dest:      solanago.NewWallet().PublicKey().String(),
	}
	h.orch = New(Deps{
		Store:     store,
		Builder:   h.builder,
		Simulator: h.sim,
		Policy:    h.policy,
		Signer:    h.signer,
		Submitter: h.submitter,
		Waiter:    h.waiter,
		Fees:      h.fees,
		Publisher: h.pub,
		Chain:     h.chain,
	}, cfg, nil, nil)
	return h
}

func (h *harness) transfer(lamports uint64) CreateRequest {
	amt := txn.Amount(lamports)
	return CreateRequest{
		WalletID: h.walletID,
		Intent:   txn.IntentSpec{Type: txn.TypeTransfer, Destination: h.dest, Amount: &amt},
	}
}

func (h *harness) statuses(t *testing.T, id string) []txn.Status {
	t.Helper()
	events, err := h.store.ListEvents(context.Background(), id)
	require.NoError(t, err)
	out := make([]txn.Status, len(events))
	for i, ev := range events {
		out[i] = ev.ToStatus
	}
	return out
}

func TestCreate_HappyPath(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	rec, created, err := h.orch.Create(context.Background(), h.transfer(1_000_000))
	require.NoError(t, err)
	assert.True(t, created)

	assert.Equal(t, txn.StatusConfirmed, rec.Status)
	require.NotNil(t, rec.Signature)
	assert.Equal(t, "sig-1", *rec.Signature)
	require.NotNil(t, rec.ConfirmedAt)
	require.NotNil(t, rec.FeeLamports)
	assert.Equal(t, txn.Amount(5150), *rec.FeeLamports)
	assert.Nil(t, rec.ErrorMessage)
	assert.Zero(t, rec.RetryCount)
	require.Len(t, rec.Instructions, 1)
	assert.Equal(t, solanago.SystemProgramID.String(), rec.Instructions[0].ProgramID)

	want := []txn.Status{
		txn.StatusPending, txn.StatusSimulating, txn.StatusPolicyEval, txn.StatusSigning,
		txn.StatusSubmitting, txn.StatusSubmitted, txn.StatusConfirmed,
	}
	assert.Equal(t, want, h.statuses(t, rec.ID))

	published := h.pub.GetStatusesForTransaction(rec.ID)
	require.Len(t, published, len(want))
	assert.Equal(t, "confirmed", published[len(published)-1])

	stored, err := h.orch.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, txn.StatusConfirmed, stored.Status)

	require.Len(t, h.policy.requests, 1)
	req := h.policy.requests[0]
	assert.Equal(t, h.walletID, req.WalletID)
	assert.Equal(t, h.dest, req.DestinationAddress)
	assert.Equal(t, txn.Amount(1_000_000), *req.Amount)
	assert.Equal(t, []string{solanago.SystemProgramID.String()}, req.ProgramIDs)
	assert.Equal(t, 1, h.builder.calls(), "first pass reuses the simulated build")

	require.NotNil(t, rec.PendingSignature)
	assert.Equal(t, h.signer.signatures[0], *rec.PendingSignature)
	require.NotNil(t, rec.LastValidBlockHeight)
	assert.Equal(t, uint64(100), *rec.LastValidBlockHeight)
}

func TestCreate_PersistsSignatureBeforeBroadcast(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	var atBroadcast *txn.Record
	h.submitter.onSubmit = func(ctx context.Context) {
		recs, _, err := h.store.ListRecords(ctx, txn.ListFilter{WalletID: h.walletID, Page: 1, PageSize: 1})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		atBroadcast = recs[0]
	}

	_, _, err := h.orch.Create(context.Background(), h.transfer(1))
	require.NoError(t, err)

	require.NotNil(t, atBroadcast)
	assert.Equal(t, txn.StatusSubmitting, atBroadcast.Status)
	assert.Nil(t, atBroadcast.Signature)
	require.NotNil(t, atBroadcast.PendingSignature)
	assert.Equal(t, h.signer.signatures[0], *atBroadcast.PendingSignature)
	require.NotNil(t, atBroadcast.LastValidBlockHeight)
	assert.Equal(t, uint64(100), *atBroadcast.LastValidBlockHeight)
}

func TestCreate_UndecodableSignedTransaction(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.orch.deps.Signer = signerFunc(func(ctx context.Context, walletID string, unsigned []byte) ([]byte, error) {
		return []byte("not a transaction"), nil
	})

	rec, _, err := h.orch.Create(context.Background(), h.transfer(1))
	require.NoError(t, err)
	assert.Equal(t, txn.StatusSigningFailed, rec.Status)
	assert.Contains(t, *rec.ErrorMessage, "undecodable")
	assert.Zero(t, h.submitter.calls)
}

type signerFunc func(ctx context.Context, walletID string, unsigned []byte) ([]byte, error)

func (f signerFunc) Sign(ctx context.Context, walletID string, unsigned []byte) ([]byte, error) {
	return f(ctx, walletID, unsigned)
}

func TestCreate_SimulationFailureStopsBeforeSigning(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.sim.result = &solana.SimulationResult{Success: false, Error: "insufficient funds"}

	rec, _, err := h.orch.Create(context.Background(), h.transfer(1_000_000))
	require.NoError(t, err)

	assert.Equal(t, txn.StatusSimulationFailed, rec.Status)
	require.NotNil(t, rec.ErrorMessage)
	assert.Contains(t, *rec.ErrorMessage, "insufficient funds")
	assert.Zero(t, h.policy.calls)
	assert.Zero(t, h.signer.calls)
	assert.Zero(t, h.submitter.calls)
}

func TestCreate_SimulationTransportError(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.sim.result = nil
	h.sim.err = errors.New("connection refused")

	rec, _, err := h.orch.Create(context.Background(), h.transfer(1))
	require.NoError(t, err)
	assert.Equal(t, txn.StatusSimulationFailed, rec.Status)
	assert.Contains(t, *rec.ErrorMessage, "connection refused")
	assert.Zero(t, h.signer.calls)
}

func TestCreate_BuildFailureIsSimulationFailure(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.builder.err = errors.New("blockhash unavailable")

	rec, _, err := h.orch.Create(context.Background(), h.transfer(1))
	require.NoError(t, err)
	assert.Equal(t, txn.StatusSimulationFailed, rec.Status)
	assert.Contains(t, *rec.ErrorMessage, "blockhash unavailable")
	assert.Zero(t, h.sim.calls)
}

func TestCreate_PolicyDenied(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.policy.result = policy.Result{Decision: policy.Deny, Reasons: []string{"Spending limit exceeded", "Unknown destination"}}

	rec, _, err := h.orch.Create(context.Background(), h.transfer(1_000_000))
	require.NoError(t, err)

	assert.Equal(t, txn.StatusRejected, rec.Status)
	assert.Equal(t, "Spending limit exceeded; Unknown destination", *rec.ErrorMessage)
	assert.Zero(t, h.signer.calls)
	assert.Zero(t, h.submitter.calls)
}

func TestCreate_SigningFailure(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.signer.err = txn.Errorf(txn.KindSigningFailed, "signer returned status 403: key disabled")

	rec, _, err := h.orch.Create(context.Background(), h.transfer(1))
	require.NoError(t, err)

	assert.Equal(t, txn.StatusSigningFailed, rec.Status)
	assert.Equal(t, "signer returned status 403: key disabled", *rec.ErrorMessage)
	assert.Equal(t, 1, h.signer.calls, "signing is never retried")
	assert.Zero(t, h.submitter.calls)
}

func TestCreate_RequireApprovalThenResolve(t *testing.T) {
	tests := []struct {
		name       string
		approved   bool
		reason     string
		wantStatus txn.Status
		wantError  string
	}{
		{name: "approved", approved: true, wantStatus: txn.StatusConfirmed},
		{name: "denied with reason", approved: false, reason: "not today", wantStatus: txn.StatusRejected, wantError: "not today"},
		{name: "denied without reason", approved: false, wantStatus: txn.StatusRejected, wantError: "approval denied"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, DefaultConfig())
			h.policy.result = policy.Result{Decision: policy.RequireApproval, ApprovalRequestID: "apr-9"}

			rec, _, err := h.orch.Create(context.Background(), h.transfer(1))
			require.NoError(t, err)
			assert.Equal(t, txn.StatusAwaitingApproval, rec.Status)
			assert.Equal(t, "apr-9", rec.Metadata[MetadataApprovalRequestID])
			assert.Zero(t, h.signer.calls)

			rec, err = h.orch.ResolveApproval(context.Background(), rec.ID, tt.approved, tt.reason)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, rec.Status)
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, *rec.ErrorMessage)
				assert.Zero(t, h.signer.calls)
			} else {
				assert.Equal(t, 1, h.signer.calls)
				assert.Equal(t, 2, h.builder.calls(), "approval rebuilds with a fresh blockhash")
			}
		})
	}
}

func TestResolveApproval_WrongState(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	rec, _, err := h.orch.Create(context.Background(), h.transfer(1))
	require.NoError(t, err)

	_, err = h.orch.ResolveApproval(context.Background(), rec.ID, true, "")
	assert.True(t, errors.Is(err, txn.ErrInvalidTransition))

	_, err = h.orch.ResolveApproval(context.Background(), "missing", true, "")
	assert.True(t, errors.Is(err, txn.ErrNotFound))
}

func TestCreate_TimeoutThenAutomaticRetryConfirms(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.waiter.results = []*solana.ConfirmationResult{timedOut, confirmed}

	rec, _, err := h.orch.Create(context.Background(), h.transfer(1_000_000))
	require.NoError(t, err)

	assert.Equal(t, txn.StatusConfirmed, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Equal(t, "sig-2", *rec.Signature, "retry overwrites the live signature")
	assert.Equal(t, []string{"sig-1", "sig-2"}, h.waiter.signatures)

	assert.Equal(t, []txn.Status{
		txn.StatusPending, txn.StatusSimulating, txn.StatusPolicyEval, txn.StatusSigning,
		txn.StatusSubmitting, txn.StatusSubmitted, txn.StatusFailed, txn.StatusRetrying,
		txn.StatusSubmitting, txn.StatusSubmitted, txn.StatusConfirmed,
	}, h.statuses(t, rec.ID))

	assert.Equal(t, 2, h.signer.calls, "retry re-signs")
	require.Equal(t, 2, h.builder.calls())
	assert.Equal(t, uint64(1000), h.builder.opts[1].ComputeUnitPrice, "rebuild carries the estimated price")

	events, err := h.orch.Events(context.Background(), rec.ID)
	require.NoError(t, err)
	var failed txn.Event
	for _, ev := range events {
		if ev.ToStatus == txn.StatusFailed {
			failed = ev
		}
	}
	require.NotNil(t, failed.ErrorMessage)
	assert.Equal(t, solana.ErrConfirmationTimeout, *failed.ErrorMessage)
	assert.Equal(t, "sig-1", *failed.Signature, "superseded signature stays in history")
}

func TestCreate_RetryCeiling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	h := newHarness(t, cfg)
	h.waiter.results = []*solana.ConfirmationResult{timedOut}

	rec, _, err := h.orch.Create(context.Background(), h.transfer(1))
	require.NoError(t, err)

	assert.Equal(t, txn.StatusPermanentlyFailed, rec.Status)
	assert.Equal(t, 2, rec.RetryCount)
	assert.Equal(t, 3, h.submitter.calls)

	events, err := h.store.ListEvents(context.Background(), rec.ID)
	require.NoError(t, err)
	for _, ev := range events {
		assert.LessOrEqual(t, ev.RetryCount, cfg.MaxRetries)
	}
}

func TestCreate_ZeroRetriesSubmissionFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	h := newHarness(t, cfg)
	h.submitter.fallback = txn.Wrap(txn.KindSubmissionFailed, "submission failed after 3 attempts", errors.New("node busy"))

	rec, _, err := h.orch.Create(context.Background(), h.transfer(1))
	require.NoError(t, err)

	assert.Equal(t, txn.StatusPermanentlyFailed, rec.Status)
	assert.Zero(t, rec.RetryCount)
	assert.Nil(t, rec.Signature)
	assert.Contains(t, *rec.ErrorMessage, "node busy")
	assert.Zero(t, h.waiter.calls)

	got := h.statuses(t, rec.ID)
	assert.Equal(t, []txn.Status{txn.StatusSubmitting, txn.StatusSubmitted, txn.StatusFailed, txn.StatusPermanentlyFailed}, got[len(got)-4:])
}

func TestRetry_PermanentlyFailedReentersRetrying(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	h := newHarness(t, cfg)
	h.waiter.results = []*solana.ConfirmationResult{timedOut, confirmed}

	rec, _, err := h.orch.Create(context.Background(), h.transfer(1))
	require.NoError(t, err)
	require.Equal(t, txn.StatusPermanentlyFailed, rec.Status)
	require.NotNil(t, rec.ErrorMessage)

	rec, err = h.orch.Retry(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, txn.StatusConfirmed, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Nil(t, rec.ErrorMessage)

	got := h.statuses(t, rec.ID)
	assert.Equal(t, []txn.Status{txn.StatusPermanentlyFailed, txn.StatusRetrying, txn.StatusSubmitting}, got[7:10])
}

func TestRetry_PastCeilingFailsStraightToPermanent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	h := newHarness(t, cfg)
	h.waiter.results = []*solana.ConfirmationResult{timedOut}

	rec, _, err := h.orch.Create(context.Background(), h.transfer(1))
	require.NoError(t, err)

	rec, err = h.orch.Retry(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, txn.StatusPermanentlyFailed, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Equal(t, 2, h.submitter.calls)
}

func TestRetry_NotRetryable(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.policy.result = policy.Result{Decision: policy.Deny, Reasons: []string{"no"}}

	rec, _, err := h.orch.Create(context.Background(), h.transfer(1))
	require.NoError(t, err)
	require.Equal(t, txn.StatusRejected, rec.Status)

	_, err = h.orch.Retry(context.Background(), rec.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, txn.ErrNotRetryable))
	kind, ok := txn.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, 404, kind.HTTPStatus())

	_, err = h.orch.Retry(context.Background(), "missing")
	assert.True(t, errors.Is(err, txn.ErrNotFound))
}

func TestCreate_GaslessRoutesThroughRelay(t *testing.T) {
	for _, gasless := range []bool{true, false} {
		t.Run(fmt.Sprintf("gasless=%v", gasless), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.GaslessEnabled = true
			h := newHarness(t, cfg)
			req := h.transfer(1)
			req.Gasless = gasless

			rec, _, err := h.orch.Create(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, gasless, rec.Gasless)
			require.Len(t, h.submitter.opts, 1)
			assert.Equal(t, gasless, h.submitter.opts[0].Gasless)
			assert.Equal(t, 3, h.submitter.opts[0].MaxAttempts)
		})
	}
}

func TestCreate_Idempotency(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	key := "order-17"
	req := h.transfer(1)
	req.IdempotencyKey = &key

	first, created, err := h.orch.Create(context.Background(), req)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := h.orch.Create(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, h.submitter.calls)
	assert.Equal(t, 1, h.builder.calls())
}

func TestCreate_ValidationErrors(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	zero := txn.Amount(0)

	tests := []struct {
		name    string
		req     CreateRequest
		wantErr error
	}{
		{name: "missing wallet", req: CreateRequest{Intent: h.transfer(1).Intent}, wantErr: txn.ErrValidation},
		{name: "zero amount", req: CreateRequest{WalletID: h.walletID, Intent: txn.IntentSpec{Type: txn.TypeTransfer, Destination: h.dest, Amount: &zero}}, wantErr: txn.ErrValidation},
		{name: "bad destination", req: CreateRequest{WalletID: h.walletID, Intent: txn.IntentSpec{Type: txn.TypeTransfer, Destination: "nope", Amount: h.transfer(1).Intent.Amount}}, wantErr: txn.ErrValidation},
		{name: "unknown wallet", req: CreateRequest{WalletID: "ghost", Intent: h.transfer(1).Intent}, wantErr: txn.ErrWalletNotFound},
		{name: "gasless not enabled", req: CreateRequest{WalletID: h.walletID, Intent: h.transfer(1).Intent, Gasless: true}, wantErr: txn.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := h.orch.Create(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}

	recs, total, err := h.orch.List(context.Background(), txn.ListFilter{Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, recs)
	assert.Zero(t, h.sim.calls)
}

func TestCreate_PublishFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.pub.SetPublishError(errors.New("nats unavailable"))

	rec, _, err := h.orch.Create(context.Background(), h.transfer(1))
	require.NoError(t, err)
	assert.Equal(t, txn.StatusConfirmed, rec.Status)
}

func TestCreate_FeeEstimateFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.fees.err = errors.New("fee samples unavailable")

	rec, _, err := h.orch.Create(context.Background(), h.transfer(1))
	require.NoError(t, err)
	assert.Equal(t, txn.StatusConfirmed, rec.Status)
	assert.Nil(t, rec.FeeLamports)
}

func TestCreate_ConfirmationCancelledLeavesSubmitted(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.waiter.err = context.Canceled

	rec, _, err := h.orch.Create(context.Background(), h.transfer(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, txn.StatusSubmitted, rec.Status)
}

func TestCreate_UnconfirmableSignatureFailsRecord(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
		wantStatus txn.Status
	}{
		{name: "retries exhausted", maxRetries: 1, wantStatus: txn.StatusPermanentlyFailed},
		{name: "no retries", maxRetries: 0, wantStatus: txn.StatusPermanentlyFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.MaxRetries = tt.maxRetries
			h := newHarness(t, cfg)
			// fakeSubmitter returns "sig-N", which is not base58
			h.orch.deps.Waiter = solana.NewWaiter(h.chain, time.Millisecond, nil, nil)

			rec, _, err := h.orch.Create(context.Background(), h.transfer(1))
			require.NoError(t, err)

			assert.Equal(t, tt.wantStatus, rec.Status)
			assert.Equal(t, tt.maxRetries, rec.RetryCount)
			assert.Equal(t, tt.maxRetries+1, h.submitter.calls)
			require.NotNil(t, rec.ErrorMessage)
			assert.Contains(t, *rec.ErrorMessage, "invalid signature")
		})
	}
}

func TestCreate_InvalidCommitmentFailsRecord(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	cfg.Commitment = "eventually"
	h := newHarness(t, cfg)
	h.submitter.sig = func(int) string { return solanago.Signature{1}.String() }
	h.orch.deps.Waiter = solana.NewWaiter(h.chain, time.Millisecond, nil, nil)

	rec, _, err := h.orch.Create(context.Background(), h.transfer(1))
	require.NoError(t, err)
	assert.Equal(t, txn.StatusPermanentlyFailed, rec.Status)
	assert.Contains(t, *rec.ErrorMessage, "invalid commitment")
}

func seedRecord(t *testing.T, h *harness, id string, status txn.Status, signature *string, opts ...func(*txn.Record)) {
	t.Helper()
	amt := txn.Amount(1)
	now := time.Now().UTC().Add(-time.Hour)
	rec := &txn.Record{
		ID:        id,
		WalletID:  h.walletID,
		Type:      txn.TypeTransfer,
		Status:    status,
		Intent:    txn.IntentSpec{Type: txn.TypeTransfer, Destination: h.dest, Amount: &amt},
		Signature: signature,
		Metadata:  map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, opt := range opts {
		opt(rec)
	}
	_, _, err := h.store.CreateRecord(context.Background(), rec, txn.Event{RecordID: id, WalletID: h.walletID, ToStatus: status})
	require.NoError(t, err)
}

func TestRecover(t *testing.T) {
	pending := solanago.Signature{9}.String()
	withPending := func(lastValid uint64) func(*txn.Record) {
		return func(rec *txn.Record) {
			rec.PendingSignature = &pending
			rec.LastValidBlockHeight = &lastValid
		}
	}

	tests := []struct {
		name          string
		status        txn.Status
		signature     *string
		seed          []func(*txn.Record)
		height        uint64
		seen          bool
		wantStatus    txn.Status
		wantRetries   int
		wantSubmits   int
		wantSignature string
	}{
		{name: "submitted resumes waiting", status: txn.StatusSubmitted, signature: strPtr("sig-old"), wantStatus: txn.StatusConfirmed, wantSignature: "sig-old"},
		{name: "submitting before signing fails the attempt", status: txn.StatusSubmitting, wantStatus: txn.StatusConfirmed, wantRetries: 1, wantSubmits: 1, wantSignature: "sig-1"},
		{name: "submitting seen on chain confirms without resending", status: txn.StatusSubmitting, seed: []func(*txn.Record){withPending(100)}, height: 90, seen: true, wantStatus: txn.StatusConfirmed, wantSignature: pending},
		{name: "submitting unseen with live blockhash is left alone", status: txn.StatusSubmitting, seed: []func(*txn.Record){withPending(100)}, height: 100, wantStatus: txn.StatusSubmitting},
		{name: "submitting unseen after expiry is retried", status: txn.StatusSubmitting, seed: []func(*txn.Record){withPending(100)}, height: 101, wantStatus: txn.StatusConfirmed, wantRetries: 1, wantSubmits: 1, wantSignature: "sig-1"},
		{name: "failed applies the retry policy", status: txn.StatusFailed, wantStatus: txn.StatusConfirmed, wantRetries: 1, wantSubmits: 1, wantSignature: "sig-1"},
		{name: "retrying resubmits", status: txn.StatusRetrying, wantStatus: txn.StatusConfirmed, wantSubmits: 1, wantSignature: "sig-1"},
		{name: "pending runs the full pipeline", status: txn.StatusPending, wantStatus: txn.StatusConfirmed, wantSubmits: 1, wantSignature: "sig-1"},
		{name: "signing rebuilds and signs", status: txn.StatusSigning, wantStatus: txn.StatusConfirmed, wantSubmits: 1, wantSignature: "sig-1"},
		{name: "terminal is untouched", status: txn.StatusConfirmed, wantStatus: txn.StatusConfirmed},
		{name: "awaiting approval is untouched", status: txn.StatusAwaitingApproval, wantStatus: txn.StatusAwaitingApproval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, DefaultConfig())
			h.chain.height = tt.height
			if tt.seen {
				h.chain.seen[pending] = &rpc.SignatureStatusesResult{Slot: 40, ConfirmationStatus: rpc.ConfirmationStatusProcessed}
			}
			seedRecord(t, h, "rec-1", tt.status, tt.signature, tt.seed...)

			rec, err := h.orch.Recover(context.Background(), "rec-1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, rec.Status)
			assert.Equal(t, tt.wantRetries, rec.RetryCount)
			assert.Equal(t, tt.wantSubmits, h.submitter.calls)
			if tt.wantSignature == "" {
				assert.Nil(t, rec.Signature)
			} else {
				require.NotNil(t, rec.Signature)
				assert.Equal(t, tt.wantSignature, *rec.Signature)
			}
		})
	}
}

func TestRecover_SubmittingChainErrors(t *testing.T) {
	t.Run("chain unavailable", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())
		h.chain.err = errors.New("rpc down")
		seedRecord(t, h, "rec-1", txn.StatusSubmitting, nil, func(rec *txn.Record) {
			rec.PendingSignature = strPtr(solanago.Signature{3}.String())
			lastValid := uint64(100)
			rec.LastValidBlockHeight = &lastValid
		})

		rec, err := h.orch.Recover(context.Background(), "rec-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rpc down")
		assert.Equal(t, txn.StatusSubmitting, rec.Status)
		assert.Zero(t, h.submitter.calls)
	})

	t.Run("no chain configured", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())
		h.orch.deps.Chain = nil
		seedRecord(t, h, "rec-1", txn.StatusSubmitting, nil, func(rec *txn.Record) {
			rec.PendingSignature = strPtr(solanago.Signature{3}.String())
			lastValid := uint64(100)
			rec.LastValidBlockHeight = &lastValid
		})

		_, err := h.orch.Recover(context.Background(), "rec-1")
		require.Error(t, err)
		assert.Zero(t, h.submitter.calls)
	})
}

func TestListStaleAndExpireApproval(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	seedRecord(t, h, "stale-submitted", txn.StatusSubmitted, strPtr("sig"))
	seedRecord(t, h, "stale-approval", txn.StatusAwaitingApproval, nil)
	seedRecord(t, h, "done", txn.StatusConfirmed, nil)

	stale, err := h.orch.ListStale(context.Background(), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "stale-submitted", stale[0].ID)

	expired, err := h.orch.ListExpiredApprovals(context.Background(), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	rec, err := h.orch.ExpireApproval(context.Background(), "stale-approval")
	require.NoError(t, err)
	assert.Equal(t, txn.StatusRejected, rec.Status)
	assert.Equal(t, "approval expired", *rec.ErrorMessage)

	rec, err = h.orch.ExpireApproval(context.Background(), "done")
	require.NoError(t, err)
	assert.Equal(t, txn.StatusConfirmed, rec.Status)
}

func TestAdvance_RejectsIllegalTransition(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	seedRecord(t, h, "rec-1", txn.StatusConfirmed, nil)
	rec, err := h.store.GetRecord(context.Background(), "rec-1")
	require.NoError(t, err)

	err = h.orch.advance(context.Background(), rec, txn.StatusSigning, nil)
	assert.True(t, errors.Is(err, txn.ErrInvalidTransition))
	assert.Equal(t, txn.StatusConfirmed, rec.Status)

	events, err := h.store.ListEvents(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.Len(t, events, 1, "no event for a rejected transition")
}

func TestAdvance_ConcurrentUpdate(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	seedRecord(t, h, "rec-1", txn.StatusPending, nil)
	stale, err := h.store.GetRecord(context.Background(), "rec-1")
	require.NoError(t, err)

	live, err := h.store.GetRecord(context.Background(), "rec-1")
	require.NoError(t, err)
	require.NoError(t, h.orch.advance(context.Background(), live, txn.StatusSimulating, nil))

	err = h.orch.advance(context.Background(), stale, txn.StatusSimulating, nil)
	assert.ErrorIs(t, err, txn.ErrConcurrentUpdate)
}
