package solana

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brojonat/agentpay/service/cache"
	"github.com/brojonat/agentpay/service/txn"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRPCClient implements RPCClient for testing.
// It's behavior-focused: we set what it should return, not verify call sequences.
type mockRPCClient struct {
	blockhash       solana.Hash
	simulate        *rpc.SimulateTransactionResult
	simulateErr     error
	statuses        []*rpc.SignatureStatusesResult // returned in order, last one repeats
	statusCalls     atomic.Int32
	fees            []rpc.PriorizationFeeResult
	existing        map[solana.PublicKey]bool
	sendSig         solana.Signature
	sendErr         error
	blockhashErrs   int
	blockhashCalls  atomic.Int32
	lastSimulatedTx *solana.Transaction
	blockHeight     uint64
}

func (m *mockRPCClient) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	n := m.blockhashCalls.Add(1)
	if int(n) <= m.blockhashErrs {
		return nil, errors.New("429 Too Many Requests")
	}
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{Blockhash: m.blockhash, LastValidBlockHeight: 1234},
	}, nil
}

func (m *mockRPCClient) SimulateTransaction(ctx context.Context, tx *solana.Transaction, opts *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error) {
	m.lastSimulatedTx = tx
	if m.simulateErr != nil {
		return nil, m.simulateErr
	}
	return &rpc.SimulateTransactionResponse{Value: m.simulate}, nil
}

func (m *mockRPCClient) SendRawTransaction(ctx context.Context, raw []byte, opts rpc.TransactionOpts) (solana.Signature, error) {
	return m.sendSig, m.sendErr
}

func (m *mockRPCClient) GetSignatureStatuses(ctx context.Context, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	n := int(m.statusCalls.Add(1)) - 1
	if len(m.statuses) == 0 {
		return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{nil}}, nil
	}
	if n >= len(m.statuses) {
		n = len(m.statuses) - 1
	}
	return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{m.statuses[n]}}, nil
}

func (m *mockRPCClient) GetRecentPrioritizationFees(ctx context.Context, accounts solana.PublicKeySlice) ([]rpc.PriorizationFeeResult, error) {
	return m.fees, nil
}

func (m *mockRPCClient) GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	if m.existing[account] {
		return &rpc.GetAccountInfoResult{Value: &rpc.Account{}}, nil
	}
	return nil, rpc.ErrNotFound
}

func (m *mockRPCClient) GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error) {
	return m.blockHeight, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(m *mockRPCClient) *Client {
	c := NewClient(m, nil, testLogger())
	c.retryBackoff = time.Millisecond
	return c
}

func testHash() solana.Hash {
	var h solana.Hash
	for i := range h {
		h[i] = byte(i + 1)
	}
	return h
}

func TestClient_LatestBlockhashRetriesTransientErrors(t *testing.T) {
	m := &mockRPCClient{blockhash: testHash(), blockhashErrs: 2}
	c := newTestClient(m)

	bh, err := c.LatestBlockhash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testHash().String(), bh.Hash)
	assert.Equal(t, uint64(1234), bh.LastValidBlockHeight)
	assert.Equal(t, int32(3), m.blockhashCalls.Load())
}

func TestClient_LatestBlockhashGivesUpAfterThreeAttempts(t *testing.T) {
	m := &mockRPCClient{blockhash: testHash(), blockhashErrs: 5}
	c := newTestClient(m)

	_, err := c.LatestBlockhash(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Equal(t, int32(3), m.blockhashCalls.Load())
}

func TestClient_AccountExists(t *testing.T) {
	present := solana.NewWallet().PublicKey()
	m := &mockRPCClient{existing: map[solana.PublicKey]bool{present: true}}
	c := newTestClient(m)

	ok, err := c.AccountExists(context.Background(), present)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.AccountExists(context.Background(), solana.NewWallet().PublicKey())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_Simulate(t *testing.T) {
	units := uint64(1500)
	tests := []struct {
		name        string
		result      *rpc.SimulateTransactionResult
		rpcErr      error
		wantErr     bool
		wantSuccess bool
		wantError   string
	}{
		{
			name:        "success",
			result:      &rpc.SimulateTransactionResult{Logs: []string{"Program 111 success"}, UnitsConsumed: &units},
			wantSuccess: true,
		},
		{
			name: "program failure is a result not an error",
			result: &rpc.SimulateTransactionResult{
				Err:  map[string]any{"InstructionError": []any{0, map[string]any{"Custom": 1}}},
				Logs: []string{"Program 111 invoke [1]", "Transfer: insufficient lamports 0, need 1000000"},
			},
			wantError: "insufficient lamports",
		},
		{
			name:    "transport failure is an error",
			rpcErr:  errors.New("connection reset"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(&mockRPCClient{simulate: tt.result, simulateErr: tt.rpcErr})
			res, err := c.Simulate(context.Background(), &solana.Transaction{})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSuccess, res.Success)
			if tt.wantError != "" {
				assert.Contains(t, res.Error, tt.wantError)
				assert.Contains(t, res.Error, "InstructionError")
			}
		})
	}
}

func TestClient_SendRaw(t *testing.T) {
	var sig solana.Signature
	sig[0] = 7
	c := newTestClient(&mockRPCClient{sendSig: sig})

	got, err := c.SendRaw(context.Background(), []byte{1})
	require.NoError(t, err)
	assert.Equal(t, sig.String(), got)
}

func TestClient_BlockHeight(t *testing.T) {
	c := newTestClient(&mockRPCClient{blockHeight: 98765})

	height, err := c.BlockHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(98765), height)
}

func TestSignatureOf(t *testing.T) {
	payer := solana.NewWallet().PublicKey()
	b := NewBuilder(staticBlockhash{cache.Blockhash{Hash: testHash().String()}}, newTestClient(&mockRPCClient{}))
	amt := txn.Amount(10)
	intent, err := txn.IntentSpec{Type: txn.TypeTransfer, Destination: solana.NewWallet().PublicKey().String(), Amount: &amt}.Parse()
	require.NoError(t, err)
	built, err := b.Build(context.Background(), payer, intent, BuildOptions{})
	require.NoError(t, err)

	built.Tx.Signatures[0][0] = 9
	raw, err := built.Serialize()
	require.NoError(t, err)

	sig, err := SignatureOf(raw)
	require.NoError(t, err)
	assert.Equal(t, built.Tx.Signatures[0].String(), sig)

	_, err = SignatureOf([]byte{0xff})
	assert.Error(t, err)
}

type staticBlockhash struct{ bh cache.Blockhash }

func (s staticBlockhash) Latest(context.Context) (cache.Blockhash, error) { return s.bh, nil }

func TestBuilder_NativeTransfer(t *testing.T) {
	payer := solana.NewWallet().PublicKey()
	dest := solana.NewWallet().PublicKey()
	b := NewBuilder(staticBlockhash{cache.Blockhash{Hash: testHash().String()}}, newTestClient(&mockRPCClient{}))

	built, err := b.Build(context.Background(), payer, txn.NativeTransfer{Destination: dest, Lamports: 1_000_000}, BuildOptions{})
	require.NoError(t, err)

	assert.Equal(t, payer, built.Tx.Message.AccountKeys[0], "fee payer comes first")
	assert.Equal(t, testHash(), built.Tx.Message.RecentBlockhash)
	assert.Equal(t, 1, built.RequiredSignatures)
	assert.Len(t, built.Tx.Signatures, 1, "signature slots are zero-padded")
	require.Len(t, built.Instructions, 1)
	assert.Equal(t, solana.SystemProgramID.String(), built.Instructions[0].ProgramID)
	assert.ElementsMatch(t, []string{payer.String(), dest.String()}, built.WritableAccounts)

	raw, err := built.Serialize()
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
}

func TestBuilder_TokenTransferCreatesMissingDestinationAccount(t *testing.T) {
	payer := solana.NewWallet().PublicKey()
	dest := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()
	bh := staticBlockhash{cache.Blockhash{Hash: testHash().String()}}

	destATA, _, err := solana.FindAssociatedTokenAddress(dest, mint)
	require.NoError(t, err)

	t.Run("missing", func(t *testing.T) {
		b := NewBuilder(bh, newTestClient(&mockRPCClient{}))
		built, err := b.Build(context.Background(), payer, txn.TokenTransfer{Destination: dest, Mint: mint, Amount: 5}, BuildOptions{})
		require.NoError(t, err)
		require.Len(t, built.Instructions, 2)
		assert.Equal(t, solana.SPLAssociatedTokenAccountProgramID.String(), built.Instructions[0].ProgramID)
		assert.Equal(t, solana.TokenProgramID.String(), built.Instructions[1].ProgramID)
	})

	t.Run("existing", func(t *testing.T) {
		m := &mockRPCClient{existing: map[solana.PublicKey]bool{destATA: true}}
		b := NewBuilder(bh, newTestClient(m))
		built, err := b.Build(context.Background(), payer, txn.TokenTransfer{Destination: dest, Mint: mint, Amount: 5}, BuildOptions{})
		require.NoError(t, err)
		require.Len(t, built.Instructions, 1)
		assert.Equal(t, solana.TokenProgramID.String(), built.Instructions[0].ProgramID)
	})
}

func TestBuilder_BatchWithComputeUnitPrice(t *testing.T) {
	payer := solana.NewWallet().PublicKey()
	program := solana.NewWallet().PublicKey()
	acct := solana.NewWallet().PublicKey()
	b := NewBuilder(staticBlockhash{cache.Blockhash{Hash: testHash().String()}}, newTestClient(&mockRPCClient{}))

	intent := txn.InstructionBatch{Type: txn.TypeCustom, Instructions: []txn.Instruction{{
		ProgramID: program,
		Accounts:  solana.AccountMetaSlice{solana.NewAccountMeta(acct, false, false)},
		Data:      []byte{9, 9},
	}}}
	built, err := b.Build(context.Background(), payer, intent, BuildOptions{ComputeUnitPrice: 1000})
	require.NoError(t, err)

	require.Len(t, built.Instructions, 2)
	assert.Equal(t, solana.ComputeBudget.String(), built.Instructions[0].ProgramID)
	assert.Equal(t, program.String(), built.Instructions[1].ProgramID)
	assert.Equal(t, 1, built.Instructions[1].AccountCount)
	assert.Equal(t, "CQk=", built.Instructions[1].Data)
	assert.Equal(t, []string{payer.String()}, built.WritableAccounts)
}

func TestWaiter(t *testing.T) {
	var sig solana.Signature
	sig[0] = 1

	tests := []struct {
		name       string
		statuses   []*rpc.SignatureStatusesResult
		commitment rpc.CommitmentType
		timeout    time.Duration
		want       ConfirmationResult
	}{
		{
			name: "reaches target after polling",
			statuses: []*rpc.SignatureStatusesResult{
				nil,
				{Slot: 10, ConfirmationStatus: rpc.ConfirmationStatusProcessed},
				{Slot: 11, ConfirmationStatus: rpc.ConfirmationStatusConfirmed},
			},
			commitment: rpc.CommitmentConfirmed,
			timeout:    time.Second,
			want:       ConfirmationResult{Confirmed: true, Slot: 11},
		},
		{
			name:       "stronger commitment satisfies weaker target",
			statuses:   []*rpc.SignatureStatusesResult{{Slot: 12, ConfirmationStatus: rpc.ConfirmationStatusFinalized}},
			commitment: rpc.CommitmentConfirmed,
			timeout:    time.Second,
			want:       ConfirmationResult{Confirmed: true, Slot: 12},
		},
		{
			name:       "execution error",
			statuses:   []*rpc.SignatureStatusesResult{{Slot: 13, Err: "InstructionError", ConfirmationStatus: rpc.ConfirmationStatusProcessed}},
			commitment: rpc.CommitmentFinalized,
			timeout:    time.Second,
			want:       ConfirmationResult{Confirmed: false, Slot: 13, Error: "InstructionError"},
		},
		{
			name:       "timeout",
			statuses:   []*rpc.SignatureStatusesResult{{Slot: 14, ConfirmationStatus: rpc.ConfirmationStatusProcessed}},
			commitment: rpc.CommitmentFinalized,
			timeout:    30 * time.Millisecond,
			want:       ConfirmationResult{Confirmed: false, Error: ErrConfirmationTimeout},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWaiter(newTestClient(&mockRPCClient{statuses: tt.statuses}), 5*time.Millisecond, nil, testLogger())
			got, err := w.Wait(context.Background(), sig.String(), tt.commitment, tt.timeout)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestWaiter_RejectsBadInput(t *testing.T) {
	w := NewWaiter(newTestClient(&mockRPCClient{}), time.Millisecond, nil, testLogger())

	_, err := w.Wait(context.Background(), "not-a-signature", rpc.CommitmentConfirmed, time.Second)
	assert.Error(t, err)

	var sig solana.Signature
	_, err = w.Wait(context.Background(), sig.String(), rpc.CommitmentType("eventually"), time.Second)
	assert.Error(t, err)
}

func TestPercentile(t *testing.T) {
	samples := []uint64{50, 10, 40, 20, 30, 60, 70, 80, 90, 100}
	tests := []struct {
		urgency txn.Urgency
		want    uint64
	}{
		{txn.UrgencyLow, 30},
		{txn.UrgencyMedium, 50},
		{"", 50},
		{txn.UrgencyHigh, 80},
		{txn.UrgencyMax, 100},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Percentile(samples, tt.urgency.Percentile()), "urgency %q", tt.urgency)
	}
	assert.Equal(t, uint64(0), Percentile(nil, 50))
}

type staticSamples []uint64

func (s staticSamples) Samples(context.Context, []string) ([]uint64, error) { return s, nil }

func TestFeeEstimator(t *testing.T) {
	e := NewFeeEstimator(staticSamples{1000, 2000, 3000})

	est, err := e.Estimate(context.Background(), txn.UrgencyMedium, nil, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2000), est.MicroLamportsPerCU)
	// 5000 + ceil(2000 * 200000 / 1e6) = 5000 + 400
	assert.Equal(t, uint64(5400), est.FeeLamports)

	units := uint64(1)
	est, err = e.Estimate(context.Background(), txn.UrgencyLow, nil, 2, &units)
	require.NoError(t, err)
	// 10000 + ceil(1000 * 1 / 1e6) = 10000 + 1
	assert.Equal(t, uint64(10001), est.FeeLamports)
}

func TestEndpoints(t *testing.T) {
	endpoints := ParseEndpoints(" https://a.example , ,https://b.example")
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, endpoints)

	selected, err := SelectRandomEndpoint(endpoints)
	require.NoError(t, err)
	assert.Contains(t, endpoints, selected)

	_, err = SelectRandomEndpoint(nil)
	assert.EqualError(t, err, "no RPC endpoints configured")
}
