package signer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/brojonat/agentpay/service/txn"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectory map[string]*txn.Wallet

func (f fakeDirectory) GetWallet(_ context.Context, id string) (*txn.Wallet, error) {
	w, ok := f[id]
	if !ok {
		return nil, txn.Errorf(txn.KindWalletNotFound, "wallet %s not found", id)
	}
	return w, nil
}

var directory = fakeDirectory{
	"active":    {ID: "active", Status: txn.WalletActive},
	"suspended": {ID: "suspended", Status: txn.WalletSuspended},
}

func wireTransaction(t *testing.T, signed bool) []byte {
	t.Helper()
	payer := solanago.NewWallet().PublicKey()
	tx, err := solanago.NewTransaction(
		[]solanago.Instruction{system.NewTransferInstruction(1, payer, payer).Build()},
		solanago.Hash{},
		solanago.TransactionPayer(payer),
	)
	require.NoError(t, err)
	tx.Signatures = make([]solanago.Signature, 1)
	if signed {
		tx.Signatures[0][0] = 1
	}
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return raw
}

func TestSign_Success(t *testing.T) {
	signedTx := wireTransaction(t, true)
	var gotPath, gotAuth string
	var gotTx []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		var body signRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotTx, _ = base64.StdEncoding.DecodeString(body.Transaction)
		json.NewEncoder(w).Encode(signResponse{SignedTransaction: base64.StdEncoding.EncodeToString(signedTx)})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", srv.Client(), directory, nil, nil)
	signed, err := c.Sign(t.Context(), "active", []byte("unsigned"))
	require.NoError(t, err)

	assert.Equal(t, signedTx, signed)
	assert.Equal(t, "/wallets/active/sign", gotPath)
	assert.Equal(t, "Bearer k", gotAuth)
	assert.Equal(t, []byte("unsigned"), gotTx)
}

func TestSign_SuspendedWalletNeverCallsSigner(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", srv.Client(), directory, nil, nil)
	_, err := c.Sign(t.Context(), "suspended", []byte("x"))

	require.Error(t, err)
	assert.True(t, errors.Is(err, txn.ErrWalletSuspended))
	assert.Equal(t, int32(0), calls.Load())
}

func TestSign_UnknownWallet(t *testing.T) {
	c := NewClient("http://unused", "", nil, directory, nil, nil)
	_, err := c.Sign(t.Context(), "ghost", []byte("x"))
	assert.True(t, errors.Is(err, txn.ErrWalletNotFound))
}

func TestSign_Failures(t *testing.T) {
	unsignedTx := wireTransaction(t, false)
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantMsg string
	}{
		{
			name: "upstream error is captured verbatim",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte(`{"error":"key provider locked"}`))
			},
			wantMsg: "signer returned status 403: key provider locked",
		},
		{
			name: "plain text body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
				w.Write([]byte("upstream hsm unavailable"))
			},
			wantMsg: "upstream hsm unavailable",
		},
		{
			name: "empty signed transaction",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"signedTransaction":""}`))
			},
			wantMsg: "invalid signed transaction",
		},
		{
			name: "undecodable transaction",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(signResponse{SignedTransaction: base64.StdEncoding.EncodeToString([]byte{0xff})})
			},
			wantMsg: "invalid signed transaction",
		},
		{
			name: "fee payer signature missing",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(signResponse{SignedTransaction: base64.StdEncoding.EncodeToString(unsignedTx)})
			},
			wantMsg: "unsigned transaction",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				tt.handler(w, r)
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "", srv.Client(), directory, nil, nil)
			_, err := c.Sign(t.Context(), "active", []byte("x"))

			require.Error(t, err)
			assert.True(t, errors.Is(err, txn.ErrSigningFailed))
			assert.Contains(t, err.Error(), tt.wantMsg)
			assert.Equal(t, int32(1), calls.Load(), "signing is never retried")
		})
	}
}
