package signer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/brojonat/agentpay/service/metrics"
	"github.com/brojonat/agentpay/service/txn"
	bin "github.com/gagliardetto/binary"
	solanago "github.com/gagliardetto/solana-go"
)

// WalletDirectory resolves wallet registrations; the signer consults it to
// refuse suspended wallets before any remote call.
type WalletDirectory interface {
	GetWallet(ctx context.Context, walletID string) (*txn.Wallet, error)
}

// Client calls the remote signer at POST {baseURL}/wallets/{id}/sign.
// It never retries: a signing failure is reported to the caller as is.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	wallets    WalletDirectory
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

type signRequest struct {
	Transaction string `json:"transaction"`
}

type signResponse struct {
	SignedTransaction string `json:"signedTransaction"`
}

// NewClient creates a signer client.
func NewClient(baseURL, apiKey string, httpClient *http.Client, wallets WalletDirectory, m *metrics.Metrics, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
		wallets:    wallets,
		metrics:    m,
		logger:     logger,
	}
}

// Sign returns the fully signed wire transaction for unsigned. Errors carry
// KindWalletSuspended, KindWalletNotFound or KindSigningFailed.
func (c *Client) Sign(ctx context.Context, walletID string, unsigned []byte) ([]byte, error) {
	w, err := c.wallets.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if w.Status == txn.WalletSuspended {
		c.metrics.RecordSignerCall("refused")
		return nil, txn.Errorf(txn.KindWalletSuspended, "wallet %s is suspended", walletID)
	}

	signed, err := c.sign(ctx, walletID, unsigned)
	if err != nil {
		c.metrics.RecordSignerCall("error")
		c.logger.WarnContext(ctx, "signer call failed", "wallet_id", walletID, "error", err)
		return nil, err
	}
	c.metrics.RecordSignerCall("success")
	return signed, nil
}

func (c *Client) sign(ctx context.Context, walletID string, unsigned []byte) ([]byte, error) {
	body, err := json.Marshal(signRequest{Transaction: base64.StdEncoding.EncodeToString(unsigned)})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	u := fmt.Sprintf("%s/wallets/%s/sign", c.baseURL, url.PathEscape(walletID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, txn.Wrap(txn.KindSigningFailed, "signer request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, txn.Errorf(txn.KindSigningFailed, "signer returned status %d: %s", resp.StatusCode, upstreamMessage(raw))
	}

	var out signResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, txn.Wrap(txn.KindSigningFailed, "failed to decode signer response", err)
	}
	signed, err := base64.StdEncoding.DecodeString(out.SignedTransaction)
	if err != nil || len(signed) == 0 {
		return nil, txn.Errorf(txn.KindSigningFailed, "signer returned an invalid signed transaction")
	}
	if err := checkSigned(signed); err != nil {
		return nil, err
	}
	return signed, nil
}

// checkSigned requires raw to decode as a transaction whose fee payer slot is filled.
func checkSigned(raw []byte) error {
	tx, err := solanago.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return txn.Wrap(txn.KindSigningFailed, "signer returned an invalid signed transaction", err)
	}
	if len(tx.Signatures) == 0 || tx.Signatures[0] == (solanago.Signature{}) {
		return txn.Errorf(txn.KindSigningFailed, "signer returned an unsigned transaction")
	}
	return nil
}

// upstreamMessage prefers the {"error": "..."} field of a JSON error body and
// otherwise returns the body verbatim.
func upstreamMessage(raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}
