package submit

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	solanago "github.com/gagliardetto/solana-go"
)

// RawSender sends a signed wire transaction over RPC, normally *solana.Client.
type RawSender interface {
	SendRaw(ctx context.Context, raw []byte) (string, error)
}

// DirectBroadcaster sends through the network RPC with preflight skipped.
type DirectBroadcaster struct {
	rpc RawSender
}

// NewDirectBroadcaster wraps an RPC sender.
func NewDirectBroadcaster(rpc RawSender) *DirectBroadcaster {
	return &DirectBroadcaster{rpc: rpc}
}

func (d *DirectBroadcaster) Broadcast(ctx context.Context, signed []byte) (string, error) {
	return d.rpc.SendRaw(ctx, signed)
}

// RelayClient submits through the fee relay at POST {baseURL}/submit.
type RelayClient struct {
	baseURL    string
	httpClient *http.Client
}

type relayRequest struct {
	Transaction string `json:"transaction"`
}

type relayResponse struct {
	Signature string `json:"signature"`
}

// NewRelayClient creates a fee relay client.
func NewRelayClient(baseURL string, httpClient *http.Client) *RelayClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &RelayClient{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

func (r *RelayClient) Broadcast(ctx context.Context, signed []byte) (string, error) {
	body, err := json.Marshal(relayRequest{Transaction: base64.StdEncoding.EncodeToString(signed)})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/submit", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("relay request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("relay returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out relayResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode relay response: %w", err)
	}
	if out.Signature == "" {
		return "", fmt.Errorf("relay response has no signature")
	}
	if _, err := solanago.SignatureFromBase58(out.Signature); err != nil {
		return "", fmt.Errorf("relay returned an invalid signature %q: %w", out.Signature, err)
	}
	return out.Signature, nil
}
