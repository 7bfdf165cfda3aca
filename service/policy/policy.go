package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/brojonat/agentpay/service/metrics"
	"github.com/brojonat/agentpay/service/txn"
)

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	Allow           Decision = "allow"
	Deny            Decision = "deny"
	RequireApproval Decision = "require_approval"
)

// Request is what the evaluator sees about a transaction.
type Request struct {
	WalletID           string                   `json:"walletId"`
	Amount             *txn.Amount              `json:"amount,omitempty"`
	TokenMint          string                   `json:"tokenMint,omitempty"`
	DestinationAddress string                   `json:"destinationAddress,omitempty"`
	ProgramIDs         []string                 `json:"programIds"`
	Instructions       []txn.InstructionSummary `json:"instructions"`
}

// Result is a decision with its reasons. ApprovalRequestID is set for RequireApproval.
type Result struct {
	Decision          Decision `json:"decision"`
	Reasons           []string `json:"reasons,omitempty"`
	ApprovalRequestID string   `json:"approvalRequestId,omitempty"`
}

// Client calls the external policy evaluator at POST {baseURL}/evaluate.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewClient creates a policy client. apiKey, when set, is sent as a bearer token.
func NewClient(baseURL, apiKey string, httpClient *http.Client, m *metrics.Metrics, logger *slog.Logger) *Client {
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
		metrics:    m,
		logger:     logger,
	}
}

// Evaluate asks the evaluator for a decision. It never fails open: transport
// errors, non-2xx responses, undecodable bodies and unknown decisions all
// come back as Deny with a reason describing what went wrong.
func (c *Client) Evaluate(ctx context.Context, req Request) Result {
	res, err := c.evaluate(ctx, req)
	if err != nil {
		c.logger.WarnContext(ctx, "policy evaluation failed, denying",
			"wallet_id", req.WalletID,
			"error", err,
		)
		res = Result{Decision: Deny, Reasons: []string{"policy evaluation unavailable: " + err.Error()}}
	}
	c.metrics.RecordPolicyDecision(string(res.Decision))
	return res
}

func (c *Client) evaluate(ctx context.Context, req Request) (Result, error) {
	if req.ProgramIDs == nil {
		req.ProgramIDs = []string{}
	}
	if req.Instructions == nil {
		req.Instructions = []txn.InstructionSummary{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("evaluator returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("failed to decode response: %w", err)
	}

	switch res.Decision {
	case Allow, Deny:
	case RequireApproval:
		if res.ApprovalRequestID == "" {
			return Result{}, fmt.Errorf("require_approval decision without approvalRequestId")
		}
	default:
		return Result{}, fmt.Errorf("unknown decision %q", res.Decision)
	}
	return res, nil
}
