package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/brojonat/agentpay/service/txn"
)

// CreateTransactionRequest describes a transaction to build, vet, sign and submit.
type CreateTransactionRequest struct {
	WalletID       string               `json:"walletId"`
	AgentID        *string              `json:"agentId,omitempty"`
	Type           txn.Type             `json:"type"`
	Instructions   []txn.RawInstruction `json:"instructions,omitempty"`
	Destination    string               `json:"destination,omitempty"`
	Amount         *txn.Amount          `json:"amount,omitempty"`
	TokenMint      string               `json:"tokenMint,omitempty"`
	Gasless        bool                 `json:"gasless,omitempty"`
	Urgency        txn.Urgency          `json:"urgency,omitempty"`
	Metadata       map[string]any       `json:"metadata,omitempty"`
	IdempotencyKey *string              `json:"idempotencyKey,omitempty"`
}

// Transaction is a transaction record as returned by the server.
type Transaction struct {
	ID             string                   `json:"id"`
	WalletID       string                   `json:"walletId"`
	AgentID        *string                  `json:"agentId,omitempty"`
	Type           txn.Type                 `json:"type"`
	Status         txn.Status               `json:"status"`
	Intent         txn.IntentSpec           `json:"intent"`
	Instructions   []txn.InstructionSummary `json:"instructions"`
	Signature      *string                  `json:"signature"`
	FeeLamports    *txn.Amount              `json:"feeLamports"`
	Gasless        bool                     `json:"gasless"`
	Metadata       map[string]any           `json:"metadata"`
	ErrorMessage   *string                  `json:"errorMessage"`
	RetryCount     int                      `json:"retryCount"`
	IdempotencyKey *string                  `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time                `json:"createdAt"`
	UpdatedAt      time.Time                `json:"updatedAt"`
	ConfirmedAt    *time.Time               `json:"confirmedAt"`
}

// Event is one recorded status transition.
type Event struct {
	ID            int64       `json:"id"`
	TransactionID string      `json:"transactionId"`
	FromStatus    *txn.Status `json:"fromStatus"`
	ToStatus      txn.Status  `json:"toStatus"`
	Signature     *string     `json:"signature,omitempty"`
	ErrorMessage  *string     `json:"errorMessage,omitempty"`
	RetryCount    int         `json:"retryCount"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// ListOptions filters and pages ListWalletTransactions. Zero values use server defaults.
type ListOptions struct {
	Status   txn.Status
	Type     txn.Type
	Page     int
	PageSize int
}

// TransactionList is one page of a wallet's transactions.
type TransactionList struct {
	Transactions []*Transaction `json:"transactions"`
	Total        int            `json:"total"`
	Page         int            `json:"page"`
	PageSize     int            `json:"pageSize"`
	HasMore      bool           `json:"hasMore"`
}

// CreateTransaction submits a transaction request and returns the record once
// the pipeline stops. Business failures (rejected, simulation_failed and so on)
// come back as a record, not an error. created is false when the idempotency
// key matched an existing record.
func (c *Client) CreateTransaction(ctx context.Context, req CreateTransactionRequest) (tx *Transaction, created bool, err error) {
	tx = &Transaction{}
	status, err := c.do(ctx, http.MethodPost, "/transactions", req, tx)
	if err != nil {
		return nil, false, err
	}
	c.logger.DebugContext(ctx, "transaction created",
		"record_id", tx.ID,
		"status", tx.Status,
	)
	return tx, status == http.StatusCreated, nil
}

// GetTransaction fetches a record by id.
func (c *Client) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	tx := &Transaction{}
	if _, err := c.do(ctx, http.MethodGet, "/transactions/"+url.PathEscape(id), nil, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// RetryTransaction re-enters a failed or permanently failed record.
func (c *Client) RetryTransaction(ctx context.Context, id string) (*Transaction, error) {
	tx := &Transaction{}
	if _, err := c.do(ctx, http.MethodPost, "/transactions/"+url.PathEscape(id)+"/retry", nil, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// ResolveApproval approves or denies a record awaiting approval.
func (c *Client) ResolveApproval(ctx context.Context, id string, approved bool, reason string) (*Transaction, error) {
	body := map[string]any{"approved": approved}
	if reason != "" {
		body["reason"] = reason
	}
	tx := &Transaction{}
	if _, err := c.do(ctx, http.MethodPost, "/transactions/"+url.PathEscape(id)+"/approval", body, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// ListEvents returns a record's transition history, oldest first.
func (c *Client) ListEvents(ctx context.Context, id string) ([]*Event, error) {
	var resp struct {
		Events []*Event `json:"events"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/transactions/"+url.PathEscape(id)+"/events", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// ListWalletTransactions pages through a wallet's records, newest first.
func (c *Client) ListWalletTransactions(ctx context.Context, walletID string, opts ListOptions) (*TransactionList, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.Type != "" {
		q.Set("type", string(opts.Type))
	}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.PageSize > 0 {
		q.Set("pageSize", strconv.Itoa(opts.PageSize))
	}

	path := fmt.Sprintf("/wallets/%s/transactions", url.PathEscape(walletID))
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	list := &TransactionList{}
	if _, err := c.do(ctx, http.MethodGet, path, nil, list); err != nil {
		return nil, err
	}
	return list, nil
}
