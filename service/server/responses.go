package server

import (
	"time"

	"github.com/brojonat/agentpay/service/txn"
)

// transactionResponse is the JSON format for a transaction record.
// Amounts are strings; see txn.Amount.
type transactionResponse struct {
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

func recordToResponse(rec *txn.Record) transactionResponse {
	instructions := rec.Instructions
	if instructions == nil {
		instructions = []txn.InstructionSummary{}
	}
	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return transactionResponse{
		ID:             rec.ID,
		WalletID:       rec.WalletID,
		AgentID:        rec.AgentID,
		Type:           rec.Type,
		Status:         rec.Status,
		Intent:         rec.Intent,
		Instructions:   instructions,
		Signature:      rec.Signature,
		FeeLamports:    rec.FeeLamports,
		Gasless:        rec.Gasless,
		Metadata:       metadata,
		ErrorMessage:   rec.ErrorMessage,
		RetryCount:     rec.RetryCount,
		IdempotencyKey: rec.IdempotencyKey,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
		ConfirmedAt:    rec.ConfirmedAt,
	}
}

type listResponse struct {
	Transactions []transactionResponse `json:"transactions"`
	Total        int                   `json:"total"`
	Page         int                   `json:"page"`
	PageSize     int                   `json:"pageSize"`
	HasMore      bool                  `json:"hasMore"`
}

type eventResponse struct {
	ID            int64       `json:"id"`
	TransactionID string      `json:"transactionId"`
	FromStatus    *txn.Status `json:"fromStatus"`
	ToStatus      txn.Status  `json:"toStatus"`
	Signature     *string     `json:"signature,omitempty"`
	ErrorMessage  *string     `json:"errorMessage,omitempty"`
	RetryCount    int         `json:"retryCount"`
	CreatedAt     time.Time   `json:"createdAt"`
}

func eventToResponse(ev txn.Event) eventResponse {
	return eventResponse{
		ID:            ev.ID,
		TransactionID: ev.RecordID,
		FromStatus:    ev.FromStatus,
		ToStatus:      ev.ToStatus,
		Signature:     ev.Signature,
		ErrorMessage:  ev.ErrorMessage,
		RetryCount:    ev.RetryCount,
		CreatedAt:     ev.CreatedAt,
	}
}

// walletResponse is the JSON format for a registered wallet.
type walletResponse struct {
	ID        string           `json:"walletId"`
	PublicKey string           `json:"publicKey"`
	AgentID   *string          `json:"agentId,omitempty"`
	Status    txn.WalletStatus `json:"status"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

func walletToResponse(w *txn.Wallet) walletResponse {
	return walletResponse{
		ID:        w.ID,
		PublicKey: w.PublicKey,
		AgentID:   w.AgentID,
		Status:    w.Status,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
}
