package nats

import (
	"fmt"
	"time"

	"github.com/brojonat/agentpay/service/txn"
)

// TransactionEvent is one lifecycle transition published to NATS.
// It is published to the subject "txlife.{wallet_id}" in JetStream.
type TransactionEvent struct {
	TransactionID string  `json:"transaction_id"`
	WalletID      string  `json:"wallet_id"`
	AgentID       *string `json:"agent_id,omitempty"`
	Type          string  `json:"type"`

	FromStatus *string `json:"from_status,omitempty"`
	Status     string  `json:"status"`

	Signature    *string     `json:"signature,omitempty"`
	FeeLamports  *txn.Amount `json:"fee_lamports,omitempty"`
	ErrorMessage *string     `json:"error_message,omitempty"`
	RetryCount   int         `json:"retry_count"`
	Gasless      bool        `json:"gasless"`

	Timestamp   time.Time `json:"timestamp"`
	PublishedAt time.Time `json:"published_at"`
}

// FromRecord builds the event for rec having just moved from `from`.
// from is nil for the creation event.
func FromRecord(rec *txn.Record, from *txn.Status) *TransactionEvent {
	event := &TransactionEvent{
		TransactionID: rec.ID,
		WalletID:      rec.WalletID,
		AgentID:       rec.AgentID,
		Type:          string(rec.Type),
		Status:        string(rec.Status),
		Signature:     rec.Signature,
		FeeLamports:   rec.FeeLamports,
		ErrorMessage:  rec.ErrorMessage,
		RetryCount:    rec.RetryCount,
		Gasless:       rec.Gasless,
		Timestamp:     rec.UpdatedAt,
		PublishedAt:   time.Now().UTC(),
	}
	if from != nil {
		s := string(*from)
		event.FromStatus = &s
	}
	return event
}

// Subject returns the JetStream subject for a wallet's lifecycle events.
// An empty wallet id yields the wildcard subject for all wallets.
func Subject(walletID string) string {
	if walletID == "" {
		return StreamSubjects
	}
	return fmt.Sprintf("%s.%s", subjectPrefix, walletID)
}

// PublishError reports a failed event publish. Publishing is a non-critical
// side effect, so callers log this error and carry on.
type PublishError struct {
	Subject string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("failed to publish to %s: %v", e.Subject, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
