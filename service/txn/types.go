package txn

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is a state of the transaction pipeline. See Transition for the legal moves.
type Status string

const (
	StatusPending           Status = "pending"
	StatusSimulating        Status = "simulating"
	StatusSimulationFailed  Status = "simulation_failed"
	StatusPolicyEval        Status = "policy_eval"
	StatusRejected          Status = "rejected"
	StatusAwaitingApproval  Status = "awaiting_approval"
	StatusSigning           Status = "signing"
	StatusSigningFailed     Status = "signing_failed"
	StatusSubmitting        Status = "submitting"
	StatusSubmitted         Status = "submitted"
	StatusConfirmed         Status = "confirmed"
	StatusFailed            Status = "failed"
	StatusRetrying          Status = "retrying"
	StatusPermanentlyFailed Status = "permanently_failed"
)

// AllStatuses lists every pipeline state in declaration order.
var AllStatuses = []Status{
	StatusPending,
	StatusSimulating,
	StatusSimulationFailed,
	StatusPolicyEval,
	StatusRejected,
	StatusAwaitingApproval,
	StatusSigning,
	StatusSigningFailed,
	StatusSubmitting,
	StatusSubmitted,
	StatusConfirmed,
	StatusFailed,
	StatusRetrying,
	StatusPermanentlyFailed,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Type is the business kind of a transaction request.
type Type string

const (
	TypeTransfer Type = "transfer"
	TypeSwap     Type = "swap"
	TypeStake    Type = "stake"
	TypeUnstake  Type = "unstake"
	TypeLend     Type = "lend"
	TypeBorrow   Type = "borrow"
	TypeNFT      Type = "nft"
	TypeCustom   Type = "custom"
)

// AllTypes lists every supported transaction type.
var AllTypes = []Type{TypeTransfer, TypeSwap, TypeStake, TypeUnstake, TypeLend, TypeBorrow, TypeNFT, TypeCustom}

// Valid reports whether t is a known transaction type.
func (t Type) Valid() bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Urgency selects the priority-fee percentile used when estimating fees.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
	UrgencyMax    Urgency = "max"
)

// Percentile returns the fee-sample percentile for the urgency level.
// Unknown or empty urgency falls back to medium.
func (u Urgency) Percentile() float64 {
	switch u {
	case UrgencyLow:
		return 25
	case UrgencyHigh:
		return 75
	case UrgencyMax:
		return 95
	default:
		return 50
	}
}

// Valid reports whether u is empty or a known urgency level.
func (u Urgency) Valid() bool {
	switch u {
	case "", UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyMax:
		return true
	}
	return false
}

// Amount is a quantity of base units (lamports or raw token units).
// It is serialized as a JSON string because values can exceed 2^53.
// Unmarshaling also accepts a bare JSON number.
type Amount uint64

// MarshalJSON encodes the amount as a quoted decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatUint(uint64(a), 10))), nil
}

// UnmarshalJSON decodes either "123" or 123.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return nil
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	v, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// String returns the decimal representation.
func (a Amount) String() string {
	return strconv.FormatUint(uint64(a), 10)
}

// ParseAmount parses a non-negative base-10 integer amount.
func ParseAmount(s string) (Amount, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: must be a non-negative integer", s)
	}
	return Amount(v), nil
}

// IntentSpec is the caller's request as submitted. It is persisted verbatim on the
// record so that retries can rebuild the transaction after a restart.
type IntentSpec struct {
	Type         Type             `json:"type"`
	Destination  string           `json:"destination,omitempty"`
	Amount       *Amount          `json:"amount,omitempty"`
	TokenMint    string           `json:"tokenMint,omitempty"`
	Instructions []RawInstruction `json:"instructions,omitempty"`
	Urgency      Urgency          `json:"urgency,omitempty"`
}

// RawInstruction is a caller-supplied instruction in wire-friendly form.
type RawInstruction struct {
	ProgramID string           `json:"programId"`
	Accounts  []RawAccountMeta `json:"accounts"`
	Data      string           `json:"data"` // base64
}

// RawAccountMeta is one account reference of a RawInstruction.
type RawAccountMeta struct {
	Pubkey     string `json:"pubkey"`
	IsSigner   bool   `json:"isSigner"`
	IsWritable bool   `json:"isWritable"`
}

// InstructionSummary describes one instruction of a built transaction.
// The orchestrator treats these as opaque beyond counting and logging.
type InstructionSummary struct {
	ProgramID    string `json:"programId"`
	AccountCount int    `json:"accountCount"`
	Data         string `json:"data"` // base64
}

// Record is the durable unit of work for one transaction request.
type Record struct {
	ID             string
	WalletID       string
	AgentID        *string
	Type           Type
	Status         Status
	Intent         IntentSpec
	Instructions   []InstructionSummary
	Signature      *string
	FeeLamports    *Amount
	Gasless        bool

	// PendingSignature and LastValidBlockHeight identify the signed
	// transaction of the current attempt and its blockhash expiry. Both are
	// set on entering submitting, before broadcast, so recovery can tell an
	// unbroadcast transaction from one that may still land.
	PendingSignature     *string
	LastValidBlockHeight *uint64

	Metadata       map[string]any
	ErrorMessage   *string
	RetryCount     int
	IdempotencyKey *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ConfirmedAt    *time.Time
}

// Clone returns a deep-enough copy for callers that must not share mutable state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Instructions = append([]InstructionSummary(nil), r.Instructions...)
	c.Intent.Instructions = append([]RawInstruction(nil), r.Intent.Instructions...)
	if r.Metadata != nil {
		// round-trip keeps nested values independent
		raw, err := json.Marshal(r.Metadata)
		if err == nil {
			var m map[string]any
			if json.Unmarshal(raw, &m) == nil {
				c.Metadata = m
			}
		}
	}
	return &c
}

// Event is one validated state transition in a record's history.
type Event struct {
	ID           int64
	RecordID     string
	WalletID     string
	FromStatus   *Status // nil for the creation event
	ToStatus     Status
	Signature    *string
	ErrorMessage *string
	RetryCount   int
	CreatedAt    time.Time
}

// WalletStatus is the lifecycle state of a registered wallet.
type WalletStatus string

const (
	WalletActive    WalletStatus = "active"
	WalletSuspended WalletStatus = "suspended"
)

// Wallet maps a wallet identifier to the public key the signer holds for it.
type Wallet struct {
	ID        string
	PublicKey string
	AgentID   *string
	Status    WalletStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ListFilter selects records for a wallet listing.
type ListFilter struct {
	WalletID string
	Status   *Status
	Type     *Type
	Page     int // 1-based
	PageSize int
}

// Offset returns the row offset for the filter's page.
func (f ListFilter) Offset() int {
	if f.Page < 1 {
		return 0
	}
	return (f.Page - 1) * f.PageSize
}
