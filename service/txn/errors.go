package txn

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies orchestration errors so transports can map them to responses.
type Kind string

const (
	KindValidation        Kind = "ValidationError"
	KindInvalidTransition Kind = "InvalidTransition"
	KindSimulationFailed  Kind = "SimulationFailed"
	KindPolicyDenied      Kind = "PolicyDenied"
	KindSigningFailed     Kind = "SigningFailed"
	KindSubmissionFailed  Kind = "SubmissionFailed"
	KindNotFound          Kind = "TransactionNotFound"
	KindNotRetryable      Kind = "NotRetryable"
	KindWalletNotFound    Kind = "WalletNotFound"
	KindWalletSuspended   Kind = "WalletSuspended"
)

var kindCodes = map[Kind]string{
	KindValidation:        "VALIDATION_ERROR",
	KindInvalidTransition: "INVALID_TRANSITION",
	KindSimulationFailed:  "SIMULATION_FAILED",
	KindPolicyDenied:      "POLICY_DENIED",
	KindSigningFailed:     "SIGNING_FAILED",
	KindSubmissionFailed:  "SUBMISSION_FAILED",
	KindNotFound:          "TRANSACTION_NOT_FOUND",
	KindNotRetryable:      "TRANSACTION_NOT_RETRYABLE",
	KindWalletNotFound:    "WALLET_NOT_FOUND",
	KindWalletSuspended:   "WALLET_SUSPENDED",
}

// Code returns the stable machine-readable code for the kind.
func (k Kind) Code() string {
	if code, ok := kindCodes[k]; ok {
		return code
	}
	return "INTERNAL_ERROR"
}

// HTTPStatus returns the response status for errors of this kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindInvalidTransition, KindSimulationFailed:
		return http.StatusBadRequest
	case KindPolicyDenied:
		return http.StatusForbidden
	case KindNotFound, KindNotRetryable, KindWalletNotFound:
		return http.StatusNotFound
	case KindSigningFailed, KindSubmissionFailed, KindWalletSuspended:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is the typed error returned by orchestration operations.
type Error struct {
	Kind    Kind
	Message string
	Reasons []string // policy denial reasons
	Err     error
}

// Error returns Message, which already includes the wrapped error text.
func (e *Error) Error() string {
	if e.Message == "" && e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors by kind, so errors.Is(err, txn.ErrNotFound) works
// for any *Error carrying KindNotFound.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Code returns the stable error code for the error's kind.
func (e *Error) Code() string { return e.Kind.Code() }

// Sentinels for errors.Is checks.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrSimulationFailed  = &Error{Kind: KindSimulationFailed}
	ErrPolicyDenied      = &Error{Kind: KindPolicyDenied}
	ErrSigningFailed     = &Error{Kind: KindSigningFailed}
	ErrSubmissionFailed  = &Error{Kind: KindSubmissionFailed}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrNotRetryable      = &Error{Kind: KindNotRetryable}
	ErrWalletNotFound    = &Error{Kind: KindWalletNotFound}
	ErrWalletSuspended   = &Error{Kind: KindWalletSuspended}
)

// ErrConcurrentUpdate is returned by stores when a record's status changed
// between read and write, meaning another pipeline run owns it.
var ErrConcurrentUpdate = errors.New("transaction record was modified concurrently")

// Errorf builds an *Error of the given kind wrapping any %w argument.
func Errorf(kind Kind, format string, args ...any) *Error {
	wrapped := fmt.Errorf(format, args...)
	return &Error{Kind: kind, Message: wrapped.Error(), Err: errors.Unwrap(wrapped)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	if err == nil {
		return &Error{Kind: kind, Message: message}
	}
	return &Error{Kind: kind, Message: message + ": " + err.Error(), Err: err}
}

// Denied builds a PolicyDenied error whose message joins the reasons.
func Denied(reasons []string) *Error {
	msg := "policy denied"
	if len(reasons) > 0 {
		msg = strings.Join(reasons, "; ")
	}
	return &Error{Kind: KindPolicyDenied, Message: msg, Reasons: reasons}
}

// KindOf extracts the kind of err, if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// ReasonsOf returns the policy denial reasons carried by err, if any.
func ReasonsOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reasons
	}
	return nil
}
