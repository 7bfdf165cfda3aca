package txn

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		kind   Kind
		status int
		code   string
	}{
		{KindValidation, http.StatusBadRequest, "VALIDATION_ERROR"},
		{KindInvalidTransition, http.StatusBadRequest, "INVALID_TRANSITION"},
		{KindSimulationFailed, http.StatusBadRequest, "SIMULATION_FAILED"},
		{KindPolicyDenied, http.StatusForbidden, "POLICY_DENIED"},
		{KindSigningFailed, http.StatusBadGateway, "SIGNING_FAILED"},
		{KindSubmissionFailed, http.StatusBadGateway, "SUBMISSION_FAILED"},
		{KindNotFound, http.StatusNotFound, "TRANSACTION_NOT_FOUND"},
		{KindNotRetryable, http.StatusNotFound, "TRANSACTION_NOT_RETRYABLE"},
		{KindWalletNotFound, http.StatusNotFound, "WALLET_NOT_FOUND"},
		{KindWalletSuspended, http.StatusBadGateway, "WALLET_SUSPENDED"},
		{Kind("other"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.status, tt.kind.HTTPStatus())
			assert.Equal(t, tt.code, tt.kind.Code())
		})
	}
}

func TestErrorMatching(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("submit: %w", Wrap(KindSubmissionFailed, "submission failed after 3 attempts", cause))

	assert.True(t, errors.Is(err, ErrSubmissionFailed))
	assert.False(t, errors.Is(err, ErrSigningFailed))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "submit: submission failed after 3 attempts: connection refused", err.Error())

	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, KindSubmissionFailed, kind)

	_, ok = KindOf(cause)
	assert.False(t, ok)
}

func TestDenied(t *testing.T) {
	err := Denied([]string{"Spending limit exceeded", "Destination not allowlisted"})
	assert.Equal(t, "Spending limit exceeded; Destination not allowlisted", err.Error())
	assert.True(t, errors.Is(err, ErrPolicyDenied))
	assert.Len(t, ReasonsOf(err), 2)

	assert.Equal(t, "policy denied", Denied(nil).Error())
}

func TestErrorf(t *testing.T) {
	inner := errors.New("boom")
	err := Errorf(KindSigningFailed, "signer returned error: %w", inner)
	assert.Equal(t, "signer returned error: boom", err.Error())
	assert.True(t, errors.Is(err, inner))
	assert.Equal(t, "SIGNING_FAILED", err.Code())
}
