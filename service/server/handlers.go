package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/brojonat/agentpay/service/db"
	"github.com/brojonat/agentpay/service/orchestrator"
	"github.com/brojonat/agentpay/service/txn"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/go-playground/validator/v10"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	defaultPageSize    = 20
	maxPageSize        = 100
)

// Transactions is the orchestrator surface the API drives.
type Transactions interface {
	Create(ctx context.Context, req orchestrator.CreateRequest) (*txn.Record, bool, error)
	Get(ctx context.Context, id string) (*txn.Record, error)
	List(ctx context.Context, filter txn.ListFilter) ([]*txn.Record, int, error)
	Retry(ctx context.Context, id string) (*txn.Record, error)
	ResolveApproval(ctx context.Context, id string, approved bool, reason string) (*txn.Record, error)
	Events(ctx context.Context, id string) ([]txn.Event, error)
}

// WalletStore is the wallet registry surface the API drives.
type WalletStore interface {
	UpsertWallet(ctx context.Context, params db.UpsertWalletParams) (*txn.Wallet, error)
	GetWallet(ctx context.Context, id string) (*txn.Wallet, error)
	SetWalletStatus(ctx context.Context, id string, status txn.WalletStatus) (*txn.Wallet, error)
	ListWallets(ctx context.Context) ([]*txn.Wallet, error)
}

var (
	_ Transactions = (*orchestrator.Orchestrator)(nil)
	_ WalletStore  = (*db.Store)(nil)
	_ WalletStore  = (*db.MemoryStore)(nil)
)

var requestValidator = newRequestValidator()

// newRequestValidator reports fields by their JSON names.
func newRequestValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type createTransactionRequest struct {
	WalletID       string               `json:"walletId" validate:"required,max=128"`
	AgentID        *string              `json:"agentId,omitempty" validate:"omitempty,min=1,max=128"`
	Type           txn.Type             `json:"type" validate:"required"`
	Instructions   []txn.RawInstruction `json:"instructions,omitempty" validate:"omitempty,max=64,dive"`
	Destination    string               `json:"destination,omitempty" validate:"omitempty,max=64"`
	Amount         *txn.Amount          `json:"amount,omitempty"`
	TokenMint      string               `json:"tokenMint,omitempty" validate:"omitempty,max=64"`
	Gasless        bool                 `json:"gasless,omitempty"`
	Urgency        txn.Urgency          `json:"urgency,omitempty" validate:"omitempty,oneof=low medium high max"`
	Metadata       map[string]any       `json:"metadata,omitempty"`
	IdempotencyKey *string              `json:"idempotencyKey,omitempty" validate:"omitempty,min=1,max=128"`
}

type approvalRequest struct {
	Approved *bool  `json:"approved" validate:"required"`
	Reason   string `json:"reason,omitempty" validate:"max=512"`
}

type registerWalletRequest struct {
	WalletID  string  `json:"walletId" validate:"required,max=128"`
	PublicKey string  `json:"publicKey" validate:"required,max=64"`
	AgentID   *string `json:"agentId,omitempty" validate:"omitempty,min=1,max=128"`
}

// handleCreateTransaction returns a handler that accepts a transaction request
// and runs the pipeline to its first stopping point before responding.
// POST /transactions
func handleCreateTransaction(txns Transactions, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req createTransactionRequest
		if !decodeRequest(w, r, &req, logger) {
			return
		}
		if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" && req.IdempotencyKey == nil {
			req.IdempotencyKey = &key
		}
		if req.IdempotencyKey != nil && len(*req.IdempotencyKey) > 128 {
			writeError(w, "idempotencyKey must be at most 128 characters", txn.KindValidation.Code(), http.StatusBadRequest)
			return
		}

		rec, created, err := txns.Create(r.Context(), orchestrator.CreateRequest{
			WalletID: req.WalletID,
			AgentID:  req.AgentID,
			Intent: txn.IntentSpec{
				Type:         req.Type,
				Destination:  req.Destination,
				Amount:       req.Amount,
				TokenMint:    req.TokenMint,
				Instructions: req.Instructions,
				Urgency:      req.Urgency,
			},
			Gasless:        req.Gasless,
			Metadata:       req.Metadata,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil && rec == nil {
			writeTxnError(w, r, err, logger)
			return
		}
		if err != nil {
			// The record exists and shows how far the pipeline got.
			logger.ErrorContext(r.Context(), "pipeline stopped on infrastructure error",
				"record_id", rec.ID,
				"status", rec.Status,
				"error", err,
			)
		}

		status := http.StatusCreated
		if !created {
			status = http.StatusOK
		}
		writeJSON(w, recordToResponse(rec), status)
	})
}

// handleGetTransaction returns a handler that retrieves one record.
// GET /transactions/{id}
func handleGetTransaction(txns Transactions, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec, err := txns.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			writeTxnError(w, r, err, logger)
			return
		}
		writeJSON(w, recordToResponse(rec), http.StatusOK)
	})
}

// handleRetryTransaction returns a handler that re-enters a failed record into retrying.
// POST /transactions/{id}/retry
func handleRetryTransaction(txns Transactions, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		rec, err := txns.Retry(r.Context(), id)
		if err != nil && rec == nil {
			writeTxnError(w, r, err, logger)
			return
		}
		if err != nil {
			logger.ErrorContext(r.Context(), "retry stopped on infrastructure error",
				"record_id", id,
				"status", rec.Status,
				"error", err,
			)
		}
		writeJSON(w, recordToResponse(rec), http.StatusOK)
	})
}

// handleResolveApproval returns a handler that applies a human approval decision.
// POST /transactions/{id}/approval
func handleResolveApproval(txns Transactions, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req approvalRequest
		if !decodeRequest(w, r, &req, logger) {
			return
		}

		id := r.PathValue("id")
		rec, err := txns.ResolveApproval(r.Context(), id, *req.Approved, req.Reason)
		if err != nil && rec == nil {
			writeTxnError(w, r, err, logger)
			return
		}
		if err != nil {
			logger.ErrorContext(r.Context(), "approved pipeline stopped on infrastructure error",
				"record_id", id,
				"status", rec.Status,
				"error", err,
			)
		}

		logger.InfoContext(r.Context(), "approval resolved",
			"record_id", id,
			"approved", *req.Approved,
			"status", rec.Status,
		)
		writeJSON(w, recordToResponse(rec), http.StatusOK)
	})
}

// handleListEvents returns a handler that lists a record's transition history, oldest first.
// GET /transactions/{id}/events
func handleListEvents(txns Transactions, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		events, err := txns.Events(r.Context(), r.PathValue("id"))
		if err != nil {
			writeTxnError(w, r, err, logger)
			return
		}

		resp := make([]eventResponse, len(events))
		for i, ev := range events {
			resp[i] = eventToResponse(ev)
		}
		writeJSON(w, map[string]any{
			"events": resp,
		}, http.StatusOK)
	})
}

// handleListWalletTransactions returns a handler that pages through a wallet's records.
// GET /wallets/{walletId}/transactions?page={n}&pageSize={n}&status={status}&type={type}
func handleListWalletTransactions(txns Transactions, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filter, err := parseListFilter(r)
		if err != nil {
			writeError(w, err.Error(), txn.KindValidation.Code(), http.StatusBadRequest)
			return
		}

		recs, total, err := txns.List(r.Context(), filter)
		if err != nil {
			writeTxnError(w, r, err, logger)
			return
		}

		resp := make([]transactionResponse, len(recs))
		for i, rec := range recs {
			resp[i] = recordToResponse(rec)
		}

		logger.DebugContext(r.Context(), "transactions listed",
			"wallet_id", filter.WalletID,
			"count", len(recs),
			"total", total,
		)
		writeJSON(w, listResponse{
			Transactions: resp,
			Total:        total,
			Page:         filter.Page,
			PageSize:     filter.PageSize,
			HasMore:      filter.Offset()+len(recs) < total,
		}, http.StatusOK)
	})
}

// parseListFilter reads paging and filter query parameters.
func parseListFilter(r *http.Request) (txn.ListFilter, error) {
	q := r.URL.Query()
	filter := txn.ListFilter{
		WalletID: r.PathValue("walletId"),
		Page:     1,
		PageSize: defaultPageSize,
	}

	if v := q.Get("page"); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil || page < 1 {
			return filter, errorf("invalid page: must be a positive integer")
		}
		filter.Page = page
	}
	if v := q.Get("pageSize"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil || size < 1 {
			return filter, errorf("invalid pageSize: must be a positive integer")
		}
		if size > maxPageSize {
			size = maxPageSize
		}
		filter.PageSize = size
	}
	if v := q.Get("status"); v != "" {
		status := txn.Status(v)
		if !status.Valid() {
			return filter, errorf("invalid status %q", v)
		}
		filter.Status = &status
	}
	if v := q.Get("type"); v != "" {
		typ := txn.Type(v)
		if !typ.Valid() {
			return filter, errorf("invalid type %q", v)
		}
		filter.Type = &typ
	}
	return filter, nil
}

// handleRegisterWallet returns a handler that registers or updates a wallet.
// POST /wallets
func handleRegisterWallet(wallets WalletStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req registerWalletRequest
		if !decodeRequest(w, r, &req, logger) {
			return
		}
		if _, err := solanago.PublicKeyFromBase58(req.PublicKey); err != nil {
			writeError(w, "invalid publicKey: must be a base58 Solana address", txn.KindValidation.Code(), http.StatusBadRequest)
			return
		}

		wallet, err := wallets.UpsertWallet(r.Context(), db.UpsertWalletParams{
			ID:        req.WalletID,
			PublicKey: req.PublicKey,
			AgentID:   req.AgentID,
		})
		if err != nil {
			writeTxnError(w, r, err, logger)
			return
		}

		logger.InfoContext(r.Context(), "wallet registered",
			"wallet_id", wallet.ID,
			"public_key", wallet.PublicKey,
			"status", wallet.Status,
		)
		writeJSON(w, walletToResponse(wallet), http.StatusOK)
	})
}

// handleGetWallet returns a handler that retrieves one wallet.
// GET /wallets/{walletId}
func handleGetWallet(wallets WalletStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wallet, err := wallets.GetWallet(r.Context(), r.PathValue("walletId"))
		if err != nil {
			writeTxnError(w, r, err, logger)
			return
		}
		writeJSON(w, walletToResponse(wallet), http.StatusOK)
	})
}

// handleListWallets returns a handler that lists all registered wallets.
// GET /wallets
func handleListWallets(wallets WalletStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		list, err := wallets.ListWallets(r.Context())
		if err != nil {
			writeTxnError(w, r, err, logger)
			return
		}
		resp := make([]walletResponse, len(list))
		for i, wallet := range list {
			resp[i] = walletToResponse(wallet)
		}
		writeJSON(w, map[string]any{
			"wallets": resp,
		}, http.StatusOK)
	})
}

// handleSetWalletStatus returns a handler that suspends or reactivates a wallet.
// POST /wallets/{walletId}/suspend, POST /wallets/{walletId}/activate
func handleSetWalletStatus(wallets WalletStore, status txn.WalletStatus, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("walletId")
		wallet, err := wallets.SetWalletStatus(r.Context(), id, status)
		if err != nil {
			writeTxnError(w, r, err, logger)
			return
		}
		logger.InfoContext(r.Context(), "wallet status changed",
			"wallet_id", id,
			"status", status,
		)
		writeJSON(w, walletToResponse(wallet), http.StatusOK)
	})
}

// decodeRequest decodes and validates a JSON body into dst, writing the error
// response itself when it returns false.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst any, logger *slog.Logger) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		logger.DebugContext(r.Context(), "failed to decode request", "error", err)
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, "request body too large: maximum size is 1MB", txn.KindValidation.Code(), http.StatusBadRequest)
			return false
		}
		writeError(w, "invalid request body: must be valid JSON", txn.KindValidation.Code(), http.StatusBadRequest)
		return false
	}

	if err := requestValidator.Struct(dst); err != nil {
		logger.DebugContext(r.Context(), "request failed validation", "error", err)
		writeError(w, describeValidation(err), txn.KindValidation.Code(), http.StatusBadRequest)
		return false
	}
	return true
}

// describeValidation renders validator errors as one readable message.
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s long", fe.Field(), fe.Param()))
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s long", fe.Field(), fe.Param()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid", fe.Field()))
		}
	}
	return strings.Join(msgs, "; ")
}

// writeTxnError maps orchestration errors to their status and code. Anything
// untyped is logged and reported as an internal error.
func writeTxnError(w http.ResponseWriter, r *http.Request, err error, logger *slog.Logger) {
	var terr *txn.Error
	if errors.As(err, &terr) {
		if len(terr.Reasons) > 0 {
			writeJSON(w, errorResponse{
				Error:   terr.Error(),
				Code:    terr.Code(),
				Reasons: terr.Reasons,
			}, terr.Kind.HTTPStatus())
			return
		}
		writeError(w, terr.Error(), terr.Code(), terr.Kind.HTTPStatus())
		return
	}

	logger.ErrorContext(r.Context(), "request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"error", err,
	)
	writeError(w, "internal server error", "INTERNAL_ERROR", http.StatusInternalServerError)
}

type errorResponse struct {
	Error   string   `json:"error"`
	Code    string   `json:"code"`
	Reasons []string `json:"reasons,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, code string, statusCode int) {
	writeJSON(w, errorResponse{Error: message, Code: code}, statusCode)
}

// validationError is a plain request error.
type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}

func errorf(format string, args ...interface{}) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}
