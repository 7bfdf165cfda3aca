package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/brojonat/agentpay/service/metrics"
	"github.com/brojonat/agentpay/service/txn"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Store provides Postgres persistence for wallets, transaction records and
// their event history.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// If metrics is nil, no query metrics are recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{pool: pool, metrics: m}
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// observe is deferred with a pointer to the named error result.
func (s *Store) observe(operation, table string, start time.Time, err *error) {
	s.metrics.RecordDBQuery(operation, table, time.Since(start).Seconds(), *err)
}

// UpsertWalletParams contains the parameters for registering a wallet.
type UpsertWalletParams struct {
	ID        string
	PublicKey string
	AgentID   *string
}

const walletColumns = `id, public_key, agent_id, status, created_at, updated_at`

// UpsertWallet registers a wallet or updates its public key and agent.
// Status is preserved on update.
func (s *Store) UpsertWallet(ctx context.Context, params UpsertWalletParams) (w *txn.Wallet, err error) {
	defer s.observe("upsert", "wallets", time.Now(), &err)

	row := s.pool.QueryRow(ctx, `
		INSERT INTO wallets (id, public_key, agent_id, status)
		VALUES ($1, $2, $3, 'active')
		ON CONFLICT (id) DO UPDATE
		SET public_key = EXCLUDED.public_key, agent_id = EXCLUDED.agent_id, updated_at = now()
		RETURNING `+walletColumns,
		params.ID, params.PublicKey, pgtextFromStringPtr(params.AgentID),
	)
	return scanWallet(row)
}

// GetWallet retrieves a wallet by id.
func (s *Store) GetWallet(ctx context.Context, id string) (w *txn.Wallet, err error) {
	defer s.observe("get", "wallets", time.Now(), &err)

	row := s.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id)
	w, err = scanWallet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, txn.Errorf(txn.KindWalletNotFound, "wallet %s not found", id)
	}
	return w, err
}

// SetWalletStatus suspends or activates a wallet.
func (s *Store) SetWalletStatus(ctx context.Context, id string, status txn.WalletStatus) (w *txn.Wallet, err error) {
	defer s.observe("update_status", "wallets", time.Now(), &err)

	row := s.pool.QueryRow(ctx, `
		UPDATE wallets SET status = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+walletColumns,
		id, string(status),
	)
	w, err = scanWallet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, txn.Errorf(txn.KindWalletNotFound, "wallet %s not found", id)
	}
	return w, err
}

// ListWallets returns every registered wallet ordered by id.
func (s *Store) ListWallets(ctx context.Context) (out []*txn.Wallet, err error) {
	defer s.observe("list", "wallets", time.Now(), &err)

	rows, err := s.pool.Query(ctx, `SELECT `+walletColumns+` FROM wallets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

const recordColumns = `id, wallet_id, agent_id, type, status, intent, instructions, signature,
	fee_lamports, gasless, metadata, error_message, retry_count, idempotency_key,
	created_at, updated_at, confirmed_at, pending_signature, last_valid_block_height`

// CreateRecord inserts rec together with its creation event. If the record's
// (wallet, idempotency key) already exists, nothing is written and the existing
// record is returned with created=false.
func (s *Store) CreateRecord(ctx context.Context, rec *txn.Record, ev txn.Event) (out *txn.Record, created bool, err error) {
	defer s.observe("create", "transaction_records", time.Now(), &err)

	args, err := recordArgs(rec)
	if err != nil {
		return nil, false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO transaction_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (wallet_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING`,
		args...,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := scanRecord(tx.QueryRow(ctx,
			`SELECT `+recordColumns+` FROM transaction_records WHERE wallet_id = $1 AND idempotency_key = $2`,
			rec.WalletID, *rec.IdempotencyKey,
		))
		if err != nil {
			return nil, false, fmt.Errorf("failed to load existing record: %w", err)
		}
		return existing, false, nil
	}

	if err := insertEvent(ctx, tx, ev); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit: %w", err)
	}
	return rec.Clone(), true, nil
}

// UpdateRecord persists rec and appends ev in one transaction. The write only
// applies if the stored status still equals expected; otherwise it returns
// txn.ErrConcurrentUpdate and changes nothing.
func (s *Store) UpdateRecord(ctx context.Context, rec *txn.Record, expected txn.Status, ev txn.Event) (err error) {
	defer s.observe("update", "transaction_records", time.Now(), &err)

	instructions, err := json.Marshal(nonNilInstructions(rec.Instructions))
	if err != nil {
		return fmt.Errorf("failed to encode instructions: %w", err)
	}
	metadata, err := json.Marshal(nonNilMetadata(rec.Metadata))
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE transaction_records
		SET status = $2, instructions = $3, signature = $4, fee_lamports = $5, metadata = $6,
		    error_message = $7, retry_count = $8, confirmed_at = $9, updated_at = $10,
		    pending_signature = $12, last_valid_block_height = $13
		WHERE id = $1 AND status = $11`,
		rec.ID,
		string(rec.Status),
		instructions,
		pgtextFromStringPtr(rec.Signature),
		pgint8FromAmount(rec.FeeLamports),
		metadata,
		pgtextFromStringPtr(rec.ErrorMessage),
		rec.RetryCount,
		pgTimestamptzFromTimePtr(rec.ConfirmedAt),
		rec.UpdatedAt,
		string(expected),
		pgtextFromStringPtr(rec.PendingSignature),
		pgint8FromUint64Ptr(rec.LastValidBlockHeight),
	)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return txn.ErrConcurrentUpdate
	}

	if err := insertEvent(ctx, tx, ev); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// GetRecord retrieves a record by id.
func (s *Store) GetRecord(ctx context.Context, id string) (rec *txn.Record, err error) {
	defer s.observe("get", "transaction_records", time.Now(), &err)

	rec, err = scanRecord(s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM transaction_records WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, txn.Errorf(txn.KindNotFound, "transaction %s not found", id)
	}
	return rec, err
}

// GetRecordByIdempotencyKey finds the record created for (walletID, key).
func (s *Store) GetRecordByIdempotencyKey(ctx context.Context, walletID, key string) (rec *txn.Record, err error) {
	defer s.observe("get_by_idempotency_key", "transaction_records", time.Now(), &err)

	rec, err = scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM transaction_records WHERE wallet_id = $1 AND idempotency_key = $2`,
		walletID, key,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, txn.Errorf(txn.KindNotFound, "no transaction for idempotency key %s", key)
	}
	return rec, err
}

// ListRecords returns one page of records, newest first, and the total count
// matching the filter. An empty WalletID lists across wallets.
func (s *Store) ListRecords(ctx context.Context, filter txn.ListFilter) (out []*txn.Record, total int, err error) {
	defer s.observe("list", "transaction_records", time.Now(), &err)

	var where []string
	var args []any
	if filter.WalletID != "" {
		args = append(args, filter.WalletID)
		where = append(where, fmt.Sprintf("wallet_id = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Type != nil {
		args = append(args, string(*filter.Type))
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM transaction_records`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count records: %w", err)
	}

	pageArgs := append(append([]any(nil), args...), filter.PageSize, filter.Offset())
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM transaction_records`+clause+
			fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2),
		pageArgs...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

// ListStaleRecords returns records in one of statuses not updated since before.
func (s *Store) ListStaleRecords(ctx context.Context, statuses []txn.Status, before time.Time, limit int) (out []*txn.Record, err error) {
	defer s.observe("list_stale", "transaction_records", time.Now(), &err)

	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM transaction_records
		 WHERE status = ANY($1) AND updated_at < $2
		 ORDER BY updated_at
		 LIMIT $3`,
		names, before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListEvents returns the event history of a record, oldest first.
func (s *Store) ListEvents(ctx context.Context, recordID string) (out []txn.Event, err error) {
	defer s.observe("list", "transaction_events", time.Now(), &err)

	rows, err := s.pool.Query(ctx, `
		SELECT id, record_id, wallet_id, from_status, to_status, signature, error_message, retry_count, created_at
		FROM transaction_events
		WHERE record_id = $1
		ORDER BY id`,
		recordID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ev        txn.Event
			from      pgtype.Text
			to        string
			signature pgtype.Text
			errMsg    pgtype.Text
			createdAt pgtype.Timestamptz
		)
		if err := rows.Scan(&ev.ID, &ev.RecordID, &ev.WalletID, &from, &to, &signature, &errMsg, &ev.RetryCount, &createdAt); err != nil {
			return nil, err
		}
		if from.Valid {
			st := txn.Status(from.String)
			ev.FromStatus = &st
		}
		ev.ToStatus = txn.Status(to)
		ev.Signature = stringPtrFromPgtext(signature)
		ev.ErrorMessage = stringPtrFromPgtext(errMsg)
		ev.CreatedAt = createdAt.Time
		out = append(out, ev)
	}
	return out, rows.Err()
}

func insertEvent(ctx context.Context, tx pgx.Tx, ev txn.Event) error {
	var from pgtype.Text
	if ev.FromStatus != nil {
		from = pgtype.Text{String: string(*ev.FromStatus), Valid: true}
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO transaction_events (record_id, wallet_id, from_status, to_status, signature, error_message, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.RecordID, ev.WalletID, from, string(ev.ToStatus),
		pgtextFromStringPtr(ev.Signature), pgtextFromStringPtr(ev.ErrorMessage),
		ev.RetryCount, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func recordArgs(rec *txn.Record) ([]any, error) {
	intent, err := json.Marshal(rec.Intent)
	if err != nil {
		return nil, fmt.Errorf("failed to encode intent: %w", err)
	}
	instructions, err := json.Marshal(nonNilInstructions(rec.Instructions))
	if err != nil {
		return nil, fmt.Errorf("failed to encode instructions: %w", err)
	}
	metadata, err := json.Marshal(nonNilMetadata(rec.Metadata))
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return []any{
		rec.ID,
		rec.WalletID,
		pgtextFromStringPtr(rec.AgentID),
		string(rec.Type),
		string(rec.Status),
		intent,
		instructions,
		pgtextFromStringPtr(rec.Signature),
		pgint8FromAmount(rec.FeeLamports),
		rec.Gasless,
		metadata,
		pgtextFromStringPtr(rec.ErrorMessage),
		rec.RetryCount,
		pgtextFromStringPtr(rec.IdempotencyKey),
		rec.CreatedAt,
		rec.UpdatedAt,
		pgTimestamptzFromTimePtr(rec.ConfirmedAt),
		pgtextFromStringPtr(rec.PendingSignature),
		pgint8FromUint64Ptr(rec.LastValidBlockHeight),
	}, nil
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanWallet(row rowScanner) (*txn.Wallet, error) {
	var (
		w         txn.Wallet
		agentID   pgtype.Text
		status    string
		createdAt pgtype.Timestamptz
		updatedAt pgtype.Timestamptz
	)
	if err := row.Scan(&w.ID, &w.PublicKey, &agentID, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	w.AgentID = stringPtrFromPgtext(agentID)
	w.Status = txn.WalletStatus(status)
	w.CreatedAt = createdAt.Time
	w.UpdatedAt = updatedAt.Time
	return &w, nil
}

func scanRecord(row rowScanner) (*txn.Record, error) {
	var (
		rec            txn.Record
		agentID        pgtype.Text
		typ, status    string
		intent         []byte
		instructions   []byte
		signature      pgtype.Text
		fee            pgtype.Int8
		metadata       []byte
		errMsg         pgtype.Text
		idempotencyKey pgtype.Text
		createdAt      pgtype.Timestamptz
		updatedAt      pgtype.Timestamptz
		confirmedAt    pgtype.Timestamptz
		pending        pgtype.Text
		lastValid      pgtype.Int8
	)
	if err := row.Scan(
		&rec.ID, &rec.WalletID, &agentID, &typ, &status, &intent, &instructions, &signature,
		&fee, &rec.Gasless, &metadata, &errMsg, &rec.RetryCount, &idempotencyKey,
		&createdAt, &updatedAt, &confirmedAt, &pending, &lastValid,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(intent, &rec.Intent); err != nil {
		return nil, fmt.Errorf("failed to decode intent of %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal(instructions, &rec.Instructions); err != nil {
		return nil, fmt.Errorf("failed to decode instructions of %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata of %s: %w", rec.ID, err)
	}

	rec.AgentID = stringPtrFromPgtext(agentID)
	rec.Type = txn.Type(typ)
	rec.Status = txn.Status(status)
	rec.Signature = stringPtrFromPgtext(signature)
	rec.FeeLamports = amountFromPgint8(fee)
	rec.ErrorMessage = stringPtrFromPgtext(errMsg)
	rec.IdempotencyKey = stringPtrFromPgtext(idempotencyKey)
	rec.CreatedAt = createdAt.Time
	rec.UpdatedAt = updatedAt.Time
	rec.ConfirmedAt = timePtrFromPgTimestamptz(confirmedAt)
	rec.PendingSignature = stringPtrFromPgtext(pending)
	rec.LastValidBlockHeight = uint64PtrFromPgint8(lastValid)
	return &rec, nil
}

func nonNilInstructions(in []txn.InstructionSummary) []txn.InstructionSummary {
	if in == nil {
		return []txn.InstructionSummary{}
	}
	return in
}

func nonNilMetadata(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	return in
}

func pgtextFromStringPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}

func pgint8FromAmount(a *txn.Amount) pgtype.Int8 {
	if a == nil {
		return pgtype.Int8{Valid: false}
	}
	return pgtype.Int8{Int64: int64(*a), Valid: true}
}

func amountFromPgint8(i pgtype.Int8) *txn.Amount {
	if !i.Valid {
		return nil
	}
	a := txn.Amount(i.Int64)
	return &a
}

func pgint8FromUint64Ptr(v *uint64) pgtype.Int8 {
	if v == nil {
		return pgtype.Int8{Valid: false}
	}
	return pgtype.Int8{Int64: int64(*v), Valid: true}
}

func uint64PtrFromPgint8(i pgtype.Int8) *uint64 {
	if !i.Valid {
		return nil
	}
	v := uint64(i.Int64)
	return &v
}

func pgTimestamptzFromTimePtr(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{Valid: false}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func timePtrFromPgTimestamptz(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
