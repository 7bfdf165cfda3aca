package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/brojonat/agentpay/service/txn"
)

// MemoryStore is an in-process implementation of the Store API for tests and
// local development. It enforces the same idempotency and optimistic update
// rules as the Postgres store.
type MemoryStore struct {
	mu      sync.Mutex
	wallets map[string]*txn.Wallet
	records map[string]*txn.Record
	order   []string
	events  map[string][]txn.Event
	nextEv  int64
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*txn.Wallet),
		records: make(map[string]*txn.Record),
		events:  make(map[string][]txn.Event),
		now:     time.Now,
	}
}

func (m *MemoryStore) UpsertWallet(ctx context.Context, params UpsertWalletParams) (*txn.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.wallets[params.ID]
	if !ok {
		w = &txn.Wallet{ID: params.ID, Status: txn.WalletActive, CreatedAt: now}
		m.wallets[params.ID] = w
	}
	w.PublicKey = params.PublicKey
	w.AgentID = params.AgentID
	w.UpdatedAt = now
	c := *w
	return &c, nil
}

func (m *MemoryStore) GetWallet(ctx context.Context, id string) (*txn.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[id]
	if !ok {
		return nil, txn.Errorf(txn.KindWalletNotFound, "wallet %s not found", id)
	}
	c := *w
	return &c, nil
}

func (m *MemoryStore) SetWalletStatus(ctx context.Context, id string, status txn.WalletStatus) (*txn.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[id]
	if !ok {
		return nil, txn.Errorf(txn.KindWalletNotFound, "wallet %s not found", id)
	}
	w.Status = status
	w.UpdatedAt = m.now()
	c := *w
	return &c, nil
}

func (m *MemoryStore) ListWallets(ctx context.Context) ([]*txn.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*txn.Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		c := *w
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CreateRecord(ctx context.Context, rec *txn.Record, ev txn.Event) (*txn.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.wallets[rec.WalletID]; !ok {
		return nil, false, txn.Errorf(txn.KindWalletNotFound, "wallet %s not found", rec.WalletID)
	}
	if rec.IdempotencyKey != nil {
		for _, existing := range m.records {
			if existing.WalletID == rec.WalletID && existing.IdempotencyKey != nil && *existing.IdempotencyKey == *rec.IdempotencyKey {
				return existing.Clone(), false, nil
			}
		}
	}

	m.records[rec.ID] = rec.Clone()
	m.order = append(m.order, rec.ID)
	m.appendEvent(ev)
	return rec.Clone(), true, nil
}

func (m *MemoryStore) UpdateRecord(ctx context.Context, rec *txn.Record, expected txn.Status, ev txn.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.records[rec.ID]
	if !ok {
		return txn.Errorf(txn.KindNotFound, "transaction %s not found", rec.ID)
	}
	if stored.Status != expected {
		return txn.ErrConcurrentUpdate
	}
	m.records[rec.ID] = rec.Clone()
	m.appendEvent(ev)
	return nil
}

func (m *MemoryStore) appendEvent(ev txn.Event) {
	m.nextEv++
	ev.ID = m.nextEv
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = m.now()
	}
	m.events[ev.RecordID] = append(m.events[ev.RecordID], ev)
}

func (m *MemoryStore) GetRecord(ctx context.Context, id string) (*txn.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, txn.Errorf(txn.KindNotFound, "transaction %s not found", id)
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) GetRecordByIdempotencyKey(ctx context.Context, walletID, key string) (*txn.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.records {
		if rec.WalletID == walletID && rec.IdempotencyKey != nil && *rec.IdempotencyKey == key {
			return rec.Clone(), nil
		}
	}
	return nil, txn.Errorf(txn.KindNotFound, "no transaction for idempotency key %s", key)
}

func (m *MemoryStore) ListRecords(ctx context.Context, filter txn.ListFilter) ([]*txn.Record, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*txn.Record
	for i := len(m.order) - 1; i >= 0; i-- {
		rec := m.records[m.order[i]]
		if filter.WalletID != "" && rec.WalletID != filter.WalletID {
			continue
		}
		if filter.Status != nil && rec.Status != *filter.Status {
			continue
		}
		if filter.Type != nil && rec.Type != *filter.Type {
			continue
		}
		matched = append(matched, rec)
	}

	total := len(matched)
	start := filter.Offset()
	if start > total {
		start = total
	}
	end := total
	if filter.PageSize > 0 && start+filter.PageSize < total {
		end = start + filter.PageSize
	}

	out := make([]*txn.Record, 0, end-start)
	for _, rec := range matched[start:end] {
		out = append(out, rec.Clone())
	}
	return out, total, nil
}

func (m *MemoryStore) ListStaleRecords(ctx context.Context, statuses []txn.Status, before time.Time, limit int) ([]*txn.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[txn.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	var out []*txn.Record
	for _, id := range m.order {
		rec := m.records[id]
		if want[rec.Status] && rec.UpdatedAt.Before(before) {
			out = append(out, rec.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, recordID string) ([]txn.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]txn.Event(nil), m.events[recordID]...), nil
}
