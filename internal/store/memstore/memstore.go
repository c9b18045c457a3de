// Package memstore keeps ledger and projection state in memory. Transactions
// are serialized and run against a copy of the state that replaces it on
// commit, so a failed transaction leaves nothing behind.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/ledger"
	"wallet-ledger/internal/projector"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

var (
	errDuplicate       = errors.New("memstore: duplicate key")
	errNegativeBalance = errors.New("memstore: balance below zero")
)

type opKey struct{ requestID, walletID string }

type state struct {
	wallets       map[string]domain.Wallet
	operations    map[opKey]domain.Operation
	transfers     map[string]domain.Transfer
	transferByReq map[string]string
	events        []domain.Event
	eventIdx      map[string]int
	processed     map[string]domain.ProcessedEvent
	stats         map[string]domain.WalletStats
}

func newState() *state {
	return &state{
		wallets:       map[string]domain.Wallet{},
		operations:    map[opKey]domain.Operation{},
		transfers:     map[string]domain.Transfer{},
		transferByReq: map[string]string{},
		eventIdx:      map[string]int{},
		processed:     map[string]domain.ProcessedEvent{},
		stats:         map[string]domain.WalletStats{},
	}
}

func (s *state) clone() *state {
	c := &state{
		wallets:       make(map[string]domain.Wallet, len(s.wallets)),
		operations:    make(map[opKey]domain.Operation, len(s.operations)),
		transfers:     make(map[string]domain.Transfer, len(s.transfers)),
		transferByReq: make(map[string]string, len(s.transferByReq)),
		events:        append([]domain.Event(nil), s.events...),
		eventIdx:      make(map[string]int, len(s.eventIdx)),
		processed:     make(map[string]domain.ProcessedEvent, len(s.processed)),
		stats:         make(map[string]domain.WalletStats, len(s.stats)),
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	for k, v := range s.operations {
		c.operations[k] = v
	}
	for k, v := range s.transfers {
		c.transfers[k] = v
	}
	for k, v := range s.transferByReq {
		c.transferByReq[k] = v
	}
	for k, v := range s.eventIdx {
		c.eventIdx[k] = v
	}
	for k, v := range s.processed {
		c.processed[k] = v
	}
	for k, v := range s.stats {
		c.stats[k] = v
	}
	return c
}

type Store struct {
	txMu sync.Mutex

	mu  sync.RWMutex
	st  *state
	now func() time.Time
}

type Option func(*Store)

// WithClock sets the clock used for created/updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{st: newState(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	_ ledger.Store    = (*Store)(nil)
	_ projector.Store = (*Store)(nil)
	_ ledger.Tx       = (*tx)(nil)
	_ projector.Tx    = (*tx)(nil)
)

func (s *Store) begin(ctx context.Context, fn func(t *tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	work := s.st.clone()
	s.mu.RUnlock()

	if err := fn(&tx{st: work, now: s.now}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.st = work
	s.mu.Unlock()
	return nil
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	return s.begin(ctx, func(t *tx) error { return fn(ctx, t) })
}

func (s *Store) InProjectionTx(ctx context.Context, fn func(ctx context.Context, tx projector.Tx) error) error {
	return s.begin(ctx, func(t *tx) error { return fn(ctx, t) })
}

func (s *Store) read() *state {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st
}

func (s *Store) Wallet(_ context.Context, id string) (domain.Wallet, error) {
	return s.read().wallet(id)
}

func (s *Store) Operation(_ context.Context, requestID, walletID string) (domain.Operation, error) {
	return s.read().operation(requestID, walletID)
}

func (s *Store) TransferByRequest(_ context.Context, requestID string) (domain.Transfer, error) {
	return s.read().transferByRequest(requestID)
}

func (s *Store) History(_ context.Context, walletID string, before time.Time, limit int) ([]domain.Event, error) {
	st := s.read()
	var out []domain.Event
	for _, e := range st.events {
		if e.WalletID != walletID {
			continue
		}
		if !before.IsZero() && !e.CreatedAt.Before(before) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Stats(_ context.Context, walletID string) (domain.WalletStats, error) {
	st, ok := s.read().stats[walletID]
	if !ok {
		return domain.WalletStats{}, fmt.Errorf("stats %s: %w", walletID, domain.ErrNotFound)
	}
	return st, nil
}

// Events returns every stored event in append order.
func (s *Store) Events() []domain.Event {
	return append([]domain.Event(nil), s.read().events...)
}

// ProcessedEvent returns the dedup record for eventID.
func (s *Store) ProcessedEvent(eventID string) (domain.ProcessedEvent, bool) {
	pe, ok := s.read().processed[eventID]
	return pe, ok
}

func (st *state) wallet(id string) (domain.Wallet, error) {
	w, ok := st.wallets[id]
	if !ok {
		return domain.Wallet{}, fmt.Errorf("wallet %s: %w", id, domain.ErrNotFound)
	}
	return w, nil
}

func (st *state) operation(requestID, walletID string) (domain.Operation, error) {
	op, ok := st.operations[opKey{requestID, walletID}]
	if !ok {
		return domain.Operation{}, fmt.Errorf("operation %s/%s: %w", requestID, walletID, domain.ErrNotFound)
	}
	return op, nil
}

func (st *state) transferByRequest(requestID string) (domain.Transfer, error) {
	id, ok := st.transferByReq[requestID]
	if !ok {
		return domain.Transfer{}, fmt.Errorf("transfer for request %s: %w", requestID, domain.ErrNotFound)
	}
	return st.transfers[id], nil
}

type tx struct {
	st  *state
	now func() time.Time
}

// LockKey is a no-op: transactions are already serialized.
func (t *tx) LockKey(context.Context, string) error { return nil }

func (t *tx) LockWallet(_ context.Context, id string) (domain.Wallet, error) {
	return t.st.wallet(id)
}

func (t *tx) EnsureWallet(_ context.Context, id string) (domain.Wallet, bool, error) {
	if w, ok := t.st.wallets[id]; ok {
		return w, false, nil
	}
	now := t.now().UTC()
	w := domain.Wallet{ID: id, Balance: decimal.Zero, CreatedAt: now, UpdatedAt: now}
	t.st.wallets[id] = w
	return w, true, nil
}

func (t *tx) SaveWallet(_ context.Context, w domain.Wallet) error {
	if w.Balance.IsNegative() {
		return fmt.Errorf("wallet %s: %w", w.ID, errNegativeBalance)
	}
	if _, ok := t.st.wallets[w.ID]; !ok {
		return fmt.Errorf("wallet %s: %w", w.ID, domain.ErrNotFound)
	}
	w.UpdatedAt = t.now().UTC()
	t.st.wallets[w.ID] = w
	return nil
}

func (t *tx) Operation(_ context.Context, requestID, walletID string) (domain.Operation, error) {
	return t.st.operation(requestID, walletID)
}

func (t *tx) InsertOperation(_ context.Context, op domain.Operation) error {
	k := opKey{op.RequestID, op.WalletID}
	if _, ok := t.st.operations[k]; ok {
		return fmt.Errorf("operation %s/%s: %w", op.RequestID, op.WalletID, errDuplicate)
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	op.CreatedAt = t.now().UTC()
	t.st.operations[k] = op
	return nil
}

func (t *tx) TransferByRequest(_ context.Context, requestID string) (domain.Transfer, error) {
	return t.st.transferByRequest(requestID)
}

func (t *tx) LockTransfer(_ context.Context, id string) (domain.Transfer, error) {
	tr, ok := t.st.transfers[id]
	if !ok {
		return domain.Transfer{}, fmt.Errorf("transfer %s: %w", id, domain.ErrNotFound)
	}
	return tr, nil
}

func (t *tx) InsertTransfer(_ context.Context, tr *domain.Transfer) error {
	if _, ok := t.st.transferByReq[tr.RequestID]; ok {
		return fmt.Errorf("transfer for request %s: %w", tr.RequestID, errDuplicate)
	}
	now := t.now().UTC()
	tr.ID = uuid.NewString()
	tr.CreatedAt = now
	tr.UpdatedAt = now
	t.st.transfers[tr.ID] = *tr
	t.st.transferByReq[tr.RequestID] = tr.ID
	return nil
}

func (t *tx) SaveTransfer(_ context.Context, tr domain.Transfer) error {
	if _, ok := t.st.transfers[tr.ID]; !ok {
		return fmt.Errorf("transfer %s: %w", tr.ID, domain.ErrNotFound)
	}
	tr.UpdatedAt = t.now().UTC()
	t.st.transfers[tr.ID] = tr
	return nil
}

func (t *tx) AppendEvent(_ context.Context, e *domain.Event) error {
	e.ID = ulid.Make().String()
	e.CreatedAt = t.now().UTC()
	t.st.eventIdx[e.ID] = len(t.st.events)
	t.st.events = append(t.st.events, *e)
	return nil
}

func (t *tx) ProcessedEvent(_ context.Context, eventID string) (domain.ProcessedEvent, error) {
	pe, ok := t.st.processed[eventID]
	if !ok {
		return domain.ProcessedEvent{}, fmt.Errorf("processed event %s: %w", eventID, domain.ErrNotFound)
	}
	return pe, nil
}

func (t *tx) SaveProcessedEvent(_ context.Context, pe domain.ProcessedEvent) error {
	t.st.processed[pe.EventID] = pe
	return nil
}

func (t *tx) Event(_ context.Context, id string) (domain.Event, error) {
	i, ok := t.st.eventIdx[id]
	if !ok {
		return domain.Event{}, fmt.Errorf("event %s: %w", id, domain.ErrNotFound)
	}
	return t.st.events[i], nil
}

func (t *tx) CountEvents(_ context.Context, walletID string, typ domain.EventType, after, until time.Time) (int, error) {
	n := 0
	for _, e := range t.st.events {
		if e.WalletID == walletID && e.Type == typ && e.CreatedAt.After(after) && !e.CreatedAt.After(until) {
			n++
		}
	}
	return n, nil
}

func (t *tx) LockStats(_ context.Context, walletID string) (domain.WalletStats, error) {
	if s, ok := t.st.stats[walletID]; ok {
		return s, nil
	}
	s := domain.NewWalletStats(walletID)
	t.st.stats[walletID] = s
	return s, nil
}

func (t *tx) SaveStats(_ context.Context, s domain.WalletStats) error {
	t.st.stats[s.WalletID] = s
	return nil
}
