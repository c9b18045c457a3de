package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/ledger"
	"wallet-ledger/internal/store/memstore"

	"github.com/shopspring/decimal"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
	fail   error
}

func (p *recordingPublisher) Publish(_ context.Context, e domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// stepClock advances one second per reading.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

// faultStore wraps memstore to break specific steps of a transfer.
type faultStore struct {
	*memstore.Store

	mu sync.Mutex
	// refuseCredit makes EnsureWallet fail for this wallet id.
	refuseCredit string
	// vanishOnRefusal hides this wallet from LockWallet once a credit has
	// been refused.
	vanishOnRefusal string
	vanished        bool
}

var errCreditRefused = errors.New("credit refused")

func (f *faultStore) InTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	return f.Store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		return fn(ctx, &faultTx{Tx: tx, f: f})
	})
}

type faultTx struct {
	ledger.Tx
	f *faultStore
}

func (t *faultTx) EnsureWallet(ctx context.Context, id string) (domain.Wallet, bool, error) {
	t.f.mu.Lock()
	refuse := id == t.f.refuseCredit
	if refuse && t.f.vanishOnRefusal != "" {
		t.f.vanished = true
	}
	t.f.mu.Unlock()
	if refuse {
		return domain.Wallet{}, false, errCreditRefused
	}
	return t.Tx.EnsureWallet(ctx, id)
}

func (t *faultTx) LockWallet(ctx context.Context, id string) (domain.Wallet, error) {
	t.f.mu.Lock()
	hidden := t.f.vanished && id == t.f.vanishOnRefusal
	t.f.mu.Unlock()
	if hidden {
		return domain.Wallet{}, fmt.Errorf("wallet %s: %w", id, domain.ErrNotFound)
	}
	return t.Tx.LockWallet(ctx, id)
}

func amt(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("amount %q: %v", s, err)
	}
	return d
}

func newLedger(t *testing.T) (*ledger.Ledger, *memstore.Store, *recordingPublisher) {
	t.Helper()
	st := memstore.New(memstore.WithClock(newStepClock().Now))
	pub := &recordingPublisher{}
	return ledger.New(st, pub, nil), st, pub
}

func mustDeposit(t *testing.T, l *ledger.Ledger, walletID, amount, requestID string) domain.BalanceResult {
	t.Helper()
	res, err := l.Deposit(context.Background(), walletID, amt(t, amount), requestID)
	if err != nil {
		t.Fatalf("deposit %s %s: %v", walletID, amount, err)
	}
	return res
}

func balanceOf(t *testing.T, st ledger.Store, walletID string) string {
	t.Helper()
	w, err := st.Wallet(context.Background(), walletID)
	if errors.Is(err, domain.ErrNotFound) {
		return "missing"
	}
	if err != nil {
		t.Fatalf("wallet %s: %v", walletID, err)
	}
	return domain.FormatAmount(w.Balance)
}
