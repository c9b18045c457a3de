package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/ledger"
	"wallet-ledger/internal/projector"

	"github.com/shopspring/decimal"
)

func TestRollbackDiscardsWrites(t *testing.T) {
	s := New()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		w, created, err := tx.EnsureWallet(ctx, "w1")
		if err != nil || !created {
			t.Fatalf("ensure = %v, %v", created, err)
		}
		w.Balance = decimal.NewFromInt(5)
		if err := tx.SaveWallet(ctx, w); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, &domain.Event{Type: domain.EventWalletCreated, WalletID: "w1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if _, err := s.Wallet(ctx, "w1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("wallet survived rollback: %v", err)
	}
	if n := len(s.Events()); n != 0 {
		t.Fatalf("events survived rollback: %d", n)
	}
}

func TestConstraints(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		w, _, err := tx.EnsureWallet(ctx, "w1")
		if err != nil {
			return err
		}
		w.Balance = decimal.NewFromInt(-1)
		return tx.SaveWallet(ctx, w)
	})
	if !errors.Is(err, errNegativeBalance) {
		t.Fatalf("negative balance err = %v", err)
	}

	op := domain.Operation{RequestID: "r1", WalletID: "w1", Kind: domain.OpDeposit, Success: true}
	err = s.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if err := tx.InsertOperation(ctx, op); err != nil {
			return err
		}
		return tx.InsertOperation(ctx, op)
	})
	if !errors.Is(err, errDuplicate) {
		t.Fatalf("duplicate operation err = %v", err)
	}
}

func TestHistoryAndCountWindow(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	s := New(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		now = base.Add(time.Duration(i) * 30 * time.Second)
		err := s.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
			return tx.AppendEvent(ctx, &domain.Event{Type: domain.EventFundsWithdrawn, WalletID: "w1"})
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	events, err := s.History(ctx, "w1", time.Time{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 4 || !events[0].CreatedAt.Equal(base.Add(90*time.Second)) {
		t.Fatalf("history = %+v", events)
	}

	var n int
	err = s.InProjectionTx(ctx, func(ctx context.Context, tx projector.Tx) error {
		var err error
		n, err = tx.CountEvents(ctx, "w1", domain.EventFundsWithdrawn, base.Add(30*time.Second), base.Add(90*time.Second))
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	// (30s, 90s] holds the events at 60s and 90s.
	if n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
}
