package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/ledger"
	"wallet-ledger/internal/projector"
	"wallet-ledger/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("LEDGER_DB_DSN")
	if dsn == "" {
		t.Skip("missing LEDGER_DB_DSN")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Close() })
	if _, err := store.Migrate(ctx, pool); err != nil {
		t.Fatal(err)
	}
	return pool
}

type collect struct{ events []domain.Event }

func (c *collect) Publish(_ context.Context, e domain.Event) error {
	c.events = append(c.events, e)
	return nil
}

func TestTransferSagaAndProjection(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	st := store.New(pool)
	pub := &collect{}
	l := ledger.New(st, pub, nil)
	p := projector.New(st, nil)

	x, y := "x-"+uuid.NewString(), "y-"+uuid.NewString()
	if _, err := l.Deposit(ctx, x, decimal.NewFromInt(100), "dx"); err != nil {
		t.Fatal(err)
	}

	req := "t-" + uuid.NewString()
	res, err := l.Transfer(ctx, x, y, decimal.NewFromInt(30), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.TransferCompleted || res.FromBalance != "70.0000" || res.ToBalance != "30.0000" {
		t.Fatalf("transfer = %+v", res)
	}

	// Replay is a no-op.
	again, err := l.Transfer(ctx, x, y, decimal.NewFromInt(30), req)
	if err != nil {
		t.Fatal(err)
	}
	if again != res {
		t.Fatalf("replay = %+v, want %+v", again, res)
	}

	// Deliver everything twice.
	for round := 0; round < 2; round++ {
		for _, e := range pub.events {
			if err := p.Handle(ctx, e.Message()); err != nil {
				t.Fatalf("project %s: %v", e.Type, err)
			}
		}
	}

	sx, err := st.Stats(ctx, x)
	if err != nil {
		t.Fatal(err)
	}
	if !sx.TotalDeposited.Equal(decimal.NewFromInt(100)) || !sx.TotalTransferredOut.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("sender stats = %+v", sx)
	}
	sy, err := st.Stats(ctx, y)
	if err != nil {
		t.Fatal(err)
	}
	if !sy.TotalTransferredIn.Equal(decimal.NewFromInt(30)) || !sy.TotalDeposited.IsZero() {
		t.Fatalf("recipient stats = %+v", sy)
	}

	history, err := l.History(ctx, x, 0, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(history) == 0 || history[0].Type != domain.EventTransferCompleted {
		t.Fatalf("history head = %+v", history)
	}

	gaps, err := st.Reconcile(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, g := range gaps {
		if g.Ref == res.TransferID {
			t.Fatalf("transfer reported as gap: %s", g)
		}
	}
}

func TestTransferDebitRejectedOnPostgres(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	l := ledger.New(store.New(pool), nil, nil)

	x := "poor-" + uuid.NewString()
	if _, err := l.Deposit(ctx, x, decimal.NewFromInt(1), "dx"); err != nil {
		t.Fatal(err)
	}
	res, err := l.Transfer(ctx, x, "y-"+uuid.NewString(), decimal.NewFromInt(2), "t-"+uuid.NewString())
	if err == nil || err.Error() != "Insufficient balance for transfer" {
		t.Fatalf("err = %v", err)
	}
	if res.Status != domain.TransferFailed || res.FromBalance != "1.0000" || res.ToBalance != "0.0000" {
		t.Fatalf("result = %+v", res)
	}
}
