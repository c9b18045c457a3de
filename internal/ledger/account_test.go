package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/ledger"
	"wallet-ledger/internal/store/memstore"
)

func TestDepositCreatesWalletThenReplays(t *testing.T) {
	l, st, pub := newLedger(t)
	ctx := context.Background()

	first := mustDeposit(t, l, "w1", "100", "r1")
	if first.Balance != "100.0000" || !first.Created {
		t.Fatalf("first deposit = %+v", first)
	}

	again := mustDeposit(t, l, "w1", "100", "r1")
	if again != first {
		t.Fatalf("replay = %+v, want %+v", again, first)
	}
	if got := balanceOf(t, st, "w1"); got != "100.0000" {
		t.Fatalf("balance = %s, want 100.0000", got)
	}

	next := mustDeposit(t, l, "w1", "25.5", "r2")
	if next.Balance != "125.5000" || next.Created {
		t.Fatalf("second deposit = %+v", next)
	}

	op, err := st.Operation(ctx, "r1", "w1")
	if err != nil {
		t.Fatalf("operation: %v", err)
	}
	if string(op.ResponseSnapshot) != `{"balance":"100.0000","created":true}` {
		t.Fatalf("snapshot = %s", op.ResponseSnapshot)
	}

	want := []domain.EventType{domain.EventWalletCreated, domain.EventFundsDeposited}
	if got := pub.types(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("published %v, want %v", got, want)
	}
}

func TestDepositReusedRequestWithDifferentAmount(t *testing.T) {
	l, st, _ := newLedger(t)
	mustDeposit(t, l, "w1", "100", "r1")

	_, err := l.Deposit(context.Background(), "w1", amt(t, "90"), "r1")
	if !errors.Is(err, domain.ErrIdempotencyConflict) {
		t.Fatalf("err = %v, want idempotency conflict", err)
	}
	if got := balanceOf(t, st, "w1"); got != "100.0000" {
		t.Fatalf("balance = %s", got)
	}
}

func TestWithdrawRejectionIsRecorded(t *testing.T) {
	l, st, pub := newLedger(t)
	ctx := context.Background()
	mustDeposit(t, l, "w1", "50", "d1")

	_, err := l.Withdraw(ctx, "w1", amt(t, "100"), "x1")
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want insufficient balance", err)
	}
	if err.Error() != "Insufficient balance" {
		t.Fatalf("message = %q", err.Error())
	}

	// Enough funds now, but x1 already failed and must not be re-attempted.
	mustDeposit(t, l, "w1", "100", "d2")
	_, again := l.Withdraw(ctx, "w1", amt(t, "100"), "x1")
	if !errors.Is(again, domain.ErrInsufficientBalance) || again.Error() != err.Error() {
		t.Fatalf("replayed err = %v, want %v", again, err)
	}
	if got := balanceOf(t, st, "w1"); got != "150.0000" {
		t.Fatalf("balance = %s, want 150.0000", got)
	}

	op, opErr := st.Operation(ctx, "x1", "w1")
	if opErr != nil || op.Success || op.ErrorCode != domain.CodeInsufficientBalance {
		t.Fatalf("operation = %+v, %v", op, opErr)
	}
	for _, typ := range pub.types() {
		if typ == domain.EventFundsWithdrawn {
			t.Fatal("rejected withdrawal published an event")
		}
	}
}

func TestWithdrawMissingWallet(t *testing.T) {
	l, st, _ := newLedger(t)

	_, err := l.Withdraw(context.Background(), "ghost", amt(t, "1"), "x1")
	if !errors.Is(err, domain.ErrNotFound) || err.Error() != "Wallet not found" {
		t.Fatalf("err = %v, want Wallet not found", err)
	}
	if got := balanceOf(t, st, "ghost"); got != "missing" {
		t.Fatalf("withdraw created wallet with balance %s", got)
	}
}

func TestWithdrawApplies(t *testing.T) {
	l, _, pub := newLedger(t)
	mustDeposit(t, l, "w1", "100", "d1")

	res, err := l.Withdraw(context.Background(), "w1", amt(t, "0.0001"), "x1")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if res.Balance != "99.9999" || res.Created {
		t.Fatalf("withdraw = %+v", res)
	}
	types := pub.types()
	if types[len(types)-1] != domain.EventFundsWithdrawn {
		t.Fatalf("last event %s", types[len(types)-1])
	}
}

func TestBalanceChangeValidation(t *testing.T) {
	l, st, _ := newLedger(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		walletID string
		amount   string
		request  string
	}{
		{"zero", "w1", "0", "r1"},
		{"negative", "w1", "-5", "r1"},
		{"too precise", "w1", "1.00001", "r1"},
		{"no wallet", " ", "1", "r1"},
		{"no request", "w1", "1", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := l.Deposit(ctx, tc.walletID, amt(t, tc.amount), tc.request); !errors.Is(err, domain.ErrInvalidRequest) {
				t.Fatalf("deposit err = %v", err)
			}
			if _, err := l.Withdraw(ctx, tc.walletID, amt(t, tc.amount), tc.request); !errors.Is(err, domain.ErrInvalidRequest) {
				t.Fatalf("withdraw err = %v", err)
			}
		})
	}
	if n := len(st.Events()); n != 0 {
		t.Fatalf("validation failures wrote %d events", n)
	}
}

func TestConcurrentWithdrawalsOneWins(t *testing.T) {
	l, st, _ := newLedger(t)
	ctx := context.Background()
	mustDeposit(t, l, "w1", "100", "seed")

	const N = 50
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		ok           int
		insufficient int
		other        []error
	)
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Withdraw(ctx, "w1", amt(t, "100"), fmt.Sprintf("x-%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrInsufficientBalance):
				insufficient++
			default:
				other = append(other, err)
			}
		}(i)
	}
	wg.Wait()

	if len(other) > 0 {
		t.Fatalf("unexpected errors: %v", other)
	}
	if ok != 1 || insufficient != N-1 {
		t.Fatalf("ok=%d insufficient=%d, want 1 and %d", ok, insufficient, N-1)
	}
	if got := balanceOf(t, st, "w1"); got != "0.0000" {
		t.Fatalf("balance = %s, want 0.0000", got)
	}
}

func TestConcurrentDuplicateDepositsApplyOnce(t *testing.T) {
	l, st, _ := newLedger(t)
	ctx := context.Background()

	const N = 20
	results := make([]domain.BalanceResult, N)
	errs := make([]error, N)
	var wg sync.WaitGroup
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = l.Deposit(ctx, "w1", amt(t, "10"), "same")
		}(i)
	}
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("deposit %d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("result %d = %+v, want %+v", i, results[i], results[0])
		}
	}
	if got := balanceOf(t, st, "w1"); got != "10.0000" {
		t.Fatalf("balance = %s, want 10.0000", got)
	}
}

func TestPublishFailureKeepsCommittedDeposit(t *testing.T) {
	st := memstore.New()
	pub := &recordingPublisher{fail: errors.New("broker down")}
	l := ledger.New(st, pub, nil)

	res, err := l.Deposit(context.Background(), "w1", amt(t, "10"), "r1")
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if res.Balance != "10.0000" {
		t.Fatalf("balance = %s", res.Balance)
	}
	if got := balanceOf(t, st, "w1"); got != "10.0000" {
		t.Fatalf("stored balance = %s", got)
	}
	if n := len(st.Events()); n != 1 {
		t.Fatalf("stored events = %d, want 1", n)
	}
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string][2]string
	gets    int
}

func (c *mapCache) Get(_ context.Context, walletID, requestID string) (string, []byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	e, ok := c.entries[walletID+"/"+requestID]
	if !ok {
		return "", nil, false
	}
	return e[0], []byte(e[1]), true
}

func (c *mapCache) Set(_ context.Context, walletID, requestID, hash string, snapshot []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[walletID+"/"+requestID] = [2]string{hash, string(snapshot)}
}

func TestReplayCacheServesDuplicates(t *testing.T) {
	st := memstore.New()
	cache := &mapCache{entries: map[string][2]string{}}
	l := ledger.New(st, nil, nil, ledger.WithReplayCache(cache))
	ctx := context.Background()

	first, err := l.Deposit(ctx, "w1", amt(t, "5"), "r1")
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if len(cache.entries) != 1 {
		t.Fatalf("cache entries = %d, want 1", len(cache.entries))
	}

	again, err := l.Deposit(ctx, "w1", amt(t, "5"), "r1")
	if err != nil || again != first {
		t.Fatalf("cached replay = %+v, %v", again, err)
	}
	if _, err := l.Deposit(ctx, "w1", amt(t, "6"), "r1"); !errors.Is(err, domain.ErrIdempotencyConflict) {
		t.Fatalf("cached conflict err = %v", err)
	}
	if got := balanceOf(t, st, "w1"); got != "5.0000" {
		t.Fatalf("balance = %s", got)
	}
}
