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

	"github.com/shopspring/decimal"
)

func TestTransferCompletesAndConserves(t *testing.T) {
	l, st, pub := newLedger(t)
	ctx := context.Background()
	mustDeposit(t, l, "x", "100", "dx")
	mustDeposit(t, l, "y", "20", "dy")

	res, err := l.Transfer(ctx, "x", "y", amt(t, "30"), "t1")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.Status != domain.TransferCompleted || res.FromBalance != "70.0000" || res.ToBalance != "50.0000" {
		t.Fatalf("result = %+v", res)
	}

	again, err := l.Transfer(ctx, "x", "y", amt(t, "30"), "t1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if again != res {
		t.Fatalf("replay = %+v, want %+v", again, res)
	}
	if balanceOf(t, st, "x") != "70.0000" || balanceOf(t, st, "y") != "50.0000" {
		t.Fatalf("replay moved money: x=%s y=%s", balanceOf(t, st, "x"), balanceOf(t, st, "y"))
	}

	want := []domain.EventType{
		domain.EventWalletCreated, domain.EventWalletCreated,
		domain.EventTransferInitiated, domain.EventTransferDebited,
		domain.EventTransferCredited, domain.EventTransferCompleted,
	}
	if got := pub.types(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("published %v, want %v", got, want)
	}

	completed := pub.events[len(pub.events)-1]
	if completed.WalletID != "x" || completed.TransferID != res.TransferID {
		t.Fatalf("TransferCompleted = %+v", completed)
	}
	if completed.Payload["toWalletId"] != "y" || completed.Payload["amount"] != "30.0000" {
		t.Fatalf("TransferCompleted payload = %v", completed.Payload)
	}
}

func TestTransferCreatesRecipient(t *testing.T) {
	l, st, _ := newLedger(t)
	mustDeposit(t, l, "x", "10", "dx")

	res, err := l.Transfer(context.Background(), "x", "fresh", amt(t, "10"), "t1")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.Status != domain.TransferCompleted || res.ToBalance != "10.0000" || res.FromBalance != "0.0000" {
		t.Fatalf("result = %+v", res)
	}
	if balanceOf(t, st, "fresh") != "10.0000" {
		t.Fatalf("recipient balance = %s", balanceOf(t, st, "fresh"))
	}
}

func TestTransferToSelfRejectedBeforeAnyWrite(t *testing.T) {
	l, st, _ := newLedger(t)
	ctx := context.Background()

	_, err := l.Transfer(ctx, "w9", "w9", amt(t, "1"), "t1")
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("err = %v, want invalid request", err)
	}
	if _, err := st.TransferByRequest(ctx, "t1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("transfer row written: %v", err)
	}
	if n := len(st.Events()); n != 0 {
		t.Fatalf("events written: %d", n)
	}
}

func TestTransferDebitRejections(t *testing.T) {
	cases := []struct {
		name    string
		seed    string
		wantErr error
		wantMsg string
	}{
		{"insufficient", "5", domain.ErrInsufficientBalance, "Insufficient balance for transfer"},
		{"missing sender", "", domain.ErrNotFound, "Sender wallet not found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l, st, pub := newLedger(t)
			ctx := context.Background()
			if tc.seed != "" {
				mustDeposit(t, l, "x", tc.seed, "dx")
			}

			res, err := l.Transfer(ctx, "x", "y", amt(t, "10"), "t1")
			if !errors.Is(err, tc.wantErr) || err.Error() != tc.wantMsg {
				t.Fatalf("err = %v, want %q", err, tc.wantMsg)
			}
			if res.Status != domain.TransferFailed || res.LastError != tc.wantMsg {
				t.Fatalf("result = %+v", res)
			}

			_, again := l.Transfer(ctx, "x", "y", amt(t, "10"), "t1")
			if !errors.Is(again, tc.wantErr) || again.Error() != tc.wantMsg {
				t.Fatalf("replay err = %v", again)
			}

			tr, err := st.TransferByRequest(ctx, "t1")
			if err != nil || tr.Status != domain.TransferFailed {
				t.Fatalf("transfer = %+v, %v", tr, err)
			}
			if balanceOf(t, st, "y") != "missing" {
				t.Fatal("recipient created by a failed debit")
			}
			types := pub.types()
			if types[len(types)-1] != domain.EventTransferFailed {
				t.Fatalf("last event = %s, want TransferFailed", types[len(types)-1])
			}
		})
	}
}

func TestTransferCompensatesFailedCredit(t *testing.T) {
	st := &faultStore{Store: memstore.New(), refuseCredit: "y"}
	pub := &recordingPublisher{}
	l := ledger.New(st, pub, nil)
	ctx := context.Background()
	mustDeposit(t, l, "x", "100", "dx")

	res, err := l.Transfer(ctx, "x", "y", amt(t, "40"), "t1")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.Status != domain.TransferFailed || res.FromBalance != "100.0000" || res.ToBalance != "0.0000" {
		t.Fatalf("result = %+v", res)
	}
	if res.LastError != errCreditRefused.Error() {
		t.Fatalf("lastError = %q", res.LastError)
	}
	if balanceOf(t, st, "y") != "missing" {
		t.Fatal("recipient changed")
	}

	again, err := l.Transfer(ctx, "x", "y", amt(t, "40"), "t1")
	if err != nil || again != res {
		t.Fatalf("replay = %+v, %v", again, err)
	}
	if balanceOf(t, st, "x") != "100.0000" {
		t.Fatalf("sender = %s after replay", balanceOf(t, st, "x"))
	}

	op, err := st.Operation(ctx, "t1-compensate", "x")
	if err != nil || !op.Success || op.ErrorMessage != errCreditRefused.Error() {
		t.Fatalf("compensation op = %+v, %v", op, err)
	}

	var compensated, failed int
	for _, typ := range pub.types() {
		switch typ {
		case domain.EventTransferCompensated:
			compensated++
		case domain.EventTransferFailed:
			failed++
		case domain.EventTransferCredited, domain.EventTransferCompleted:
			t.Fatalf("unexpected %s", typ)
		}
	}
	if compensated != 1 || failed != 1 {
		t.Fatalf("compensated=%d failed=%d", compensated, failed)
	}
}

func TestTransferCompensationIrrecoverable(t *testing.T) {
	st := &faultStore{Store: memstore.New(), refuseCredit: "y", vanishOnRefusal: "x"}
	l := ledger.New(st, nil, nil)
	ctx := context.Background()
	mustDeposit(t, l, "x", "100", "dx")

	res, err := l.Transfer(ctx, "x", "y", amt(t, "40"), "t1")
	if !errors.Is(err, domain.ErrCompensationIrrecoverable) {
		t.Fatalf("err = %v, want compensation irrecoverable", err)
	}
	if res.Status != domain.TransferFailed {
		t.Fatalf("result = %+v", res)
	}

	tr, terr := st.TransferByRequest(ctx, "t1")
	if terr != nil || tr.Status != domain.TransferFailed || tr.LastError != errCreditRefused.Error() {
		t.Fatalf("transfer = %+v, %v", tr, terr)
	}
	// The underlying row still shows the debit: that is the gap being reported.
	if got := balanceOf(t, st.Store, "x"); got != "60.0000" {
		t.Fatalf("sender = %s, want 60.0000", got)
	}

	if _, err := l.Transfer(ctx, "x", "y", amt(t, "40"), "t1"); !errors.Is(err, domain.ErrCompensationIrrecoverable) {
		t.Fatalf("replay err = %v", err)
	}
}

func TestTransferResumesAfterCrashMidDebit(t *testing.T) {
	l, st, _ := newLedger(t)
	ctx := context.Background()
	mustDeposit(t, l, "x", "100", "dx")

	// Debit committed, status update lost.
	err := st.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		tr := domain.Transfer{FromWalletID: "x", ToWalletID: "y", Amount: amt(t, "40"), Status: domain.TransferInitiated, RequestID: "t1"}
		if err := tx.InsertTransfer(ctx, &tr); err != nil {
			return err
		}
		w, err := tx.LockWallet(ctx, "x")
		if err != nil {
			return err
		}
		w.Balance = w.Balance.Sub(tr.Amount)
		if err := tx.SaveWallet(ctx, w); err != nil {
			return err
		}
		return tx.InsertOperation(ctx, domain.Operation{
			RequestID:        "t1-debit",
			WalletID:         "x",
			Kind:             domain.OpTransferDebit,
			Success:          true,
			ResponseSnapshot: []byte(`{"fromBalance":"60.0000"}`),
		})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	res, err := l.Transfer(ctx, "x", "y", amt(t, "40"), "t1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.Status != domain.TransferCompleted || res.FromBalance != "60.0000" || res.ToBalance != "40.0000" {
		t.Fatalf("result = %+v", res)
	}
}

func TestTransferResumesFromDebited(t *testing.T) {
	l, st, _ := newLedger(t)
	ctx := context.Background()
	mustDeposit(t, l, "x", "100", "dx")

	err := st.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		tr := domain.Transfer{FromWalletID: "x", ToWalletID: "y", Amount: amt(t, "25"), Status: domain.TransferDebited, RequestID: "t1"}
		if err := tx.InsertTransfer(ctx, &tr); err != nil {
			return err
		}
		w, err := tx.LockWallet(ctx, "x")
		if err != nil {
			return err
		}
		w.Balance = w.Balance.Sub(tr.Amount)
		return tx.SaveWallet(ctx, w)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	res, err := l.Transfer(ctx, "x", "y", amt(t, "25"), "t1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.FromBalance != "75.0000" || res.ToBalance != "25.0000" || res.Status != domain.TransferCompleted {
		t.Fatalf("result = %+v", res)
	}
}

func TestTransferReusedRequestWithDifferentPayload(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()
	mustDeposit(t, l, "x", "100", "dx")

	if _, err := l.Transfer(ctx, "x", "y", amt(t, "10"), "t1"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if _, err := l.Transfer(ctx, "x", "z", amt(t, "10"), "t1"); !errors.Is(err, domain.ErrIdempotencyConflict) {
		t.Fatalf("err = %v, want idempotency conflict", err)
	}
}

func TestConcurrentOpposingTransfersConserveTotal(t *testing.T) {
	l, st, _ := newLedger(t)
	ctx := context.Background()
	mustDeposit(t, l, "a", "500", "da")
	mustDeposit(t, l, "b", "500", "db")

	const N = 40
	var wg sync.WaitGroup
	errs := make(chan error, N)
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := "a", "b"
			if i%2 == 1 {
				from, to = to, from
			}
			_, err := l.Transfer(ctx, from, to, decimal.NewFromInt(int64(i%7+1)), fmt.Sprintf("t-%d", i))
			if err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("transfer: %v", err)
	}

	a, _ := st.Wallet(ctx, "a")
	b, _ := st.Wallet(ctx, "b")
	if total := a.Balance.Add(b.Balance); !total.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("total = %s, want 1000", total)
	}
}
