package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/metrics"

	"github.com/shopspring/decimal"
)

const (
	msgWalletNotFound      = "Wallet not found"
	msgInsufficientBalance = "Insufficient balance"
)

type balanceChange struct {
	kind      domain.OperationKind
	walletID  string
	requestID string
	amount    decimal.Decimal
}

// Deposit credits amount to walletID, creating the wallet on first use.
// Repeating a requestID returns the first response without re-applying.
func (l *Ledger) Deposit(ctx context.Context, walletID string, amount decimal.Decimal, requestID string) (domain.BalanceResult, error) {
	return l.apply(ctx, balanceChange{kind: domain.OpDeposit, walletID: walletID, requestID: requestID, amount: amount})
}

// Withdraw debits amount from walletID. A rejection is recorded against the
// requestID, so retrying it returns the same error rather than trying again.
func (l *Ledger) Withdraw(ctx context.Context, walletID string, amount decimal.Decimal, requestID string) (domain.BalanceResult, error) {
	return l.apply(ctx, balanceChange{kind: domain.OpWithdraw, walletID: walletID, requestID: requestID, amount: amount})
}

func (l *Ledger) apply(ctx context.Context, c balanceChange) (domain.BalanceResult, error) {
	if err := validateRef("walletId", c.walletID); err != nil {
		return domain.BalanceResult{}, err
	}
	if err := validateRef("requestId", c.requestID); err != nil {
		return domain.BalanceResult{}, err
	}
	if err := domain.ValidateAmount(c.amount); err != nil {
		return domain.BalanceResult{}, err
	}

	hash, err := requestHash(requestShape{
		Kind:     c.kind,
		WalletID: c.walletID,
		Amount:   domain.FormatAmount(c.amount),
	})
	if err != nil {
		return domain.BalanceResult{}, err
	}

	if res, ok, err := l.replayCached(ctx, c, hash); ok {
		return res, err
	}
	existing, err := l.store.Operation(ctx, c.requestID, c.walletID)
	if err == nil {
		return l.replay(ctx, c, hash, existing)
	}
	if !isNotFound(err) {
		return domain.BalanceResult{}, err
	}

	var (
		replayed *domain.Operation
		rejected error
		snapshot json.RawMessage
		events   []domain.Event
	)
	err = l.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		replayed, rejected, snapshot, events = nil, nil, nil, nil

		if err := tx.LockKey(ctx, opLockKey(c.walletID, c.requestID)); err != nil {
			return err
		}
		op, err := tx.Operation(ctx, c.requestID, c.walletID)
		if err == nil {
			replayed = &op
			return nil
		}
		if !isNotFound(err) {
			return err
		}

		base := domain.Operation{
			RequestID:   c.requestID,
			WalletID:    c.walletID,
			Kind:        c.kind,
			RequestHash: hash,
		}

		var (
			w       domain.Wallet
			created bool
		)
		if c.kind == domain.OpDeposit {
			w, created, err = tx.EnsureWallet(ctx, c.walletID)
			if err != nil {
				return err
			}
			w.Balance = w.Balance.Add(c.amount)
		} else {
			w, err = tx.LockWallet(ctx, c.walletID)
			if isNotFound(err) {
				rejected, err = recordFailure(ctx, tx, base, domain.CodeNotFound, msgWalletNotFound)
				return err
			}
			if err != nil {
				return err
			}
			if w.Balance.LessThan(c.amount) {
				rejected, err = recordFailure(ctx, tx, base, domain.CodeInsufficientBalance, msgInsufficientBalance)
				return err
			}
			w.Balance = w.Balance.Sub(c.amount)
		}

		if err := tx.SaveWallet(ctx, w); err != nil {
			return err
		}

		ev := domain.Event{
			Type:     eventTypeFor(c.kind, created),
			WalletID: w.ID,
			Payload: map[string]any{
				"walletId":   w.ID,
				"amount":     domain.FormatAmount(c.amount),
				"newBalance": domain.FormatAmount(w.Balance),
				"requestId":  c.requestID,
			},
		}
		if err := tx.AppendEvent(ctx, &ev); err != nil {
			return err
		}
		events = append(events, ev)

		snapshot, err = canonicalJSON(domain.BalanceResult{
			Balance: domain.FormatAmount(w.Balance),
			Created: created,
		})
		if err != nil {
			return err
		}

		op = base
		op.Success = true
		op.ResponseSnapshot = snapshot
		return tx.InsertOperation(ctx, op)
	})
	if err != nil {
		metrics.LedgerOperations.WithLabelValues(string(c.kind), "error").Inc()
		return domain.BalanceResult{}, err
	}

	if replayed != nil {
		return l.replay(ctx, c, hash, *replayed)
	}
	if rejected != nil {
		metrics.LedgerOperations.WithLabelValues(string(c.kind), "rejected").Inc()
		return domain.BalanceResult{}, rejected
	}

	metrics.LedgerOperations.WithLabelValues(string(c.kind), "applied").Inc()
	if l.cache != nil {
		l.cache.Set(ctx, c.walletID, c.requestID, hash, snapshot)
	}
	l.publish(ctx, events)
	return decodeBalance(snapshot)
}

// recordFailure writes the failed Operation on the caller's transaction so
// the rejection commits atomically with the decision not to mutate.
func recordFailure(ctx context.Context, tx Tx, base domain.Operation, code domain.ErrorCode, msg string) (error, error) {
	op := base
	op.Success = false
	op.ErrorCode = code
	op.ErrorMessage = msg
	if err := tx.InsertOperation(ctx, op); err != nil {
		return nil, err
	}
	return op.Failure(), nil
}

func (l *Ledger) replayCached(ctx context.Context, c balanceChange, hash string) (domain.BalanceResult, bool, error) {
	if l.cache == nil {
		return domain.BalanceResult{}, false, nil
	}
	cachedHash, snapshot, ok := l.cache.Get(ctx, c.walletID, c.requestID)
	if !ok {
		return domain.BalanceResult{}, false, nil
	}
	metrics.LedgerOperations.WithLabelValues(string(c.kind), "replayed").Inc()
	if cachedHash != hash {
		return domain.BalanceResult{}, true, domain.ErrIdempotencyConflict
	}
	res, err := decodeBalance(snapshot)
	return res, true, err
}

func (l *Ledger) replay(ctx context.Context, c balanceChange, hash string, op domain.Operation) (domain.BalanceResult, error) {
	metrics.LedgerOperations.WithLabelValues(string(c.kind), "replayed").Inc()
	if op.Kind != c.kind || op.RequestHash != hash {
		return domain.BalanceResult{}, domain.ErrIdempotencyConflict
	}
	if !op.Success {
		return domain.BalanceResult{}, op.Failure()
	}
	if l.cache != nil {
		l.cache.Set(ctx, c.walletID, c.requestID, hash, op.ResponseSnapshot)
	}
	return decodeBalance(op.ResponseSnapshot)
}

func decodeBalance(snapshot []byte) (domain.BalanceResult, error) {
	var res domain.BalanceResult
	if err := json.Unmarshal(snapshot, &res); err != nil {
		return domain.BalanceResult{}, fmt.Errorf("decode response snapshot: %w", err)
	}
	return res, nil
}

func eventTypeFor(kind domain.OperationKind, created bool) domain.EventType {
	switch {
	case kind == domain.OpWithdraw:
		return domain.EventFundsWithdrawn
	case created:
		return domain.EventWalletCreated
	default:
		return domain.EventFundsDeposited
	}
}
