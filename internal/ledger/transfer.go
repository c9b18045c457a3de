package ledger

import (
	"context"
	"fmt"

	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/metrics"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	msgSenderNotFound          = "Sender wallet not found"
	msgInsufficientForTransfer = "Insufficient balance for transfer"

	// maxSagaSteps bounds the orchestration loop: initiate, debit, credit
	// and compensate each move the status forward at most once.
	maxSagaSteps = 4
)

type stepOutcome int

const (
	// stepApplied means the step committed (or had already been applied) and
	// the returned transfer carries the new status.
	stepApplied stepOutcome = iota
	// stepRejected means the step committed a business rejection. The
	// transfer is Failed and err is the recorded OperationError.
	stepRejected
	// stepFatal means the step could not commit its intended effect. err says
	// why; the transfer status in the store is whatever it was before, except
	// for an irrecoverable compensation, which leaves it Failed.
	stepFatal
)

type stepResult struct {
	outcome  stepOutcome
	transfer domain.Transfer
	err      error
}

func applied(t domain.Transfer) stepResult { return stepResult{outcome: stepApplied, transfer: t} }

func fatal(t domain.Transfer, err error) stepResult {
	return stepResult{outcome: stepFatal, transfer: t, err: err}
}

func stepKey(requestID, step string) string { return requestID + "-" + step }

// Transfer moves amount from one wallet to another through the
// debit→credit saga, compensating the sender if the credit cannot be applied.
// Calling it again with the same requestID resumes the saga where it stopped
// and never re-applies a completed step.
func (l *Ledger) Transfer(ctx context.Context, fromWalletID, toWalletID string, amount decimal.Decimal, requestID string) (domain.TransferResult, error) {
	if err := validateRef("fromWalletId", fromWalletID); err != nil {
		return domain.TransferResult{}, err
	}
	if err := validateRef("toWalletId", toWalletID); err != nil {
		return domain.TransferResult{}, err
	}
	if err := validateRef("requestId", requestID); err != nil {
		return domain.TransferResult{}, err
	}
	if fromWalletID == toWalletID {
		return domain.TransferResult{}, fmt.Errorf("%w: cannot transfer to the same wallet", domain.ErrInvalidRequest)
	}
	if err := domain.ValidateAmount(amount); err != nil {
		return domain.TransferResult{}, err
	}

	t, err := l.initiate(ctx, fromWalletID, toWalletID, amount, requestID)
	if err != nil {
		return domain.TransferResult{}, err
	}

	for i := 0; i < maxSagaSteps; i++ {
		var r stepResult
		switch t.Status {
		case domain.TransferCompleted:
			metrics.LedgerOperations.WithLabelValues("Transfer", "applied").Inc()
			return l.transferResult(ctx, t)

		case domain.TransferFailed:
			return l.failedOutcome(ctx, t)

		case domain.TransferInitiated:
			r = l.debit(ctx, t)

		case domain.TransferDebited:
			r = l.credit(ctx, t)
			if r.outcome != stepApplied {
				l.log.Warn("transfer credit failed, compensating",
					zap.String("transfer_id", t.ID),
					zap.Error(r.err),
				)
				r = l.compensate(ctx, t, r.err)
			}

		default:
			return domain.TransferResult{}, fmt.Errorf("transfer %s has unknown status %q", t.ID, t.Status)
		}

		switch r.outcome {
		case stepApplied:
			t = r.transfer
		case stepRejected:
			metrics.LedgerOperations.WithLabelValues("Transfer", "rejected").Inc()
			res, err := l.transferResult(ctx, r.transfer)
			if err != nil {
				return domain.TransferResult{}, err
			}
			return res, r.err
		default:
			metrics.LedgerOperations.WithLabelValues("Transfer", "error").Inc()
			if r.transfer.Status == domain.TransferFailed {
				res, err := l.transferResult(ctx, r.transfer)
				if err != nil {
					return domain.TransferResult{}, err
				}
				return res, r.err
			}
			return domain.TransferResult{}, r.err
		}
	}
	return domain.TransferResult{}, fmt.Errorf("transfer %s did not settle, status %q", t.ID, t.Status)
}

// initiate returns the Transfer for requestID, creating it in Initiated with
// a TransferInitiated event the first time.
func (l *Ledger) initiate(ctx context.Context, from, to string, amount decimal.Decimal, requestID string) (domain.Transfer, error) {
	t, err := l.store.TransferByRequest(ctx, requestID)
	if err == nil {
		return t, sameTransfer(t, from, to, amount)
	}
	if !isNotFound(err) {
		return domain.Transfer{}, err
	}

	var events []domain.Event
	err = l.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		events = nil

		if err := tx.LockKey(ctx, "transfer:"+requestID); err != nil {
			return err
		}
		existing, err := tx.TransferByRequest(ctx, requestID)
		if err == nil {
			t = existing
			return nil
		}
		if !isNotFound(err) {
			return err
		}

		t = domain.Transfer{
			FromWalletID: from,
			ToWalletID:   to,
			Amount:       amount,
			Status:       domain.TransferInitiated,
			RequestID:    requestID,
		}
		if err := tx.InsertTransfer(ctx, &t); err != nil {
			return err
		}

		ev := domain.Event{
			Type:       domain.EventTransferInitiated,
			WalletID:   from,
			TransferID: t.ID,
			Payload: map[string]any{
				"transferId":   t.ID,
				"fromWalletId": from,
				"toWalletId":   to,
				"amount":       domain.FormatAmount(amount),
				"requestId":    requestID,
			},
		}
		if err := tx.AppendEvent(ctx, &ev); err != nil {
			return err
		}
		events = append(events, ev)
		return nil
	})
	if err != nil {
		return domain.Transfer{}, err
	}
	l.publish(ctx, events)
	return t, sameTransfer(t, from, to, amount)
}

func sameTransfer(t domain.Transfer, from, to string, amount decimal.Decimal) error {
	if t.FromWalletID != from || t.ToWalletID != to || !t.Amount.Equal(amount) {
		return domain.ErrIdempotencyConflict
	}
	return nil
}

func transferPayload(t domain.Transfer) map[string]any {
	return map[string]any{
		"transferId":   t.ID,
		"fromWalletId": t.FromWalletID,
		"toWalletId":   t.ToWalletID,
		"amount":       domain.FormatAmount(t.Amount),
	}
}

func stepHash(t domain.Transfer, kind domain.OperationKind, walletID string) (string, error) {
	return requestHash(requestShape{
		Kind:     kind,
		WalletID: walletID,
		Amount:   domain.FormatAmount(t.Amount),
		Transfer: t.ID,
	})
}

// debit takes the amount from the sender. A debit Operation that already
// succeeded only advances the status; this repairs a transfer left in
// Initiated after its debit committed.
func (l *Ledger) debit(ctx context.Context, t domain.Transfer) stepResult {
	key := stepKey(t.RequestID, "debit")
	hash, err := stepHash(t, domain.OpTransferDebit, t.FromWalletID)
	if err != nil {
		return fatal(t, err)
	}

	var (
		res    stepResult
		events []domain.Event
	)
	err = l.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		events = nil

		cur, err := tx.LockTransfer(ctx, t.ID)
		if err != nil {
			return err
		}
		if cur.Status != domain.TransferInitiated {
			res = applied(cur)
			return nil
		}

		op, err := tx.Operation(ctx, key, cur.FromWalletID)
		if err == nil {
			if op.Success {
				cur.Status = domain.TransferDebited
				cur.LastError = ""
				res = applied(cur)
				return tx.SaveTransfer(ctx, cur)
			}
			res, err = l.failTransfer(ctx, tx, cur, op.Failure(), &events)
			return err
		}
		if !isNotFound(err) {
			return err
		}

		base := domain.Operation{
			RequestID:   key,
			WalletID:    cur.FromWalletID,
			Kind:        domain.OpTransferDebit,
			RequestHash: hash,
		}

		w, err := tx.LockWallet(ctx, cur.FromWalletID)
		if isNotFound(err) {
			rejection, err := recordFailure(ctx, tx, base, domain.CodeNotFound, msgSenderNotFound)
			if err != nil {
				return err
			}
			res, err = l.failTransfer(ctx, tx, cur, rejection, &events)
			return err
		}
		if err != nil {
			return err
		}
		if w.Balance.LessThan(cur.Amount) {
			rejection, err := recordFailure(ctx, tx, base, domain.CodeInsufficientBalance, msgInsufficientForTransfer)
			if err != nil {
				return err
			}
			res, err = l.failTransfer(ctx, tx, cur, rejection, &events)
			return err
		}

		w.Balance = w.Balance.Sub(cur.Amount)
		if err := tx.SaveWallet(ctx, w); err != nil {
			return err
		}

		payload := transferPayload(cur)
		payload["newBalance"] = domain.FormatAmount(w.Balance)
		ev := domain.Event{
			Type:       domain.EventTransferDebited,
			WalletID:   w.ID,
			TransferID: cur.ID,
			Payload:    payload,
		}
		if err := tx.AppendEvent(ctx, &ev); err != nil {
			return err
		}
		events = append(events, ev)

		snapshot, err := canonicalJSON(map[string]string{"fromBalance": domain.FormatAmount(w.Balance)})
		if err != nil {
			return err
		}
		op = base
		op.Success = true
		op.ResponseSnapshot = snapshot
		if err := tx.InsertOperation(ctx, op); err != nil {
			return err
		}

		cur.Status = domain.TransferDebited
		cur.LastError = ""
		if err := tx.SaveTransfer(ctx, cur); err != nil {
			return err
		}
		res = applied(cur)
		return nil
	})
	if err != nil {
		return fatal(t, err)
	}
	l.publish(ctx, events)
	return res
}

// failTransfer moves cur to Failed on tx for a rejected debit.
func (l *Ledger) failTransfer(ctx context.Context, tx Tx, cur domain.Transfer, rejection error, events *[]domain.Event) (stepResult, error) {
	cur.Status = domain.TransferFailed
	cur.LastError = rejection.Error()
	if err := tx.SaveTransfer(ctx, cur); err != nil {
		return stepResult{}, err
	}
	ev, err := appendFailed(ctx, tx, cur)
	if err != nil {
		return stepResult{}, err
	}
	*events = append(*events, ev)
	return stepResult{outcome: stepRejected, transfer: cur, err: rejection}, nil
}

func appendFailed(ctx context.Context, tx Tx, t domain.Transfer) (domain.Event, error) {
	payload := transferPayload(t)
	payload["reason"] = t.LastError
	ev := domain.Event{
		Type:       domain.EventTransferFailed,
		WalletID:   t.FromWalletID,
		TransferID: t.ID,
		Payload:    payload,
	}
	err := tx.AppendEvent(ctx, &ev)
	return ev, err
}

// credit pays the recipient, creating its wallet if needed, and completes
// the transfer. Any error leaves the transfer Debited.
func (l *Ledger) credit(ctx context.Context, t domain.Transfer) stepResult {
	key := stepKey(t.RequestID, "credit")
	hash, err := stepHash(t, domain.OpTransferCredit, t.ToWalletID)
	if err != nil {
		return fatal(t, err)
	}

	var (
		res    stepResult
		events []domain.Event
	)
	err = l.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		events = nil

		cur, err := tx.LockTransfer(ctx, t.ID)
		if err != nil {
			return err
		}
		if cur.Status != domain.TransferDebited {
			res = applied(cur)
			return nil
		}

		op, err := tx.Operation(ctx, key, cur.ToWalletID)
		if err == nil && op.Success {
			cur.Status = domain.TransferCompleted
			cur.LastError = ""
			res = applied(cur)
			return tx.SaveTransfer(ctx, cur)
		}
		if err != nil && !isNotFound(err) {
			return err
		}

		w, _, err := tx.EnsureWallet(ctx, cur.ToWalletID)
		if err != nil {
			return err
		}
		w.Balance = w.Balance.Add(cur.Amount)
		if err := tx.SaveWallet(ctx, w); err != nil {
			return err
		}

		payload := transferPayload(cur)
		payload["newBalance"] = domain.FormatAmount(w.Balance)
		credited := domain.Event{
			Type:       domain.EventTransferCredited,
			WalletID:   w.ID,
			TransferID: cur.ID,
			Payload:    payload,
		}
		if err := tx.AppendEvent(ctx, &credited); err != nil {
			return err
		}

		snapshot, err := canonicalJSON(map[string]string{"toBalance": domain.FormatAmount(w.Balance)})
		if err != nil {
			return err
		}
		if err := tx.InsertOperation(ctx, domain.Operation{
			RequestID:        key,
			WalletID:         cur.ToWalletID,
			Kind:             domain.OpTransferCredit,
			RequestHash:      hash,
			Success:          true,
			ResponseSnapshot: snapshot,
		}); err != nil {
			return err
		}

		cur.Status = domain.TransferCompleted
		cur.LastError = ""
		if err := tx.SaveTransfer(ctx, cur); err != nil {
			return err
		}

		completed := domain.Event{
			Type:       domain.EventTransferCompleted,
			WalletID:   cur.FromWalletID,
			TransferID: cur.ID,
			Payload:    transferPayload(cur),
		}
		if err := tx.AppendEvent(ctx, &completed); err != nil {
			return err
		}

		events = append(events, credited, completed)
		res = applied(cur)
		return nil
	})
	if err != nil {
		return fatal(t, err)
	}
	l.publish(ctx, events)
	return res
}

// compensate refunds the sender after a failed credit and fails the
// transfer with cause. If the sender wallet is gone the transfer is still
// failed, but the result is fatal with ErrCompensationIrrecoverable.
func (l *Ledger) compensate(ctx context.Context, t domain.Transfer, cause error) stepResult {
	key := stepKey(t.RequestID, "compensate")
	hash, err := stepHash(t, domain.OpTransferCompensation, t.FromWalletID)
	if err != nil {
		return fatal(t, err)
	}
	reason := "credit failed"
	if cause != nil {
		reason = cause.Error()
	}

	var (
		res    stepResult
		events []domain.Event
	)
	err = l.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		events = nil

		cur, err := tx.LockTransfer(ctx, t.ID)
		if err != nil {
			return err
		}
		if cur.Status != domain.TransferDebited {
			res = applied(cur)
			return nil
		}

		op, err := tx.Operation(ctx, key, cur.FromWalletID)
		if err == nil && op.Success {
			cur.Status = domain.TransferFailed
			cur.LastError = op.ErrorMessage
			res = applied(cur)
			return tx.SaveTransfer(ctx, cur)
		}
		if err != nil && !isNotFound(err) {
			return err
		}

		w, err := tx.LockWallet(ctx, cur.FromWalletID)
		if isNotFound(err) {
			cur.Status = domain.TransferFailed
			cur.LastError = reason
			if err := tx.SaveTransfer(ctx, cur); err != nil {
				return err
			}
			ev, err := appendFailed(ctx, tx, cur)
			if err != nil {
				return err
			}
			events = append(events, ev)
			res = fatal(cur, fmt.Errorf("%w: transfer %s: sender wallet %s missing, %s not refunded: %s",
				domain.ErrCompensationIrrecoverable, cur.ID, cur.FromWalletID, domain.FormatAmount(cur.Amount), reason))
			return nil
		}
		if err != nil {
			return err
		}

		w.Balance = w.Balance.Add(cur.Amount)
		if err := tx.SaveWallet(ctx, w); err != nil {
			return err
		}

		payload := transferPayload(cur)
		payload["reason"] = reason
		payload["newBalance"] = domain.FormatAmount(w.Balance)
		compensated := domain.Event{
			Type:       domain.EventTransferCompensated,
			WalletID:   w.ID,
			TransferID: cur.ID,
			Payload:    payload,
		}
		if err := tx.AppendEvent(ctx, &compensated); err != nil {
			return err
		}

		snapshot, err := canonicalJSON(map[string]string{"fromBalance": domain.FormatAmount(w.Balance)})
		if err != nil {
			return err
		}
		if err := tx.InsertOperation(ctx, domain.Operation{
			RequestID:        key,
			WalletID:         cur.FromWalletID,
			Kind:             domain.OpTransferCompensation,
			RequestHash:      hash,
			Success:          true,
			ErrorMessage:     reason,
			ResponseSnapshot: snapshot,
		}); err != nil {
			return err
		}

		cur.Status = domain.TransferFailed
		cur.LastError = reason
		if err := tx.SaveTransfer(ctx, cur); err != nil {
			return err
		}
		failed, err := appendFailed(ctx, tx, cur)
		if err != nil {
			return err
		}
		events = append(events, compensated, failed)
		res = applied(cur)
		return nil
	})
	if err != nil {
		return fatal(t, fmt.Errorf("compensate transfer %s: %w", t.ID, err))
	}
	l.publish(ctx, events)
	if res.outcome == stepFatal {
		l.log.Error("transfer compensation irrecoverable",
			zap.String("transfer_id", t.ID),
			zap.String("from_wallet_id", t.FromWalletID),
			zap.String("amount", domain.FormatAmount(t.Amount)),
			zap.Error(res.err),
		)
	}
	return res
}

// failedOutcome explains a transfer that is already Failed: a rejected debit
// re-raises its recorded error, a compensated transfer reports its status,
// and a transfer that was never refunded reports the reconciliation gap.
func (l *Ledger) failedOutcome(ctx context.Context, t domain.Transfer) (domain.TransferResult, error) {
	res, err := l.transferResult(ctx, t)
	if err != nil {
		return domain.TransferResult{}, err
	}

	debitOp, err := l.store.Operation(ctx, stepKey(t.RequestID, "debit"), t.FromWalletID)
	if isNotFound(err) {
		return res, nil
	}
	if err != nil {
		return domain.TransferResult{}, err
	}
	if !debitOp.Success {
		metrics.LedgerOperations.WithLabelValues("Transfer", "replayed").Inc()
		return res, debitOp.Failure()
	}

	_, err = l.store.Operation(ctx, stepKey(t.RequestID, "compensate"), t.FromWalletID)
	if isNotFound(err) {
		return res, fmt.Errorf("%w: transfer %s: %s", domain.ErrCompensationIrrecoverable, t.ID, t.LastError)
	}
	if err != nil {
		return domain.TransferResult{}, err
	}
	return res, nil
}

func (l *Ledger) transferResult(ctx context.Context, t domain.Transfer) (domain.TransferResult, error) {
	from, err := l.balance(ctx, t.FromWalletID)
	if err != nil {
		return domain.TransferResult{}, err
	}
	to, err := l.balance(ctx, t.ToWalletID)
	if err != nil {
		return domain.TransferResult{}, err
	}
	return domain.TransferResult{
		TransferID:  t.ID,
		Status:      t.Status,
		LastError:   t.LastError,
		FromBalance: from,
		ToBalance:   to,
	}, nil
}
