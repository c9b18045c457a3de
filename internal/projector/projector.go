// Package projector folds ledger events into per-wallet WalletStats and runs
// the withdrawal fraud heuristic. Delivery is at-least-once and unordered;
// each event applies at most once, keyed by its id.
package projector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/metrics"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultWindow = 60 * time.Second
	DefaultBurst  = 3

	maxErrorMessage = 255
)

// DefaultLargeWithdrawal is the single-withdrawal amount that flags a wallet.
var DefaultLargeWithdrawal = decimal.NewFromInt(10000)

const (
	resultApplied   = "applied"
	resultDuplicate = "duplicate"
	resultSkipped   = "skipped"
)

type Projector struct {
	store           Store
	log             *zap.Logger
	window          time.Duration
	burst           int
	largeWithdrawal decimal.Decimal
	now             func() time.Time
}

type Option func(*Projector)

func WithLargeWithdrawal(d decimal.Decimal) Option {
	return func(p *Projector) { p.largeWithdrawal = d }
}

// WithBurst flags a wallet after n withdrawals within window.
func WithBurst(n int, window time.Duration) Option {
	return func(p *Projector) {
		p.burst = n
		p.window = window
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Projector) { p.now = now }
}

func New(st Store, log *zap.Logger, opts ...Option) *Projector {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Projector{
		store:           st,
		log:             log,
		window:          DefaultWindow,
		burst:           DefaultBurst,
		largeWithdrawal: DefaultLargeWithdrawal,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// view is the event as the projector applies it: the stored row when there
// is one, the message otherwise.
type view struct {
	id         string
	typ        domain.EventType
	walletID   string
	payload    map[string]any
	occurredAt time.Time
	stored     bool
}

// Handle applies msg once. Redelivery of an event already recorded as
// processed is a no-op.
func (p *Projector) Handle(ctx context.Context, msg domain.EventMessage) error {
	if strings.TrimSpace(msg.ID) == "" {
		return fmt.Errorf("%w: event id is required", domain.ErrInvalidRequest)
	}

	var (
		result string
		typ    = msg.Type
	)
	err := p.store.InProjectionTx(ctx, func(ctx context.Context, tx Tx) error {
		result = ""

		if err := tx.LockKey(ctx, "event:"+msg.ID); err != nil {
			return err
		}
		pe, err := tx.ProcessedEvent(ctx, msg.ID)
		if err == nil && pe.Status == domain.ProcessedSuccess {
			result = resultDuplicate
			return nil
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		v, err := p.resolve(ctx, tx, msg)
		if err != nil {
			return err
		}
		typ = v.typ

		result, err = p.apply(ctx, tx, v)
		if err != nil {
			return err
		}
		return tx.SaveProcessedEvent(ctx, domain.ProcessedEvent{
			EventID:     msg.ID,
			Status:      domain.ProcessedSuccess,
			ProcessedAt: p.now().UTC(),
		})
	})
	if err != nil {
		return fmt.Errorf("project event %s: %w", msg.ID, err)
	}

	metrics.ProjectedEvents.WithLabelValues(string(typ), result).Inc()
	if result == resultDuplicate {
		p.log.Debug("event already processed",
			zap.String("event_id", msg.ID),
			zap.String("event_type", string(typ)),
		)
	}
	return nil
}

// MarkFailed records that eventID could not be projected. A later
// successful Handle of the same event replaces the record.
func (p *Projector) MarkFailed(ctx context.Context, eventID string, cause error) error {
	if strings.TrimSpace(eventID) == "" {
		return nil
	}
	msg := "unknown error"
	if cause != nil {
		msg = truncate(cause.Error(), maxErrorMessage)
	}
	return p.store.InProjectionTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.LockKey(ctx, "event:"+eventID); err != nil {
			return err
		}
		pe, err := tx.ProcessedEvent(ctx, eventID)
		if err == nil && pe.Status == domain.ProcessedSuccess {
			return nil
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return tx.SaveProcessedEvent(ctx, domain.ProcessedEvent{
			EventID:      eventID,
			Status:       domain.ProcessedFailed,
			ErrorMessage: msg,
			ProcessedAt:  p.now().UTC(),
		})
	})
}

func (p *Projector) resolve(ctx context.Context, tx Tx, msg domain.EventMessage) (view, error) {
	v := view{
		id:         msg.ID,
		typ:        msg.Type,
		payload:    msg.Payload,
		occurredAt: msg.OccurredAt,
	}

	stored, err := tx.Event(ctx, msg.ID)
	switch {
	case err == nil:
		v.stored = true
		v.typ = stored.Type
		v.walletID = stored.WalletID
		if stored.Payload != nil {
			v.payload = stored.Payload
		}
		if !stored.CreatedAt.IsZero() {
			v.occurredAt = stored.CreatedAt
		}
	case errors.Is(err, domain.ErrNotFound):
	default:
		return view{}, err
	}

	if v.walletID == "" {
		v.walletID = domain.StringFromPayload(v.payload, "walletId")
	}
	if v.walletID == "" && v.typ == domain.EventTransferCompleted {
		v.walletID = domain.StringFromPayload(v.payload, "fromWalletId")
	}
	if v.occurredAt.IsZero() {
		v.occurredAt = p.now()
	}
	v.occurredAt = v.occurredAt.UTC()
	return v, nil
}

func (p *Projector) apply(ctx context.Context, tx Tx, v view) (string, error) {
	if v.walletID == "" || !v.typ.Valid() {
		return resultSkipped, nil
	}
	amount, err := domain.AmountFromPayload(v.payload, "amount")
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	if amount.IsNegative() {
		return "", fmt.Errorf("%w: negative amount %s", domain.ErrInvalidRequest, amount)
	}

	switch v.typ {
	case domain.EventWalletCreated, domain.EventFundsDeposited:
		return resultApplied, p.update(ctx, tx, v, v.walletID, func(s *domain.WalletStats) error {
			s.TotalDeposited = s.TotalDeposited.Add(amount)
			return nil
		})

	case domain.EventFundsWithdrawn:
		return resultApplied, p.update(ctx, tx, v, v.walletID, func(s *domain.WalletStats) error {
			s.TotalWithdrawn = s.TotalWithdrawn.Add(amount)
			return p.checkFraud(ctx, tx, s, v, amount)
		})

	case domain.EventTransferCompleted:
		return resultApplied, p.applyTransfer(ctx, tx, v, amount)

	default:
		return resultApplied, p.update(ctx, tx, v, v.walletID, func(*domain.WalletStats) error { return nil })
	}
}

// applyTransfer moves the amount into the sender's transferred-out total and
// the recipient's transferred-in total. Stats rows are locked in wallet id
// order.
func (p *Projector) applyTransfer(ctx context.Context, tx Tx, v view, amount decimal.Decimal) error {
	from := domain.StringFromPayload(v.payload, "fromWalletId")
	if from == "" {
		from = v.walletID
	}
	to := domain.StringFromPayload(v.payload, "toWalletId")

	ids := []string{from}
	if to != "" && to != from {
		ids = append(ids, to)
	}
	sort.Strings(ids)

	for _, id := range ids {
		err := p.update(ctx, tx, v, id, func(s *domain.WalletStats) error {
			if s.WalletID == from {
				s.TotalTransferredOut = s.TotalTransferredOut.Add(amount)
			} else {
				s.TotalTransferredIn = s.TotalTransferredIn.Add(amount)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Projector) update(ctx context.Context, tx Tx, v view, walletID string, fn func(*domain.WalletStats) error) error {
	s, err := tx.LockStats(ctx, walletID)
	if err != nil {
		return err
	}
	if err := fn(&s); err != nil {
		return err
	}
	if s.LastActivityAt == nil || v.occurredAt.After(*s.LastActivityAt) {
		at := v.occurredAt
		s.LastActivityAt = &at
	}
	return tx.SaveStats(ctx, s)
}

// checkFraud counts withdrawals in (occurredAt-window, occurredAt]. An event
// not yet in the events table is counted once on top of the stored ones.
func (p *Projector) checkFraud(ctx context.Context, tx Tx, s *domain.WalletStats, v view, amount decimal.Decimal) error {
	n, err := tx.CountEvents(ctx, s.WalletID, domain.EventFundsWithdrawn, v.occurredAt.Add(-p.window), v.occurredAt)
	if err != nil {
		return err
	}
	if !v.stored {
		n++
	}

	var reason string
	switch {
	case n >= p.burst:
		reason = fmt.Sprintf("%d withdrawals within %d seconds", n, int(p.window/time.Second))
	case amount.GreaterThanOrEqual(p.largeWithdrawal):
		reason = fmt.Sprintf("single withdrawal of %s reaches threshold %s",
			domain.FormatAmount(amount), domain.FormatAmount(p.largeWithdrawal))
	default:
		return nil
	}

	s.Suspicious = true
	s.SuspiciousReason = reason
	metrics.SuspiciousFlags.Inc()
	p.log.Warn("suspicious activity",
		zap.String("wallet_id", s.WalletID),
		zap.String("event_id", v.id),
		zap.String("reason", reason),
	)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
