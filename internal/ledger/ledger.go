// Package ledger moves money: single-wallet deposits and withdrawals, and the
// debit/credit/compensate transfer saga. Every balance change happens under a
// write lock on exactly one wallet row and commits together with its
// idempotency record and its events.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/metrics"

	"github.com/gowebpki/jcs"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

type Ledger struct {
	store Store
	pub   Publisher
	cache ReplayCache
	log   *zap.Logger
}

type Option func(*Ledger)

// WithReplayCache puts c in front of Operation lookups.
func WithReplayCache(c ReplayCache) Option {
	return func(l *Ledger) { l.cache = c }
}

func New(st Store, pub Publisher, log *zap.Logger, opts ...Option) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Ledger{store: st, pub: pub, log: log}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// canonicalJSON marshals v and applies RFC 8785 so stored snapshots and
// request hashes are byte-stable.
func canonicalJSON(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(canon), nil
}

// requestShape is the canonical request identity hashed onto an Operation.
// Amounts are fixed-scale strings, never floats.
type requestShape struct {
	Kind     domain.OperationKind `json:"kind"`
	WalletID string               `json:"wallet_id"`
	Amount   string               `json:"amount"`
	Transfer string               `json:"transfer,omitempty"`
}

func requestHash(shape requestShape) (string, error) {
	b, err := canonicalJSON(shape)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:]), nil
}

func opLockKey(walletID, requestID string) string {
	return "op:" + walletID + ":" + requestID
}

func validateRef(name, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: %s is required", domain.ErrInvalidRequest, name)
	}
	return nil
}

func isNotFound(err error) bool { return errors.Is(err, domain.ErrNotFound) }

// publish runs after commit. A failed publish is logged and counted; the
// committed mutation stands.
func (l *Ledger) publish(ctx context.Context, events []domain.Event) {
	if l.pub == nil || len(events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	for _, ev := range events {
		if err := l.pub.Publish(ctx, ev); err != nil {
			metrics.PublishErrors.Inc()
			l.log.Error("publish event failed",
				zap.String("event_id", ev.ID),
				zap.String("event_type", string(ev.Type)),
				zap.Error(err),
			)
		}
	}
}
