package projector

import (
	"context"
	"time"

	"wallet-ledger/internal/domain"
)

// Store runs projection transactions. It is a separate method set from the
// ledger's so one store type can serve both.
type Store interface {
	InProjectionTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is one projection transaction. Lookups that find nothing return an
// error wrapping domain.ErrNotFound.
type Tx interface {
	LockKey(ctx context.Context, key string) error

	ProcessedEvent(ctx context.Context, eventID string) (domain.ProcessedEvent, error)
	// SaveProcessedEvent inserts or replaces the record for pe.EventID.
	SaveProcessedEvent(ctx context.Context, pe domain.ProcessedEvent) error

	Event(ctx context.Context, id string) (domain.Event, error)
	// CountEvents counts stored events of type typ for walletID created in
	// (after, until].
	CountEvents(ctx context.Context, walletID string, typ domain.EventType, after, until time.Time) (int, error)

	// LockStats returns the wallet's stats under a write lock, creating a
	// zero row first if there is none.
	LockStats(ctx context.Context, walletID string) (domain.WalletStats, error)
	SaveStats(ctx context.Context, s domain.WalletStats) error
}
