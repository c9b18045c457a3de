package ledger

import (
	"context"
	"time"

	"wallet-ledger/internal/domain"
)

// Store is the persistence the ledger runs on. Lookups that find nothing
// return an error wrapping domain.ErrNotFound.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Wallet(ctx context.Context, id string) (domain.Wallet, error)
	Operation(ctx context.Context, requestID, walletID string) (domain.Operation, error)
	TransferByRequest(ctx context.Context, requestID string) (domain.Transfer, error)
	// History returns the wallet's events newest first. A zero before means
	// no cursor.
	History(ctx context.Context, walletID string, before time.Time, limit int) ([]domain.Event, error)
	Stats(ctx context.Context, walletID string) (domain.WalletStats, error)
}

// Tx is one ledger transaction. Lock* methods hold a write lock on the row
// until the transaction ends.
type Tx interface {
	// LockKey serializes transactions on an arbitrary key.
	LockKey(ctx context.Context, key string) error

	LockWallet(ctx context.Context, id string) (domain.Wallet, error)
	// EnsureWallet locks the wallet, creating it with a zero balance first if
	// needed. created reports whether this call created it.
	EnsureWallet(ctx context.Context, id string) (w domain.Wallet, created bool, err error)
	SaveWallet(ctx context.Context, w domain.Wallet) error

	Operation(ctx context.Context, requestID, walletID string) (domain.Operation, error)
	InsertOperation(ctx context.Context, op domain.Operation) error

	TransferByRequest(ctx context.Context, requestID string) (domain.Transfer, error)
	LockTransfer(ctx context.Context, id string) (domain.Transfer, error)
	// InsertTransfer assigns t.ID and timestamps.
	InsertTransfer(ctx context.Context, t *domain.Transfer) error
	SaveTransfer(ctx context.Context, t domain.Transfer) error

	// AppendEvent assigns e.ID and e.CreatedAt.
	AppendEvent(ctx context.Context, e *domain.Event) error
}

// Publisher hands committed events to the bus.
type Publisher interface {
	Publish(ctx context.Context, e domain.Event) error
}

// ReplayCache is an optional fast path in front of the Operation table for
// successful operations. Misses and errors fall through to the store.
type ReplayCache interface {
	Get(ctx context.Context, walletID, requestID string) (hash string, snapshot []byte, ok bool)
	Set(ctx context.Context, walletID, requestID, hash string, snapshot []byte)
}
