package ledger

import (
	"context"
	"time"

	"wallet-ledger/internal/domain"

	"github.com/shopspring/decimal"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// Wallet returns the current balance. An unknown wallet is not an error:
// it reports Exists=false and a zero balance.
func (l *Ledger) Wallet(ctx context.Context, walletID string) (domain.WalletResponse, error) {
	if err := validateRef("walletId", walletID); err != nil {
		return domain.WalletResponse{}, err
	}
	w, err := l.store.Wallet(ctx, walletID)
	if isNotFound(err) {
		return domain.WalletResponse{WalletID: walletID, Balance: domain.FormatAmount(decimal.Zero)}, nil
	}
	if err != nil {
		return domain.WalletResponse{}, err
	}
	return domain.WalletResponse{WalletID: w.ID, Balance: domain.FormatAmount(w.Balance), Exists: true}, nil
}

// History pages through a wallet's events newest first. limit <= 0 means
// DefaultHistoryLimit and anything above MaxHistoryLimit is capped.
func (l *Ledger) History(ctx context.Context, walletID string, limit int, before time.Time) ([]domain.HistoryItem, error) {
	if err := validateRef("walletId", walletID); err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	events, err := l.store.History(ctx, walletID, before, limit)
	if err != nil {
		return nil, err
	}
	items := make([]domain.HistoryItem, 0, len(events))
	for _, e := range events {
		items = append(items, e.HistoryItem())
	}
	return items, nil
}

// Stats returns the projected WalletStats, or a zero snapshot when the
// projector has not seen the wallet yet.
func (l *Ledger) Stats(ctx context.Context, walletID string) (domain.StatsResponse, error) {
	if err := validateRef("walletId", walletID); err != nil {
		return domain.StatsResponse{}, err
	}
	s, err := l.store.Stats(ctx, walletID)
	if isNotFound(err) {
		s = domain.NewWalletStats(walletID)
	} else if err != nil {
		return domain.StatsResponse{}, err
	}
	return s.Response(), nil
}

func (l *Ledger) balance(ctx context.Context, walletID string) (string, error) {
	w, err := l.store.Wallet(ctx, walletID)
	if isNotFound(err) {
		return domain.FormatAmount(decimal.Zero), nil
	}
	if err != nil {
		return "", err
	}
	return domain.FormatAmount(w.Balance), nil
}
