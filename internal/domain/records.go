package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type OperationKind string

const (
	OpDeposit              OperationKind = "Deposit"
	OpWithdraw             OperationKind = "Withdraw"
	OpTransferDebit        OperationKind = "TransferDebit"
	OpTransferCredit       OperationKind = "TransferCredit"
	OpTransferCompensation OperationKind = "TransferCompensation"
)

type TransferStatus string

const (
	TransferInitiated TransferStatus = "Initiated"
	TransferDebited   TransferStatus = "Debited"
	TransferCompleted TransferStatus = "Completed"
	TransferFailed    TransferStatus = "Failed"
)

type ProcessedStatus string

const (
	ProcessedSuccess ProcessedStatus = "success"
	ProcessedFailed  ProcessedStatus = "failed"
)

// Wallet balances never go below zero. Rows are created on first deposit or
// first inbound credit and are never deleted.
type Wallet struct {
	ID        string
	Balance   decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Operation is the idempotency record for one (RequestID, WalletID) pair.
// It is written once and never updated.
type Operation struct {
	ID               string
	RequestID        string
	WalletID         string
	Kind             OperationKind
	RequestHash      string
	Success          bool
	ErrorCode        ErrorCode
	ErrorMessage     string
	ResponseSnapshot json.RawMessage
	CreatedAt        time.Time
}

// Failure rebuilds the error a failed operation originally returned.
func (o Operation) Failure() error {
	if o.Success {
		return nil
	}
	return &OperationError{Code: o.ErrorCode, Message: o.ErrorMessage}
}

type Transfer struct {
	ID           string
	FromWalletID string
	ToWalletID   string
	Amount       decimal.Decimal
	Status       TransferStatus
	LastError    string
	RequestID    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Event is append-only. WalletID and TransferID are empty when the event does
// not pertain to one.
type Event struct {
	ID         string
	Type       EventType
	WalletID   string
	TransferID string
	Payload    map[string]any
	CreatedAt  time.Time
}

type ProcessedEvent struct {
	EventID      string
	Status       ProcessedStatus
	ErrorMessage string
	ProcessedAt  time.Time
}

type WalletStats struct {
	WalletID            string
	TotalDeposited      decimal.Decimal
	TotalWithdrawn      decimal.Decimal
	TotalTransferredIn  decimal.Decimal
	TotalTransferredOut decimal.Decimal
	LastActivityAt      *time.Time
	Suspicious          bool
	SuspiciousReason    string
}

// NewWalletStats returns the zero projection for a wallet.
func NewWalletStats(walletID string) WalletStats {
	return WalletStats{
		WalletID:            walletID,
		TotalDeposited:      decimal.Zero,
		TotalWithdrawn:      decimal.Zero,
		TotalTransferredIn:  decimal.Zero,
		TotalTransferredOut: decimal.Zero,
	}
}

// Response renders the projection for the stats query.
func (s WalletStats) Response() StatsResponse {
	r := StatsResponse{
		WalletID:            s.WalletID,
		TotalDeposited:      FormatAmount(s.TotalDeposited),
		TotalWithdrawn:      FormatAmount(s.TotalWithdrawn),
		TotalTransferredOut: FormatAmount(s.TotalTransferredOut),
		TotalTransferredIn:  FormatAmount(s.TotalTransferredIn),
		LastActivityAt:      s.LastActivityAt,
		Suspicious:          s.Suspicious,
	}
	if s.SuspiciousReason != "" {
		reason := s.SuspiciousReason
		r.SuspiciousReason = &reason
	}
	return r
}
