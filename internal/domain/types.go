package domain

import (
	"encoding/json"
	"time"
)

// Request bodies carry the amount as a JSON number or a decimal string.
type DepositRequest struct {
	Amount    json.Number `json:"amount"`
	RequestID string      `json:"requestId"`
}

type WithdrawRequest struct {
	Amount    json.Number `json:"amount"`
	RequestID string      `json:"requestId"`
}

type TransferRequest struct {
	ToWalletID string      `json:"toWalletId"`
	Amount     json.Number `json:"amount"`
	RequestID  string      `json:"requestId"`
}

// BalanceResult is the snapshot persisted on a successful deposit or
// withdraw Operation and replayed verbatim for duplicates.
type BalanceResult struct {
	Balance string `json:"balance"`
	Created bool   `json:"created"`
}

type BalanceResponse struct {
	WalletID  string `json:"walletId"`
	Balance   string `json:"balance"`
	RequestID string `json:"requestId"`
	Created   bool   `json:"created"`
}

type TransferResult struct {
	TransferID  string         `json:"transferId"`
	Status      TransferStatus `json:"status"`
	LastError   string         `json:"lastError,omitempty"`
	FromBalance string         `json:"fromBalance"`
	ToBalance   string         `json:"toBalance"`
}

type TransferResponse struct {
	TransferID   string         `json:"transferId"`
	FromWalletID string         `json:"fromWalletId"`
	ToWalletID   string         `json:"toWalletId"`
	Amount       string         `json:"amount"`
	Status       TransferStatus `json:"status"`
	LastError    string         `json:"lastError,omitempty"`
	RequestID    string         `json:"requestId"`
	FromBalance  string         `json:"fromBalance"`
	ToBalance    string         `json:"toBalance"`
}

type WalletResponse struct {
	WalletID string `json:"walletId"`
	Balance  string `json:"balance"`
	Exists   bool   `json:"exists"`
}

type HistoryItem struct {
	ID         string         `json:"id"`
	WalletID   string         `json:"walletId"`
	TransferID *string        `json:"transferId"`
	Type       EventType      `json:"type"`
	OccurredAt time.Time      `json:"occurredAt"`
	Payload    map[string]any `json:"payload"`
}

type StatsResponse struct {
	WalletID            string     `json:"walletId"`
	TotalDeposited      string     `json:"totalDeposited"`
	TotalWithdrawn      string     `json:"totalWithdrawn"`
	TotalTransferredOut string     `json:"totalTransferredOut"`
	TotalTransferredIn  string     `json:"totalTransferredIn"`
	LastActivityAt      *time.Time `json:"lastActivityAt"`
	Suspicious          bool       `json:"suspicious"`
	SuspiciousReason    *string    `json:"suspiciousReason"`
}
