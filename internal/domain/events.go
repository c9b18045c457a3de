package domain

import "time"

type EventType string

const (
	EventWalletCreated       EventType = "WalletCreated"
	EventFundsDeposited      EventType = "FundsDeposited"
	EventFundsWithdrawn      EventType = "FundsWithdrawn"
	EventTransferInitiated   EventType = "TransferInitiated"
	EventTransferDebited     EventType = "TransferDebited"
	EventTransferCredited    EventType = "TransferCredited"
	EventTransferCompleted   EventType = "TransferCompleted"
	EventTransferFailed      EventType = "TransferFailed"
	EventTransferCompensated EventType = "TransferCompensated"
)

func (t EventType) Valid() bool {
	switch t {
	case EventWalletCreated, EventFundsDeposited, EventFundsWithdrawn,
		EventTransferInitiated, EventTransferDebited, EventTransferCredited,
		EventTransferCompleted, EventTransferFailed, EventTransferCompensated:
		return true
	}
	return false
}

// EventMessage is the wire form of an Event on the bus.
type EventMessage struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	OccurredAt time.Time      `json:"occurredAt"`
	Payload    map[string]any `json:"payload"`
}

func (e Event) Message() EventMessage {
	return EventMessage{
		ID:         e.ID,
		Type:       e.Type,
		OccurredAt: e.CreatedAt.UTC(),
		Payload:    e.Payload,
	}
}

// HistoryItem renders the event for the wallet history query.
func (e Event) HistoryItem() HistoryItem {
	item := HistoryItem{
		ID:         e.ID,
		WalletID:   e.WalletID,
		Type:       e.Type,
		OccurredAt: e.CreatedAt.UTC(),
		Payload:    e.Payload,
	}
	if e.TransferID != "" {
		id := e.TransferID
		item.TransferID = &id
	}
	return item
}
