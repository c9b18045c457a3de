// Package messaging carries ledger events over Kafka: a publisher for the
// API process, and a consumer with dead-letter routing plus a dead-letter
// monitor for the worker.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wallet-ledger/internal/domain"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	HeaderEventID     = "event-id"
	HeaderEventType   = "event-type"
	HeaderContentType = "content-type"

	HeaderError          = "x-error"
	HeaderFailedAt       = "x-failed-at"
	HeaderOriginalTopic  = "x-original-topic"
	HeaderOriginalOffset = "x-original-offset"

	contentTypeJSON = "application/json"
)

// MessageWriter is the part of *kafka.Writer the publisher and the
// dead-letter path use.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewWriter returns a synchronous writer for topic. Writes wait for the
// partition leader so Publish can report failures.
func NewWriter(brokers []string, topic string, log *zap.Logger) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Debug(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Warn(fmt.Sprintf(msg, args...))
		}),
	}
}

type Publisher struct {
	w   MessageWriter
	log *zap.Logger
}

func NewPublisher(w MessageWriter, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{w: w, log: log}
}

// Publish writes e to the events topic as a JSON EventMessage keyed by the
// wallet it concerns, so one wallet's events share a partition.
func (p *Publisher) Publish(ctx context.Context, e domain.Event) error {
	msg, err := Encode(e)
	if err != nil {
		return err
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s %s: %w", e.Type, e.ID, err)
	}
	p.log.Debug("event published",
		zap.String("event_id", e.ID),
		zap.String("event_type", string(e.Type)),
	)
	return nil
}

// Encode builds the Kafka message for e.
func Encode(e domain.Event) (kafka.Message, error) {
	body, err := json.Marshal(e.Message())
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	return kafka.Message{
		Key:   []byte(messageKey(e)),
		Value: body,
		Time:  e.CreatedAt,
		Headers: []kafka.Header{
			{Key: HeaderEventID, Value: []byte(e.ID)},
			{Key: HeaderEventType, Value: []byte(e.Type)},
			{Key: HeaderContentType, Value: []byte(contentTypeJSON)},
		},
	}, nil
}

func messageKey(e domain.Event) string {
	switch {
	case e.WalletID != "":
		return e.WalletID
	case e.TransferID != "":
		return e.TransferID
	default:
		return e.ID
	}
}

// NopPublisher drops events. The API runs with it when the bus is disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, domain.Event) error { return nil }
