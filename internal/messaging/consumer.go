package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/metrics"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageReader is the part of *kafka.Reader the consumers use. Offsets
// are committed explicitly.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Handler interface {
	Handle(ctx context.Context, msg domain.EventMessage) error
}

// FailureRecorder is told about every event that is dead-lettered.
type FailureRecorder interface {
	MarkFailed(ctx context.Context, eventID string, cause error) error
}

// NewReader returns a consumer group reader for topic. CommitInterval is
// zero so CommitMessages is synchronous.
func NewReader(brokers []string, topic, group string, log *zap.Logger) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        group,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Debug(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Warn(fmt.Sprintf(msg, args...))
		}),
	})
}

// Consumer feeds events to a Handler. A message is committed after the
// handler succeeds; a message that cannot be decoded or handled is written
// to the dead-letter topic and then committed, never retried in place.
type Consumer struct {
	r        MessageReader
	dlq      MessageWriter
	h        Handler
	failures FailureRecorder
	topic    string
	log      *zap.Logger
}

type ConsumerOption func(*Consumer)

func WithFailureRecorder(f FailureRecorder) ConsumerOption {
	return func(c *Consumer) { c.failures = f }
}

func NewConsumer(r MessageReader, dlq MessageWriter, h Handler, topic string, log *zap.Logger, opts ...ConsumerOption) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Consumer{r: r, dlq: dlq, h: h, topic: topic, log: log}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes until ctx is canceled, which is a clean stop. Any other
// return means a message could be neither handled nor dead-lettered and is
// still uncommitted.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		if err := c.process(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (c *Consumer) process(ctx context.Context, m kafka.Message) error {
	msg, err := Decode(m)
	if err == nil {
		err = c.h.Handle(ctx, msg)
	}
	if err != nil {
		// Interrupted by shutdown: leave it uncommitted for redelivery.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if dlqErr := c.deadLetter(ctx, m, msg.ID, err); dlqErr != nil {
			return dlqErr
		}
	}
	if err := c.r.CommitMessages(ctx, m); err != nil {
		return fmt.Errorf("commit offset %d: %w", m.Offset, err)
	}
	return nil
}

func (c *Consumer) deadLetter(ctx context.Context, m kafka.Message, eventID string, cause error) error {
	if eventID == "" {
		eventID = header(m, HeaderEventID)
	}

	headers := make([]kafka.Header, 0, len(m.Headers)+4)
	for _, h := range m.Headers {
		switch h.Key {
		case HeaderError, HeaderFailedAt, HeaderOriginalTopic, HeaderOriginalOffset:
			continue
		}
		headers = append(headers, h)
	}
	topic := m.Topic
	if topic == "" {
		topic = c.topic
	}
	headers = append(headers,
		kafka.Header{Key: HeaderError, Value: []byte(cause.Error())},
		kafka.Header{Key: HeaderFailedAt, Value: []byte(time.Now().UTC().Format(time.RFC3339Nano))},
		kafka.Header{Key: HeaderOriginalTopic, Value: []byte(topic)},
		kafka.Header{Key: HeaderOriginalOffset, Value: []byte(strconv.FormatInt(m.Offset, 10))},
	)

	if err := c.dlq.WriteMessages(ctx, kafka.Message{Key: m.Key, Value: m.Value, Headers: headers}); err != nil {
		return fmt.Errorf("dead-letter offset %d: %w", m.Offset, err)
	}
	metrics.DeadLettered.Inc()
	c.log.Error("event dead-lettered",
		zap.String("event_id", eventID),
		zap.String("event_type", header(m, HeaderEventType)),
		zap.Int("partition", m.Partition),
		zap.Int64("offset", m.Offset),
		zap.Error(cause),
	)

	if c.failures != nil && eventID != "" {
		if err := c.failures.MarkFailed(ctx, eventID, cause); err != nil {
			c.log.Warn("record failed event", zap.String("event_id", eventID), zap.Error(err))
		}
	}
	return nil
}

// Decode parses a message body into an EventMessage. The id and type
// headers fill in a body that lacks them.
func Decode(m kafka.Message) (domain.EventMessage, error) {
	var msg domain.EventMessage
	dec := json.NewDecoder(bytes.NewReader(m.Value))
	dec.UseNumber()
	if err := dec.Decode(&msg); err != nil {
		return domain.EventMessage{ID: header(m, HeaderEventID)}, fmt.Errorf("%w: decode event: %v", domain.ErrInvalidRequest, err)
	}
	if msg.ID == "" {
		msg.ID = header(m, HeaderEventID)
	}
	if msg.Type == "" {
		msg.Type = domain.EventType(header(m, HeaderEventType))
	}
	if msg.ID == "" {
		return msg, fmt.Errorf("%w: event without id", domain.ErrInvalidRequest)
	}
	if !msg.Type.Valid() {
		return msg, fmt.Errorf("%w: unknown event type %q", domain.ErrInvalidRequest, msg.Type)
	}
	return msg, nil
}

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// DeadLetterMonitor reads the dead-letter topic with its own group, logs and
// counts each arrival, and commits. It never requeues.
type DeadLetterMonitor struct {
	r   MessageReader
	log *zap.Logger
}

func NewDeadLetterMonitor(r MessageReader, log *zap.Logger) *DeadLetterMonitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &DeadLetterMonitor{r: r, log: log}
}

func (d *DeadLetterMonitor) Run(ctx context.Context) error {
	for {
		m, err := d.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetch dead letter: %w", err)
		}

		metrics.DeadLetterArrivals.Inc()
		d.log.Error("dead-lettered event",
			zap.String("event_id", header(m, HeaderEventID)),
			zap.String("event_type", header(m, HeaderEventType)),
			zap.String("error", header(m, HeaderError)),
			zap.String("failed_at", header(m, HeaderFailedAt)),
			zap.String("original_topic", header(m, HeaderOriginalTopic)),
			zap.ByteString("body", m.Value),
		)

		if err := d.r.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit dead letter: %w", err)
		}
	}
}
