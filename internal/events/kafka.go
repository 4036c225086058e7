package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"github.com/healthfirst/availability-scheduling/internal/availability"
)

var ErrSinkClosed = errors.New("event sink is closed")

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Envelope is the JSON document written to the topic for every event.
type Envelope struct {
	EventType  string          `json:"event_type"`
	ProviderID *uuid.UUID      `json:"provider_id,omitempty"`
	RuleID     *uuid.UUID      `json:"availability_id,omitempty"`
	SlotID     *uuid.UUID      `json:"slot_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// KafkaSink publishes availability events, keyed by provider so one
// provider's events stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
	topic  string
	closed bool
	mu     sync.RWMutex
}

func NewKafkaSink(brokers []string, topic string, log zerolog.Logger) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}

	errLog := log.With().Str("component", "kafka").Logger()
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  compress.Snappy,
		MaxAttempts:  3,
		BatchTimeout: 50 * time.Millisecond,
		Logger:       kafka.LoggerFunc(func(string, ...any) {}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			errLog.Error().Msgf(msg, args...)
		}),
	}
	return newKafkaSink(writer, topic), nil
}

func newKafkaSink(w messageWriter, topic string) *KafkaSink {
	return &KafkaSink{writer: w, topic: topic}
}

func (k *KafkaSink) Publish(ctx context.Context, ev availability.EventLog) error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return ErrSinkClosed
	}

	msg, err := messageOf(ev)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write %s to %s: %w", ev.EventType, k.topic, err)
	}
	return nil
}

func messageOf(ev availability.EventLog) (kafka.Message, error) {
	var payload json.RawMessage
	if len(ev.Payload) > 0 {
		payload = json.RawMessage(ev.Payload)
	}
	value, err := json.Marshal(Envelope{
		EventType:  ev.EventType,
		ProviderID: ev.ProviderID,
		RuleID:     ev.RuleID,
		SlotID:     ev.SlotID,
		Payload:    payload,
		OccurredAt: ev.CreatedAt,
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event: %w", err)
	}

	var key []byte
	if ev.ProviderID != nil {
		key = []byte(ev.ProviderID.String())
	}
	return kafka.Message{
		Key:   key,
		Value: value,
		Time:  ev.CreatedAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.EventType)},
		},
	}, nil
}

func (k *KafkaSink) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	return k.writer.Close()
}
