package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// emitTimeout bounds one Kafka write so a slow broker never holds a request.
const emitTimeout = 5 * time.Second

// MessageWriter is the part of *kafka.Writer the Kafka emitter needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaEmitter publishes audit events as JSON to a Kafka topic, keyed by account id so one
// account's events stay ordered within a partition. Writes run in the background.
type KafkaEmitter struct {
	writer MessageWriter
	logger *slog.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

type kafkaEvent struct {
	Type      string    `json:"event_type"`
	AccountID string    `json:"account_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	DeviceID  string    `json:"device_id,omitempty"`
	Count     int64     `json:"count,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	ClientIP  string    `json:"client_ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	At        time.Time `json:"at"`
}

// NewKafkaEmitter returns an emitter writing to topic on brokers, or nil when either is empty.
// Call Close when shutting down.
func NewKafkaEmitter(brokers []string, topic string, logger *slog.Logger) *KafkaEmitter {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	return NewKafkaEmitterWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}, logger)
}

// NewKafkaEmitterWithWriter returns an emitter over an existing writer.
func NewKafkaEmitterWithWriter(w MessageWriter, logger *slog.Logger) *KafkaEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaEmitter{writer: w, logger: logger, now: time.Now}
}

// Emit implements Emitter. The write is detached from ctx so request cancellation does not
// drop the event; failures are logged.
func (k *KafkaEmitter) Emit(ctx context.Context, ev Event) {
	if k == nil || ev.Type == "" {
		return
	}
	rec := kafkaEvent{
		Type:      ev.Type,
		AccountID: ev.AccountID,
		SessionID: ev.SessionID,
		DeviceID:  ev.DeviceID,
		Count:     ev.Count,
		Reason:    ev.Reason,
		At:        ev.At,
	}
	if rec.At.IsZero() {
		rec.At = k.now().UTC()
	}
	if c, ok := ClientFrom(ctx); ok {
		rec.ClientIP, rec.UserAgent = c.IP, c.UserAgent
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		k.logger.Warn("audit: kafka marshal failed", "event_type", ev.Type, "error", err)
		return
	}
	msg := kafka.Message{Key: []byte(ev.AccountID), Value: payload}

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emitTimeout)
		defer cancel()
		if err := k.writer.WriteMessages(writeCtx, msg); err != nil {
			k.logger.Warn("audit: kafka emit failed", "event_type", ev.Type, "error", err)
		}
	}()
}

// Close waits for in-flight writes and closes the writer.
func (k *KafkaEmitter) Close() error {
	if k == nil {
		return nil
	}
	k.wg.Wait()
	return k.writer.Close()
}

// Multi fans each event out to every non-nil emitter.
func Multi(emitters ...Emitter) Emitter {
	var out multi
	for _, e := range emitters {
		switch v := e.(type) {
		case nil:
		case *KafkaEmitter:
			if v != nil {
				out = append(out, v)
			}
		default:
			out = append(out, e)
		}
	}
	switch len(out) {
	case 0:
		return Nop()
	case 1:
		return out[0]
	}
	return out
}

type multi []Emitter

func (m multi) Emit(ctx context.Context, ev Event) {
	for _, e := range m {
		e.Emit(ctx, ev)
	}
}
