// Package kafka publishes relay events to a Kafka topic. The relay channel
// name travels as the message key and a "channel" header, so consumers can
// filter the same way Redis subscribers do and per-channel order is kept
// within a partition.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"mdrelay/internal/model"
)

const channelHeader = "channel"

// Config configures the Kafka publisher.
type Config struct {
	Brokers      []string
	Topic        string
	RequiredAcks string        // "all", "none" or "one" (default)
	BatchTimeout time.Duration // linger before a partial batch is sent
}

// Publisher writes outbound messages with a single kafka.Writer.
type Publisher struct {
	w       *kafka.Writer
	brokers []string
}

// New creates the publisher. No connection is made until the first write.
func New(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: topic required")
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: writerAcks(cfg.RequiredAcks),
		BatchTimeout: batchTimeout,
	}
	log.Printf("[kafka] publisher for topic %s on %s", cfg.Topic, strings.Join(cfg.Brokers, ","))
	return &Publisher{w: w, brokers: cfg.Brokers}, nil
}

// Publish sends one payload.
func (p *Publisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.PublishBatch(ctx, []model.Outbound{{Channel: channel, Payload: payload}})
}

// PublishBatch writes all messages in one call, preserving order.
func (p *Publisher) PublishBatch(ctx context.Context, msgs []model.Outbound) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := p.w.WriteMessages(ctx, toMessages(msgs, time.Now().UTC())...); err != nil {
		return fmt.Errorf("kafka publish %d messages: %w", len(msgs), err)
	}
	return nil
}

func toMessages(msgs []model.Outbound, now time.Time) []kafka.Message {
	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, kafka.Message{
			Key:     []byte(m.Channel),
			Value:   m.Payload,
			Time:    now,
			Headers: []kafka.Header{{Key: channelHeader, Value: []byte(m.Channel)}},
		})
	}
	return out
}

// Ping dials the first reachable broker.
func (p *Publisher) Ping(ctx context.Context) error {
	var lastErr error
	for _, b := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", b)
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()
		return nil
	}
	return fmt.Errorf("kafka ping: %w", lastErr)
}

// Close flushes pending writes and closes the writer.
func (p *Publisher) Close() error {
	return p.w.Close()
}

func writerAcks(raw string) kafka.RequiredAcks {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "all", "-1":
		return kafka.RequireAll
	case "none", "0":
		return kafka.RequireNone
	default:
		return kafka.RequireOne
	}
}
