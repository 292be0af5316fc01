// Package redis publishes relay events on Redis pub/sub channels.
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"mdrelay/internal/model"
)

const (
	defaultMaxFailures = 5
	defaultCooldown    = 10 * time.Second
)

// Config configures the Redis publisher.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int

	// LatestTTL, when positive, also stores each payload under
	// "<channel>:latest" so late subscribers can read the last value.
	LatestTTL time.Duration

	MaxFailures int
	Cooldown    time.Duration
}

// Publisher publishes payloads through a circuit breaker.
type Publisher struct {
	client  *goredis.Client
	breaker *Breaker
	cfg     Config
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// Breaker exposes the circuit breaker so callers can hook state changes.
func (p *Publisher) Breaker() *Breaker { return p.breaker }

// New connects to Redis and pings the server.
func New(cfg Config) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return newPublisher(client, cfg), nil
}

func newPublisher(client *goredis.Client, cfg Config) *Publisher {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	return &Publisher{
		client:  client,
		breaker: NewBreaker(cfg.MaxFailures, cfg.Cooldown),
		cfg:     cfg,
	}
}

// Publish sends one payload.
func (p *Publisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.PublishBatch(ctx, []model.Outbound{{Channel: channel, Payload: payload}})
}

// PublishBatch sends all messages in one pipeline round trip, in order.
func (p *Publisher) PublishBatch(ctx context.Context, msgs []model.Outbound) error {
	if len(msgs) == 0 {
		return nil
	}
	return p.breaker.Do(func() error {
		pipe := p.client.Pipeline()
		for _, m := range msgs {
			pipe.Publish(ctx, m.Channel, m.Payload)
			if p.cfg.LatestTTL > 0 {
				pipe.Set(ctx, m.Channel+":latest", m.Payload, p.cfg.LatestTTL)
			}
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("redis publish %d messages: %w", len(msgs), err)
		}
		return nil
	})
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
