package model

import "context"

// ── Port Interfaces ──
// These interfaces decouple the pipeline from concrete storage and transport
// implementations (SQLite, PostgreSQL, Redis, Kafka).

// TickStore persists batches of ticks into a named target.
//
// UpsertTicks must insert-or-update on the natural key
// (market, instrument, bucket_start): writing the same tick twice leaves a
// single row. Batched delivery relies on this to stay idempotent.
type TickStore interface {
	UpsertTicks(ctx context.Context, target string, ticks []NormalizedTick) error

	// Close releases underlying resources.
	Close() error
}

// Publisher sends one payload on a pub/sub channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error

	// Close releases underlying resources.
	Close() error
}

// BatchPublisher is implemented by publishers that can send several
// messages in one round trip. Order within the slice must be preserved.
type BatchPublisher interface {
	PublishBatch(ctx context.Context, msgs []Outbound) error
}

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TickAppender accepts every observed tick for persistence. Append must not block.
type TickAppender interface {
	Append(tick NormalizedTick)
}

// EventPublisher republishes tracker output. Both methods must not block.
type EventPublisher interface {
	PublishTick(ev TickObserved)
	PublishBar(ev BarFinalized)
}
