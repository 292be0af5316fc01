// Package publish republishes tracker events on pub/sub channels.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mdrelay/internal/model"
)

const (
	defaultQueueSize = 10000
	defaultMaxBatch  = 256
	drainTimeout     = 5 * time.Second
	dropLogEveryNth  = 1000
)

// PublishError wraps a transport failure for a batch of messages.
type PublishError struct {
	Messages int
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %d messages: %v", e.Messages, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Sink queues events and publishes them from a single goroutine, so the
// order of PublishTick/PublishBar calls is the order on the wire.
type Sink struct {
	pub      model.Publisher
	batch    model.BatchPublisher // nil if pub cannot batch
	market   string
	queue    chan model.Outbound
	maxBatch int

	mu       sync.Mutex
	channels map[string]model.ChannelNames

	dropped uint64 // guarded by mu

	// Optional metrics hooks
	OnPublished    func(n int)
	OnDrop         func()
	OnPublishError func(n int)
}

// New creates a Sink for market. queueSize <= 0 uses the default.
func New(pub model.Publisher, market string, queueSize int) *Sink {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	s := &Sink{
		pub:      pub,
		market:   market,
		queue:    make(chan model.Outbound, queueSize),
		maxBatch: defaultMaxBatch,
		channels: make(map[string]model.ChannelNames),
	}
	if bp, ok := pub.(model.BatchPublisher); ok {
		s.batch = bp
	}
	return s
}

// ChannelsFor returns the cached channel names for an instrument.
func (s *Sink) ChannelsFor(instrument string) model.ChannelNames {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.channels[instrument]; ok {
		return c
	}
	c := model.Channels(s.market, instrument)
	s.channels[instrument] = c
	return c
}

// PublishTick queues the tick on md.<market>.tick.<instrument>.
func (s *Sink) PublishTick(ev model.TickObserved) {
	s.enqueue(model.Outbound{Channel: s.ChannelsFor(ev.Instrument).Tick, Payload: ev.Tick.JSON()})
}

// PublishBar queues the closed bar on md.<market>.1min.<instrument>.
func (s *Sink) PublishBar(ev model.BarFinalized) {
	s.enqueue(model.Outbound{Channel: s.ChannelsFor(ev.Instrument).Bar, Payload: ev.Bar.JSON()})
}

func (s *Sink) enqueue(m model.Outbound) {
	select {
	case s.queue <- m:
	default:
		s.mu.Lock()
		s.dropped++
		n := s.dropped
		s.mu.Unlock()
		if n == 1 || n%dropLogEveryNth == 0 {
			slog.Warn("publish queue full, dropping message",
				slog.String("component", "publish"),
				slog.String("channel", m.Channel),
				slog.Uint64("dropped_total", n))
		}
		if s.OnDrop != nil {
			s.OnDrop()
		}
	}
}

// Dropped returns how many messages were dropped on a full queue.
func (s *Sink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Run publishes queued messages until ctx is cancelled, then drains what is
// already queued within a bounded time.
func (s *Sink) Run(ctx context.Context) {
	buf := make([]model.Outbound, 0, s.maxBatch)
	for {
		select {
		case <-ctx.Done():
			s.drain(buf[:0])
			return
		case m := <-s.queue:
			buf = append(buf[:0], m)
			buf = s.fill(buf)
			s.send(ctx, buf)
		}
	}
}

// fill appends queued messages without blocking, up to maxBatch.
func (s *Sink) fill(buf []model.Outbound) []model.Outbound {
	for len(buf) < s.maxBatch {
		select {
		case m := <-s.queue:
			buf = append(buf, m)
		default:
			return buf
		}
	}
	return buf
}

func (s *Sink) drain(buf []model.Outbound) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		buf = s.fill(buf[:0])
		if len(buf) == 0 || ctx.Err() != nil {
			return
		}
		s.send(ctx, buf)
	}
}

func (s *Sink) send(ctx context.Context, msgs []model.Outbound) {
	if err := s.publish(ctx, msgs); err != nil {
		pErr := &PublishError{Messages: len(msgs), Err: err}
		slog.Error("publish failed",
			slog.String("component", "publish"),
			slog.Int("messages", len(msgs)),
			slog.String("error", pErr.Error()))
		if s.OnPublishError != nil {
			s.OnPublishError(len(msgs))
		}
		return
	}
	if s.OnPublished != nil {
		s.OnPublished(len(msgs))
	}
}

func (s *Sink) publish(ctx context.Context, msgs []model.Outbound) error {
	if s.batch != nil {
		return s.batch.PublishBatch(ctx, msgs)
	}
	for _, m := range msgs {
		if err := s.pub.Publish(ctx, m.Channel, m.Payload); err != nil {
			return err
		}
	}
	return nil
}
