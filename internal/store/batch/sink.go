// Package batch buffers ticks in memory and persists them in batches when a
// count threshold is reached or a flush interval elapses, whichever is first.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"mdrelay/internal/logger"
	"mdrelay/internal/model"
)

const (
	defaultThreshold         = 1000
	defaultInterval          = 20 * time.Second
	defaultFinalFlushTimeout = 5 * time.Second
)

// Config configures a Sink.
type Config struct {
	Target            string        // storage target (table) name
	Threshold         int           // flush when this many ticks are buffered
	Interval          time.Duration // flush when this long has passed since the last flush
	FinalFlushTimeout time.Duration // bound for the shutdown flush
}

func (c *Config) defaults() {
	if c.Threshold <= 0 {
		c.Threshold = defaultThreshold
	}
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.FinalFlushTimeout <= 0 {
		c.FinalFlushTimeout = defaultFinalFlushTimeout
	}
}

// PersistenceError is returned by Flush when the store rejects a batch.
// The batch has already been discarded when this is returned.
type PersistenceError struct {
	Target string
	Rows   int
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %d ticks to %s: %v", e.Rows, e.Target, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Sink is a shared tick buffer with dual-trigger flushing.
//
// Append may be called from any goroutine. Flushes are serialized: the
// buffer is swapped under mu, so ticks appended after the swap land in a
// fresh buffer and are never read by the in-flight flush.
type Sink struct {
	cfg   Config
	store model.TickStore

	mu  sync.Mutex
	buf []model.NormalizedTick

	flushMu sync.Mutex
	kick    chan struct{}

	// Optional metrics hooks
	OnFlush      func(rows int, took time.Duration)
	OnFlushError func(rows int)
}

// New creates a Sink writing to store. Run must be started for the timer
// and threshold triggers to fire.
func New(store model.TickStore, cfg Config) *Sink {
	cfg.defaults()
	return &Sink{
		cfg:   cfg,
		store: store,
		buf:   make([]model.NormalizedTick, 0, cfg.Threshold),
		kick:  make(chan struct{}, 1),
	}
}

// Append buffers one tick and returns immediately. Reaching the threshold
// signals the flush task; it never flushes on the caller's goroutine.
func (s *Sink) Append(tick model.NormalizedTick) {
	s.mu.Lock()
	s.buf = append(s.buf, tick)
	full := len(s.buf) >= s.cfg.Threshold
	s.mu.Unlock()

	if full {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of buffered ticks.
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Run drives the threshold and interval triggers until ctx is cancelled,
// then makes one final best-effort flush.
func (s *Sink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), s.cfg.FinalFlushTimeout)
			s.Flush(finalCtx)
			cancel()
			return

		// A flush already under way finishes even if ctx is cancelled meanwhile.
		case <-s.kick:
			s.Flush(context.WithoutCancel(ctx))
			ticker.Reset(s.cfg.Interval)

		case <-ticker.C:
			s.Flush(context.WithoutCancel(ctx))
		}
	}
}

// Flush drains the buffer and upserts it. Flushing an empty buffer is a
// no-op. A failed batch is logged and dropped, never retried.
func (s *Sink) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if len(s.buf) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.buf
	s.buf = make([]model.NormalizedTick, 0, s.cfg.Threshold)
	s.mu.Unlock()

	batchID := uuid.NewString()
	ctx = logger.WithTraceID(ctx, batchID)

	start := time.Now()
	err := s.store.UpsertTicks(ctx, s.cfg.Target, batch)
	took := time.Since(start)

	if err != nil {
		slog.Error("batch flush failed, discarding batch",
			append(logger.LogWithTrace(ctx),
				slog.String("component", "batch"),
				slog.String("target", s.cfg.Target),
				slog.Int("rows", len(batch)),
				slog.String("error", err.Error()))...)
		if s.OnFlushError != nil {
			s.OnFlushError(len(batch))
		}
		return &PersistenceError{Target: s.cfg.Target, Rows: len(batch), Err: err}
	}

	slog.Debug("batch flushed",
		append(logger.LogWithTrace(ctx),
			slog.String("component", "batch"),
			slog.String("target", s.cfg.Target),
			slog.Int("rows", len(batch)),
			slog.Duration("took", took))...)
	if s.OnFlush != nil {
		s.OnFlush(len(batch), took)
	}
	return nil
}
