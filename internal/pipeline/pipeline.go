// Package pipeline composes the classifier, normalizer and bar tracker and
// routes their output to the storage and publish sinks.
//
// Messages are sharded by instrument onto a fixed set of workers. Each
// worker owns its own tracker, so one instrument is always processed on one
// goroutine in arrival order while different instruments run in parallel.
package pipeline

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"

	"mdrelay/internal/logger"
	"mdrelay/internal/marketdata/classify"
	"mdrelay/internal/marketdata/normalize"
	"mdrelay/internal/marketdata/tracker"
	"mdrelay/internal/model"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 1024
)

// Config configures a Pipeline.
type Config struct {
	Market    string
	Workers   int
	QueueSize int // per-worker queue
}

// Hooks are optional metrics callbacks. They are called from worker
// goroutines and must be safe for concurrent use.
type Hooks struct {
	OnMessage   func(kind string)
	OnMalformed func(stage string)
	OnSkipped   func(period string)
	OnTick      func(instrument string)
	OnBar       func(instrument string)
}

// Pipeline is the ingestion path. Storage and Events may be nil when that
// sink is not deployed.
type Pipeline struct {
	cfg     Config
	norm    *normalize.Normalizer
	storage model.TickAppender
	events  model.EventPublisher
	hooks   Hooks

	workers  []chan classify.TickUpdate
	trackers []*tracker.Tracker
	tracked  atomic.Int64
	log      *slog.Logger
}

// New creates a pipeline.
func New(cfg Config, storage model.TickAppender, events model.EventPublisher, hooks Hooks) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	p := &Pipeline{
		cfg:      cfg,
		norm:     normalize.New(cfg.Market),
		storage:  storage,
		events:   events,
		hooks:    hooks,
		workers:  make([]chan classify.TickUpdate, cfg.Workers),
		trackers: make([]*tracker.Tracker, cfg.Workers),
		log:      logger.Component("pipeline"),
	}
	for i := range p.workers {
		p.workers[i] = make(chan classify.TickUpdate, cfg.QueueSize)
		p.trackers[i] = tracker.New()
	}
	return p
}

// Run consumes messages until in is closed or ctx is cancelled, then waits
// for the workers to finish what they have queued.
func (p *Pipeline) Run(ctx context.Context, in <-chan model.RawMessage) {
	var wg sync.WaitGroup
	for i := range p.workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p.worker(p.workers[i], p.trackers[i])
		}(i)
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case msg, ok := <-in:
			if !ok {
				break loop
			}
			p.dispatch(ctx, msg)
		}
	}

	for _, ch := range p.workers {
		close(ch)
	}
	wg.Wait()
	p.log.Info("pipeline stopped")
}

// dispatch classifies one message and hands tick updates to their worker.
func (p *Pipeline) dispatch(ctx context.Context, msg model.RawMessage) {
	res, err := classify.Classify(msg)
	if err != nil {
		var mErr *classify.MalformedMessageError
		if errors.As(err, &mErr) {
			p.log.Warn("dropping malformed message", slog.String("channel", mErr.Channel), slog.String("reason", mErr.Reason))
		} else {
			p.log.Warn("dropping message", slog.String("error", err.Error()))
		}
		p.count(p.hooks.OnMalformed, "message")
		return
	}
	p.count(p.hooks.OnMessage, res.Kind.String())

	switch res.Kind {
	case classify.KindReply:
		p.log.Info("reply received", slog.String("topic", res.Reply.Topic), slog.Int("bytes", len(res.Reply.Data)))

	case classify.KindUnclassified:
		p.log.Warn("unclassified message ignored")

	case classify.KindTickUpdate:
		u := res.Update
		if !u.IsMinute() {
			p.log.Debug("non-minute update not aggregated", slog.String("channel", u.Channel), slog.String("period", u.Period))
			p.count(p.hooks.OnSkipped, u.Period)
			return
		}
		select {
		case p.workers[shard(u.Instrument, len(p.workers))] <- u:
		case <-ctx.Done():
		}
	}
}

func (p *Pipeline) worker(ch <-chan classify.TickUpdate, tr *tracker.Tracker) {
	for u := range ch {
		p.process(tr, u)
	}
}

// process runs one tick update through normalize and the tracker and routes
// the events. Tick is published before the bar it closes.
func (p *Pipeline) process(tr *tracker.Tracker, u classify.TickUpdate) {
	tick, err := p.norm.Normalize(u)
	if err != nil {
		p.log.Warn("dropping malformed tick", slog.String("instrument", u.Instrument), slog.String("error", err.Error()))
		p.count(p.hooks.OnMalformed, "tick")
		return
	}

	before := tr.Len()
	observed, closed, finalized := tr.Observe(tick)
	if tr.Len() > before {
		p.tracked.Add(1)
	}

	if p.storage != nil {
		p.storage.Append(observed.Tick)
	}
	if p.events != nil {
		p.events.PublishTick(observed)
	}
	p.count(p.hooks.OnTick, observed.Instrument)

	if finalized {
		if p.events != nil {
			p.events.PublishBar(closed)
		}
		p.count(p.hooks.OnBar, closed.Instrument)
		p.log.Debug("bar finalized",
			slog.String("instrument", closed.Instrument),
			slog.Time("bucket_start", closed.Bar.BucketStart))
	}
}

func (p *Pipeline) count(hook func(string), label string) {
	if hook != nil {
		hook(label)
	}
}

// TrackedInstruments returns how many instruments have bar state. Safe to
// call while Run is active.
func (p *Pipeline) TrackedInstruments() int {
	return int(p.tracked.Load())
}

// shard maps an instrument onto a worker index.
func shard(instrument string, workers int) int {
	if workers <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(instrument))
	return int(h.Sum32() % uint32(workers))
}
