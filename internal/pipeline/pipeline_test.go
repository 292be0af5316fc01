package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdrelay/internal/model"
)

type event struct {
	kind string // "tick" or "bar"
	ev   model.NormalizedTick
}

// recorder implements model.TickAppender and model.EventPublisher.
type recorder struct {
	mu       sync.Mutex
	appended []model.NormalizedTick
	events   []event
}

func (r *recorder) Append(t model.NormalizedTick) {
	r.mu.Lock()
	r.appended = append(r.appended, t)
	r.mu.Unlock()
}

func (r *recorder) PublishTick(ev model.TickObserved) {
	r.mu.Lock()
	r.events = append(r.events, event{"tick", ev.Tick})
	r.mu.Unlock()
}

func (r *recorder) PublishBar(ev model.BarFinalized) {
	r.mu.Lock()
	r.events = append(r.events, event{"bar", ev.Bar})
	r.mu.Unlock()
}

func frame(t *testing.T, s string) model.RawMessage {
	t.Helper()
	m, err := model.DecodeRawMessage([]byte(s))
	require.NoError(t, err)
	return m
}

func kline(instrument string, bucket, ts int64, closeP string) string {
	return fmt.Sprintf(`{"ch":"market.%s.kline.1min","ts":%d,"tick":{"id":%d,"open":1.0,"close":%s,"vol":10}}`,
		instrument, ts, bucket, closeP)
}

func runAll(t *testing.T, p *Pipeline, msgs []model.RawMessage) {
	t.Helper()
	in := make(chan model.RawMessage, len(msgs))
	for _, m := range msgs {
		in <- m
	}
	close(in)

	done := make(chan struct{})
	go func() {
		p.Run(context.Background(), in)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}

func TestPipeline_EthScenario(t *testing.T) {
	rec := &recorder{}
	var bars int
	var mu sync.Mutex
	p := New(Config{Market: "huobi", Workers: 3}, rec, rec, Hooks{
		OnBar: func(string) { mu.Lock(); bars++; mu.Unlock() },
	})

	runAll(t, p, []model.RawMessage{
		frame(t, kline("ethusdt", 1000, 1000500, "1.0")),
		frame(t, kline("ethusdt", 1000, 1030000, "1.1")),
		frame(t, kline("ethusdt", 1060, 1060200, "1.2")),
	})

	require.Len(t, rec.appended, 3)
	require.Len(t, rec.events, 4)

	first := time.Date(1970, 1, 1, 0, 16, 40, 0, time.UTC)
	assert.Equal(t, "tick", rec.events[0].kind)
	assert.True(t, rec.events[0].ev.BucketStart.Equal(first))
	assert.Equal(t, "tick", rec.events[1].kind)
	assert.True(t, rec.events[1].ev.BucketStart.Equal(first))
	assert.Equal(t, "tick", rec.events[2].kind)
	assert.True(t, rec.events[2].ev.BucketStart.Equal(first.Add(time.Minute)))

	// The closing bar follows the tick that closed it and carries the
	// second tick of the first bucket.
	assert.Equal(t, "bar", rec.events[3].kind)
	assert.True(t, rec.events[3].ev.BucketStart.Equal(first))
	assert.Equal(t, json.Number("1.1"), rec.events[3].ev.Fields["close"])
	assert.Equal(t, "huobi", rec.events[3].ev.Market)
	_, hasID := rec.events[3].ev.Fields["id"]
	assert.False(t, hasID)

	assert.Equal(t, 1, bars)
	assert.Equal(t, 1, p.TrackedInstruments())
}

func TestPipeline_PerInstrumentOrderAcrossWorkers(t *testing.T) {
	rec := &recorder{}
	p := New(Config{Market: "huobi", Workers: 4, QueueSize: 8}, rec, rec, Hooks{})

	instruments := []string{"ethusdt", "btcusdt", "xrpusdt", "ltcusdt", "dotusdt"}
	var msgs []model.RawMessage
	for b := int64(0); b < 20; b++ {
		for _, ins := range instruments {
			msgs = append(msgs, frame(t, kline(ins, 60*b, 60000*b+1, "1")))
		}
	}
	runAll(t, p, msgs)

	last := map[string]time.Time{}
	bars := map[string]int{}
	for _, e := range rec.events {
		if e.kind == "bar" {
			bars[e.ev.Instrument]++
			continue
		}
		prev, ok := last[e.ev.Instrument]
		if ok {
			assert.True(t, e.ev.BucketStart.After(prev), "ticks reordered for %s", e.ev.Instrument)
		}
		last[e.ev.Instrument] = e.ev.BucketStart
	}
	for _, ins := range instruments {
		assert.Equal(t, 19, bars[ins], ins)
	}
	assert.Equal(t, len(instruments), p.TrackedInstruments())
}

func TestPipeline_NonTickMessages(t *testing.T) {
	rec := &recorder{}
	kinds := map[string]int{}
	malformed := map[string]int{}
	skipped := 0
	var mu sync.Mutex
	p := New(Config{Market: "huobi", Workers: 1}, rec, rec, Hooks{
		OnMessage:   func(k string) { mu.Lock(); kinds[k]++; mu.Unlock() },
		OnMalformed: func(s string) { mu.Lock(); malformed[s]++; mu.Unlock() },
		OnSkipped:   func(string) { mu.Lock(); skipped++; mu.Unlock() },
	})

	runAll(t, p, []model.RawMessage{
		frame(t, `{"rep":"market.ethusdt.kline.1min","data":[]}`),
		frame(t, `{}`),
		frame(t, `{"ch":"market.ethusdt","tick":{"id":1}}`),
		frame(t, `{"ch":"market.ethusdt.kline.5min","ts":1000,"tick":{"id":1}}`),
		frame(t, `{"ch":"market.ethusdt.kline.1min","ts":1000,"tick":{"close":1}}`),
	})

	assert.Empty(t, rec.appended)
	assert.Empty(t, rec.events)
	assert.Equal(t, 1, kinds["reply"])
	assert.Equal(t, 1, kinds["unclassified"])
	assert.Equal(t, 2, kinds["tick_update"])
	assert.Equal(t, 1, malformed["message"])
	assert.Equal(t, 1, malformed["tick"])
	assert.Equal(t, 1, skipped)
}

func TestPipeline_NilSinks(t *testing.T) {
	p := New(Config{Market: "huobi"}, nil, nil, Hooks{})
	runAll(t, p, []model.RawMessage{
		frame(t, kline("ethusdt", 1000, 1000500, "1.0")),
		frame(t, kline("ethusdt", 1060, 1060500, "1.0")),
	})
	assert.Equal(t, 1, p.TrackedInstruments())
}

func TestPipeline_StopsOnCancel(t *testing.T) {
	p := New(Config{Market: "huobi"}, nil, nil, Hooks{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, make(chan model.RawMessage))
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestShard_Stable(t *testing.T) {
	assert.Equal(t, 0, shard("ethusdt", 1))
	a := shard("ethusdt", 8)
	assert.Equal(t, a, shard("ethusdt", 8))
	assert.GreaterOrEqual(t, a, 0)
	assert.Less(t, a, 8)
}

func TestPipeline_TrackedInstrumentsWhileRunning(t *testing.T) {
	p := New(Config{Market: "huobi", Workers: 3}, nil, nil, Hooks{})
	in := make(chan model.RawMessage)
	done := make(chan struct{})
	go func() {
		p.Run(context.Background(), in)
		close(done)
	}()

	for _, ins := range []string{"ethusdt", "btcusdt", "xrpusdt"} {
		in <- frame(t, kline(ins, 1000, 1000500, "1.0"))
		in <- frame(t, kline(ins, 1060, 1060500, "1.1"))
	}
	require.Eventually(t, func() bool { return p.TrackedInstruments() == 3 }, time.Second, 5*time.Millisecond)

	close(in)
	<-done
	assert.Equal(t, 3, p.TrackedInstruments())
}
