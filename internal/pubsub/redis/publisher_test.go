package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdrelay/internal/model"
)

// unreachable returns a client pointed at a closed port with retries off.
func unreachable() *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
}

func TestPublisher_BreakerOpensWhenRedisDown(t *testing.T) {
	p := newPublisher(unreachable(), Config{MaxFailures: 2, Cooldown: time.Minute})
	defer p.Close()
	ctx := context.Background()

	require.Error(t, p.Publish(ctx, "md.huobi.tick.ethusdt", []byte(`{}`)))
	require.Error(t, p.Publish(ctx, "md.huobi.tick.ethusdt", []byte(`{}`)))
	assert.Equal(t, StateOpen, p.Breaker().State())

	err := p.Publish(ctx, "md.huobi.tick.ethusdt", []byte(`{}`))
	assert.ErrorIs(t, err, ErrBreakerOpen)
}

func TestPublisher_EmptyBatchIsNoop(t *testing.T) {
	p := newPublisher(unreachable(), Config{})
	defer p.Close()
	assert.NoError(t, p.PublishBatch(context.Background(), []model.Outbound{}))
	assert.Equal(t, StateClosed, p.Breaker().State())
}

func TestPublisher_PingFailsWhenRedisDown(t *testing.T) {
	p := newPublisher(unreachable(), Config{})
	defer p.Close()
	assert.Error(t, p.Ping(context.Background()))
}

func TestPublisher_PublishesBatchInOrderWithLatest(t *testing.T) {
	mr := miniredis.RunT(t)
	p, err := New(Config{Addr: mr.Addr(), LatestTTL: 30 * time.Second})
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := p.Client().PSubscribe(ctx, "md.huobi.*")
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)
	ch := sub.Channel()

	chans := model.Channels("huobi", "ethusdt")
	batch := []model.Outbound{
		{Channel: chans.Tick, Payload: []byte(`{"close":1.0}`)},
		{Channel: chans.Tick, Payload: []byte(`{"close":1.1}`)},
		{Channel: chans.Tick, Payload: []byte(`{"close":1.2}`)},
		{Channel: chans.Bar, Payload: []byte(`{"close":1.1}`)},
	}
	require.NoError(t, p.PublishBatch(ctx, batch))

	for i, want := range batch {
		select {
		case msg := <-ch:
			assert.Equal(t, want.Channel, msg.Channel, "message %d", i)
			assert.Equal(t, string(want.Payload), msg.Payload, "message %d", i)
		case <-ctx.Done():
			t.Fatalf("message %d not received", i)
		}
	}

	latest, err := mr.Get(chans.Tick + ":latest")
	require.NoError(t, err)
	assert.Equal(t, `{"close":1.2}`, latest)
	assert.Equal(t, 30*time.Second, mr.TTL(chans.Tick+":latest"))

	bar, err := mr.Get(chans.Bar + ":latest")
	require.NoError(t, err)
	assert.Equal(t, `{"close":1.1}`, bar)

	mr.FastForward(31 * time.Second)
	assert.False(t, mr.Exists(chans.Tick+":latest"))
	assert.Equal(t, StateClosed, p.Breaker().State())
}

func TestPublisher_NoLatestKeyWithoutTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	p, err := New(Config{Addr: mr.Addr()})
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Publish(context.Background(), "md.huobi.tick.ethusdt", []byte(`{}`)))
	assert.False(t, mr.Exists("md.huobi.tick.ethusdt:latest"))
	assert.NoError(t, p.Ping(context.Background()))
}
