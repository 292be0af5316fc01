package replay

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdrelay/internal/model"
)

const capture = `{"ch":"market.ethusdt.kline.1min","ts":1000500,"tick":{"id":1000,"close":1.0}}

not json
{"rep":"market.ethusdt.kline.1min","data":[]}
{"ch":"market.ethusdt.kline.1min","ts":1000600,"tick":{"id":1000,"close":1.1}}
`

func collect(t *testing.T, rp *Replayer) []model.RawMessage {
	t.Helper()
	out := make(chan model.RawMessage, 16)
	require.NoError(t, rp.Run(context.Background(), out))
	close(out)
	var got []model.RawMessage
	for m := range out {
		got = append(got, m)
	}
	return got
}

func TestReplay_SkipsBadLinesKeepsOrder(t *testing.T) {
	got := collect(t, New(strings.NewReader(capture), 0))
	require.Len(t, got, 3)
	assert.Equal(t, "market.ethusdt.kline.1min", got[0].Ch)
	assert.Equal(t, "market.ethusdt.kline.1min", got[1].Rep)
	assert.JSONEq(t, `{"id":1000,"close":1.1}`, string(got[2].Tick))
}

func TestReplay_SpeedScalesGaps(t *testing.T) {
	// 100ms of feed time at 2x is ~50ms of wall time.
	start := time.Now()
	got := collect(t, New(strings.NewReader(capture), 2))
	took := time.Since(start)
	assert.Len(t, got, 3)
	assert.GreaterOrEqual(t, took, 40*time.Millisecond)
	assert.Less(t, took, 2*time.Second)
}

func TestReplay_Cancel(t *testing.T) {
	rp := New(strings.NewReader(capture), 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := rp.Run(ctx, make(chan model.RawMessage))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(capture), 0o644))
	rp, f, err := Open(path, 0)
	require.NoError(t, err)
	defer f.Close()
	assert.Len(t, collect(t, rp), 3)

	_, _, err = Open(filepath.Join(t.TempDir(), "missing"), 0)
	assert.Error(t, err)
}
