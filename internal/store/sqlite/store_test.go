package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdrelay/internal/model"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{DBPath: filepath.Join(t.TempDir(), "ticks.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func ethTick(bucketSec, observedMs int64, closeP string) model.NormalizedTick {
	return model.NormalizedTick{
		Instrument:  "ethusdt",
		Market:      "huobi",
		BucketStart: time.Unix(bucketSec, 0).UTC(),
		ObservedAt:  time.UnixMilli(observedMs).UTC(),
		Fields: map[string]any{
			"open":  json.Number("1.0"),
			"close": json.Number(closeP),
			"vol":   json.Number("12.5"),
		},
	}
}

func TestStore_UpsertSameBucketKeepsOneRow(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertTicks(ctx, "md_min1_tick", []model.NormalizedTick{ethTick(1000, 1000500, "1.0")}))
	require.NoError(t, s.UpsertTicks(ctx, "md_min1_tick", []model.NormalizedTick{ethTick(1000, 1030000, "1.1")}))

	n, err := s.CountRows(ctx, "md_min1_tick", "huobi", "ethusdt")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	row, ok, err := s.Latest(ctx, "md_min1_tick", "huobi", "ethusdt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1.1", row.Close.Decimal.String())
	assert.Equal(t, int64(1030000), row.ObservedAt.UnixMilli())
	assert.False(t, row.High.Valid)
}

func TestStore_UpsertWithinOneBatch(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	batch := []model.NormalizedTick{
		ethTick(1000, 1000500, "1.0"),
		ethTick(1000, 1030000, "1.1"),
		ethTick(1060, 1060200, "1.2"),
	}
	require.NoError(t, s.UpsertTicks(ctx, "md_min1_tick", batch))

	n, err := s.CountRows(ctx, "md_min1_tick", "huobi", "ethusdt")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	row, ok, err := s.Latest(ctx, "md_min1_tick", "huobi", "ethusdt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Unix(1060, 0).UTC(), row.BucketStart)
	assert.Equal(t, "1.2", row.Close.Decimal.String())
	assert.JSONEq(t, `{"open":1.0,"close":1.2,"vol":12.5}`, row.Payload)
}

func TestStore_LatestMissing(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.EnsureTable(context.Background(), "md_min1_tick"))
	_, ok, err := s.Latest(context.Background(), "md_min1_tick", "huobi", "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_RejectsBadTarget(t *testing.T) {
	s := openTemp(t)
	err := s.UpsertTicks(context.Background(), "x; drop", []model.NormalizedTick{ethTick(1, 1000, "1")})
	assert.Error(t, err)
}

func TestStore_Ping(t *testing.T) {
	s := openTemp(t)
	assert.NoError(t, s.Ping(context.Background()))
}
