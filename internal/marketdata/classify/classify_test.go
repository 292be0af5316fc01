package classify

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdrelay/internal/model"
)

func TestClassify_RepublishedMinuteChannel(t *testing.T) {
	msg := model.RawMessage{
		Ch:   "md.huobi.1min.ethusdt",
		Tick: json.RawMessage(`{"id":1000,"close":1.5}`),
		TS:   json.RawMessage(`1000500`),
	}

	res, err := Classify(msg)
	require.NoError(t, err)
	assert.Equal(t, KindTickUpdate, res.Kind)
	assert.Equal(t, "ethusdt", res.Update.Instrument)
	assert.Equal(t, "1min", res.Update.Period)
	assert.True(t, res.Update.IsMinute())
	assert.JSONEq(t, `{"id":1000,"close":1.5}`, string(res.Update.Tick))
	assert.Equal(t, "1000500", string(res.Update.TS))
}

func TestClassify_ExchangeChannel(t *testing.T) {
	res, err := Classify(model.RawMessage{
		Ch:   "market.btcusdt.kline.5min",
		Tick: json.RawMessage(`{"id":1}`),
	})
	require.NoError(t, err)
	assert.Equal(t, KindTickUpdate, res.Kind)
	assert.Equal(t, "btcusdt", res.Update.Instrument)
	assert.Equal(t, "kline", res.Update.DataKind)
	assert.Equal(t, "5min", res.Update.Period)
	assert.False(t, res.Update.IsMinute())
}

func TestClassify_Reply(t *testing.T) {
	res, err := Classify(model.RawMessage{Rep: "topic", Data: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	assert.Equal(t, KindReply, res.Kind)
	assert.Equal(t, "topic", res.Reply.Topic)
	assert.JSONEq(t, `{"a":1}`, string(res.Reply.Data))
}

func TestClassify_Empty(t *testing.T) {
	res, err := Classify(model.RawMessage{})
	require.NoError(t, err)
	assert.Equal(t, KindUnclassified, res.Kind)
	assert.Equal(t, "unclassified", res.Kind.String())
}

func TestClassify_MalformedChannel(t *testing.T) {
	cases := []string{"market.ethusdt.kline", "a.b.c.d.e", "market..kline.1min"}
	for _, ch := range cases {
		_, err := Classify(model.RawMessage{Ch: ch, Tick: json.RawMessage(`{}`)})
		var mErr *MalformedMessageError
		require.True(t, errors.As(err, &mErr), "channel %q", ch)
		assert.Equal(t, ch, mErr.Channel)
	}
}

func TestClassify_MissingTick(t *testing.T) {
	_, err := Classify(model.RawMessage{Ch: "market.ethusdt.kline.1min"})
	var mErr *MalformedMessageError
	require.True(t, errors.As(err, &mErr))
	assert.Contains(t, mErr.Error(), "missing tick payload")
}
