package model

import (
	"encoding/json"
	"time"
)

// TimeLayout is the fixed string format for timestamps in published payloads.
const TimeLayout = "2006-01-02 15:04:05.000000"

// Reserved keys added to every published payload.
const (
	FieldMarket     = "market"
	FieldInstrument = "instrument"
	FieldTSStart    = "ts_start"
	FieldTSCurr     = "ts_curr"
)

// NormalizedTick is a canonical tick record built once per raw tick.
// BucketStart <= ObservedAt always holds. Fields carries the remaining
// payload attributes untouched (numbers as json.Number) and must not be
// mutated after construction.
type NormalizedTick struct {
	Instrument  string
	Market      string
	BucketStart time.Time // UTC, start of the one-minute bucket
	ObservedAt  time.Time // UTC, envelope timestamp
	Fields      map[string]any
}

// Key returns "market:instrument".
func (t *NormalizedTick) Key() string {
	return t.Market + ":" + t.Instrument
}

// Number returns a numeric payload field.
func (t *NormalizedTick) Number(field string) (json.Number, bool) {
	switch v := t.Fields[field].(type) {
	case json.Number:
		return v, true
	case float64:
		return json.Number(formatFloat(v)), true
	case int64:
		return json.Number(itoa64(v)), true
	case int:
		return json.Number(itoa64(int64(v))), true
	default:
		return "", false
	}
}

// Flat returns a fresh flat key-value view of the tick: payload fields plus
// market, instrument, ts_start and ts_curr.
func (t *NormalizedTick) Flat() map[string]any {
	out := make(map[string]any, len(t.Fields)+4)
	for k, v := range t.Fields {
		out[k] = v
	}
	out[FieldMarket] = t.Market
	out[FieldInstrument] = t.Instrument
	out[FieldTSStart] = t.BucketStart.UTC().Format(TimeLayout)
	out[FieldTSCurr] = t.ObservedAt.UTC().Format(TimeLayout)
	return out
}

// JSON returns the flat JSON encoding (ignoring errors for hot-path usage).
func (t *NormalizedTick) JSON() []byte {
	b, _ := json.Marshal(t.Flat())
	return b
}

// PayloadJSON encodes only the carried payload fields.
func (t *NormalizedTick) PayloadJSON() []byte {
	b, _ := json.Marshal(t.Fields)
	return b
}
