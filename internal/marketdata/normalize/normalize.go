// Package normalize turns classified tick updates into model.NormalizedTick
// records.
package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"mdrelay/internal/marketdata/classify"
	"mdrelay/internal/model"
)

// BucketField is the payload field holding the bucket start in epoch seconds.
const BucketField = "id"

// maxEpochSec is 9999-12-31T23:59:59Z, the last second every store can hold.
const maxEpochSec int64 = 253402300799

// MalformedTickError reports a tick payload that cannot be normalized.
type MalformedTickError struct {
	Instrument string
	Reason     string
	Err        error
}

func (e *MalformedTickError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed tick for %s: %s: %v", e.Instrument, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed tick for %s: %s", e.Instrument, e.Reason)
}

func (e *MalformedTickError) Unwrap() error { return e.Err }

// Normalizer stamps ticks with a configured market label.
type Normalizer struct {
	Market string
}

// New creates a Normalizer for the given market label.
func New(market string) *Normalizer {
	return &Normalizer{Market: market}
}

// Normalize builds a NormalizedTick from a tick update. The bucket field is
// replaced by BucketStart; every other payload field passes through.
func (n *Normalizer) Normalize(u classify.TickUpdate) (model.NormalizedTick, error) {
	fields, err := decodeObject(u.Tick)
	if err != nil {
		return model.NormalizedTick{}, &MalformedTickError{Instrument: u.Instrument, Reason: "tick is not an object", Err: err}
	}

	rawBucket, ok := fields[BucketField]
	if !ok {
		return model.NormalizedTick{}, &MalformedTickError{Instrument: u.Instrument, Reason: "missing bucket field " + BucketField}
	}
	bucketSec, ok := model.Int64Of(rawBucket)
	if !ok {
		return model.NormalizedTick{}, &MalformedTickError{Instrument: u.Instrument, Reason: fmt.Sprintf("non-numeric bucket field %v", rawBucket)}
	}
	if bucketSec < 0 || bucketSec > maxEpochSec {
		return model.NormalizedTick{}, &MalformedTickError{Instrument: u.Instrument, Reason: fmt.Sprintf("bucket field %d out of range", bucketSec)}
	}

	tsMillis, err := decodeMillis(u.TS)
	if err != nil {
		return model.NormalizedTick{}, &MalformedTickError{Instrument: u.Instrument, Reason: "bad envelope ts", Err: err}
	}

	// Both values are range-checked, so the comparison cannot overflow.
	if bucketSec*1000 > tsMillis {
		return model.NormalizedTick{}, &MalformedTickError{
			Instrument: u.Instrument,
			Reason:     fmt.Sprintf("observed %dms before bucket start %ds", tsMillis, bucketSec),
		}
	}
	bucketStart := time.Unix(bucketSec, 0).UTC()
	observedAt := time.UnixMilli(tsMillis).UTC()

	delete(fields, BucketField)
	return model.NormalizedTick{
		Instrument:  u.Instrument,
		Market:      n.Market,
		BucketStart: bucketStart,
		ObservedAt:  observedAt,
		Fields:      fields,
	}, nil
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, fmt.Errorf("null object")
	}
	return fields, nil
}

func decodeMillis(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("missing")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, err
	}
	ms, ok := model.Int64Of(v)
	if !ok || ms <= 0 {
		return 0, fmt.Errorf("non-numeric or non-positive value %v", v)
	}
	if ms > maxEpochSec*1000+999 {
		return 0, fmt.Errorf("value %d out of range", ms)
	}
	return ms, nil
}
