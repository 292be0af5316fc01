package tracker

import (
	"time"

	"mdrelay/internal/model"
)

// barState holds the last tick seen for one instrument and its bucket.
type barState struct {
	bucketStart time.Time
	last        model.NormalizedTick
}

// Tracker detects one-minute bucket rollovers per instrument.
//
// A bucket is closed lazily: when the first tick of a new bucket arrives, the
// previous tick becomes that bucket's finalized bar. A bucket that never gets
// a successor tick is never finalized.
//
// A Tracker is owned by a single goroutine and is not safe for concurrent use.
type Tracker struct {
	states map[string]*barState // key = instrument
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{states: make(map[string]*barState)}
}

// Observe advances the instrument's state with tick. It always returns the
// TickObserved event; when the bucket changed it also returns the previous
// tick as BarFinalized with ok=true.
func (t *Tracker) Observe(tick model.NormalizedTick) (observed model.TickObserved, closed model.BarFinalized, ok bool) {
	observed = model.TickObserved{Instrument: tick.Instrument, Tick: tick}

	state, exists := t.states[tick.Instrument]
	if !exists {
		t.states[tick.Instrument] = &barState{bucketStart: tick.BucketStart, last: tick}
		return observed, closed, false
	}

	if !state.bucketStart.Equal(tick.BucketStart) {
		closed = model.BarFinalized{Instrument: tick.Instrument, Bar: state.last}
		ok = true
	}

	state.bucketStart = tick.BucketStart
	state.last = tick
	return observed, closed, ok
}

// Last returns the most recent tick stored for instrument. The pipeline
// does not call it; it is there for tests and inspection.
func (t *Tracker) Last(instrument string) (model.NormalizedTick, bool) {
	state, ok := t.states[instrument]
	if !ok {
		return model.NormalizedTick{}, false
	}
	return state.last, true
}

// Len returns the number of instruments being tracked.
func (t *Tracker) Len() int {
	return len(t.states)
}
