// Package classify sorts inbound feed envelopes into tick updates, request
// replies and everything else.
package classify

import (
	"encoding/json"
	"fmt"
	"strings"

	"mdrelay/internal/model"
)

// Kind is the category of an inbound envelope.
type Kind int

const (
	KindUnclassified Kind = iota
	KindTickUpdate
	KindReply
)

func (k Kind) String() string {
	switch k {
	case KindTickUpdate:
		return "tick_update"
	case KindReply:
		return "reply"
	default:
		return "unclassified"
	}
}

// republishPrefix marks channels in this service's own output scheme
// (md.<market>.<period>.<instrument>).
const republishPrefix = "md"

// TickUpdate is a channel update for one instrument and bucket period.
type TickUpdate struct {
	Channel    string
	Prefix     string
	Instrument string
	DataKind   string // "kline" on exchange channels, the market label on republished ones
	Period     string
	Tick       json.RawMessage
	TS         json.RawMessage // envelope timestamp, epoch millis
}

// IsMinute reports whether the update belongs to the aggregated period.
func (u *TickUpdate) IsMinute() bool {
	return u.Period == model.PeriodMinute
}

// Reply is the answer to a request on the feed.
type Reply struct {
	Topic string
	Data  json.RawMessage
}

// Result is the outcome of Classify. Only the field matching Kind is set.
type Result struct {
	Kind   Kind
	Update TickUpdate
	Reply  Reply
}

// MalformedMessageError reports an envelope that looks like a tick update but
// cannot be parsed.
type MalformedMessageError struct {
	Channel string
	Reason  string
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message on channel %q: %s", e.Channel, e.Reason)
}

// Classify inspects an envelope. A channel key wins over a reply key.
func Classify(msg model.RawMessage) (Result, error) {
	switch {
	case msg.Ch != "":
		u, err := ParseChannel(msg.Ch)
		if err != nil {
			return Result{}, err
		}
		if len(msg.Tick) == 0 || string(msg.Tick) == "null" {
			return Result{}, &MalformedMessageError{Channel: msg.Ch, Reason: "missing tick payload"}
		}
		u.Tick = msg.Tick
		u.TS = msg.TS
		return Result{Kind: KindTickUpdate, Update: u}, nil

	case msg.Rep != "":
		return Result{Kind: KindReply, Reply: Reply{Topic: msg.Rep, Data: msg.Data}}, nil

	default:
		return Result{Kind: KindUnclassified}, nil
	}
}

// ParseChannel splits "<prefix>.<instrument>.<kind>.<period>". Channels in the
// republished scheme "md.<market>.<period>.<instrument>" are also accepted.
func ParseChannel(ch string) (TickUpdate, error) {
	seg := strings.Split(ch, ".")
	if len(seg) != 4 {
		return TickUpdate{}, &MalformedMessageError{
			Channel: ch,
			Reason:  fmt.Sprintf("expected 4 segments, got %d", len(seg)),
		}
	}
	for _, s := range seg {
		if s == "" {
			return TickUpdate{}, &MalformedMessageError{Channel: ch, Reason: "empty segment"}
		}
	}

	if seg[0] == republishPrefix {
		return TickUpdate{
			Channel:    ch,
			Prefix:     seg[0],
			DataKind:   seg[1],
			Period:     seg[2],
			Instrument: seg[3],
		}, nil
	}
	return TickUpdate{
		Channel:    ch,
		Prefix:     seg[0],
		Instrument: seg[1],
		DataKind:   seg[2],
		Period:     seg[3],
	}, nil
}
