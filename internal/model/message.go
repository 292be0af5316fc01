package model

import (
	"encoding/json"
	"fmt"
)

// RawMessage is one decoded frame from the exchange feed.
//
// A tick update carries Ch + Tick + TS, a request reply carries Rep + Data,
// and keepalives carry only Ping. Anything else is unclassified.
type RawMessage struct {
	Ch   string          `json:"ch,omitempty"`
	Tick json.RawMessage `json:"tick,omitempty"`
	TS   json.RawMessage `json:"ts,omitempty"` // epoch milliseconds

	Rep  string          `json:"rep,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`

	Ping   int64  `json:"ping,omitempty"`
	ID     string `json:"id,omitempty"`
	Status string `json:"status,omitempty"`
	Subbed string `json:"subbed,omitempty"`
	ErrMsg string `json:"err-msg,omitempty"`
}

// DecodeRawMessage parses a single JSON frame.
func DecodeRawMessage(b []byte) (RawMessage, error) {
	var msg RawMessage
	if err := json.Unmarshal(b, &msg); err != nil {
		return RawMessage{}, fmt.Errorf("decode raw message: %w", err)
	}
	return msg, nil
}

// IsPing reports whether the frame is a server keepalive.
func (m *RawMessage) IsPing() bool {
	return m.Ping != 0 && m.Ch == "" && m.Rep == ""
}

// IsSubAck reports whether the frame acknowledges a subscription request.
func (m *RawMessage) IsSubAck() bool {
	return m.Subbed != "" || (m.Status != "" && m.Ch == "" && m.Rep == "")
}
