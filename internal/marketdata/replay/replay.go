// Package replay plays captured feed frames from a JSON-lines file, one raw
// message per line, at a configurable speed. It stands in for the live
// WebSocket client in offline runs and tests.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"mdrelay/internal/model"
)

const maxLine = 1 << 20

// maxGap caps the sleep between two frames.
const maxGap = 5 * time.Second

// Replayer reads raw messages from r.
type Replayer struct {
	r     io.Reader
	speed float64
}

// New creates a Replayer. speed controls the playback rate: 1.0 = real-time,
// 10.0 = 10x, 0 = as fast as possible. Gaps are taken from each frame's ts.
func New(r io.Reader, speed float64) *Replayer {
	return &Replayer{r: r, speed: speed}
}

// Open creates a Replayer over a file. The caller closes the returned file.
func Open(path string, speed float64) (*Replayer, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("replay open: %w", err)
	}
	return New(f, speed), f, nil
}

// Run emits every decodable line into out, in file order. Blank and
// undecodable lines are skipped. Returns ctx.Err() if cancelled.
func (rp *Replayer) Run(ctx context.Context, out chan<- model.RawMessage) error {
	sc := bufio.NewScanner(rp.r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)

	var prevTS int64
	emitted, skipped, line := 0, 0, 0

	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		msg, err := model.DecodeRawMessage(raw)
		if err != nil {
			log.Printf("[replay] line %d: %v", line, err)
			skipped++
			continue
		}

		ts := frameMillis(msg.TS)
		if rp.speed > 0 && ts > 0 && prevTS > 0 && ts > prevTS {
			gap := time.Duration(float64(time.Duration(ts-prevTS)*time.Millisecond) / rp.speed)
			if gap > maxGap {
				gap = maxGap
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(gap):
			}
		}
		if ts > 0 {
			prevTS = ts
		}

		select {
		case out <- msg:
			emitted++
		case <-ctx.Done():
			log.Printf("[replay] cancelled after %d messages", emitted)
			return ctx.Err()
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("replay read: %w", err)
	}

	log.Printf("[replay] completed: %d messages replayed, %d skipped", emitted, skipped)
	return nil
}

func frameMillis(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0
	}
	v, err := n.Int64()
	if err != nil {
		return 0
	}
	return v
}
