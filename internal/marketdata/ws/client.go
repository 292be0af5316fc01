// Package ws is the exchange market-data WebSocket client. It subscribes to
// kline channels, inflates gzip frames, answers server keepalives and
// forwards every other frame to the pipeline as a model.RawMessage.
//
// Wire format (Huobi-style):
//
//	-> {"sub":"market.ethusdt.kline.1min","id":"ethusdt-1700000000000000000"}
//	<- {"id":"...","status":"ok","subbed":"market.ethusdt.kline.1min","ts":1700000000000}
//	<- {"ping":1700000000000}
//	-> {"pong":1700000000000}
//	<- {"ch":"market.ethusdt.kline.1min","ts":1700000000123,"tick":{"id":1699999980,...}}
package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"

	"mdrelay/internal/logger"
	"mdrelay/internal/model"
)

// Config holds configuration for the feed client.
type Config struct {
	// URL of the feed, e.g. "wss://api.huobi.pro/ws"
	URL string

	// Symbols to subscribe, e.g. ["ethusdt", "btcusdt"].
	Symbols []string

	// Period of the kline channels. Defaults to "1min".
	Period string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration

	// ReadTimeout drops a connection that has been silent this long.
	// Defaults to 30s. The server pings every few seconds.
	ReadTimeout time.Duration
}

func (c *Config) defaults() {
	if c.Period == "" {
		c.Period = model.PeriodMinute
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
}

// Topic returns the kline channel for a symbol.
func Topic(symbol, period string) string {
	return "market." + symbol + ".kline." + period
}

// Client streams raw feed messages with automatic reconnect.
type Client struct {
	cfg       Config
	connected atomic.Bool

	// Optional metrics hooks
	OnReconnect func()
	OnDrop      func()
	OnFrame     func()
}

// New creates a Client. Returns an error if the URL is unparseable or no
// symbols are configured.
func New(cfg Config) (*Client, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("ws: unsupported scheme %q", u.Scheme)
	}
	if len(cfg.Symbols) == 0 {
		return nil, errors.New("ws: no symbols to subscribe")
	}
	return &Client{cfg: cfg}, nil
}

// Connected reports whether a feed connection is currently up.
func (c *Client) Connected() bool { return c.connected.Load() }

// Ping implements model.Pinger for health checks.
func (c *Client) Ping(context.Context) error {
	if !c.Connected() {
		return errors.New("feed disconnected")
	}
	return nil
}

// Start connects and streams messages into out until ctx is cancelled.
// Reconnects with exponential backoff on disconnect. When out is full the
// message is dropped so a slow consumer never stalls keepalives.
func (c *Client) Start(ctx context.Context, out chan<- model.RawMessage) error {
	delay := c.cfg.ReconnectDelay

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		established, err := c.runOnce(ctx, out)
		if err == nil {
			return nil
		}
		if established {
			delay = c.cfg.ReconnectDelay
		}

		log.Printf("[ws] disconnected (%v), reconnecting in %s...", err, delay)
		if c.OnReconnect != nil {
			c.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > c.cfg.MaxReconnectDelay {
			delay = c.cfg.MaxReconnectDelay
		}
	}
}

// conn serializes writes; gorilla allows one concurrent writer.
type conn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *conn) close() {
	c.mu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		time.Now().Add(time.Second))
	c.mu.Unlock()
	c.ws.Close()
}

type subRequest struct {
	Sub string `json:"sub"`
	ID  string `json:"id"`
}

type pong struct {
	Pong int64 `json:"pong"`
}

// runOnce makes a single connection and reads until disconnect or ctx
// cancel. established reports whether the connection got as far as
// subscribing, which resets the backoff.
func (c *Client) runOnce(ctx context.Context, out chan<- model.RawMessage) (established bool, err error) {
	wsConn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return false, err
	}
	cn := &conn{ws: wsConn}
	defer wsConn.Close()

	log.Printf("[ws] connected to %s", c.cfg.URL)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			cn.close()
		case <-stop:
		}
	}()

	now := time.Now()
	for _, sym := range c.cfg.Symbols {
		req := subRequest{Sub: Topic(sym, c.cfg.Period), ID: logger.GenerateTraceID(sym, now)}
		if err := cn.writeJSON(req); err != nil {
			return false, fmt.Errorf("subscribe %s: %w", req.Sub, err)
		}
	}

	c.connected.Store(true)
	defer c.connected.Store(false)

	for {
		wsConn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		_, frame, err := wsConn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, err
		}
		if c.OnFrame != nil {
			c.OnFrame()
		}

		payload, err := inflate(frame)
		if err != nil {
			log.Printf("[ws] inflate error: %v", err)
			continue
		}
		msg, err := model.DecodeRawMessage(payload)
		if err != nil {
			log.Printf("[ws] %v (raw: %.200s)", err, payload)
			continue
		}

		switch {
		case msg.IsPing():
			if err := cn.writeJSON(pong{Pong: msg.Ping}); err != nil {
				return true, fmt.Errorf("pong: %w", err)
			}
			continue
		case msg.IsSubAck():
			if msg.Status != "" && msg.Status != "ok" {
				log.Printf("[ws] subscription %s rejected: %s", msg.ID, msg.ErrMsg)
			} else {
				log.Printf("[ws] subscribed %s", msg.Subbed)
			}
			continue
		}

		select {
		case out <- msg:
		default:
			log.Println("[ws] output channel full, dropping message")
			if c.OnDrop != nil {
				c.OnDrop()
			}
		}
	}
}

// inflate returns the frame as-is unless it starts with the gzip magic.
func inflate(frame []byte) ([]byte, error) {
	if len(frame) < 2 || frame[0] != 0x1f || frame[1] != 0x8b {
		return frame, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(frame))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// Deflate gzips a JSON frame the way the exchange sends it.
func Deflate(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
