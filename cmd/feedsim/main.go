// cmd/feedsim: simulated exchange market-data WebSocket.
// Serves gzip-compressed kline updates in the exchange wire format so the
// relay can run without a real exchange connection.
//
// Config (env vars):
//
//	FEEDSIM_ADDR         listen address (default: ":9001")
//	FEEDSIM_SYMBOLS      comma-separated symbols (default: "ethusdt,btcusdt")
//	FEEDSIM_INTERVAL_MS  trade interval per symbol in milliseconds (default: "250")
//	FEEDSIM_PING_MS      keepalive interval in milliseconds (default: "5000")
package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"

	"mdrelay/internal/marketdata/ws"
	"mdrelay/internal/model"
)

type config struct {
	Addr       string   `envconfig:"FEEDSIM_ADDR" default:":9001"`
	Symbols    []string `envconfig:"FEEDSIM_SYMBOLS" default:"ethusdt,btcusdt"`
	IntervalMs int      `envconfig:"FEEDSIM_INTERVAL_MS" default:"250"`
	PingMs     int      `envconfig:"FEEDSIM_PING_MS" default:"5000"`
}

// frame is one update headed for subscribers of topic.
type frame struct {
	topic string
	data  []byte
}

type hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[*client]struct{})}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *hub) broadcast(f frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.subscribed(f.topic) {
			continue
		}
		select {
		case c.out <- f.data:
		default: // slow client, drop update
		}
	}
}

type client struct {
	out chan []byte

	mu   sync.Mutex
	subs map[string]bool
}

func (c *client) subscribe(topic string) {
	c.mu.Lock()
	c.subs[topic] = true
	c.mu.Unlock()
}

func (c *client) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[topic]
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub, pingEvery time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[feedsim] upgrade error: %v", err)
			return
		}
		log.Printf("[feedsim] client connected: %s", r.RemoteAddr)

		c := &client{out: make(chan []byte, 256), subs: make(map[string]bool)}
		h.add(c)
		done := make(chan struct{})
		defer func() {
			h.remove(c)
			conn.Close()
			log.Printf("[feedsim] client disconnected: %s", r.RemoteAddr)
		}()

		// Read pump: subscriptions and pongs.
		go func() {
			defer close(done)
			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var req struct {
					Sub  string `json:"sub"`
					ID   string `json:"id"`
					Pong int64  `json:"pong"`
				}
				if err := json.Unmarshal(raw, &req); err != nil {
					continue
				}
				if req.Sub != "" {
					c.subscribe(req.Sub)
					ack, _ := ws.Deflate(model.RawMessage{ID: req.ID, Status: "ok", Subbed: req.Sub})
					select {
					case c.out <- ack:
					default:
					}
				}
			}
		}()

		ping := time.NewTicker(pingEvery)
		defer ping.Stop()

		// Write pump.
		for {
			var msg []byte
			select {
			case <-done:
				return
			case msg = <-c.out:
			case now := <-ping.C:
				msg, _ = ws.Deflate(model.RawMessage{Ping: now.UnixMilli()})
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}
		}
	}
}

func runGenerator(h *hub, sims []*symbolSim, period string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for now := range ticker.C {
		for _, s := range sims {
			k := s.trade(now)
			tick, err := json.Marshal(k)
			if err != nil {
				continue
			}
			topic := ws.Topic(s.symbol, period)
			ts, _ := json.Marshal(now.UnixMilli())
			b, err := ws.Deflate(model.RawMessage{Ch: topic, TS: ts, Tick: tick})
			if err != nil {
				log.Printf("[feedsim] encode error: %v", err)
				continue
			}
			h.broadcast(frame{topic: topic, data: b})
		}
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var cfg config
	envconfig.MustProcess("", &cfg)

	seedPrices := map[string]decimal.Decimal{
		"btcusdt": decimal.NewFromInt(65000),
		"ethusdt": decimal.NewFromInt(3200),
	}
	var sims []*symbolSim
	for i, sym := range cfg.Symbols {
		sym = strings.ToLower(strings.TrimSpace(sym))
		if sym == "" {
			continue
		}
		start, ok := seedPrices[sym]
		if !ok {
			start = decimal.NewFromInt(100)
		}
		sims = append(sims, newSymbolSim(sym, start, time.Now().UnixNano()+int64(i)))
	}
	if len(sims) == 0 {
		log.Fatal("[feedsim] no symbols configured")
	}

	h := newHub()
	go runGenerator(h, sims, model.PeriodMinute, time.Duration(cfg.IntervalMs)*time.Millisecond)

	http.HandleFunc("/ws", wsHandler(h, time.Duration(cfg.PingMs)*time.Millisecond))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})

	log.Printf("[feedsim] listening on %s (symbols=%d, interval=%dms)", cfg.Addr, len(sims), cfg.IntervalMs)
	if err := http.ListenAndServe(cfg.Addr, nil); err != nil {
		log.Fatalf("[feedsim] server error: %v", err)
	}
}
