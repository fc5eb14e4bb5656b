package edgex

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MainnetWSURL is the public quote websocket.
const MainnetWSURL = "wss://quote.edgex.exchange/api/v1/public/ws"

// TickerStream keeps the latest oracle/mark price for one contract from
// the public websocket, reconnecting with a short pause on any error.
// Readers only ever see the cached value; a dropped connection never
// blocks the control loop.
type TickerStream struct {
	url        string
	contractID string
	log        *zap.Logger

	dial func(ctx context.Context, url string) (wsConn, error)

	mu       sync.RWMutex
	last     float64
	haveLast bool
}

type wsConn interface {
	WriteJSON(v any) error
	ReadMessage() (int, []byte, error)
	Close() error
}

func NewTickerStream(url, contractID string, log *zap.Logger) *TickerStream {
	if url == "" {
		url = MainnetWSURL
	}
	return &TickerStream{
		url:        url,
		contractID: contractID,
		log:        log,
		dial: func(ctx context.Context, url string) (wsConn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return conn, err
		},
	}
}

// Last returns the most recent mark price, false until the first tick.
func (t *TickerStream) Last() (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.last, t.haveLast
}

// Run maintains the subscription until ctx ends.
func (t *TickerStream) Run(ctx context.Context) {
	for {
		if err := t.session(ctx); err != nil {
			t.log.Warn("ticker stream dropped", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(3 * time.Second):
		}
	}
}

type subscribeMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type tickerMessage struct {
	Channel string `json:"channel"`
	Content struct {
		Data []struct {
			OraclePrice string `json:"oraclePrice"`
			LastPrice   string `json:"lastPrice"`
		} `json:"data"`
	} `json:"content"`
}

func (t *TickerStream) session(ctx context.Context) error {
	conn, err := t.dial(ctx, t.url)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.url, err)
	}
	defer conn.Close()

	sub := subscribeMessage{Type: "subscribe", Channel: "ticker." + t.contractID}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		var msg tickerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		for _, d := range msg.Content.Data {
			s := d.OraclePrice
			if s == "" {
				s = d.LastPrice
			}
			price, err := parseDecimal(s)
			if err != nil || price <= 0 {
				continue
			}
			t.mu.Lock()
			t.last = price
			t.haveLast = true
			t.mu.Unlock()
		}
	}
}
