// Package market fans a single authoritative kline WebSocket out to
// the engine's per-symbol dispatcher (spec §4.B), grounded on the
// teacher's market/combined_streams.go reconnect/backoff loop and
// generalized to idle-ping, capped-backoff reconnect, and
// context-cancellable receive.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradecore/logger"
)

const (
	idlePing        = 30 * time.Second
	pingTimeout     = 30 * time.Second
	initialBackoff  = 1 * time.Second
	maxBackoff      = 60 * time.Second
)

// KlineHandler is invoked for every decoded kline frame, with the
// symbol derived from the stream name and the raw inner payload.
type KlineHandler func(symbol string, interval string, payload []byte)

// Client is a single kline-stream WebSocket client for one instance.
type Client struct {
	url     string
	handler KlineHandler

	mu            sync.RWMutex
	conn          *websocket.Conn
	subscriptions map[string]struct{} // stream name -> member

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a market client against streamURL (e.g.
// "wss://fstream.binance.com/stream").
func New(streamURL string, handler KlineHandler) *Client {
	return &Client{
		url:           streamURL,
		handler:       handler,
		subscriptions: make(map[string]struct{}),
		stopCh:        make(chan struct{}),
	}
}

// Subscribe registers a symbol+interval kline stream. It does not dial:
// before Run has connected, the stream is only recorded, and Run sends
// it on connect and replays it across reconnects.
func (c *Client) Subscribe(ctx context.Context, symbol, interval string) error {
	stream := fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), interval)

	c.mu.Lock()
	_, already := c.subscriptions[stream]
	c.subscriptions[stream] = struct{}{}
	conn := c.conn
	c.mu.Unlock()

	if already {
		return nil
	}
	if conn == nil {
		return nil // picked up once Run() dials and replays subscriptions
	}
	return c.writeSubscribe(conn, []string{stream})
}

func (c *Client) writeSubscribe(conn *websocket.Conn, streams []string) error {
	msg := map[string]any{
		"method": "SUBSCRIBE",
		"params": streams,
		"id":     time.Now().UnixNano(),
	}
	return conn.WriteJSON(msg)
}

// Run dials the stream, replays subscriptions, and blocks receiving
// frames until ctx is cancelled or Stop is called. On connection loss
// it reconnects with doubling backoff capped at 60s, resetting on a
// successful open.
func (c *Client) Run(ctx context.Context) {
	backoff := initialBackoff
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		conn, err := c.dial(ctx)
		if err != nil {
			logger.Warnf("market: dial failed, retrying in %s: %v", backoff, err)
			if !c.sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = initialBackoff

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		c.receiveLoop(ctx, conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(pingTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pingTimeout))
		return nil
	})

	c.mu.RLock()
	streams := make([]string, 0, len(c.subscriptions))
	for s := range c.subscriptions {
		streams = append(streams, s)
	}
	c.mu.RUnlock()

	if len(streams) > 0 {
		if err := c.writeSubscribe(conn, streams); err != nil {
			conn.Close()
			return nil, fmt.Errorf("market: resubscribe: %w", err)
		}
	}

	go c.pingLoop(ctx, conn)
	return conn, nil
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(idlePing)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.RLock()
			current := c.conn
			c.mu.RUnlock()
			if current != conn {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func (c *Client) receiveLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			logger.Warnf("market: read failed, reconnecting: %v", err)
			return
		}
		c.dispatch(message)
	}
}

func (c *Client) dispatch(message []byte) {
	var frame struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(message, &frame); err != nil {
		logger.Warnf("market: decode frame: %v", err)
		return
	}
	symbol, interval, ok := parseKlineStream(frame.Stream)
	if !ok {
		return
	}
	c.handler(symbol, interval, frame.Data)
}

func parseKlineStream(stream string) (symbol, interval string, ok bool) {
	const marker = "@kline_"
	idx := strings.Index(stream, marker)
	if idx < 0 {
		return "", "", false
	}
	return strings.ToUpper(stream[:idx]), stream[idx+len(marker):], true
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.stopCh:
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

// Stop causes Run to return promptly and releases the subscriptions
// map (spec §4.B cancellation semantics).
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.subscriptions = make(map[string]struct{})
		c.mu.Unlock()
	})
}
