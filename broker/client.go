// Package broker mediates application access to the vehicle signal broker.
//
// Client is a persistent WebSocket connection to the broker speaking a
// VISS-style JSON protocol (get/set/subscribe/unsubscribe with request_id
// correlation).  Gateway sits on top and enforces per-application declared
// access; applications never hold a broker connection themselves.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Notification is one typed update pushed for an active subscription.
type Notification struct {
	SubscriptionID string
	Path           string
	Value          any
	TS             time.Time
}

// NotifyFunc receives subscription notifications.
type NotifyFunc func(Notification)

// response carries the outcome of a correlated request.
type response struct {
	value          any
	subscriptionID string
	err            error
}

// Client maintains a persistent WebSocket connection to the signal broker.
// It automatically reconnects on failure and serialises all writes.
type Client struct {
	url string

	// conn is the active connection; nil when disconnected.
	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex // serialises writes to conn

	// pending requests: request_id → chan response
	pending sync.Map
	// active subscriptions: subscription_id → NotifyFunc
	subs sync.Map

	idSeq atomic.Int64

	reconnectDelay time.Duration
}

// NewClient creates a Client targeting the given WebSocket URL.
func NewClient(url string) *Client {
	return &Client{
		url:            url,
		reconnectDelay: 5 * time.Second,
	}
}

// Run connects and reconnects until ctx is cancelled.
// Call this in a dedicated goroutine.
func (c *Client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.connect(ctx); err != nil && ctx.Err() == nil {
			log.Printf("broker: %v — retrying in %s", err, c.reconnectDelay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.reconnectDelay):
		}
	}
}

// Connected reports whether a connection is currently active.
func (c *Client) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

func (c *Client) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	log.Printf("broker: connected to %s", c.url)

	defer func() {
		conn.Close()
		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()

		// Fail all in-flight requests; subscriptions survive and are
		// re-established by the gateway on reconnect.
		c.pending.Range(func(k, v any) bool {
			v.(chan response) <- response{err: fmt.Errorf("broker: connection lost")}
			c.pending.Delete(k)
			return true
		})

		log.Printf("broker: disconnected from %s", c.url)
	}()

	for {
		if ctx.Err() != nil {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(raw)
	}
}

// inbound is the superset of all messages sent by the broker.
type inbound struct {
	Action         string    `json:"action"`
	RequestID      string    `json:"request_id,omitempty"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	Path           string    `json:"path,omitempty"`
	Value          any       `json:"value,omitempty"`
	Error          *wireErr  `json:"error,omitempty"`
	TS             time.Time `json:"ts"`
}

// wireErr is the broker's error object.
type wireErr struct {
	Number  int    `json:"number"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func (e *wireErr) toErr() error {
	switch e.Reason {
	case "access_denied", "forbidden":
		return fmt.Errorf("%w: %s", ErrAccessDenied, e.Message)
	case "path_unknown", "invalid_path":
		return fmt.Errorf("%w: %s", ErrPathUnknown, e.Message)
	case "type_mismatch", "invalid_value":
		return fmt.Errorf("%w: %s", ErrTypeMismatch, e.Message)
	}
	return fmt.Errorf("broker: %s: %s", e.Reason, e.Message)
}

func (c *Client) dispatch(raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("broker: bad message: %v", err)
		return
	}

	if msg.Action == "subscription" {
		if fn, ok := c.subs.Load(msg.SubscriptionID); ok {
			fn.(NotifyFunc)(Notification{
				SubscriptionID: msg.SubscriptionID,
				Path:           msg.Path,
				Value:          msg.Value,
				TS:             msg.TS,
			})
		}
		return
	}

	if msg.RequestID == "" {
		return
	}
	ch, ok := c.pending.LoadAndDelete(msg.RequestID)
	if !ok {
		return
	}
	res := response{value: msg.Value, subscriptionID: msg.SubscriptionID}
	if msg.Error != nil {
		res.err = msg.Error.toErr()
	}
	ch.(chan response) <- res
}

func (c *Client) send(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected to signal broker")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *Client) nextID() string {
	return fmt.Sprintf("b%d", c.idSeq.Add(1))
}

// request sends one correlated message and waits for the matching reply.
func (c *Client) request(ctx context.Context, payload map[string]any) (response, error) {
	id := c.nextID()
	payload["request_id"] = id

	ch := make(chan response, 1)
	c.pending.Store(id, ch)

	if err := c.send(payload); err != nil {
		c.pending.Delete(id)
		return response{}, err
	}

	select {
	case res := <-ch:
		return res, res.err
	case <-ctx.Done():
		c.pending.Delete(id)
		return response{}, ctx.Err()
	case <-time.After(10 * time.Second):
		c.pending.Delete(id)
		return response{}, fmt.Errorf("timeout waiting for broker reply")
	}
}

// Get reads the current value of a signal path.
func (c *Client) Get(ctx context.Context, path string) (any, error) {
	res, err := c.request(ctx, map[string]any{"action": "get", "path": path})
	if err != nil {
		return nil, err
	}
	return res.value, nil
}

// Set writes a value to a signal path.
func (c *Client) Set(ctx context.Context, path string, value any) error {
	_, err := c.request(ctx, map[string]any{"action": "set", "path": path, "value": value})
	return err
}

// Subscribe opens a broker subscription on path.  fn is called for every
// notification until Unsubscribe.
func (c *Client) Subscribe(ctx context.Context, path string, rateHz float64, fn NotifyFunc) (string, error) {
	payload := map[string]any{"action": "subscribe", "path": path}
	if rateHz > 0 {
		payload["rate_hz"] = rateHz
	}
	res, err := c.request(ctx, payload)
	if err != nil {
		return "", err
	}
	if res.subscriptionID == "" {
		return "", fmt.Errorf("broker: subscribe %s: no subscription id in reply", path)
	}
	c.subs.Store(res.subscriptionID, fn)
	return res.subscriptionID, nil
}

// Unsubscribe tears down one broker subscription.
func (c *Client) Unsubscribe(ctx context.Context, subscriptionID string) error {
	c.subs.Delete(subscriptionID)
	_, err := c.request(ctx, map[string]any{"action": "unsubscribe", "subscription_id": subscriptionID})
	return err
}
