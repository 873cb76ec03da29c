package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tri2510/vehicle-edge-runtime/store"
)

// fakeBroker is a minimal VISS-style broker: it answers get/set/subscribe/
// unsubscribe and can push subscription notifications on demand.
type fakeBroker struct {
	t      *testing.T
	srv    *httptest.Server
	subSeq atomic.Int64

	values map[string]any
	conns  chan *websocket.Conn
}

func newFakeBroker(t *testing.T) *fakeBroker {
	fb := &fakeBroker{
		t:      t,
		values: map[string]any{"Vehicle.Speed": 42.5},
		conns:  make(chan *websocket.Conn, 4),
	}
	up := websocket.Upgrader{}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fb.conns <- ws
		fb.serve(ws)
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBroker) url() string {
	return "ws" + strings.TrimPrefix(fb.srv.URL, "http")
}

func (fb *fakeBroker) serve(ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var req map[string]any
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		reply := map[string]any{
			"action":     req["action"],
			"request_id": req["request_id"],
			"ts":         time.Now().UTC().Format(time.RFC3339),
		}
		switch req["action"] {
		case "get":
			path, _ := req["path"].(string)
			if v, ok := fb.values[path]; ok {
				reply["value"] = v
			} else {
				reply["error"] = map[string]any{"number": 404, "reason": "path_unknown", "message": path}
			}
		case "set":
			path, _ := req["path"].(string)
			if path == "Vehicle.Speed" {
				reply["error"] = map[string]any{"number": 403, "reason": "access_denied", "message": "read only"}
			} else {
				fb.values[path] = req["value"]
			}
		case "subscribe":
			reply["subscription_id"] = fmt.Sprintf("sub-%d", fb.subSeq.Add(1))
		case "unsubscribe":
		}
		if err := ws.WriteJSON(reply); err != nil {
			return
		}
	}
}

// notify pushes one subscription notification down the most recent conn.
func (fb *fakeBroker) notify(ws *websocket.Conn, subID, path string, value any) {
	fb.t.Helper()
	require.NoError(fb.t, ws.WriteJSON(map[string]any{
		"action":          "subscription",
		"subscription_id": subID,
		"path":            path,
		"value":           value,
		"ts":              time.Now().UTC().Format(time.RFC3339),
	}))
}

func startClient(t *testing.T, fb *fakeBroker) (*Client, *websocket.Conn) {
	t.Helper()
	c := NewClient(fb.url())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)

	var serverConn *websocket.Conn
	select {
	case serverConn = <-fb.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}
	require.Eventually(t, c.Connected, 2*time.Second, 10*time.Millisecond)
	return c, serverConn
}

func TestClientGetSet(t *testing.T) {
	fb := newFakeBroker(t)
	c, _ := startClient(t, fb)
	ctx := context.Background()

	v, err := c.Get(ctx, "Vehicle.Speed")
	require.NoError(t, err)
	assert.Equal(t, 42.5, v)

	_, err = c.Get(ctx, "Vehicle.Nope")
	assert.ErrorIs(t, err, ErrPathUnknown)

	err = c.Set(ctx, "Vehicle.Speed", 1)
	assert.ErrorIs(t, err, ErrAccessDenied)

	require.NoError(t, c.Set(ctx, "Vehicle.Cabin.HVAC.Station.Row1.Driver.Temperature", 21.0))
	v, err = c.Get(ctx, "Vehicle.Cabin.HVAC.Station.Row1.Driver.Temperature")
	require.NoError(t, err)
	assert.Equal(t, 21.0, v)
}

func TestClientSubscribeNotify(t *testing.T) {
	fb := newFakeBroker(t)
	c, serverConn := startClient(t, fb)
	ctx := context.Background()

	got := make(chan Notification, 1)
	subID, err := c.Subscribe(ctx, "Vehicle.Speed", 10, func(n Notification) { got <- n })
	require.NoError(t, err)
	require.NotEmpty(t, subID)

	fb.notify(serverConn, subID, "Vehicle.Speed", 88.0)

	select {
	case n := <-got:
		assert.Equal(t, subID, n.SubscriptionID)
		assert.Equal(t, "Vehicle.Speed", n.Path)
		assert.Equal(t, 88.0, n.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("notification never arrived")
	}

	require.NoError(t, c.Unsubscribe(ctx, subID))

	// After unsubscribe, notifications are dropped.
	fb.notify(serverConn, subID, "Vehicle.Speed", 89.0)
	select {
	case <-got:
		t.Fatal("notification delivered after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

// ---- gateway ----

func declaredApp() *store.Application {
	return &store.Application{
		AppID: "VEA-demo",
		DeclaredSignals: []store.SignalAccess{
			{Path: "Vehicle.Speed", Access: "subscribe", RateHz: 10},
			{Path: "Vehicle.Body.Lights.Beam.Low.IsOn", Access: "read"},
			{Path: "Vehicle.Cabin.HVAC.Station.Row1.Driver.Temperature", Access: "write"},
		},
	}
}

func TestGatewayEnforcesDeclaredAccess(t *testing.T) {
	fb := newFakeBroker(t)
	c, _ := startClient(t, fb)
	g := NewGateway(c, DefaultCatalog())
	ctx := context.Background()

	app := declaredApp()
	token, err := g.OpenSession(ctx, app)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "VEA-demo#"), "token is fingerprinted with the app id")

	// Declared subscribe also grants read.
	vals, err := g.Read(ctx, "VEA-demo", []string{"Vehicle.Speed"})
	require.NoError(t, err)
	assert.Equal(t, 42.5, vals["Vehicle.Speed"])

	// Undeclared read is denied even for a catalog path.
	_, err = g.Read(ctx, "VEA-demo", []string{"Vehicle.Exterior.AirTemperature"})
	assert.ErrorIs(t, err, ErrAccessDenied)

	// Unknown path beats access checking.
	_, err = g.Read(ctx, "VEA-demo", []string{"Vehicle.Made.Up"})
	assert.ErrorIs(t, err, ErrPathUnknown)

	// Declared write goes through; undeclared write is denied.
	require.NoError(t, g.Write(ctx, "VEA-demo", "Vehicle.Cabin.HVAC.Station.Row1.Driver.Temperature", 20.5))
	err = g.Write(ctx, "VEA-demo", "Vehicle.Speed", 1)
	assert.ErrorIs(t, err, ErrAccessDenied)

	// No session, no access.
	_, err = g.Read(ctx, "VEA-other", []string{"Vehicle.Speed"})
	assert.ErrorIs(t, err, ErrNoSession)

	g.CloseSession("VEA-demo")
	_, err = g.Read(ctx, "VEA-demo", []string{"Vehicle.Speed"})
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestGatewaySubscribe(t *testing.T) {
	fb := newFakeBroker(t)
	c, serverConn := startClient(t, fb)
	g := NewGateway(c, DefaultCatalog())
	ctx := context.Background()

	_, err := g.OpenSession(ctx, declaredApp())
	require.NoError(t, err)

	got := make(chan Notification, 1)
	subID, err := g.Subscribe(ctx, "VEA-demo", "Vehicle.Speed", 10, func(n Notification) { got <- n })
	require.NoError(t, err)
	require.NotEmpty(t, subID)

	fb.notify(serverConn, subID, "Vehicle.Speed", 61.0)
	select {
	case n := <-got:
		assert.Equal(t, "Vehicle.Speed", n.Path)
		assert.Equal(t, 61.0, n.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("notification never arrived")
	}

	// Declared read access does not imply subscribe.
	_, err = g.Subscribe(ctx, "VEA-demo", "Vehicle.Body.Lights.Beam.Low.IsOn", 1, func(Notification) {})
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = g.Subscribe(ctx, "VEA-demo", "Vehicle.Made.Up", 1, func(Notification) {})
	assert.ErrorIs(t, err, ErrPathUnknown)

	_, err = g.Subscribe(ctx, "VEA-other", "Vehicle.Speed", 1, func(Notification) {})
	assert.ErrorIs(t, err, ErrNoSession)

	// Closing the session tears the subscription down on the broker.
	g.CloseSession("VEA-demo")
	fb.notify(serverConn, subID, "Vehicle.Speed", 62.0)
	select {
	case <-got:
		t.Fatal("notification delivered after session close")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGatewayReplacesSession(t *testing.T) {
	fb := newFakeBroker(t)
	c, _ := startClient(t, fb)
	g := NewGateway(c, DefaultCatalog())
	ctx := context.Background()

	app := declaredApp()
	tok1, err := g.OpenSession(ctx, app)
	require.NoError(t, err)
	tok2, err := g.OpenSession(ctx, app)
	require.NoError(t, err)
	assert.NotEqual(t, tok1, tok2, "reopening mints a fresh token")
}

func TestValidatePartitions(t *testing.T) {
	g := NewDisabledGateway(DefaultCatalog())

	v := g.Validate([]store.SignalAccess{
		{Path: "Vehicle.Speed", Access: "subscribe", RateHz: 500},
		{Path: "Vehicle.Speed", Access: "read"}, // duplicate path
		{Path: "Vehicle.Made.Up", Access: "read"},
		{Path: "Vehicle.Speed", Access: "write"}, // not writable
	})

	assert.Equal(t, 4, v.Total)
	assert.Equal(t, []string{"Vehicle.Speed"}, v.Valid)
	assert.Equal(t, []string{"Vehicle.Made.Up"}, v.Invalid)
	require.Len(t, v.Warnings, 2)
	assert.Contains(t, v.Warnings[0], "clamped")
	assert.Contains(t, v.Warnings[1], "not writable")
}

func TestDisabledGatewaySessions(t *testing.T) {
	g := NewDisabledGateway(DefaultCatalog())
	ctx := context.Background()

	_, err := g.OpenSession(ctx, declaredApp())
	assert.ErrorIs(t, err, ErrBrokerDisabled)
	_, err = g.Read(ctx, "VEA-demo", []string{"Vehicle.Speed"})
	assert.ErrorIs(t, err, ErrBrokerDisabled)
	_, err = g.Subscribe(ctx, "VEA-demo", "Vehicle.Speed", 1, func(Notification) {})
	assert.ErrorIs(t, err, ErrBrokerDisabled)
	assert.False(t, g.Connected())
}
