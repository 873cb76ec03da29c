package control

import (
	"context"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tri2510/vehicle-edge-runtime/broker"
	"github.com/tri2510/vehicle-edge-runtime/config"
	"github.com/tri2510/vehicle-edge-runtime/identity"
	"github.com/tri2510/vehicle-edge-runtime/lifecycle"
	"github.com/tri2510/vehicle-edge-runtime/sandbox"
	"github.com/tri2510/vehicle-edge-runtime/store/sqlite"
)

// ---- minimal fakes (the lifecycle package has richer ones in its own tests) ----

type stubDriver struct {
	mu    sync.Mutex
	seq   int
	state map[string]string
	logs  map[string]chan sandbox.LogLine
}

func newStubDriver() *stubDriver {
	return &stubDriver{state: make(map[string]string), logs: make(map[string]chan sandbox.LogLine)}
}

func (d *stubDriver) Create(ctx context.Context, spec sandbox.Spec) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	h := "stub-" + spec.Name
	d.state[h] = sandbox.StateCreated
	d.logs[h] = make(chan sandbox.LogLine, 16)
	return h, nil
}

func (d *stubDriver) Start(ctx context.Context, h string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state[h] = sandbox.StateRunning
	return nil
}

func (d *stubDriver) Stop(ctx context.Context, h string, grace time.Duration) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.state[h]; !ok {
		return 0, sandbox.ErrNotFound
	}
	d.state[h] = sandbox.StateExited
	close(d.logs[h])
	delete(d.logs, h)
	return 0, nil
}

func (d *stubDriver) Pause(ctx context.Context, h string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state[h] = sandbox.StatePaused
	return nil
}

func (d *stubDriver) Resume(ctx context.Context, h string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state[h] = sandbox.StateRunning
	return nil
}

func (d *stubDriver) Remove(ctx context.Context, h string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.state, h)
	return nil
}

func (d *stubDriver) Inspect(ctx context.Context, h string) (sandbox.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.state[h]
	if !ok {
		return sandbox.Status{}, sandbox.ErrNotFound
	}
	return sandbox.Status{State: st}, nil
}

func (d *stubDriver) AttachLogs(ctx context.Context, h string, tail bool) (<-chan sandbox.LogLine, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.logs[h]
	if !ok {
		return nil, sandbox.ErrNotFound
	}
	return ch, nil
}

func (d *stubDriver) Reap(ctx context.Context, h string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.state, h)
}

func (d *stubDriver) Managed(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	handles := make([]string, 0, len(d.state))
	for h := range d.state {
		handles = append(handles, h)
	}
	return handles, nil
}

func (d *stubDriver) Ping(ctx context.Context) error { return nil }

func (d *stubDriver) pushLog(appHandlePrefix, data string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for h, ch := range d.logs {
		if strings.HasPrefix(h, appHandlePrefix) {
			ch <- sandbox.LogLine{Stream: "out", Data: []byte(data), TS: time.Now()}
			return true
		}
	}
	return false
}

// ---- harness ----

func dialServer(t *testing.T) (*websocket.Conn, *stubDriver) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Config{
		DataDir:                  dir,
		AppIDPrefix:              "VEA-",
		MaxLiveApps:              5,
		ReconcileIntervalMS:      60_000,
		DefaultRequestDeadlineMS: 5_000,
		DefaultStopGraceMS:       1_000,
		ControlWorkers:           4,
		LogRetentionRows:         100,
		ConsoleBuffer:            16,
	}

	db, err := sqlite.Open(filepath.Join(dir, "test.db"), 100)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	drv := newStubDriver()
	gw := broker.NewDisabledGateway(broker.DefaultCatalog())
	mgr := lifecycle.New(cfg, db, identity.New(cfg.AppIDPrefix, db), drv, gw)

	srv := httptest.NewServer(NewServer(cfg, mgr).Handler())
	t.Cleanup(srv.Close)

	ws, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws, drv
}

// readUntil reads frames until one of the given type arrives, returning it
// and every frame skipped on the way.
func readUntil(t *testing.T, ws *websocket.Conn, typ string) (map[string]any, []map[string]any) {
	t.Helper()
	var skipped []map[string]any
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		var frame map[string]any
		require.NoError(t, ws.ReadJSON(&frame))
		if frame["type"] == typ {
			return frame, skipped
		}
		skipped = append(skipped, frame)
	}
	t.Fatalf("no %s frame within deadline", typ)
	return nil, nil
}

func send(t *testing.T, ws *websocket.Conn, msg map[string]any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(msg))
}

// ---- tests ----

func TestPing(t *testing.T) {
	ws, _ := dialServer(t)
	send(t, ws, map[string]any{"type": "ping", "id": "p1"})
	frame, _ := readUntil(t, ws, "pong")
	assert.Equal(t, "p1", frame["id"])
	assert.Equal(t, "success", frame["status"])
	assert.NotZero(t, frame["timestamp"])
}

func TestDeployAndLifecycle(t *testing.T) {
	ws, _ := dialServer(t)

	send(t, ws, map[string]any{
		"type": "deploy_request", "id": "d1",
		"name": "speed-logger", "kind": "script",
		"code":         "print('hi')\n",
		"dependencies": []string{"requests"},
	})
	frame, skipped := readUntil(t, ws, "deploy_request-response")
	assert.Equal(t, "d1", frame["id"])
	require.Equal(t, "success", frame["status"], "error: %v", frame["error"])
	assert.Equal(t, "installed", frame["state"])
	assert.Equal(t, "VEA-speed-logger", frame["app_id"])

	data := frame["data"].(map[string]any)
	deploymentID := data["deployment_id"].(string)
	require.NotEmpty(t, deploymentID)
	app := data["app"].(map[string]any)
	assert.Equal(t, "VEA-speed-logger", app["app_id"])
	assert.Equal(t, "installed", app["state"])

	// Progress frames were streamed before the response.
	var stages []string
	for _, f := range skipped {
		if f["type"] == "deployment_progress" {
			stages = append(stages, f["stage"].(string))
		}
	}
	assert.Contains(t, stages, "preparing")
	assert.Contains(t, stages, "installing_dependency")

	// The deployment is queryable afterwards.
	send(t, ws, map[string]any{"type": "get_deployment_status", "id": "q1", "deployment_id": deploymentID})
	frame, _ = readUntil(t, ws, "deployment_status")
	require.Equal(t, "success", frame["status"])
	assert.Equal(t, "completed", frame["data"].(map[string]any)["status"])

	// Start (bare id form), status, stop.
	send(t, ws, map[string]any{"type": "run_app", "id": "r1", "app_id": "speed-logger"})
	frame, _ = readUntil(t, ws, "run_app-response")
	require.Equal(t, "success", frame["status"], "error: %v", frame["error"])
	assert.Equal(t, "running", frame["state"])
	execID := frame["data"].(map[string]any)["execution_id"].(string)
	require.NotEmpty(t, execID)

	send(t, ws, map[string]any{"type": "get_app_status", "id": "s1", "app_id": "speed-logger"})
	frame, _ = readUntil(t, ws, "get_app_status-response")
	assert.Equal(t, "running", frame["state"])
	assert.Equal(t, "running", frame["data"].(map[string]any)["state"])

	// Second run on the same app is reported, not failed.
	send(t, ws, map[string]any{"type": "run_app", "id": "r2", "app_id": "speed-logger"})
	frame, _ = readUntil(t, ws, "run_app-response")
	assert.Equal(t, "already_running", frame["status"])
	assert.Equal(t, execID, frame["data"].(map[string]any)["execution_id"],
		"repeated start keeps the execution id")

	// Restart mints a fresh execution id.
	send(t, ws, map[string]any{"type": "manage_app", "id": "m1", "app_id": "speed-logger", "action": "restart"})
	frame, _ = readUntil(t, ws, "manage_app-response")
	require.Equal(t, "success", frame["status"], "error: %v", frame["error"])
	assert.Equal(t, "running", frame["state"])
	assert.NotEqual(t, execID, frame["data"].(map[string]any)["execution_id"])

	send(t, ws, map[string]any{"type": "stop_app", "id": "x1", "app_id": "speed-logger"})
	frame, _ = readUntil(t, ws, "stop_app-response")
	require.Equal(t, "success", frame["status"])
	assert.Equal(t, "stopped", frame["state"])

	send(t, ws, map[string]any{"type": "stop_app", "id": "x2", "app_id": "speed-logger"})
	frame, _ = readUntil(t, ws, "stop_app-response")
	assert.Equal(t, "already_stopped", frame["status"])

	send(t, ws, map[string]any{"type": "uninstall_app", "id": "u1", "app_id": "speed-logger"})
	frame, _ = readUntil(t, ws, "app_uninstalled")
	require.Equal(t, "success", frame["status"])
}

func TestSmartDeployDetects(t *testing.T) {
	ws, _ := dialServer(t)

	send(t, ws, map[string]any{
		"type": "smart_deploy", "id": "d1",
		"name": "imports",
		"code": "#!/usr/bin/env python3\nimport requests\nprint('hi')\n",
	})
	frame, _ := readUntil(t, ws, "smart_deploy-response")
	require.Equal(t, "success", frame["status"], "error: %v", frame["error"])

	data := frame["data"].(map[string]any)
	app := data["app"].(map[string]any)
	assert.Equal(t, "script", app["kind"])

	detected := data["detected_dependencies"].([]any)
	require.Len(t, detected, 1)
	assert.Equal(t, "requests", detected[0].(map[string]any)["name"])
}

func TestErrorShapes(t *testing.T) {
	ws, _ := dialServer(t)

	// Unknown application.
	send(t, ws, map[string]any{"type": "run_app", "id": "e1", "app_id": "nope"})
	frame, _ := readUntil(t, ws, "run_app-response")
	assert.Equal(t, "error", frame["status"])
	assert.Equal(t, "Application not found: nope", frame["error"])
	assert.Equal(t, "not_found", frame["code"])

	// Validation failure carries suggestions.
	send(t, ws, map[string]any{"type": "deploy_request", "id": "e2", "name": "x", "kind": "vm", "code": "y"})
	frame, _ = readUntil(t, ws, "deploy_request-response")
	assert.Equal(t, "error", frame["status"])
	assert.Equal(t, "validation", frame["code"])
	assert.NotEmpty(t, frame["suggestions"])

	// Unknown message type.
	send(t, ws, map[string]any{"type": "warp_drive", "id": "e3"})
	frame, _ = readUntil(t, ws, "error")
	assert.Equal(t, "error", frame["status"])
	assert.Contains(t, frame["error"], "unknown message type")

	// Unknown manage action.
	send(t, ws, map[string]any{"type": "manage_app", "id": "e4", "app_id": "x", "action": "explode"})
	frame, _ = readUntil(t, ws, "manage_app-response")
	assert.Equal(t, "error", frame["status"])
	assert.Contains(t, frame["error"], "unknown action")
}

func TestValidateSignals(t *testing.T) {
	ws, _ := dialServer(t)

	send(t, ws, map[string]any{
		"type": "validate_signals", "id": "v1",
		"signals": []map[string]any{
			{"path": "Vehicle.Speed", "access": "read"},
			{"path": "Vehicle.Made.Up", "access": "read"},
		},
	})
	frame, _ := readUntil(t, ws, "signals_validated")
	require.Equal(t, "success", frame["status"])
	validation := frame["validation"].(map[string]any)
	assert.Equal(t, []any{"Vehicle.Speed"}, validation["valid"])
	assert.Equal(t, []any{"Vehicle.Made.Up"}, validation["invalid"])
	assert.EqualValues(t, 2, validation["total"])
}

func TestSameAppResponseOrdering(t *testing.T) {
	ws, _ := dialServer(t)

	send(t, ws, map[string]any{
		"type": "deploy_request", "id": "d1",
		"name": "pendulum", "kind": "script", "code": "print('hi')\n",
		"auto_start": true,
	})
	frame, _ := readUntil(t, ws, "deploy_request-response")
	require.Equal(t, "success", frame["status"], "error: %v", frame["error"])

	// Fire five pause/resume pairs back to back without waiting for any
	// reply.  Requests for one app land on one worker lane, so the replies
	// must come back in send order and every transition must be valid.
	var ids []string
	for i := 0; i < 5; i++ {
		pid := fmt.Sprintf("p%d", i)
		rid := fmt.Sprintf("r%d", i)
		send(t, ws, map[string]any{"type": "pause_app", "id": pid, "app_id": "pendulum"})
		send(t, ws, map[string]any{"type": "resume_app", "id": rid, "app_id": "pendulum"})
		ids = append(ids, pid, rid)
	}

	for i, want := range ids {
		ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		var got map[string]any
		require.NoError(t, ws.ReadJSON(&got))
		assert.Equal(t, want, got["id"], "reply %d out of order", i)
		require.Equal(t, "success", got["status"], "reply %s: %v", want, got["error"])
		if i%2 == 0 {
			assert.Equal(t, "app_paused", got["type"])
			assert.Equal(t, "paused", got["state"])
		} else {
			assert.Equal(t, "app_resumed", got["type"])
			assert.Equal(t, "running", got["state"])
		}
	}

	send(t, ws, map[string]any{"type": "get_app_status", "id": "s1", "app_id": "pendulum"})
	frame, _ = readUntil(t, ws, "get_app_status-response")
	assert.Equal(t, "running", frame["state"])
}

func TestConsoleStream(t *testing.T) {
	ws, drv := dialServer(t)

	send(t, ws, map[string]any{
		"type": "deploy_request", "id": "d1",
		"name": "chatty", "kind": "script", "code": "print('hi')\n",
		"auto_start": true,
	})
	frame, _ := readUntil(t, ws, "deploy_request-response")
	require.Equal(t, "success", frame["status"], "error: %v", frame["error"])

	send(t, ws, map[string]any{"type": "console_subscribe", "id": "c1", "app_id": "VEA-chatty"})
	frame, _ = readUntil(t, ws, "console_subscribe-response")
	require.Equal(t, "success", frame["status"], "error: %v", frame["error"])

	require.True(t, drv.pushLog("stub-", "hello from app"))

	frame, _ = readUntil(t, ws, "console_output")
	assert.Equal(t, "VEA-chatty", frame["app_id"])
	assert.Equal(t, "out", frame["stream"])
	assert.Equal(t, "hello from app", frame["data"])
	assert.NotEmpty(t, frame["execution_id"])

	send(t, ws, map[string]any{"type": "console_unsubscribe", "id": "c2", "app_id": "VEA-chatty"})
	frame, _ = readUntil(t, ws, "console_unsubscribe-response")
	require.Equal(t, "success", frame["status"])
}
