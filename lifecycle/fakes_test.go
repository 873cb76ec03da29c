package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tri2510/vehicle-edge-runtime/broker"
	"github.com/tri2510/vehicle-edge-runtime/config"
	"github.com/tri2510/vehicle-edge-runtime/identity"
	"github.com/tri2510/vehicle-edge-runtime/sandbox"
	"github.com/tri2510/vehicle-edge-runtime/store"
	"github.com/tri2510/vehicle-edge-runtime/store/sqlite"
)

// ---- fake sandbox driver ----

type fakeBox struct {
	spec     sandbox.Spec
	state    string
	exitCode int
	logs     chan sandbox.LogLine
}

type fakeDriver struct {
	mu     sync.Mutex
	boxes  map[string]*fakeBox
	nextID int

	createErr error
	startErr  error
	stopErr   error
	pingErr   error

	reaped []string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{boxes: make(map[string]*fakeBox)}
}

func (d *fakeDriver) Create(ctx context.Context, spec sandbox.Spec) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return "", d.createErr
	}
	d.nextID++
	handle := fmt.Sprintf("box-%d", d.nextID)
	d.boxes[handle] = &fakeBox{
		spec:  spec,
		state: sandbox.StateCreated,
		logs:  make(chan sandbox.LogLine, 64),
	}
	return handle, nil
}

func (d *fakeDriver) Start(ctx context.Context, handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return d.startErr
	}
	b, ok := d.boxes[handle]
	if !ok {
		return sandbox.ErrNotFound
	}
	b.state = sandbox.StateRunning
	return nil
}

func (d *fakeDriver) Stop(ctx context.Context, handle string, grace time.Duration) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopErr != nil {
		return 0, d.stopErr
	}
	b, ok := d.boxes[handle]
	if !ok {
		return 0, sandbox.ErrNotFound
	}
	b.state = sandbox.StateExited
	close(b.logs)
	return b.exitCode, nil
}

func (d *fakeDriver) Pause(ctx context.Context, handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.boxes[handle]
	if !ok {
		return sandbox.ErrNotFound
	}
	if b.state != sandbox.StateRunning {
		return sandbox.ErrNotRunning
	}
	b.state = sandbox.StatePaused
	return nil
}

func (d *fakeDriver) Resume(ctx context.Context, handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.boxes[handle]
	if !ok {
		return sandbox.ErrNotFound
	}
	if b.state != sandbox.StatePaused {
		return sandbox.ErrNotPaused
	}
	b.state = sandbox.StateRunning
	return nil
}

func (d *fakeDriver) Remove(ctx context.Context, handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.boxes[handle]; !ok {
		return sandbox.ErrNotFound
	}
	delete(d.boxes, handle)
	return nil
}

func (d *fakeDriver) Inspect(ctx context.Context, handle string) (sandbox.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.boxes[handle]
	if !ok {
		return sandbox.Status{}, sandbox.ErrNotFound
	}
	st := sandbox.Status{State: b.state}
	if b.state == sandbox.StateExited {
		code := b.exitCode
		st.ExitCode = &code
	}
	return st, nil
}

func (d *fakeDriver) AttachLogs(ctx context.Context, handle string, tail bool) (<-chan sandbox.LogLine, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.boxes[handle]
	if !ok {
		return nil, sandbox.ErrNotFound
	}
	return b.logs, nil
}

func (d *fakeDriver) Reap(ctx context.Context, handle string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reaped = append(d.reaped, handle)
	delete(d.boxes, handle)
}

func (d *fakeDriver) Managed(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	handles := make([]string, 0, len(d.boxes))
	for h := range d.boxes {
		handles = append(handles, h)
	}
	return handles, nil
}

func (d *fakeDriver) Ping(ctx context.Context) error { return d.pingErr }

// addBox plants a sandbox the manager never created, as if a crash had
// interrupted a start between create and the runtime-state commit.
func (d *fakeDriver) addBox(handle, state string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.boxes[handle] = &fakeBox{state: state, logs: make(chan sandbox.LogLine, 64)}
}

func (d *fakeDriver) box(handle string) *fakeBox {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.boxes[handle]
}

func (d *fakeDriver) setState(handle, state string, exitCode int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.boxes[handle]; ok {
		b.state = state
		b.exitCode = exitCode
	}
}

// ---- fake signal gateway ----

type fakeGateway struct {
	mu      sync.Mutex
	openErr error
	open    map[string]int // app_id → open count
	closed  map[string]int
	subs    map[string]map[string]broker.NotifyFunc // app_id → path → fn
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		open:   make(map[string]int),
		closed: make(map[string]int),
		subs:   make(map[string]map[string]broker.NotifyFunc),
	}
}

func (g *fakeGateway) Validate(signals []store.SignalAccess) broker.Validation {
	return broker.Validation{Total: len(signals)}
}

func (g *fakeGateway) OpenSession(ctx context.Context, app *store.Application) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.openErr != nil {
		return "", g.openErr
	}
	g.open[app.AppID]++
	return app.AppID + "#token", nil
}

func (g *fakeGateway) CloseSession(appID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed[appID]++
}

func (g *fakeGateway) Read(ctx context.Context, appID string, paths []string) (map[string]any, error) {
	return nil, broker.ErrNoSession
}

func (g *fakeGateway) Write(ctx context.Context, appID, path string, value any) error {
	return broker.ErrNoSession
}

func (g *fakeGateway) Subscribe(ctx context.Context, appID, path string, rateHz float64, fn broker.NotifyFunc) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.subs[appID] == nil {
		g.subs[appID] = make(map[string]broker.NotifyFunc)
	}
	g.subs[appID][path] = fn
	return appID + "/" + path, nil
}

// notify fires a subscription update as the broker would.
func (g *fakeGateway) notify(appID, path string, value any) bool {
	g.mu.Lock()
	fn := g.subs[appID][path]
	g.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(broker.Notification{Path: path, Value: value, TS: time.Now()})
	return true
}

func (g *fakeGateway) Connected() bool { return true }

// ---- harness ----

type harness struct {
	mgr *Manager
	st  store.Store
	drv *fakeDriver
	gw  *fakeGateway
	cfg config.Config
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Config{
		DataDir:                  dir,
		AppIDPrefix:              "VEA-",
		MaxLiveApps:              5,
		DefaultMemoryBytes:       256 << 20,
		DefaultCPUShare:          512,
		ReconcileIntervalMS:      30_000,
		DefaultRequestDeadlineMS: 30_000,
		DefaultStopGraceMS:       1_000,
		LogRetentionRows:         100,
		ConsoleBuffer:            16,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	db, err := sqlite.Open(filepath.Join(dir, "test.db"), cfg.LogRetentionRows)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	drv := newFakeDriver()
	gw := newFakeGateway()
	mgr := New(cfg, db, identity.New(cfg.AppIDPrefix, db), drv, gw)
	return &harness{mgr: mgr, st: db, drv: drv, gw: gw, cfg: cfg}
}

// rsHandle returns the persisted container handle for an app.
func rsHandle(t *testing.T, h *harness, appID string) string {
	t.Helper()
	rs, err := h.st.GetRuntimeState(context.Background(), appID)
	require.NoError(t, err)
	require.NotNil(t, rs)
	return rs.ContainerHandle
}

func sandboxLogLine(stream, data string) sandbox.LogLine {
	return sandbox.LogLine{Stream: stream, Data: []byte(data), TS: time.Now()}
}

func (h *harness) install(t *testing.T, name string, autoStart bool) *Status {
	t.Helper()
	st, err := h.mgr.Install(context.Background(), InstallRequest{
		Name:     name,
		Kind:     store.KindScript,
		Artifact: []byte("print('hi')\n"),
		Signals: []store.SignalAccess{
			{Path: "Vehicle.Speed", Access: "subscribe", RateHz: 10},
		},
		AutoStart: autoStart,
	}, nil)
	require.NoError(t, err)
	return st
}
