// Package lifecycle implements the application lifecycle core: the state
// machine, the live handle cache, the per-app serial lanes and the
// reconciler that drives observed sandbox state toward the persisted desired
// state.
//
// Every public operation resolves its id through the identity service, then
// runs under a per-app mutex so concurrent requests for one application are
// serialised while distinct applications proceed in parallel.  All recovery
// goes through the reconciler: a failure after a partial commit leaves a
// state the next cycle resolves.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tri2510/vehicle-edge-runtime/broker"
	"github.com/tri2510/vehicle-edge-runtime/config"
	"github.com/tri2510/vehicle-edge-runtime/identity"
	"github.com/tri2510/vehicle-edge-runtime/sandbox"
	"github.com/tri2510/vehicle-edge-runtime/store"
)

// Progress is one staged event emitted during a long install/deploy.
type Progress struct {
	Stage      string `json:"stage"`
	Current    int    `json:"current,omitempty"`
	Total      int    `json:"total,omitempty"`
	Dependency string `json:"dependency,omitempty"`
}

// ProgressFunc receives staged deployment events; may be nil.
type ProgressFunc func(Progress)

// InstallRequest carries everything needed to install an application.
type InstallRequest struct {
	AppID        string
	Name         string
	Kind         store.Kind
	Version      string
	Artifact     []byte
	Dependencies []string
	Signals      []store.SignalAccess
	Limits       store.ResourceLimits
	AutoStart    bool
}

// Status is the caller-facing view of one application.
type Status struct {
	AppID        string             `json:"app_id"`
	Name         string             `json:"name"`
	Kind         store.Kind         `json:"kind"`
	Version      string             `json:"version,omitempty"`
	State        store.AppState     `json:"state"`
	DesiredState store.DesiredState `json:"desired_state"`
	ExecutionID  string             `json:"execution_id,omitempty"`
	ExitCode     *int               `json:"exit_code,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	StartedAt    time.Time          `json:"started_at,omitempty"`
	Warnings     []string           `json:"warnings,omitempty"`
}

// Manager is the lifecycle core.
type Manager struct {
	cfg config.Config
	st  store.Store
	ids *identity.Service
	drv sandbox.Driver
	gw  broker.Gateway

	live *liveSet

	// per-app serial lanes; nested locks across apps are forbidden
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	runCtx    context.Context
	startedAt time.Time
}

// New creates a Manager.  Call Run to start the reconciler.
func New(cfg config.Config, st store.Store, ids *identity.Service, drv sandbox.Driver, gw broker.Gateway) *Manager {
	return &Manager{
		cfg:       cfg,
		st:        st,
		ids:       ids,
		drv:       drv,
		gw:        gw,
		live:      newLiveSet(),
		locks:     make(map[string]*sync.Mutex),
		runCtx:    context.Background(),
		startedAt: time.Now(),
	}
}

// Gateway exposes the signal gateway for the control plane's standalone
// validate_signals operation.
func (m *Manager) Gateway() broker.Gateway { return m.gw }

// Driver exposes the sandbox driver for health reporting.
func (m *Manager) Driver() sandbox.Driver { return m.drv }

// LiveCount returns the number of live (running or paused) applications.
func (m *Manager) LiveCount() int { return m.live.count() }

// Uptime reports how long the manager has been up.
func (m *Manager) Uptime() time.Duration { return time.Since(m.startedAt) }

// lockApp acquires the app's serial lane and returns the unlock func.
func (m *Manager) lockApp(appID string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[appID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[appID] = l
	}
	m.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}

// dropLock forgets the app's serial lane after removal so the lock map does
// not grow with the lifetime of the process.
func (m *Manager) dropLock(appID string) {
	m.locksMu.Lock()
	delete(m.locks, appID)
	m.locksMu.Unlock()
}

// ---- state machine ----

// allowed is the transition table.  Remove is handled separately because it
// is legal from any state (preceded by an implicit stop when live).
func allowed(from, to store.AppState) bool {
	switch from {
	case store.StateInstalled:
		return to == store.StateRunning
	case store.StateRunning:
		return to == store.StatePaused || to == store.StateStopped || to == store.StateError
	case store.StatePaused:
		return to == store.StateRunning || to == store.StateStopped || to == store.StateError
	case store.StateStopped:
		return to == store.StateRunning
	case store.StateError:
		return to == store.StateRunning
	}
	return false
}

// currentState derives the observed lifecycle state from the runtime row.
func (m *Manager) currentState(ctx context.Context, appID string) (store.AppState, *store.RuntimeState, error) {
	rs, err := m.st.GetRuntimeState(ctx, appID)
	if err != nil {
		return "", nil, opErr(KindInternal, "read runtime state for %s: %v", appID, err).withCause(err)
	}
	if rs == nil {
		return store.StateInstalled, nil, nil
	}
	return rs.CurrentState, rs, nil
}

// resolve canonicalises a caller-supplied id against the store.
func (m *Manager) resolve(ctx context.Context, id string) (string, error) {
	appID, err := m.ids.Resolve(ctx, id)
	if errors.Is(err, identity.ErrNotFound) {
		return "", opErr(KindNotFound, "Application not found: %s", id).withCause(err)
	}
	if err != nil {
		return "", opErr(KindInternal, "resolve %s: %v", id, err).withCause(err)
	}
	return appID, nil
}

// ---- public operations ----

// Install validates and persists the application record, emits staged
// progress, and starts the app when AutoStart is set.
func (m *Manager) Install(ctx context.Context, req InstallRequest, progress ProgressFunc) (*Status, error) {
	if progress == nil {
		progress = func(Progress) {}
	}
	if err := m.validateInstall(req); err != nil {
		return nil, err
	}

	base := req.AppID
	if base == "" {
		base = req.Name
	}
	appID := m.ids.Canonicalize(base)

	unlock := m.lockApp(appID)
	defer unlock()

	progress(Progress{Stage: "preparing"})

	limits := req.Limits
	if limits.MemoryBytes == 0 {
		limits.MemoryBytes = m.cfg.DefaultMemoryBytes
	}
	if limits.CPUShares == 0 {
		limits.CPUShares = m.cfg.DefaultCPUShare
	}

	desired := store.DesiredStopped
	if req.AutoStart {
		desired = store.DesiredRunning
	}

	app := &store.Application{
		AppID:                appID,
		Name:                 req.Name,
		Kind:                 req.Kind,
		Version:              req.Version,
		Artifact:             req.Artifact,
		DeclaredDependencies: req.Dependencies,
		DeclaredSignals:      req.Signals,
		Limits:               limits,
		DesiredState:         desired,
		CreatedAt:            time.Now().UTC(),
		DataPath:             filepath.Join(m.cfg.DataDir, "apps", appID),
	}

	total := len(req.Dependencies)
	progress(Progress{Stage: "installing_dependencies", Current: 0, Total: total})
	for i, dep := range req.Dependencies {
		progress(Progress{Stage: "installing_dependency", Dependency: dep, Current: i + 1, Total: total})
	}

	if err := os.MkdirAll(app.DataPath, 0o755); err != nil {
		return nil, opErr(KindInternal, "create data dir for %s: %v", appID, err).withCause(err)
	}
	if err := m.st.UpsertApplication(ctx, app); err != nil {
		return nil, opErr(KindInternal, "persist %s: %v", appID, err).withCause(err)
	}
	log.Printf("lifecycle: installed %s (%s, kind=%s)", appID, req.Name, req.Kind)

	if !req.AutoStart {
		return m.statusLocked(ctx, app, nil), nil
	}

	progress(Progress{Stage: "starting_application"})
	return m.startLocked(ctx, app)
}

func (m *Manager) validateInstall(req InstallRequest) error {
	if req.Name == "" && req.AppID == "" {
		return opErr(KindValidation, "app name is required").
			withSuggestions("set the name field on the deploy request")
	}
	if !store.ValidKind(req.Kind) {
		return opErr(KindValidation, "unknown kind %q", req.Kind).
			withSuggestions(`use one of "script", "binary", "container"`)
	}
	if len(req.Artifact) == 0 {
		return opErr(KindValidation, "artifact is required").
			withSuggestions("provide the script body, binary payload or image reference")
	}
	return nil
}

// Start transitions an app to running.  Idempotent: a second start returns
// already_running without minting a new execution id.
func (m *Manager) Start(ctx context.Context, id string) (*Status, error) {
	appID, err := m.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := m.lockApp(appID)
	defer unlock()

	app, err := m.getApp(ctx, appID)
	if err != nil {
		return nil, err
	}
	return m.startLocked(ctx, app)
}

// startLocked is the start path; the caller holds the app lock.
func (m *Manager) startLocked(ctx context.Context, app *store.Application) (*Status, error) {
	state, rs, err := m.currentState(ctx, app.AppID)
	if err != nil {
		return nil, err
	}

	switch state {
	case store.StateRunning:
		st := m.statusLocked(ctx, app, rs)
		return st, opErr(KindAlreadyRunning, "%s is already running", app.AppID)
	case store.StatePaused:
		return nil, opErr(KindInvalidTransition, "%s is paused; resume it instead of starting", app.AppID)
	}

	if m.live.count() >= m.cfg.MaxLiveApps {
		return nil, opErr(KindResourceDenied,
			"live application limit reached (%d); stop an application first", m.cfg.MaxLiveApps)
	}

	// Mint and record the execution id before any sandbox side effect.
	execID := m.ids.MintExecutionID()
	if err := m.st.UpsertRuntimeState(ctx, &store.RuntimeState{
		AppID:        app.AppID,
		ExecutionID:  execID,
		CurrentState: store.StateInstalled,
	}); err != nil {
		return nil, opErr(KindInternal, "record execution for %s: %v", app.AppID, err).withCause(err)
	}

	handle, err := m.drv.Create(ctx, sandbox.Spec{
		Name:     execID,
		Kind:     app.Kind,
		Artifact: app.Artifact,
		DataPath: app.DataPath,
		Env:      []string{"VEA_APP_ID=" + app.AppID, "VEA_EXECUTION_ID=" + execID},
		Limits:   app.Limits,
	})
	if err != nil {
		return nil, m.startFailed(app, "", err)
	}

	if err := m.drv.Start(ctx, handle); err != nil {
		return nil, m.startFailed(app, handle, err)
	}

	// Broker failures are non-fatal: the app runs, the caller gets a warning.
	var warnings []string
	sessionOpen := false
	if _, err := m.gw.OpenSession(ctx, app); err != nil {
		warnings = append(warnings, brokerWarning(err))
		log.Printf("lifecycle: broker session for %s: %v", app.AppID, err)
	} else {
		sessionOpen = true
	}

	now := time.Now().UTC()
	rs = &store.RuntimeState{
		AppID:           app.AppID,
		ExecutionID:     execID,
		CurrentState:    store.StateRunning,
		ContainerHandle: handle,
		LastHeartbeat:   now,
	}
	if err := m.st.UpsertRuntimeState(ctx, rs); err != nil {
		// The sandbox is up but the commit failed; reap so the reconciler
		// sees a clean missing state.
		m.drv.Reap(m.runCtx, handle)
		return nil, opErr(KindInternal, "commit runtime state for %s: %v", app.AppID, err).withCause(err)
	}

	app.DesiredState = store.DesiredRunning
	app.LastStartAt = now
	if err := m.st.UpsertApplication(ctx, app); err != nil {
		log.Printf("lifecycle: update desired state for %s: %v", app.AppID, err)
	}

	h := &Handle{
		ExecutionID:     execID,
		AppID:           app.AppID,
		Name:            app.Name,
		Kind:            app.Kind,
		ContainerHandle: handle,
		Status:          store.StateRunning,
		StartedAt:       now,
		DataPath:        app.DataPath,
	}
	// The pump fields must be set before the handle becomes visible to
	// console subscribers.
	m.startPump(h, false)
	if sessionOpen {
		m.openSignalStreams(ctx, app, h)
	}
	m.live.insert(h)

	log.Printf("lifecycle: started %s (execution %s)", app.AppID, execID)
	st := m.statusLocked(ctx, app, rs)
	st.Warnings = warnings
	return st, nil
}

// openSignalStreams establishes the app's declared subscriptions and fans
// every update into the execution's console feed on the signal lane.
// Broker failures here are logged, never fatal.
func (m *Manager) openSignalStreams(ctx context.Context, app *store.Application, h *Handle) {
	for _, sig := range app.DeclaredSignals {
		if sig.Access != "subscribe" {
			continue
		}
		if _, err := m.gw.Subscribe(ctx, app.AppID, sig.Path, sig.RateHz, func(n broker.Notification) {
			h.feed.publish(ConsoleFrame{
				ExecutionID: h.ExecutionID,
				AppID:       h.AppID,
				Stream:      "signal",
				Data:        fmt.Sprintf("%s=%v", n.Path, n.Value),
				TS:          n.TS,
			})
		}); err != nil {
			log.Printf("lifecycle: subscribe %s for %s: %v", sig.Path, app.AppID, err)
		}
	}
}

// startFailed rolls back a partial start.  On a deadline the freshly created
// sandbox is torn down so no duplicate is left behind.
func (m *Manager) startFailed(app *store.Application, handle string, cause error) error {
	if handle != "" {
		m.drv.Reap(m.runCtx, handle)
	}
	if err := m.st.UpsertRuntimeState(context.Background(), &store.RuntimeState{
		AppID:        app.AppID,
		ExecutionID:  "",
		CurrentState: store.StateError,
	}); err != nil {
		log.Printf("lifecycle: record start failure for %s: %v", app.AppID, err)
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return opErr(KindDeadlineExceeded, "start of %s exceeded the request deadline", app.AppID).withCause(cause)
	}
	log.Printf("lifecycle: start %s failed: %v", app.AppID, cause)
	return driverErr("start", cause)
}

// Pause freezes a running app.  The broker session is retained through
// paused and only closed on stop or remove.
func (m *Manager) Pause(ctx context.Context, id string) (*Status, error) {
	appID, err := m.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := m.lockApp(appID)
	defer unlock()

	app, err := m.getApp(ctx, appID)
	if err != nil {
		return nil, err
	}
	state, rs, err := m.currentState(ctx, appID)
	if err != nil {
		return nil, err
	}
	if !allowed(state, store.StatePaused) {
		return nil, opErr(KindInvalidTransition, "cannot pause %s while %s", appID, state)
	}

	h := m.live.getByApp(appID)
	if h == nil {
		return nil, opErr(KindInternal, "no live handle for running app %s", appID)
	}
	if err := m.drv.Pause(ctx, h.ContainerHandle); err != nil {
		return nil, driverErr("pause", err)
	}

	rs.CurrentState = store.StatePaused
	if err := m.st.UpsertRuntimeState(ctx, rs); err != nil {
		return nil, opErr(KindInternal, "persist pause of %s: %v", appID, err).withCause(err)
	}
	m.live.setStatus(appID, store.StatePaused)
	log.Printf("lifecycle: paused %s", appID)
	return m.statusLocked(ctx, app, rs), nil
}

// Resume unfreezes a paused app; the execution id is unchanged.
func (m *Manager) Resume(ctx context.Context, id string) (*Status, error) {
	appID, err := m.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := m.lockApp(appID)
	defer unlock()

	app, err := m.getApp(ctx, appID)
	if err != nil {
		return nil, err
	}
	state, rs, err := m.currentState(ctx, appID)
	if err != nil {
		return nil, err
	}
	if state != store.StatePaused {
		return nil, opErr(KindInvalidTransition, "cannot resume %s while %s", appID, state)
	}

	h := m.live.getByApp(appID)
	if h == nil {
		return nil, opErr(KindInternal, "no live handle for paused app %s", appID)
	}
	if err := m.drv.Resume(ctx, h.ContainerHandle); err != nil {
		return nil, driverErr("resume", err)
	}

	rs.CurrentState = store.StateRunning
	if err := m.st.UpsertRuntimeState(ctx, rs); err != nil {
		return nil, opErr(KindInternal, "persist resume of %s: %v", appID, err).withCause(err)
	}
	m.live.setStatus(appID, store.StateRunning)
	log.Printf("lifecycle: resumed %s", appID)
	return m.statusLocked(ctx, app, rs), nil
}

// Stop gracefully stops a live app, force-killing after grace (the
// configured default when zero).  Logs and the application record survive.
func (m *Manager) Stop(ctx context.Context, id string, grace time.Duration) (*Status, error) {
	appID, err := m.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := m.lockApp(appID)
	defer unlock()

	app, err := m.getApp(ctx, appID)
	if err != nil {
		return nil, err
	}
	return m.stopLocked(ctx, app, grace)
}

func (m *Manager) stopLocked(ctx context.Context, app *store.Application, grace time.Duration) (*Status, error) {
	if grace <= 0 {
		grace = m.cfg.StopGrace()
	}
	state, rs, err := m.currentState(ctx, app.AppID)
	if err != nil {
		return nil, err
	}
	if state != store.StateRunning && state != store.StatePaused {
		st := m.statusLocked(ctx, app, rs)
		return st, opErr(KindAlreadyStopped, "%s is already stopped", app.AppID)
	}

	h := m.live.removeByApp(app.AppID)
	handle := rs.ContainerHandle
	if h != nil {
		handle = h.ContainerHandle
	}

	exitCode, err := m.stopWithRetry(ctx, app.AppID, handle, grace)
	if err != nil {
		// Put the handle back under error state; the reconciler keeps
		// trying to reap on subsequent cycles.
		rs.CurrentState = store.StateError
		if perr := m.st.UpsertRuntimeState(ctx, rs); perr != nil {
			log.Printf("lifecycle: persist stop failure of %s: %v", app.AppID, perr)
		}
		m.stopPump(h)
		m.gw.CloseSession(app.AppID)
		return nil, err
	}

	m.stopPump(h)
	m.gw.CloseSession(app.AppID)

	rs.CurrentState = store.StateStopped
	rs.ExitCode = &exitCode
	if err := m.st.UpsertRuntimeState(ctx, rs); err != nil {
		return nil, opErr(KindInternal, "persist stop of %s: %v", app.AppID, err).withCause(err)
	}

	app.DesiredState = store.DesiredStopped
	if err := m.st.UpsertApplication(ctx, app); err != nil {
		log.Printf("lifecycle: update desired state for %s: %v", app.AppID, err)
	}

	log.Printf("lifecycle: stopped %s (exit %d)", app.AppID, exitCode)
	return m.statusLocked(ctx, app, rs), nil
}

// stopWithRetry stops the sandbox with a bounded retry (3 attempts, linear
// backoff) on driver failures.
func (m *Manager) stopWithRetry(ctx context.Context, appID, handle string, grace time.Duration) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		exitCode, err := m.drv.Stop(ctx, handle, grace)
		if err == nil {
			return exitCode, nil
		}
		if errors.Is(err, sandbox.ErrNotFound) {
			// Already gone; treat as stopped with unknown exit.
			return 0, nil
		}
		lastErr = err
		log.Printf("lifecycle: stop %s attempt %d/3: %v", appID, attempt, err)
		select {
		case <-ctx.Done():
			return 0, opErr(KindDeadlineExceeded, "stop of %s exceeded the request deadline", appID).withCause(ctx.Err())
		case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
		}
	}
	return 0, driverErr("stop", lastErr)
}

// Restart stops a live app and starts it again under a fresh execution id.
// An app that is already stopped is simply started.
func (m *Manager) Restart(ctx context.Context, id string, grace time.Duration) (*Status, error) {
	appID, err := m.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := m.lockApp(appID)
	defer unlock()

	app, err := m.getApp(ctx, appID)
	if err != nil {
		return nil, err
	}
	if _, err := m.stopLocked(ctx, app, grace); err != nil {
		if oe, ok := AsOpError(err); !ok || oe.Kind != KindAlreadyStopped {
			return nil, err
		}
	}
	return m.startLocked(ctx, app)
}

// Remove deletes the application entirely: implicit stop when live, then
// runtime state, record, sandbox artifacts and the data directory.
func (m *Manager) Remove(ctx context.Context, id string) (*Status, error) {
	appID, err := m.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := m.lockApp(appID)
	defer unlock()

	app, err := m.getApp(ctx, appID)
	if err != nil {
		return nil, err
	}

	state, rs, err := m.currentState(ctx, appID)
	if err != nil {
		return nil, err
	}
	if state == store.StateRunning || state == store.StatePaused {
		if _, err := m.stopLocked(ctx, app, 0); err != nil {
			if oe, ok := AsOpError(err); !ok || oe.Kind != KindAlreadyStopped {
				log.Printf("lifecycle: stop before remove of %s: %v", appID, err)
			}
		}
		_, rs, _ = m.currentState(ctx, appID)
	}

	// Best effort on stale artifacts.
	if rs != nil && rs.ContainerHandle != "" {
		m.drv.Reap(ctx, rs.ContainerHandle)
	}
	m.gw.CloseSession(appID)

	if err := m.st.ClearRuntimeState(ctx, appID); err != nil {
		return nil, opErr(KindInternal, "clear runtime state of %s: %v", appID, err).withCause(err)
	}
	if err := m.st.DeleteApplication(ctx, appID); err != nil {
		return nil, opErr(KindInternal, "delete record of %s: %v", appID, err).withCause(err)
	}
	if app.DataPath != "" {
		if err := os.RemoveAll(app.DataPath); err != nil {
			log.Printf("lifecycle: remove data dir of %s: %v", appID, err)
		}
	}

	m.dropLock(appID)

	log.Printf("lifecycle: removed %s", appID)
	return &Status{
		AppID:        appID,
		Name:         app.Name,
		Kind:         app.Kind,
		State:        store.StateRemoved,
		DesiredState: store.DesiredRemoved,
		CreatedAt:    app.CreatedAt,
	}, nil
}

// GetStatus returns the current status of one application.
func (m *Manager) GetStatus(ctx context.Context, id string) (*Status, error) {
	appID, err := m.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	app, err := m.getApp(ctx, appID)
	if err != nil {
		return nil, err
	}
	rs, err := m.st.GetRuntimeState(ctx, appID)
	if err != nil {
		return nil, opErr(KindInternal, "read runtime state of %s: %v", appID, err).withCause(err)
	}
	return m.statusLocked(ctx, app, rs), nil
}

// List returns statuses for all applications matching the filter.  It reads
// only under the live set's read lock, so it never blocks lifecycle ops.
func (m *Manager) List(ctx context.Context, f store.Filter) ([]*Status, error) {
	apps, err := m.st.ListApplications(ctx, f)
	if err != nil {
		return nil, opErr(KindInternal, "list applications: %v", err).withCause(err)
	}
	out := make([]*Status, 0, len(apps))
	for _, app := range apps {
		rs, err := m.st.GetRuntimeState(ctx, app.AppID)
		if err != nil {
			return nil, opErr(KindInternal, "read runtime state of %s: %v", app.AppID, err).withCause(err)
		}
		out = append(out, m.statusLocked(ctx, app, rs))
	}
	return out, nil
}

// TailLogs returns the most recent persisted console lines for an app.
func (m *Manager) TailLogs(ctx context.Context, id string, n int) ([]store.LogRecord, error) {
	appID, err := m.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		n = 100
	}
	recs, err := m.st.TailLogs(ctx, appID, n)
	if err != nil {
		return nil, opErr(KindInternal, "tail logs of %s: %v", appID, err).withCause(err)
	}
	return recs, nil
}

// ---- internal helpers ----

func (m *Manager) getApp(ctx context.Context, appID string) (*store.Application, error) {
	app, err := m.st.GetApplication(ctx, appID)
	if err != nil {
		return nil, opErr(KindInternal, "read record of %s: %v", appID, err).withCause(err)
	}
	if app == nil {
		return nil, opErr(KindNotFound, "Application not found: %s", m.ids.Strip(appID))
	}
	return app, nil
}

func (m *Manager) statusLocked(ctx context.Context, app *store.Application, rs *store.RuntimeState) *Status {
	st := &Status{
		AppID:        app.AppID,
		Name:         app.Name,
		Kind:         app.Kind,
		Version:      app.Version,
		State:        store.StateInstalled,
		DesiredState: app.DesiredState,
		CreatedAt:    app.CreatedAt,
	}
	if rs != nil {
		st.State = rs.CurrentState
		st.ExecutionID = rs.ExecutionID
		st.ExitCode = rs.ExitCode
	}
	if h := m.live.getByApp(app.AppID); h != nil {
		st.StartedAt = h.StartedAt
	}
	return st
}
