package lifecycle

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/tri2510/vehicle-edge-runtime/sandbox"
	"github.com/tri2510/vehicle-edge-runtime/store"
)

// Run starts the reconciler: one pass immediately (startup recovery), then
// one per configured interval until ctx is cancelled.  Run blocks.
func (m *Manager) Run(ctx context.Context) error {
	m.runCtx = ctx

	m.reconcile(ctx)
	m.sweepStrays(ctx)

	ticker := time.NewTicker(m.cfg.ReconcileInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return ctx.Err()
		case <-ticker.C:
			m.reconcile(ctx)
		}
	}
}

// shutdown stops the console pumps; sandboxes are left running so the next
// supervisor process can reclaim them.
func (m *Manager) shutdown() {
	for _, h := range m.live.all() {
		m.stopPump(h)
	}
	log.Printf("lifecycle: shut down with %d live executions left in place", m.live.count())
}

// sweepStrays reaps managed sandboxes no runtime row references, e.g. one
// left by a crash between create and the runtime-state commit.  Runs once at
// startup; the per-app reconcile paths cover everything with a row.
func (m *Manager) sweepStrays(ctx context.Context) {
	handles, err := m.drv.Managed(ctx)
	if err != nil {
		log.Printf("lifecycle: list managed sandboxes: %v", err)
		return
	}
	if len(handles) == 0 {
		return
	}

	apps, err := m.st.ListApplications(ctx, store.Filter{})
	if err != nil {
		log.Printf("lifecycle: stray sweep list: %v", err)
		return
	}
	known := make(map[string]bool)
	for _, app := range apps {
		rs, err := m.st.GetRuntimeState(ctx, app.AppID)
		if err != nil || rs == nil {
			continue
		}
		if rs.ContainerHandle != "" {
			known[rs.ContainerHandle] = true
		}
	}

	for _, handle := range handles {
		if known[handle] {
			continue
		}
		log.Printf("lifecycle: reaping stray sandbox %s", handle)
		m.drv.Reap(ctx, handle)
	}
}

// reconcile walks every persisted application and converges observed state
// toward desired state.  Failures are per-app: one bad app never stops the
// sweep.
func (m *Manager) reconcile(ctx context.Context) {
	apps, err := m.st.ListApplications(ctx, store.Filter{})
	if err != nil {
		log.Printf("lifecycle: reconcile list: %v", err)
		return
	}
	for _, app := range apps {
		if ctx.Err() != nil {
			return
		}
		if err := m.reconcileApp(ctx, app); err != nil {
			if errors.Is(err, sandbox.ErrDriverUnavailable) {
				log.Printf("lifecycle: reconcile paused, driver unavailable: %v", err)
				return
			}
			log.Printf("lifecycle: reconcile %s: %v", app.AppID, err)
		}
	}
}

func (m *Manager) reconcileApp(ctx context.Context, app *store.Application) error {
	unlock := m.lockApp(app.AppID)
	defer unlock()

	rs, err := m.st.GetRuntimeState(ctx, app.AppID)
	if err != nil {
		return err
	}

	observed, exitCode, err := m.observe(ctx, rs)
	if err != nil {
		return err
	}

	switch app.DesiredState {
	case store.DesiredRunning:
		return m.reconcileRunning(ctx, app, rs, observed, exitCode)
	case store.DesiredStopped:
		return m.reconcileStopped(ctx, app, rs, observed)
	case store.DesiredRemoved:
		return m.reconcileRemoved(ctx, app, rs, observed)
	}
	return nil
}

// observe asks the sandbox driver what is actually there.  Apps with no
// runtime row observe as missing.
func (m *Manager) observe(ctx context.Context, rs *store.RuntimeState) (string, int, error) {
	if rs == nil || rs.ContainerHandle == "" {
		return sandbox.StateMissing, 0, nil
	}
	st, err := m.drv.Inspect(ctx, rs.ContainerHandle)
	if err != nil {
		if errors.Is(err, sandbox.ErrNotFound) {
			return sandbox.StateMissing, 0, nil
		}
		return "", 0, err
	}
	exitCode := 0
	if st.ExitCode != nil {
		exitCode = *st.ExitCode
	}
	return st.State, exitCode, nil
}

func (m *Manager) reconcileRunning(ctx context.Context, app *store.Application, rs *store.RuntimeState, observed string, exitCode int) error {
	switch observed {
	case sandbox.StateRunning:
		m.ensureHandle(app, rs, store.StateRunning)
		return m.syncState(ctx, rs, store.StateRunning)

	case sandbox.StatePaused:
		// User paused it; paused is a deliberate sub-state of desired
		// running, so leave the sandbox alone.
		m.ensureHandle(app, rs, store.StatePaused)
		return m.syncState(ctx, rs, store.StatePaused)

	case sandbox.StateExited:
		// Crashed or finished on its own.  Record the exit, free the slot.
		log.Printf("lifecycle: %s exited with code %d while desired running", app.AppID, exitCode)
		m.dropHandle(app.AppID)
		m.gw.CloseSession(app.AppID)
		m.drv.Reap(ctx, rs.ContainerHandle)
		rs.CurrentState = store.StateError
		rs.ExitCode = &exitCode
		rs.ContainerHandle = ""
		return m.st.UpsertRuntimeState(ctx, rs)

	case sandbox.StateMissing:
		// The sandbox is simply gone (engine restart, external prune).
		m.dropHandle(app.AppID)
		m.gw.CloseSession(app.AppID)
		if rs == nil {
			return nil
		}
		rs.CurrentState = store.StateStopped
		rs.ContainerHandle = ""
		return m.st.UpsertRuntimeState(ctx, rs)
	}
	return nil
}

func (m *Manager) reconcileStopped(ctx context.Context, app *store.Application, rs *store.RuntimeState, observed string) error {
	switch observed {
	case sandbox.StateRunning, sandbox.StatePaused:
		log.Printf("lifecycle: %s is %s but desired stopped; stopping", app.AppID, observed)
		if _, err := m.drv.Stop(ctx, rs.ContainerHandle, m.cfg.StopGrace()); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
			return err
		}
		m.dropHandle(app.AppID)
		m.gw.CloseSession(app.AppID)
		m.drv.Reap(ctx, rs.ContainerHandle)
		rs.CurrentState = store.StateStopped
		rs.ContainerHandle = ""
		return m.st.UpsertRuntimeState(ctx, rs)

	case sandbox.StateExited:
		m.dropHandle(app.AppID)
		m.drv.Reap(ctx, rs.ContainerHandle)
		rs.CurrentState = store.StateStopped
		rs.ContainerHandle = ""
		return m.st.UpsertRuntimeState(ctx, rs)

	case sandbox.StateMissing:
		m.dropHandle(app.AppID)
		if rs != nil && rs.CurrentState != store.StateStopped && rs.CurrentState != store.StateError {
			rs.CurrentState = store.StateStopped
			rs.ContainerHandle = ""
			return m.st.UpsertRuntimeState(ctx, rs)
		}
	}
	return nil
}

// reconcileRemoved finishes an interrupted remove: the desired row said
// removed but the record still exists.
func (m *Manager) reconcileRemoved(ctx context.Context, app *store.Application, rs *store.RuntimeState, observed string) error {
	log.Printf("lifecycle: completing interrupted remove of %s", app.AppID)
	if rs != nil && rs.ContainerHandle != "" {
		if observed == sandbox.StateRunning || observed == sandbox.StatePaused {
			if _, err := m.drv.Stop(ctx, rs.ContainerHandle, m.cfg.StopGrace()); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
				return err
			}
		}
		m.drv.Reap(ctx, rs.ContainerHandle)
	}
	m.dropHandle(app.AppID)
	m.gw.CloseSession(app.AppID)
	if err := m.st.ClearRuntimeState(ctx, app.AppID); err != nil {
		return err
	}
	if err := m.st.DeleteApplication(ctx, app.AppID); err != nil {
		return err
	}
	if app.DataPath != "" {
		os.RemoveAll(app.DataPath)
	}
	m.dropLock(app.AppID)
	return nil
}

// ensureHandle rebuilds the live handle after a supervisor restart: the
// sandbox is alive and ours, so reattach the console pump (resuming from the
// tail) and reopen the broker session.
func (m *Manager) ensureHandle(app *store.Application, rs *store.RuntimeState, status store.AppState) {
	if h := m.live.getByApp(app.AppID); h != nil {
		if h.Status != status {
			m.live.setStatus(app.AppID, status)
		}
		return
	}
	log.Printf("lifecycle: reclaiming live execution %s of %s", rs.ExecutionID, app.AppID)
	h := &Handle{
		ExecutionID:     rs.ExecutionID,
		AppID:           app.AppID,
		Name:            app.Name,
		Kind:            app.Kind,
		ContainerHandle: rs.ContainerHandle,
		Status:          status,
		StartedAt:       app.LastStartAt,
		DataPath:        app.DataPath,
	}
	// The pump fields must be set before the handle becomes visible to
	// console subscribers.
	m.startPump(h, true)
	if _, err := m.gw.OpenSession(m.runCtx, app); err != nil {
		log.Printf("lifecycle: reopen broker session for %s: %v", app.AppID, err)
	} else {
		m.openSignalStreams(m.runCtx, app, h)
	}
	m.live.insert(h)
}

func (m *Manager) dropHandle(appID string) {
	if h := m.live.removeByApp(appID); h != nil {
		m.stopPump(h)
	}
}

// syncState repairs a drifted current_state row.
func (m *Manager) syncState(ctx context.Context, rs *store.RuntimeState, want store.AppState) error {
	if rs == nil || rs.CurrentState == want {
		return nil
	}
	log.Printf("lifecycle: %s state drift %s -> %s", rs.AppID, rs.CurrentState, want)
	rs.CurrentState = want
	return m.st.UpsertRuntimeState(ctx, rs)
}
