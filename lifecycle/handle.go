package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/tri2510/vehicle-edge-runtime/store"
)

// Handle is the in-memory hot cache entry for one live execution.
// A handle exists iff the persisted current_state is running or paused.
type Handle struct {
	ExecutionID     string
	AppID           string
	Name            string
	Kind            store.Kind
	ContainerHandle string
	Status          store.AppState // StateRunning or StatePaused
	StartedAt       time.Time
	DataPath        string

	feed       *consoleFeed
	cancelPump context.CancelFunc
}

// liveSet owns the live handle map.  The primary key is the execution id;
// a secondary app_id index is maintained under the same lock so lookups by
// either form are O(1).
type liveSet struct {
	mu     sync.RWMutex
	byExec map[string]*Handle
	byApp  map[string]string // app_id → execution_id
}

func newLiveSet() *liveSet {
	return &liveSet{
		byExec: make(map[string]*Handle),
		byApp:  make(map[string]string),
	}
}

// insert installs a handle, replacing any previous handle for the same app.
func (l *liveSet) insert(h *Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.byApp[h.AppID]; ok {
		delete(l.byExec, prev)
	}
	l.byExec[h.ExecutionID] = h
	l.byApp[h.AppID] = h.ExecutionID
}

// removeByApp drops the app's handle and returns it, or nil.
func (l *liveSet) removeByApp(appID string) *Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	execID, ok := l.byApp[appID]
	if !ok {
		return nil
	}
	h := l.byExec[execID]
	delete(l.byExec, execID)
	delete(l.byApp, appID)
	return h
}

func (l *liveSet) getByApp(appID string) *Handle {
	l.mu.RLock()
	defer l.mu.RUnlock()
	execID, ok := l.byApp[appID]
	if !ok {
		return nil
	}
	return l.byExec[execID]
}

func (l *liveSet) getByExec(executionID string) *Handle {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.byExec[executionID]
}

// resolve accepts either an execution id or an app id.
func (l *liveSet) resolve(id string) *Handle {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if h, ok := l.byExec[id]; ok {
		return h
	}
	if execID, ok := l.byApp[id]; ok {
		return l.byExec[execID]
	}
	return nil
}

func (l *liveSet) setStatus(appID string, st store.AppState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if execID, ok := l.byApp[appID]; ok {
		l.byExec[execID].Status = st
	}
}

func (l *liveSet) count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byExec)
}

func (l *liveSet) all() []*Handle {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Handle, 0, len(l.byExec))
	for _, h := range l.byExec {
		out = append(out, h)
	}
	return out
}
