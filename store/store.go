// Package store defines the persistence abstraction for the supervisor.
// The default implementation is SQLite; all three tables (applications,
// runtime state, console logs) live in a single file under data_dir.
package store

import (
	"context"
	"time"
)

// ---- application kinds ----

// Kind classifies how an application artifact is materialised in the sandbox.
type Kind string

const (
	KindScript    Kind = "script"
	KindBinary    Kind = "binary"
	KindContainer Kind = "container"
)

// ValidKind reports whether k is one of the known kinds.
func ValidKind(k Kind) bool {
	switch k {
	case KindScript, KindBinary, KindContainer:
		return true
	}
	return false
}

// ---- lifecycle states ----

// DesiredState is what the user asked for; the reconciler drives the observed
// state toward it.
type DesiredState string

const (
	DesiredRunning DesiredState = "running"
	DesiredStopped DesiredState = "stopped"
	DesiredRemoved DesiredState = "removed"
)

// AppState is the persisted observed lifecycle state of an application.
type AppState string

const (
	StateInstalled AppState = "installed"
	StateRunning   AppState = "running"
	StatePaused    AppState = "paused"
	StateStopped   AppState = "stopped"
	StateError     AppState = "error"
	StateRemoved   AppState = "removed"
)

// ---- signal declarations ----

// SignalAccess is one declared signal grant: the app may perform Access on
// the signal at Path, optionally rate-limited for subscriptions.
type SignalAccess struct {
	Path   string  `json:"path"`
	Access string  `json:"access"` // "read" | "write" | "subscribe"
	RateHz float64 `json:"rate_hz,omitempty"`
}

// ResourceLimits are the static sandbox limits for one application.
type ResourceLimits struct {
	CPUShares   int64 `json:"cpu_share"`
	MemoryBytes int64 `json:"memory_bytes"`
}

// ---- persisted records ----

// Application is the durable desired-state row.  AppID is always the
// canonical (prefixed) form; see the identity package.
type Application struct {
	AppID                string         `json:"app_id"`
	Name                 string         `json:"name"`
	Kind                 Kind           `json:"kind"`
	Version              string         `json:"version"`
	Artifact             []byte         `json:"-"`
	DeclaredDependencies []string       `json:"declared_dependencies,omitempty"`
	DeclaredSignals      []SignalAccess `json:"declared_signals,omitempty"`
	Limits               ResourceLimits `json:"resource_limits"`
	DesiredState         DesiredState   `json:"desired_state"`
	CreatedAt            time.Time      `json:"created_at"`
	LastStartAt          time.Time      `json:"last_start_at,omitempty"`
	DataPath             string         `json:"data_path"`
}

// RuntimeState is the durable observed state; at most one row per app_id,
// replaced wholesale on every start.
type RuntimeState struct {
	AppID           string    `json:"app_id"`
	ExecutionID     string    `json:"execution_id"`
	CurrentState    AppState  `json:"current_state"`
	ContainerHandle string    `json:"container_handle,omitempty"`
	ExitCode        *int      `json:"exit_code,omitempty"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
}

// LogRecord is one console line captured from a sandbox.  Retention is a
// per-app ring: appends beyond the configured row count evict oldest-first.
type LogRecord struct {
	AppID       string    `json:"app_id"`
	ExecutionID string    `json:"execution_id"`
	Stream      string    `json:"stream"` // "out" | "err"
	Offset      int64     `json:"offset"`
	TS          time.Time `json:"ts"`
	Data        []byte    `json:"data"`
}

// Filter narrows ListApplications.  Zero values match everything.
type Filter struct {
	Kind         Kind
	DesiredState DesiredState
}

// ---- store interface ----

// Store is the persistence abstraction.  All methods are context-aware and
// atomic; writes are durable before they return.  Get* methods return
// (nil, nil) when the row does not exist.
type Store interface {
	// ---- applications ----

	UpsertApplication(ctx context.Context, app *Application) error
	DeleteApplication(ctx context.Context, appID string) error
	GetApplication(ctx context.Context, appID string) (*Application, error)
	ListApplications(ctx context.Context, f Filter) ([]*Application, error)

	// ---- runtime state ----

	UpsertRuntimeState(ctx context.Context, st *RuntimeState) error
	ClearRuntimeState(ctx context.Context, appID string) error
	GetRuntimeState(ctx context.Context, appID string) (*RuntimeState, error)

	// ---- console logs ----

	// AppendLog stores one console line.  Offsets are assigned by the store
	// and are total-ordered per (app_id, execution_id).
	AppendLog(ctx context.Context, appID, executionID, stream string, data []byte) error

	// TailLogs returns the most recent n lines for an app, oldest first.
	TailLogs(ctx context.Context, appID string, n int) ([]LogRecord, error)

	// ---- lifecycle ----

	Close() error
}
