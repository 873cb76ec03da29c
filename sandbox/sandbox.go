// Package sandbox defines the capability interface the supervisor consumes
// from the container engine.  The lifecycle core never talks to the engine
// directly; everything goes through a Driver so tests can substitute a fake
// and the engine behind the socket can change without touching the core.
package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/tri2510/vehicle-edge-runtime/store"
)

// ---- driver errors ----

var (
	ErrArtifactUnusable   = errors.New("artifact unusable")
	ErrResourceDenied     = errors.New("resource denied")
	ErrAlreadyStarted     = errors.New("already started")
	ErrNotRunning         = errors.New("not running")
	ErrNotPaused          = errors.New("not paused")
	ErrUnsupportedForKind = errors.New("operation unsupported for kind")
	ErrNotFound           = errors.New("sandbox not found")
	ErrDriverUnavailable  = errors.New("driver unavailable")
	ErrInUse              = errors.New("sandbox in use")
)

// ---- sandbox states ----

// Observed sandbox states as reported by Inspect.  StateMissing is synthesised
// by callers when Inspect returns ErrNotFound.
const (
	StateCreated = "created"
	StateRunning = "running"
	StatePaused  = "paused"
	StateExited  = "exited"
	StateMissing = "missing"
)

// ---- types ----

// Spec describes the sandbox to create for one execution.
type Spec struct {
	// Name is the engine-visible container name; the lifecycle core passes
	// the execution id so names never collide.
	Name     string
	Kind     store.Kind
	Artifact []byte
	// DataPath is the host-side per-app working directory, mounted into the
	// sandbox as its working dir.
	DataPath string
	Env      []string
	Limits   store.ResourceLimits
}

// Status is the observed state of a sandbox.
type Status struct {
	State     string
	ExitCode  *int
	StartedAt time.Time
}

// LogLine is one demultiplexed console line.
type LogLine struct {
	Stream string // "out" | "err"
	Data   []byte
	TS     time.Time
}

// ---- driver interface ----

// Driver is the narrow adapter over the container engine.  Handles are opaque
// engine identifiers; the core persists them but never interprets them.
type Driver interface {
	// Create materialises the artifact and returns a handle in StateCreated.
	Create(ctx context.Context, spec Spec) (string, error)

	// Start transitions a created (or stopped) sandbox to StateRunning.
	Start(ctx context.Context, handle string) error

	// Stop gracefully stops the sandbox, force-killing after grace.
	// Returns the exit code.
	Stop(ctx context.Context, handle string, grace time.Duration) (int, error)

	Pause(ctx context.Context, handle string) error
	Resume(ctx context.Context, handle string) error

	// Remove destroys the sandbox; the handle is invalid afterwards.
	Remove(ctx context.Context, handle string) error

	// Inspect reports the observed state.  ErrNotFound when the handle does
	// not resolve.
	Inspect(ctx context.Context, handle string) (Status, error)

	// AttachLogs returns a channel of console lines.  With tail=true the
	// stream starts at the current tail (used when rebuilding a live handle
	// after a supervisor restart); otherwise it replays from the beginning.
	// The channel is closed when the sandbox exits or ctx is cancelled.
	AttachLogs(ctx context.Context, handle string, tail bool) (<-chan LogLine, error)

	// Reap is the idempotent best-effort stop-then-remove used by the
	// reconciler; it never fails on an already-absent sandbox.
	Reap(ctx context.Context, handle string)

	// Managed lists the handles of every sandbox this supervisor created,
	// in any state.  The reconciler uses it at startup to reap sandboxes
	// that no persisted runtime state references.
	Managed(ctx context.Context) ([]string, error)

	// Ping reports whether the engine is reachable (health endpoint).
	Ping(ctx context.Context) error
}
