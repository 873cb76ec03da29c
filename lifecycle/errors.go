package lifecycle

import (
	"errors"
	"fmt"

	"github.com/tri2510/vehicle-edge-runtime/broker"
	"github.com/tri2510/vehicle-edge-runtime/sandbox"
)

// Kind classifies an operation failure for the control plane.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindInvalidTransition Kind = "invalid_transition"
	KindAlreadyRunning    Kind = "already_running"
	KindAlreadyStopped    Kind = "already_stopped"
	KindResourceDenied    Kind = "resource_denied"
	KindDriverError       Kind = "driver_error"
	KindBrokerError       Kind = "broker_error"
	KindDeadlineExceeded  Kind = "deadline_exceeded"
	KindInternal          Kind = "internal"
)

// OpError is the typed failure every lifecycle operation returns.
// Suggestions carry known remediations for validation and driver failures.
type OpError struct {
	Kind        Kind
	Message     string
	Suggestions []string
	cause       error
}

func (e *OpError) Error() string { return e.Message }
func (e *OpError) Unwrap() error { return e.cause }

func opErr(kind Kind, format string, args ...any) *OpError {
	return &OpError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *OpError) withCause(err error) *OpError {
	e.cause = err
	return e
}

func (e *OpError) withSuggestions(s ...string) *OpError {
	e.Suggestions = append(e.Suggestions, s...)
	return e
}

// AsOpError extracts the typed failure; ok is false for unclassified errors.
func AsOpError(err error) (*OpError, bool) {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}

// driverErr maps a sandbox driver failure onto the taxonomy.
func driverErr(op string, err error) *OpError {
	switch {
	case errors.Is(err, sandbox.ErrResourceDenied):
		return opErr(KindResourceDenied, "sandbox %s: %v", op, err).withCause(err)
	case errors.Is(err, sandbox.ErrArtifactUnusable):
		return opErr(KindValidation, "sandbox %s: %v", op, err).withCause(err).
			withSuggestions("check that the artifact matches the declared kind")
	case errors.Is(err, sandbox.ErrDriverUnavailable):
		return opErr(KindDriverError, "sandbox %s: %v", op, err).withCause(err).
			withSuggestions("verify the container engine is running and the sandbox_socket path is correct")
	}
	return opErr(KindDriverError, "sandbox %s: %v", op, err).withCause(err)
}

// brokerWarning renders a gateway failure as a non-fatal warning string.
func brokerWarning(err error) string {
	if errors.Is(err, broker.ErrBrokerDisabled) {
		return "signal broker disabled; declared signals will not be served"
	}
	return fmt.Sprintf("signal broker session failed: %v", err)
}
