// Package control implements the supervisor's control plane: a persistent
// bidirectional websocket channel carrying JSON messages.  Every request
// carries a caller-chosen id which the matching response echoes; unsolicited
// frames (deployment_progress, console_output) carry no id.
package control

import (
	"fmt"
	"time"

	"github.com/tri2510/vehicle-edge-runtime/broker"
	"github.com/tri2510/vehicle-edge-runtime/lifecycle"
	"github.com/tri2510/vehicle-edge-runtime/store"
)

// ---- inbound ----

// request is the superset of all inbound message shapes; Type selects which
// fields are meaningful.
type request struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	AppID string `json:"app_id,omitempty"`

	// deploy_request / smart_deploy
	Name         string               `json:"name,omitempty"`
	Kind         string               `json:"kind,omitempty"`
	Version      string               `json:"version,omitempty"`
	Code         string               `json:"code,omitempty"`
	Dependencies []string             `json:"dependencies,omitempty"`
	Signals      []store.SignalAccess `json:"signals,omitempty"`
	MemoryBytes  int64                `json:"memory_bytes,omitempty"`
	CPUShare     int64                `json:"cpu_share,omitempty"`
	AutoStart    bool                 `json:"auto_start,omitempty"`

	// manage_app
	Action string `json:"action,omitempty"` // start|stop|pause|resume|restart

	// stop_app
	GraceMS int `json:"grace_ms,omitempty"`

	// list_deployed_apps
	FilterKind  string `json:"filter_kind,omitempty"`
	FilterState string `json:"filter_state,omitempty"`

	// console / logs
	ExecutionID string `json:"execution_id,omitempty"`
	Lines       int    `json:"lines,omitempty"`

	// get_deployment_status
	DeploymentID string `json:"deployment_id,omitempty"`
}

// ---- outbound ----

// Response statuses.  Benign idempotent outcomes get their own status so
// callers need not parse the error text.
const (
	statusSuccess        = "success"
	statusError          = "error"
	statusAlreadyRunning = "already_running"
	statusAlreadyStopped = "already_stopped"
)

// response is the outbound envelope.  Result is the human-readable summary
// and State the current lifecycle state; structured payloads travel in Data.
// Error carries the human-readable failure message; Code the machine-readable
// failure kind.
type response struct {
	Type        string             `json:"type"`
	ID          string             `json:"id,omitempty"`
	AppID       string             `json:"app_id,omitempty"`
	Status      string             `json:"status,omitempty"`
	Result      string             `json:"result,omitempty"`
	State       string             `json:"state,omitempty"`
	Data        any                `json:"data,omitempty"`
	Validation  *broker.Validation `json:"validation,omitempty"`
	Error       string             `json:"error,omitempty"`
	Code        string             `json:"code,omitempty"`
	Suggestions []string           `json:"suggestions,omitempty"`
	Timestamp   int64              `json:"timestamp"`
}

func newResponse(typ, id, status string) *response {
	return &response{
		Type:      typ,
		ID:        id,
		Status:    status,
		Timestamp: time.Now().UnixMilli(),
	}
}

// describe fills the envelope's summary, state, and payload from a handler
// result.
func (r *response) describe(result any) {
	switch v := result.(type) {
	case nil:
	case *lifecycle.Status:
		if v == nil {
			return
		}
		r.AppID = v.AppID
		r.Result = fmt.Sprintf("%s is %s", v.AppID, v.State)
		r.State = string(v.State)
		r.Data = v
	case broker.Validation:
		r.Result = fmt.Sprintf("%d signals checked: %d valid, %d invalid",
			v.Total, len(v.Valid), len(v.Invalid))
		r.Validation = &v
	case []*lifecycle.Status:
		r.Result = fmt.Sprintf("%d applications", len(v))
		r.Data = v
	case []store.LogRecord:
		r.Result = fmt.Sprintf("%d log lines", len(v))
		r.Data = v
	case string:
		r.Result = v
	default:
		r.Data = v
	}
}

// responseType holds the request types whose responses are not the generic
// "<type>-response" pairing.
var responseType = map[string]string{
	"pause_app":             "app_paused",
	"resume_app":            "app_resumed",
	"uninstall_app":         "app_uninstalled",
	"get_deployment_status": "deployment_status",
	"detect_dependencies":   "dependencies_detected",
	"validate_signals":      "signals_validated",
	"ping":                  "pong",
}

func replyType(reqType string) string {
	if t, ok := responseType[reqType]; ok {
		return t
	}
	return reqType + "-response"
}

// deployResult is the result payload of a successful deploy.
type deployResult struct {
	DeploymentID string               `json:"deployment_id"`
	App          any                  `json:"app"`
	Detected     []DetectedDependency `json:"detected_dependencies,omitempty"`
	Warnings     []string             `json:"warnings,omitempty"`
}

// progressFrame is the unsolicited deployment_progress message.
type progressFrame struct {
	Type         string `json:"type"` // "deployment_progress"
	DeploymentID string `json:"deployment_id"`
	AppID        string `json:"app_id,omitempty"`
	Stage        string `json:"stage"`
	Current      int    `json:"current,omitempty"`
	Total        int    `json:"total,omitempty"`
	Dependency   string `json:"dependency,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// consoleFrame is the unsolicited console_output message.
type consoleFrame struct {
	Type        string `json:"type"` // "console_output"
	AppID       string `json:"app_id"`
	ExecutionID string `json:"execution_id"`
	Stream      string `json:"stream"`
	Data        string `json:"data"`
	TS          int64  `json:"ts"`
}
