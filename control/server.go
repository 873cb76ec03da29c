package control

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tri2510/vehicle-edge-runtime/config"
	"github.com/tri2510/vehicle-edge-runtime/lifecycle"
	"github.com/tri2510/vehicle-edge-runtime/store"
)

// deployment tracks one in-flight or finished deploy for
// get_deployment_status.  Finished entries are kept until evicted by age.
type deployment struct {
	ID        string    `json:"deployment_id"`
	AppID     string    `json:"app_id,omitempty"`
	Status    string    `json:"status"` // "in_progress" | "completed" | "failed"
	Stage     string    `json:"stage,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const deploymentRetention = 30 * time.Minute

// Server is the control-plane websocket endpoint.
type Server struct {
	cfg      config.Config
	mgr      *lifecycle.Manager
	upgrader websocket.Upgrader

	depMu       sync.Mutex
	deployments map[string]*deployment
}

// NewServer creates the control-plane server over the lifecycle manager.
func NewServer(cfg config.Config, mgr *lifecycle.Manager) *Server {
	return &Server{
		cfg: cfg,
		mgr: mgr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// The channel is deployed on a closed vehicle network.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		deployments: make(map[string]*deployment),
	}
}

// Handler returns the HTTP handler exposing the websocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveWS)
	mux.HandleFunc("/ws", s.serveWS)
	return mux
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("control: upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	c := newClientConn(s, ws)
	log.Printf("control: client connected from %s", r.RemoteAddr)
	c.run()
	log.Printf("control: client from %s disconnected", r.RemoteAddr)
}

// ---- per-connection state ----

type consoleSub struct {
	subID  int
	cancel chan struct{}
}

// clientConn is one control-plane connection.  Inbound messages are fanned
// to worker lanes by app id, so messages for one app execute in order while
// distinct apps proceed in parallel.
type clientConn struct {
	srv *Server
	ws  *websocket.Conn

	writeMu sync.Mutex

	lanes []chan request
	wg    sync.WaitGroup

	subMu sync.Mutex
	subs  map[string]consoleSub // app/execution id → live console subscription
}

func newClientConn(s *Server, ws *websocket.Conn) *clientConn {
	c := &clientConn{
		srv:   s,
		ws:    ws,
		lanes: make([]chan request, s.cfg.ControlWorkers),
		subs:  make(map[string]consoleSub),
	}
	for i := range c.lanes {
		c.lanes[i] = make(chan request, 32)
	}
	return c
}

func (c *clientConn) run() {
	for i := range c.lanes {
		c.wg.Add(1)
		go c.worker(c.lanes[i])
	}

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		var req request
		if err := json.Unmarshal(raw, &req); err != nil {
			c.writeJSON(&response{
				Type: "error", Status: statusError,
				Error:     "malformed message: " + err.Error(),
				Code:      string(lifecycle.KindValidation),
				Timestamp: time.Now().UnixMilli(),
			})
			continue
		}
		c.dispatch(req)
	}

	for i := range c.lanes {
		close(c.lanes[i])
	}
	c.wg.Wait()
	c.dropSubscriptions()
	c.ws.Close()
}

// dispatch routes a request to a worker lane.  Requests naming an app hash
// on the app id so a caller's sequence for one app stays ordered.
func (c *clientConn) dispatch(req request) {
	key := req.AppID
	if key == "" {
		key = req.ID
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	lane := c.lanes[int(h.Sum32())%len(c.lanes)]
	select {
	case lane <- req:
	default:
		// Lane saturated; shed rather than stall the read loop.
		c.writeJSON(&response{
			Type: replyType(req.Type), ID: req.ID, Status: statusError,
			Error:     "control plane busy, retry",
			Code:      string(lifecycle.KindResourceDenied),
			Timestamp: time.Now().UnixMilli(),
		})
	}
}

func (c *clientConn) worker(lane <-chan request) {
	defer c.wg.Done()
	for req := range lane {
		c.writeJSON(c.handle(req))
	}
}

func (c *clientConn) writeJSON(v any) {
	if v == nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(v); err != nil {
		log.Printf("control: write: %v", err)
	}
}

// ---- request handling ----

func (c *clientConn) handle(req request) *response {
	ctx, cancel := context.WithTimeout(context.Background(), c.srv.cfg.RequestDeadline())
	defer cancel()

	switch req.Type {
	case "ping":
		return newResponse("pong", req.ID, statusSuccess)

	case "deploy_request":
		return c.deploy(ctx, req, false)
	case "smart_deploy":
		return c.deploy(ctx, req, true)

	case "run_app":
		st, err := c.srv.mgr.Start(ctx, req.AppID)
		return c.reply(req, st, err)
	case "stop_app":
		st, err := c.srv.mgr.Stop(ctx, req.AppID, time.Duration(req.GraceMS)*time.Millisecond)
		return c.reply(req, st, err)
	case "pause_app":
		st, err := c.srv.mgr.Pause(ctx, req.AppID)
		return c.reply(req, st, err)
	case "resume_app":
		st, err := c.srv.mgr.Resume(ctx, req.AppID)
		return c.reply(req, st, err)
	case "uninstall_app":
		st, err := c.srv.mgr.Remove(ctx, req.AppID)
		return c.reply(req, st, err)

	case "manage_app":
		return c.manage(ctx, req)

	case "list_deployed_apps":
		apps, err := c.srv.mgr.List(ctx, store.Filter{
			Kind:         store.Kind(req.FilterKind),
			DesiredState: store.DesiredState(req.FilterState),
		})
		return c.reply(req, apps, err)

	case "get_app_status":
		st, err := c.srv.mgr.GetStatus(ctx, req.AppID)
		return c.reply(req, st, err)

	case "get_app_logs":
		recs, err := c.srv.mgr.TailLogs(ctx, req.AppID, req.Lines)
		return c.reply(req, recs, err)

	case "get_deployment_status":
		return c.deploymentStatus(req)

	case "detect_dependencies":
		return c.reply(req, detectDependencies([]byte(req.Code)), nil)

	case "validate_signals":
		return c.reply(req, c.srv.mgr.Gateway().Validate(req.Signals), nil)

	case "console_subscribe":
		return c.consoleSubscribe(req)
	case "console_unsubscribe":
		return c.consoleUnsubscribe(req)
	}

	resp := newResponse("error", req.ID, statusError)
	resp.Error = "unknown message type: " + req.Type
	resp.Code = string(lifecycle.KindValidation)
	return resp
}

// reply builds the response envelope for a lifecycle result, translating the
// error taxonomy onto wire statuses.
func (c *clientConn) reply(req request, result any, err error) *response {
	resp := newResponse(replyType(req.Type), req.ID, statusSuccess)
	if err == nil {
		resp.describe(result)
		return resp
	}

	oe, ok := lifecycle.AsOpError(err)
	if !ok {
		resp.Status = statusError
		resp.Error = err.Error()
		resp.Code = string(lifecycle.KindInternal)
		return resp
	}

	switch oe.Kind {
	case lifecycle.KindAlreadyRunning:
		resp.Status = statusAlreadyRunning
		resp.describe(result)
	case lifecycle.KindAlreadyStopped:
		resp.Status = statusAlreadyStopped
		resp.describe(result)
	default:
		resp.Status = statusError
	}
	resp.Error = oe.Message
	resp.Code = string(oe.Kind)
	resp.Suggestions = oe.Suggestions
	return resp
}

func (c *clientConn) manage(ctx context.Context, req request) *response {
	var (
		st  *lifecycle.Status
		err error
	)
	switch req.Action {
	case "start":
		st, err = c.srv.mgr.Start(ctx, req.AppID)
	case "stop":
		st, err = c.srv.mgr.Stop(ctx, req.AppID, time.Duration(req.GraceMS)*time.Millisecond)
	case "pause":
		st, err = c.srv.mgr.Pause(ctx, req.AppID)
	case "resume":
		st, err = c.srv.mgr.Resume(ctx, req.AppID)
	case "restart":
		st, err = c.srv.mgr.Restart(ctx, req.AppID, time.Duration(req.GraceMS)*time.Millisecond)
	default:
		resp := newResponse(replyType(req.Type), req.ID, statusError)
		resp.Error = "unknown action: " + req.Action
		resp.Code = string(lifecycle.KindValidation)
		return resp
	}
	return c.reply(req, st, err)
}

// ---- deploy ----

func (c *clientConn) deploy(ctx context.Context, req request, smart bool) *response {
	code := []byte(req.Code)

	kind := store.Kind(req.Kind)
	if smart && kind == "" {
		kind = inferKind(code)
	}

	var detected []DetectedDependency
	deps := req.Dependencies
	if smart && kind == store.KindScript {
		detected = detectDependencies(code)
		if len(deps) == 0 {
			for _, d := range detected {
				deps = append(deps, d.Name)
			}
		}
	}

	dep := c.srv.trackDeployment(req.AppID)
	progress := func(p lifecycle.Progress) {
		c.srv.updateDeployment(dep.ID, p.Stage, "")
		c.writeJSON(&progressFrame{
			Type:         "deployment_progress",
			DeploymentID: dep.ID,
			AppID:        req.AppID,
			Stage:        p.Stage,
			Current:      p.Current,
			Total:        p.Total,
			Dependency:   p.Dependency,
			Timestamp:    time.Now().UnixMilli(),
		})
	}

	st, err := c.srv.mgr.Install(ctx, lifecycle.InstallRequest{
		AppID:        req.AppID,
		Name:         req.Name,
		Kind:         kind,
		Version:      req.Version,
		Artifact:     code,
		Dependencies: deps,
		Signals:      req.Signals,
		Limits: store.ResourceLimits{
			CPUShares:   req.CPUShare,
			MemoryBytes: req.MemoryBytes,
		},
		AutoStart: req.AutoStart,
	}, progress)
	if err != nil {
		if oe, ok := lifecycle.AsOpError(err); ok && (oe.Kind == lifecycle.KindAlreadyRunning) {
			// AutoStart against an already-running app: the install itself
			// succeeded.
			c.srv.finishDeployment(dep.ID, st, nil)
			resp := c.reply(req, st, err)
			resp.Data = deployResult{DeploymentID: dep.ID, App: st, Detected: detected}
			return resp
		}
		c.srv.finishDeployment(dep.ID, st, err)
		return c.reply(req, nil, err)
	}
	c.srv.finishDeployment(dep.ID, st, nil)

	resp := c.reply(req, st, nil)
	resp.Data = deployResult{
		DeploymentID: dep.ID,
		App:          st,
		Detected:     detected,
		Warnings:     st.Warnings,
	}
	return resp
}

func (s *Server) trackDeployment(appID string) *deployment {
	now := time.Now().UTC()
	d := &deployment{
		ID:        uuid.NewString(),
		AppID:     appID,
		Status:    "in_progress",
		Stage:     "preparing",
		StartedAt: now,
		UpdatedAt: now,
	}
	s.depMu.Lock()
	for id, old := range s.deployments {
		if time.Since(old.UpdatedAt) > deploymentRetention {
			delete(s.deployments, id)
		}
	}
	s.deployments[d.ID] = d
	s.depMu.Unlock()
	return d
}

func (s *Server) updateDeployment(id, stage, errMsg string) {
	s.depMu.Lock()
	defer s.depMu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return
	}
	if stage != "" {
		d.Stage = stage
	}
	if errMsg != "" {
		d.Error = errMsg
	}
	d.UpdatedAt = time.Now().UTC()
}

func (s *Server) finishDeployment(id string, st *lifecycle.Status, err error) {
	s.depMu.Lock()
	defer s.depMu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return
	}
	d.UpdatedAt = time.Now().UTC()
	if err != nil {
		d.Status = "failed"
		d.Error = err.Error()
		return
	}
	d.Status = "completed"
	if st != nil {
		d.AppID = st.AppID
	}
}

func (c *clientConn) deploymentStatus(req request) *response {
	c.srv.depMu.Lock()
	d, ok := c.srv.deployments[req.DeploymentID]
	var snapshot deployment
	if ok {
		snapshot = *d
	}
	c.srv.depMu.Unlock()
	if !ok {
		resp := newResponse(replyType(req.Type), req.ID, statusError)
		resp.Error = "unknown deployment: " + req.DeploymentID
		resp.Code = string(lifecycle.KindNotFound)
		return resp
	}
	return c.reply(req, snapshot, nil)
}

// ---- console streaming ----

// consoleKey is the subscription key: an execution id when the caller gave
// one, the app id otherwise.  The lifecycle core resolves both forms.
func consoleKey(req request) string {
	if req.ExecutionID != "" {
		return req.ExecutionID
	}
	return req.AppID
}

func (c *clientConn) consoleSubscribe(req request) *response {
	key := consoleKey(req)
	c.subMu.Lock()
	if _, dup := c.subs[key]; dup {
		c.subMu.Unlock()
		return c.reply(req, "console subscribed: "+key, nil)
	}
	c.subMu.Unlock()

	subID, frames, err := c.srv.mgr.SubscribeConsole(key)
	if err != nil {
		return c.reply(req, nil, err)
	}

	cancel := make(chan struct{})
	c.subMu.Lock()
	c.subs[key] = consoleSub{subID: subID, cancel: cancel}
	c.subMu.Unlock()

	go func() {
		defer func() {
			c.srv.mgr.UnsubscribeConsole(key, subID)
			c.subMu.Lock()
			delete(c.subs, key)
			c.subMu.Unlock()
		}()
		for {
			select {
			case <-cancel:
				return
			case f, ok := <-frames:
				if !ok {
					return
				}
				c.writeJSON(&consoleFrame{
					Type:        "console_output",
					AppID:       f.AppID,
					ExecutionID: f.ExecutionID,
					Stream:      f.Stream,
					Data:        f.Data,
					TS:          f.TS.UnixMilli(),
				})
			}
		}
	}()

	return c.reply(req, "console subscribed: "+key, nil)
}

func (c *clientConn) consoleUnsubscribe(req request) *response {
	key := consoleKey(req)
	c.subMu.Lock()
	sub, ok := c.subs[key]
	if ok {
		delete(c.subs, key)
	}
	c.subMu.Unlock()
	if ok {
		close(sub.cancel)
	}
	return c.reply(req, "console unsubscribed: "+key, nil)
}

func (c *clientConn) dropSubscriptions() {
	c.subMu.Lock()
	subs := c.subs
	c.subs = make(map[string]consoleSub)
	c.subMu.Unlock()
	for _, sub := range subs {
		close(sub.cancel)
	}
}
