package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/tri2510/vehicle-edge-runtime/store"
)

// ---- gateway errors ----

var (
	ErrAccessDenied   = errors.New("access denied")
	ErrPathUnknown    = errors.New("path unknown")
	ErrTypeMismatch   = errors.New("type mismatch")
	ErrNoSession      = errors.New("no open session")
	ErrBrokerDisabled = errors.New("signal broker disabled")
)

// maxSubscribeRateHz is where Validate starts warning about subscription
// rates; the broker itself may clamp harder.
const maxSubscribeRateHz = 100

// Validation partitions a declared signal set against the catalog.
type Validation struct {
	Valid    []string `json:"valid"`
	Invalid  []string `json:"invalid"`
	Warnings []string `json:"warnings,omitempty"`
	Total    int      `json:"total"`
}

// Gateway is what the lifecycle core consumes.  One session per app_id;
// opening a session for an app tears down its previous one.
type Gateway interface {
	Validate(signals []store.SignalAccess) Validation

	// OpenSession opens (replacing) the broker session for app.  Returns
	// the session token, fingerprinted with the app id.
	OpenSession(ctx context.Context, app *store.Application) (string, error)
	CloseSession(appID string)

	// Read/Write/Subscribe act under the declared-access policy of the
	// app's open session.
	Read(ctx context.Context, appID string, paths []string) (map[string]any, error)
	Write(ctx context.Context, appID, path string, value any) error

	// Subscribe opens a broker subscription on path and delivers every
	// update to fn until the session closes.  Returns the subscription id.
	Subscribe(ctx context.Context, appID, path string, rateHz float64, fn NotifyFunc) (string, error)

	Connected() bool
}

// ---- live gateway ----

// session tracks one app's broker grant.
type session struct {
	token    string
	appID    string
	declared map[string]map[string]bool // path → access set
	subIDs   []string                   // broker subscription ids to tear down
}

func (s *session) allows(path, access string) bool {
	set, ok := s.declared[path]
	return ok && set[access]
}

// LiveGateway enforces declared access on top of a broker Client.
type LiveGateway struct {
	client  *Client
	catalog Catalog

	mu       sync.Mutex
	sessions map[string]*session // app_id → session
}

// NewGateway creates a LiveGateway over client with the given catalog.
func NewGateway(client *Client, catalog Catalog) *LiveGateway {
	return &LiveGateway{
		client:   client,
		catalog:  catalog,
		sessions: make(map[string]*session),
	}
}

func (g *LiveGateway) Connected() bool { return g.client.Connected() }

// Validate partitions the declared signals into valid and invalid against
// the catalog, with warnings for grants the broker is likely to clamp.
func (g *LiveGateway) Validate(signals []store.SignalAccess) Validation {
	return validate(g.catalog, signals)
}

func validate(catalog Catalog, signals []store.SignalAccess) Validation {
	v := Validation{Total: len(signals), Valid: []string{}, Invalid: []string{}}
	seen := make(map[string]bool)
	for _, sig := range signals {
		meta, known := catalog[sig.Path]
		if !known {
			if !seen["i"+sig.Path] {
				v.Invalid = append(v.Invalid, sig.Path)
				seen["i"+sig.Path] = true
			}
			continue
		}
		if !seen["v"+sig.Path] {
			v.Valid = append(v.Valid, sig.Path)
			seen["v"+sig.Path] = true
		}
		if sig.Access == "write" && !meta.Writable {
			v.Warnings = append(v.Warnings,
				fmt.Sprintf("%s is not writable; write access will be denied", sig.Path))
		}
		if sig.Access == "subscribe" && sig.RateHz > maxSubscribeRateHz {
			v.Warnings = append(v.Warnings,
				fmt.Sprintf("%s: rate %.0f Hz exceeds %d Hz and will be clamped", sig.Path, sig.RateHz, maxSubscribeRateHz))
		}
	}
	return v
}

// OpenSession replaces any previous session for the app.  Subscriptions are
// opened separately through Subscribe so the caller owns the update stream.
func (g *LiveGateway) OpenSession(ctx context.Context, app *store.Application) (string, error) {
	g.CloseSession(app.AppID)

	s := &session{
		token:    app.AppID + "#" + uuid.NewString(),
		appID:    app.AppID,
		declared: make(map[string]map[string]bool),
	}
	for _, sig := range app.DeclaredSignals {
		if s.declared[sig.Path] == nil {
			s.declared[sig.Path] = make(map[string]bool)
		}
		s.declared[sig.Path][sig.Access] = true
	}

	g.mu.Lock()
	g.sessions[app.AppID] = s
	g.mu.Unlock()
	return s.token, nil
}

// Subscribe opens a broker subscription under declared subscribe access and
// delivers notifications to fn.  The subscription is torn down with the
// session.
func (g *LiveGateway) Subscribe(ctx context.Context, appID, path string, rateHz float64, fn NotifyFunc) (string, error) {
	s, err := g.sessionFor(appID)
	if err != nil {
		return "", err
	}
	if !g.catalog.Has(path) {
		return "", fmt.Errorf("%w: %s", ErrPathUnknown, path)
	}
	if !s.allows(path, "subscribe") {
		log.Printf("broker: denied subscription to %s by %s (not declared)", path, appID)
		return "", fmt.Errorf("%w: %s did not declare subscribe access to %s", ErrAccessDenied, appID, path)
	}
	subID, err := g.client.Subscribe(ctx, path, rateHz, fn)
	if err != nil {
		return "", err
	}
	g.mu.Lock()
	if g.sessions[appID] == s {
		s.subIDs = append(s.subIDs, subID)
	}
	g.mu.Unlock()
	return subID, nil
}

// CloseSession tears down the app's session if one is open.
func (g *LiveGateway) CloseSession(appID string) {
	g.mu.Lock()
	s := g.sessions[appID]
	delete(g.sessions, appID)
	g.mu.Unlock()
	if s != nil {
		g.teardown(context.Background(), s)
	}
}

func (g *LiveGateway) teardown(ctx context.Context, s *session) {
	for _, subID := range s.subIDs {
		if err := g.client.Unsubscribe(ctx, subID); err != nil {
			log.Printf("broker: unsubscribe %s for %s: %v", subID, s.appID, err)
		}
	}
}

// Read returns current values for the requested paths, subject to declared
// read access.
func (g *LiveGateway) Read(ctx context.Context, appID string, paths []string) (map[string]any, error) {
	s, err := g.sessionFor(appID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(paths))
	for _, path := range paths {
		if !g.catalog.Has(path) {
			return nil, fmt.Errorf("%w: %s", ErrPathUnknown, path)
		}
		if !s.allows(path, "read") && !s.allows(path, "subscribe") {
			return nil, fmt.Errorf("%w: %s did not declare read access to %s", ErrAccessDenied, appID, path)
		}
		v, err := g.client.Get(ctx, path)
		if err != nil {
			return nil, err
		}
		out[path] = v
	}
	return out, nil
}

// Write sets one signal value, subject to declared write access.  Denials
// are logged and surfaced but never kill the application.
func (g *LiveGateway) Write(ctx context.Context, appID, path string, value any) error {
	s, err := g.sessionFor(appID)
	if err != nil {
		return err
	}
	if !g.catalog.Has(path) {
		return fmt.Errorf("%w: %s", ErrPathUnknown, path)
	}
	if !s.allows(path, "write") {
		log.Printf("broker: denied write to %s by %s (not declared)", path, appID)
		return fmt.Errorf("%w: %s did not declare write access to %s", ErrAccessDenied, appID, path)
	}
	return g.client.Set(ctx, path, value)
}

func (g *LiveGateway) sessionFor(appID string) (*session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[appID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, appID)
	}
	return s, nil
}

// ---- disabled gateway ----

// DisabledGateway is used when broker_enabled=false.  Validation still works
// against the catalog; session operations report the broker as disabled so
// lifecycle operations surface a warning instead of failing.
type DisabledGateway struct {
	catalog Catalog
}

// NewDisabledGateway creates the no-broker gateway.
func NewDisabledGateway(catalog Catalog) *DisabledGateway {
	return &DisabledGateway{catalog: catalog}
}

func (g *DisabledGateway) Connected() bool { return false }

func (g *DisabledGateway) Validate(signals []store.SignalAccess) Validation {
	return validate(g.catalog, signals)
}

func (g *DisabledGateway) OpenSession(context.Context, *store.Application) (string, error) {
	return "", ErrBrokerDisabled
}

func (g *DisabledGateway) CloseSession(string) {}

func (g *DisabledGateway) Read(context.Context, string, []string) (map[string]any, error) {
	return nil, ErrBrokerDisabled
}

func (g *DisabledGateway) Write(context.Context, string, string, any) error {
	return ErrBrokerDisabled
}

func (g *DisabledGateway) Subscribe(context.Context, string, string, float64, NotifyFunc) (string, error) {
	return "", ErrBrokerDisabled
}
