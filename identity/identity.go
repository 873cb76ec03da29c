// Package identity owns the canonical application identifier scheme and
// execution-id minting.
//
// Callers (frontend, CLI, test clients) may address an app by either the
// canonical prefixed form ("VEA-test-app") or the bare form ("test-app");
// every lifecycle entry point resolves through this package so both work.
// All internal indexing uses the canonical form only.
package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/tri2510/vehicle-edge-runtime/store"
)

// ErrNotFound is returned by Resolve when no application record matches.
var ErrNotFound = errors.New("application not found")

// Service canonicalises app ids against a deployment-specific prefix and
// resolves caller-supplied ids against the store.
type Service struct {
	prefix string
	st     store.Store
}

// New creates a Service.  prefix must be non-empty (e.g. "VEA-").
func New(prefix string, st store.Store) *Service {
	return &Service{prefix: prefix, st: st}
}

// Prefix returns the configured canonical prefix.
func (s *Service) Prefix() string { return s.prefix }

// Canonicalize applies the prefix to the stripped form, so that
// Canonicalize(Strip(x)) == Canonicalize(x) for every input.  Empty and
// prefix-only inputs are rejected by Resolve and install validation before
// they reach indexing.
func (s *Service) Canonicalize(input string) string {
	return s.prefix + s.Strip(input)
}

// Strip removes the prefix exhaustively, so a doubled prefix cannot survive
// a round trip through Canonicalize.
func (s *Service) Strip(input string) string {
	for s.prefix != "" && strings.HasPrefix(input, s.prefix) {
		input = strings.TrimPrefix(input, s.prefix)
	}
	return input
}

// MintExecutionID returns a globally unique opaque id.  One is minted per
// start and never reused.
func (s *Service) MintExecutionID() string {
	return uuid.NewString()
}

// Resolve accepts either id form and returns the canonical app_id of an
// existing record, or ErrNotFound.
func (s *Service) Resolve(ctx context.Context, input string) (string, error) {
	if input == "" {
		return "", ErrNotFound
	}
	canonical := s.Canonicalize(input)
	app, err := s.st.GetApplication(ctx, canonical)
	if err != nil {
		return "", err
	}
	if app == nil {
		return "", ErrNotFound
	}
	return canonical, nil
}
