package identity

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tri2510/vehicle-edge-runtime/store"
	"github.com/tri2510/vehicle-edge-runtime/store/sqlite"
)

func newService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"), 100)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New("VEA-", db), db
}

func TestCanonicalize(t *testing.T) {
	svc, _ := newService(t)

	cases := []struct {
		in   string
		want string
	}{
		{"test-app", "VEA-test-app"},
		{"VEA-test-app", "VEA-test-app"},
		{"VEA-VEA-test-app", "VEA-test-app"},
		{"VEA-", "VEA-"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, svc.Canonicalize(c.in), "input %q", c.in)
	}
}

func TestCanonicalizeStripRoundTrip(t *testing.T) {
	svc, _ := newService(t)

	// Canonicalize(Strip(x)) == Canonicalize(x) for every input form,
	// including degenerate ones.
	for _, in := range []string{
		"test-app", "VEA-test-app", "VEA-VEA-test-app", "VEA-", "VEA-VEA-", "",
	} {
		assert.Equal(t, svc.Canonicalize(in), svc.Canonicalize(svc.Strip(in)), "input %q", in)
	}
}

func TestStrip(t *testing.T) {
	svc, _ := newService(t)
	assert.Equal(t, "test-app", svc.Strip("VEA-test-app"))
	assert.Equal(t, "test-app", svc.Strip("test-app"))
	assert.Equal(t, "test-app", svc.Strip("VEA-VEA-test-app"))
	assert.Equal(t, "", svc.Strip("VEA-"))
}

func TestMintExecutionIDUnique(t *testing.T) {
	svc, _ := newService(t)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := svc.MintExecutionID()
		require.NotEmpty(t, id)
		require.False(t, seen[id], "duplicate execution id %s", id)
		seen[id] = true
	}
}

func TestResolve(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertApplication(ctx, &store.Application{
		AppID:    "VEA-demo",
		Name:     "demo",
		Kind:     store.KindScript,
		Artifact: []byte("print('hi')"),
	}))

	// Both forms resolve to the canonical id.
	for _, in := range []string{"demo", "VEA-demo"} {
		got, err := svc.Resolve(ctx, in)
		require.NoError(t, err, "input %q", in)
		assert.Equal(t, "VEA-demo", got)
	}

	_, err := svc.Resolve(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Resolve(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
}
