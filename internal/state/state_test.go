package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *State {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// --- LoadAt / Close ---

func TestLoadAt_CreatesDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "state.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestLoadAt_Permissions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "taskdeck")
	dbPath := filepath.Join(dir, "state.db")

	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	defer s.Close()

	info, err := os.Stat(dbPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	dirInfo, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), dirInfo.Mode().Perm())
}

func TestLoadAt_ReopensExistingDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.SetDefaultWorkspace(Workspace{GID: "w-1", Name: "Acme"}))
	require.NoError(t, s1.Close())

	s2, err := LoadAt(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	ws, err := s2.DefaultWorkspace()
	require.NoError(t, err)
	assert.Equal(t, "w-1", ws.GID)
	assert.Equal(t, "Acme", ws.Name)
}

// --- DefaultWorkspace ---

func TestDefaultWorkspace_EmptyByDefault(t *testing.T) {
	s := testDB(t)

	ws, err := s.DefaultWorkspace()
	require.NoError(t, err)
	assert.Empty(t, ws.GID)
}

func TestSetDefaultWorkspace_RoundTrip(t *testing.T) {
	s := testDB(t)

	require.NoError(t, s.SetDefaultWorkspace(Workspace{GID: "w-1", Name: "Acme"}))

	ws, err := s.DefaultWorkspace()
	require.NoError(t, err)
	assert.Equal(t, Workspace{GID: "w-1", Name: "Acme"}, ws)
}

func TestSetDefaultWorkspace_Overwrite(t *testing.T) {
	s := testDB(t)

	require.NoError(t, s.SetDefaultWorkspace(Workspace{GID: "w-1", Name: "Old"}))
	require.NoError(t, s.SetDefaultWorkspace(Workspace{GID: "w-2", Name: "New"}))

	ws, err := s.DefaultWorkspace()
	require.NoError(t, err)
	assert.Equal(t, "w-2", ws.GID)
}

// --- CachedUser ---

func TestCachedUser_EmptyByDefault(t *testing.T) {
	s := testDB(t)

	u, err := s.CachedUser()
	require.NoError(t, err)
	assert.Empty(t, u.GID)
}

func TestSetCachedUser_RoundTrip(t *testing.T) {
	s := testDB(t)

	in := User{GID: "u-1", Name: "Dana", Email: "dana@example.com"}
	require.NoError(t, s.SetCachedUser(in))

	out, err := s.CachedUser()
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

// --- LastEventAt ---

func TestLastEventAt_ZeroByDefault(t *testing.T) {
	s := testDB(t)

	at, err := s.LastEventAt("w-1")
	require.NoError(t, err)
	assert.True(t, at.IsZero())
}

func TestSetLastEventAt_RoundTrip(t *testing.T) {
	s := testDB(t)

	stamp := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)
	require.NoError(t, s.SetLastEventAt("w-1", stamp))

	at, err := s.LastEventAt("w-1")
	require.NoError(t, err)
	assert.True(t, stamp.Equal(at))

	// Other workspaces are untouched.
	other, err := s.LastEventAt("w-2")
	require.NoError(t, err)
	assert.True(t, other.IsZero())
}

// --- Reset ---

func TestReset_ClearsIdentity(t *testing.T) {
	s := testDB(t)

	require.NoError(t, s.SetDefaultWorkspace(Workspace{GID: "w-1", Name: "Acme"}))
	require.NoError(t, s.SetCachedUser(User{GID: "u-1", Name: "Dana"}))

	require.NoError(t, s.Reset())

	ws, err := s.DefaultWorkspace()
	require.NoError(t, err)
	assert.Empty(t, ws.GID)

	u, err := s.CachedUser()
	require.NoError(t, err)
	assert.Empty(t, u.GID)
}

func TestReset_KeepsStoreUsable(t *testing.T) {
	s := testDB(t)

	require.NoError(t, s.Reset())
	require.NoError(t, s.SetDefaultWorkspace(Workspace{GID: "w-9", Name: "After"}))

	ws, err := s.DefaultWorkspace()
	require.NoError(t, err)
	assert.Equal(t, "w-9", ws.GID)
}
