package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.taskdeck/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket           = []byte("app")
	defaultWorkspaceKey = []byte("default_workspace")
	userKey             = []byte("user")
	lastEventKey        = []byte("last_event_at")
)

func workspaceBucket(gid string) []byte {
	return []byte("workspace:" + gid)
}

// Workspace is the cached identity of the workspace task commands
// operate on, set by `taskdeck use`.
type Workspace struct {
	GID  string `json:"gid"`
	Name string `json:"name"`
}

// User caches the authenticated identity so prompts can show it without
// a network round trip.
type User struct {
	GID   string `json:"gid"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// State wraps a bbolt database for all persistent CLI state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.taskdeck/state.db, creating it if
// it does not exist. The app bucket is created on open.
func Load() (*State, error) {
	return LoadAt(dbPath())
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(appBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// DefaultWorkspace returns the workspace selected with `taskdeck use`.
// A zero GID means none has been selected.
func (s *State) DefaultWorkspace() (Workspace, error) {
	var ws Workspace

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(defaultWorkspaceKey)
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &ws)
	})

	return ws, err
}

// SetDefaultWorkspace persists the workspace task commands default to.
func (s *State) SetDefaultWorkspace(ws Workspace) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(ws)
		if err != nil {
			return err
		}

		return tx.Bucket(appBucket).Put(defaultWorkspaceKey, data)
	})
}

// CachedUser returns the cached authenticated identity. A zero GID means
// none has been cached.
func (s *State) CachedUser() (User, error) {
	var u User

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(userKey)
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &u)
	})

	return u, err
}

// SetCachedUser persists the authenticated identity.
func (s *State) SetCachedUser(u User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(u)
		if err != nil {
			return err
		}

		return tx.Bucket(appBucket).Put(userKey, data)
	})
}

// LastEventAt returns when the event feed last delivered for a
// workspace, or the zero time when it never has.
func (s *State) LastEventAt(workspaceGID string) (time.Time, error) {
	var at time.Time

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(workspaceBucket(workspaceGID))
		if b == nil {
			return nil
		}

		v := b.Get(lastEventKey)
		if v == nil {
			return nil
		}

		return at.UnmarshalText(v)
	})

	return at, err
}

// SetLastEventAt records the newest event timestamp seen for a
// workspace, so a restarted watch can report the gap.
func (s *State) SetLastEventAt(workspaceGID string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(workspaceBucket(workspaceGID))
		if err != nil {
			return err
		}

		data, err := at.MarshalText()
		if err != nil {
			return err
		}

		return b.Put(lastEventKey, data)
	})
}

// Reset drops the cached identity state. Called on logout so a new
// login does not inherit the previous session's workspace or user.
func (s *State) Reset() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(appBucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}

		_, err := tx.CreateBucket(appBucket)

		return err
	})
}

func dbPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail loudly rather than silently writing to the current directory
		// where the database might end up with wrong permissions or inside
		// a source-controlled tree.
		fmt.Fprintf(os.Stderr, "fatal: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}

	return filepath.Join(dir, ".taskdeck", "state.db")
}
