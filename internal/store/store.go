// Package store implements the on-disk session layout: one directory
// per session holding metadata, the recording, and local IPC endpoints.
// All metadata writes are atomic (write-temp, then rename) so a crash
// mid-write never leaves session.json corrupt, and the directory tree
// itself is the source of truth the in-memory Session Manager is
// rebuilt from on restart.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vibetunnel/server/internal/vterr"
)

// maxSocketPathLen mirrors the historical sockaddr_un sun_path limit
// (108 bytes on Linux, smaller on some BSDs); sessions whose ipc.sock
// path would exceed it are rejected at creation.
const maxSocketPathLen = 100

const (
	metaFile     = "session.json"
	activityFile = "activity.json"
	streamFile   = "stream-out"
	stdinFile    = "stdin"
	controlFile  = "control"
	socketFile   = "ipc.sock"
)

// Status mirrors the session's lifecycle state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
)

// Origin tags where a session was spawned.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Meta is the on-disk representation of session.json.
type Meta struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Argv       []string       `json:"argv"`
	WorkingDir string         `json:"workingDir"`
	Status     Status         `json:"status"`
	ExitCode   *int           `json:"exitCode,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	EndedAt    *time.Time     `json:"endedAt,omitempty"`
	PID        *int           `json:"pid,omitempty"`
	Cols       int            `json:"cols"`
	Rows       int            `json:"rows"`
	TitleMode  string         `json:"titleMode"`
	Origin     Origin         `json:"origin"`
	RemoteID   string         `json:"remoteId,omitempty"`
	Extras     map[string]any `json:"extras,omitempty"`
}

// Activity is the on-disk representation of activity.json.
type Activity struct {
	LastTick time.Time `json:"lastTick"`
	Active   bool      `json:"active"`
	App      string    `json:"app,omitempty"`
	Status   string    `json:"status,omitempty"`
}

// Store is the filesystem-backed session root.
type Store struct {
	Root string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Open returns a Store rooted at dir, creating it if necessary.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, vterr.Wrap(vterr.ControlDirUnavailable, err)
	}
	return &Store{Root: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// NewID returns a fresh session identifier.
func NewID() string { return uuid.NewString() }

func (s *Store) dir(id string) string { return filepath.Join(s.Root, id) }

// SessionDir returns the session's directory.
func (s *Store) SessionDir(id string) string { return s.dir(id) }

// StreamPath returns the path to the session's recording file.
func (s *Store) StreamPath(id string) string { return filepath.Join(s.dir(id), streamFile) }

// StdinPath returns the path to the session's stdin FIFO/endpoint.
func (s *Store) StdinPath(id string) string { return filepath.Join(s.dir(id), stdinFile) }

// ControlPath returns the path to the session's control endpoint.
func (s *Store) ControlPath(id string) string { return filepath.Join(s.dir(id), controlFile) }

// SocketPath returns the path to the session's control-socket Unix
// domain socket.
func (s *Store) SocketPath(id string) string { return filepath.Join(s.dir(id), socketFile) }

// ActivityPath returns the path to the session's activity.json.
func (s *Store) ActivityPath(id string) string { return filepath.Join(s.dir(id), activityFile) }

func (s *Store) metaPath(id string) string { return filepath.Join(s.dir(id), metaFile) }

func (s *Store) lockFor(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Create makes a new session directory and writes its initial metadata.
// It validates the socket path length before creating anything, so a
// PathTooLong failure never leaves partial state behind.
func (s *Store) Create(meta *Meta) error {
	if len(s.SocketPath(meta.ID)) > maxSocketPathLen {
		return vterr.New(vterr.PathTooLong, "store: socket path for session %s exceeds OS limit", meta.ID)
	}
	dir := s.dir(meta.ID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return vterr.Wrap(vterr.IoError, err)
	}
	if err := s.writeMeta(meta); err != nil {
		os.RemoveAll(dir)
		return err
	}
	return nil
}

// Save atomically overwrites session.json. Safe for concurrent callers:
// the advisory lock only serializes the write-temp-then-rename sequence
// itself, not field-level merges, so last-writer-wins on contended
// fields is acceptable since fields are independent.
func (s *Store) Save(meta *Meta) error {
	lock := s.lockFor(meta.ID)
	lock.Lock()
	defer lock.Unlock()
	return s.writeMeta(meta)
}

func (s *Store) writeMeta(meta *Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return vterr.Wrap(vterr.IoError, err)
	}
	dir := s.dir(meta.ID)
	tmp, err := os.CreateTemp(dir, ".session-*.json.tmp")
	if err != nil {
		return vterr.Wrap(vterr.IoError, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return vterr.Wrap(vterr.IoError, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return vterr.Wrap(vterr.IoError, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return vterr.Wrap(vterr.IoError, err)
	}
	if err := os.Rename(tmpPath, s.metaPath(meta.ID)); err != nil {
		os.Remove(tmpPath)
		return vterr.Wrap(vterr.IoError, err)
	}
	return nil
}

// Load reads a session's metadata.
func (s *Store) Load(id string) (*Meta, error) {
	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, vterr.Sentinel(vterr.NoSuchSession)
		}
		return nil, vterr.Wrap(vterr.IoError, err)
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, vterr.Wrap(vterr.IoError, err)
	}
	return &m, nil
}

// List enumerates every session directory under Root that contains a
// session.json, ignoring anything else found there.
func (s *Store) List() ([]*Meta, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, vterr.Wrap(vterr.IoError, err)
	}
	var metas []*Meta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := s.Load(e.Name())
		if err != nil {
			continue
		}
		metas = append(metas, m)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].StartedAt.Before(metas[j].StartedAt) })
	return metas, nil
}

// Delete removes a session's directory. Running sessions cannot be
// deleted.
func (s *Store) Delete(id string) error {
	meta, err := s.Load(id)
	if err != nil {
		return err
	}
	if meta.Status == StatusRunning || meta.Status == StatusStarting {
		return vterr.Sentinel(vterr.StillRunning)
	}
	if err := os.RemoveAll(s.dir(id)); err != nil {
		return vterr.Wrap(vterr.IoError, err)
	}
	s.locksMu.Lock()
	delete(s.locks, id)
	s.locksMu.Unlock()
	return nil
}

// SaveActivity atomically writes activity.json.
func (s *Store) SaveActivity(id string, a *Activity) error {
	data, err := json.Marshal(a)
	if err != nil {
		return vterr.Wrap(vterr.IoError, err)
	}
	dir := s.dir(id)
	tmp, err := os.CreateTemp(dir, ".activity-*.json.tmp")
	if err != nil {
		return vterr.Wrap(vterr.IoError, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return vterr.Wrap(vterr.IoError, err)
	}
	tmp.Close()
	if err := os.Rename(tmpPath, s.ActivityPath(id)); err != nil {
		os.Remove(tmpPath)
		return vterr.Wrap(vterr.IoError, err)
	}
	return nil
}

// LoadActivity reads activity.json, returning a zero-value Activity if
// it does not exist yet.
func (s *Store) LoadActivity(id string) (*Activity, error) {
	data, err := os.ReadFile(s.ActivityPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return &Activity{}, nil
		}
		return nil, vterr.Wrap(vterr.IoError, err)
	}
	var a Activity
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, vterr.Wrap(vterr.IoError, err)
	}
	return &a, nil
}
