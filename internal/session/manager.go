// Package session implements the Session Manager: the
// process-wide in-memory index of sessions, backed by the filesystem
// Session Store as the durable source of truth. It owns the
// Activity Monitor and wires the Title Controller into each Session.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/vibetunnel/server/internal/logger"
	"github.com/vibetunnel/server/internal/ptyhost"
	"github.com/vibetunnel/server/internal/recorder"
	"github.com/vibetunnel/server/internal/store"
	"github.com/vibetunnel/server/internal/vterr"
)

// CreateSpec describes a session to spawn, mirroring the
// `POST /sessions` body.
type CreateSpec struct {
	Argv       []string
	WorkingDir string
	Name       string
	Cols, Rows int
	TitleMode  string
	Env        []string
	Origin     store.Origin
	RemoteID   string
}

// Manager is the single writer of the identifier -> Session mapping.
// List and Get return Info value copies; Session returns the live
// *Session to components that subscribe to it directly.
type Manager struct {
	store *store.Store
	bus   *Bus

	mu       sync.RWMutex
	sessions map[string]*Session

	activity *ActivityMonitor
}

// NewManager creates a Manager rooted at the given Session Store.
func NewManager(st *store.Store) *Manager {
	m := &Manager{
		store:    st,
		bus:      NewBus(),
		sessions: make(map[string]*Session),
	}
	m.activity = newActivityMonitor(m)
	return m
}

// Bus returns the manager's lifecycle event bus.
func (m *Manager) Bus() *Bus { return m.bus }

// Recover reconciles the in-memory index with the filesystem on
// startup: zombie sessions are reaped, then every session metadata file
// left on disk is re-indexed as a dead session so GET /sessions and
// GET /sessions/:id keep answering for it across a restart. A dead
// session has no live PTY Host; it only serves Info, rejects
// input/resize with NotRunning and rejects kill with AlreadyExited.
func (m *Manager) Recover() error {
	if _, err := m.store.ReapZombies(); err != nil {
		return err
	}
	metas, err := m.store.List()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, meta := range metas {
		if _, ok := m.sessions[meta.ID]; ok {
			continue
		}
		m.sessions[meta.ID] = newDeadSession(m.store, m.bus, *meta)
	}
	return nil
}

// StartActivityMonitor begins the periodic busy/idle scan.
func (m *Manager) StartActivityMonitor(ctx context.Context) {
	m.activity.Run(ctx)
}

// Create spawns a new session via the PTY Host and indexes it.
func (m *Manager) Create(spec CreateSpec) (Info, error) {
	if len(spec.Argv) == 0 {
		return Info{}, vterr.Sentinel(vterr.InvalidArgs)
	}
	cols, rows := spec.Cols, spec.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	titleMode := spec.TitleMode
	if titleMode == "" {
		titleMode = string(TitleNone)
	}
	origin := spec.Origin
	if origin == "" {
		origin = store.OriginLocal
	}

	id := store.NewID()

	meta := store.Meta{
		ID: id, Name: spec.Name, Argv: spec.Argv, WorkingDir: spec.WorkingDir,
		Status: store.StatusStarting, StartedAt: time.Now(),
		Cols: cols, Rows: rows, TitleMode: titleMode,
		Origin: origin, RemoteID: spec.RemoteID,
	}
	if meta.Name == "" {
		meta.Name = displayName(spec.Argv)
	}
	if err := m.store.Create(&meta); err != nil {
		return Info{}, err
	}

	rec, err := recorder.Open(m.store.StreamPath(id))
	if err != nil {
		m.store.Delete(id)
		return Info{}, err
	}
	rec.Header(cols, rows, meta.StartedAt)

	host, err := ptyhost.Spawn(ptyhost.Spec{
		Path: spec.Argv[0], Args: spec.Argv[1:], Env: spec.Env,
		Dir: spec.WorkingDir, Cols: cols, Rows: rows,
	})
	if err != nil {
		rec.Close()
		meta.Status = store.StatusExited
		m.store.Save(&meta)
		return Info{}, err
	}

	pid := host.PID()
	meta.PID = &pid
	meta.Status = store.StatusRunning
	if err := m.store.Save(&meta); err != nil {
		host.Kill(context.Background())
		rec.Close()
		return Info{}, err
	}

	sess := newSession(m.store, m.bus, meta, host, rec)
	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	if mode := TitleMode(titleMode); mode == TitleStatic || mode == TitleDynamic {
		host.Write([]byte(SetTitleSeq(meta.Name)))
	}

	sess.publish(EventCreate)
	go m.reapOnExit(sess)

	return sess.Info(), nil
}

func (m *Manager) reapOnExit(sess *Session) {
	<-sess.Done()
}

func displayName(argv []string) string {
	if len(argv) == 0 {
		return "session"
	}
	parts := strings.Split(argv[0], "/")
	return parts[len(parts)-1]
}

// ListFilter narrows List's results.
type ListFilter struct {
	HideExited bool
	Search     string
}

// List returns value-type snapshots of every known session, optionally
// filtered ("hide exited" and search).
func (m *Manager) List(filter ListFilter) []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Info
	for _, s := range m.sessions {
		info := s.Info()
		if filter.HideExited && info.Status == store.StatusExited {
			continue
		}
		if filter.Search != "" && !matchesSearch(info, filter.Search) {
			continue
		}
		out = append(out, info)
	}
	return out
}

func matchesSearch(info Info, q string) bool {
	q = strings.ToLower(q)
	if strings.Contains(strings.ToLower(info.Name), q) {
		return true
	}
	for _, a := range info.Argv {
		if strings.Contains(strings.ToLower(a), q) {
			return true
		}
	}
	return false
}

// Get returns one session's current Info.
func (m *Manager) Get(id string) (Info, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return Info{}, vterr.Sentinel(vterr.NoSuchSession)
	}
	return s.Info(), nil
}

// session looks up the live *Session for the Manager's own methods and
// for Session.
func (m *Manager) session(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, vterr.Sentinel(vterr.NoSuchSession)
	}
	return s, nil
}

// Session exposes the live *Session for a session id, for components
// that need to subscribe to output or snapshots directly.
func (m *Manager) Session(id string) (*Session, error) { return m.session(id) }

// SendInput writes bytes to a session's child process.
func (m *Manager) SendInput(id string, p []byte) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	return s.WriteInput(p)
}

// Resize changes a session's PTY dimensions.
func (m *Manager) Resize(id string, cols, rows int) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	return s.Resize(cols, rows)
}

// ResetSize restores a session to cols/rows (its originally-reported
// natural size).
func (m *Manager) ResetSize(id string, cols, rows int) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	return s.ResetSize(cols, rows)
}

// Kill terminates a session's child process.
func (m *Manager) Kill(ctx context.Context, id string) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	return s.Kill(ctx)
}

// Cleanup deletes an exited session's files and drops it from the index.
func (m *Manager) Cleanup(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return vterr.Sentinel(vterr.NoSuchSession)
	}
	info := s.Info()
	if info.Status != store.StatusExited {
		m.mu.Unlock()
		return vterr.Sentinel(vterr.StillRunning)
	}
	if err := m.store.Delete(id); err != nil {
		m.mu.Unlock()
		return err
	}
	delete(m.sessions, id)
	m.mu.Unlock()
	m.bus.Publish(Event{Type: EventDelete, Info: info})
	return nil
}

// CleanupAllExited removes every exited session, best-effort: a failure
// on one session does not stop the rest.
func (m *Manager) CleanupAllExited() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s.Info().Status == store.StatusExited {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	var cleaned []string
	for _, id := range ids {
		if err := m.Cleanup(id); err != nil {
			logger.Warn("cleanup-exited: failed", "id", id, "err", err)
			continue
		}
		cleaned = append(cleaned, id)
	}
	return cleaned
}
