package store

import (
	"context"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vibetunnel/server/internal/logger"
)

// ReapZombies scans every session currently marked running or starting and, for any
// whose recorded pid no longer corresponds to a live process, marks it
// exited. It returns the ids it reaped.
func (s *Store) ReapZombies() ([]string, error) {
	metas, err := s.List()
	if err != nil {
		return nil, err
	}
	var reaped []string
	for _, m := range metas {
		if m.Status != StatusRunning && m.Status != StatusStarting {
			continue
		}
		if m.PID != nil && processAlive(*m.PID) {
			continue
		}
		m.Status = StatusExited
		now := time.Now()
		m.EndedAt = &now
		if m.ExitCode == nil {
			code := -1
			m.ExitCode = &code
		}
		if err := s.Save(m); err != nil {
			logger.Error("reap zombie: save failed", "id", m.ID, "err", err)
			continue
		}
		reaped = append(reaped, m.ID)
	}
	return reaped, nil
}

// processAlive reports whether pid names a live process, using the
// signal-0 idiom (no permission to deliver != not alive).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

// DirEvent describes a session directory appearing or disappearing
// under the control root, observed independently of the in-process
// Session Manager (e.g. another process on the same machine editing
// the control dir).
type DirEvent struct {
	ID      string
	Created bool
}

// Watch streams directory create/remove events for the control root
// using fsnotify, so a restarted engine (or a federation peer sharing
// the same control dir in a test harness) notices externally-created
// or removed sessions without polling. This is a crash-recovery assist,
// not a hard requirement; callers that don't need it can ignore the
// returned channel.
func (s *Store) Watch(ctx context.Context) (<-chan DirEvent, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(s.Root); err != nil {
		w.Close()
		return nil, err
	}

	out := make(chan DirEvent, 32)
	go func() {
		defer w.Close()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				id := baseName(ev.Name)
				if id == "" {
					continue
				}
				switch {
				case ev.Op&(fsnotify.Create) != 0:
					out <- DirEvent{ID: id, Created: true}
				case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
					out <- DirEvent{ID: id, Created: false}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("store watch error", "err", err)
			}
		}
	}()
	return out, nil
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
