package session

import (
	"context"
	"sync"
	"syscall"
	"time"

	"github.com/vibetunnel/server/internal/logger"
	"github.com/vibetunnel/server/internal/ptyhost"
	"github.com/vibetunnel/server/internal/recorder"
	"github.com/vibetunnel/server/internal/store"
	"github.com/vibetunnel/server/internal/vt"
	"github.com/vibetunnel/server/internal/vterr"
)

// Info is the value-type snapshot callers outside the owning Session
// receive; callers get value copies, never references.
type Info struct {
	ID         string
	Name       string
	Argv       []string
	WorkingDir string
	Status     store.Status
	ExitCode   *int
	StartedAt  time.Time
	EndedAt    *time.Time
	PID        int
	Cols, Rows int
	TitleMode  string
	Origin     store.Origin
	RemoteID   string
	Activity   *store.Activity
}

// Session is the exclusive owner of one Session for its whole
// lifetime: the PTY Host, the recording, the lazily-created snapshotter,
// and the title controller all live behind it. The Manager indexes every
// *Session; List/Get hand out Info values, while Manager.Session returns
// the *Session itself to components that subscribe to output or
// snapshots directly.
type Session struct {
	id    string
	store *store.Store
	bus   *Bus

	mu    sync.RWMutex
	meta  store.Meta
	title *TitleController

	host *ptyhost.Host
	rec  *recorder.Recorder

	snapMu sync.Mutex
	snap   *vt.Snapshotter

	outMu sync.Mutex
	outs  map[chan []byte]struct{}

	lastOutputMu sync.Mutex
	lastOutput   time.Time
	lastInput    time.Time

	inputCh chan []byte
	done    chan struct{}
}

// subscriberBuffer bounds each control-socket/output subscriber's queue.
const subscriberBuffer = 256

func newSession(st *store.Store, bus *Bus, meta store.Meta, host *ptyhost.Host, rec *recorder.Recorder) *Session {
	s := &Session{
		id:      meta.ID,
		store:   st,
		bus:     bus,
		meta:    meta,
		title:   NewTitleController(TitleMode(meta.TitleMode)),
		host:    host,
		rec:     rec,
		outs:    make(map[chan []byte]struct{}),
		inputCh: make(chan []byte, 256),
		done:    make(chan struct{}),
	}
	go s.inputPump()
	go s.outputPump()
	go s.watchExit()
	return s
}

// newDeadSession reindexes a session the Manager found on disk but did
// not spawn this process lifetime: its PTY Host is long gone, so it
// carries no host/recorder and launches none of the live session's
// pumps. It still answers Info/List, rejects input/resize with
// NotRunning and rejects kill with AlreadyExited rather than
// nil-dereferencing.
func newDeadSession(st *store.Store, bus *Bus, meta store.Meta) *Session {
	done := make(chan struct{})
	close(done)
	return &Session{
		id:    meta.ID,
		store: st,
		bus:   bus,
		meta:  meta,
		title: NewTitleController(TitleMode(meta.TitleMode)),
		outs:  make(map[chan []byte]struct{}),
		done:  done,
	}
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// Info returns a value-type snapshot of the session's current state.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.meta
	info := Info{
		ID: m.ID, Name: m.Name, Argv: append([]string(nil), m.Argv...),
		WorkingDir: m.WorkingDir, Status: m.Status, ExitCode: m.ExitCode,
		StartedAt: m.StartedAt, EndedAt: m.EndedAt,
		Cols: m.Cols, Rows: m.Rows, TitleMode: m.TitleMode,
		Origin: m.Origin, RemoteID: m.RemoteID,
	}
	if m.PID != nil {
		info.PID = *m.PID
	}
	if a, err := s.store.LoadActivity(s.id); err == nil {
		info.Activity = a
	}
	return info
}

func (s *Session) saveMetaLocked() {
	m := s.meta
	if err := s.store.Save(&m); err != nil {
		logger.Error("session: save metadata failed", "id", s.id, "err", err)
	}
}

func (s *Session) publish(t EventType) {
	s.bus.Publish(Event{Type: t, Info: s.Info()})
}

// WriteInput sends bytes to the child's stdin, serialized through a
// single per-session queue so concurrent client connections cannot
// interleave mid-keystroke.
func (s *Session) WriteInput(p []byte) error {
	s.mu.RLock()
	status := s.meta.Status
	s.mu.RUnlock()
	if status == store.StatusExited {
		return vterr.Sentinel(vterr.NotRunning)
	}
	cp := append([]byte(nil), p...)
	select {
	case s.inputCh <- cp:
		return nil
	case <-s.done:
		return vterr.Sentinel(vterr.NotRunning)
	}
}

func (s *Session) inputPump() {
	for {
		select {
		case p := <-s.inputCh:
			s.lastInputMarker()
			if err := s.host.Write(p); err != nil {
				logger.Warn("session: write input failed", "id", s.id, "err", err)
				continue
			}
			s.rec.Input(p)
		case <-s.done:
			return
		}
	}
}

func (s *Session) lastInputMarker() {
	s.lastOutputMu.Lock()
	s.lastInput = time.Now()
	s.lastOutputMu.Unlock()
}

// Resize changes the PTY's dimensions; a no-op if unchanged, rejected
// for (0,0).
func (s *Session) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return vterr.New(vterr.InvalidArgs, "session: invalid size %dx%d", cols, rows)
	}
	s.mu.Lock()
	if s.meta.Cols == cols && s.meta.Rows == rows {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if s.host == nil {
		return vterr.Sentinel(vterr.NotRunning)
	}
	if err := s.host.Resize(cols, rows); err != nil {
		return err
	}
	s.rec.Resize(cols, rows)
	s.snapMu.Lock()
	if s.snap != nil {
		s.snap.Resize(cols, rows)
	}
	s.snapMu.Unlock()

	s.mu.Lock()
	s.meta.Cols, s.meta.Rows = cols, rows
	s.saveMetaLocked()
	s.mu.Unlock()
	s.publish(EventUpdate)
	return nil
}

// ResetSize resizes the terminal to cols/rows, the natural size the
// originator reports, exactly as Resize does; the session keeps no
// record of its size at creation.
func (s *Session) ResetSize(cols, rows int) error { return s.Resize(cols, rows) }

// Signal forwards an arbitrary signal to the child.
func (s *Session) Signal(sig syscall.Signal) error {
	if s.host == nil {
		return vterr.Sentinel(vterr.NotRunning)
	}
	return s.host.Signal(sig)
}

// Kill escalates TERM -> KILL and waits for the child to exit.
func (s *Session) Kill(ctx context.Context) error {
	if s.host == nil {
		return vterr.Sentinel(vterr.AlreadyExited)
	}
	return s.host.Kill(ctx)
}

// StatusUpdate applies an app/status hint from a control-socket client
// (STATUS-UPDATE) and persists + rebroadcasts it.
func (s *Session) StatusUpdate(app, status string) {
	a, _ := s.store.LoadActivity(s.id)
	if a == nil {
		a = &store.Activity{}
	}
	a.App, a.Status, a.LastTick = app, status, time.Now()
	s.store.SaveActivity(s.id, a)
	if title, changed := s.title.ObserveActivity(status); changed && s.host != nil {
		s.host.Write([]byte(title))
	}
	s.publish(EventUpdate)
}

// SubscribeOutput returns a channel of output bytes already
// title-filtered per the session's TitleMode, for the Control Socket
// Server and other in-process consumers.
func (s *Session) SubscribeOutput() (<-chan []byte, func()) {
	c := make(chan []byte, subscriberBuffer)
	s.outMu.Lock()
	s.outs[c] = struct{}{}
	s.outMu.Unlock()
	return c, func() {
		s.outMu.Lock()
		if _, ok := s.outs[c]; ok {
			delete(s.outs, c)
			close(c)
		}
		s.outMu.Unlock()
	}
}

// Snapshotter returns the session's Emulator Snapshotter, creating it
// lazily on first call and seeding it from the existing recording.
func (s *Session) Snapshotter(ctx context.Context) *vt.Snapshotter {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	if s.snap != nil {
		return s.snap
	}
	s.mu.RLock()
	cols, rows := s.meta.Cols, s.meta.Rows
	s.mu.RUnlock()
	snap := vt.New(cols, rows)
	if err := snap.Replay(ctx, s.store.StreamPath(s.id)); err != nil {
		logger.Warn("session: snapshotter replay failed", "id", s.id, "err", err)
	}
	s.snap = snap
	return snap
}

// ReleaseSnapshotter drops the snapshotter once its last subscriber
// leaves, but only after ReconnectGrace in case of a quick reconnect.
func (s *Session) ReleaseSnapshotter() {
	go func() {
		time.Sleep(vt.ReconnectGrace)
		s.snapMu.Lock()
		defer s.snapMu.Unlock()
		if s.snap != nil && s.snap.SubscriberCount() == 0 {
			s.snap.Close()
			s.snap = nil
		}
	}()
}

// RecordingPath returns the path to the session's recording file.
func (s *Session) RecordingPath() string { return s.store.StreamPath(s.id) }

// Done is closed once the child has exited and its output fully drained.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) outputPump() {
	ch, unsubscribe := s.host.Subscribe()
	defer unsubscribe()
	for chunk := range ch {
		filtered := s.title.Filter(chunk)
		s.lastOutputMu.Lock()
		s.lastOutput = time.Now()
		s.lastOutputMu.Unlock()

		s.rec.Output(filtered)
		s.snapMu.Lock()
		if s.snap != nil {
			s.snap.Write(filtered)
		}
		s.snapMu.Unlock()

		if title, changed := s.title.ObserveOutput(filtered); changed {
			s.host.Write([]byte(title))
		}

		s.outMu.Lock()
		for c := range s.outs {
			select {
			case c <- filtered:
			default:
			}
		}
		s.outMu.Unlock()
	}
}

func (s *Session) watchExit() {
	<-s.host.Done()
	code := s.host.ExitCode()
	s.rec.Exit(code)
	s.rec.Close()

	s.mu.Lock()
	s.meta.Status = store.StatusExited
	s.meta.ExitCode = &code
	now := time.Now()
	s.meta.EndedAt = &now
	s.saveMetaLocked()
	s.mu.Unlock()

	s.outMu.Lock()
	for c := range s.outs {
		close(c)
		delete(s.outs, c)
	}
	s.outMu.Unlock()

	close(s.done)
	s.publish(EventExit)
}

// IdleDuration reports how long the session has gone without observed
// input or output, falling back to uptime if neither has occurred yet.
func (s *Session) IdleDuration() time.Duration {
	s.lastOutputMu.Lock()
	out, in := s.lastOutput, s.lastInput
	s.lastOutputMu.Unlock()

	s.mu.RLock()
	started := s.meta.StartedAt
	s.mu.RUnlock()

	latest := started
	if out.After(latest) {
		latest = out
	}
	if in.After(latest) {
		latest = in
	}
	return time.Since(latest)
}
