package vt

import (
	"context"
	"sync"
	"time"

	"github.com/vibetunnel/server/internal/recorder"
)

// DefaultDebounceInterval is the suggested ~100ms snapshot emission window.
const DefaultDebounceInterval = 100 * time.Millisecond

// ReconnectGrace is how long a Snapshotter is kept alive with zero
// subscribers before being torn down, so a client that reconnects
// quickly after a network blip does not pay the cost of a full replay.
const ReconnectGrace = 10 * time.Second

// Snapshotter owns one Emulator for a session and produces debounced
// Viewport Snapshots whenever the emulator's content changes. It is
// created lazily on first subscriber and fed every output byte and
// resize event the session observes, in order.
type Snapshotter struct {
	DebounceInterval time.Duration

	mu       sync.Mutex
	emu      *Emulator
	dirty    bool
	timer    *time.Timer
	subs     map[chan *Snapshot]struct{}
	lastSnap *Snapshot
}

// New creates a Snapshotter sized to cols x rows. Callers typically call
// Replay immediately after, to seed it from the existing recording.
func New(cols, rows int) *Snapshotter {
	return &Snapshotter{
		DebounceInterval: DefaultDebounceInterval,
		emu:              NewEmulator(cols, rows),
		subs:             make(map[chan *Snapshot]struct{}),
	}
}

// Replay feeds every existing event in a recording into the emulator
// before any subscriber attaches, so the first snapshot delivered
// reflects the session's full history rather than just new output.
func (s *Snapshotter) Replay(ctx context.Context, path string) error {
	return recorder.ReplayIntoWriter(ctx, path, func(kind string, payload []byte, cols, rows int) {
		switch kind {
		case "resize":
			s.Resize(cols, rows)
		case "output":
			s.Write(payload)
		}
	})
}

// Write feeds output bytes into the emulator and schedules a debounced
// snapshot emission.
func (s *Snapshotter) Write(p []byte) {
	s.mu.Lock()
	s.emu.Write(p)
	s.markDirtyLocked()
	s.mu.Unlock()
}

// Resize applies a resize in-order with surrounding output.
func (s *Snapshotter) Resize(cols, rows int) {
	s.mu.Lock()
	s.emu.Resize(cols, rows)
	s.markDirtyLocked()
	s.mu.Unlock()
}

func (s *Snapshotter) markDirtyLocked() {
	s.dirty = true
	if s.timer == nil {
		s.timer = time.AfterFunc(s.debounce(), s.flush)
	}
}

func (s *Snapshotter) debounce() time.Duration {
	if s.DebounceInterval > 0 {
		return s.DebounceInterval
	}
	return DefaultDebounceInterval
}

func (s *Snapshotter) flush() {
	s.mu.Lock()
	s.timer = nil
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	s.dirty = false
	snap := Capture(s.emu)
	s.lastSnap = snap
	subs := make([]chan *Snapshot, 0, len(s.subs))
	for c := range s.subs {
		subs = append(subs, c)
	}
	s.mu.Unlock()

	for _, c := range subs {
		select {
		case c <- snap:
		default:
		}
	}
}

// Subscribe registers a channel to receive every subsequent debounced
// snapshot, plus the most recent one immediately if one exists.
func (s *Snapshotter) Subscribe() (<-chan *Snapshot, func()) {
	c := make(chan *Snapshot, 4)
	s.mu.Lock()
	s.subs[c] = struct{}{}
	last := s.lastSnap
	s.mu.Unlock()

	if last != nil {
		select {
		case c <- last:
		default:
		}
	}
	return c, func() {
		s.mu.Lock()
		delete(s.subs, c)
		s.mu.Unlock()
	}
}

// SubscriberCount reports how many live subscribers remain.
func (s *Snapshotter) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// ReconnectANSI delegates to the underlying emulator.
func (s *Snapshotter) ReconnectANSI() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emu.ReconnectANSI()
}

// Latest returns the most recently captured snapshot, capturing one now
// if none exists yet.
func (s *Snapshotter) Latest() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSnap == nil {
		s.lastSnap = Capture(s.emu)
	}
	return s.lastSnap
}

// Close releases the underlying emulator.
func (s *Snapshotter) Close() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	for c := range s.subs {
		close(c)
	}
	s.subs = nil
	s.mu.Unlock()
	return s.emu.Close()
}
