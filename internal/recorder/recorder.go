// Package recorder implements the append-only per-session event log: a
// JSON-lines "asciinema-style" recording whose first line is a header
// and whose remaining lines are timestamped events. The file stays
// valid and tailable while being written.
package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/vibetunnel/server/internal/vterr"
)

// EventKind distinguishes the recorded event types.
type EventKind string

const (
	KindOutput EventKind = "o"
	KindInput  EventKind = "i"
	KindResize EventKind = "r"
)

// Header is the first line of every recording.
type Header struct {
	Version   int       `json:"version"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Timestamp time.Time `json:"timestamp"`
}

const headerVersion = 2

// FlushInterval is how often buffered writes are flushed to disk absent
// an explicit Close. Kept short so a tailing reader never waits long.
const FlushInterval = 200 * time.Millisecond

// Recorder is the single writer of one session's recording file. Every
// method takes an internal mutex, so the session's input, output,
// resize and exit paths may call it from different goroutines; each
// event is written as one whole line.
type Recorder struct {
	mu        sync.Mutex
	f         *os.File
	w         *bufio.Writer
	start     time.Time
	headerSet bool
	exited    bool
	lastCols  int
	lastRows  int

	stopFlush chan struct{}
	flushDone chan struct{}
}

// Open creates (or truncates) the recording file at path and returns a
// Recorder ready to accept Header.
func Open(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, vterr.Wrap(vterr.IoError, err)
	}
	r := &Recorder{
		f:         f,
		w:         bufio.NewWriter(f),
		stopFlush: make(chan struct{}),
		flushDone: make(chan struct{}),
	}
	go r.flushLoop()
	return r, nil
}

func (r *Recorder) flushLoop() {
	defer close(r.flushDone)
	t := time.NewTicker(FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			r.mu.Lock()
			r.w.Flush()
			r.f.Sync()
			r.mu.Unlock()
		case <-r.stopFlush:
			return
		}
	}
}

// Header emits the header line exactly once. StartTime anchors all
// subsequent event timestamps (elapsed seconds since start).
func (r *Recorder) Header(cols, rows int, startTime time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.headerSet {
		return vterr.New(vterr.IoError, "recorder: header already written")
	}
	r.start = startTime
	r.lastCols, r.lastRows = cols, rows
	h := Header{Version: headerVersion, Width: cols, Height: rows, Timestamp: startTime}
	if err := r.writeLineLocked(h); err != nil {
		return err
	}
	r.headerSet = true
	return nil
}

func (r *Recorder) elapsed() float64 {
	return time.Since(r.start).Seconds()
}

// Output records a non-empty output chunk.
func (r *Recorder) Output(p []byte) error { return r.writeEvent(KindOutput, p) }

// Input records a non-empty input echo.
func (r *Recorder) Input(p []byte) error { return r.writeEvent(KindInput, p) }

func (r *Recorder) writeEvent(kind EventKind, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.headerSet {
		return vterr.New(vterr.IoError, "recorder: header not written")
	}
	if r.exited {
		return vterr.New(vterr.IoError, "recorder: already closed with exit event")
	}
	ev := [3]any{r.elapsed(), string(kind), string(payload)}
	return r.writeLineLocked(ev)
}

// Resize records a resize event, but only when cols/rows actually changed.
func (r *Recorder) Resize(cols, rows int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cols == r.lastCols && rows == r.lastRows {
		return nil
	}
	if r.exited {
		return vterr.New(vterr.IoError, "recorder: already closed with exit event")
	}
	r.lastCols, r.lastRows = cols, rows
	ev := [3]any{r.elapsed(), string(KindResize), fmt.Sprintf("%dx%d", cols, rows)}
	return r.writeLineLocked(ev)
}

// Exit records the terminal-exit event and forbids further writes.
func (r *Recorder) Exit(code int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exited {
		return vterr.New(vterr.IoError, "recorder: exit already recorded")
	}
	ev := [2]any{"exit", code}
	if err := r.writeLineLocked(ev); err != nil {
		return err
	}
	r.exited = true
	return nil
}

func (r *Recorder) writeLineLocked(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return vterr.Wrap(vterr.IoError, err)
	}
	data = append(data, '\n')
	if _, err := r.w.Write(data); err != nil {
		return vterr.Wrap(vterr.IoError, err)
	}
	return nil
}

// Close flushes and closes the underlying file. Safe to call once.
func (r *Recorder) Close() error {
	close(r.stopFlush)
	<-r.flushDone
	r.mu.Lock()
	defer r.mu.Unlock()
	r.w.Flush()
	r.f.Sync()
	return r.f.Close()
}
