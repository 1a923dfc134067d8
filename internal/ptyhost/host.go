// Package ptyhost spawns and supervises a single PTY-backed process: the
// terminal half of a session. A Host owns exactly one child process for
// its whole lifetime and fans its output out to any number of readers.
package ptyhost

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/vibetunnel/server/internal/vterr"
)

// State is the Host's position in its starting -> running -> exited
// lifecycle. A Host never leaves Exited once it arrives there.
type State int

const (
	Starting State = iota
	Running
	Exited
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// killGrace is how long Kill waits after SIGTERM before escalating to
// SIGKILL.
const killGrace = 3 * time.Second

// subscriberBuffer bounds the per-subscriber output channel. A slow
// subscriber drops frames rather than ever blocking the PTY reader.
const subscriberBuffer = 256

// Spec describes the process to spawn under a PTY.
type Spec struct {
	Path string
	Args []string
	Env  []string
	Dir  string
	Cols int
	Rows int
}

// Host supervises one PTY-backed child process.
type Host struct {
	mu       sync.RWMutex
	state    State
	cols     int
	rows     int
	pid      int
	exitCode int

	cmd  *exec.Cmd
	ptmx *os.File

	subMu sync.Mutex
	subs  map[chan []byte]struct{}

	done chan struct{}
}

// Spawn starts spec under a PTY and begins streaming its output.
func Spawn(spec Spec) (*Host, error) {
	if spec.Path == "" {
		return nil, vterr.New(vterr.InvalidArgs, "ptyhost: empty command path")
	}
	cols, rows := spec.Cols, spec.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace + time.Second

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, vterr.Wrap(vterr.SpawnFailed, err)
	}

	h := &Host{
		state: Running,
		cols:  cols,
		rows:  rows,
		pid:   cmd.Process.Pid,
		cmd:   cmd,
		ptmx:  ptmx,
		subs:  make(map[chan []byte]struct{}),
		done:  make(chan struct{}),
	}

	go h.readLoop()
	go h.waitLoop()

	return h, nil
}

// PID returns the child process ID.
func (h *Host) PID() int { return h.pid }

// State returns the Host's current lifecycle state.
func (h *Host) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Size returns the last-known terminal dimensions.
func (h *Host) Size() (cols, rows int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cols, h.rows
}

// ExitCode is only meaningful once Done() is closed.
func (h *Host) ExitCode() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.exitCode
}

// Done is closed once the child process has exited and its output has
// been fully drained to subscribers.
func (h *Host) Done() <-chan struct{} { return h.done }

// Write sends input bytes to the PTY's controlling side, i.e. into the
// child's stdin stream.
func (h *Host) Write(p []byte) error {
	h.mu.RLock()
	state := h.state
	h.mu.RUnlock()
	if state == Exited {
		return vterr.Sentinel(vterr.AlreadyExited)
	}
	if _, err := h.ptmx.Write(p); err != nil {
		return vterr.Wrap(vterr.IoError, err)
	}
	return nil
}

// Resize changes the PTY window size.
func (h *Host) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return vterr.New(vterr.InvalidArgs, "ptyhost: invalid size %dx%d", cols, rows)
	}
	h.mu.Lock()
	if h.state == Exited {
		h.mu.Unlock()
		return vterr.Sentinel(vterr.AlreadyExited)
	}
	h.cols, h.rows = cols, rows
	h.mu.Unlock()

	if err := pty.Setsize(h.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return vterr.Wrap(vterr.IoError, err)
	}
	return nil
}

// Signal forwards an arbitrary signal to the child process.
func (h *Host) Signal(sig syscall.Signal) error {
	h.mu.RLock()
	proc := h.cmd.Process
	state := h.state
	h.mu.RUnlock()
	if state == Exited || proc == nil {
		return vterr.Sentinel(vterr.AlreadyExited)
	}
	if err := proc.Signal(sig); err != nil {
		return vterr.Wrap(vterr.IoError, err)
	}
	return nil
}

// Kill sends SIGTERM, waits killGrace for a voluntary exit, then escalates
// to SIGKILL. It returns once the process has actually exited or ctx ends.
func (h *Host) Kill(ctx context.Context) error {
	if h.State() == Exited {
		return nil
	}
	if err := h.Signal(syscall.SIGTERM); err != nil && vterr.KindOf(err) != vterr.AlreadyExited {
		return err
	}

	select {
	case <-h.Done():
		return nil
	case <-time.After(killGrace):
	case <-ctx.Done():
		return ctx.Err()
	}

	if h.State() == Exited {
		return nil
	}
	if err := h.Signal(syscall.SIGKILL); err != nil && vterr.KindOf(err) != vterr.AlreadyExited {
		return err
	}

	select {
	case <-h.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns a channel delivering every subsequent output chunk
// and a function to stop receiving. The channel is closed once the Host
// exits; callers must keep draining it until then or call the returned
// unsubscribe func.
func (h *Host) Subscribe() (ch <-chan []byte, unsubscribe func()) {
	c := make(chan []byte, subscriberBuffer)
	h.subMu.Lock()
	h.subs[c] = struct{}{}
	h.subMu.Unlock()
	return c, func() {
		h.subMu.Lock()
		if _, ok := h.subs[c]; ok {
			delete(h.subs, c)
			close(c)
		}
		h.subMu.Unlock()
	}
}

func (h *Host) broadcast(data []byte) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for c := range h.subs {
		select {
		case c <- data:
		default:
			// Slow subscriber: drop this chunk rather than block the PTY reader.
		}
	}
}

func (h *Host) closeSubscribers() {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for c := range h.subs {
		close(c)
		delete(h.subs, c)
	}
}

func (h *Host) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			h.broadcast(chunk)
		}
		if err != nil {
			return
		}
	}
}

func (h *Host) waitLoop() {
	err := h.cmd.Wait()
	code := exitCodeOf(h.cmd, err)

	h.mu.Lock()
	h.state = Exited
	h.exitCode = code
	h.mu.Unlock()

	h.ptmx.Close()
	h.closeSubscribers()
	close(h.done)
}

func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if as, ok := waitErr.(*exec.ExitError); ok {
		exitErr = as
		return exitErr.ExitCode()
	}
	return -1
}

// String implements fmt.Stringer for debug logging.
func (h *Host) String() string {
	return fmt.Sprintf("ptyhost(pid=%d state=%s)", h.PID(), h.State())
}
