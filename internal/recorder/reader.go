package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/vibetunnel/server/internal/vterr"
)

// RawEvent is a decoded event line with its kind left as a string so
// callers (the Output Stream Service) can re-serialize without caring
// about the closed set of kinds.
type RawEvent struct {
	Elapsed float64
	Kind    string
	Payload string
	Exit    bool
	Code    int
}

// ReadHeader reads and decodes only the first line of a recording.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, vterr.Wrap(vterr.IoError, err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return Header{}, vterr.Wrap(vterr.IoError, err)
		}
		return Header{}, vterr.New(vterr.IoError, "recording %s is empty", path)
	}
	var h Header
	if err := json.Unmarshal(sc.Bytes(), &h); err != nil {
		return Header{}, vterr.Wrap(vterr.IoError, err)
	}
	return h, nil
}

func decodeLine(line []byte) (RawEvent, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return RawEvent{}, vterr.Wrap(vterr.IoError, err)
	}
	if len(raw) == 2 {
		var tag string
		var code int
		if err := json.Unmarshal(raw[0], &tag); err == nil && tag == "exit" {
			json.Unmarshal(raw[1], &code)
			return RawEvent{Exit: true, Code: code}, nil
		}
	}
	if len(raw) != 3 {
		return RawEvent{}, vterr.New(vterr.IoError, "malformed event line")
	}
	var ev RawEvent
	if err := json.Unmarshal(raw[0], &ev.Elapsed); err != nil {
		return RawEvent{}, vterr.Wrap(vterr.IoError, err)
	}
	json.Unmarshal(raw[1], &ev.Kind)
	json.Unmarshal(raw[2], &ev.Payload)
	return ev, nil
}

// ReplayFunc receives each decoded event already present in a recording.
// kind is "header", "output", "input", "resize", or "exit"; cols/rows
// carry the dimensions for "header" and "resize", and for "exit" cols
// carries the exit code.
type ReplayFunc func(kind string, payload []byte, cols, rows int)

// Replay reads every event currently in the recording at path and
// invokes fn for each one, in order, then returns — unlike Tail it never
// blocks waiting for new data. Used by the Emulator Snapshotter to seed
// itself from history and by the Output Stream Service to produce the
// initial replay burst before tailing.
func Replay(ctx context.Context, path string, fn ReplayFunc) error {
	f, err := os.Open(path)
	if err != nil {
		return vterr.Wrap(vterr.IoError, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return vterr.Wrap(vterr.IoError, err)
		}
		return nil
	}
	var h Header
	if err := json.Unmarshal(sc.Bytes(), &h); err != nil {
		return vterr.Wrap(vterr.IoError, err)
	}
	fn("header", nil, h.Width, h.Height)

	for sc.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := decodeLine(line)
		if err != nil {
			return err
		}
		if ev.Exit {
			fn("exit", nil, ev.Code, 0)
			continue
		}
		switch EventKind(ev.Kind) {
		case KindOutput:
			fn("output", []byte(ev.Payload), 0, 0)
		case KindInput:
			fn("input", []byte(ev.Payload), 0, 0)
		case KindResize:
			var cols, rows int
			fmt.Sscanf(ev.Payload, "%dx%d", &cols, &rows)
			fn("resize", nil, cols, rows)
		}
	}
	if err := sc.Err(); err != nil {
		return vterr.Wrap(vterr.IoError, err)
	}
	return nil
}

// ReplayIntoWriter is a convenience wrapper over Replay for consumers
// (the Emulator Snapshotter) that only care about output and resize
// events, using the same (kind, payload, cols, rows) shape.
func ReplayIntoWriter(ctx context.Context, path string, fn func(kind string, payload []byte, cols, rows int)) error {
	return Replay(ctx, path, fn)
}

// TailFunc is invoked for every event line, in order, including ones
// already present in the file at the time Tail was called.
type TailFunc func(RawEvent) error

// pollInterval is how often Tail checks for file growth once it has
// caught up to EOF. The recorder flushes at FlushInterval, so polling
// a bit faster keeps tail latency low without busy-looping.
const pollInterval = 100 * time.Millisecond

// Tail replays every event currently in the recording at path, then
// continues invoking fn as new events are appended, until ctx is
// canceled or the file records its exit event. It returns after the
// exit event has been delivered, or when ctx ends.
func Tail(ctx context.Context, path string, fn TailFunc) error {
	f, err := os.Open(path)
	if err != nil {
		return vterr.Wrap(vterr.IoError, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	// Skip the header line; callers that need it call ReadHeader separately.
	if _, err := r.ReadString('\n'); err != nil && err != io.EOF {
		return vterr.Wrap(vterr.IoError, err)
	}

	var partial []byte
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			full := append(partial, line[:len(line)-1]...)
			partial = nil
			if len(full) > 0 {
				ev, derr := decodeLine(full)
				if derr != nil {
					return derr
				}
				if cberr := fn(ev); cberr != nil {
					return cberr
				}
				if ev.Exit {
					return nil
				}
			}
			continue
		}
		if err == io.EOF {
			partial = append(partial, line...)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollInterval):
			}
			continue
		}
		if err != nil {
			return vterr.Wrap(vterr.IoError, err)
		}
	}
}
