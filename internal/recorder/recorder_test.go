package recorder

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestHeaderOnlyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.jsonl")
	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if err := r.Header(80, 24, time.Now()); err != nil {
		t.Fatalf("Header: %v", err)
	}
	if err := r.Header(80, 24, time.Now()); err == nil {
		t.Fatal("expected error on second Header call")
	}
}

func TestOutputRequiresHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.jsonl")
	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if err := r.Output([]byte("hi")); err == nil {
		t.Fatal("expected error writing output before header")
	}
}

func TestResizeDedup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.jsonl")
	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	start := time.Now()
	if err := r.Header(80, 24, start); err != nil {
		t.Fatalf("Header: %v", err)
	}
	if err := r.Resize(80, 24); err != nil {
		t.Fatalf("Resize (no-op): %v", err)
	}
	if err := r.Resize(100, 40); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := splitLines(data)
	// header + one resize event (the no-op dedup must not appear)
	if len(lines) != 2 {
		t.Fatalf("want 2 lines, got %d: %q", len(lines), lines)
	}
	var ev [3]json.RawMessage
	if err := json.Unmarshal([]byte(lines[1]), &ev); err != nil {
		t.Fatalf("unmarshal resize line: %v", err)
	}
}

func TestExitForbidsFurtherWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.jsonl")
	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	r.Header(80, 24, time.Now())
	if err := r.Exit(0); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if err := r.Output([]byte("late")); err == nil {
		t.Fatal("expected error writing output after exit")
	}
	if err := r.Exit(1); err == nil {
		t.Fatal("expected error on double Exit")
	}
}

func TestTailReplaysThenStopsAtExit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.jsonl")
	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	start := time.Now()
	r.Header(80, 24, start)
	r.Output([]byte("hello"))
	r.Input([]byte("x"))
	r.Exit(0)
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var got []RawEvent
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := Tail(ctx, path, func(ev RawEvent) error {
		got = append(got, ev)
		return nil
	}); err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("want 3 events, got %d", len(got))
	}
	if got[0].Kind != "o" || got[0].Payload != "hello" {
		t.Fatalf("unexpected first event: %+v", got[0])
	}
	if got[1].Kind != "i" || got[1].Payload != "x" {
		t.Fatalf("unexpected second event: %+v", got[1])
	}
	if !got[2].Exit || got[2].Code != 0 {
		t.Fatalf("unexpected exit event: %+v", got[2])
	}
}

func TestReadHeaderRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.jsonl")
	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	start := time.Now().Truncate(time.Second)
	r.Header(132, 43, start)
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if h.Width != 132 || h.Height != 43 {
		t.Fatalf("unexpected header: %+v", h)
	}
}

func splitLines(data []byte) []string {
	var lines []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, string(data[start:i]))
			start = i + 1
		}
	}
	return lines
}
