package vt

import (
	"bytes"
	"testing"
)

func TestSnapshotRoundTrip(t *testing.T) {
	e := NewEmulator(20, 3)
	defer e.Close()
	e.Write([]byte("hello\r\n\x1b[1mworld\x1b[0m"))

	snap := Capture(e)
	encoded := snap.Encode()

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Cols != snap.Cols || decoded.Rows != snap.Rows {
		t.Fatalf("dims mismatch: got %dx%d want %dx%d", decoded.Cols, decoded.Rows, snap.Cols, snap.Rows)
	}
	if len(decoded.RowData) != len(snap.RowData) {
		t.Fatalf("row count mismatch: got %d want %d", len(decoded.RowData), len(snap.RowData))
	}
	reencoded := decoded.Encode()
	if !bytes.Equal(reencoded, encoded) {
		t.Fatalf("encode(decode(s)) != s")
	}
}

func TestSnapshotEmptyRows(t *testing.T) {
	e := NewEmulator(10, 5)
	defer e.Close()

	snap := Capture(e)
	encoded := snap.Encode()
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(decoded.RowData) != 5 {
		t.Fatalf("expected 5 rows, got %d", len(decoded.RowData))
	}
	for i, row := range decoded.RowData {
		if !row.IsEmpty() {
			t.Errorf("row %d: expected empty, got runs %+v", i, row.Runs)
		}
	}
}

func TestSnapshotMagicRejected(t *testing.T) {
	if _, err := Decode([]byte("not a snapshot")); err == nil {
		t.Fatal("expected error decoding bad magic")
	}
}

func TestSnapshotterDebounce(t *testing.T) {
	s := New(10, 5)
	defer s.Close()
	s.DebounceInterval = 0 // 0 falls back to DefaultDebounceInterval

	ch, unsub := s.Subscribe()
	defer unsub()

	s.Write([]byte("hi"))
	select {
	case snap := <-ch:
		if snap == nil {
			t.Fatal("nil snapshot")
		}
	default:
		// No snapshot is emitted before the debounce window ends, so
		// fall back to Latest(), which captures one on demand.
		if s.Latest() == nil {
			t.Fatal("expected a snapshot from Latest()")
		}
	}
}
