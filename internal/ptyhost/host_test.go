package ptyhost

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/vibetunnel/server/internal/vterr"
)

func TestSpawnEchoAndExit(t *testing.T) {
	h, err := Spawn(Spec{Path: "/bin/sh", Args: []string{"-c", "echo hello; exit 3"}, Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	ch, unsub := h.Subscribe()
	defer unsub()

	var out strings.Builder
	deadline := time.After(5 * time.Second)
loop:
	for {
		select {
		case b, ok := <-ch:
			if !ok {
				break loop
			}
			out.Write(b)
		case <-h.Done():
			// drain remaining already-buffered chunks, if any, then stop.
			for {
				select {
				case b, ok := <-ch:
					if !ok {
						break loop
					}
					out.Write(b)
				default:
					break loop
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for process output")
		}
	}

	if !strings.Contains(out.String(), "hello") {
		t.Fatalf("expected output to contain %q, got %q", "hello", out.String())
	}
	if h.State() != Exited {
		t.Fatalf("want Exited, got %s", h.State())
	}
	if h.ExitCode() != 3 {
		t.Fatalf("want exit code 3, got %d", h.ExitCode())
	}
}

func TestWriteAfterExitFails(t *testing.T) {
	h, err := Spawn(Spec{Path: "/bin/sh", Args: []string{"-c", "exit 0"}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	<-h.Done()

	if err := h.Write([]byte("x")); vterr.KindOf(err) != vterr.AlreadyExited {
		t.Fatalf("want AlreadyExited, got %v", err)
	}
}

func TestResizeInvalidArgs(t *testing.T) {
	h, err := Spawn(Spec{Path: "/bin/sh", Args: []string{"-c", "sleep 5"}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer h.Kill(context.Background())

	if err := h.Resize(0, 24); vterr.KindOf(err) != vterr.InvalidArgs {
		t.Fatalf("want InvalidArgs, got %v", err)
	}
	if err := h.Resize(120, 40); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	cols, rows := h.Size()
	if cols != 120 || rows != 40 {
		t.Fatalf("unexpected size after resize: %dx%d", cols, rows)
	}
}

func TestKillEscalation(t *testing.T) {
	h, err := Spawn(Spec{Path: "/bin/sh", Args: []string{"-c", "trap '' TERM; sleep 30"}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), killGrace+5*time.Second)
	defer cancel()
	if err := h.Kill(ctx); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	select {
	case <-h.Done():
	default:
		t.Fatal("expected Host to be done after Kill")
	}
}

func TestSignalOnExitedHost(t *testing.T) {
	h, err := Spawn(Spec{Path: "/bin/sh", Args: []string{"-c", "exit 0"}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	<-h.Done()
	if err := h.Kill(context.Background()); err != nil {
		t.Fatalf("Kill on exited host should be a no-op: %v", err)
	}
}

func TestSpawnRejectsEmptyPath(t *testing.T) {
	if _, err := Spawn(Spec{}); vterr.KindOf(err) != vterr.InvalidArgs {
		t.Fatalf("want InvalidArgs, got %v", err)
	}
}

func TestMain(m *testing.M) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		os.Exit(0)
	}
	os.Exit(m.Run())
}
