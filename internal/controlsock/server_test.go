package controlsock

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/vibetunnel/server/internal/session"
	"github.com/vibetunnel/server/internal/store"
)

func newTestManager(t *testing.T) (*session.Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	return session.NewManager(st), st
}

func TestServerStdinAndStdout(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := New(mgr, st)
	go srv.Run(ctx)

	info, err := mgr.Create(session.CreateSpec{Argv: []string{"/bin/cat"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("unix", st.SocketPath(info.ID))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := WriteFrame(conn, KindStdin, []byte("hello\n")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	r := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, payload, err := ReadFrame(r)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if kind != KindStdout {
		t.Fatalf("expected KindStdout, got %v", kind)
	}
	if string(payload) != "hello\r\n" {
		t.Fatalf("expected echoed bytes, got %q", payload)
	}

	mgr.Kill(context.Background(), info.ID)
}

func TestServerResizeRejectsMalformed(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := New(mgr, st)
	go srv.Run(ctx)

	info, err := mgr.Create(session.CreateSpec{Argv: []string{"/bin/cat"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("unix", st.SocketPath(info.ID))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := WriteFrame(conn, KindResize, []byte{1, 2}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	r := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, _, err := ReadFrame(r)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if kind != KindError {
		t.Fatalf("expected KindError, got %v", kind)
	}

	mgr.Kill(context.Background(), info.ID)
}
