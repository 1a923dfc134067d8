package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vibetunnel/server/internal/vterr"
)

func TestCreateLoadList(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	meta := &Meta{ID: NewID(), Name: "test", Argv: []string{"sh"}, Status: StatusRunning, Cols: 80, Rows: 24, StartedAt: time.Now()}
	if err := s.Create(meta); err != nil {
		t.Fatalf("Create: %v", err)
	}
	loaded, err := s.Load(meta.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Name != "test" || loaded.Status != StatusRunning {
		t.Errorf("loaded meta mismatch: %+v", loaded)
	}

	list, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 session, got %d", len(list))
	}
}

func TestDeleteRunningForbidden(t *testing.T) {
	s, _ := Open(t.TempDir())
	meta := &Meta{ID: NewID(), Status: StatusRunning, StartedAt: time.Now()}
	s.Create(meta)

	if err := s.Delete(meta.ID); vterr.KindOf(err) != vterr.StillRunning {
		t.Fatalf("expected StillRunning, got %v", err)
	}

	meta.Status = StatusExited
	s.Save(meta)
	if err := s.Delete(meta.ID); err != nil {
		t.Fatalf("Delete exited session: %v", err)
	}
}

func TestLoadMissingSession(t *testing.T) {
	s, _ := Open(t.TempDir())
	if _, err := s.Load("nope"); vterr.KindOf(err) != vterr.NoSuchSession {
		t.Fatalf("expected NoSuchSession, got %v", err)
	}
}

func TestReapZombies(t *testing.T) {
	s, _ := Open(t.TempDir())
	deadPID := 999999
	meta := &Meta{ID: NewID(), Status: StatusRunning, PID: &deadPID, StartedAt: time.Now()}
	s.Create(meta)

	reaped, err := s.ReapZombies()
	if err != nil {
		t.Fatalf("ReapZombies: %v", err)
	}
	if len(reaped) != 1 {
		t.Fatalf("expected 1 reaped session, got %d", len(reaped))
	}
	loaded, _ := s.Load(meta.ID)
	if loaded.Status != StatusExited {
		t.Errorf("expected exited, got %s", loaded.Status)
	}
}

func TestIgnoresDirectoryWithoutMetadata(t *testing.T) {
	s, _ := Open(t.TempDir())
	meta := &Meta{ID: NewID(), Status: StatusExited, StartedAt: time.Now()}
	s.Create(meta)

	// A bare directory with no session.json should be ignored, not error.
	if err := os.Mkdir(filepath.Join(s.Root, "stray-without-metadata"), 0o700); err != nil {
		t.Fatal(err)
	}
	list, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 session, got %d", len(list))
	}
}
