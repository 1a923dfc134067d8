package federation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
)

func newTestHQ(t *testing.T) *HQ {
	t.Helper()
	st, err := OpenStore(filepath.Join(t.TempDir(), "peers.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	key, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
	}
	hq, err := NewHQ(st, key)
	if err != nil {
		t.Fatalf("NewHQ: %v", err)
	}
	return hq
}

func TestRegisterAndList(t *testing.T) {
	hq := newTestHQ(t)
	p, err := hq.Register("remote-1", "http://127.0.0.1:9", "secret-token", "laptop")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if p.TokenPrefix != "secret-t" {
		t.Fatalf("expected 8-char prefix, got %q", p.TokenPrefix)
	}

	peers := hq.ListPeers()
	if len(peers) != 1 || peers[0].ID != "remote-1" {
		t.Fatalf("expected one peer remote-1, got %+v", peers)
	}
}

func TestReregisterRequiresOriginalToken(t *testing.T) {
	hq := newTestHQ(t)
	if _, err := hq.Register("remote-1", "http://a", "secret", "a"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := hq.Register("remote-1", "http://b", "wrong", "a"); err == nil {
		t.Fatal("expected error re-registering with wrong token")
	}
	if _, err := hq.Register("remote-1", "http://b", "secret", "a"); err != nil {
		t.Fatalf("expected re-registration with correct token to succeed: %v", err)
	}
}

func TestMergedRemoteSessionsTagsOrigin(t *testing.T) {
	hq := newTestHQ(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode([]map[string]any{{"id": "s1", "name": "shell"}})
	}))
	defer upstream.Close()

	if _, err := hq.Register("remote-1", upstream.URL, "tok-1", "box"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	merged := hq.MergedRemoteSessions(context.Background())
	if len(merged) != 1 {
		t.Fatalf("expected 1 merged session, got %d", len(merged))
	}
	if merged[0]["origin"] != "remote" || merged[0]["remoteId"] != "remote-1" {
		t.Fatalf("expected tagged origin/remoteId, got %+v", merged[0])
	}
}

func TestHealthCheckRemovesPeerAfterFailures(t *testing.T) {
	hq := newTestHQ(t)
	if _, err := hq.Register("dead", "http://127.0.0.1:1", "tok", "x"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < unhealthyAfterN; i++ {
		hq.checkOne(ctx, "dead")
	}
	peers := hq.ListPeers()
	if len(peers) != 0 {
		t.Fatalf("expected peer removed after %d failures, got %+v", unhealthyAfterN, peers)
	}
}
