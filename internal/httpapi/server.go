// Package httpapi implements the HTTP/JSON and WebSocket surface:
// session CRUD, the Output Stream Service (SSE), the Buffer
// Subscription Service (WebSocket), and the Input Gateway (WebSocket).
// Routing follows a net/http.ServeMux pattern-method registration style.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	pionrtc "github.com/pion/webrtc/v4"

	"github.com/vibetunnel/server/internal/federation"
	"github.com/vibetunnel/server/internal/logger"
	"github.com/vibetunnel/server/internal/session"
	"github.com/vibetunnel/server/internal/store"
	"github.com/vibetunnel/server/internal/vterr"
	"github.com/vibetunnel/server/internal/webrtc"
)

// Server wires the Session Manager and (optionally) the Federation Layer
// into an http.Handler.
type Server struct {
	mgr  *session.Manager
	st   *store.Store
	fed  *federation.HQ
	addr string

	// authToken, when non-empty, is the bearer/query token clients must
	// present to the Input Gateway; "" disables the check, mirroring
	// config.Config.Auth.
	authToken string

	// rtc negotiates the optional P2P buffer path: a buffer subscriber
	// may migrate a session's snapshot stream onto a direct DataChannel
	// instead of relaying it over this process's WebSocket.
	rtc *webrtc.PeerManager

	migMu      sync.Mutex
	migrations map[string]*webrtc.SwappableWriter
}

// New creates a Server. fed may be nil when federation is disabled.
func New(mgr *session.Manager, st *store.Store, fed *federation.HQ) *Server {
	s := &Server{
		mgr:        mgr,
		st:         st,
		fed:        fed,
		rtc:        webrtc.NewPeerManager(nil),
		migrations: make(map[string]*webrtc.SwappableWriter),
	}
	s.rtc.OnDC(s.onBufferDataChannel)
	s.rtc.OnClose(s.onBufferPeerClosed)
	return s
}

// registerMigration records the SwappableWriter to hand off once key's
// DataChannel opens, and returns a cleanup func to drop it if the offer
// is abandoned (WS closed before the DataChannel ever opens).
func (s *Server) registerMigration(key string, sw *webrtc.SwappableWriter) func() {
	s.migMu.Lock()
	s.migrations[key] = sw
	s.migMu.Unlock()
	return func() {
		s.migMu.Lock()
		delete(s.migrations, key)
		s.migMu.Unlock()
	}
}

func (s *Server) onBufferDataChannel(key, sessionID string, dc *pionrtc.DataChannel) {
	s.migMu.Lock()
	sw := s.migrations[key]
	s.migMu.Unlock()
	if sw == nil {
		return
	}
	if err := sw.MigrateToDC(sessionID, dc); err != nil {
		logger.Warn("httpapi: buffer migration to data channel failed", "session", sessionID, "err", err)
		s.migMu.Lock()
		delete(s.migrations, key)
		s.migMu.Unlock()
	}
	// sw stays registered under key so onBufferPeerClosed can fall it
	// back to relay if the DataChannel later fails.
}

func (s *Server) onBufferPeerClosed(key string) {
	s.migMu.Lock()
	sw, ok := s.migrations[key]
	delete(s.migrations, key)
	s.migMu.Unlock()
	if !ok || sw == nil {
		return
	}
	_, sessionID, _ := strings.Cut(key, ":")
	sw.FallbackToRelay(sessionID)
}

// WithAuthToken sets the token the Input Gateway requires ("token=<t>");
// an empty token disables the check.
func (s *Server) WithAuthToken(token string) *Server {
	s.authToken = token
	return s
}

// Handler returns the routed http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleKillSession)
	mux.HandleFunc("DELETE /sessions/{id}/cleanup", s.handleCleanupSession)
	mux.HandleFunc("POST /cleanup-exited", s.handleCleanupExited)
	mux.HandleFunc("POST /sessions/{id}/input", s.handleInput)
	mux.HandleFunc("POST /sessions/{id}/resize", s.handleResize)
	mux.HandleFunc("GET /sessions/{id}/stream", s.handleStream)
	mux.HandleFunc("GET /sessions/{id}/buffer", s.handleBufferOnce)
	mux.HandleFunc("GET /sessions/{id}/text", s.handleText)
	mux.HandleFunc("GET /buffers", s.handleBuffersWS)
	mux.HandleFunc("GET /input", s.handleInputWS)

	if s.fed != nil {
		mux.HandleFunc("GET /remotes", s.handleListRemotes)
		mux.HandleFunc("POST /remotes/register", s.handleRegisterRemote)
		mux.HandleFunc("DELETE /remotes/{id}", s.handleDeleteRemote)
		mux.HandleFunc("POST /remotes/{id}/refresh-sessions", s.handleRefreshRemote)
	}
	return s.withOriginRouting(mux)
}

// ListenAndServe runs the HTTP server on addr until ctx is canceled,
// with a context-driven Shutdown.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.addr = addr
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		s.rtc.Close()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// withOriginRouting proxies requests for remote-owned sessions to their
// peer transparently, falling through to the local mux for everything else.
func (s *Server) withOriginRouting(next http.Handler) http.Handler {
	if s.fed == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := sessionIDFromPath(r.URL.Path)
		if id != "" {
			if info, err := s.mgr.Get(id); err == nil && info.Origin == store.OriginRemote {
				s.fed.Proxy(w, r, info.RemoteID)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps a vterr.Kind to an HTTP status code.
func statusFor(err error) int {
	switch vterr.KindOf(err) {
	case vterr.NoSuchSession:
		return http.StatusNotFound
	case vterr.InvalidArgs, vterr.PathTooLong, vterr.BadFrame:
		return http.StatusBadRequest
	case vterr.NotRunning, vterr.StillRunning:
		return http.StatusConflict
	case vterr.AlreadyExited:
		return http.StatusGone
	case vterr.Unauthenticated, vterr.Unauthorized:
		return http.StatusUnauthorized
	case vterr.PeerGone:
		return http.StatusServiceUnavailable
	case vterr.BadPeer:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	code := statusFor(err)
	logger.Warn("httpapi: request failed", "err", err, "status", code)
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func sessionIDFromPath(path string) string {
	const prefix = "/sessions/"
	if len(path) <= len(prefix) || path[:len(prefix)] != prefix {
		return ""
	}
	rest := path[len(prefix):]
	for i, c := range rest {
		if c == '/' {
			return rest[:i]
		}
	}
	return rest
}
