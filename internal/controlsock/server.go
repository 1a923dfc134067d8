package controlsock

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/vibetunnel/server/internal/logger"
	"github.com/vibetunnel/server/internal/session"
	"github.com/vibetunnel/server/internal/store"
)

// subscriberQueue bounds how many STDOUT/EXIT frames a slow subscriber
// may have outstanding before it is disconnected (
// "back-pressure is per-subscriber; a slow subscriber is disconnected
// after a bounded queue overflows").
const subscriberQueue = 512

// Server listens on one Unix domain socket per live session and serves
// the length-prefixed control protocol to any number of local
// subscribers.
type Server struct {
	mgr *session.Manager
	st  *store.Store

	mu        sync.Mutex
	listeners map[string]net.Listener
}

// New creates a Server for sessions tracked by mgr.
func New(mgr *session.Manager, st *store.Store) *Server {
	return &Server{mgr: mgr, st: st, listeners: make(map[string]net.Listener)}
}

// Run subscribes to the Session Manager's lifecycle bus, opening a
// listener for every created session and closing it when that session
// exits, until ctx is canceled.
func (srv *Server) Run(ctx context.Context) {
	events, unsubscribe := srv.mgr.Bus().Subscribe()
	defer unsubscribe()

	for _, info := range srv.mgr.List(session.ListFilter{}) {
		if info.Status != store.StatusExited {
			srv.listen(ctx, info.ID)
		}
	}

	for {
		select {
		case <-ctx.Done():
			srv.closeAll()
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case session.EventCreate:
				srv.listen(ctx, ev.Info.ID)
			case session.EventExit, session.EventDelete:
				srv.close(ev.Info.ID)
			}
		}
	}
}

func (srv *Server) listen(ctx context.Context, id string) {
	path := srv.st.SocketPath(id)
	os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		logger.Error("controlsock: listen failed", "id", id, "err", err)
		return
	}
	srv.mu.Lock()
	srv.listeners[id] = ln
	srv.mu.Unlock()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serveConn(ctx, id, conn)
		}
	}()
}

func (srv *Server) close(id string) {
	srv.mu.Lock()
	ln, ok := srv.listeners[id]
	delete(srv.listeners, id)
	srv.mu.Unlock()
	if ok {
		ln.Close()
	}
	os.Remove(srv.st.SocketPath(id))
}

func (srv *Server) closeAll() {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for id, ln := range srv.listeners {
		ln.Close()
		os.Remove(srv.st.SocketPath(id))
	}
	srv.listeners = make(map[string]net.Listener)
}

// serveConn handles one subscriber connection: it fans session output
// and exit notifications to the client while reading inbound command
// frames from it, per the contract.
func (srv *Server) serveConn(ctx context.Context, id string, conn net.Conn) {
	defer conn.Close()

	sess, err := srv.mgr.Session(id)
	if err != nil {
		WriteFrame(conn, KindError, []byte(err.Error()))
		return
	}

	out, unsubscribe := sess.SubscribeOutput()
	defer unsubscribe()

	writeCh := make(chan struct {
		kind    Kind
		payload []byte
	}, subscriberQueue)
	done := make(chan struct{})
	var closeOnce sync.Once
	stop := func() { closeOnce.Do(func() { close(done) }) }

	go func() {
		for {
			select {
			case f, ok := <-writeCh:
				if !ok {
					return
				}
				if err := WriteFrame(conn, f.kind, f.payload); err != nil {
					stop()
					return
				}
			case <-done:
				return
			}
		}
	}()

	go func() {
		defer stop()
		for {
			select {
			case chunk, ok := <-out:
				if !ok {
					select {
					case writeCh <- struct {
						kind    Kind
						payload []byte
					}{KindExit, EncodeExit(exitCodeOf(sess))}:
					default:
					}
					return
				}
				select {
				case writeCh <- struct {
					kind    Kind
					payload []byte
				}{KindStdout, chunk}:
				default:
					logger.Warn("controlsock: subscriber too slow, disconnecting", "id", id)
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	r := bufio.NewReader(conn)
	for {
		kind, payload, err := ReadFrame(r)
		if err != nil {
			stop()
			return
		}
		switch kind {
		case KindStdin:
			if err := sess.WriteInput(payload); err != nil {
				WriteFrame(conn, KindError, []byte(err.Error()))
			}
		case KindResize:
			cols, rows, ok := DecodeResize(payload)
			if !ok {
				WriteFrame(conn, KindError, []byte("malformed resize frame"))
				stop()
				return
			}
			if err := sess.Resize(cols, rows); err != nil {
				WriteFrame(conn, KindError, []byte(err.Error()))
			}
		case KindKill:
			sig := syscall.SIGTERM
			if len(payload) == 1 && payload[0] != 0 {
				sig = syscall.Signal(payload[0])
			}
			if err := sess.Signal(sig); err != nil {
				WriteFrame(conn, KindError, []byte(err.Error()))
			}
		case KindHeartbeat:
			// no-op keepalive.
		case KindStatusUpdate:
			app, status, ok := DecodeStatusUpdate(payload)
			if !ok {
				WriteFrame(conn, KindError, []byte("malformed status-update frame"))
				stop()
				return
			}
			sess.StatusUpdate(app, status)
		default:
			WriteFrame(conn, KindError, []byte("unknown frame kind"))
			stop()
			return
		}
	}
}

func exitCodeOf(sess *session.Session) int {
	info := sess.Info()
	if info.ExitCode != nil {
		return *info.ExitCode
	}
	return -1
}

var errClosed = errors.New("controlsock: closed")
