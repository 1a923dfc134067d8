package httpapi

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/vibetunnel/server/internal/logger"
	"github.com/vibetunnel/server/internal/vt"
	"github.com/vibetunnel/server/internal/webrtc"
)

// bufferFrameMagic is the leading byte of a binary snapshot push:
// 0xBF | len(id) as uint32-be | id-utf8 | snapshot-bytes.
const bufferFrameMagic byte = 0xBF

type bufferControlMsg struct {
	Subscribe   string `json:"subscribe,omitempty"`
	Unsubscribe string `json:"unsubscribe,omitempty"`
	Ping        bool   `json:"ping,omitempty"`

	// Migrate/Offer request moving an already-subscribed session's
	// stream onto a direct DataChannel (P2P buffer path); the server
	// answers with a wsOutMsg carrying "answer"/"migrateFor".
	Migrate string `json:"migrate,omitempty"`
	Offer   string `json:"offer,omitempty"`
}

// wsOutMsg is the single type funneled through one writer goroutine so
// every outbound frame (binary snapshots, pongs, migration signaling)
// goes through one conn.Write call site.
type wsOutMsg struct {
	binary bool
	data   []byte
}

func textMsg(v any) wsOutMsg {
	data, _ := json.Marshal(v)
	return wsOutMsg{data: data}
}

// handleBuffersWS implements `GET /buffers`: a long-lived WebSocket
// multiplexing debounced binary viewport snapshots for whichever
// session identifiers the client has subscribed to, with an optional
// per-session upgrade to a direct WebRTC DataChannel.
func (s *Server) handleBuffersWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(64 * 1024)
	defer conn.CloseNow()

	ctx := r.Context()
	out := make(chan wsOutMsg, 256)
	connID := uuid.NewString()

	var mu sync.Mutex
	unsubs := make(map[string]func())
	swriters := make(map[string]*webrtc.SwappableWriter)

	cleanupAll := func() {
		mu.Lock()
		defer mu.Unlock()
		for id, fn := range unsubs {
			fn()
			delete(unsubs, id)
		}
		for id := range swriters {
			s.rtc.CloseKey(connID + ":" + id)
			delete(swriters, id)
		}
	}
	defer cleanupAll()

	subscribe := func(id string) {
		mu.Lock()
		if _, ok := unsubs[id]; ok {
			mu.Unlock()
			return
		}
		mu.Unlock()

		sess, err := s.mgr.Session(id)
		if err != nil {
			select {
			case out <- textMsg(map[string]string{"error": "no such session " + id}):
			case <-ctx.Done():
			}
			return
		}
		snap := sess.Snapshotter(ctx)
		ch, unsubscribe := snap.Subscribe()

		sw := webrtc.NewSwappableWriter(
			func(frame []byte) error {
				select {
				case out <- wsOutMsg{binary: true, data: frame}:
				case <-ctx.Done():
				default:
					logger.Warn("httpapi: buffer subscriber too slow, disconnecting", "id", id)
					conn.CloseNow()
				}
				return nil
			},
			func(notice []byte) error {
				select {
				case out <- wsOutMsg{data: notice}:
				case <-ctx.Done():
				}
				return nil
			},
		)

		mu.Lock()
		unsubs[id] = func() {
			unsubscribe()
			sess.ReleaseSnapshotter()
		}
		swriters[id] = sw
		mu.Unlock()

		go func() {
			for shot := range ch {
				sw.Write(encodeBufferFrame(id, shot))
			}
		}()
	}

	unsubscribeOne := func(id string) {
		mu.Lock()
		fn, ok := unsubs[id]
		delete(unsubs, id)
		delete(swriters, id)
		mu.Unlock()
		if ok {
			fn()
		}
		s.rtc.CloseKey(connID + ":" + id)
	}

	migrate := func(id, offer string) {
		mu.Lock()
		sw, ok := swriters[id]
		mu.Unlock()
		if !ok {
			select {
			case out <- textMsg(map[string]string{"error": "not subscribed to " + id}):
			case <-ctx.Done():
			}
			return
		}
		key := connID + ":" + id
		unregister := s.registerMigration(key, sw)
		answer, err := s.rtc.HandleOffer(key, id, offer)
		if err != nil {
			unregister()
			select {
			case out <- textMsg(map[string]string{"error": "webrtc offer rejected: " + err.Error()}):
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- textMsg(map[string]string{"migrateFor": id, "answer": answer}):
		case <-ctx.Done():
		}
	}

	go func() {
		for {
			select {
			case msg := <-out:
				typ := websocket.MessageText
				if msg.binary {
					typ = websocket.MessageBinary
				}
				if err := conn.Write(ctx, typ, msg.data); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg bufferControlMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch {
		case msg.Ping:
			select {
			case out <- textMsg(map[string]string{"pong": ""}):
			case <-ctx.Done():
			}
		case msg.Migrate != "" && msg.Offer != "":
			migrate(msg.Migrate, msg.Offer)
		case msg.Subscribe != "":
			subscribe(msg.Subscribe)
		case msg.Unsubscribe != "":
			unsubscribeOne(msg.Unsubscribe)
		}
	}
}

func encodeBufferFrame(id string, shot *vt.Snapshot) []byte {
	body := shot.Encode()
	out := make([]byte, 0, 1+4+len(id)+len(body))
	out = append(out, bufferFrameMagic)
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(id)))
	out = append(out, lb[:]...)
	out = append(out, id...)
	out = append(out, body...)
	return out
}

// handleBufferOnce implements `GET /sessions/:id/buffer`: a single binary
// snapshot of current state, for clients that don't want the WebSocket.
func (s *Server) handleBufferOnce(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.mgr.Session(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	snap := sess.Snapshotter(ctx)
	latest := snap.Latest()
	if latest == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "no snapshot yet"})
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(latest.Encode())
	sess.ReleaseSnapshotter()
}
