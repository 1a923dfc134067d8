package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/vibetunnel/server/internal/logger"
)

// inputFrame is the Input Gateway's fire-and-forget message shape (spec
// §4.9): exactly one of Data or Cols/Rows is meaningful per message.
type inputFrame struct {
	Type string `json:"type"` // "stdin" or "resize"
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// handleInputWS implements `GET /input?sessionId=<id>&token=<t>` (spec
// §4.9): a low-latency WebSocket of fire-and-forget stdin/resize frames,
// delivered to the session's single sequential input queue so concurrent
// client connections cannot interleave bytes mid-keystroke.
func (s *Server) handleInputWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "sessionId is required", http.StatusBadRequest)
		return
	}
	if s.authToken != "" && r.URL.Query().Get("token") != s.authToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sess, err := s.mgr.Session(sessionID)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(64 * 1024)
	defer conn.CloseNow()

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var f inputFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Type {
		case "stdin":
			if err := sess.WriteInput([]byte(f.Data)); err != nil {
				logger.Warn("httpapi: input gateway write failed", "id", sessionID, "err", err)
			}
		case "resize":
			if err := sess.Resize(f.Cols, f.Rows); err != nil {
				logger.Warn("httpapi: input gateway resize failed", "id", sessionID, "err", err)
			}
		}
	}
}
