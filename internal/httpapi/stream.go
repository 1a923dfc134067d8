package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vibetunnel/server/internal/recorder"
	"github.com/vibetunnel/server/internal/vterr"
)

// heartbeatInterval is the SSE keep-alive cadence.
const heartbeatInterval = 30 * time.Second

// handleStream implements `GET /sessions/:id/stream`: the entire
// existing recording is replayed with zeroed relative timestamps, then
// the handler tails the file for new events until the client
// disconnects or the session's terminal-exit event arrives.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	path := s.st.StreamPath(id)
	if _, err := recorder.ReadHeader(path); err != nil {
		writeJSON(w, http.StatusGone, map[string]string{"error": "no such recording"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	send := func(v any) bool {
		data, err := json.Marshal(v)
		if err != nil {
			return true
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	var replayed int
	var exited bool
	replayErr := recorder.Replay(ctx, path, func(kind string, payload []byte, cols, rows int) {
		if exited {
			return
		}
		switch kind {
		case "output":
			send([]any{0, "o", string(payload)})
			replayed++
		case "input":
			send([]any{0, "i", string(payload)})
			replayed++
		case "resize":
			send([]any{0, "r", fmt.Sprintf("%dx%d", cols, rows)})
			replayed++
		case "exit":
			send([]any{"exit", cols, id})
			exited = true
		}
	})
	if replayErr != nil && vterr.KindOf(replayErr) != "" {
		return
	}
	if exited {
		return
	}

	hb := time.NewTicker(heartbeatInterval)
	defer hb.Stop()

	tailDone := make(chan error, 1)
	seen := 0
	go func() {
		tailDone <- recorder.Tail(ctx, path, func(ev recorder.RawEvent) error {
			if ev.Exit {
				seen++
				if seen > replayed {
					send([]any{"exit", ev.Code, id})
				}
				return nil
			}
			seen++
			if seen <= replayed {
				return nil
			}
			switch ev.Kind {
			case string(recorder.KindOutput):
				send([]any{ev.Elapsed, "o", ev.Payload})
			case string(recorder.KindInput):
				send([]any{ev.Elapsed, "i", ev.Payload})
			case string(recorder.KindResize):
				send([]any{ev.Elapsed, "r", ev.Payload})
			}
			return nil
		})
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.Context().Done():
			return
		case <-tailDone:
			return
		case <-hb.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
