package httpapi

import (
	"context"
	"net/http"
)

// handleText implements `GET /sessions/:id/text?styles=`: a
// decoded plain or ANSI-restyled text view of the current viewport,
// seeded the same way the Emulator Snapshotter is (replay the recording).
func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
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
	sess.ReleaseSnapshotter()

	if latest == nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		return
	}

	styled := r.URL.Query().Get("styles") == "true" || r.URL.Query().Get("styles") == "1"
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(latest.Text(styled)))
}
