package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/vibetunnel/server/internal/session"
	"github.com/vibetunnel/server/internal/store"
)

type sessionInfoDTO struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Command    []string        `json:"command"`
	WorkingDir string          `json:"workingDir"`
	Status     string          `json:"status"`
	ExitCode   *int            `json:"exitCode,omitempty"`
	StartedAt  string          `json:"startedAt"`
	EndedAt    *string         `json:"endedAt,omitempty"`
	PID        int             `json:"pid"`
	Cols       int             `json:"cols"`
	Rows       int             `json:"rows"`
	TitleMode  string          `json:"titleMode"`
	Origin     string          `json:"origin"`
	RemoteID   string          `json:"remoteId,omitempty"`
	Activity   *store.Activity `json:"activity,omitempty"`
}

func toDTO(info session.Info) sessionInfoDTO {
	dto := sessionInfoDTO{
		ID: info.ID, Name: info.Name, Command: info.Argv, WorkingDir: info.WorkingDir,
		Status: string(info.Status), ExitCode: info.ExitCode,
		StartedAt: info.StartedAt.UTC().Format(time.RFC3339Nano),
		PID: info.PID, Cols: info.Cols, Rows: info.Rows,
		TitleMode: info.TitleMode, Origin: string(info.Origin), RemoteID: info.RemoteID,
		Activity: info.Activity,
	}
	if info.EndedAt != nil {
		e := info.EndedAt.UTC().Format(time.RFC3339Nano)
		dto.EndedAt = &e
	}
	return dto
}

// handleListSessions implements `GET /sessions`, merging local sessions
// with every healthy peer's sessions when federation is enabled.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	filter := session.ListFilter{
		HideExited: r.URL.Query().Get("hideExited") == "true",
		Search:     r.URL.Query().Get("q"),
	}
	infos := s.mgr.List(filter)
	out := make([]any, 0, len(infos))
	for _, info := range infos {
		out = append(out, toDTO(info))
	}
	if s.fed != nil {
		for _, rs := range s.fed.MergedRemoteSessions(r.Context()) {
			out = append(out, rs)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type createSessionRequest struct {
	Command    []string `json:"command"`
	WorkingDir string   `json:"workingDir"`
	Name       string   `json:"name"`
	Cols       int      `json:"cols"`
	Rows       int      `json:"rows"`
	TitleMode  string   `json:"titleMode"`
	RemoteID   string   `json:"remoteId"`
}

// handleCreateSession implements `POST /sessions`.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, err)
		return
	}
	if len(req.Command) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "command is required"})
		return
	}

	if req.RemoteID != "" && s.fed != nil {
		dto, err := s.fed.CreateOnRemote(r.Context(), req.RemoteID, req)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, dto)
		return
	}

	info, err := s.mgr.Create(session.CreateSpec{
		Argv: req.Command, WorkingDir: req.WorkingDir, Name: req.Name,
		Cols: req.Cols, Rows: req.Rows, TitleMode: req.TitleMode,
		Origin: store.OriginLocal,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"sessionId": info.ID})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.mgr.Get(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(info))
}

func (s *Server) handleKillSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.mgr.Kill(ctx, r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCleanupSession(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Cleanup(r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCleanupExited(w http.ResponseWriter, r *http.Request) {
	cleaned := s.mgr.CleanupAllExited()
	if cleaned == nil {
		cleaned = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"cleaned": cleaned})
}

type inputRequest struct {
	Text string `json:"text"`
	Key  string `json:"key"`
}

// keySequences maps the named keys allowed in place of literal text to
// their control byte sequences.
var keySequences = map[string]string{
	"enter":     "\r",
	"escape":    "\x1b",
	"backspace": "\x7f",
	"tab":       "\t",
	"up":        "\x1b[A",
	"down":      "\x1b[B",
	"right":     "\x1b[C",
	"left":      "\x1b[D",
	"ctrl-c":    "\x03",
	"ctrl-d":    "\x04",
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, err)
		return
	}
	payload := req.Text
	if req.Key != "" {
		seq, ok := keySequences[req.Key]
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown key " + req.Key})
			return
		}
		payload = seq
	}
	if err := s.mgr.SendInput(r.PathValue("id"), []byte(payload)); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	var req resizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.mgr.Resize(r.PathValue("id"), req.Cols, req.Rows); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
