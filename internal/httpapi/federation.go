package httpapi

import (
	"encoding/json"
	"net/http"
)

type registerRemoteRequest struct {
	ID string `json:"id"`
	BaseURL string `json:"baseUrl"`
	Token string `json:"token"`
	Name string `json:"name"`
}

// handleListRemotes implements `GET /remotes` (HQ mode only).
func (s *Server) handleListRemotes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.fed.ListPeers())
}

// handleRegisterRemote implements `POST /remotes/register` (
// "a remote registers with HQ by POSTing {id, baseUrl, token, name}").
func (s *Server) handleRegisterRemote(w http.ResponseWriter, r *http.Request) {
	var req registerRemoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, err)
		return
	}
	peer, err := s.fed.Register(req.ID, req.BaseURL, req.Token, req.Name)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, peer)
}

func (s *Server) handleDeleteRemote(w http.ResponseWriter, r *http.Request) {
	if err := s.fed.Remove(r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRefreshRemote(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.fed.RefreshSessions(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}
