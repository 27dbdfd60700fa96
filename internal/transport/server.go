package transport

import (
	"encoding/json"
	"net/http"

	"github.com/driftline/yield-engine/internal/engine"
	"github.com/driftline/yield-engine/internal/observ"
)

// Server is the operational surface of a live session: status, metrics,
// health, and the pause/resume controls an operator uses after a critical
// halt. It never places orders itself.
type Server struct {
	session *engine.Session
	mux     *http.ServeMux
}

func NewServer(session *engine.Session) *Server {
	s := &Server{session: session, mux: http.NewServeMux()}
	s.mux.Handle("/metrics", observ.Handler())
	s.mux.Handle("/healthz", observ.HealthHandler())
	s.mux.HandleFunc("/status", s.status)
	s.mux.HandleFunc("/pause", s.pause)
	s.mux.HandleFunc("/resume", s.resume)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type statusResponse struct {
	SessionID string         `json:"session_id"`
	Paused    bool           `json:"paused"`
	Error     string         `json:"error,omitempty"`
	Summary   engine.Summary `json:"summary"`
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		SessionID: s.session.ID(),
		Paused:    s.session.Paused(),
		Summary:   s.session.Summary(),
	}
	if err := s.session.Err(); err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	s.session.Pause()
	observ.Log("operator_pause", nil)
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	s.session.Resume()
	observ.Log("operator_resume", nil)
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
