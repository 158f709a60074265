package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/michaelbrown/runbox/internal/storage"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"runtime":  s.cfg.Sandbox.Runtime,
		"sessions": s.ctrl.Store().Len(),
	})
}

// handleSuite describes the grading suite without revealing expected outputs.
func (s *Server) handleSuite(w http.ResponseWriter, r *http.Request) {
	st := s.ctrl.Suite()
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    st.Name,
		"timeout": st.Timeout.String(),
		"cases":   len(st.Cases),
	})
}

type sessionInfo struct {
	ClientID  string   `json:"client_id"`
	Running   bool     `json:"running"`
	Sandbox   string   `json:"sandbox,omitempty"`
	Sandboxes []string `json:"sandboxes"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	store := s.ctrl.Store()
	out := []sessionInfo{}
	for _, id := range store.IDs() {
		box, running := store.Active(id)
		out = append(out, sessionInfo{
			ClientID:  id,
			Running:   running,
			Sandbox:   box,
			Sandboxes: store.Sandboxes(id),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusNotFound, "sandbox ledger is disabled")
		return
	}

	opts := storage.ListOptions{
		ClientID: r.URL.Query().Get("client"),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		opts.Status = storage.SandboxStatus(status)
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	records, err := s.ledger.ListSandboxes(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []storage.SandboxRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}
