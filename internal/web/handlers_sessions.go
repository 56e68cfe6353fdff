package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/asheshgoplani/termdeck/internal/adapter"
	"github.com/asheshgoplani/termdeck/internal/session"
	"github.com/asheshgoplani/termdeck/internal/termbuf"
	"github.com/asheshgoplani/termdeck/internal/termquery"
	"github.com/asheshgoplani/termdeck/internal/termstate"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

type createResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type writeRequest struct {
	Data string `json:"data"`
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type sessionStateResponse struct {
	Exists bool            `json:"exists"`
	State  termstate.State `json:"state,omitempty"`
}

type bufferResponse struct {
	Buffer string `json:"buffer"`
}

type bufferSinceResponse struct {
	Chunks     []termbuf.Chunk `json:"chunks"`
	CurrentSeq uint64          `json:"currentSeq"`
}

type clearResponse struct {
	Success    bool   `json:"success"`
	ClearedSeq uint64 `json:"clearedSeq"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid create payload")
		return
	}
	if req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, createResponse{Error: "sessionId is required"})
		return
	}

	if err := s.sessions.Create(r.Context(), req); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, adapter.ErrUnknownMode) {
			status = http.StatusBadRequest
		}
		webLog.Warn("create_failed",
			slog.String("session_id", req.SessionID),
			slog.String("error", err.Error()))
		writeJSON(w, status, createResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, createResponse{Success: true})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	state, ok := s.sessions.GetState(r.PathValue("id"))
	writeJSON(w, http.StatusOK, sessionStateResponse{Exists: ok, State: state})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, okResponse{OK: s.sessions.Kill(r.PathValue("id"))})
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid write payload")
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: s.sessions.Write(r.PathValue("id"), req.Data)})
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	var req resizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid resize payload")
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: s.sessions.Resize(r.PathValue("id"), req.Cols, req.Rows)})
}

func (s *Server) handleBuffer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	raw := r.URL.Query().Get("after")
	if raw == "" {
		buf, ok := s.sessions.GetBuffer(id)
		if !ok {
			writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
			return
		}
		writeJSON(w, http.StatusOK, bufferResponse{Buffer: buf})
		return
	}

	after, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "after must be a non-negative integer")
		return
	}
	chunks, cur, ok := s.sessions.GetBufferSince(id, after)
	if !ok {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	}
	if chunks == nil {
		chunks = []termbuf.Chunk{}
	}
	writeJSON(w, http.StatusOK, bufferSinceResponse{Chunks: chunks, CurrentSeq: cur})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	seq, ok := s.sessions.ClearBuffer(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, clearResponse{})
		return
	}
	writeJSON(w, http.StatusOK, clearResponse{Success: true, ClearedSeq: seq})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	checks, err := s.sessions.Validate(adapter.Mode(r.PathValue("mode")))
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "UNKNOWN_MODE", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, checks)
}

func (s *Server) handleTheme(w http.ResponseWriter, r *http.Request) {
	var theme termquery.Theme
	if err := decodeJSON(w, r, &theme); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid theme payload")
		return
	}
	if err := s.sessions.SetTheme(theme); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_THEME", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}
