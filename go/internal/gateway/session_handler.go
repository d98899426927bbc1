package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/megillah-live/reader/go/internal/livesync"
	"github.com/megillah-live/reader/go/internal/livesync/store"
	"github.com/rs/zerolog/log"
)

const sessionsPath = "/api/sessions"

// SessionHandler serves session records over plain HTTP, for clients that
// create a session ahead of opening a live connection
type SessionHandler struct {
	records store.RecordStore
	newCode func() (string, error)
}

// CreateSessionRequest is the body of POST /api/sessions
type CreateSessionRequest struct {
	Password string `json:"password"`
}

// SessionResponse describes an existing session. The password is never returned.
type SessionResponse struct {
	Code string `json:"code"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewSessionHandler(records store.RecordStore) *SessionHandler {
	return &SessionHandler{
		records: records,
		newCode: livesync.FreshCode,
	}
}

// HandleCreateSession handles POST /api/sessions
func (h *SessionHandler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.Password == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "password is required"})
		return
	}

	code, err := h.newCode()
	if err != nil {
		log.Error().Err(err).Msg("failed to generate session code")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	if err := h.records.Insert(r.Context(), store.Record{Code: code, Password: req.Password}); err != nil {
		log.Error().Err(err).Str("code", code).Msg("failed to create session")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	log.Info().Str("code", code).Msg("session created over http")
	writeJSON(w, http.StatusCreated, SessionResponse{Code: code})
}

// HandleGetSession handles GET /api/sessions/{code}
func (h *SessionHandler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	code := strings.Trim(strings.TrimPrefix(r.URL.Path, sessionsPath), "/")
	if code == "" || strings.Contains(code, "/") {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "session code is required"})
		return
	}

	_, err := h.records.FetchPassword(r.Context(), code)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: (&livesync.NotFoundError{Code: code}).Error()})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("code", code).Msg("failed to fetch session")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to fetch session"})
		return
	}

	writeJSON(w, http.StatusOK, SessionResponse{Code: code})
}

// RegisterRoutes registers the session routes
func (h *SessionHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(sessionsPath, h.HandleCreateSession)
	mux.HandleFunc(sessionsPath+"/", h.HandleGetSession)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
