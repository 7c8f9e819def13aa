// Package server exposes coachd over HTTP: a streaming chat endpoint plus
// session, note and budget management. All routes require a valid bearer
// token; the chat response is a line-delimited event stream that stays open
// until a terminal event.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	coachd "github.com/rlcoach/coachd"
	"github.com/rlcoach/coachd/coachtools"
	"github.com/rlcoach/coachd/ledger"
	"github.com/rlcoach/coachd/logging"
	"github.com/rlcoach/coachd/wire"
)

// Config configures the HTTP layer.
type Config struct {
	JWTSecret string
	Logger    logging.Logger
}

// Server routes HTTP traffic onto a Coach.
type Server struct {
	coach  *coachd.Coach
	cfg    Config
	logger logging.Logger
	router chi.Router
}

// New builds the server and its routes.
func New(coach *coachd.Coach, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.NoOpLogger{}
	}
	s := &Server{coach: coach, cfg: cfg, logger: cfg.Logger}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/coach", func(r chi.Router) {
		r.Use(jwtAuth(cfg.JWTSecret))

		r.Post("/chat", s.handleChat)
		r.Get("/budget", s.handleBudget)

		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{sessionID}/messages", s.handleSessionMessages)
		r.Delete("/sessions/{sessionID}", s.handleDeleteSession)

		r.Post("/notes", s.handleCreateNote)
		r.Get("/notes", s.handleListNotes)
		r.Delete("/notes/{noteID}", s.handleDeleteNote)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	ScopeID   string `json:"scope_id,omitempty"`
	Model     string `json:"model,omitempty"`
}

// handleChat runs one coaching turn, streaming wire events to the client as
// they are produced. The connection stays open until a terminal event; a
// close without one means the turn was cut off abnormally.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	turn, err := s.coach.Chat(r.Context(), coachd.ChatRequest{
		UserID:    userID(r.Context()),
		Message:   req.Message,
		SessionID: req.SessionID,
		ScopeID:   req.ScopeID,
		Model:     req.Model,
	})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrBudgetExhausted):
			writeError(w, http.StatusPaymentRequired, "token budget exhausted")
		case errors.Is(err, ledger.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, "session not found")
		default:
			s.logger.Error("chat.preflight", "error", err.Error())
			writeError(w, http.StatusInternalServerError, "failed to start turn")
		}
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	enc := wire.NewEncoder(w)
	for ev := range turn.Events() {
		if err := enc.Encode(ev); err != nil {
			// Client went away; the turn's context cancellation settles
			// the ledger. Keep draining so the turn goroutine can finish.
			s.logger.Info("chat.client_gone", "session_id", turn.SessionID())
			for range turn.Events() {
			}
			return
		}
	}
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	status, err := s.coach.Store().BudgetStatus(r.Context(), userID(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load budget")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)

	sessions, err := s.coach.Store().ListSessions(r.Context(), userID(r.Context()), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []ledger.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	msgs, err := s.coach.Store().SessionMessages(r.Context(), userID(r.Context()), sessionID)
	if err != nil {
		if errors.Is(err, ledger.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "messages": msgs})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	err := s.coach.Store().DeleteSession(r.Context(), userID(r.Context()), sessionID)
	if err != nil {
		if errors.Is(err, ledger.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type noteRequest struct {
	Content  string `json:"content"`
	Category string `json:"category,omitempty"`
	ScopeID  string `json:"scope_id,omitempty"`
}

func (s *Server) handleCreateNote(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	content := coachtools.SanitizeUserContent(req.Content, coachtools.MaxNoteLength)
	if content == "" {
		writeError(w, http.StatusBadRequest, "note content is required")
		return
	}
	if coachtools.ContainsRedaction(content) {
		writeError(w, http.StatusBadRequest, "note content contains disallowed patterns")
		return
	}

	note, err := s.coach.Store().CreateNote(r.Context(), userID(r.Context()), ledger.Note{
		Content:  content,
		Category: req.Category,
		ScopeID:  req.ScopeID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save note")
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request) {
	notes, err := s.coach.Store().ListNotes(r.Context(), userID(r.Context()), r.URL.Query().Get("scope_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list notes")
		return
	}
	if notes == nil {
		notes = []ledger.Note{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notes": notes})
}

func (s *Server) handleDeleteNote(w http.ResponseWriter, r *http.Request) {
	err := s.coach.Store().DeleteNote(r.Context(), userID(r.Context()), chi.URLParam(r, "noteID"))
	if err != nil {
		if errors.Is(err, ledger.ErrNoteNotFound) {
			writeError(w, http.StatusNotFound, "note not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete note")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
