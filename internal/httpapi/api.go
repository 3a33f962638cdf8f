// Package httpapi exposes session management over HTTP and mounts the
// websocket endpoint participants join through.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/vovakirdan/lockstep/internal/auth"
	"github.com/vovakirdan/lockstep/internal/channel"
	"github.com/vovakirdan/lockstep/internal/config"
	"github.com/vovakirdan/lockstep/internal/multiplayer"
	"github.com/vovakirdan/lockstep/internal/storage"
	"github.com/vovakirdan/lockstep/internal/transport/ws"
)

const maxHistoryLimit = 500

// History is the read side of the session history store.
type History interface {
	RecentSessions(limit int) ([]storage.SessionRecord, error)
	ParticipantHistory(participantID string, limit int) ([]storage.SessionRecord, error)
	SessionByID(sessionID string) (*storage.SessionRecord, error)
	Stats() (*storage.HistoryStats, error)
}

// Config carries the handler's collaborators.
type Config struct {
	Manager   *multiplayer.Manager
	Issuer    *auth.Issuer
	History   History // nil disables /api/history
	Defaults  config.SessionDefaults
	Transport ws.Options
	Logger    *log.Logger
}

// CreateResponse is returned by POST /api/sessions.
type CreateResponse struct {
	SessionID string            `json:"session_id"`
	Tokens    map[string]string `json:"tokens"`
}

type api struct {
	manager *multiplayer.Manager
	issuer  *auth.Issuer
	history History
	defs    config.SessionDefaults
	logger  *log.Logger
}

// NewHandler builds the HTTP handler.
func NewHandler(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	a := &api{
		manager: cfg.Manager,
		issuer:  cfg.Issuer,
		history: cfg.History,
		defs:    cfg.Defaults,
		logger:  cfg.Logger,
	}

	transport := cfg.Transport
	transport.Logger = cfg.Logger

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok")) //nolint:errcheck // client gone
	})
	mux.HandleFunc("POST /api/sessions", a.createSession)
	mux.HandleFunc("GET /api/sessions", a.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", a.getSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", a.deleteSession)
	mux.HandleFunc("GET /api/history", a.listHistory)
	mux.HandleFunc("GET /api/history/stats", a.historyStats)
	mux.HandleFunc("GET /api/history/{id}", a.getHistory)
	mux.Handle("GET /ws", ws.NewHandler(a.resolve, transport))
	return mux
}

// BuildSpec turns a configured session into a multiplayer spec, filling
// gaps from defaults and generating an id if there is none.
func BuildSpec(defs config.SessionDefaults, cs config.SessionSpec) multiplayer.Spec {
	cs = defs.Apply(cs)
	if cs.ID == "" {
		cs.ID = uuid.NewString()
	}
	spec := multiplayer.Spec{
		ID:             multiplayer.SessionID(cs.ID),
		TicksPerSecond: cs.TicksPerSecond,
		AcceptedLag:    *cs.AcceptedLag,
		EchoCommands:   *cs.EchoCommands,
	}
	for _, p := range cs.Players {
		spec.Players = append(spec.Players, multiplayer.ParticipantID(p))
	}
	return spec
}

func (a *api) createSession(w http.ResponseWriter, r *http.Request) {
	var req config.SessionSpec
	defer r.Body.Close()
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		httpError(w, "invalid payload", http.StatusBadRequest)
		return
	}

	spec := BuildSpec(a.defs, req)
	s, err := a.manager.Create(spec)
	switch {
	case errors.Is(err, multiplayer.ErrInvalidSpec), errors.Is(err, multiplayer.ErrDuplicateSession):
		httpError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		a.logger.Error("create session failed", "error", err)
		httpError(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := CreateResponse{SessionID: string(s.ID()), Tokens: make(map[string]string, len(spec.Players))}
	for _, p := range spec.Players {
		token, err := a.issuer.Issue(string(s.ID()), string(p))
		if err != nil {
			a.logger.Error("issue token failed", "session", s.ID(), "error", err)
			_ = a.manager.Remove(s.ID(), multiplayer.CloseReasonRemoved) //nolint:errcheck // just created
			httpError(w, "internal error", http.StatusInternalServerError)
			return
		}
		resp.Tokens[string(p)] = token
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *api) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.manager.List())
}

func (a *api) getSession(w http.ResponseWriter, r *http.Request) {
	s, ok := a.manager.Get(multiplayer.SessionID(r.PathValue("id")))
	if !ok {
		httpError(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.Summary())
}

func (a *api) deleteSession(w http.ResponseWriter, r *http.Request) {
	err := a.manager.Remove(multiplayer.SessionID(r.PathValue("id")), multiplayer.CloseReasonRemoved)
	if errors.Is(err, multiplayer.ErrUnknownSession) {
		httpError(w, "session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) listHistory(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		httpError(w, "history disabled", http.StatusNotFound)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httpError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	var (
		records []storage.SessionRecord
		err     error
	)
	if pid := r.URL.Query().Get("participant"); pid != "" {
		records, err = a.history.ParticipantHistory(pid, limit)
	} else {
		records, err = a.history.RecentSessions(limit)
	}
	if err != nil {
		a.logger.Error("history query failed", "error", err)
		httpError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []storage.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (a *api) getHistory(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		httpError(w, "history disabled", http.StatusNotFound)
		return
	}
	rec, err := a.history.SessionByID(r.PathValue("id"))
	switch {
	case err != nil:
		a.logger.Error("history lookup failed", "error", err)
		httpError(w, "internal error", http.StatusInternalServerError)
	case rec == nil:
		httpError(w, "session not found", http.StatusNotFound)
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

func (a *api) historyStats(w http.ResponseWriter, _ *http.Request) {
	if a.history == nil {
		httpError(w, "history disabled", http.StatusNotFound)
		return
	}
	stats, err := a.history.Stats()
	if err != nil {
		a.logger.Error("history stats failed", "error", err)
		httpError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// resolve maps a join token to the participant's endpoint.
func (a *api) resolve(r *http.Request) (ws.Endpoint, error) {
	claims, err := a.issuer.Verify(r.URL.Query().Get("token"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ws.ErrUnauthorized, err)
	}
	s, ok := a.manager.Get(multiplayer.SessionID(claims.Session))
	if !ok || s.Closed() {
		return nil, fmt.Errorf("%w: session %s", ws.ErrNotFound, claims.Session)
	}
	pid := multiplayer.ParticipantID(claims.Participant)
	if _, ok := s.Participant(pid); !ok {
		return nil, fmt.Errorf("%w: participant %s", ws.ErrNotFound, pid)
	}
	return endpoint{session: s, id: pid}, nil
}

// endpoint binds a websocket to one participant of one session.
type endpoint struct {
	session *multiplayer.Session
	id      multiplayer.ParticipantID
}

func (e endpoint) Attach(conn channel.Conn) error { return e.session.Attach(e.id, conn) }
func (e endpoint) Detach(conn channel.Conn)       { e.session.Detach(e.id, conn) }
func (e endpoint) Receive(frame string) error     { return e.session.Receive(e.id, frame) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		httpError(w, "failed to encode", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data) //nolint:errcheck // client gone
}

func httpError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg}) //nolint:errcheck // client gone
}
