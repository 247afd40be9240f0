package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/viva/internal/config"
	"github.com/ent0n29/viva/internal/observability"
	"github.com/ent0n29/viva/internal/session"
	"github.com/ent0n29/viva/internal/transcript"
)

// Launcher builds idle session controllers for the API.
type Launcher interface {
	NewSession(req session.StartRequest) *session.Controller
}

type Server struct {
	cfg         config.Config
	sessions    *session.Manager
	launcher    Launcher
	transcripts transcript.Store
	metrics     *observability.Metrics
	log         *logrus.Entry
	upgrader    websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, launcher Launcher, transcripts transcript.Store, metrics *observability.Metrics, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		cfg:         cfg,
		sessions:    sessions,
		launcher:    launcher,
		transcripts: transcripts,
		metrics:     metrics,
		log:         log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may watch a session unless configured otherwise.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/sessions", s.handleStartSession)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Get("/v1/sessions/{id}/ws", s.handleSessionWS)
	r.Get("/v1/transcripts", s.handleListTranscripts)
	r.Get("/v1/transcripts/{id}", s.handleGetTranscript)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
		"live_transport":  s.cfg.LiveTransport,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.launcher == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "session launcher not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	if s.launcher == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "session launcher not configured")
		return
	}
	var req session.StartRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.StudentID = strings.TrimSpace(req.StudentID)

	c := s.launcher.NewSession(req)
	if err := s.sessions.Add(req.StudentID, c); err != nil {
		respondError(w, http.StatusConflict, "session_running", err.Error())
		return
	}

	// Setup has no deadline of its own; it ends when the client goes away.
	if err := c.Start(r.Context()); err != nil {
		log := s.log.WithFields(logrus.Fields{"session_id": c.ID(), "student_id": req.StudentID}).WithError(err)
		switch {
		case errors.Is(err, session.ErrPermission):
			s.sessions.Remove(c.ID())
			log.Warn("session start refused")
			respondError(w, http.StatusForbidden, "permission_denied", err.Error())
		case errors.Is(err, session.ErrEndedDuringSetup):
			log.Info("session ended during setup")
			respondError(w, http.StatusConflict, "session_ended", err.Error())
		case c.State() == session.StateIdle:
			s.sessions.Remove(c.ID())
			log.Info("session start abandoned")
			respondError(w, http.StatusServiceUnavailable, "start_abandoned", err.Error())
		default:
			log.Error("session start failed")
			respondError(w, http.StatusBadGateway, "connect_failed", err.Error())
		}
		return
	}

	snap := c.Snapshot()
	respondJSON(w, http.StatusCreated, session.StartResponse{
		SessionID: snap.ID,
		State:     snap.State,
		StartedAt: snap.StartedAt,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, c.Snapshot())
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	snap, err := s.sessions.End(id)
	if errors.Is(err, session.ErrNotFound) {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if err != nil {
		// The session is ended regardless; cleanup errors are only reported.
		s.log.WithField("session_id", id).WithError(err).Warn("session ended with cleanup errors")
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListTranscripts(w http.ResponseWriter, r *http.Request) {
	if s.transcripts == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "transcript store not configured")
		return
	}
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := parsePositiveInt(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_limit", err.Error())
			return
		}
		limit = min(n, 200)
	}
	records, err := s.transcripts.Recent(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"transcripts": records})
}

func (s *Server) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	if s.transcripts == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "transcript store not configured")
		return
	}
	rec, err := s.transcripts.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, transcript.ErrNotFound) {
		respondError(w, http.StatusNotFound, "transcript_not_found", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Controller, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return nil, false
	}
	c, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, false
	}
	return c, true
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func parsePositiveInt(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return n, nil
}
