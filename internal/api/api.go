package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sean85120/ccbot/internal/agent"
	"github.com/sean85120/ccbot/internal/approval"
	"github.com/sean85120/ccbot/internal/models"
	"github.com/sean85120/ccbot/internal/notify"
	"github.com/sean85120/ccbot/internal/sessions"
	"github.com/sean85120/ccbot/internal/store"
)

// HistoryStore is the subset of store.Store the API reads.
type HistoryStore interface {
	GetSession(ctx context.Context, threadID string) (*models.Session, error)
	ListSessions(ctx context.Context, statuses []models.SessionStatus, limit int) ([]*models.Session, error)
	ListUsage(ctx context.Context, threadID string) ([]*models.UsageRecord, error)
	UsageSummary(ctx context.Context, from, to time.Time) ([]*models.DailyUsage, error)
}

// Server provides the REST API handlers.
type Server struct {
	manager *agent.Manager
	store   HistoryStore
	outbox  *notify.Outbox
	logger  *slog.Logger
}

// NewServer creates a new API server. st may be nil when nothing is persisted.
func NewServer(m *agent.Manager, st HistoryStore, outbox *notify.Outbox, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{manager: m, store: st, outbox: outbox, logger: logger}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("POST /api/v1/sessions", s.startSession)
	mux.HandleFunc("GET /api/v1/sessions/{thread}", s.getSession)
	mux.HandleFunc("POST /api/v1/sessions/{thread}/decision", s.submitDecision)
	mux.HandleFunc("POST /api/v1/sessions/{thread}/answer", s.submitAnswer)
	mux.HandleFunc("POST /api/v1/sessions/{thread}/messages", s.followUp)
	mux.HandleFunc("POST /api/v1/sessions/{thread}/stop", s.stopSession)
	mux.HandleFunc("POST /api/v1/sessions/{thread}/end", s.endSession)
	mux.HandleFunc("GET /api/v1/sessions/{thread}/notifications", s.notifications)
	mux.HandleFunc("GET /api/v1/sessions/{thread}/usage", s.sessionUsage)

	mux.HandleFunc("GET /api/v1/queue", s.queue)
	mux.HandleFunc("GET /api/v1/usage", s.usage)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps engine errors to HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sessions.ErrNotFound), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, agent.ErrSessionExists), errors.Is(err, agent.ErrSessionBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, agent.ErrInvalidRequest),
		errors.Is(err, approval.ErrInvalidOption),
		errors.Is(err, approval.ErrInvalidAnswer):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, approval.ErrEmptySelection):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// --- Sessions ---

type pendingResponse struct {
	ID              string                 `json:"id"`
	ToolName        string                 `json:"tool_name"`
	ToolInput       map[string]any         `json:"tool_input"`
	NotificationRef string                 `json:"notification_ref"`
	CreatedAt       time.Time              `json:"created_at"`
	Step            *approval.QuestionStep `json:"step,omitempty"`
}

type sessionResponse struct {
	*models.Session
	Live            bool             `json:"live"`
	PendingApproval *pendingResponse `json:"pending_approval,omitempty"`
	QueuePosition   int              `json:"queue_position,omitempty"`
}

func (s *Server) liveResponse(sess *models.Session) sessionResponse {
	resp := sessionResponse{Session: sess, Live: true}
	if p, ok := s.manager.PendingApproval(sess.ThreadID); ok {
		pr := &pendingResponse{
			ID:              p.ID,
			ToolName:        p.ToolName,
			ToolInput:       p.ToolInput,
			NotificationRef: p.NotificationRef,
			CreatedAt:       p.CreatedAt,
		}
		if ask := p.Ask(); ask != nil {
			step := approval.RenderStep(ask)
			pr.Step = &step
		}
		resp.PendingApproval = pr
	}
	if sess.Status == models.SessionStatusQueued {
		resp.QueuePosition, _ = s.manager.QueuePosition(sess.ThreadID)
	}
	return resp
}

// listSessions returns live sessions. With ?history=true or a ?status=
// filter it reads persisted snapshots instead.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	statusFilter := q.Get("status")
	history, _ := strconv.ParseBool(q.Get("history"))

	if !history && statusFilter == "" {
		live := s.manager.Sessions()
		result := make([]sessionResponse, 0, len(live))
		for _, sess := range live {
			result = append(result, s.liveResponse(sess))
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if s.store == nil {
		writeError(w, http.StatusNotImplemented, "no session store configured")
		return
	}
	var statuses []models.SessionStatus
	for _, st := range strings.Split(statusFilter, ",") {
		if st = strings.TrimSpace(st); st != "" {
			statuses = append(statuses, models.SessionStatus(st))
		}
	}
	limit := 50
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 {
		limit = l
	}
	snaps, err := s.store.ListSessions(r.Context(), statuses, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	result := make([]sessionResponse, 0, len(snaps))
	for _, sess := range snaps {
		result = append(result, sessionResponse{Session: sess})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req agent.StartRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.manager.Start(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	thread := r.PathValue("thread")
	if sess, ok := s.manager.Session(thread); ok {
		writeJSON(w, http.StatusOK, s.liveResponse(sess))
		return
	}
	if s.store == nil {
		writeServiceError(w, sessions.ErrNotFound)
		return
	}
	sess, err := s.store.GetSession(r.Context(), thread)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: sess})
}

// submitDecision resolves the pending approval. A decision that no longer
// matches one is not an error; it reports resolved=false.
func (s *Server) submitDecision(w http.ResponseWriter, r *http.Request) {
	thread := r.PathValue("thread")
	var d models.Decision
	if !decode(w, r, &d) {
		return
	}
	if d.Behavior != models.BehaviorAllow && d.Behavior != models.BehaviorDeny {
		writeError(w, http.StatusBadRequest, `behavior must be "allow" or "deny"`)
		return
	}
	resolved := s.manager.SubmitDecision(thread, d)
	if !resolved {
		s.logger.Debug("expired decision ignored", "thread", thread, "ref", d.NotificationRef)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resolved": resolved})
}

func (s *Server) submitAnswer(w http.ResponseWriter, r *http.Request) {
	thread := r.PathValue("thread")
	var a approval.QuestionAnswer
	if !decode(w, r, &a) {
		return
	}
	err := s.manager.SubmitQuestionAnswer(r.Context(), thread, a)
	if errors.Is(err, approval.ErrExpired) {
		writeJSON(w, http.StatusOK, map[string]bool{"accepted": false})
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}

func (s *Server) followUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := s.manager.FollowUp(r.Context(), r.PathValue("thread"), body.Text); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": string(models.SessionStatusRunning)})
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Stop(r.Context(), r.PathValue("thread")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.End(r.Context(), r.PathValue("thread")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// notifications returns the thread's outbox. ?since=RFC3339 keeps only
// messages updated after that time.
func (s *Server) notifications(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}
	msgs := s.outbox.Messages(r.PathValue("thread"), since)
	if msgs == nil {
		msgs = []notify.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) sessionUsage(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, "no session store configured")
		return
	}
	records, err := s.store.ListUsage(r.Context(), r.PathValue("thread"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []*models.UsageRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// --- Queue & usage ---

func (s *Server) queue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.QueueSnapshot())
}

// usage aggregates per day and owner. Accepts ?day=YYYY-MM-DD or a
// ?from=&to= range; defaults to today (UTC).
func (s *Server) usage(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, "no session store configured")
		return
	}
	q := r.URL.Query()
	parse := func(key string, def time.Time) (time.Time, bool) {
		v := q.Get(key)
		if v == "" {
			return def, true
		}
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, key+" must be YYYY-MM-DD")
			return time.Time{}, false
		}
		return t, true
	}

	today := time.Now().UTC()
	day, ok := parse("day", today)
	if !ok {
		return
	}
	from, ok := parse("from", day)
	if !ok {
		return
	}
	to, ok := parse("to", day)
	if !ok {
		return
	}

	summary, err := s.store.UsageSummary(r.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if summary == nil {
		summary = []*models.DailyUsage{}
	}
	writeJSON(w, http.StatusOK, summary)
}
