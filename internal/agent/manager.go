// Package agent runs sessions: it admits start requests through the project
// queue, drives the runtime for each turn and reacts to its events.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sean85120/ccbot/internal/approval"
	"github.com/sean85120/ccbot/internal/models"
	"github.com/sean85120/ccbot/internal/queue"
	"github.com/sean85120/ccbot/internal/runtime"
	"github.com/sean85120/ccbot/internal/sessions"
	"github.com/sean85120/ccbot/internal/stream"
	"github.com/sean85120/ccbot/internal/telemetry"
)

var (
	ErrSessionExists  = errors.New("thread already has a session")
	ErrSessionBusy    = errors.New("session is not waiting for input")
	ErrInvalidRequest = errors.New("invalid request")
)

// Notifier is the part of the messaging platform the manager talks to
// directly. Approval prompts and streamed text go through the gate and the
// coalescer.
type Notifier interface {
	NotifyQueuePosition(ctx context.Context, threadID string, position int) error
	NotifyStatus(ctx context.Context, threadID string, status models.SessionStatus, text string) error
}

// HistoryForgetter is implemented by notifiers that keep per-thread
// message history.
type HistoryForgetter interface {
	Forget(threadID string)
}

// Store is the subset of store.Store the manager persists to.
type Store interface {
	SaveSession(ctx context.Context, s *models.Session) error
	ListSessions(ctx context.Context, statuses []models.SessionStatus, limit int) ([]*models.Session, error)
	SaveQueueEntry(ctx context.Context, e *models.QueueEntry) error
	DeleteQueueEntry(ctx context.Context, id string) error
	ListQueueEntries(ctx context.Context, projectPath string) ([]*models.QueueEntry, error)
	RecordUsage(ctx context.Context, u *models.UsageRecord) error
}

// Metrics receives session, admission and query observations.
type Metrics interface {
	RecordAdmission(ctx context.Context, project string, queued bool)
	RecordSessionStarted(ctx context.Context, project string)
	RecordSessionEnded(ctx context.Context, status string)
	RecordQuery(ctx context.Context, q telemetry.Query)
}

// Config wires a Manager. Directory, Gate, Queue, Coalescer, Runtime and
// Notifier are required.
type Config struct {
	Directory *sessions.Directory
	Gate      *approval.Gate
	Queue     *queue.Queue
	Coalescer *stream.Coalescer
	Runtime   runtime.Runtime
	Notifier  Notifier
	Store     Store   // optional
	Metrics   Metrics // optional
	Logger    *slog.Logger

	DefaultModel   string
	PermissionMode string
	// IdleTimeout ends sessions left waiting for input this long. Zero disables.
	IdleTimeout time.Duration

	// HistoryRetention is how long an ended thread's notification history
	// is kept when the Notifier is a HistoryForgetter. Zero keeps it.
	HistoryRetention time.Duration

	Now func() time.Time
}

// StartRequest asks for a new session on a thread.
type StartRequest struct {
	ThreadID    string `json:"thread_id"`
	OwnerUserID string `json:"owner_user_id"`
	Prompt      string `json:"prompt"`
	ProjectPath string `json:"project_path"`
	Model       string `json:"model,omitempty"`
}

// StartResult tells whether the session started or was queued.
type StartResult struct {
	Queued       bool   `json:"queued"`
	Position     int    `json:"position,omitempty"`
	QueueEntryID string `json:"queue_entry_id,omitempty"`
}

// Manager owns the lifecycle of every session.
type Manager struct {
	cfg    Config
	dir    *sessions.Directory
	logger *slog.Logger

	wg      sync.WaitGroup
	mu      sync.Mutex
	closing bool
}

// New creates a manager.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.Noop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PermissionMode == "" {
		cfg.PermissionMode = runtime.PermissionModeDefault
	}
	return &Manager{cfg: cfg, dir: cfg.Directory, logger: cfg.Logger}
}

// Start admits a new session for req.ThreadID. When another session holds
// the project the request is queued and its position reported.
func (m *Manager) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.ThreadID == "" || req.ProjectPath == "" || req.Prompt == "" {
		return StartResult{}, fmt.Errorf("%w: thread_id, project_path and prompt are required", ErrInvalidRequest)
	}
	if req.Model == "" {
		req.Model = m.cfg.DefaultModel
	}
	res, kick, err := m.admit(ctx, req)
	if kick {
		// Queued behind waiters while nothing holds the project: a session
		// just ended and its promotion has not run yet.
		m.promote(req.ProjectPath)
	}
	return res, err
}

// admit creates the session under the project lock. Requests wait behind
// already queued ones even when nothing runs, so admission stays FIFO.
// kick reports that the queue should be promoted after unlocking.
func (m *Manager) admit(ctx context.Context, req StartRequest) (StartResult, bool, error) {
	log := m.logger.With("thread", req.ThreadID, "project", req.ProjectPath)

	unlock := m.cfg.Queue.Lock(req.ProjectPath)
	defer unlock()

	held := m.cfg.Queue.IsBusy(req.ProjectPath, m.dir)
	busy := held || len(m.cfg.Queue.List(req.ProjectPath)) > 0
	status := models.SessionStatusRunning
	if busy {
		status = models.SessionStatusQueued
	}
	sess := models.NewSession(req.ThreadID, req.OwnerUserID, req.ProjectPath, req.Model, status, m.cfg.Now())
	if err := m.dir.Create(sess); err != nil {
		if errors.Is(err, sessions.ErrExists) {
			return StartResult{}, false, ErrSessionExists
		}
		return StartResult{}, false, err
	}
	m.cfg.Metrics.RecordAdmission(ctx, req.ProjectPath, busy)

	if busy {
		entry := &models.QueueEntry{
			ID:          ulid.Make().String(),
			OwnerUserID: req.OwnerUserID,
			Prompt:      req.Prompt,
			ProjectPath: req.ProjectPath,
			Model:       req.Model,
			ThreadID:    req.ThreadID,
			EnqueuedAt:  m.cfg.Now(),
		}
		pos := m.cfg.Queue.Enqueue(req.ProjectPath, entry)
		m.persist(req.ThreadID)
		if m.cfg.Store != nil {
			if err := m.cfg.Store.SaveQueueEntry(context.WithoutCancel(ctx), entry); err != nil {
				log.Warn("persist queue entry failed", "error", err)
			}
		}
		if err := m.cfg.Notifier.NotifyQueuePosition(ctx, req.ThreadID, pos); err != nil {
			log.Warn("queue position notification failed", "error", err)
		}
		log.Info("session queued", "position", pos)
		return StartResult{Queued: true, Position: pos, QueueEntryID: entry.ID}, !held, nil
	}

	log.Info("session started")
	m.cfg.Metrics.RecordSessionStarted(ctx, req.ProjectPath)
	m.launch(req.ThreadID, req.Prompt, "")
	return StartResult{}, false, nil
}

// FollowUp sends another user message to a session that finished its turn.
func (m *Manager) FollowUp(ctx context.Context, threadID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("%w: empty message", ErrInvalidRequest)
	}
	var token string
	admitted := false
	found := m.dir.Update(threadID, func(s *models.Session) {
		if s.Status == models.SessionStatusWaitingForInput {
			s.Status = models.SessionStatusRunning
			token = s.RuntimeSessionID
			admitted = true
		}
	})
	if !found {
		return sessions.ErrNotFound
	}
	if !admitted {
		return ErrSessionBusy
	}
	m.logger.Debug("follow-up", "thread", threadID)
	m.launch(threadID, text, token)
	return nil
}

// SubmitDecision relays an allow/deny decision. It reports false when the
// decision no longer matches a pending approval.
func (m *Manager) SubmitDecision(threadID string, d models.Decision) bool {
	return m.cfg.Gate.Decide(threadID, d)
}

// SubmitQuestionAnswer relays one guided-form interaction.
func (m *Manager) SubmitQuestionAnswer(ctx context.Context, threadID string, a approval.QuestionAnswer) error {
	return m.cfg.Gate.Answer(ctx, threadID, a)
}

// Stop aborts the session's run, denies any pending approval and removes
// the session. The next queued request for the project is promoted.
func (m *Manager) Stop(ctx context.Context, threadID string) error {
	sess, ok := m.dir.Get(threadID)
	if !ok {
		return sessions.ErrNotFound
	}
	m.dir.Cancel(threadID)
	m.terminate(ctx, sess, models.SessionStatusCompleted, models.ReasonStopped, "stopped")
	_ = m.cfg.Notifier.NotifyStatus(ctx, threadID, models.SessionStatusCompleted, models.ReasonStopped+".")
	m.logger.Info("session stopped", "thread", threadID)
	return nil
}

// End completes a session that is idle or still queued.
func (m *Manager) End(ctx context.Context, threadID string) error {
	var prev models.SessionStatus
	found := m.dir.Update(threadID, func(s *models.Session) {
		prev = s.Status
		if s.Status == models.SessionStatusWaitingForInput || s.Status == models.SessionStatusQueued {
			s.Status = models.SessionStatusCompleted
		}
	})
	if !found {
		return sessions.ErrNotFound
	}
	if prev != models.SessionStatusWaitingForInput && prev != models.SessionStatusQueued {
		return ErrSessionBusy
	}
	sess, ok := m.dir.Get(threadID)
	if !ok {
		return nil
	}
	sess.Status = prev
	m.terminate(ctx, sess, models.SessionStatusCompleted, "", "completed")
	_ = m.cfg.Notifier.NotifyStatus(ctx, threadID, models.SessionStatusCompleted, "Session ended.")
	m.logger.Info("session ended", "thread", threadID)
	return nil
}

// terminate removes sess with a final status and frees its project.
// sess carries the status it had before termination.
func (m *Manager) terminate(ctx context.Context, sess *models.Session, final models.SessionStatus, lastError, metric string) {
	removed, ok := m.dir.Remove(sess.ThreadID)
	if !ok {
		return
	}
	m.cfg.Coalescer.Close(sess.ThreadID)
	if sess.Status == models.SessionStatusQueued {
		m.dropQueued(ctx, sess.ThreadID, sess.ProjectPath)
	}

	removed.Status = final
	if lastError != "" {
		removed.LastError = lastError
	}
	m.save(ctx, removed)
	m.forget(removed.RuntimeSessionID)
	m.expireHistory(sess.ThreadID)
	m.cfg.Metrics.RecordSessionEnded(ctx, metric)

	if sess.Status != models.SessionStatusQueued {
		m.promote(sess.ProjectPath)
	}
}

// expireHistory drops the thread's notification history once the retention
// period passes, unless a new session took the thread meanwhile.
func (m *Manager) expireHistory(threadID string) {
	f, ok := m.cfg.Notifier.(HistoryForgetter)
	if !ok || m.cfg.HistoryRetention <= 0 {
		return
	}
	time.AfterFunc(m.cfg.HistoryRetention, func() {
		if _, live := m.dir.Get(threadID); !live {
			f.Forget(threadID)
		}
	})
}

func (m *Manager) dropQueued(ctx context.Context, threadID, project string) {
	for _, e := range m.cfg.Queue.List(project) {
		if e.ThreadID != threadID {
			continue
		}
		m.cfg.Queue.Remove(e.ID)
		m.deleteEntry(ctx, e.ID)
	}
	m.notifyPositions(ctx, project)
}

func (m *Manager) deleteEntry(ctx context.Context, id string) {
	if m.cfg.Store == nil {
		return
	}
	if err := m.cfg.Store.DeleteQueueEntry(context.WithoutCancel(ctx), id); err != nil {
		m.logger.Warn("delete queue entry failed", "entry", id, "error", err)
	}
}

// promote starts the next queued request for project if nothing else holds
// it. Entries whose session was removed or left the queued state in the
// meantime are dropped.
func (m *Manager) promote(project string) {
	if m.isClosing() {
		return
	}
	ctx := context.Background()
	unlock := m.cfg.Queue.Lock(project)
	defer unlock()

	if m.cfg.Queue.IsBusy(project, m.dir) {
		return
	}
	for {
		e := m.cfg.Queue.Dequeue(project)
		if e == nil {
			return
		}
		m.deleteEntry(ctx, e.ID)

		promoted := false
		m.dir.Update(e.ThreadID, func(s *models.Session) {
			if s.Status == models.SessionStatusQueued {
				s.Status = models.SessionStatusRunning
				promoted = true
			}
		})
		if !promoted {
			m.logger.Debug("skipping stale queue entry", "thread", e.ThreadID, "project", project)
			continue
		}

		m.logger.Info("queued session promoted", "thread", e.ThreadID, "project", project)
		m.cfg.Metrics.RecordSessionStarted(ctx, project)
		_ = m.cfg.Notifier.NotifyStatus(ctx, e.ThreadID, models.SessionStatusRunning, "Your queued task is starting.")
		m.launch(e.ThreadID, e.Prompt, "")
		m.notifyPositions(ctx, project)
		return
	}
}

// notifyPositions tells every still-queued thread of project its position.
func (m *Manager) notifyPositions(ctx context.Context, project string) {
	for i, e := range m.cfg.Queue.List(project) {
		if err := m.cfg.Notifier.NotifyQueuePosition(ctx, e.ThreadID, i+1); err != nil {
			m.logger.Warn("queue position notification failed", "thread", e.ThreadID, "error", err)
		}
	}
}

// Session returns a copy of the live session.
func (m *Manager) Session(threadID string) (*models.Session, bool) {
	return m.dir.Get(threadID)
}

// Sessions returns every live session.
func (m *Manager) Sessions() []*models.Session {
	return m.dir.List()
}

// PendingApproval returns the session's outstanding approval, if any.
func (m *Manager) PendingApproval(threadID string) (sessions.PendingApproval, bool) {
	return m.dir.GetPendingApproval(threadID)
}

// QueuePosition returns the 1-based queue position of a queued thread.
func (m *Manager) QueuePosition(threadID string) (int, bool) {
	_, pos, ok := m.cfg.Queue.Position(threadID)
	return pos, ok
}

// QueueSnapshot returns every project's queue in order.
func (m *Manager) QueueSnapshot() map[string][]models.QueueEntry {
	out := make(map[string][]models.QueueEntry)
	for _, p := range m.cfg.Queue.Projects() {
		out[p] = m.cfg.Queue.List(p)
	}
	return out
}

// Wait blocks until every run started so far has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown cancels all runs and waits for them, or for ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()

	for _, s := range m.dir.List() {
		m.dir.Cancel(s.ThreadID)
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) isClosing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closing
}

// persist saves the live session's snapshot. Failures are logged.
func (m *Manager) persist(threadID string) {
	if m.cfg.Store == nil {
		return
	}
	if sess, ok := m.dir.Get(threadID); ok {
		m.save(context.Background(), sess)
	}
}

func (m *Manager) save(ctx context.Context, sess *models.Session) {
	if m.cfg.Store == nil {
		return
	}
	if err := m.cfg.Store.SaveSession(context.WithoutCancel(ctx), sess); err != nil {
		m.logger.Warn("persist session failed", "thread", sess.ThreadID, "error", err)
	}
}
