package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/sean85120/ccbot/internal/models"
)

// ReasonInterrupted marks sessions that were running when the process died.
const ReasonInterrupted = "interrupted by restart"

// Restore rebuilds the directory and queues from the store after a restart.
// Queued sessions are re-enqueued in their original order and idle sessions
// come back waiting for input. Sessions caught mid-run cannot be resumed;
// they are marked as errors. Each project with restored entries then gets a
// promotion pass.
func (m *Manager) Restore(ctx context.Context) error {
	if m.cfg.Store == nil {
		return nil
	}
	snaps, err := m.cfg.Store.ListSessions(ctx, []models.SessionStatus{
		models.SessionStatusRunning,
		models.SessionStatusAwaitingApproval,
		models.SessionStatusWaitingForInput,
		models.SessionStatusQueued,
	}, 0)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	entries, err := m.cfg.Store.ListQueueEntries(ctx, "")
	if err != nil {
		return fmt.Errorf("list queue entries: %w", err)
	}

	queued := make(map[string]*models.Session)
	var restored, interrupted int
	for _, s := range snaps {
		switch s.Status {
		case models.SessionStatusQueued:
			queued[s.ThreadID] = s
		case models.SessionStatusWaitingForInput:
			if err := m.dir.Create(s); err != nil {
				m.logger.Warn("restore session failed", "thread", s.ThreadID, "error", err)
				continue
			}
			restored++
		default:
			s.Status = models.SessionStatusError
			s.LastError = ReasonInterrupted
			m.save(ctx, s)
			interrupted++
		}
	}

	projects := make(map[string]bool)
	for _, e := range entries {
		s, ok := queued[e.ThreadID]
		if !ok {
			m.deleteEntry(ctx, e.ID)
			continue
		}
		delete(queued, e.ThreadID)
		if err := m.dir.Create(s); err != nil {
			m.logger.Warn("restore queued session failed", "thread", s.ThreadID, "error", err)
			m.deleteEntry(ctx, e.ID)
			continue
		}
		m.cfg.Queue.Enqueue(e.ProjectPath, e)
		projects[e.ProjectPath] = true
		restored++
	}
	// Queued snapshots whose entry vanished can never be admitted.
	for _, s := range queued {
		s.Status = models.SessionStatusError
		s.LastError = ReasonInterrupted
		m.save(ctx, s)
		interrupted++
	}

	m.logger.Info("sessions restored", "restored", restored, "interrupted", interrupted)
	for p := range projects {
		m.promote(p)
	}
	return nil
}

// ReapIdle ends sessions that have waited for input longer than the idle
// timeout and returns how many it ended.
func (m *Manager) ReapIdle(ctx context.Context) int {
	if m.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := m.cfg.Now().Add(-m.cfg.IdleTimeout)
	n := 0
	for _, s := range m.dir.List() {
		if s.Status != models.SessionStatusWaitingForInput || s.LastActivityAt.After(cutoff) {
			continue
		}
		if err := m.End(ctx, s.ThreadID); err != nil {
			continue
		}
		m.logger.Info("idle session ended", "thread", s.ThreadID, "idle", m.cfg.Now().Sub(s.LastActivityAt).Round(time.Second))
		n++
	}
	return n
}

// RunReaper calls ReapIdle every interval until ctx is done.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	if m.cfg.IdleTimeout <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ReapIdle(ctx)
		}
	}
}
