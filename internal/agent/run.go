package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/sean85120/ccbot/internal/models"
	"github.com/sean85120/ccbot/internal/runtime"
	"github.com/sean85120/ccbot/internal/telemetry"
)

// launch starts one runtime query for the session in the background with a
// fresh cancellation handle. The run ID ties the goroutine to this session:
// once the thread is stopped and started again, the old run is stale.
func (m *Manager) launch(threadID, prompt, resumeToken string) {
	ctx, cancel := context.WithCancel(context.Background())
	runID := ulid.Make().String()
	m.dir.BeginRun(threadID, runID, cancel)
	m.dir.AppendTranscript(threadID, models.TranscriptUser, prompt)
	m.persist(threadID)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.run(ctx, threadID, runID, prompt, resumeToken)
	}()
}

func (m *Manager) run(ctx context.Context, threadID, runID, prompt, resumeToken string) {
	sess, ok := m.dir.Get(threadID)
	if !ok {
		return
	}
	log := m.logger.With("thread", threadID, "run", runID)

	var (
		result *runtime.Result
		token  = resumeToken
	)
	opts := runtime.QueryOptions{
		Cwd:            sess.ProjectPath,
		Model:          sess.Model,
		PermissionMode: m.cfg.PermissionMode,
		ResumeToken:    resumeToken,
		CanUseTool: func(ctx context.Context, toolName string, input map[string]any) models.Outcome {
			if !m.dir.IsCurrentRun(threadID, runID) {
				return models.Deny(models.ReasonStopped)
			}
			return m.cfg.Gate.CanUseTool(ctx, threadID, toolName, input)
		},
		OnEvent: func(e runtime.Event) {
			switch e.Type {
			case runtime.EventInit:
				token = e.SessionID
			case runtime.EventResult:
				result = e.Result
			}
			m.handleEvent(ctx, sess, runID, token, e)
		},
	}

	log.Debug("query started", "resume", resumeToken != "")
	err := m.cfg.Runtime.Query(ctx, prompt, opts)
	m.finish(ctx, threadID, runID, token, result, err)
}

// handleEvent applies one runtime event to the session. Events of a stale
// run only count toward usage.
func (m *Manager) handleEvent(ctx context.Context, sess *models.Session, runID, token string, e runtime.Event) {
	threadID := sess.ThreadID
	current := m.dir.IsCurrentRun(threadID, runID)
	if !current && e.Type != runtime.EventResult {
		return
	}
	switch e.Type {
	case runtime.EventInit:
		m.dir.UpdateRun(threadID, runID, func(s *models.Session) { s.RuntimeSessionID = e.SessionID })
		m.persist(threadID)

	case runtime.EventTextDelta:
		m.cfg.Coalescer.Partial(ctx, threadID, e.Text)

	case runtime.EventAssistant:
		if e.Text != "" {
			m.dir.AppendTranscript(threadID, models.TranscriptAssistant, e.Text)
		}
		if err := m.cfg.Coalescer.Final(context.WithoutCancel(ctx), threadID, e.Text); err != nil {
			m.logger.Warn("final stream update failed", "thread", threadID, "error", err)
		}
		for _, use := range e.ToolUses {
			m.dir.RecordToolUse(threadID, use.Name)
			m.dir.AppendTranscript(threadID, models.TranscriptToolUse, describeToolUse(use))
		}

	case runtime.EventResult:
		if e.Result == nil {
			return
		}
		bg := context.WithoutCancel(ctx)
		if current {
			m.appendResult(threadID, e.Result)
		}
		m.recordUsage(bg, sess, token, e.Result)
	}
}

func describeToolUse(use runtime.ToolUse) string {
	input, err := json.Marshal(use.Input)
	if err != nil || len(use.Input) == 0 {
		return use.Name
	}
	return fmt.Sprintf("%s %s", use.Name, input)
}

func (m *Manager) appendResult(threadID string, r *runtime.Result) {
	if r.Success {
		m.dir.AppendTranscript(threadID, models.TranscriptResult, fmt.Sprintf("completed in %d turns, $%.4f", r.Turns, r.CostUSD))
	} else if r.Error != "" {
		m.dir.AppendTranscript(threadID, models.TranscriptError, r.Error)
	}
}

// recordUsage books a query's cost against sess, the session the run was
// started for.
func (m *Manager) recordUsage(ctx context.Context, sess *models.Session, token string, r *runtime.Result) {
	threadID := sess.ThreadID
	model := r.Model
	if model == "" {
		model = sess.Model
	}
	m.cfg.Metrics.RecordQuery(ctx, telemetry.Query{
		Model:        model,
		Project:      sess.ProjectPath,
		InputTokens:  r.InputTokens,
		OutputTokens: r.OutputTokens,
		CostUSD:      r.CostUSD,
		Duration:     r.Duration,
		Turns:        r.Turns,
		Success:      r.Success,
	})

	if m.cfg.Store == nil {
		return
	}
	u := &models.UsageRecord{
		ThreadID:         threadID,
		RuntimeSessionID: token,
		OwnerUserID:      sess.OwnerUserID,
		ProjectPath:      sess.ProjectPath,
		Model:            model,
		InputTokens:      r.InputTokens,
		OutputTokens:     r.OutputTokens,
		CacheReadTokens:  r.CacheReadTokens,
		CacheWriteTokens: r.CacheWriteTokens,
		CostUSD:          r.CostUSD,
		DurationMS:       r.Duration.Milliseconds(),
		Turns:            r.Turns,
		Success:          r.Success,
		CreatedAt:        m.cfg.Now(),
	}
	if err := m.cfg.Store.RecordUsage(ctx, u); err != nil {
		m.logger.Warn("record usage failed", "thread", threadID, "error", err)
	}
}

// finish moves the session on once its query returns. A session that was
// stopped meanwhile is already gone, and so is any run that no longer owns
// the thread; during shutdown the last snapshot is left as is.
func (m *Manager) finish(ctx context.Context, threadID, runID, token string, result *runtime.Result, err error) {
	if m.isClosing() {
		return
	}
	if !m.dir.IsCurrentRun(threadID, runID) {
		m.logger.Debug("stale run finished", "thread", threadID, "run", runID)
		m.forget(token)
		return
	}
	sess, ok := m.dir.Get(threadID)
	if !ok {
		return
	}
	bg := context.WithoutCancel(ctx)

	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			// Cancelled without Stop, e.g. a shutdown racing the query.
			return
		}
		msg := err.Error()
		if result != nil && result.Error != "" {
			msg = result.Error
		}
		m.logger.Error("query failed", "thread", threadID, "project", sess.ProjectPath, "error", msg)
		m.dir.Update(threadID, func(s *models.Session) { s.LastError = msg })
		if nerr := m.cfg.Notifier.NotifyStatus(bg, threadID, models.SessionStatusError, "Error: "+msg); nerr != nil {
			m.logger.Warn("status notification failed", "thread", threadID, "error", nerr)
		}
		m.terminate(bg, sess, models.SessionStatusError, msg, "error")
		return
	}

	if !m.dir.UpdateRun(threadID, runID, func(s *models.Session) { s.Status = models.SessionStatusWaitingForInput }) {
		m.forget(token)
		return
	}
	m.persist(threadID)
	text := "Done. Reply to continue or end the session."
	if result != nil && result.Turns > 0 {
		text = fmt.Sprintf("Done in %d turns ($%.4f). Reply to continue or end the session.", result.Turns, result.CostUSD)
	}
	if nerr := m.cfg.Notifier.NotifyStatus(bg, threadID, models.SessionStatusWaitingForInput, text); nerr != nil {
		m.logger.Warn("status notification failed", "thread", threadID, "error", nerr)
	}
	m.logger.Info("turn finished", "thread", threadID)
}

// forget releases the runtime's conversation state for token, when the
// runtime keeps any.
func (m *Manager) forget(token string) {
	if token == "" {
		return
	}
	if f, ok := m.cfg.Runtime.(runtime.Forgetter); ok {
		f.Forget(token)
	}
}
