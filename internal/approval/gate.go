// Package approval turns runtime tool permission requests into human
// decisions relayed through the messaging platform.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sean85120/ccbot/internal/models"
	"github.com/sean85120/ccbot/internal/sessions"
)

// Notifier renders approval prompts on the messaging platform.
type Notifier interface {
	// NotifyApprovalRequest posts an allow/deny prompt and returns its ref.
	NotifyApprovalRequest(ctx context.Context, threadID, toolName string, input map[string]any) (string, error)
	// NotifyQuestionStep posts (or, when step.ReplaceRef is set, edits) one
	// step of a guided form and returns the ref of the rendered message.
	NotifyQuestionStep(ctx context.Context, threadID string, step QuestionStep) (string, error)
	NotifyTimeout(ctx context.Context, threadID, toolName string) error
}

// Metrics receives one observation per resolved permission request.
type Metrics interface {
	RecordApproval(ctx context.Context, toolName, result string)
}

// Approval results reported to Metrics.
const (
	ResultAutoAllowed = "auto_allowed"
	ResultAllowed     = "allowed"
	ResultDenied      = "denied"
	ResultTimedOut    = "timed_out"
	ResultStopped     = "stopped"
	ResultFailed      = "failed"
)

// Gate implements the runtime's CanUseTool callback.
type Gate struct {
	dir      *sessions.Directory
	notifier Notifier
	timeout  time.Duration
	metrics  Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithTimeout bounds how long a request waits for a human. Zero waits forever.
func WithTimeout(d time.Duration) GateOption {
	return func(g *Gate) { g.timeout = d }
}

// WithMetrics attaches an approval counter.
func WithMetrics(m Metrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) GateOption {
	return func(g *Gate) { g.logger = l }
}

// WithClock overrides the time source used for approval timestamps.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a gate over dir.
func NewGate(dir *sessions.Directory, notifier Notifier, opts ...GateOption) *Gate {
	g := &Gate{
		dir:      dir,
		notifier: notifier,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CanUseTool blocks until the tool call is allowed or denied. ctx is the
// session's cancellation signal. Every failure resolves to a deny.
func (g *Gate) CanUseTool(ctx context.Context, threadID, toolName string, input map[string]any) models.Outcome {
	if input == nil {
		input = map[string]any{}
	}
	log := g.logger.With("thread", threadID, "tool", toolName)

	if _, ok := g.dir.Get(threadID); !ok {
		return g.finish(ctx, toolName, ResultFailed, models.Deny("Session not found"))
	}
	if g.dir.IsToolAllowed(threadID, toolName) {
		log.Debug("tool pre-approved")
		return g.finish(ctx, toolName, ResultAutoAllowed, models.Allow(input))
	}
	if ctx.Err() != nil {
		return g.finish(ctx, toolName, ResultStopped, models.Deny(models.ReasonStopped))
	}

	var (
		state sessions.PendingState = sessions.Simple{}
		ref   string
		err   error
	)
	if questions, ok := ParseQuestions(input); ok {
		ask := NewAskState(questions)
		state = sessions.Guided{Ask: ask}
		ref, err = g.notifier.NotifyQuestionStep(ctx, threadID, RenderStep(ask))
	} else {
		ref, err = g.notifier.NotifyApprovalRequest(ctx, threadID, toolName, input)
	}
	if err != nil {
		log.Error("approval request not delivered", "error", err)
		return g.finish(ctx, toolName, ResultFailed, models.Deny(fmt.Sprintf("Failed to request approval: %v", err)))
	}

	result := make(chan models.Outcome, 1)
	timer := &timerSlot{}
	created := g.now()
	pending := sessions.NewPendingApproval(ulid.Make().String(), toolName, input, ref, state, created, func(o models.Outcome) {
		timer.stop()
		result <- fillDefaults(o, input)
	})
	if err := g.dir.SetPendingApproval(threadID, pending); err != nil {
		log.Error("approval not registered", "error", err)
		return g.finish(ctx, toolName, ResultFailed, models.Deny(fmt.Sprintf("Failed to request approval: %v", err)))
	}

	if g.timeout > 0 {
		timer.arm(g.timeout-g.now().Sub(created), func() {
			if !g.dir.ResolvePendingApprovalIf(threadID, pending.ID, models.Deny(models.ReasonTimedOut)) {
				return
			}
			log.Info("approval timed out")
			if err := g.notifier.NotifyTimeout(context.WithoutCancel(ctx), threadID, toolName); err != nil {
				log.Warn("timeout notice not delivered", "error", err)
			}
		})
	}

	var outcome models.Outcome
	select {
	case outcome = <-result:
	case <-ctx.Done():
		g.dir.ResolvePendingApprovalIf(threadID, pending.ID, models.Deny(models.ReasonStopped))
		select {
		case outcome = <-result:
		default:
			outcome = models.Deny(models.ReasonStopped)
		}
	}
	return g.finish(ctx, toolName, classify(outcome), outcome)
}

// Decide applies a human decision to the thread's pending approval. It
// reports false when nothing matching d.NotificationRef is pending.
func (g *Gate) Decide(threadID string, d models.Decision) bool {
	var outcome models.Outcome
	switch d.Behavior {
	case models.BehaviorAllow:
		outcome = models.Outcome{Behavior: models.BehaviorAllow, UpdatedInput: d.UpdatedInput}
	case models.BehaviorDeny:
		outcome = models.Outcome{Behavior: models.BehaviorDeny, Message: d.Reason}
	default:
		return false
	}
	p, ok := g.dir.ResolvePendingApprovalRef(threadID, d.NotificationRef, outcome, d.AlwaysAllow)
	if !ok {
		g.logger.Debug("decision for expired request ignored", "thread", threadID, "ref", d.NotificationRef)
		return false
	}
	g.logger.Info("approval decided", "thread", threadID, "tool", p.ToolName, "behavior", d.Behavior, "always", d.AlwaysAllow)
	return true
}

func (g *Gate) finish(ctx context.Context, toolName, result string, o models.Outcome) models.Outcome {
	if g.metrics != nil {
		g.metrics.RecordApproval(context.WithoutCancel(ctx), toolName, result)
	}
	return o
}

// fillDefaults completes an outcome: an allow without input keeps the
// original input and a deny without reason reads "User denied".
func fillDefaults(o models.Outcome, input map[string]any) models.Outcome {
	switch o.Behavior {
	case models.BehaviorAllow:
		if o.UpdatedInput == nil {
			o.UpdatedInput = input
		}
		o.Message = ""
	default:
		o.Behavior = models.BehaviorDeny
		if o.Message == "" {
			o.Message = models.ReasonUserDenied
		}
		o.UpdatedInput = nil
	}
	return o
}

func classify(o models.Outcome) string {
	switch {
	case o.Allowed():
		return ResultAllowed
	case o.Message == models.ReasonTimedOut:
		return ResultTimedOut
	case o.Message == models.ReasonStopped:
		return ResultStopped
	default:
		return ResultDenied
	}
}

// timerSlot is a timeout that can be stopped before it is armed.
type timerSlot struct {
	mu      sync.Mutex
	t       *time.Timer
	stopped bool
}

func (s *timerSlot) arm(d time.Duration, f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.t = time.AfterFunc(max(d, 0), f)
}

func (s *timerSlot) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.t != nil {
		s.t.Stop()
	}
}
