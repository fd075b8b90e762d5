package notify

import (
	"context"
	"log/slog"

	"github.com/sean85120/ccbot/internal/approval"
	"github.com/sean85120/ccbot/internal/models"
)

// Logging wraps a Notifier and logs every notification it sends.
type Logging struct {
	next   Notifier
	logger *slog.Logger
}

// WithLogging returns next decorated with debug logging.
func WithLogging(next Notifier, logger *slog.Logger) *Logging {
	return &Logging{next: next, logger: logger}
}

func (l *Logging) done(msg, threadID string, err error, args ...any) {
	args = append([]any{"thread", threadID}, args...)
	if err != nil {
		l.logger.Warn(msg+" failed", append(args, "error", err)...)
		return
	}
	l.logger.Debug(msg, args...)
}

func (l *Logging) NotifyApprovalRequest(ctx context.Context, threadID, toolName string, input map[string]any) (string, error) {
	ref, err := l.next.NotifyApprovalRequest(ctx, threadID, toolName, input)
	l.done("approval request", threadID, err, "tool", toolName, "ref", ref)
	return ref, err
}

func (l *Logging) NotifyQuestionStep(ctx context.Context, threadID string, step approval.QuestionStep) (string, error) {
	ref, err := l.next.NotifyQuestionStep(ctx, threadID, step)
	l.done("question step", threadID, err, "index", step.Index, "total", step.Total, "ref", ref)
	return ref, err
}

func (l *Logging) NotifyTimeout(ctx context.Context, threadID, toolName string) error {
	err := l.next.NotifyTimeout(ctx, threadID, toolName)
	l.done("approval timeout", threadID, err, "tool", toolName)
	return err
}

func (l *Logging) NotifyQueuePosition(ctx context.Context, threadID string, position int) error {
	err := l.next.NotifyQueuePosition(ctx, threadID, position)
	l.done("queue position", threadID, err, "position", position)
	return err
}

func (l *Logging) NotifyStatus(ctx context.Context, threadID string, status models.SessionStatus, text string) error {
	err := l.next.NotifyStatus(ctx, threadID, status, text)
	l.done("status", threadID, err, "status", status)
	return err
}

func (l *Logging) NotifyStreamUpdate(ctx context.Context, threadID, ref, text string, final bool) (string, error) {
	out, err := l.next.NotifyStreamUpdate(ctx, threadID, ref, text, final)
	l.done("stream update", threadID, err, "ref", out, "final", final, "len", len(text))
	return out, err
}

// Forget drops the thread's history when the wrapped notifier keeps one.
func (l *Logging) Forget(threadID string) {
	if f, ok := l.next.(interface{ Forget(string) }); ok {
		f.Forget(threadID)
		l.logger.Debug("history dropped", "thread", threadID)
	}
}

func (l *Logging) DeleteMessage(ctx context.Context, threadID, ref string) error {
	err := l.next.DeleteMessage(ctx, threadID, ref)
	l.done("delete message", threadID, err, "ref", ref)
	return err
}
