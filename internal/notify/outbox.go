// Package notify is the messaging-platform side of the engine: everything
// the engine tells users goes through a Notifier.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sean85120/ccbot/internal/approval"
	"github.com/sean85120/ccbot/internal/models"
)

// Notifier is the full set of outbound notifications.
type Notifier interface {
	NotifyApprovalRequest(ctx context.Context, threadID, toolName string, input map[string]any) (string, error)
	NotifyQuestionStep(ctx context.Context, threadID string, step approval.QuestionStep) (string, error)
	NotifyTimeout(ctx context.Context, threadID, toolName string) error
	NotifyQueuePosition(ctx context.Context, threadID string, position int) error
	NotifyStatus(ctx context.Context, threadID string, status models.SessionStatus, text string) error
	NotifyStreamUpdate(ctx context.Context, threadID, ref, text string, final bool) (string, error)
	DeleteMessage(ctx context.Context, threadID, ref string) error
}

var ErrUnknownMessage = errors.New("unknown message")

// Kind classifies an outbox message.
type Kind string

const (
	KindApprovalRequest Kind = "approval_request"
	KindQuestionStep    Kind = "question_step"
	KindTimeout         Kind = "timeout"
	KindQueuePosition   Kind = "queue_position"
	KindStatus          Kind = "status"
	KindStream          Kind = "stream"
)

// Message is one rendered notification.
type Message struct {
	Ref       string    `json:"ref"`
	ThreadID  string    `json:"thread_id"`
	Kind      Kind      `json:"kind"`
	Text      string    `json:"text"`
	Data      any       `json:"data,omitempty"`
	Final     bool      `json:"final,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultThreadLimit is the number of messages kept per thread.
const DefaultThreadLimit = 500

// Outbox keeps notifications in memory per thread so clients can poll them.
type Outbox struct {
	mu      sync.Mutex
	threads map[string][]*Message
	limit   int
	now     func() time.Time
}

// NewOutbox creates an outbox keeping at most limit messages per thread.
func NewOutbox(limit int) *Outbox {
	if limit <= 0 {
		limit = DefaultThreadLimit
	}
	return &Outbox{
		threads: make(map[string][]*Message),
		limit:   limit,
		now:     time.Now,
	}
}

func (o *Outbox) post(threadID string, kind Kind, text string, data any, final bool) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	m := &Message{
		Ref:       ulid.Make().String(),
		ThreadID:  threadID,
		Kind:      kind,
		Text:      text,
		Data:      data,
		Final:     final,
		CreatedAt: now,
		UpdatedAt: now,
	}
	msgs := append(o.threads[threadID], m)
	if len(msgs) > o.limit {
		msgs = msgs[len(msgs)-o.limit:]
	}
	o.threads[threadID] = msgs
	return m.Ref
}

// edit updates message ref in place. It reports false when ref is unknown.
func (o *Outbox) edit(threadID, ref, text string, data any, final bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, m := range o.threads[threadID] {
		if m.Ref == ref {
			m.Text = text
			if data != nil {
				m.Data = data
			}
			m.Final = final
			m.UpdatedAt = o.now()
			return true
		}
	}
	return false
}

func (o *Outbox) NotifyApprovalRequest(_ context.Context, threadID, toolName string, input map[string]any) (string, error) {
	body, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode tool input: %w", err)
	}
	text := fmt.Sprintf("Permission requested for %s:\n%s", toolName, body)
	return o.post(threadID, KindApprovalRequest, text, map[string]any{"tool": toolName, "input": input}, false), nil
}

func (o *Outbox) NotifyQuestionStep(_ context.Context, threadID string, step approval.QuestionStep) (string, error) {
	if step.ReplaceRef != "" && o.edit(threadID, step.ReplaceRef, step.Text(), step, false) {
		return step.ReplaceRef, nil
	}
	return o.post(threadID, KindQuestionStep, step.Text(), step, false), nil
}

func (o *Outbox) NotifyTimeout(_ context.Context, threadID, toolName string) error {
	o.post(threadID, KindTimeout, fmt.Sprintf("Permission request for %s timed out and was denied.", toolName), nil, false)
	return nil
}

func (o *Outbox) NotifyQueuePosition(_ context.Context, threadID string, position int) error {
	o.post(threadID, KindQueuePosition, fmt.Sprintf("Project is busy. Queued at position %d.", position), map[string]int{"position": position}, false)
	return nil
}

func (o *Outbox) NotifyStatus(_ context.Context, threadID string, status models.SessionStatus, text string) error {
	o.post(threadID, KindStatus, text, map[string]string{"status": string(status)}, false)
	return nil
}

func (o *Outbox) NotifyStreamUpdate(_ context.Context, threadID, ref, text string, final bool) (string, error) {
	if ref != "" && o.edit(threadID, ref, text, nil, final) {
		return ref, nil
	}
	return o.post(threadID, KindStream, text, nil, final), nil
}

func (o *Outbox) DeleteMessage(_ context.Context, threadID, ref string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	msgs := o.threads[threadID]
	for i, m := range msgs {
		if m.Ref == ref {
			o.threads[threadID] = append(msgs[:i:i], msgs[i+1:]...)
			return nil
		}
	}
	return ErrUnknownMessage
}

// Messages returns copies of the thread's messages, oldest first. A non-zero
// since keeps only messages updated after it.
func (o *Outbox) Messages(threadID string, since time.Time) []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Message
	for _, m := range o.threads[threadID] {
		if !since.IsZero() && !m.UpdatedAt.After(since) {
			continue
		}
		out = append(out, *m)
	}
	return out
}

// Forget drops a thread's history.
func (o *Outbox) Forget(threadID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.threads, threadID)
}
