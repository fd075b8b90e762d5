package sessions

import (
	"sync"
	"time"

	"github.com/sean85120/ccbot/internal/models"
)

// PendingState distinguishes a plain approval from a guided question flow.
type PendingState interface {
	pendingState()
}

// Simple is the state of an ordinary allow/deny approval.
type Simple struct{}

// Guided is the state of a multi-question form.
type Guided struct {
	Ask *models.AskState
}

func (Simple) pendingState() {}
func (Guided) pendingState() {}

// PendingApproval is an outstanding permission decision for a session.
type PendingApproval struct {
	ID              string
	ToolName        string
	ToolInput       map[string]any
	NotificationRef string
	CreatedAt       time.Time
	State           PendingState

	resolve func(models.Outcome)
}

// NewPendingApproval builds a pending approval. resolve runs at most once.
func NewPendingApproval(id, toolName string, input map[string]any, ref string, state PendingState, createdAt time.Time, resolve func(models.Outcome)) *PendingApproval {
	if state == nil {
		state = Simple{}
	}
	var once sync.Once
	return &PendingApproval{
		ID:              id,
		ToolName:        toolName,
		ToolInput:       input,
		NotificationRef: ref,
		CreatedAt:       createdAt,
		State:           state,
		resolve: func(o models.Outcome) {
			once.Do(func() { resolve(o) })
		},
	}
}

// Ask returns the guided state, or nil for a plain approval.
func (p *PendingApproval) Ask() *models.AskState {
	if g, ok := p.State.(Guided); ok {
		return g.Ask
	}
	return nil
}

// snapshot copies p so callers outside the directory cannot mutate it.
func (p *PendingApproval) snapshot() PendingApproval {
	c := *p
	c.resolve = nil
	if g, ok := p.State.(Guided); ok {
		c.State = Guided{Ask: g.Ask.Clone()}
	}
	return c
}
