package models

import (
	"maps"
	"slices"
	"time"
)

// SessionStatus represents the state of an agent session.
type SessionStatus string

const (
	SessionStatusRunning          SessionStatus = "running"
	SessionStatusAwaitingApproval SessionStatus = "awaiting_approval"
	SessionStatusWaitingForInput  SessionStatus = "waiting_for_input"
	SessionStatusQueued           SessionStatus = "queued"
	SessionStatusCompleted        SessionStatus = "completed"
	SessionStatusError            SessionStatus = "error"
)

// Terminal reports whether the status ends a session.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusError
}

// Session is one agent execution bound to a conversation thread.
type Session struct {
	ThreadID         string            `json:"thread_id"`
	RuntimeSessionID string            `json:"runtime_session_id,omitempty"` // resume token issued after the first turn
	Status           SessionStatus     `json:"status"`
	OwnerUserID      string            `json:"owner_user_id"`
	ProjectPath      string            `json:"project_path"`
	Model            string            `json:"model"`
	StartedAt        time.Time         `json:"started_at"`
	LastActivityAt   time.Time         `json:"last_activity_at"`
	ToolUseCounts    map[string]int    `json:"tool_use_counts"`
	TotalToolUses    int               `json:"total_tool_uses"`
	AllowedTools     map[string]bool   `json:"allowed_tools"`
	Transcript       []TranscriptEntry `json:"transcript"`
	LastError        string            `json:"last_error,omitempty"`
}

// NewSession returns a session with its maps initialized.
func NewSession(threadID, owner, projectPath, model string, status SessionStatus, now time.Time) *Session {
	return &Session{
		ThreadID:       threadID,
		Status:         status,
		OwnerUserID:    owner,
		ProjectPath:    projectPath,
		Model:          model,
		StartedAt:      now,
		LastActivityAt: now,
		ToolUseCounts:  make(map[string]int),
		AllowedTools:   make(map[string]bool),
	}
}

// Clone returns a deep copy safe to hand out of the directory.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.ToolUseCounts = maps.Clone(s.ToolUseCounts)
	if c.ToolUseCounts == nil {
		c.ToolUseCounts = make(map[string]int)
	}
	c.AllowedTools = maps.Clone(s.AllowedTools)
	if c.AllowedTools == nil {
		c.AllowedTools = make(map[string]bool)
	}
	c.Transcript = slices.Clone(s.Transcript)
	return &c
}

// AllowedToolNames returns the always-allowed tools in sorted order.
func (s *Session) AllowedToolNames() []string {
	names := make([]string, 0, len(s.AllowedTools))
	for name, ok := range s.AllowedTools {
		if ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}
