// Package runtime drives the agent executions behind each session.
package runtime

import (
	"context"
	"time"

	"github.com/sean85120/ccbot/internal/models"
)

// Permission modes understood by Query.
const (
	PermissionModeDefault     = "default"
	PermissionModeAcceptEdits = "acceptEdits"
	PermissionModeBypass      = "bypassPermissions"
)

// EventType identifies a runtime event.
type EventType string

const (
	EventInit      EventType = "init"
	EventTextDelta EventType = "text_delta"
	EventAssistant EventType = "assistant"
	EventResult    EventType = "result"
)

// ToolUse is a tool invocation requested by the model.
type ToolUse struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// Result summarizes a finished query.
type Result struct {
	Success          bool          `json:"success"`
	Text             string        `json:"text,omitempty"`
	Error            string        `json:"error,omitempty"`
	Model            string        `json:"model"`
	InputTokens      int64         `json:"input_tokens"`
	OutputTokens     int64         `json:"output_tokens"`
	CacheReadTokens  int64         `json:"cache_read_tokens"`
	CacheWriteTokens int64         `json:"cache_write_tokens"`
	CostUSD          float64       `json:"cost_usd"`
	Duration         time.Duration `json:"duration"`
	Turns            int           `json:"turns"`
}

// Event is one message from a running query.
type Event struct {
	Type      EventType
	SessionID string    // EventInit
	Text      string    // EventTextDelta fragment or EventAssistant text
	ToolUses  []ToolUse // EventAssistant
	Result    *Result   // EventResult
}

// CanUseToolFunc asks whether a tool call may proceed. It may block for as
// long as a human takes to decide.
type CanUseToolFunc func(ctx context.Context, toolName string, input map[string]any) models.Outcome

// QueryOptions configures one Query call.
type QueryOptions struct {
	Cwd            string
	Model          string
	PermissionMode string
	// ResumeToken continues an earlier conversation. Empty starts a new one.
	ResumeToken string
	CanUseTool  CanUseToolFunc
	OnEvent     func(Event)
}

// Runtime runs a prompt to completion. Events are delivered through
// opts.OnEvent in order; the returned error is the query's failure, nil
// when it completed. Cancelling ctx aborts the query.
type Runtime interface {
	Query(ctx context.Context, prompt string, opts QueryOptions) error
}

// Forgetter is implemented by runtimes that keep conversation state
// between queries. Forget drops the state behind a resume token.
type Forgetter interface {
	Forget(token string)
}

// editTools are auto-approved in acceptEdits mode.
var editTools = map[string]bool{
	"Edit":         true,
	"MultiEdit":    true,
	"Write":        true,
	"NotebookEdit": true,
}

// NeedsApproval reports whether a tool call must go through CanUseTool.
func NeedsApproval(mode, toolName string) bool {
	switch mode {
	case PermissionModeBypass:
		return false
	case PermissionModeAcceptEdits:
		return !editTools[toolName]
	default:
		return true
	}
}
