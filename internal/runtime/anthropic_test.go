package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sean85120/ccbot/internal/models"
)

const textStream = `event: message_start
data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":12,"output_tokens":1}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"input_tokens":12,"output_tokens":7}}

event: message_stop
data: {"type":"message_stop"}

`

func sseServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAnthropicRuntime_TextQuery(t *testing.T) {
	srv := sseServer(t, textStream)
	rt := NewAnthropicRuntime(AnthropicConfig{APIKey: "test", BaseURL: srv.URL, Model: "claude-sonnet-4-5"})

	var events []Event
	err := rt.Query(context.Background(), "hi", QueryOptions{
		Cwd:     "/repo",
		OnEvent: func(e Event) { events = append(events, e) },
	})
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(events), 5)
	assert.Equal(t, EventInit, events[0].Type)
	token := events[0].SessionID
	assert.NotEmpty(t, token)

	var deltas string
	for _, e := range events {
		if e.Type == EventTextDelta {
			deltas += e.Text
		}
	}
	assert.Equal(t, "Hello world", deltas)

	assistant := events[len(events)-2]
	assert.Equal(t, EventAssistant, assistant.Type)
	assert.Equal(t, "Hello world", assistant.Text)
	assert.Empty(t, assistant.ToolUses)

	last := events[len(events)-1]
	require.Equal(t, EventResult, last.Type)
	assert.True(t, last.Result.Success)
	assert.Equal(t, 1, last.Result.Turns)
	assert.Equal(t, int64(12), last.Result.InputTokens)
	assert.Equal(t, int64(7), last.Result.OutputTokens)
	assert.Equal(t, "Hello world", last.Result.Text)

	// The conversation can be resumed with the issued token.
	assert.Len(t, rt.load(token), 2)
	rt.Forget(token)
	assert.Empty(t, rt.load(token))
}

func TestAnthropicRuntime_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = fmt.Fprint(w, `{"type":"error","error":{"type":"invalid_request_error","message":"bad model"}}`)
	}))
	t.Cleanup(srv.Close)
	rt := NewAnthropicRuntime(AnthropicConfig{APIKey: "test", BaseURL: srv.URL, Model: "nope"})

	var result *Result
	err := rt.Query(context.Background(), "hi", QueryOptions{
		OnEvent: func(e Event) {
			if e.Type == EventResult {
				result = e.Result
			}
		},
	})
	require.Error(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestAnthropicRuntime_ToolboxError(t *testing.T) {
	rt := NewAnthropicRuntime(AnthropicConfig{
		APIKey: "test",
		Tools: func(context.Context, string) (Toolbox, error) {
			return nil, errors.New("no server")
		},
	})
	err := rt.Query(context.Background(), "hi", QueryOptions{})
	assert.ErrorContains(t, err, "no server")
}

type fakeToolbox struct {
	mu    sync.Mutex
	calls []map[string]any
}

func (f *fakeToolbox) Tools() []ToolSpec { return []ToolSpec{{Name: "Bash"}} }
func (f *fakeToolbox) Call(_ context.Context, name string, input map[string]any) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, input)
	return "ran " + name, false, nil
}
func (f *fakeToolbox) Close() error { return nil }

func TestRunTool_Permission(t *testing.T) {
	rt := NewAnthropicRuntime(AnthropicConfig{APIKey: "test"})
	tb := &fakeToolbox{}
	use := ToolUse{ID: "tu_1", Name: "Bash", Input: map[string]any{"command": "rm -rf /"}}

	deny := QueryOptions{CanUseTool: func(context.Context, string, map[string]any) models.Outcome {
		return models.Deny("User denied")
	}}
	out, isErr := rt.runTool(context.Background(), tb, deny, use)
	assert.True(t, isErr)
	assert.Equal(t, "Permission denied: User denied", out)
	assert.Empty(t, tb.calls)

	edit := QueryOptions{CanUseTool: func(context.Context, string, map[string]any) models.Outcome {
		return models.Allow(map[string]any{"command": "ls"})
	}}
	out, isErr = rt.runTool(context.Background(), tb, edit, use)
	assert.False(t, isErr)
	assert.Equal(t, "ran Bash", out)
	require.Len(t, tb.calls, 1)
	assert.Equal(t, "ls", tb.calls[0]["command"])

	bypass := QueryOptions{PermissionMode: PermissionModeBypass}
	_, isErr = rt.runTool(context.Background(), tb, bypass, use)
	assert.False(t, isErr)
	assert.Len(t, tb.calls, 2)
}

func TestRunTool_AskUserQuestion(t *testing.T) {
	rt := NewAnthropicRuntime(AnthropicConfig{APIKey: "test"})
	use := ToolUse{ID: "tu_1", Name: AskUserQuestionTool, Input: map[string]any{"questions": []any{}}}

	opts := QueryOptions{
		PermissionMode: PermissionModeBypass,
		CanUseTool: func(_ context.Context, _ string, input map[string]any) models.Outcome {
			merged := map[string]any{"questions": input["questions"], "answers": map[string]string{"1": "Auth", "0": "SQLite"}}
			return models.Allow(merged)
		},
	}
	out, isErr := rt.runTool(context.Background(), &fakeToolbox{}, opts, use)
	assert.False(t, isErr)
	assert.Equal(t, "User answers:\n0: SQLite\n1: Auth", out)
}

func TestRunTool_Stopped(t *testing.T) {
	rt := NewAnthropicRuntime(AnthropicConfig{APIKey: "test"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, isErr := rt.runTool(ctx, &fakeToolbox{}, QueryOptions{}, ToolUse{Name: "Bash"})
	assert.True(t, isErr)
	assert.Equal(t, "Task has been stopped", out)
}
