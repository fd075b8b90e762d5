// Package runtimetest provides a scripted runtime.Runtime for tests.
package runtimetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/sean85120/ccbot/internal/runtime"
)

// Call is one recorded Query.
type Call struct {
	Prompt string
	Opts   runtime.QueryOptions
	// SessionID is the token announced in the init event.
	SessionID string
}

// Emit sends an event to the caller of Query.
func (c *Call) Emit(e runtime.Event) {
	if c.Opts.OnEvent != nil {
		c.Opts.OnEvent(e)
	}
}

// Handler scripts what a Query does after its init event.
type Handler func(ctx context.Context, c *Call) error

// Runtime records queries and runs Handler for each one. A nil Handler
// replies "ok: <prompt>" and succeeds.
type Runtime struct {
	Handler Handler

	mu        sync.Mutex
	calls     []*Call
	forgotten []string
	n         int
}

// Query implements runtime.Runtime.
func (r *Runtime) Query(ctx context.Context, prompt string, opts runtime.QueryOptions) error {
	r.mu.Lock()
	r.n++
	c := &Call{Prompt: prompt, Opts: opts, SessionID: opts.ResumeToken}
	if c.SessionID == "" {
		c.SessionID = fmt.Sprintf("rt-%d", r.n)
	}
	r.calls = append(r.calls, c)
	h := r.Handler
	r.mu.Unlock()

	c.Emit(runtime.Event{Type: runtime.EventInit, SessionID: c.SessionID})
	if h == nil {
		h = Reply("ok: " + prompt)
	}
	return h(ctx, c)
}

// Calls returns the queries seen so far.
func (r *Runtime) Calls() []*Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Call(nil), r.calls...)
}

// Forget implements runtime.Forgetter by recording token.
func (r *Runtime) Forget(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forgotten = append(r.forgotten, token)
}

// Forgotten returns every token released so far, in order.
func (r *Runtime) Forgotten() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.forgotten...)
}

// Prompts returns the prompt of every query seen so far.
func (r *Runtime) Prompts() []string {
	var out []string
	for _, c := range r.Calls() {
		out = append(out, c.Prompt)
	}
	return out
}

// Reply answers with text and a successful result.
func Reply(text string) Handler {
	return func(_ context.Context, c *Call) error {
		c.Emit(runtime.Event{Type: runtime.EventTextDelta, Text: text})
		c.Emit(runtime.Event{Type: runtime.EventAssistant, Text: text})
		c.Emit(runtime.Event{Type: runtime.EventResult, Result: &runtime.Result{
			Success:      true,
			Text:         text,
			Model:        c.Opts.Model,
			InputTokens:  100,
			OutputTokens: 50,
			CostUSD:      runtime.Cost(c.Opts.Model, 100, 50, 0, 0),
			Turns:        1,
		}})
		return nil
	}
}

// Fail reports err as the query's failure.
func Fail(err error) Handler {
	return func(_ context.Context, c *Call) error {
		c.Emit(runtime.Event{Type: runtime.EventResult, Result: &runtime.Result{Error: err.Error(), Model: c.Opts.Model}})
		return err
	}
}

// UseTool asks permission for a tool call, then replies with the outcome.
func UseTool(name string, input map[string]any) Handler {
	return func(ctx context.Context, c *Call) error {
		c.Emit(runtime.Event{Type: runtime.EventAssistant, ToolUses: []runtime.ToolUse{{ID: "tu_1", Name: name, Input: input}}})
		outcome := c.Opts.CanUseTool(ctx, name, input)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return Reply(fmt.Sprintf("%s: %s", outcome.Behavior, outcome.Message))(ctx, c)
	}
}

// Block waits until release is closed or ctx is cancelled, then replies.
func Block(release <-chan struct{}) Handler {
	return func(ctx context.Context, c *Call) error {
		select {
		case <-release:
			return Reply("released")(ctx, c)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
