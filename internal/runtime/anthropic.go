package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
)

const defaultSystemPrompt = `You are a coding agent working in the project directory {cwd}.
Use the tools you are given to inspect and change the project. When you need the user to choose between alternatives, call the AskUserQuestion tool. Finish with a short summary of what you did.`

// AnthropicConfig configures an AnthropicRuntime.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	MaxTokens    int64
	MaxTurns     int
	SystemPrompt string // "{cwd}" is replaced with the query's working directory
	Tools        ToolboxFactory
	Logger       *slog.Logger
}

// AnthropicRuntime runs queries as a streaming Messages API tool loop.
// Conversations are kept in memory keyed by resume token.
type AnthropicRuntime struct {
	api    *anthropic.Client
	cfg    AnthropicConfig
	logger *slog.Logger

	mu            sync.Mutex
	conversations map[string][]anthropic.MessageParam
}

// NewAnthropicRuntime creates a runtime with the given configuration.
func NewAnthropicRuntime(cfg AnthropicConfig) *AnthropicRuntime {
	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.Tools == nil {
		cfg.Tools = func(context.Context, string) (Toolbox, error) { return noTools{}, nil }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicRuntime{
		api:           &client,
		cfg:           cfg,
		logger:        logger,
		conversations: make(map[string][]anthropic.MessageParam),
	}
}

// Query runs prompt until the model stops requesting tools.
func (r *AnthropicRuntime) Query(ctx context.Context, prompt string, opts QueryOptions) error {
	start := time.Now()
	emit := opts.OnEvent
	if emit == nil {
		emit = func(Event) {}
	}

	token := opts.ResumeToken
	history := r.load(token)
	if token == "" {
		token = uuid.NewString()
	} else if history == nil {
		r.logger.Warn("resume token unknown, starting a new conversation", "token", token)
	}
	emit(Event{Type: EventInit, SessionID: token})

	model := opts.Model
	if model == "" {
		model = r.cfg.Model
	}
	res := &Result{Model: model}
	fail := func(err error) error {
		res.Error = err.Error()
		res.Duration = time.Since(start)
		res.CostUSD = Cost(model, res.InputTokens, res.OutputTokens, res.CacheReadTokens, res.CacheWriteTokens)
		emit(Event{Type: EventResult, Result: res})
		return err
	}

	toolbox, err := r.cfg.Tools(ctx, opts.Cwd)
	if err != nil {
		return fail(fmt.Errorf("open tools: %w", err))
	}
	defer func() {
		if err := toolbox.Close(); err != nil {
			r.logger.Warn("close tools", "error", err)
		}
	}()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: r.cfg.MaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: strings.ReplaceAll(r.cfg.SystemPrompt, "{cwd}", opts.Cwd)},
		},
		Tools: toolParams(append(toolbox.Tools(), askUserQuestionSpec)),
	}
	history = append(history, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))

	for {
		if r.cfg.MaxTurns > 0 && res.Turns >= r.cfg.MaxTurns {
			return fail(fmt.Errorf("max turns (%d) reached", r.cfg.MaxTurns))
		}
		res.Turns++

		params.Messages = history
		msg, err := r.turn(ctx, params, emit)
		if err != nil {
			return fail(err)
		}
		res.InputTokens += msg.Usage.InputTokens
		res.OutputTokens += msg.Usage.OutputTokens
		res.CacheReadTokens += msg.Usage.CacheReadInputTokens
		res.CacheWriteTokens += msg.Usage.CacheCreationInputTokens
		history = append(history, msg.ToParam())

		text, uses, err := splitContent(msg)
		if err != nil {
			return fail(err)
		}
		emit(Event{Type: EventAssistant, Text: text, ToolUses: uses})
		if text != "" {
			res.Text = text
		}
		if msg.StopReason != anthropic.StopReasonToolUse || len(uses) == 0 {
			break
		}

		results := r.runTools(ctx, toolbox, opts, uses)
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		history = append(history, anthropic.NewUserMessage(results...))
	}

	r.save(token, history)
	res.Success = true
	res.Duration = time.Since(start)
	res.CostUSD = Cost(model, res.InputTokens, res.OutputTokens, res.CacheReadTokens, res.CacheWriteTokens)
	emit(Event{Type: EventResult, Result: res})
	return nil
}

// turn streams one assistant message, emitting text deltas as they arrive.
func (r *AnthropicRuntime) turn(ctx context.Context, params anthropic.MessageNewParams, emit func(Event)) (*anthropic.Message, error) {
	stream := r.api.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	msg := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return nil, fmt.Errorf("accumulate stream: %w", err)
		}
		if ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				emit(Event{Type: EventTextDelta, Text: delta.Text})
			}
		}
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}
	return &msg, nil
}

// runTools asks permission for and executes each tool use in order.
func (r *AnthropicRuntime) runTools(ctx context.Context, toolbox Toolbox, opts QueryOptions, uses []ToolUse) []anthropic.ContentBlockParamUnion {
	results := make([]anthropic.ContentBlockParamUnion, 0, len(uses))
	for _, use := range uses {
		output, isError := r.runTool(ctx, toolbox, opts, use)
		results = append(results, anthropic.NewToolResultBlock(use.ID, output, isError))
	}
	return results
}

func (r *AnthropicRuntime) runTool(ctx context.Context, toolbox Toolbox, opts QueryOptions, use ToolUse) (string, bool) {
	if ctx.Err() != nil {
		return "Task has been stopped", true
	}
	input := use.Input
	if use.Name == AskUserQuestionTool || NeedsApproval(opts.PermissionMode, use.Name) {
		if opts.CanUseTool == nil {
			return "Permission denied: no approver configured", true
		}
		outcome := opts.CanUseTool(ctx, use.Name, input)
		if !outcome.Allowed() {
			return "Permission denied: " + outcome.Message, true
		}
		if outcome.UpdatedInput != nil {
			input = outcome.UpdatedInput
		}
	}

	if use.Name == AskUserQuestionTool {
		return formatAnswers(input), false
	}
	output, isError, err := toolbox.Call(ctx, use.Name, input)
	if err != nil {
		r.logger.Warn("tool call failed", "tool", use.Name, "error", err)
		return err.Error(), true
	}
	return output, isError
}

func (r *AnthropicRuntime) load(token string) []anthropic.MessageParam {
	if token == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]anthropic.MessageParam(nil), r.conversations[token]...)
}

func (r *AnthropicRuntime) save(token string, history []anthropic.MessageParam) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations[token] = history
}

var _ Forgetter = (*AnthropicRuntime)(nil)

// Forget drops a conversation so its token can no longer be resumed.
func (r *AnthropicRuntime) Forget(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conversations, token)
}

func toolParams(specs []ToolSpec) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, s := range specs {
		tp := anthropic.ToolParam{
			Name: s.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: s.Properties,
				Required:   s.Required,
			},
		}
		if s.Description != "" {
			tp.Description = anthropic.String(s.Description)
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &tp})
	}
	return tools
}

// splitContent separates an assistant message into its text and tool uses.
func splitContent(msg *anthropic.Message) (string, []ToolUse, error) {
	var (
		text []string
		uses []ToolUse
	)
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text = append(text, b.Text)
		case anthropic.ToolUseBlock:
			input := map[string]any{}
			if len(b.Input) > 0 {
				if err := json.Unmarshal(b.Input, &input); err != nil {
					return "", nil, fmt.Errorf("decode input of tool %s: %w", b.Name, err)
				}
			}
			uses = append(uses, ToolUse{ID: b.ID, Name: b.Name, Input: input})
		}
	}
	return strings.Join(text, ""), uses, nil
}
