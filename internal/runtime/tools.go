package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// AskUserQuestionTool is the built-in tool the model uses to put a guided
// multiple-choice form to the user.
const AskUserQuestionTool = "AskUserQuestion"

// ToolSpec describes a tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

// Toolbox executes tools for one query.
type Toolbox interface {
	Tools() []ToolSpec
	// Call runs a tool. isError marks output the model should treat as a
	// failed call.
	Call(ctx context.Context, name string, input map[string]any) (output string, isError bool, err error)
	Close() error
}

// ToolboxFactory opens the toolbox for a query running in cwd.
type ToolboxFactory func(ctx context.Context, cwd string) (Toolbox, error)

var askUserQuestionSpec = ToolSpec{
	Name:        AskUserQuestionTool,
	Description: "Ask the user one or more multiple-choice questions and wait for their answers.",
	Properties: map[string]any{
		"questions": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"question":    map[string]any{"type": "string"},
					"header":      map[string]any{"type": "string"},
					"multiSelect": map[string]any{"type": "boolean"},
					"options": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"label":       map[string]any{"type": "string"},
								"description": map[string]any{"type": "string"},
							},
							"required": []string{"label"},
						},
					},
				},
				"required": []string{"question", "options"},
			},
		},
	},
	Required: []string{"questions"},
}

// formatAnswers renders the answers a guided form merged into input.
func formatAnswers(input map[string]any) string {
	raw, ok := input["answers"]
	if !ok {
		return "The user did not answer."
	}
	answers := map[string]string{}
	switch v := raw.(type) {
	case map[string]string:
		answers = v
	case map[string]any:
		for k, a := range v {
			answers[k] = fmt.Sprint(a)
		}
	}
	keys := make([]string, 0, len(answers))
	for k := range answers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) < len(keys[j])
		}
		return keys[i] < keys[j]
	})
	var b strings.Builder
	b.WriteString("User answers:")
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, answers[k])
	}
	return b.String()
}

type noTools struct{}

func (noTools) Tools() []ToolSpec { return nil }
func (noTools) Call(_ context.Context, name string, _ map[string]any) (string, bool, error) {
	return fmt.Sprintf("unknown tool %q", name), true, nil
}
func (noTools) Close() error { return nil }

// MCPTools serves tools from an MCP server over stdio.
type MCPTools struct {
	client *client.Client
	tools  []ToolSpec
}

// NewMCPToolboxFactory returns a factory that launches commandLine as an
// MCP server for each query. The project directory is passed to the server
// in CCBOT_PROJECT_DIR. An empty commandLine yields no tools.
func NewMCPToolboxFactory(commandLine, version string) ToolboxFactory {
	fields := strings.Fields(commandLine)
	return func(ctx context.Context, cwd string) (Toolbox, error) {
		if len(fields) == 0 {
			return noTools{}, nil
		}
		return StartMCPTools(ctx, fields[0], fields[1:], []string{"CCBOT_PROJECT_DIR=" + cwd}, version)
	}
}

// StartMCPTools launches an MCP server and lists its tools.
func StartMCPTools(ctx context.Context, command string, args, env []string, version string) (*MCPTools, error) {
	c, err := client.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, fmt.Errorf("start mcp server %s: %w", command, err)
	}
	return connectMCPTools(ctx, c, version)
}

// connectMCPTools initializes a started client and lists its tools. c is
// closed on error.
func connectMCPTools(ctx context.Context, c *client.Client, version string) (*MCPTools, error) {
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "ccbot", Version: version}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize mcp server: %w", err)
	}

	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("list mcp tools: %w", err)
	}

	t := &MCPTools{client: c}
	for _, tool := range listed.Tools {
		t.tools = append(t.tools, specFromMCP(tool))
	}
	return t, nil
}

func specFromMCP(tool mcp.Tool) ToolSpec {
	spec := ToolSpec{
		Name:        tool.Name,
		Description: tool.Description,
		Properties:  tool.InputSchema.Properties,
		Required:    tool.InputSchema.Required,
	}
	if len(tool.RawInputSchema) > 0 {
		var raw struct {
			Properties map[string]any `json:"properties"`
			Required   []string       `json:"required"`
		}
		if json.Unmarshal(tool.RawInputSchema, &raw) == nil {
			spec.Properties, spec.Required = raw.Properties, raw.Required
		}
	}
	return spec
}

// Tools returns the server's tools.
func (t *MCPTools) Tools() []ToolSpec { return t.tools }

// Call invokes a tool on the server and flattens its text content.
func (t *MCPTools) Call(ctx context.Context, name string, input map[string]any) (string, bool, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = input
	res, err := t.client.CallTool(ctx, req)
	if err != nil {
		return "", true, fmt.Errorf("call tool %s: %w", name, err)
	}
	var parts []string
	for _, c := range res.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		}
	}
	return strings.Join(parts, "\n"), res.IsError, nil
}

// Close stops the server.
func (t *MCPTools) Close() error { return t.client.Close() }
