package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/sean85120/ccbot/internal/agent"
	"github.com/sean85120/ccbot/internal/approval"
	"github.com/sean85120/ccbot/internal/models"
	"github.com/sean85120/ccbot/internal/notify"
	"github.com/sean85120/ccbot/internal/sessions"
)

// HistoryStore reads persisted snapshots for sessions that are no longer live.
type HistoryStore interface {
	GetSession(ctx context.Context, threadID string) (*models.Session, error)
	ListSessions(ctx context.Context, statuses []models.SessionStatus, limit int) ([]*models.Session, error)
}

// Server exposes the session engine as MCP tools.
type Server struct {
	manager *agent.Manager
	store   HistoryStore
	outbox  *notify.Outbox
	version string
	logger  *slog.Logger
}

// NewServer creates a new MCP server. store and outbox may be nil.
func NewServer(m *agent.Manager, st HistoryStore, outbox *notify.Outbox, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if version == "" {
		version = "dev"
	}
	return &Server{manager: m, store: st, outbox: outbox, version: version, logger: logger}
}

// MCPServer builds the mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("ccbot", s.version,
		server.WithToolCapabilities(true),
	)

	srv.AddTool(s.startSessionTool())
	srv.AddTool(s.listSessionsTool())
	srv.AddTool(s.getSessionTool())
	srv.AddTool(s.submitDecisionTool())
	srv.AddTool(s.answerQuestionTool())
	srv.AddTool(s.sendMessageTool())
	srv.AddTool(s.stopSessionTool())
	srv.AddTool(s.endSessionTool())
	srv.AddTool(s.queueStatusTool())
	srv.AddTool(s.notificationsTool())

	return srv
}

// ServeStdio runs the MCP server over stdin/stdout.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdio := server.NewStdioServer(s.MCPServer())
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func serviceError(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, sessions.ErrNotFound):
		return mcp.NewToolResultError("session not found")
	case errors.Is(err, agent.ErrSessionBusy):
		return mcp.NewToolResultError("session is busy: " + err.Error())
	default:
		return mcp.NewToolResultError(err.Error())
	}
}

// sessionView mirrors what the HTTP API returns for a session.
type sessionView struct {
	*models.Session
	Live            bool                   `json:"live"`
	PendingTool     string                 `json:"pending_tool,omitempty"`
	PendingRef      string                 `json:"pending_ref,omitempty"`
	PendingQuestion *approval.QuestionStep `json:"pending_question,omitempty"`
}

func (s *Server) view(sess *models.Session) sessionView {
	v := sessionView{Session: sess, Live: true}
	if p, ok := s.manager.PendingApproval(sess.ThreadID); ok {
		v.PendingTool = p.ToolName
		v.PendingRef = p.NotificationRef
		if ask := p.Ask(); ask != nil {
			step := approval.RenderStep(ask)
			v.PendingQuestion = &step
		}
	}
	return v
}

// --- start_session ---

func (s *Server) startSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("start_session",
		mcp.WithDescription("Start an agent session for a conversation thread. If another session holds the project it is queued and the queue position is returned."),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("Conversation thread ID")),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("Initial prompt")),
		mcp.WithString("project_path", mcp.Required(), mcp.Description("Project working directory")),
		mcp.WithString("owner_user_id", mcp.Description("User who owns the session")),
		mcp.WithString("model", mcp.Description("Model override")),
	)
	return tool, s.handleStartSession
}

func (s *Server) handleStartSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	threadID, err := request.RequireString("thread_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: thread_id"), nil
	}
	prompt, err := request.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: prompt"), nil
	}
	project, err := request.RequireString("project_path")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: project_path"), nil
	}

	res, err := s.manager.Start(ctx, agent.StartRequest{
		ThreadID:    threadID,
		OwnerUserID: request.GetString("owner_user_id", ""),
		Prompt:      prompt,
		ProjectPath: project,
		Model:       request.GetString("model", ""),
	})
	if err != nil {
		return serviceError(err), nil
	}
	s.logger.Info("session started via mcp", "thread", threadID, "project", project, "queued", res.Queued)
	return jsonResult(res)
}

// --- list_sessions ---

func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("list_sessions",
		mcp.WithDescription("List live sessions, or persisted history when history is true"),
		mcp.WithBoolean("history", mcp.Description("Read persisted snapshots instead of live sessions")),
		mcp.WithString("status", mcp.Description("Filter history by status (running, awaiting_approval, waiting_for_input, queued, completed, error)")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of history rows (default 50)")),
	)
	return tool, s.handleListSessions
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := request.GetString("status", "")
	if !request.GetBool("history", false) && status == "" {
		live := s.manager.Sessions()
		views := make([]sessionView, 0, len(live))
		for _, sess := range live {
			views = append(views, s.view(sess))
		}
		return jsonResult(views)
	}

	if s.store == nil {
		return mcp.NewToolResultError("no session store configured"), nil
	}
	var statuses []models.SessionStatus
	if status != "" {
		statuses = []models.SessionStatus{models.SessionStatus(status)}
	}
	snaps, err := s.store.ListSessions(ctx, statuses, request.GetInt("limit", 50))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list sessions: %v", err)), nil
	}
	if snaps == nil {
		snaps = []*models.Session{}
	}
	return jsonResult(snaps)
}

// --- get_session ---

func (s *Server) getSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("get_session",
		mcp.WithDescription("Get a session by thread ID, including any pending approval"),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("Conversation thread ID")),
	)
	return tool, s.handleGetSession
}

func (s *Server) handleGetSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	threadID, err := request.RequireString("thread_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: thread_id"), nil
	}
	if sess, ok := s.manager.Session(threadID); ok {
		return jsonResult(s.view(sess))
	}
	if s.store == nil {
		return serviceError(sessions.ErrNotFound), nil
	}
	sess, err := s.store.GetSession(ctx, threadID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("session not found: %s", threadID)), nil
	}
	return jsonResult(sessionView{Session: sess})
}

// --- submit_decision ---

func (s *Server) submitDecisionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("submit_decision",
		mcp.WithDescription("Allow or deny the pending tool call of a session"),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("Conversation thread ID")),
		mcp.WithString("behavior", mcp.Required(), mcp.Enum("allow", "deny"), mcp.Description("Decision")),
		mcp.WithString("reason", mcp.Description("Reason shown to the agent on deny")),
		mcp.WithString("notification_ref", mcp.Description("Reference of the approval request being answered")),
		mcp.WithBoolean("always_allow", mcp.Description("Allow this tool for the rest of the session")),
	)
	return tool, s.handleSubmitDecision
}

func (s *Server) handleSubmitDecision(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	threadID, err := request.RequireString("thread_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: thread_id"), nil
	}
	behavior, err := request.RequireString("behavior")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: behavior"), nil
	}
	b := models.Behavior(behavior)
	if b != models.BehaviorAllow && b != models.BehaviorDeny {
		return mcp.NewToolResultError(`behavior must be "allow" or "deny"`), nil
	}

	resolved := s.manager.SubmitDecision(threadID, models.Decision{
		Behavior:        b,
		Reason:          request.GetString("reason", ""),
		NotificationRef: request.GetString("notification_ref", ""),
		AlwaysAllow:     request.GetBool("always_allow", false),
	})
	return jsonResult(map[string]bool{"resolved": resolved})
}

// --- answer_question ---

func (s *Server) answerQuestionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("answer_question",
		mcp.WithDescription("Answer the current step of a guided question form"),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("Conversation thread ID")),
		mcp.WithString("kind", mcp.Required(), mcp.Enum("select", "submit", "other"), mcp.Description("select an option, submit a multi-select, or give free text")),
		mcp.WithNumber("question_index", mcp.Description("Index of the question being answered")),
		mcp.WithNumber("option_index", mcp.Description("Option to select (kind=select)")),
		mcp.WithString("text", mcp.Description("Free text answer (kind=other)")),
		mcp.WithString("notification_ref", mcp.Description("Reference of the question message")),
	)
	return tool, s.handleAnswerQuestion
}

func (s *Server) handleAnswerQuestion(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	threadID, err := request.RequireString("thread_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: thread_id"), nil
	}
	kind, err := request.RequireString("kind")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: kind"), nil
	}

	err = s.manager.SubmitQuestionAnswer(ctx, threadID, approval.QuestionAnswer{
		NotificationRef: request.GetString("notification_ref", ""),
		QuestionIndex:   request.GetInt("question_index", 0),
		Kind:            approval.AnswerKind(kind),
		OptionIndex:     request.GetInt("option_index", 0),
		Text:            request.GetString("text", ""),
	})
	if errors.Is(err, approval.ErrExpired) {
		return jsonResult(map[string]bool{"accepted": false})
	}
	if err != nil {
		return serviceError(err), nil
	}
	return jsonResult(map[string]bool{"accepted": true})
}

// --- send_message ---

func (s *Server) sendMessageTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("send_message",
		mcp.WithDescription("Send a follow-up message to a session waiting for input"),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("Conversation thread ID")),
		mcp.WithString("text", mcp.Required(), mcp.Description("Message text")),
	)
	return tool, s.handleSendMessage
}

func (s *Server) handleSendMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	threadID, err := request.RequireString("thread_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: thread_id"), nil
	}
	text, err := request.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: text"), nil
	}
	if err := s.manager.FollowUp(ctx, threadID, text); err != nil {
		return serviceError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Message sent to %s", threadID)), nil
}

// --- stop_session / end_session ---

func (s *Server) stopSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("stop_session",
		mcp.WithDescription("Cancel a session's current work and remove it; a queued session leaves the queue"),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("Conversation thread ID")),
	)
	return tool, s.handleStopSession
}

func (s *Server) handleStopSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	threadID, err := request.RequireString("thread_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: thread_id"), nil
	}
	if err := s.manager.Stop(ctx, threadID); err != nil {
		return serviceError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Stopped session %s", threadID)), nil
}

func (s *Server) endSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("end_session",
		mcp.WithDescription("End an idle or queued session and release its project"),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("Conversation thread ID")),
	)
	return tool, s.handleEndSession
}

func (s *Server) handleEndSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	threadID, err := request.RequireString("thread_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: thread_id"), nil
	}
	if err := s.manager.End(ctx, threadID); err != nil {
		return serviceError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Ended session %s", threadID)), nil
}

// --- queue_status ---

func (s *Server) queueStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("queue_status",
		mcp.WithDescription("Show queued requests per project in admission order"),
		mcp.WithString("project_path", mcp.Description("Only show this project's queue")),
	)
	return tool, s.handleQueueStatus
}

func (s *Server) handleQueueStatus(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap := s.manager.QueueSnapshot()
	if project := request.GetString("project_path", ""); project != "" {
		entries := snap[project]
		if entries == nil {
			entries = []models.QueueEntry{}
		}
		return jsonResult(entries)
	}
	return jsonResult(snap)
}

// --- notifications ---

func (s *Server) notificationsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("notifications",
		mcp.WithDescription("Read the messages posted to a conversation thread"),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("Conversation thread ID")),
	)
	return tool, s.handleNotifications
}

func (s *Server) handleNotifications(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	threadID, err := request.RequireString("thread_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: thread_id"), nil
	}
	if s.outbox == nil {
		return mcp.NewToolResultError("no outbox configured"), nil
	}
	msgs := s.outbox.Messages(threadID, time.Time{})
	if msgs == nil {
		msgs = []notify.Message{}
	}
	return jsonResult(msgs)
}
