package cmd

import (
	"context"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/sean85120/ccbot/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the session engine as an MCP stdio server",
	Long: `Run the session engine behind an MCP (Model Context Protocol) server on stdio.

An MCP client can then start sessions, answer approvals and follow the
queue without the HTTP API. Configure a client with:

  {
    "mcpServers": {
      "ccbot": { "command": "ccbot", "args": ["mcp"] }
    }
  }

Available tools: start_session, list_sessions, get_session, submit_decision,
answer_question, send_message, stop_session, end_session, queue_status,
notifications`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
		defer stop()

		eng, err := buildEngine(ctx, engineOverrides{})
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = eng.close(shutdownCtx)
		}()

		go eng.manager.RunReaper(ctx, reapInterval)

		srv := mcp.NewServer(eng.manager, eng.store, eng.outbox, buildVersion, logger.With("component", "mcp"))
		return srv.ServeStdio(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
