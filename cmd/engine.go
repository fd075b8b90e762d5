package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/viper"

	"github.com/sean85120/ccbot/internal/agent"
	"github.com/sean85120/ccbot/internal/approval"
	"github.com/sean85120/ccbot/internal/notify"
	"github.com/sean85120/ccbot/internal/queue"
	"github.com/sean85120/ccbot/internal/runtime"
	"github.com/sean85120/ccbot/internal/sessions"
	"github.com/sean85120/ccbot/internal/store"
	"github.com/sean85120/ccbot/internal/stream"
	"github.com/sean85120/ccbot/internal/telemetry"
)

// engine is a fully wired session manager plus the pieces the outer
// surfaces (HTTP API, MCP) read from.
type engine struct {
	manager *agent.Manager
	store   store.Store
	outbox  *notify.Outbox
	metrics *telemetry.Metrics
}

// engineOverrides lets tests swap the runtime.
type engineOverrides struct {
	runtime runtime.Runtime
}

// buildEngine wires the manager from viper configuration and restores
// persisted sessions.
func buildEngine(ctx context.Context, ov engineOverrides) (*engine, error) {
	st, err := getStore()
	if err != nil {
		return nil, err
	}

	metrics, err := telemetry.NewExporter(ctx, telemetry.Config{
		Endpoint: viper.GetString("telemetry.otlp_endpoint"),
		Insecure: viper.GetBool("telemetry.insecure"),
		Version:  buildVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	log := logger
	if log == nil {
		log = slog.Default()
	}

	outbox := notify.NewOutbox(0)
	notifier := notify.WithLogging(outbox, log.With("component", "notify"))

	dir := sessions.NewDirectory(sessions.WithTranscriptLimit(viper.GetInt("session.transcript_entry_limit")))
	gate := approval.NewGate(dir, notifier,
		approval.WithTimeout(viper.GetDuration("approval.timeout")),
		approval.WithMetrics(metrics),
		approval.WithLogger(log.With("component", "approval")),
	)
	coalescer := stream.New(notifier,
		viper.GetDuration("stream.update_interval"),
		viper.GetInt("stream.message_limit"),
		stream.WithLogger(log.With("component", "stream")),
	)

	rt := ov.runtime
	if rt == nil {
		rt = runtime.NewAnthropicRuntime(runtime.AnthropicConfig{
			APIKey:    viper.GetString("anthropic.api_key"),
			Model:     viper.GetString("runtime.model"),
			MaxTokens: viper.GetInt64("runtime.max_tokens"),
			MaxTurns:  viper.GetInt("runtime.max_turns"),
			Tools:     runtime.NewMCPToolboxFactory(viper.GetString("runtime.mcp_command"), buildVersion),
			Logger:    log.With("component", "runtime"),
		})
	}

	m := agent.New(agent.Config{
		Directory:      dir,
		Gate:           gate,
		Queue:          queue.New(),
		Coalescer:      coalescer,
		Runtime:        rt,
		Notifier:       notifier,
		Store:          st,
		Metrics:        metrics,
		Logger:         log.With("component", "agent"),
		DefaultModel:   viper.GetString("runtime.model"),
		PermissionMode: viper.GetString("runtime.permission_mode"),
		IdleTimeout:    viper.GetDuration("session.idle_timeout"),

		HistoryRetention: viper.GetDuration("session.history_retention"),
	})

	if err := m.Restore(ctx); err != nil {
		_ = metrics.Close(ctx)
		return nil, fmt.Errorf("restore sessions: %w", err)
	}

	return &engine{manager: m, store: st, outbox: outbox, metrics: metrics}, nil
}

// close stops every session, then flushes metrics.
func (e *engine) close(ctx context.Context) error {
	return errors.Join(e.manager.Shutdown(ctx), e.metrics.Close(ctx))
}
