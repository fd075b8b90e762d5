package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sean85120/ccbot/internal/output"
	"github.com/sean85120/ccbot/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	logger    *slog.Logger
	dataStore store.Store

	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "ccbot",
	Short: "Chat-driven coding agent sessions with human tool approval",
	Long: `ccbot runs coding agent sessions on behalf of chat threads.
Every tool call the agent wants to make is held until a human allows or
denies it, and each project runs one session at a time with the rest queued.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/ccbot/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		dir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("CCBOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	dir, _ := configDirFunc()
	setDefaults(dir)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers every config key with its default, rooted at dir.
func setDefaults(dir string) {
	viper.SetDefault("state_dir", dir)
	viper.SetDefault("db_path", filepath.Join(dir, "ccbot.db"))
	viper.SetDefault("port", 8080)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("approval.timeout", 5*time.Minute)
	viper.SetDefault("stream.update_interval", 1500*time.Millisecond)
	viper.SetDefault("stream.message_limit", 2000)
	viper.SetDefault("session.idle_timeout", 30*time.Minute)
	viper.SetDefault("session.transcript_entry_limit", 2000)
	viper.SetDefault("session.history_retention", time.Hour)
	viper.SetDefault("runtime.model", "claude-sonnet-4-5")
	viper.SetDefault("runtime.permission_mode", "default")
	viper.SetDefault("runtime.max_tokens", 8192)
	viper.SetDefault("runtime.max_turns", 50)
	viper.SetDefault("runtime.mcp_command", "")
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("telemetry.otlp_endpoint", "")
	viper.SetDefault("telemetry.insecure", true)
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose

	level := viper.GetString("log.level")
	if verbose {
		level = "debug"
	}
	logger = newLogger(os.Stderr, level, viper.GetString("log.format"))
	slog.SetDefault(logger)

	// Initialize store lazily, only when commands actually need it.
	// This allows config/version commands to run without a db.
}

// newLogger builds the process logger. Logs always go to w (stderr) so
// stdout stays free for the MCP stdio transport.
func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}
