package cmd

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "ccbot"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage ccbot configuration.

Running bare 'ccbot config' is the same as 'ccbot config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate renders config.yaml from the effective values. get reads
// a key through viper so the file reflects flags, env and defaults alike.
const configTemplate = `# ccbot configuration
# See: ccbot config show (for effective values and sources)

# State/data directory (default: ~/.config/ccbot)
# state_dir: {{ get "state_dir" }}

# SQLite database path (default: ~/.config/ccbot/ccbot.db)
# db_path: {{ get "db_path" }}

# HTTP API port for 'ccbot serve'
port: {{ get "port" }}

log:
  # debug, info, warn or error
  level: "{{ get "log.level" }}"
  # text or json
  format: "{{ get "log.format" }}"

approval:
  # Unanswered tool approvals are denied after this long (0 waits forever)
  timeout: {{ duration "approval.timeout" }}

stream:
  # Minimum time between live-update edits
  update_interval: {{ duration "stream.update_interval" }}
  # Platform message size limit in characters
  message_limit: {{ get "stream.message_limit" }}

session:
  # Sessions waiting for input this long are ended (0 disables)
  idle_timeout: {{ duration "session.idle_timeout" }}
  # Longest text kept per transcript entry
  transcript_entry_limit: {{ get "session.transcript_entry_limit" }}
  # Notification history of ended sessions is dropped after this long (0 keeps it)
  history_retention: {{ duration "session.history_retention" }}

runtime:
  model: "{{ get "runtime.model" }}"
  # default, acceptEdits or bypassPermissions
  permission_mode: "{{ get "runtime.permission_mode" }}"
  max_tokens: {{ get "runtime.max_tokens" }}
  max_turns: {{ get "runtime.max_turns" }}
  # MCP server command that supplies the agent's tools
  mcp_command: "{{ get "runtime.mcp_command" }}"

anthropic:
  # Prefer CCBOT_ANTHROPIC_API_KEY over storing the key here
  api_key: ""

telemetry:
  # OTLP gRPC collector, e.g. localhost:4317 (empty disables metrics export)
  otlp_endpoint: "{{ get "telemetry.otlp_endpoint" }}"
  insecure: {{ get "telemetry.insecure" }}
`

var configFuncs = template.FuncMap{
	"get":      viper.Get,
	"duration": viper.GetDuration,
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func renderConfig() ([]byte, error) {
	tmpl, err := template.New("config").Funcs(configFuncs).Parse(configTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, fmt.Errorf("render config: %w", err)
	}
	return buf.Bytes(), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	data, err := renderConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(cfgPath, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintf(ui.Out, "\n%s", data)
	return nil
}

// configKeyInfo is a config key and the env var that overrides it.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = buildConfigKeys(
	"state_dir", "db_path", "port",
	"log.level", "log.format",
	"approval.timeout",
	"stream.update_interval", "stream.message_limit",
	"session.idle_timeout", "session.transcript_entry_limit", "session.history_retention",
	"runtime.model", "runtime.permission_mode", "runtime.max_tokens", "runtime.max_turns", "runtime.mcp_command",
	"anthropic.api_key",
	"telemetry.otlp_endpoint", "telemetry.insecure",
)

// buildConfigKeys derives each key's env var the way viper resolves it.
func buildConfigKeys(keys ...string) []configKeyInfo {
	out := make([]configKeyInfo, 0, len(keys))
	for _, k := range keys {
		out = append(out, configKeyInfo{Key: k, EnvVar: "CCBOT_" + strings.ToUpper(strings.ReplaceAll(k, ".", "_"))})
	}
	return out
}

// secretKeys are masked by config show.
var secretKeys = map[string]bool{"anthropic.api_key": true}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}
	inFile, err := fileKeys(cfgPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		ui.Info("Config file: (none)")
	case err != nil:
		ui.Warning("Config file %s unreadable: %v", cfgPath, err)
	default:
		ui.Info("Config file: %s", cfgPath)
	}
	fmt.Fprintln(ui.Out)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		if secretKeys[k.Key] && viper.GetString(k.Key) != "" {
			val = "********"
		}
		fmt.Fprintf(ui.Out, "  %-32s %v  %s\n", k.Key, val, k.source(inFile))
	}
	return nil
}

// source reports where the effective value of k comes from.
func (k configKeyInfo) source(inFile map[string]bool) string {
	if _, ok := os.LookupEnv(k.EnvVar); ok {
		return fmt.Sprintf("(env: %s)", k.EnvVar)
	}
	if inFile[k.Key] {
		return "(file)"
	}
	return "(default)"
}

// fileKeys returns the dotted keys that path sets to a scalar or list.
func fileKeys(path string) (map[string]bool, error) {
	keys := make(map[string]bool)
	data, err := os.ReadFile(path)
	if err != nil {
		return keys, err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return keys, err
	}
	if len(doc.Content) > 0 {
		collectKeys("", doc.Content[0], keys)
	}
	return keys, nil
}

func collectKeys(prefix string, n *yaml.Node, keys map[string]bool) {
	if n.Kind != yaml.MappingNode {
		return
	}
	// Mapping content alternates key and value nodes.
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value
		if prefix != "" {
			key = prefix + "." + key
		}
		if v := n.Content[i+1]; v.Kind == yaml.MappingNode {
			collectKeys(key, v, keys)
		} else {
			keys[key] = true
		}
	}
}

func configEditRun() error {
	editor := cmp.Or(os.Getenv("EDITOR"), os.Getenv("VISUAL"))
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'ccbot config init' first)", cfgPath)
	}

	c := exec.Command(editor, cfgPath)
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
	return c.Run()
}
