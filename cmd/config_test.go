package cmd

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sean85120/ccbot/internal/output"
)

// testEnv sets up isolated config dir, viper, and output for testing.
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	// Override configDirFunc for tests
	origFunc := configDirFunc
	configDirFunc = func() (string, error) { return dir, nil }
	t.Cleanup(func() { configDirFunc = origFunc })

	// Reset viper
	viper.Reset()
	setDefaults(dir)

	// Initialize output and a fresh store per test
	ui = output.New()
	logger = newLogger(io.Discard, "error", "text")
	dataStore = nil
	t.Cleanup(func() {
		if dataStore != nil {
			_ = dataStore.Close()
			dataStore = nil
		}
	})

	return dir
}

func TestConfigInit_CreatesFile(t *testing.T) {
	dir := testEnv(t)

	err := configInitRun()
	require.NoError(t, err)

	cfgPath := filepath.Join(dir, "config.yaml")
	_, err = os.Stat(cfgPath)
	assert.NoError(t, err, "config file should exist")

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ccbot configuration")
	assert.Contains(t, string(data), "approval:")
	assert.Contains(t, string(data), "timeout: 5m0s")
}

func TestConfigInit_RefusesOverwrite(t *testing.T) {
	dir := testEnv(t)

	// Create existing file
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0644))

	configForce = false
	err := configInitRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestConfigInit_ForceOverwrite(t *testing.T) {
	dir := testEnv(t)

	// Create existing file
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0644))

	configForce = true
	err := configInitRun()
	require.NoError(t, err)

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ccbot configuration")
}

func TestConfigShow_NoFile(t *testing.T) {
	testEnv(t)

	err := configShowRun()
	assert.NoError(t, err)
}

func TestConfigShow_WithFile(t *testing.T) {
	testEnv(t)

	// Create config first
	require.NoError(t, configInitRun())

	err := configShowRun()
	assert.NoError(t, err)
}

func TestConfigEdit_NoEditor(t *testing.T) {
	testEnv(t)

	// Unset EDITOR and VISUAL
	origEditor := os.Getenv("EDITOR")
	origVisual := os.Getenv("VISUAL")
	_ = os.Unsetenv("EDITOR")
	_ = os.Unsetenv("VISUAL")
	t.Cleanup(func() {
		if origEditor != "" {
			_ = os.Setenv("EDITOR", origEditor)
		}
		if origVisual != "" {
			_ = os.Setenv("VISUAL", origVisual)
		}
	})

	err := configEditRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "$EDITOR is not set")
}

func TestConfigEdit_NoConfigFile(t *testing.T) {
	testEnv(t)

	_ = os.Setenv("EDITOR", "echo") // harmless command
	t.Cleanup(func() { _ = os.Unsetenv("EDITOR") })

	err := configEditRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestConfigKeySource(t *testing.T) {
	inFile := map[string]bool{"key_a": true}

	t.Setenv("CCBOT_TEST_KEY", "val")
	assert.Contains(t, configKeyInfo{Key: "test_key", EnvVar: "CCBOT_TEST_KEY"}.source(inFile), "env")
	assert.Equal(t, "(file)", configKeyInfo{Key: "key_a", EnvVar: "CCBOT_KEY_A_NONEXISTENT"}.source(inFile))
	assert.Equal(t, "(default)", configKeyInfo{Key: "key_b", EnvVar: "CCBOT_KEY_B_NONEXISTENT"}.source(inFile))
}

func TestFileKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9000\nlog:\n  level: debug\nsession:\n  idle_timeout: 1h\n"), 0644))

	keys, err := fileKeys(path)
	require.NoError(t, err)
	assert.True(t, keys["port"])
	assert.True(t, keys["log.level"])
	assert.True(t, keys["session.idle_timeout"])
	assert.False(t, keys["log"])
	assert.False(t, keys["log.format"])

	_, err = fileKeys(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestConfigInit_RoundTrip(t *testing.T) {
	dir := testEnv(t)
	viper.Set("approval.timeout", 90*time.Second)
	require.NoError(t, configInitRun())

	viper.Reset()
	setDefaults(dir)
	viper.SetConfigFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, viper.ReadInConfig())

	assert.Equal(t, 90*time.Second, viper.GetDuration("approval.timeout"))
	assert.Equal(t, 2000, viper.GetInt("stream.message_limit"))
	assert.Equal(t, "default", viper.GetString("runtime.permission_mode"))
	assert.Equal(t, time.Hour, viper.GetDuration("session.history_retention"))
}

func TestBuildConfigKeys(t *testing.T) {
	keys := buildConfigKeys("log.level", "state_dir")
	assert.Equal(t, "CCBOT_LOG_LEVEL", keys[0].EnvVar)
	assert.Equal(t, "CCBOT_STATE_DIR", keys[1].EnvVar)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "warn", "json")
	l.Info("hidden")
	l.Warn("shown", "thread", "t1")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"thread":"t1"`)

	buf.Reset()
	newLogger(&buf, "bogus", "text").Info("fallback")
	assert.Contains(t, buf.String(), "msg=fallback")
}
