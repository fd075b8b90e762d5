package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sean85120/ccbot/internal/agent"
	"github.com/sean85120/ccbot/internal/daemon"
	"github.com/sean85120/ccbot/internal/models"
	"github.com/sean85120/ccbot/internal/runtime/runtimetest"
)

func TestPidFile_Path(t *testing.T) {
	dir := testEnv(t)

	pf := pidFile()
	expected := filepath.Join(dir, "ccbot-serve.pid")
	assert.Equal(t, expected, pf.Path)
}

func TestServeLogPath(t *testing.T) {
	dir := testEnv(t)

	logPath := serveLogPath()
	expected := filepath.Join(dir, "ccbot-serve.log")
	assert.Equal(t, expected, logPath)
}

func TestServeStatusRun_NotRunning(t *testing.T) {
	testEnv(t)

	// No PID file exists, so status should show "not running" without error.
	err := serveStatusRun()
	assert.NoError(t, err)
}

func TestServeStopRun_NotRunning(t *testing.T) {
	testEnv(t)

	// No PID file exists, so stop should return an error.
	err := serveStopRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestServeStartRun_AlreadyRunning(t *testing.T) {
	dir := testEnv(t)

	// Write a PID file for the current process (which is alive).
	pf := daemon.NewPIDFile(filepath.Join(dir, "ccbot-serve.pid"))
	require.NoError(t, pf.Write())
	t.Cleanup(func() { _ = os.Remove(pf.Path) })

	err := serveStartRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestBuildEngine_RestoresAndRuns(t *testing.T) {
	testEnv(t)
	ctx := context.Background()

	st, err := getStore()
	require.NoError(t, err)
	now := time.Now()
	queued := models.NewSession("q1", "u1", "/p", "m", models.SessionStatusQueued, now)
	require.NoError(t, st.SaveSession(ctx, queued))
	require.NoError(t, st.SaveQueueEntry(ctx, &models.QueueEntry{ID: "e1", ThreadID: "q1", Prompt: "resume me", ProjectPath: "/p", EnqueuedAt: now}))

	rt := &runtimetest.Runtime{}
	eng, err := buildEngine(ctx, engineOverrides{runtime: rt})
	require.NoError(t, err)
	eng.manager.Wait()

	assert.Equal(t, []string{"resume me"}, rt.Prompts())
	sess, ok := eng.manager.Session("q1")
	require.True(t, ok)
	assert.Equal(t, models.SessionStatusWaitingForInput, sess.Status)

	res, err := eng.manager.Start(ctx, agent.StartRequest{ThreadID: "t2", Prompt: "next", ProjectPath: "/p"})
	require.NoError(t, err)
	assert.True(t, res.Queued, "q1 still holds the project")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, eng.close(shutdownCtx))

	entries, err := st.ListQueueEntries(ctx, "/p")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "t2", entries[0].ThreadID)
}
