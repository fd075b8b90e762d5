package cmd

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sean85120/ccbot/internal/models"
)

// captureOutput redirects ui to buffers and disables colors.
func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	out := &bytes.Buffer{}
	ui.Out = out
	ui.ErrOut = out
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })
	return out
}

func seedHistory(t *testing.T) {
	t.Helper()
	st, err := getStore()
	require.NoError(t, err)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	done := models.NewSession("t-done", "u1", "/work/app", "claude-sonnet-4-5", models.SessionStatusCompleted, at)
	done.RuntimeSessionID = "rt-1"
	done.ToolUseCounts["Bash"] = 2
	done.TotalToolUses = 2
	done.Transcript = []models.TranscriptEntry{
		{Kind: models.TranscriptUser, Text: "run the tests", At: at},
		{Kind: models.TranscriptAssistant, Text: "All tests pass.", At: at.Add(time.Minute)},
	}
	require.NoError(t, st.SaveSession(ctx, done))

	failed := models.NewSession("t-failed", "u2", "/work/lib", "claude-sonnet-4-5", models.SessionStatusError, at)
	failed.LastError = "rate limited"
	require.NoError(t, st.SaveSession(ctx, failed))

	require.NoError(t, st.SaveQueueEntry(ctx, &models.QueueEntry{ID: "e1", ThreadID: "t-q1", OwnerUserID: "u1", Prompt: "first", ProjectPath: "/work/app", EnqueuedAt: at}))
	require.NoError(t, st.SaveQueueEntry(ctx, &models.QueueEntry{ID: "e2", ThreadID: "t-q2", OwnerUserID: "u2", Prompt: "second", ProjectPath: "/work/app", EnqueuedAt: at}))

	require.NoError(t, st.RecordUsage(ctx, &models.UsageRecord{
		ThreadID: "t-done", OwnerUserID: "u1", ProjectPath: "/work/app", Model: "claude-sonnet-4-5",
		InputTokens: 1500, OutputTokens: 300, CostUSD: 0.25, Turns: 3, Success: true, CreatedAt: at,
	}))
	require.NoError(t, st.RecordUsage(ctx, &models.UsageRecord{
		ThreadID: "t-failed", OwnerUserID: "u2", ProjectPath: "/work/lib", Model: "claude-sonnet-4-5",
		InputTokens: 10, CostUSD: 0.001, Success: false, CreatedAt: at,
	}))
}

func TestSessionsList(t *testing.T) {
	testEnv(t)
	out := captureOutput(t)
	seedHistory(t)

	sessionsStatus = ""
	require.NoError(t, sessionsListRun())
	assert.Contains(t, out.String(), "t-done")
	assert.Contains(t, out.String(), "t-failed")

	out.Reset()
	sessionsStatus = "error"
	t.Cleanup(func() { sessionsStatus = "" })
	require.NoError(t, sessionsListRun())
	assert.NotContains(t, out.String(), "t-done")
	assert.Contains(t, out.String(), "t-failed")
}

func TestSessionsList_Empty(t *testing.T) {
	testEnv(t)
	out := captureOutput(t)

	require.NoError(t, sessionsListRun())
	assert.Contains(t, out.String(), "No sessions.")
}

func TestSessionsShow(t *testing.T) {
	testEnv(t)
	out := captureOutput(t)
	seedHistory(t)

	require.NoError(t, sessionsShowRun("t-done"))
	s := out.String()
	assert.Contains(t, s, "/work/app")
	assert.Contains(t, s, "Bash=2")
	assert.Contains(t, s, "run the tests")
	assert.Contains(t, s, "1 queries")
	assert.Contains(t, s, "$0.2500")

	assert.Error(t, sessionsShowRun("missing"))
}

func TestQueueRun(t *testing.T) {
	testEnv(t)
	out := captureOutput(t)
	seedHistory(t)

	require.NoError(t, queueRun(""))
	s := out.String()
	assert.Less(t, bytes.Index(out.Bytes(), []byte("t-q1")), bytes.Index(out.Bytes(), []byte("t-q2")))
	assert.Contains(t, s, "first")

	out.Reset()
	require.NoError(t, queueRun("/elsewhere"))
	assert.Contains(t, out.String(), "Queue is empty.")
}

func TestUsageRun(t *testing.T) {
	testEnv(t)
	out := captureOutput(t)
	seedHistory(t)
	t.Cleanup(func() { usageDay, usageFrom, usageTo = "", "", "" })

	usageDay = "2026-03-01"
	require.NoError(t, usageRun(time.Now()))
	s := out.String()
	assert.Contains(t, s, "u1")
	assert.Contains(t, s, "u2")
	assert.Contains(t, s, "1.5k")
	assert.Contains(t, s, "Total: $0.2510")

	out.Reset()
	usageDay = ""
	require.NoError(t, usageRun(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)))
	assert.Contains(t, out.String(), "No usage")
}

func TestUsageRange(t *testing.T) {
	t.Cleanup(func() { usageDay, usageFrom, usageTo = "", "", "" })
	today := time.Date(2026, 3, 5, 15, 30, 0, 0, time.UTC)

	from, to, err := usageRange(today)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-05", from.Format(time.DateOnly))
	assert.Equal(t, from, to)

	usageFrom, usageTo = "2026-03-01", "2026-03-03"
	from, to, err = usageRange(today)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01", from.Format(time.DateOnly))
	assert.Equal(t, "2026-03-03", to.Format(time.DateOnly))

	usageFrom, usageTo = "2026-03-04", "2026-03-01"
	_, _, err = usageRange(today)
	assert.Error(t, err)

	usageFrom, usageTo = "", ""
	usageDay = "03/01/2026"
	_, _, err = usageRange(today)
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	testEnv(t)
	out := captureOutput(t)

	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, out.String(), "ccbot dev")
}
