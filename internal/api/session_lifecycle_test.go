package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sean85120/ccbot/internal/models"
	"github.com/sean85120/ccbot/internal/notify"
	"github.com/sean85120/ccbot/internal/runtime/runtimetest"
)

func (ts *testServer) session(t *testing.T, thread string) map[string]any {
	t.Helper()
	w := ts.do(t, "GET", "/api/v1/sessions/"+thread, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	return got
}

func (ts *testServer) notifications(t *testing.T, thread string) []notify.Message {
	t.Helper()
	w := ts.do(t, "GET", "/api/v1/sessions/"+thread+"/notifications", "")
	require.Equal(t, http.StatusOK, w.Code)
	var msgs []notify.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msgs))
	return msgs
}

func TestSessionLifecycle_ApprovalFollowUpEnd(t *testing.T) {
	ts := setupTestServer(t, runtimetest.UseTool("Bash", map[string]any{"command": "go test ./..."}))

	w := ts.do(t, "POST", "/api/v1/sessions", `{"thread_id":"t1","owner_user_id":"u1","prompt":"run tests","project_path":"/work/app"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	require.Eventually(t, func() bool {
		got := ts.session(t, "t1")
		return got["status"] == string(models.SessionStatusAwaitingApproval) && got["pending_approval"] != nil
	}, 2*time.Second, 10*time.Millisecond)

	got := ts.session(t, "t1")
	pending := got["pending_approval"].(map[string]any)
	assert.Equal(t, "Bash", pending["tool_name"])
	ref := pending["notification_ref"].(string)

	msgs := ts.notifications(t, "t1")
	require.NotEmpty(t, msgs)
	assert.Equal(t, notify.KindApprovalRequest, msgs[0].Kind)
	assert.Equal(t, ref, msgs[0].Ref)

	w = ts.do(t, "POST", "/api/v1/sessions/t1/decision", fmt.Sprintf(`{"behavior":"deny","notification_ref":%q}`, ref))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"resolved":true}`, w.Body.String())
	ts.manager.Wait()

	got = ts.session(t, "t1")
	assert.Equal(t, string(models.SessionStatusWaitingForInput), got["status"])
	assert.Nil(t, got["pending_approval"])

	// The runtime saw the default deny reason.
	var streamed []string
	for _, m := range ts.notifications(t, "t1") {
		if m.Kind == notify.KindStream {
			streamed = append(streamed, m.Text)
		}
	}
	assert.Contains(t, streamed, "deny: "+models.ReasonUserDenied)

	// A late decision for the same prompt is ignored.
	w = ts.do(t, "POST", "/api/v1/sessions/t1/decision", fmt.Sprintf(`{"behavior":"allow","notification_ref":%q}`, ref))
	assert.JSONEq(t, `{"resolved":false}`, w.Body.String())

	w = ts.do(t, "POST", "/api/v1/sessions/t1/messages", `{"text":"try again"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, func() bool {
		return ts.session(t, "t1")["pending_approval"] != nil
	}, 2*time.Second, 10*time.Millisecond)

	w = ts.do(t, "POST", "/api/v1/sessions/t1/decision", `{"behavior":"allow","always_allow":true}`)
	assert.JSONEq(t, `{"resolved":true}`, w.Body.String())
	ts.manager.Wait()

	calls := ts.rt.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0].SessionID, calls[1].Opts.ResumeToken)

	w = ts.do(t, "POST", "/api/v1/sessions/t1/end", "")
	require.Equal(t, http.StatusNoContent, w.Code)

	// Ended sessions remain visible through the store.
	got = ts.session(t, "t1")
	assert.Equal(t, string(models.SessionStatusCompleted), got["status"])
	assert.Equal(t, false, got["live"])
	assert.Equal(t, float64(2), got["total_tool_uses"])

	w = ts.do(t, "GET", "/api/v1/sessions?history=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	var history []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	require.Len(t, history, 1)

	w = ts.do(t, "GET", "/api/v1/sessions/t1/usage", "")
	require.Equal(t, http.StatusOK, w.Code)
	var usage []models.UsageRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &usage))
	require.Len(t, usage, 2)

	w = ts.do(t, "GET", "/api/v1/usage", "")
	require.Equal(t, http.StatusOK, w.Code)
	var daily []models.DailyUsage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &daily))
	require.Len(t, daily, 1)
	assert.Equal(t, "u1", daily[0].OwnerUserID)
	assert.Equal(t, 2, daily[0].Queries)
	assert.Equal(t, 1, daily[0].Sessions)
}

func TestSessionLifecycle_StopReleasesProject(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	ts := setupTestServer(t, func(ctx context.Context, c *runtimetest.Call) error {
		if c.Prompt == "long" {
			return runtimetest.Block(release)(ctx, c)
		}
		return runtimetest.Reply("ok")(ctx, c)
	})

	require.Equal(t, http.StatusCreated, ts.do(t, "POST", "/api/v1/sessions", `{"thread_id":"a","prompt":"long","project_path":"/p"}`).Code)
	require.Equal(t, http.StatusAccepted, ts.do(t, "POST", "/api/v1/sessions", `{"thread_id":"b","prompt":"short","project_path":"/p"}`).Code)

	w := ts.do(t, "POST", "/api/v1/sessions/b/messages", `{"text":"hurry"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, "POST", "/api/v1/sessions/a/stop", "")
	require.Equal(t, http.StatusNoContent, w.Code)
	ts.manager.Wait()

	assert.Equal(t, string(models.SessionStatusWaitingForInput), ts.session(t, "b")["status"])
	a := ts.session(t, "a")
	assert.Equal(t, string(models.SessionStatusCompleted), a["status"])
	assert.Equal(t, models.ReasonStopped, a["last_error"])
}
