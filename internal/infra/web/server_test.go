//go:build !integration

package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coach-chat-jobs/internal/domain/model"
	ai "coach-chat-jobs/internal/infra/adapters/ai"
	"coach-chat-jobs/internal/infra/db/memory"
	"coach-chat-jobs/internal/infra/delivery"
	queue "coach-chat-jobs/internal/infra/queue/memory"
	"coach-chat-jobs/internal/usecase"
)

const testSecret = "test-jwt-secret-please-change"

// newTestLogger creates a silent logger for tests.
func newTestLogger() *zerolog.Logger {
	logger := zerolog.Nop()
	return &logger
}

type harness struct {
	store  *memory.Store
	queue  *queue.Queue
	bridge *delivery.Bridge
	exec   *usecase.Executor
	auth   *AuthManager
	srv    *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := newTestLogger()
	store := memory.NewStore()
	q := queue.NewQueue(16)
	bridge := delivery.NewBridge(logger)

	policy, err := usecase.NewMarkerCompletionPolicy("[[SESSION_COMPLETE]]", nil)
	require.NoError(t, err)
	exec := usecase.NewExecutor(usecase.ExecutorConfig{
		WorkerID:        "w-web",
		CheckpointBytes: 8,
		DefaultModel:    "scripted",
	}, store.Jobs(), store.Sessions(), store.TxManager(), ai.NewScriptedAdapter(0, "[[SESSION_COMPLETE]]"),
		bridge, policy, usecase.NewJSONBlockExtractor(), nil, logger)

	submit := usecase.NewSubmissionUseCase(store.Jobs(), store.Sessions(), q, nil, 200, false, logger)
	query := usecase.NewJobQueryUseCase(store.Jobs(), store.Sessions())
	auth := NewAuthManager(testSecret, "")

	ts := httptest.NewServer(NewServer(submit, query, bridge, auth, "/api/v1", logger).Handler())
	t.Cleanup(func() {
		bridge.CloseAll()
		ts.Close()
	})
	return &harness{store: store, queue: q, bridge: bridge, exec: exec, auth: auth, srv: ts}
}

func (h *harness) seedSession(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, h.store.Sessions().Save(context.Background(), nil, model.NewChatSession(id, "tenant-1", "user-1", "")))
}

func (h *harness) token(t *testing.T, tenantID, userID string) string {
	t.Helper()
	tok, err := h.auth.Mint(tenantID, userID, time.Minute)
	require.NoError(t, err)
	return tok
}

func (h *harness) do(t *testing.T, method, path, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, bytes.NewBufferString(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func errorKind(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	k, _ := e["kind"].(string)
	return k
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t)

	t.Run("no credentials -> 401", func(t *testing.T) {
		resp, body := h.do(t, http.MethodGet, "/api/v1/job/x", "", "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "Unauthorized", errorKind(body))
	})

	t.Run("wrong signature -> 401", func(t *testing.T) {
		other := NewAuthManager("another-secret", "")
		tok, err := other.Mint("tenant-1", "user-1", time.Minute)
		require.NoError(t, err)
		resp, _ := h.do(t, http.MethodGet, "/api/v1/job/x", tok, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("garbage token -> 401", func(t *testing.T) {
		resp, _ := h.do(t, http.MethodGet, "/api/v1/job/x", h.token(t, "tenant-1", "user-1")[:10]+"garbage", "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("health and metrics are public", func(t *testing.T) {
		resp, _ := h.do(t, http.MethodGet, "/health", "", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestSubmitAndPoll(t *testing.T) {
	h := newHarness(t)
	h.seedSession(t, "s1")
	owner := h.token(t, "tenant-1", "user-1")

	resp, body := h.do(t, http.MethodPost, "/api/v1/session/s1/message", owner, `{"message":"I keep skipping workouts"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID, _ := body["jobId"].(string)
	require.NotEmpty(t, jobID)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "job/"+jobID, body["pollingRef"])
	assert.Equal(t, "job/"+jobID+"/live", body["liveChannelRef"])
	assert.Equal(t, 1, h.queue.Len())

	resp, body = h.do(t, http.MethodPost, "/api/v1/session/s1/message", owner, `{"message":"hello?"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "ConcurrentJobError", errorKind(body))

	resp, body = h.do(t, http.MethodGet, "/api/v1/job/"+jobID, owner, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", body["status"])
	assert.Nil(t, body["accumulatedOutput"])
	assert.Nil(t, body["error"])

	resp, body = h.do(t, http.MethodGet, "/api/v1/session/s1/job", owner, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, jobID, body["jobId"])

	stranger := h.token(t, "tenant-2", "user-1")
	resp, body = h.do(t, http.MethodGet, "/api/v1/job/"+jobID, stranger, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NotFoundError", errorKind(body))
	assert.NotContains(t, body, "accumulatedOutput")

	require.NoError(t, h.exec.Execute(context.Background(), jobID))

	resp, body = h.do(t, http.MethodGet, "/api/v1/job/"+jobID, owner, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
	out, _ := body["accumulatedOutput"].(string)
	assert.Contains(t, out, "I keep skipping workouts")
	assert.Equal(t, false, body["isFinal"])

	resp, _ = h.do(t, http.MethodGet, "/api/v1/session/s1/job", owner, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubmitErrors(t *testing.T) {
	h := newHarness(t)
	h.seedSession(t, "s1")
	owner := h.token(t, "tenant-1", "user-1")

	cases := []struct {
		name   string
		path   string
		body   string
		status int
		kind   string
	}{
		{"empty body", "/api/v1/session/s1/message", "", http.StatusBadRequest, "ValidationError"},
		{"bad json", "/api/v1/session/s1/message", "{", http.StatusBadRequest, "ValidationError"},
		{"blank message", "/api/v1/session/s1/message", `{"message":"   "}`, http.StatusBadRequest, "ValidationError"},
		{"too long", "/api/v1/session/s1/message", `{"message":"` + strings.Repeat("a", 201) + `"}`, http.StatusBadRequest, "ValidationError"},
		{"unknown session", "/api/v1/session/nope/message", `{"message":"hi"}`, http.StatusNotFound, "NotFoundError"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := h.do(t, http.MethodPost, tc.path, owner, tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.Equal(t, tc.kind, errorKind(body))
		})
	}
	assert.Equal(t, 0, h.queue.Len())
}

func dialLive(t *testing.T, h *harness, jobID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/api/v1/job/" + jobID + "/live?access_token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) model.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ev model.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestLiveChannel_StreamsThenCompletes(t *testing.T) {
	h := newHarness(t)
	h.seedSession(t, "s1")
	owner := h.token(t, "tenant-1", "user-1")

	_, body := h.do(t, http.MethodPost, "/api/v1/session/s1/message", owner, `{"message":"help me plan my week"}`)
	jobID := body["jobId"].(string)

	conn := dialLive(t, h, jobID, owner)
	snap := readEvent(t, conn)
	require.Equal(t, model.EventSnapshot, snap.Type)
	assert.Equal(t, model.JobStatusPending, snap.Status)

	go func() { _ = h.exec.Execute(context.Background(), jobID) }()

	var streamed strings.Builder
	for {
		ev := readEvent(t, conn)
		if ev.Type == model.EventToken {
			require.Equal(t, streamed.Len(), ev.Offset, "token offsets must be contiguous")
			streamed.WriteString(ev.Chunk)
			continue
		}
		require.Equal(t, model.EventCompletion, ev.Type)
		assert.Equal(t, ev.AccumulatedOutput, streamed.String())
		break
	}

	// the server closes the channel after the terminal event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return h.bridge.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestLiveChannel_TerminalJobSendsSnapshotAndCloses(t *testing.T) {
	h := newHarness(t)
	h.seedSession(t, "s1")
	owner := h.token(t, "tenant-1", "user-1")

	_, body := h.do(t, http.MethodPost, "/api/v1/session/s1/message", owner, `{"message":"[fail] now"}`)
	jobID := body["jobId"].(string)
	require.NoError(t, h.exec.Execute(context.Background(), jobID))

	conn := dialLive(t, h, jobID, owner)
	snap := readEvent(t, conn)
	assert.Equal(t, model.EventSnapshot, snap.Type)
	assert.Equal(t, model.JobStatusFailed, snap.Status)

	fail := readEvent(t, conn)
	require.Equal(t, model.EventFailure, fail.Type)
	require.NotNil(t, fail.Error)
	assert.Equal(t, model.ErrorKindProvider, fail.Error.Kind)
}

func TestLiveChannel_RejectsNonOwner(t *testing.T) {
	h := newHarness(t)
	h.seedSession(t, "s1")
	owner := h.token(t, "tenant-1", "user-1")
	_, body := h.do(t, http.MethodPost, "/api/v1/session/s1/message", owner, `{"message":"hi"}`)
	jobID := body["jobId"].(string)

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/api/v1/job/" + jobID + "/live?access_token=" + h.token(t, "tenant-1", "user-2")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
