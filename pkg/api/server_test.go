package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/henryperkins/veritas/pkg/events"
	"github.com/henryperkins/veritas/pkg/models"
	"github.com/henryperkins/veritas/pkg/orchestrator"
	"github.com/henryperkins/veritas/pkg/store"
)

type stubRunner struct {
	resp     *models.ChatResponse
	trace    *models.SessionTrace
	err      error
	emits    []events.Event
	registry *orchestrator.Registry
	gotInput orchestrator.Input
}

func newStubRunner() *stubRunner {
	return &stubRunner{registry: orchestrator.NewRegistry()}
}

func (s *stubRunner) Run(ctx context.Context, input orchestrator.Input, emitter events.Emitter) (*models.ChatResponse, *models.SessionTrace, error) {
	s.gotInput = input
	for _, ev := range s.emits {
		emitter.Emit(ev)
	}
	return s.resp, s.trace, s.err
}

func (s *stubRunner) Registry() *orchestrator.Registry {
	return s.registry
}

type stubTraces struct {
	trace *models.SessionTrace
	err   error
}

func (s *stubTraces) GetTrace(ctx context.Context, sessionID string) (*models.SessionTrace, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.trace, nil
}

func chatBody(t *testing.T) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "when did Go ship?"}},
	})
	require.NoError(t, err)
	return bytes.NewReader(body)
}

func newTestServer(runner *stubRunner, traces TraceReader, cfg Config) *Server {
	return NewServer(runner, traces, nil, nil, cfg, nil)
}

func TestChat_ReturnsAnswer(t *testing.T) {
	runner := newStubRunner()
	runner.resp = &models.ChatResponse{
		SessionID: "s-1",
		Answer:    "Go 1.0 shipped in March 2012 [1].",
		Citations: []models.Reference{{ID: "doc-1", Title: "Guide"}},
	}
	srv := newTestServer(runner, nil, Config{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", chatBody(t))
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got models.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "s-1", got.SessionID)
	assert.Contains(t, got.Answer, "[1]")
	assert.Equal(t, models.ModeSync, runner.gotInput.Mode)
}

func TestChat_MalformedBodyRejected(t *testing.T) {
	srv := newTestServer(newStubRunner(), nil, Config{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader("{not json"))
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChat_RequiresUserMessage(t *testing.T) {
	srv := newTestServer(newStubRunner(), nil, Config{})

	body, err := json.Marshal(ChatRequest{
		Messages: []models.Message{{Role: models.RoleAssistant, Content: "hello"}},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", bytes.NewReader(body))
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChat_RejectsTooManyMessages(t *testing.T) {
	srv := newTestServer(newStubRunner(), nil, Config{MaxMessages: 2})

	body, err := json.Marshal(ChatRequest{Messages: []models.Message{
		{Role: models.RoleUser, Content: "one"},
		{Role: models.RoleAssistant, Content: "two"},
		{Role: models.RoleUser, Content: "three"},
	}})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/chat", bytes.NewReader(body)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "too many messages")
}

func TestChat_RejectsOversizedMessage(t *testing.T) {
	srv := newTestServer(newStubRunner(), nil, Config{MaxMessageChars: 10})

	body, err := json.Marshal(ChatRequest{Messages: []models.Message{
		{Role: models.RoleUser, Content: strings.Repeat("x", 11)},
	}})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/chat", bytes.NewReader(body)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "too long")
}

func TestChat_RejectsOversizedConversation(t *testing.T) {
	srv := newTestServer(newStubRunner(), nil, Config{MaxTotalChars: 25})

	body, err := json.Marshal(ChatRequest{Messages: []models.Message{
		{Role: models.RoleUser, Content: strings.Repeat("a", 15)},
		{Role: models.RoleUser, Content: strings.Repeat("b", 15)},
	}})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/chat", bytes.NewReader(body)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "conversation is too long")
}

func TestChat_RejectsUnknownRole(t *testing.T) {
	srv := newTestServer(newStubRunner(), nil, Config{})

	body, err := json.Marshal(map[string]any{
		"messages": []map[string]string{{"role": "robot", "content": "hi"}},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", bytes.NewReader(body))
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChat_DeadlineMapsToTimeout(t *testing.T) {
	runner := newStubRunner()
	runner.err = context.DeadlineExceeded
	srv := newTestServer(runner, nil, Config{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", chatBody(t))
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestTimeout, rec.Code)
}

func TestChat_PipelineFailureMapsToInternalError(t *testing.T) {
	runner := newStubRunner()
	runner.err = assert.AnError
	srv := newTestServer(runner, nil, Config{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", chatBody(t))
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestChatStream_FramesEventsAsSSE(t *testing.T) {
	runner := newStubRunner()
	runner.emits = []events.Event{
		{Name: events.EventStatus, Payload: events.StatusPayload{Stage: "routing"}},
		{Name: events.EventTokens, Payload: events.TokensPayload{Content: "Go 1.0 "}},
		{Name: events.EventTokens, Payload: events.TokensPayload{Content: "shipped in 2012 [1]."}},
		{Name: events.EventDone, Payload: events.DonePayload{Status: "complete"}},
	}
	srv := newTestServer(runner, nil, Config{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/stream", chatBody(t))
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event:tokens")
	assert.Contains(t, body, "event:done")
	assert.Less(t, strings.Index(body, "event:tokens"), strings.Index(body, "event:done"))
	assert.Equal(t, models.ModeStream, runner.gotInput.Mode)
}

func TestChatStream_MalformedBodyRejectedBeforeStreaming(t *testing.T) {
	srv := newTestServer(newStubRunner(), nil, Config{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/stream", strings.NewReader("[]"))
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEqual(t, "text/event-stream", rec.Header().Get("Content-Type"))
}

func TestTrace_ReturnsPersistedTrace(t *testing.T) {
	traces := &stubTraces{trace: &models.SessionTrace{
		SessionID: "s-1",
		Status:    models.StatusCompleted,
		Answer:    "done",
	}}
	srv := newTestServer(newStubRunner(), traces, Config{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s-1/trace", nil)
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got models.SessionTrace
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestTrace_UnknownSessionIs404(t *testing.T) {
	srv := newTestServer(newStubRunner(), &stubTraces{err: store.ErrNotFound}, Config{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/nope/trace", nil)
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancel_LiveSessionIsAccepted(t *testing.T) {
	runner := newStubRunner()
	cancelled := false
	runner.registry.Add("s-live", func() { cancelled = true })
	srv := newTestServer(runner, nil, Config{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/s-live/cancel", nil)
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, cancelled)
}

func TestCancel_UnknownSessionIs404(t *testing.T) {
	srv := newTestServer(newStubRunner(), nil, Config{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/ghost/cancel", nil)
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth_ReflectsProbe(t *testing.T) {
	srv := NewServer(newStubRunner(), nil, func(ctx context.Context) error { return nil }, nil, Config{}, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	srv = NewServer(newStubRunner(), nil, func(ctx context.Context) error { return assert.AnError }, nil, Config{}, nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRateLimit_RejectsExcessRequests(t *testing.T) {
	runner := newStubRunner()
	runner.resp = &models.ChatResponse{SessionID: "s-1", Answer: "ok"}
	srv := newTestServer(runner, nil, Config{RequestsPerMinute: 1})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/chat", chatBody(t)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/chat", chatBody(t)))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRetries_EmptyWithoutSource(t *testing.T) {
	srv := newTestServer(newStubRunner(), nil, Config{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/debug/retries", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"retries": []}`, rec.Body.String())
}
