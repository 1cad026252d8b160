package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/toolrelay/internal/gateway"
	"github.com/user/toolrelay/internal/state"
	"github.com/user/toolrelay/internal/types"
	"github.com/user/toolrelay/internal/worker"
	"github.com/user/toolrelay/pkg/relay"
)

type fixture struct {
	gw   *gateway.Gateway
	runs *state.RunStore
	srv  *httptest.Server
}

// setupServer wires a gateway whose workers are in-process agents talking
// back to the relay over HTTP.
func setupServer(t *testing.T, agent func(ctx context.Context, c *relay.Client) error, opts ...gateway.Option) *fixture {
	t.Helper()
	f := &fixture{runs: state.NewRunStore(t.TempDir())}

	spawner := worker.FuncSpawner(func(ctx context.Context, id types.SessionID, _ json.RawMessage) error {
		c := relay.NewClient(f.srv.URL, string(id))
		c.Retry = relay.NoRetry()
		return agent(ctx, c)
	})
	f.gw = gateway.New(spawner, f.runs, append([]gateway.Option{gateway.WithCleanupGrace(20 * time.Millisecond)}, opts...)...)
	f.gw.Start(t.Context())
	f.srv = httptest.NewServer(NewServer(f.gw, f.runs))
	t.Cleanup(func() {
		// Stopping the gateway first releases handlers blocked on sessions.
		f.gw.Stop()
		f.srv.Close()
	})
	return f
}

func post(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestHealthEndpoint(t *testing.T) {
	srv := NewServer(gateway.New(nil, nil), nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.Len(t, w.Header().Get(HeaderRequestID), 36)
}

func TestRequestIDEchoed(t *testing.T) {
	srv := NewServer(gateway.New(nil, nil), nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(HeaderRequestID, "abc-123")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get(HeaderRequestID))
}

func TestMissingSessionRejected(t *testing.T) {
	gw := gateway.New(nil, nil)
	srv := httptest.NewServer(NewServer(gw, nil))
	defer srv.Close()

	bodies := []string{
		`{"messages":[{"role":"user","content":"hi"}]}`,
		`{"session_id":"","messages":[]}`,
		`{"session_id":42,"messages":[]}`,
	}
	for _, path := range []string{"/chat/completions", "/v1/chat/completions", "/tool-calls", "/v1/tool-calls"} {
		for _, body := range bodies {
			resp, out := post(t, srv.URL+path, body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "%s %s", path, body)
			assert.Equal(t, errMissingSession, out["error"])
		}
	}
	assert.Empty(t, gw.Sessions(), "rejected requests must not create sessions")
}

func TestInvalidJSONRejected(t *testing.T) {
	gw := gateway.New(nil, nil)
	srv := httptest.NewServer(NewServer(gw, nil))
	defer srv.Close()

	resp, out := post(t, srv.URL+"/chat/completions", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid JSON", out["error"])

	resp, _ = post(t, srv.URL+"/tool-calls", `{"session_id":"s1","choices":[]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, gw.Sessions())
}

func TestBodyLimit(t *testing.T) {
	srv := httptest.NewServer(NewServer(gateway.New(nil, nil), nil, WithMaxBodyBytes(16)))
	defer srv.Close()

	resp, _ := post(t, srv.URL+"/chat/completions", `{"session_id":"s1","messages":[]}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestSingleToolCallOverHTTP(t *testing.T) {
	f := setupServer(t, func(ctx context.Context, c *relay.Client) error {
		got, err := c.CallTool(ctx, "echo", map[string]string{"text": "ping"})
		if err != nil {
			return err
		}
		return c.Finish(ctx, "agent", "tool said "+got, nil)
	})

	exec := relay.NewClient(f.srv.URL, "s1")
	exec.Retry = relay.NoRetry()
	first, err := exec.Complete(t.Context(), &relay.ChatRequest{
		Messages: []relay.Message{{Role: "user", Content: relay.TextContent("echo ping")}},
	})
	require.NoError(t, err)
	require.Equal(t, relay.FinishReasonToolCalls, first.FinishReason())
	call := first.Choices[0].Message.ToolCalls[0]
	assert.Equal(t, "echo", call.Function.Name)
	assert.Regexp(t, `^call_[0-9a-f]{24}$`, call.ID)

	final, err := exec.Complete(t.Context(), &relay.ChatRequest{Messages: []relay.Message{
		{Role: "user", Content: relay.TextContent("echo ping")},
		{Role: "assistant", ToolCalls: []relay.ToolCall{call}},
		{Role: "tool", ToolCallID: call.ID, Content: relay.TextContent("pong")},
	}})
	require.NoError(t, err)
	assert.Equal(t, relay.FinishReasonStop, final.FinishReason())
	assert.Equal(t, "tool said pong", final.Choices[0].Message.Text())

	require.Eventually(t, func() bool { return len(f.gw.Sessions()) == 0 }, time.Second, 5*time.Millisecond)

	runs, err := exec.Runs(t.Context())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	rec, err := exec.Run(t.Context(), runs[0])
	require.NoError(t, err)
	var record gateway.RunRecord
	require.NoError(t, json.Unmarshal(rec, &record))
	assert.Equal(t, gateway.RunComplete, record.Status)
	assert.Len(t, record.Exchanges, 4)
}

func TestTerminalTurnAcknowledgedWithEmptyObject(t *testing.T) {
	gw := gateway.New(nil, nil)
	srv := httptest.NewServer(NewServer(gw, nil))
	t.Cleanup(func() {
		gw.Stop()
		srv.Close()
	})

	data, err := json.Marshal(relay.NewFinalCompletion("cmpl-1", "m", "done", nil))
	require.NoError(t, err)
	body := strings.Replace(string(data), `{`, `{"session_id":"s1",`, 1)

	resp, out := post(t, srv.URL+"/tool-calls", body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, out)
}

func TestExecutionFailureIs502(t *testing.T) {
	f := setupServer(t, func(ctx context.Context, c *relay.Client) error {
		return fmt.Errorf("exit status 1")
	})

	resp, out := post(t, f.srv.URL+"/chat/completions", `{"session_id":"s1","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, out["error"], "execution failure")
	assert.Empty(t, f.gw.Sessions())
}

func TestTurnTimeoutIs504(t *testing.T) {
	f := setupServer(t, func(ctx context.Context, c *relay.Client) error {
		<-ctx.Done()
		return nil
	}, gateway.WithTurnTimeout(30*time.Millisecond))

	resp, out := post(t, f.srv.URL+"/chat/completions", `{"session_id":"s1","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Contains(t, out["error"], "timed out")
	assert.Len(t, f.gw.Sessions(), 1)
}

func TestSessionsEndpoint(t *testing.T) {
	gw := gateway.New(nil, nil, gateway.WithTurnTimeout(0))
	srv := httptest.NewServer(NewServer(gw, nil))
	t.Cleanup(func() {
		gw.Stop()
		srv.Close()
	})

	// Park an executor on s1 so the session stays live.
	go func() {
		resp, err := http.Post(srv.URL+"/chat/completions", "application/json", strings.NewReader(
			`{"session_id":"s1","messages":[{"role":"tool","tool_call_id":"c","content":"r"}]}`))
		if err == nil {
			resp.Body.Close()
		}
	}()
	require.Eventually(t, func() bool { return len(gw.Sessions()) == 1 }, time.Second, time.Millisecond)

	c := relay.NewClient(srv.URL, "")
	list, err := c.Sessions(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "s1", list.Sessions[0].SessionID)
	assert.GreaterOrEqual(t, list.Sessions[0].Age, int64(0))
	assert.Regexp(t, `^\d+\.\d{2}$`, list.Sessions[0].AgeMinutes)
}

func TestRunsEndpoints(t *testing.T) {
	runs := state.NewRunStore(t.TempDir())
	srv := httptest.NewServer(NewServer(gateway.New(nil, nil), runs))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/runs")
	require.NoError(t, err)
	var list map[string][]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	assert.Equal(t, []string{}, list["runs"])

	resp, out := post(t, srv.URL+"/api/runs", `{"result":"ok"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := out["run_id"].(string)
	assert.Regexp(t, `^run_\d+\.json$`, id)

	resp, err = http.Get(srv.URL + "/api/runs/" + id)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	resp.Body.Close()
	assert.Equal(t, "ok", rec["result"])

	resp, err = http.Get(srv.URL + "/api/runs/run_1.json")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp, _ = post(t, srv.URL+"/api/runs", `nope`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunsWithoutStore(t *testing.T) {
	srv := NewServer(gateway.New(nil, nil), nil)
	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", gateway.ErrInvalidRequest), http.StatusBadRequest},
		{fmt.Errorf("x: %w", gateway.ErrExecutionFailure), http.StatusBadGateway},
		{fmt.Errorf("x: %w", gateway.ErrTurnTimeout), http.StatusGatewayTimeout},
		{fmt.Errorf("x: %w", gateway.ErrSessionClosed), http.StatusGone},
		{fmt.Errorf("x: %w", gateway.ErrSessionStale), http.StatusGone},
		{invalid("bad"), http.StatusBadRequest},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
