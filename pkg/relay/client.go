package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ErrCorrelation means the tool results returned by the relay did not
// include an answer for the tool call that was sent.
var ErrCorrelation = errors.New("tool result not found for tool call")

// APIError is a non-2xx response from the relay.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// SessionInfo describes a live relay session.
type SessionInfo struct {
	SessionID  string `json:"sessionId"`
	Age        int64  `json:"age"`
	AgeMinutes string `json:"ageMinutes"`
}

// SessionList is the body of GET /api/sessions.
type SessionList struct {
	Sessions []SessionInfo `json:"sessions"`
	Total    int           `json:"total"`
}

// Client talks to a relay on behalf of one session. The executor side uses
// Complete; the agent-driver side uses SubmitTurn, CallTool and Finish.
type Client struct {
	BaseURL    string
	SessionID  string
	HTTPClient *http.Client
	Retry      *RetryPolicy
}

// NewClient creates a client for sessionID. Requests have no client-side
// timeout because each one blocks until the other leg answers.
func NewClient(baseURL, sessionID string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		SessionID:  sessionID,
		HTTPClient: &http.Client{},
		Retry:      DefaultRetryPolicy(),
	}
}

// Complete sends an executor request (a fresh instruction or tool results)
// and returns the agent's next completion.
func (c *Client) Complete(ctx context.Context, req *ChatRequest) (*ChatCompletion, error) {
	if req.SessionID == "" {
		req.SessionID = c.SessionID
	}
	var out ChatCompletion
	if err := c.do(ctx, http.MethodPost, "/chat/completions", req, &out); err != nil {
		return nil, fmt.Errorf("complete: %w", err)
	}
	return &out, nil
}

// SubmitTurn publishes a completion and returns the executor's next
// request. A terminal completion is acknowledged with a nil request.
func (c *Client) SubmitTurn(ctx context.Context, completion *ChatCompletion) (*ChatRequest, error) {
	if completion.SessionID == "" {
		completion.SessionID = c.SessionID
	}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/tool-calls", completion, &raw); err != nil {
		return nil, fmt.Errorf("submit turn: %w", err)
	}
	if completion.Terminal() {
		return nil, nil
	}
	var req ChatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode tool results: %w", err)
	}
	return &req, nil
}

// CallTool asks the executor to run one tool and returns its result text.
// args is encoded as JSON unless it is already a string or raw JSON.
func (c *Client) CallTool(ctx context.Context, name string, args any) (string, error) {
	argText, err := encodeArguments(args)
	if err != nil {
		return "", fmt.Errorf("encode %s arguments: %w", name, err)
	}
	callID := NewCallID()
	completion := NewToolCallCompletion(NewCompletionID(), "", ToolCall{
		ID:       callID,
		Type:     "function",
		Function: FunctionCall{Name: name, Arguments: argText},
	})

	req, err := c.SubmitTurn(ctx, completion)
	if err != nil {
		return "", err
	}
	result, ok := req.ToolResult(callID)
	if !ok {
		return "", fmt.Errorf("%w: %s (%s)", ErrCorrelation, callID, name)
	}
	return result, nil
}

// Finish publishes the terminal answer for the session.
func (c *Client) Finish(ctx context.Context, model, content string, usage *Usage) error {
	_, err := c.SubmitTurn(ctx, NewFinalCompletion(NewCompletionID(), model, content, usage))
	return err
}

// Health reports whether the relay is serving.
func (c *Client) Health(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	if out.Status != "ok" {
		return fmt.Errorf("health: status %q", out.Status)
	}
	return nil
}

// Sessions lists live sessions.
func (c *Client) Sessions(ctx context.Context) (*SessionList, error) {
	var out SessionList
	if err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &out); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return &out, nil
}

// Runs lists run record ids, most recent first.
func (c *Client) Runs(ctx context.Context) ([]string, error) {
	var out struct {
		Runs []string `json:"runs"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/runs", nil, &out); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out.Runs, nil
}

// Run fetches one run record.
func (c *Client) Run(ctx context.Context, id string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return out, nil
}

// UploadRun stores a record produced by the agent driver and returns its
// id.
func (c *Client) UploadRun(ctx context.Context, record any) (string, error) {
	var out struct {
		RunID string `json:"run_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/runs", record, &out); err != nil {
		return "", fmt.Errorf("upload run: %w", err)
	}
	return out.RunID, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
	}

	policy := c.Retry
	if policy == nil {
		policy = NoRetry()
	}
	return policy.Execute(ctx, func(ctx context.Context) error {
		return c.roundTrip(ctx, method, path, payload, out)
	})
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload []byte, out any) error {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(status int, data []byte) error {
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{StatusCode: status, Message: msg}
}

func encodeArguments(args any) (string, error) {
	switch v := args.(type) {
	case nil:
		return "{}", nil
	case string:
		return v, nil
	case json.RawMessage:
		return string(v), nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
