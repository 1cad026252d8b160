package relay

import (
	"encoding/json"
	"time"
)

// Finish reasons carried by ChatCompletion choices.
const (
	FinishReasonStop         = "stop"
	FinishReasonToolCalls    = "tool_calls"
	FinishReasonFunctionCall = "function_call"
	FinishReasonLength       = "length"
)

// ChatCompletion is the agent→client envelope: either a final answer or a
// batch of tool calls.
type ChatCompletion struct {
	ID        string   `json:"id"`
	Object    string   `json:"object"`
	Created   int64    `json:"created"`
	Model     string   `json:"model"`
	Choices   []Choice `json:"choices"`
	Usage     *Usage   `json:"usage,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
}

// Choice is a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Message is a chat message in either direction.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
}

// ToolCall is a tool invocation requested by the agent.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the tool name and its JSON-encoded argument string.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Usage tracks token consumption reported by the agent.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatRequest is the client→agent envelope: the initial instruction or the
// conversation so far with tool results appended.
type ChatRequest struct {
	Model     string          `json:"model,omitempty"`
	Messages  []Message       `json:"messages"`
	Tools     json.RawMessage `json:"tools,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
}

// FinishReason returns the first choice's finish reason, or "" when there
// are no choices.
func (c *ChatCompletion) FinishReason() string {
	if len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].FinishReason
}

// Terminal reports whether the completion ends the conversation. Anything
// other than a tool-call turn is terminal.
func (c *ChatCompletion) Terminal() bool {
	switch c.FinishReason() {
	case FinishReasonToolCalls, FinishReasonFunctionCall:
		return false
	}
	return true
}

// HasToolMessages reports whether the request carries tool traffic: a tool
// role message or an assistant message with tool calls. A request without
// tool traffic is a fresh top-level instruction.
func (r *ChatRequest) HasToolMessages() bool {
	for _, m := range r.Messages {
		if m.Role == "tool" || len(m.ToolCalls) > 0 {
			return true
		}
	}
	return false
}

// TrailingToolCallIDs returns the tool_call_id of each tool message after
// the last non-tool message, in order.
func (r *ChatRequest) TrailingToolCallIDs() []string {
	end := len(r.Messages)
	start := end
	for start > 0 && r.Messages[start-1].Role == "tool" {
		start--
	}
	ids := make([]string, 0, end-start)
	for _, m := range r.Messages[start:end] {
		ids = append(ids, m.ToolCallID)
	}
	return ids
}

// ToolResult returns the text content of the tool message answering
// callID. The boolean is false when no such message exists.
func (r *ChatRequest) ToolResult(callID string) (string, bool) {
	for _, m := range r.Messages {
		if m.Role != "tool" || m.ToolCallID != callID {
			continue
		}
		return m.Text(), true
	}
	return "", false
}

// Text returns the message content as plain text. String content is
// unquoted; an array of content parts is joined from its text parts; any
// other JSON is returned verbatim.
func (m Message) Text() string {
	if len(m.Content) == 0 || string(m.Content) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &parts); err == nil {
		var out string
		for _, p := range parts {
			if p.Type == "text" {
				out += p.Text
			}
		}
		return out
	}
	return string(m.Content)
}

// TextContent encodes s as message content.
func TextContent(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

// NewToolCallCompletion builds a tool-call turn for the given calls.
func NewToolCallCompletion(id, model string, calls ...ToolCall) *ChatCompletion {
	return &ChatCompletion{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: "assistant", ToolCalls: calls},
			FinishReason: FinishReasonToolCalls,
		}},
		Usage: &Usage{},
	}
}

// NewFinalCompletion builds a terminal turn with assistant text.
func NewFinalCompletion(id, model, content string, usage *Usage) *ChatCompletion {
	if usage == nil {
		usage = &Usage{}
	}
	return &ChatCompletion{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: "assistant", Content: TextContent(content)},
			FinishReason: FinishReasonStop,
		}},
		Usage: usage,
	}
}
