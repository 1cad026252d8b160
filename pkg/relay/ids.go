package relay

import (
	"strings"

	"github.com/google/uuid"
)

// NewCallID returns an OpenAI-style tool call id: "call_" followed by 24
// hex characters.
func NewCallID() string {
	return "call_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:24]
}

// NewCompletionID returns a fresh chat completion id.
func NewCompletionID() string {
	return "chatcmpl-" + uuid.New().String()
}
