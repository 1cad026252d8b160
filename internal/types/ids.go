// internal/types/ids.go
package types

import "github.com/google/uuid"

// SessionID is the caller-supplied token that isolates one conversation.
// The relay never generates these.
type SessionID string

// RequestID identifies one HTTP request in logs and the X-Request-ID
// header.
type RequestID string

func NewRequestID() RequestID {
	return RequestID(uuid.New().String())
}
