// internal/types/interfaces.go
package types

import (
	"context"
	"encoding/json"
)

// Spawner starts an agent-driver execution for a fresh instruction. A start
// failure is returned directly. Otherwise the returned channel yields exactly
// one value when the execution ends (nil on a clean exit) and is then closed.
type Spawner interface {
	Spawn(ctx context.Context, sessionID SessionID, request json.RawMessage) (<-chan error, error)
}

// RunStore is the write-once sink for completed run records.
type RunStore interface {
	Write(ctx context.Context, record any) (string, error)
	WriteRaw(ctx context.Context, data json.RawMessage) (string, error)
	List(ctx context.Context) ([]string, error)
	Read(ctx context.Context, id string) (json.RawMessage, bool, error)
}
