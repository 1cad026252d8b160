package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/user/toolrelay/internal/types"
)

// FuncSpawner runs an in-process worker in its own goroutine. A panic is
// reported as the worker's exit error.
type FuncSpawner func(ctx context.Context, id types.SessionID, request json.RawMessage) error

// Spawn calls f in a new goroutine.
func (f FuncSpawner) Spawn(ctx context.Context, id types.SessionID, request json.RawMessage) (<-chan error, error) {
	if f == nil {
		return nil, fmt.Errorf("nil worker func")
	}
	done := make(chan error, 1)
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("worker panic: %v", r)
			}
		}()
		done <- f(ctx, id, request)
	}()
	return done, nil
}
