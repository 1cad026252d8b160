package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/user/toolrelay/internal/types"
)

// Limited caps the number of workers running at once. A started worker
// holds its slot until it exits.
type Limited struct {
	next types.Spawner
	sem  *semaphore.Weighted
}

// Limit wraps next so that at most n workers run concurrently. A
// non-positive n returns next unchanged.
func Limit(next types.Spawner, n int64) types.Spawner {
	if n <= 0 {
		return next
	}
	return &Limited{next: next, sem: semaphore.NewWeighted(n)}
}

// Spawn waits for a free slot, bounded by ctx, then starts the worker.
func (l *Limited) Spawn(ctx context.Context, id types.SessionID, request json.RawMessage) (<-chan error, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire worker slot: %w", err)
	}
	done, err := l.next.Spawn(ctx, id, request)
	if err != nil {
		l.sem.Release(1)
		return nil, err
	}

	out := make(chan error, 1)
	go func() {
		defer close(out)
		err := <-done
		l.sem.Release(1)
		out <- err
	}()
	return out, nil
}
