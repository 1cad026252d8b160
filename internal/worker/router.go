package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/user/toolrelay/internal/types"
)

// ErrNoRoute is returned when no spawner matches the request's model and
// no fallback is set.
var ErrNoRoute = errors.New("no worker route")

// Router picks a spawner by the prefix of the request's model field
// (e.g. "claude-", "local/"). The longest matching prefix wins.
type Router struct {
	mu       sync.RWMutex
	routes   map[string]types.Spawner
	fallback types.Spawner
}

// NewRouter creates a router that uses fallback when no prefix matches.
// fallback may be nil.
func NewRouter(fallback types.Spawner) *Router {
	return &Router{
		routes:   make(map[string]types.Spawner),
		fallback: fallback,
	}
}

// Register routes models starting with prefix to spawner.
func (r *Router) Register(prefix string, spawner types.Spawner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[prefix] = spawner
}

// Route returns the spawner for model.
func (r *Router) Route(model string) (types.Spawner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		best    types.Spawner
		bestLen = -1
	)
	for prefix, s := range r.routes {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = s, len(prefix)
		}
	}
	if best != nil {
		return best, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w for model %q", ErrNoRoute, model)
}

// Spawn starts the worker selected by the request's model.
func (r *Router) Spawn(ctx context.Context, id types.SessionID, request json.RawMessage) (<-chan error, error) {
	var probe struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(request, &probe); err != nil {
		return nil, fmt.Errorf("decode request model: %w", err)
	}
	s, err := r.Route(probe.Model)
	if err != nil {
		return nil, err
	}
	return s.Spawn(ctx, id, request)
}
