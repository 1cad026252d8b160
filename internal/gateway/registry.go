// internal/gateway/registry.go
package gateway

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/user/toolrelay/internal/types"
)

// Exchange directions recorded in a session transcript.
const (
	DirectionToClient = "to_client"
	DirectionToAgent  = "to_agent"
)

// Exchange is one envelope that crossed the relay.
type Exchange struct {
	Direction string          `json:"direction"`
	At        time.Time       `json:"at"`
	Body      json.RawMessage `json:"body"`
}

// Session is the relay state shared by the two legs of one conversation.
// responses carries agent→client envelopes, toolResults carries
// client→agent envelopes.
type Session struct {
	ID        types.SessionID
	CreatedAt time.Time

	responses   *Queue[json.RawMessage]
	toolResults *Queue[json.RawMessage]

	// ctx is cancelled with the removal cause when the session leaves the
	// registry.
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	spawned  bool
	finished bool
	recorded bool

	// lastPublished holds the dedupe key of the envelope most recently
	// published in each direction, until the other direction answers it.
	lastPublished map[string]string
	exchanges     []Exchange
}

func newSession(id types.SessionID, now time.Time) *Session {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Session{
		ID:            id,
		CreatedAt:     now,
		responses:     NewQueue[json.RawMessage](),
		toolResults:   NewQueue[json.RawMessage](),
		ctx:           ctx,
		cancel:        cancel,
		lastPublished: make(map[string]string, 2),
	}
}

// Done is closed once the session has been removed.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Err returns the removal cause, or nil while the session is live.
func (s *Session) Err() error { return context.Cause(s.ctx) }

// Finished reports whether a terminal envelope has been observed.
func (s *Session) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Pending returns the backlog lengths of the responses and toolResults
// queues.
func (s *Session) Pending() (responses, toolResults int) {
	return s.responses.Len(), s.toolResults.Len()
}

// markSpawned returns true the first time it is called.
func (s *Session) markSpawned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spawned {
		return false
	}
	s.spawned = true
	return true
}

// markFinished returns true the first time it is called.
func (s *Session) markFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	s.finished = true
	return true
}

func (s *Session) markRecorded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recorded {
		return false
	}
	s.recorded = true
	return true
}

// markPublished reports whether an envelope with key should be published
// in direction. Only a repeat of the pending envelope, one the other side
// has not answered yet, is rejected; publishing clears the other
// direction's key. An empty key is never deduplicated.
func (s *Session) markPublished(direction, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key != "" && s.lastPublished[direction] == key {
		return false
	}
	s.lastPublished[direction] = key
	for d := range s.lastPublished {
		if d != direction {
			delete(s.lastPublished, d)
		}
	}
	return true
}

func (s *Session) record(direction string, at time.Time, body json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exchanges = append(s.exchanges, Exchange{Direction: direction, At: at, Body: body})
}

// Transcript returns a copy of the exchanges recorded so far.
func (s *Session) Transcript() []Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Exchange, len(s.exchanges))
	copy(out, s.exchanges)
	return out
}

// SessionInfo is a point-in-time view of a live session.
type SessionInfo struct {
	ID        types.SessionID
	CreatedAt time.Time
	Age       time.Duration
}

// Registry maps session ids to their live Session. At most one Session
// exists per id; a removed id starts over empty on next reference.
type Registry struct {
	mu       sync.RWMutex
	sessions map[types.SessionID]*Session
	now      func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the time source used for creation times and ages.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions: make(map[types.SessionID]*Session),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the live session for id, creating it if needed.
// Concurrent callers for the same id always observe the same Session.
func (r *Registry) GetOrCreate(id types.SessionID) *Session {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s
	}
	s = newSession(id, r.now())
	r.sessions[id] = s
	return s
}

// Get returns the live session for id.
func (r *Registry) Get(id types.SessionID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove drops the session for id and releases its waiters with cause.
// Removing an unknown id is a no-op.
func (r *Registry) Remove(id types.SessionID, cause error) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if ok {
		s.cancel(cause)
	}
	return ok
}

// removeSession drops s only if it is still the live generation for its id.
func (r *Registry) removeSession(s *Session, cause error) bool {
	r.mu.Lock()
	cur, ok := r.sessions[s.ID]
	live := ok && cur == s
	if live {
		delete(r.sessions, s.ID)
	}
	r.mu.Unlock()
	if live {
		s.cancel(cause)
	}
	return live
}

// replace swaps old for a fresh generation under the same id. If old is no
// longer live, the current session (created if needed) is returned as is.
func (r *Registry) replace(old *Session, cause error) *Session {
	r.mu.Lock()
	cur, ok := r.sessions[old.ID]
	if ok && cur != old {
		r.mu.Unlock()
		return cur
	}
	fresh := newSession(old.ID, r.now())
	r.sessions[old.ID] = fresh
	r.mu.Unlock()
	if ok {
		old.cancel(cause)
	}
	return fresh
}

// ListActive returns every live session, oldest first.
func (r *Registry) ListActive() []SessionInfo {
	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	now := r.now()
	out := make([]SessionInfo, 0, len(snapshot))
	for _, s := range snapshot {
		out = append(out, SessionInfo{ID: s.ID, CreatedAt: s.CreatedAt, Age: now.Sub(s.CreatedAt)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Age != out[j].Age {
			return out[i].Age > out[j].Age
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep removes every session older than staleAfter, releasing their
// waiters with ErrSessionStale, and returns the removed ids.
func (r *Registry) Sweep(staleAfter time.Duration) []types.SessionID {
	now := r.now()

	r.mu.Lock()
	var stale []*Session
	for id, s := range r.sessions {
		if now.Sub(s.CreatedAt) > staleAfter {
			stale = append(stale, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	ids := make([]types.SessionID, 0, len(stale))
	for _, s := range stale {
		s.cancel(ErrSessionStale)
		ids = append(ids, s.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close removes every session with cause.
func (r *Registry) Close(cause error) {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[types.SessionID]*Session)
	r.mu.Unlock()
	for _, s := range all {
		s.cancel(cause)
	}
}
