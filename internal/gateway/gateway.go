package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/user/toolrelay/internal/types"
	"github.com/user/toolrelay/pkg/relay"
)

// Run record statuses.
const (
	RunComplete = "complete"
	RunFailed   = "failed"
)

// Defaults applied by New.
const (
	DefaultTurnTimeout  = 10 * time.Minute
	DefaultCleanupGrace = 5 * time.Second
	DefaultStaleAfter   = time.Hour
)

// RunRecord is the transcript written when a conversation ends.
type RunRecord struct {
	SessionID types.SessionID `json:"session_id"`
	Status    string          `json:"status"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at"`
	Error     string          `json:"error,omitempty"`
	Exchanges []Exchange      `json:"exchanges"`
}

// Gateway relays envelopes between the agent-driver leg (SubmitTurn) and
// the executor leg (SubmitRequest) of each session.
type Gateway struct {
	registry *Registry
	spawner  types.Spawner
	runs     types.RunStore
	logger   *slog.Logger

	turnTimeout  time.Duration
	cleanupGrace time.Duration
	staleAfter   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards stopped; wg.Add only happens under mu while !stopped.
	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithTurnTimeout bounds every blocking wait. Zero disables the deadline.
func WithTurnTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.turnTimeout = d }
}

// WithCleanupGrace sets the delay between the end of a conversation and
// removal of its session.
func WithCleanupGrace(d time.Duration) Option {
	return func(g *Gateway) { g.cleanupGrace = d }
}

// WithStaleAfter sets the age past which Sweep removes a session.
func WithStaleAfter(d time.Duration) Option {
	return func(g *Gateway) { g.staleAfter = d }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithRegistry replaces the session registry, mainly so tests can inject a
// clock.
func WithRegistry(r *Registry) Option {
	return func(g *Gateway) { g.registry = r }
}

// New creates a Gateway. spawner starts a worker for each fresh
// instruction; runs receives a record per finished conversation. Either may
// be nil.
func New(spawner types.Spawner, runs types.RunStore, opts ...Option) *Gateway {
	g := &Gateway{
		spawner:      spawner,
		runs:         runs,
		turnTimeout:  DefaultTurnTimeout,
		cleanupGrace: DefaultCleanupGrace,
		staleAfter:   DefaultStaleAfter,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.registry == nil {
		g.registry = NewRegistry()
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.ctx, g.cancel = context.WithCancel(context.Background())
	return g
}

// Start binds the gateway's background work to ctx.
func (g *Gateway) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancel()
	g.ctx, g.cancel = context.WithCancel(ctx)
}

// Stop closes every session, releasing blocked callers with
// ErrSessionClosed, and waits for worker watchers and cleanup timers.
func (g *Gateway) Stop() {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()

	g.cancel()
	g.registry.Close(ErrSessionClosed)
	g.wg.Wait()
}

// Registry exposes the session registry.
func (g *Gateway) Registry() *Registry { return g.registry }

// Sessions returns a snapshot of live sessions, oldest first.
func (g *Gateway) Sessions() []SessionInfo { return g.registry.ListActive() }

// Sweep removes sessions older than the stale threshold.
func (g *Gateway) Sweep() []types.SessionID {
	ids := g.registry.Sweep(g.staleAfter)
	for _, id := range ids {
		g.logger.Info("reaped stale session", "session_id", id, "stale_after", g.staleAfter)
	}
	return ids
}

// SubmitTurn publishes an agent→client completion and, unless it is
// terminal, waits for the executor's next request carrying tool results.
// A terminal completion returns a nil body.
func (g *Gateway) SubmitTurn(ctx context.Context, id types.SessionID, body json.RawMessage) (json.RawMessage, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: missing session_id", ErrInvalidRequest)
	}
	var completion relay.ChatCompletion
	if err := json.Unmarshal(body, &completion); err != nil {
		return nil, fmt.Errorf("%w: decode completion: %v", ErrInvalidRequest, err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%w: completion has no choices", ErrInvalidRequest)
	}

	if err := g.closed(id); err != nil {
		return nil, err
	}

	s := g.registry.GetOrCreate(id)
	if s.markPublished(DirectionToClient, completionKey(&completion)) {
		s.record(DirectionToClient, g.registry.now(), body)
		s.responses.Publish(body)
	} else {
		g.logger.Debug("completion already published", "session_id", id, "completion_id", completion.ID)
	}

	if completion.Terminal() {
		g.finish(s)
		return nil, nil
	}
	return g.wait(ctx, s, s.toolResults)
}

// SubmitRequest handles a client→agent request. A fresh instruction starts
// a worker for the session; a request carrying tool results is handed to
// the waiting agent-driver. Either way it then waits for the next
// completion.
func (g *Gateway) SubmitRequest(ctx context.Context, id types.SessionID, body json.RawMessage) (json.RawMessage, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: missing session_id", ErrInvalidRequest)
	}
	var req relay.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: decode request: %v", ErrInvalidRequest, err)
	}
	if req.Messages == nil {
		return nil, fmt.Errorf("%w: request has no messages", ErrInvalidRequest)
	}

	if err := g.closed(id); err != nil {
		return nil, err
	}

	s := g.registry.GetOrCreate(id)
	if req.HasToolMessages() {
		if s.markPublished(DirectionToAgent, toolResultsKey(&req)) {
			s.record(DirectionToAgent, g.registry.now(), body)
			s.toolResults.Publish(body)
		} else {
			g.logger.Debug("tool results already published", "session_id", id)
		}
	} else {
		if s.Finished() {
			s = g.registry.replace(s, ErrSessionClosed)
			g.logger.Info("replaced finished session", "session_id", id)
		}
		if s.markSpawned() {
			s.record(DirectionToAgent, g.registry.now(), body)
			g.startWorker(s, body)
		}
	}

	resp, err := g.wait(ctx, s, s.responses)
	if err != nil {
		return nil, err
	}
	var completion relay.ChatCompletion
	if err := json.Unmarshal(resp, &completion); err == nil && completion.Terminal() {
		g.finish(s)
	}
	return resp, nil
}

// wait consumes the next value from q, bounded by ctx, the turn deadline,
// and the session's lifetime. The returned error wraps the reason the wait
// ended.
func (g *Gateway) wait(ctx context.Context, s *Session, q *Queue[json.RawMessage]) (json.RawMessage, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(s.ctx, func() { cancel(context.Cause(s.ctx)) })
	defer stop()
	stopGateway := context.AfterFunc(g.ctx, func() { cancel(ErrSessionClosed) })
	defer stopGateway()

	if g.turnTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeoutCause(ctx, g.turnTimeout, ErrTurnTimeout)
		defer cancelTimeout()
	}

	v, err := q.Consume(ctx)
	if err == nil {
		return v, nil
	}
	if cause := context.Cause(ctx); cause != nil {
		err = cause
	}
	return nil, fmt.Errorf("session %s: %w", s.ID, err)
}

// finish marks s finished, writes its run record and schedules removal.
// Only the first call per session has any effect.
func (g *Gateway) finish(s *Session) {
	if !s.markFinished() {
		return
	}
	g.logger.Info("conversation finished", "session_id", s.ID)
	g.writeRun(s, RunComplete, nil)
	g.scheduleCleanup(s)
}

// fail records an execution failure and tears s down, releasing any
// blocked callers with err.
func (g *Gateway) fail(s *Session, err error) {
	g.logger.Error("worker failed", "session_id", s.ID, "error", err)
	g.writeRun(s, RunFailed, err)
	g.registry.removeSession(s, err)
}

func (g *Gateway) startWorker(s *Session, request json.RawMessage) {
	if g.spawner == nil {
		return
	}
	request, err := withSessionID(request, s.ID)
	if err != nil {
		g.fail(s, fmt.Errorf("%w: %v", ErrExecutionFailure, err))
		return
	}

	started := g.goTracked(func() {
		// The worker lives as long as the session, not the request that
		// started it.
		done, err := g.spawner.Spawn(s.ctx, s.ID, request)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			g.fail(s, fmt.Errorf("%w: start worker: %v", ErrExecutionFailure, err))
			return
		}
		g.logger.Info("worker started", "session_id", s.ID)

		err = <-done
		switch {
		case s.Finished() || s.ctx.Err() != nil:
			g.logger.Debug("worker exited", "session_id", s.ID, "error", err)
		case err == nil:
			g.logger.Info("worker exited before finishing", "session_id", s.ID)
			g.scheduleCleanup(s)
		default:
			g.fail(s, fmt.Errorf("%w: worker exited: %v", ErrExecutionFailure, err))
		}
	})
	if !started {
		g.registry.removeSession(s, ErrSessionClosed)
	}
}

// scheduleCleanup removes s after the grace period unless a newer
// generation has taken its place.
func (g *Gateway) scheduleCleanup(s *Session) {
	g.goTracked(func() {
		t := time.NewTimer(g.cleanupGrace)
		defer t.Stop()
		select {
		case <-t.C:
			if g.registry.removeSession(s, ErrSessionClosed) {
				g.logger.Debug("session cleaned up", "session_id", s.ID)
			}
		case <-s.ctx.Done():
		case <-g.ctx.Done():
		}
	})
}

// goTracked runs fn in a goroutine that Stop waits for. It reports false,
// without running fn, once the gateway has stopped.
func (g *Gateway) goTracked(fn func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped || g.ctx.Err() != nil {
		return false
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
	return true
}

// closed returns ErrSessionClosed once the gateway is shutting down, so no
// new session or worker outlives Stop.
func (g *Gateway) closed(id types.SessionID) error {
	if g.ctx.Err() != nil {
		return fmt.Errorf("session %s: %w", id, ErrSessionClosed)
	}
	return nil
}

func (g *Gateway) writeRun(s *Session, status string, cause error) {
	if g.runs == nil || !s.markRecorded() {
		return
	}
	rec := RunRecord{
		SessionID: s.ID,
		Status:    status,
		StartedAt: s.CreatedAt,
		EndedAt:   g.registry.now(),
		Exchanges: s.Transcript(),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	runID, err := g.runs.Write(context.WithoutCancel(g.ctx), rec)
	if err != nil {
		g.logger.Error("write run record", "session_id", s.ID, "error", err)
		return
	}
	g.logger.Info("run recorded", "session_id", s.ID, "run_id", runID, "status", status)
}

func completionKey(c *relay.ChatCompletion) string {
	if c.ID == "" {
		return ""
	}
	return "completion:" + c.ID
}

func toolResultsKey(r *relay.ChatRequest) string {
	ids := r.TrailingToolCallIDs()
	if len(ids) == 0 {
		return ""
	}
	return "tools:" + strings.Join(ids, ",")
}

// withSessionID sets the session_id field of a JSON object body.
func withSessionID(body json.RawMessage, id types.SessionID) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}
	encoded, err := json.Marshal(string(id))
	if err != nil {
		return nil, err
	}
	fields["session_id"] = encoded
	return json.Marshal(fields)
}
