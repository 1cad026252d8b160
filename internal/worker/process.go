package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/user/toolrelay/internal/types"
)

const (
	// maxLineBytes bounds a single line of worker output.
	maxLineBytes = 1 << 20
	waitDelay    = 2 * time.Second
)

// ProcessSpawner runs a shell command per session. The request JSON is
// written to the command's stdin; SESSION_ID and RELAY_URL are added to its
// environment.
type ProcessSpawner struct {
	command  string
	dir      string
	relayURL string
	env      []string
	logger   *slog.Logger
}

// ProcessOption configures a ProcessSpawner.
type ProcessOption func(*ProcessSpawner)

// WithDir sets the working directory of the command.
func WithDir(dir string) ProcessOption {
	return func(p *ProcessSpawner) { p.dir = dir }
}

// WithRelayURL sets the RELAY_URL passed to the worker.
func WithRelayURL(url string) ProcessOption {
	return func(p *ProcessSpawner) { p.relayURL = url }
}

// WithEnv appends KEY=VALUE pairs to the worker environment.
func WithEnv(kv ...string) ProcessOption {
	return func(p *ProcessSpawner) { p.env = append(p.env, kv...) }
}

// WithLogger sets the logger that receives worker output.
func WithLogger(l *slog.Logger) ProcessOption {
	return func(p *ProcessSpawner) { p.logger = l }
}

// NewProcessSpawner creates a spawner that runs command with sh -c.
func NewProcessSpawner(command string, opts ...ProcessOption) *ProcessSpawner {
	p := &ProcessSpawner{command: command, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Spawn starts the command. Cancelling ctx kills it.
func (p *ProcessSpawner) Spawn(ctx context.Context, id types.SessionID, request json.RawMessage) (<-chan error, error) {
	if p.command == "" {
		return nil, errors.New("no worker command configured")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", p.command)
	cmd.Dir = p.dir
	cmd.Env = append(os.Environ(), p.env...)
	cmd.Env = append(cmd.Env, "SESSION_ID="+string(id))
	if p.relayURL != "" {
		cmd.Env = append(cmd.Env, "RELAY_URL="+p.relayURL)
	}
	cmd.Stdin = bytes.NewReader(request)
	stdout := p.lineLogger(id, "stdout", slog.LevelInfo)
	stderr := p.lineLogger(id, "stderr", slog.LevelWarn)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Descendants that keep the output pipes open must not stall Wait.
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", p.command, err)
	}
	p.logger.Info("worker process started", "session_id", id, "pid", cmd.Process.Pid)

	done := make(chan error, 1)
	go func() {
		defer close(done)
		err := cmd.Wait()
		stdout.flush()
		stderr.flush()
		if err != nil {
			done <- fmt.Errorf("worker process: %w", err)
			return
		}
		done <- nil
	}()
	return done, nil
}

func (p *ProcessSpawner) lineLogger(id types.SessionID, stream string, level slog.Level) *lineWriter {
	return &lineWriter{emit: func(line string) {
		p.logger.Log(context.Background(), level, "worker output", "session_id", id, "stream", stream, "line", line)
	}}
}

// lineWriter splits written bytes into lines and emits each one.
type lineWriter struct {
	mu   sync.Mutex
	buf  []byte
	emit func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(strings.TrimSuffix(string(w.buf[:i]), "\r"))
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) >= maxLineBytes {
		w.emit(string(w.buf))
		w.buf = nil
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = nil
	}
}
