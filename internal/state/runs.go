// internal/state/runs.go
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	runPrefix = "run_"
	runSuffix = ".json"
)

// RunStore keeps one JSON document per completed run, named
// run_<unix-millis>.json after the completion time. Files are written once
// and never modified.
type RunStore struct {
	dir string
	now func() time.Time
}

// NewRunStore creates a RunStore that reads and writes records in dir. The
// directory is created on first write.
func NewRunStore(dir string) *RunStore {
	return &RunStore{dir: dir, now: time.Now}
}

// Dir returns the directory holding the run records.
func (s *RunStore) Dir() string {
	return s.dir
}

// Write marshals record and stores it under a fresh run id.
func (s *RunStore) Write(ctx context.Context, record any) (string, error) {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal run record: %w", err)
	}
	return s.write(ctx, data)
}

// WriteRaw stores an already-encoded record. The payload must be valid JSON.
func (s *RunStore) WriteRaw(ctx context.Context, data json.RawMessage) (string, error) {
	if !json.Valid(data) {
		return "", fmt.Errorf("run record is not valid JSON")
	}
	return s.write(ctx, data)
}

func (s *RunStore) write(ctx context.Context, data []byte) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create runs dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".run-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp run file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write temp run file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp run file: %w", err)
	}

	// Link fails if the target exists, so two records completing in the
	// same millisecond get distinct names.
	ms := s.now().UnixMilli()
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		id := runPrefix + strconv.FormatInt(ms, 10) + runSuffix
		err := os.Link(tmpPath, filepath.Join(s.dir, id))
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("link run file: %w", err)
		}
		ms++
	}
}

// List returns run ids, most recent first. A missing directory yields an
// empty list.
func (s *RunStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read runs dir: %w", err)
	}

	runs := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !validRunID(e.Name()) {
			continue
		}
		runs = append(runs, e.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(runs)))
	return runs, nil
}

// Read returns the record stored under id. The boolean is false when no
// such record exists, which is not an error.
func (s *RunStore) Read(_ context.Context, id string) (json.RawMessage, bool, error) {
	if !validRunID(id) {
		return nil, false, nil
	}
	data, err := os.ReadFile(filepath.Join(s.dir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read run file: %w", err)
	}
	return json.RawMessage(data), true, nil
}

// validRunID rejects anything that is not a bare run_*.json file name.
func validRunID(id string) bool {
	if filepath.Base(id) != id || strings.ContainsAny(id, `/\`) {
		return false
	}
	return strings.HasPrefix(id, runPrefix) && strings.HasSuffix(id, runSuffix) && len(id) > len(runPrefix)+len(runSuffix)
}
