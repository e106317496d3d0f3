package resolution

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// AuditLog is the append-only record of resolution attempts.
type AuditLog interface {
	Append(ctx context.Context, a Attempt) error
}

// AuditReader lists the attempts recorded for a job in append order.
type AuditReader interface {
	List(ctx context.Context, jobID string) ([]Attempt, error)
}

// AuditFunc adapts a function to AuditLog.
type AuditFunc func(ctx context.Context, a Attempt) error

// Append implements AuditLog.
func (f AuditFunc) Append(ctx context.Context, a Attempt) error {
	return f(ctx, a)
}

// MemoryAuditLog keeps attempts in memory.
type MemoryAuditLog struct {
	mu    sync.RWMutex
	byJob map[string][]Attempt
	count int
}

// NewMemoryAuditLog creates an empty in-memory audit log.
func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{byJob: make(map[string][]Attempt)}
}

// Append implements AuditLog.
func (m *MemoryAuditLog) Append(_ context.Context, a Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byJob[a.JobID] = append(m.byJob[a.JobID], a.clone())
	m.count++
	return nil
}

// List implements AuditReader.
func (m *MemoryAuditLog) List(_ context.Context, jobID string) ([]Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.byJob[jobID]
	out := make([]Attempt, len(src))
	for i, a := range src {
		out[i] = a.clone()
	}
	return out, nil
}

// Len returns the total number of attempts recorded.
func (m *MemoryAuditLog) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// FileAuditLog appends attempts to a JSON lines file and syncs after every
// record.
type FileAuditLog struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	closed bool
}

// OpenFileAuditLog opens (or creates) path for appending.
func OpenFileAuditLog(path string) (*FileAuditLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	return &FileAuditLog{path: path, f: f}, nil
}

// Append implements AuditLog.
func (l *FileAuditLog) Append(_ context.Context, a Attempt) error {
	line, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding attempt: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrAuditClosed
	}
	if _, err := l.f.Write(line); err != nil {
		return fmt.Errorf("writing audit log: %w", err)
	}
	return l.f.Sync()
}

// List implements AuditReader by scanning the whole file.
func (l *FileAuditLog) List(ctx context.Context, jobID string) ([]Attempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	var out []Attempt
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var a Attempt
		if err := json.Unmarshal(sc.Bytes(), &a); err != nil {
			return nil, fmt.Errorf("decoding audit log: %w", err)
		}
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}
	return out, nil
}

// Close closes the underlying file.
func (l *FileAuditLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.f.Close()
}

// MultiAuditLog appends to every log. All logs are tried even when one
// fails; the errors are joined.
type MultiAuditLog []AuditLog

// Append implements AuditLog.
func (m MultiAuditLog) Append(ctx context.Context, a Attempt) error {
	var errs []error
	for _, l := range m {
		if err := l.Append(ctx, a.clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
