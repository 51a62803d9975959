package cron

import (
	"context"
	"slices"
	"sync"
	"time"
)

// ExecutionStatus is the state of one job execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Execution is one run of a job.
type Execution struct {
	ID          string          `json:"id"`
	JobID       string          `json:"jobId"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt time.Time       `json:"completedAt,omitempty"`
	Duration    time.Duration   `json:"duration,omitempty"`
	Output      string          `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// ExecutionStore persists the job run log.
type ExecutionStore interface {
	Create(ctx context.Context, exec *Execution) error
	Update(ctx context.Context, exec *Execution) error
	// List returns executions newest-first, filtered by job id when
	// non-empty.
	List(ctx context.Context, jobID string, limit int) ([]*Execution, error)
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
	Close() error
}

// memoryKeep bounds the in-memory run log.
const memoryKeep = 500

// MemoryExecutionStore keeps the run log in a bounded slice ordered
// oldest-first. Serve runs without a cron directory fall back to it.
type MemoryExecutionStore struct {
	mu  sync.RWMutex
	log []Execution
}

// NewMemoryExecutionStore creates an empty in-memory run log.
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{}
}

func (s *MemoryExecutionStore) Create(_ context.Context, exec *Execution) error {
	if exec == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(exec.ID); i >= 0 {
		s.log[i] = *exec
		return nil
	}
	s.log = append(s.log, *exec)
	if over := len(s.log) - memoryKeep; over > 0 {
		s.log = slices.Delete(s.log, 0, over)
	}
	return nil
}

func (s *MemoryExecutionStore) Update(_ context.Context, exec *Execution) error {
	if exec == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(exec.ID); i >= 0 {
		s.log[i] = *exec
	}
	return nil
}

func (s *MemoryExecutionStore) List(_ context.Context, jobID string, limit int) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = memoryKeep
	}
	var out []*Execution
	for i := len(s.log) - 1; i >= 0 && len(out) < limit; i-- {
		if jobID != "" && s.log[i].JobID != jobID {
			continue
		}
		exec := s.log[i]
		out = append(out, &exec)
	}
	return out, nil
}

func (s *MemoryExecutionStore) Prune(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	before := len(s.log)
	s.log = slices.DeleteFunc(s.log, func(e Execution) bool {
		return e.StartedAt.Before(cutoff)
	})
	return int64(before - len(s.log)), nil
}

func (s *MemoryExecutionStore) Close() error { return nil }

func (s *MemoryExecutionStore) indexLocked(id string) int {
	return slices.IndexFunc(s.log, func(e Execution) bool { return e.ID == id })
}

// cloneExecution copies an execution for hand-off outside the
// scheduler's locks. Nil-safe.
func cloneExecution(exec *Execution) *Execution {
	if exec == nil {
		return nil
	}
	clone := *exec
	return &clone
}
