// Package runtime provides durable workflow execution: checkpointed runs
// that survive restarts and resume idempotently.
package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/omerlefaruk/casare-rpa/internal/engine"
)

// State is the lifecycle state recorded in a checkpoint.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state admits no further execution.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Checkpoint is a persisted snapshot of a run sufficient to resume it.
type Checkpoint struct {
	JobID         string                            `json:"job_id"`
	State         State                             `json:"state"`
	Variables     map[string]interface{}            `json:"variables,omitempty"`
	ExecutedNodes []string                          `json:"executed_nodes,omitempty"`
	Outputs       map[string]map[string]interface{} `json:"outputs,omitempty"`
	Routing       map[string]engine.Route           `json:"routing,omitempty"`
	Loops         map[string]engine.LoopState       `json:"loops,omitempty"`
	Error         string                            `json:"error,omitempty"`
	ErrorNodeID   string                            `json:"error_node_id,omitempty"`
	UpdatedAt     time.Time                         `json:"updated_at"`
}

// CheckpointStore persists checkpoints keyed by job id. Save must be atomic
// with respect to concurrent readers.
type CheckpointStore interface {
	Load(ctx context.Context, jobID string) (*Checkpoint, error)
	Save(ctx context.Context, cp *Checkpoint) error
	Delete(ctx context.Context, jobID string) (bool, error)
}

// MemoryStore is an in-process CheckpointStore for tests and single-node
// deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string]*Checkpoint)}
}

// Load returns the stored checkpoint, or nil when absent.
func (s *MemoryStore) Load(ctx context.Context, jobID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[jobID]
	if !ok {
		return nil, nil
	}
	copied := *cp
	return &copied, nil
}

// Save upserts a checkpoint.
func (s *MemoryStore) Save(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *cp
	copied.UpdatedAt = time.Now().UTC()
	s.checkpoints[cp.JobID] = &copied
	return nil
}

// Delete removes a checkpoint, reporting whether one existed.
func (s *MemoryStore) Delete(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.checkpoints[jobID]
	delete(s.checkpoints, jobID)
	return ok, nil
}
