package orchestrator

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobStatus is a job's lifecycle state.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobClaimed   JobStatus = "claimed"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Job is an orchestrator work item: a workflow blob plus inputs plus
// lifecycle.
type Job struct {
	ID                   string                 `json:"id"`
	WorkflowID           string                 `json:"workflow_id"`
	WorkflowBlob         json.RawMessage        `json:"workflow_blob"`
	Inputs               map[string]interface{} `json:"inputs,omitempty"`
	Priority             int                    `json:"priority"`
	RequiredCapabilities []string               `json:"required_capabilities,omitempty"`
	Status               JobStatus              `json:"status"`
	AssignedRobotID      string                 `json:"assigned_robot_id,omitempty"`
	Attempts             int                    `json:"attempts"`
	TriedRobots          []string               `json:"tried_robots,omitempty"`
	Progress             float64                `json:"progress"`
	Error                string                 `json:"error,omitempty"`
	ScheduleID           string                 `json:"schedule_id,omitempty"`
	CreatedAt            time.Time              `json:"created_at"`
	StartedAt            time.Time              `json:"started_at,omitempty"`
	CompletedAt          time.Time              `json:"completed_at,omitempty"`
}

// triedRobot reports whether a robot already received a dispatch attempt
// for this job.
func (j *Job) triedRobot(robotID string) bool {
	for _, id := range j.TriedRobots {
		if id == robotID {
			return true
		}
	}
	return false
}

func (j *Job) clone() *Job {
	copied := *j
	copied.RequiredCapabilities = append([]string(nil), j.RequiredCapabilities...)
	copied.TriedRobots = append([]string(nil), j.TriedRobots...)
	return &copied
}

// ErrJobNotFound reports a missing job id.
type ErrJobNotFound struct{ JobID string }

func (e *ErrJobNotFound) Error() string {
	return fmt.Sprintf("job %s not found", e.JobID)
}

// JobStore is the in-memory job record store. The dispatcher owns all
// state transitions; the store only holds records.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewJobStore creates an empty store.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*Job)}
}

// validJobID accepts non-empty ids free of control characters.
func validJobID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

// Create records a new pending job. A missing or malformed id is replaced
// with a generated one.
func (s *JobStore) Create(job *Job) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !validJobID(job.ID) {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	s.jobs[job.ID] = job.clone()
	return s.jobs[job.ID].clone()
}

// Get returns a copy of a job.
func (s *JobStore) Get(jobID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, &ErrJobNotFound{JobID: jobID}
	}
	return job.clone(), nil
}

// Update applies a mutation to a job under the store lock and returns the
// updated copy.
func (s *JobStore) Update(jobID string, mutate func(*Job)) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, &ErrJobNotFound{JobID: jobID}
	}
	mutate(job)
	return job.clone(), nil
}

// List returns jobs, optionally filtered by status, newest first.
func (s *JobStore) List(status JobStatus) []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, job.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
