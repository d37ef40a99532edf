// Package orchestrator coordinates robots, jobs, and schedules: an
// in-memory robot registry with health monitoring, a websocket robot
// channel, a matching service, a dispatcher, and a schedule manager.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omerlefaruk/casare-rpa/internal/platform/logger"
	"github.com/omerlefaruk/casare-rpa/internal/platform/metrics"
)

// RobotStatus is a robot's advertised availability.
type RobotStatus string

const (
	RobotOnline      RobotStatus = "online"
	RobotOffline     RobotStatus = "offline"
	RobotBusy        RobotStatus = "busy"
	RobotError       RobotStatus = "error"
	RobotMaintenance RobotStatus = "maintenance"
)

// Assignable reports whether a robot in this status may receive new jobs.
// Busy, error, and maintenance robots are not candidates.
func (s RobotStatus) Assignable() bool { return s == RobotOnline }

// HeartbeatMetrics is the resource snapshot a robot reports with each
// heartbeat.
type HeartbeatMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	ActiveJobs    int     `json:"active_jobs"`
}

// Robot is a registered worker.
type Robot struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	Environment       string           `json:"environment"`
	Capabilities      []string         `json:"capabilities"`
	Tags              []string         `json:"tags,omitempty"`
	MaxConcurrentJobs int              `json:"max_concurrent_jobs"`
	Status            RobotStatus      `json:"status"`
	LastHeartbeat     time.Time        `json:"last_heartbeat"`
	CurrentJobIDs     []string         `json:"current_job_ids"`
	Metrics           HeartbeatMetrics `json:"metrics"`
	RegisteredAt      time.Time        `json:"registered_at"`
}

// Utilization is current load as a fraction of capacity.
func (r *Robot) Utilization() float64 {
	if r.MaxConcurrentJobs <= 0 {
		return 1
	}
	return float64(len(r.CurrentJobIDs)) / float64(r.MaxConcurrentJobs)
}

// HasCapacity reports whether the robot can accept another job.
func (r *Robot) HasCapacity() bool {
	return len(r.CurrentJobIDs) < r.MaxConcurrentJobs
}

// HasCapabilities reports whether the robot advertises every required
// capability.
func (r *Robot) HasCapabilities(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range r.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (r *Robot) clone() *Robot {
	copied := *r
	copied.Capabilities = append([]string(nil), r.Capabilities...)
	copied.Tags = append([]string(nil), r.Tags...)
	copied.CurrentJobIDs = append([]string(nil), r.CurrentJobIDs...)
	return &copied
}

// ErrRobotNotFound reports a missing robot id.
type ErrRobotNotFound struct{ RobotID string }

func (e *ErrRobotNotFound) Error() string {
	return fmt.Sprintf("robot %s not found", e.RobotID)
}

// RobotRegistry is the in-memory robot store.
type RobotRegistry struct {
	mu     sync.RWMutex
	robots map[string]*Robot
}

// NewRobotRegistry creates an empty registry.
func NewRobotRegistry() *RobotRegistry {
	return &RobotRegistry{robots: make(map[string]*Robot)}
}

// Register adds or replaces a robot and marks it online. A missing id is
// generated.
func (r *RobotRegistry) Register(robot *Robot) *Robot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if robot.ID == "" {
		robot.ID = uuid.New().String()
	}
	robot.Status = RobotOnline
	robot.LastHeartbeat = time.Now().UTC()
	if robot.RegisteredAt.IsZero() {
		robot.RegisteredAt = robot.LastHeartbeat
	}
	if robot.MaxConcurrentJobs <= 0 {
		robot.MaxConcurrentJobs = 1
	}
	r.robots[robot.ID] = robot.clone()
	return r.robots[robot.ID].clone()
}

// Heartbeat refreshes a robot's liveness and metrics, bringing an offline
// robot back online.
func (r *RobotRegistry) Heartbeat(robotID string, m HeartbeatMetrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	robot, ok := r.robots[robotID]
	if !ok {
		return &ErrRobotNotFound{RobotID: robotID}
	}
	robot.LastHeartbeat = time.Now().UTC()
	robot.Metrics = m
	if robot.Status == RobotOffline {
		robot.Status = RobotOnline
	}
	return nil
}

// UpdateStatus sets a robot's status.
func (r *RobotRegistry) UpdateStatus(robotID string, status RobotStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	robot, ok := r.robots[robotID]
	if !ok {
		return &ErrRobotNotFound{RobotID: robotID}
	}
	robot.Status = status
	return nil
}

// Update applies a mutation to a robot under the registry lock.
func (r *RobotRegistry) Update(robotID string, mutate func(*Robot)) (*Robot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	robot, ok := r.robots[robotID]
	if !ok {
		return nil, &ErrRobotNotFound{RobotID: robotID}
	}
	mutate(robot)
	return robot.clone(), nil
}

// Deregister removes a robot, returning the jobs it still held.
func (r *RobotRegistry) Deregister(robotID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	robot, ok := r.robots[robotID]
	if !ok {
		return nil, &ErrRobotNotFound{RobotID: robotID}
	}
	jobs := append([]string(nil), robot.CurrentJobIDs...)
	delete(r.robots, robotID)
	return jobs, nil
}

// Get returns a copy of a robot.
func (r *RobotRegistry) Get(robotID string) (*Robot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	robot, ok := r.robots[robotID]
	if !ok {
		return nil, &ErrRobotNotFound{RobotID: robotID}
	}
	return robot.clone(), nil
}

// List returns every robot in stable id order.
func (r *RobotRegistry) List() []*Robot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Robot, 0, len(r.robots))
	for _, robot := range r.robots {
		out = append(out, robot.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindByCapability returns robots advertising a capability.
func (r *RobotRegistry) FindByCapability(capability string) []*Robot {
	var out []*Robot
	for _, robot := range r.List() {
		if robot.HasCapabilities([]string{capability}) {
			out = append(out, robot)
		}
	}
	return out
}

// AvailableRobots returns online robots with spare capacity that satisfy
// the required capabilities, in stable id order.
func (r *RobotRegistry) AvailableRobots(requiredCaps []string) []*Robot {
	var out []*Robot
	for _, robot := range r.List() {
		if !robot.Status.Assignable() {
			continue
		}
		if !robot.HasCapacity() || !robot.HasCapabilities(requiredCaps) {
			continue
		}
		out = append(out, robot)
	}
	return out
}

// AddJob records a job on a robot, flipping it to busy at capacity.
func (r *RobotRegistry) AddJob(robotID, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	robot, ok := r.robots[robotID]
	if !ok {
		return &ErrRobotNotFound{RobotID: robotID}
	}
	for _, id := range robot.CurrentJobIDs {
		if id == jobID {
			return nil
		}
	}
	robot.CurrentJobIDs = append(robot.CurrentJobIDs, jobID)
	if !robot.HasCapacity() && robot.Status == RobotOnline {
		robot.Status = RobotBusy
	}
	return nil
}

// RemoveJob clears a job from a robot.
func (r *RobotRegistry) RemoveJob(robotID, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	robot, ok := r.robots[robotID]
	if !ok {
		return &ErrRobotNotFound{RobotID: robotID}
	}
	kept := robot.CurrentJobIDs[:0]
	for _, id := range robot.CurrentJobIDs {
		if id != jobID {
			kept = append(kept, id)
		}
	}
	robot.CurrentJobIDs = kept
	if robot.Status == RobotBusy && robot.HasCapacity() {
		robot.Status = RobotOnline
	}
	return nil
}

// sweepStale marks robots offline when their heartbeat is older than the
// timeout, returning the newly-offline robots with their held jobs.
func (r *RobotRegistry) sweepStale(timeout time.Duration) []*Robot {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().UTC().Add(-timeout)
	var stale []*Robot
	for _, robot := range r.robots {
		if robot.Status != RobotOffline && robot.LastHeartbeat.Before(cutoff) {
			robot.Status = RobotOffline
			stale = append(stale, robot.clone())
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ID < stale[j].ID })
	return stale
}

// HealthMonitor periodically sweeps the registry for stale robots.
type HealthMonitor struct {
	registry *RobotRegistry
	log      logger.Logger
	metrics  *metrics.Metrics

	interval  time.Duration
	timeout   time.Duration
	onOffline func(*Robot)

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewHealthMonitor creates a monitor. onOffline runs once per robot that
// transitions to offline, on the monitor goroutine.
func NewHealthMonitor(registry *RobotRegistry, log logger.Logger, interval, timeout time.Duration, onOffline func(*Robot)) *HealthMonitor {
	if log == nil {
		log = logger.NewNop()
	}
	return &HealthMonitor{
		registry:  registry,
		log:       log,
		interval:  interval,
		timeout:   timeout,
		onOffline: onOffline,
		stop:      make(chan struct{}),
	}
}

// WithMetrics wires the online-robot gauge.
func (h *HealthMonitor) WithMetrics(m *metrics.Metrics) *HealthMonitor {
	h.metrics = m
	return h
}

// Start launches the sweep loop.
func (h *HealthMonitor) Start(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.sweep()
			case <-h.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for it to exit.
func (h *HealthMonitor) Stop() {
	close(h.stop)
	h.wg.Wait()
}

func (h *HealthMonitor) sweep() {
	stale := h.registry.sweepStale(h.timeout)
	for _, robot := range stale {
		h.log.Warn("robot heartbeat timed out",
			"robot_id", robot.ID, "robot_name", robot.Name,
			"last_heartbeat", robot.LastHeartbeat, "held_jobs", len(robot.CurrentJobIDs))
		if h.onOffline != nil {
			h.onOffline(robot)
		}
	}
	if h.metrics != nil {
		online := 0
		for _, robot := range h.registry.List() {
			if robot.Status != RobotOffline {
				online++
			}
		}
		h.metrics.RobotsOnline.Set(float64(online))
	}
}
