package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/omerlefaruk/casare-rpa/internal/platform/logger"
	"github.com/omerlefaruk/casare-rpa/internal/platform/metrics"
)

// JobEventPublisher forwards job lifecycle events to an external stream.
type JobEventPublisher interface {
	PublishJobEvent(ctx context.Context, job *Job, event string) error
}

// DispatcherConfig tunes dispatch behavior.
type DispatcherConfig struct {
	DispatchTimeout  time.Duration
	StatusTimeout    time.Duration
	MaxAttempts      int
	HeartbeatTimeout time.Duration
	TickInterval     time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 30 * time.Second
	}
	if c.StatusTimeout <= 0 {
		c.StatusTimeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	return c
}

// Dispatcher owns the pending-job queue and drives the dispatch protocol:
// select a robot, offer the job, track acceptance, and reassign on robot
// loss.
type Dispatcher struct {
	registry *RobotRegistry
	jobs     *JobStore
	queue    *JobQueue
	channel  *Channel
	matcher  *Matcher
	bus      *EventBus
	log      logger.Logger
	metrics  *metrics.Metrics
	events   JobEventPublisher
	cfg      DispatcherConfig

	kick chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewDispatcher creates a dispatcher and wires itself into the channel's
// callbacks.
func NewDispatcher(registry *RobotRegistry, jobs *JobStore, channel *Channel, bus *EventBus, log logger.Logger, cfg DispatcherConfig) *Dispatcher {
	if log == nil {
		log = logger.NewNop()
	}
	d := &Dispatcher{
		registry: registry,
		jobs:     jobs,
		queue:    NewJobQueue(),
		channel:  channel,
		matcher:  NewMatcher(),
		bus:      bus,
		log:      log,
		cfg:      cfg.withDefaults(),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	if channel != nil {
		channel.OnRegister = d.handleRegister
		channel.OnHeartbeat = d.handleHeartbeat
		channel.OnDisconnect = d.handleDisconnect
		channel.OnJobEvent = d.handleJobEvent
	}
	return d
}

// WithMetrics wires job and dispatch metrics.
func (d *Dispatcher) WithMetrics(m *metrics.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// WithPublisher wires an external job event stream.
func (d *Dispatcher) WithPublisher(p JobEventPublisher) *Dispatcher {
	d.events = p
	return d
}

// Submit creates a pending job and queues it for dispatch. Priority is
// clamped to [0, 100].
func (d *Dispatcher) Submit(workflowID string, blob json.RawMessage, inputs map[string]interface{}, priority int, requiredCaps []string, scheduleID string) *Job {
	if priority < 0 {
		priority = 0
	} else if priority > 100 {
		priority = 100
	}
	job := d.jobs.Create(&Job{
		WorkflowID:           workflowID,
		WorkflowBlob:         blob,
		Inputs:               inputs,
		Priority:             priority,
		RequiredCapabilities: requiredCaps,
		ScheduleID:           scheduleID,
	})
	d.queue.Push(job.ID, job.Priority)
	if d.metrics != nil {
		d.metrics.JobsSubmitted.Inc()
		d.metrics.QueueDepth.Set(float64(d.queue.Len()))
	}
	d.publishJob(job, "submitted")
	d.wake()
	return job
}

// Start runs the dispatch loop until Stop or context end.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-d.kick:
				d.drain(ctx)
			case <-ticker.C:
				d.drain(ctx)
			case <-d.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for it.
func (d *Dispatcher) Stop() {
	close(d.stop)
	d.wg.Wait()
}

func (d *Dispatcher) wake() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// drain dispatches queued jobs until the queue empties or no robot can
// take the head job.
func (d *Dispatcher) drain(ctx context.Context) {
	for {
		jobID := d.queue.Pop()
		if jobID == "" {
			break
		}
		if !d.tryDispatch(ctx, jobID) {
			break
		}
	}
	if d.metrics != nil {
		d.metrics.QueueDepth.Set(float64(d.queue.Len()))
	}
}

// tryDispatch runs the dispatch protocol for one job. It returns false when
// the queue should stop draining (no robot available).
func (d *Dispatcher) tryDispatch(ctx context.Context, jobID string) bool {
	job, err := d.jobs.Get(jobID)
	if err != nil || job.Status != JobPending {
		return true
	}

	ctx, span := otel.Tracer("casare/orchestrator").Start(ctx, "job.dispatch",
		trace.WithAttributes(attribute.String("job.id", jobID)))
	defer span.End()

	exclude := make(map[string]bool, len(job.TriedRobots))
	for _, id := range job.TriedRobots {
		exclude[id] = true
	}

	robots := d.registry.List()
	robotID, err := d.matcher.Select(robots, nil, nil, job.RequiredCapabilities, exclude)
	if errors.Is(err, ErrNoAvailableRobot) && len(exclude) > 0 {
		// Every candidate was already tried; allow second chances rather
		// than starving the job.
		robotID, err = d.matcher.Select(robots, nil, nil, job.RequiredCapabilities, nil)
	}
	if err != nil {
		d.queue.Push(jobID, job.Priority)
		return false
	}

	assign, err := NewEnvelope(MsgJobAssign, JobAssignPayload{
		JobID:        job.ID,
		WorkflowID:   job.WorkflowID,
		WorkflowBlob: job.WorkflowBlob,
		Inputs:       job.Inputs,
		Priority:     job.Priority,
	})
	if err != nil {
		d.log.Error("encode job assign failed", "job_id", job.ID, "error", err)
		return true
	}

	// The job is claimed for the selected robot while the offer is in
	// flight; a rejection returns it to pending.
	job, err = d.jobs.Update(jobID, func(j *Job) {
		j.Attempts++
		if !j.triedRobot(robotID) {
			j.TriedRobots = append(j.TriedRobots, robotID)
		}
		j.Status = JobClaimed
		j.AssignedRobotID = robotID
	})
	if err != nil {
		return true
	}
	d.publishJob(job, "claimed")

	response, err := d.channel.Request(ctx, robotID, assign, d.cfg.DispatchTimeout)
	if err != nil || response.Type != MsgJobAccept {
		reason := "timeout"
		if err == nil {
			var decision JobDecisionPayload
			if derr := response.Decode(&decision); derr != nil {
				reason = "malformed decision frame"
			} else {
				reason = decision.Reason
			}
		}
		d.log.Warn("job dispatch rejected",
			"job_id", job.ID, "robot_id", robotID, "reason", reason, "attempts", job.Attempts)
		if d.metrics != nil {
			d.metrics.DispatchTotal.WithLabelValues("rejected").Inc()
			d.metrics.JobsRetried.Inc()
		}
		d.requeueOrFail(job)
		return true
	}

	_, err = d.jobs.Update(job.ID, func(j *Job) {
		j.Status = JobRunning
		j.AssignedRobotID = robotID
		j.StartedAt = time.Now().UTC()
	})
	if err != nil {
		return true
	}
	d.registry.AddJob(robotID, job.ID)
	if d.metrics != nil {
		d.metrics.DispatchTotal.WithLabelValues("accepted").Inc()
	}
	d.log.Info("job dispatched", "job_id", job.ID, "robot_id", robotID, "attempts", job.Attempts)
	if updated, err := d.jobs.Get(job.ID); err == nil {
		d.publishJob(updated, "dispatched")
	}
	return true
}

// requeueOrFail returns a rejected job to pending and requeues it, or
// finalizes it when it has exhausted its attempts across robots.
func (d *Dispatcher) requeueOrFail(job *Job) {
	if job.Attempts >= d.cfg.MaxAttempts {
		failed, err := d.jobs.Update(job.ID, func(j *Job) {
			j.Status = JobFailed
			j.AssignedRobotID = ""
			j.Error = ErrNoAvailableRobot.Error()
			j.CompletedAt = time.Now().UTC()
		})
		if err == nil {
			d.finalizeMetrics(failed)
			d.publishJob(failed, "failed")
		}
		return
	}
	if _, err := d.jobs.Update(job.ID, func(j *Job) {
		j.Status = JobPending
		j.AssignedRobotID = ""
	}); err != nil {
		return
	}
	d.queue.Push(job.ID, job.Priority)
}

// Cancel stops a job: pending jobs are dropped from the queue, running jobs
// are cancelled on their robot with a unilateral fallback on timeout.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) (*Job, error) {
	job, err := d.jobs.Get(jobID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case JobPending:
		d.queue.Remove(jobID)
		cancelled, err := d.jobs.Update(jobID, func(j *Job) {
			j.Status = JobCancelled
			j.CompletedAt = time.Now().UTC()
		})
		if err != nil {
			return nil, err
		}
		d.finalizeMetrics(cancelled)
		d.publishJob(cancelled, "cancelled")
		return cancelled, nil

	case JobClaimed, JobRunning:
		frame, err := NewEnvelope(MsgJobCancel, JobCancelPayload{JobID: jobID})
		if err != nil {
			return nil, err
		}
		if _, err := d.channel.Request(ctx, job.AssignedRobotID, frame, d.cfg.StatusTimeout); err != nil {
			d.log.Warn("robot did not confirm cancellation, cancelling unilaterally",
				"job_id", jobID, "robot_id", job.AssignedRobotID, "error", err)
			return d.finishJob(jobID, JobCancelled, "")
		}
		// The robot confirms with a JobCancelled frame handled by
		// handleJobEvent; report the current record.
		return d.jobs.Get(jobID)

	default:
		return job, nil
	}
}

// Retry requeues a terminal job with a fresh attempt budget.
func (d *Dispatcher) Retry(jobID string) (*Job, error) {
	job, err := d.jobs.Get(jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.Terminal() {
		return job, nil
	}
	retried, err := d.jobs.Update(jobID, func(j *Job) {
		j.Status = JobPending
		j.AssignedRobotID = ""
		j.Attempts = 0
		j.TriedRobots = nil
		j.Error = ""
		j.Progress = 0
		j.CompletedAt = time.Time{}
	})
	if err != nil {
		return nil, err
	}
	d.queue.Push(jobID, retried.Priority)
	d.wake()
	d.publishJob(retried, "retried")
	return retried, nil
}

// ReassignRobotJobs returns a lost robot's claimed and running jobs to the
// queue, keeping their attempt counters.
func (d *Dispatcher) ReassignRobotJobs(robotID string) {
	for _, job := range d.jobs.List("") {
		if job.AssignedRobotID != robotID {
			continue
		}
		if job.Status != JobClaimed && job.Status != JobRunning {
			continue
		}
		requeued, err := d.jobs.Update(job.ID, func(j *Job) {
			j.Status = JobPending
			j.AssignedRobotID = ""
		})
		if err != nil {
			continue
		}
		d.registry.RemoveJob(robotID, job.ID)
		d.queue.Push(job.ID, requeued.Priority)
		d.log.Info("job requeued after robot loss", "job_id", job.ID, "robot_id", robotID)
		d.publishJob(requeued, "requeued")
	}
	d.wake()
}

// HandleRobotOffline is the health monitor hook: the heartbeat timeout has
// already elapsed, so held jobs are reassigned immediately.
func (d *Dispatcher) HandleRobotOffline(robot *Robot) {
	d.bus.Publish(StreamRobotStatus, map[string]interface{}{
		"robot_id": robot.ID, "status": string(RobotOffline),
	})
	d.ReassignRobotJobs(robot.ID)
}

func (d *Dispatcher) handleRegister(p RegisterPayload) (*Robot, error) {
	robot := d.registry.Register(&Robot{
		ID:                p.RobotID,
		Name:              p.Name,
		Environment:       p.Environment,
		Capabilities:      p.Capabilities,
		Tags:              p.Tags,
		MaxConcurrentJobs: p.MaxConcurrentJobs,
	})
	d.bus.Publish(StreamRobotStatus, map[string]interface{}{
		"robot_id": robot.ID, "status": string(robot.Status),
	})
	d.wake()
	return robot, nil
}

func (d *Dispatcher) handleHeartbeat(p HeartbeatPayload) error {
	if d.metrics != nil {
		d.metrics.HeartbeatsTotal.Inc()
	}
	return d.registry.Heartbeat(p.RobotID, p.Metrics)
}

// handleDisconnect leaves running jobs in place for a grace period equal to
// the heartbeat timeout; jobs are reassigned only if the robot stays gone.
func (d *Dispatcher) handleDisconnect(robotID string) {
	d.log.Info("robot disconnected", "robot_id", robotID)
	timer := time.NewTimer(d.cfg.HeartbeatTimeout)
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C:
			if !d.channel.Connected(robotID) {
				d.registry.UpdateStatus(robotID, RobotOffline)
				d.ReassignRobotJobs(robotID)
			}
		case <-d.stop:
		}
	}()
}

func (d *Dispatcher) handleJobEvent(robotID string, env Envelope) {
	switch env.Type {
	case MsgJobProgress:
		var p JobProgressPayload
		if err := env.Decode(&p); err != nil {
			return
		}
		job, err := d.jobs.Update(p.JobID, func(j *Job) { j.Progress = p.ProgressPercent })
		if err != nil {
			return
		}
		d.bus.Publish(StreamJobUpdate, map[string]interface{}{
			"job_id": job.ID, "status": string(job.Status), "progress": job.Progress,
		})

	case MsgJobComplete:
		var p JobResultPayload
		if err := env.Decode(&p); err != nil {
			return
		}
		d.finishJob(p.JobID, JobCompleted, "")

	case MsgJobFailed:
		var p JobResultPayload
		if err := env.Decode(&p); err != nil {
			return
		}
		d.finishJob(p.JobID, JobFailed, p.Error)

	case MsgJobCancelled:
		var p JobResultPayload
		if err := env.Decode(&p); err != nil {
			return
		}
		d.finishJob(p.JobID, JobCancelled, "")
	}
}

func (d *Dispatcher) finishJob(jobID string, status JobStatus, errMessage string) (*Job, error) {
	job, err := d.jobs.Update(jobID, func(j *Job) {
		if j.Status.Terminal() {
			return
		}
		j.Status = status
		j.Error = errMessage
		j.CompletedAt = time.Now().UTC()
		if status == JobCompleted {
			j.Progress = 100
		}
	})
	if err != nil {
		return nil, err
	}
	if job.AssignedRobotID != "" {
		d.registry.RemoveJob(job.AssignedRobotID, jobID)
	}
	d.finalizeMetrics(job)
	event := "completed"
	if status != JobCompleted {
		event = string(status)
	}
	d.publishJob(job, event)
	d.wake()
	return job, nil
}

func (d *Dispatcher) finalizeMetrics(job *Job) {
	if d.metrics == nil {
		return
	}
	d.metrics.JobsCompleted.WithLabelValues(string(job.Status)).Inc()
	if !job.StartedAt.IsZero() && !job.CompletedAt.IsZero() {
		d.metrics.JobDuration.Observe(job.CompletedAt.Sub(job.StartedAt).Seconds())
	}
}

func (d *Dispatcher) publishJob(job *Job, event string) {
	d.bus.Publish(StreamJobUpdate, map[string]interface{}{
		"job_id":   job.ID,
		"status":   string(job.Status),
		"event":    event,
		"progress": job.Progress,
		"robot_id": job.AssignedRobotID,
	})
	if d.events != nil {
		if err := d.events.PublishJobEvent(context.Background(), job, event); err != nil {
			d.log.Warn("job event publish failed", "job_id", job.ID, "error", err)
		}
	}
}

// Queue exposes the queue depth for API metrics.
func (d *Dispatcher) Queue() *JobQueue { return d.queue }

// Jobs exposes the job store.
func (d *Dispatcher) Jobs() *JobStore { return d.jobs }
