// Package robot implements the worker agent: it holds a websocket session
// to the orchestrator, reports heartbeats, and executes assigned jobs
// through the durable runtime.
package robot

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/omerlefaruk/casare-rpa/internal/engine"
	"github.com/omerlefaruk/casare-rpa/internal/orchestrator"
	"github.com/omerlefaruk/casare-rpa/internal/platform/config"
	"github.com/omerlefaruk/casare-rpa/internal/platform/logger"
	"github.com/omerlefaruk/casare-rpa/internal/runtime"
)

const (
	heartbeatInterval = 15 * time.Second
	writeTimeout      = 10 * time.Second
	minBackoff        = time.Second
	maxBackoff        = 30 * time.Second
)

// Agent is one robot process.
type Agent struct {
	cfg    config.RobotConfig
	orch   config.OrchestratorConfig
	runner *runtime.Runner
	log    logger.Logger

	robotID string

	writeMu sync.Mutex
	ws      *websocket.Conn

	jobMu sync.Mutex
	jobs  map[string]context.CancelFunc
}

// NewAgent creates an agent. The runner executes assigned workflows
// locally.
func NewAgent(cfg config.RobotConfig, orch config.OrchestratorConfig, runner *runtime.Runner, log logger.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Agent{
		cfg:    cfg,
		orch:   orch,
		runner: runner,
		log:    log,
		jobs:   make(map[string]context.CancelFunc),
	}, nil
}

// Run connects to the orchestrator and serves until the context ends,
// reconnecting with exponential backoff after connection loss.
func (a *Agent) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		if err := a.session(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.log.Warn("orchestrator session ended, reconnecting",
				"error", err, "backoff", backoff.String())
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// session dials, registers, and pumps frames until the connection drops.
func (a *Agent) session(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, a.orch.URL, nil)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	a.ws = ws
	a.writeMu.Unlock()
	defer ws.Close()

	register, err := orchestrator.NewEnvelope(orchestrator.MsgRegister, orchestrator.RegisterPayload{
		RobotID:           a.robotID,
		Name:              a.cfg.Name,
		Environment:       a.cfg.Environment,
		Capabilities:      a.cfg.Capabilities,
		Tags:              a.cfg.Tags,
		MaxConcurrentJobs: a.cfg.MaxConcurrentJobs,
		APIKey:            a.orch.APIKey,
	})
	if err != nil {
		return err
	}
	register.CorrelationID = register.ID
	if err := a.write(register); err != nil {
		return err
	}

	var ack orchestrator.Envelope
	if err := ws.ReadJSON(&ack); err != nil {
		return err
	}
	var ackPayload orchestrator.RegisterAckPayload
	if err := ack.Decode(&ackPayload); err != nil {
		return err
	}
	if !ackPayload.Success {
		return &RegistrationError{Message: ackPayload.Message}
	}
	a.robotID = ackPayload.RobotID
	a.log.Info("registered with orchestrator", "robot_id", a.robotID, "robot_name", a.cfg.Name)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.heartbeatLoop(sessionCtx)

	ws.SetPingHandler(func(data string) error {
		a.writeMu.Lock()
		defer a.writeMu.Unlock()
		ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		return ws.WriteMessage(websocket.PongMessage, []byte(data))
	})

	for {
		var env orchestrator.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return err
		}
		a.handle(sessionCtx, env)
	}
}

// RegistrationError reports a rejected Register.
type RegistrationError struct{ Message string }

func (e *RegistrationError) Error() string {
	return "registration rejected: " + e.Message
}

func (a *Agent) write(env orchestrator.Envelope) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.ws == nil {
		return websocket.ErrCloseSent
	}
	a.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return a.ws.WriteJSON(env)
}

func (a *Agent) send(t orchestrator.MessageType, correlationID string, payload interface{}) {
	env, err := orchestrator.NewEnvelope(t, payload)
	if err != nil {
		a.log.Error("encode frame failed", "type", string(t), "error", err)
		return
	}
	env.CorrelationID = correlationID
	if err := a.write(env); err != nil {
		a.log.Warn("frame send failed", "type", string(t), "error", err)
	}
}

func (a *Agent) handle(ctx context.Context, env orchestrator.Envelope) {
	switch env.Type {
	case orchestrator.MsgJobAssign:
		var assign orchestrator.JobAssignPayload
		if err := env.Decode(&assign); err != nil {
			return
		}
		a.handleAssign(ctx, env.CorrelationID, assign)

	case orchestrator.MsgJobCancel:
		var cancel orchestrator.JobCancelPayload
		if err := env.Decode(&cancel); err != nil {
			return
		}
		a.handleCancel(env.CorrelationID, cancel.JobID)

	case orchestrator.MsgStatusRequest:
		a.send(orchestrator.MsgStatusResponse, env.CorrelationID, orchestrator.StatusPayload{
			RobotID:    a.robotID,
			Status:     a.status(),
			ActiveJobs: a.activeJobs(),
			Metrics:    a.collectMetrics(),
		})

	case orchestrator.MsgHeartbeatAck, orchestrator.MsgRegisterAck:
		// Acks need no handling.

	case orchestrator.MsgError:
		var e orchestrator.ErrorPayload
		if env.Decode(&e) == nil {
			a.log.Warn("orchestrator error", "message", e.Message)
		}
	}
}

func (a *Agent) handleAssign(ctx context.Context, correlationID string, assign orchestrator.JobAssignPayload) {
	a.jobMu.Lock()
	if len(a.jobs) >= a.cfg.MaxConcurrentJobs {
		a.jobMu.Unlock()
		a.send(orchestrator.MsgJobReject, correlationID, orchestrator.JobDecisionPayload{
			JobID:  assign.JobID,
			Reason: "at capacity",
		})
		return
	}
	jobCtx, cancel := context.WithCancel(ctx)
	a.jobs[assign.JobID] = cancel
	a.jobMu.Unlock()

	a.send(orchestrator.MsgJobAccept, correlationID, orchestrator.JobDecisionPayload{JobID: assign.JobID})
	a.log.Info("job accepted", "job_id", assign.JobID, "workflow_id", assign.WorkflowID)

	go a.executeJob(jobCtx, assign)
}

func (a *Agent) handleCancel(correlationID, jobID string) {
	a.jobMu.Lock()
	cancel, ok := a.jobs[jobID]
	a.jobMu.Unlock()
	if ok {
		cancel()
	}
	a.send(orchestrator.MsgJobCancelled, correlationID, orchestrator.JobResultPayload{JobID: jobID})
}

func (a *Agent) executeJob(ctx context.Context, assign orchestrator.JobAssignPayload) {
	defer func() {
		a.jobMu.Lock()
		delete(a.jobs, assign.JobID)
		a.jobMu.Unlock()
	}()

	onProgress := func(ev engine.Event) {
		if ev.Type != engine.EventNodeCompleted {
			return
		}
		a.send(orchestrator.MsgJobProgress, "", orchestrator.JobProgressPayload{
			JobID:           assign.JobID,
			ProgressPercent: ev.ProgressPercent,
			CurrentNodeID:   ev.NodeID,
		})
	}

	result, err := a.runner.Run(ctx, assign.WorkflowBlob, assign.JobID, assign.Inputs, onProgress)
	payload := orchestrator.JobResultPayload{
		JobID:         assign.JobID,
		Success:       result.Success,
		Error:         result.Error,
		ErrorNodeID:   result.ErrorNodeID,
		ExecutedNodes: result.ExecutedNodes,
		DurationMS:    result.DurationMS,
	}
	if err != nil && payload.Error == "" {
		payload.Error = err.Error()
	}

	switch {
	case result.State == runtime.StateCancelled:
		a.send(orchestrator.MsgJobCancelled, "", payload)
	case result.Success:
		a.send(orchestrator.MsgJobComplete, "", payload)
		a.log.Info("job completed", "job_id", assign.JobID, "duration_ms", result.DurationMS)
	default:
		a.send(orchestrator.MsgJobFailed, "", payload)
		a.log.Warn("job failed", "job_id", assign.JobID, "error", payload.Error)
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.send(orchestrator.MsgHeartbeat, "", orchestrator.HeartbeatPayload{
				RobotID: a.robotID,
				Metrics: a.collectMetrics(),
			})
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) status() orchestrator.RobotStatus {
	a.jobMu.Lock()
	defer a.jobMu.Unlock()
	if len(a.jobs) >= a.cfg.MaxConcurrentJobs {
		return orchestrator.RobotBusy
	}
	return orchestrator.RobotOnline
}

func (a *Agent) activeJobs() []string {
	a.jobMu.Lock()
	defer a.jobMu.Unlock()
	ids := make([]string, 0, len(a.jobs))
	for id := range a.jobs {
		ids = append(ids, id)
	}
	return ids
}

// collectMetrics samples host resource usage for heartbeats. Sampling
// failures degrade to zero values rather than blocking the heartbeat.
func (a *Agent) collectMetrics() orchestrator.HeartbeatMetrics {
	m := orchestrator.HeartbeatMetrics{ActiveJobs: len(a.activeJobs())}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		m.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		m.MemoryPercent = vm.UsedPercent
	}
	if du, err := disk.Usage("/"); err == nil {
		m.DiskPercent = du.UsedPercent
	}
	return m
}
