package runtime

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/omerlefaruk/casare-rpa/internal/engine"
	"github.com/omerlefaruk/casare-rpa/internal/platform/config"
	"github.com/omerlefaruk/casare-rpa/internal/platform/logger"
	"github.com/omerlefaruk/casare-rpa/internal/platform/metrics"
	"github.com/omerlefaruk/casare-rpa/internal/workflow"
)

// Result is the exit record of a durable run.
type Result struct {
	Success       bool     `json:"success"`
	State         State    `json:"state"`
	ExecutedNodes []string `json:"executed_nodes"`
	DurationMS    int64    `json:"duration_ms"`
	Error         string   `json:"error,omitempty"`
	ErrorNodeID   string   `json:"error_node_id,omitempty"`
	Recovered     bool     `json:"recovered"`
}

// ProgressFunc observes run events as they happen.
type ProgressFunc func(engine.Event)

// Runner executes workflow blobs durably: it validates the blob, restores
// or creates a checkpoint, runs the engine with a checkpoint hook, and
// persists the terminal state. Re-running a finished job id returns the
// recorded result without executing anything.
type Runner struct {
	store    CheckpointStore
	registry *engine.Registry
	log      logger.Logger
	metrics  *metrics.Metrics
	cfg      config.EngineConfig
}

// NewRunner creates a durable runner. A zero EngineConfig falls back to
// built-in defaults.
func NewRunner(store CheckpointStore, registry *engine.Registry, log logger.Logger, cfg config.EngineConfig) *Runner {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = engine.DefaultNodeTimeout
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Hour
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 1
	}
	return &Runner{store: store, registry: registry, log: log, cfg: cfg}
}

// WithMetrics wires engine metrics into runs started by this runner.
func (r *Runner) WithMetrics(m *metrics.Metrics) *Runner {
	r.metrics = m
	return r
}

// Run executes a workflow blob under the given job id. Terminal checkpoints
// short-circuit; running checkpoints resume where they left off.
func (r *Runner) Run(ctx context.Context, blob []byte, jobID string, initialVars map[string]interface{}, onProgress ProgressFunc) (Result, error) {
	started := time.Now()

	prior, err := r.store.Load(ctx, jobID)
	if err != nil {
		return Result{State: StateFailed, Error: err.Error()}, err
	}
	if prior != nil && prior.State.Terminal() {
		return Result{
			Success:       prior.State == StateCompleted,
			State:         prior.State,
			ExecutedNodes: prior.ExecutedNodes,
			Error:         prior.Error,
			ErrorNodeID:   prior.ErrorNodeID,
			Recovered:     true,
		}, nil
	}

	// Validation happens before any side effect. A rejected blob leaves no
	// checkpoint behind.
	wf, err := workflow.Load(blob, r.registry, workflow.Limits{})
	if err != nil {
		return Result{State: StateFailed, Error: err.Error()}, err
	}

	run := engine.NewContext()
	for name, value := range initialVars {
		run.SetVariable(name, value)
	}

	var resume *engine.ResumeState
	if prior != nil {
		for name, value := range prior.Variables {
			run.SetVariable(name, value)
		}
		for node, values := range prior.Outputs {
			run.SetOutputs(node, values)
		}
		for loopID, state := range prior.Loops {
			run.RestoreLoopState(loopID, state)
		}
		resume = &engine.ResumeState{
			ExecutedNodes: prior.ExecutedNodes,
			Routing:       prior.Routing,
		}
		r.log.Info("resuming job from checkpoint",
			"job_id", jobID, "executed_nodes", len(prior.ExecutedNodes))
	}

	emitter := engine.NewEventEmitter()
	if onProgress != nil {
		emitter.OnAny(func(ev engine.Event) { onProgress(ev) })
	}

	resolver := engine.NewResolver(r.log)
	execOpts := []engine.ExecutorOption{engine.WithNodeTimeout(r.cfg.NodeTimeout)}
	if r.metrics != nil {
		execOpts = append(execOpts, engine.WithMetrics(r.metrics))
	}
	executor := engine.NewExecutor(r.registry, resolver, emitter, r.log, execOpts...)

	// The checkpoint hook runs on the engine goroutine; the mutex guards
	// against the terminal save below racing a late hook invocation.
	var saveMu sync.Mutex
	sinceSave := 0
	afterNode := func(snap engine.Snapshot) {
		sinceSave++
		if sinceSave < r.cfg.CheckpointInterval {
			return
		}
		sinceSave = 0
		saveMu.Lock()
		defer saveMu.Unlock()
		cp := &Checkpoint{
			JobID:         jobID,
			State:         StateRunning,
			Variables:     snap.Variables,
			ExecutedNodes: snap.ExecutedNodes,
			Outputs:       snap.Outputs,
			Routing:       snap.Routing,
			Loops:         snap.Loops,
		}
		if err := r.store.Save(ctx, cp); err != nil {
			r.log.Error("checkpoint save failed", "job_id", jobID, "error", err)
		}
	}

	engOpts := []engine.Option{engine.WithAfterNode(afterNode)}
	if r.cfg.ParallelBranches {
		engOpts = append(engOpts, engine.WithStrategy(engine.StrategyParallel))
	}
	if resume != nil {
		engOpts = append(engOpts, engine.WithResume(resume))
	}
	eng := engine.New(r.registry, executor, resolver, emitter, r.log, engOpts...)

	if err := r.store.Save(ctx, &Checkpoint{JobID: jobID, State: StateRunning, Variables: run.Variables()}); err != nil {
		return Result{State: StateFailed, Error: err.Error()}, err
	}

	jobCtx, cancel := context.WithTimeout(ctx, r.cfg.JobTimeout)
	defer cancel()

	jobCtx, span := otel.Tracer("casare/runtime").Start(jobCtx, "workflow.run",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("workflow.id", wf.Metadata.ID),
		))
	outcome := eng.Run(jobCtx, wf, run)
	span.SetAttributes(attribute.String("run.outcome", string(outcome.Outcome)))
	span.End()

	state := StateCompleted
	switch outcome.Outcome {
	case engine.OutcomeCompleted:
	case engine.OutcomeCancelled:
		state = StateCancelled
	default:
		state = StateFailed
	}

	saveMu.Lock()
	terminal := &Checkpoint{
		JobID:         jobID,
		State:         state,
		Variables:     run.Variables(),
		ExecutedNodes: outcome.ExecutedNodes,
		Error:         outcome.Error,
		ErrorNodeID:   outcome.ErrorNodeID,
	}
	if err := r.store.Save(ctx, terminal); err != nil {
		r.log.Error("terminal checkpoint save failed", "job_id", jobID, "error", err)
	}
	saveMu.Unlock()

	result := Result{
		Success:       state == StateCompleted,
		State:         state,
		ExecutedNodes: outcome.ExecutedNodes,
		DurationMS:    time.Since(started).Milliseconds(),
		Error:         outcome.Error,
		ErrorNodeID:   outcome.ErrorNodeID,
	}
	return result, nil
}
