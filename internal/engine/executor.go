package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/omerlefaruk/casare-rpa/internal/platform/logger"
	"github.com/omerlefaruk/casare-rpa/internal/platform/metrics"
	"github.com/omerlefaruk/casare-rpa/internal/workflow"
)

// DefaultNodeTimeout bounds a single node invocation.
const DefaultNodeTimeout = 120 * time.Second

// ConfigBreakpoint is the node config key that marks a debug breakpoint.
const ConfigBreakpoint = "breakpoint"

// DebugControl gates execution at breakpoints. When enabled, a node carrying
// a breakpoint flag blocks before invocation until Step or Continue is
// called from outside the run.
type DebugControl struct {
	step chan struct{}
}

// NewDebugControl returns an enabled debug controller.
func NewDebugControl() *DebugControl {
	return &DebugControl{step: make(chan struct{})}
}

// Step releases exactly one node waiting at a breakpoint.
func (d *DebugControl) Step() {
	select {
	case d.step <- struct{}{}:
	default:
	}
}

func (d *DebugControl) wait(ctx context.Context, cancelled <-chan struct{}) error {
	select {
	case <-d.step:
		return nil
	case <-cancelled:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Executor runs single nodes: input binding, timeout, event publication,
// panic containment, and breakpoint handling.
type Executor struct {
	registry *Registry
	resolver *Resolver
	emitter  *EventEmitter
	log      logger.Logger
	metrics  *metrics.Metrics

	timeout time.Duration
	debug   *DebugControl
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithNodeTimeout overrides the per-node timeout.
func WithNodeTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithDebug enables breakpoint handling.
func WithDebug(d *DebugControl) ExecutorOption {
	return func(e *Executor) { e.debug = d }
}

// WithMetrics wires node execution counters and timers.
func WithMetrics(m *metrics.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor creates an executor bound to a registry and event emitter.
func NewExecutor(registry *Registry, resolver *Resolver, emitter *EventEmitter, log logger.Logger, opts ...ExecutorOption) *Executor {
	if log == nil {
		log = logger.NewNop()
	}
	e := &Executor{
		registry: registry,
		resolver: resolver,
		emitter:  emitter,
		log:      log,
		timeout:  DefaultNodeTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BindInputs fills a node's input port values: a data connection wins, then
// a config key named after the port resolved through the resolver, then the
// port default. A required port left nil is an input failure.
func (e *Executor) BindInputs(wf *workflow.Workflow, node *workflow.Node, run *Context) (map[string]interface{}, error) {
	ports, ok := e.registry.Ports(node.Type)
	if !ok {
		return nil, fmt.Errorf("unknown node type %q", node.Type)
	}

	connected := make(map[string]workflow.Connection)
	for _, conn := range wf.IncomingDataConnections(node.ID, e.registry) {
		connected[conn.TargetPort] = conn
	}

	vars := run.Variables()
	inputs := make(map[string]interface{}, len(ports.Inputs))
	for _, port := range ports.Inputs {
		if port.Type == workflow.TypeExecution {
			continue
		}

		var value interface{}
		if conn, ok := connected[port.Name]; ok {
			value, _ = run.Output(conn.SourceNode, conn.SourcePort)
		} else if raw, ok := node.Config[port.Name]; ok {
			value = e.resolver.Resolve(raw, vars)
		} else {
			value = port.Default
		}

		if value == nil && port.Required {
			return nil, fmt.Errorf("required input %q is null", port.Name)
		}
		inputs[port.Name] = value
	}
	return inputs, nil
}

// Execute runs one node through its full lifecycle and returns its result.
// progress is the run-level completion percentage reported on events.
func (e *Executor) Execute(ctx context.Context, wf *workflow.Workflow, node *workflow.Node, run *Context, progress float64) NodeResult {
	if run.Cancel().Raised() {
		return Failure(node.ID, FailCancelled, "execution cancelled")
	}

	if e.debug != nil {
		if flag, _ := node.Config[ConfigBreakpoint].(bool); flag {
			e.emitter.Emit(Event{Type: EventBreakpointHit, NodeID: node.ID, NodeType: node.Type, ProgressPercent: progress})
			if err := e.debug.wait(ctx, run.Cancel().Done()); err != nil {
				return Failure(node.ID, FailCancelled, "cancelled at breakpoint")
			}
		}
	}

	inputs, err := e.BindInputs(wf, node, run)
	if err != nil {
		result := Failure(node.ID, FailInput, err.Error())
		e.finish(node, run, result, progress, 0)
		return result
	}

	instance, err := e.registry.New(node.Type, node.ID, node.Config)
	if err != nil {
		result := Failure(node.ID, FailValidation, err.Error())
		e.finish(node, run, result, progress, 0)
		return result
	}

	e.emitter.Emit(Event{Type: EventNodeStarted, NodeID: node.ID, NodeType: node.Type, ProgressPercent: progress})

	started := time.Now()
	result := e.invoke(ctx, instance, node, run, inputs)
	elapsed := time.Since(started)

	if run.Cancel().Raised() && !result.Failed() {
		result = Failure(node.ID, FailCancelled, "execution cancelled")
	}

	if result.Status == StatusSuccess && result.OutputValues != nil {
		run.SetOutputs(node.ID, result.OutputValues)
	}
	e.finish(node, run, result, progress, elapsed)
	return result
}

// invoke runs the node implementation under the per-node timeout, containing
// panics as runtime failures.
func (e *Executor) invoke(ctx context.Context, instance NodeInstance, node *workflow.Node, run *Context, inputs map[string]interface{}) NodeResult {
	nodeCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan NodeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Failure(node.ID, FailRuntime, fmt.Sprintf("node panicked: %v", r))
			}
		}()
		done <- instance.Execute(nodeCtx, run, inputs)
	}()

	select {
	case result := <-done:
		return result
	case <-run.Cancel().Done():
		// Let the in-flight node observe nodeCtx cancellation and drain.
		cancel()
		select {
		case <-done:
		case <-time.After(e.timeout):
		}
		return Failure(node.ID, FailCancelled, "execution cancelled")
	case <-nodeCtx.Done():
		// Distinguish the run's deadline from an operator cancellation.
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return Failure(node.ID, FailTimeout, "run deadline exceeded")
			}
			return Failure(node.ID, FailCancelled, "execution cancelled")
		}
		return Failure(node.ID, FailTimeout, fmt.Sprintf("node timed out after %s", e.timeout))
	}
}

func (e *Executor) finish(node *workflow.Node, run *Context, result NodeResult, progress float64, elapsed time.Duration) {
	if e.metrics != nil {
		e.metrics.NodeExecutionsTotal.WithLabelValues(node.Type, string(result.Status)).Inc()
		if elapsed > 0 {
			e.metrics.NodeExecutionDuration.WithLabelValues(node.Type).Observe(elapsed.Seconds())
		}
	}

	switch result.Status {
	case StatusSuccess:
		e.emitter.Emit(Event{Type: EventNodeCompleted, NodeID: node.ID, NodeType: node.Type, ProgressPercent: progress})
	case StatusFailure:
		run.AppendError(node.ID, result.Message, result.Kind)
		e.log.Warn("node failed",
			"node_id", node.ID, "node_type", node.Type,
			"kind", string(result.Kind), "error", result.Message)
		e.emitter.Emit(Event{
			Type: EventNodeFailed, NodeID: node.ID, NodeType: node.Type, ProgressPercent: progress,
			Data: map[string]interface{}{"error": result.Message, "kind": string(result.Kind)},
		})
	}
}
