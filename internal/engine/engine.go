package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/omerlefaruk/casare-rpa/internal/platform/logger"
	"github.com/omerlefaruk/casare-rpa/internal/workflow"
)

// Strategy selects how the engine drains its ready set.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
)

// NodeTypeTryCatch guards a subtree and reroutes failures to a handler.
const NodeTypeTryCatch = "TryCatch"

// Route records the control-flow decision a node made, so a resumed run can
// replay routing without re-invoking the node.
type Route struct {
	NextPorts  []string `json:"next_ports,omitempty"`
	LoopBackTo string   `json:"loop_back_to,omitempty"`
}

// Snapshot is the engine's progress report handed to the checkpoint hook
// after every completed node.
type Snapshot struct {
	ExecutedNodes []string
	Variables     map[string]interface{}
	Outputs       map[string]map[string]interface{}
	Routing       map[string]Route
	Loops         map[string]LoopState
}

// ResumeState restores a partially-executed run. Outputs must already be
// loaded into the run context by the caller.
type ResumeState struct {
	ExecutedNodes []string
	Routing       map[string]Route
}

// Engine interprets a validated workflow graph: execution-edge dispatch,
// loops, branches, try/catch, subflows.
type Engine struct {
	registry *Registry
	executor *Executor
	resolver *Resolver
	emitter  *EventEmitter
	log      logger.Logger

	strategy  Strategy
	afterNode func(Snapshot)
	resume    *ResumeState
}

// Option configures an Engine.
type Option func(*Engine)

// WithStrategy selects sequential or parallel draining of the ready set.
func WithStrategy(s Strategy) Option {
	return func(e *Engine) { e.strategy = s }
}

// WithAfterNode installs a hook called after every completed node, used by
// the durable runtime to checkpoint.
func WithAfterNode(fn func(Snapshot)) Option {
	return func(e *Engine) { e.afterNode = fn }
}

// WithResume restores executed nodes and routing from a checkpoint.
func WithResume(rs *ResumeState) Option {
	return func(e *Engine) { e.resume = rs }
}

// New creates an engine.
func New(registry *Registry, executor *Executor, resolver *Resolver, emitter *EventEmitter, log logger.Logger, opts ...Option) *Engine {
	if log == nil {
		log = logger.NewNop()
	}
	e := &Engine{
		registry: registry,
		executor: executor,
		resolver: resolver,
		emitter:  emitter,
		log:      log,
		strategy: StrategySequential,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// runState is the per-run mutable dispatch state.
type runState struct {
	wf  *workflow.Workflow
	run *Context

	queue   []string
	queued  map[string]bool
	armed   map[string]bool // executed since last loop re-arm; blocks re-entry
	done    map[string]bool // ever executed, for progress and checkpoints
	order   []string
	routing map[string]Route

	replayed map[string]bool
	guards   map[string]string // protected node -> TryCatch node
	bodies   map[string]map[string]bool

	outcome *RunResult // set on terminal failure or cancellation
}

// Run executes a workflow to a terminal outcome. The workflow must have
// been validated against the engine's registry.
func (e *Engine) Run(ctx context.Context, wf *workflow.Workflow, run *Context) RunResult {
	st := &runState{
		wf:       wf,
		run:      run,
		queued:   make(map[string]bool),
		armed:    make(map[string]bool),
		done:     make(map[string]bool),
		routing:  make(map[string]Route),
		replayed: make(map[string]bool),
		guards:   make(map[string]string),
		bodies:   make(map[string]map[string]bool),
	}
	if e.resume != nil {
		for _, id := range e.resume.ExecutedNodes {
			st.done[id] = true
			st.order = append(st.order, id)
			if route, ok := e.resume.Routing[id]; ok {
				st.routing[id] = route
			}
		}
	}

	e.emitter.Emit(Event{Type: EventWorkflowStarted})

	if start := wf.FindStartNode(); start != "" {
		st.trigger(start)
	} else {
		for _, id := range wf.FindEntryNodes(e.registry) {
			st.trigger(id)
		}
	}

	for len(st.queue) > 0 && st.outcome == nil {
		if err := run.WaitIfPaused(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				st.outcome = &RunResult{Outcome: OutcomeFailed, Error: "run deadline exceeded", ErrorKind: FailTimeout}
			} else {
				st.outcome = &RunResult{Outcome: OutcomeCancelled}
			}
			break
		}
		if run.Cancel().Raised() {
			st.outcome = &RunResult{Outcome: OutcomeCancelled, ExecutedNodes: st.order}
			break
		}

		if e.strategy == StrategyParallel && len(st.queue) > 1 {
			e.runBatch(ctx, st)
			continue
		}

		id := st.pop()
		e.step(ctx, st, id)
	}

	if st.outcome != nil {
		result := *st.outcome
		result.ExecutedNodes = st.order
		e.emitTerminal(result)
		return result
	}

	result := RunResult{
		Outcome:       OutcomeCompleted,
		ExecutedNodes: st.order,
		Variables:     run.Variables(),
	}
	e.emitTerminal(result)
	return result
}

func (e *Engine) emitTerminal(result RunResult) {
	switch result.Outcome {
	case OutcomeCompleted:
		e.emitter.Emit(Event{Type: EventWorkflowCompleted, ProgressPercent: 100})
	case OutcomeCancelled:
		e.emitter.Emit(Event{Type: EventWorkflowCancelled})
	default:
		e.emitter.Emit(Event{
			Type: EventWorkflowFailed,
			Data: map[string]interface{}{"error": result.Error, "node_id": result.ErrorNodeID},
		})
	}
}

func (st *runState) trigger(id string) {
	if st.queued[id] || st.armed[id] {
		return
	}
	st.queued[id] = true
	st.queue = append(st.queue, id)
}

// retrigger queues a node regardless of its armed flag. Loop-back re-entry
// is the only caller.
func (st *runState) retrigger(id string) {
	if st.queued[id] {
		return
	}
	st.armed[id] = false
	st.queued[id] = true
	st.queue = append(st.queue, id)
}

func (st *runState) pop() string {
	id := st.queue[0]
	st.queue = st.queue[1:]
	delete(st.queued, id)
	return id
}

func (st *runState) progress() float64 {
	if len(st.wf.Nodes) == 0 {
		return 100
	}
	return float64(len(st.order)) / float64(len(st.wf.Nodes)) * 100
}

func (st *runState) markExecuted(id string) {
	st.armed[id] = true
	if !st.done[id] {
		st.done[id] = true
		st.order = append(st.order, id)
	}
}

// step executes one triggered node and routes control onward.
func (e *Engine) step(ctx context.Context, st *runState, id string) {
	node, ok := st.wf.Nodes[id]
	if !ok {
		st.outcome = &RunResult{Outcome: OutcomeFailed, Error: "triggered node does not exist", ErrorKind: FailValidation, ErrorNodeID: id}
		return
	}

	// Replay a checkpointed routing decision instead of re-invoking.
	if e.resume != nil && st.done[id] && !st.replayed[id] {
		st.replayed[id] = true
		st.armed[id] = true
		route := st.routing[id]
		e.route(st, node, NodeResult{Status: StatusSuccess, NextPorts: route.NextPorts, LoopBackTo: route.LoopBackTo})
		return
	}

	var result NodeResult
	if node.Type == workflow.NodeTypeSubflow {
		result = e.runSubflow(ctx, st, node)
	} else {
		result = e.executor.Execute(ctx, st.wf, node, st.run, st.progress())
	}
	e.handleResult(st, node, result)
}

func (e *Engine) handleResult(st *runState, node *workflow.Node, result NodeResult) {
	switch result.Status {
	case StatusSuccess:
		st.markExecuted(node.ID)
		// Results the engine produced itself (subflows) bypass the executor,
		// so their outputs are recorded here.
		if len(result.OutputValues) > 0 {
			st.run.SetOutputs(node.ID, result.OutputValues)
		}
		st.routing[node.ID] = Route{NextPorts: result.NextPorts, LoopBackTo: result.LoopBackTo}
		if node.Type == NodeTypeTryCatch {
			e.registerGuard(st, node)
		}
		e.checkpoint(st)
		e.route(st, node, result)

	case StatusSkipped:
		// A skipped node passes control through every execution output.
		st.markExecuted(node.ID)
		ports, _ := e.registry.Ports(node.Type)
		var next []string
		for _, p := range ports.Outputs {
			if p.Type == workflow.TypeExecution {
				next = append(next, p.Name)
			}
		}
		st.routing[node.ID] = Route{NextPorts: next}
		e.checkpoint(st)
		e.route(st, node, NodeResult{Status: StatusSuccess, NextPorts: next})

	case StatusFailure:
		if result.Kind == FailCancelled {
			st.outcome = &RunResult{Outcome: OutcomeCancelled}
			return
		}
		if handler, ok := st.guards[node.ID]; ok {
			e.routeToHandler(st, handler, result)
			return
		}
		st.outcome = &RunResult{
			Outcome:     OutcomeFailed,
			Error:       result.Message,
			ErrorKind:   result.Kind,
			ErrorNodeID: node.ID,
		}
	}
}

// route advances control along the node's chosen execution ports, and back
// to the loop start when the result asks for it.
func (e *Engine) route(st *runState, node *workflow.Node, result NodeResult) {
	if result.LoopBackTo != "" {
		st.retrigger(result.LoopBackTo)
		return
	}
	for _, port := range result.NextPorts {
		// A loop start emitting its body re-arms the body nodes so they
		// execute once per iteration.
		if workflow.IsLoopStart(node.Type) && port == "body" {
			e.rearmBody(st, node.ID)
		}
		for _, conn := range st.wf.Successors(node.ID, port) {
			st.trigger(conn.TargetNode)
		}
	}
}

func (e *Engine) rearmBody(st *runState, startID string) {
	body, ok := st.bodies[startID]
	if !ok {
		body = bodyNodes(st.wf, startID)
		st.bodies[startID] = body
	}
	for id := range body {
		st.armed[id] = false
	}
}

// registerGuard protects every node execution-reachable from the TryCatch
// node's try port.
func (e *Engine) registerGuard(st *runState, node *workflow.Node) {
	seen := make(map[string]bool)
	var frontier []string
	for _, conn := range st.wf.Successors(node.ID, "try") {
		frontier = append(frontier, conn.TargetNode)
	}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, claimed := st.guards[id]; !claimed {
			st.guards[id] = node.ID
		}
		for _, conn := range st.wf.Successors(id, "") {
			frontier = append(frontier, conn.TargetNode)
		}
	}
}

// routeToHandler reroutes an intercepted failure to the TryCatch node's
// catch branch, exposing the error on its output ports.
func (e *Engine) routeToHandler(st *runState, handlerID string, failure NodeResult) {
	if _, ok := st.wf.Nodes[handlerID]; !ok {
		st.outcome = &RunResult{Outcome: OutcomeFailed, Error: failure.Message, ErrorKind: failure.Kind, ErrorNodeID: failure.NodeID}
		return
	}
	st.run.SetOutputs(handlerID, map[string]interface{}{
		"error_message": failure.Message,
		"error_kind":    string(failure.Kind),
		"error_node_id": failure.NodeID,
	})
	e.log.Info("failure intercepted by try/catch",
		"node_id", failure.NodeID, "handler_id", handlerID, "error", failure.Message)
	for _, conn := range st.wf.Successors(handlerID, "catch") {
		st.trigger(conn.TargetNode)
	}
}

func (e *Engine) checkpoint(st *runState) {
	if e.afterNode == nil {
		return
	}
	order := make([]string, len(st.order))
	copy(order, st.order)
	routing := make(map[string]Route, len(st.routing))
	for k, v := range st.routing {
		routing[k] = v
	}
	e.afterNode(Snapshot{
		ExecutedNodes: order,
		Variables:     st.run.Variables(),
		Outputs:       st.run.outputsSnapshot(),
		Routing:       routing,
		Loops:         st.run.loopsSnapshot(),
	})
}

// runBatch drains the data-independent part of the ready set concurrently
// on branch clones and merges the results. A triggered node whose data
// producer is also triggered waits for the next wave, so it binds its
// inputs after the producer has run. Variable writes inside clones are
// discarded.
func (e *Engine) runBatch(ctx context.Context, st *runState) {
	pending := st.queue
	st.queue = nil
	st.queued = make(map[string]bool)

	triggered := make(map[string]bool, len(pending))
	for _, id := range pending {
		triggered[id] = true
	}
	var batch, held []string
	for _, id := range pending {
		if e.dataReady(st, id, triggered) {
			batch = append(batch, id)
		} else {
			held = append(held, id)
		}
	}
	// An all-held wave cannot make progress; run it as one batch.
	if len(batch) == 0 {
		batch, held = held, nil
	}
	for _, id := range held {
		st.queued[id] = true
		st.queue = append(st.queue, id)
	}

	type branchResult struct {
		node   *workflow.Node
		clone  *Context
		result NodeResult
	}

	results := make([]branchResult, len(batch))
	var wg sync.WaitGroup
	for i, id := range batch {
		node, ok := st.wf.Nodes[id]
		if !ok {
			results[i] = branchResult{result: Failure(id, FailValidation, "triggered node does not exist")}
			continue
		}
		clone := st.run.CloneForBranch(id)
		results[i] = branchResult{node: node, clone: clone}
		wg.Add(1)
		go func(i int, node *workflow.Node, clone *Context) {
			defer wg.Done()
			if node.Type == workflow.NodeTypeSubflow {
				results[i].result = e.runSubflowOn(ctx, st, node, clone)
				return
			}
			results[i].result = e.executor.Execute(ctx, st.wf, node, clone, st.progress())
		}(i, node, clone)
	}
	wg.Wait()

	// Merge in batch order so failures resolve deterministically.
	for _, br := range results {
		if br.clone != nil {
			st.run.MergeBranchOutputs(br.clone)
		}
		if br.node == nil {
			st.outcome = &RunResult{Outcome: OutcomeFailed, Error: br.result.Message, ErrorKind: br.result.Kind, ErrorNodeID: br.result.NodeID}
			return
		}
		e.handleResult(st, br.node, br.result)
		if st.outcome != nil {
			return
		}
	}
}

// dataReady reports whether every data producer of a node has already run,
// considering only producers that are themselves in the current ready set.
func (e *Engine) dataReady(st *runState, id string, triggered map[string]bool) bool {
	for _, conn := range st.wf.IncomingDataConnections(id, e.registry) {
		if triggered[conn.SourceNode] && !st.done[conn.SourceNode] {
			return false
		}
	}
	return true
}
