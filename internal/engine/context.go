// Package engine implements the workflow execution engine: per-run context,
// variable resolution, node execution, and the graph interpreter.
package engine

import (
	"context"
	"sync"
	"time"
)

// SystemVarPrefix marks engine-owned variables such as _subflow_name.
const SystemVarPrefix = "_"

// ExecutionError is one entry in the per-run error log.
type ExecutionError struct {
	NodeID    string      `json:"node_id"`
	Message   string      `json:"message"`
	Kind      FailureKind `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
}

// PauseSignal is a cooperative gate. While set the engine runs freely;
// while cleared, WaitIfPaused blocks until the signal is set again.
type PauseSignal struct {
	mu      sync.Mutex
	resumed chan struct{}
	set     bool
}

// NewPauseSignal returns a signal in the set (running) state.
func NewPauseSignal() *PauseSignal {
	p := &PauseSignal{resumed: make(chan struct{}), set: true}
	close(p.resumed)
	return p
}

// Set resumes execution.
func (p *PauseSignal) Set() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.set {
		p.set = true
		close(p.resumed)
	}
}

// Clear pauses execution at the next suspension point.
func (p *PauseSignal) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.set {
		p.set = false
		p.resumed = make(chan struct{})
	}
}

// IsSet reports whether execution may proceed.
func (p *PauseSignal) IsSet() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.set
}

// Wait blocks until the signal is set, the context ends, or done closes.
func (p *PauseSignal) Wait(ctx context.Context, done <-chan struct{}) error {
	for {
		p.mu.Lock()
		ch := p.resumed
		set := p.set
		p.mu.Unlock()
		if set {
			return nil
		}
		select {
		case <-ch:
		case <-done:
			return context.Canceled
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CancelSignal is a one-shot cooperative cancellation flag.
type CancelSignal struct {
	once sync.Once
	done chan struct{}
}

// NewCancelSignal returns an unset cancel signal.
func NewCancelSignal() *CancelSignal {
	return &CancelSignal{done: make(chan struct{})}
}

// Raise sets the signal. Subsequent calls are no-ops.
func (c *CancelSignal) Raise() {
	c.once.Do(func() { close(c.done) })
}

// Raised reports whether the signal has been set.
func (c *CancelSignal) Raised() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the signal is raised.
func (c *CancelSignal) Done() <-chan struct{} { return c.done }

// Context is the per-run state container: variables, node outputs, signals,
// the error log, and externally-owned resource handles.
type Context struct {
	mu        sync.RWMutex
	variables map[string]interface{}
	outputs   map[string]map[string]interface{}
	errors    []ExecutionError

	// resources are shared by reference with branch clones, never copied.
	resources map[string]interface{}

	// loops is engine-owned per-loop state keyed by the loop start's
	// NodeId. It is never exposed as a user variable.
	loops map[string]*LoopState

	pause  *PauseSignal
	cancel *CancelSignal
}

// NewContext creates a fresh run context with the pause signal set.
func NewContext() *Context {
	return &Context{
		variables: make(map[string]interface{}),
		outputs:   make(map[string]map[string]interface{}),
		resources: make(map[string]interface{}),
		loops:     make(map[string]*LoopState),
		pause:     NewPauseSignal(),
		cancel:    NewCancelSignal(),
	}
}

// LoopState returns the state for a loop start node, creating it on first
// use. Loop state lives outside the variable namespace.
func (c *Context) LoopState(loopStartID string) *LoopState {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.loops[loopStartID]
	if !ok {
		state = &LoopState{}
		c.loops[loopStartID] = state
	}
	return state
}

// ClearLoopState discards the state of a finished loop.
func (c *Context) ClearLoopState(loopStartID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.loops, loopStartID)
}

// RestoreLoopState seeds a loop's bookkeeping from a checkpoint, so a
// resumed run continues mid-loop instead of starting over.
func (c *Context) RestoreLoopState(loopStartID string, state LoopState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := state
	c.loops[loopStartID] = &copied
}

// loopsSnapshot copies the live loop states for checkpointing.
func (c *Context) loopsSnapshot() map[string]LoopState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.loops) == 0 {
		return nil
	}
	snapshot := make(map[string]LoopState, len(c.loops))
	for id, state := range c.loops {
		snapshot[id] = *state
	}
	return snapshot
}

// SetVariable stores a variable. It never fails.
func (c *Context) SetVariable(name string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[name] = value
}

// GetVariable returns a variable or the provided default. It never fails.
func (c *Context) GetVariable(name string, def interface{}) interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.variables[name]; ok {
		return v
	}
	return def
}

// HasVariable reports whether the variable exists.
func (c *Context) HasVariable(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.variables[name]
	return ok
}

// Variables returns a snapshot copy of all variables.
func (c *Context) Variables() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snapshot := make(map[string]interface{}, len(c.variables))
	for k, v := range c.variables {
		snapshot[k] = v
	}
	return snapshot
}

// SetOutputs records the output port values of a completed node.
func (c *Context) SetOutputs(nodeID string, values map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs[nodeID] = values
}

// Output returns the value a node produced on a port.
func (c *Context) Output(nodeID, port string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	values, ok := c.outputs[nodeID]
	if !ok {
		return nil, false
	}
	v, ok := values[port]
	return v, ok
}

// OutputsFor returns every output of a node.
func (c *Context) OutputsFor(nodeID string) (map[string]interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	values, ok := c.outputs[nodeID]
	return values, ok
}

// outputsSnapshot deep-copies the per-node output maps for checkpointing.
func (c *Context) outputsSnapshot() map[string]map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snapshot := make(map[string]map[string]interface{}, len(c.outputs))
	for node, values := range c.outputs {
		copied := make(map[string]interface{}, len(values))
		for k, v := range values {
			copied[k] = v
		}
		snapshot[node] = copied
	}
	return snapshot
}

// AppendError records a failure in the append-only error log.
func (c *Context) AppendError(nodeID, message string, kind FailureKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, ExecutionError{
		NodeID:    nodeID,
		Message:   message,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	})
}

// Errors returns a copy of the error log.
func (c *Context) Errors() []ExecutionError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ExecutionError, len(c.errors))
	copy(out, c.errors)
	return out
}

// SetResource attaches an externally-managed handle under a named key.
func (c *Context) SetResource(key string, handle interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resources[key] = handle
}

// Resource returns an externally-managed handle.
func (c *Context) Resource(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.resources[key]
	return h, ok
}

// Pause returns the run's pause signal.
func (c *Context) Pause() *PauseSignal { return c.pause }

// Cancel returns the run's cancel signal.
func (c *Context) Cancel() *CancelSignal { return c.cancel }

// WaitIfPaused blocks while the pause signal is cleared. It returns an
// error when the run is cancelled while waiting.
func (c *Context) WaitIfPaused(ctx context.Context) error {
	return c.pause.Wait(ctx, c.cancel.Done())
}

// CloneForBranch derives a context for a parallel branch or nested scope:
// resources are shared by reference, variables are copied, and writes in
// the clone never propagate back. Signals are shared so branches observe
// pause and cancel.
func (c *Context) CloneForBranch(label string) *Context {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Context{
		variables: make(map[string]interface{}, len(c.variables)+1),
		outputs:   make(map[string]map[string]interface{}, len(c.outputs)),
		resources: c.resources,
		loops:     make(map[string]*LoopState),
		pause:     c.pause,
		cancel:    c.cancel,
	}
	for k, v := range c.variables {
		clone.variables[k] = v
	}
	for node, values := range c.outputs {
		clone.outputs[node] = values
	}
	if label != "" {
		clone.variables[SystemVarPrefix+"branch"] = label
	}
	return clone
}

// MergeBranchOutputs folds a finished branch clone back into the parent:
// the union of the clone's node outputs is adopted, variable writes in the
// clone are discarded. Over disjoint node sets the merge is associative and
// commutative.
func (c *Context) MergeBranchOutputs(branch *Context) {
	branch.mu.RLock()
	defer branch.mu.RUnlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	for node, values := range branch.outputs {
		if _, exists := c.outputs[node]; !exists {
			c.outputs[node] = values
		}
	}
	c.errors = append(c.errors, branch.errors...)
}
