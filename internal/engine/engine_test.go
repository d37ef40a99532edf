package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omerlefaruk/casare-rpa/internal/workflow"
)

func newTestEngine(r *Registry, opts ...Option) *Engine {
	resolver := NewResolver(nil)
	emitter := NewEventEmitter()
	exec := NewExecutor(r, resolver, emitter, nil)
	return New(r, exec, resolver, emitter, nil, opts...)
}

func chain(nodes ...string) []workflow.Connection {
	var conns []workflow.Connection
	for i := 0; i+1 < len(nodes); i++ {
		conns = append(conns, workflow.Connection{
			SourceNode: nodes[i], SourcePort: "exec_out",
			TargetNode: nodes[i+1], TargetPort: "exec_in",
		})
	}
	return conns
}

func TestRunLinearChain(t *testing.T) {
	r := NewRegistry()
	var trace []string
	step := func(name string) funcNode {
		return func(ctx context.Context, run *Context, inputs map[string]interface{}) NodeResult {
			trace = append(trace, name)
			return Success(nil, "exec_out")
		}
	}
	registerFunc(r, "A", execPorts(nil, nil), step("a"))
	registerFunc(r, "B", execPorts(nil, nil), step("b"))
	registerFunc(r, "C", execPorts(nil, nil), step("c"))

	wf := &workflow.Workflow{
		Nodes: map[string]*workflow.Node{
			"a": {ID: "a", Type: "A"},
			"b": {ID: "b", Type: "B"},
			"c": {ID: "c", Type: "C"},
		},
		Connections: chain("a", "b", "c"),
	}

	result := newTestEngine(r).Run(context.Background(), wf, NewContext())
	require.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, []string{"a", "b", "c"}, trace)
	assert.Equal(t, []string{"a", "b", "c"}, result.ExecutedNodes)
}

func TestRunRoutesOnlyChosenPort(t *testing.T) {
	r := NewRegistry()
	var trace []string
	r.Register("Fork", Registration{
		Ports: workflow.PortSet{
			Inputs: []workflow.Port{{Name: "exec_in", Type: workflow.TypeExecution}},
			Outputs: []workflow.Port{
				{Name: "left", Type: workflow.TypeExecution},
				{Name: "right", Type: workflow.TypeExecution},
			},
		},
		Constructor: func(id string, config map[string]interface{}) (NodeInstance, error) {
			return funcNode(func(ctx context.Context, run *Context, inputs map[string]interface{}) NodeResult {
				return Success(nil, "right")
			}), nil
		},
	})
	mark := func(name string) funcNode {
		return func(ctx context.Context, run *Context, inputs map[string]interface{}) NodeResult {
			trace = append(trace, name)
			return Success(nil, "exec_out")
		}
	}
	registerFunc(r, "Left", execPorts(nil, nil), mark("left"))
	registerFunc(r, "Right", execPorts(nil, nil), mark("right"))

	wf := &workflow.Workflow{
		Nodes: map[string]*workflow.Node{
			"fork": {ID: "fork", Type: "Fork"},
			"l":    {ID: "l", Type: "Left"},
			"r":    {ID: "r", Type: "Right"},
		},
		Connections: []workflow.Connection{
			{SourceNode: "fork", SourcePort: "left", TargetNode: "l", TargetPort: "exec_in"},
			{SourceNode: "fork", SourcePort: "right", TargetNode: "r", TargetPort: "exec_in"},
		},
	}

	result := newTestEngine(r).Run(context.Background(), wf, NewContext())
	require.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, []string{"right"}, trace)
}

func TestRunSkippedRoutesAllExecutionPorts(t *testing.T) {
	r := NewRegistry()
	var trace []string
	r.Register("Maybe", Registration{
		Ports: workflow.PortSet{
			Inputs: []workflow.Port{{Name: "exec_in", Type: workflow.TypeExecution}},
			Outputs: []workflow.Port{
				{Name: "a", Type: workflow.TypeExecution},
				{Name: "b", Type: workflow.TypeExecution},
			},
		},
		Constructor: func(id string, config map[string]interface{}) (NodeInstance, error) {
			return funcNode(func(ctx context.Context, run *Context, inputs map[string]interface{}) NodeResult {
				return Skipped("nothing to do")
			}), nil
		},
	})
	mark := func(name string) funcNode {
		return func(ctx context.Context, run *Context, inputs map[string]interface{}) NodeResult {
			trace = append(trace, name)
			return Success(nil, "exec_out")
		}
	}
	registerFunc(r, "A", execPorts(nil, nil), mark("a"))
	registerFunc(r, "B", execPorts(nil, nil), mark("b"))

	wf := &workflow.Workflow{
		Nodes: map[string]*workflow.Node{
			"m": {ID: "m", Type: "Maybe"},
			"a": {ID: "a", Type: "A"},
			"b": {ID: "b", Type: "B"},
		},
		Connections: []workflow.Connection{
			{SourceNode: "m", SourcePort: "a", TargetNode: "a", TargetPort: "exec_in"},
			{SourceNode: "m", SourcePort: "b", TargetNode: "b", TargetPort: "exec_in"},
		},
	}

	result := newTestEngine(r).Run(context.Background(), wf, NewContext())
	require.Equal(t, OutcomeCompleted, result.Outcome)
	assert.ElementsMatch(t, []string{"a", "b"}, trace)
}

func TestRunFailureWithoutGuardFailsRun(t *testing.T) {
	r := NewRegistry()
	registerFunc(r, "Bad", execPorts(nil, nil),
		func(ctx context.Context, run *Context, inputs map[string]interface{}) NodeResult {
			return Failure("bad", FailExternal, "service unreachable")
		})
	ran := false
	registerFunc(r, "After", execPorts(nil, nil),
		func(ctx context.Context, run *Context, inputs map[string]interface{}) NodeResult {
			ran = true
			return Success(nil, "exec_out")
		})

	wf := &workflow.Workflow{
		Nodes: map[string]*workflow.Node{
			"bad":   {ID: "bad", Type: "Bad"},
			"after": {ID: "after", Type: "After"},
		},
		Connections: chain("bad", "after"),
	}

	result := newTestEngine(r).Run(context.Background(), wf, NewContext())
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, "bad", result.ErrorNodeID)
	assert.Equal(t, FailExternal, result.ErrorKind)
	assert.Equal(t, "service unreachable", result.Error)
	assert.False(t, ran)
}

func TestRunCancelledMidRun(t *testing.T) {
	r := NewRegistry()
	run := NewContext()
	registerFunc(r, "CancelSelf", execPorts(nil, nil),
		func(ctx context.Context, rc *Context, inputs map[string]interface{}) NodeResult {
			rc.Cancel().Raise()
			return Success(nil, "exec_out")
		})
	ran := false
	registerFunc(r, "After", execPorts(nil, nil),
		func(ctx context.Context, rc *Context, inputs map[string]interface{}) NodeResult {
			ran = true
			return Success(nil, "exec_out")
		})

	wf := &workflow.Workflow{
		Nodes: map[string]*workflow.Node{
			"c":     {ID: "c", Type: "CancelSelf"},
			"after": {ID: "after", Type: "After"},
		},
		Connections: chain("c", "after"),
	}

	result := newTestEngine(r).Run(context.Background(), wf, run)
	assert.Equal(t, OutcomeCancelled, result.Outcome)
	assert.False(t, ran)
}

func TestRunTryCatchReroutesFailure(t *testing.T) {
	r := NewRegistry()
	var trace []string
	r.Register(NodeTypeTryCatch, Registration{
		Ports: workflow.PortSet{
			Inputs: []workflow.Port{{Name: "exec_in", Type: workflow.TypeExecution}},
			Outputs: []workflow.Port{
				{Name: "try", Type: workflow.TypeExecution},
				{Name: "catch", Type: workflow.TypeExecution},
				{Name: "error_message", Type: workflow.TypeString},
			},
		},
		Constructor: func(id string, config map[string]interface{}) (NodeInstance, error) {
			return funcNode(func(ctx context.Context, run *Context, inputs map[string]interface{}) NodeResult {
				return Success(nil, "try")
			}), nil
		},
	})
	registerFunc(r, "Bad", execPorts(nil, nil),
		func(ctx context.Context, run *Context, inputs map[string]interface{}) NodeResult {
			return Failure("bad", FailRuntime, "exploded")
		})
	mark := func(name string) funcNode {
		return func(ctx context.Context, run *Context, inputs map[string]interface{}) NodeResult {
			trace = append(trace, name)
			return Success(nil, "exec_out")
		}
	}
	registerFunc(r, "Happy", execPorts(nil, nil), mark("happy"))
	registerFunc(r, "Handler", execPorts(nil, nil), mark("handler"))

	wf := &workflow.Workflow{
		Nodes: map[string]*workflow.Node{
			"tc":      {ID: "tc", Type: NodeTypeTryCatch},
			"bad":     {ID: "bad", Type: "Bad"},
			"happy":   {ID: "happy", Type: "Happy"},
			"handler": {ID: "handler", Type: "Handler"},
		},
		Connections: []workflow.Connection{
			{SourceNode: "tc", SourcePort: "try", TargetNode: "bad", TargetPort: "exec_in"},
			{SourceNode: "bad", SourcePort: "exec_out", TargetNode: "happy", TargetPort: "exec_in"},
			{SourceNode: "tc", SourcePort: "catch", TargetNode: "handler", TargetPort: "exec_in"},
		},
	}

	run := NewContext()
	result := newTestEngine(r).Run(context.Background(), wf, run)
	require.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, []string{"handler"}, trace)

	msg, ok := run.Output("tc", "error_message")
	require.True(t, ok)
	assert.Equal(t, "exploded", msg)
	kind, _ := run.Output("tc", "error_kind")
	assert.Equal(t, string(FailRuntime), kind)
	nodeID, _ := run.Output("tc", "error_node_id")
	assert.Equal(t, "bad", nodeID)
}

func TestRunCheckpointHook(t *testing.T) {
	r := NewRegistry()
	registerFunc(r, "Step", execPorts(nil, nil),
		func(ctx context.Context, run *Context, inputs map[string]interface{}) NodeResult {
			run.SetVariable("touched", true)
			return Success(map[string]interface{}{}, "exec_out")
		})

	wf := &workflow.Workflow{
		Nodes: map[string]*workflow.Node{
			"a": {ID: "a", Type: "Step"},
			"b": {ID: "b", Type: "Step"},
		},
		Connections: chain("a", "b"),
	}

	var snapshots []Snapshot
	eng := newTestEngine(r, WithAfterNode(func(s Snapshot) { snapshots = append(snapshots, s) }))
	result := eng.Run(context.Background(), wf, NewContext())

	require.Equal(t, OutcomeCompleted, result.Outcome)
	require.Len(t, snapshots, 2)
	assert.Equal(t, []string{"a"}, snapshots[0].ExecutedNodes)
	assert.Equal(t, []string{"a", "b"}, snapshots[1].ExecutedNodes)
	assert.Equal(t, true, snapshots[0].Variables["touched"])
	assert.Equal(t, Route{NextPorts: []string{"exec_out"}}, snapshots[1].Routing["a"])
}

func TestRunResumeReplaysWithoutReinvoking(t *testing.T) {
	r := NewRegistry()
	invocations := make(map[string]int)
	step := func(name string) funcNode {
		return func(ctx context.Context, run *Context, inputs map[string]interface{}) NodeResult {
			invocations[name]++
			return Success(nil, "exec_out")
		}
	}
	registerFunc(r, "A", execPorts(nil, nil), step("a"))
	registerFunc(r, "B", execPorts(nil, nil), step("b"))
	registerFunc(r, "C", execPorts(nil, nil), step("c"))

	wf := &workflow.Workflow{
		Nodes: map[string]*workflow.Node{
			"a": {ID: "a", Type: "A"},
			"b": {ID: "b", Type: "B"},
			"c": {ID: "c", Type: "C"},
		},
		Connections: chain("a", "b", "c"),
	}

	resume := &ResumeState{
		ExecutedNodes: []string{"a", "b"},
		Routing: map[string]Route{
			"a": {NextPorts: []string{"exec_out"}},
			"b": {NextPorts: []string{"exec_out"}},
		},
	}
	eng := newTestEngine(r, WithResume(resume))
	result := eng.Run(context.Background(), wf, NewContext())

	require.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Zero(t, invocations["a"])
	assert.Zero(t, invocations["b"])
	assert.Equal(t, 1, invocations["c"])
	// Executed nodes keep their original positions; c is appended once.
	assert.Equal(t, []string{"a", "b", "c"}, result.ExecutedNodes)
}

func TestRunParallelStrategyMergesBranches(t *testing.T) {
	r := NewRegistry()
	r.Register("Split", Registration{
		Ports: workflow.PortSet{
			Inputs: []workflow.Port{{Name: "exec_in", Type: workflow.TypeExecution}},
			Outputs: []workflow.Port{
				{Name: "a", Type: workflow.TypeExecution},
				{Name: "b", Type: workflow.TypeExecution},
			},
		},
		Constructor: func(id string, config map[string]interface{}) (NodeInstance, error) {
			return funcNode(func(ctx context.Context, run *Context, inputs map[string]interface{}) NodeResult {
				return Success(nil, "a", "b")
			}), nil
		},
	})
	produce := func(v string) funcNode {
		return func(ctx context.Context, run *Context, inputs map[string]interface{}) NodeResult {
			return Success(map[string]interface{}{"v": v}, "exec_out")
		}
	}
	registerFunc(r, "Left", execPorts(nil, []workflow.Port{{Name: "v", Type: workflow.TypeString}}), produce("left"))
	registerFunc(r, "Right", execPorts(nil, []workflow.Port{{Name: "v", Type: workflow.TypeString}}), produce("right"))

	wf := &workflow.Workflow{
		Nodes: map[string]*workflow.Node{
			"split": {ID: "split", Type: "Split"},
			"l":     {ID: "l", Type: "Left"},
			"r":     {ID: "r", Type: "Right"},
		},
		Connections: []workflow.Connection{
			{SourceNode: "split", SourcePort: "a", TargetNode: "l", TargetPort: "exec_in"},
			{SourceNode: "split", SourcePort: "b", TargetNode: "r", TargetPort: "exec_in"},
		},
	}

	run := NewContext()
	eng := newTestEngine(r, WithStrategy(StrategyParallel))
	result := eng.Run(context.Background(), wf, run)

	require.Equal(t, OutcomeCompleted, result.Outcome)
	v, ok := run.Output("l", "v")
	require.True(t, ok)
	assert.Equal(t, "left", v)
	v, ok = run.Output("r", "v")
	require.True(t, ok)
	assert.Equal(t, "right", v)
}

func TestRunParallelWaitsForDataProducers(t *testing.T) {
	r := NewRegistry()
	r.Register("Split", Registration{
		Ports: workflow.PortSet{
			Inputs: []workflow.Port{{Name: "exec_in", Type: workflow.TypeExecution}},
			Outputs: []workflow.Port{
				{Name: "a", Type: workflow.TypeExecution},
				{Name: "b", Type: workflow.TypeExecution},
			},
		},
		Constructor: func(id string, config map[string]interface{}) (NodeInstance, error) {
			return funcNode(func(ctx context.Context, run *Context, inputs map[string]interface{}) NodeResult {
				return Success(nil, "a", "b")
			}), nil
		},
	})
	registerFunc(r, "Produce", execPorts(nil, []workflow.Port{{Name: "v", Type: workflow.TypeString}}),
		func(ctx context.Context, run *Context, inputs map[string]interface{}) NodeResult {
			time.Sleep(20 * time.Millisecond)
			return Success(map[string]interface{}{"v": "ready"}, "exec_out")
		})
	var got interface{}
	registerFunc(r, "Consume", execPorts([]workflow.Port{{Name: "msg", Type: workflow.TypeString, Required: true}}, nil),
		func(ctx context.Context, run *Context, inputs map[string]interface{}) NodeResult {
			got = inputs["msg"]
			return Success(nil, "exec_out")
		})

	// Both branches become ready in the same wave, but the consumer has a
	// data connection from its sibling and must wait for it.
	wf := &workflow.Workflow{
		Nodes: map[string]*workflow.Node{
			"split": {ID: "split", Type: "Split"},
			"p":     {ID: "p", Type: "Produce"},
			"c":     {ID: "c", Type: "Consume"},
		},
		Connections: []workflow.Connection{
			{SourceNode: "split", SourcePort: "a", TargetNode: "p", TargetPort: "exec_in"},
			{SourceNode: "split", SourcePort: "b", TargetNode: "c", TargetPort: "exec_in"},
			{SourceNode: "p", SourcePort: "v", TargetNode: "c", TargetPort: "msg"},
		},
	}

	eng := newTestEngine(r, WithStrategy(StrategyParallel))
	result := eng.Run(context.Background(), wf, NewContext())
	require.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, "ready", got)
}

func TestEventEmitter(t *testing.T) {
	em := NewEventEmitter()
	var typed, all int
	em.On(EventNodeStarted, func(Event) { typed++ })
	em.OnAny(func(Event) { all++ })

	em.Emit(Event{Type: EventNodeStarted})
	em.Emit(Event{Type: EventNodeCompleted})

	assert.Equal(t, 1, typed)
	assert.Equal(t, 2, all)
}
