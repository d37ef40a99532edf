package nodes

import (
	"context"
	"fmt"
	"sort"

	"github.com/omerlefaruk/casare-rpa/internal/engine"
	"github.com/omerlefaruk/casare-rpa/internal/workflow"
)

// forLoopStart iterates a collection or a numeric range. Per-loop state
// lives on the run context keyed by this node's id, never in user
// variables.
type forLoopStart struct {
	id            string
	variable      string
	maxIterations int
}

func newForLoopStart(id string, config map[string]interface{}) *forLoopStart {
	n := &forLoopStart{
		id:            id,
		variable:      stringConfig(config, "variable"),
		maxIterations: engine.DefaultMaxLoopIterations,
	}
	if raw, ok := config["max_iterations"]; ok {
		if limit := toInt(raw, 0); limit > 0 {
			n.maxIterations = limit
		}
	}
	return n
}

func (n *forLoopStart) Execute(ctx context.Context, run *engine.Context, inputs map[string]interface{}) engine.NodeResult {
	state := run.LoopState(n.id)

	if !state.Started {
		items, keys, err := n.materialize(inputs)
		if err != nil {
			return engine.Failure(n.id, engine.FailValidation, err.Error())
		}
		state.Started = true
		state.Items = items
		state.Keys = keys
		state.Index = 0
		state.Iteration = 0
	}

	if state.BreakRequested || state.Index >= len(state.Items) {
		run.ClearLoopState(n.id)
		return engine.Success(map[string]interface{}{
			"current_item":  nil,
			"current_index": state.Index,
			"current_key":   "",
		}, "completed")
	}

	if state.Iteration >= n.maxIterations {
		run.ClearLoopState(n.id)
		return engine.Failure(n.id, engine.FailRuntime,
			fmt.Sprintf("loop exceeded max_iterations (%d)", n.maxIterations))
	}

	item := state.Items[state.Index]
	key := ""
	if state.Keys != nil && state.Index < len(state.Keys) {
		key = state.Keys[state.Index]
	}

	outputs := map[string]interface{}{
		"current_item":  item,
		"current_index": state.Index,
		"current_key":   key,
	}
	if n.variable != "" {
		run.SetVariable(n.variable, item)
	}

	state.Index++
	state.Iteration++
	return engine.Success(outputs, "body")
}

// materialize builds the iteration sequence: a list as-is, a dict as its
// values in sorted key order, or a numeric range.
func (n *forLoopStart) materialize(inputs map[string]interface{}) ([]interface{}, []string, error) {
	switch items := inputs["items"].(type) {
	case []interface{}:
		return items, nil, nil
	case map[string]interface{}:
		keys := make([]string, 0, len(items))
		for k := range items {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		values := make([]interface{}, len(keys))
		for i, k := range keys {
			values[i] = items[k]
		}
		return values, keys, nil
	case nil:
	default:
		return nil, nil, fmt.Errorf("items must be a list or dict, got %T", items)
	}

	start := toInt(inputs["start"], 0)
	end, ok := inputs["end"], inputs["end"] != nil
	if !ok {
		return nil, nil, fmt.Errorf("loop needs items or a numeric range")
	}
	stop := toInt(end, 0)
	step := toInt(inputs["step"], 1)
	if step == 0 {
		return nil, nil, fmt.Errorf("range step must not be zero")
	}

	var values []interface{}
	if step > 0 {
		for i := start; i < stop; i += step {
			values = append(values, i)
		}
	} else {
		for i := start; i > stop; i += step {
			values = append(values, i)
		}
	}
	return values, nil, nil
}

// whileLoopStart re-evaluates its condition each iteration. The condition
// arrives through input binding, so config templates are resolved against
// the current variables on every entry.
type whileLoopStart struct {
	id            string
	maxIterations int
}

func newWhileLoopStart(id string, config map[string]interface{}) *whileLoopStart {
	n := &whileLoopStart{id: id, maxIterations: engine.DefaultMaxLoopIterations}
	if raw, ok := config["max_iterations"]; ok {
		if limit := toInt(raw, 0); limit > 0 {
			n.maxIterations = limit
		}
	}
	return n
}

func (n *whileLoopStart) Execute(ctx context.Context, run *engine.Context, inputs map[string]interface{}) engine.NodeResult {
	state := run.LoopState(n.id)
	state.Started = true

	if state.BreakRequested || !engine.Truthy(inputs["condition"]) {
		iteration := state.Iteration
		run.ClearLoopState(n.id)
		return engine.Success(map[string]interface{}{"iteration": iteration}, "completed")
	}

	if state.Iteration >= n.maxIterations {
		run.ClearLoopState(n.id)
		return engine.Failure(n.id, engine.FailRuntime,
			fmt.Sprintf("loop exceeded max_iterations (%d)", n.maxIterations))
	}

	state.Iteration++
	return engine.Success(map[string]interface{}{"iteration": state.Iteration - 1}, "body")
}

// loopEnd hands control back to its paired loop start.
type loopEnd struct {
	id          string
	pairedStart string
}

func newLoopEnd(id string, config map[string]interface{}) (engine.NodeInstance, error) {
	return &loopEnd{id: id, pairedStart: stringConfig(config, workflow.ConfigPairedStart)}, nil
}

func (n *loopEnd) Execute(ctx context.Context, run *engine.Context, inputs map[string]interface{}) engine.NodeResult {
	if n.pairedStart == "" {
		return engine.Failure(n.id, engine.FailValidation, "loop end has no paired start")
	}
	return engine.LoopBack(nil, n.pairedStart)
}

// breakNode requests loop termination and returns to the start, which then
// emits completed.
type breakNode struct {
	id          string
	pairedStart string
}

func (n *breakNode) Execute(ctx context.Context, run *engine.Context, inputs map[string]interface{}) engine.NodeResult {
	if n.pairedStart == "" {
		return engine.Failure(n.id, engine.FailValidation, "break has no paired loop start")
	}
	run.LoopState(n.pairedStart).BreakRequested = true
	return engine.LoopBack(nil, n.pairedStart)
}

// continueNode skips the rest of the iteration.
type continueNode struct {
	id          string
	pairedStart string
}

func (n *continueNode) Execute(ctx context.Context, run *engine.Context, inputs map[string]interface{}) engine.NodeResult {
	if n.pairedStart == "" {
		return engine.Failure(n.id, engine.FailValidation, "continue has no paired loop start")
	}
	return engine.LoopBack(nil, n.pairedStart)
}
