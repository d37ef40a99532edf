// Package nodes implements the built-in control-flow node types and their
// registration into an engine registry.
package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/omerlefaruk/casare-rpa/internal/engine"
	"github.com/omerlefaruk/casare-rpa/internal/platform/logger"
	"github.com/omerlefaruk/casare-rpa/internal/workflow"
)

// Built-in node type names.
const (
	TypeStart          = workflow.NodeTypeStart
	TypeEnd            = "End"
	TypeSetVariable    = "SetVariable"
	TypeLog            = "Log"
	TypeIf             = "If"
	TypeForLoopStart   = "ForLoopStart"
	TypeForLoopEnd     = "ForLoopEnd"
	TypeWhileLoopStart = "WhileLoopStart"
	TypeWhileLoopEnd   = "WhileLoopEnd"
	TypeBreak          = workflow.NodeTypeBreak
	TypeContinue       = workflow.NodeTypeContinue
	TypeSubflow        = workflow.NodeTypeSubflow
	TypeTryCatch       = engine.NodeTypeTryCatch
	TypeWait           = "Wait"
)

func execIn() workflow.Port {
	return workflow.Port{Name: "exec", Type: workflow.TypeExecution}
}

func execOut(name string) workflow.Port {
	return workflow.Port{Name: name, Type: workflow.TypeExecution}
}

// Register adds every built-in node type to the registry. The logger is
// shared by nodes that emit user-facing log lines.
func Register(r *engine.Registry, log logger.Logger) {
	if log == nil {
		log = logger.NewNop()
	}

	r.Register(TypeStart, engine.Registration{
		Ports: workflow.PortSet{
			Outputs: []workflow.Port{execOut("exec")},
		},
		Constructor: func(id string, config map[string]interface{}) (engine.NodeInstance, error) {
			return &startNode{}, nil
		},
	})

	r.Register(TypeEnd, engine.Registration{
		Ports: workflow.PortSet{
			Inputs: []workflow.Port{execIn(), {Name: "result", Type: workflow.TypeAny}},
		},
		Constructor: func(id string, config map[string]interface{}) (engine.NodeInstance, error) {
			return &endNode{}, nil
		},
	})

	r.Register(TypeSetVariable, engine.Registration{
		Ports: workflow.PortSet{
			Inputs: []workflow.Port{
				execIn(),
				{Name: "name", Type: workflow.TypeString, Required: true},
				{Name: "value", Type: workflow.TypeAny},
			},
			Outputs: []workflow.Port{execOut("exec"), {Name: "value", Type: workflow.TypeAny}},
		},
		Constructor: func(id string, config map[string]interface{}) (engine.NodeInstance, error) {
			return &setVariableNode{id: id}, nil
		},
	})

	r.Register(TypeLog, engine.Registration{
		Ports: workflow.PortSet{
			Inputs: []workflow.Port{
				execIn(),
				{Name: "message", Type: workflow.TypeAny, Required: true},
				{Name: "level", Type: workflow.TypeString, Default: "info"},
			},
			Outputs: []workflow.Port{execOut("exec"), {Name: "message", Type: workflow.TypeAny}},
		},
		Constructor: func(id string, config map[string]interface{}) (engine.NodeInstance, error) {
			return &logNode{id: id, log: log}, nil
		},
	})

	r.Register(TypeIf, engine.Registration{
		Ports: workflow.PortSet{
			Inputs: []workflow.Port{
				execIn(),
				{Name: "condition", Type: workflow.TypeAny, Required: true},
			},
			Outputs: []workflow.Port{
				execOut("true"), execOut("false"),
				{Name: "result", Type: workflow.TypeBoolean},
			},
		},
		Constructor: func(id string, config map[string]interface{}) (engine.NodeInstance, error) {
			return &ifNode{id: id}, nil
		},
	})

	r.Register(TypeForLoopStart, engine.Registration{
		Ports: workflow.PortSet{
			Inputs: []workflow.Port{
				execIn(),
				{Name: "items", Type: workflow.TypeAny},
				{Name: "start", Type: workflow.TypeAny},
				{Name: "end", Type: workflow.TypeAny},
				{Name: "step", Type: workflow.TypeAny, Default: 1},
			},
			Outputs: []workflow.Port{
				execOut("body"), execOut("completed"),
				{Name: "current_item", Type: workflow.TypeAny},
				{Name: "current_index", Type: workflow.TypeInteger},
				{Name: "current_key", Type: workflow.TypeString},
			},
		},
		Constructor: func(id string, config map[string]interface{}) (engine.NodeInstance, error) {
			return newForLoopStart(id, config), nil
		},
	})

	// Loop ends and Break/Continue declare an exec output so the loop-back
	// edge to their paired start validates. The engine follows the loop-back
	// result, not the edge, at run time.
	r.Register(TypeForLoopEnd, engine.Registration{
		Ports: workflow.PortSet{
			Inputs:  []workflow.Port{execIn()},
			Outputs: []workflow.Port{execOut("exec")},
		},
		Constructor: newLoopEnd,
	})

	r.Register(TypeWhileLoopStart, engine.Registration{
		Ports: workflow.PortSet{
			Inputs: []workflow.Port{
				execIn(),
				{Name: "condition", Type: workflow.TypeAny, Required: true},
			},
			Outputs: []workflow.Port{
				execOut("body"), execOut("completed"),
				{Name: "iteration", Type: workflow.TypeInteger},
			},
		},
		Constructor: func(id string, config map[string]interface{}) (engine.NodeInstance, error) {
			return newWhileLoopStart(id, config), nil
		},
	})

	r.Register(TypeWhileLoopEnd, engine.Registration{
		Ports: workflow.PortSet{
			Inputs:  []workflow.Port{execIn()},
			Outputs: []workflow.Port{execOut("exec")},
		},
		Constructor: newLoopEnd,
	})

	r.Register(TypeBreak, engine.Registration{
		Ports: workflow.PortSet{
			Inputs:  []workflow.Port{execIn()},
			Outputs: []workflow.Port{execOut("exec")},
		},
		Constructor: func(id string, config map[string]interface{}) (engine.NodeInstance, error) {
			return &breakNode{id: id, pairedStart: stringConfig(config, workflow.ConfigPairedLoopStart)}, nil
		},
	})

	r.Register(TypeContinue, engine.Registration{
		Ports: workflow.PortSet{
			Inputs:  []workflow.Port{execIn()},
			Outputs: []workflow.Port{execOut("exec")},
		},
		Constructor: func(id string, config map[string]interface{}) (engine.NodeInstance, error) {
			return &continueNode{id: id, pairedStart: stringConfig(config, workflow.ConfigPairedLoopStart)}, nil
		},
	})

	r.Register(TypeSubflow, engine.Registration{
		Ports: workflow.PortSet{
			Inputs: []workflow.Port{execIn()},
			Outputs: []workflow.Port{
				execOut("completed"),
				{Name: "outputs", Type: workflow.TypeDict},
			},
		},
		// The engine intercepts Subflow nodes before instantiation; the
		// registration exists for port declarations and validation.
		Constructor: func(id string, config map[string]interface{}) (engine.NodeInstance, error) {
			return nil, fmt.Errorf("subflow node %s must be run by the engine", id)
		},
	})

	r.Register(TypeTryCatch, engine.Registration{
		Ports: workflow.PortSet{
			Inputs: []workflow.Port{execIn()},
			Outputs: []workflow.Port{
				execOut("try"), execOut("catch"),
				{Name: "error_message", Type: workflow.TypeString},
				{Name: "error_kind", Type: workflow.TypeString},
				{Name: "error_node_id", Type: workflow.TypeString},
			},
		},
		Constructor: func(id string, config map[string]interface{}) (engine.NodeInstance, error) {
			return &tryCatchNode{}, nil
		},
	})

	r.Register(TypeWait, engine.Registration{
		Ports: workflow.PortSet{
			Inputs: []workflow.Port{
				execIn(),
				{Name: "seconds", Type: workflow.TypeAny, Default: 1},
			},
			Outputs: []workflow.Port{execOut("exec")},
		},
		Constructor: func(id string, config map[string]interface{}) (engine.NodeInstance, error) {
			return &waitNode{id: id}, nil
		},
	})
}

// NewRegistry returns a registry preloaded with every built-in node type.
func NewRegistry(log logger.Logger) *engine.Registry {
	r := engine.NewRegistry()
	Register(r, log)
	return r
}

func stringConfig(config map[string]interface{}, key string) string {
	if s, ok := config[key].(string); ok {
		return s
	}
	return ""
}

type startNode struct{}

func (n *startNode) Execute(ctx context.Context, run *engine.Context, inputs map[string]interface{}) engine.NodeResult {
	return engine.Success(nil, "exec")
}

type endNode struct{}

func (n *endNode) Execute(ctx context.Context, run *engine.Context, inputs map[string]interface{}) engine.NodeResult {
	if result, ok := inputs["result"]; ok && result != nil {
		run.SetVariable(engine.SystemVarPrefix+"result", result)
	}
	return engine.Success(nil)
}

type setVariableNode struct {
	id string
}

func (n *setVariableNode) Execute(ctx context.Context, run *engine.Context, inputs map[string]interface{}) engine.NodeResult {
	name, _ := inputs["name"].(string)
	if name == "" {
		return engine.Failure(n.id, engine.FailInput, "variable name is empty")
	}
	value := inputs["value"]
	run.SetVariable(name, value)
	return engine.Success(map[string]interface{}{"value": value}, "exec")
}

type logNode struct {
	id  string
	log logger.Logger
}

func (n *logNode) Execute(ctx context.Context, run *engine.Context, inputs map[string]interface{}) engine.NodeResult {
	message := fmt.Sprintf("%v", inputs["message"])
	level, _ := inputs["level"].(string)
	switch level {
	case "debug":
		n.log.Debug(message, "node_id", n.id)
	case "warn":
		n.log.Warn(message, "node_id", n.id)
	case "error":
		n.log.Error(message, "node_id", n.id)
	default:
		n.log.Info(message, "node_id", n.id)
	}
	return engine.Success(map[string]interface{}{"message": message}, "exec")
}

type ifNode struct {
	id string
}

func (n *ifNode) Execute(ctx context.Context, run *engine.Context, inputs map[string]interface{}) engine.NodeResult {
	result := engine.Truthy(inputs["condition"])
	outputs := map[string]interface{}{"result": result}
	if result {
		return engine.Success(outputs, "true")
	}
	return engine.Success(outputs, "false")
}

type tryCatchNode struct{}

func (n *tryCatchNode) Execute(ctx context.Context, run *engine.Context, inputs map[string]interface{}) engine.NodeResult {
	return engine.Success(nil, "try")
}

type waitNode struct {
	id string
}

func (n *waitNode) Execute(ctx context.Context, run *engine.Context, inputs map[string]interface{}) engine.NodeResult {
	seconds := toFloat(inputs["seconds"], 1)
	if seconds < 0 {
		return engine.Failure(n.id, engine.FailValidation, "wait duration is negative")
	}
	select {
	case <-time.After(time.Duration(seconds * float64(time.Second))):
		return engine.Success(nil, "exec")
	case <-run.Cancel().Done():
		return engine.Failure(n.id, engine.FailCancelled, "cancelled while waiting")
	case <-ctx.Done():
		return engine.Failure(n.id, engine.FailCancelled, "cancelled while waiting")
	}
}

func toFloat(v interface{}, def float64) float64 {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case float64:
		return val
	default:
		return def
	}
}

func toInt(v interface{}, def int) int {
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		return int(val)
	default:
		return def
	}
}
