package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/omerlefaruk/casare-rpa/internal/workflow"
)

// PromotedVarPrefix keys subflow-promoted parameters stored for lazy pickup
// when the addressed node has not been instantiated yet.
const PromotedVarPrefix = SystemVarPrefix + "promoted_"

// runSubflow executes a Subflow node on a fresh branch clone of the parent
// context.
func (e *Engine) runSubflow(ctx context.Context, st *runState, node *workflow.Node) NodeResult {
	return e.runSubflowOn(ctx, st, node, st.run)
}

func (e *Engine) runSubflowOn(ctx context.Context, st *runState, node *workflow.Node, parent *Context) NodeResult {
	nested, err := node.EmbeddedWorkflow(e.registry)
	if err != nil {
		return Failure(node.ID, FailValidation, err.Error())
	}

	inputs, err := e.executor.BindInputs(st.wf, node, parent)
	if err != nil {
		return Failure(node.ID, FailInput, err.Error())
	}

	sub := parent.CloneForBranch("")
	sub.SetVariable(SystemVarPrefix+"subflow_name", nested.Metadata.Name)

	// Inject declared inputs, falling back to defaults. A required input
	// with no value aborts before any nested node runs.
	for _, def := range nested.Inputs {
		value, ok := inputs[def.Name]
		if !ok || value == nil {
			if raw, present := node.Config[def.Name]; present {
				value = e.resolver.Resolve(raw, parent.Variables())
			}
		}
		if value == nil {
			value = def.Default
		}
		if value == nil && def.Required {
			return Failure(node.ID, FailInput, fmt.Sprintf("subflow input %q is required", def.Name))
		}
		sub.SetVariable(def.Name, value)
	}

	e.injectPromoted(node, nested, sub, parent)

	subEngine := New(e.registry, e.executor, e.resolver, e.emitter, e.log, WithStrategy(e.strategy))
	result := subEngine.Run(ctx, nested, sub)

	switch result.Outcome {
	case OutcomeCompleted:
	case OutcomeCancelled:
		return Failure(node.ID, FailCancelled, "subflow cancelled")
	default:
		kind := result.ErrorKind
		if kind == "" {
			kind = FailRuntime
		}
		return Failure(node.ID, kind, fmt.Sprintf("subflow failed at %s: %s", result.ErrorNodeID, result.Error))
	}

	outputs := e.collectSubflowOutputs(nested, sub)
	parent.MergeBranchOutputs(sub)
	return Success(map[string]interface{}{"outputs": outputs}, "completed")
}

// injectPromoted applies promoted parameters: config keys shaped
// "<node>.<prop>" that address nested node properties. Known nested nodes
// get the value written straight into their config; unknown addresses are
// stored under a prefixed variable for lazy pickup.
func (e *Engine) injectPromoted(node *workflow.Node, nested *workflow.Workflow, sub *Context, parent *Context) {
	vars := parent.Variables()
	for key, raw := range node.Config {
		dot := strings.Index(key, ".")
		if dot <= 0 || dot == len(key)-1 {
			continue
		}
		targetID, prop := key[:dot], key[dot+1:]
		value := e.resolver.Resolve(raw, vars)
		if target, ok := nested.Nodes[targetID]; ok {
			if target.Config == nil {
				target.Config = make(map[string]interface{})
			}
			target.Config[prop] = value
			continue
		}
		sub.SetVariable(PromotedVarPrefix+targetID+"_"+prop, value)
	}
}

// collectSubflowOutputs maps the nested run's results onto the subflow
// node's output ports: from a designated node/port pair when declared, or
// from the same-named variable otherwise.
func (e *Engine) collectSubflowOutputs(nested *workflow.Workflow, sub *Context) map[string]interface{} {
	outputs := make(map[string]interface{}, len(nested.Outputs))
	for _, def := range nested.Outputs {
		if def.SourceNode != "" {
			if v, ok := sub.Output(def.SourceNode, def.SourcePort); ok {
				outputs[def.Name] = v
				continue
			}
		}
		outputs[def.Name] = sub.GetVariable(def.Name, nil)
	}
	return outputs
}
