package engine

import (
	"github.com/omerlefaruk/casare-rpa/internal/workflow"
)

// DefaultMaxLoopIterations bounds any loop that does not configure its own
// limit.
const DefaultMaxLoopIterations = 10000

// LoopState is the engine-owned per-loop bookkeeping, keyed by the loop
// start's NodeId on the run context.
type LoopState struct {
	Started        bool          `json:"started"`
	Iteration      int           `json:"iteration"`
	Index          int           `json:"index"`
	Items          []interface{} `json:"items,omitempty"`
	Keys           []string      `json:"keys,omitempty"`
	BreakRequested bool          `json:"break_requested,omitempty"`
}

// bodyNodes returns the nodes that make up a loop's body: everything
// execution-reachable from the start's body port, stopping at the paired
// loop end and at Break/Continue nodes bound to this start. Loop-back edges
// are not traversed.
func bodyNodes(wf *workflow.Workflow, startID string) map[string]bool {
	body := make(map[string]bool)

	var frontier []string
	for _, conn := range wf.Successors(startID, "body") {
		frontier = append(frontier, conn.TargetNode)
	}

	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		if body[id] {
			continue
		}
		node, ok := wf.Nodes[id]
		if !ok {
			continue
		}
		body[id] = true

		// The paired end and bound Break/Continue nodes terminate the body;
		// their outgoing edges lead back to the start or out of the loop.
		switch {
		case workflow.IsLoopEnd(node.Type) && node.ConfigString(workflow.ConfigPairedStart) == startID:
			continue
		case (node.Type == workflow.NodeTypeBreak || node.Type == workflow.NodeTypeContinue) &&
			node.ConfigString(workflow.ConfigPairedLoopStart) == startID:
			continue
		}

		for _, conn := range wf.Successors(id, "") {
			if conn.TargetNode == startID {
				continue
			}
			frontier = append(frontier, conn.TargetNode)
		}
	}
	return body
}
