package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Issue is a single validation finding.
type Issue struct {
	NodeID  string `json:"node_id,omitempty"`
	Message string `json:"message"`
}

// ValidationError carries all issues found while loading or validating a
// workflow.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "workflow validation failed"
	}
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		if issue.NodeID != "" {
			msgs[i] = fmt.Sprintf("%s: %s", issue.NodeID, issue.Message)
		} else {
			msgs[i] = issue.Message
		}
	}
	return "workflow validation failed: " + strings.Join(msgs, "; ")
}

// Validate checks every structural rule that must hold before execution.
// It returns the full list of issues rather than stopping at the first.
func (w *Workflow) Validate(catalog PortCatalog) []Issue {
	var issues []Issue
	add := func(nodeID, format string, args ...interface{}) {
		issues = append(issues, Issue{NodeID: nodeID, Message: fmt.Sprintf(format, args...)})
	}

	// Stable iteration keeps issue ordering deterministic.
	nodeIDs := make([]string, 0, len(w.Nodes))
	for id := range w.Nodes {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	startCount := 0
	for _, id := range nodeIDs {
		node := w.Nodes[id]
		if node.Type == "" {
			add(id, "node has no type")
			continue
		}
		if _, known := catalog.Ports(node.Type); !known {
			add(id, "unknown node type %q", node.Type)
			continue
		}
		if node.Type == NodeTypeStart {
			startCount++
		}

		switch {
		case IsLoopEnd(node.Type):
			startID := node.ConfigString(ConfigPairedStart)
			if startID == "" {
				add(id, "loop end has no %s", ConfigPairedStart)
			} else if paired, ok := w.Nodes[startID]; !ok {
				add(id, "loop end pairs missing node %q", startID)
			} else if !IsLoopStart(paired.Type) {
				add(id, "loop end pairs %q which is not a loop start", startID)
			}
		case node.Type == NodeTypeBreak, node.Type == NodeTypeContinue:
			startID := node.ConfigString(ConfigPairedLoopStart)
			if startID == "" {
				add(id, "%s has no %s", node.Type, ConfigPairedLoopStart)
			} else if paired, ok := w.Nodes[startID]; !ok {
				add(id, "%s pairs missing node %q", node.Type, startID)
			} else if !IsLoopStart(paired.Type) {
				add(id, "%s pairs %q which is not a loop start", node.Type, startID)
			}
		case node.Type == NodeTypeSubflow:
			issues = append(issues, w.validateSubflow(node, catalog)...)
		}
	}
	if startCount > 1 {
		add("", "workflow has %d Start nodes, at most one is allowed", startCount)
	}

	dataEdges := make(map[string]int) // targetNode/targetPort -> incoming count
	for _, conn := range w.Connections {
		source, ok := w.Nodes[conn.SourceNode]
		if !ok {
			add("", "connection source node %q does not exist", conn.SourceNode)
			continue
		}
		target, ok := w.Nodes[conn.TargetNode]
		if !ok {
			add("", "connection target node %q does not exist", conn.TargetNode)
			continue
		}

		sourcePorts, ok := catalog.Ports(source.Type)
		if !ok {
			continue // unknown type already reported
		}
		targetPorts, ok := catalog.Ports(target.Type)
		if !ok {
			continue
		}

		out, ok := sourcePorts.Output(conn.SourcePort)
		if !ok {
			add(conn.SourceNode, "no output port %q on %s", conn.SourcePort, source.Type)
			continue
		}
		in, ok := targetPorts.Input(conn.TargetPort)
		if !ok {
			add(conn.TargetNode, "no input port %q on %s", conn.TargetPort, target.Type)
			continue
		}
		if !out.Type.CompatibleWith(in.Type) {
			add(conn.TargetNode, "type mismatch: %s.%s (%s) -> %s.%s (%s)",
				conn.SourceNode, conn.SourcePort, out.Type,
				conn.TargetNode, conn.TargetPort, in.Type)
			continue
		}
		if in.Type != TypeExecution {
			key := conn.TargetNode + "/" + conn.TargetPort
			dataEdges[key]++
			if dataEdges[key] == 2 {
				add(conn.TargetNode, "input port %q has more than one incoming data connection", conn.TargetPort)
			}
		}
	}

	if len(issues) == 0 {
		if _, err := w.TopologicalOrder(); err != nil {
			add("", "%v", err)
		}
	}

	return issues
}

// validateSubflow checks that the embedded workflow resolves and validates.
func (w *Workflow) validateSubflow(node *Node, catalog PortCatalog) []Issue {
	raw, ok := node.Config["workflow"]
	if !ok {
		return []Issue{{NodeID: node.ID, Message: "subflow has no embedded workflow"}}
	}

	blob, err := json.Marshal(raw)
	if err != nil {
		return []Issue{{NodeID: node.ID, Message: fmt.Sprintf("subflow workflow is not encodable: %v", err)}}
	}

	nested, err := Load(blob, catalog, Limits{})
	if err != nil {
		return []Issue{{NodeID: node.ID, Message: fmt.Sprintf("embedded workflow invalid: %v", err)}}
	}
	_ = nested
	return nil
}

// EmbeddedWorkflow decodes the nested workflow carried by a Subflow node.
func (n *Node) EmbeddedWorkflow(catalog PortCatalog) (*Workflow, error) {
	raw, ok := n.Config["workflow"]
	if !ok {
		return nil, fmt.Errorf("node %s: no embedded workflow", n.ID)
	}
	blob, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", n.ID, err)
	}
	return Load(blob, catalog, Limits{})
}
