package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// Node type names the graph layer must recognize for structural rules.
// Loop starts and ends are matched by suffix so ForLoopStart, WhileLoopStart
// and future variants all pair the same way.
const (
	NodeTypeStart         = "Start"
	NodeTypeSubflow       = "Subflow"
	NodeTypeBreak         = "Break"
	NodeTypeContinue      = "Continue"
	loopStartSuffix       = "LoopStart"
	loopEndSuffix         = "LoopEnd"
	ConfigPairedStart     = "paired_start_id"
	ConfigPairedLoopStart = "paired_loop_start_id"
)

// IsLoopStart reports whether the node type is a loop start.
func IsLoopStart(nodeType string) bool { return strings.HasSuffix(nodeType, loopStartSuffix) }

// IsLoopEnd reports whether the node type is a loop end.
func IsLoopEnd(nodeType string) bool { return strings.HasSuffix(nodeType, loopEndSuffix) }

// Successors returns the outgoing connections of a node, optionally
// restricted to a single source port. Pass "" to match every port.
func (w *Workflow) Successors(nodeID, sourcePort string) []Connection {
	var out []Connection
	for _, conn := range w.Connections {
		if conn.SourceNode != nodeID {
			continue
		}
		if sourcePort != "" && conn.SourcePort != sourcePort {
			continue
		}
		out = append(out, conn)
	}
	return out
}

// Predecessors returns the incoming connections of a node, optionally
// restricted to a single target port.
func (w *Workflow) Predecessors(nodeID, targetPort string) []Connection {
	var in []Connection
	for _, conn := range w.Connections {
		if conn.TargetNode != nodeID {
			continue
		}
		if targetPort != "" && conn.TargetPort != targetPort {
			continue
		}
		in = append(in, conn)
	}
	return in
}

// isExecutionEdge reports whether a connection carries control flow, judged
// by the source node's declared output port type.
func (w *Workflow) isExecutionEdge(conn Connection, catalog PortCatalog) bool {
	node, ok := w.Nodes[conn.SourceNode]
	if !ok {
		return false
	}
	ports, ok := catalog.Ports(node.Type)
	if !ok {
		return false
	}
	port, ok := ports.Output(conn.SourcePort)
	return ok && port.Type == TypeExecution
}

// IncomingDataConnections returns the data (non-execution) connections
// terminating on a node.
func (w *Workflow) IncomingDataConnections(nodeID string, catalog PortCatalog) []Connection {
	var in []Connection
	for _, conn := range w.Predecessors(nodeID, "") {
		if !w.isExecutionEdge(conn, catalog) {
			in = append(in, conn)
		}
	}
	return in
}

// FindStartNode returns the id of the Start node, or "" when absent.
func (w *Workflow) FindStartNode() string {
	for id, node := range w.Nodes {
		if node.Type == NodeTypeStart {
			return id
		}
	}
	return ""
}

// FindEntryNodes returns nodes with no incoming execution edges, in stable
// NodeId order.
func (w *Workflow) FindEntryNodes(catalog PortCatalog) []string {
	hasIncoming := make(map[string]bool)
	for _, conn := range w.Connections {
		if w.isExecutionEdge(conn, catalog) {
			hasIncoming[conn.TargetNode] = true
		}
	}

	var entries []string
	for id := range w.Nodes {
		if !hasIncoming[id] {
			entries = append(entries, id)
		}
	}
	sort.Strings(entries)
	return entries
}

// loopBackEdge reports whether a connection closes a loop: its target is a
// loop start and its source is the paired loop end, or a Break/Continue
// bound to that start.
func (w *Workflow) loopBackEdge(conn Connection) bool {
	target, ok := w.Nodes[conn.TargetNode]
	if !ok || !IsLoopStart(target.Type) {
		return false
	}
	source, ok := w.Nodes[conn.SourceNode]
	if !ok {
		return false
	}
	switch {
	case IsLoopEnd(source.Type):
		return source.ConfigString(ConfigPairedStart) == conn.TargetNode
	case source.Type == NodeTypeBreak, source.Type == NodeTypeContinue:
		return source.ConfigString(ConfigPairedLoopStart) == conn.TargetNode
	}
	return false
}

// TopologicalOrder returns every node in dependency order, excluding
// loop-back edges. It fails when the graph contains a cycle that does not
// run through a paired loop.
func (w *Workflow) TopologicalOrder() ([]string, error) {
	inDegree := make(map[string]int, len(w.Nodes))
	adj := make(map[string][]string, len(w.Nodes))
	for id := range w.Nodes {
		inDegree[id] = 0
	}

	for _, conn := range w.Connections {
		if w.loopBackEdge(conn) {
			continue
		}
		adj[conn.SourceNode] = append(adj[conn.SourceNode], conn.TargetNode)
		inDegree[conn.TargetNode]++
	}

	var queue []string
	for id, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		next := adj[id]
		sort.Strings(next)
		for _, succ := range next {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if len(order) != len(w.Nodes) {
		return nil, fmt.Errorf("workflow contains a cycle outside a paired loop")
	}
	return order, nil
}
