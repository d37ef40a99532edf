// Package workflow defines the typed workflow graph: nodes, ports,
// connections, and the validation rules that must hold before execution.
package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DataType is the closed set of port data types.
type DataType string

const (
	TypeString    DataType = "STRING"
	TypeInteger   DataType = "INTEGER"
	TypeFloat     DataType = "FLOAT"
	TypeBoolean   DataType = "BOOLEAN"
	TypeList      DataType = "LIST"
	TypeDict      DataType = "DICT"
	TypeObject    DataType = "OBJECT"
	TypeAny       DataType = "ANY"
	TypeExecution DataType = "EXECUTION"
	TypePage      DataType = "PAGE"
	TypeElement   DataType = "ELEMENT"
	TypeBrowser   DataType = "BROWSER"
)

// Valid reports whether t belongs to the closed type set.
func (t DataType) Valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeFloat, TypeBoolean, TypeList, TypeDict,
		TypeObject, TypeAny, TypeExecution, TypePage, TypeElement, TypeBrowser:
		return true
	}
	return false
}

// CompatibleWith reports whether a value of type t may flow into a port of
// type other. ANY matches anything; otherwise the types must be identical.
func (t DataType) CompatibleWith(other DataType) bool {
	if t == TypeAny || other == TypeAny {
		return true
	}
	return t == other
}

// Port is a named, typed endpoint declared by a node type.
type Port struct {
	Name     string      `json:"name"`
	Type     DataType    `json:"type"`
	Required bool        `json:"required,omitempty"`
	Default  interface{} `json:"default,omitempty"`
}

// PortSet is the full port declaration of a node type. Execution ports are
// listed alongside data ports and distinguished by TypeExecution.
type PortSet struct {
	Inputs  []Port
	Outputs []Port
}

// Input returns the input port with the given name.
func (ps PortSet) Input(name string) (Port, bool) {
	for _, p := range ps.Inputs {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// Output returns the output port with the given name.
func (ps PortSet) Output(name string) (Port, bool) {
	for _, p := range ps.Outputs {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// PortCatalog resolves the declared ports of a node type. The node registry
// implements this; the model itself carries no node behavior.
type PortCatalog interface {
	Ports(nodeType string) (PortSet, bool)
}

// Node is a unit of work in a workflow.
type Node struct {
	ID     string                 `json:"id"`
	Type   string                 `json:"type"`
	Config map[string]interface{} `json:"config,omitempty"`
}

// ConfigString returns a string config value, or "" when absent.
func (n *Node) ConfigString(key string) string {
	if s, ok := n.Config[key].(string); ok {
		return s
	}
	return ""
}

// Connection is a directed link from an output port to an input port.
type Connection struct {
	SourceNode string `json:"source_node"`
	SourcePort string `json:"source_port"`
	TargetNode string `json:"target_node"`
	TargetPort string `json:"target_port"`
}

// Metadata describes a workflow.
type Metadata struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     int    `json:"version,omitempty"`
}

// InputDef declares a workflow (or subflow) input.
type InputDef struct {
	Name     string      `json:"name"`
	Type     DataType    `json:"type,omitempty"`
	Required bool        `json:"required,omitempty"`
	Default  interface{} `json:"default,omitempty"`
}

// OutputDef maps a workflow output to an internal node/port pair. When
// SourceNode is empty the output is collected from the same-named variable.
type OutputDef struct {
	Name       string `json:"name"`
	SourceNode string `json:"source_node,omitempty"`
	SourcePort string `json:"source_port,omitempty"`
}

// Workflow is a validated graph of nodes and connections.
type Workflow struct {
	Metadata    Metadata               `json:"metadata"`
	Nodes       map[string]*Node       `json:"nodes"`
	Connections []Connection           `json:"connections,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Inputs      []InputDef             `json:"inputs,omitempty"`
	Outputs     []OutputDef            `json:"outputs,omitempty"`
}

// Limits bounds deserialization. Zero values fall back to defaults.
type Limits struct {
	MaxNodes       int
	MaxConnections int
	MaxStringLen   int
}

// DefaultLimits are applied when a zero Limits is passed to Load.
var DefaultLimits = Limits{
	MaxNodes:       1000,
	MaxConnections: 5000,
	MaxStringLen:   1 << 16,
}

func (l Limits) withDefaults() Limits {
	if l.MaxNodes == 0 {
		l.MaxNodes = DefaultLimits.MaxNodes
	}
	if l.MaxConnections == 0 {
		l.MaxConnections = DefaultLimits.MaxConnections
	}
	if l.MaxStringLen == 0 {
		l.MaxStringLen = DefaultLimits.MaxStringLen
	}
	return l
}

// Load decodes a workflow blob, applies size bounds, rejects fields outside
// the schema and node types the catalog does not know, and validates the
// graph. Load never evaluates any code carried in the blob.
func Load(blob []byte, catalog PortCatalog, limits Limits) (*Workflow, error) {
	limits = limits.withDefaults()

	dec := json.NewDecoder(bytes.NewReader(blob))
	dec.DisallowUnknownFields()

	var wf Workflow
	if err := dec.Decode(&wf); err != nil {
		return nil, &ValidationError{Issues: []Issue{{Message: fmt.Sprintf("malformed workflow blob: %v", err)}}}
	}

	if len(wf.Nodes) > limits.MaxNodes {
		return nil, &ValidationError{Issues: []Issue{{Message: fmt.Sprintf("workflow exceeds node limit (%d > %d)", len(wf.Nodes), limits.MaxNodes)}}}
	}
	if len(wf.Connections) > limits.MaxConnections {
		return nil, &ValidationError{Issues: []Issue{{Message: fmt.Sprintf("workflow exceeds connection limit (%d > %d)", len(wf.Connections), limits.MaxConnections)}}}
	}
	for id, node := range wf.Nodes {
		if node == nil {
			return nil, &ValidationError{Issues: []Issue{{NodeID: id, Message: "null node"}}}
		}
		if node.ID == "" {
			node.ID = id
		}
		if node.ID != id {
			return nil, &ValidationError{Issues: []Issue{{NodeID: id, Message: fmt.Sprintf("node key %q does not match node id %q", id, node.ID)}}}
		}
		if err := boundStrings(node.Config, limits.MaxStringLen); err != nil {
			return nil, &ValidationError{Issues: []Issue{{NodeID: id, Message: err.Error()}}}
		}
	}

	if issues := wf.Validate(catalog); len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}

	return &wf, nil
}

// Serialize encodes the workflow as a JSON blob. Load(Serialize(wf)) yields
// a workflow equal to wf.
func (w *Workflow) Serialize() ([]byte, error) {
	return json.Marshal(w)
}

func boundStrings(v interface{}, max int) error {
	switch val := v.(type) {
	case string:
		if len(val) > max {
			return fmt.Errorf("string value exceeds %d bytes", max)
		}
	case map[string]interface{}:
		for _, item := range val {
			if err := boundStrings(item, max); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, item := range val {
			if err := boundStrings(item, max); err != nil {
				return err
			}
		}
	}
	return nil
}
