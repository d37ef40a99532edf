package workflow

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubCatalog declares just enough node types for graph tests.
type stubCatalog map[string]PortSet

func (c stubCatalog) Ports(nodeType string) (PortSet, bool) {
	ps, ok := c[nodeType]
	return ps, ok
}

func testCatalog() stubCatalog {
	exec := func(name string) Port { return Port{Name: name, Type: TypeExecution} }
	return stubCatalog{
		"Start": {Outputs: []Port{exec("exec_out")}},
		"SetVariable": {
			Inputs:  []Port{exec("exec_in"), {Name: "value", Type: TypeAny}},
			Outputs: []Port{exec("exec_out"), {Name: "value", Type: TypeAny}},
		},
		"Log": {
			Inputs:  []Port{exec("exec_in"), {Name: "message", Type: TypeString}},
			Outputs: []Port{exec("exec_out")},
		},
		"End": {Inputs: []Port{exec("exec_in"), {Name: "result", Type: TypeAny}}},
		"ForLoopStart": {
			Inputs:  []Port{exec("exec_in"), {Name: "items", Type: TypeList}},
			Outputs: []Port{exec("body"), exec("completed"), {Name: "current_item", Type: TypeAny}},
		},
		"LoopEnd": {
			Inputs:  []Port{exec("exec_in")},
			Outputs: []Port{exec("exec_out")},
		},
		"Produce": {Outputs: []Port{exec("exec_out"), {Name: "count", Type: TypeInteger}}},
	}
}

func linearBlob(t *testing.T) []byte {
	t.Helper()
	wf := &Workflow{
		Metadata: Metadata{ID: "wf-1", Name: "linear"},
		Nodes: map[string]*Node{
			"start": {ID: "start", Type: "Start"},
			"log":   {ID: "log", Type: "Log", Config: map[string]interface{}{"message": "hello"}},
			"end":   {ID: "end", Type: "End"},
		},
		Connections: []Connection{
			{SourceNode: "start", SourcePort: "exec_out", TargetNode: "log", TargetPort: "exec_in"},
			{SourceNode: "log", SourcePort: "exec_out", TargetNode: "end", TargetPort: "exec_in"},
		},
	}
	blob, err := wf.Serialize()
	require.NoError(t, err)
	return blob
}

func TestLoadValidWorkflow(t *testing.T) {
	wf, err := Load(linearBlob(t), testCatalog(), Limits{})
	require.NoError(t, err)
	assert.Len(t, wf.Nodes, 3)
	assert.Equal(t, "start", wf.FindStartNode())
}

func TestSerializeRoundTrip(t *testing.T) {
	wf, err := Load(linearBlob(t), testCatalog(), Limits{})
	require.NoError(t, err)

	blob, err := wf.Serialize()
	require.NoError(t, err)

	again, err := Load(blob, testCatalog(), Limits{})
	require.NoError(t, err)
	assert.Equal(t, wf, again)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	blob := []byte(`{"metadata":{"id":"wf"},"nodes":{},"evil":true}`)
	_, err := Load(blob, testCatalog(), Limits{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "malformed workflow blob")
}

func TestLoadRejectsUnknownNodeType(t *testing.T) {
	blob := []byte(`{"metadata":{"id":"wf"},"nodes":{"a":{"id":"a","type":"Teleport"}}}`)
	_, err := Load(blob, testCatalog(), Limits{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), `unknown node type "Teleport"`)
}

func TestLoadEnforcesNodeLimit(t *testing.T) {
	nodes := map[string]*Node{
		"a": {ID: "a", Type: "Start"},
		"b": {ID: "b", Type: "End"},
	}
	wf := &Workflow{Metadata: Metadata{ID: "wf"}, Nodes: nodes}
	blob, err := wf.Serialize()
	require.NoError(t, err)

	_, err = Load(blob, testCatalog(), Limits{MaxNodes: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node limit")
}

func TestLoadBoundsStringValues(t *testing.T) {
	wf := &Workflow{
		Metadata: Metadata{ID: "wf"},
		Nodes: map[string]*Node{
			"log": {ID: "log", Type: "Log", Config: map[string]interface{}{
				"message": strings.Repeat("x", 100),
			}},
		},
	}
	blob, err := wf.Serialize()
	require.NoError(t, err)

	_, err = Load(blob, testCatalog(), Limits{MaxStringLen: 10})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds 10 bytes")
}

func TestValidateMultipleStartNodes(t *testing.T) {
	wf := &Workflow{
		Nodes: map[string]*Node{
			"s1": {ID: "s1", Type: "Start"},
			"s2": {ID: "s2", Type: "Start"},
		},
	}
	issues := wf.Validate(testCatalog())
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0].Message, "2 Start nodes")
}

func TestValidateConnectionEndpoints(t *testing.T) {
	tests := []struct {
		name string
		conn Connection
		want string
	}{
		{
			name: "missing source node",
			conn: Connection{SourceNode: "ghost", SourcePort: "exec_out", TargetNode: "end", TargetPort: "exec_in"},
			want: `source node "ghost" does not exist`,
		},
		{
			name: "missing target node",
			conn: Connection{SourceNode: "start", SourcePort: "exec_out", TargetNode: "ghost", TargetPort: "exec_in"},
			want: `target node "ghost" does not exist`,
		},
		{
			name: "unknown source port",
			conn: Connection{SourceNode: "start", SourcePort: "bogus", TargetNode: "end", TargetPort: "exec_in"},
			want: `no output port "bogus"`,
		},
		{
			name: "unknown target port",
			conn: Connection{SourceNode: "start", SourcePort: "exec_out", TargetNode: "end", TargetPort: "bogus"},
			want: `no input port "bogus"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := &Workflow{
				Nodes: map[string]*Node{
					"start": {ID: "start", Type: "Start"},
					"end":   {ID: "end", Type: "End"},
				},
				Connections: []Connection{tt.conn},
			}
			issues := wf.Validate(testCatalog())
			require.NotEmpty(t, issues)
			assert.Contains(t, issues[0].Message, tt.want)
		})
	}
}

func TestValidateTypeMismatch(t *testing.T) {
	wf := &Workflow{
		Nodes: map[string]*Node{
			"produce": {ID: "produce", Type: "Produce"},
			"log":     {ID: "log", Type: "Log"},
		},
		Connections: []Connection{
			{SourceNode: "produce", SourcePort: "count", TargetNode: "log", TargetPort: "message"},
		},
	}
	issues := wf.Validate(testCatalog())
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0].Message, "type mismatch")
}

func TestValidateAnyPortAcceptsAnything(t *testing.T) {
	wf := &Workflow{
		Nodes: map[string]*Node{
			"produce": {ID: "produce", Type: "Produce"},
			"set":     {ID: "set", Type: "SetVariable"},
		},
		Connections: []Connection{
			{SourceNode: "produce", SourcePort: "count", TargetNode: "set", TargetPort: "value"},
		},
	}
	assert.Empty(t, wf.Validate(testCatalog()))
}

func TestValidateDuplicateDataConnection(t *testing.T) {
	wf := &Workflow{
		Nodes: map[string]*Node{
			"p1":  {ID: "p1", Type: "Produce"},
			"p2":  {ID: "p2", Type: "Produce"},
			"set": {ID: "set", Type: "SetVariable"},
		},
		Connections: []Connection{
			{SourceNode: "p1", SourcePort: "count", TargetNode: "set", TargetPort: "value"},
			{SourceNode: "p2", SourcePort: "count", TargetNode: "set", TargetPort: "value"},
		},
	}
	issues := wf.Validate(testCatalog())
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0].Message, "more than one incoming data connection")
}

func TestValidateUnpairedLoopEnd(t *testing.T) {
	wf := &Workflow{
		Nodes: map[string]*Node{
			"end": {ID: "end", Type: "LoopEnd"},
		},
	}
	issues := wf.Validate(testCatalog())
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0].Message, ConfigPairedStart)
}

func TestValidateLoopEndPairsNonLoop(t *testing.T) {
	wf := &Workflow{
		Nodes: map[string]*Node{
			"start": {ID: "start", Type: "Start"},
			"end":   {ID: "end", Type: "LoopEnd", Config: map[string]interface{}{ConfigPairedStart: "start"}},
		},
	}
	issues := wf.Validate(testCatalog())
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0].Message, "not a loop start")
}

func TestTopologicalOrderRejectsCycle(t *testing.T) {
	wf := &Workflow{
		Nodes: map[string]*Node{
			"a": {ID: "a", Type: "Log"},
			"b": {ID: "b", Type: "Log"},
		},
		Connections: []Connection{
			{SourceNode: "a", SourcePort: "exec_out", TargetNode: "b", TargetPort: "exec_in"},
			{SourceNode: "b", SourcePort: "exec_out", TargetNode: "a", TargetPort: "exec_in"},
		},
	}
	issues := wf.Validate(testCatalog())
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0].Message, "cycle")
}

func TestTopologicalOrderAllowsPairedLoop(t *testing.T) {
	wf := &Workflow{
		Nodes: map[string]*Node{
			"start": {ID: "start", Type: "Start"},
			"loop":  {ID: "loop", Type: "ForLoopStart", Config: map[string]interface{}{"items": []interface{}{1, 2}}},
			"body":  {ID: "body", Type: "Log"},
			"close": {ID: "close", Type: "LoopEnd", Config: map[string]interface{}{ConfigPairedStart: "loop"}},
			"end":   {ID: "end", Type: "End"},
		},
		Connections: []Connection{
			{SourceNode: "start", SourcePort: "exec_out", TargetNode: "loop", TargetPort: "exec_in"},
			{SourceNode: "loop", SourcePort: "body", TargetNode: "body", TargetPort: "exec_in"},
			{SourceNode: "body", SourcePort: "exec_out", TargetNode: "close", TargetPort: "exec_in"},
			{SourceNode: "close", SourcePort: "exec_out", TargetNode: "loop", TargetPort: "exec_in"},
			{SourceNode: "loop", SourcePort: "completed", TargetNode: "end", TargetPort: "exec_in"},
		},
	}
	assert.Empty(t, wf.Validate(testCatalog()))

	order, err := wf.TopologicalOrder()
	require.NoError(t, err)
	assert.Len(t, order, 5)
}

func TestFindEntryNodes(t *testing.T) {
	wf := &Workflow{
		Nodes: map[string]*Node{
			"b":   {ID: "b", Type: "Log"},
			"a":   {ID: "a", Type: "Log"},
			"end": {ID: "end", Type: "End"},
		},
		Connections: []Connection{
			{SourceNode: "a", SourcePort: "exec_out", TargetNode: "end", TargetPort: "exec_in"},
			{SourceNode: "b", SourcePort: "exec_out", TargetNode: "end", TargetPort: "exec_in"},
		},
	}
	assert.Equal(t, []string{"a", "b"}, wf.FindEntryNodes(testCatalog()))
}

func TestEmbeddedWorkflow(t *testing.T) {
	var nested map[string]interface{}
	require.NoError(t, json.Unmarshal(linearBlob(t), &nested))

	node := &Node{ID: "sub", Type: "Subflow", Config: map[string]interface{}{"workflow": nested}}
	wf, err := node.EmbeddedWorkflow(testCatalog())
	require.NoError(t, err)
	assert.Len(t, wf.Nodes, 3)

	missing := &Node{ID: "sub2", Type: "Subflow"}
	_, err = missing.EmbeddedWorkflow(testCatalog())
	assert.Error(t, err)
}
