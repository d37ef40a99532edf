package engine

// FailureKind classifies every failure surfaced by the engine.
type FailureKind string

const (
	FailValidation FailureKind = "validation"
	FailInput      FailureKind = "input"
	FailTimeout    FailureKind = "timeout"
	FailRuntime    FailureKind = "runtime"
	FailExternal   FailureKind = "external"
	FailCancelled  FailureKind = "cancelled"
	FailNotFound   FailureKind = "not_found"
)

// Retriable reports whether a dispatcher may retry a failure of this kind.
func (k FailureKind) Retriable() bool {
	switch k {
	case FailTimeout, FailRuntime, FailExternal:
		return true
	}
	return false
}

// ResultStatus tags a NodeResult.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusFailure ResultStatus = "failure"
	StatusSkipped ResultStatus = "skipped"
)

// NodeResult is the outcome of a single node execution. Exactly one of the
// three shapes is populated, tagged by Status.
type NodeResult struct {
	Status ResultStatus

	// Success fields.
	OutputValues map[string]interface{}
	NextPorts    []string
	LoopBackTo   string

	// Failure fields.
	Message string
	Kind    FailureKind
	NodeID  string

	// Skipped field.
	Reason string
}

// Success builds a successful result emitting on the given execution ports.
func Success(outputs map[string]interface{}, nextPorts ...string) NodeResult {
	return NodeResult{Status: StatusSuccess, OutputValues: outputs, NextPorts: nextPorts}
}

// LoopBack builds a successful result that returns control to a loop start.
func LoopBack(outputs map[string]interface{}, loopStartID string) NodeResult {
	return NodeResult{Status: StatusSuccess, OutputValues: outputs, LoopBackTo: loopStartID}
}

// Failure builds a failed result.
func Failure(nodeID string, kind FailureKind, message string) NodeResult {
	return NodeResult{Status: StatusFailure, NodeID: nodeID, Kind: kind, Message: message}
}

// Skipped builds a skipped result.
func Skipped(reason string) NodeResult {
	return NodeResult{Status: StatusSkipped, Reason: reason}
}

// Failed reports whether the result is a failure.
func (r NodeResult) Failed() bool { return r.Status == StatusFailure }

// Outcome tags the terminal result of a whole run.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// RunResult is the terminal result of an engine run.
type RunResult struct {
	Outcome       Outcome                `json:"outcome"`
	ExecutedNodes []string               `json:"executed_nodes"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
	Error         string                 `json:"error,omitempty"`
	ErrorKind     FailureKind            `json:"error_kind,omitempty"`
	ErrorNodeID   string                 `json:"error_node_id,omitempty"`
}
