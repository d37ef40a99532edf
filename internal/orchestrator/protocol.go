package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType tags every frame on the robot channel.
type MessageType string

// Robot to orchestrator.
const (
	MsgRegister       MessageType = "register"
	MsgHeartbeat      MessageType = "heartbeat"
	MsgDisconnect     MessageType = "disconnect"
	MsgJobAccept      MessageType = "job_accept"
	MsgJobReject      MessageType = "job_reject"
	MsgJobProgress    MessageType = "job_progress"
	MsgJobComplete    MessageType = "job_complete"
	MsgJobFailed      MessageType = "job_failed"
	MsgJobCancelled   MessageType = "job_cancelled"
	MsgStatusResponse MessageType = "status_response"
	MsgLogEntry       MessageType = "log_entry"
	MsgLogBatch       MessageType = "log_batch"
)

// Orchestrator to robot.
const (
	MsgRegisterAck   MessageType = "register_ack"
	MsgHeartbeatAck  MessageType = "heartbeat_ack"
	MsgJobAssign     MessageType = "job_assign"
	MsgJobCancel     MessageType = "job_cancel"
	MsgStatusRequest MessageType = "status_request"
	MsgError         MessageType = "error"
)

// Envelope is the wire frame: a tagged JSON document. Request/response
// pairs share a client-generated correlation id.
type Envelope struct {
	Type          MessageType     `json:"type"`
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds a frame with a fresh message id.
func NewEnvelope(t MessageType, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, ID: uuid.New().String(), Payload: raw}, nil
}

// Decode unmarshals the payload into out.
func (e Envelope) Decode(out interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, out)
}

// RegisterPayload announces a robot to the orchestrator.
type RegisterPayload struct {
	RobotID           string   `json:"robot_id,omitempty"`
	Name              string   `json:"name"`
	Environment       string   `json:"environment"`
	Capabilities      []string `json:"capabilities"`
	Tags              []string `json:"tags,omitempty"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
	APIKey            string   `json:"api_key,omitempty"`
	Token             string   `json:"token,omitempty"`
}

// RegisterAckPayload answers a Register.
type RegisterAckPayload struct {
	Success bool   `json:"success"`
	RobotID string `json:"robot_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// HeartbeatPayload carries liveness plus resource metrics.
type HeartbeatPayload struct {
	RobotID string           `json:"robot_id"`
	Metrics HeartbeatMetrics `json:"metrics"`
}

// JobAssignPayload hands a job to a robot. The workflow blob travels
// base64-encoded, so even bytes that are not valid JSON reach the robot and
// fail there with a report.
type JobAssignPayload struct {
	JobID        string                 `json:"job_id"`
	WorkflowID   string                 `json:"workflow_id"`
	WorkflowBlob []byte                 `json:"workflow_blob"`
	Inputs       map[string]interface{} `json:"inputs,omitempty"`
	Priority     int                    `json:"priority"`
}

// JobDecisionPayload answers a JobAssign (accept or reject).
type JobDecisionPayload struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

// JobProgressPayload reports run progress.
type JobProgressPayload struct {
	JobID           string  `json:"job_id"`
	ProgressPercent float64 `json:"progress_percent"`
	CurrentNodeID   string  `json:"current_node_id,omitempty"`
}

// JobResultPayload reports a terminal job outcome.
type JobResultPayload struct {
	JobID         string                 `json:"job_id"`
	Success       bool                   `json:"success"`
	Error         string                 `json:"error,omitempty"`
	ErrorNodeID   string                 `json:"error_node_id,omitempty"`
	ExecutedNodes []string               `json:"executed_nodes,omitempty"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
	DurationMS    int64                  `json:"duration_ms"`
}

// JobCancelPayload asks a robot to stop a job.
type JobCancelPayload struct {
	JobID string `json:"job_id"`
}

// StatusPayload answers a StatusRequest.
type StatusPayload struct {
	RobotID    string           `json:"robot_id"`
	Status     RobotStatus      `json:"status"`
	ActiveJobs []string         `json:"active_jobs"`
	Metrics    HeartbeatMetrics `json:"metrics"`
}

// LogEntryPayload forwards a single robot-side log line.
type LogEntryPayload struct {
	RobotID   string    `json:"robot_id"`
	JobID     string    `json:"job_id,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// LogBatchPayload forwards buffered log lines in one frame.
type LogBatchPayload struct {
	Entries []LogEntryPayload `json:"entries"`
}

// ErrorPayload reports a protocol-level error to the robot.
type ErrorPayload struct {
	Message string `json:"message"`
}
