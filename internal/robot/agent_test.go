package robot

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omerlefaruk/casare-rpa/internal/engine"
	"github.com/omerlefaruk/casare-rpa/internal/orchestrator"
	"github.com/omerlefaruk/casare-rpa/internal/platform/config"
	"github.com/omerlefaruk/casare-rpa/internal/runtime"
	"github.com/omerlefaruk/casare-rpa/internal/workflow"
)

type pingNode struct{}

func (pingNode) Execute(ctx context.Context, run *engine.Context, inputs map[string]interface{}) engine.NodeResult {
	run.SetVariable("pinged", true)
	return engine.Success(nil, "exec_out")
}

type hangNode struct{ id string }

func (n hangNode) Execute(ctx context.Context, run *engine.Context, inputs map[string]interface{}) engine.NodeResult {
	select {
	case <-ctx.Done():
		run.Cancel().Raise()
		return engine.Failure(n.id, engine.FailCancelled, "cancelled")
	case <-time.After(10 * time.Second):
		return engine.Success(nil, "exec_out")
	}
}

func agentRegistry() *engine.Registry {
	ports := workflow.PortSet{
		Inputs:  []workflow.Port{{Name: "exec_in", Type: workflow.TypeExecution}},
		Outputs: []workflow.Port{{Name: "exec_out", Type: workflow.TypeExecution}},
	}
	r := engine.NewRegistry()
	r.Register("Ping", engine.Registration{
		Ports: ports,
		Constructor: func(id string, cfg map[string]interface{}) (engine.NodeInstance, error) {
			return pingNode{}, nil
		},
	})
	r.Register("Hang", engine.Registration{
		Ports: ports,
		Constructor: func(id string, cfg map[string]interface{}) (engine.NodeInstance, error) {
			return hangNode{id: id}, nil
		},
	})
	return r
}

func workflowBlob(t *testing.T, nodeType string) []byte {
	t.Helper()
	wf := &workflow.Workflow{
		Metadata: workflow.Metadata{ID: "wf", Name: "single"},
		Nodes:    map[string]*workflow.Node{"n": {ID: "n", Type: nodeType}},
	}
	blob, err := wf.Serialize()
	require.NoError(t, err)
	return blob
}

// agentHarness stands in for the orchestrator side of the robot channel.
type agentHarness struct {
	channel *orchestrator.Channel
	robotID chan string
	events  chan orchestrator.Envelope
	cancel  context.CancelFunc
}

func newAgentHarness(t *testing.T, maxJobs int) *agentHarness {
	t.Helper()
	h := &agentHarness{
		channel: orchestrator.NewChannel(nil, orchestrator.ChannelAuth{}),
		robotID: make(chan string, 1),
		events:  make(chan orchestrator.Envelope, 16),
	}
	h.channel.OnRegister = func(p orchestrator.RegisterPayload) (*orchestrator.Robot, error) {
		robot := &orchestrator.Robot{ID: "r1", Name: p.Name, MaxConcurrentJobs: p.MaxConcurrentJobs}
		select {
		case h.robotID <- robot.ID:
		default:
		}
		return robot, nil
	}
	h.channel.OnJobEvent = func(robotID string, env orchestrator.Envelope) {
		h.events <- env
	}

	srv := httptest.NewServer(h.channel)
	t.Cleanup(srv.Close)

	agent, err := NewAgent(
		config.RobotConfig{Name: "test-bot", Environment: "development", MaxConcurrentJobs: maxJobs},
		config.OrchestratorConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http")},
		runtime.NewRunner(runtime.NewMemoryStore(), agentRegistry(), nil, config.EngineConfig{}),
		nil,
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)
	go agent.Run(ctx)

	select {
	case <-h.robotID:
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not register")
	}
	require.Eventually(t, func() bool { return h.channel.Connected("r1") }, 2*time.Second, 10*time.Millisecond)
	return h
}

func (h *agentHarness) assign(t *testing.T, jobID string, blob []byte) orchestrator.Envelope {
	t.Helper()
	env, err := orchestrator.NewEnvelope(orchestrator.MsgJobAssign, orchestrator.JobAssignPayload{
		JobID:        jobID,
		WorkflowID:   "wf",
		WorkflowBlob: blob,
	})
	require.NoError(t, err)
	resp, err := h.channel.Request(context.Background(), "r1", env, 2*time.Second)
	require.NoError(t, err)
	return resp
}

func (h *agentHarness) waitFor(t *testing.T, jobID string, types ...orchestrator.MessageType) orchestrator.Envelope {
	t.Helper()
	wanted := make(map[orchestrator.MessageType]bool, len(types))
	for _, mt := range types {
		wanted[mt] = true
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env := <-h.events:
			if !wanted[env.Type] {
				continue
			}
			var result orchestrator.JobResultPayload
			require.NoError(t, env.Decode(&result))
			if result.JobID == jobID {
				return env
			}
		case <-deadline:
			t.Fatalf("no %v frame for job %s", types, jobID)
		}
	}
}

func TestAgentExecutesAssignedJob(t *testing.T) {
	h := newAgentHarness(t, 2)

	resp := h.assign(t, "job-1", workflowBlob(t, "Ping"))
	require.Equal(t, orchestrator.MsgJobAccept, resp.Type)

	done := h.waitFor(t, "job-1", orchestrator.MsgJobComplete)
	var result orchestrator.JobResultPayload
	require.NoError(t, done.Decode(&result))
	assert.True(t, result.Success)
	assert.Equal(t, []string{"n"}, result.ExecutedNodes)
}

func TestAgentReportsFailure(t *testing.T) {
	h := newAgentHarness(t, 2)

	// An undecodable workflow fails on the robot, not silently.
	resp := h.assign(t, "job-bad", []byte("not a workflow"))
	require.Equal(t, orchestrator.MsgJobAccept, resp.Type)

	done := h.waitFor(t, "job-bad", orchestrator.MsgJobFailed)
	var result orchestrator.JobResultPayload
	require.NoError(t, done.Decode(&result))
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestAgentRejectsAtCapacityAndCancels(t *testing.T) {
	h := newAgentHarness(t, 1)

	resp := h.assign(t, "job-slow", workflowBlob(t, "Hang"))
	require.Equal(t, orchestrator.MsgJobAccept, resp.Type)

	// The single slot is taken.
	resp = h.assign(t, "job-extra", workflowBlob(t, "Ping"))
	require.Equal(t, orchestrator.MsgJobReject, resp.Type)
	var decision orchestrator.JobDecisionPayload
	require.NoError(t, resp.Decode(&decision))
	assert.Equal(t, "at capacity", decision.Reason)

	// Cancellation is confirmed and the run winds down as cancelled.
	cancelEnv, err := orchestrator.NewEnvelope(orchestrator.MsgJobCancel, orchestrator.JobCancelPayload{JobID: "job-slow"})
	require.NoError(t, err)
	confirm, err := h.channel.Request(context.Background(), "r1", cancelEnv, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.MsgJobCancelled, confirm.Type)

	h.waitFor(t, "job-slow", orchestrator.MsgJobCancelled)
}
