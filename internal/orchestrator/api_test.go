package orchestrator

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiHarness struct {
	registry   *RobotRegistry
	dispatcher *Dispatcher
	schedules  *ScheduleManager
	bus        *EventBus
	server     *httptest.Server
}

func newAPIHarness(t *testing.T, jwtSecret string) *apiHarness {
	t.Helper()
	h := &apiHarness{
		registry: NewRobotRegistry(),
		bus:      NewEventBus(),
	}
	h.dispatcher = NewDispatcher(h.registry, NewJobStore(), nil, h.bus, nil, DispatcherConfig{})
	h.schedules = NewScheduleManager(func(s *Schedule) (*Job, error) {
		return h.dispatcher.Submit(s.WorkflowID, nil, s.Inputs, s.Priority, nil, s.ID), nil
	}, nil)

	api := NewAPI(h.registry, h.dispatcher, h.schedules, nil, h.bus, nil, jwtSecret)
	h.server = httptest.NewServer(api.Router())
	t.Cleanup(h.server.Close)
	return h
}

func (h *apiHarness) do(t *testing.T, method, path, token string, body interface{}) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, payload
}

func TestAPIHealth(t *testing.T) {
	h := newAPIHarness(t, "")
	status, body := h.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"ok"`)
}

func TestAPIAuth(t *testing.T) {
	const secret = "api-secret"
	h := newAPIHarness(t, secret)

	status, _ := h.do(t, http.MethodGet, "/api/v1/robots", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = h.do(t, http.MethodGet, "/api/v1/robots", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}).
		SignedString([]byte("wrong-secret"))
	require.NoError(t, err)
	status, _ = h.do(t, http.MethodGet, "/api/v1/robots", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	status, _ = h.do(t, http.MethodGet, "/api/v1/robots", token, nil)
	assert.Equal(t, http.StatusOK, status)

	// Health stays open regardless of auth.
	status, _ = h.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestAPIRobotEndpoints(t *testing.T) {
	h := newAPIHarness(t, "")

	status, body := h.do(t, http.MethodPost, "/api/v1/robots", "", map[string]interface{}{
		"name":                "desk-01",
		"environment":         "production",
		"capabilities":        []string{"browser"},
		"max_concurrent_jobs": 2,
	})
	require.Equal(t, http.StatusCreated, status)
	var robot Robot
	require.NoError(t, json.Unmarshal(body, &robot))
	assert.NotEmpty(t, robot.ID)
	assert.Equal(t, RobotOnline, robot.Status)

	status, body = h.do(t, http.MethodGet, "/api/v1/robots?capability=browser", "", nil)
	require.Equal(t, http.StatusOK, status)
	var robots []Robot
	require.NoError(t, json.Unmarshal(body, &robots))
	require.Len(t, robots, 1)

	status, _ = h.do(t, http.MethodGet, "/api/v1/robots?capability=gpu", "", nil)
	assert.Equal(t, http.StatusOK, status)

	status, body = h.do(t, http.MethodPatch, "/api/v1/robots/"+robot.ID, "", map[string]interface{}{
		"max_concurrent_jobs": 5,
		"tags":                []string{"floor-2"},
	})
	require.Equal(t, http.StatusOK, status)
	var patched Robot
	require.NoError(t, json.Unmarshal(body, &patched))
	assert.Equal(t, 5, patched.MaxConcurrentJobs)
	assert.Equal(t, []string{"floor-2"}, patched.Tags)

	status, _ = h.do(t, http.MethodPost, "/api/v1/robots/"+robot.ID+"/heartbeat", "", HeartbeatMetrics{CPUPercent: 33})
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = h.do(t, http.MethodDelete, "/api/v1/robots/"+robot.ID, "", nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = h.do(t, http.MethodGet, "/api/v1/robots/"+robot.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPIJobEndpoints(t *testing.T) {
	h := newAPIHarness(t, "")

	status, body := h.do(t, http.MethodPost, "/api/v1/jobs", "", map[string]interface{}{
		"workflow_id": "wf-1",
	})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(body), "workflow blob is required")

	status, body = h.do(t, http.MethodPost, "/api/v1/jobs", "", map[string]interface{}{
		"workflow_id": "wf-1",
		"workflow":    map[string]interface{}{"nodes": map[string]interface{}{}},
		"priority":    2,
	})
	require.Equal(t, http.StatusAccepted, status)
	var job Job
	require.NoError(t, json.Unmarshal(body, &job))
	assert.Equal(t, JobPending, job.Status)
	assert.Equal(t, 2, job.Priority)

	status, body = h.do(t, http.MethodGet, "/api/v1/jobs?status=pending", "", nil)
	require.Equal(t, http.StatusOK, status)
	var jobs []Job
	require.NoError(t, json.Unmarshal(body, &jobs))
	require.Len(t, jobs, 1)

	status, body = h.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/cancel", "", nil)
	require.Equal(t, http.StatusOK, status)
	var cancelled Job
	require.NoError(t, json.Unmarshal(body, &cancelled))
	assert.Equal(t, JobCancelled, cancelled.Status)

	status, body = h.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/retry", "", nil)
	require.Equal(t, http.StatusOK, status)
	var retried Job
	require.NoError(t, json.Unmarshal(body, &retried))
	assert.Equal(t, JobPending, retried.Status)

	status, _ = h.do(t, http.MethodGet, "/api/v1/jobs/ghost", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPIScheduleEndpoints(t *testing.T) {
	h := newAPIHarness(t, "")

	status, body := h.do(t, http.MethodPost, "/api/v1/schedules", "", map[string]interface{}{
		"name":        "nightly",
		"workflow_id": "wf-1",
		"type":        "cron",
		"cron":        "0 2 * * *",
		"enabled":     true,
	})
	require.Equal(t, http.StatusCreated, status)
	var created Schedule
	require.NoError(t, json.Unmarshal(body, &created))
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.NextRun.IsZero())

	status, _ = h.do(t, http.MethodPost, "/api/v1/schedules", "", map[string]interface{}{
		"name": "broken", "workflow_id": "wf-1", "type": "cron", "cron": "bad",
	})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = h.do(t, http.MethodPatch, "/api/v1/schedules/"+created.ID, "", map[string]interface{}{
		"name": "renamed",
	})
	require.Equal(t, http.StatusOK, status)
	var patched Schedule
	require.NoError(t, json.Unmarshal(body, &patched))
	assert.Equal(t, "renamed", patched.Name)

	status, body = h.do(t, http.MethodPost, "/api/v1/schedules/"+created.ID+"/disable", "", nil)
	require.Equal(t, http.StatusOK, status)
	var disabled Schedule
	require.NoError(t, json.Unmarshal(body, &disabled))
	assert.False(t, disabled.Enabled)

	status, body = h.do(t, http.MethodPost, "/api/v1/schedules/"+created.ID+"/run", "", nil)
	require.Equal(t, http.StatusAccepted, status)
	var job Job
	require.NoError(t, json.Unmarshal(body, &job))
	assert.Equal(t, "wf-1", job.WorkflowID)
	assert.Equal(t, created.ID, job.ScheduleID)

	status, _ = h.do(t, http.MethodDelete, "/api/v1/schedules/"+created.ID, "", nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = h.do(t, http.MethodGet, "/api/v1/schedules/"+created.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPIEventStream(t *testing.T) {
	h := newAPIHarness(t, "")

	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/api/v1/events"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	// Give the handler a beat to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	h.bus.Publish(StreamJobUpdate, map[string]interface{}{"job_id": "j1", "status": "running"})

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev StreamEvent
	require.NoError(t, ws.ReadJSON(&ev))
	assert.Equal(t, StreamJobUpdate, ev.Type)
	assert.Equal(t, "j1", ev.Data["job_id"])
}
