package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/omerlefaruk/casare-rpa/internal/platform/logger"
	"github.com/omerlefaruk/casare-rpa/internal/platform/metrics"
)

// API exposes the orchestrator over HTTP: robots, jobs, schedules, the
// robot websocket, and a live event stream.
type API struct {
	registry   *RobotRegistry
	dispatcher *Dispatcher
	schedules  *ScheduleManager
	channel    *Channel
	bus        *EventBus
	log        logger.Logger
	metrics    *metrics.Metrics

	jwtSecret string
	upgrader  websocket.Upgrader
}

// NewAPI wires the orchestrator components into an HTTP handler set. An
// empty jwtSecret disables request authentication.
func NewAPI(registry *RobotRegistry, dispatcher *Dispatcher, schedules *ScheduleManager, channel *Channel, bus *EventBus, log logger.Logger, jwtSecret string) *API {
	if log == nil {
		log = logger.NewNop()
	}
	return &API{
		registry:   registry,
		dispatcher: dispatcher,
		schedules:  schedules,
		channel:    channel,
		bus:        bus,
		log:        log,
		jwtSecret:  jwtSecret,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// WithMetrics mounts the Prometheus endpoint on the router.
func (a *API) WithMetrics(m *metrics.Metrics) *API {
	a.metrics = m
	return a
}

// Router builds the route table.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	if a.metrics != nil {
		r.Handle("/metrics", a.metrics.Handler()).Methods(http.MethodGet)
	}
	if a.channel != nil {
		r.Handle("/ws/robots", a.channel)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(a.authMiddleware)

	api.HandleFunc("/robots", a.handleListRobots).Methods(http.MethodGet)
	api.HandleFunc("/robots", a.handleRegisterRobot).Methods(http.MethodPost)
	api.HandleFunc("/robots/{id}", a.handleGetRobot).Methods(http.MethodGet)
	api.HandleFunc("/robots/{id}", a.handleUpdateRobot).Methods(http.MethodPatch)
	api.HandleFunc("/robots/{id}", a.handleDeleteRobot).Methods(http.MethodDelete)
	api.HandleFunc("/robots/{id}/heartbeat", a.handleHeartbeat).Methods(http.MethodPost)

	api.HandleFunc("/jobs", a.handleSubmitJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs", a.handleListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", a.handleGetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/cancel", a.handleCancelJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/retry", a.handleRetryJob).Methods(http.MethodPost)

	api.HandleFunc("/schedules", a.handleListSchedules).Methods(http.MethodGet)
	api.HandleFunc("/schedules", a.handleCreateSchedule).Methods(http.MethodPost)
	api.HandleFunc("/schedules/{id}", a.handleGetSchedule).Methods(http.MethodGet)
	api.HandleFunc("/schedules/{id}", a.handleUpdateSchedule).Methods(http.MethodPatch)
	api.HandleFunc("/schedules/{id}", a.handleDeleteSchedule).Methods(http.MethodDelete)
	api.HandleFunc("/schedules/{id}/enable", a.handleEnableSchedule(true)).Methods(http.MethodPost)
	api.HandleFunc("/schedules/{id}/disable", a.handleEnableSchedule(false)).Methods(http.MethodPost)
	api.HandleFunc("/schedules/{id}/run", a.handleRunSchedule).Methods(http.MethodPost)

	api.HandleFunc("/events", a.handleEventStream)
	return r
}

func (a *API) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.jwtSecret == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		raw := strings.TrimPrefix(header, "Bearer ")
		if raw == "" || raw == header {
			a.writeError(w, http.StatusUnauthorized, fmt.Errorf("missing bearer token"))
			return
		}
		token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(a.jwtSecret), nil
		})
		if err != nil || !token.Valid {
			a.writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (a *API) handleListRobots(w http.ResponseWriter, r *http.Request) {
	robots := a.registry.List()
	if capability := r.URL.Query().Get("capability"); capability != "" {
		robots = a.registry.FindByCapability(capability)
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := robots[:0]
		for _, robot := range robots {
			if string(robot.Status) == status {
				filtered = append(filtered, robot)
			}
		}
		robots = filtered
	}
	a.writeJSON(w, http.StatusOK, robots)
}

func (a *API) handleRegisterRobot(w http.ResponseWriter, r *http.Request) {
	var spec Robot
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, a.registry.Register(&spec))
}

func (a *API) handleGetRobot(w http.ResponseWriter, r *http.Request) {
	robot, err := a.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, http.StatusNotFound, err)
		return
	}
	a.writeJSON(w, http.StatusOK, robot)
}

func (a *API) handleUpdateRobot(w http.ResponseWriter, r *http.Request) {
	var patch struct {
		Status            *RobotStatus `json:"status,omitempty"`
		MaxConcurrentJobs *int         `json:"max_concurrent_jobs,omitempty"`
		Capabilities      []string     `json:"capabilities,omitempty"`
		Tags              []string     `json:"tags,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	robot, err := a.registry.Update(mux.Vars(r)["id"], func(robot *Robot) {
		if patch.Status != nil {
			robot.Status = *patch.Status
		}
		if patch.MaxConcurrentJobs != nil && *patch.MaxConcurrentJobs > 0 {
			robot.MaxConcurrentJobs = *patch.MaxConcurrentJobs
		}
		if patch.Capabilities != nil {
			robot.Capabilities = patch.Capabilities
		}
		if patch.Tags != nil {
			robot.Tags = patch.Tags
		}
	})
	if err != nil {
		a.writeError(w, http.StatusNotFound, err)
		return
	}
	a.writeJSON(w, http.StatusOK, robot)
}

func (a *API) handleDeleteRobot(w http.ResponseWriter, r *http.Request) {
	robotID := mux.Vars(r)["id"]
	heldJobs, err := a.registry.Deregister(robotID)
	if err != nil {
		a.writeError(w, http.StatusNotFound, err)
		return
	}
	if len(heldJobs) > 0 {
		a.dispatcher.ReassignRobotJobs(robotID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var m HeartbeatMetrics
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.registry.Heartbeat(mux.Vars(r)["id"], m); err != nil {
		a.writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkflowID           string                 `json:"workflow_id"`
		Workflow             json.RawMessage        `json:"workflow"`
		Inputs               map[string]interface{} `json:"inputs,omitempty"`
		Priority             int                    `json:"priority"`
		RequiredCapabilities []string               `json:"required_capabilities,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Workflow) == 0 {
		a.writeError(w, http.StatusBadRequest, fmt.Errorf("workflow blob is required"))
		return
	}
	job := a.dispatcher.Submit(req.WorkflowID, req.Workflow, req.Inputs, req.Priority, req.RequiredCapabilities, "")
	a.writeJSON(w, http.StatusAccepted, job)
}

func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := JobStatus(r.URL.Query().Get("status"))
	a.writeJSON(w, http.StatusOK, a.dispatcher.Jobs().List(status))
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.dispatcher.Jobs().Get(mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, http.StatusNotFound, err)
		return
	}
	a.writeJSON(w, http.StatusOK, job)
}

func (a *API) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.dispatcher.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, a.statusFor(err), err)
		return
	}
	a.writeJSON(w, http.StatusOK, job)
}

func (a *API) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.dispatcher.Retry(mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, a.statusFor(err), err)
		return
	}
	a.writeJSON(w, http.StatusOK, job)
}

func (a *API) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.schedules.List())
}

func (a *API) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var s Schedule
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	created, err := a.schedules.Create(&s)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	s, err := a.schedules.Get(mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, http.StatusNotFound, err)
		return
	}
	a.writeJSON(w, http.StatusOK, s)
}

func (a *API) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var patch struct {
		Name     *string                `json:"name,omitempty"`
		Interval *string                `json:"interval,omitempty"`
		Cron     *string                `json:"cron,omitempty"`
		Timezone *string                `json:"timezone,omitempty"`
		Priority *int                   `json:"priority,omitempty"`
		Inputs   map[string]interface{} `json:"inputs,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	s, err := a.schedules.Update(mux.Vars(r)["id"], func(s *Schedule) {
		if patch.Name != nil {
			s.Name = *patch.Name
		}
		if patch.Interval != nil {
			s.Interval = *patch.Interval
		}
		if patch.Cron != nil {
			s.Cron = *patch.Cron
		}
		if patch.Timezone != nil {
			s.Timezone = *patch.Timezone
		}
		if patch.Priority != nil {
			s.Priority = *patch.Priority
		}
		if patch.Inputs != nil {
			s.Inputs = patch.Inputs
		}
	})
	if err != nil {
		a.writeError(w, http.StatusNotFound, err)
		return
	}
	a.writeJSON(w, http.StatusOK, s)
}

func (a *API) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := a.schedules.Delete(mux.Vars(r)["id"]); err != nil {
		a.writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleEnableSchedule(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := a.schedules.SetEnabled(mux.Vars(r)["id"], enabled)
		if err != nil {
			a.writeError(w, http.StatusNotFound, err)
			return
		}
		a.writeJSON(w, http.StatusOK, s)
	}
}

func (a *API) handleRunSchedule(w http.ResponseWriter, r *http.Request) {
	job, err := a.schedules.RunNow(mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, a.statusFor(err), err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, job)
}

// handleEventStream upgrades to a websocket and forwards bus events until
// the subscriber disconnects.
func (a *API) handleEventStream(w http.ResponseWriter, r *http.Request) {
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	events, cancel := a.bus.Subscribe()
	defer cancel()

	// Reader goroutine detects client close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(ev); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (a *API) statusFor(err error) int {
	var notFoundJob *ErrJobNotFound
	var notFoundRobot *ErrRobotNotFound
	var notFoundSchedule *ErrScheduleNotFound
	switch {
	case errors.As(err, &notFoundJob), errors.As(err, &notFoundRobot), errors.As(err, &notFoundSchedule):
		return http.StatusNotFound
	case errors.Is(err, ErrNoAvailableRobot):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Error("response encode failed", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	a.writeJSON(w, status, map[string]string{"error": err.Error()})
}
