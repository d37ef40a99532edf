package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/omerlefaruk/casare-rpa/internal/platform/logger"
	"github.com/omerlefaruk/casare-rpa/internal/platform/metrics"
)

// ScheduleType selects the firing rule.
type ScheduleType string

const (
	ScheduleOnce     ScheduleType = "once"
	ScheduleInterval ScheduleType = "interval"
	ScheduleCron     ScheduleType = "cron"
)

// Interval sugar accepted in place of an explicit duration.
const (
	IntervalHourly  = "hourly"
	IntervalDaily   = "daily"
	IntervalWeekly  = "weekly"
	IntervalMonthly = "monthly" // approximated as 30 days
)

// Schedule produces jobs over time.
type Schedule struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	WorkflowID string       `json:"workflow_id"`
	Type       ScheduleType `json:"type"`

	// Interval holds either a duration string or one of the sugar names.
	Interval string `json:"interval,omitempty"`
	// Cron is a 5-field expression, or 6-field with a leading seconds
	// field.
	Cron string `json:"cron,omitempty"`
	// Timezone is an IANA name; empty means UTC.
	Timezone string `json:"timezone,omitempty"`

	Enabled  bool                   `json:"enabled"`
	Inputs   map[string]interface{} `json:"inputs,omitempty"`
	Priority int                    `json:"priority"`

	// NextRun and LastRun are always UTC instants.
	NextRun time.Time `json:"next_run"`
	LastRun time.Time `json:"last_run,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (s *Schedule) clone() *Schedule {
	copied := *s
	return &copied
}

var (
	cronFiveField = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	cronSixField  = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
)

// parseCron accepts the 5-field grammar, or 6 fields when a seconds field
// is prepended.
func parseCron(expr string) (cron.Schedule, error) {
	fields := strings.Fields(expr)
	switch len(fields) {
	case 5:
		return cronFiveField.Parse(expr)
	case 6:
		return cronSixField.Parse(expr)
	default:
		return nil, fmt.Errorf("cron expression must have 5 or 6 fields, got %d", len(fields))
	}
}

// parseInterval resolves a duration string or sugar name.
func parseInterval(interval string) (time.Duration, error) {
	switch interval {
	case IntervalHourly:
		return time.Hour, nil
	case IntervalDaily:
		return 24 * time.Hour, nil
	case IntervalWeekly:
		return 7 * 24 * time.Hour, nil
	case IntervalMonthly:
		return 30 * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(interval)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", interval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive, got %s", d)
	}
	return d, nil
}

// NextFire computes the earliest fire time strictly after t, in UTC.
func (s *Schedule) NextFire(t time.Time) (time.Time, error) {
	switch s.Type {
	case ScheduleOnce:
		if s.NextRun.After(t) {
			return s.NextRun.UTC(), nil
		}
		return time.Time{}, nil

	case ScheduleInterval:
		d, err := parseInterval(s.Interval)
		if err != nil {
			return time.Time{}, err
		}
		anchor := s.NextRun
		if anchor.IsZero() {
			anchor = s.CreatedAt
		}
		if anchor.IsZero() {
			anchor = t
		}
		next := anchor
		for !next.After(t) {
			next = next.Add(d)
		}
		return next.UTC(), nil

	case ScheduleCron:
		spec, err := parseCron(s.Cron)
		if err != nil {
			return time.Time{}, err
		}
		loc := time.UTC
		if s.Timezone != "" {
			loc, err = time.LoadLocation(s.Timezone)
			if err != nil {
				return time.Time{}, fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
			}
		}
		return spec.Next(t.In(loc)).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unknown schedule type %q", s.Type)
}

// ErrScheduleNotFound reports a missing schedule id.
type ErrScheduleNotFound struct{ ScheduleID string }

func (e *ErrScheduleNotFound) Error() string {
	return fmt.Sprintf("schedule %s not found", e.ScheduleID)
}

// FireFunc turns a due schedule into a job. The manager never runs
// workflows itself.
type FireFunc func(*Schedule) (*Job, error)

// ScheduleManager stores schedules and fires them when due.
type ScheduleManager struct {
	mu        sync.RWMutex
	schedules map[string]*Schedule
	onFire    FireFunc
	log       logger.Logger
	metrics   *metrics.Metrics

	recheck chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewScheduleManager creates a manager. onFire is called once per fire on
// the manager goroutine.
func NewScheduleManager(onFire FireFunc, log logger.Logger) *ScheduleManager {
	if log == nil {
		log = logger.NewNop()
	}
	return &ScheduleManager{
		schedules: make(map[string]*Schedule),
		onFire:    onFire,
		log:       log,
		recheck:   make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

// WithMetrics wires the schedule fire counter.
func (m *ScheduleManager) WithMetrics(mx *metrics.Metrics) *ScheduleManager {
	m.metrics = mx
	return m
}

// Create validates and stores a schedule, computing its first fire time.
func (m *ScheduleManager) Create(s *Schedule) (*Schedule, error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}

	now := time.Now().UTC()
	switch s.Type {
	case ScheduleOnce:
		if s.NextRun.IsZero() {
			return nil, fmt.Errorf("once schedule needs next_run")
		}
	case ScheduleInterval, ScheduleCron:
		next, err := s.NextFire(now)
		if err != nil {
			return nil, err
		}
		s.NextRun = next
	default:
		return nil, fmt.Errorf("unknown schedule type %q", s.Type)
	}

	m.mu.Lock()
	m.schedules[s.ID] = s.clone()
	m.mu.Unlock()
	m.wake()
	return s.clone(), nil
}

// Update mutates a schedule under the lock and recomputes its next fire.
func (m *ScheduleManager) Update(scheduleID string, mutate func(*Schedule)) (*Schedule, error) {
	m.mu.Lock()
	s, ok := m.schedules[scheduleID]
	if !ok {
		m.mu.Unlock()
		return nil, &ErrScheduleNotFound{ScheduleID: scheduleID}
	}
	mutate(s)
	if s.Type != ScheduleOnce {
		if next, err := s.NextFire(time.Now().UTC()); err == nil {
			s.NextRun = next
		}
	}
	copied := s.clone()
	m.mu.Unlock()
	m.wake()
	return copied, nil
}

// Delete removes a schedule.
func (m *ScheduleManager) Delete(scheduleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[scheduleID]; !ok {
		return &ErrScheduleNotFound{ScheduleID: scheduleID}
	}
	delete(m.schedules, scheduleID)
	return nil
}

// Get returns a copy of a schedule.
func (m *ScheduleManager) Get(scheduleID string) (*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[scheduleID]
	if !ok {
		return nil, &ErrScheduleNotFound{ScheduleID: scheduleID}
	}
	return s.clone(), nil
}

// List returns every schedule in stable id order.
func (m *ScheduleManager) List() []*Schedule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetEnabled flips a schedule on or off.
func (m *ScheduleManager) SetEnabled(scheduleID string, enabled bool) (*Schedule, error) {
	return m.Update(scheduleID, func(s *Schedule) { s.Enabled = enabled })
}

// RunNow fires a schedule immediately without touching its next_run.
func (m *ScheduleManager) RunNow(scheduleID string) (*Job, error) {
	s, err := m.Get(scheduleID)
	if err != nil {
		return nil, err
	}
	return m.fire(s)
}

// Start runs the firing loop.
func (m *ScheduleManager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			wait := m.untilNext()
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
				m.fireDue()
			case <-m.recheck:
				timer.Stop()
			case <-m.stop:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
	}()
}

// Stop halts the loop and waits for it.
func (m *ScheduleManager) Stop() {
	close(m.stop)
	m.wg.Wait()
}

func (m *ScheduleManager) wake() {
	select {
	case m.recheck <- struct{}{}:
	default:
	}
}

// untilNext returns the sleep until the earliest enabled next_run, bounded
// to keep the loop responsive to clock drift.
func (m *ScheduleManager) untilNext() time.Duration {
	const maxSleep = time.Minute
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now().UTC()
	wait := maxSleep
	for _, s := range m.schedules {
		if !s.Enabled || s.NextRun.IsZero() {
			continue
		}
		if d := s.NextRun.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// fireDue fires every enabled schedule whose next_run has passed and
// advances it.
func (m *ScheduleManager) fireDue() {
	now := time.Now().UTC()

	m.mu.Lock()
	var due []*Schedule
	for _, s := range m.schedules {
		if !s.Enabled || s.NextRun.IsZero() || s.NextRun.After(now) {
			continue
		}
		due = append(due, s)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })

	for _, s := range due {
		s.LastRun = s.NextRun
		if s.Type == ScheduleOnce {
			s.Enabled = false
			s.NextRun = time.Time{}
		} else if next, err := s.NextFire(now); err == nil {
			s.NextRun = next
		} else {
			s.Enabled = false
			m.log.Error("schedule disabled after next-fire error", "schedule_id", s.ID, "error", err)
		}
	}
	copies := make([]*Schedule, len(due))
	for i, s := range due {
		copies[i] = s.clone()
	}
	m.mu.Unlock()

	for _, s := range copies {
		if _, err := m.fire(s); err != nil {
			m.log.Error("schedule fire failed", "schedule_id", s.ID, "error", err)
		}
	}
}

func (m *ScheduleManager) fire(s *Schedule) (*Job, error) {
	if m.onFire == nil {
		return nil, fmt.Errorf("no fire handler installed")
	}
	if m.metrics != nil {
		m.metrics.ScheduleFires.Inc()
	}
	m.log.Info("schedule fired", "schedule_id", s.ID, "schedule_name", s.Name, "workflow_id", s.WorkflowID)
	return m.onFire(s)
}
