package orchestrator

import (
	"errors"
	"sort"
)

// ErrNoAvailableRobot is returned when no robot satisfies a job's
// requirements.
var ErrNoAvailableRobot = errors.New("no available robot")

// Override constrains node- or job-level robot selection: a specific robot,
// or a capability restriction.
type Override struct {
	RobotID      string   `json:"robot_id,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Assignment is a workflow-level robot binding.
type Assignment struct {
	RobotID   string `json:"robot_id"`
	Priority  int    `json:"priority"`
	IsDefault bool   `json:"is_default"`
}

// Matcher selects a robot for a job. It is stateless; every call is a pure
// function of its arguments, so repeated calls with equal inputs choose the
// same robot.
type Matcher struct{}

// NewMatcher creates a matcher.
func NewMatcher() *Matcher { return &Matcher{} }

// Select picks a robot id. Order of precedence: a specific-robot override,
// an override capability restriction, workflow assignments, then
// auto-selection by ascending utilization with stable id tiebreak. exclude
// holds robots that already rejected this job.
func (m *Matcher) Select(candidates []*Robot, assignments []Assignment, override *Override, requiredCaps []string, exclude map[string]bool) (string, error) {
	available := make([]*Robot, 0, len(candidates))
	for _, robot := range candidates {
		if !robot.Status.Assignable() || !robot.HasCapacity() {
			continue
		}
		if exclude[robot.ID] {
			continue
		}
		if !robot.HasCapabilities(requiredCaps) {
			continue
		}
		available = append(available, robot)
	}

	if override != nil {
		if override.RobotID != "" {
			for _, robot := range available {
				if robot.ID == override.RobotID && robot.HasCapabilities(override.Capabilities) {
					return robot.ID, nil
				}
			}
			return "", &ErrRobotNotFound{RobotID: override.RobotID}
		}
		if len(override.Capabilities) > 0 {
			restricted := available[:0:0]
			for _, robot := range available {
				if robot.HasCapabilities(override.Capabilities) {
					restricted = append(restricted, robot)
				}
			}
			available = restricted
		}
	}

	if len(available) == 0 {
		return "", ErrNoAvailableRobot
	}

	if id := m.matchAssignment(available, assignments); id != "" {
		return id, nil
	}

	sort.SliceStable(available, func(i, j int) bool {
		ui, uj := available[i].Utilization(), available[j].Utilization()
		if ui != uj {
			return ui < uj
		}
		return available[i].ID < available[j].ID
	})
	return available[0].ID, nil
}

// matchAssignment honors workflow-level assignments: highest priority
// first, is_default preferred among equals.
func (m *Matcher) matchAssignment(available []*Robot, assignments []Assignment) string {
	if len(assignments) == 0 {
		return ""
	}
	sorted := append([]Assignment(nil), assignments...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].IsDefault && !sorted[j].IsDefault
	})
	for _, assignment := range sorted {
		for _, robot := range available {
			if robot.ID == assignment.RobotID {
				return robot.ID
			}
		}
	}
	return ""
}

// Score is a diagnostic ranking value; it does not drive selection.
func (m *Matcher) Score(robot *Robot, assigned bool, requiredCaps []string) float64 {
	const (
		availabilityBase  = 10.0
		assignmentBonus   = 5.0
		capabilityBonus   = 2.0
		utilizationWeight = 10.0
	)
	score := 0.0
	if robot.Status.Assignable() && robot.HasCapacity() {
		score += availabilityBase
	}
	if assigned {
		score += assignmentBonus
	}
	if len(requiredCaps) > 0 && robot.HasCapabilities(requiredCaps) {
		score += capabilityBonus
	}
	score += (1 - robot.Utilization()) * utilizationWeight
	return score
}
