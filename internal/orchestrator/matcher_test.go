package orchestrator

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func availableRobot(id string, maxJobs, activeJobs int, caps ...string) *Robot {
	current := make([]string, activeJobs)
	for i := range current {
		current[i] = fmt.Sprintf("%s-job-%d", id, i)
	}
	return &Robot{
		ID:                id,
		Name:              id,
		Status:            RobotOnline,
		MaxConcurrentJobs: maxJobs,
		CurrentJobIDs:     current,
		Capabilities:      caps,
	}
}

func TestSelectPicksLeastUtilized(t *testing.T) {
	m := NewMatcher()
	candidates := []*Robot{
		availableRobot("loaded", 4, 3),
		availableRobot("idle", 4, 0),
		availableRobot("half", 4, 2),
	}

	id, err := m.Select(candidates, nil, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "idle", id)
}

func TestSelectIDTiebreak(t *testing.T) {
	m := NewMatcher()
	candidates := []*Robot{
		availableRobot("bravo", 2, 1),
		availableRobot("alpha", 2, 1),
	}

	id, err := m.Select(candidates, nil, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "alpha", id)
}

func TestSelectFiltersUnavailable(t *testing.T) {
	m := NewMatcher()
	offline := availableRobot("offline", 2, 0)
	offline.Status = RobotOffline
	full := availableRobot("full", 1, 1)

	_, err := m.Select([]*Robot{offline, full}, nil, nil, nil, nil)
	assert.ErrorIs(t, err, ErrNoAvailableRobot)
}

func TestSelectFiltersErrorAndMaintenance(t *testing.T) {
	m := NewMatcher()
	broken := availableRobot("broken", 2, 0)
	broken.Status = RobotError
	parked := availableRobot("parked", 2, 0)
	parked.Status = RobotMaintenance
	healthy := availableRobot("healthy", 2, 1)

	id, err := m.Select([]*Robot{broken, parked, healthy}, nil, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "healthy", id)

	_, err = m.Select([]*Robot{broken, parked}, nil, nil, nil, nil)
	assert.ErrorIs(t, err, ErrNoAvailableRobot)
}

func TestSelectRequiredCapabilities(t *testing.T) {
	m := NewMatcher()
	candidates := []*Robot{
		availableRobot("plain", 4, 0),
		availableRobot("gpu-box", 4, 3, "gpu", "browser"),
	}

	id, err := m.Select(candidates, nil, nil, []string{"gpu"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "gpu-box", id)

	_, err = m.Select(candidates, nil, nil, []string{"gpu", "desktop"}, nil)
	assert.ErrorIs(t, err, ErrNoAvailableRobot)
}

func TestSelectExcludeSkipsRejectors(t *testing.T) {
	m := NewMatcher()
	candidates := []*Robot{
		availableRobot("alpha", 2, 0),
		availableRobot("bravo", 2, 0),
	}

	id, err := m.Select(candidates, nil, nil, nil, map[string]bool{"alpha": true})
	require.NoError(t, err)
	assert.Equal(t, "bravo", id)
}

func TestSelectSpecificRobotOverride(t *testing.T) {
	m := NewMatcher()
	candidates := []*Robot{
		availableRobot("idle", 4, 0),
		availableRobot("busy-ish", 4, 3),
	}

	// The override wins even against a less loaded robot.
	id, err := m.Select(candidates, nil, &Override{RobotID: "busy-ish"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "busy-ish", id)

	// A missing override target is an error, never a silent fallback.
	_, err = m.Select(candidates, nil, &Override{RobotID: "ghost"}, nil, nil)
	var notFound *ErrRobotNotFound
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "ghost", notFound.RobotID)

	// So is an override target that lacks the override capabilities.
	_, err = m.Select(candidates, nil, &Override{RobotID: "idle", Capabilities: []string{"gpu"}}, nil, nil)
	require.ErrorAs(t, err, &notFound)
}

func TestSelectOverrideCapabilityRestriction(t *testing.T) {
	m := NewMatcher()
	candidates := []*Robot{
		availableRobot("plain", 4, 0),
		availableRobot("secure-box", 4, 2, "secure"),
	}

	id, err := m.Select(candidates, nil, &Override{Capabilities: []string{"secure"}}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "secure-box", id)
}

func TestSelectAssignmentPrecedence(t *testing.T) {
	m := NewMatcher()
	candidates := []*Robot{
		availableRobot("alpha", 4, 0),
		availableRobot("bravo", 4, 0),
		availableRobot("charlie", 4, 0),
	}

	// Highest priority wins.
	id, err := m.Select(candidates, []Assignment{
		{RobotID: "bravo", Priority: 1},
		{RobotID: "charlie", Priority: 5},
	}, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "charlie", id)

	// is_default breaks priority ties.
	id, err = m.Select(candidates, []Assignment{
		{RobotID: "bravo", Priority: 3},
		{RobotID: "charlie", Priority: 3, IsDefault: true},
	}, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "charlie", id)

	// An assignment to an unavailable robot falls through to the next.
	id, err = m.Select(candidates, []Assignment{
		{RobotID: "ghost", Priority: 9},
		{RobotID: "bravo", Priority: 1},
	}, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "bravo", id)
}

func TestSelectIsDeterministic(t *testing.T) {
	m := NewMatcher()
	candidates := []*Robot{
		availableRobot("alpha", 4, 2),
		availableRobot("bravo", 4, 2),
		availableRobot("charlie", 4, 1),
	}

	first, err := m.Select(candidates, nil, nil, nil, nil)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := m.Select(candidates, nil, nil, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestScore(t *testing.T) {
	m := NewMatcher()

	idle := availableRobot("idle", 4, 0, "gpu")
	full := availableRobot("full", 1, 1)

	assert.Greater(t, m.Score(idle, false, nil), m.Score(full, false, nil))
	assert.Greater(t, m.Score(idle, true, nil), m.Score(idle, false, nil))
	assert.Greater(t, m.Score(idle, false, []string{"gpu"}), m.Score(idle, false, nil))
}
