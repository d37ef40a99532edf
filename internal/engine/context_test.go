package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextVariables(t *testing.T) {
	run := NewContext()

	assert.False(t, run.HasVariable("x"))
	assert.Equal(t, "fallback", run.GetVariable("x", "fallback"))

	run.SetVariable("x", int64(10))
	assert.True(t, run.HasVariable("x"))
	assert.Equal(t, int64(10), run.GetVariable("x", nil))

	snapshot := run.Variables()
	snapshot["x"] = "mutated"
	assert.Equal(t, int64(10), run.GetVariable("x", nil))
}

func TestContextOutputs(t *testing.T) {
	run := NewContext()
	run.SetOutputs("node-1", map[string]interface{}{"value": 42})

	v, ok := run.Output("node-1", "value")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	_, ok = run.Output("node-1", "missing")
	assert.False(t, ok)
	_, ok = run.Output("ghost", "value")
	assert.False(t, ok)
}

func TestContextErrorLog(t *testing.T) {
	run := NewContext()
	run.AppendError("n1", "boom", FailRuntime)
	run.AppendError("n2", "later", FailTimeout)

	errs := run.Errors()
	require.Len(t, errs, 2)
	assert.Equal(t, "n1", errs[0].NodeID)
	assert.Equal(t, FailRuntime, errs[0].Kind)
	assert.Equal(t, "n2", errs[1].NodeID)
}

func TestPauseSignal(t *testing.T) {
	run := NewContext()
	require.NoError(t, run.WaitIfPaused(context.Background()))

	run.Pause().Clear()
	assert.False(t, run.Pause().IsSet())

	released := make(chan error, 1)
	go func() { released <- run.WaitIfPaused(context.Background()) }()

	select {
	case <-released:
		t.Fatal("WaitIfPaused returned while paused")
	case <-time.After(20 * time.Millisecond):
	}

	run.Pause().Set()
	select {
	case err := <-released:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitIfPaused did not release after resume")
	}
}

func TestPauseWaitObservesCancel(t *testing.T) {
	run := NewContext()
	run.Pause().Clear()

	released := make(chan error, 1)
	go func() { released <- run.WaitIfPaused(context.Background()) }()

	run.Cancel().Raise()
	select {
	case err := <-released:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitIfPaused did not release after cancel")
	}
}

func TestCancelSignalIdempotent(t *testing.T) {
	run := NewContext()
	assert.False(t, run.Cancel().Raised())
	run.Cancel().Raise()
	run.Cancel().Raise()
	assert.True(t, run.Cancel().Raised())
}

func TestCloneForBranchIsolation(t *testing.T) {
	parent := NewContext()
	parent.SetVariable("shared", "before")
	parent.SetResource("conn", "handle")
	parent.SetOutputs("done", map[string]interface{}{"v": 1})

	clone := parent.CloneForBranch("left")

	// Clone sees the parent state plus its branch label.
	assert.Equal(t, "before", clone.GetVariable("shared", nil))
	assert.Equal(t, "left", clone.GetVariable(SystemVarPrefix+"branch", nil))
	_, ok := clone.Output("done", "v")
	assert.True(t, ok)

	// Writes in the clone never propagate back.
	clone.SetVariable("shared", "after")
	clone.SetVariable("own", true)
	assert.Equal(t, "before", parent.GetVariable("shared", nil))
	assert.False(t, parent.HasVariable("own"))

	// Resources are shared by reference.
	clone.SetResource("late", 1)
	_, ok = parent.Resource("late")
	assert.True(t, ok)

	// Signals are shared.
	parent.Cancel().Raise()
	assert.True(t, clone.Cancel().Raised())
}

func TestMergeBranchOutputs(t *testing.T) {
	parent := NewContext()
	parent.SetOutputs("a", map[string]interface{}{"v": "parent"})

	left := parent.CloneForBranch("left")
	left.SetOutputs("b", map[string]interface{}{"v": "left"})
	left.AppendError("b", "branch error", FailRuntime)
	left.SetVariable("leak", true)

	right := parent.CloneForBranch("right")
	right.SetOutputs("c", map[string]interface{}{"v": "right"})
	// First writer wins on overlapping nodes.
	right.SetOutputs("b", map[string]interface{}{"v": "right"})

	parent.MergeBranchOutputs(left)
	parent.MergeBranchOutputs(right)

	v, _ := parent.Output("b", "v")
	assert.Equal(t, "left", v)
	v, _ = parent.Output("c", "v")
	assert.Equal(t, "right", v)
	assert.False(t, parent.HasVariable("leak"))
	assert.Len(t, parent.Errors(), 1)
}

func TestLoopStateLifecycle(t *testing.T) {
	run := NewContext()

	state := run.LoopState("loop-1")
	state.Iteration = 3
	assert.Same(t, state, run.LoopState("loop-1"))
	assert.NotSame(t, state, run.LoopState("loop-2"))

	// Loop state never appears in the variable namespace.
	assert.Empty(t, run.Variables())

	run.ClearLoopState("loop-1")
	assert.Equal(t, 0, run.LoopState("loop-1").Iteration)
}

func TestContextConcurrentAccess(t *testing.T) {
	run := NewContext()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				run.SetVariable("k", n)
				run.GetVariable("k", nil)
				run.Variables()
			}
		}(i)
	}
	wg.Wait()
}
