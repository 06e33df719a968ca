package scheduler

import (
	"testing"
	"time"

	"github.com/forgerun/forgerun/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestTimerWheelFiresAfterTicks(t *testing.T) {
	w := NewTimerWheel(time.Millisecond, 10)
	id := types.JobID{Client: 1, Job: 1}

	w.Schedule(id, 3*time.Millisecond)

	assert.Empty(t, w.Advance())
	assert.Empty(t, w.Advance())
	assert.Equal(t, []types.JobID{id}, w.Advance())
}

func TestTimerWheelCancel(t *testing.T) {
	w := NewTimerWheel(time.Millisecond, 10)
	id := types.JobID{Client: 1, Job: 1}

	w.Schedule(id, 2*time.Millisecond)
	w.Cancel(id)

	assert.Empty(t, w.Advance())
	assert.Empty(t, w.Advance())
	assert.Empty(t, w.Advance())
}

func TestTimerWheelMultipleRevolutions(t *testing.T) {
	w := NewTimerWheel(time.Millisecond, 4)
	id := types.JobID{Client: 1, Job: 1}

	// 10 ticks over a wheel of size 4: two full revolutions (8 ticks) plus 2.
	w.Schedule(id, 10*time.Millisecond)

	for i := 0; i < 9; i++ {
		assert.Empty(t, w.Advance(), "tick %d should not fire yet", i)
	}
	assert.Equal(t, []types.JobID{id}, w.Advance())
}

func TestTimerWheelIndependentJobsFireOnOwnSchedule(t *testing.T) {
	w := NewTimerWheel(time.Millisecond, 10)
	fast := types.JobID{Client: 1, Job: 1}
	slow := types.JobID{Client: 1, Job: 2}

	w.Schedule(fast, time.Millisecond)
	w.Schedule(slow, 3*time.Millisecond)

	assert.Equal(t, []types.JobID{fast}, w.Advance())
	assert.Empty(t, w.Advance())
	assert.Equal(t, []types.JobID{slow}, w.Advance())
}
