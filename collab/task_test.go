package collab

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestScheduledTaskFiresOnce(t *testing.T) {
	task := NewScheduledTask()
	var fired atomic.Int32

	task.Arm(20*time.Millisecond, func() {
		fired.Add(1)
	})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, false, task.Armed())
}

func TestScheduledTaskRearmPostpones(t *testing.T) {
	task := NewScheduledTask()
	var fired atomic.Int32

	task.Arm(50*time.Millisecond, func() {
		fired.Add(1)
	})
	time.Sleep(20 * time.Millisecond)
	// re-arming cancels the earlier run; the task never fires twice
	task.Arm(50*time.Millisecond, func() {
		fired.Add(1)
	})
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestScheduledTaskCancel(t *testing.T) {
	task := NewScheduledTask()
	var fired atomic.Int32

	task.Arm(20*time.Millisecond, func() {
		fired.Add(1)
	})
	task.Cancel()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestScheduledTaskArmIdle(t *testing.T) {
	task := NewScheduledTask()
	var fired atomic.Int32

	assert.Equal(t, true, task.ArmIdle(50*time.Millisecond, func() {
		fired.Add(1)
	}))
	// already armed: the pending run is kept, not postponed
	assert.Equal(t, false, task.ArmIdle(10*time.Second, func() {
		fired.Add(100)
	}))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}
