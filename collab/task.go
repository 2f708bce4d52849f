package collab

import (
	"sync"
	"time"
)

// ScheduledTask is a single cancellable, re-armable timer.
// Arm cancels any pending run and schedules a new one, so a task can never
// fire twice for the same arming. This one abstraction backs the presence
// throttle/idle timers and the coalescer debounce.
type ScheduledTask struct {
	mutex      sync.Mutex
	generation int
	timer      *time.Timer
}

func NewScheduledTask() *ScheduledTask {
	return &ScheduledTask{}
}

func (self *ScheduledTask) Arm(timeout time.Duration, run func()) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.generation += 1
	generation := self.generation
	if self.timer != nil {
		self.timer.Stop()
	}
	self.timer = time.AfterFunc(timeout, func() {
		if !self.fired(generation) {
			// re-armed or cancelled after this run was scheduled
			return
		}
		run()
	})
}

// arms only if not already armed. returns whether the task was armed.
func (self *ScheduledTask) ArmIdle(timeout time.Duration, run func()) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.timer != nil {
		return false
	}
	self.generation += 1
	generation := self.generation
	self.timer = time.AfterFunc(timeout, func() {
		if !self.fired(generation) {
			return
		}
		run()
	})
	return true
}

func (self *ScheduledTask) fired(generation int) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.generation != generation {
		return false
	}
	self.timer = nil
	return true
}

func (self *ScheduledTask) Cancel() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.generation += 1
	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
}

func (self *ScheduledTask) Armed() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.timer != nil
}
