package collab

import (
	"sync"

	"github.com/golang/glog"
)

// makes a copy of the list on update,
// so that iteration never holds the lock
type CallbackList[T any] struct {
	mutex     sync.Mutex
	nextId    int
	ids       []int
	callbacks map[int]T
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.ids))
	for _, id := range self.ids {
		callbacks = append(callbacks, self.callbacks[id])
	}
	return callbacks
}

// returns a function to remove the callback
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.callbacks == nil {
		self.callbacks = map[int]T{}
	}
	callbackId := self.nextId
	self.nextId += 1
	self.ids = append(self.ids, callbackId)
	self.callbacks[callbackId] = callback

	return func() {
		self.remove(callbackId)
	}
}

func (self *CallbackList[T]) remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for i, id := range self.ids {
		if id == callbackId {
			self.ids = append(self.ids[:i], self.ids[i+1:]...)
			break
		}
	}
	delete(self.callbacks, callbackId)
}

// all callbacks are wrapped to recover from errors
func HandleCallbackError() {
	if r := recover(); r != nil {
		glog.Errorf("recovered callback panic: %v", r)
	}
}

// Monitor notifies waiters of state changes by closing and replacing
// the notify channel
type Monitor struct {
	mutex  sync.Mutex
	update chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() <-chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.update
}

func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	close(self.update)
	self.update = make(chan struct{})
}
