package collab

import (
	"sync"
	"time"
)

type HistoryActionType string

const (
	HistoryActionAdd    HistoryActionType = "add"
	HistoryActionUpdate HistoryActionType = "update"
	HistoryActionDelete HistoryActionType = "delete"
	HistoryActionBatch  HistoryActionType = "batch"
)

// HistoryAction holds enough before/after state to invert the action.
type HistoryAction struct {
	Type HistoryActionType
	Time time.Time

	ShapeId string
	// add/delete: the full shape at the time of the action
	Shape *Shape
	// update: the changed fields and their prior values
	Before *ShapeFields
	After  *ShapeFields
	// batch: the contained actions, in apply order
	Actions []*HistoryAction
}

type HistorySettings struct {
	// per stack. push evicts the oldest undo entry past capacity
	Capacity int
}

func DefaultHistorySettings() *HistorySettings {
	return &HistorySettings{
		Capacity: 100,
	}
}

// HistoryManager keeps two bounded LIFO stacks (undo, redo) over shape
// mutations. Push is the only operation that may discard data: eviction at
// capacity, and clearing redo on a new action. The stacks are disjoint at
// all times.
type HistoryManager struct {
	settings *HistorySettings

	stateLock sync.Mutex
	undo      []*HistoryAction
	redo      []*HistoryAction
}

func NewHistoryManager(settings *HistorySettings) *HistoryManager {
	return &HistoryManager{
		settings: settings,
	}
}

// Push records a new action. Any redoable actions are discarded: a new edit
// forks the timeline.
func (self *HistoryManager) Push(action *HistoryAction) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.undo = append(self.undo, action)
	if self.settings.Capacity < len(self.undo) {
		self.undo = self.undo[len(self.undo)-self.settings.Capacity:]
	}
	self.redo = nil
}

// PopUndo removes the most recent undoable action, moves it to the redo
// stack, and returns it. Returns nil if there is nothing to undo.
func (self *HistoryManager) PopUndo() *HistoryAction {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.undo) == 0 {
		return nil
	}
	action := self.undo[len(self.undo)-1]
	self.undo = self.undo[:len(self.undo)-1]
	self.redo = append(self.redo, action)
	if self.settings.Capacity < len(self.redo) {
		self.redo = self.redo[len(self.redo)-self.settings.Capacity:]
	}
	return action
}

// PopRedo removes the most recent redoable action, moves it back to the undo
// stack, and returns it. Returns nil if there is nothing to redo.
func (self *HistoryManager) PopRedo() *HistoryAction {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.redo) == 0 {
		return nil
	}
	action := self.redo[len(self.redo)-1]
	self.redo = self.redo[:len(self.redo)-1]
	self.undo = append(self.undo, action)
	return action
}

func (self *HistoryManager) Clear() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.undo = nil
	self.redo = nil
}

// RemapId rewrites every entry in both stacks that references oldId to
// reference newId. Without this, undoing a creation after the authoritative
// id swap would silently no-op.
func (self *HistoryManager) RemapId(oldId string, newId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, action := range self.undo {
		remapAction(action, oldId, newId)
	}
	for _, action := range self.redo {
		remapAction(action, oldId, newId)
	}
}

func remapAction(action *HistoryAction, oldId string, newId string) {
	if action.ShapeId == oldId {
		action.ShapeId = newId
	}
	if action.Shape != nil && action.Shape.Id == oldId {
		action.Shape.Id = newId
	}
	for _, contained := range action.Actions {
		remapAction(contained, oldId, newId)
	}
}

func (self *HistoryManager) UndoSize() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.undo)
}

func (self *HistoryManager) RedoSize() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.redo)
}
