package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
)

var ErrShapeLocked = errors.New("shape is locked by another user")
var ErrShapeNotFound = errors.New("shape not found")

type SessionSettings struct {
	Store     *StoreSettings
	Coalescer *CoalescerSettings
	History   *HistorySettings
	Presence  *PresenceSettings
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		Store:     DefaultStoreSettings(),
		Coalescer: DefaultCoalescerSettings(),
		History:   DefaultHistorySettings(),
		Presence:  DefaultPresenceSettings(),
	}
}

// Session owns the synchronization state for one connected user on one
// canvas: the optimistic store, the write coalescer, the undo/redo history,
// the advisory locks, and the presence broadcaster. Lifecycle is tied to the
// session, not process start; construct with NewSession and end with Close.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	user *SessionUser

	documentStore DocumentStore
	realtimeStore RealtimeStore

	store     *OptimisticStore
	coalescer *WriteCoalescer
	history   *HistoryManager
	locks     *LockManager
	presence  *PresenceBroadcaster

	unsubDocuments func()
	unsubCommits   func()
}

func NewSession(
	ctx context.Context,
	user *SessionUser,
	documentStore DocumentStore,
	realtimeStore RealtimeStore,
	settings *SessionSettings,
) (*Session, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	store := NewOptimisticStore(settings.Store)
	coalescer := NewWriteCoalescer(cancelCtx, documentStore, settings.Coalescer)
	history := NewHistoryManager(settings.History)
	locks := NewLockManager(store, coalescer, user)
	presence := NewPresenceBroadcaster(cancelCtx, user, realtimeStore, settings.Presence)

	session := &Session{
		ctx:           cancelCtx,
		cancel:        cancel,
		user:          user,
		documentStore: documentStore,
		realtimeStore: realtimeStore,
		store:         store,
		coalescer:     coalescer,
		history:       history,
		locks:         locks,
		presence:      presence,
	}

	session.unsubCommits = coalescer.AddCommitCallback(session.handleCommit)

	unsubDocuments, err := documentStore.Subscribe(cancelCtx, store.Reconcile, session.handleSnapshotError)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("document subscribe: %w", err)
	}
	session.unsubDocuments = unsubDocuments

	if err := presence.Start(); err != nil {
		// presence is a degraded feature, never fatal to the session
		glog.Infof("[session]%s continuing without presence: %v", user.UserId, err)
	}

	return session, nil
}

func (self *Session) User() *SessionUser {
	return self.user
}

// CreateShape inserts a new shape under a temporary local id with zero
// network round-trip. The id is remapped once the authoritative commit
// assigns the permanent one.
func (self *Session) CreateShape(shapeType ShapeType, x float64, y float64, width float64, height float64, fill string) (string, error) {
	now := time.Now()
	shape := &Shape{
		Id:             NewTempShapeId(),
		Type:           shapeType,
		X:              x,
		Y:              y,
		Width:          width,
		Height:         height,
		Fill:           fill,
		CreatedBy:      self.user.UserId,
		CreatedAt:      now,
		LastModifiedBy: self.user.UserId,
		LastModifiedAt: now,
	}
	if err := shape.Validate(); err != nil {
		return "", err
	}

	self.store.Insert(shape)
	self.history.Push(&HistoryAction{
		Type:    HistoryActionAdd,
		Time:    now,
		ShapeId: shape.Id,
		Shape:   shape.Copy(),
	})
	self.coalescer.Enqueue(&DocumentOp{
		Kind:    DocumentOpCreate,
		ShapeId: shape.Id,
		Shape:   shape.Copy(),
	})
	return shape.Id, nil
}

// UpdateShape applies a partial edit. The edit is gated on the advisory
// lock: a shape locked by another user rejects the mutation.
func (self *Session) UpdateShape(shapeId string, fields *ShapeFields) error {
	shape := self.store.Get(shapeId)
	if shape == nil {
		return ErrShapeNotFound
	}
	if !self.locks.CanMutate(shapeId) {
		return ErrShapeLocked
	}

	stamped := self.stamp(fields)
	before := FieldsFromShape(shape, stamped)
	if !self.store.ApplyLocal(shapeId, stamped) {
		return ErrShapeNotFound
	}
	self.history.Push(&HistoryAction{
		Type:    HistoryActionUpdate,
		Time:    time.Now(),
		ShapeId: shapeId,
		Before:  before,
		After:   stamped.Copy(),
	})
	self.coalescer.Enqueue(&DocumentOp{
		Kind:    DocumentOpUpdate,
		ShapeId: shapeId,
		Fields:  stamped.Copy(),
	})
	return nil
}

// UpdateShapes applies edits to many shapes in one state transition, one
// history entry, and one set of queued writes.
func (self *Session) UpdateShapes(edits []*LocalEdit) error {
	actions := []*HistoryAction{}
	ops := []*DocumentOp{}
	stampedEdits := []*LocalEdit{}
	now := time.Now()
	for _, edit := range edits {
		shape := self.store.Get(edit.ShapeId)
		if shape == nil {
			return fmt.Errorf("%w: %s", ErrShapeNotFound, edit.ShapeId)
		}
		if !self.locks.CanMutate(edit.ShapeId) {
			return fmt.Errorf("%w: %s", ErrShapeLocked, edit.ShapeId)
		}
		stamped := self.stamp(edit.Fields)
		actions = append(actions, &HistoryAction{
			Type:    HistoryActionUpdate,
			Time:    now,
			ShapeId: edit.ShapeId,
			Before:  FieldsFromShape(shape, stamped),
			After:   stamped.Copy(),
		})
		ops = append(ops, &DocumentOp{
			Kind:    DocumentOpUpdate,
			ShapeId: edit.ShapeId,
			Fields:  stamped.Copy(),
		})
		stampedEdits = append(stampedEdits, &LocalEdit{
			ShapeId: edit.ShapeId,
			Fields:  stamped,
		})
	}

	self.store.ApplyBatchLocal(stampedEdits)
	self.history.Push(&HistoryAction{
		Type:    HistoryActionBatch,
		Time:    now,
		Actions: actions,
	})
	for _, op := range ops {
		self.coalescer.Enqueue(op)
	}
	return nil
}

// DeleteShape removes the shape locally and queues the authoritative delete.
func (self *Session) DeleteShape(shapeId string) error {
	shape := self.store.Get(shapeId)
	if shape == nil {
		return ErrShapeNotFound
	}
	if !self.locks.CanMutate(shapeId) {
		return ErrShapeLocked
	}

	self.store.Remove(shapeId)
	self.history.Push(&HistoryAction{
		Type:    HistoryActionDelete,
		Time:    time.Now(),
		ShapeId: shapeId,
		Shape:   shape,
	})
	self.coalescer.Enqueue(&DocumentOp{
		Kind:    DocumentOpDelete,
		ShapeId: shapeId,
	})
	return nil
}

func (self *Session) stamp(fields *ShapeFields) *ShapeFields {
	stamped := fields.Copy()
	stamped.LastModifiedBy = Ptr(self.user.UserId)
	stamped.LastModifiedAt = Ptr(time.Now())
	return stamped
}

// SelectShape acquires the advisory lock and announces the editing target
// to peers. Returns false when another user holds the shape.
func (self *Session) SelectShape(shapeId string) bool {
	if !self.locks.Acquire(shapeId) {
		return false
	}
	self.presence.SetEditing(shapeId)
	return true
}

func (self *Session) DeselectShape(shapeId string) {
	self.locks.Release(shapeId)
	if self.presence.Editing() == shapeId {
		self.presence.SetEditing("")
	}
}

// Undo inverts the most recent action. Returns false when there is nothing
// to undo.
func (self *Session) Undo() bool {
	action := self.history.PopUndo()
	if action == nil {
		return false
	}
	self.applyInverse(action)
	return true
}

// Redo reapplies the most recently undone action.
func (self *Session) Redo() bool {
	action := self.history.PopRedo()
	if action == nil {
		return false
	}
	self.applyForward(action)
	return true
}

func (self *Session) applyInverse(action *HistoryAction) {
	switch action.Type {
	case HistoryActionAdd:
		self.store.Remove(action.ShapeId)
		self.coalescer.Enqueue(&DocumentOp{
			Kind:    DocumentOpDelete,
			ShapeId: action.ShapeId,
		})
	case HistoryActionUpdate:
		if self.store.ApplyLocal(action.ShapeId, action.Before.Copy()) {
			self.coalescer.Enqueue(&DocumentOp{
				Kind:    DocumentOpUpdate,
				ShapeId: action.ShapeId,
				Fields:  action.Before.Copy(),
			})
		}
	case HistoryActionDelete:
		self.store.Insert(action.Shape.Copy())
		self.coalescer.Enqueue(&DocumentOp{
			Kind:    DocumentOpCreate,
			ShapeId: action.Shape.Id,
			Shape:   action.Shape.Copy(),
		})
	case HistoryActionBatch:
		for i := len(action.Actions) - 1; 0 <= i; i -= 1 {
			self.applyInverse(action.Actions[i])
		}
	}
}

func (self *Session) applyForward(action *HistoryAction) {
	switch action.Type {
	case HistoryActionAdd:
		self.store.Insert(action.Shape.Copy())
		self.coalescer.Enqueue(&DocumentOp{
			Kind:    DocumentOpCreate,
			ShapeId: action.Shape.Id,
			Shape:   action.Shape.Copy(),
		})
	case HistoryActionUpdate:
		if self.store.ApplyLocal(action.ShapeId, action.After.Copy()) {
			self.coalescer.Enqueue(&DocumentOp{
				Kind:    DocumentOpUpdate,
				ShapeId: action.ShapeId,
				Fields:  action.After.Copy(),
			})
		}
	case HistoryActionDelete:
		self.store.Remove(action.ShapeId)
		self.coalescer.Enqueue(&DocumentOp{
			Kind:    DocumentOpDelete,
			ShapeId: action.ShapeId,
		})
	case HistoryActionBatch:
		for _, contained := range action.Actions {
			self.applyForward(contained)
		}
	}
}

// handleCommit applies the temp id -> permanent id remap across every part
// of the session that can hold a reference: the store, both history stacks,
// queued writes, held locks, and the announced editing target.
func (self *Session) handleCommit(result *CommitResult, err error) {
	if err != nil {
		// queue is intact; the next enqueue or FlushNow retries
		glog.Infof("[session]%s commit failed, %d ops still queued: %v", self.user.UserId, self.coalescer.QueueSize(), err)
		return
	}
	for oldId, newId := range result.Assigned {
		self.store.RemapId(oldId, newId)
		self.history.RemapId(oldId, newId)
		self.coalescer.RemapId(oldId, newId)
		self.locks.RemapId(oldId, newId)
		if self.presence.Editing() == oldId {
			self.presence.SetEditing(newId)
		}
		glog.V(2).Infof("[session]%s remapped %s -> %s", self.user.UserId, oldId, newId)
	}
}

func (self *Session) handleSnapshotError(err error) {
	// degraded sync freshness; the subscription retries upstream
	glog.Infof("[session]%s snapshot error: %v", self.user.UserId, err)
}

// CursorMoved feeds a pointer sample to the presence throttle.
func (self *Session) CursorMoved(x float64, y float64) {
	self.presence.CursorMoved(x, y)
}

// Shapes is the reconciled read-only projection for the rendering layer.
func (self *Session) Shapes() []*Shape {
	return self.store.Shapes()
}

func (self *Session) Shape(shapeId string) *Shape {
	return self.store.Get(shapeId)
}

// ChangeMonitor notifies whenever the projection changes.
func (self *Session) ChangeMonitor() *Monitor {
	return self.store.Monitor()
}

// Peers is the current peer-presence map.
func (self *Session) Peers() map[string]*PresenceRecord {
	return self.presence.Peers()
}

func (self *Session) AddPeerCallback(peerCallback PresenceMapFunction) func() {
	return self.presence.AddPeerCallback(peerCallback)
}

// ClearStaleLocks is the administrative recovery for locks whose holders
// disconnected without releasing.
func (self *Session) ClearStaleLocks() int {
	return self.locks.ClearStaleLocks()
}

// Flush forces every queued write to commit before returning.
func (self *Session) Flush(ctx context.Context) error {
	return self.coalescer.FlushNow(ctx)
}

// Close ends the session gracefully: release held locks, push every queued
// write, remove the presence record, and stop the subscriptions.
func (self *Session) Close() error {
	self.locks.ReleaseAll()

	var errs []error
	if err := self.coalescer.FlushNow(self.ctx); err != nil {
		errs = append(errs, err)
	}
	self.coalescer.Close()

	if err := self.presence.Stop(); err != nil {
		errs = append(errs, err)
	}

	if self.unsubDocuments != nil {
		self.unsubDocuments()
	}
	if self.unsubCommits != nil {
		self.unsubCommits()
	}
	self.cancel()
	return errors.Join(errs...)
}
