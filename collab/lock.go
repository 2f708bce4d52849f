package collab

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

/*
Advisory shape locking.

The lock fields live on each shape and are written through the normal
optimistic edit path, so locking is best-effort: two users racing for the
same shape may both believe they hold it until the authoritative snapshot
exposes the actual winner (last write wins at the backend). This is a
liveness optimization for the editing experience, not a safety property.

A lock acquisition that fails to commit self-heals: the optimistic edit
expires with the protection window and the shape reads unlocked again.
*/

type LockManager struct {
	store     *OptimisticStore
	coalescer *WriteCoalescer
	user      *SessionUser

	stateLock sync.Mutex
	// shape ids this session believes it holds
	held map[string]bool
}

func NewLockManager(store *OptimisticStore, coalescer *WriteCoalescer, user *SessionUser) *LockManager {
	return &LockManager{
		store:     store,
		coalescer: coalescer,
		user:      user,
		held:      map[string]bool{},
	}
}

// Acquire locks the shape for this session if it is unlocked in the
// last-known state. Re-acquiring a lock already held by this user succeeds.
func (self *LockManager) Acquire(shapeId string) bool {
	shape := self.store.Get(shapeId)
	if shape == nil {
		return false
	}
	if shape.IsLocked && shape.LockedBy != self.user.UserId {
		return false
	}

	fields := &ShapeFields{
		IsLocked:      Ptr(true),
		LockedBy:      Ptr(self.user.UserId),
		LockedByName:  Ptr(self.user.DisplayName),
		LockedByColor: Ptr(self.user.Color),
	}
	if !self.store.ApplyLocal(shapeId, fields) {
		return false
	}
	self.coalescer.Enqueue(&DocumentOp{
		Kind:    DocumentOpUpdate,
		ShapeId: shapeId,
		Fields:  fields,
	})

	self.stateLock.Lock()
	self.held[shapeId] = true
	self.stateLock.Unlock()

	glog.V(2).Infof("[lock]%s acquired by %s", shapeId, self.user.UserId)
	return true
}

// Release unlocks the shape if this session holds it.
func (self *LockManager) Release(shapeId string) bool {
	shape := self.store.Get(shapeId)
	if shape == nil || shape.LockedBy != self.user.UserId {
		return false
	}
	self.release(shapeId)
	return true
}

func (self *LockManager) release(shapeId string) {
	fields := unlockFields()
	if self.store.ApplyLocal(shapeId, fields) {
		self.coalescer.Enqueue(&DocumentOp{
			Kind:    DocumentOpUpdate,
			ShapeId: shapeId,
			Fields:  fields,
		})
	}

	self.stateLock.Lock()
	delete(self.held, shapeId)
	self.stateLock.Unlock()

	glog.V(2).Infof("[lock]%s released by %s", shapeId, self.user.UserId)
}

// ReleaseAll releases every lock this session holds. Called on graceful
// session close.
func (self *LockManager) ReleaseAll() {
	self.stateLock.Lock()
	held := make([]string, 0, len(self.held))
	for shapeId := range self.held {
		held = append(held, shapeId)
	}
	self.stateLock.Unlock()

	for _, shapeId := range held {
		self.release(shapeId)
	}
}

// Holder returns the user id holding the shape, or empty.
func (self *LockManager) Holder(shapeId string) string {
	shape := self.store.Get(shapeId)
	if shape == nil {
		return ""
	}
	return shape.LockedBy
}

func (self *LockManager) HeldByMe(shapeId string) bool {
	return self.Holder(shapeId) == self.user.UserId
}

// CanMutate reports whether this user may mutate the shape: the shape is
// unlocked or this user holds the lock.
func (self *LockManager) CanMutate(shapeId string) bool {
	holder := self.Holder(shapeId)
	return holder == "" || holder == self.user.UserId
}

// ClearStaleLocks scans all shapes and clears every held lock, for recovery
// after a holder disconnected without releasing. Shapes already unlocked are
// left untouched and not counted. This is an administrative override: it
// mutates shapes regardless of holder.
func (self *LockManager) ClearStaleLocks() int {
	cleared := 0
	for _, shape := range self.store.Shapes() {
		if !shape.IsLocked {
			continue
		}
		fields := unlockFields()
		if self.store.ApplyLocal(shape.Id, fields) {
			self.coalescer.Enqueue(&DocumentOp{
				Kind:    DocumentOpUpdate,
				ShapeId: shape.Id,
				Fields:  fields,
			})
			cleared += 1
		}
	}

	self.stateLock.Lock()
	self.held = map[string]bool{}
	self.stateLock.Unlock()

	glog.Infof("[lock]cleared %d stale locks", cleared)
	return cleared
}

// RemapId follows a held shape across the temp id -> permanent id swap.
func (self *LockManager) RemapId(oldId string, newId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.held[oldId] {
		delete(self.held, oldId)
		self.held[newId] = true
	}
}

func unlockFields() *ShapeFields {
	return &ShapeFields{
		IsLocked:      Ptr(false),
		LockedBy:      Ptr(""),
		LockedByName:  Ptr(""),
		LockedByColor: Ptr(""),
	}
}

// ClearStaleLocksDirect runs the stale-lock recovery directly against the
// authoritative store, without a session: one snapshot read, one transaction
// clearing every held lock. Returns the count actually changed.
func ClearStaleLocksDirect(ctx context.Context, documentStore DocumentStore) (int, error) {
	snapshot := make(chan []*Shape, 1)
	errs := make(chan error, 1)
	unsub, err := documentStore.Subscribe(
		ctx,
		func(shapes []*Shape) {
			select {
			case snapshot <- shapes:
			default:
			}
		},
		func(err error) {
			select {
			case errs <- err:
			default:
			}
		},
	)
	if err != nil {
		return 0, err
	}
	defer unsub()

	var shapes []*Shape
	select {
	case shapes = <-snapshot:
	case err := <-errs:
		return 0, err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(30 * time.Second):
		return 0, context.DeadlineExceeded
	}

	ops := []*DocumentOp{}
	for _, shape := range shapes {
		if !shape.IsLocked {
			continue
		}
		ops = append(ops, &DocumentOp{
			Kind:    DocumentOpUpdate,
			ShapeId: shape.Id,
			Fields:  unlockFields(),
		})
	}
	if len(ops) == 0 {
		return 0, nil
	}
	if _, err := documentStore.CommitTransaction(ctx, ops); err != nil {
		return 0, err
	}
	return len(ops), nil
}
