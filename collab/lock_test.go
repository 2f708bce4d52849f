package collab

import (
	"context"
	"fmt"
	mathrand "math/rand"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testLockFixture(user *SessionUser) (*OptimisticStore, *LockManager) {
	store := NewOptimisticStore(testStoreSettings())
	coalescer := NewWriteCoalescer(context.Background(), NewMemoryDocumentStore(), testCoalescerSettings())
	return store, NewLockManager(store, coalescer, user)
}

func TestLockAcquireRelease(t *testing.T) {
	alice := &SessionUser{UserId: "alice", DisplayName: "Alice", Color: "#e91e63"}
	bob := &SessionUser{UserId: "bob", DisplayName: "Bob", Color: "#2196f3"}

	store, aliceLocks := testLockFixture(alice)
	bobLocks := NewLockManager(store, NewWriteCoalescer(context.Background(), NewMemoryDocumentStore(), testCoalescerSettings()), bob)
	store.Insert(testShape("s1"))

	assert.Equal(t, true, aliceLocks.Acquire("s1"))
	shape := store.Get("s1")
	assert.Equal(t, true, shape.IsLocked)
	assert.Equal(t, "alice", shape.LockedBy)
	assert.Equal(t, "Alice", shape.LockedByName)
	assert.Equal(t, nil, shape.Validate())

	// advisory: bob sees alice's lock in last-known state and backs off
	assert.Equal(t, false, bobLocks.Acquire("s1"))
	// re-acquiring an own lock succeeds
	assert.Equal(t, true, aliceLocks.Acquire("s1"))

	// only the holder releases
	assert.Equal(t, false, bobLocks.Release("s1"))
	assert.Equal(t, true, aliceLocks.Release("s1"))

	shape = store.Get("s1")
	assert.Equal(t, false, shape.IsLocked)
	assert.Equal(t, "", shape.LockedBy)
	assert.Equal(t, nil, shape.Validate())

	assert.Equal(t, true, bobLocks.Acquire("s1"))
}

func TestClearStaleLocks(t *testing.T) {
	alice := &SessionUser{UserId: "alice"}
	store, locks := testLockFixture(alice)

	for i := 0; i < 10; i += 1 {
		shape := testShape(fmt.Sprintf("s%d", i))
		if i < 3 {
			shape.IsLocked = true
			shape.LockedBy = "ghost"
			shape.LockedByName = "Ghost"
		}
		store.Insert(shape)
	}

	// only the 3 held shapes are touched and counted
	assert.Equal(t, 3, locks.ClearStaleLocks())

	for _, shape := range store.Shapes() {
		assert.Equal(t, false, shape.IsLocked)
		assert.Equal(t, "", shape.LockedBy)
		assert.Equal(t, nil, shape.Validate())
	}

	assert.Equal(t, 0, locks.ClearStaleLocks())
}

func TestClearStaleLocksDirect(t *testing.T) {
	ctx := context.Background()
	documentStore := NewMemoryDocumentStore()

	ops := []*DocumentOp{}
	for i := 0; i < 10; i += 1 {
		shape := testShape(fmt.Sprintf("s%d", i))
		if i < 3 {
			shape.IsLocked = true
			shape.LockedBy = "ghost"
		}
		ops = append(ops, &DocumentOp{
			Kind:    DocumentOpCreate,
			ShapeId: shape.Id,
			Shape:   shape,
		})
	}
	_, err := documentStore.CommitTransaction(ctx, ops)
	assert.Equal(t, nil, err)

	cleared, err := ClearStaleLocksDirect(ctx, documentStore)
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, cleared)

	for _, shape := range documentStore.Snapshot() {
		assert.Equal(t, false, shape.IsLocked)
		assert.Equal(t, nil, shape.Validate())
	}

	cleared, err = ClearStaleLocksDirect(ctx, documentStore)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, cleared)
}

// the lock invariant holds across any interleaving of acquire, release,
// stale-clear, and reconcile
func TestLockInvariantFuzz(t *testing.T) {
	alice := &SessionUser{UserId: "alice", DisplayName: "Alice"}
	store, locks := testLockFixture(alice)

	shapeIds := []string{}
	for i := 0; i < 5; i += 1 {
		shapeId := fmt.Sprintf("s%d", i)
		shapeIds = append(shapeIds, shapeId)
		store.Insert(testShape(shapeId))
	}

	random := mathrand.New(mathrand.NewSource(1))
	for i := 0; i < 500; i += 1 {
		shapeId := shapeIds[random.Intn(len(shapeIds))]
		switch random.Intn(4) {
		case 0:
			locks.Acquire(shapeId)
		case 1:
			locks.Release(shapeId)
		case 2:
			locks.ClearStaleLocks()
		case 3:
			remote := []*Shape{}
			for _, remoteId := range shapeIds {
				remoteShape := testShape(remoteId)
				if remoteId == shapeId && random.Intn(2) == 0 {
					remoteShape.IsLocked = true
					remoteShape.LockedBy = "bob"
					remoteShape.LastModifiedAt = time.Now()
				}
				remote = append(remote, remoteShape)
			}
			store.Reconcile(remote)
		}

		for _, shape := range store.Shapes() {
			assert.Equal(t, shape.IsLocked, shape.LockedBy != "")
		}
	}
}
