package collab

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testSessionSettings() *SessionSettings {
	settings := DefaultSessionSettings()
	settings.Store.ProtectionWindow = 200 * time.Millisecond
	settings.Coalescer.FlushDelay = 20 * time.Millisecond
	settings.Presence = testPresenceSettings()
	return settings
}

func testSessionFixture(t *testing.T, userId string) (*Session, *MemoryDocumentStore, *MemoryRealtimeStore) {
	documentStore := NewMemoryDocumentStore()
	realtimeStore := NewMemoryRealtimeStore()
	session, err := NewSession(
		context.Background(),
		testPresenceUser(userId),
		documentStore,
		realtimeStore,
		testSessionSettings(),
	)
	assert.Equal(t, nil, err)
	return session, documentStore, realtimeStore
}

func TestSessionCreateAssignsPermanentId(t *testing.T) {
	session, documentStore, _ := testSessionFixture(t, "alice")
	defer session.Close()

	tempId, err := session.CreateShape(ShapeTypeRectangle, 10, 10, 40, 40, "#ff0000")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, IsTempShapeId(tempId))

	// visible immediately, before any round-trip
	assert.NotEqual(t, nil, session.Shape(tempId))

	assert.Equal(t, nil, session.Flush(context.Background()))

	// the temp id is fully retired after the commit
	assert.Equal(t, nil, session.Shape(tempId))
	shapes := session.Shapes()
	assert.Equal(t, 1, len(shapes))
	assert.Equal(t, false, IsTempShapeId(shapes[0].Id))

	committed := documentStore.Snapshot()
	assert.Equal(t, 1, len(committed))
	assert.Equal(t, shapes[0].Id, committed[0].Id)
}

func TestSessionUndoAfterRemap(t *testing.T) {
	session, documentStore, _ := testSessionFixture(t, "alice")
	defer session.Close()

	tempId, err := session.CreateShape(ShapeTypeCircle, 10, 10, 40, 40, "#ff0000")
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, session.Flush(context.Background()))
	assert.Equal(t, true, IsTempShapeId(tempId))

	// undoing the creation after the id swap must target the permanent id
	assert.Equal(t, true, session.Undo())
	assert.Equal(t, 0, len(session.Shapes()))

	assert.Equal(t, nil, session.Flush(context.Background()))
	assert.Equal(t, 0, len(documentStore.Snapshot()))

	// and redo restores it
	assert.Equal(t, true, session.Redo())
	assert.Equal(t, nil, session.Flush(context.Background()))
	assert.Equal(t, 1, len(documentStore.Snapshot()))
}

func TestSessionUpdateUndoRedo(t *testing.T) {
	session, _, _ := testSessionFixture(t, "alice")
	defer session.Close()

	shapeId, _ := session.CreateShape(ShapeTypeRectangle, 10, 10, 40, 40, "#ff0000")
	assert.Equal(t, nil, session.Flush(context.Background()))
	shapeId = session.Shapes()[0].Id

	err := session.UpdateShape(shapeId, &ShapeFields{X: Ptr(99.0)})
	assert.Equal(t, nil, err)
	assert.Equal(t, 99.0, session.Shape(shapeId).X)

	assert.Equal(t, true, session.Undo())
	assert.Equal(t, 10.0, session.Shape(shapeId).X)

	assert.Equal(t, true, session.Redo())
	assert.Equal(t, 99.0, session.Shape(shapeId).X)

	// nothing left to redo
	assert.Equal(t, false, session.Redo())
}

func TestSessionLockGatesMutation(t *testing.T) {
	documentStore := NewMemoryDocumentStore()
	realtimeStore := NewMemoryRealtimeStore()

	alice, err := NewSession(context.Background(), testPresenceUser("alice"), documentStore, realtimeStore, testSessionSettings())
	assert.Equal(t, nil, err)
	defer alice.Close()
	bob, err := NewSession(context.Background(), testPresenceUser("bob"), documentStore, realtimeStore, testSessionSettings())
	assert.Equal(t, nil, err)
	defer bob.Close()

	_, err = alice.CreateShape(ShapeTypeTriangle, 10, 10, 40, 40, "#ff0000")
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, alice.Flush(context.Background()))

	shapeId := bob.Shapes()[0].Id
	assert.Equal(t, true, alice.SelectShape(shapeId))
	assert.Equal(t, nil, alice.Flush(context.Background()))

	// bob's last-known state shows alice holding the shape
	assert.Equal(t, false, bob.SelectShape(shapeId))
	err = bob.UpdateShape(shapeId, &ShapeFields{X: Ptr(0.0)})
	assert.Equal(t, ErrShapeLocked, err)

	// editing target is announced to peers
	assert.Equal(t, shapeId, alice.presence.Editing())

	alice.DeselectShape(shapeId)
	assert.Equal(t, nil, alice.Flush(context.Background()))
	assert.Equal(t, nil, bob.UpdateShape(shapeId, &ShapeFields{X: Ptr(0.0)}))
}

func TestSessionBatchUpdate(t *testing.T) {
	session, documentStore, _ := testSessionFixture(t, "alice")
	defer session.Close()

	_, err := session.CreateShape(ShapeTypeRectangle, 0, 0, 10, 10, "#111111")
	assert.Equal(t, nil, err)
	_, err = session.CreateShape(ShapeTypeRectangle, 0, 0, 10, 10, "#222222")
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, session.Flush(context.Background()))

	edits := []*LocalEdit{}
	for _, shape := range session.Shapes() {
		edits = append(edits, &LocalEdit{
			ShapeId: shape.Id,
			Fields:  &ShapeFields{Y: Ptr(77.0)},
		})
	}
	assert.Equal(t, nil, session.UpdateShapes(edits))
	for _, shape := range session.Shapes() {
		assert.Equal(t, 77.0, shape.Y)
	}

	// one undo reverts the whole batch
	assert.Equal(t, true, session.Undo())
	for _, shape := range session.Shapes() {
		assert.Equal(t, 0.0, shape.Y)
	}

	assert.Equal(t, nil, session.Flush(context.Background()))
	for _, shape := range documentStore.Snapshot() {
		assert.Equal(t, 0.0, shape.Y)
	}
}

func TestSessionCloseFlushesAndCleansUp(t *testing.T) {
	session, documentStore, realtimeStore := testSessionFixture(t, "alice")

	_, err := session.CreateShape(ShapeTypeRectangle, 10, 10, 40, 40, "#ff0000")
	assert.Equal(t, nil, err)
	shapeId := session.Shapes()[0].Id
	session.SelectShape(shapeId)

	assert.Equal(t, nil, session.Close())

	// queued writes became durable and the held lock was released
	committed := documentStore.Snapshot()
	assert.Equal(t, 1, len(committed))
	assert.Equal(t, false, committed[0].IsLocked)

	// the presence record was removed on the graceful path
	_, ok := realtimeStore.Records()["alice"]
	assert.Equal(t, false, ok)
}

func TestSessionDeleteUndo(t *testing.T) {
	session, documentStore, _ := testSessionFixture(t, "alice")
	defer session.Close()

	_, err := session.CreateShape(ShapeTypeRectangle, 10, 10, 40, 40, "#ff0000")
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, session.Flush(context.Background()))
	shapeId := session.Shapes()[0].Id

	assert.Equal(t, nil, session.DeleteShape(shapeId))
	assert.Equal(t, 0, len(session.Shapes()))
	assert.Equal(t, nil, session.Flush(context.Background()))
	assert.Equal(t, 0, len(documentStore.Snapshot()))

	assert.Equal(t, true, session.Undo())
	assert.NotEqual(t, nil, session.Shape(shapeId))
	assert.Equal(t, nil, session.Flush(context.Background()))
	assert.Equal(t, 1, len(documentStore.Snapshot()))
}
