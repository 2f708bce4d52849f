package collab

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testCoalescerSettings() *CoalescerSettings {
	return &CoalescerSettings{
		MaxBatchSize: 500,
		FlushDelay:   50 * time.Millisecond,
	}
}

func TestCoalescerDebounceFlush(t *testing.T) {
	ctx := context.Background()
	documentStore := NewMemoryDocumentStore()
	coalescer := NewWriteCoalescer(ctx, documentStore, testCoalescerSettings())
	defer coalescer.Close()

	n := 5
	for i := 0; i < n; i += 1 {
		coalescer.Enqueue(&DocumentOp{
			Kind:    DocumentOpUpdate,
			ShapeId: fmt.Sprintf("s%d", i),
			Fields:  &ShapeFields{X: Ptr(float64(i))},
		})
	}
	assert.Equal(t, 0, documentStore.CommitCount())

	time.Sleep(150 * time.Millisecond)

	// exactly one transaction, all ops, enqueue order
	assert.Equal(t, 1, documentStore.CommitCount())
	committed := documentStore.LastCommit()
	assert.Equal(t, n, len(committed))
	for i, op := range committed {
		assert.Equal(t, fmt.Sprintf("s%d", i), op.ShapeId)
	}
	assert.Equal(t, 0, coalescer.QueueSize())
}

func TestCoalescerSizeThresholdFlush(t *testing.T) {
	ctx := context.Background()
	documentStore := NewMemoryDocumentStore()
	settings := &CoalescerSettings{
		MaxBatchSize: 3,
		FlushDelay:   10 * time.Second,
	}
	coalescer := NewWriteCoalescer(ctx, documentStore, settings)
	defer coalescer.Close()

	for i := 0; i < 3; i += 1 {
		coalescer.Enqueue(&DocumentOp{
			Kind:    DocumentOpUpdate,
			ShapeId: fmt.Sprintf("s%d", i),
			Fields:  &ShapeFields{},
		})
	}

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, documentStore.CommitCount())
	assert.Equal(t, 3, len(documentStore.LastCommit()))
}

func TestCoalescerFailedFlushKeepsQueue(t *testing.T) {
	ctx := context.Background()
	documentStore := NewMemoryDocumentStore()
	coalescer := NewWriteCoalescer(ctx, documentStore, testCoalescerSettings())
	defer coalescer.Close()

	commitErr := errors.New("backend unavailable")
	documentStore.SetCommitError(commitErr)

	for i := 0; i < 4; i += 1 {
		coalescer.Enqueue(&DocumentOp{
			Kind:    DocumentOpUpdate,
			ShapeId: fmt.Sprintf("s%d", i),
			Fields:  &ShapeFields{},
		})
	}

	err := coalescer.FlushNow(ctx)
	assert.NotEqual(t, nil, err)
	// no internal retry; the queue is intact for a caller-driven retry
	assert.Equal(t, 4, coalescer.QueueSize())

	documentStore.SetCommitError(nil)
	err = coalescer.FlushNow(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, coalescer.QueueSize())
	committed := documentStore.LastCommit()
	assert.Equal(t, 4, len(committed))
	for i, op := range committed {
		assert.Equal(t, fmt.Sprintf("s%d", i), op.ShapeId)
	}
}

func TestCoalescerFlushNowCancelsTimer(t *testing.T) {
	ctx := context.Background()
	documentStore := NewMemoryDocumentStore()
	coalescer := NewWriteCoalescer(ctx, documentStore, testCoalescerSettings())
	defer coalescer.Close()

	coalescer.Enqueue(&DocumentOp{
		Kind:    DocumentOpUpdate,
		ShapeId: "s1",
		Fields:  &ShapeFields{},
	})
	assert.Equal(t, nil, coalescer.FlushNow(ctx))
	assert.Equal(t, 1, documentStore.CommitCount())

	// the debounce timer must not fire a second flush for the same batch
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, documentStore.CommitCount())
}

func TestCoalescerCommitCallback(t *testing.T) {
	ctx := context.Background()
	documentStore := NewMemoryDocumentStore()
	coalescer := NewWriteCoalescer(ctx, documentStore, testCoalescerSettings())
	defer coalescer.Close()

	results := make(chan *CommitResult, 1)
	unsub := coalescer.AddCommitCallback(func(result *CommitResult, err error) {
		if err == nil {
			results <- result
		}
	})
	defer unsub()

	tempId := NewTempShapeId()
	coalescer.Enqueue(&DocumentOp{
		Kind:    DocumentOpCreate,
		ShapeId: tempId,
		Shape:   testShape(tempId),
	})
	assert.Equal(t, nil, coalescer.FlushNow(ctx))

	select {
	case result := <-results:
		permanentId, ok := result.Assigned[tempId]
		assert.Equal(t, true, ok)
		assert.Equal(t, false, IsTempShapeId(permanentId))
	case <-time.After(1 * time.Second):
		t.Fatal("expected commit callback")
	}
}

func TestCoalescerRemapId(t *testing.T) {
	ctx := context.Background()
	documentStore := NewMemoryDocumentStore()
	settings := &CoalescerSettings{
		MaxBatchSize: 500,
		FlushDelay:   10 * time.Second,
	}
	coalescer := NewWriteCoalescer(ctx, documentStore, settings)
	defer coalescer.Close()

	tempId := NewTempShapeId()
	coalescer.Enqueue(&DocumentOp{
		Kind:    DocumentOpUpdate,
		ShapeId: tempId,
		Fields:  &ShapeFields{X: Ptr(1.0)},
	})

	permanentId := NewShapeId()
	coalescer.RemapId(tempId, permanentId)
	assert.Equal(t, nil, coalescer.FlushNow(ctx))
	assert.Equal(t, permanentId, documentStore.LastCommit()[0].ShapeId)
}
