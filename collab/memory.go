package collab

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryDocumentStore is an in-process authoritative document collection,
// for tests and local simulation. Commits are atomic against the in-memory
// state and every subscriber receives a full snapshot after each commit.
type MemoryDocumentStore struct {
	// delay between a commit and the snapshot fan-out, to simulate
	// network round-trip. zero delivers synchronously
	SnapshotDelay time.Duration

	subscribers CallbackList[SnapshotFunction]

	stateLock   sync.Mutex
	shapes      map[string]*Shape
	commitErr   error
	commitCount int
	lastCommit  []*DocumentOp
}

func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{
		shapes: map[string]*Shape{},
	}
}

func (self *MemoryDocumentStore) Subscribe(ctx context.Context, onSnapshot SnapshotFunction, onError ErrorFunction) (func(), error) {
	unsub := self.subscribers.Add(onSnapshot)
	// initial snapshot
	go func() {
		defer HandleCallbackError()
		onSnapshot(self.Snapshot())
	}()
	return unsub, nil
}

func (self *MemoryDocumentStore) CommitTransaction(ctx context.Context, ops []*DocumentOp) (*CommitResult, error) {
	self.stateLock.Lock()
	if self.commitErr != nil {
		err := self.commitErr
		self.stateLock.Unlock()
		return nil, err
	}

	assigned := map[string]string{}
	for _, op := range ops {
		switch op.Kind {
		case DocumentOpCreate:
			shape := op.Shape.Copy()
			if IsTempShapeId(shape.Id) {
				permanentId := NewShapeId()
				assigned[shape.Id] = permanentId
				shape.Id = permanentId
			}
			self.shapes[shape.Id] = shape
		case DocumentOpUpdate:
			shapeId := op.ShapeId
			if permanentId, ok := assigned[shapeId]; ok {
				shapeId = permanentId
			}
			if shape, ok := self.shapes[shapeId]; ok {
				op.Fields.ApplyTo(shape)
			}
		case DocumentOpDelete:
			shapeId := op.ShapeId
			if permanentId, ok := assigned[shapeId]; ok {
				shapeId = permanentId
			}
			delete(self.shapes, shapeId)
		}
	}
	self.commitCount += 1
	self.lastCommit = ops
	self.stateLock.Unlock()

	self.broadcast()
	return &CommitResult{Assigned: assigned}, nil
}

func (self *MemoryDocumentStore) broadcast() {
	deliver := func() {
		snapshot := self.Snapshot()
		for _, onSnapshot := range self.subscribers.Get() {
			func() {
				defer HandleCallbackError()
				onSnapshot(snapshot)
			}()
		}
	}
	if self.SnapshotDelay == 0 {
		deliver()
	} else {
		time.AfterFunc(self.SnapshotDelay, deliver)
	}
}

// Snapshot returns shape copies in a stable order.
func (self *MemoryDocumentStore) Snapshot() []*Shape {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	shapes := make([]*Shape, 0, len(self.shapes))
	for _, shape := range self.shapes {
		shapes = append(shapes, shape.Copy())
	}
	sort.Slice(shapes, func(i int, j int) bool {
		return shapes[i].Id < shapes[j].Id
	})
	return shapes
}

// SetCommitError makes subsequent commits fail until cleared.
func (self *MemoryDocumentStore) SetCommitError(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.commitErr = err
}

func (self *MemoryDocumentStore) CommitCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.commitCount
}

func (self *MemoryDocumentStore) LastCommit() []*DocumentOp {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.lastCommit
}

// MemoryRealtimeStore is an in-process realtime key-value tree with
// per-connection cleanup simulation.
type MemoryRealtimeStore struct {
	subscribers CallbackList[PresenceMapFunction]

	stateLock     sync.Mutex
	records       map[string]*PresenceRecord
	cleanupPaths  map[string]bool
	failRemaining int
	writeCount    int
	updateCount   int
}

func NewMemoryRealtimeStore() *MemoryRealtimeStore {
	return &MemoryRealtimeStore{
		records:      map[string]*PresenceRecord{},
		cleanupPaths: map[string]bool{},
	}
}

// FailNext makes the next n mutating calls fail.
func (self *MemoryRealtimeStore) FailNext(n int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.failRemaining = n
}

func (self *MemoryRealtimeStore) fail() bool {
	if 0 < self.failRemaining {
		self.failRemaining -= 1
		return true
	}
	return false
}

func (self *MemoryRealtimeStore) Write(ctx context.Context, path string, record *PresenceRecord) error {
	self.stateLock.Lock()
	if self.fail() {
		self.stateLock.Unlock()
		return context.DeadlineExceeded
	}
	self.records[path] = record.Copy()
	self.writeCount += 1
	self.stateLock.Unlock()

	self.broadcast()
	return nil
}

func (self *MemoryRealtimeStore) Update(ctx context.Context, path string, fields map[string]any) error {
	self.stateLock.Lock()
	if self.fail() {
		self.stateLock.Unlock()
		return context.DeadlineExceeded
	}
	record, ok := self.records[path]
	if !ok {
		record = &PresenceRecord{}
		self.records[path] = record
	}
	applyPresenceFields(record, fields)
	self.updateCount += 1
	self.stateLock.Unlock()

	self.broadcast()
	return nil
}

func (self *MemoryRealtimeStore) RegisterDisconnectCleanup(ctx context.Context, path string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.fail() {
		return context.DeadlineExceeded
	}
	self.cleanupPaths[path] = true
	return nil
}

func (self *MemoryRealtimeStore) Subscribe(ctx context.Context, onChange PresenceMapFunction, onError ErrorFunction) (func(), error) {
	unsub := self.subscribers.Add(onChange)
	go func() {
		defer HandleCallbackError()
		onChange(self.Records())
	}()
	return unsub, nil
}

func (self *MemoryRealtimeStore) Remove(ctx context.Context, path string) error {
	self.stateLock.Lock()
	if self.fail() {
		self.stateLock.Unlock()
		return context.DeadlineExceeded
	}
	delete(self.records, path)
	delete(self.cleanupPaths, path)
	self.stateLock.Unlock()

	self.broadcast()
	return nil
}

// DropConnection simulates the server-enforced disconnect hook: every
// record registered for cleanup is removed.
func (self *MemoryRealtimeStore) DropConnection() {
	self.stateLock.Lock()
	for path := range self.cleanupPaths {
		delete(self.records, path)
	}
	self.cleanupPaths = map[string]bool{}
	self.stateLock.Unlock()

	self.broadcast()
}

func (self *MemoryRealtimeStore) broadcast() {
	records := self.Records()
	for _, onChange := range self.subscribers.Get() {
		func() {
			defer HandleCallbackError()
			onChange(records)
		}()
	}
}

func (self *MemoryRealtimeStore) Records() map[string]*PresenceRecord {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	records := make(map[string]*PresenceRecord, len(self.records))
	for path, record := range self.records {
		records[path] = record.Copy()
	}
	return records
}

func (self *MemoryRealtimeStore) UpdateCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.updateCount
}

func applyPresenceFields(record *PresenceRecord, fields map[string]any) {
	for key, value := range fields {
		switch key {
		case "cursorX":
			if x, ok := value.(float64); ok {
				record.CursorX = x
			}
		case "cursorY":
			if y, ok := value.(float64); ok {
				record.CursorY = y
			}
		case "lastSeen":
			if ms, ok := value.(int64); ok {
				record.LastSeen = time.UnixMilli(ms)
			}
		case "isOnline":
			if online, ok := value.(bool); ok {
				record.IsOnline = online
			}
		case "currentlyEditing":
			if editing, ok := value.(string); ok {
				record.CurrentlyEditing = editing
			}
		}
	}
}
