package collab

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"golang.org/x/exp/maps"
)

type StoreSettings struct {
	// how long a local pending edit takes precedence over an incoming
	// authoritative snapshot of the same shape
	ProtectionWindow time.Duration
	// bounded cache of recently deleted shape ids, so a stale snapshot
	// cannot resurrect a shape deleted locally inside the window
	TombstoneSize int
}

func DefaultStoreSettings() *StoreSettings {
	return &StoreSettings{
		ProtectionWindow: 2000 * time.Millisecond,
		TombstoneSize:    128,
	}
}

// an in-flight local change not yet confirmed by an authoritative snapshot
type pendingEdit struct {
	editTime time.Time
	fields   *ShapeFields
}

type LocalEdit struct {
	ShapeId string
	Fields  *ShapeFields
}

// OptimisticStore is the authoritative-in-the-client shape collection.
// Local edits apply immediately and are recorded as pending; incoming
// snapshots are reconciled against pending edits under a bounded protection
// window (local wins inside the window, remote wins after).
//
// The store never loses a local edit younger than the protection window, and
// never permanently diverges from the authoritative state: an edit surviving
// past the window is one the backend has had a fair chance to acknowledge.
type OptimisticStore struct {
	settings *StoreSettings

	monitor *Monitor

	stateLock    sync.Mutex
	shapes       map[string]*Shape
	pendingEdits map[string]*pendingEdit
	tombstones   *lru.Cache[string, time.Time]
}

func NewOptimisticStore(settings *StoreSettings) *OptimisticStore {
	tombstones, err := lru.New[string, time.Time](settings.TombstoneSize)
	if err != nil {
		panic(err)
	}
	return &OptimisticStore{
		settings:     settings,
		monitor:      NewMonitor(),
		shapes:       map[string]*Shape{},
		pendingEdits: map[string]*pendingEdit{},
		tombstones:   tombstones,
	}
}

// Monitor notifies on every state transition. The rendering layer watches
// this to re-read the projection.
func (self *OptimisticStore) Monitor() *Monitor {
	return self.monitor
}

// Insert adds a newly created shape, typically under a temporary local id.
// Temp-id shapes are local-only until the commit assigns a permanent id,
// and are never dropped by reconciliation.
func (self *OptimisticStore) Insert(shape *Shape) {
	self.stateLock.Lock()
	self.shapes[shape.Id] = shape.Copy()
	self.tombstones.Remove(shape.Id)
	self.stateLock.Unlock()

	self.monitor.NotifyAll()
}

// ApplyLocal immediately mutates the in-memory shape and records the change
// as pending with the current timestamp. Returns false if the shape does
// not exist.
//
// If a pending edit already exists for the shape, the later call's timestamp
// and fields win; fields not included retain the earlier values.
func (self *OptimisticStore) ApplyLocal(shapeId string, fields *ShapeFields) bool {
	self.stateLock.Lock()
	now := time.Now()
	self.purgeExpired(now)
	ok := self.applyLocal(shapeId, fields, now)
	self.stateLock.Unlock()

	if ok {
		self.monitor.NotifyAll()
	}
	return ok
}

// ApplyBatchLocal mutates all targets in one state transition. The result is
// identical to N ApplyLocal calls, with a single monitor notification.
func (self *OptimisticStore) ApplyBatchLocal(edits []*LocalEdit) int {
	self.stateLock.Lock()
	now := time.Now()
	self.purgeExpired(now)
	applied := 0
	for _, edit := range edits {
		if self.applyLocal(edit.ShapeId, edit.Fields, now) {
			applied += 1
		}
	}
	self.stateLock.Unlock()

	if 0 < applied {
		self.monitor.NotifyAll()
	}
	return applied
}

func (self *OptimisticStore) applyLocal(shapeId string, fields *ShapeFields, now time.Time) bool {
	shape, ok := self.shapes[shapeId]
	if !ok {
		return false
	}
	fields.ApplyTo(shape)

	if pending, ok := self.pendingEdits[shapeId]; ok {
		pending.fields.Merge(fields)
		pending.editTime = now
	} else {
		self.pendingEdits[shapeId] = &pendingEdit{
			editTime: now,
			fields:   fields.Copy(),
		}
	}
	return true
}

// Remove deletes the shape locally and drops any associated pending edit.
// A tombstone keeps stale snapshots from resurrecting it inside the window.
func (self *OptimisticStore) Remove(shapeId string) bool {
	self.stateLock.Lock()
	_, ok := self.shapes[shapeId]
	if ok {
		delete(self.shapes, shapeId)
		delete(self.pendingEdits, shapeId)
		self.tombstones.Add(shapeId, time.Now())
	}
	self.stateLock.Unlock()

	if ok {
		self.monitor.NotifyAll()
	}
	return ok
}

// Reconcile merges an authoritative snapshot into local state.
// For each remote shape, a pending local edit younger than the protection
// window is reapplied on top of the remote state; otherwise the remote state
// fully replaces the local shape. Local shapes absent from the snapshot are
// dropped unless they are unconfirmed creates or hold a young pending edit.
func (self *OptimisticStore) Reconcile(remoteShapes []*Shape) {
	self.stateLock.Lock()
	now := time.Now()
	self.purgeExpired(now)

	remoteIds := make(map[string]bool, len(remoteShapes))
	for _, remoteShape := range remoteShapes {
		remoteIds[remoteShape.Id] = true

		if deleteTime, ok := self.tombstones.Get(remoteShape.Id); ok {
			if now.Sub(deleteTime) < self.settings.ProtectionWindow {
				// deleted locally; the snapshot predates the delete
				continue
			}
			self.tombstones.Remove(remoteShape.Id)
		}

		shape := remoteShape.Copy()
		if pending, ok := self.pendingEdits[remoteShape.Id]; ok {
			// local wins during the window. expired edits were purged above
			pending.fields.ApplyTo(shape)
		}
		self.shapes[remoteShape.Id] = shape
	}

	for shapeId := range self.shapes {
		if remoteIds[shapeId] {
			continue
		}
		if IsTempShapeId(shapeId) {
			// not yet committed
			continue
		}
		if _, ok := self.pendingEdits[shapeId]; ok {
			continue
		}
		delete(self.shapes, shapeId)
	}
	self.stateLock.Unlock()

	self.monitor.NotifyAll()
}

// purge expired pending edits. callers must hold the state lock
func (self *OptimisticStore) purgeExpired(now time.Time) {
	for shapeId, pending := range self.pendingEdits {
		if self.settings.ProtectionWindow <= now.Sub(pending.editTime) {
			delete(self.pendingEdits, shapeId)
		}
	}
}

// RemapId rewrites a temporary local id to the permanent id assigned on
// commit, across the shape and any pending edit.
func (self *OptimisticStore) RemapId(oldId string, newId string) bool {
	self.stateLock.Lock()
	shape, ok := self.shapes[oldId]
	if ok {
		delete(self.shapes, oldId)
		shape.Id = newId
		self.shapes[newId] = shape
		if pending, pendingOk := self.pendingEdits[oldId]; pendingOk {
			delete(self.pendingEdits, oldId)
			self.pendingEdits[newId] = pending
		}
	}
	self.stateLock.Unlock()

	if ok {
		self.monitor.NotifyAll()
	}
	return ok
}

// Get returns a copy of the shape, or nil.
func (self *OptimisticStore) Get(shapeId string) *Shape {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	shape, ok := self.shapes[shapeId]
	if !ok {
		return nil
	}
	return shape.Copy()
}

// Shapes returns a read-only projection of the reconciled collection.
func (self *OptimisticStore) Shapes() []*Shape {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	shapes := make([]*Shape, 0, len(self.shapes))
	for _, shape := range self.shapes {
		shapes = append(shapes, shape.Copy())
	}
	return shapes
}

func (self *OptimisticStore) ShapeIds() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.shapes)
}

func (self *OptimisticStore) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.pendingEdits)
}
