package collab

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type CoalescerSettings struct {
	// flush when this many operations are queued
	MaxBatchSize int
	// flush this long after the first unflushed operation
	FlushDelay time.Duration
}

func DefaultCoalescerSettings() *CoalescerSettings {
	return &CoalescerSettings{
		MaxBatchSize: 500,
		FlushDelay:   100 * time.Millisecond,
	}
}

// called after every flush attempt. err is nil on success, and result is nil
// on failure.
type CommitFunction func(result *CommitResult, err error)

// WriteCoalescer accumulates pending create/update/delete operations and
// commits them as one authoritative transaction when either the size
// threshold or the debounce delay is reached.
//
// A failed flush leaves the queue intact: there is no internal retry, the
// error propagates to the caller (or commit callbacks for timer-driven
// flushes) for caller-driven retry.
type WriteCoalescer struct {
	ctx           context.Context
	documentStore DocumentStore
	settings      *CoalescerSettings

	commitCallbacks CallbackList[CommitFunction]

	flushTask *ScheduledTask

	// serializes flushes so batches commit in enqueue order
	flushLock sync.Mutex

	stateLock sync.Mutex
	queue     []*DocumentOp
}

func NewWriteCoalescer(ctx context.Context, documentStore DocumentStore, settings *CoalescerSettings) *WriteCoalescer {
	return &WriteCoalescer{
		ctx:           ctx,
		documentStore: documentStore,
		settings:      settings,
		flushTask:     NewScheduledTask(),
	}
}

func (self *WriteCoalescer) AddCommitCallback(commitCallback CommitFunction) func() {
	return self.commitCallbacks.Add(commitCallback)
}

// Enqueue appends an operation. The flush runs asynchronously when the queue
// reaches the size threshold, or after the debounce delay since the first
// unflushed operation.
func (self *WriteCoalescer) Enqueue(op *DocumentOp) {
	self.stateLock.Lock()
	self.queue = append(self.queue, op)
	full := self.settings.MaxBatchSize <= len(self.queue)
	self.stateLock.Unlock()

	if full {
		self.flushTask.Cancel()
		go func() {
			self.flush(self.ctx)
		}()
	} else {
		// the pending timer is never left to fire twice for the same batch:
		// arming is a no-op while a delay is already pending
		self.flushTask.ArmIdle(self.settings.FlushDelay, func() {
			self.flush(self.ctx)
		})
	}
}

// FlushNow cancels any pending debounce timer and flushes the entire queue
// immediately. Used before operations that must be durable before
// proceeding.
func (self *WriteCoalescer) FlushNow(ctx context.Context) error {
	self.flushTask.Cancel()
	for {
		n, err := self.flush(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		self.stateLock.Lock()
		empty := len(self.queue) == 0
		self.stateLock.Unlock()
		if empty {
			return nil
		}
	}
}

// commits one batch. returns the number of operations committed.
func (self *WriteCoalescer) flush(ctx context.Context) (int, error) {
	self.flushLock.Lock()
	defer self.flushLock.Unlock()

	self.stateLock.Lock()
	n := len(self.queue)
	if self.settings.MaxBatchSize < n {
		n = self.settings.MaxBatchSize
	}
	batch := self.queue[:n:n]
	self.queue = self.queue[n:]
	self.stateLock.Unlock()

	if n == 0 {
		return 0, nil
	}

	result, err := self.documentStore.CommitTransaction(ctx, batch)
	if err != nil {
		// the transaction failed as a whole. requeue in order ahead of
		// operations enqueued while the commit was in flight
		self.stateLock.Lock()
		self.queue = append(batch, self.queue...)
		self.stateLock.Unlock()
		glog.Infof("[coalesce]flush of %d ops failed: %v", n, err)

		for _, commitCallback := range self.commitCallbacks.Get() {
			func() {
				defer HandleCallbackError()
				commitCallback(nil, err)
			}()
		}
		return 0, err
	}

	for _, commitCallback := range self.commitCallbacks.Get() {
		func() {
			defer HandleCallbackError()
			commitCallback(result, nil)
		}()
	}

	self.stateLock.Lock()
	remaining := len(self.queue)
	self.stateLock.Unlock()
	if 0 < remaining {
		self.flushTask.ArmIdle(self.settings.FlushDelay, func() {
			self.flush(self.ctx)
		})
	}
	return n, nil
}

// RemapId retargets queued operations from a temporary local id to the
// permanent id assigned on commit.
func (self *WriteCoalescer) RemapId(oldId string, newId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, op := range self.queue {
		if op.ShapeId == oldId {
			op.ShapeId = newId
		}
		if op.Shape != nil && op.Shape.Id == oldId {
			op.Shape.Id = newId
		}
	}
}

func (self *WriteCoalescer) QueueSize() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.queue)
}

// Close cancels the pending debounce timer. Queued operations are not
// flushed; callers that need durability call FlushNow first.
func (self *WriteCoalescer) Close() {
	self.flushTask.Cancel()
}
