package collab

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
)

// PresenceRecord is the ephemeral per-session state published to peers.
// One record per connected session, removed by the remote store when the
// connection drops and removed explicitly on graceful sign-out.
type PresenceRecord struct {
	UserId           string    `json:"userId"`
	DisplayName      string    `json:"displayName"`
	Color            string    `json:"color"`
	CursorX          float64   `json:"cursorX"`
	CursorY          float64   `json:"cursorY"`
	LastSeen         time.Time `json:"lastSeen"`
	IsOnline         bool      `json:"isOnline"`
	CurrentlyEditing string    `json:"currentlyEditing,omitempty"`
}

func (self *PresenceRecord) Copy() *PresenceRecord {
	copy := *self
	return &copy
}

// ToMap flattens the record for key-value stores.
func (self *PresenceRecord) ToMap() map[string]any {
	return map[string]any{
		"userId":           self.UserId,
		"displayName":      self.DisplayName,
		"color":            self.Color,
		"cursorX":          self.CursorX,
		"cursorY":          self.CursorY,
		"lastSeen":         self.LastSeen.UnixMilli(),
		"isOnline":         self.IsOnline,
		"currentlyEditing": self.CurrentlyEditing,
	}
}

// PresenceRecordFromMap decodes a flattened record. Unlike the shape
// boundary, unknown fields are ignored and missing fields default: presence
// must tolerate partial records written by later protocol versions.
func PresenceRecordFromMap(values map[string]string) *PresenceRecord {
	record := &PresenceRecord{}
	for key, value := range values {
		switch key {
		case "userId":
			record.UserId = value
		case "displayName":
			record.DisplayName = value
		case "color":
			record.Color = value
		case "cursorX":
			record.CursorX, _ = strconv.ParseFloat(value, 64)
		case "cursorY":
			record.CursorY, _ = strconv.ParseFloat(value, 64)
		case "lastSeen":
			if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
				record.LastSeen = time.UnixMilli(ms)
			}
		case "isOnline":
			record.IsOnline = value == "true" || value == "1"
		case "currentlyEditing":
			record.CurrentlyEditing = value
		}
	}
	return record
}

type PresenceSettings struct {
	// emit at most once per interval
	UpdateInterval time.Duration
	// suppress emission for moves smaller than this, unless the suppression
	// timeout has elapsed since the last emitted sample
	MinMoveDistance        float64
	MoveSuppressionTimeout time.Duration
	// stop emitting after this long with no movement
	IdleTimeout time.Duration
	// attempts for session-critical calls (init, cleanup).
	// single cursor writes are never retried
	MaxAttempts int
}

func DefaultPresenceSettings() *PresenceSettings {
	return &PresenceSettings{
		UpdateInterval:         50 * time.Millisecond,
		MinMoveDistance:        5,
		MoveSuppressionTimeout: 1 * time.Second,
		IdleTimeout:            2 * time.Second,
		MaxAttempts:            3,
	}
}

// PresenceBroadcaster publishes this session's pointer position and
// currently-editing target at a governed rate, and fans in all peers'
// published records.
//
// Rate policy (explicit throttling): all samples inside one update interval
// coalesce into one outbound write; sub-threshold moves are suppressed;
// emission stops entirely after the idle timeout. A failed cursor write is
// swallowed and not retried since presence is lossy by design.
type PresenceBroadcaster struct {
	ctx           context.Context
	user          *SessionUser
	realtimeStore RealtimeStore
	settings      *PresenceSettings

	path string

	peerCallbacks CallbackList[PresenceMapFunction]

	emitTask *ScheduledTask
	idleTask *ScheduledTask

	log LogFunction

	stateLock    sync.Mutex
	started      bool
	lastEmitTime time.Time
	lastEmitX    float64
	lastEmitY    float64
	pendingX     float64
	pendingY     float64
	havePending  bool
	editing      string
	peers        map[string]*PresenceRecord
	unsub        func()
}

func NewPresenceBroadcaster(
	ctx context.Context,
	user *SessionUser,
	realtimeStore RealtimeStore,
	settings *PresenceSettings,
) *PresenceBroadcaster {
	return &PresenceBroadcaster{
		ctx:           ctx,
		user:          user,
		realtimeStore: realtimeStore,
		settings:      settings,
		path:          user.UserId,
		emitTask:      NewScheduledTask(),
		idleTask:      NewScheduledTask(),
		log:           LogFn("[presence]"),
		peers:         map[string]*PresenceRecord{},
	}
}

// Start writes the initial record, registers the disconnect cleanup hook,
// and subscribes to peer records. Init is retried with bounded attempts
// since it affects session correctness more than a single frame does.
func (self *PresenceBroadcaster) Start() error {
	record := &PresenceRecord{
		UserId:      self.user.UserId,
		DisplayName: self.user.DisplayName,
		Color:       self.user.Color,
		LastSeen:    time.Now(),
		IsOnline:    true,
	}

	err := self.retry(func() error {
		if err := self.realtimeStore.Write(self.ctx, self.path, record); err != nil {
			return err
		}
		return self.realtimeStore.RegisterDisconnectCleanup(self.ctx, self.path)
	})
	if err != nil {
		glog.Infof("[presence]init exhausted %d attempts: %v", self.settings.MaxAttempts, err)
		return fmt.Errorf("presence init: %w", err)
	}

	unsub, err := self.realtimeStore.Subscribe(self.ctx, self.onPeerChange, self.onPeerError)
	if err != nil {
		return fmt.Errorf("presence subscribe: %w", err)
	}

	self.stateLock.Lock()
	self.started = true
	self.unsub = unsub
	self.stateLock.Unlock()
	return nil
}

func (self *PresenceBroadcaster) retry(op func() error) error {
	attempts := self.settings.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	return backoff.Retry(op, backoff.WithMaxRetries(b, uint64(attempts-1)))
}

// CursorMoved feeds one pointer sample into the throttle.
func (self *PresenceBroadcaster) CursorMoved(x float64, y float64) {
	self.stateLock.Lock()
	if !self.started {
		self.stateLock.Unlock()
		return
	}
	now := time.Now()
	self.pendingX = x
	self.pendingY = y
	self.havePending = true

	sinceEmit := now.Sub(self.lastEmitTime)
	distance := math.Hypot(x-self.lastEmitX, y-self.lastEmitY)

	if distance < self.settings.MinMoveDistance && sinceEmit < self.settings.MoveSuppressionTimeout {
		// too small to matter yet
		self.stateLock.Unlock()
		self.idleTask.Arm(self.settings.IdleTimeout, self.onIdle)
		return
	}

	emitNow := self.settings.UpdateInterval <= sinceEmit
	var delay time.Duration
	if !emitNow {
		delay = self.settings.UpdateInterval - sinceEmit
	}
	self.stateLock.Unlock()

	if emitNow {
		self.emit()
	} else {
		// coalesce every sample in this interval into one write
		self.emitTask.ArmIdle(delay, self.emit)
	}
	self.idleTask.Arm(self.settings.IdleTimeout, self.onIdle)
}

func (self *PresenceBroadcaster) emit() {
	self.stateLock.Lock()
	if !self.havePending {
		self.stateLock.Unlock()
		return
	}
	x := self.pendingX
	y := self.pendingY
	self.havePending = false
	self.lastEmitTime = time.Now()
	self.lastEmitX = x
	self.lastEmitY = y
	self.stateLock.Unlock()

	fields := map[string]any{
		"cursorX":  x,
		"cursorY":  y,
		"lastSeen": time.Now().UnixMilli(),
		"isOnline": true,
	}
	if err := self.realtimeStore.Update(self.ctx, self.path, fields); err != nil {
		// lossy by design
		self.log("dropped cursor write: %v", err)
	}
}

// after the idle timeout, flush the last unsent sample and go quiet
func (self *PresenceBroadcaster) onIdle() {
	self.emitTask.Cancel()
	self.emit()
	self.log("idle")
}

// SetEditing publishes the shape this session is currently editing, or
// clears it with an empty id. Not throttled: selection changes are rare
// compared to pointer samples.
func (self *PresenceBroadcaster) SetEditing(shapeId string) {
	self.stateLock.Lock()
	if !self.started {
		self.stateLock.Unlock()
		return
	}
	self.editing = shapeId
	self.stateLock.Unlock()

	fields := map[string]any{
		"currentlyEditing": shapeId,
		"lastSeen":         time.Now().UnixMilli(),
	}
	if err := self.realtimeStore.Update(self.ctx, self.path, fields); err != nil {
		self.log("dropped editing update: %v", err)
	}
}

func (self *PresenceBroadcaster) Editing() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.editing
}

func (self *PresenceBroadcaster) onPeerChange(records map[string]*PresenceRecord) {
	peers := make(map[string]*PresenceRecord, len(records))
	for userId, record := range records {
		if record == nil {
			// tolerate partial protocol data
			continue
		}
		peers[userId] = record.Copy()
	}

	self.stateLock.Lock()
	self.peers = peers
	self.stateLock.Unlock()

	for _, peerCallback := range self.peerCallbacks.Get() {
		func() {
			defer HandleCallbackError()
			peerCallback(peers)
		}()
	}
}

func (self *PresenceBroadcaster) onPeerError(err error) {
	glog.Infof("[presence]subscription error: %v", err)
}

// Peers returns the current map of all published records, keyed by user id.
// Empty when there are no peers.
func (self *PresenceBroadcaster) Peers() map[string]*PresenceRecord {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	peers := make(map[string]*PresenceRecord, len(self.peers))
	for userId, record := range self.peers {
		peers[userId] = record.Copy()
	}
	return peers
}

func (self *PresenceBroadcaster) AddPeerCallback(peerCallback PresenceMapFunction) func() {
	return self.peerCallbacks.Add(peerCallback)
}

// Stop removes this session's record explicitly. The disconnect cleanup
// hook makes this redundant on the server side, but the explicit path keeps
// presence fresh when the session ends gracefully.
func (self *PresenceBroadcaster) Stop() error {
	self.emitTask.Cancel()
	self.idleTask.Cancel()

	self.stateLock.Lock()
	started := self.started
	self.started = false
	unsub := self.unsub
	self.unsub = nil
	self.stateLock.Unlock()

	if !started {
		return nil
	}
	if unsub != nil {
		unsub()
	}

	err := self.retry(func() error {
		return self.realtimeStore.Remove(self.ctx, self.path)
	})
	if err != nil {
		glog.Infof("[presence]cleanup exhausted %d attempts: %v", self.settings.MaxAttempts, err)
		return fmt.Errorf("presence cleanup: %w", err)
	}
	return nil
}
