package collab

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testPresenceSettings() *PresenceSettings {
	return &PresenceSettings{
		UpdateInterval:         50 * time.Millisecond,
		MinMoveDistance:        5,
		MoveSuppressionTimeout: 1 * time.Second,
		IdleTimeout:            300 * time.Millisecond,
		MaxAttempts:            3,
	}
}

func testPresenceUser(userId string) *SessionUser {
	return &SessionUser{
		UserId:      userId,
		DisplayName: userId,
		Color:       "#4caf50",
	}
}

func TestPresenceCursorThrottle(t *testing.T) {
	ctx := context.Background()
	realtimeStore := NewMemoryRealtimeStore()
	broadcaster := NewPresenceBroadcaster(ctx, testPresenceUser("alice"), realtimeStore, testPresenceSettings())
	assert.Equal(t, nil, broadcaster.Start())
	defer broadcaster.Stop()

	// a burst of samples inside one interval coalesces into at most the
	// leading write plus one trailing write
	for i := 0; i < 20; i += 1 {
		broadcaster.CursorMoved(float64(100+10*i), 100)
	}
	time.Sleep(150 * time.Millisecond)

	updates := realtimeStore.UpdateCount()
	assert.Equal(t, true, 1 <= updates && updates <= 3)

	// the trailing write carried the last sample
	record := realtimeStore.Records()["alice"]
	assert.Equal(t, 290.0, record.CursorX)
}

func TestPresenceMinDistanceSuppression(t *testing.T) {
	ctx := context.Background()
	realtimeStore := NewMemoryRealtimeStore()
	broadcaster := NewPresenceBroadcaster(ctx, testPresenceUser("alice"), realtimeStore, testPresenceSettings())
	assert.Equal(t, nil, broadcaster.Start())
	defer broadcaster.Stop()

	broadcaster.CursorMoved(100, 100)
	time.Sleep(80 * time.Millisecond)
	emitted := realtimeStore.UpdateCount()

	// sub-threshold jitter inside the suppression timeout never emits
	broadcaster.CursorMoved(102, 100)
	broadcaster.CursorMoved(100, 102)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, emitted, realtimeStore.UpdateCount())
}

func TestPresenceIdleFlush(t *testing.T) {
	ctx := context.Background()
	realtimeStore := NewMemoryRealtimeStore()
	broadcaster := NewPresenceBroadcaster(ctx, testPresenceUser("alice"), realtimeStore, testPresenceSettings())
	assert.Equal(t, nil, broadcaster.Start())
	defer broadcaster.Stop()

	broadcaster.CursorMoved(100, 100)
	broadcaster.CursorMoved(200, 200)

	// past the idle timeout, nothing is pending and nothing more is written
	time.Sleep(500 * time.Millisecond)
	record := realtimeStore.Records()["alice"]
	assert.Equal(t, 200.0, record.CursorX)

	quiesced := realtimeStore.UpdateCount()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, quiesced, realtimeStore.UpdateCount())
}

func TestPresenceInitRetry(t *testing.T) {
	ctx := context.Background()
	realtimeStore := NewMemoryRealtimeStore()

	// two transient failures are retried within the attempt budget
	realtimeStore.FailNext(2)
	broadcaster := NewPresenceBroadcaster(ctx, testPresenceUser("alice"), realtimeStore, testPresenceSettings())
	assert.Equal(t, nil, broadcaster.Start())
	record := realtimeStore.Records()["alice"]
	assert.Equal(t, "alice", record.UserId)
	assert.Equal(t, true, record.IsOnline)
	broadcaster.Stop()

	// exhausting the budget surfaces the error
	realtimeStore.FailNext(10)
	failing := NewPresenceBroadcaster(ctx, testPresenceUser("bob"), realtimeStore, testPresenceSettings())
	assert.NotEqual(t, nil, failing.Start())
}

func TestPresencePeerFanIn(t *testing.T) {
	ctx := context.Background()
	realtimeStore := NewMemoryRealtimeStore()

	alice := NewPresenceBroadcaster(ctx, testPresenceUser("alice"), realtimeStore, testPresenceSettings())
	assert.Equal(t, nil, alice.Start())
	defer alice.Stop()

	// no peers yet is a valid state
	time.Sleep(50 * time.Millisecond)
	_, ok := alice.Peers()["bob"]
	assert.Equal(t, false, ok)

	bob := NewPresenceBroadcaster(ctx, testPresenceUser("bob"), realtimeStore, testPresenceSettings())
	assert.Equal(t, nil, bob.Start())
	time.Sleep(50 * time.Millisecond)

	peer, ok := alice.Peers()["bob"]
	assert.Equal(t, true, ok)
	assert.Equal(t, "bob", peer.DisplayName)

	bob.SetEditing("s1")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "s1", alice.Peers()["bob"].CurrentlyEditing)

	// the server-enforced hook removes records when the connection drops
	realtimeStore.DropConnection()
	time.Sleep(50 * time.Millisecond)
	_, ok = alice.Peers()["bob"]
	assert.Equal(t, false, ok)
}

func TestPresenceStopRemovesRecord(t *testing.T) {
	ctx := context.Background()
	realtimeStore := NewMemoryRealtimeStore()

	alice := NewPresenceBroadcaster(ctx, testPresenceUser("alice"), realtimeStore, testPresenceSettings())
	assert.Equal(t, nil, alice.Start())
	assert.Equal(t, nil, alice.Stop())

	_, ok := realtimeStore.Records()["alice"]
	assert.Equal(t, false, ok)
}

func TestPresenceRecordFromMapTolerant(t *testing.T) {
	// fields added by later protocol versions are ignored, missing fields
	// default
	record := PresenceRecordFromMap(map[string]string{
		"userId":       "alice",
		"cursorX":      "12.5",
		"isOnline":     "true",
		"futureField":  "whatever",
		"anotherThing": "42",
	})
	assert.Equal(t, "alice", record.UserId)
	assert.Equal(t, 12.5, record.CursorX)
	assert.Equal(t, true, record.IsOnline)
	assert.Equal(t, "", record.DisplayName)
	assert.Equal(t, 0.0, record.CursorY)
}
