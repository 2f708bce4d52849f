package collab

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

type RedisRealtimeSettings struct {
	// record lifetime. a connected client refreshes the ttl continuously;
	// when the connection drops the record expires on its own, which is the
	// disconnect cleanup
	RecordTtl time.Duration
}

func DefaultRedisRealtimeSettings() *RedisRealtimeSettings {
	return &RedisRealtimeSettings{
		RecordTtl: 10 * time.Second,
	}
}

// RedisRealtimeStore is the realtime key-value half on redis: presence
// records as hashes under presence:<session>:<user>, change fan-out over
// pub/sub, disconnect cleanup via a ttl heartbeat.
//
// A record removed by ttl expiry is noticed by peers on the next published
// change rather than immediately; presence is lossy and self-correcting, so
// that is acceptable here.
type RedisRealtimeStore struct {
	client       *redis.Client
	sessionScope string
	settings     *RedisRealtimeSettings

	stateLock  sync.Mutex
	heartbeats map[string]context.CancelFunc
}

func NewRedisRealtimeStore(ctx context.Context, redisAddr string, sessionScope string, settings *RedisRealtimeSettings) (*RedisRealtimeStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return &RedisRealtimeStore{
		client:       client,
		sessionScope: sessionScope,
		settings:     settings,
		heartbeats:   map[string]context.CancelFunc{},
	}, nil
}

func (self *RedisRealtimeStore) Close() error {
	self.stateLock.Lock()
	for _, cancel := range self.heartbeats {
		cancel()
	}
	self.heartbeats = map[string]context.CancelFunc{}
	self.stateLock.Unlock()

	return self.client.Close()
}

func (self *RedisRealtimeStore) key(path string) string {
	return fmt.Sprintf("presence:%s:%s", self.sessionScope, path)
}

func (self *RedisRealtimeStore) channel() string {
	return fmt.Sprintf("presence:%s", self.sessionScope)
}

func (self *RedisRealtimeStore) Write(ctx context.Context, path string, record *PresenceRecord) error {
	key := self.key(path)
	if err := self.client.HSet(ctx, key, record.ToMap()).Err(); err != nil {
		return err
	}
	self.client.PExpire(ctx, key, self.settings.RecordTtl)
	return self.client.Publish(ctx, self.channel(), path).Err()
}

func (self *RedisRealtimeStore) Update(ctx context.Context, path string, fields map[string]any) error {
	key := self.key(path)
	if err := self.client.HSet(ctx, key, fields).Err(); err != nil {
		return err
	}
	self.client.PExpire(ctx, key, self.settings.RecordTtl)
	return self.client.Publish(ctx, self.channel(), path).Err()
}

// RegisterDisconnectCleanup arms the ttl heartbeat for the record. The
// refresh stops when ctx ends, after which the record expires server-side.
func (self *RedisRealtimeStore) RegisterDisconnectCleanup(ctx context.Context, path string) error {
	key := self.key(path)
	heartbeatCtx, cancel := context.WithCancel(ctx)

	self.stateLock.Lock()
	if previousCancel, ok := self.heartbeats[path]; ok {
		previousCancel()
	}
	self.heartbeats[path] = cancel
	self.stateLock.Unlock()

	go func() {
		refresh := self.settings.RecordTtl / 3
		for {
			select {
			case <-heartbeatCtx.Done():
				return
			case <-time.After(refresh):
			}
			if err := self.client.PExpire(heartbeatCtx, key, self.settings.RecordTtl).Err(); err != nil {
				glog.V(2).Infof("[redisrt]heartbeat %s: %v", path, err)
			}
		}
	}()
	return nil
}

func (self *RedisRealtimeStore) Subscribe(ctx context.Context, onChange PresenceMapFunction, onError ErrorFunction) (func(), error) {
	pubsub := self.client.Subscribe(ctx, self.channel())

	deliver := func() {
		records, err := self.readAll(ctx)
		if err != nil {
			func() {
				defer HandleCallbackError()
				onError(err)
			}()
			return
		}
		func() {
			defer HandleCallbackError()
			onChange(records)
		}()
	}

	go func() {
		deliver()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				deliver()
			}
		}
	}()

	return func() {
		pubsub.Close()
	}, nil
}

func (self *RedisRealtimeStore) Remove(ctx context.Context, path string) error {
	self.stateLock.Lock()
	if cancel, ok := self.heartbeats[path]; ok {
		cancel()
		delete(self.heartbeats, path)
	}
	self.stateLock.Unlock()

	if err := self.client.Del(ctx, self.key(path)).Err(); err != nil {
		return err
	}
	return self.client.Publish(ctx, self.channel(), path).Err()
}

func (self *RedisRealtimeStore) readAll(ctx context.Context) (map[string]*PresenceRecord, error) {
	prefix := fmt.Sprintf("presence:%s:", self.sessionScope)
	keys, err := self.client.Keys(ctx, prefix+"*").Result()
	if err != nil {
		return nil, err
	}

	records := map[string]*PresenceRecord{}
	for _, key := range keys {
		values, err := self.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		if len(values) == 0 {
			// expired between scan and read
			continue
		}
		path := strings.TrimPrefix(key, prefix)
		records[path] = PresenceRecordFromMap(values)
	}
	return records, nil
}
