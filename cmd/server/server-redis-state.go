package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"

	"github.com/matst80/connexions/internal/obs"
)

var unitEncMode cbor.EncMode

func init() {
	var err error
	unitEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("unit record CBOR encoder: " + err.Error())
	}
}

// redisStateStore shares the unit directory between instances. Units owned
// by this instance live in a local map; Redis holds a CBOR copy of each
// under unit:<instance>:<unit>, refreshed by the heartbeat so records of a
// dead instance expire.
type redisStateStore struct {
	client     *redis.Client
	instanceID string

	mu       sync.Mutex
	units    map[uint32]*unitRecord
	dirty    map[uint32]bool
	closing  bool
	ready    bool
	connects int64
	failures int64

	heartbeatInterval time.Duration
	redisKeyTTL       time.Duration
	opTimeout         time.Duration
}

func newRedisStateStore(addr, password string, db int, instanceID string) (*redisStateStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return newRedisStateStoreWithClient(rdb, instanceID), nil
}

func newRedisStateStoreWithClient(rdb *redis.Client, instanceID string) *redisStateStore {
	return &redisStateStore{
		client:            rdb,
		instanceID:        instanceID,
		units:             make(map[uint32]*unitRecord),
		dirty:             make(map[uint32]bool),
		heartbeatInterval: 5 * time.Second,
		redisKeyTTL:       30 * time.Second,
		opTimeout:         2 * time.Second,
	}
}

var _ StateStore = (*redisStateStore)(nil)

func (r *redisStateStore) key(unit uint32) string {
	return fmt.Sprintf("unit:%s:%d", r.instanceID, unit)
}

func (r *redisStateStore) setClosing(closing bool) { r.mu.Lock(); r.closing = closing; r.mu.Unlock() }
func (r *redisStateStore) setReady(ready bool)     { r.mu.Lock(); r.ready = ready; r.mu.Unlock() }
func (r *redisStateStore) isClosing() bool         { r.mu.Lock(); defer r.mu.Unlock(); return r.closing }
func (r *redisStateStore) isReady() bool           { r.mu.Lock(); defer r.mu.Unlock(); return r.ready }

func (r *redisStateStore) recordConnect() { r.mu.Lock(); r.connects++; r.mu.Unlock() }
func (r *redisStateStore) recordFailure() { r.mu.Lock(); r.failures++; r.mu.Unlock() }

func (r *redisStateStore) registerUnit(rec unitRecord) error {
	rec.Instance = r.instanceID
	r.mu.Lock()
	if _, exists := r.units[rec.Unit]; exists {
		r.mu.Unlock()
		return fmt.Errorf("unit already registered: %d", rec.Unit)
	}
	r.units[rec.Unit] = &rec
	r.mu.Unlock()
	return r.store(rec)
}

// updateUnit changes the local record only; the heartbeat publishes it.
func (r *redisStateStore) updateUnit(unit uint32, fn func(*unitRecord)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.units[unit]; ok {
		fn(rec)
		rec.LastSeen = time.Now()
		r.dirty[unit] = true
	}
}

func (r *redisStateStore) removeUnit(unit uint32) {
	r.mu.Lock()
	delete(r.units, unit)
	delete(r.dirty, unit)
	r.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	if err := r.client.Del(ctx, r.key(unit)).Err(); err != nil {
		obs.Error("redis.remove_unit", obs.Fields{"err": err.Error(), "unit": unit})
	}
}

func (r *redisStateStore) store(rec unitRecord) error {
	data, err := unitEncMode.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal unit record: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	if err := r.client.Set(ctx, r.key(rec.Unit), data, r.redisKeyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// listUnits returns the records of every instance.
func (r *redisStateStore) listUnits(ctx context.Context) ([]unitRecord, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, "unit:*", 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	out := make([]unitRecord, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // expired between scan and get
		}
		var rec unitRecord
		if err := cbor.Unmarshal([]byte(s), &rec); err != nil {
			obs.Error("redis.unmarshal_unit", obs.Fields{"err": err.Error(), "key": keys[i]})
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Instance != out[j].Instance {
			return out[i].Instance < out[j].Instance
		}
		return out[i].Unit < out[j].Unit
	})
	return out, nil
}

func (r *redisStateStore) localUnits() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint32, 0, len(r.units))
	for u := range r.units {
		out = append(out, u)
	}
	return out
}

func (r *redisStateStore) getStats() (int, int, int64, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	connected := 0
	for _, rec := range r.units {
		if rec.State == stateConnected {
			connected++
		}
	}
	return len(r.units), connected, r.connects, r.failures
}

// startMaintenance launches the periodic heartbeat.
func (r *redisStateStore) startMaintenance(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat(ctx)
		}
	}
}

// heartbeat publishes changed records and extends the TTL of the rest.
func (r *redisStateStore) heartbeat(ctx context.Context) {
	r.mu.Lock()
	var changed []unitRecord
	var unchanged []uint32
	for u, rec := range r.units {
		if r.dirty[u] {
			changed = append(changed, *rec)
		} else {
			unchanged = append(unchanged, u)
		}
	}
	r.dirty = make(map[uint32]bool)
	r.mu.Unlock()

	for _, rec := range changed {
		if err := r.store(rec); err != nil {
			obs.Error("redis.heartbeat.set", obs.Fields{"err": err.Error(), "unit": rec.Unit})
		}
	}
	if len(unchanged) == 0 {
		return
	}
	pipe := r.client.Pipeline()
	for _, u := range unchanged {
		pipe.Expire(ctx, r.key(u), r.redisKeyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		obs.Error("redis.heartbeat.expire", obs.Fields{"err": err.Error(), "units": len(unchanged)})
	}
}

// close removes this instance's records and closes the client.
func (r *redisStateStore) close() error {
	r.mu.Lock()
	keys := make([]string, 0, len(r.units))
	for u := range r.units {
		keys = append(keys, r.key(u))
	}
	r.units = make(map[uint32]*unitRecord)
	r.mu.Unlock()
	if len(keys) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
		if err := r.client.Del(ctx, keys...).Err(); err != nil {
			obs.Error("redis.close.del", obs.Fields{"err": err.Error()})
		}
		cancel()
	}
	return r.client.Close()
}
