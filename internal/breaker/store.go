package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/poscred/internal/model"
)

// MemoryStore keeps breaker state in process memory.  It is only correct for
// a single process; multi-process deployments use the SQL or Redis store.
type MemoryStore struct {
	mu     sync.Mutex
	states map[Key]model.BreakerState
}

// NewMemoryStore returns an in-process store, used in tests and single-node runs.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[Key]model.BreakerState)}
}

func (m *MemoryStore) Mutate(_ context.Context, key Key, fn func(s *model.BreakerState)) (model.BreakerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[key]
	if !ok {
		st = model.BreakerState{Provider: key.Provider, LocationID: key.LocationID, State: model.BreakerClosed}
	}
	fn(&st)
	st.UpdatedAt = time.Now().UTC()
	m.states[key] = st
	return st, nil
}

// RedisStore keeps breaker state as JSON under one key per breaker and
// applies mutations with WATCH/MULTI, retrying when another process changed
// the key between read and write.
type RedisStore struct {
	rdb        *redis.Client
	prefix     string
	maxRetries int
}

// NewRedisStore returns a store using rdb.  Keys are "<prefix>:<provider>:<location>".
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "breaker"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, maxRetries: 16}
}

func (r *RedisStore) key(k Key) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, k.Provider, k.LocationID)
}

func (r *RedisStore) Mutate(ctx context.Context, key Key, fn func(s *model.BreakerState)) (model.BreakerState, error) {
	rkey := r.key(key)
	var out model.BreakerState
	txf := func(tx *redis.Tx) error {
		st := model.BreakerState{Provider: key.Provider, LocationID: key.LocationID, State: model.BreakerClosed}
		raw, err := tx.Get(ctx, rkey).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &st); err != nil {
				return fmt.Errorf("decode breaker state: %w", err)
			}
		}
		fn(&st)
		st.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rkey, data, 0)
			return nil
		})
		if err == nil {
			out = st
		}
		return err
	}
	for i := 0; i < r.maxRetries; i++ {
		err := r.rdb.Watch(ctx, txf, rkey)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return model.BreakerState{}, err
	}
	return model.BreakerState{}, fmt.Errorf("breaker %s: too much contention", key)
}
