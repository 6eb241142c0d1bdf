package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 8

func keySession(user int64) string { return fmt.Sprintf("session:%d", user) }

// RedisStore shares sessions between the bot and worker processes. Updates
// for one user are serialized in-process by a keyed mutex and across
// processes by an optimistic WATCH/MULTI transaction.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration

	mu    sync.Mutex
	locks map[int64]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl, locks: make(map[int64]*keyLock)}
}

func (r *RedisStore) acquire(user int64) func() {
	r.mu.Lock()
	l, ok := r.locks[user]
	if !ok {
		l = &keyLock{}
		r.locks[user] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, user)
		}
		r.mu.Unlock()
	}
}

func (r *RedisStore) load(ctx context.Context, c redis.Cmdable, user int64) (Session, error) {
	raw, err := c.Get(ctx, keySession(user)).Bytes()
	if errors.Is(err, redis.Nil) {
		return newIdle(user), nil
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session %d: %w", user, err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, fmt.Errorf("decode session %d: %w", user, err)
	}
	return s, nil
}

func (r *RedisStore) Get(ctx context.Context, userID int64) (Session, error) {
	return r.load(ctx, r.rdb, userID)
}

func (r *RedisStore) Update(ctx context.Context, userID int64, fn func(*Session) error) (Session, error) {
	release := r.acquire(userID)
	defer release()

	key := keySession(userID)
	var out Session
	var fnErr error
	txf := func(tx *redis.Tx) error {
		cur, err := r.load(ctx, tx, userID)
		if err != nil {
			return err
		}
		next := cur.clone()
		if fnErr = fn(&next); fnErr != nil {
			out = cur
			return nil
		}
		out = next
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next.State == Idle {
				pipe.Del(ctx, key)
				return nil
			}
			b, err := json.Marshal(next)
			if err != nil {
				return err
			}
			pipe.Set(ctx, key, b, r.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return Session{}, fmt.Errorf("update session %d: %w", userID, err)
		}
		return out, fnErr
	}
	return Session{}, fmt.Errorf("update session %d: too much contention", userID)
}

func (r *RedisStore) Clear(ctx context.Context, userID int64) error {
	release := r.acquire(userID)
	defer release()
	return r.rdb.Del(ctx, keySession(userID)).Err()
}
