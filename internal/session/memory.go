package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type memEntry struct {
	mu   sync.Mutex
	s    Session
	dead bool // removed from the map by Expire
}

// MemoryStore keeps sessions in process memory; a restart loses them.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[int64]*memEntry
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, now: time.Now, entries: make(map[int64]*memEntry)}
}

func (m *MemoryStore) entry(userID int64) *memEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[userID]
	if !ok {
		e = &memEntry{s: newIdle(userID)}
		m.entries[userID] = e
	}
	return e
}

// lock returns the live entry for userID with its mutex held.
func (m *MemoryStore) lock(userID int64) *memEntry {
	for {
		e := m.entry(userID)
		e.mu.Lock()
		if !e.dead {
			return e
		}
		e.mu.Unlock()
	}
}

func (m *MemoryStore) Get(_ context.Context, userID int64) (Session, error) {
	e := m.lock(userID)
	defer e.mu.Unlock()
	if e.s.Expired(m.now(), m.ttl) {
		e.s.Reset()
	}
	return e.s.clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, userID int64, fn func(*Session) error) (Session, error) {
	e := m.lock(userID)
	defer e.mu.Unlock()
	if e.s.Expired(m.now(), m.ttl) {
		e.s.Reset()
	}
	next := e.s.clone()
	if err := fn(&next); err != nil {
		return e.s.clone(), err
	}
	e.s = next
	return e.s.clone(), nil
}

func (m *MemoryStore) Clear(_ context.Context, userID int64) error {
	e := m.lock(userID)
	e.s.Reset()
	e.mu.Unlock()
	return nil
}

// Expire drops idle and timed-out waiting sessions. It returns how many
// waiting sessions were discarded.
func (m *MemoryStore) Expire(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.entries {
		if !e.mu.TryLock() {
			continue
		}
		switch {
		case e.s.Expired(now, m.ttl):
			n++
			e.dead = true
			delete(m.entries, id)
		case e.s.State == Idle:
			e.dead = true
			delete(m.entries, id)
		}
		e.mu.Unlock()
	}
	return n
}

// Len reports the number of tracked sessions.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// RunJanitor calls Expire every interval until ctx is done.
func (m *MemoryStore) RunJanitor(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := m.Expire(now); n > 0 {
				log.Info().Int("expired", n).Msg("idle sessions expired")
			}
		}
	}
}
