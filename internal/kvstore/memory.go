package kvstore

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type entry struct {
	value   []byte
	expires time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// Memory is a process-local Store.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	writes  int

	now func() time.Time
}

const sweepEvery = 1024

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]entry), now: time.Now}
}

func (m *Memory) lookup(key string, now time.Time) (entry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(now) {
		delete(m.entries, key)
		return entry{}, false
	}
	return e, true
}

// put stores e and drops expired entries every sweepEvery writes.
// Caller holds mu.
func (m *Memory) put(key string, e entry, now time.Time) {
	m.entries[key] = e
	m.writes++
	if m.writes%sweepEvery != 0 {
		return
	}
	for k, v := range m.entries {
		if v.expired(now) {
			delete(m.entries, k)
		}
	}
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key, m.now())
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.put(key, entry{value: append([]byte(nil), value...), expires: expiry(now, ttl)}, now)
	return nil
}

func (m *Memory) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if _, ok := m.lookup(key, now); ok {
		return false, nil
	}
	m.put(key, entry{value: append([]byte(nil), value...), expires: expiry(now, ttl)}, now)
	return true, nil
}

func (m *Memory) Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.lookup(key, now)
	var n int64
	if ok {
		v, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, 0, err
		}
		n = v
	}
	n++
	if !ok || e.expires.IsZero() {
		e.expires = expiry(now, ttl)
	}
	e.value = []byte(strconv.FormatInt(n, 10))
	m.put(key, e, now)

	return n, remaining(e, now), nil
}

func (m *Memory) Count(ctx context.Context, key string) (int64, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.lookup(key, now)
	if !ok {
		return 0, 0, nil
	}
	n, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return n, remaining(e, now), nil
}

func remaining(e entry, now time.Time) time.Duration {
	if e.expires.IsZero() {
		return 0
	}
	return e.expires.Sub(now)
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }

// Len returns the number of live entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for _, e := range m.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}
