package kv

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a single-process fallback implementation of Store, used in
// tests and as the degraded-mode target when Redis is unreachable at boot
// (mirroring the teacher's graceful-fallback idiom in cmd/api/main.go for
// Redis/Jury-gRPC — log a warning, keep serving on a weaker backend, rather
// than a fatal exit). It is correct for a single replica only.
type MemoryStore struct {
	mu      sync.Mutex
	strings map[string]entry
	hashes  map[string]hashEntry
	lists   map[string][]string
}

type entry struct {
	value   string
	expires time.Time
}

type hashEntry struct {
	fields  map[string]string
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string]entry),
		hashes:  make(map[string]hashEntry),
		lists:   make(map[string][]string),
	}
}

func expired(exp time.Time) bool {
	return !exp.IsZero() && time.Now().After(exp)
}

func ttlDeadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.strings[key]
	if !ok || expired(e.expires) {
		delete(m.strings, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = entry{value: value, expires: ttlDeadline(ttl)}
	return nil
}

func (m *MemoryStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.strings, k)
		delete(m.hashes, k)
		delete(m.lists, k)
	}
	return nil
}

func (m *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok || expired(h.expires) {
		delete(m.hashes, key)
		return nil, false, nil
	}
	out := make(map[string]string, len(h.fields))
	for k, v := range h.fields {
		out[k] = v
	}
	return out, true, nil
}

func (m *MemoryStore) HSet(_ context.Context, key string, fields map[string]string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok || expired(h.expires) {
		h = hashEntry{fields: make(map[string]string)}
	}
	for k, v := range fields {
		h.fields[k] = v
	}
	h.expires = ttlDeadline(ttl)
	m.hashes[key] = h
	return nil
}

func (m *MemoryStore) LPush(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append([]string{value}, m.lists[key]...)
	return nil
}

func (m *MemoryStore) LRem(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.lists[key][:0]
	for _, v := range m.lists[key] {
		if v != value {
			out = append(out, v)
		}
	}
	m.lists[key] = out
	return nil
}

func (m *MemoryStore) LRange(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.lists[key]))
	copy(out, m.lists[key])
	return out, nil
}

func (m *MemoryStore) TryLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.strings[key]; ok && !expired(e.expires) {
		return "", false, nil
	}
	token := uuid.NewString()
	m.strings[key] = entry{value: token, expires: ttlDeadline(ttl)}
	return token, true, nil
}

func (m *MemoryStore) Unlock(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.strings[key]; ok && e.value == token {
		delete(m.strings, key)
	}
	return nil
}

func (m *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k, e := range m.strings {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix && !expired(e.expires) {
			out = append(out, k)
		}
	}
	for k, h := range m.hashes {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix && !expired(h.expires) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.strings[key]; ok {
		e.expires = ttlDeadline(ttl)
		m.strings[key] = e
		return nil
	}
	if h, ok := m.hashes[key]; ok {
		h.expires = ttlDeadline(ttl)
		m.hashes[key] = h
	}
	return nil
}
