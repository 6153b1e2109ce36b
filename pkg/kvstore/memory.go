package kvstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryBackend is an in-process stand-in for a Redis-shaped Backend, used
// by unit tests that need KeyValue+Streams semantics without a live Redis —
// mirroring the teacher's executor_stub.go pattern of a minimal in-memory
// double for an external collaborator.
type MemoryBackend struct {
	mu    sync.Mutex
	hash  map[string]map[string]string
	zset  map[string]map[string]float64
	set   map[string]map[string]struct{}
	subs  map[string][]chan []byte
	alive bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		hash:  make(map[string]map[string]string),
		zset:  make(map[string]map[string]float64),
		set:   make(map[string]map[string]struct{}),
		subs:  make(map[string][]chan []byte),
		alive: true,
	}
}

func (m *MemoryBackend) HSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hash[key]
	if !ok {
		h = make(map[string]string)
		m.hash[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (m *MemoryBackend) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for k, v := range m.hash[key] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryBackend) HDel(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hash[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	return nil
}

func (m *MemoryBackend) Expire(_ context.Context, _ string, _ int) error {
	// TTL expiry is not simulated in the in-memory backend; tests that need
	// to assert expiry behaviour drive it explicitly through SessionStore.
	return nil
}

func (m *MemoryBackend) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.hash, k)
		delete(m.zset, k)
		delete(m.set, k)
	}
	return nil
}

func (m *MemoryBackend) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hash[key]; ok {
		return true, nil
	}
	if _, ok := m.zset[key]; ok {
		return true, nil
	}
	return false, nil
}

func (m *MemoryBackend) ZAdd(_ context.Context, key string, member ZMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zset[key]
	if !ok {
		z = make(map[string]float64)
		m.zset[key] = z
	}
	z[member.Member] = member.Score
	return nil
}

func (m *MemoryBackend) ZRangeByScore(_ context.Context, key string, min, max float64, limit int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z := m.zset[key]
	type sm struct {
		member string
		score  float64
	}
	members := make([]sm, 0, len(z))
	for mem, score := range z {
		if score >= min && score <= max {
			members = append(members, sm{mem, score})
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].score < members[j].score })
	if limit > 0 && int64(len(members)) > limit {
		members = members[:limit]
	}
	out := make([]string, len(members))
	for i, s := range members {
		out[i] = s.member
	}
	return out, nil
}

func (m *MemoryBackend) ZRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zset[key]
	if !ok {
		return nil
	}
	for _, mem := range members {
		delete(z, mem)
	}
	return nil
}

func (m *MemoryBackend) ZRemRangeByScore(_ context.Context, key string, min, max float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zset[key]
	if !ok {
		return nil
	}
	for mem, score := range z {
		if score >= min && score <= max {
			delete(z, mem)
		}
	}
	return nil
}

func (m *MemoryBackend) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.zset[key])), nil
}

func (m *MemoryBackend) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.set[key]
	if !ok {
		s = make(map[string]struct{})
		m.set[key] = s
	}
	for _, mem := range members {
		s[mem] = struct{}{}
	}
	return nil
}

func (m *MemoryBackend) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.set[key]
	out := make([]string, 0, len(s))
	for mem := range s {
		out = append(out, mem)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryBackend) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.set[key]
	if !ok {
		return nil
	}
	for _, mem := range members {
		delete(s, mem)
	}
	return nil
}

func (m *MemoryBackend) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	subs := append([]chan []byte(nil), m.subs[channel]...)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- payload:
		default:
			// Slow subscriber: drop rather than block the publisher, matching
			// the at-least-once-but-never-blocking-forever delivery model.
		}
	}
	return nil
}

func (m *MemoryBackend) Subscribe(_ context.Context, channel string) (Subscription, error) {
	ch := make(chan []byte, 64)
	m.mu.Lock()
	m.subs[channel] = append(m.subs[channel], ch)
	m.mu.Unlock()
	return &memSubscription{backend: m, channel: channel, ch: ch}, nil
}

func (m *MemoryBackend) Ping(_ context.Context) error {
	if !m.alive {
		return fmt.Errorf("backend unavailable")
	}
	return nil
}

// SetAlive toggles Ping's health for BACKEND_UNAVAILABLE tests.
func (m *MemoryBackend) SetAlive(alive bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alive = alive
}

func (m *MemoryBackend) Close() error { return nil }

type memSubscription struct {
	backend *MemoryBackend
	channel string
	ch      chan []byte
	closed  bool
	mu      sync.Mutex
}

func (s *memSubscription) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload, ok := <-s.ch:
		if !ok {
			return nil, fmt.Errorf("subscription closed")
		}
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	subs := s.backend.subs[s.channel]
	for i, ch := range subs {
		if ch == s.ch {
			s.backend.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	close(s.ch)
	return nil
}
