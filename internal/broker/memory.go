package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is an in-process broker fake used by unit tests and documented in
// spec.md §9 as the reduced-durability profile: it has no persistence
// across process restart and no cross-process claim, so invariants that
// depend on surviving a process crash (spec.md §8 scenario 2) do not hold
// against it — only against RedisBroker.
type Memory struct {
	mu      sync.Mutex
	streams map[string]*memStream
	seq     atomic.Int64
}

type memEntry struct {
	id     string
	fields map[string]string
}

type memPending struct {
	entry       memEntry
	consumer    string
	deliveredAt time.Time
}

type memGroup struct {
	cursor  int
	pending map[string]*memPending
}

type memStream struct {
	mu      sync.Mutex
	entries []memEntry
	groups  map[string]*memGroup
}

// NewMemory constructs an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{streams: make(map[string]*memStream)}
}

func (m *Memory) getStream(name string) *memStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[name]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup)}
		m.streams[name] = s
	}
	return s
}

func (m *Memory) Publish(_ context.Context, stream string, fields map[string]string) (string, error) {
	s := m.getStream(stream)
	id := fmt.Sprintf("%d-0", m.seq.Add(1))
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	s.mu.Lock()
	s.entries = append(s.entries, memEntry{id: id, fields: cp})
	s.mu.Unlock()
	return id, nil
}

func (m *Memory) CreateGroup(_ context.Context, stream, group string, fromLatest bool) error {
	s := m.getStream(stream)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[group]; ok {
		return nil // idempotent
	}
	cursor := 0
	if fromLatest {
		cursor = len(s.entries)
	}
	s.groups[group] = &memGroup{cursor: cursor, pending: make(map[string]*memPending)}
	return nil
}

func (m *Memory) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	deadline := time.Now().Add(block)
	for {
		msgs := m.tryRead(stream, group, consumer, count)
		if len(msgs) > 0 || block <= 0 {
			return msgs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
	}
}

func (m *Memory) tryRead(stream, group, consumer string, count int64) []Message {
	s := m.getStream(stream)
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[group]
	if !ok {
		return nil
	}
	var out []Message
	for int64(len(out)) < count && g.cursor < len(s.entries) {
		e := s.entries[g.cursor]
		g.cursor++
		g.pending[e.id] = &memPending{entry: e, consumer: consumer, deliveredAt: time.Now()}
		out = append(out, Message{ID: e.id, Fields: e.fields})
	}
	return out
}

func (m *Memory) Ack(_ context.Context, stream, group string, ids ...string) error {
	s := m.getStream(stream)
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[group]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

func (m *Memory) Pending(_ context.Context, stream, group string) (map[string]int64, error) {
	s := m.getStream(stream)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64)
	g, ok := s.groups[group]
	if !ok {
		return out, nil
	}
	for _, p := range g.pending {
		out[p.consumer]++
	}
	return out, nil
}

func (m *Memory) Claim(_ context.Context, stream, group, newConsumer string, minIdle time.Duration, ids ...string) ([]Message, error) {
	s := m.getStream(stream)
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[group]
	if !ok {
		return nil, nil
	}
	var out []Message
	now := time.Now()
	for _, id := range ids {
		p, ok := g.pending[id]
		if !ok {
			continue
		}
		if now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		p.consumer = newConsumer
		p.deliveredAt = now
		out = append(out, Message{ID: p.entry.id, Fields: p.entry.fields})
	}
	return out, nil
}

func (m *Memory) Trim(_ context.Context, stream string, maxLen int64) error {
	s := m.getStream(stream)
	s.mu.Lock()
	defer s.mu.Unlock()
	if int64(len(s.entries)) <= maxLen {
		return nil
	}
	drop := int64(len(s.entries)) - maxLen
	s.entries = s.entries[drop:]
	for _, g := range s.groups {
		g.cursor -= int(drop)
		if g.cursor < 0 {
			g.cursor = 0
		}
	}
	return nil
}

func (m *Memory) Close() error { return nil }

// PendingDetail lists in-flight entries for group, optionally filtered to
// one consumer (empty string = all), up to count entries. Used by the
// coordinator to discover which message ids to Claim from an evicted
// worker — the memory-broker analog of Redis's XPENDING with a range.
func (m *Memory) PendingDetail(_ context.Context, stream, group, consumer string, count int64) ([]PendingEntry, error) {
	s := m.getStream(stream)
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[group]
	if !ok {
		return nil, nil
	}
	var out []PendingEntry
	now := time.Now()
	for _, p := range g.pending {
		if consumer != "" && p.consumer != consumer {
			continue
		}
		out = append(out, PendingEntry{ID: p.entry.id, Consumer: p.consumer, IdleTime: now.Sub(p.deliveredAt)})
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}
