// Package store provides in-memory costing.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/costing-engine/costing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	events      map[costing.CostingKey][]costing.CostLayerEvent
	sequences   map[costing.CostingKey]int64
	idempotency map[string]bool
	now         func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		events:      make(map[costing.CostingKey][]costing.CostLayerEvent),
		sequences:   make(map[costing.CostingKey]int64),
		idempotency: make(map[string]bool),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Append adds an event if the key's latest event is still expectedPrevious.
func (m *Memory) Append(_ context.Context, event costing.CostLayerEvent, expectedPrevious costing.EventID) (costing.CostLayerEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event.IdempotencyKey != "" && m.idempotency[event.IdempotencyKey] {
		return costing.CostLayerEvent{}, costing.ErrDuplicateIdempotencyKey
	}

	var latest costing.EventID
	if txs := m.events[event.Key]; len(txs) > 0 {
		latest = txs[len(txs)-1].ID
	}
	if latest != expectedPrevious {
		return costing.CostLayerEvent{}, costing.ErrConcurrentModification
	}

	m.sequences[event.Key]++
	event.Sequence = m.sequences[event.Key]
	event.CreatedAt = m.now()
	m.insertLocked(event)

	if event.IdempotencyKey != "" {
		m.idempotency[event.IdempotencyKey] = true
	}
	return event, nil
}

func (m *Memory) insertLocked(event costing.CostLayerEvent) {
	evs := m.events[event.Key]

	// Binary search for insertion point in replay order
	i := sort.Search(len(evs), func(i int) bool {
		return event.Before(evs[i])
	})

	evs = append(evs, costing.CostLayerEvent{})
	copy(evs[i+1:], evs[i:])
	evs[i] = event
	m.events[event.Key] = evs
}

func (m *Memory) Latest(_ context.Context, key costing.CostingKey) (*costing.CostLayerEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	evs := m.events[key]
	if len(evs) == 0 {
		return nil, nil
	}
	latest := evs[len(evs)-1]
	return &latest, nil
}

func (m *Memory) Events(_ context.Context, key costing.CostingKey) ([]costing.CostLayerEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]costing.CostLayerEvent, len(m.events[key]))
	copy(result, m.events[key])
	return result, nil
}

func (m *Memory) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[idempotencyKey], nil
}

// Keys returns every key with at least one event, sorted.
func (m *Memory) Keys(_ context.Context) ([]costing.CostingKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]costing.CostingKey, 0, len(m.events))
	for k := range m.events {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

// =============================================================================
// TEST SUPPORT
// =============================================================================

// Overwrite replaces a stored event in place, bypassing the append-only
// contract. It exists so tests and drills can simulate a corrupted
// snapshot; production code never calls it.
func (m *Memory) Overwrite(event costing.CostLayerEvent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	evs := m.events[event.Key]
	for i := range evs {
		if evs[i].ID == event.ID {
			evs[i] = event
			return true
		}
	}
	return false
}
