package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process memory. State is lost on restart; it
// backs tests and the "memory" driver.
type MemoryStore struct {
	mu         sync.RWMutex
	states     map[string]MonitorState
	jobs       map[string]JobRecord
	deliveries []DeliveryRecord
	nextID     int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]MonitorState),
		jobs:   make(map[string]JobRecord),
	}
}

func (m *MemoryStore) Close() {}

func (m *MemoryStore) LoadMonitorState(_ context.Context, key string) (MonitorState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.states[key]
	if !ok {
		return MonitorState{}, ErrNotFound
	}
	return cloneState(state), nil
}

func (m *MemoryStore) SaveMonitorState(_ context.Context, state MonitorState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.states[state.Key] = cloneState(state)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) DeleteMonitorState(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.states, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ListMonitorStates(_ context.Context) ([]MonitorState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MonitorState, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, cloneState(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) LoadScheduledJobs(_ context.Context) ([]JobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]JobRecord, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SaveScheduledJob(_ context.Context, job JobRecord) error {
	job.UpdatedAt = time.Now().UTC()
	m.mu.Lock()
	m.jobs[job.ID] = cloneJob(job)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) DeleteScheduledJob(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.jobs, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) RecordDelivery(_ context.Context, rec DeliveryRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.nextID++
	rec.ID = m.nextID
	m.deliveries = append(m.deliveries, rec)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ListRecentDeliveries(_ context.Context, limit int) ([]DeliveryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DeliveryRecord, 0, limit)
	for i := len(m.deliveries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.deliveries[i])
	}
	return out, nil
}

func (m *MemoryStore) ListDeliveriesBetween(_ context.Context, from, to time.Time) ([]DeliveryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DeliveryRecord, 0)
	for _, rec := range m.deliveries {
		if !rec.CreatedAt.Before(from) && rec.CreatedAt.Before(to) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteDeliveriesBefore(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.deliveries[:0]
	var removed int64
	for _, rec := range m.deliveries {
		if rec.CreatedAt.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	m.deliveries = kept
	return removed, nil
}

func (m *MemoryStore) CountDeliveries(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.deliveries)), nil
}

var _ Backend = (*MemoryStore)(nil)
