package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory keeps records in process memory. Records survive page reloads but
// not process restarts.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*Record
	targets *TargetList
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]*Record)}
}

func (m *Memory) Load(ctx context.Context, id string) (*Record, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		rec = NewRecord(id)
		rec.UpdatedAt = time.Now().UTC()
		m.records[id] = rec
	}
	return rec.Clone(), nil
}

func (m *Memory) Save(ctx context.Context, rec *Record) error {
	if err := ValidateID(rec.SessionID); err != nil {
		return err
	}
	c := rec.Clone()
	c.UpdatedAt = time.Now().UTC()
	m.mu.Lock()
	m.records[rec.SessionID] = c
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return ErrNotFound
	}
	delete(m.records, id)
	return nil
}

func (m *Memory) List(ctx context.Context) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

func (m *Memory) LoadTargets(ctx context.Context) (*TargetList, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.targets == nil {
		return &TargetList{}, nil
	}
	return m.targets.Clone(), nil
}

func (m *Memory) SaveTargets(ctx context.Context, list *TargetList) error {
	c := list.Clone()
	c.UpdatedAt = time.Now().UTC()
	m.mu.Lock()
	m.targets = c
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
