package equipment

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore は Store のインメモリ参照実装。
// ユニットテストと、永続化なしで動かすデモ用途。
type MemStore struct {
	mu     sync.Mutex
	nextID int64
	items  map[string]*Equipment // key: EquipmentULID
}

func NewMemStore() *MemStore {
	return &MemStore{items: map[string]*Equipment{}}
}

func (s *MemStore) Get(_ context.Context, equipmentULID string) (*Equipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[equipmentULID]
	if !ok {
		return nil, ErrNotFound("equipment not found")
	}
	cp := *e
	return &cp, nil
}

func (s *MemStore) List(_ context.Context, f Filter) ([]Equipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Equipment
	for _, e := range s.items {
		if f.Category != nil && e.Category != *f.Category {
			continue
		}
		if f.Available != nil && e.Available != *f.Available {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemStore) Insert(_ context.Context, e *Equipment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e.EquipmentID = s.nextID
	e.Available = true
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	cp := *e
	s.items[e.EquipmentULID] = &cp
	return nil
}

func (s *MemStore) Update(_ context.Context, e *Equipment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[e.EquipmentULID]
	if !ok {
		return ErrNotFound("equipment not found")
	}
	cur.Name = e.Name
	cur.Category = e.Category
	cur.Note = e.Note
	cur.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemStore) TrySetUnavailable(_ context.Context, equipmentULID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[equipmentULID]
	if !ok {
		return false, ErrNotFound("equipment not found")
	}
	if !e.Available {
		return false, nil
	}
	e.Available = false
	e.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemStore) SetAvailable(_ context.Context, equipmentULID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[equipmentULID]
	if !ok {
		return ErrNotFound("equipment not found")
	}
	e.Available = true
	e.UpdatedAt = time.Now().UTC()
	return nil
}
