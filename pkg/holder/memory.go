package holder

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory implementation of Store. Holders are stored
// as encoded documents so callers never share pointers with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	holders map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		holders: make(map[string][]byte),
	}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Holder, error) {
	s.mu.RLock()
	doc, ok := s.holders[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHolderNotFound, id)
	}
	return decode(doc)
}

func (s *MemoryStore) Save(_ context.Context, h *Holder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := int64(0)
	if doc, ok := s.holders[h.ID]; ok {
		stored, err := decode(doc)
		if err != nil {
			return err
		}
		current = stored.Revision
	}
	if current != h.Revision {
		return fmt.Errorf("%w: %s at revision %d, stored %d", ErrConflict, h.ID, h.Revision, current)
	}

	next, doc, err := nextRevision(h)
	if err != nil {
		return err
	}
	s.holders[h.ID] = doc
	h.Revision = next.Revision
	h.UpdatedAt = next.UpdatedAt
	return nil
}

func (s *MemoryStore) ListIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.holders))
	for id := range s.holders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func decode(doc []byte) (*Holder, error) {
	var h Holder
	if err := json.Unmarshal(doc, &h); err != nil {
		return nil, fmt.Errorf("corrupt holder document: %w", err)
	}
	return &h, nil
}
