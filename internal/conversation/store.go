package conversation

import (
	"sort"
	"sync"
)

// Store persists conversations. Implementations must be safe for
// concurrent use; the Manager serializes writes per key.
type Store interface {
	Get(key string) (Conversation, bool, error)
	Put(c Conversation) error
	Delete(key string) error
	// Range calls fn for every conversation until fn returns false.
	Range(fn func(Conversation) bool) error
	Close() error
}

type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]Conversation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]Conversation),
	}
}

func (s *MemoryStore) Get(key string) (Conversation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[key]
	return c, ok, nil
}

func (s *MemoryStore) Put(c Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversations[c.Key] = c
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conversations, key)
	return nil
}

// Range iterates a snapshot in key order so fn may call back into the store.
func (s *MemoryStore) Range(fn func(Conversation) bool) error {
	s.mu.RLock()
	snapshot := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		snapshot = append(snapshot, c)
	}
	s.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Key < snapshot[j].Key })
	for _, c := range snapshot {
		if !fn(c) {
			break
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
