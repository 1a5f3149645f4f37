package progress

import (
	"context"
	"sync"
)

// MemoryStore keeps watermarks in process memory. It backs tests and
// one-shot workflows where losing progress on restart is acceptable.
type MemoryStore struct {
	// Default is returned for tasks that have never been saved. It
	// lets a fresh workflow start at an arbitrary sequence.
	Default uint64

	mu    sync.Mutex
	state map[string]uint64
}

// NewMemoryStore returns an empty in-memory store starting at seq.
func NewMemoryStore(seq uint64) *MemoryStore {
	return &MemoryStore{Default: seq, state: make(map[string]uint64)}
}

func (s *MemoryStore) Load(_ context.Context, taskName string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq, ok := s.state[taskName]; ok {
		return seq, nil
	}

	return s.Default, nil
}

func (s *MemoryStore) Save(_ context.Context, taskName string, sequence uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.state[taskName]; ok && sequence <= current {
		return nil
	}

	s.state[taskName] = sequence

	return nil
}
