package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// FileStore persists watermarks as a single JSON object mapping task
// names to sequence numbers. Every save rewrites the whole file. A
// missing or corrupt file is treated as empty, never as a fatal error:
// tasks restart from zero and re-derive their state.
type FileStore struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
}

// NewFileStore returns a store backed by the JSON file at path.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &FileStore{path: path, logger: logger}
}

func (s *FileStore) read() map[string]uint64 {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("progress file unreadable, starting empty",
				slog.String("path", s.path), slog.Any("error", err))
		}

		return map[string]uint64{}
	}

	state := map[string]uint64{}
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Warn("progress file corrupt, starting empty",
			slog.String("path", s.path), slog.Any("error", err))

		return map[string]uint64{}
	}

	return state
}

func (s *FileStore) Load(_ context.Context, taskName string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.read()[taskName], nil
}

func (s *FileStore) Save(_ context.Context, taskName string, sequence uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.read()
	if current, ok := state[taskName]; ok && sequence <= current {
		return nil
	}

	state[taskName] = sequence

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal progress state: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write progress file %s: %w", s.path, err)
	}

	return nil
}
