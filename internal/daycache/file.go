package daycache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/recapd/recapd/internal/model"
)

// FileStore is a file-backed Store. Layout:
// <root>/<account>/<conversation>/<YYYY-MM-DD>.json, with identifiers
// sanitized to alphanumerics. Absence of a file is a miss, not an error.
type FileStore struct {
	root string
}

// NewFileStore creates a file-backed day cache rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &FileStore{root: dir}, nil
}

func (s *FileStore) path(key Key) string {
	return filepath.Join(s.root, sanitize(key.Account), sanitize(key.Conversation), key.DayString()+".json")
}

// Get implements Store.
func (s *FileStore) Get(key Key) ([]model.Message, error) {
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("read cache entry: %w", err)
	}

	var msgs []model.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("decode cache entry %s: %w", key.DayString(), err)
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return msgs, nil
}

// Put implements Store. The entry is written atomically via a temp file
// rename so a concurrent reader never sees a partial entry.
func (s *FileStore) Put(key Key, msgs []model.Message) error {
	if msgs == nil {
		msgs = []model.Message{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+key.DayString()+".*")
	if err != nil {
		return fmt.Errorf("create temp entry: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close cache entry: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit cache entry: %w", err)
	}
	return nil
}

// Close implements Store. File handles are not held open between calls.
func (s *FileStore) Close() error { return nil }

var _ Store = (*FileStore)(nil)
