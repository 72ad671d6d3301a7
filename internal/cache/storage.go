package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/docforge/querycache/pkg/utils"
)

// ErrQuotaExceeded is returned by Storage.SetItem when the write would exceed
// the storage quota.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// Storage is a durable, synchronous string key-value store with a quota. It is
// the backing medium of PersistentStore.
type Storage interface {
	GetItem(key string) (string, bool, error)
	SetItem(key, value string) error
	RemoveItem(key string) error
	Keys() ([]string, error)
}

// MemoryStorage is an in-process Storage. Quota counts key and value bytes;
// zero means unlimited.
type MemoryStorage struct {
	mu    sync.RWMutex
	items map[string]string
	used  int64
	quota int64
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage(quota int64) *MemoryStorage {
	return &MemoryStorage{items: make(map[string]string), quota: quota}
}

func (s *MemoryStorage) GetItem(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok, nil
}

func (s *MemoryStorage) SetItem(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delta := int64(len(key) + len(value))
	if old, ok := s.items[key]; ok {
		delta -= int64(len(key) + len(old))
	}
	if s.quota > 0 && s.used+delta > s.quota {
		return ErrQuotaExceeded
	}
	s.items[key] = value
	s.used += delta
	return nil
}

func (s *MemoryStorage) RemoveItem(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.items[key]; ok {
		s.used -= int64(len(key) + len(old))
		delete(s.items, key)
	}
	return nil
}

func (s *MemoryStorage) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Used returns the bytes currently counted against the quota.
func (s *MemoryStorage) Used() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used
}

const dirIndexFile = "index.json"

type dirIndexEntry struct {
	File string `json:"file"`
	Size int64  `json:"size"`
}

// DirStorage keeps one file per key inside a directory, plus a JSON index
// mapping keys to file names. File names are hashes of the key.
type DirStorage struct {
	mu    sync.Mutex
	dir   string
	quota int64
	used  int64
	index map[string]dirIndexEntry
}

// NewDirStorage opens or creates a storage directory and loads its index.
func NewDirStorage(dir string, quota int64) (*DirStorage, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage directory is required")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	s := &DirStorage{
		dir:   dir,
		quota: quota,
		index: make(map[string]dirIndexEntry),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DirStorage) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.dir, dirIndexFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read storage index: %w", err)
	}
	if err := json.Unmarshal(data, &s.index); err != nil {
		// an unreadable index loses the entries, not the store
		s.index = make(map[string]dirIndexEntry)
		return nil
	}
	for key, entry := range s.index {
		// index entries naming files outside the directory are dropped
		path, err := utils.SecureJoin(s.dir, entry.File)
		if err != nil || filepath.Dir(path) != filepath.Clean(s.dir) {
			delete(s.index, key)
			continue
		}
		if _, err := os.Stat(path); err != nil {
			delete(s.index, key)
			continue
		}
		s.used += entry.Size
	}
	return nil
}

func (s *DirStorage) saveIndexLocked() error {
	data, err := json.Marshal(s.index)
	if err != nil {
		return fmt.Errorf("failed to marshal storage index: %w", err)
	}
	tmp := filepath.Join(s.dir, dirIndexFile+".tmp")
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write storage index: %w", err)
	}
	return os.Rename(tmp, filepath.Join(s.dir, dirIndexFile))
}

func fileNameFor(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:]) + ".dat"
}

func (s *DirStorage) GetItem(key string) (string, bool, error) {
	s.mu.Lock()
	entry, ok := s.index[key]
	s.mu.Unlock()
	if !ok {
		return "", false, nil
	}

	data, err := os.ReadFile(filepath.Join(s.dir, entry.File))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return string(data), true, nil
}

func (s *DirStorage) SetItem(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := int64(len(key) + len(value))
	delta := size
	if old, ok := s.index[key]; ok {
		delta -= old.Size
	}
	if s.quota > 0 && s.used+delta > s.quota {
		return ErrQuotaExceeded
	}

	name := fileNameFor(key)
	if err := os.WriteFile(filepath.Join(s.dir, name), []byte(value), 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	s.index[key] = dirIndexEntry{File: name, Size: size}
	s.used += delta
	return s.saveIndexLocked()
}

func (s *DirStorage) RemoveItem(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.index[key]
	if !ok {
		return nil
	}
	if err := os.Remove(filepath.Join(s.dir, entry.File)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	delete(s.index, key)
	s.used -= entry.Size
	return s.saveIndexLocked()
}

func (s *DirStorage) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.index))
	for k := range s.index {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Used returns the bytes currently counted against the quota.
func (s *DirStorage) Used() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}
