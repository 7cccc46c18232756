// Package filestore is the default RecordStore: one JSON document per
// memory under a directory, so the durable state stays human-inspectable.
// Writes go through a temp file and rename so a crash never leaves a
// half-written record. A ristretto cache fronts Get for the search hot
// path, where every candidate resolves back to its record.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgraph-io/ristretto"

	"github.com/becomeliminal/recall-go/memory"
)

// Compile time check to ensure Store satisfies the record store contract.
var _ memory.RecordStore = (*Store)(nil)

const recordExt = ".json"

// Store is a directory-backed record store.
type Store struct {
	dir    string
	cache  *ristretto.Cache
	logger *log.Logger
}

// New creates (or reopens) a store rooted at dir.
func New(dir string, logger *log.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[STORE] ", log.LstdFlags)
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     16 << 20, // bytes of cached JSON
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create read cache: %w", err)
	}
	return &Store{dir: dir, cache: cache, logger: logger}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+recordExt)
}

// Save writes a memory durably. The caller keeps ownership of mem.
func (s *Store) Save(_ context.Context, mem *memory.Memory) error {
	data, err := json.MarshalIndent(mem, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", mem.ID, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".record-*")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write record %s: %w", mem.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close record %s: %w", mem.ID, err)
	}
	if err := os.Rename(tmp.Name(), s.path(mem.ID)); err != nil {
		return fmt.Errorf("rename record %s: %w", mem.ID, err)
	}

	s.cache.Set(mem.ID, mem.Clone(), int64(len(data)))
	return nil
}

// Get returns a memory by ID, or (nil, nil) when absent.
func (s *Store) Get(_ context.Context, id string) (*memory.Memory, error) {
	if v, ok := s.cache.Get(id); ok {
		if mem, ok := v.(*memory.Memory); ok {
			return mem.Clone(), nil
		}
	}

	data, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read record %s: %w", id, err)
	}

	var mem memory.Memory
	if err := json.Unmarshal(data, &mem); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	s.cache.Set(id, mem.Clone(), int64(len(data)))
	return &mem, nil
}

// Delete removes a memory. Unknown IDs are a no-op.
func (s *Store) Delete(_ context.Context, id string) error {
	s.cache.Del(id)
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove record %s: %w", id, err)
	}
	return nil
}

// List returns every readable record, lexically ordered by file name.
// Corrupt or partial records are skipped and logged rather than failing
// the whole listing, so one bad file never blocks an index rebuild.
func (s *Store) List(_ context.Context) ([]*memory.Memory, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read store directory: %w", err)
	}

	var recs []*memory.Memory
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, recordExt) || strings.HasPrefix(name, ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			s.logger.Printf("skipping unreadable record %s: %v", name, err)
			continue
		}
		var mem memory.Memory
		if err := json.Unmarshal(data, &mem); err != nil {
			s.logger.Printf("skipping corrupt record %s: %v", name, err)
			continue
		}
		recs = append(recs, &mem)
	}
	return recs, nil
}

// Query returns the records matching filter.
func (s *Store) Query(ctx context.Context, filter memory.Filter) ([]*memory.Memory, error) {
	recs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	if filter.Type == "" {
		return recs, nil
	}
	matched := recs[:0]
	for _, rec := range recs {
		if rec.Type == filter.Type {
			matched = append(matched, rec)
		}
	}
	return matched, nil
}

// Clear removes every record.
func (s *Store) Clear(_ context.Context) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read store directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordExt) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
			return fmt.Errorf("remove record %s: %w", entry.Name(), err)
		}
	}
	s.cache.Clear()
	return nil
}

// Close releases the read cache.
func (s *Store) Close() error {
	s.cache.Close()
	return nil
}
