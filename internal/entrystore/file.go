package entrystore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// fileDocument is the on-disk layout of a FileStore.
type fileDocument struct {
	Entries []Entry `yaml:"entries"`
}

// FileStore keeps entries in one YAML file that operators may also edit by
// hand. Writes replace the file atomically.
type FileStore struct {
	path string

	mu      sync.Mutex
	entries []Entry
}

// OpenFile loads path, or starts empty when it does not exist yet.
func OpenFile(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	entries, err := LoadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	s.entries = entries
	return s, nil
}

// LoadFile parses and validates every entry in path.
func LoadFile(path string) ([]Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc struct {
		Entries []struct {
			ID        string    `yaml:"id"`
			Title     string    `yaml:"title"`
			Data      yaml.Node `yaml:"data"`
			CreatedAt time.Time `yaml:"created_at"`
			UpdatedAt time.Time `yaml:"updated_at"`
		} `yaml:"entries"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	entries := make([]Entry, 0, len(doc.Entries))
	seen := make(map[string]bool, len(doc.Entries))
	for i, item := range doc.Entries {
		if item.ID == "" {
			return nil, fmt.Errorf("%s: entry %d has no id", path, i)
		}
		if seen[item.ID] {
			return nil, fmt.Errorf("%s: %w: %s", path, ErrExists, item.ID)
		}
		seen[item.ID] = true

		data := DefaultData()
		if err := item.Data.Decode(&data); err != nil {
			return nil, fmt.Errorf("%s: entry %s: %w", path, item.ID, err)
		}
		if err := data.Validate(); err != nil {
			return nil, fmt.Errorf("%s: entry %s: %w", path, item.ID, err)
		}
		entries = append(entries, Entry{
			ID:        item.ID,
			Title:     item.Title,
			Data:      data,
			CreatedAt: item.CreatedAt,
			UpdatedAt: item.UpdatedAt,
		})
	}
	return entries, nil
}

func (s *FileStore) Path() string { return s.path }

// Reload replaces the in-memory entries with the file's contents.
func (s *FileStore) Reload() ([]Entry, error) {
	entries, err := LoadFile(s.path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	return slices.Clone(entries), nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) List(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.entries), nil
}

func (s *FileStore) Get(ctx context.Context, id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.index(id); i >= 0 {
		return s.entries[i], nil
	}
	return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (s *FileStore) Create(ctx context.Context, e Entry) error {
	if err := e.Data.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index(e.ID) >= 0 {
		return fmt.Errorf("%w: %s", ErrExists, e.ID)
	}
	next := append(slices.Clone(s.entries), e)
	if err := s.write(next); err != nil {
		return err
	}
	s.entries = next
	return nil
}

func (s *FileStore) Update(ctx context.Context, id string, fn func(*Data) error) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(id)
	if i < 0 {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e := s.entries[i]
	if e.Data.Location != nil {
		loc := *e.Data.Location
		e.Data.Location = &loc
	}
	if err := fn(&e.Data); err != nil {
		return Entry{}, err
	}
	if err := e.Data.Validate(); err != nil {
		return Entry{}, err
	}
	e.UpdatedAt = time.Now().UTC()

	next := slices.Clone(s.entries)
	next[i] = e
	if err := s.write(next); err != nil {
		return Entry{}, err
	}
	s.entries = next
	return e, nil
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := slices.Delete(slices.Clone(s.entries), i, i+1)
	if err := s.write(next); err != nil {
		return err
	}
	s.entries = next
	return nil
}

func (s *FileStore) index(id string) int {
	return slices.IndexFunc(s.entries, func(e Entry) bool { return e.ID == id })
}

// write replaces the file through a temp file in the same directory.
// Callers hold s.mu.
func (s *FileStore) write(entries []Entry) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(fileDocument{Entries: entries}); err != nil {
		return fmt.Errorf("encode entries: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
