// Package registry stores custom recognizer definitions so that recognizers
// added at runtime survive process restarts.
//
// Two implementations are provided:
//   - memoryStore: in-memory only, used in tests and when no path is configured.
//   - boltStore: embedded key-value store (bbolt), used in production.
//
// Definitions are keyed by name and stored as JSON. List returns them sorted
// by name, which is also the order their recognizers are registered in.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"pii-anonymizer/internal/recognizer"
)

// ErrNotFound is returned when no definition has the requested name.
var ErrNotFound = errors.New("recognizer definition not found")

// Store persists recognizer definitions. All implementations must be safe
// for concurrent use.
type Store interface {
	// Put validates def and stores it, replacing any definition with the
	// same name.
	Put(def recognizer.Definition) error

	// Get returns the definition called name or ErrNotFound.
	Get(name string) (recognizer.Definition, error)

	// Delete removes the definition called name or returns ErrNotFound.
	Delete(name string) error

	// List returns every definition sorted by name.
	List() ([]recognizer.Definition, error)

	// Close releases any resources held by the store.
	Close() error
}

// Open returns a bbolt-backed store at path, or an in-memory store when
// path is empty.
func Open(path string) (Store, error) {
	if path == "" {
		return NewMemory(), nil
	}
	return openBolt(path)
}

// --- memoryStore ---------------------------------------------------------

type memoryStore struct {
	mu   sync.RWMutex
	defs map[string]recognizer.Definition
}

// NewMemory returns an empty in-memory Store.
func NewMemory() Store {
	return &memoryStore{defs: make(map[string]recognizer.Definition)}
}

func (s *memoryStore) Put(def recognizer.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.defs[def.Name] = def
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Get(name string) (recognizer.Definition, error) {
	s.mu.RLock()
	def, ok := s.defs[name]
	s.mu.RUnlock()
	if !ok {
		return recognizer.Definition{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return def, nil
}

func (s *memoryStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.defs[name]; !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	delete(s.defs, name)
	return nil
}

func (s *memoryStore) List() ([]recognizer.Definition, error) {
	s.mu.RLock()
	out := make([]recognizer.Definition, 0, len(s.defs))
	for _, def := range s.defs {
		out = append(out, def)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memoryStore) Close() error { return nil }

// --- boltStore -----------------------------------------------------------

const bucket = "recognizers"

// lockTimeout bounds the wait for another process's lock on the file.
const lockTimeout = time.Second

type boltStore struct {
	db *bolt.DB
}

// openBolt opens (or creates) the bbolt database at path and ensures the
// bucket exists.
func openBolt(path string) (Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: lockTimeout})
	if err != nil {
		return nil, fmt.Errorf("open registry %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("create registry bucket: %w", err)
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Put(def recognizer.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode %q: %w", def.Name, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(def.Name), data)
	})
}

func (s *boltStore) Get(name string) (recognizer.Definition, error) {
	var def recognizer.Definition
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucket)).Get([]byte(name))
		if v == nil {
			return fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		return json.Unmarshal(v, &def)
	})
	return def, err
}

func (s *boltStore) Delete(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b.Get([]byte(name)) == nil {
			return fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		return b.Delete([]byte(name))
	})
}

func (s *boltStore) List() ([]recognizer.Definition, error) {
	var out []recognizer.Definition
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).ForEach(func(k, v []byte) error {
			var def recognizer.Definition
			if err := json.Unmarshal(v, &def); err != nil {
				return fmt.Errorf("decode %q: %w", k, err)
			}
			out = append(out, def)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *boltStore) Close() error {
	return s.db.Close()
}

// Merge returns static followed by every stored definition. A stored
// definition replaces a static one with the same name in place.
func Merge(static []recognizer.Definition, s Store) ([]recognizer.Definition, error) {
	stored, err := s.List()
	if err != nil {
		return nil, fmt.Errorf("list registry: %w", err)
	}
	byName := make(map[string]recognizer.Definition, len(stored))
	for _, def := range stored {
		byName[def.Name] = def
	}
	out := make([]recognizer.Definition, 0, len(static)+len(stored))
	for _, def := range static {
		if override, ok := byName[def.Name]; ok {
			out = append(out, override)
			delete(byName, def.Name)
			continue
		}
		out = append(out, def)
	}
	for _, def := range stored {
		if _, ok := byName[def.Name]; ok {
			out = append(out, def)
		}
	}
	return out, nil
}
