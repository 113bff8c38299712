// Package store holds the bot's durable state in flat JSON files. Every
// write goes through a temp-file + fsync + rename cycle so a crash mid-write
// leaves the previous file intact.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// writeAtomic serializes v and swaps it into place at path.
func writeAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

func readFile(path string, v any) (bool, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if len(b) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

// Collection is a JSON array file of T with whole-file writes under an
// exclusive lock. Reads return copies, never aliases of internal state.
type Collection[T any] struct {
	path  string
	mu    sync.Mutex
	items []T
}

// OpenCollection loads (or initializes) the collection at path.
func OpenCollection[T any](path string) (*Collection[T], error) {
	c := &Collection[T]{path: path}
	if _, err := readFile(path, &c.items); err != nil {
		return nil, err
	}
	if c.items == nil {
		c.items = []T{}
	}
	return c, nil
}

// All returns a snapshot of every item.
func (c *Collection[T]) All() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}

// Find returns the items matching pred.
func (c *Collection[T]) Find(pred func(T) bool) []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []T
	for _, it := range c.items {
		if pred(it) {
			out = append(out, it)
		}
	}
	return out
}

// First returns the first item matching pred.
func (c *Collection[T]) First(pred func(T) bool) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, it := range c.items {
		if pred(it) {
			return it, true
		}
	}
	var zero T
	return zero, false
}

// Upsert replaces the item whose key matches, or appends it, then persists.
func (c *Collection[T]) Upsert(item T, key func(T) string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(item)
	replaced := false
	for i := range c.items {
		if key(c.items[i]) == k {
			c.items[i] = item
			replaced = true
			break
		}
	}
	if !replaced {
		c.items = append(c.items, item)
	}
	return writeAtomic(c.path, c.items)
}

// Update applies fn to the item with the given key and persists. Returns
// the updated item, or false when the key is absent.
func (c *Collection[T]) Update(id string, key func(T) string, fn func(T) T) (T, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.items {
		if key(c.items[i]) == id {
			c.items[i] = fn(c.items[i])
			if err := writeAtomic(c.path, c.items); err != nil {
				return c.items[i], true, err
			}
			return c.items[i], true, nil
		}
	}
	var zero T
	return zero, false, nil
}

// Delete removes every item matching pred and persists. Returns the count
// removed.
func (c *Collection[T]) Delete(pred func(T) bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.items[:0]
	removed := 0
	for _, it := range c.items {
		if pred(it) {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	c.items = kept
	if removed == 0 {
		return 0, nil
	}
	return removed, writeAtomic(c.path, c.items)
}

// Len returns the number of stored items.
func (c *Collection[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Singleton is a JSON object file holding one value of T.
type Singleton[T any] struct {
	path string
	mu   sync.Mutex
}

// OpenSingleton prepares a singleton store at path. The file need not exist.
func OpenSingleton[T any](path string) *Singleton[T] {
	return &Singleton[T]{path: path}
}

// Load reads the stored value. ok is false when no file exists yet.
func (s *Singleton[T]) Load() (T, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var v T
	ok, err := readFile(s.path, &v)
	return v, ok, err
}

// Save persists v.
func (s *Singleton[T]) Save(v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(s.path, v)
}

// Mutate loads the current value (zero value when absent), applies fn, and
// persists the result.
func (s *Singleton[T]) Mutate(fn func(T) T) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var v T
	if _, err := readFile(s.path, &v); err != nil {
		return v, err
	}
	v = fn(v)
	return v, writeAtomic(s.path, v)
}
